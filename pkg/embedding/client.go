// Package embedding provides the client for the external embedding
// service. Requests are rate limited, capped to a fixed number in flight,
// retried on transient failure, and cached by normalized-text hash.
package embedding

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/mnemos-ai/mnemos/pkg/config"
)

// Embedder converts text into fixed-dimension unit vectors. Implemented
// by Client; fakes implement it in tests.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Client calls an HTTP embedding service.
type Client struct {
	baseURL    string
	apiKey     string
	dim        int
	batchSize  int
	maxRetries int

	httpClient *http.Client
	limiter    *rate.Limiter
	sem        *semaphore.Weighted
	cache      *lruCache
}

var _ Embedder = (*Client)(nil)

// NewClient builds an embedding client from configuration.
func NewClient(cfg *config.EmbeddingConfig) *Client {
	rpm := cfg.RPM
	if rpm <= 0 {
		rpm = 600
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = config.DefaultEmbeddingBatchSize
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		dim:        cfg.Dimension,
		batchSize:  batch,
		maxRetries: cfg.MaxRetries,
		httpClient: &http.Client{Timeout: cfg.Timeout.Std()},
		limiter:    rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm/10+1),
		sem:        semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		cache:      newLRUCache(cfg.CacheSize),
	}
}

// Dimension returns the configured vector dimension.
func (c *Client) Dimension() int { return c.dim }

// Embed returns the unit vector for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in request-sized batches, serving cached entries
// without an HTTP round trip. The returned slice is parallel to texts.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))

	// Resolve cache hits first; collect the misses for HTTP calls.
	var missIdx []int
	var missTexts []string
	keys := make([]string, len(texts))
	for i, text := range texts {
		keys[i] = cacheKey(text)
		if vec, ok := c.cache.Get(keys[i]); ok {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	for start := 0; start < len(missTexts); start += c.batchSize {
		end := min(start+c.batchSize, len(missTexts))
		vecs, err := c.embedHTTP(ctx, missTexts[start:end])
		if err != nil {
			return nil, err
		}
		for j, vec := range vecs {
			idx := missIdx[start+j]
			out[idx] = vec
			c.cache.Put(keys[idx], vec)
		}
	}
	return out, nil
}

type embedRequest struct {
	Inputs []string `json:"inputs"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// embedHTTP performs one rate-limited, retried embedding call.
func (c *Client) embedHTTP(ctx context.Context, texts []string) ([][]float32, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var vecs [][]float32
	op := func() error {
		var err error
		vecs, err = c.doRequest(ctx, texts)
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.maxRetries)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return vecs, nil
}

func (c *Client) doRequest(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Inputs: texts})
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to encode embedding request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("embedding service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, backoff.Permanent(fmt.Errorf(
			"embedding count mismatch: sent %d texts, got %d vectors", len(texts), len(parsed.Embeddings)))
	}

	for _, vec := range parsed.Embeddings {
		if len(vec) != c.dim {
			return nil, backoff.Permanent(fmt.Errorf(
				"embedding dimension mismatch: expected %d, got %d", c.dim, len(vec)))
		}
		Normalize(vec)
	}
	return parsed.Embeddings, nil
}

// Normalize scales v to unit length in place. Zero vectors are left as-is.
func Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}

// Cosine returns the cosine similarity of two vectors. Inputs produced by
// this package are unit length, so this is their dot product over norms.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// cacheKey hashes whitespace-normalized text so trivially reformatted
// inputs share a cache entry.
func cacheKey(text string) string {
	normalized := strings.Join(strings.Fields(text), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
