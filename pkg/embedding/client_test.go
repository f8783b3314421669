package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemos-ai/mnemos/pkg/config"
)

const testDim = 4

func newTestServer(t *testing.T, calls *atomic.Int64, failFirst int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if int(n) <= failFirst {
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := embedResponse{}
		for range req.Inputs {
			resp.Embeddings = append(resp.Embeddings, []float32{3, 4, 0, 0})
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func testConfig(url string) *config.EmbeddingConfig {
	return &config.EmbeddingConfig{
		BaseURL:     url,
		Dimension:   testDim,
		RPM:         6000,
		MaxInFlight: 4,
		BatchSize:   2,
		CacheSize:   8,
		Timeout:     config.Duration(5 * time.Second),
		MaxRetries:  2,
	}
}

func TestEmbedNormalizesAndCaches(t *testing.T) {
	var calls atomic.Int64
	srv := newTestServer(t, &calls, 0)
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))

	vec, err := c.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	require.Len(t, vec, testDim)
	// (3,4,0,0) normalized is (0.6, 0.8, 0, 0).
	assert.InDelta(t, 0.6, float64(vec[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(vec[1]), 1e-6)
	assert.InDelta(t, 1.0, vectorNorm(vec), 1e-6)

	// Whitespace-normalized text hits the cache: no second HTTP call.
	_, err = c.Embed(context.Background(), "  hello   world ")
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())
}

func TestEmbedBatchSplitsAndPreservesOrder(t *testing.T) {
	var calls atomic.Int64
	srv := newTestServer(t, &calls, 0)
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))

	vecs, err := c.EmbedBatch(context.Background(), []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)
	require.Len(t, vecs, 5)
	for _, v := range vecs {
		require.Len(t, v, testDim)
	}
	// Batch size 2 splits 5 misses into 3 requests.
	assert.Equal(t, int64(3), calls.Load())
}

func TestEmbedRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int64
	srv := newTestServer(t, &calls, 1)
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))

	vec, err := c.Embed(context.Background(), "retry me")
	require.NoError(t, err)
	require.Len(t, vec, testDim)
	assert.Equal(t, int64(2), calls.Load())
}

func TestEmbedDimensionMismatchIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{1, 2}}})
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	_, err := c.Embed(context.Background(), "short vector")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension mismatch")
}

func TestEmbedClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	_, err := c.Embed(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, int64(1), calls.Load())
}

func TestLRUCacheEviction(t *testing.T) {
	cache := newLRUCache(2)
	cache.Put("a", []float32{1})
	cache.Put("b", []float32{2})
	_, ok := cache.Get("a") // refresh a
	require.True(t, ok)
	cache.Put("c", []float32{3}) // evicts b

	_, ok = cache.Get("b")
	assert.False(t, ok)
	_, ok = cache.Get("a")
	assert.True(t, ok)
	_, ok = cache.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, cache.Len())
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, Cosine([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, Cosine(nil, nil))
}

func vectorNorm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
