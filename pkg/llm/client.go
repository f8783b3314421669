package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mnemos-ai/mnemos/pkg/config"
)

// Client is the streaming completion interface the engines depend on.
type Client interface {
	// Stream sends a conversation and returns a channel of chunks. The
	// channel is closed when the stream completes; errors arrive as
	// ErrorChunk values.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
	Close() error
}

// HTTPClient talks to an OpenAI-compatible /chat/completions endpoint
// with SSE streaming.
type HTTPClient struct {
	cfg        config.LLMConfig
	httpClient *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates an HTTPClient. The http.Client has no overall
// timeout; per-call lifetimes come from the caller's context and the
// configured stream idle timeout.
func NewHTTPClient(cfg config.LLMConfig) *HTTPClient {
	return &HTTPClient{
		cfg:        cfg,
		httpClient: &http.Client{},
	}
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta *struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Stream issues the completion call and parses the SSE response in a
// goroutine. Transport failures before the first byte return an error;
// anything after that is delivered in-band.
func (c *HTTPClient) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	body := chatRequest{
		Model:       c.cfg.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = c.cfg.MaxTokens
	}
	if body.Temperature == nil {
		body.Temperature = c.cfg.Temperature
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode completion request: %w", err)
	}

	// The request context outlives this function; it is cancelled by the
	// idle watchdog or when the SSE goroutine finishes.
	reqCtx, cancel := context.WithCancel(ctx)

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("completion service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	ch := make(chan Chunk, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		defer cancel()
		c.readSSE(reqCtx, cancel, resp.Body, ch)
	}()
	return ch, nil
}

// readSSE parses "data: " lines until the [DONE] sentinel, emitting a
// TextChunk per content delta. An idle watchdog cancels the request when
// the provider stalls mid-stream.
func (c *HTTPClient) readSSE(ctx context.Context, cancel context.CancelFunc, body io.Reader, ch chan<- Chunk) {
	idle := c.cfg.StreamIdleTimeout.Std()
	var watchdog *time.Timer
	if idle > 0 {
		watchdog = time.AfterFunc(idle, cancel)
		defer watchdog.Stop()
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var usage *UsageChunk
	for scanner.Scan() {
		if watchdog != nil {
			watchdog.Reset(idle)
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Malformed chunks are skipped, not fatal.
			continue
		}
		if chunk.Usage != nil {
			usage = &UsageChunk{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta == nil {
			continue
		}
		if content := chunk.Choices[0].Delta.Content; content != "" {
			select {
			case ch <- &TextChunk{Content: content}:
			case <-ctx.Done():
				trySend(ch, &ErrorChunk{Message: ctx.Err().Error()})
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		msg := err.Error()
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.Canceled) && idle > 0 {
				msg = fmt.Sprintf("stream idle for %s: %s", idle, msg)
			} else {
				msg = ctxErr.Error()
			}
		}
		trySend(ch, &ErrorChunk{Message: msg, Retryable: false})
		return
	}
	if usage != nil {
		trySend(ch, usage)
	}
}

// trySend delivers a chunk without blocking. Dropped only when the
// consumer has stopped draining, which makes delivery moot anyway.
func trySend(ch chan<- Chunk, chunk Chunk) {
	select {
	case ch <- chunk:
	default:
	}
}

// Collect drains a chunk stream into the accumulated text. It returns the
// text gathered so far along with the first error chunk encountered, so a
// partial response survives a mid-stream failure.
func Collect(ch <-chan Chunk) (string, error) {
	var b strings.Builder
	var streamErr error
	for chunk := range ch {
		switch v := chunk.(type) {
		case *TextChunk:
			b.WriteString(v.Content)
		case *ErrorChunk:
			if streamErr == nil {
				streamErr = errors.New(v.Message)
			}
		}
	}
	return b.String(), streamErr
}
