// Package llm provides a streaming client for OpenAI-compatible chat
// completion services. Responses are delivered as a channel of typed
// chunks; errors arrive in-band as ErrorChunk values so consumers handle
// one stream shape.
package llm

// Chunk is the interface for all streaming chunk types.
type Chunk interface {
	chunkType() ChunkType
}

// ChunkType identifies the kind of streaming chunk.
type ChunkType string

const (
	ChunkTypeText  ChunkType = "text"
	ChunkTypeUsage ChunkType = "usage"
	ChunkTypeError ChunkType = "error"
)

// TextChunk is a piece of the model's text response.
type TextChunk struct{ Content string }

// UsageChunk reports token consumption for the call. At most one is sent,
// right before the channel closes.
type UsageChunk struct{ InputTokens, OutputTokens int }

// ErrorChunk signals a provider or transport error. The stream ends after
// an ErrorChunk; any text already delivered is a usable partial response.
type ErrorChunk struct {
	Message   string
	Retryable bool
}

func (c *TextChunk) chunkType() ChunkType  { return ChunkTypeText }
func (c *UsageChunk) chunkType() ChunkType { return ChunkTypeUsage }
func (c *ErrorChunk) chunkType() ChunkType { return ChunkTypeError }

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request carries the inputs of one completion call. Zero MaxTokens and
// nil Temperature fall back to the client's configured defaults.
type Request struct {
	Messages    []Message
	MaxTokens   int
	Temperature *float64
}
