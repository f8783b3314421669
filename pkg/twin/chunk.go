// Package twin implements the cognitive engines: the per-turn think loop
// that retrieves memory, streams the LLM, runs the tool protocol, and
// ingests the finished exchange. Two variants share the loop: a personal
// twin with memory-first retrieval and a corporate twin with
// document-first retrieval.
package twin

import "github.com/mnemos-ai/mnemos/pkg/models"

// Chunk is the interface for all engine output chunk types.
type Chunk interface {
	chunkType() ChunkType
}

// ChunkType identifies the kind of engine chunk.
type ChunkType string

const (
	ChunkTypeText  ChunkType = "text"
	ChunkTypeMeta  ChunkType = "meta"
	ChunkTypeError ChunkType = "error"
)

// TextChunk is a piece of the reply streamed to the client.
type TextChunk struct{ Content string }

// MetaChunk carries cognitive state: the phase, which tools ran, and any
// escalation raised by an action tag. The transport renders it as a
// cognitive_state frame, never as reply text.
type MetaChunk struct {
	Phase      models.CognitivePhase
	ToolsUsed  []string
	Escalation string
}

// ErrorChunk terminates a turn's stream. Partial marks that text chunks
// already delivered form a usable partial reply, which is still ingested.
type ErrorChunk struct {
	Code    string
	Message string
	Partial bool
}

func (c *TextChunk) chunkType() ChunkType  { return ChunkTypeText }
func (c *MetaChunk) chunkType() ChunkType  { return ChunkTypeMeta }
func (c *ErrorChunk) chunkType() ChunkType { return ChunkTypeError }
