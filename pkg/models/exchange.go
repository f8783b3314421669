// Package models contains the business domain types shared across stores,
// retrieval, the ingest pipeline, and the twin engines.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ExchangeSource identifies where an exchange originated.
type ExchangeSource string

const (
	SourceChat            ExchangeSource = "chat"
	SourceImportAnthropic ExchangeSource = "import-anthropic"
	SourceImportOpenAI    ExchangeSource = "import-openai"
	SourceOther           ExchangeSource = "other"
)

// ClusterNoise is the cluster_id assigned when no cluster could be determined.
const ClusterNoise = -1

// ExchangeFlags carry boolean signals derived from exchange content.
type ExchangeFlags struct {
	HasCode        bool `json:"has_code"`
	HasError       bool `json:"has_error"`
	ActionRequired bool `json:"action_required"`
}

// Exchange is a completed conversational turn: the user's input, the
// assistant's final output, and the metadata needed to retrieve it later.
// Rows are append-only after commit; only AccessCount and LastAccessed
// are ever updated in place.
type Exchange struct {
	ID            string  `json:"id"`
	SessionID     string  `json:"session_id"`
	UserID        *string `json:"user_id,omitempty"`
	TenantID      *string `json:"tenant_id,omitempty"`
	SequenceIndex int     `json:"sequence_index"`

	CreatedAt        time.Time `json:"created_at"`
	HumanContent     string    `json:"human_content"`
	AssistantContent string    `json:"assistant_content"`

	Source           ExchangeSource    `json:"source"`
	IntentType       string            `json:"intent_type,omitempty"`
	Complexity       string            `json:"complexity,omitempty"`
	TechnicalDepth   int               `json:"technical_depth"` // 0-10
	EmotionalValence string            `json:"emotional_valence,omitempty"`
	Urgency          string            `json:"urgency,omitempty"`
	ConversationMode string            `json:"conversation_mode,omitempty"`
	Flags            ExchangeFlags     `json:"flags"`
	Tags             map[string]string `json:"tags,omitempty"`

	ClusterID         int     `json:"cluster_id"`
	ClusterConfidence float64 `json:"cluster_confidence"` // 0-1

	// Embedding is nil when the embedding service was unavailable at
	// ingest time. When set, its length equals the configured dimension.
	Embedding []float32 `json:"-"`

	AccessCount  int        `json:"access_count"`
	LastAccessed *time.Time `json:"last_accessed,omitempty"`

	// Partial marks exchanges whose assistant content was truncated by a
	// stream failure, disconnect, or deadline.
	Partial bool `json:"partial,omitempty"`
}

// Scoped reports whether the exchange carries at least one of user or
// tenant ownership. Unscoped exchanges must never be persisted.
func (e *Exchange) Scoped() bool {
	return e.UserID != nil || e.TenantID != nil
}

// ExchangeID derives the content-hash identifier for an exchange. Identical
// (session, human, assistant) triples produce identical ids, which makes
// double-ingest a no-op at the store layer.
func ExchangeID(sessionID, humanContent, assistantContent string) string {
	h := sha256.New()
	h.Write([]byte(sessionID))
	h.Write([]byte{0})
	h.Write([]byte(humanContent))
	h.Write([]byte{0})
	h.Write([]byte(assistantContent))
	return "exc_" + hex.EncodeToString(h.Sum(nil))[:32]
}

// ScoredExchange pairs an exchange with a retrieval score.
type ScoredExchange struct {
	Exchange *Exchange
	Score    float64
}
