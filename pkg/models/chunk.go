package models

import "time"

// DocumentChunk is a retrieval unit derived from an ingested manual or
// policy document. Chunks are never deleted in place; Active=false is the
// tombstone. The idempotency key among active rows is
// (TenantID, FileHash, ChunkIndex).
type DocumentChunk struct {
	ID           string `json:"id"`
	TenantID     string `json:"tenant_id"`
	DepartmentID string `json:"department_id,omitempty"`

	Content      string `json:"content"`
	SectionTitle string `json:"section_title,omitempty"`
	SourceFile   string `json:"source_file"`
	FileHash     string `json:"file_hash"`
	ChunkIndex   int    `json:"chunk_index"`
	TokenCount   int    `json:"token_count"`

	// Semantic tag bundle, pre-computed by the offline ingestor.
	Keywords    []string `json:"keywords,omitempty"`
	Category    string   `json:"category,omitempty"`
	Subcategory string   `json:"subcategory,omitempty"`
	QueryTypes  []string `json:"query_types,omitempty"`
	Verbs       []string `json:"verbs,omitempty"`
	Entities    []string `json:"entities,omitempty"`
	Actors      []string `json:"actors,omitempty"`
	Conditions  []string `json:"conditions,omitempty"`

	Importance  int `json:"importance"`  // 1-10
	Specificity int `json:"specificity"` // 1-10
	Complexity  int `json:"complexity"`  // 1-10

	IsProcedure bool `json:"is_procedure"`
	IsPolicy    bool `json:"is_policy"`
	IsForm      bool `json:"is_form"`

	ProcessName *string `json:"process_name,omitempty"`
	ProcessStep *int    `json:"process_step,omitempty"`

	SiblingIDs      []string `json:"sibling_ids,omitempty"`
	PrerequisiteIDs []string `json:"prerequisite_ids,omitempty"`
	SeeAlsoIDs      []string `json:"see_also_ids,omitempty"`
	FollowsIDs      []string `json:"follows_ids,omitempty"`

	// DepartmentAccess lists departments allowed to retrieve this chunk.
	// Every chunk has either a DepartmentID or a non-empty DepartmentAccess.
	DepartmentAccess []string `json:"department_access,omitempty"`

	Active bool `json:"active"`

	Embedding      []float32 `json:"-"`
	EmbeddingModel string    `json:"embedding_model,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScoredChunk pairs a document chunk with its retrieval score.
type ScoredChunk struct {
	Chunk *DocumentChunk
	Score float64
}
