package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mnemos-ai/mnemos/pkg/models"
)

// DocumentStore provides smart-RAG retrieval over pre-tagged document
// chunks: array-overlap pre-filtering, cosine scoring, and threshold-based
// selection.
type DocumentStore struct {
	pool      *pgxpool.Pool
	safetyCap int
}

// NewDocumentStore creates a DocumentStore using an existing pool. The
// caller owns the pool. safetyCap bounds threshold-mode result sets.
func NewDocumentStore(pool *pgxpool.Pool, safetyCap int) *DocumentStore {
	if safetyCap <= 0 {
		safetyCap = 200
	}
	return &DocumentStore{pool: pool, safetyCap: safetyCap}
}

// SearchDocumentsQuery carries the inputs for SearchDocuments.
type SearchDocumentsQuery struct {
	// Embedding may be nil, which switches to keyword-only ranking.
	Embedding          []float32
	TenantID           string
	AllowedDepartments []string
	Intent             string
	Entities           []string
	Verbs              []string
	Threshold          float64
}

// SearchDocuments pre-filters chunks with array-overlap predicates, scores
// the survivors by cosine similarity, and returns every candidate at or
// above the threshold: there is no top-K cutoff below the threshold, only
// the safety cap. Ordering is (importance DESC, boosted score DESC,
// process_step ASC NULLS LAST); procedures get a +0.1 ordering boost for
// how_to intents. The threshold itself applies to the raw cosine score.
//
// An empty AllowedDepartments list fails secure: no rows, no error.
func (s *DocumentStore) SearchDocuments(ctx context.Context, q SearchDocumentsQuery) ([]models.ScoredChunk, error) {
	if q.TenantID == "" || len(q.AllowedDepartments) == 0 {
		return nil, nil
	}
	if q.Embedding == nil {
		return s.searchKeywordOnly(ctx, q)
	}

	args := []any{serializeVector(q.Embedding), q.TenantID, q.AllowedDepartments}
	where := []string{
		"active",
		"embedding IS NOT NULL",
		"tenant_id = $2",
		"(department_access && $3 OR department_id = ANY($3))",
	}
	if q.Intent != "" {
		args = append(args, q.Intent)
		where = append(where, fmt.Sprintf("(cardinality(query_types) = 0 OR $%d = ANY(query_types))", len(args)))
	}
	if len(q.Entities) > 0 {
		args = append(args, q.Entities)
		where = append(where, fmt.Sprintf("entities && $%d", len(args)))
	}
	if len(q.Verbs) > 0 {
		args = append(args, q.Verbs)
		where = append(where, fmt.Sprintf("verbs && $%d", len(args)))
	}

	args = append(args, q.Threshold)
	thresholdArg := len(args)
	args = append(args, q.Intent)
	intentArg := len(args)
	args = append(args, s.safetyCap)
	capArg := len(args)

	query := `
		SELECT ` + chunkColumns + `, score FROM (
			SELECT c.*,
			       1 - (c.embedding <=> $1::vector) AS score,
			       1 - (c.embedding <=> $1::vector)
			           + CASE WHEN c.is_procedure AND $` + strconv.Itoa(intentArg) + ` = 'how_to'
			                  THEN 0.1 ELSE 0 END AS boosted_score
			FROM document_chunks c
			WHERE ` + strings.Join(where, " AND ") + `
		) ranked
		WHERE score >= $` + strconv.Itoa(thresholdArg) + `
		ORDER BY importance DESC, boosted_score DESC, process_step ASC NULLS LAST
		LIMIT $` + strconv.Itoa(capArg)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("document search failed: %w", err)
	}
	defer rows.Close()

	return scanScoredChunks(rows)
}

// searchKeywordOnly ranks by the overlap count of requested entities and
// verbs against chunk tags, then by importance. Used when no query
// embedding is available.
func (s *DocumentStore) searchKeywordOnly(ctx context.Context, q SearchDocumentsQuery) ([]models.ScoredChunk, error) {
	terms := append(append([]string{}, q.Entities...), q.Verbs...)
	if len(terms) == 0 {
		return nil, nil
	}

	args := []any{q.TenantID, q.AllowedDepartments, terms}
	where := []string{
		"active",
		"tenant_id = $1",
		"(department_access && $2 OR department_id = ANY($2))",
		"(entities && $3 OR verbs && $3)",
	}
	if q.Intent != "" {
		args = append(args, q.Intent)
		where = append(where, fmt.Sprintf("(cardinality(query_types) = 0 OR $%d = ANY(query_types))", len(args)))
	}
	args = append(args, s.safetyCap)
	capArg := len(args)

	query := `
		SELECT ` + chunkColumns + `, overlap_count::float AS score FROM (
			SELECT c.*,
			       (SELECT count(*) FROM unnest(c.entities || c.verbs) tag
			        WHERE tag = ANY($3)) AS overlap_count
			FROM document_chunks c
			WHERE ` + strings.Join(where, " AND ") + `
		) ranked
		WHERE overlap_count > 0
		ORDER BY overlap_count DESC, importance DESC
		LIMIT $` + strconv.Itoa(capArg)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("keyword document search failed: %w", err)
	}
	defer rows.Close()

	return scanScoredChunks(rows)
}

// ExpandContext returns the chunk plus every active chunk referenced by
// its prerequisite_ids and see_also_ids. The result set is stable modulo
// the active set.
func (s *DocumentStore) ExpandContext(ctx context.Context, chunkID string) ([]*models.DocumentChunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+chunkColumns+` FROM document_chunks
		WHERE active AND (
			id = $1
			OR id = ANY(SELECT unnest(prerequisite_ids || see_also_ids)
			            FROM document_chunks WHERE id = $1)
		)
		ORDER BY (id = $1) DESC, process_step ASC NULLS LAST, id`,
		chunkID)
	if err != nil {
		return nil, fmt.Errorf("expand context failed: %w", err)
	}
	defer rows.Close()

	var out []*models.DocumentChunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk)
	}
	return out, rows.Err()
}

// UpsertChunk inserts a chunk or replaces the active row with the same
// (tenant_id, file_hash, chunk_index) identity. The replaced row is
// tombstoned, not deleted.
func (s *DocumentStore) UpsertChunk(ctx context.Context, c *models.DocumentChunk) error {
	if c.DepartmentID == "" && len(c.DepartmentAccess) == 0 {
		return fmt.Errorf("chunk %s has neither department_id nor department_access", c.ID)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Tombstone any existing active row for this identity.
	_, err = tx.Exec(ctx, `
		UPDATE document_chunks SET active = FALSE, updated_at = now()
		WHERE active AND tenant_id = $1 AND file_hash = $2 AND chunk_index = $3 AND id <> $4`,
		c.TenantID, c.FileHash, c.ChunkIndex, c.ID)
	if err != nil {
		return fmt.Errorf("failed to tombstone prior chunk: %w", err)
	}

	var emb any
	if c.Embedding != nil {
		emb = serializeVector(c.Embedding)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO document_chunks (
			id, tenant_id, department_id, content, section_title, source_file,
			file_hash, chunk_index, token_count, keywords, category, subcategory,
			query_types, verbs, entities, actors, conditions,
			importance, specificity, complexity,
			is_procedure, is_policy, is_form, process_name, process_step,
			sibling_ids, prerequisite_ids, see_also_ids, follows_ids,
			department_access, active, embedding, embedding_model
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,
			$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,TRUE,$31::vector,$32
		)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			section_title = EXCLUDED.section_title,
			keywords = EXCLUDED.keywords,
			query_types = EXCLUDED.query_types,
			verbs = EXCLUDED.verbs,
			entities = EXCLUDED.entities,
			actors = EXCLUDED.actors,
			conditions = EXCLUDED.conditions,
			embedding = EXCLUDED.embedding,
			embedding_model = EXCLUDED.embedding_model,
			active = TRUE,
			updated_at = now()`,
		c.ID, c.TenantID, c.DepartmentID, c.Content, c.SectionTitle, c.SourceFile,
		c.FileHash, c.ChunkIndex, c.TokenCount, c.Keywords, c.Category, c.Subcategory,
		c.QueryTypes, c.Verbs, c.Entities, c.Actors, c.Conditions,
		c.Importance, c.Specificity, c.Complexity,
		c.IsProcedure, c.IsPolicy, c.IsForm, c.ProcessName, c.ProcessStep,
		c.SiblingIDs, c.PrerequisiteIDs, c.SeeAlsoIDs, c.FollowsIDs,
		c.DepartmentAccess, emb, c.EmbeddingModel)
	if err != nil {
		return fmt.Errorf("failed to upsert chunk: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}
	return nil
}

// DeactivateChunk tombstones a chunk.
func (s *DocumentStore) DeactivateChunk(ctx context.Context, chunkID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE document_chunks SET active = FALSE, updated_at = now() WHERE id = $1`,
		chunkID)
	if err != nil {
		return fmt.Errorf("failed to deactivate chunk: %w", err)
	}
	return nil
}

const chunkColumns = `
	id, tenant_id, department_id, content, section_title, source_file,
	file_hash, chunk_index, token_count, keywords, category, subcategory,
	query_types, verbs, entities, actors, conditions,
	importance, specificity, complexity,
	is_procedure, is_policy, is_form, process_name, process_step,
	sibling_ids, prerequisite_ids, see_also_ids, follows_ids,
	department_access, active, embedding_model, created_at, updated_at`

// scanChunk reads one chunk row without a score column.
func scanChunk(rows pgx.Rows) (*models.DocumentChunk, error) {
	var c models.DocumentChunk
	dest := []any{
		&c.ID, &c.TenantID, &c.DepartmentID, &c.Content, &c.SectionTitle, &c.SourceFile,
		&c.FileHash, &c.ChunkIndex, &c.TokenCount, &c.Keywords, &c.Category, &c.Subcategory,
		&c.QueryTypes, &c.Verbs, &c.Entities, &c.Actors, &c.Conditions,
		&c.Importance, &c.Specificity, &c.Complexity,
		&c.IsProcedure, &c.IsPolicy, &c.IsForm, &c.ProcessName, &c.ProcessStep,
		&c.SiblingIDs, &c.PrerequisiteIDs, &c.SeeAlsoIDs, &c.FollowsIDs,
		&c.DepartmentAccess, &c.Active, &c.EmbeddingModel, &c.CreatedAt, &c.UpdatedAt,
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("failed to scan chunk: %w", err)
	}
	return &c, nil
}

func scanScoredChunks(rows pgx.Rows) ([]models.ScoredChunk, error) {
	var out []models.ScoredChunk
	for rows.Next() {
		var c models.DocumentChunk
		var score float64
		dest := []any{
			&c.ID, &c.TenantID, &c.DepartmentID, &c.Content, &c.SectionTitle, &c.SourceFile,
			&c.FileHash, &c.ChunkIndex, &c.TokenCount, &c.Keywords, &c.Category, &c.Subcategory,
			&c.QueryTypes, &c.Verbs, &c.Entities, &c.Actors, &c.Conditions,
			&c.Importance, &c.Specificity, &c.Complexity,
			&c.IsProcedure, &c.IsPolicy, &c.IsForm, &c.ProcessName, &c.ProcessStep,
			&c.SiblingIDs, &c.PrerequisiteIDs, &c.SeeAlsoIDs, &c.FollowsIDs,
			&c.DepartmentAccess, &c.Active, &c.EmbeddingModel, &c.CreatedAt, &c.UpdatedAt,
			&score,
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan scored chunk: %w", err)
		}
		out = append(out, models.ScoredChunk{Chunk: &c, Score: score})
	}
	return out, rows.Err()
}
