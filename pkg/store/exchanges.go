package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mnemos-ai/mnemos/pkg/models"
)

// ErrUnscopedExchange is returned when an exchange carries neither a user
// nor a tenant.
var ErrUnscopedExchange = errors.New("exchange has neither user_id nor tenant_id")

// ExchangeStore is the durable, append-only exchange log. Rows are never
// mutated after commit except for access tracking.
type ExchangeStore struct {
	pool *pgxpool.Pool
}

// NewExchangeStore creates an ExchangeStore using an existing pool.
func NewExchangeStore(pool *pgxpool.Pool) *ExchangeStore {
	return &ExchangeStore{pool: pool}
}

// RecordExchange persists an exchange, stamping sequence_index atomically
// within its session. Recording an exchange whose content-hash id already
// exists is a no-op and returns the existing id. The argument is never
// modified; callers that published the exchange keep a stable view of it.
func (s *ExchangeStore) RecordExchange(ctx context.Context, e *models.Exchange) (string, error) {
	if !e.Scoped() {
		return "", ErrUnscopedExchange
	}
	id := e.ID
	if id == "" {
		id = models.ExchangeID(e.SessionID, e.HumanContent, e.AssistantContent)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin exchange write: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Idempotency: same content-hash id means the turn was already
	// committed; skip without consuming a sequence number.
	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM exchanges WHERE id = $1)`, id).Scan(&exists); err != nil {
		return "", fmt.Errorf("failed to check exchange existence: %w", err)
	}
	if exists {
		return id, nil
	}

	var seq int
	if err := tx.QueryRow(ctx, `
		INSERT INTO session_counters (session_id, counter) VALUES ($1, 1)
		ON CONFLICT (session_id) DO UPDATE SET counter = session_counters.counter + 1
		RETURNING counter`, e.SessionID).Scan(&seq); err != nil {
		return "", fmt.Errorf("failed to advance session counter: %w", err)
	}

	tags, err := json.Marshal(e.Tags)
	if err != nil {
		return "", fmt.Errorf("failed to encode exchange tags: %w", err)
	}
	var emb any
	if e.Embedding != nil {
		emb = serializeVector(e.Embedding)
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO exchanges (
			id, session_id, user_id, tenant_id, sequence_index, created_at,
			human_content, assistant_content, source, intent_type, complexity,
			technical_depth, emotional_valence, urgency, conversation_mode,
			has_code, has_error, action_required, tags,
			cluster_id, cluster_confidence, embedding, partial
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,
			$16,$17,$18,$19,$20,$21,$22::vector,$23
		)`,
		id, e.SessionID, e.UserID, e.TenantID, seq, createdAt,
		e.HumanContent, e.AssistantContent, string(e.Source), e.IntentType, e.Complexity,
		e.TechnicalDepth, e.EmotionalValence, e.Urgency, e.ConversationMode,
		e.Flags.HasCode, e.Flags.HasError, e.Flags.ActionRequired, tags,
		e.ClusterID, e.ClusterConfidence, emb, e.Partial)
	if err != nil {
		return "", fmt.Errorf("failed to insert exchange: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit exchange: %w", err)
	}
	return id, nil
}

// Recent returns exchanges in the scope created at or after since,
// most recent first.
func (s *ExchangeStore) Recent(ctx context.Context, scope models.Scope, since time.Time, limit int) ([]*models.Exchange, error) {
	if scope.IsEmpty() {
		return nil, nil
	}
	var args []any
	pred := scopePredicate(scope, &args)
	args = append(args, since)
	sinceArg := len(args)
	args = append(args, limit)
	limitArg := len(args)

	return s.queryExchanges(ctx, `
		SELECT `+exchangeColumns+` FROM exchanges
		WHERE `+pred+` AND created_at >= $`+strconv.Itoa(sinceArg)+`
		ORDER BY created_at DESC
		LIMIT $`+strconv.Itoa(limitArg), args)
}

// ByTimeRange returns exchanges in the scope within [from, to],
// most recent first.
func (s *ExchangeStore) ByTimeRange(ctx context.Context, scope models.Scope, tf Timeframe, limit int) ([]*models.Exchange, error) {
	if scope.IsEmpty() {
		return nil, nil
	}
	var args []any
	where := []string{scopePredicate(scope, &args)}
	if !tf.From.IsZero() {
		args = append(args, tf.From)
		where = append(where, "created_at >= $"+strconv.Itoa(len(args)))
	}
	if !tf.To.IsZero() {
		args = append(args, tf.To)
		where = append(where, "created_at <= $"+strconv.Itoa(len(args)))
	}
	args = append(args, limit)

	return s.queryExchanges(ctx, `
		SELECT `+exchangeColumns+` FROM exchanges
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at DESC
		LIMIT $`+strconv.Itoa(len(args)), args)
}

// ByIDs returns the scoped exchanges among ids. Rows outside the scope
// are silently omitted.
func (s *ExchangeStore) ByIDs(ctx context.Context, scope models.Scope, ids []string) ([]*models.Exchange, error) {
	if scope.IsEmpty() || len(ids) == 0 {
		return nil, nil
	}
	var args []any
	pred := scopePredicate(scope, &args)
	args = append(args, ids)

	return s.queryExchanges(ctx, `
		SELECT `+exchangeColumns+` FROM exchanges
		WHERE `+pred+` AND id = ANY($`+strconv.Itoa(len(args))+`)
		ORDER BY created_at DESC`, args)
}

// TouchAccess bumps access_count and last_accessed for retrieved rows.
// Failures are the caller's to log; access tracking is best-effort.
func (s *ExchangeStore) TouchAccess(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE exchanges
		SET access_count = access_count + 1, last_accessed = now()
		WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("failed to touch exchanges: %w", err)
	}
	return nil
}

// SearchVector returns scoped exchanges ranked by cosine similarity to the
// query embedding, filtered to similarity >= floor.
func (s *ExchangeStore) SearchVector(ctx context.Context, scope models.Scope, embedding []float32, tf Timeframe, topK int, floor float64) ([]models.ScoredExchange, error) {
	if scope.IsEmpty() || embedding == nil {
		return nil, nil
	}
	args := []any{serializeVector(embedding)}
	where := []string{"embedding IS NOT NULL"}
	where = append(where, scopePredicate(scope, &args))
	if !tf.From.IsZero() {
		args = append(args, tf.From)
		where = append(where, "created_at >= $"+strconv.Itoa(len(args)))
	}
	if !tf.To.IsZero() {
		args = append(args, tf.To)
		where = append(where, "created_at <= $"+strconv.Itoa(len(args)))
	}
	args = append(args, floor)
	floorArg := len(args)
	args = append(args, topK)
	limitArg := len(args)

	query := `
		SELECT ` + exchangeColumns + `, score FROM (
			SELECT *, 1 - (embedding <=> $1::vector) AS score
			FROM exchanges
			WHERE ` + strings.Join(where, " AND ") + `
		) ranked
		WHERE score >= $` + strconv.Itoa(floorArg) + `
		ORDER BY score DESC
		LIMIT $` + strconv.Itoa(limitArg)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("exchange vector search failed: %w", err)
	}
	defer rows.Close()
	return scanScoredExchanges(rows)
}

// SearchKeyword returns scoped exchanges matching the query text by
// full-text rank over both sides of the turn.
func (s *ExchangeStore) SearchKeyword(ctx context.Context, scope models.Scope, query string, tf Timeframe, topK int) ([]models.ScoredExchange, error) {
	if scope.IsEmpty() || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	args := []any{query}
	where := []string{
		`to_tsvector('english', human_content || ' ' || assistant_content)
		 @@ plainto_tsquery('english', $1)`,
	}
	where = append(where, scopePredicate(scope, &args))
	if !tf.From.IsZero() {
		args = append(args, tf.From)
		where = append(where, "created_at >= $"+strconv.Itoa(len(args)))
	}
	if !tf.To.IsZero() {
		args = append(args, tf.To)
		where = append(where, "created_at <= $"+strconv.Itoa(len(args)))
	}
	args = append(args, topK)

	sql := `
		SELECT ` + exchangeColumns + `,
		       ts_rank(to_tsvector('english', human_content || ' ' || assistant_content),
		               plainto_tsquery('english', $1))::float AS score
		FROM exchanges
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY score DESC, created_at DESC
		LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("exchange keyword search failed: %w", err)
	}
	defer rows.Close()
	return scanScoredExchanges(rows)
}

const exchangeColumns = `
	id, session_id, user_id, tenant_id, sequence_index, created_at,
	human_content, assistant_content, source, intent_type, complexity,
	technical_depth, emotional_valence, urgency, conversation_mode,
	has_code, has_error, action_required, tags,
	cluster_id, cluster_confidence, access_count, last_accessed, partial`

func (s *ExchangeStore) queryExchanges(ctx context.Context, sql string, args []any) ([]*models.Exchange, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("exchange query failed: %w", err)
	}
	defer rows.Close()

	var out []*models.Exchange
	for rows.Next() {
		e, _, err := scanExchange(rows, false)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanExchange(rows pgx.Rows, withScore bool) (*models.Exchange, float64, error) {
	var e models.Exchange
	var source string
	var tags []byte
	var score float64
	dest := []any{
		&e.ID, &e.SessionID, &e.UserID, &e.TenantID, &e.SequenceIndex, &e.CreatedAt,
		&e.HumanContent, &e.AssistantContent, &source, &e.IntentType, &e.Complexity,
		&e.TechnicalDepth, &e.EmotionalValence, &e.Urgency, &e.ConversationMode,
		&e.Flags.HasCode, &e.Flags.HasError, &e.Flags.ActionRequired, &tags,
		&e.ClusterID, &e.ClusterConfidence, &e.AccessCount, &e.LastAccessed, &e.Partial,
	}
	if withScore {
		dest = append(dest, &score)
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, 0, fmt.Errorf("failed to scan exchange: %w", err)
	}
	e.Source = models.ExchangeSource(source)
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &e.Tags); err != nil {
			return nil, 0, fmt.Errorf("failed to decode exchange tags: %w", err)
		}
	}
	return &e, score, nil
}

func scanScoredExchanges(rows pgx.Rows) ([]models.ScoredExchange, error) {
	var out []models.ScoredExchange
	for rows.Next() {
		e, score, err := scanExchange(rows, true)
		if err != nil {
			return nil, err
		}
		out = append(out, models.ScoredExchange{Exchange: e, Score: score})
	}
	return out, rows.Err()
}
