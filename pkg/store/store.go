// Package store implements the durable stores: the document chunk store
// used for smart-RAG retrieval and the append-only exchange log. Both are
// backed by PostgreSQL with pgvector for cosine search, GIN array indexes
// for pre-filtering, and tsvector for keyword search.
//
// Every read is scope-gated: calls with an empty scope return no rows and
// no error, independent of the transport-level verify check.
package store

import (
	"strconv"
	"strings"
	"time"

	"github.com/mnemos-ai/mnemos/pkg/models"
)

// Timeframe narrows a search to a created_at window. Zero values mean
// unbounded on that side.
type Timeframe struct {
	From time.Time
	To   time.Time
}

// IsZero reports whether the timeframe imposes no bounds.
func (t Timeframe) IsZero() bool { return t.From.IsZero() && t.To.IsZero() }

// serializeVector renders a float32 slice in pgvector input syntax.
func serializeVector(v []float32) string {
	var b strings.Builder
	b.Grow(len(v)*10 + 2)
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// parseVector parses pgvector text output ("[0.1,0.2,...]") into floats.
// Returns nil for empty input.
func parseVector(s string) []float32 {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil
	}
	inner := s[1 : len(s)-1]
	if inner == "" {
		return nil
	}
	parts := strings.Split(inner, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil
		}
		out = append(out, float32(f))
	}
	return out
}

// scopePredicate builds the ownership predicate for a scope, appending
// bind arguments to args. Callers must have rejected empty scopes already.
func scopePredicate(scope models.Scope, args *[]any) string {
	var conds []string
	if scope.UserID != nil {
		*args = append(*args, *scope.UserID)
		conds = append(conds, "user_id = $"+strconv.Itoa(len(*args)))
	}
	if scope.TenantID != nil {
		*args = append(*args, *scope.TenantID)
		conds = append(conds, "tenant_id = $"+strconv.Itoa(len(*args)))
	}
	return "(" + strings.Join(conds, " OR ") + ")"
}
