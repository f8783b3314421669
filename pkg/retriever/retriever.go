// Package retriever composes the two long-term memory lanes used during a
// turn: the process lane (pure cosine over scoped exchanges) and the
// episodic lane (vector and keyword search fused with Reciprocal Rank
// Fusion). Both lanes are scope-gated before touching the store.
package retriever

import (
	"context"
	"log/slog"
	"sort"

	"github.com/mnemos-ai/mnemos/pkg/config"
	"github.com/mnemos-ai/mnemos/pkg/models"
	"github.com/mnemos-ai/mnemos/pkg/store"
)

const rrfK = 60

// ExchangeSearcher is the store surface the retriever needs.
type ExchangeSearcher interface {
	SearchVector(ctx context.Context, scope models.Scope, embedding []float32, tf store.Timeframe, topK int, floor float64) ([]models.ScoredExchange, error)
	SearchKeyword(ctx context.Context, scope models.Scope, query string, tf store.Timeframe, topK int) ([]models.ScoredExchange, error)
	TouchAccess(ctx context.Context, ids []string) error
}

// Dual runs the process and episodic retrieval lanes against the durable
// exchange log. It does not dedupe across lanes; callers that merge lanes
// own that.
type Dual struct {
	exchanges ExchangeSearcher
	cfg       config.RetrievalConfig
	logger    *slog.Logger
}

// NewDual creates a Dual retriever. cfg carries the per-tenant retrieval
// knobs already resolved by the registry.
func NewDual(exchanges ExchangeSearcher, cfg config.RetrievalConfig, logger *slog.Logger) *Dual {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dual{exchanges: exchanges, cfg: cfg, logger: logger}
}

// Process returns scoped exchanges ranked by cosine similarity to the
// query embedding, filtered to the process floor. A nil embedding (the
// embedding service was down) returns empty without error.
func (d *Dual) Process(ctx context.Context, scope models.Scope, embedding []float32) ([]models.ScoredExchange, error) {
	if scope.IsEmpty() || embedding == nil {
		return nil, nil
	}
	hits, err := d.exchanges.SearchVector(ctx, scope, embedding, store.Timeframe{}, d.cfg.ProcessTopK, d.cfg.ProcessFloor)
	if err != nil {
		return nil, err
	}
	d.touch(ctx, hits)
	return hits, nil
}

// Episodic fuses the vector and keyword lanes over the scoped exchange log
// with Reciprocal Rank Fusion. A nil embedding degrades to keyword-only.
// The optional timeframe narrows both lanes.
func (d *Dual) Episodic(ctx context.Context, scope models.Scope, query string, embedding []float32, tf store.Timeframe) ([]models.ScoredExchange, error) {
	if scope.IsEmpty() {
		return nil, nil
	}
	topK := d.cfg.EpisodicTopK
	fetchK := topK * 3
	if fetchK < topK {
		fetchK = topK
	}

	var vector []models.ScoredExchange
	if embedding != nil {
		var err error
		// No floor on the episodic vector lane; RRF ranks are what matter.
		vector, err = d.exchanges.SearchVector(ctx, scope, embedding, tf, fetchK, 0)
		if err != nil {
			return nil, err
		}
	}

	keyword, err := d.exchanges.SearchKeyword(ctx, scope, query, tf, fetchK)
	if err != nil {
		// Keyword failures degrade to vector-only rather than losing the turn.
		d.logger.Warn("episodic keyword lane failed", "error", err)
		keyword = nil
	}

	var fused []models.ScoredExchange
	if len(vector) == 0 {
		fused = fuseRanks(nil, keyword, 1)
	} else {
		fused = fuseRanks(vector, keyword, d.cfg.KeywordWeight)
	}
	if len(fused) > topK {
		fused = fused[:topK]
	}
	d.touch(ctx, fused)
	return fused, nil
}

// touch bumps access tracking for retrieved exchanges. Best-effort.
func (d *Dual) touch(ctx context.Context, hits []models.ScoredExchange) {
	if len(hits) == 0 {
		return
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.Exchange.ID
	}
	if err := d.exchanges.TouchAccess(ctx, ids); err != nil {
		d.logger.Warn("failed to touch exchange access", "error", err)
	}
}

// fuseRanks merges two ranked lists with Reciprocal Rank Fusion.
// keywordWeight is in [0,1]; the vector lane gets the remainder. Ties on
// fused score break by exchange id for deterministic output.
func fuseRanks(vector, keyword []models.ScoredExchange, keywordWeight float64) []models.ScoredExchange {
	vectorWeight := 1 - keywordWeight

	type entry struct {
		exchange *models.Exchange
		score    float64
	}
	merged := make(map[string]*entry)

	for rank, se := range vector {
		e, ok := merged[se.Exchange.ID]
		if !ok {
			e = &entry{exchange: se.Exchange}
			merged[se.Exchange.ID] = e
		}
		e.score += vectorWeight * (1.0 / float64(rrfK+rank+1))
	}
	for rank, se := range keyword {
		e, ok := merged[se.Exchange.ID]
		if !ok {
			e = &entry{exchange: se.Exchange}
			merged[se.Exchange.ID] = e
		}
		e.score += keywordWeight * (1.0 / float64(rrfK+rank+1))
	}

	out := make([]models.ScoredExchange, 0, len(merged))
	for _, e := range merged {
		out = append(out, models.ScoredExchange{Exchange: e.exchange, Score: e.score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Exchange.ID < out[j].Exchange.ID
	})
	return out
}
