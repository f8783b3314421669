package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mnemos-ai/mnemos/pkg/embedding"
	"github.com/mnemos-ai/mnemos/pkg/llm"
	"github.com/mnemos-ai/mnemos/pkg/models"
	"github.com/mnemos-ai/mnemos/pkg/store"
)

// Retriever is the memory-lane surface tools search through.
type Retriever interface {
	Process(ctx context.Context, scope models.Scope, embedding []float32) ([]models.ScoredExchange, error)
	Episodic(ctx context.Context, scope models.Scope, query string, embedding []float32, tf store.Timeframe) ([]models.ScoredExchange, error)
}

// RecentReader serves the SQUIRREL tool's time-window recall.
type RecentReader interface {
	ByTimeRange(ctx context.Context, scope models.Scope, tf store.Timeframe, limit int) ([]*models.Exchange, error)
}

// Result is the outcome of one tool invocation. A failed tool keeps its
// slot with Err set; its section is declared unavailable in the synthesis
// prompt.
type Result struct {
	Kind      Kind
	Exchanges []models.ScoredExchange
	Err       error
}

// Execution is the outcome of one Execute call. Synthesis is nil when no
// tool produced results; otherwise it streams the single synthesis call.
type Execution struct {
	ToolsUsed []string
	Results   []Result
	Synthesis <-chan llm.Chunk
}

// ExecuteInput carries one turn's tool work.
type ExecuteInput struct {
	Scope       models.Scope
	UserQuery   string
	Draft       string
	Invocations []Invocation
}

const defaultSquirrelBack = 10

type toolFunc func(ctx context.Context, in ExecuteInput, inv Invocation) ([]models.ScoredExchange, error)

// Executor runs parsed tool invocations concurrently and issues at most
// one synthesis LLM call per turn.
type Executor struct {
	retriever         Retriever
	recent            RecentReader
	embedder          embedding.Embedder
	llm               llm.Client
	synthesisDeadline time.Duration
	logger            *slog.Logger

	registry map[Kind]toolFunc
}

// NewExecutor creates an Executor.
func NewExecutor(retriever Retriever, recent RecentReader, embedder embedding.Embedder, llmClient llm.Client, synthesisDeadline time.Duration, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if synthesisDeadline <= 0 {
		synthesisDeadline = 30 * time.Second
	}
	e := &Executor{
		retriever:         retriever,
		recent:            recent,
		embedder:          embedder,
		llm:               llmClient,
		synthesisDeadline: synthesisDeadline,
		logger:            logger,
	}
	e.registry = map[Kind]toolFunc{
		KindGrep:     e.runGrep,
		KindSquirrel: e.runSquirrel,
		KindVector:   e.runVector,
		KindEpisodic: e.runEpisodic,
	}
	return e
}

// Execute runs all invocations concurrently under ctx, dedupes exchange
// ids across lanes in fixed kind order, and starts the synthesis stream
// if at least one tool produced results. Cancellation of ctx unwinds the
// tools and the synthesis call.
func (e *Executor) Execute(ctx context.Context, in ExecuteInput) (*Execution, error) {
	if len(in.Invocations) == 0 {
		return &Execution{}, nil
	}

	results := make([]Result, len(in.Invocations))
	g, gctx := errgroup.WithContext(ctx)
	for i, inv := range in.Invocations {
		g.Go(func() error {
			run, ok := e.registry[inv.Kind]
			if !ok {
				results[i] = Result{Kind: inv.Kind, Err: fmt.Errorf("no tool registered for %s", inv.Kind)}
				return nil
			}
			hits, err := run(gctx, in, inv)
			if err != nil {
				e.logger.Warn("tool execution failed", "tool", inv.Kind, "error", err)
			}
			results[i] = Result{Kind: inv.Kind, Exchanges: hits, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sortByKindOrder(results)
	dedupeAcrossLanes(results)

	exec := &Execution{Results: results}
	anyHits := false
	for _, r := range results {
		exec.ToolsUsed = append(exec.ToolsUsed, string(r.Kind))
		if r.Err == nil && len(r.Exchanges) > 0 {
			anyHits = true
		}
	}
	if !anyHits {
		return exec, nil
	}

	synthesis, err := e.startSynthesis(ctx, in, results)
	if err != nil {
		return nil, fmt.Errorf("synthesis call failed: %w", err)
	}
	exec.Synthesis = synthesis
	return exec, nil
}

func (e *Executor) runGrep(ctx context.Context, in ExecuteInput, inv Invocation) ([]models.ScoredExchange, error) {
	emb, err := e.embedder.Embed(ctx, inv.Grep.Term)
	if err != nil {
		// Keyword-only recall still works without a vector.
		e.logger.Warn("grep embedding failed, keyword-only", "error", err)
		emb = nil
	}
	return e.retriever.Episodic(ctx, in.Scope, inv.Grep.Term, emb, store.Timeframe{})
}

func (e *Executor) runSquirrel(ctx context.Context, in ExecuteInput, inv Invocation) ([]models.ScoredExchange, error) {
	tf, err := ParseTimeframe(inv.Squirrel.Timeframe, time.Now())
	if err != nil {
		return nil, err
	}
	back := inv.Squirrel.Back
	if back <= 0 {
		back = defaultSquirrelBack
	}
	rows, err := e.recent.ByTimeRange(ctx, in.Scope, tf, back)
	if err != nil {
		return nil, err
	}

	var hits []models.ScoredExchange
	needle := strings.ToLower(inv.Squirrel.Search)
	for _, row := range rows {
		if needle != "" &&
			!strings.Contains(strings.ToLower(row.HumanContent), needle) &&
			!strings.Contains(strings.ToLower(row.AssistantContent), needle) {
			continue
		}
		hits = append(hits, models.ScoredExchange{Exchange: row, Score: 1})
	}
	return hits, nil
}

func (e *Executor) runVector(ctx context.Context, in ExecuteInput, inv Invocation) ([]models.ScoredExchange, error) {
	emb, err := e.embedder.Embed(ctx, inv.Vector.Query)
	if err != nil {
		return nil, fmt.Errorf("vector tool embedding failed: %w", err)
	}
	return e.retriever.Process(ctx, in.Scope, emb)
}

func (e *Executor) runEpisodic(ctx context.Context, in ExecuteInput, inv Invocation) ([]models.ScoredExchange, error) {
	var tf store.Timeframe
	if inv.Episodic.Timeframe != "" {
		var err error
		tf, err = ParseTimeframe(inv.Episodic.Timeframe, time.Now())
		if err != nil {
			return nil, err
		}
	}
	emb, err := e.embedder.Embed(ctx, inv.Episodic.Query)
	if err != nil {
		e.logger.Warn("episodic embedding failed, keyword-only", "error", err)
		emb = nil
	}
	return e.retriever.Episodic(ctx, in.Scope, inv.Episodic.Query, emb, tf)
}

// sortByKindOrder orders results canonically so synthesis prompts are
// deterministic regardless of goroutine completion order.
func sortByKindOrder(results []Result) {
	rank := make(map[Kind]int, len(KindOrder))
	for i, k := range KindOrder {
		rank[k] = i
	}
	sort.SliceStable(results, func(i, j int) bool {
		return rank[results[i].Kind] < rank[results[j].Kind]
	})
}

// dedupeAcrossLanes drops exchanges already reported by an earlier lane
// in kind order, so VECTOR and EPISODIC never repeat GREP's hits.
func dedupeAcrossLanes(results []Result) {
	seen := make(map[string]bool)
	for i := range results {
		kept := results[i].Exchanges[:0]
		for _, hit := range results[i].Exchanges {
			if seen[hit.Exchange.ID] {
				continue
			}
			seen[hit.Exchange.ID] = true
			kept = append(kept, hit)
		}
		results[i].Exchanges = kept
	}
}

// startSynthesis issues the single synthesis call under its sub-deadline
// and returns a forwarded chunk stream. The deadline context is released
// when the upstream closes.
func (e *Executor) startSynthesis(ctx context.Context, in ExecuteInput, results []Result) (<-chan llm.Chunk, error) {
	synthCtx, cancel := context.WithTimeout(ctx, e.synthesisDeadline)
	ch, err := e.llm.Stream(synthCtx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: synthesisSystemPrompt},
			{Role: "user", Content: buildSynthesisPrompt(in, results)},
		},
	})
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan llm.Chunk, 16)
	go func() {
		defer close(out)
		defer cancel()
		for chunk := range ch {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

const synthesisSystemPrompt = `You are finishing a reply that paused to consult memory. ` +
	`Merge the draft and the recall results into one coherent answer. ` +
	`Do not mention tools, markers, or the recall process.`

// buildSynthesisPrompt assembles the synthesis user message: the original
// query, the draft, and one block per tool in fixed kind order. Failed
// tools are declared unavailable rather than silently dropped.
func buildSynthesisPrompt(in ExecuteInput, results []Result) string {
	var b strings.Builder
	b.WriteString("Original question:\n")
	b.WriteString(in.UserQuery)
	b.WriteString("\n\nDraft reply:\n")
	b.WriteString(StripMarkers(in.Draft))
	b.WriteString("\n\nRecall results:\n")

	for _, r := range results {
		fmt.Fprintf(&b, "\n## %s\n", r.Kind)
		switch {
		case r.Err != nil:
			b.WriteString("(unavailable: this tool failed)\n")
		case len(r.Exchanges) == 0:
			b.WriteString("(no results)\n")
		default:
			for _, hit := range r.Exchanges {
				fmt.Fprintf(&b, "- [%s] user: %s | assistant: %s\n",
					hit.Exchange.CreatedAt.Format(time.RFC3339),
					hit.Exchange.HumanContent, hit.Exchange.AssistantContent)
			}
		}
	}
	return b.String()
}
