package twin

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/mnemos-ai/mnemos/pkg/config"
	"github.com/mnemos-ai/mnemos/pkg/embedding"
	"github.com/mnemos-ai/mnemos/pkg/llm"
	"github.com/mnemos-ai/mnemos/pkg/models"
	"github.com/mnemos-ai/mnemos/pkg/store"
	"github.com/mnemos-ai/mnemos/pkg/twin/tools"
)

// ThinkInput carries one user turn into the engine.
type ThinkInput struct {
	SessionID string
	Scope     models.Scope
	Content   string
}

// Twin is the single operation every engine variant exposes. The returned
// channel closes when the turn completes; a terminal ErrorChunk precedes
// the close on failure.
type Twin interface {
	Think(ctx context.Context, in ThinkInput) (<-chan Chunk, error)
}

// SessionBuffer is the in-process memory surface of the ingest pipeline.
type SessionBuffer interface {
	Ingest(e *models.Exchange)
	SearchSession(sessionID string, queryEmbedding []float32, topK int, minScore float64) []models.ScoredExchange
	LatestSessionActivity(sessionID string) time.Time
}

// DocumentSearcher serves the corporate variant's document-first block.
type DocumentSearcher interface {
	SearchDocuments(ctx context.Context, q store.SearchDocumentsQuery) ([]models.ScoredChunk, error)
}

// ToolExecutor runs the parsed tool invocations for a turn.
type ToolExecutor interface {
	Execute(ctx context.Context, in tools.ExecuteInput) (*tools.Execution, error)
}

// Deps are the collaborators shared by all engine instances.
type Deps struct {
	Embedder  embedding.Embedder
	Retriever tools.Retriever
	Recent    tools.RecentReader
	Documents DocumentSearcher
	Buffer    SessionBuffer
	LLM       llm.Client
	Tools     ToolExecutor
	Phases    *PhaseTracker
	Logger    *slog.Logger
}

// Engine is the shared think loop. The variant only changes retrieval
// emphasis: the corporate twin searches documents first and renders them
// as the authoritative block.
type Engine struct {
	deps          Deps
	twinCfg       config.TwinConfig
	retrieval     config.RetrievalConfig
	documentFirst bool
	logger        *slog.Logger
}

var _ Twin = (*Engine)(nil)

// NewEngine builds an engine for one tenant configuration.
func NewEngine(deps Deps, twinCfg config.TwinConfig, retrieval config.RetrievalConfig) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		deps:          deps,
		twinCfg:       twinCfg,
		retrieval:     retrieval,
		documentFirst: twinCfg.Variant == config.VariantCorporate,
		logger:        logger.With("tenant_id", twinCfg.TenantID, "variant", string(twinCfg.Variant)),
	}
}

// retrieved bundles everything the retrieve step gathered for a turn.
type retrieved struct {
	session     []models.ScoredExchange
	hotTemporal []*models.Exchange
	episodic    []models.ScoredExchange
	process     []models.ScoredExchange
	keyword     []models.ScoredExchange
	documents   []models.ScoredChunk
	topScore    float64
}

// Think runs one turn. It returns immediately with the output channel;
// the turn itself runs in a goroutine owned by the engine.
func (e *Engine) Think(ctx context.Context, in ThinkInput) (<-chan Chunk, error) {
	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		e.runTurn(ctx, in, out)
	}()
	return out, nil
}

// runTurn is the per-turn state machine: phase, retrieve, prompt, stream,
// detect, actions, ingest, record.
func (e *Engine) runTurn(ctx context.Context, in ThinkInput, out chan<- Chunk) {
	log := e.logger.With("session_id", in.SessionID)
	phase := e.deps.Phases.Phase(in.SessionID)

	queryEmbedding, err := e.deps.Embedder.Embed(ctx, in.Content)
	if err != nil {
		log.Warn("input embedding failed, retrieval degrades to keyword-only", "error", err)
		queryEmbedding = nil
	}

	mem := e.retrieve(ctx, in, queryEmbedding, log)

	systemPrompt := BuildSystemPrompt(PromptInput{
		Persona:       e.twinCfg.Persona,
		Instructions:  e.twinCfg.Instructions,
		Phase:         phase,
		Session:       mem.session,
		HotTemporal:   mem.hotTemporal,
		Episodic:      mem.episodic,
		Process:       mem.process,
		Keyword:       mem.keyword,
		Documents:     mem.documents,
		DocumentFirst: e.documentFirst,
	})

	stream, err := e.deps.LLM.Stream(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: in.Content},
		},
	})
	if err != nil {
		log.Error("llm stream failed to start", "error", err)
		e.send(ctx, out, &ErrorChunk{Code: "upstream_partial", Message: "language model unavailable"})
		return
	}

	filter := &markerFilter{}
	var draft strings.Builder
	var streamFailed bool
	for chunk := range stream {
		switch v := chunk.(type) {
		case *llm.TextChunk:
			draft.WriteString(v.Content)
			if cleaned := filter.push(v.Content); cleaned != "" {
				if !e.send(ctx, out, &TextChunk{Content: cleaned}) {
					streamFailed = true
				}
			}
		case *llm.ErrorChunk:
			log.Warn("llm stream failed mid-response", "error", v.Message)
			streamFailed = true
		}
		if streamFailed {
			break
		}
	}
	if tail := filter.flush(); tail != "" && !streamFailed {
		e.send(ctx, out, &TextChunk{Content: tail})
	}

	rawDraft := draft.String()
	if streamFailed {
		e.finishPartial(ctx, in, rawDraft, out, log)
		e.deps.Phases.Record(in.SessionID, mem.topScore, false)
		return
	}

	finalText, toolsUsed := e.detectAndSynthesize(ctx, in, rawDraft, phase, out, log)

	cleanText, actions := ParseActions(finalText)
	// A turn cut short by cancellation or deadline still keeps what it
	// produced, flagged partial.
	exchange := e.buildExchange(in, cleanText, ctx.Err() != nil)
	e.applyActions(ctx, exchange, actions, out, log)

	e.ingest(exchange, log)
	e.deps.Phases.Record(in.SessionID, mem.topScore, len(toolsUsed) > 0)
}

// retrieve gathers all memory tiers for the turn. Keyword-only episodic
// hits (nil query embedding) land in the keyword tier.
func (e *Engine) retrieve(ctx context.Context, in ThinkInput, queryEmbedding []float32, log *slog.Logger) retrieved {
	var mem retrieved

	mem.session = e.deps.Buffer.SearchSession(in.SessionID, queryEmbedding, e.retrieval.EpisodicTopK, e.retrieval.SessionFloor)
	mem.hotTemporal = e.hotContext(ctx, in, log)

	episodic, err := e.deps.Retriever.Episodic(ctx, in.Scope, in.Content, queryEmbedding, store.Timeframe{})
	if err != nil {
		log.Warn("episodic retrieval failed", "error", err)
	}
	if queryEmbedding == nil {
		mem.keyword = episodic
	} else {
		mem.episodic = episodic
	}

	process, err := e.deps.Retriever.Process(ctx, in.Scope, queryEmbedding)
	if err != nil {
		log.Warn("process retrieval failed", "error", err)
	}
	mem.process = process

	if e.documentFirst && e.deps.Documents != nil {
		docs, err := e.deps.Documents.SearchDocuments(ctx, store.SearchDocumentsQuery{
			Embedding:          queryEmbedding,
			TenantID:           in.Scope.Tenant(),
			AllowedDepartments: in.Scope.AllowedDepartments,
			Threshold:          e.retrieval.DocumentThreshold,
		})
		if err != nil {
			log.Warn("document retrieval failed", "error", err)
		}
		if len(docs) > e.retrieval.DocumentTopK && e.retrieval.DocumentTopK > 0 {
			docs = docs[:e.retrieval.DocumentTopK]
		}
		mem.documents = docs
	}

	for _, hit := range mem.session {
		if hit.Score > mem.topScore {
			mem.topScore = hit.Score
		}
	}
	for _, hit := range mem.episodic {
		if hit.Score > mem.topScore {
			mem.topScore = hit.Score
		}
	}
	for _, hit := range mem.process {
		if hit.Score > mem.topScore {
			mem.topScore = hit.Score
		}
	}
	return mem
}

// hotContext pulls recent exchanges ahead of the LLM stream, depending on
// the configured mode: always, never, or only when the session buffer has
// gone stale.
func (e *Engine) hotContext(ctx context.Context, in ThinkInput, log *slog.Logger) []*models.Exchange {
	mode := e.retrieval.HotContext
	switch mode {
	case config.HotContextNever:
		return nil
	case config.HotContextAlways:
	default: // stale
		staleAge := e.retrieval.HotContextStaleAge.Std()
		if staleAge <= 0 {
			staleAge = 10 * time.Minute
		}
		latest := e.deps.Buffer.LatestSessionActivity(in.SessionID)
		if !latest.IsZero() && time.Since(latest) < staleAge {
			return nil
		}
	}

	tf := store.Timeframe{From: time.Now().Add(-time.Hour), To: time.Now()}
	rows, err := e.deps.Recent.ByTimeRange(ctx, in.Scope, tf, 10)
	if err != nil {
		log.Warn("hot context pull failed", "error", err)
		return nil
	}
	return rows
}

// detectAndSynthesize scans the finished draft for tool markers and, if
// any parse, runs the executor and streams the synthesis as continued
// chunks. It returns the final reply text and the tools used.
func (e *Engine) detectAndSynthesize(ctx context.Context, in ThinkInput, rawDraft string, phase models.CognitivePhase, out chan<- Chunk, log *slog.Logger) (string, []string) {
	cleanDraft := tools.StripMarkers(rawDraft)

	invocations, invalid := tools.ParseMarkers(rawDraft)
	for _, err := range invalid {
		log.Warn("skipping malformed tool marker", "error", err)
	}
	if len(invocations) == 0 {
		return cleanDraft, nil
	}

	exec, err := e.deps.Tools.Execute(ctx, tools.ExecuteInput{
		Scope:       in.Scope,
		UserQuery:   in.Content,
		Draft:       rawDraft,
		Invocations: invocations,
	})
	if err != nil {
		log.Warn("tool execution failed", "error", err)
		return cleanDraft, nil
	}

	// The client learns which tools ran before the synthesis streams.
	e.send(ctx, out, &MetaChunk{Phase: phase, ToolsUsed: exec.ToolsUsed})

	if exec.Synthesis == nil {
		return cleanDraft, exec.ToolsUsed
	}

	filter := &markerFilter{}
	var synthesis strings.Builder
	for chunk := range exec.Synthesis {
		switch v := chunk.(type) {
		case *llm.TextChunk:
			synthesis.WriteString(v.Content)
			if cleaned := filter.push(v.Content); cleaned != "" {
				e.send(ctx, out, &TextChunk{Content: cleaned})
			}
		case *llm.ErrorChunk:
			log.Warn("synthesis stream failed", "error", v.Message)
		}
	}
	if tail := filter.flush(); tail != "" {
		e.send(ctx, out, &TextChunk{Content: tail})
	}

	synthText := tools.StripMarkers(synthesis.String())
	if synthText == "" {
		return cleanDraft, exec.ToolsUsed
	}
	if cleanDraft == "" {
		return synthText, exec.ToolsUsed
	}
	return cleanDraft + "\n\n" + synthText, exec.ToolsUsed
}

// applyActions handles parsed action tags: REMEMBER pins the exchange as
// high-importance, REFLECT tags and logs, ESCALATE surfaces a Meta chunk.
func (e *Engine) applyActions(ctx context.Context, exchange *models.Exchange, actions []Action, out chan<- Chunk, log *slog.Logger) {
	for _, a := range actions {
		switch a.Kind {
		case ActionRemember:
			if exchange.Tags == nil {
				exchange.Tags = make(map[string]string)
			}
			exchange.Tags["remember"] = a.Body
			exchange.Flags.ActionRequired = true
		case ActionReflect:
			if exchange.Tags == nil {
				exchange.Tags = make(map[string]string)
			}
			exchange.Tags["reflection"] = a.Body
			log.Info("reflection recorded", "body", a.Body)
		case ActionEscalate:
			log.Warn("escalation raised", "body", a.Body)
			e.send(ctx, out, &MetaChunk{Escalation: a.Body})
		}
	}
}

// finishPartial ingests whatever text survived a failed stream, flagged
// partial, and emits the terminal error chunk.
func (e *Engine) finishPartial(ctx context.Context, in ThinkInput, rawDraft string, out chan<- Chunk, log *slog.Logger) {
	partialText := tools.StripMarkers(rawDraft)
	e.send(ctx, out, &ErrorChunk{
		Code:    "upstream_partial",
		Message: "response interrupted",
		Partial: partialText != "",
	})
	if partialText == "" {
		return
	}
	cleanText, _ := ParseActions(partialText)
	e.ingest(e.buildExchange(in, cleanText, true), log)
}

func (e *Engine) buildExchange(in ThinkInput, assistantText string, partial bool) *models.Exchange {
	return &models.Exchange{
		ID:               models.ExchangeID(in.SessionID, in.Content, assistantText),
		SessionID:        in.SessionID,
		UserID:           in.Scope.UserID,
		TenantID:         in.Scope.TenantID,
		CreatedAt:        time.Now(),
		HumanContent:     in.Content,
		AssistantContent: assistantText,
		Source:           models.SourceChat,
		ClusterID:        models.ClusterNoise,
		Partial:          partial,
	}
}

// ingest hands the exchange to the pipeline; the durable write happens in
// the pipeline's flush phase. Anonymous sessions have nothing to own the
// memory, so nothing is kept.
func (e *Engine) ingest(exchange *models.Exchange, log *slog.Logger) {
	if !exchange.Scoped() {
		log.Debug("skipping ingest for unscoped exchange")
		return
	}
	if exchange.AssistantContent == "" && exchange.HumanContent == "" {
		return
	}
	e.deps.Buffer.Ingest(exchange)
}

// send delivers a chunk unless the turn is cancelled. Reports delivery.
func (e *Engine) send(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
