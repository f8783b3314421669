package tools

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemos-ai/mnemos/pkg/llm"
	"github.com/mnemos-ai/mnemos/pkg/models"
	"github.com/mnemos-ai/mnemos/pkg/store"
)

type fakeRetriever struct {
	process     []models.ScoredExchange
	episodic    []models.ScoredExchange
	processErr  error
	episodicErr error

	mu            sync.Mutex
	episodicCalls []string
	lastTimeframe store.Timeframe
}

func (f *fakeRetriever) Process(_ context.Context, _ models.Scope, _ []float32) ([]models.ScoredExchange, error) {
	return f.process, f.processErr
}

func (f *fakeRetriever) Episodic(_ context.Context, _ models.Scope, query string, _ []float32, tf store.Timeframe) ([]models.ScoredExchange, error) {
	f.mu.Lock()
	f.episodicCalls = append(f.episodicCalls, query)
	f.lastTimeframe = tf
	f.mu.Unlock()
	return f.episodic, f.episodicErr
}

type fakeRecent struct {
	rows []*models.Exchange
	err  error
}

func (f *fakeRecent) ByTimeRange(_ context.Context, _ models.Scope, _ store.Timeframe, _ int) ([]*models.Exchange, error) {
	return f.rows, f.err
}

type fakeToolEmbedder struct{ err error }

func (f *fakeToolEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0}, nil
}

func (f *fakeToolEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v, err := f.Embed(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeToolEmbedder) Dimension() int { return 2 }

type fakeLLM struct {
	mu      sync.Mutex
	calls   int
	prompts []string
	chunks  []llm.Chunk
	err     error
}

func (f *fakeLLM) Stream(_ context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	f.mu.Lock()
	f.calls++
	for _, m := range req.Messages {
		f.prompts = append(f.prompts, m.Content)
	}
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan llm.Chunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (f *fakeLLM) Close() error { return nil }

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func exch(id, human, assistant string) models.ScoredExchange {
	return models.ScoredExchange{
		Exchange: &models.Exchange{ID: id, HumanContent: human, AssistantContent: assistant},
		Score:    0.8,
	}
}

func scope() models.Scope {
	u := "u1"
	return models.Scope{UserID: &u}
}

func mustParse(t *testing.T, text string) []Invocation {
	t.Helper()
	invs, invalid := ParseMarkers(text)
	require.Empty(t, invalid)
	return invs
}

func TestExecuteSingleSynthesisCall(t *testing.T) {
	r := &fakeRetriever{episodic: []models.ScoredExchange{exch("e1", "q", "a")}}
	l := &fakeLLM{chunks: []llm.Chunk{&llm.TextChunk{Content: "merged"}}}
	e := NewExecutor(r, &fakeRecent{}, &fakeToolEmbedder{}, l, time.Second, nil)

	invs := mustParse(t, `[GREP term="x"] [VECTOR query="y"] [EPISODIC query="z"]`)
	exec, err := e.Execute(context.Background(), ExecuteInput{
		Scope: scope(), UserQuery: "question", Draft: "draft", Invocations: invs,
	})
	require.NoError(t, err)

	require.NotNil(t, exec.Synthesis)
	text, streamErr := llm.Collect(exec.Synthesis)
	require.NoError(t, streamErr)
	assert.Equal(t, "merged", text)

	// Three tools, exactly one LLM call.
	assert.Equal(t, 1, l.callCount())
	assert.Equal(t, []string{"GREP", "VECTOR", "EPISODIC"}, exec.ToolsUsed)
}

func TestExecuteNoHitsNoSynthesis(t *testing.T) {
	r := &fakeRetriever{}
	l := &fakeLLM{}
	e := NewExecutor(r, &fakeRecent{}, &fakeToolEmbedder{}, l, time.Second, nil)

	exec, err := e.Execute(context.Background(), ExecuteInput{
		Scope: scope(), Invocations: mustParse(t, `[GREP term="nothing"]`),
	})
	require.NoError(t, err)
	assert.Nil(t, exec.Synthesis)
	assert.Zero(t, l.callCount())
}

func TestExecuteEmptyInvocations(t *testing.T) {
	e := NewExecutor(&fakeRetriever{}, &fakeRecent{}, &fakeToolEmbedder{}, &fakeLLM{}, time.Second, nil)
	exec, err := e.Execute(context.Background(), ExecuteInput{Scope: scope()})
	require.NoError(t, err)
	assert.Empty(t, exec.ToolsUsed)
	assert.Nil(t, exec.Synthesis)
}

func TestExecuteDedupeAcrossLanes(t *testing.T) {
	shared := exch("dup", "q", "a")
	r := &fakeRetriever{
		episodic: []models.ScoredExchange{shared, exch("ep-only", "q2", "a2")},
		process:  []models.ScoredExchange{shared, exch("proc-only", "q3", "a3")},
	}
	l := &fakeLLM{chunks: []llm.Chunk{&llm.TextChunk{Content: "ok"}}}
	e := NewExecutor(r, &fakeRecent{}, &fakeToolEmbedder{}, l, time.Second, nil)

	exec, err := e.Execute(context.Background(), ExecuteInput{
		Scope: scope(), Invocations: mustParse(t, `[GREP term="x"] [VECTOR query="y"]`),
	})
	require.NoError(t, err)
	require.Len(t, exec.Results, 2)

	// GREP keeps the shared hit; VECTOR never repeats it.
	grep, vector := exec.Results[0], exec.Results[1]
	assert.Equal(t, KindGrep, grep.Kind)
	require.Len(t, grep.Exchanges, 2)
	assert.Equal(t, KindVector, vector.Kind)
	require.Len(t, vector.Exchanges, 1)
	assert.Equal(t, "proc-only", vector.Exchanges[0].Exchange.ID)
}

func TestExecutePerToolFailureIsolated(t *testing.T) {
	r := &fakeRetriever{
		episodic:   []models.ScoredExchange{exch("e1", "q", "a")},
		processErr: errors.New("pool exhausted"),
	}
	l := &fakeLLM{chunks: []llm.Chunk{&llm.TextChunk{Content: "ok"}}}
	e := NewExecutor(r, &fakeRecent{}, &fakeToolEmbedder{}, l, time.Second, nil)

	exec, err := e.Execute(context.Background(), ExecuteInput{
		Scope: scope(), UserQuery: "q", Draft: "d",
		Invocations: mustParse(t, `[GREP term="x"] [VECTOR query="y"]`),
	})
	require.NoError(t, err)

	assert.NoError(t, exec.Results[0].Err)
	assert.Error(t, exec.Results[1].Err)
	require.NotNil(t, exec.Synthesis)
	llm.Collect(exec.Synthesis)

	// The synthesis prompt declares the failed lane unavailable.
	prompt := strings.Join(l.prompts, "\n")
	assert.Contains(t, prompt, "## VECTOR")
	assert.Contains(t, prompt, "unavailable")
}

func TestExecuteSquirrelFiltersAndDefaults(t *testing.T) {
	rows := []*models.Exchange{
		{ID: "m1", HumanContent: "the deploy failed", AssistantContent: "restarting"},
		{ID: "m2", HumanContent: "lunch plans", AssistantContent: "sushi"},
	}
	l := &fakeLLM{chunks: []llm.Chunk{&llm.TextChunk{Content: "ok"}}}
	e := NewExecutor(&fakeRetriever{}, &fakeRecent{rows: rows}, &fakeToolEmbedder{}, l, time.Second, nil)

	exec, err := e.Execute(context.Background(), ExecuteInput{
		Scope:       scope(),
		Invocations: mustParse(t, `[SQUIRREL timeframe="-60min" search="deploy"]`),
	})
	require.NoError(t, err)
	require.Len(t, exec.Results, 1)
	require.Len(t, exec.Results[0].Exchanges, 1)
	assert.Equal(t, "m1", exec.Results[0].Exchanges[0].Exchange.ID)
}

func TestExecuteEmbeddingFailureDegradesGrep(t *testing.T) {
	r := &fakeRetriever{episodic: []models.ScoredExchange{exch("e1", "q", "a")}}
	l := &fakeLLM{chunks: []llm.Chunk{&llm.TextChunk{Content: "ok"}}}
	e := NewExecutor(r, &fakeRecent{}, &fakeToolEmbedder{err: errors.New("embedder down")}, l, time.Second, nil)

	exec, err := e.Execute(context.Background(), ExecuteInput{
		Scope: scope(), Invocations: mustParse(t, `[GREP term="x"]`),
	})
	require.NoError(t, err)
	assert.NoError(t, exec.Results[0].Err)
	assert.Len(t, exec.Results[0].Exchanges, 1)
}

func TestExecuteCancelledContext(t *testing.T) {
	r := &fakeRetriever{episodic: []models.ScoredExchange{exch("e1", "q", "a")}}
	e := NewExecutor(r, &fakeRecent{}, &fakeToolEmbedder{}, &fakeLLM{}, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Execute(ctx, ExecuteInput{
		Scope: scope(), Invocations: mustParse(t, `[GREP term="x"]`),
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestExecuteSynthesisStartFailure(t *testing.T) {
	r := &fakeRetriever{episodic: []models.ScoredExchange{exch("e1", "q", "a")}}
	l := &fakeLLM{err: errors.New("llm unavailable")}
	e := NewExecutor(r, &fakeRecent{}, &fakeToolEmbedder{}, l, time.Second, nil)

	_, err := e.Execute(context.Background(), ExecuteInput{
		Scope: scope(), Invocations: mustParse(t, `[GREP term="x"]`),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "synthesis")
}

func TestBuildSynthesisPromptDeterministic(t *testing.T) {
	in := ExecuteInput{UserQuery: "q", Draft: `draft [GREP term="x"]`}
	results := []Result{
		{Kind: KindGrep, Exchanges: []models.ScoredExchange{exch("e1", "h", "a")}},
		{Kind: KindVector, Exchanges: nil},
	}
	p1 := buildSynthesisPrompt(in, results)
	p2 := buildSynthesisPrompt(in, results)
	assert.Equal(t, p1, p2)
	assert.NotContains(t, p1, "[GREP")
	assert.Contains(t, p1, "## GREP")
	assert.Contains(t, p1, "(no results)")
}
