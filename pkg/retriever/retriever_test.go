package retriever

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemos-ai/mnemos/pkg/config"
	"github.com/mnemos-ai/mnemos/pkg/models"
	"github.com/mnemos-ai/mnemos/pkg/store"
)

type fakeSearcher struct {
	vector     []models.ScoredExchange
	keyword    []models.ScoredExchange
	vectorErr  error
	keywordErr error

	vectorCalls  int
	keywordCalls int
	touched      []string
}

func (f *fakeSearcher) SearchVector(_ context.Context, _ models.Scope, _ []float32, _ store.Timeframe, _ int, _ float64) ([]models.ScoredExchange, error) {
	f.vectorCalls++
	return f.vector, f.vectorErr
}

func (f *fakeSearcher) SearchKeyword(_ context.Context, _ models.Scope, _ string, _ store.Timeframe, _ int) ([]models.ScoredExchange, error) {
	f.keywordCalls++
	return f.keyword, f.keywordErr
}

func (f *fakeSearcher) TouchAccess(_ context.Context, ids []string) error {
	f.touched = append(f.touched, ids...)
	return nil
}

func scored(id string, score float64) models.ScoredExchange {
	return models.ScoredExchange{Exchange: &models.Exchange{ID: id}, Score: score}
}

func strPtr(s string) *string { return &s }

func testCfg() config.RetrievalConfig {
	return config.RetrievalConfig{
		ProcessTopK:   5,
		EpisodicTopK:  5,
		ProcessFloor:  0.5,
		KeywordWeight: 0.3,
	}
}

func TestProcessScopeGate(t *testing.T) {
	fake := &fakeSearcher{vector: []models.ScoredExchange{scored("e1", 0.9)}}
	d := NewDual(fake, testCfg(), nil)

	got, err := d.Process(context.Background(), models.Scope{}, []float32{1, 0})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, fake.vectorCalls)
}

func TestProcessNilEmbedding(t *testing.T) {
	fake := &fakeSearcher{vector: []models.ScoredExchange{scored("e1", 0.9)}}
	d := NewDual(fake, testCfg(), nil)

	got, err := d.Process(context.Background(), models.Scope{UserID: strPtr("u1")}, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, fake.vectorCalls)
}

func TestProcessTouchesAccess(t *testing.T) {
	fake := &fakeSearcher{vector: []models.ScoredExchange{scored("e1", 0.9), scored("e2", 0.7)}}
	d := NewDual(fake, testCfg(), nil)

	got, err := d.Process(context.Background(), models.Scope{UserID: strPtr("u1")}, []float32{1, 0})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []string{"e1", "e2"}, fake.touched)
}

func TestEpisodicFusesBothLanes(t *testing.T) {
	fake := &fakeSearcher{
		vector:  []models.ScoredExchange{scored("a", 0.9), scored("b", 0.8), scored("c", 0.7)},
		keyword: []models.ScoredExchange{scored("b", 0.5), scored("d", 0.4)},
	}
	d := NewDual(fake, testCfg(), nil)

	got, err := d.Episodic(context.Background(), models.Scope{UserID: strPtr("u1")}, "query", []float32{1, 0}, store.Timeframe{})
	require.NoError(t, err)
	require.Len(t, got, 4)

	// b appears in both lanes, so its fused score beats a's single
	// first-place contribution: 0.7/62 + 0.3/61 > 0.7/61.
	assert.Equal(t, "b", got[0].Exchange.ID)
	assert.Equal(t, "a", got[1].Exchange.ID)
	assert.Equal(t, 1, fake.vectorCalls)
	assert.Equal(t, 1, fake.keywordCalls)
}

func TestEpisodicDeterministicOrder(t *testing.T) {
	fake := &fakeSearcher{
		vector:  []models.ScoredExchange{scored("z", 0.9), scored("m", 0.8)},
		keyword: nil,
	}
	d := NewDual(fake, testCfg(), nil)

	first, err := d.Episodic(context.Background(), models.Scope{UserID: strPtr("u1")}, "q", []float32{1}, store.Timeframe{})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := d.Episodic(context.Background(), models.Scope{UserID: strPtr("u1")}, "q", []float32{1}, store.Timeframe{})
		require.NoError(t, err)
		require.Equal(t, len(first), len(again))
		for j := range first {
			assert.Equal(t, first[j].Exchange.ID, again[j].Exchange.ID)
		}
	}
}

func TestEpisodicNilEmbeddingKeywordOnly(t *testing.T) {
	fake := &fakeSearcher{
		keyword: []models.ScoredExchange{scored("k1", 0.6), scored("k2", 0.4)},
	}
	d := NewDual(fake, testCfg(), nil)

	got, err := d.Episodic(context.Background(), models.Scope{UserID: strPtr("u1")}, "query", nil, store.Timeframe{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "k1", got[0].Exchange.ID)
	assert.Zero(t, fake.vectorCalls)
}

func TestEpisodicKeywordFailureDegrades(t *testing.T) {
	fake := &fakeSearcher{
		vector:     []models.ScoredExchange{scored("v1", 0.9)},
		keywordErr: errors.New("fts index unavailable"),
	}
	d := NewDual(fake, testCfg(), nil)

	got, err := d.Episodic(context.Background(), models.Scope{UserID: strPtr("u1")}, "query", []float32{1}, store.Timeframe{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "v1", got[0].Exchange.ID)
}

func TestEpisodicVectorFailureIsFatal(t *testing.T) {
	fake := &fakeSearcher{vectorErr: errors.New("connection reset")}
	d := NewDual(fake, testCfg(), nil)

	_, err := d.Episodic(context.Background(), models.Scope{UserID: strPtr("u1")}, "query", []float32{1}, store.Timeframe{})
	require.Error(t, err)
}

func TestEpisodicTrimsToTopK(t *testing.T) {
	cfg := testCfg()
	cfg.EpisodicTopK = 2
	fake := &fakeSearcher{
		vector: []models.ScoredExchange{scored("a", 0.9), scored("b", 0.8), scored("c", 0.7), scored("d", 0.6)},
	}
	d := NewDual(fake, cfg, nil)

	got, err := d.Episodic(context.Background(), models.Scope{UserID: strPtr("u1")}, "q", []float32{1}, store.Timeframe{})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestFuseRanksEmptyInputs(t *testing.T) {
	assert.Empty(t, fuseRanks(nil, nil, 0.3))
}
