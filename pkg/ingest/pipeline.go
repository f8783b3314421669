// Package ingest implements the async memory-ingest pipeline. Completed
// turns are enqueued without blocking the caller, batched on a flush timer
// or batch-size trigger, embedded, cluster-assigned, published to an
// in-process session buffer, and finally written durably. The session
// buffer makes the output of turn N searchable by turn N+1 before any
// database round trip.
package ingest

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mnemos-ai/mnemos/pkg/config"
	"github.com/mnemos-ai/mnemos/pkg/embedding"
	"github.com/mnemos-ai/mnemos/pkg/models"
)

// ExchangeWriter is the durable sink for flushed batches.
type ExchangeWriter interface {
	RecordExchange(ctx context.Context, e *models.Exchange) (string, error)
}

// snapshot is the immutable published state of the session buffer. The
// three slices are parallel: index i describes one exchange. A new
// snapshot is built by copy-on-publish and swapped in atomically, so
// readers observe either the pre- or post-batch state, never a partial
// batch.
type snapshot struct {
	outputs     []string
	embeddings  [][]float32
	nodes       []*models.Exchange
	publishedAt time.Time
}

var emptySnapshot = &snapshot{}

// Pipeline is the memory-ingest pipeline. One instance serves the whole
// process; exchanges from all sessions share the intake queue and the
// buffer, and SearchSession filters by session id.
type Pipeline struct {
	embedder  embedding.Embedder
	writer    ExchangeWriter
	clusterer *Clusterer
	cfg       config.IngestConfig
	logger    *slog.Logger

	mu        sync.Mutex
	pending   []*models.Exchange
	unwritten []*models.Exchange
	seq       map[string]int
	seen      map[string]bool

	snap atomic.Pointer[snapshot]

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	newBackoff func() backoff.BackOff
}

// NewPipeline creates a Pipeline. clusterer may be nil, in which case all
// items land in the noise cluster.
func NewPipeline(embedder embedding.Embedder, writer ExchangeWriter, clusterer *Clusterer, cfg config.IngestConfig, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		embedder:  embedder,
		writer:    writer,
		clusterer: clusterer,
		cfg:       cfg,
		logger:    logger,
		seq:       make(map[string]int),
		seen:      make(map[string]bool),
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		newBackoff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 100 * time.Millisecond
			bo.MaxElapsedTime = 10 * time.Second
			return bo
		},
	}
	p.snap.Store(emptySnapshot)
	return p
}

// Start launches the batch loop.
func (p *Pipeline) Start() {
	p.wg.Add(1)
	go p.run()
}

// Stop flushes everything still pending and waits for the loop to exit.
// Safe to call more than once.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// Ingest enqueues a completed exchange and returns immediately. The intake
// queue is unbounded; backpressure is never applied to the think loop.
// An exchange whose content-hash id was already ingested is dropped, so a
// replayed turn never publishes a duplicate node.
func (p *Pipeline) Ingest(e *models.Exchange) {
	if e.ID == "" {
		e.ID = models.ExchangeID(e.SessionID, e.HumanContent, e.AssistantContent)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	p.mu.Lock()
	if p.seen[e.ID] {
		p.mu.Unlock()
		return
	}
	p.seen[e.ID] = true
	if e.SequenceIndex == 0 {
		p.seq[e.SessionID]++
		e.SequenceIndex = p.seq[e.SessionID]
	}
	p.pending = append(p.pending, e)
	full := len(p.pending) >= p.cfg.BatchSize
	p.mu.Unlock()

	if full {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
}

// SearchSession scans the published buffer for exchanges in the given
// session whose embeddings score at least minScore against the query,
// most similar first. This is how a turn sees the output of the turn just
// before it, even when the durable write has not landed yet.
func (p *Pipeline) SearchSession(sessionID string, queryEmbedding []float32, topK int, minScore float64) []models.ScoredExchange {
	if queryEmbedding == nil || sessionID == "" {
		return nil
	}
	snap := p.snap.Load()

	var hits []models.ScoredExchange
	for i, node := range snap.nodes {
		if node.SessionID != sessionID || snap.embeddings[i] == nil {
			continue
		}
		if score := cosine(queryEmbedding, snap.embeddings[i]); score >= minScore {
			hits = append(hits, models.ScoredExchange{Exchange: node, Score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Exchange.SequenceIndex > hits[j].Exchange.SequenceIndex
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

// LatestSessionActivity returns the created_at of the newest published
// exchange for a session, or the zero time when none exists. Used by the
// engine to decide whether the session buffer is stale.
func (p *Pipeline) LatestSessionActivity(sessionID string) time.Time {
	snap := p.snap.Load()
	var latest time.Time
	for _, node := range snap.nodes {
		if node.SessionID == sessionID && node.CreatedAt.After(latest) {
			latest = node.CreatedAt
		}
	}
	return latest
}

// BufferLen returns the number of published exchanges.
func (p *Pipeline) BufferLen() int {
	return len(p.snap.Load().nodes)
}

// run is the batch loop: flush on the interval timer, on batch-full wake,
// or on shutdown.
func (p *Pipeline) run() {
	defer p.wg.Done()

	interval := p.cfg.FlushInterval.Std()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			p.flushAll(context.Background())
			return
		case <-ticker.C:
			p.flushAll(context.Background())
		case <-p.wake:
			p.flushAll(context.Background())
		}
	}
}

// flushAll drains the intake queue in batch-size chunks, then retries any
// exchanges whose durable write previously failed.
func (p *Pipeline) flushAll(ctx context.Context) {
	defer p.retryUnwritten(ctx)
	for {
		p.mu.Lock()
		if len(p.pending) == 0 {
			p.mu.Unlock()
			return
		}
		n := p.cfg.BatchSize
		if n <= 0 || n > len(p.pending) {
			n = len(p.pending)
		}
		batch := p.pending[:n]
		p.pending = append([]*models.Exchange(nil), p.pending[n:]...)
		p.mu.Unlock()

		p.processBatch(ctx, batch)
	}
}

// processBatch runs the embed, cluster, publish, durable-write phases for
// one batch. Embedding or clustering failures degrade the batch rather
// than dropping it.
func (p *Pipeline) processBatch(ctx context.Context, batch []*models.Exchange) {
	texts := make([]string, len(batch))
	for i, e := range batch {
		texts[i] = e.HumanContent + "\n\n" + e.AssistantContent
	}

	embeddings, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		p.logger.Warn("batch embedding failed, continuing without vectors",
			"batch_size", len(batch), "error", err)
		embeddings = make([][]float32, len(batch))
	}
	for i, e := range batch {
		e.Embedding = embeddings[i]
	}

	for _, e := range batch {
		if p.clusterer == nil {
			e.ClusterID, e.ClusterConfidence = models.ClusterNoise, 0
			continue
		}
		e.ClusterID, e.ClusterConfidence = p.clusterer.Assign(e.Embedding)
	}

	p.publish(batch, embeddings)
	p.writeDurably(ctx, batch)
}

// publish swaps in a new snapshot containing the batch. Copy-on-publish:
// the old slices are never mutated, so in-flight readers stay consistent.
func (p *Pipeline) publish(batch []*models.Exchange, embeddings [][]float32) {
	old := p.snap.Load()
	next := &snapshot{
		outputs:     make([]string, 0, len(old.outputs)+len(batch)),
		embeddings:  make([][]float32, 0, len(old.embeddings)+len(batch)),
		nodes:       make([]*models.Exchange, 0, len(old.nodes)+len(batch)),
		publishedAt: time.Now(),
	}
	next.outputs = append(next.outputs, old.outputs...)
	next.embeddings = append(next.embeddings, old.embeddings...)
	next.nodes = append(next.nodes, old.nodes...)
	for i, e := range batch {
		next.outputs = append(next.outputs, e.AssistantContent)
		next.embeddings = append(next.embeddings, embeddings[i])
		next.nodes = append(next.nodes, e)
	}
	p.snap.Store(next)
}

// writeDurably appends the batch to the exchange log with exponential
// backoff. Items that still fail are re-queued for the next flush; the
// published in-memory copy keeps serving SearchSession meanwhile. The
// writer is handed a copy of each exchange: batch items are already
// published, and published nodes are never written to again.
func (p *Pipeline) writeDurably(ctx context.Context, batch []*models.Exchange) {
	var failed []*models.Exchange
	for _, e := range batch {
		cp := *e
		op := func() error {
			_, err := p.writer.RecordExchange(ctx, &cp)
			return err
		}
		if err := backoff.Retry(op, backoff.WithContext(p.newBackoff(), ctx)); err != nil {
			p.logger.Error("durable write failed, retaining exchange for retry",
				"exchange_id", e.ID, "session_id", e.SessionID, "error", err)
			failed = append(failed, e)
		}
	}
	if len(failed) > 0 {
		p.mu.Lock()
		p.unwritten = append(p.unwritten, failed...)
		p.mu.Unlock()
	}
}

// retryUnwritten re-attempts durable writes for previously failed items.
// They are already published, so embed, cluster, and publish are skipped.
func (p *Pipeline) retryUnwritten(ctx context.Context) {
	p.mu.Lock()
	items := p.unwritten
	p.unwritten = nil
	p.mu.Unlock()

	if len(items) > 0 {
		p.writeDurably(ctx, items)
	}
}
