package twin

import (
	"sync"
	"time"

	"github.com/mnemos-ai/mnemos/pkg/models"
)

const (
	phaseWindowSize  = 5
	phaseMaxSessions = 4096
)

// PhaseTracker derives each session's cognitive phase from a short
// rolling window of retrieval similarity and tool usage.
type PhaseTracker struct {
	mu       sync.Mutex
	sessions map[string]*phaseWindow
}

type phaseWindow struct {
	similarities []float64
	toolTurns    []bool
	lastSeen     time.Time
}

// NewPhaseTracker creates an empty tracker.
func NewPhaseTracker() *PhaseTracker {
	return &PhaseTracker{sessions: make(map[string]*phaseWindow)}
}

// Phase returns the current phase for a session. A session with fewer
// than two recorded turns is in exploration.
func (t *PhaseTracker) Phase(sessionID string) models.CognitivePhase {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.sessions[sessionID]
	if !ok {
		return models.PhaseExploration
	}
	return w.derive()
}

// Record appends one turn's signals: the best retrieval similarity seen
// and whether any tools ran. Windows are capped; old sessions are evicted
// when the tracker grows past its session cap.
func (t *PhaseTracker) Record(sessionID string, topSimilarity float64, usedTools bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.sessions[sessionID]
	if !ok {
		if len(t.sessions) >= phaseMaxSessions {
			t.evictOldest()
		}
		w = &phaseWindow{}
		t.sessions[sessionID] = w
	}
	w.similarities = append(w.similarities, topSimilarity)
	w.toolTurns = append(w.toolTurns, usedTools)
	if len(w.similarities) > phaseWindowSize {
		w.similarities = w.similarities[1:]
		w.toolTurns = w.toolTurns[1:]
	}
	w.lastSeen = time.Now()
}

// evictOldest drops the least recently active session. Caller holds the lock.
func (t *PhaseTracker) evictOldest() {
	var oldestID string
	var oldest time.Time
	for id, w := range t.sessions {
		if oldestID == "" || w.lastSeen.Before(oldest) {
			oldestID, oldest = id, w.lastSeen
		}
	}
	if oldestID != "" {
		delete(t.sessions, oldestID)
	}
}

// derive classifies the window. Heavy tool usage with poor retrieval is a
// crisis; falling similarity is drift; consistently strong retrieval is
// exploitation; a stable mid band is steady; everything else, including
// short windows, is exploration.
func (w *phaseWindow) derive() models.CognitivePhase {
	n := len(w.similarities)
	if n < 2 {
		return models.PhaseExploration
	}

	var sum float64
	tools := 0
	for i := 0; i < n; i++ {
		sum += w.similarities[i]
		if w.toolTurns[i] {
			tools++
		}
	}
	avg := sum / float64(n)
	toolRate := float64(tools) / float64(n)
	trend := w.similarities[n-1] - w.similarities[0]

	switch {
	case toolRate >= 0.5 && avg < 0.35:
		return models.PhaseCrisis
	case trend <= -0.25:
		return models.PhaseDrift
	case avg >= 0.7:
		return models.PhaseExploitation
	case avg >= 0.4:
		return models.PhaseSteady
	default:
		return models.PhaseExploration
	}
}
