package twin

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mnemos-ai/mnemos/pkg/models"
)

func TestPhaseDefaultsToExploration(t *testing.T) {
	tr := NewPhaseTracker()
	assert.Equal(t, models.PhaseExploration, tr.Phase("new-session"))

	tr.Record("new-session", 0.9, false)
	assert.Equal(t, models.PhaseExploration, tr.Phase("new-session"))
}

func TestPhaseExploitation(t *testing.T) {
	tr := NewPhaseTracker()
	for i := 0; i < 4; i++ {
		tr.Record("s", 0.85, false)
	}
	assert.Equal(t, models.PhaseExploitation, tr.Phase("s"))
}

func TestPhaseSteady(t *testing.T) {
	tr := NewPhaseTracker()
	for i := 0; i < 4; i++ {
		tr.Record("s", 0.5, false)
	}
	assert.Equal(t, models.PhaseSteady, tr.Phase("s"))
}

func TestPhaseCrisis(t *testing.T) {
	tr := NewPhaseTracker()
	tr.Record("s", 0.2, true)
	tr.Record("s", 0.25, true)
	tr.Record("s", 0.3, true)
	assert.Equal(t, models.PhaseCrisis, tr.Phase("s"))
}

func TestPhaseDrift(t *testing.T) {
	tr := NewPhaseTracker()
	tr.Record("s", 0.9, false)
	tr.Record("s", 0.7, false)
	tr.Record("s", 0.5, false)
	assert.Equal(t, models.PhaseDrift, tr.Phase("s"))
}

func TestPhaseWindowSlides(t *testing.T) {
	tr := NewPhaseTracker()
	// Old low-similarity turns age out of the window.
	for i := 0; i < 3; i++ {
		tr.Record("s", 0.1, false)
	}
	for i := 0; i < phaseWindowSize; i++ {
		tr.Record("s", 0.85, false)
	}
	assert.Equal(t, models.PhaseExploitation, tr.Phase("s"))
}

func TestPhaseSessionsIndependent(t *testing.T) {
	tr := NewPhaseTracker()
	for i := 0; i < 3; i++ {
		tr.Record("hot", 0.9, false)
	}
	assert.Equal(t, models.PhaseExploitation, tr.Phase("hot"))
	assert.Equal(t, models.PhaseExploration, tr.Phase("cold"))
}
