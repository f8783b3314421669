package models

// CognitivePhase classifies the session's recent retrieval/response
// pattern. The engine derives it per turn from a short rolling window and
// feeds it into prompt assembly.
type CognitivePhase string

const (
	PhaseExploration  CognitivePhase = "exploration"
	PhaseExploitation CognitivePhase = "exploitation"
	PhaseCrisis       CognitivePhase = "crisis"
	PhaseDrift        CognitivePhase = "drift"
	PhaseSteady       CognitivePhase = "steady"
)

// Valid reports whether p is one of the defined phases.
func (p CognitivePhase) Valid() bool {
	switch p {
	case PhaseExploration, PhaseExploitation, PhaseCrisis, PhaseDrift, PhaseSteady:
		return true
	}
	return false
}
