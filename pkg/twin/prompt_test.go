package twin

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mnemos-ai/mnemos/pkg/models"
)

func scoredHit(human, assistant string, score float64) models.ScoredExchange {
	return models.ScoredExchange{
		Exchange: &models.Exchange{HumanContent: human, AssistantContent: assistant},
		Score:    score,
	}
}

func TestBuildSystemPromptSections(t *testing.T) {
	p := BuildSystemPrompt(PromptInput{
		Persona:      "You are a thoughtful assistant.",
		Instructions: "Answer in English.",
		Phase:        models.PhaseSteady,
		Session:      []models.ScoredExchange{scoredHit("earlier q", "earlier a", 0.9)},
		Episodic:     []models.ScoredExchange{scoredHit("old q", "old a", 0.7)},
	})

	assert.Contains(t, p, "You are a thoughtful assistant.")
	assert.Contains(t, p, "Answer in English.")
	assert.Contains(t, p, "Conversation phase: steady.")
	assert.Contains(t, p, "### Current session")
	assert.Contains(t, p, "earlier q")
	assert.Contains(t, p, "### Episodic memory")
	assert.Contains(t, p, `[GREP term=`)

	// Trust ladder precedes the memory sections, session before episodic.
	assert.Less(t, strings.Index(p, "Trust what follows"), strings.Index(p, "### Current session"))
	assert.Less(t, strings.Index(p, "### Current session"), strings.Index(p, "### Episodic memory"))
}

func TestBuildSystemPromptOmitsEmptySections(t *testing.T) {
	p := BuildSystemPrompt(PromptInput{Persona: "P"})
	assert.NotContains(t, p, "### Current session")
	assert.NotContains(t, p, "### Process memory")
	assert.NotContains(t, p, "### Company knowledge")
}

func TestBuildSystemPromptDocumentFirst(t *testing.T) {
	docs := []models.ScoredChunk{{
		Chunk: &models.DocumentChunk{SectionTitle: "Refund policy", Content: "Refunds within 30 days."},
		Score: 0.8,
	}}

	corporate := BuildSystemPrompt(PromptInput{
		Documents:     docs,
		DocumentFirst: true,
		Session:       []models.ScoredExchange{scoredHit("q", "a", 0.9)},
	})
	assert.Less(t, strings.Index(corporate, "### Company knowledge"), strings.Index(corporate, "### Current session"))
	assert.Contains(t, corporate, "Refunds within 30 days.")

	personal := BuildSystemPrompt(PromptInput{
		Documents: docs,
		Session:   []models.ScoredExchange{scoredHit("q", "a", 0.9)},
	})
	assert.Greater(t, strings.Index(personal, "### Company knowledge"), strings.Index(personal, "### Current session"))
}
