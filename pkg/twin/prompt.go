package twin

import (
	"fmt"
	"strings"
	"time"

	"github.com/mnemos-ai/mnemos/pkg/models"
)

// PromptInput carries everything the system prompt is assembled from.
// The memory slices are already retrieved and scoped; each renders under
// its trust-tier label in ladder order.
type PromptInput struct {
	Persona      string
	Instructions string
	Phase        models.CognitivePhase

	Session     []models.ScoredExchange
	HotTemporal []*models.Exchange
	Episodic    []models.ScoredExchange
	Process     []models.ScoredExchange
	Keyword     []models.ScoredExchange

	// Documents render ahead of all memory tiers when DocumentFirst is
	// set (corporate variant).
	Documents     []models.ScoredChunk
	DocumentFirst bool
}

// toolProtocol teaches the model the four recall markers. The grammar
// must match what the tools parser accepts.
const toolProtocol = `You can recall more context mid-reply by emitting these markers, at most one of each kind:
[GREP term="<keywords>"] - keyword search over past conversations
[SQUIRREL timeframe="-60min" back=5 search="<optional filter>"] - most recent exchanges in a time window
[VECTOR query="<meaning to match>"] - semantic search over reasoning memories
[EPISODIC query="<meaning to match>" timeframe="7d"] - semantic search over past conversations, optionally time-bounded
Arguments are key="value" pairs. Emit a marker only when your draft genuinely needs the recall; the marker text is removed before the user sees the reply.`

// trustLadder is the ordering stated to the model so it weighs snippets
// the way retrieval trusts them.
const trustLadder = `Trust what follows in this order: current session > recent temporal context > episodic memory > process memory > keyword matches.`

// BuildSystemPrompt assembles the system prompt: persona, tenant
// instructions, phase hint, trust ladder, labeled memory sections, and
// the tool protocol.
func BuildSystemPrompt(in PromptInput) string {
	var b strings.Builder

	if in.Persona != "" {
		b.WriteString(in.Persona)
		b.WriteString("\n\n")
	}
	if in.Instructions != "" {
		b.WriteString(in.Instructions)
		b.WriteString("\n\n")
	}
	if in.Phase != "" {
		fmt.Fprintf(&b, "Conversation phase: %s.\n\n", in.Phase)
	}

	if in.DocumentFirst {
		writeDocuments(&b, in.Documents)
	}

	b.WriteString(trustLadder)
	b.WriteString("\n")
	writeExchangeSection(&b, "Current session", in.Session)
	writeNodeSection(&b, "Recent temporal context", in.HotTemporal)
	writeExchangeSection(&b, "Episodic memory", in.Episodic)
	writeExchangeSection(&b, "Process memory", in.Process)
	writeExchangeSection(&b, "Keyword matches", in.Keyword)

	if !in.DocumentFirst {
		writeDocuments(&b, in.Documents)
	}

	b.WriteString("\n")
	b.WriteString(toolProtocol)
	return b.String()
}

func writeExchangeSection(b *strings.Builder, label string, hits []models.ScoredExchange) {
	if len(hits) == 0 {
		return
	}
	fmt.Fprintf(b, "\n### %s\n", label)
	for _, hit := range hits {
		writeExchange(b, hit.Exchange)
	}
}

func writeNodeSection(b *strings.Builder, label string, nodes []*models.Exchange) {
	if len(nodes) == 0 {
		return
	}
	fmt.Fprintf(b, "\n### %s\n", label)
	for _, node := range nodes {
		writeExchange(b, node)
	}
}

func writeExchange(b *strings.Builder, e *models.Exchange) {
	ts := ""
	if !e.CreatedAt.IsZero() {
		ts = e.CreatedAt.Format(time.RFC3339) + " "
	}
	fmt.Fprintf(b, "- %suser: %s | you: %s\n", ts, e.HumanContent, e.AssistantContent)
}

func writeDocuments(b *strings.Builder, docs []models.ScoredChunk) {
	if len(docs) == 0 {
		return
	}
	b.WriteString("\n### Company knowledge\n")
	b.WriteString("Answer from these documents first; they are authoritative.\n")
	for _, d := range docs {
		title := d.Chunk.SectionTitle
		if title == "" {
			title = d.Chunk.SourceFile
		}
		fmt.Fprintf(b, "- [%s] %s\n", title, d.Chunk.Content)
	}
	b.WriteString("\n")
}
