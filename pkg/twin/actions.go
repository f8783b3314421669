package twin

import "strings"

// ActionKind names an action tag the LLM may append to its reply.
type ActionKind string

const (
	ActionRemember ActionKind = "REMEMBER"
	ActionReflect  ActionKind = "REFLECT"
	ActionEscalate ActionKind = "ESCALATE"
)

// Action is one parsed action tag, e.g. [REMEMBER user prefers metric units].
type Action struct {
	Kind ActionKind
	Body string
}

var actionKinds = []ActionKind{ActionRemember, ActionReflect, ActionEscalate}

// ParseActions extracts action tags from the final reply text and returns
// the cleaned text with the tags removed. Tags may appear anywhere;
// unterminated tags are left in place.
func ParseActions(text string) (string, []Action) {
	var actions []Action
	var b strings.Builder

	for i := 0; i < len(text); {
		idx := strings.IndexByte(text[i:], '[')
		if idx < 0 {
			b.WriteString(text[i:])
			break
		}
		start := i + idx
		b.WriteString(text[i:start])

		kind, body, end := parseActionAt(text, start)
		if end == 0 {
			b.WriteByte('[')
			i = start + 1
			continue
		}
		actions = append(actions, Action{Kind: kind, Body: body})
		i = end
	}
	return strings.TrimSpace(b.String()), actions
}

// parseActionAt parses one action tag at the '[' at offset start. end is
// 0 when the bracket does not open a well-formed action tag.
func parseActionAt(text string, start int) (ActionKind, string, int) {
	rest := text[start+1:]
	for _, kind := range actionKinds {
		if !strings.HasPrefix(rest, string(kind)) {
			continue
		}
		after := rest[len(kind):]
		if after == "" || (after[0] != ' ' && after[0] != ']') {
			continue
		}
		close := strings.IndexByte(rest, ']')
		if close < 0 {
			return "", "", 0
		}
		body := strings.TrimSpace(rest[len(kind):close])
		return kind, body, start + close + 2
	}
	return "", "", 0
}
