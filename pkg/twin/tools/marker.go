// Package tools implements the mid-stream tool protocol: four named
// markers embedded in LLM output, parsed from the finished draft,
// executed concurrently, and folded into a single synthesis call.
package tools

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mnemos-ai/mnemos/pkg/store"
)

// Kind names a tool marker. The declaration order here is the canonical
// join order for synthesis prompts.
type Kind string

const (
	KindGrep     Kind = "GREP"
	KindSquirrel Kind = "SQUIRREL"
	KindVector   Kind = "VECTOR"
	KindEpisodic Kind = "EPISODIC"
)

// KindOrder is the fixed ordering used when joining tool results, so the
// synthesis prompt is deterministic across retries.
var KindOrder = []Kind{KindGrep, KindSquirrel, KindVector, KindEpisodic}

// GrepArgs are the arguments of a [GREP term="..."] marker.
type GrepArgs struct {
	Term string
}

// SquirrelArgs are the arguments of a
// [SQUIRREL timeframe="-60min" back=N search="..."] marker. Back and
// Search are optional.
type SquirrelArgs struct {
	Timeframe string
	Back      int
	Search    string
}

// VectorArgs are the arguments of a [VECTOR query="..."] marker.
type VectorArgs struct {
	Query string
}

// EpisodicArgs are the arguments of an
// [EPISODIC query="..." timeframe="7d"] marker. Timeframe is optional.
type EpisodicArgs struct {
	Query     string
	Timeframe string
}

// Invocation is the tagged union of one parsed marker. Exactly one of the
// argument fields matching Kind is set.
type Invocation struct {
	Kind Kind
	Raw  string

	Grep     *GrepArgs
	Squirrel *SquirrelArgs
	Vector   *VectorArgs
	Episodic *EpisodicArgs
}

// ParseMarkers scans text for tool markers and returns valid invocations
// in fixed kind order. The first occurrence of each kind wins; markers
// with unknown keys or malformed arguments are skipped and reported in
// the second return value.
func ParseMarkers(text string) ([]Invocation, []error) {
	found := make(map[Kind]Invocation)
	var invalid []error

	for i := 0; i < len(text); {
		idx := strings.IndexByte(text[i:], '[')
		if idx < 0 {
			break
		}
		start := i + idx
		inv, end, err := parseMarkerAt(text, start)
		if err != nil {
			invalid = append(invalid, err)
			i = start + 1
			continue
		}
		if end == 0 {
			// Not a marker at all; move past the bracket.
			i = start + 1
			continue
		}
		if _, dup := found[inv.Kind]; !dup {
			found[inv.Kind] = inv
		}
		i = end
	}

	var out []Invocation
	for _, k := range KindOrder {
		if inv, ok := found[k]; ok {
			out = append(out, inv)
		}
	}
	return out, invalid
}

// StripMarkers removes every well-formed tool marker from text. Malformed
// markers are left in place.
func StripMarkers(text string) string {
	var b strings.Builder
	for i := 0; i < len(text); {
		idx := strings.IndexByte(text[i:], '[')
		if idx < 0 {
			b.WriteString(text[i:])
			break
		}
		start := i + idx
		b.WriteString(text[i:start])
		if _, end, err := parseMarkerAt(text, start); err == nil && end > 0 {
			i = end
			continue
		}
		b.WriteByte('[')
		i = start + 1
	}
	return strings.TrimSpace(b.String())
}

// parseMarkerAt parses one marker starting at the '[' at offset start.
// Returns end == 0 when the bracket does not open a known marker, and an
// error when it does but the arguments are malformed.
func parseMarkerAt(text string, start int) (Invocation, int, error) {
	rest := text[start+1:]
	var kind Kind
	for _, k := range KindOrder {
		if strings.HasPrefix(rest, string(k)) {
			next := rest[len(k):]
			if next == "" || (next[0] != ' ' && next[0] != ']') {
				continue
			}
			kind = k
			break
		}
	}
	if kind == "" {
		return Invocation{}, 0, nil
	}

	close := strings.IndexByte(rest, ']')
	if close < 0 {
		return Invocation{}, 0, fmt.Errorf("unterminated %s marker", kind)
	}
	raw := text[start : start+close+2]
	argText := strings.TrimSpace(rest[len(kind):close])

	args, err := parseArgs(argText)
	if err != nil {
		return Invocation{}, 0, fmt.Errorf("malformed %s marker %q: %w", kind, raw, err)
	}

	inv := Invocation{Kind: kind, Raw: raw}
	if err := bindArgs(&inv, args); err != nil {
		return Invocation{}, 0, fmt.Errorf("invalid %s marker %q: %w", kind, raw, err)
	}
	return inv, start + close + 2, nil
}

// parseArgs parses `key="value"` and `key=123` pairs.
func parseArgs(s string) (map[string]string, error) {
	args := make(map[string]string)
	for len(s) > 0 {
		s = strings.TrimLeft(s, " ")
		if s == "" {
			break
		}
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("expected key=value, got %q", s)
		}
		key := s[:eq]
		if strings.ContainsAny(key, " \"") {
			return nil, fmt.Errorf("bad argument key %q", key)
		}
		s = s[eq+1:]
		var value string
		if strings.HasPrefix(s, `"`) {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("unterminated quoted value for %q", key)
			}
			value = s[1 : end+1]
			s = s[end+2:]
		} else {
			end := strings.IndexAny(s, " ")
			if end < 0 {
				end = len(s)
			}
			value = s[:end]
			if value == "" {
				return nil, fmt.Errorf("empty value for %q", key)
			}
			s = s[end:]
		}
		if _, dup := args[key]; dup {
			return nil, fmt.Errorf("duplicate argument %q", key)
		}
		args[key] = value
	}
	return args, nil
}

// bindArgs validates keys against the marker's schema and fills the
// matching argument struct.
func bindArgs(inv *Invocation, args map[string]string) error {
	switch inv.Kind {
	case KindGrep:
		if err := allowKeys(args, "term"); err != nil {
			return err
		}
		if args["term"] == "" {
			return fmt.Errorf("term is required")
		}
		inv.Grep = &GrepArgs{Term: args["term"]}

	case KindSquirrel:
		if err := allowKeys(args, "timeframe", "back", "search"); err != nil {
			return err
		}
		if args["timeframe"] == "" {
			return fmt.Errorf("timeframe is required")
		}
		sq := &SquirrelArgs{Timeframe: args["timeframe"], Search: args["search"]}
		if raw, ok := args["back"]; ok {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				return fmt.Errorf("back must be a positive integer, got %q", raw)
			}
			sq.Back = n
		}
		inv.Squirrel = sq

	case KindVector:
		if err := allowKeys(args, "query"); err != nil {
			return err
		}
		if args["query"] == "" {
			return fmt.Errorf("query is required")
		}
		inv.Vector = &VectorArgs{Query: args["query"]}

	case KindEpisodic:
		if err := allowKeys(args, "query", "timeframe"); err != nil {
			return err
		}
		if args["query"] == "" {
			return fmt.Errorf("query is required")
		}
		inv.Episodic = &EpisodicArgs{Query: args["query"], Timeframe: args["timeframe"]}
	}
	return nil
}

func allowKeys(args map[string]string, allowed ...string) error {
	for key := range args {
		ok := false
		for _, a := range allowed {
			if key == a {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("unknown argument %q", key)
		}
	}
	return nil
}

// ParseTimeframe converts the marker timeframe grammar into a store
// timeframe ending now. Relative forms are "-60min", "-2h", "7d" (the
// leading minus is optional); absolute form is an RFC3339 timestamp used
// as the window start.
func ParseTimeframe(s string, now time.Time) (store.Timeframe, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return store.Timeframe{}, nil
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return store.Timeframe{From: t, To: now}, nil
	}

	rel := strings.TrimPrefix(s, "-")
	unitStart := len(rel)
	for i, r := range rel {
		if r < '0' || r > '9' {
			unitStart = i
			break
		}
	}
	n, err := strconv.Atoi(rel[:unitStart])
	if err != nil || n <= 0 {
		return store.Timeframe{}, fmt.Errorf("invalid timeframe %q", s)
	}

	var unit time.Duration
	switch rel[unitStart:] {
	case "min", "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	case "w":
		unit = 7 * 24 * time.Hour
	default:
		return store.Timeframe{}, fmt.Errorf("invalid timeframe unit in %q", s)
	}
	return store.Timeframe{From: now.Add(-time.Duration(n) * unit), To: now}, nil
}
