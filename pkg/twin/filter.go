package twin

import (
	"strings"

	"github.com/mnemos-ai/mnemos/pkg/twin/tools"
)

// maxMarkerLen bounds how much text the filter withholds waiting for a
// ']' before deciding a '[' was ordinary prose.
const maxMarkerLen = 256

// markerFilter cleans tool markers and action tags out of streamed text
// without waiting for the full response. Text after an unresolved '[' is
// withheld until the bracket closes or the withheld span outgrows any
// plausible marker.
type markerFilter struct {
	pending string
}

// push appends a chunk and returns whatever text is safe to emit.
func (f *markerFilter) push(s string) string {
	f.pending += s
	var out strings.Builder
	for {
		i := strings.IndexByte(f.pending, '[')
		if i < 0 {
			out.WriteString(f.pending)
			f.pending = ""
			break
		}
		out.WriteString(f.pending[:i])
		f.pending = f.pending[i:]

		j := strings.IndexByte(f.pending, ']')
		if j < 0 {
			if len(f.pending) > maxMarkerLen {
				out.WriteByte('[')
				f.pending = f.pending[1:]
				continue
			}
			break
		}
		if isMarkerOrAction(f.pending[:j+1]) {
			f.pending = f.pending[j+1:]
			continue
		}
		out.WriteByte('[')
		f.pending = f.pending[1:]
	}
	return out.String()
}

// flush returns any withheld text once the stream ends.
func (f *markerFilter) flush() string {
	out := f.pending
	f.pending = ""
	if isMarkerOrAction(out) {
		return ""
	}
	return out
}

// isMarkerOrAction reports whether segment is exactly one well-formed
// tool marker or action tag.
func isMarkerOrAction(segment string) bool {
	if invs, _ := tools.ParseMarkers(segment); len(invs) == 1 {
		return true
	}
	if rest, actions := ParseActions(segment); len(actions) == 1 && rest == "" {
		return true
	}
	return false
}
