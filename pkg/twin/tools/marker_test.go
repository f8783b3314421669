package tools

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMarkersAllKinds(t *testing.T) {
	text := `Let me check. [GREP term="docker deploy"] and also ` +
		`[SQUIRREL timeframe="-60min" back=5 search="error"] plus ` +
		`[VECTOR query="deployment pipeline"] and ` +
		`[EPISODIC query="incident review" timeframe="7d"].`

	invs, invalid := ParseMarkers(text)
	require.Empty(t, invalid)
	require.Len(t, invs, 4)

	assert.Equal(t, KindGrep, invs[0].Kind)
	assert.Equal(t, "docker deploy", invs[0].Grep.Term)

	assert.Equal(t, KindSquirrel, invs[1].Kind)
	assert.Equal(t, "-60min", invs[1].Squirrel.Timeframe)
	assert.Equal(t, 5, invs[1].Squirrel.Back)
	assert.Equal(t, "error", invs[1].Squirrel.Search)

	assert.Equal(t, KindVector, invs[2].Kind)
	assert.Equal(t, "deployment pipeline", invs[2].Vector.Query)

	assert.Equal(t, KindEpisodic, invs[3].Kind)
	assert.Equal(t, "incident review", invs[3].Episodic.Query)
	assert.Equal(t, "7d", invs[3].Episodic.Timeframe)
}

func TestParseMarkersFixedOrder(t *testing.T) {
	// Declared out of order in the text; parsed output follows kind order.
	text := `[EPISODIC query="b"] [GREP term="a"]`
	invs, invalid := ParseMarkers(text)
	require.Empty(t, invalid)
	require.Len(t, invs, 2)
	assert.Equal(t, KindGrep, invs[0].Kind)
	assert.Equal(t, KindEpisodic, invs[1].Kind)
}

func TestParseMarkersFirstOccurrenceWins(t *testing.T) {
	text := `[GREP term="first"] then [GREP term="second"]`
	invs, invalid := ParseMarkers(text)
	require.Empty(t, invalid)
	require.Len(t, invs, 1)
	assert.Equal(t, "first", invs[0].Grep.Term)
}

func TestParseMarkersUnknownKeyIsInvalid(t *testing.T) {
	invs, invalid := ParseMarkers(`[GREP term="x" limit=5]`)
	assert.Empty(t, invs)
	require.Len(t, invalid, 1)
	assert.Contains(t, invalid[0].Error(), "unknown argument")
}

func TestParseMarkersMalformed(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"missing required arg", `[GREP]`},
		{"unterminated quote", `[VECTOR query="oops]`},
		{"bad back value", `[SQUIRREL timeframe="-1h" back=soon]`},
		{"duplicate key", `[GREP term="a" term="b"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			invs, invalid := ParseMarkers(tt.text)
			assert.Empty(t, invs)
			assert.NotEmpty(t, invalid)
		})
	}
}

func TestParseMarkersIgnoresPlainBrackets(t *testing.T) {
	invs, invalid := ParseMarkers(`arrays use [0] indexing, and [NOTE] is not a tool; [GREPPY term="x"] neither`)
	assert.Empty(t, invs)
	assert.Empty(t, invalid)
}

func TestParseMarkersIgnoresActionTags(t *testing.T) {
	invs, invalid := ParseMarkers(`done. [REMEMBER user prefers dark mode]`)
	assert.Empty(t, invs)
	assert.Empty(t, invalid)
}

func TestStripMarkers(t *testing.T) {
	text := `Before [GREP term="x"] after [VECTOR query="y"] end`
	assert.Equal(t, "Before  after  end", StripMarkers(text))

	// Malformed markers stay put.
	assert.Equal(t, `half [GREP term="x marker`, StripMarkers(`half [GREP term="x marker`))
	assert.Equal(t, "no markers", StripMarkers("no markers"))
}

func TestParseTimeframeRelative(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		in   string
		want time.Duration
	}{
		{"-60min", 60 * time.Minute},
		{"-2h", 2 * time.Hour},
		{"7d", 7 * 24 * time.Hour},
		{"-30m", 30 * time.Minute},
		{"1w", 7 * 24 * time.Hour},
	}
	for _, tt := range tests {
		tf, err := ParseTimeframe(tt.in, now)
		require.NoError(t, err, tt.in)
		assert.Equal(t, now.Add(-tt.want), tf.From, tt.in)
		assert.Equal(t, now, tf.To, tt.in)
	}
}

func TestParseTimeframeAbsolute(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	tf, err := ParseTimeframe("2026-08-20T00:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC), tf.From)
	assert.Equal(t, now, tf.To)
}

func TestParseTimeframeInvalid(t *testing.T) {
	for _, in := range []string{"soon", "-0h", "5fortnights", "-"} {
		_, err := ParseTimeframe(in, time.Now())
		assert.Error(t, err, in)
	}
}

func TestParseTimeframeEmptyIsUnbounded(t *testing.T) {
	tf, err := ParseTimeframe("", time.Now())
	require.NoError(t, err)
	assert.True(t, tf.IsZero())
}
