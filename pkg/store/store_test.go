package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mnemos-ai/mnemos/pkg/models"
)

func strPtr(s string) *string { return &s }

func TestSerializeVector(t *testing.T) {
	assert.Equal(t, "[1,2.5,-0.25]", serializeVector([]float32{1, 2.5, -0.25}))
	assert.Equal(t, "[]", serializeVector(nil))
}

func TestParseVector(t *testing.T) {
	tests := []struct {
		in   string
		want []float32
	}{
		{"[1,2.5,-0.25]", []float32{1, 2.5, -0.25}},
		{" [0.5, 0.5] ", []float32{0.5, 0.5}},
		{"[]", nil},
		{"", nil},
		{"not a vector", nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseVector(tt.in), "input %q", tt.in)
	}
}

func TestVectorRoundTrip(t *testing.T) {
	in := []float32{0.123, -4.5, 0, 1}
	assert.Equal(t, in, parseVector(serializeVector(in)))
}

func TestScopePredicate(t *testing.T) {
	tests := []struct {
		name     string
		scope    models.Scope
		want     string
		wantArgs []any
	}{
		{
			name:     "user only",
			scope:    models.Scope{UserID: strPtr("u1")},
			want:     "(user_id = $1)",
			wantArgs: []any{"u1"},
		},
		{
			name:     "tenant only",
			scope:    models.Scope{TenantID: strPtr("t1")},
			want:     "(tenant_id = $1)",
			wantArgs: []any{"t1"},
		},
		{
			name:     "user and tenant",
			scope:    models.Scope{UserID: strPtr("u1"), TenantID: strPtr("t1")},
			want:     "(user_id = $1 OR tenant_id = $2)",
			wantArgs: []any{"u1", "t1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var args []any
			got := scopePredicate(tt.scope, &args)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestScopePredicateOffsetsArgs(t *testing.T) {
	args := []any{"existing"}
	got := scopePredicate(models.Scope{UserID: strPtr("u1")}, &args)
	assert.Equal(t, "(user_id = $2)", got)
	assert.Len(t, args, 2)
}

func TestTimeframeIsZero(t *testing.T) {
	assert.True(t, Timeframe{}.IsZero())
	assert.False(t, Timeframe{From: time.Now()}.IsZero())
	assert.False(t, Timeframe{To: time.Now()}.IsZero())
}
