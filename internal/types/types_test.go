package types

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRational(t *testing.T) {
	tests := []struct {
		in      string
		want    Rational
		wantErr bool
	}{
		{in: "30000/1001", want: Rational{Num: 30000, Den: 1001}},
		{in: "25", want: Rational{Num: 25, Den: 1}},
		{in: " 24/1 ", want: Rational{Num: 24, Den: 1}},
		{in: "0/0", wantErr: true},
		{in: "N/A", wantErr: true},
		{in: "30/x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRational(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRationalString(t *testing.T) {
	assert.Equal(t, "25", Rational{Num: 25, Den: 1}.String())
	assert.Equal(t, "30000/1001", Rational{Num: 30000, Den: 1001}.String())
	assert.InDelta(t, 29.97, Rational{Num: 30000, Den: 1001}.Float(), 0.01)
}

func TestGeometry(t *testing.T) {
	g := Geometry{Width: 4, Height: 2, FrameRate: Rational{Num: 30, Den: 1}}
	assert.True(t, g.Valid())
	assert.Equal(t, 32, g.FrameSize())
	assert.Equal(t, "4x2@30", g.String())

	assert.False(t, Geometry{Width: 4, Height: 0, FrameRate: Rational{Num: 30, Den: 1}}.Valid())
	assert.False(t, Geometry{Width: 4, Height: 2}.Valid())
}

func TestLargest(t *testing.T) {
	_, ok := Largest(nil)
	assert.False(t, ok)

	small := Face{Box: image.Rect(0, 0, 10, 10)}
	big := Face{Box: image.Rect(5, 5, 50, 60)}
	best, ok := Largest([]Face{small, big, small})
	require.True(t, ok)
	assert.Equal(t, big.Box, best.Box)

	// Equal areas fall back to detection confidence
	sure := Face{Box: image.Rect(0, 0, 10, 10), Score: 0.9}
	best, _ = Largest([]Face{small, sure})
	assert.Equal(t, sure.Score, best.Score)
}
