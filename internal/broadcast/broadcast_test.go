package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/stiebel-can/internal/canbus"
)

func frame(payload ...byte) canbus.Frame {
	f, err := canbus.NewExtended(0x01FDFF01, payload)
	if err != nil {
		panic(err)
	}
	return f
}

func TestDecode(t *testing.T) {
	d := NewDecoder(0)

	tests := []struct {
		name    string
		frame   canbus.Frame
		ok      bool
		want    float64
		wantErr bool
	}{
		{"positive", frame(0x31, 0x00, 0x0C, 0x00, 0x2A), true, 42, false},
		{"negative", frame(0x31, 0x00, 0x0C, 0xFF, 0xCE), true, -50, false},
		{"not a broadcast", frame(1, 0, 1, 0xFF, 0xFF), false, 0, false},
		{"too short for marker", frame(1, 0), false, 0, false},
		{"marker without value", frame(0x31, 0x00, 0x0C, 0x01), true, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := d.Decode(tt.frame)
			assert.Equal(t, tt.ok, ok)
			if tt.wantErr {
				assert.ErrorIs(t, err, canbus.ErrMalformedFrame)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecoderScale(t *testing.T) {
	d := NewDecoder(0.1)
	got, ok, err := d.Decode(frame(0x31, 0x00, 0x0C, 0x00, 0x7B))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 12.3, got, 1e-9)
}

func TestCell(t *testing.T) {
	var c Cell
	assert.Nil(t, c.Get())

	c.Set(-3.5)
	require.NotNil(t, c.Get())
	assert.Equal(t, -3.5, *c.Get())

	c.Set(2)
	assert.Equal(t, 2.0, *c.Get())
}

func TestCellAttachElectsOneReporter(t *testing.T) {
	var c Cell
	assert.True(t, c.Attach())
	assert.False(t, c.Attach())
	assert.False(t, c.Attach())
}
