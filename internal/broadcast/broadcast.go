// Package broadcast decodes unsolicited environment broadcasts, such as the
// outside temperature, which are not replies to any request.
package broadcast

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/thatsimonsguy/stiebel-can/internal/canbus"
)

// OutsideTemperatureMarker in payload byte 2 marks an outside temperature frame.
const OutsideTemperatureMarker = 0x0C

// Decoder converts raw register values to physical values.
type Decoder struct {
	// Scale is applied to the raw value. The bus documentation we have does
	// not confirm a 0.1 factor, so the default is 1.
	Scale float64
}

func NewDecoder(scale float64) Decoder {
	if scale == 0 {
		scale = 1
	}
	return Decoder{Scale: scale}
}

// IsOutsideTemperature reports whether the frame carries the outside
// temperature marker. Frames too short to carry a marker are not broadcasts.
func IsOutsideTemperature(f canbus.Frame) bool {
	return f.Len >= 3 && f.Data[2] == OutsideTemperatureMarker
}

// Raw extracts the signed 16-bit big-endian value in payload bytes 3-4.
func Raw(f canbus.Frame) (int16, error) {
	if !IsOutsideTemperature(f) {
		return 0, fmt.Errorf("frame %s is not an outside temperature broadcast", f)
	}
	if f.Len < 5 {
		return 0, fmt.Errorf("%w: outside temperature needs 5 bytes, got %d", canbus.ErrMalformedFrame, f.Len)
	}
	return int16(binary.BigEndian.Uint16(f.Data[3:5])), nil
}

// Temperature converts a raw value to degrees Celsius.
func (d Decoder) Temperature(raw int16) float64 {
	scale := d.Scale
	if scale == 0 {
		scale = 1
	}
	return float64(raw) * scale
}

// Decode returns the outside temperature carried by f. ok is false when f is
// not an outside temperature broadcast.
func (d Decoder) Decode(f canbus.Frame) (value float64, ok bool, err error) {
	if !IsOutsideTemperature(f) {
		return 0, false, nil
	}
	raw, err := Raw(f)
	if err != nil {
		return 0, true, err
	}
	return d.Temperature(raw), true, nil
}

// Cell holds the last broadcast value for one module. All endpoints of a
// module share the same cell; only the first one attached reports changes,
// so one broadcast frame yields one update per module.
type Cell struct {
	mu       sync.RWMutex
	value    float64
	valid    bool
	attached int
}

// Attach registers a reader of the cell and reports whether it is the first.
func (c *Cell) Attach() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attached++
	return c.attached == 1
}

func (c *Cell) Set(v float64) {
	c.mu.Lock()
	c.value = v
	c.valid = true
	c.mu.Unlock()
}

// Get returns nil until a broadcast has been seen.
func (c *Cell) Get() *float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.valid {
		return nil
	}
	v := c.value
	return &v
}
