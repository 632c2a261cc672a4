package canbus

import (
	"errors"
	"fmt"
	"strings"
)

// Frame is a classical CAN 2.0A/2.0B data frame.
type Frame struct {
	ID       uint32 // 11-bit (std) or 29-bit (ext)
	Extended bool
	RTR      bool
	Len      uint8 // 0..8
	Data     [8]byte
}

const (
	maxStdID = 0x7FF
	maxExtID = 0x1FFFFFFF
)

var (
	ErrInvalidID      = errors.New("canbus: invalid identifier")
	ErrInvalidLen     = errors.New("canbus: invalid data length")
	ErrMalformedFrame = errors.New("canbus: malformed frame")
)

// NewExtended builds an extended-identifier frame from a payload of at most 8 bytes.
func NewExtended(id uint32, payload []byte) (Frame, error) {
	if len(payload) > 8 {
		return Frame{}, ErrInvalidLen
	}
	f := Frame{ID: id, Extended: true, Len: uint8(len(payload))}
	copy(f.Data[:], payload)
	return f, f.Validate()
}

// Validate returns an error if the frame is not valid.
func (f Frame) Validate() error {
	if f.Len > 8 {
		return ErrInvalidLen
	}
	if f.Extended {
		if f.ID > maxExtID {
			return ErrInvalidID
		}
	} else if f.ID > maxStdID {
		return ErrInvalidID
	}
	return nil
}

// Payload returns the valid data bytes of the frame.
func (f Frame) Payload() []byte {
	n := f.Len
	if n > 8 {
		n = 8
	}
	return f.Data[:n]
}

// Byte returns payload byte i, or ErrMalformedFrame when the payload is too short.
func (f Frame) Byte(i int) (byte, error) {
	if i < 0 || i >= int(f.Len) || i >= 8 {
		return 0, fmt.Errorf("%w: id=%08X len=%d, need byte %d", ErrMalformedFrame, f.ID, f.Len, i)
	}
	return f.Data[i], nil
}

// String renders the frame in candump style, e.g. "01FDFF01#0100".
func (f Frame) String() string {
	var b strings.Builder
	if f.Extended {
		fmt.Fprintf(&b, "%08X#", f.ID)
	} else {
		fmt.Fprintf(&b, "%03X#", f.ID)
	}
	if f.RTR {
		b.WriteString("R")
		return b.String()
	}
	for _, c := range f.Payload() {
		fmt.Fprintf(&b, "%02X", c)
	}
	return b.String()
}
