// Package canbus is the bus channel seam: frame type, the Bus interface,
// composable receive filters, an in-memory loopback bus and a SocketCAN
// transport. Bus bring-up (bitrate, link state) is left to the OS.
package canbus

import (
	"context"
	"errors"
)

// Bus sends and receives frames. Implementations must be safe for concurrent
// use by multiple goroutines.
type Bus interface {
	// Send transmits a frame. Context cancellation aborts the operation.
	Send(ctx context.Context, frame Frame) error

	// Receive blocks until the next frame is available or ctx is done.
	Receive(ctx context.Context) (Frame, error)

	Close() error
}

// ErrClosed indicates the bus or endpoint has been closed.
var ErrClosed = errors.New("canbus: closed")

// FilteredBus drops received frames that do not match the filter.
type FilteredBus struct {
	Bus
	filter FrameFilter
}

func NewFilteredBus(inner Bus, filter FrameFilter) *FilteredBus {
	return &FilteredBus{Bus: inner, filter: filter}
}

func (b *FilteredBus) Receive(ctx context.Context) (Frame, error) {
	for {
		f, err := b.Bus.Receive(ctx)
		if err != nil {
			return f, err
		}
		if b.filter == nil || b.filter(f) {
			return f, nil
		}
	}
}
