// Package dispatcher runs the single receive loop of a bus and hands every
// inbound frame to every registered handler. Handlers filter for themselves.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/stiebel-can/internal/canbus"
)

type Handler interface {
	HandleFrame(canbus.Frame) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(canbus.Frame) error

func (f HandlerFunc) HandleFrame(frame canbus.Frame) error { return f(frame) }

type Stats struct {
	Received  uint64
	Malformed uint64
	Panics    uint64
}

type Dispatcher struct {
	bus canbus.Bus

	mu       sync.RWMutex
	handlers []Handler

	// OnMalformed is called once per frame that at least one handler could
	// not decode.
	OnMalformed func(canbus.Frame, error)

	received  atomic.Uint64
	malformed atomic.Uint64
	panics    atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func New(bus canbus.Bus) *Dispatcher {
	return &Dispatcher{bus: bus}
}

func (d *Dispatcher) Register(h Handler) {
	d.mu.Lock()
	d.handlers = append(d.handlers, h)
	d.mu.Unlock()
}

// Dispatch fans f out to every handler. A malformed frame or a panicking
// handler never stops delivery to the remaining handlers.
func (d *Dispatcher) Dispatch(f canbus.Frame) {
	d.received.Add(1)

	d.mu.RLock()
	handlers := d.handlers
	d.mu.RUnlock()

	var malformed error
	for _, h := range handlers {
		if err := d.deliver(h, f); err != nil && malformed == nil {
			malformed = err
		}
	}

	if malformed != nil {
		d.malformed.Add(1)
		log.Warn().Err(malformed).Str("frame", f.String()).Msg("Dropped malformed frame")
		if d.OnMalformed != nil {
			d.OnMalformed(f, malformed)
		}
	}
}

func (d *Dispatcher) deliver(h Handler, f canbus.Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			log.Error().Interface("panic", r).Str("frame", f.String()).Msg("Frame handler panicked")
			err = nil
		}
	}()
	return h.HandleFrame(f)
}

// Run receives frames until ctx is done or the bus fails. It returns nil when
// stopped through ctx.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		f, err := d.bus.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, canbus.ErrClosed) {
				return err
			}
			return fmt.Errorf("receive frame: %w", err)
		}
		d.Dispatch(f)
	}
}

// Start runs the receive loop in the background.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	go func() {
		defer close(d.done)
		log.Info().Msg("Starting frame dispatcher")
		if err := d.Run(ctx); err != nil {
			d.err = err
			log.Error().Err(err).Msg("Frame dispatcher stopped")
		}
	}()
}

// Stop ends the receive loop and waits for it to exit. The bus can be closed
// once Stop returns.
func (d *Dispatcher) Stop() error {
	if d.cancel == nil {
		return nil
	}
	d.cancel()
	<-d.done
	log.Info().Msg("Frame dispatcher stopped")
	return d.err
}

// Done is closed when the receive loop exits.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Received:  d.received.Load(),
		Malformed: d.malformed.Load(),
		Panics:    d.panics.Load(),
	}
}
