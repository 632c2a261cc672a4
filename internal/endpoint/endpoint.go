// Package endpoint models one addressable relay/sensor unit on the bus.
//
// A GET reply carries no endpoint identification, so a reply is claimed by
// whichever endpoint is armed. Arming only happens while holding the shared
// request gate, which keeps at most one endpoint armed per bus.
package endpoint

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/stiebel-can/internal/broadcast"
	"github.com/thatsimonsguy/stiebel-can/internal/canbus"
	"github.com/thatsimonsguy/stiebel-can/internal/gate"
)

type Descriptor struct {
	Name   string `json:"name"`
	Module uint8  `json:"module"`
	Relay  uint8  `json:"relay"`
}

// State is the last decoded value of an endpoint.
type State struct {
	On                 bool      `json:"on"`
	OutsideTemperature *float64  `json:"outside_temperature"`
	FilterAlarm        *bool     `json:"filter_alarm"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Source names the frame kind that produced an update.
type Source string

const (
	SourceGetReply  Source = "get_reply"
	SourceSetAck    Source = "set_ack"
	SourceBroadcast Source = "broadcast"
)

type Update struct {
	Endpoint Descriptor
	Source   Source
	State    State
}

type Options struct {
	SettleDelay  time.Duration
	ReplyTimeout time.Duration
	SendTimeout  time.Duration
	Decoder      broadcast.Decoder

	// OnUpdate is called from the dispatch goroutine after each state
	// change. It must not block.
	OnUpdate func(Update)
}

func DefaultOptions() Options {
	return Options{
		SettleDelay:  10 * time.Millisecond,
		ReplyTimeout: 500 * time.Millisecond,
		SendTimeout:  100 * time.Millisecond,
		Decoder:      broadcast.NewDecoder(1),
	}
}

type Endpoint struct {
	desc  Descriptor
	bus   canbus.Bus
	gate  *gate.Gate
	temp  *broadcast.Cell
	opts  Options
	setID uint32
	log   zerolog.Logger

	awaiting atomic.Bool
	signal   chan struct{}

	// reportsBroadcast is set on the first endpoint attached to temp.
	reportsBroadcast bool

	mu    sync.RWMutex
	state State
}

// New builds an endpoint. g must be shared by every endpoint on bus; temp is
// shared by endpoints of the same module and may be nil.
func New(desc Descriptor, bus canbus.Bus, g *gate.Gate, temp *broadcast.Cell, opts Options) *Endpoint {
	if temp == nil {
		temp = &broadcast.Cell{}
	}
	return &Endpoint{
		desc:             desc,
		bus:              bus,
		gate:             g,
		temp:             temp,
		opts:             opts,
		setID:            SetID(desc.Module),
		signal:           make(chan struct{}, 1),
		reportsBroadcast: temp.Attach(),
		log: log.With().
			Str("endpoint", desc.Name).
			Uint8("module", desc.Module).
			Uint8("relay", desc.Relay).
			Logger(),
	}
}

func (e *Endpoint) Descriptor() Descriptor { return e.desc }
func (e *Endpoint) Name() string           { return e.desc.Name }

// Awaiting reports whether a GET is in flight for this endpoint.
func (e *Endpoint) Awaiting() bool { return e.awaiting.Load() }

// State returns a copy of the last decoded state.
func (e *Endpoint) State() State {
	e.mu.RLock()
	st := e.state
	e.mu.RUnlock()
	st.OutsideTemperature = e.temp.Get()
	return st
}

// Refresh polls the endpoint's relay state. It holds the request gate for
// the whole round trip and returns ErrGateTimeout if no reply arrives in
// time, leaving the state unchanged.
func (e *Endpoint) Refresh(ctx context.Context) (State, error) {
	lease, err := e.gate.Acquire(ctx)
	if err != nil {
		return e.State(), err
	}
	defer lease.Release()

	return e.exchange(ctx)
}

func (e *Endpoint) exchange(ctx context.Context) (State, error) {
	// A reply that raced a previous timeout may have left a token behind.
	select {
	case <-e.signal:
	default:
	}

	e.awaiting.Store(true)
	defer func() {
		time.Sleep(e.opts.SettleDelay)
		e.awaiting.Store(false)
	}()

	if err := sleep(ctx, e.opts.SettleDelay); err != nil {
		return e.State(), err
	}

	if err := e.send(ctx, StatusRequestID, StatusPayload(e.desc.Module, e.desc.Relay)); err != nil {
		return e.State(), err
	}

	timer := time.NewTimer(e.opts.ReplyTimeout)
	defer timer.Stop()

	select {
	case <-e.signal:
		return e.State(), nil
	case <-timer.C:
		e.log.Debug().Dur("timeout", e.opts.ReplyTimeout).Msg("No reply to status request")
		return e.State(), fmt.Errorf("%s: %w (%s)", e.desc.Name, ErrGateTimeout, e.opts.ReplyTimeout)
	case <-ctx.Done():
		return e.State(), ctx.Err()
	}
}

func (e *Endpoint) TurnOn(ctx context.Context) error  { return e.Set(ctx, true) }
func (e *Endpoint) TurnOff(ctx context.Context) error { return e.Set(ctx, false) }

// Set commands the relay. It does not wait for the acknowledgement; the ack
// updates the state when the dispatcher sees it.
func (e *Endpoint) Set(ctx context.Context, on bool) error {
	e.log.Debug().Bool("on", on).Msg("Sending relay command")
	return e.send(ctx, e.setID, SetPayload(e.desc.Module, e.desc.Relay, on))
}

func (e *Endpoint) send(ctx context.Context, id uint32, payload []byte) error {
	frame, err := canbus.NewExtended(id, payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailure, err)
	}
	sendCtx, cancel := context.WithTimeout(ctx, e.opts.SendTimeout)
	defer cancel()

	if err := e.bus.Send(sendCtx, frame); err != nil {
		e.log.Warn().Err(err).Str("frame", frame.String()).Msg("Failed to send frame")
		return fmt.Errorf("%w: %s: %w", ErrSendFailure, frame, err)
	}
	return nil
}

// HandleFrame applies every matching rule to f. It returns an error wrapping
// canbus.ErrMalformedFrame when a matching rule could not decode the payload;
// remaining rules are still applied. A broadcast updates the shared cell from
// every endpoint of the module but is reported by one of them only.
func (e *Endpoint) HandleFrame(f canbus.Frame) error {
	var malformed error
	now := time.Now()

	if v, ok, err := e.opts.Decoder.Decode(f); ok {
		if err != nil {
			malformed = err
		} else {
			e.temp.Set(v)
			if e.reportsBroadcast {
				e.notify(SourceBroadcast, e.State())
			}
		}
	}

	switch f.ID {
	case SetAckID:
		val, err := f.Byte(2)
		if err != nil {
			return firstErr(malformed, fmt.Errorf("set ack: %w", err))
		}
		if f.Data[0] != e.desc.Module || f.Data[1] != e.desc.Relay {
			return malformed
		}
		st := e.apply(val == 1, now)
		e.notify(SourceSetAck, st)

	case GetAckID:
		if !e.awaiting.Load() {
			return malformed
		}
		on, err := f.Byte(0)
		if err != nil {
			return firstErr(malformed, fmt.Errorf("get reply: %w", err))
		}
		st := e.apply(on == 1, now)
		// State is written before the waiter is woken.
		select {
		case e.signal <- struct{}{}:
		default:
		}
		e.notify(SourceGetReply, st)
	}
	return malformed
}

func (e *Endpoint) apply(on bool, now time.Time) State {
	e.mu.Lock()
	e.state.On = on
	e.state.UpdatedAt = now
	st := e.state
	e.mu.Unlock()
	st.OutsideTemperature = e.temp.Get()
	return st
}

func (e *Endpoint) notify(src Source, st State) {
	if e.opts.OnUpdate != nil {
		e.opts.OnUpdate(Update{Endpoint: e.desc, Source: src, State: st})
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
