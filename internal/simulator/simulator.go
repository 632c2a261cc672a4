// Package simulator emulates a relay module on a bus: it answers status
// requests and relay commands and can emit outside temperature broadcasts.
// It backs the loopback interface and the protocol tests.
package simulator

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/stiebel-can/internal/broadcast"
	"github.com/thatsimonsguy/stiebel-can/internal/canbus"
	"github.com/thatsimonsguy/stiebel-can/internal/endpoint"
)

type Address struct {
	Module uint8
	Relay  uint8
}

type Module struct {
	bus canbus.Bus

	// BroadcastID is the identifier used for outside temperature frames.
	// Broadcasts reach the bridge through the SET reply filter.
	BroadcastID uint32

	// Inspect, when set, sees every status request before it is answered.
	Inspect func(canbus.Frame)

	mu     sync.Mutex
	relays map[Address]bool
	silent bool
}

func New(bus canbus.Bus) *Module {
	return &Module{
		bus:         bus,
		BroadcastID: endpoint.SetAckID,
		relays:      map[Address]bool{},
	}
}

func (m *Module) SetRelay(module, relay uint8, on bool) {
	m.mu.Lock()
	m.relays[Address{module, relay}] = on
	m.mu.Unlock()
}

func (m *Module) Relay(module, relay uint8) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.relays[Address{module, relay}]
}

// SetSilent stops the module from answering status requests.
func (m *Module) SetSilent(silent bool) {
	m.mu.Lock()
	m.silent = silent
	m.mu.Unlock()
}

// BroadcastOutsideTemperature emits an unsolicited outside temperature frame.
func (m *Module) BroadcastOutsideTemperature(ctx context.Context, raw int16) error {
	payload := []byte{0x31, 0x00, broadcast.OutsideTemperatureMarker, byte(uint16(raw) >> 8), byte(uint16(raw))}
	f, err := canbus.NewExtended(m.BroadcastID, payload)
	if err != nil {
		return err
	}
	return m.bus.Send(ctx, f)
}

// Run answers frames until ctx is done or the bus closes.
func (m *Module) Run(ctx context.Context) {
	for {
		f, err := m.bus.Receive(ctx)
		if err != nil {
			return
		}
		if err := m.handle(ctx, f); err != nil && ctx.Err() == nil {
			log.Debug().Err(err).Str("frame", f.String()).Msg("Simulator failed to answer")
		}
	}
}

func (m *Module) handle(ctx context.Context, f canbus.Frame) error {
	switch {
	case f.ID == endpoint.StatusRequestID && f.Len >= 2:
		if m.Inspect != nil {
			m.Inspect(f)
		}
		m.mu.Lock()
		on, silent := m.relays[Address{f.Data[0], f.Data[1]}], m.silent
		m.mu.Unlock()
		if silent {
			return nil
		}
		reply, err := canbus.NewExtended(endpoint.GetAckID, []byte{boolByte(on), 0, 0, 0, 0, 0, 0, 0})
		if err != nil {
			return err
		}
		return m.bus.Send(ctx, reply)

	case f.ID == endpoint.SetID(f.Data[0]) && f.Len >= 3:
		m.SetRelay(f.Data[0], f.Data[1], f.Data[2] == 1)
		ack, err := canbus.NewExtended(endpoint.SetAckID, []byte{f.Data[0], f.Data[1], f.Data[2]})
		if err != nil {
			return err
		}
		return m.bus.Send(ctx, ack)
	}
	return nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
