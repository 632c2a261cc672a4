package startup

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/stiebel-can/internal/canbus"
	"github.com/thatsimonsguy/stiebel-can/internal/config"
	"github.com/thatsimonsguy/stiebel-can/internal/endpoint"
	"github.com/thatsimonsguy/stiebel-can/internal/simulator"
)

// swapped in tests
var dialSocketCAN = func(ctx context.Context, channel string) (canbus.Bus, error) {
	return canbus.DialSocketCAN(ctx, channel)
}

// ReplyFilter admits the frames the bridge listens to: extended data frames
// carrying a SET acknowledgement, a GET reply or one of the extra broadcast
// identifiers.
func ReplyFilter(extra ...uint32) canbus.FrameFilter {
	ids := append([]uint32{endpoint.SetAckID, endpoint.GetAckID}, extra...)
	return canbus.And(canbus.ExtendedOnly(), canbus.DataOnly(), canbus.ByIDs(ids...))
}

// OpenBus opens the configured interface. For the loopback interface it
// also returns the simulated module answering on it; the caller runs it.
func OpenBus(ctx context.Context, cfg *config.Config) (canbus.Bus, *simulator.Module, error) {
	var (
		raw canbus.Bus
		sim *simulator.Module
	)

	switch cfg.Interface {
	case "socketcan":
		bus, err := dialSocketCAN(ctx, cfg.Channel)
		if err != nil {
			return nil, nil, err
		}
		raw = bus
	case "loopback":
		lb := canbus.NewLoopbackBus()
		raw = lb.Open()
		sim = simulator.New(lb.Open())
	default:
		return nil, nil, fmt.Errorf("unsupported interface %q", cfg.Interface)
	}

	if cfg.LogFrames {
		raw = canbus.NewLoggedBus(raw, log.Logger, zerolog.DebugLevel, canbus.LogAll, nil)
	}

	log.Info().
		Str("interface", cfg.Interface).
		Str("channel", cfg.Channel).
		Int("bitrate", cfg.Bitrate).
		Int("endpoints", len(cfg.Endpoints)).
		Msg("CAN bus opened")

	return canbus.NewFilteredBus(raw, ReplyFilter(cfg.BroadcastIDs...)), sim, nil
}
