package shutdown

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
)

// Stopper is anything that must be stopped on the way out, such as the
// controller (polls, then dispatch, then the bus).
type Stopper interface {
	Stop() error
}

// swapped in tests
var exit = os.Exit

// Context returns a context that is cancelled on SIGINT or SIGTERM.
func Context(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Shutdown stops each stopper in order and reports whether all of them
// stopped cleanly.
func Shutdown(stoppers ...Stopper) bool {
	clean := true
	for _, s := range stoppers {
		if err := s.Stop(); err != nil {
			log.Error().Err(err).Msg("Error during shutdown")
			clean = false
		}
	}
	log.Info().Bool("clean", clean).Msg("Shutdown complete")
	return clean
}

func ShutdownWithError(err error, msg string, stoppers ...Stopper) {
	log.Error().Err(err).Msg(msg)
	Shutdown(stoppers...)
	exit(1)
}
