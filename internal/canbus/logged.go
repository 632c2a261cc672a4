package canbus

import (
	"context"

	"github.com/rs/zerolog"
)

// LogOption selects which operations a logged bus records.
type LogOption uint8

const (
	LogNone  LogOption = 0
	LogRead  LogOption = 1 << 0
	LogWrite LogOption = 1 << 1
	LogAll             = LogRead | LogWrite
)

// NewLoggedBus wraps inner and logs the selected operations at level. Only
// frames matching filter are logged; a nil filter logs everything.
func NewLoggedBus(inner Bus, logger zerolog.Logger, level zerolog.Level, opts LogOption, filter FrameFilter) Bus {
	return &loggedBus{
		inner:  inner,
		logger: logger,
		level:  level,
		opts:   opts,
		filter: filter,
	}
}

type loggedBus struct {
	inner  Bus
	logger zerolog.Logger
	level  zerolog.Level
	opts   LogOption
	filter FrameFilter
}

func (l *loggedBus) Send(ctx context.Context, frame Frame) error {
	if l.opts&LogWrite != 0 && (l.filter == nil || l.filter(frame)) {
		l.logger.WithLevel(l.level).
			Str("frame", frame.String()).
			Uint32("id", frame.ID).
			Uint8("len", frame.Len).
			Msg("canbus send")
	}
	err := l.inner.Send(ctx, frame)
	if l.opts&LogWrite != 0 && err != nil {
		l.logger.Error().Err(err).Uint32("id", frame.ID).Msg("canbus send error")
	}
	return err
}

func (l *loggedBus) Receive(ctx context.Context) (Frame, error) {
	f, err := l.inner.Receive(ctx)
	if l.opts&LogRead == 0 {
		return f, err
	}
	if err != nil {
		if ctx.Err() == nil {
			l.logger.Error().Err(err).Msg("canbus receive error")
		}
		return f, err
	}
	if l.filter == nil || l.filter(f) {
		l.logger.WithLevel(l.level).
			Str("frame", f.String()).
			Uint32("id", f.ID).
			Uint8("len", f.Len).
			Msg("canbus receive")
	}
	return f, nil
}

func (l *loggedBus) Close() error {
	return l.inner.Close()
}
