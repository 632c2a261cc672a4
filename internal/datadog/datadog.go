package datadog

import (
	"fmt"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/stiebel-can/internal/endpoint"
	"github.com/thatsimonsguy/stiebel-can/internal/env"
)

var dogstatsd *statsd.Client

func InitMetrics() {
	if !env.Cfg.EnableDatadog {
		log.Info().Msg("Datadog metrics disabled")
		return
	}

	var err error
	dogstatsd, err = statsd.New(env.Cfg.DDAgentAddr)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create DogStatsD client")
		return
	}

	dogstatsd.Namespace = env.Cfg.DDNamespace
	dogstatsd.Tags = env.Cfg.DDTags

	log.Info().
		Str("addr", env.Cfg.DDAgentAddr).
		Str("namespace", env.Cfg.DDNamespace).
		Strs("tags", env.Cfg.DDTags).
		Msg("Datadog metrics initialized")
}

func Gauge(name string, value float64, tags ...string) {
	if dogstatsd != nil {
		if err := dogstatsd.Gauge(name, value, tags, 1); err != nil {
			log.Warn().Err(err).Str("metric", name).Msg("Failed to emit gauge metric")
		}
	}
}

func Incr(name string, tags ...string) {
	if dogstatsd != nil {
		if err := dogstatsd.Incr(name, tags, 1); err != nil {
			log.Warn().Err(err).Str("metric", name).Msg("Failed to emit count metric")
		}
	}
}

func Timing(name string, value time.Duration, tags ...string) {
	if dogstatsd != nil {
		if err := dogstatsd.Timing(name, value, tags, 1); err != nil {
			log.Warn().Err(err).Str("metric", name).Msg("Failed to emit timing metric")
		}
	}
}

func Close() {
	if dogstatsd != nil {
		dogstatsd.Close()
		dogstatsd = nil
	}
}

// Sink turns endpoint updates into gauges.
type Sink struct{}

// swapped in tests
var gauge = Gauge

func (Sink) Record(u endpoint.Update) {
	if u.Source == endpoint.SourceBroadcast {
		if u.State.OutsideTemperature != nil {
			gauge("outside_temperature", *u.State.OutsideTemperature, fmt.Sprintf("module:%d", u.Endpoint.Module))
		}
		return
	}
	on := 0.0
	if u.State.On {
		on = 1
	}
	gauge("relay.on", on, "endpoint:"+u.Endpoint.Name)
}
