package datadog

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/thatsimonsguy/stiebel-can/internal/endpoint"
)

type sample struct {
	name  string
	value float64
	tags  []string
}

func TestSinkRecord(t *testing.T) {
	var got []sample
	orig := gauge
	gauge = func(name string, value float64, tags ...string) {
		got = append(got, sample{name, value, tags})
	}
	defer func() { gauge = orig }()

	dhw := endpoint.Descriptor{Name: "dhw", Module: 2, Relay: 0}
	temp := 4.5

	var s Sink
	s.Record(endpoint.Update{Endpoint: dhw, Source: endpoint.SourceGetReply, State: endpoint.State{On: true}})
	s.Record(endpoint.Update{Endpoint: dhw, Source: endpoint.SourceSetAck})
	s.Record(endpoint.Update{Endpoint: dhw, Source: endpoint.SourceBroadcast, State: endpoint.State{On: true, OutsideTemperature: &temp}})
	s.Record(endpoint.Update{Endpoint: dhw, Source: endpoint.SourceBroadcast})

	assert.Equal(t, []sample{
		{"relay.on", 1, []string{"endpoint:dhw"}},
		{"relay.on", 0, []string{"endpoint:dhw"}},
		{"outside_temperature", 4.5, []string{"module:2"}},
	}, got)
}

func TestHelpersWithoutClient(t *testing.T) {
	Close()
	assert.NotPanics(t, func() {
		Gauge("relay.on", 1)
		Incr("refresh.success")
		Timing("refresh.duration", 0)
	})
}
