package mqttbridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/stiebel-can/internal/config"
	"github.com/thatsimonsguy/stiebel-can/internal/endpoint"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type message struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m message) Topic() string   { return m.topic }
func (m message) Payload() []byte { return m.payload }

type retained struct {
	topic   string
	payload string
}

type fakeClient struct {
	mqtt.Client

	mu         sync.Mutex
	published  []retained
	subscribed []string
	handler    mqtt.MessageHandler
	failWith   error
}

func (c *fakeClient) IsConnected() bool { return true }
func (c *fakeClient) Disconnect(uint)   {}

func (c *fakeClient) Publish(topic string, qos byte, keep bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return doneToken{c.failWith}
	}
	if keep {
		c.published = append(c.published, retained{topic, payload.(string)})
	}
	return doneToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	c.subscribed = append(c.subscribed, topic)
	c.handler = cb
	c.mu.Unlock()
	return doneToken{}
}

type fakeRelays struct {
	calls map[string]bool
	err   error
}

func (r *fakeRelays) Set(_ context.Context, name string, on bool) error {
	if r.err != nil {
		return r.err
	}
	r.calls[name] = on
	return nil
}

func newTestBridge(t *testing.T) (*Bridge, *fakeClient, *fakeRelays) {
	t.Helper()
	relays := &fakeRelays{calls: map[string]bool{}}
	b := New(config.MQTT{TopicPrefix: "stiebel", ClientID: "test"}, relays)
	client := &fakeClient{}
	b.client = client
	b.setConnected(true)
	return b, client, relays
}

var heatPump = endpoint.Descriptor{Name: "heat_pump", Module: 1, Relay: 0}

func TestRecordPublishesRetainedState(t *testing.T) {
	b, client, _ := newTestBridge(t)
	temp := -2.5

	b.Record(endpoint.Update{Endpoint: heatPump, Source: endpoint.SourceGetReply, State: endpoint.State{On: true}})
	b.Record(endpoint.Update{Endpoint: heatPump, Source: endpoint.SourceSetAck, State: endpoint.State{On: false}})
	b.Record(endpoint.Update{Endpoint: heatPump, Source: endpoint.SourceBroadcast, State: endpoint.State{On: true, OutsideTemperature: &temp}})
	b.Record(endpoint.Update{Endpoint: heatPump, Source: endpoint.SourceBroadcast})

	assert.Equal(t, []retained{
		{"stiebel/heat_pump/state", "ON"},
		{"stiebel/heat_pump/state", "OFF"},
		{"stiebel/1/outside_temperature", "-2.5"},
	}, client.published)

	stats := b.Stats()
	assert.True(t, stats.Connected)
	assert.Equal(t, uint64(2), stats.Published["stiebel/heat_pump/state"])
	assert.Zero(t, stats.Errors)
}

func TestRecordCountsErrors(t *testing.T) {
	b, client, _ := newTestBridge(t)
	client.failWith = errors.New("broker gone")

	b.Record(endpoint.Update{Endpoint: heatPump, Source: endpoint.SourceGetReply})
	assert.Equal(t, uint64(1), b.Stats().Errors)

	b.setConnected(false)
	b.Record(endpoint.Update{Endpoint: heatPump, Source: endpoint.SourceGetReply})
	assert.Equal(t, uint64(2), b.Stats().Errors)
	assert.Empty(t, client.published)
}

func TestCommands(t *testing.T) {
	b, client, relays := newTestBridge(t)
	require.NoError(t, b.subscribe(client))
	assert.Equal(t, []string{"stiebel/+/set"}, client.subscribed)

	tests := []struct {
		topic   string
		payload string
		want    map[string]bool
	}{
		{"stiebel/heat_pump/set", "ON", map[string]bool{"heat_pump": true}},
		{"stiebel/ventilation/set", " off\n", map[string]bool{"heat_pump": true, "ventilation": false}},
		{"stiebel/dhw/set", "toggle", map[string]bool{"heat_pump": true, "ventilation": false}},
		{"stiebel/a/b/set", "ON", map[string]bool{"heat_pump": true, "ventilation": false}},
		{"stiebel/dhw/state", "ON", map[string]bool{"heat_pump": true, "ventilation": false}},
	}
	for _, tt := range tests {
		client.handler(client, message{topic: tt.topic, payload: []byte(tt.payload)})
		assert.Equal(t, tt.want, relays.calls, tt.topic)
	}

	stats := b.Stats()
	assert.Equal(t, uint64(2), stats.Commands)
	assert.Equal(t, uint64(3), stats.Errors)

	relays.err = errors.New("send failure")
	client.handler(client, message{topic: "stiebel/dhw/set", payload: []byte("ON")})
	assert.Equal(t, uint64(4), b.Stats().Errors)
}

func TestDisconnect(t *testing.T) {
	b, _, _ := newTestBridge(t)
	b.Disconnect()
	assert.False(t, b.Stats().Connected)
}
