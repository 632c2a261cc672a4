// Package mqttbridge mirrors endpoint state to an MQTT broker and accepts
// relay commands from it.
package mqttbridge

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/stiebel-can/internal/config"
	"github.com/thatsimonsguy/stiebel-can/internal/endpoint"
)

// Relays is the command side of the controller.
type Relays interface {
	Set(ctx context.Context, name string, on bool) error
}

type Bridge struct {
	cfg    config.MQTT
	relays Relays
	client mqtt.Client

	mu        sync.RWMutex
	published map[string]uint64
	commands  uint64
	errors    uint64
	connected bool
}

type Stats struct {
	Connected bool
	Published map[string]uint64
	Commands  uint64
	Errors    uint64
}

const (
	publishTimeout = 2 * time.Second
	commandTimeout = 5 * time.Second
)

func New(cfg config.MQTT, relays Relays) *Bridge {
	return &Bridge{
		cfg:       cfg,
		relays:    relays,
		published: make(map[string]uint64),
	}
}

// Connect dials the broker. The command subscription is renewed on every
// (re)connect.
func (b *Bridge) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", b.cfg.Broker))
	opts.SetClientID(b.cfg.ClientID)
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		b.setConnected(true)
		log.Info().Str("broker", b.cfg.Broker).Str("client_id", b.cfg.ClientID).Msg("MQTT connected")
		if err := b.subscribe(c); err != nil {
			log.Error().Err(err).Msg("Failed to subscribe to command topic")
		}
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		b.setConnected(false)
		log.Warn().Err(err).Str("broker", b.cfg.Broker).Msg("MQTT connection lost, reconnecting")
	}

	b.client = mqtt.NewClient(opts)

	log.Info().Str("broker", b.cfg.Broker).Msg("Connecting to MQTT broker")
	token := b.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	b.setConnected(true)
	return nil
}

func (b *Bridge) subscribe(c mqtt.Client) error {
	topic := b.cfg.TopicPrefix + "/+/set"
	token := c.Subscribe(topic, 1, b.handleCommand)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	log.Info().Str("topic", topic).Msg("Subscribed to relay commands")
	return nil
}

func (b *Bridge) handleCommand(_ mqtt.Client, msg mqtt.Message) {
	rest := strings.TrimPrefix(msg.Topic(), b.cfg.TopicPrefix+"/")
	name := strings.TrimSuffix(rest, "/set")
	if name == rest || name == "" || strings.Contains(name, "/") {
		b.countError()
		log.Warn().Str("topic", msg.Topic()).Msg("Ignoring command on unexpected topic")
		return
	}

	var on bool
	switch strings.ToUpper(strings.TrimSpace(string(msg.Payload()))) {
	case "ON":
		on = true
	case "OFF":
	default:
		b.countError()
		log.Warn().Str("endpoint", name).Bytes("payload", msg.Payload()).Msg("Ignoring command with unknown payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := b.relays.Set(ctx, name, on); err != nil {
		b.countError()
		log.Error().Err(err).Str("endpoint", name).Bool("on", on).Msg("Relay command from MQTT failed")
		return
	}

	b.mu.Lock()
	b.commands++
	b.mu.Unlock()
	log.Info().Str("endpoint", name).Bool("on", on).Msg("Relay command from MQTT")
}

// Record publishes an update: broadcasts go to the module's temperature
// topic, everything else to the endpoint's state topic.
func (b *Bridge) Record(u endpoint.Update) {
	var err error
	if u.Source == endpoint.SourceBroadcast {
		if u.State.OutsideTemperature == nil {
			return
		}
		err = b.publish(TemperatureTopic(b.cfg.TopicPrefix, u.Endpoint.Module),
			strconv.FormatFloat(*u.State.OutsideTemperature, 'f', -1, 64))
	} else {
		err = b.publish(StateTopic(b.cfg.TopicPrefix, u.Endpoint.Name), StatePayload(u.State.On))
	}
	if err != nil {
		log.Debug().Err(err).Str("endpoint", u.Endpoint.Name).Msg("MQTT publish failed")
	}
}

func (b *Bridge) publish(topic, payload string) error {
	if !b.isConnected() {
		b.countError()
		return fmt.Errorf("mqtt not connected")
	}

	token := b.client.Publish(topic, 1, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		b.countError()
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		b.countError()
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	b.mu.Lock()
	b.published[topic]++
	b.mu.Unlock()
	return nil
}

func (b *Bridge) Disconnect() {
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
		log.Info().Msg("MQTT disconnected")
	}
	b.setConnected(false)
}

func (b *Bridge) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	published := make(map[string]uint64, len(b.published))
	for k, v := range b.published {
		published[k] = v
	}
	return Stats{
		Connected: b.connected,
		Published: published,
		Commands:  b.commands,
		Errors:    b.errors,
	}
}

func (b *Bridge) setConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
}

func (b *Bridge) isConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

func (b *Bridge) countError() {
	b.mu.Lock()
	b.errors++
	b.mu.Unlock()
}

func StateTopic(prefix, name string) string {
	return prefix + "/" + name + "/state"
}

func TemperatureTopic(prefix string, module uint8) string {
	return fmt.Sprintf("%s/%d/outside_temperature", prefix, module)
}

func StatePayload(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}
