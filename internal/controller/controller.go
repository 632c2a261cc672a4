package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/thatsimonsguy/stiebel-can/internal/broadcast"
	"github.com/thatsimonsguy/stiebel-can/internal/canbus"
	"github.com/thatsimonsguy/stiebel-can/internal/datadog"
	"github.com/thatsimonsguy/stiebel-can/internal/dispatcher"
	"github.com/thatsimonsguy/stiebel-can/internal/endpoint"
	"github.com/thatsimonsguy/stiebel-can/internal/gate"
	"github.com/thatsimonsguy/stiebel-can/internal/model"
	"github.com/thatsimonsguy/stiebel-can/internal/notifications"
)

var ErrUnknownEndpoint = errors.New("unknown endpoint")

// Sink consumes state updates. Record is called from a single goroutine.
type Sink interface {
	Record(endpoint.Update)
}

type Options struct {
	Endpoint             endpoint.Options
	PollInterval         time.Duration // 0 disables polling
	OfflineAfterFailures int
	UpdateBuffer         int

	// CommandRate limits relay commands per second across all endpoints.
	// 0 means unlimited.
	CommandRate  float64
	CommandBurst int
}

// swapped in tests
var notify = notifications.Notify
var incr = datadog.Incr
var timing = datadog.Timing

type health struct {
	failures int
	offline  bool
}

// Controller owns one bus session: the request gate, the endpoints and the
// dispatcher feeding them.
type Controller struct {
	bus        canbus.Bus
	gate       *gate.Gate
	dispatcher *dispatcher.Dispatcher
	endpoints  []*endpoint.Endpoint
	byName     map[string]*endpoint.Endpoint
	opts       Options
	limiter    *rate.Limiter

	mu     sync.Mutex
	health map[string]*health

	updates chan endpoint.Update
	dropped atomic.Uint64
	sinksMu sync.RWMutex
	sinks   []Sink

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopFan chan struct{}
	fanDone chan struct{}
}

func New(bus canbus.Bus, descs []endpoint.Descriptor, opts Options) *Controller {
	if opts.UpdateBuffer <= 0 {
		opts.UpdateBuffer = 256
	}
	if opts.OfflineAfterFailures <= 0 {
		opts.OfflineAfterFailures = 5
	}

	c := &Controller{
		bus:        bus,
		gate:       gate.New(),
		dispatcher: dispatcher.New(bus),
		byName:     make(map[string]*endpoint.Endpoint, len(descs)),
		opts:       opts,
		health:     make(map[string]*health, len(descs)),
		updates:    make(chan endpoint.Update, opts.UpdateBuffer),
	}
	c.dispatcher.OnMalformed = func(canbus.Frame, error) { incr("frames.malformed") }
	if opts.CommandRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.CommandRate), max(opts.CommandBurst, 1))
	}

	epOpts := opts.Endpoint
	epOpts.OnUpdate = c.enqueue

	cells := map[uint8]*broadcast.Cell{}
	for _, d := range descs {
		cell, ok := cells[d.Module]
		if !ok {
			cell = &broadcast.Cell{}
			cells[d.Module] = cell
		}
		e := endpoint.New(d, bus, c.gate, cell, epOpts)
		c.endpoints = append(c.endpoints, e)
		c.byName[d.Name] = e
		c.health[d.Name] = &health{}
		c.dispatcher.Register(e)
	}
	return c
}

// AddSink registers a consumer of state updates.
func (c *Controller) AddSink(s Sink) {
	c.sinksMu.Lock()
	c.sinks = append(c.sinks, s)
	c.sinksMu.Unlock()
}

// Start begins dispatching frames and, when a poll interval is set, polls
// every endpoint on its own schedule. All polls contend on the request gate.
func (c *Controller) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.dispatcher.Start(ctx)

	c.stopFan = make(chan struct{})
	c.fanDone = make(chan struct{})
	go func() {
		defer close(c.fanDone)
		c.fanOut()
	}()

	if c.opts.PollInterval > 0 {
		for _, e := range c.endpoints {
			c.wg.Add(1)
			go func(e *endpoint.Endpoint) {
				defer c.wg.Done()
				c.poll(ctx, e)
			}(e)
		}
	}

	log.Info().
		Int("endpoints", len(c.endpoints)).
		Dur("poll_interval", c.opts.PollInterval).
		Msg("Controller started")
}

// Stop ends polling, stops frame dispatch, hands every queued update to the
// sinks and then closes the bus.
func (c *Controller) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	dispErr := c.dispatcher.Stop()
	if errors.Is(dispErr, canbus.ErrClosed) {
		dispErr = nil
	}
	if c.stopFan != nil {
		close(c.stopFan)
		<-c.fanDone
		c.stopFan = nil
	}
	busErr := c.bus.Close()

	log.Info().Msg("Controller stopped")
	return errors.Join(dispErr, busErr)
}

func (c *Controller) poll(ctx context.Context, e *endpoint.Endpoint) {
	log.Info().Str("endpoint", e.Name()).Msg("Starting poll loop")

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := c.refresh(ctx, e); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("endpoint", e.Name()).Msg("Refresh failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Controller) Endpoint(name string) (*endpoint.Endpoint, bool) {
	e, ok := c.byName[name]
	return e, ok
}

func (c *Controller) Endpoints() []*endpoint.Endpoint {
	return append([]*endpoint.Endpoint(nil), c.endpoints...)
}

// Refresh polls the named endpoint once. Timeouts are not retried here.
func (c *Controller) Refresh(ctx context.Context, name string) (endpoint.State, error) {
	e, ok := c.byName[name]
	if !ok {
		return endpoint.State{}, fmt.Errorf("%w: %s", ErrUnknownEndpoint, name)
	}
	return c.refresh(ctx, e)
}

func (c *Controller) refresh(ctx context.Context, e *endpoint.Endpoint) (endpoint.State, error) {
	start := time.Now()
	st, err := e.Refresh(ctx)
	tag := "endpoint:" + e.Name()
	timing("refresh.duration", time.Since(start), tag)

	switch {
	case err == nil:
		incr("refresh.success", tag)
	case errors.Is(err, endpoint.ErrGateTimeout):
		incr("refresh.timeout", tag)
	case ctx.Err() != nil:
		return st, err
	default:
		incr("refresh.error", tag)
	}
	c.track(e.Name(), err)
	return st, err
}

// Set commands the named relay without waiting for the acknowledgement.
func (c *Controller) Set(ctx context.Context, name string, on bool) error {
	e, ok := c.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, name)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("command rate limit: %w", err)
		}
	}
	log.Info().Str("endpoint", name).Bool("on", on).Msg("Relay command")
	return e.Set(ctx, on)
}

func (c *Controller) track(name string, err error) {
	c.mu.Lock()
	h := c.health[name]
	var alert *notifications.Alert
	if err == nil {
		if h.offline {
			a := notifications.EndpointOnline(name, h.failures)
			alert = &a
		}
		h.failures = 0
		h.offline = false
	} else {
		h.failures++
		if !h.offline && h.failures >= c.opts.OfflineAfterFailures {
			h.offline = true
			a := notifications.EndpointOffline(name, h.failures, err)
			alert = &a
		}
	}
	c.mu.Unlock()

	if alert == nil {
		return
	}
	log.Warn().Str("endpoint", name).Msg(alert.Title)
	if nerr := notify(*alert); nerr != nil {
		log.Warn().Err(nerr).Msg("Failed to send notification")
	}
}

// Online reports false once an endpoint missed OfflineAfterFailures polls in a row.
func (c *Controller) Online(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.health[name]
	return ok && !h.offline
}

func (c *Controller) Status(name string) (model.EndpointStatus, error) {
	e, ok := c.byName[name]
	if !ok {
		return model.EndpointStatus{}, fmt.Errorf("%w: %s", ErrUnknownEndpoint, name)
	}
	return c.status(e), nil
}

func (c *Controller) Statuses() []model.EndpointStatus {
	out := make([]model.EndpointStatus, 0, len(c.endpoints))
	for _, e := range c.endpoints {
		out = append(out, c.status(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Controller) status(e *endpoint.Endpoint) model.EndpointStatus {
	d := e.Descriptor()
	st := e.State()
	s := model.EndpointStatus{
		Name:               d.Name,
		Module:             d.Module,
		Relay:              d.Relay,
		On:                 st.On,
		OutsideTemperature: st.OutsideTemperature,
		FilterAlarm:        st.FilterAlarm,
		Awaiting:           e.Awaiting(),
		Online:             c.Online(d.Name),
	}
	if !st.UpdatedAt.IsZero() {
		at := st.UpdatedAt
		s.UpdatedAt = &at
	}
	return s
}

// DispatchStats exposes the dispatcher counters.
func (c *Controller) DispatchStats() dispatcher.Stats { return c.dispatcher.Stats() }

// Dropped returns the number of updates discarded because sinks fell behind.
func (c *Controller) Dropped() uint64 { return c.dropped.Load() }

func (c *Controller) enqueue(u endpoint.Update) {
	select {
	case c.updates <- u:
	default:
		if c.dropped.Add(1)%100 == 1 {
			log.Warn().Uint64("dropped", c.dropped.Load()).Msg("Update sinks are falling behind")
		}
	}
}

// fanOut runs until stopFan is closed and then delivers whatever is still
// queued before returning.
func (c *Controller) fanOut() {
	for {
		select {
		case u := <-c.updates:
			c.deliver(u)
		case <-c.stopFan:
			for {
				select {
				case u := <-c.updates:
					c.deliver(u)
				default:
					return
				}
			}
		}
	}
}

func (c *Controller) deliver(u endpoint.Update) {
	c.sinksMu.RLock()
	sinks := c.sinks
	c.sinksMu.RUnlock()
	for _, s := range sinks {
		s.Record(u)
	}
}
