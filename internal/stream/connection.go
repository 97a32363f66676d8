// Package stream maintains reconnecting log-stream sessions. Each Connection
// is an actor: one goroutine owns all session state and every other caller
// talks to it through its inbox.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/bus"
	"github.com/miradorstack/mirador-remediator/internal/metrics"
	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

// Configuration errors, returned before any network attempt.
var (
	ErrMissingProjectID = errors.New("project id is required")
	ErrMissingServiceID = errors.New("service id is required")
	ErrMissingToken     = errors.New("api token is required")
)

// ErrClosed is returned when the connection actor has stopped.
var ErrClosed = errors.New("connection closed")

// State is the coarse lifecycle of a connection.
type State string

const (
	StateConnecting   State = "connecting"
	StateAcknowledged State = "acknowledged"
	StateStreaming    State = "streaming"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// Status is a read-only snapshot of a connection.
type Status struct {
	Target            models.Target `json:"target"`
	State             State         `json:"state"`
	Acknowledged      bool          `json:"acknowledged"`
	Subscriptions     int           `json:"subscriptions"`
	QueuedSubscribes  int           `json:"queued_subscribes"`
	ReconnectAttempts int           `json:"reconnect_attempts"`
	NextReconnect     time.Duration `json:"next_reconnect,omitempty"`
	LastActivity      time.Time     `json:"last_activity"`
}

// Options configure a Connection.
type Options struct {
	Endpoint      string
	Token         string
	Bus           bus.Bus
	Filter        *SelfFilter
	Backoff       Backoff
	DialTimeout   time.Duration
	AckTimeout    time.Duration
	DefaultFilter string
	Dialer        Dialer
	Logger        *slog.Logger
	// OnDisconnect is invoked (on its own goroutine) whenever an established
	// session is lost. It is not called for explicit Close.
	OnDisconnect func(key models.TargetKey, err error)
	// Now is overridable for tests.
	Now func() time.Time
}

// Connection is one reconnecting streaming session bound to a single service.
type Connection struct {
	target models.Target
	opts   Options
	logger *slog.Logger

	inbox  chan func()
	events chan sessionEvent
	done   chan struct{}
	stop   context.CancelFunc
	ctx    context.Context

	// Everything below is owned by the run loop.
	state        State
	transport    Transport
	session      int
	acked        bool
	subs         map[string]models.Subscription
	subOpts      map[string]SubscribeOptions
	order        []string
	queue        []pendingSubscribe
	counter      uint64
	attempts     int
	nextDelay    time.Duration
	timerSeq     int
	timer        *time.Timer
	ackTimer     *time.Timer
	lastActivity time.Time
}

type pendingSubscribe struct {
	sub  models.Subscription
	opts SubscribeOptions
}

type sessionEvent struct {
	session   int
	data      []byte
	err       error
	transport Transport
	dialed    bool
}

// Open validates the target and starts the connection actor. Configuration
// problems fail fast; network problems are retried in the background.
func Open(target models.Target, opts Options) (*Connection, error) {
	switch {
	case target.ProjectID == "":
		return nil, utils.NewAppError("stream.Open", "invalid target", ErrMissingProjectID)
	case target.ServiceID == "":
		return nil, utils.NewAppError("stream.Open", "invalid target", ErrMissingServiceID)
	case opts.Token == "":
		return nil, utils.NewAppError("stream.Open", "invalid target", ErrMissingToken)
	}
	if opts.Endpoint == "" {
		return nil, utils.NewAppError("stream.Open", "invalid target", errors.New("endpoint is required"))
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{HandshakeTimeout: opts.DialTimeout}
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = opts.DialTimeout
	}
	if opts.DefaultFilter == "" {
		opts.DefaultFilter = DefaultFilter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		target:  target,
		opts:    opts,
		logger:  opts.Logger.With(slog.String("project_id", target.ProjectID), slog.String("service_id", target.ServiceID)),
		inbox:   make(chan func(), 32),
		events:  make(chan sessionEvent, 64),
		done:    make(chan struct{}),
		stop:    cancel,
		ctx:     ctx,
		state:   StateConnecting,
		subs:    make(map[string]models.Subscription),
		subOpts: make(map[string]SubscribeOptions),
	}
	c.lastActivity = opts.Now()

	go c.run()
	c.call(func() { c.connect() })
	return c, nil
}

// Target returns the monitored target.
func (c *Connection) Target() models.Target { return c.target }

// Key returns the registry key.
func (c *Connection) Key() models.TargetKey { return c.target.Key() }

// Done is closed once the actor has stopped.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Subscribe requests a log subscription for environmentID. Before the session
// is acknowledged the request is queued and replayed in arrival order.
func (c *Connection) Subscribe(ctx context.Context, environmentID string, opts SubscribeOptions) (string, error) {
	if environmentID == "" {
		return "", fmt.Errorf("subscribe: environment id is required")
	}
	var (
		id  string
		err error
	)
	ok := c.ask(ctx, func() {
		id, err = c.handleSubscribe(environmentID, opts)
	})
	if !ok {
		return "", ErrClosed
	}
	return id, err
}

// Unsubscribe completes and removes a subscription. Unknown ids are ignored.
func (c *Connection) Unsubscribe(ctx context.Context, id string) error {
	if !c.ask(ctx, func() { c.handleUnsubscribe(id) }) {
		return ErrClosed
	}
	return nil
}

// Status returns a snapshot of the connection.
func (c *Connection) Status(ctx context.Context) (Status, error) {
	var st Status
	if !c.ask(ctx, func() { st = c.snapshot() }) {
		return Status{Target: c.target, State: StateClosed}, ErrClosed
	}
	return st, nil
}

// IsAlive reports whether the actor answers within ctx. It never returns an
// error: an unreachable actor is simply not alive.
func (c *Connection) IsAlive(ctx context.Context) bool {
	return c.ask(ctx, func() {})
}

// Reconnect asks for an immediate reconnect. It supersedes any pending
// backoff timer and is ignored while a session is established or dialing.
// It never blocks: when the inbox is full the request is dropped.
func (c *Connection) Reconnect() {
	queued := c.tryCall(func() {
		switch c.state {
		case StateDisconnected, StateReconnecting:
			c.cancelTimer()
			c.connect()
		default:
			c.logger.Debug("reconnect request ignored", slog.String("state", string(c.state)))
		}
	})
	if !queued {
		c.logger.Warn("reconnect request dropped, connection inbox full")
	}
}

// Close stops the connection without scheduling a reconnect.
func (c *Connection) Close() {
	select {
	case <-c.done:
		return
	default:
	}
	c.stop()
	<-c.done
}

func (c *Connection) run() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			c.shutdown()
			return
		case fn := <-c.inbox:
			fn()
		case ev := <-c.events:
			c.handleSessionEvent(ev)
		}
	}
}

// call enqueues fn without waiting for it to run.
func (c *Connection) call(fn func()) {
	select {
	case c.inbox <- fn:
	case <-c.done:
	case <-c.ctx.Done():
	}
}

// tryCall enqueues fn only if the inbox has room.
func (c *Connection) tryCall(fn func()) bool {
	select {
	case c.inbox <- fn:
		return true
	default:
		return false
	}
}

// ask runs fn on the actor and waits for it, giving up when ctx ends.
func (c *Connection) ask(ctx context.Context, fn func()) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	finished := make(chan struct{})
	wrapped := func() {
		fn()
		close(finished)
	}
	select {
	case c.inbox <- wrapped:
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	}
	select {
	case <-finished:
		return true
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *Connection) connect() {
	c.session++
	session := c.session
	if c.state != StateConnecting {
		c.state = StateReconnecting
	}
	if c.attempts > 0 {
		metrics.ObserveReconnect()
	}

	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.DialTimeout)
		defer cancel()
		transport, err := c.opts.Dialer.Dial(ctx, c.opts.Endpoint)
		c.post(sessionEvent{session: session, transport: transport, err: err, dialed: true})
	}()
}

func (c *Connection) post(ev sessionEvent) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
		if ev.transport != nil && ev.dialed {
			_ = ev.transport.Close()
		}
	}
}

func (c *Connection) handleSessionEvent(ev sessionEvent) {
	if ev.session != c.session {
		if ev.dialed && ev.transport != nil {
			_ = ev.transport.Close()
		}
		return
	}

	switch {
	case ev.dialed && ev.err != nil:
		c.logger.Warn("stream dial failed", slog.Any("error", ev.err))
		c.state = StateDisconnected
		c.scheduleReconnect()
	case ev.dialed:
		c.established(ev.transport)
	case ev.err != nil:
		c.lost(ev.err)
	default:
		c.handleFrame(ev.data)
	}
}

func (c *Connection) established(t Transport) {
	c.transport = t
	c.acked = false
	c.attempts = 0
	c.nextDelay = 0
	c.state = StateConnecting
	c.touch()

	session := c.session
	go c.readLoop(session, t)

	if err := c.send(initFrame(c.opts.Token)); err != nil {
		c.lost(fmt.Errorf("send connection_init: %w", err))
		return
	}
	c.ackTimer = time.AfterFunc(c.opts.AckTimeout, func() {
		c.call(func() {
			if c.session == session && !c.acked && c.transport != nil {
				c.lost(errors.New("connection_ack not received"))
			}
		})
	})
	c.logger.Info("stream connected, awaiting acknowledgement")
}

func (c *Connection) readLoop(session int, t Transport) {
	for {
		data, err := t.ReadMessage()
		if err != nil {
			c.post(sessionEvent{session: session, err: err})
			return
		}
		c.post(sessionEvent{session: session, data: data})
	}
}

func (c *Connection) lost(err error) {
	c.dropTransport()
	c.acked = false
	c.state = StateDisconnected
	c.logger.Warn("stream connection lost", slog.Any("error", err))

	if c.opts.OnDisconnect != nil {
		key := c.target.Key()
		go c.opts.OnDisconnect(key, err)
	}
	c.scheduleReconnect()
}

func (c *Connection) dropTransport() {
	if c.ackTimer != nil {
		c.ackTimer.Stop()
		c.ackTimer = nil
	}
	if c.transport != nil {
		_ = c.transport.Close()
		c.transport = nil
	}
	// Any reader or dial still running belongs to a dead session.
	c.session++
}

func (c *Connection) scheduleReconnect() {
	c.cancelTimer()
	c.attempts++
	delay := c.opts.Backoff.Delay(c.attempts)
	c.nextDelay = delay
	c.timerSeq++
	seq := c.timerSeq

	c.logger.Info("reconnect scheduled", slog.Int("attempt", c.attempts), slog.Duration("delay", delay))
	c.timer = time.AfterFunc(delay, func() {
		c.call(func() {
			if seq != c.timerSeq {
				return
			}
			c.timer = nil
			c.connect()
		})
	})
}

func (c *Connection) cancelTimer() {
	c.timerSeq++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Connection) send(f Frame) error {
	if c.transport == nil {
		return errors.New("not connected")
	}
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	return c.transport.WriteMessage(data)
}

func (c *Connection) touch() {
	c.lastActivity = c.opts.Now()
}

func (c *Connection) handleFrame(data []byte) {
	c.touch()
	frame, err := decodeFrame(data)
	if err != nil {
		c.logger.Warn("dropping undecodable frame", slog.Any("error", err))
		return
	}

	switch frame.Type {
	case FrameConnectionAck:
		c.handleAck()
	case FrameNext:
		c.handleNext(frame)
	case FrameError:
		c.logger.Error("subscription error",
			slog.String("subscription_id", frame.ID),
			slog.String("error", errorMessage(frame.Payload)))
	case FrameComplete:
		if _, ok := c.subs[frame.ID]; ok {
			c.removeSub(frame.ID)
			c.logger.Info("subscription completed by server", slog.String("subscription_id", frame.ID))
		}
	case FramePing:
		if err := c.send(Frame{Type: FramePong}); err != nil {
			c.logger.Warn("pong failed", slog.Any("error", err))
		}
	case FramePong:
	default:
		c.logger.Debug("ignoring frame", slog.String("type", frame.Type))
	}
}

func (c *Connection) handleAck() {
	if c.ackTimer != nil {
		c.ackTimer.Stop()
		c.ackTimer = nil
	}
	c.acked = true
	c.state = StateAcknowledged
	c.logger.Info("stream acknowledged",
		slog.Int("resubscribe", len(c.order)),
		slog.Int("queued", len(c.queue)))

	// Live subscriptions from a previous session keep their ids.
	for _, id := range c.order {
		if err := c.sendSubscribe(c.subs[id], c.subOpts[id]); err != nil {
			c.logger.Warn("resubscribe failed", slog.String("subscription_id", id), slog.Any("error", err))
		}
	}

	queued := c.queue
	c.queue = nil
	for _, p := range queued {
		c.activate(p.sub, p.opts)
	}
	c.state = StateStreaming
}

func (c *Connection) handleSubscribe(environmentID string, opts SubscribeOptions) (string, error) {
	if opts.Filter == "" {
		opts.Filter = c.opts.DefaultFilter
	}
	c.counter++
	sub := models.Subscription{
		ID:            strconv.FormatUint(c.counter, 10),
		EnvironmentID: environmentID,
		Filter:        opts.Filter,
		Query:         opts.Query,
		StartedAt:     c.opts.Now(),
	}

	if !c.acked {
		c.queue = append(c.queue, pendingSubscribe{sub: sub, opts: opts})
		c.logger.Debug("subscription queued until acknowledgement", slog.String("subscription_id", sub.ID))
		return sub.ID, nil
	}
	if err := c.activate(sub, opts); err != nil {
		return "", err
	}
	return sub.ID, nil
}

func (c *Connection) activate(sub models.Subscription, opts SubscribeOptions) error {
	c.subs[sub.ID] = sub
	c.subOpts[sub.ID] = opts
	c.order = append(c.order, sub.ID)
	if err := c.sendSubscribe(sub, opts); err != nil {
		c.logger.Warn("subscribe send failed; will resend after reconnect",
			slog.String("subscription_id", sub.ID), slog.Any("error", err))
		return nil
	}
	c.logger.Info("subscribed",
		slog.String("subscription_id", sub.ID),
		slog.String("environment_id", sub.EnvironmentID),
		slog.String("filter", sub.Filter))
	return nil
}

func (c *Connection) sendSubscribe(sub models.Subscription, opts SubscribeOptions) error {
	frame, err := subscribeFrame(sub, opts)
	if err != nil {
		return err
	}
	return c.send(frame)
}

func (c *Connection) handleUnsubscribe(id string) {
	if _, ok := c.subs[id]; ok {
		if c.acked {
			if err := c.send(Frame{ID: id, Type: FrameComplete}); err != nil {
				c.logger.Warn("complete send failed", slog.String("subscription_id", id), slog.Any("error", err))
			}
		}
		c.removeSub(id)
		return
	}
	for i, p := range c.queue {
		if p.sub.ID == id {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
	c.logger.Warn("unsubscribe for unknown subscription", slog.String("subscription_id", id))
}

func (c *Connection) removeSub(id string) {
	delete(c.subs, id)
	delete(c.subOpts, id)
	for i, existing := range c.order {
		if existing == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *Connection) handleNext(frame Frame) {
	source := "subscription:" + frame.ID
	events, err := parseNext(frame.Payload, c.target, source, c.opts.Now())
	if err != nil {
		c.logger.Warn("dropping malformed data frame", slog.String("subscription_id", frame.ID), slog.Any("error", err))
		return
	}
	for _, ev := range events {
		if ev.ServiceID != c.target.ServiceID {
			continue
		}
		if c.opts.Filter.Excludes(ev) {
			continue
		}
		metrics.ObserveLogEvent(ev.ServiceID)
		c.publish(ev)
	}
}

func (c *Connection) publish(ev models.LogEvent) {
	if c.opts.Bus == nil {
		return
	}
	ctx := c.ctx
	if err := c.opts.Bus.Publish(ctx, bus.LogsFor(ev.ServiceID), ev); err != nil {
		c.logger.Warn("publish scoped log failed", slog.Any("error", err))
	}
	if err := c.opts.Bus.Publish(ctx, bus.TopicLogs, ev); err != nil {
		c.logger.Warn("publish log failed", slog.Any("error", err))
	}
}

func (c *Connection) snapshot() Status {
	return Status{
		Target:            c.target,
		State:             c.state,
		Acknowledged:      c.acked,
		Subscriptions:     len(c.subs),
		QueuedSubscribes:  len(c.queue),
		ReconnectAttempts: c.attempts,
		NextReconnect:     c.nextDelay,
		LastActivity:      c.lastActivity,
	}
}

func (c *Connection) shutdown() {
	c.cancelTimer()
	if c.acked {
		for _, id := range c.order {
			_ = c.send(Frame{ID: id, Type: FrameComplete})
		}
	}
	if c.ackTimer != nil {
		c.ackTimer.Stop()
	}
	if c.transport != nil {
		_ = c.transport.Close()
		c.transport = nil
	}
	c.state = StateClosed
	c.logger.Info("stream connection closed")
}
