// Package hubclient maintains the endpoint's single connection to the hub:
// dial, register/welcome handshake, heartbeat with RTT tracking, and
// reconnect with exponential backoff.
package hubclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/sessionfab/sessionfab/internal/id"
	"github.com/sessionfab/sessionfab/internal/logging"
	"github.com/sessionfab/sessionfab/internal/protocol"
)

const (
	dialTimeout      = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	rttAlpha         = 0.2
)

// EventHubShutdown is the event name the hub broadcasts before a graceful
// shutdown; its data carries a reconnect delay hint.
const EventHubShutdown = "hub_shutdown"

// hubShutdownData is the payload of an EventHubShutdown event.
type hubShutdownData struct {
	RetryDelayS float64 `json:"retry_delay_s"`
}

// Options configures a Client.
type Options struct {
	HubURL            string
	Identity          string
	Version           string
	Capabilities      func() []string // snapshot of the handler registry
	HeartbeatInterval time.Duration
	MaxMessageBytes   int64
}

// Client manages the connection to the hub. OnCommand is invoked for every
// command envelope with a per-connection context that is cancelled on
// disconnect.
type Client struct {
	opts Options
	log  *slog.Logger

	// OnCommand dispatches an incoming command envelope (the scheduler).
	OnCommand func(ctx context.Context, env *protocol.Envelope)
	// OnEvicted is called when the hub evicts this endpoint in favour of a
	// newer registration with the same identity.
	OnEvicted func()

	heartbeatInterval atomic.Int64

	mu       sync.Mutex
	conn     *websocket.Conn
	lastSend time.Time

	peerID     atomic.Int64
	registered atomic.Bool // set on welcome; consumed by the reconnect loop

	rttMu     sync.Mutex
	rttEMA    float64
	pendingHB map[string]time.Time

	// hubRetryDelay stores the delay hint from a hub_shutdown event,
	// consumed once before the next reconnect attempt.
	hubRetryDelay atomic.Int64
}

// New creates a hub client.
func New(opts Options) *Client {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = protocol.DefaultMaxMessageSize
	}
	c := &Client{
		opts:      opts,
		log:       slog.With(logging.LoggerKey, "hubclient"),
		pendingHB: make(map[string]time.Time),
	}
	c.heartbeatInterval.Store(int64(opts.HeartbeatInterval))
	return c
}

// SetHeartbeatInterval applies a live config change to the heartbeat cadence.
func (c *Client) SetHeartbeatInterval(d time.Duration) {
	if d > 0 {
		c.heartbeatInterval.Store(int64(d))
	}
}

// PeerID returns the hub-assigned peer id of the current connection.
func (c *Client) PeerID() int64 { return c.peerID.Load() }

// RTT returns the heartbeat round-trip EMA in milliseconds.
func (c *Client) RTT() float64 {
	c.rttMu.Lock()
	defer c.rttMu.Unlock()
	return c.rttEMA
}

// Send writes an envelope to the hub. The mutex serializes writes; the
// WebSocket frame buffer tolerates no concurrent writers.
func (c *Client) Send(env *protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return err
	}
	c.lastSend = time.Now()
	return nil
}

// SendEvent emits an event envelope; best effort.
func (c *Client) SendEvent(name string, data any) {
	payload := protocol.EventPayload{Name: name}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			c.log.Warn("marshal event data", "event", name, "error", err)
			return
		}
		payload.Data = raw
	}
	env, err := protocol.New(protocol.TypeEvent, id.Generate(), payload)
	if err != nil {
		return
	}
	if err := c.Send(env); err != nil {
		c.log.Debug("send event", "event", name, "error", err)
	}
}

// Connect dials the hub, performs the register/welcome handshake, and
// serves the read loop until the connection drops or ctx is cancelled.
func (c *Client) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, c.opts.HubURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.HubURL, err)
	}
	conn.SetReadLimit(c.opts.MaxMessageBytes)

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()
	defer func() { _ = conn.CloseNow() }()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	if err := c.handshake(connCtx); err != nil {
		return err
	}

	c.log.Info("registered with hub", "url", c.opts.HubURL, "peer_id", c.peerID.Load())
	c.registered.Store(true)

	go c.heartbeatLoop(connCtx)

	for {
		typ, data, err := c.conn.Read(connCtx)
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		if typ != websocket.MessageText {
			return fmt.Errorf("unexpected binary frame from hub")
		}
		env, err := protocol.Decode(data, c.opts.MaxMessageBytes)
		if err != nil {
			// A frame that does not decode is a protocol error; drop the
			// connection and let the reconnect path start over.
			return fmt.Errorf("malformed frame from hub: %w", err)
		}
		if done := c.handleEnvelope(connCtx, env); done {
			return nil
		}
	}
}

func (c *Client) handshake(ctx context.Context) error {
	caps := []string{}
	if c.opts.Capabilities != nil {
		caps = c.opts.Capabilities()
	}
	reg, err := protocol.New(protocol.TypeRegister, id.Generate(), protocol.RegisterPayload{
		Identity:     c.opts.Identity,
		Capabilities: caps,
		Version:      c.opts.Version,
	})
	if err != nil {
		return err
	}
	if err := c.Send(reg); err != nil {
		return fmt.Errorf("send register: %w", err)
	}

	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	typ, data, err := c.conn.Read(hsCtx)
	if err != nil {
		return fmt.Errorf("await welcome: %w", err)
	}
	if typ != websocket.MessageText {
		return fmt.Errorf("unexpected binary frame during handshake")
	}
	env, err := protocol.Decode(data, c.opts.MaxMessageBytes)
	if err != nil {
		return fmt.Errorf("decode welcome: %w", err)
	}
	if env.Type == protocol.TypeError {
		var ep protocol.ErrorPayload
		_ = env.DecodePayload(&ep)
		return fmt.Errorf("hub rejected registration: %s %s", ep.Code, ep.Message)
	}
	if env.Type != protocol.TypeWelcome {
		return fmt.Errorf("expected welcome, got %s", env.Type)
	}
	var welcome protocol.WelcomePayload
	if err := env.DecodePayload(&welcome); err != nil {
		return err
	}
	c.peerID.Store(welcome.PeerID)
	return nil
}

// handleEnvelope routes one hub envelope. Returns true when the connection
// should close gracefully.
func (c *Client) handleEnvelope(ctx context.Context, env *protocol.Envelope) bool {
	switch env.Type {
	case protocol.TypeCommand:
		if c.OnCommand != nil {
			c.OnCommand(ctx, env)
		}

	case protocol.TypeHeartbeat:
		c.recordHeartbeat(env.ID)

	case protocol.TypeEvent:
		c.handleEvent(env)

	case protocol.TypeError:
		var ep protocol.ErrorPayload
		_ = env.DecodePayload(&ep)
		if ep.Code == protocol.CodeEvicted {
			c.log.Warn("evicted by hub: a newer endpoint registered with this identity")
			if c.OnEvicted != nil {
				c.OnEvicted()
			}
			return true
		}
		c.log.Warn("protocol error from hub", "code", ep.Code, "message", ep.Message)

	case protocol.TypeAck:
		// Nothing awaits acks currently.

	default:
		c.log.Warn("unhandled hub envelope", "type", env.Type, "id", env.ID)
	}
	return false
}

func (c *Client) handleEvent(env *protocol.Envelope) {
	var ev protocol.EventPayload
	if err := env.DecodePayload(&ev); err != nil {
		c.log.Warn("malformed event from hub", "error", err)
		return
	}
	if ev.Name == EventHubShutdown {
		var data hubShutdownData
		if len(ev.Data) > 0 {
			_ = json.Unmarshal(ev.Data, &data)
		}
		c.log.Info("hub is shutting down, will delay reconnect", "retry_delay_s", data.RetryDelayS)
		c.hubRetryDelay.Store(int64(data.RetryDelayS * float64(time.Second)))
	}
}

// heartbeatLoop sends a heartbeat whenever the connection has been idle
// for a full interval. The hub echoes the heartbeat id, which yields RTT.
func (c *Client) heartbeatLoop(ctx context.Context) {
	for {
		interval := time.Duration(c.heartbeatInterval.Load())
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		c.mu.Lock()
		idle := time.Since(c.lastSend)
		c.mu.Unlock()
		if idle < interval {
			continue
		}

		hbID := id.Generate()
		env, err := protocol.New(protocol.TypeHeartbeat, hbID, nil)
		if err != nil {
			continue
		}
		c.rttMu.Lock()
		c.pendingHB[hbID] = time.Now()
		c.rttMu.Unlock()

		if err := c.Send(env); err != nil {
			c.log.Warn("heartbeat send failed", "error", err)
			return
		}
	}
}

func (c *Client) recordHeartbeat(hbID string) {
	c.rttMu.Lock()
	defer c.rttMu.Unlock()
	sent, ok := c.pendingHB[hbID]
	if !ok {
		return
	}
	delete(c.pendingHB, hbID)
	rtt := float64(time.Since(sent)) / float64(time.Millisecond)
	if c.rttEMA == 0 {
		c.rttEMA = rtt
	} else {
		c.rttEMA = rttAlpha*rtt + (1-rttAlpha)*c.rttEMA
	}
}

// connectFn is injected in tests.
type connectFn func(ctx context.Context) error

// ConnectWithReconnect wraps Connect with automatic reconnection. The
// backoff resets as soon as a register/welcome handshake succeeds, so a
// disconnect after a healthy session retries at the initial interval.
func (c *Client) ConnectWithReconnect(ctx context.Context, bo backoff.BackOff) {
	c.connectWithReconnect(ctx, c.Connect, bo)
}

func (c *Client) connectWithReconnect(ctx context.Context, connect connectFn, bo backoff.BackOff) {
	for {
		err := connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// Graceful close (eviction): the replacement endpoint owns the
			// identity now; stop retrying.
			return
		}

		if c.registered.Swap(false) {
			bo.Reset()
		}

		// Honour a shutdown delay hint from the hub, once.
		if delay := c.hubRetryDelay.Swap(0); delay > 0 {
			c.log.Info("delaying reconnect at hub's request", "delay", time.Duration(delay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(delay)):
			}
			bo.Reset()
			continue
		}

		interval := bo.NextBackOff()
		c.log.Warn("disconnected from hub, reconnecting...", "error", err, "backoff", interval)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}
