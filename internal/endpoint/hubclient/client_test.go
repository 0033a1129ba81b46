package hubclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionfab/sessionfab/internal/protocol"
)

// newFastBackoff creates a fast exponential backoff for testing.
func newFastBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 10 * time.Millisecond
	b.Multiplier = 2.0
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

func TestNewBackoff_AppliesSettings(t *testing.T) {
	b := NewBackoff(time.Second, time.Minute, 2.0, 0.2)
	assert.Equal(t, time.Second, b.InitialInterval)
	assert.Equal(t, time.Minute, b.MaxInterval)
	assert.Equal(t, 2.0, b.Multiplier)
	assert.Equal(t, 0.2, b.RandomizationFactor)
}

func TestConnectWithReconnect_RetriesOnFailure(t *testing.T) {
	var attempts atomic.Int32
	c := New(Options{HubURL: "ws://test", Identity: "u1"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mockConnect := func(_ context.Context) error {
		if attempts.Add(1) >= 4 {
			cancel()
		}
		return fmt.Errorf("connection lost")
	}

	done := make(chan struct{})
	go func() {
		c.connectWithReconnect(ctx, mockConnect, newFastBackoff())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reconnect loop did not stop")
	}
	assert.GreaterOrEqual(t, attempts.Load(), int32(4))
}

func TestConnectWithReconnect_GracefulCloseStops(t *testing.T) {
	var attempts atomic.Int32
	c := New(Options{HubURL: "ws://test", Identity: "u1"})

	// A nil error means the hub evicted us; the replacement endpoint owns
	// the identity and retrying would only fight it.
	mockConnect := func(_ context.Context) error {
		attempts.Add(1)
		return nil
	}

	done := make(chan struct{})
	go func() {
		c.connectWithReconnect(context.Background(), mockConnect, newFastBackoff())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop must stop after a graceful close")
	}
	assert.Equal(t, int32(1), attempts.Load())
}

func TestConnectWithReconnect_ResetsAfterSuccessfulSession(t *testing.T) {
	var attempts atomic.Int32
	c := New(Options{HubURL: "ws://test", Identity: "u1"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bo := newFastBackoff()
	// Burn the backoff up to its max so a reset is observable.
	for i := 0; i < 10; i++ {
		bo.NextBackOff()
	}

	mockConnect := func(_ context.Context) error {
		n := attempts.Add(1)
		if n == 1 {
			// A session that registered successfully, then dropped.
			c.registered.Store(true)
			return fmt.Errorf("connection lost")
		}
		cancel()
		return fmt.Errorf("connection lost")
	}

	done := make(chan struct{})
	go func() {
		c.connectWithReconnect(ctx, mockConnect, bo)
		close(done)
	}()
	<-done

	// After the registered session the loop reset the backoff. One short
	// interval was consumed for the retry, so the next one is still far
	// below the burnt-in max.
	assert.Less(t, bo.NextBackOff(), 10*time.Millisecond)
	assert.False(t, c.registered.Load())
}

func TestConnectWithReconnect_HonoursShutdownDelayOnce(t *testing.T) {
	var attempts atomic.Int32
	var gap atomic.Int64
	c := New(Options{HubURL: "ws://test", Identity: "u1"})
	c.hubRetryDelay.Store(int64(80 * time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var last atomic.Int64
	last.Store(time.Now().UnixNano())
	mockConnect := func(_ context.Context) error {
		now := time.Now().UnixNano()
		if n := attempts.Add(1); n == 2 {
			gap.Store(now - last.Load())
			cancel()
		}
		last.Store(now)
		return fmt.Errorf("connection lost")
	}

	done := make(chan struct{})
	go func() {
		c.connectWithReconnect(ctx, mockConnect, newFastBackoff())
		close(done)
	}()
	<-done

	assert.GreaterOrEqual(t, time.Duration(gap.Load()), 80*time.Millisecond,
		"the hub's retry hint delays the next attempt")
	assert.Equal(t, int64(0), c.hubRetryDelay.Load(), "the hint is consumed")
}

func TestConnect_MalformedFrameClosesConnection(t *testing.T) {
	// A hub that completes the handshake and then emits a frame that is
	// not a valid envelope.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		reg, err := protocol.Decode(data, 0)
		if err != nil || reg.Type != protocol.TypeRegister {
			return
		}
		welcome, err := protocol.New(protocol.TypeWelcome, reg.ID, protocol.WelcomePayload{PeerID: 7})
		if err != nil {
			return
		}
		out, err := protocol.Encode(welcome)
		if err != nil {
			return
		}
		if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
			return
		}
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{not an envelope`))
		// Hold the connection open until the client drops it.
		_, _, _ = conn.Read(ctx)
	}))
	defer ts.Close()

	c := New(Options{
		HubURL:   "ws" + strings.TrimPrefix(ts.URL, "http"),
		Identity: "u1",
	})

	err := c.Connect(context.Background())
	require.Error(t, err)
	var perr *protocol.ParseError
	assert.ErrorAs(t, err, &perr, "an undecodable frame must surface as a protocol error")
	assert.True(t, c.registered.Load(), "the handshake completed before the bad frame")
}

func TestRTTRecording(t *testing.T) {
	c := New(Options{HubURL: "ws://test", Identity: "u1"})

	c.rttMu.Lock()
	c.pendingHB["hb-1"] = time.Now().Add(-100 * time.Millisecond)
	c.rttMu.Unlock()

	c.recordHeartbeat("hb-1")
	first := c.RTT()
	require.InDelta(t, 100, first, 50)

	// Unknown ids are ignored.
	c.recordHeartbeat("hb-unknown")
	assert.Equal(t, first, c.RTT())

	c.rttMu.Lock()
	c.pendingHB["hb-2"] = time.Now().Add(-300 * time.Millisecond)
	c.rttMu.Unlock()
	c.recordHeartbeat("hb-2")
	assert.Greater(t, c.RTT(), first, "EMA moves toward the slower sample")
	assert.Less(t, c.RTT(), 300.0, "but does not jump onto it")
}

func TestSetHeartbeatInterval(t *testing.T) {
	c := New(Options{HubURL: "ws://test", Identity: "u1", HeartbeatInterval: 30 * time.Second})
	c.SetHeartbeatInterval(5 * time.Second)
	assert.Equal(t, int64(5*time.Second), c.heartbeatInterval.Load())
	c.SetHeartbeatInterval(0) // ignored
	assert.Equal(t, int64(5*time.Second), c.heartbeatInterval.Load())
}
