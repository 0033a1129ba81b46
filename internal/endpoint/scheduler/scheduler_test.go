package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionfab/sessionfab/internal/endpoint/handler"
	"github.com/sessionfab/sessionfab/internal/protocol"
)

type capture struct {
	mu    sync.Mutex
	envs  []*protocol.Envelope
	ready chan struct{}
}

func newCapture() *capture {
	return &capture{ready: make(chan struct{}, 16)}
}

func (c *capture) send(env *protocol.Envelope) error {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
	c.ready <- struct{}{}
	return nil
}

// wait returns the next captured response within the deadline.
func (c *capture) wait(t *testing.T) *protocol.Envelope {
	t.Helper()
	select {
	case <-c.ready:
	case <-time.After(5 * time.Second):
		t.Fatal("no response within deadline")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.envs[len(c.envs)-1]
}

func (c *capture) response(t *testing.T) *protocol.Response {
	t.Helper()
	env := c.wait(t)
	require.Equal(t, protocol.TypeResponse, env.Type)
	var resp protocol.Response
	require.NoError(t, env.DecodePayload(&resp))
	return &resp
}

func commandEnv(t *testing.T, id, name string, params string, timeoutS *float64) *protocol.Envelope {
	t.Helper()
	p := protocol.CommandPayload{Command: name, TimeoutS: timeoutS}
	if params != "" {
		p.Params = json.RawMessage(params)
	}
	env, err := protocol.New(protocol.TypeCommand, id, p)
	require.NoError(t, err)
	return env
}

func fptr(f float64) *float64 { return &f }

func TestDispatch_Success(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register(handler.Handler{
		Name: "echo",
		Kind: handler.Cooperative,
		Fn: func(_ context.Context, params json.RawMessage) (any, error) {
			return map[string]json.RawMessage{"received": params}, nil
		},
	})
	out := newCapture()
	s := New(reg, nil, out.send, Options{})

	s.Dispatch(context.Background(), commandEnv(t, "a1", "echo", `{"x":42}`, nil))

	resp := out.response(t)
	assert.True(t, resp.Success)
	assert.JSONEq(t, `{"received":{"x":42}}`, string(resp.Data))
	assert.Equal(t, "echo", resp.Metadata.Command)
	assert.GreaterOrEqual(t, resp.Metadata.ExecutionTime, 0.0)
}

func TestDispatch_UnknownCommand(t *testing.T) {
	out := newCapture()
	s := New(handler.NewRegistry(), nil, out.send, Options{})

	s.Dispatch(context.Background(), commandEnv(t, "a1", "nope", "", nil))

	resp := out.response(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeUnknownCommand, resp.Error.Code)
}

func TestDispatch_InvalidPayload(t *testing.T) {
	out := newCapture()
	s := New(handler.NewRegistry(), nil, out.send, Options{})

	env := &protocol.Envelope{Type: protocol.TypeCommand, ID: "a1", Payload: json.RawMessage(`"not an object"`)}
	s.Dispatch(context.Background(), env)

	resp := out.response(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInvalidParams, resp.Error.Code)
}

func TestDispatch_ZeroTimeoutSkipsHandler(t *testing.T) {
	var invoked atomic.Bool
	reg := handler.NewRegistry()
	reg.Register(handler.Handler{
		Name: "echo",
		Kind: handler.Cooperative,
		Fn: func(_ context.Context, _ json.RawMessage) (any, error) {
			invoked.Store(true)
			return nil, nil
		},
	})
	out := newCapture()
	s := New(reg, nil, out.send, Options{})

	s.Dispatch(context.Background(), commandEnv(t, "a1", "echo", "", fptr(0)))

	resp := out.response(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeTimeout, resp.Error.Code)
	assert.False(t, invoked.Load())
}

func TestDispatch_CooperativeTimeout(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register(handler.Handler{
		Name: "sleepy",
		Kind: handler.Cooperative,
		Fn: func(ctx context.Context, _ json.RawMessage) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	out := newCapture()
	s := New(reg, nil, out.send, Options{})

	s.Dispatch(context.Background(), commandEnv(t, "a1", "sleepy", "", fptr(0.05)))

	resp := out.response(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeTimeout, resp.Error.Code)
}

func TestDispatch_BlockingTimeoutAbandons(t *testing.T) {
	release := make(chan struct{})
	reg := handler.NewRegistry()
	reg.Register(handler.Handler{
		Name: "stuck",
		Kind: handler.Blocking,
		Fn: func(_ context.Context, _ json.RawMessage) (any, error) {
			<-release // ignores cancellation, like a native OS call
			return "late", nil
		},
	})
	out := newCapture()
	s := New(reg, nil, out.send, Options{PoolSize: 1})

	s.Dispatch(context.Background(), commandEnv(t, "a1", "stuck", "", fptr(0.05)))

	resp := out.response(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeTimeout, resp.Error.Code)

	close(release) // the abandoned handler finishes and is drained silently
}

func TestDispatch_HandlerErrorKeepsCode(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register(handler.Handler{
		Name: "strict",
		Kind: handler.Cooperative,
		Fn: func(_ context.Context, _ json.RawMessage) (any, error) {
			return nil, &protocol.HandlerError{Code: protocol.CodeInvalidParams, Message: "missing field"}
		},
	})
	out := newCapture()
	s := New(reg, nil, out.send, Options{})

	s.Dispatch(context.Background(), commandEnv(t, "a1", "strict", "", nil))

	resp := out.response(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInvalidParams, resp.Error.Code)
}

func TestDispatch_PlainErrorBecomesHandlerFailed(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register(handler.Handler{
		Name: "broken",
		Kind: handler.Cooperative,
		Fn: func(_ context.Context, _ json.RawMessage) (any, error) {
			return nil, errors.New("boom")
		},
	})
	out := newCapture()
	s := New(reg, nil, out.send, Options{})

	s.Dispatch(context.Background(), commandEnv(t, "a1", "broken", "", nil))

	resp := out.response(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeHandlerFailed, resp.Error.Code)
}

func TestDispatch_PanicBecomesHandlerFailed(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register(handler.Handler{
		Name: "panicky",
		Kind: handler.Cooperative,
		Fn: func(_ context.Context, _ json.RawMessage) (any, error) {
			panic("unexpected")
		},
	})
	out := newCapture()
	s := New(reg, nil, out.send, Options{})

	s.Dispatch(context.Background(), commandEnv(t, "a1", "panicky", "", nil))

	resp := out.response(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeHandlerFailed, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "handler panic")
}

func TestDispatch_WorkerPoolQueues(t *testing.T) {
	gate := make(chan struct{})
	var running atomic.Int32
	reg := handler.NewRegistry()
	reg.Register(handler.Handler{
		Name: "hold",
		Kind: handler.Blocking,
		Fn: func(_ context.Context, _ json.RawMessage) (any, error) {
			running.Add(1)
			<-gate
			return "done", nil
		},
	})
	out := newCapture()
	s := New(reg, nil, out.send, Options{PoolSize: 1, DefaultTimeout: 5 * time.Second})

	// Two blocking commands against a pool of one: the second queues.
	s.Dispatch(context.Background(), commandEnv(t, "a1", "hold", "", nil))
	s.Dispatch(context.Background(), commandEnv(t, "a2", "hold", "", nil))

	require.Eventually(t, func() bool { return running.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, s.InFlight())

	close(gate)
	first := out.response(t)
	second := out.response(t)
	assert.True(t, first.Success)
	assert.True(t, second.Success)
	// The queued command's execution time excludes its wait for the pool.
	assert.Less(t, second.Metadata.ExecutionTime, 1.0)
}

func TestDispatch_DisconnectSuppressesResponse(t *testing.T) {
	started := make(chan struct{})
	reg := handler.NewRegistry()
	reg.Register(handler.Handler{
		Name: "waiter",
		Kind: handler.Cooperative,
		Fn: func(ctx context.Context, _ json.RawMessage) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	out := newCapture()
	s := New(reg, nil, out.send, Options{})

	connCtx, disconnect := context.WithCancel(context.Background())
	s.Dispatch(connCtx, commandEnv(t, "a1", "waiter", "", fptr(10)))
	<-started
	disconnect()

	require.Eventually(t, func() bool { return s.InFlight() == 0 }, time.Second, 5*time.Millisecond)
	select {
	case <-out.ready:
		t.Fatal("no response should be sent after connection loss")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatch_HandlerDefaultTimeoutPrecedence(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register(handler.Handler{
		Name:           "slowish",
		Kind:           handler.Cooperative,
		DefaultTimeout: 50 * time.Millisecond,
		Fn: func(ctx context.Context, _ json.RawMessage) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	out := newCapture()
	s := New(reg, nil, out.send, Options{DefaultTimeout: time.Hour})

	start := time.Now()
	s.Dispatch(context.Background(), commandEnv(t, "a1", "slowish", "", nil))

	resp := out.response(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeTimeout, resp.Error.Code)
	assert.Less(t, time.Since(start), 2*time.Second)
}

type countingRecorder struct {
	started, finished, succeeded atomic.Int64
}

func (c *countingRecorder) CommandStarted() { c.started.Add(1) }
func (c *countingRecorder) CommandFinished(_ time.Duration, success bool) {
	c.finished.Add(1)
	if success {
		c.succeeded.Add(1)
	}
}

func TestDispatch_RecorderAccounting(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register(handler.Handler{
		Name: "ok", Kind: handler.Cooperative,
		Fn: func(_ context.Context, _ json.RawMessage) (any, error) { return 1, nil },
	})
	reg.Register(handler.Handler{
		Name: "bad", Kind: handler.Cooperative,
		Fn: func(_ context.Context, _ json.RawMessage) (any, error) { return nil, errors.New("no") },
	})
	rec := &countingRecorder{}
	out := newCapture()
	s := New(reg, rec, out.send, Options{})

	s.Dispatch(context.Background(), commandEnv(t, "a1", "ok", "", nil))
	out.response(t)
	s.Dispatch(context.Background(), commandEnv(t, "a2", "bad", "", nil))
	out.response(t)

	assert.Equal(t, int64(2), rec.started.Load())
	assert.Equal(t, int64(2), rec.finished.Load())
	assert.Equal(t, int64(1), rec.succeeded.Load())
}
