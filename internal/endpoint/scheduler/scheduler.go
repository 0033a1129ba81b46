// Package scheduler dispatches command envelopes to handlers, enforcing
// per-command deadlines and confining blocking handlers to a bounded
// worker pool.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sessionfab/sessionfab/internal/endpoint/handler"
	"github.com/sessionfab/sessionfab/internal/logging"
	"github.com/sessionfab/sessionfab/internal/protocol"
)

// Recorder receives per-command accounting. Implemented by the health
// monitor; a nil Recorder disables accounting.
type Recorder interface {
	CommandStarted()
	CommandFinished(d time.Duration, success bool)
}

// SendFunc writes a response envelope back over the hub connection.
type SendFunc func(*protocol.Envelope) error

// Options configures a Scheduler.
type Options struct {
	DefaultTimeout time.Duration // global default deadline (60s when zero)
	PoolSize       int           // blocking-handler parallelism (4 when zero)
}

// Scheduler owns command dispatch for one endpoint. In-flight commands are
// keyed by envelope id; responses may complete in any order.
type Scheduler struct {
	registry *handler.Registry
	recorder Recorder
	send     SendFunc
	log      *slog.Logger

	defaultTimeout atomic.Int64 // nanoseconds
	pool           chan struct{}

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// New creates a scheduler over the given registry.
func New(registry *handler.Registry, recorder Recorder, send SendFunc, opts Options) *Scheduler {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 60 * time.Second
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 4
	}
	s := &Scheduler{
		registry: registry,
		recorder: recorder,
		send:     send,
		log:      slog.With(logging.LoggerKey, "scheduler"),
		pool:     make(chan struct{}, opts.PoolSize),
		inflight: make(map[string]context.CancelFunc),
	}
	s.defaultTimeout.Store(int64(opts.DefaultTimeout))
	return s
}

// SetDefaultTimeout applies a live config change to the global deadline.
func (s *Scheduler) SetDefaultTimeout(d time.Duration) {
	if d > 0 {
		s.defaultTimeout.Store(int64(d))
	}
}

// InFlight reports the number of commands currently dispatched.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Dispatch routes a command envelope. ctx is the connection context: when
// it is cancelled mid-flight, no response is sent (the hub synthesizes a
// DISCONNECT error for the admin instead).
func (s *Scheduler) Dispatch(ctx context.Context, env *protocol.Envelope) {
	var cmd protocol.CommandPayload
	if err := env.DecodePayload(&cmd); err != nil {
		s.respond(ctx, env.ID, protocol.Failure("", "ParseError", protocol.CodeInvalidParams,
			err.Error(), nil, 0))
		return
	}
	if cmd.Command == "" {
		s.respond(ctx, env.ID, protocol.Failure("", "ParseError", protocol.CodeInvalidParams,
			"command name is required", nil, 0))
		return
	}

	h, ok := s.registry.Lookup(cmd.Command)
	if !ok {
		s.respond(ctx, env.ID, protocol.Failure(cmd.Command, "UnknownCommand", protocol.CodeUnknownCommand,
			fmt.Sprintf("no handler registered for %q", cmd.Command), nil, 0))
		return
	}

	// A zero timeout is an already-expired deadline: resolve without
	// invoking the handler.
	if t, ok := cmd.Timeout(); ok && t <= 0 {
		s.respond(ctx, env.ID, protocol.Failure(cmd.Command, "DeadlineExceeded", protocol.CodeTimeout,
			"command deadline expired before dispatch", nil, 0))
		return
	}

	timeout := s.effectiveTimeout(&cmd, h)

	cctx, cancel := context.WithTimeout(ctx, timeout)
	s.track(env.ID, cancel)
	if s.recorder != nil {
		s.recorder.CommandStarted()
	}

	go s.run(ctx, cctx, cancel, env.ID, h, &cmd)
}

func (s *Scheduler) effectiveTimeout(cmd *protocol.CommandPayload, h handler.Handler) time.Duration {
	if t, ok := cmd.Timeout(); ok {
		return t
	}
	if h.DefaultTimeout > 0 {
		return h.DefaultTimeout
	}
	return time.Duration(s.defaultTimeout.Load())
}

type result struct {
	data any
	err  error
}

// run executes one command to completion. The deadline includes worker-pool
// queue wait; the reported execution_time does not.
func (s *Scheduler) run(connCtx, cctx context.Context, cancel context.CancelFunc, envID string, h handler.Handler, cmd *protocol.CommandPayload) {
	defer cancel()
	defer s.untrack(envID)

	if h.Kind == handler.Blocking {
		select {
		case s.pool <- struct{}{}:
			defer func() { <-s.pool }()
		case <-cctx.Done():
			s.finish(connCtx, envID, cmd.Command, protocol.Failure(cmd.Command, "DeadlineExceeded",
				protocol.CodeTimeout, "deadline expired while queued for worker pool", nil, 0), 0, false)
			return
		}
	}

	start := time.Now()
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())}
			}
		}()
		data, err := h.Fn(cctx, cmd.Params)
		done <- result{data: data, err: err}
	}()

	select {
	case res := <-done:
		elapsed := time.Since(start)
		if res.err != nil {
			// A deadline error surfacing through the handler is still a
			// timeout from the admin's perspective.
			if cctx.Err() == context.DeadlineExceeded {
				s.finish(connCtx, envID, cmd.Command, protocol.Failure(cmd.Command, "DeadlineExceeded",
					protocol.CodeTimeout, fmt.Sprintf("command exceeded %s deadline", cmd.Command), nil, elapsed), elapsed, false)
				return
			}
			s.finish(connCtx, envID, cmd.Command, protocol.FromError(cmd.Command, res.err, elapsed), elapsed, false)
			return
		}
		s.finish(connCtx, envID, cmd.Command, protocol.Success(cmd.Command, res.data, "", elapsed), elapsed, true)

	case <-cctx.Done():
		elapsed := time.Since(start)
		if connCtx.Err() != nil {
			// Connection lost: the handler was cancelled (or abandoned);
			// the hub fails this command to the admin, so stay silent.
			s.drainAbandoned(cmd.Command, done)
			if s.recorder != nil {
				s.recorder.CommandFinished(elapsed, false)
			}
			return
		}
		s.drainAbandoned(cmd.Command, done)
		s.finish(connCtx, envID, cmd.Command, protocol.Failure(cmd.Command, "DeadlineExceeded",
			protocol.CodeTimeout, fmt.Sprintf("command exceeded deadline after %s", elapsed.Round(time.Millisecond)), nil, elapsed), elapsed, false)
	}
}

// drainAbandoned discards the eventual return value of a handler that
// outlived its deadline. Blocking handlers are never forcibly killed.
func (s *Scheduler) drainAbandoned(command string, done <-chan result) {
	go func() {
		res := <-done
		s.log.Debug("abandoned handler returned", "command", command, "error", res.err)
	}()
}

func (s *Scheduler) finish(connCtx context.Context, envID, command string, resp *protocol.Response, elapsed time.Duration, success bool) {
	if s.recorder != nil {
		s.recorder.CommandFinished(elapsed, success)
	}
	s.respond(connCtx, envID, resp)
}

func (s *Scheduler) respond(ctx context.Context, envID string, resp *protocol.Response) {
	if ctx.Err() != nil {
		return
	}
	env, err := protocol.ResponseEnvelope(envID, resp)
	if err != nil {
		s.log.Error("build response envelope", "id", envID, "error", err)
		return
	}
	if err := s.send(env); err != nil {
		s.log.Warn("send response", "id", envID, "error", err)
	}
}

func (s *Scheduler) track(envID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.inflight[envID] = cancel
	s.mu.Unlock()
}

func (s *Scheduler) untrack(envID string) {
	s.mu.Lock()
	delete(s.inflight, envID)
	s.mu.Unlock()
}
