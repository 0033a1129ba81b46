// Package router forwards admin commands to endpoints and routes the
// correlated responses back. It owns the pending-command table, deadline
// enforcement, broadcast fan-out, and the hub's built-in admin commands.
package router

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sessionfab/sessionfab/internal/hub/registry"
	"github.com/sessionfab/sessionfab/internal/id"
	"github.com/sessionfab/sessionfab/internal/logging"
	"github.com/sessionfab/sessionfab/internal/metrics"
	"github.com/sessionfab/sessionfab/internal/protocol"
)

// Options configures the router.
type Options struct {
	DefaultTimeout time.Duration // applied when a forward carries no timeout_s
	HubGrace       time.Duration // slack on top of the forwarded timeout
	StaleThreshold time.Duration // list_clients status derivation
	Version        string
}

// AdminFunc is a hub-side admin command. It runs on the admin's read
// goroutine and must not block on endpoint traffic.
type AdminFunc func(admin *registry.Peer, params json.RawMessage) (any, error)

// Router implements the forwarding contract between admins and endpoints.
type Router struct {
	reg     *registry.Registry
	opts    Options
	log     *slog.Logger
	pending *pendingTable
	started time.Time

	forwards   atomic.Int64
	broadcasts atomic.Int64

	adminMu sync.RWMutex
	admin   map[string]AdminFunc
}

// New creates a router and installs the built-in admin commands.
func New(reg *registry.Registry, opts Options) *Router {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.HubGrace <= 0 {
		opts.HubGrace = 2 * time.Second
	}
	r := &Router{
		reg:     reg,
		opts:    opts,
		log:     slog.With(logging.LoggerKey, "router"),
		pending: newPendingTable(),
		started: time.Now(),
		admin:   make(map[string]AdminFunc),
	}
	r.admin["list_clients"] = r.listClients
	r.admin["find_clients"] = r.findClients
	r.admin["get_stats"] = r.getStats
	r.admin["disconnect_client"] = r.disconnectClient
	return r
}

// RegisterAdminCommand adds or replaces a hub-side admin command. The
// plugin loader and the server both extend the surface through this.
func (r *Router) RegisterAdminCommand(name string, fn AdminFunc) {
	r.adminMu.Lock()
	defer r.adminMu.Unlock()
	r.admin[name] = fn
}

// AdminCommands returns the registered hub-side command names.
func (r *Router) AdminCommands() []string {
	r.adminMu.RLock()
	defer r.adminMu.RUnlock()
	names := make([]string, 0, len(r.admin))
	for name := range r.admin {
		names = append(names, name)
	}
	return names
}

// HandleAdminCommand processes one command envelope from an admin.
func (r *Router) HandleAdminCommand(admin *registry.Peer, env *protocol.Envelope) {
	var cmd protocol.CommandPayload
	if err := env.DecodePayload(&cmd); err != nil {
		r.respond(admin.ID, env.ID, protocol.Failure("", "ParseError",
			protocol.CodeInvalidParams, err.Error(), nil, 0))
		return
	}

	switch cmd.Command {
	case "forward_command":
		r.forward(admin, env.ID, &cmd)
	case "broadcast_command":
		r.broadcast(admin, env.ID, &cmd)
	default:
		r.runAdminBuiltin(admin, env.ID, &cmd)
	}
}

func (r *Router) runAdminBuiltin(admin *registry.Peer, envID string, cmd *protocol.CommandPayload) {
	r.adminMu.RLock()
	fn, ok := r.admin[cmd.Command]
	r.adminMu.RUnlock()
	if !ok {
		r.respond(admin.ID, envID, protocol.Failure(cmd.Command, "UnknownCommand",
			protocol.CodeUnknownCommand, fmt.Sprintf("unknown command %q", cmd.Command), nil, 0))
		return
	}

	start := time.Now()
	data, err := fn(admin, cmd.Params)
	elapsed := time.Since(start)
	if err != nil {
		r.respond(admin.ID, envID, protocol.FromError(cmd.Command, err, elapsed))
		return
	}
	r.respond(admin.ID, envID, protocol.Success(cmd.Command, data, "", elapsed))
}

// forward implements the single-target forwarding contract.
func (r *Router) forward(admin *registry.Peer, envID string, cmd *protocol.CommandPayload) {
	var fwd protocol.ForwardPayload
	if len(cmd.Params) == 0 {
		r.respond(admin.ID, envID, protocol.Failure("forward_command", "ParseError",
			protocol.CodeInvalidParams, "forward_command requires parameters", nil, 0))
		return
	}
	if err := json.Unmarshal(cmd.Params, &fwd); err != nil {
		r.respond(admin.ID, envID, protocol.Failure("forward_command", "ParseError",
			protocol.CodeInvalidParams, err.Error(), nil, 0))
		return
	}
	if fwd.TargetIdentity == "" || fwd.InnerCommand == "" {
		r.respond(admin.ID, envID, protocol.Failure("forward_command", "ParseError",
			protocol.CodeInvalidParams, "target_identity and inner_command are required", nil, 0))
		return
	}

	target, ok := r.reg.Endpoint(fwd.TargetIdentity)
	if !ok {
		metrics.ForwardsTotal.WithLabelValues("unknown_target").Inc()
		r.respond(admin.ID, envID, protocol.Failure(fwd.InnerCommand, "UnknownTarget",
			protocol.CodeUnknownTarget,
			fmt.Sprintf("no endpoint registered with identity %q", fwd.TargetIdentity), nil, 0))
		return
	}

	adminID := admin.ID
	deliver := func(resp *protocol.Response) {
		r.respond(adminID, envID, resp)
	}
	r.dispatch(adminID, target, fwd.InnerCommand, fwd.InnerParams, timeoutOf(&fwd, r.opts.DefaultTimeout), deliver)
}

// dispatch sends one inner command to an endpoint and records the pending
// entry with its deadline watcher.
func (r *Router) dispatch(adminID int64, target *registry.Peer, command string,
	params json.RawMessage, timeout time.Duration, deliver func(*protocol.Response)) {

	r.forwards.Add(1)
	corr := id.Correlation(adminID)
	timeoutS := timeout.Seconds()
	inner, err := protocol.New(protocol.TypeCommand, corr, protocol.CommandPayload{
		Command:  command,
		Params:   params,
		TimeoutS: &timeoutS,
	})
	if err != nil {
		metrics.ForwardsTotal.WithLabelValues("error").Inc()
		deliver(protocol.Failure(command, "EncodeError", protocol.CodeProtocolError, err.Error(), nil, 0))
		return
	}

	p := &pending{
		correlationID:  corr,
		adminID:        adminID,
		targetIdentity: target.Identity,
		endpointID:     target.ID,
		command:        command,
		started:        time.Now(),
		deliver:        deliver,
	}
	p.timer = time.AfterFunc(timeout+r.opts.HubGrace, func() {
		if expired, ok := r.pending.remove(corr); ok {
			r.finish(expired, "timeout", protocol.Failure(expired.command, "Timeout",
				protocol.CodeTimeout,
				fmt.Sprintf("no response from %s within %s", expired.targetIdentity, timeout), nil,
				time.Since(expired.started)))
		}
	})
	r.pending.add(p)

	if err := target.Send(inner); err != nil {
		if lost, ok := r.pending.remove(corr); ok {
			r.finish(lost, "disconnect", protocol.Failure(command, "SendError",
				protocol.CodeDisconnect,
				fmt.Sprintf("endpoint %s unreachable: %v", target.Identity, err), nil, 0))
		}
	}
}

// HandleEndpointResponse correlates one response envelope from an endpoint
// back to the admin that issued the command. Late responses, whose pending
// entry was already resolved, are discarded.
func (r *Router) HandleEndpointResponse(endpoint *registry.Peer, env *protocol.Envelope) {
	p, ok := r.pending.remove(env.ID)
	if !ok {
		r.log.Debug("discarding late or unknown response",
			"correlation_id", env.ID, "endpoint", endpoint.Identity)
		return
	}

	var resp protocol.Response
	if err := env.DecodePayload(&resp); err != nil {
		r.finish(p, "error", protocol.Failure(p.command, "ParseError",
			protocol.CodeProtocolError,
			fmt.Sprintf("endpoint %s sent a malformed response: %v", endpoint.Identity, err), nil,
			time.Since(p.started)))
		return
	}

	result := "success"
	if !resp.Success {
		result = "failure"
	}
	r.finish(p, result, &resp)
}

// finish records metrics and delivers the terminal response for a pending
// command. Must be called exactly once per pending entry, by the remover.
func (r *Router) finish(p *pending, result string, resp *protocol.Response) {
	metrics.ForwardsTotal.WithLabelValues(result).Inc()
	metrics.ForwardDuration.Observe(time.Since(p.started).Seconds())
	p.deliver(resp)
}

// FailEndpoint resolves every pending command targeting the endpoint with
// the given error code. Used on disconnect (DISCONNECT) and on stale
// eviction (STALE_ENDPOINT).
func (r *Router) FailEndpoint(endpointID int64, code, message string) {
	lost := r.pending.removeWhere(func(p *pending) bool { return p.endpointID == endpointID })
	for _, p := range lost {
		r.finish(p, resultLabel(code), protocol.Failure(p.command, "EndpointLost", code,
			message, nil, time.Since(p.started)))
	}
	if len(lost) > 0 {
		r.log.Info("failed pending commands for endpoint",
			"endpoint_id", endpointID, "code", code, "count", len(lost))
	}
}

// DropAdmin abandons the pending commands an admin issued. The endpoints
// keep executing; their responses arrive with no pending entry and are
// discarded.
func (r *Router) DropAdmin(adminID int64) {
	dropped := r.pending.removeWhere(func(p *pending) bool { return p.adminID == adminID })
	if len(dropped) > 0 {
		r.log.Info("dropped pending commands for disconnected admin",
			"admin_id", adminID, "count", len(dropped))
	}
}

// respond delivers a response body to an admin, resolving the peer at
// delivery time so a disconnected admin is skipped silently.
func (r *Router) respond(adminID int64, envID string, resp *protocol.Response) {
	admin, ok := r.reg.Get(adminID)
	if !ok {
		return
	}
	env, err := protocol.ResponseEnvelope(envID, resp)
	if err != nil {
		r.log.Error("encode response", "error", err)
		return
	}
	if err := admin.Send(env); err != nil {
		r.log.Warn("send response to admin", "admin_id", adminID, "error", err)
	}
}

func resultLabel(code string) string {
	switch code {
	case protocol.CodeStaleEndpoint:
		return "stale_endpoint"
	default:
		return "disconnect"
	}
}

func timeoutOf(fwd *protocol.ForwardPayload, def time.Duration) time.Duration {
	if d, ok := fwd.Timeout(); ok {
		return d
	}
	return def
}
