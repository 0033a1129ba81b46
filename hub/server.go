// Package hub provides a reusable hub server that multiplexes endpoint
// and admin WebSocket connections and can be embedded in other binaries.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/sessionfab/sessionfab/internal/config"
	hubplugin "github.com/sessionfab/sessionfab/internal/hub/plugin"
	"github.com/sessionfab/sessionfab/internal/hub/registry"
	"github.com/sessionfab/sessionfab/internal/hub/router"
	"github.com/sessionfab/sessionfab/internal/id"
	"github.com/sessionfab/sessionfab/internal/logging"
	"github.com/sessionfab/sessionfab/internal/metrics"
	"github.com/sessionfab/sessionfab/internal/protocol"
	"github.com/sessionfab/sessionfab/internal/util/sanitize"
)

const (
	handshakeTimeout = 10 * time.Second
	// shutdownRetryDelayS is the reconnect delay hint broadcast to
	// endpoints before the hub goes down.
	shutdownRetryDelayS = 10.0
)

// ServerConfig holds configuration for a hub server.
type ServerConfig struct {
	ConfigPath string // optional YAML config file
	Addr       string // listen address override (empty uses the config)
	Version    string
}

// Server is a reusable hub instance.
type Server struct {
	cfg     *config.Config
	addr    string
	version string

	reg    *registry.Registry
	router *router.Router
	loader *hubplugin.Loader
	server *http.Server
	log    *slog.Logger
}

// NewServer loads the configuration and wires the registry, router, and
// plugin surface. Call Serve() to start listening.
func NewServer(sc ServerConfig) (*Server, error) {
	cfg, err := config.Load(sc.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	addr := sc.Addr
	if addr == "" {
		addr = cfg.HubAddr()
	}

	reg := registry.New()
	rt := router.New(reg, router.Options{
		DefaultTimeout: cfg.DefaultTimeout(),
		HubGrace:       cfg.HubGrace(),
		StaleThreshold: cfg.StaleThreshold(),
		Version:        sc.Version,
	})

	s := &Server{
		cfg:     cfg,
		addr:    addr,
		version: sc.Version,
		reg:     reg,
		router:  rt,
		loader:  hubplugin.NewLoader(cfg.Hub.PluginsDir, rt),
		log:     slog.With(logging.LoggerKey, "hub"),
	}
	s.loader.Load()
	rt.RegisterAdminCommand("reload_plugins", s.reloadPlugins)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.server = &http.Server{
		Handler:           logging.HTTPMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Registry exposes the peer registry (used by embedding binaries and tests).
func (s *Server) Registry() *registry.Registry { return s.reg }

// Router exposes the command router.
func (s *Server) Router() *router.Router { return s.router }

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.addr }

// reloadPlugins is the reload_plugins admin command.
func (s *Server) reloadPlugins(_ *registry.Peer, _ json.RawMessage) (any, error) {
	return map[string]any{"modules": s.loader.Load()}, nil
}

// Serve listens until ctx is cancelled, then notifies connected endpoints
// and shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.log.Info("hub listening", "addr", s.addr)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.sweepStale(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.log.Info("hub shutting down...")
		s.notifyShutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
		return nil
	})

	return g.Wait()
}

// notifyShutdown tells every endpoint to delay its reconnect, so a
// restarting hub is not stampeded.
func (s *Server) notifyShutdown() {
	data, err := json.Marshal(map[string]float64{"retry_delay_s": shutdownRetryDelayS})
	if err != nil {
		return
	}
	env, err := protocol.New(protocol.TypeEvent, id.Generate(), protocol.EventPayload{
		Name: "hub_shutdown",
		Data: data,
	})
	if err != nil {
		return
	}
	for _, p := range s.reg.Endpoints() {
		_ = p.Send(env)
	}
}

// sweepStale evicts endpoints that have sent nothing for the stale
// threshold and fails their pending commands with STALE_ENDPOINT.
func (s *Server) sweepStale(ctx context.Context) {
	threshold := s.cfg.StaleThreshold()
	interval := threshold / 2
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range s.reg.StaleEndpoints(threshold) {
				s.log.Warn("evicting stale endpoint",
					"identity", p.Identity, "peer_id", p.ID,
					"last_traffic", p.LastTraffic())
				s.router.FailEndpoint(p.ID, protocol.CodeStaleEndpoint,
					fmt.Sprintf("endpoint %s missed heartbeats for %s", p.Identity, threshold))
				_ = p.SendError(id.Generate(), protocol.CodeStaleEndpoint, "no traffic within the stale threshold")
				p.Close("stale")
				s.reg.Remove(p)
				metrics.StaleEvictions.Inc()
			}
		}
	}
}

// handleWS accepts a WebSocket connection and classifies it by its first
// envelope: register makes it an endpoint, hello an admin.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The fabric is deployed behind operator-controlled networks;
		// browser origin checks do not apply to agent connections.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn("websocket accept", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(s.cfg.Transport.MaxMessageBytes)

	ctx := r.Context()
	first, err := s.readEnvelope(ctx, conn, handshakeTimeout)
	if err != nil {
		s.closeProtocol(conn, "", err)
		return
	}

	switch first.Type {
	case protocol.TypeRegister:
		s.serveEndpoint(ctx, conn, first)
	case protocol.TypeHello:
		s.serveAdmin(ctx, conn, first)
	default:
		s.closeProtocol(conn, first.ID,
			fmt.Errorf("expected register or hello, got %s", first.Type))
	}
}

func (s *Server) readEnvelope(ctx context.Context, conn *websocket.Conn, timeout time.Duration) (*protocol.Envelope, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, &protocol.ParseError{Reason: "binary frame"}
	}
	env, err := protocol.Decode(data, s.cfg.Transport.MaxMessageBytes)
	if err != nil {
		return nil, err
	}
	metrics.EnvelopesReceived.WithLabelValues(string(env.Type)).Inc()
	return env, nil
}

// closeProtocol reports a protocol error to the peer and closes the
// connection. Other peers are unaffected.
func (s *Server) closeProtocol(conn *websocket.Conn, envID string, err error) {
	metrics.ProtocolErrors.Inc()
	s.log.Warn("protocol error", "error", err)
	if envID == "" {
		envID = id.Generate()
	}
	env, encErr := protocol.New(protocol.TypeError, envID, protocol.ErrorPayload{
		Code:    protocol.CodeProtocolError,
		Message: err.Error(),
	})
	if encErr == nil {
		if data, encErr := protocol.Encode(env); encErr == nil {
			wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = conn.Write(wctx, websocket.MessageText, data)
			cancel()
		}
	}
	_ = conn.Close(websocket.StatusPolicyViolation, "protocol error")
}

// serveEndpoint registers the endpoint, evicting any previous holder of
// its identity, and serves its read loop.
func (s *Server) serveEndpoint(ctx context.Context, conn *websocket.Conn, reg *protocol.Envelope) {
	var payload protocol.RegisterPayload
	if err := reg.DecodePayload(&payload); err != nil {
		s.closeProtocol(conn, reg.ID, err)
		return
	}
	if payload.Identity == "" {
		s.closeProtocol(conn, reg.ID, fmt.Errorf("register without identity"))
		return
	}

	peer := registry.NewPeer(registry.RoleEndpoint, conn)
	peer.Identity = payload.Identity
	peer.Capabilities = payload.Capabilities
	peer.Version = payload.Version

	if evicted := s.reg.AddEndpoint(peer); evicted != nil {
		s.log.Info("evicting previous endpoint",
			"identity", payload.Identity, "old_peer_id", evicted.ID, "new_peer_id", peer.ID)
		s.router.FailEndpoint(evicted.ID, protocol.CodeDisconnect,
			fmt.Sprintf("endpoint %s re-registered", payload.Identity))
		_ = evicted.SendError(id.Generate(), protocol.CodeEvicted,
			"a newer endpoint registered with this identity")
		evicted.Close("evicted")
	}

	welcome, err := protocol.New(protocol.TypeWelcome, reg.ID, protocol.WelcomePayload{
		PeerID:     peer.ID,
		ServerTime: time.Now().UTC(),
	})
	if err != nil || peer.Send(welcome) != nil {
		s.reg.Remove(peer)
		return
	}

	s.log.Info("endpoint registered",
		"identity", peer.Identity, "peer_id", peer.ID,
		"capabilities", len(peer.Capabilities), "version", peer.Version)

	defer func() {
		s.reg.Remove(peer)
		s.router.FailEndpoint(peer.ID, protocol.CodeDisconnect,
			fmt.Sprintf("endpoint %s disconnected", peer.Identity))
		s.log.Info("endpoint disconnected", "identity", peer.Identity, "peer_id", peer.ID)
	}()

	s.readLoop(ctx, conn, peer)
}

// serveAdmin accepts an admin connection and serves its read loop.
func (s *Server) serveAdmin(ctx context.Context, conn *websocket.Conn, hello *protocol.Envelope) {
	var payload protocol.HelloPayload
	if len(hello.Payload) > 0 {
		if err := hello.DecodePayload(&payload); err != nil {
			s.closeProtocol(conn, hello.ID, err)
			return
		}
	}

	peer := registry.NewPeer(registry.RoleAdmin, conn)
	peer.Label = sanitize.Label(payload.Label, 64)
	peer.Version = payload.Version
	s.reg.AddAdmin(peer)

	welcome, err := protocol.New(protocol.TypeWelcome, hello.ID, protocol.WelcomePayload{
		PeerID:     peer.ID,
		ServerTime: time.Now().UTC(),
	})
	if err != nil || peer.Send(welcome) != nil {
		s.reg.Remove(peer)
		return
	}

	s.log.Info("admin connected", "peer_id", peer.ID, "label", peer.Label)

	defer func() {
		s.reg.Remove(peer)
		s.router.DropAdmin(peer.ID)
		s.log.Info("admin disconnected", "peer_id", peer.ID)
	}()

	s.readLoop(ctx, conn, peer)
}

// readLoop serves envelopes from one peer until the connection drops or a
// protocol error closes it.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, peer *registry.Peer) {
	for {
		env, err := s.readEnvelope(ctx, conn, 0)
		if err != nil {
			var perr *protocol.ParseError
			if errors.As(err, &perr) {
				s.closeProtocol(conn, "", perr)
			}
			return
		}
		peer.Touch()
		s.dispatch(peer, env)
	}
}

func (s *Server) dispatch(peer *registry.Peer, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeHeartbeat:
		// Echo with the same id; the sender derives RTT from it.
		echo, err := protocol.New(protocol.TypeHeartbeat, env.ID, nil)
		if err == nil {
			_ = peer.Send(echo)
		}

	case protocol.TypeResponse:
		if peer.Role == registry.RoleEndpoint {
			s.router.HandleEndpointResponse(peer, env)
		} else {
			s.log.Warn("response envelope from admin", "peer_id", peer.ID)
		}

	case protocol.TypeCommand:
		if peer.Role == registry.RoleAdmin {
			s.router.HandleAdminCommand(peer, env)
		} else {
			_ = peer.SendError(env.ID, protocol.CodeProtocolError,
				"endpoints do not issue commands")
		}

	case protocol.TypeEvent:
		s.handleEvent(peer, env)

	case protocol.TypeError:
		var ep protocol.ErrorPayload
		_ = env.DecodePayload(&ep)
		s.log.Warn("error envelope from peer",
			"peer_id", peer.ID, "code", ep.Code, "message", ep.Message)

	default:
		s.log.Warn("unhandled envelope", "peer_id", peer.ID, "type", env.Type)
	}
}

// handleEvent logs endpoint events and relays them to connected admins.
// The hub is agnostic to event payloads.
func (s *Server) handleEvent(peer *registry.Peer, env *protocol.Envelope) {
	var ev protocol.EventPayload
	if err := env.DecodePayload(&ev); err != nil {
		s.log.Warn("malformed event", "peer_id", peer.ID, "error", err)
		return
	}
	s.log.Info("event from endpoint",
		"identity", peer.Identity, "peer_id", peer.ID, "event", ev.Name)

	relay, err := protocol.New(protocol.TypeEvent, id.Generate(), struct {
		Name     string          `json:"name"`
		Identity string          `json:"identity"`
		Data     json.RawMessage `json:"data,omitempty"`
	}{Name: ev.Name, Identity: peer.Identity, Data: ev.Data})
	if err != nil {
		return
	}
	for _, admin := range s.reg.Admins() {
		_ = admin.Send(relay)
	}
}
