// Package registry tracks the hub's connected peers: registered endpoints
// keyed by identity and connected admins. Identity is exclusive; a new
// registration evicts the previous holder before it is committed.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/sessionfab/sessionfab/internal/metrics"
	"github.com/sessionfab/sessionfab/internal/protocol"
)

// Role distinguishes the two sides the hub multiplexes.
type Role string

const (
	RoleEndpoint Role = "endpoint"
	RoleAdmin    Role = "admin"
)

const writeTimeout = 10 * time.Second

// SendFn overrides the wire write. Tests inject it to capture envelopes
// without a WebSocket connection.
type SendFn func(data []byte) error

// Peer is one connected client.
type Peer struct {
	ID           int64
	Role         Role
	Identity     string // endpoints only; exclusive hub-wide
	Label        string // admins only
	Capabilities []string
	Version      string
	ConnectedAt  time.Time

	// SendFn, when non-nil, replaces the WebSocket write.
	SendFn SendFn

	conn   *websocket.Conn
	sendMu sync.Mutex

	mu          sync.Mutex
	lastTraffic time.Time
}

// NewPeer wraps an accepted connection. The id is assigned by the registry
// on Add.
func NewPeer(role Role, conn *websocket.Conn) *Peer {
	now := time.Now()
	return &Peer{
		Role:        role,
		ConnectedAt: now,
		conn:        conn,
		lastTraffic: now,
	}
}

// Send writes an envelope to the peer. A mutex serializes writes; the
// WebSocket frame buffer tolerates no concurrent writers.
func (p *Peer) Send(env *protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if p.SendFn != nil {
		return p.SendFn(data)
	}
	if p.conn == nil {
		return fmt.Errorf("peer %d has no connection", p.ID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return p.conn.Write(ctx, websocket.MessageText, data)
}

// SendError sends a protocol error envelope answering the given id.
func (p *Peer) SendError(id, code, message string) error {
	env, err := protocol.New(protocol.TypeError, id, protocol.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return err
	}
	return p.Send(env)
}

// Close tears down the connection with the given close reason.
func (p *Peer) Close(reason string) {
	if p.conn != nil {
		_ = p.conn.Close(websocket.StatusNormalClosure, reason)
	}
}

// Touch records traffic from the peer; heartbeats and every other envelope
// both count toward liveness.
func (p *Peer) Touch() {
	p.mu.Lock()
	p.lastTraffic = time.Now()
	p.mu.Unlock()
}

// LastTraffic returns the time of the last envelope received from the peer.
func (p *Peer) LastTraffic() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTraffic
}

// Info is the wire-facing description of a peer, used by list_clients.
type Info struct {
	PeerID       int64     `json:"peer_id"`
	Identity     string    `json:"identity,omitempty"`
	Label        string    `json:"label,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Version      string    `json:"version,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// Info snapshots the peer for admin consumption.
func (p *Peer) Info() Info {
	return Info{
		PeerID:       p.ID,
		Identity:     p.Identity,
		Label:        p.Label,
		Capabilities: p.Capabilities,
		Version:      p.Version,
		ConnectedAt:  p.ConnectedAt,
		LastSeen:     p.LastTraffic(),
	}
}

// Registry holds all connected peers. Peer ids are monotonic for the
// lifetime of the hub process and never reused.
type Registry struct {
	mu        sync.Mutex
	nextID    int64
	peers     map[int64]*Peer
	endpoints map[string]*Peer            // identity -> peer
	caps      map[string]map[int64]*Peer // advertised handler -> peers
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		peers:     make(map[int64]*Peer),
		endpoints: make(map[string]*Peer),
		caps:      make(map[string]map[int64]*Peer),
	}
}

// AddAdmin assigns an id to the admin and tracks it.
func (r *Registry) AddAdmin(p *Peer) {
	r.mu.Lock()
	r.nextID++
	p.ID = r.nextID
	r.peers[p.ID] = p
	r.mu.Unlock()
	metrics.ConnectedAdmins.Inc()
}

// AddEndpoint commits an endpoint registration. When another peer already
// holds the identity it is returned as evicted and removed from the
// registry before the new peer is committed; the caller notifies and
// closes it.
func (r *Registry) AddEndpoint(p *Peer) (evicted *Peer) {
	r.mu.Lock()
	if old, ok := r.endpoints[p.Identity]; ok {
		evicted = old
		delete(r.peers, old.ID)
		r.dropCapsLocked(old)
	}
	r.nextID++
	p.ID = r.nextID
	r.peers[p.ID] = p
	r.endpoints[p.Identity] = p
	r.addCapsLocked(p)
	r.mu.Unlock()

	if evicted != nil {
		metrics.Evictions.Inc()
	} else {
		metrics.ConnectedEndpoints.Inc()
	}
	return evicted
}

// Remove drops a peer. The identity index entry is removed only when it
// still points at this peer, so removing an evicted endpoint does not
// unregister its replacement.
func (r *Registry) Remove(p *Peer) {
	r.mu.Lock()
	_, present := r.peers[p.ID]
	delete(r.peers, p.ID)
	if p.Role == RoleEndpoint {
		if cur, ok := r.endpoints[p.Identity]; ok && cur.ID == p.ID {
			delete(r.endpoints, p.Identity)
			r.dropCapsLocked(p)
		} else {
			present = false // evicted earlier; index already adjusted
		}
	}
	r.mu.Unlock()

	if present {
		switch p.Role {
		case RoleEndpoint:
			metrics.ConnectedEndpoints.Dec()
		case RoleAdmin:
			metrics.ConnectedAdmins.Dec()
		}
	}
}

// Get resolves a peer id.
func (r *Registry) Get(id int64) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	return p, ok
}

// Endpoint resolves an identity to its registered endpoint.
func (r *Registry) Endpoint(identity string) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.endpoints[identity]
	return p, ok
}

// Endpoints returns all registered endpoints ordered by identity.
func (r *Registry) Endpoints() []*Peer {
	r.mu.Lock()
	out := make([]*Peer, 0, len(r.endpoints))
	for _, p := range r.endpoints {
		out = append(out, p)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// ByCapability returns the registered endpoints advertising the named
// handler, ordered by identity.
func (r *Registry) ByCapability(name string) []*Peer {
	r.mu.Lock()
	out := make([]*Peer, 0, len(r.caps[name]))
	for _, p := range r.caps[name] {
		out = append(out, p)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

func (r *Registry) addCapsLocked(p *Peer) {
	for _, c := range p.Capabilities {
		set, ok := r.caps[c]
		if !ok {
			set = make(map[int64]*Peer)
			r.caps[c] = set
		}
		set[p.ID] = p
	}
}

func (r *Registry) dropCapsLocked(p *Peer) {
	for _, c := range p.Capabilities {
		set, ok := r.caps[c]
		if !ok {
			continue
		}
		delete(set, p.ID)
		if len(set) == 0 {
			delete(r.caps, c)
		}
	}
}

// Admins returns all connected admins ordered by peer id.
func (r *Registry) Admins() []*Peer {
	r.mu.Lock()
	out := make([]*Peer, 0)
	for _, p := range r.peers {
		if p.Role == RoleAdmin {
			out = append(out, p)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts reports connected endpoints and admins.
func (r *Registry) Counts() (endpoints, admins int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.peers {
		if p.Role == RoleAdmin {
			admins++
		}
	}
	return len(r.endpoints), admins
}

// StaleEndpoints returns endpoints with no traffic since the threshold.
func (r *Registry) StaleEndpoints(threshold time.Duration) []*Peer {
	cutoff := time.Now().Add(-threshold)
	var stale []*Peer
	for _, p := range r.Endpoints() {
		if p.LastTraffic().Before(cutoff) {
			stale = append(stale, p)
		}
	}
	return stale
}
