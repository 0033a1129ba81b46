package router

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sessionfab/sessionfab/internal/hub/registry"
	"github.com/sessionfab/sessionfab/internal/protocol"
)

// clientEntry is one list_clients row.
type clientEntry struct {
	registry.Info
	Status string `json:"status"`
}

// clientEntries derives the status column for a set of endpoints.
func (r *Router) clientEntries(endpoints []*registry.Peer) []clientEntry {
	out := make([]clientEntry, 0, len(endpoints))
	cutoff := time.Now().Add(-r.opts.StaleThreshold)
	for _, p := range endpoints {
		status := "active"
		if r.opts.StaleThreshold > 0 && p.LastTraffic().Before(cutoff) {
			status = "stale"
		}
		out = append(out, clientEntry{Info: p.Info(), Status: status})
	}
	return out
}

// listClients snapshots the registered endpoints.
func (r *Router) listClients(_ *registry.Peer, _ json.RawMessage) (any, error) {
	out := r.clientEntries(r.reg.Endpoints())
	return map[string]any{"clients": out, "count": len(out)}, nil
}

// findClients resolves endpoints by advertised capability, so an admin can
// locate every session able to run a given handler.
func (r *Router) findClients(_ *registry.Peer, params json.RawMessage) (any, error) {
	var p struct {
		Capability string `json:"capability"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &protocol.HandlerError{
				Code: protocol.CodeInvalidParams, Message: err.Error()}
		}
	}
	if p.Capability == "" {
		return nil, &protocol.HandlerError{
			Code: protocol.CodeInvalidParams, Message: "capability is required"}
	}

	out := r.clientEntries(r.reg.ByCapability(p.Capability))
	return map[string]any{"capability": p.Capability, "clients": out, "count": len(out)}, nil
}

// getStats reports hub-wide counters.
func (r *Router) getStats(_ *registry.Peer, _ json.RawMessage) (any, error) {
	endpoints, admins := r.reg.Counts()
	return map[string]any{
		"endpoints":        endpoints,
		"admins":           admins,
		"pending_commands": r.pending.len(),
		"forwards_total":   r.forwards.Load(),
		"broadcasts_total": r.broadcasts.Load(),
		"uptime_s":         time.Since(r.started).Seconds(),
		"started_at":       r.started.UTC(),
		"version":          r.opts.Version,
	}, nil
}

// disconnectClient forcibly closes a peer. Its pending commands resolve
// with DISCONNECT before the socket goes down.
func (r *Router) disconnectClient(_ *registry.Peer, params json.RawMessage) (any, error) {
	var p struct {
		PeerID int64 `json:"peer_id"`
	}
	if len(params) == 0 {
		return nil, &protocol.HandlerError{
			Code: protocol.CodeInvalidParams, Message: "peer_id is required"}
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &protocol.HandlerError{
			Code: protocol.CodeInvalidParams, Message: err.Error()}
	}

	peer, ok := r.reg.Get(p.PeerID)
	if !ok {
		return nil, &protocol.HandlerError{
			Code:    protocol.CodeUnknownTarget,
			Message: fmt.Sprintf("no peer with id %d", p.PeerID),
		}
	}

	r.FailEndpoint(peer.ID, protocol.CodeDisconnect, "peer disconnected by admin")
	peer.Close("disconnected by admin")
	r.log.Info("peer disconnected by admin", "peer_id", peer.ID, "identity", peer.Identity)
	return map[string]any{"peer_id": peer.ID, "identity": peer.Identity}, nil
}
