package router

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/sessionfab/sessionfab/internal/hub/registry"
	"github.com/sessionfab/sessionfab/internal/protocol"
)

// broadcastParams is the params body of broadcast_command: a forward
// without a target.
type broadcastParams struct {
	InnerCommand string          `json:"inner_command"`
	InnerParams  json.RawMessage `json:"inner_params,omitempty"`
	TimeoutS     *float64        `json:"timeout_s,omitempty"`
}

// broadcastResult pairs an endpoint identity with its terminal response.
type broadcastResult struct {
	Identity string             `json:"identity"`
	Response *protocol.Response `json:"response"`
}

// aggregator collects one result per fanned-out endpoint and fires done
// once, when the last arrives. Results are ordered by identity so the
// admin sees a deterministic list.
type aggregator struct {
	mu        sync.Mutex
	remaining int
	results   []broadcastResult
	done      func([]broadcastResult)
}

func (a *aggregator) add(identity string, resp *protocol.Response) {
	a.mu.Lock()
	a.results = append(a.results, broadcastResult{Identity: identity, Response: resp})
	a.remaining--
	fire := a.remaining == 0
	results := a.results
	a.mu.Unlock()

	if fire {
		sort.Slice(results, func(i, j int) bool { return results[i].Identity < results[j].Identity })
		a.done(results)
	}
}

// broadcast fans an inner command out to every registered endpoint and
// answers the admin with the aggregated (identity, response) list.
func (r *Router) broadcast(admin *registry.Peer, envID string, cmd *protocol.CommandPayload) {
	var bc broadcastParams
	if len(cmd.Params) > 0 {
		if err := json.Unmarshal(cmd.Params, &bc); err != nil {
			r.respond(admin.ID, envID, protocol.Failure("broadcast_command", "ParseError",
				protocol.CodeInvalidParams, err.Error(), nil, 0))
			return
		}
	}
	if bc.InnerCommand == "" {
		r.respond(admin.ID, envID, protocol.Failure("broadcast_command", "ParseError",
			protocol.CodeInvalidParams, "inner_command is required", nil, 0))
		return
	}

	r.broadcasts.Add(1)
	targets := r.reg.Endpoints()
	adminID := admin.ID
	started := time.Now()

	if len(targets) == 0 {
		r.respond(adminID, envID, protocol.Success("broadcast_command",
			map[string]any{"results": []broadcastResult{}}, "no endpoints registered", 0))
		return
	}

	agg := &aggregator{
		remaining: len(targets),
		done: func(results []broadcastResult) {
			r.respond(adminID, envID, protocol.Success("broadcast_command",
				map[string]any{"results": results}, "", time.Since(started)))
		},
	}

	timeout := r.opts.DefaultTimeout
	if bc.TimeoutS != nil {
		timeout = time.Duration(*bc.TimeoutS * float64(time.Second))
	}
	for _, target := range targets {
		identity := target.Identity
		r.dispatch(adminID, target, bc.InnerCommand, bc.InnerParams, timeout,
			func(resp *protocol.Response) { agg.add(identity, resp) })
	}
}
