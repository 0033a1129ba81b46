package config

// Change is one key whose value differs between two configurations.
// Live-safe changes are applied in place by hot reload subscribers;
// the rest set the restart-required flag instead.
type Change struct {
	Key      string `json:"key"`
	Old      any    `json:"old"`
	New      any    `json:"new"`
	LiveSafe bool   `json:"live_safe"`
}

// liveSafe lists the keys that can change without a process restart:
// intervals, thresholds, sizes of periodic work, and log levels.
var liveSafe = map[string]bool{
	"heartbeat.interval_s":       true,
	"heartbeat.stale_multiplier": true,
	"reconnect.initial_s":        true,
	"reconnect.max_s":            true,
	"reconnect.multiplier":       true,
	"reconnect.jitter":           true,
	"command.default_timeout_s":  true,
	"command.hub_grace_s":        true,
	"health.sample_interval_s":   true,
	"health.max_memory_bytes":    true,
	"log.level":                  true,
	"hot_reload.debounce_ms":     true,
}

// flatten mirrors the keys in defaults().
func (c *Config) flatten() map[string]any {
	return map[string]any{
		"hub.host":                    c.Hub.Host,
		"hub.port":                    c.Hub.Port,
		"hub.plugins_dir":             c.Hub.PluginsDir,
		"endpoint.hub_url":            c.Endpoint.HubURL,
		"endpoint.identity":           c.Endpoint.Identity,
		"endpoint.plugins_dir":        c.Endpoint.PluginsDir,
		"heartbeat.interval_s":        c.Heartbeat.IntervalS,
		"heartbeat.stale_multiplier":  c.Heartbeat.StaleMultiplier,
		"reconnect.initial_s":         c.Reconnect.InitialS,
		"reconnect.max_s":             c.Reconnect.MaxS,
		"reconnect.multiplier":        c.Reconnect.Multiplier,
		"reconnect.jitter":            c.Reconnect.Jitter,
		"command.default_timeout_s":   c.Command.DefaultTimeoutS,
		"command.hub_grace_s":         c.Command.HubGraceS,
		"worker_pool.size":            c.WorkerPool.Size,
		"health.sample_interval_s":    c.Health.SampleIntervalS,
		"health.max_memory_bytes":     c.Health.MaxMemoryBytes,
		"log.dir":                     c.Log.Dir,
		"log.max_bytes":               c.Log.MaxBytes,
		"log.backups":                 c.Log.Backups,
		"log.ring_size":               c.Log.RingSize,
		"log.level":                   c.Log.Level,
		"log.compress_backups":        c.Log.CompressBackups,
		"hot_reload.enabled":          c.HotReload.Enabled,
		"hot_reload.debounce_ms":      c.HotReload.DebounceMs,
		"transport.max_message_bytes": c.Transport.MaxMessageBytes,
	}
}

// Diff returns the changes from old to new, in stable key order.
func Diff(old, new *Config) []Change {
	oldFlat := old.flatten()
	newFlat := new.flatten()

	var changes []Change
	for key := range defaults() {
		if oldFlat[key] != newFlat[key] {
			changes = append(changes, Change{
				Key:      key,
				Old:      oldFlat[key],
				New:      newFlat[key],
				LiveSafe: liveSafe[key],
			})
		}
	}
	sortChanges(changes)
	return changes
}

func sortChanges(changes []Change) {
	for i := 1; i < len(changes); i++ {
		for j := i; j > 0 && changes[j].Key < changes[j-1].Key; j-- {
			changes[j], changes[j-1] = changes[j-1], changes[j]
		}
	}
}
