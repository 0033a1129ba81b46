// Package health samples process metrics and command statistics on the
// endpoint and derives a coarse health status from them.
package health

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/sessionfab/sessionfab/internal/logging"
)

// Status is the derived endpoint condition.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
)

// Thresholds for status derivation.
const (
	cpuUnhealthyPct   = 90.0
	cpuDegradedPct    = 70.0
	cpuUnhealthyRuns  = 3   // consecutive samples above cpuUnhealthyPct
	failUnhealthyRate = 0.5 // over the recent command window
	failDegradedRate  = 0.2
	recentWindow      = 20
	emaAlpha          = 0.2
)

// Sample is a point-in-time health record.
type Sample struct {
	Time              time.Time `json:"time"`
	CPUPercent        float64   `json:"cpu_percent"`
	RSSBytes          uint64    `json:"rss_bytes"`
	OpenFDs           int32     `json:"open_fds"`
	UptimeS           float64   `json:"uptime_s"`
	CommandsTotal     int64     `json:"commands_total"`
	CommandsSucceeded int64     `json:"commands_succeeded"`
	CommandsFailed    int64     `json:"commands_failed"`
	CommandsInFlight  int64     `json:"commands_in_flight"`
	LatencyEMAMs      float64   `json:"latency_ema_ms"`
	Status            Status    `json:"status"`
}

// Options configures a Monitor.
type Options struct {
	SampleInterval time.Duration // default 5s
	RingSize       int           // default 720 (≈1h at 5s)
	MaxMemoryBytes int64         // 0 disables the memory threshold
}

// Monitor samples process and scheduler metrics on an interval and retains
// a ring of recent samples. It implements the scheduler's Recorder.
type Monitor struct {
	proc     *process.Process
	start    time.Time
	log      *slog.Logger
	interval atomic.Int64 // nanoseconds
	maxMem   atomic.Int64

	total, succeeded, failed, inflight atomic.Int64

	mu         sync.Mutex
	ring       []Sample
	next       int
	full       bool
	latencyEMA float64
	recent     []bool // outcome of the last recentWindow commands
	cpuHigh    int    // consecutive samples above cpuUnhealthyPct
}

// NewMonitor creates a monitor for the current process.
func NewMonitor(opts Options) (*Monitor, error) {
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = 5 * time.Second
	}
	if opts.RingSize <= 0 {
		opts.RingSize = 720
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	m := &Monitor{
		proc:  proc,
		start: time.Now(),
		log:   slog.With(logging.LoggerKey, "health"),
		ring:  make([]Sample, opts.RingSize),
	}
	m.interval.Store(int64(opts.SampleInterval))
	m.maxMem.Store(opts.MaxMemoryBytes)
	return m, nil
}

// Run samples until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	timer := time.NewTimer(time.Duration(m.interval.Load()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			m.sample()
			timer.Reset(time.Duration(m.interval.Load()))
		}
	}
}

// SetSampleInterval applies a live config change to the sampling cadence.
func (m *Monitor) SetSampleInterval(d time.Duration) {
	if d > 0 {
		m.interval.Store(int64(d))
	}
}

// SetMaxMemory applies a live config change to the memory threshold.
func (m *Monitor) SetMaxMemory(bytes int64) {
	m.maxMem.Store(bytes)
}

// CommandStarted implements scheduler.Recorder.
func (m *Monitor) CommandStarted() {
	m.inflight.Add(1)
}

// CommandFinished implements scheduler.Recorder.
func (m *Monitor) CommandFinished(d time.Duration, success bool) {
	m.inflight.Add(-1)
	m.total.Add(1)
	if success {
		m.succeeded.Add(1)
	} else {
		m.failed.Add(1)
	}

	ms := float64(d) / float64(time.Millisecond)
	m.mu.Lock()
	if m.latencyEMA == 0 {
		m.latencyEMA = ms
	} else {
		m.latencyEMA = emaAlpha*ms + (1-emaAlpha)*m.latencyEMA
	}
	m.recent = append(m.recent, success)
	if len(m.recent) > recentWindow {
		m.recent = m.recent[len(m.recent)-recentWindow:]
	}
	m.mu.Unlock()
}

// sample takes one reading and appends it to the ring.
func (m *Monitor) sample() {
	s := Sample{
		Time:              time.Now(),
		UptimeS:           time.Since(m.start).Seconds(),
		CommandsTotal:     m.total.Load(),
		CommandsSucceeded: m.succeeded.Load(),
		CommandsFailed:    m.failed.Load(),
		CommandsInFlight:  m.inflight.Load(),
	}

	if cpu, err := m.proc.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	}
	if mem, err := m.proc.MemoryInfo(); err == nil && mem != nil {
		s.RSSBytes = mem.RSS
	}
	// Not available on every platform; zero is fine.
	if fds, err := m.proc.NumFDs(); err == nil {
		s.OpenFDs = fds
	}

	m.mu.Lock()
	s.LatencyEMAMs = m.latencyEMA
	if s.CPUPercent > cpuUnhealthyPct {
		m.cpuHigh++
	} else {
		m.cpuHigh = 0
	}
	s.Status = m.deriveLocked(&s)
	m.ring[m.next] = s
	m.next++
	if m.next == len(m.ring) {
		m.next = 0
		m.full = true
	}
	m.mu.Unlock()

	if s.Status != Healthy {
		m.log.Warn("health status", "status", s.Status, "cpu", s.CPUPercent, "rss", s.RSSBytes)
	}
}

// deriveLocked applies the status thresholds. Called with the mutex held.
func (m *Monitor) deriveLocked(s *Sample) Status {
	failRate := m.recentFailureRateLocked()
	maxMem := m.maxMem.Load()

	switch {
	case m.cpuHigh >= cpuUnhealthyRuns:
		return Unhealthy
	case maxMem > 0 && int64(s.RSSBytes) > maxMem:
		return Unhealthy
	case len(m.recent) == recentWindow && failRate > failUnhealthyRate:
		return Unhealthy
	case s.CPUPercent > cpuDegradedPct:
		return Degraded
	case maxMem > 0 && int64(s.RSSBytes) > maxMem*8/10:
		return Degraded
	case len(m.recent) == recentWindow && failRate > failDegradedRate:
		return Degraded
	}
	return Healthy
}

func (m *Monitor) recentFailureRateLocked() float64 {
	if len(m.recent) == 0 {
		return 0
	}
	var failed int
	for _, ok := range m.recent {
		if !ok {
			failed++
		}
	}
	return float64(failed) / float64(len(m.recent))
}

// Latest returns the most recent sample. ok is false before the first
// sampling tick; callers may use Snapshot-free Collect instead.
func (m *Monitor) Latest() (Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.full && m.next == 0 {
		return Sample{}, false
	}
	idx := m.next - 1
	if idx < 0 {
		idx = len(m.ring) - 1
	}
	return m.ring[idx], true
}

// Collect takes an immediate sample outside the cadence and returns it.
// Used by the health_status handler so the response is never stale.
func (m *Monitor) Collect() Sample {
	m.sample()
	s, _ := m.Latest()
	return s
}

// History returns up to n retained samples, oldest first.
func (m *Monitor) History(n int) []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ordered []Sample
	if m.full {
		ordered = append(ordered, m.ring[m.next:]...)
		ordered = append(ordered, m.ring[:m.next]...)
	} else {
		ordered = append(ordered, m.ring[:m.next]...)
	}
	if n > 0 && len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}
