package observability

import (
	"sync"
	"time"
)

type StepSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	Retries       int64   `json:"retries"`
	Timeouts      int64   `json:"timeouts"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

type Snapshot struct {
	UptimeSec       int64                   `json:"uptime_sec"`
	TotalAttempts   int64                   `json:"total_attempts"`
	TotalErrors     int64                   `json:"total_errors"`
	InFlight        int64                   `json:"in_flight"`
	RateLimitWaits  int64                   `json:"rate_limit_waits"`
	RateLimitWaitMs int64                   `json:"rate_limit_wait_ms"`
	Signals         map[string]int64        `json:"signals,omitempty"`
	Lifecycle       *LifecycleSnapshot      `json:"lifecycle,omitempty"`
	Steps           map[string]StepSnapshot `json:"steps"`
}

type stepStats struct {
	count        int64
	errors       int64
	retries      int64
	timeouts     int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

// Metrics aggregates step attempt telemetry per (queue, step) pair. All
// methods tolerate a nil receiver so wiring can pass nil to disable
// collection.
type Metrics struct {
	mu             sync.Mutex
	start          time.Time
	steps          map[string]*stepStats
	signals        map[string]int64
	rateLimitWaits int64
	rateLimitWait  time.Duration
	lifecycle      lifecycleStats
}

type lifecycleStats struct {
	shutdownAt time.Time
	inflight   int64
}

type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		start:   time.Now(),
		steps:   make(map[string]*stepStats),
		signals: make(map[string]int64),
	}
}

// StepStart records an in-flight attempt and returns the closer that finishes
// the span.
func (m *Metrics) StepStart(queue, step string) func(err error) {
	if m == nil {
		return func(error) {}
	}
	key := stepKey(queue, step)
	m.mu.Lock()
	stats := m.ensureStep(key)
	stats.inFlight++
	m.mu.Unlock()

	start := time.Now()
	return func(err error) {
		m.finish(key, time.Since(start), err != nil)
	}
}

// StepRetry counts a retried attempt.
func (m *Metrics) StepRetry(queue, step string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.ensureStep(stepKey(queue, step)).retries++
	m.mu.Unlock()
}

// StepTimeout counts an attempt abandoned at its deadline.
func (m *Metrics) StepTimeout(queue, step string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.ensureStep(stepKey(queue, step)).timeouts++
	m.mu.Unlock()
}

// SignalAccepted counts an accepted signal by kind.
func (m *Metrics) SignalAccepted(kind string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.signals[kind]++
	m.mu.Unlock()
}

func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.rateLimitWaits++
	m.rateLimitWait += d
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	snap := Snapshot{
		UptimeSec:       int64(now.Sub(m.start).Seconds()),
		Steps:           make(map[string]StepSnapshot),
		RateLimitWaits:  m.rateLimitWaits,
		RateLimitWaitMs: int64(m.rateLimitWait / time.Millisecond),
	}

	for key, stats := range m.steps {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Steps[key] = StepSnapshot{
			Count:         stats.count,
			Errors:        stats.errors,
			Retries:       stats.retries,
			Timeouts:      stats.timeouts,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		snap.TotalAttempts += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}

	if len(m.signals) > 0 {
		snap.Signals = make(map[string]int64, len(m.signals))
		for kind, n := range m.signals {
			snap.Signals[kind] = n
		}
	}

	if !m.lifecycle.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{
			ShutdownAt:         m.lifecycle.shutdownAt,
			InFlightAtShutdown: m.lifecycle.inflight,
		}
	}

	return snap
}

func (m *Metrics) ensureStep(key string) *stepStats {
	stats, ok := m.steps[key]
	if !ok {
		stats = &stepStats{}
		m.steps[key] = stats
	}
	return stats
}

func (m *Metrics) finish(key string, dur time.Duration, failed bool) {
	m.mu.Lock()
	stats := m.ensureStep(key)
	stats.inFlight--
	stats.count++
	if failed {
		stats.errors++
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
	stats.lastLatency = dur
	m.mu.Unlock()
}

func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lifecycle.shutdownAt = time.Now()
	m.lifecycle.inflight = inflight
	m.mu.Unlock()
}

func stepKey(queue, step string) string {
	return queue + "/" + step
}
