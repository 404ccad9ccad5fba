package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// MonitorConfig tunes the monitor.
type MonitorConfig struct {
	Interval     time.Duration
	ErrorLogSize int
}

// Snapshot is a point-in-time copy of the monitor counters.
type Snapshot struct {
	Tasks     int64     `json:"tasks"`
	Requests  int64     `json:"requests"`
	Success   int64     `json:"success"`
	Failed    int64     `json:"failed"`
	Speed     float64   `json:"speed"`
	Errors    []string  `json:"errors,omitempty"`
	SampledAt time.Time `json:"sampled_at"`
	StartedAt time.Time `json:"started_at"`
	Interval  float64   `json:"interval_seconds"`
}

// Monitor counts fetch outcomes and reports throughput every interval. It is
// observational only; nothing in the engines reads it back.
type Monitor struct {
	cfg        MonitorConfig
	clock      Clock
	logger     *zap.Logger
	collectors *Collectors

	mu          sync.Mutex
	tasks       int64
	requests    int64
	success     int64
	failed      int64
	lastSuccess int64
	speed       float64
	errs        []string
	sampledAt   time.Time
	startedAt   time.Time
}

// NewMonitor builds a monitor. collectors may be nil.
func NewMonitor(cfg MonitorConfig, clock Clock, logger *zap.Logger, collectors *Collectors) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.ErrorLogSize <= 0 {
		cfg.ErrorLogSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:        cfg,
		clock:      clock,
		logger:     logger.Named("monitor"),
		collectors: collectors,
		startedAt:  clock.Now(),
	}
}

// AddTasks records n newly created tasks.
func (m *Monitor) AddTasks(n int) {
	m.mu.Lock()
	m.tasks += int64(n)
	m.mu.Unlock()
	if m.collectors != nil {
		m.collectors.tasksTotal.Add(float64(n))
	}
}

// Update records one completed fetch attempt.
func (m *Monitor) Update(success bool, err error) {
	m.mu.Lock()
	m.requests++
	if success {
		m.success++
	} else {
		m.failed++
		if err != nil {
			if len(m.errs) == m.cfg.ErrorLogSize {
				copy(m.errs, m.errs[1:])
				m.errs = m.errs[:len(m.errs)-1]
			}
			m.errs = append(m.errs, err.Error())
		}
	}
	m.mu.Unlock()

	if m.collectors != nil {
		outcome := "success"
		if !success {
			outcome = "failure"
		}
		m.collectors.fetchesTotal.WithLabelValues(outcome).Inc()
	}
}

// Reset clears all counters for a fresh run. Prometheus counters keep
// counting; only the in-process snapshot starts over.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks, m.requests, m.success, m.failed, m.lastSuccess = 0, 0, 0, 0, 0
	m.speed = 0
	m.errs = nil
	m.sampledAt = time.Time{}
	m.startedAt = m.clock.Now()
}

// Snapshot returns the current counters.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Monitor) snapshotLocked() Snapshot {
	return Snapshot{
		Tasks:     m.tasks,
		Requests:  m.requests,
		Success:   m.success,
		Failed:    m.failed,
		Speed:     m.speed,
		Errors:    append([]string(nil), m.errs...),
		SampledAt: m.sampledAt,
		StartedAt: m.startedAt,
		Interval:  m.cfg.Interval.Seconds(),
	}
}

// Sample computes speed over the last interval and logs the report line.
func (m *Monitor) Sample() Snapshot {
	m.mu.Lock()
	m.speed = float64(m.success-m.lastSuccess) / m.cfg.Interval.Seconds()
	m.lastSuccess = m.success
	m.sampledAt = m.clock.Now()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	if m.collectors != nil {
		m.collectors.speed.Set(snap.Speed)
	}
	m.logger.Info(Report(snap),
		zap.Int64("failed", snap.Failed),
		zap.Int64("success", snap.Success),
		zap.Int64("tasks", snap.Tasks),
		zap.Int64("requests", snap.Requests),
		zap.Float64("speed", snap.Speed),
	)
	return snap
}

// Run samples every interval until ctx ends, then takes a final sample.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Sample()
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}

// Report formats the single-line summary written on every sample.
func Report(s Snapshot) string {
	return fmt.Sprintf("[failed:%d | success:%d | tasks:%d | requests:%d | speed:%.2f/s]",
		s.Failed, s.Success, s.Tasks, s.Requests, s.Speed)
}
