// Package health periodically probes every registered dependency and
// classifies each as healthy, degraded or unhealthy. It is a pure observer:
// it never mutates position or session state, it only classifies.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dwc-systems/tradepilot/internal/observ"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Record is the classification for one component.
type Record struct {
	Component         string        `json:"component"`
	Status            Status        `json:"status"`
	LastCheck         time.Time     `json:"last_check"`
	ResponseTime      time.Duration `json:"response_time"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	LastError         string        `json:"last_error,omitempty"`
}

// ProbeFunc checks one dependency. It must respect ctx; a probe that outlives
// the bounded timeout counts as a failure, not a hang.
type ProbeFunc func(ctx context.Context) error

type Config struct {
	Interval       time.Duration
	ProbeTimeout   time.Duration
	UnhealthyAfter int // consecutive failures before unhealthy
}

type Monitor struct {
	mu      sync.RWMutex
	probes  map[string]ProbeFunc
	names   []string // registration order
	records map[string]*Record

	cfg Config
	log zerolog.Logger
	now func() time.Time
}

func NewMonitor(cfg Config, log zerolog.Logger) *Monitor {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.UnhealthyAfter == 0 {
		cfg.UnhealthyAfter = 3
	}
	return &Monitor{
		probes:  make(map[string]ProbeFunc),
		records: make(map[string]*Record),
		cfg:     cfg,
		log:     log.With().Str("component", "health").Logger(),
		now:     time.Now,
	}
}

// Register adds a probe. Components start healthy until observed otherwise.
func (m *Monitor) Register(component string, probe ProbeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.probes[component]; !exists {
		m.names = append(m.names, component)
	}
	m.probes[component] = probe
	m.records[component] = &Record{Component: component, Status: StatusHealthy}
}

// Run drives the probe loop until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()

	m.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce executes every registered probe once.
func (m *Monitor) RunOnce(ctx context.Context) {
	m.mu.RLock()
	names := append([]string(nil), m.names...)
	m.mu.RUnlock()

	for _, name := range names {
		m.mu.RLock()
		probe := m.probes[name]
		m.mu.RUnlock()
		m.runProbe(ctx, name, probe)
	}
}

func (m *Monitor) runProbe(ctx context.Context, name string, probe ProbeFunc) {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	start := m.now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("probe panic: %v", r)
			}
		}()
		done <- probe(pctx)
	}()

	var err error
	select {
	case err = <-done:
	case <-pctx.Done():
		// stuck probe: count the timeout as a failure and move on; the
		// goroutine finishes into the buffered channel
		err = pctx.Err()
	}
	m.observe(name, m.now().Sub(start), err)
}

// observe applies the classification rules: any success restores healthy and
// zeroes the counter; a run of UnhealthyAfter failures flips unhealthy; a
// single failure against a healthy history is degraded.
func (m *Monitor) observe(name string, rt time.Duration, err error) {
	m.mu.Lock()
	rec := m.records[name]
	if rec == nil {
		rec = &Record{Component: name}
		m.records[name] = rec
	}
	rec.LastCheck = m.now()
	rec.ResponseTime = rt

	if err == nil {
		prev := rec.Status
		rec.Status = StatusHealthy
		rec.ConsecutiveErrors = 0
		rec.LastError = ""
		if prev != StatusHealthy {
			m.log.Info().Str("probe", name).Str("from", string(prev)).Msg("component recovered")
		}
	} else {
		rec.ConsecutiveErrors++
		rec.LastError = err.Error()
		prev := rec.Status
		if rec.ConsecutiveErrors >= m.cfg.UnhealthyAfter {
			rec.Status = StatusUnhealthy
		} else {
			rec.Status = StatusDegraded
		}
		if prev != rec.Status {
			m.log.Warn().Str("probe", name).Str("from", string(prev)).Str("to", string(rec.Status)).
				Int("consecutive_errors", rec.ConsecutiveErrors).Err(err).Msg("component status changed")
		}
	}

	status := rec.Status
	m.mu.Unlock()

	observ.ComponentHealth.WithLabelValues(name).Set(observ.HealthToFloat(string(status)))
	observ.ProbeResponseMs.WithLabelValues(name).Set(float64(rt.Milliseconds()))
}

// Status returns a copy of every record, keyed by component.
func (m *Monitor) Status() map[string]Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Record, len(m.records))
	for k, v := range m.records {
		out[k] = *v
	}
	return out
}

// Unhealthy lists unhealthy components in a stable order.
func (m *Monitor) Unhealthy() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for name, rec := range m.records {
		if rec.Status == StatusUnhealthy {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
