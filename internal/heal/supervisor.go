// Package heal reacts to what the health monitor observes: for each unhealthy
// component it runs a registered recovery action, bounded in time and
// serialized so overlapping ticks can never run two heals for one component.
package heal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dwc-systems/tradepilot/internal/health"
	"github.com/dwc-systems/tradepilot/internal/observ"
)

// HealFunc attempts to recover one component. A nil return means the recovery
// action completed; the next health pass decides whether it actually worked.
type HealFunc func(ctx context.Context) error

type Config struct {
	Interval    time.Duration
	HealTimeout time.Duration
}

// Attempt records one recovery attempt for the operator surface.
type Attempt struct {
	Component string    `json:"component"`
	At        time.Time `json:"at"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
}

type Supervisor struct {
	monitor *health.Monitor
	cfg     Config
	log     zerolog.Logger

	running sync.Mutex // single-flight across ticks

	mu       sync.Mutex
	healers  map[string]HealFunc
	attempts []Attempt
	now      func() time.Time
}

func NewSupervisor(monitor *health.Monitor, cfg Config, log zerolog.Logger) *Supervisor {
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	if cfg.HealTimeout == 0 {
		cfg.HealTimeout = 20 * time.Second
	}
	return &Supervisor{
		monitor: monitor,
		cfg:     cfg,
		log:     log.With().Str("component", "heal").Logger(),
		healers: make(map[string]HealFunc),
		now:     time.Now,
	}
}

// Register binds a recovery action to a component name. The name must match
// the one registered with the health monitor.
func (s *Supervisor) Register(component string, fn HealFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healers[component] = fn
}

// Run drives the healing loop until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Tick(ctx)
		}
	}
}

// Tick heals every currently-unhealthy component once. If a previous tick is
// still running this one is skipped entirely; healing never overlaps itself.
func (s *Supervisor) Tick(ctx context.Context) {
	if !s.running.TryLock() {
		s.log.Debug().Msg("previous healing pass still running, skipping")
		return
	}
	defer s.running.Unlock()

	for _, name := range s.monitor.Unhealthy() {
		s.mu.Lock()
		fn, ok := s.healers[name]
		s.mu.Unlock()
		if !ok {
			s.log.Warn().Str("probe", name).Msg("unhealthy component has no healer")
			continue
		}
		s.healOne(ctx, name, fn)
	}
}

func (s *Supervisor) healOne(ctx context.Context, name string, fn HealFunc) {
	hctx, cancel := context.WithTimeout(ctx, s.cfg.HealTimeout)
	defer cancel()

	err := runSafe(hctx, fn)

	at := s.now()
	result := "success"
	a := Attempt{Component: name, At: at, OK: err == nil}
	if err != nil {
		result = "failure"
		a.Error = err.Error()
		s.log.Warn().Str("probe", name).Err(err).Msg("heal attempt failed")
	} else {
		s.log.Info().Str("probe", name).Msg("heal attempt completed")
	}
	observ.HealAttemptsTotal.WithLabelValues(name, result).Inc()

	s.mu.Lock()
	s.attempts = append(s.attempts, a)
	if len(s.attempts) > 100 {
		s.attempts = s.attempts[len(s.attempts)-100:]
	}
	s.mu.Unlock()
}

// runSafe contains a panicking healer; a bad recovery action must not take
// the supervisor down with the component it was trying to save.
func runSafe(ctx context.Context, fn HealFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("heal: panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Attempts returns the recent recovery attempts, newest last.
func (s *Supervisor) Attempts() []Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Attempt(nil), s.attempts...)
}
