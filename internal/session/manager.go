package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Factory builds a fresh Automator for a venue. Injected so tests and the
// paper driver can stand in for real automation.
type Factory func(venue string) (Automator, error)

type ManagerConfig struct {
	IdleAfter     time.Duration
	ActionTimeout time.Duration
}

// Manager owns the session pool: lifecycle, the one-active-per-credential
// rule, and the scoped-acquire/guaranteed-release discipline around actions.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	byOwner  map[string]string // credKey -> session id

	factory Factory
	cfg     ManagerConfig
	log     zerolog.Logger
	now     func() time.Time
}

func NewManager(factory Factory, cfg ManagerConfig, log zerolog.Logger) *Manager {
	if cfg.IdleAfter == 0 {
		cfg.IdleAfter = 2 * time.Minute
	}
	if cfg.ActionTimeout == 0 {
		cfg.ActionTimeout = 30 * time.Second
	}
	return &Manager{
		sessions: make(map[string]*Session),
		byOwner:  make(map[string]string),
		factory:  factory,
		cfg:      cfg,
		log:      log.With().Str("component", "session").Logger(),
		now:      time.Now,
	}
}

// Create builds a session and authenticates it. An existing live session for
// the same (venue, credential) is an error; an errored one must be closed
// first. Authentication failure terminates the session immediately; retry
// policy belongs to the self-healing supervisor, not here.
func (m *Manager) Create(ctx context.Context, venue string, creds Credentials) (string, error) {
	key := creds.Key(venue)

	m.mu.Lock()
	if id, ok := m.byOwner[key]; ok {
		existing := m.sessions[id]
		switch existing.state {
		case StateError:
			m.mu.Unlock()
			return "", ErrSessionNotClosed
		case StateClosed:
			delete(m.sessions, id)
			delete(m.byOwner, key)
		default:
			m.mu.Unlock()
			return "", ErrSessionExists
		}
	}

	auto, err := m.factory(venue)
	if err != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("create automator: %w", err)
	}

	s := &Session{
		ID:           uuid.NewString(),
		Venue:        venue,
		credKey:      key,
		auto:         auto,
		slot:         make(chan struct{}, 1),
		state:        StateInitializing,
		lastActivity: m.now(),
	}
	m.sessions[s.ID] = s
	m.byOwner[key] = s.ID
	m.mu.Unlock()

	actx, cancel := context.WithTimeout(ctx, m.cfg.ActionTimeout)
	defer cancel()
	if err := auto.Authenticate(actx, creds); err != nil {
		m.log.Warn().Str("session", s.ID).Str("venue", venue).Err(err).Msg("authentication failed, closing session")
		m.closeSession(s)
		return "", fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
	}

	m.mu.Lock()
	s.state = StateActive
	s.lastActivity = m.now()
	m.mu.Unlock()

	m.log.Info().Str("session", s.ID).Str("venue", venue).Msg("session created")
	return s.ID, nil
}

// Perform runs one action against a session. Failures mark the session
// errored and come back as ActionResult.Err; nothing escapes as a panic.
func (m *Manager) Perform(ctx context.Context, sessionID string, a Action) ActionResult {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ActionResult{Err: ErrSessionUnknown}
	}
	switch s.state {
	case StateClosed:
		m.mu.Unlock()
		return ActionResult{Err: ErrSessionClosed}
	case StateError:
		m.mu.Unlock()
		return ActionResult{Err: fmt.Errorf("session: %s is errored", sessionID)}
	case StateIdle:
		s.state = StateActive
	}
	auto := s.auto
	m.mu.Unlock()

	actx, cancel := context.WithTimeout(ctx, m.cfg.ActionTimeout)
	defer cancel()

	data, err := m.dispatch(actx, auto, a)

	m.mu.Lock()
	s.lastActivity = m.now()
	if err != nil {
		s.state = StateError
	}
	m.mu.Unlock()

	if err != nil {
		m.log.Warn().Str("session", sessionID).Str("action", string(a.Kind)).Err(err).Msg("action failed")
		return ActionResult{Err: err}
	}
	return ActionResult{OK: true, Data: data}
}

func (m *Manager) dispatch(ctx context.Context, auto Automator, a Action) (data map[string]any, err error) {
	defer func() {
		// a misbehaving automator must not take down the supervisor
		if r := recover(); r != nil {
			m.log.Error().Any("panic", r).Msg("automator panicked")
			data, err = nil, fmt.Errorf("session: automation panic: %v", r)
		}
	}()

	switch a.Kind {
	case ActionNavigate:
		return nil, auto.Navigate(ctx, a.Target)
	case ActionSubmitOrder:
		id, err := auto.SubmitOrderUI(ctx, OrderForm{Symbol: a.Symbol, Side: a.Side, Amount: a.Amount, Price: a.Price})
		if err != nil {
			return nil, err
		}
		return map[string]any{"order_id": id}, nil
	case ActionReadBalance:
		bal, err := auto.ReadBalanceUI(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"balance": bal}, nil
	case ActionDiagnostic:
		snap, err := auto.DiagnosticSnapshot(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"snapshot_bytes": len(snap)}, nil
	case ActionAuthenticate:
		return nil, fmt.Errorf("session: authenticate runs at Create, not Perform")
	default:
		return nil, fmt.Errorf("session: unknown action %q", a.Kind)
	}
}

// Get returns the live session for a venue/credential pair, if usable.
func (m *Manager) Get(venue string, creds Credentials) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byOwner[creds.Key(venue)]
	if !ok {
		return nil, false
	}
	s := m.sessions[id]
	if s.state == StateClosed || s.state == StateError {
		return nil, false
	}
	return s, true
}

// State reports a session's state, applying the idle transition lazily.
func (m *Manager) State(sessionID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return "", false
	}
	if s.state == StateActive && m.now().Sub(s.lastActivity) > m.cfg.IdleAfter {
		s.state = StateIdle
	}
	return s.state, true
}

// Close tears a session down. Terminal and idempotent; the automator handle
// is released even when the session is already errored.
func (m *Manager) Close(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return ErrSessionUnknown
	}
	m.closeSession(s)
	return nil
}

func (m *Manager) closeSession(s *Session) {
	m.mu.Lock()
	already := s.state == StateClosed
	s.state = StateClosed
	m.mu.Unlock()
	if already {
		return
	}
	if err := s.auto.Close(); err != nil {
		m.log.Warn().Str("session", s.ID).Err(err).Msg("automator close failed")
	}
	m.log.Info().Str("session", s.ID).Str("venue", s.Venue).Msg("session closed")
}

// Recreate closes any existing session for the pair and builds a fresh,
// authenticated one. Used by the self-healing supervisor.
func (m *Manager) Recreate(ctx context.Context, venue string, creds Credentials) (string, error) {
	m.mu.Lock()
	id, ok := m.byOwner[creds.Key(venue)]
	var s *Session
	if ok {
		s = m.sessions[id]
	}
	m.mu.Unlock()
	if s != nil {
		m.closeSession(s)
	}
	return m.Create(ctx, venue, creds)
}

// ErroredCount reports sessions currently in the error state; feeds the
// session-pool health probe.
func (m *Manager) ErroredCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.state == StateError {
			n++
		}
	}
	return n
}

// CloseAll tears down every session; shutdown path.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	for _, s := range all {
		m.closeSession(s)
	}
}
