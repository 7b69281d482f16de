// Package router decides how a trade intent reaches its venue: the
// programmatic API, an interactive session, or hybrid (API first with a
// single session fallback). Every call writes exactly one position to the
// ledger, idempotent by intent ID.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/dwc-systems/tradepilot/internal/ledger"
	"github.com/dwc-systems/tradepilot/internal/observ"
	"github.com/dwc-systems/tradepilot/internal/session"
	"github.com/dwc-systems/tradepilot/internal/venue"
)

type Mode string

const (
	ModeAPI     Mode = "api"
	ModeSession Mode = "session"
	ModeHybrid  Mode = "hybrid"
)

var (
	ErrInvalidIntent = errors.New("router: invalid intent")
	ErrUnknownVenue  = errors.New("router: unknown venue")
	ErrDuplicate     = ledger.ErrDuplicateIntent
)

// Intent is a requested trade not yet executed.
type Intent struct {
	ID     string
	Venue  string
	Symbol string
	Side   ledger.Side
	Amount float64
	Price  float64 // 0 means market
	Mode   Mode
}

// TradeResult always carries success, the execution method used, profit
// (realized or estimated) and the error when failed.
type TradeResult struct {
	IntentID   string        `json:"intent_id"`
	PositionID string        `json:"position_id"`
	Success    bool          `json:"success"`
	Method     ledger.Method `json:"method"`
	FellBack   bool          `json:"fell_back"`
	Profit     float64       `json:"profit"`
	Error      string        `json:"error,omitempty"`
}

type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	OpenTimeout         time.Duration
	ConsecutiveFailures uint32
}

type Config struct {
	APITimeout time.Duration
	Breaker    BreakerConfig
}

// venueHandle pairs the swappable API client with the session credentials
// and the breaker guarding the API leg. The RWMutex makes client swaps by
// the healer atomic for in-flight callers.
type venueHandle struct {
	mu      sync.RWMutex
	client  venue.Client
	creds   session.Credentials
	breaker *gobreaker.CircuitBreaker
}

func (h *venueHandle) get() venue.Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.client
}

type Router struct {
	mu       sync.RWMutex
	venues   map[string]*venueHandle
	sessions *session.Manager
	led      *ledger.Ledger
	cfg      Config
	log      zerolog.Logger
}

func New(sessions *session.Manager, led *ledger.Ledger, cfg Config, log zerolog.Logger) *Router {
	if cfg.APITimeout == 0 {
		cfg.APITimeout = 10 * time.Second
	}
	if cfg.Breaker.ConsecutiveFailures == 0 {
		cfg.Breaker.ConsecutiveFailures = 3
	}
	if cfg.Breaker.OpenTimeout == 0 {
		cfg.Breaker.OpenTimeout = 30 * time.Second
	}
	if cfg.Breaker.MaxRequests == 0 {
		cfg.Breaker.MaxRequests = 1
	}
	return &Router{
		venues:   make(map[string]*venueHandle),
		sessions: sessions,
		led:      led,
		cfg:      cfg,
		log:      log.With().Str("component", "router").Logger(),
	}
}

// RegisterVenue wires a venue's API client and session credentials. The
// breaker trips after the configured run of consecutive API failures.
func (r *Router) RegisterVenue(name string, client venue.Client, creds session.Credentials) {
	brk := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name + "-api",
		MaxRequests: r.cfg.Breaker.MaxRequests,
		Interval:    r.cfg.Breaker.Interval,
		Timeout:     r.cfg.Breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.cfg.Breaker.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("breaker state change")
		},
	})

	r.mu.Lock()
	r.venues[name] = &venueHandle{client: client, creds: creds, breaker: brk}
	r.mu.Unlock()
}

// SwapClient atomically replaces a venue's API client; the self-healing
// supervisor uses this to recreate unhealthy clients. In-flight calls see
// either the old or the new client, never a half-built one.
func (r *Router) SwapClient(name string, client venue.Client) error {
	r.mu.RLock()
	h, ok := r.venues[name]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownVenue
	}
	h.mu.Lock()
	h.client = client
	h.mu.Unlock()
	r.log.Info().Str("venue", name).Msg("api client swapped")
	return nil
}

// Client returns the live API client for a venue.
func (r *Router) Client(name string) (venue.Client, bool) {
	r.mu.RLock()
	h, ok := r.venues[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return h.get(), true
}

func (r *Router) validate(in Intent) error {
	switch {
	case in.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidIntent)
	case in.Symbol == "":
		return fmt.Errorf("%w: missing symbol", ErrInvalidIntent)
	case in.Side != ledger.SideBuy && in.Side != ledger.SideSell:
		return fmt.Errorf("%w: side %q", ErrInvalidIntent, in.Side)
	case in.Amount <= 0:
		return fmt.Errorf("%w: amount %f", ErrInvalidIntent, in.Amount)
	case in.Mode != ModeAPI && in.Mode != ModeSession && in.Mode != ModeHybrid:
		return fmt.Errorf("%w: mode %q", ErrInvalidIntent, in.Mode)
	}
	return nil
}

// Execute routes one intent. Contract: exactly one position per intent ID,
// written before any external call so an ambiguous timeout leaves a pending
// position for the supervisor to reconcile rather than losing the trade.
func (r *Router) Execute(ctx context.Context, in Intent) (TradeResult, error) {
	// malformed intents are rejected before any external call
	if err := r.validate(in); err != nil {
		return TradeResult{IntentID: in.ID, Error: err.Error()}, err
	}

	r.mu.RLock()
	h, ok := r.venues[in.Venue]
	r.mu.RUnlock()
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownVenue, in.Venue)
		return TradeResult{IntentID: in.ID, Error: err.Error()}, err
	}

	method := ledger.MethodAPI
	if in.Mode == ModeSession {
		method = ledger.MethodSession
	}
	pos := ledger.Position{
		ID:       uuid.NewString(),
		IntentID: in.ID,
		Venue:    in.Venue,
		Symbol:   in.Symbol,
		Side:     in.Side,
		Amount:   in.Amount,
		Price:    in.Price,
		Status:   ledger.StatusPending,
		Method:   method,
	}
	if err := r.led.Append(pos); err != nil {
		if errors.Is(err, ledger.ErrDuplicateIntent) {
			prior, _ := r.led.ByIntent(in.ID)
			return TradeResult{IntentID: in.ID, PositionID: prior.ID, Method: prior.Method, Error: err.Error()}, err
		}
		return TradeResult{IntentID: in.ID, Error: err.Error()}, err
	}

	res := TradeResult{IntentID: in.ID, PositionID: pos.ID, Method: method}

	var apiErr, sessErr error
	switch in.Mode {
	case ModeAPI:
		apiErr = r.executeAPI(ctx, h, in)
	case ModeSession:
		sessErr = r.executeSession(ctx, h, in)
	case ModeHybrid:
		apiErr = r.executeAPI(ctx, h, in)
		if apiErr != nil {
			// single bounded fallback; the breaker being open counts too
			res.FellBack = true
			observ.FallbacksTotal.WithLabelValues(in.Venue).Inc()
			r.log.Info().Str("intent", in.ID).Err(apiErr).Msg("api leg failed, falling back to session")
			sessErr = r.executeSession(ctx, h, in)
			if sessErr == nil {
				res.Method = ledger.MethodSession
				if err := r.led.SetMethod(pos.ID, ledger.MethodSession); err != nil {
					r.log.Error().Err(err).Str("position", pos.ID).Msg("method update failed")
				}
			}
		}
	}

	finalErr := r.disposition(in.Mode, apiErr, sessErr)
	if finalErr == nil {
		if err := r.led.Transition(pos.ID, ledger.StatusFilled, nil); err != nil {
			r.log.Error().Err(err).Str("position", pos.ID).Msg("fill transition failed")
		}
		res.Success = true
		observ.TradesTotal.WithLabelValues(in.Venue, string(res.Method), "success").Inc()
		return res, nil
	}

	res.Error = finalErr.Error()
	observ.TradesTotal.WithLabelValues(in.Venue, string(res.Method), "failure").Inc()

	if ambiguous(finalErr) {
		// unknown remote state: leave the position pending for supervisor
		// reconciliation instead of guessing an outcome
		r.log.Warn().Str("position", pos.ID).Err(finalErr).Msg("ambiguous outcome, position left pending")
		return res, finalErr
	}

	zero := 0.0
	if err := r.led.Transition(pos.ID, ledger.StatusFailed, &zero); err != nil {
		r.log.Error().Err(err).Str("position", pos.ID).Msg("failure transition failed")
	}
	return res, finalErr
}

// disposition folds the leg errors into the operation outcome.
func (r *Router) disposition(mode Mode, apiErr, sessErr error) error {
	switch mode {
	case ModeAPI:
		return apiErr
	case ModeSession:
		return sessErr
	default:
		if apiErr == nil {
			return nil
		}
		if sessErr == nil {
			return nil
		}
		return fmt.Errorf("both paths failed: api: %v; session: %w", apiErr, sessErr)
	}
}

// ambiguous reports whether the final error leaves the remote order state
// unknown (timeouts do; rejections and automation errors do not).
func ambiguous(err error) bool {
	return errors.Is(err, venue.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

func (r *Router) executeAPI(ctx context.Context, h *venueHandle, in Intent) error {
	_, err := h.breaker.Execute(func() (any, error) {
		cctx, cancel := context.WithTimeout(ctx, r.cfg.APITimeout)
		defer cancel()

		req := venue.OrderRequest{
			Symbol: in.Symbol,
			Side:   venue.Side(strings.ToUpper(string(in.Side))),
			Type:   venue.TypeMarket,
			Amount: in.Amount,
		}
		if in.Price > 0 {
			req.Type = venue.TypeLimit
			req.Price = in.Price
		}
		return h.get().PlaceOrder(cctx, req)
	})
	return err
}

func (r *Router) executeSession(ctx context.Context, h *venueHandle, in Intent) error {
	s, ok := r.sessions.Get(in.Venue, h.creds)
	if !ok {
		id, err := r.sessions.Create(ctx, in.Venue, h.creds)
		if err != nil {
			return fmt.Errorf("session unavailable: %w", err)
		}
		s, ok = r.sessions.Get(in.Venue, h.creds)
		if !ok {
			return fmt.Errorf("session %s vanished after create", id)
		}
	}

	// exclusive use for the duration of the trade, released on every path
	if err := s.Acquire(ctx); err != nil {
		return err
	}
	defer s.Release()

	res := r.sessions.Perform(ctx, s.ID, session.Action{
		Kind:   session.ActionSubmitOrder,
		Symbol: in.Symbol,
		Side:   string(in.Side),
		Amount: in.Amount,
		Price:  in.Price,
	})
	if res.Err != nil {
		return res.Err
	}
	return nil
}

// CancelAll cancels every pending position on a venue via the API client;
// the emergency-exit path of the operator surface. Best effort: remote
// cancel failures are logged and the position is still marked cancelled so
// the ledger converges.
func (r *Router) CancelAll(ctx context.Context, venueName string) (int, error) {
	r.mu.RLock()
	h, ok := r.venues[venueName]
	r.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownVenue, venueName)
	}

	n := 0
	for _, p := range r.led.Pending(0) {
		if p.Venue != venueName {
			continue
		}
		if err := h.get().CancelOrder(ctx, p.ID); err != nil {
			r.log.Warn().Str("position", p.ID).Err(err).Msg("remote cancel failed")
		}
		if err := r.led.Transition(p.ID, ledger.StatusCancelled, nil); err != nil {
			r.log.Error().Err(err).Str("position", p.ID).Msg("cancel transition failed")
			continue
		}
		n++
	}
	return n, nil
}
