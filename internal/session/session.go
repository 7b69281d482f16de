// Package session manages human-mimicking automation sessions against a
// venue's web surface. The automation technology itself sits behind the
// Automator capability interface; no selector or browser vocabulary appears
// in the supervisory core.
package session

import (
	"context"
	"errors"
	"time"
)

type State string

const (
	StateInitializing State = "initializing"
	StateActive       State = "active"
	StateIdle         State = "idle"
	StateError        State = "error"
	StateClosed       State = "closed"
)

var (
	ErrSessionExists    = errors.New("session: active session already exists for venue/credential")
	ErrSessionNotClosed = errors.New("session: errored session must be closed before replacement")
	ErrSessionUnknown   = errors.New("session: unknown session")
	ErrSessionClosed    = errors.New("session: session is closed")
	ErrNotAuthenticated = errors.New("session: not authenticated")
)

// Credentials identify the human account behind a session. They come from
// the environment and are never logged.
type Credentials struct {
	Username string
	Password string
	MFAToken string
}

// Key is the identity used to enforce one active session per
// (venue, credential) pair.
func (c Credentials) Key(venue string) string {
	return venue + "/" + c.Username
}

type ActionKind string

const (
	ActionAuthenticate ActionKind = "authenticate"
	ActionNavigate     ActionKind = "navigate"
	ActionSubmitOrder  ActionKind = "submit_order"
	ActionReadBalance  ActionKind = "read_balance"
	ActionDiagnostic   ActionKind = "diagnostic"
)

// Action is one unit of interactive work. Fields beyond Kind are
// kind-specific and ignored otherwise.
type Action struct {
	Kind   ActionKind
	Target string // navigate
	Symbol string // submit_order
	Side   string // submit_order: buy|sell
	Amount float64
	Price  float64 // 0 means market
}

// ActionResult is a typed outcome: a venue rejection and a broken automation
// step both land here as Err, never as a panic past the manager.
type ActionResult struct {
	OK   bool
	Data map[string]any
	Err  error
}

// OrderForm is the venue-agnostic order submission payload an Automator
// receives.
type OrderForm struct {
	Symbol string
	Side   string
	Amount float64
	Price  float64
}

// Automator is the capability interface over whatever automation technology
// is available. Venue adapters implement it per target site.
type Automator interface {
	Authenticate(ctx context.Context, creds Credentials) error
	Navigate(ctx context.Context, target string) error
	SubmitOrderUI(ctx context.Context, form OrderForm) (orderID string, err error)
	ReadBalanceUI(ctx context.Context) (float64, error)
	DiagnosticSnapshot(ctx context.Context) ([]byte, error)
	Close() error
}

// Session is one stateful automation handle. The slot channel serializes use:
// the router acquires it for the duration of a session-path trade.
type Session struct {
	ID      string
	Venue   string
	credKey string
	auto    Automator
	slot    chan struct{}

	state        State
	lastActivity time.Time
}

// Acquire takes exclusive use of the session, honoring ctx cancellation.
func (s *Session) Acquire(ctx context.Context) error {
	select {
	case s.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns the session. Must follow a successful Acquire.
func (s *Session) Release() {
	select {
	case <-s.slot:
	default:
	}
}
