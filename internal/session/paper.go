package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PaperAutomator is an in-memory Automator: it fills orders against a local
// balance with no external calls. It is the default driver when no venue
// adapter is configured, and the workhorse of the session-path tests.
type PaperAutomator struct {
	mu        sync.Mutex
	venue     string
	balance   float64
	authed    bool
	navigated string
	closed    bool
	orders    int
}

func NewPaperAutomator(venue string, startingBalance float64) *PaperAutomator {
	return &PaperAutomator{venue: venue, balance: startingBalance}
}

func (p *PaperAutomator) Authenticate(ctx context.Context, creds Credentials) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrSessionClosed
	}
	if creds.Username == "" {
		return fmt.Errorf("paper: empty username")
	}
	p.authed = true
	return nil
}

func (p *PaperAutomator) Navigate(ctx context.Context, target string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.authed {
		return ErrNotAuthenticated
	}
	p.navigated = target
	return nil
}

func (p *PaperAutomator) SubmitOrderUI(ctx context.Context, form OrderForm) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.authed {
		return "", ErrNotAuthenticated
	}
	if form.Amount <= 0 {
		return "", fmt.Errorf("paper: invalid amount %f", form.Amount)
	}
	if form.Side == "buy" && form.Amount > p.balance {
		return "", fmt.Errorf("paper: insufficient balance %.2f for %.2f", p.balance, form.Amount)
	}
	if form.Side == "buy" {
		p.balance -= form.Amount
	} else {
		p.balance += form.Amount
	}
	p.orders++
	return "paper-" + uuid.NewString(), nil
}

func (p *PaperAutomator) ReadBalanceUI(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.authed {
		return 0, ErrNotAuthenticated
	}
	return p.balance, nil
}

func (p *PaperAutomator) DiagnosticSnapshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := fmt.Sprintf(`{"venue":%q,"balance":%.4f,"orders":%d,"at":%q}`,
		p.venue, p.balance, p.orders, time.Now().UTC().Format(time.RFC3339))
	return []byte(snap), nil
}

func (p *PaperAutomator) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.authed = false
	return nil
}
