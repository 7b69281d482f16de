// Package ledger is the shared, mutation-guarded store of positions and the
// derived trading metrics. Positions are append-only: they are created on
// submission and only ever move to a terminal status, never deleted, so the
// journal doubles as an audit trail.
package ledger

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dwc-systems/tradepilot/internal/observ"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

type Method string

const (
	MethodAPI     Method = "api"
	MethodSession Method = "session"
)

var (
	ErrDuplicateIntent   = errors.New("ledger: intent already recorded")
	ErrUnknownPosition   = errors.New("ledger: unknown position")
	ErrInvalidTransition = errors.New("ledger: invalid status transition")
)

// Position is a single submitted trade. Status transitions are monotonic:
// pending -> {filled, cancelled, failed}; terminal states never revert.
type Position struct {
	ID         string     `json:"id"`
	IntentID   string     `json:"intent_id"`
	Venue      string     `json:"venue"`
	Symbol     string     `json:"symbol"`
	Side       Side       `json:"side"`
	Amount     float64    `json:"amount"`
	Price      float64    `json:"price,omitempty"`
	Status     Status     `json:"status"`
	Method     Method     `json:"method"`
	CreatedAt  time.Time  `json:"created_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
	Profit     *float64   `json:"profit,omitempty"`
	StopLoss   float64    `json:"stop_loss,omitempty"`
	TakeProfit float64    `json:"take_profit,omitempty"`
}

func (p Position) terminal() bool {
	return p.Status != StatusPending
}

// Summary is the read-only snapshot the dashboard layer pulls.
type Summary struct {
	Name            string  `json:"name"`
	Balance         float64 `json:"balance"`
	StartingBalance float64 `json:"starting_balance"`
	TotalTrades     int     `json:"total_trades"`
	Wins            int     `json:"wins"`
	Losses          int     `json:"losses"`
	Pending         int     `json:"pending"`
	WinRate         float64 `json:"win_rate"`
	TotalProfit     float64 `json:"total_profit"`
	MaxDrawdown     float64 `json:"max_drawdown"`
	SharpeRatio     float64 `json:"sharpe_ratio"`
}

// Ledger guards all position state. Writes are serialized per venue so
// win-rate and balance arithmetic stay consistent under concurrent routing.
type Ledger struct {
	mu        sync.RWMutex
	name      string
	positions map[string]*Position
	order     []string // append order, for drawdown over the trade sequence
	byIntent  map[string]string

	starting float64
	balance  float64

	venueMu   sync.Mutex
	venueLock map[string]*sync.Mutex

	journal *Journal
	log     zerolog.Logger
	now     func() time.Time
}

// Open creates a ledger backed by a JSONL journal at path, replaying any
// existing records. An empty path keeps the ledger memory-only (tests, sim).
func Open(name, path string, startingBalance float64, log zerolog.Logger) (*Ledger, error) {
	l := &Ledger{
		name:      name,
		positions: make(map[string]*Position),
		byIntent:  make(map[string]string),
		starting:  startingBalance,
		balance:   startingBalance,
		venueLock: make(map[string]*sync.Mutex),
		log:       log.With().Str("component", "ledger").Str("ledger", name).Logger(),
		now:       time.Now,
	}

	if path != "" {
		j, err := OpenJournal(path)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		l.journal = j
		if err := l.replay(); err != nil {
			return nil, fmt.Errorf("replay journal: %w", err)
		}
	}
	return l, nil
}

func (l *Ledger) replay() error {
	recs, err := l.journal.Replay()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		switch rec.Type {
		case recordPosition:
			p := *rec.Position
			l.positions[p.ID] = &p
			l.order = append(l.order, p.ID)
			if p.IntentID != "" {
				l.byIntent[p.IntentID] = p.ID
			}
		case recordTransition:
			p, ok := l.positions[rec.Transition.PositionID]
			if !ok {
				continue
			}
			p.Status = rec.Transition.To
			if rec.Transition.Profit != nil {
				p.Profit = rec.Transition.Profit
				p.ClosedAt = rec.Transition.At
				l.balance += *rec.Transition.Profit
			}
		}
	}
	l.log.Info().Int("positions", len(l.positions)).Float64("balance", l.balance).Msg("journal replayed")
	return nil
}

func (l *Ledger) lockVenue(venue string) *sync.Mutex {
	l.venueMu.Lock()
	defer l.venueMu.Unlock()
	m, ok := l.venueLock[venue]
	if !ok {
		m = &sync.Mutex{}
		l.venueLock[venue] = m
	}
	return m
}

// Append records a newly submitted position. It is the idempotency barrier:
// a second position for the same intent ID is rejected before it is written.
func (l *Ledger) Append(p Position) error {
	if p.ID == "" || p.Venue == "" || p.Symbol == "" {
		return fmt.Errorf("ledger: incomplete position %+v", p)
	}
	if p.Status == "" {
		p.Status = StatusPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = l.now()
	}

	vl := l.lockVenue(p.Venue)
	vl.Lock()
	defer vl.Unlock()

	l.mu.Lock()
	if p.IntentID != "" {
		if _, dup := l.byIntent[p.IntentID]; dup {
			l.mu.Unlock()
			return ErrDuplicateIntent
		}
	}
	cp := p
	l.positions[p.ID] = &cp
	l.order = append(l.order, p.ID)
	if p.IntentID != "" {
		l.byIntent[p.IntentID] = p.ID
	}
	l.mu.Unlock()

	if l.journal != nil {
		if err := l.journal.writePosition(cp); err != nil {
			l.log.Error().Err(err).Str("position", p.ID).Msg("journal append failed")
		}
	}
	return nil
}

// Transition moves a pending position to a terminal status. Profit, when
// non-nil, is realized into the balance. Terminal positions never move again.
func (l *Ledger) Transition(id string, to Status, profit *float64) error {
	if to == StatusPending {
		return ErrInvalidTransition
	}

	l.mu.Lock()
	p, ok := l.positions[id]
	if !ok {
		l.mu.Unlock()
		return ErrUnknownPosition
	}
	if p.terminal() {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s is already %s", ErrInvalidTransition, id, p.Status)
	}
	at := l.now()
	p.Status = to
	if profit != nil {
		v := *profit
		p.Profit = &v
		p.ClosedAt = &at
		l.balance += v
	}
	venue := p.Venue
	l.mu.Unlock()

	observ.LedgerBalance.WithLabelValues(l.name).Set(l.Balance())

	if l.journal != nil {
		if err := l.journal.writeTransition(Transition{PositionID: id, To: to, Profit: profit, At: &at}); err != nil {
			l.log.Error().Err(err).Str("position", id).Msg("journal transition failed")
		}
	}
	l.log.Debug().Str("position", id).Str("venue", venue).Str("status", string(to)).Msg("position transitioned")
	return nil
}

// Close realizes profit on a filled position without changing its status.
// Used when the outcome of a trade becomes known after the fill.
func (l *Ledger) Close(id string, profit float64) error {
	l.mu.Lock()
	p, ok := l.positions[id]
	if !ok {
		l.mu.Unlock()
		return ErrUnknownPosition
	}
	if p.Status != StatusFilled || p.Profit != nil {
		l.mu.Unlock()
		return fmt.Errorf("%w: cannot close %s position %s", ErrInvalidTransition, p.Status, id)
	}
	at := l.now()
	p.Profit = &profit
	p.ClosedAt = &at
	l.balance += profit
	l.mu.Unlock()

	observ.LedgerBalance.WithLabelValues(l.name).Set(l.Balance())

	if l.journal != nil {
		st := StatusFilled
		if err := l.journal.writeTransition(Transition{PositionID: id, To: st, Profit: &profit, At: &at}); err != nil {
			l.log.Error().Err(err).Str("position", id).Msg("journal close failed")
		}
	}
	return nil
}

// SetMethod corrects the execution method while a position is still pending;
// the hybrid router calls this when the API leg fails and the session leg
// carries the trade.
func (l *Ledger) SetMethod(id string, m Method) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[id]
	if !ok {
		return ErrUnknownPosition
	}
	if p.terminal() {
		return fmt.Errorf("%w: %s is already %s", ErrInvalidTransition, id, p.Status)
	}
	p.Method = m
	return nil
}

func (l *Ledger) Get(id string) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[id]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// HasIntent reports whether a position already exists for the intent.
func (l *Ledger) HasIntent(intentID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.byIntent[intentID]
	return ok
}

// ByIntent returns the position recorded for an intent, if any.
func (l *Ledger) ByIntent(intentID string) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.byIntent[intentID]
	if !ok {
		return Position{}, false
	}
	return *l.positions[id], true
}

// Pending returns positions that have been pending for longer than olderThan,
// oldest first. olderThan zero returns every pending position.
func (l *Ledger) Pending(olderThan time.Duration) []Position {
	cutoff := l.now().Add(-olderThan)
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Position
	for _, id := range l.order {
		p := l.positions[id]
		if p.Status == StatusPending && !p.CreatedAt.After(cutoff) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Positions returns a copy of every position in append order.
func (l *Ledger) Positions() []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Position, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, *l.positions[id])
	}
	return out
}

func (l *Ledger) Balance() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balance
}

func (l *Ledger) StartingBalance() float64 {
	return l.starting
}

// Summary derives win rate, P&L, max drawdown (peak-to-trough of cumulative
// profit in trade order) and a Sharpe-like ratio over closed positions.
func (l *Ledger) Summary() Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Summary{Name: l.name, Balance: l.balance, StartingBalance: l.starting}

	var profits []float64
	for _, id := range l.order {
		p := l.positions[id]
		switch p.Status {
		case StatusPending:
			s.Pending++
			continue
		case StatusCancelled:
			continue
		}
		s.TotalTrades++
		if p.Profit == nil {
			continue
		}
		profits = append(profits, *p.Profit)
		if *p.Profit > 0 {
			s.Wins++
		} else {
			s.Losses++
		}
		s.TotalProfit += *p.Profit
	}
	if s.Wins+s.Losses > 0 {
		s.WinRate = float64(s.Wins) / float64(s.Wins+s.Losses)
	}
	s.MaxDrawdown = maxDrawdown(profits)
	s.SharpeRatio = sharpeLike(profits)
	return s
}

// maxDrawdown is the largest peak-to-trough drop of the cumulative profit
// series, in dollars.
func maxDrawdown(profits []float64) float64 {
	var cum, peak, dd float64
	for _, p := range profits {
		cum += p
		if cum > peak {
			peak = cum
		}
		if d := peak - cum; d > dd {
			dd = d
		}
	}
	return dd
}

// sharpeLike is mean return over standard deviation of returns, 0 when fewer
// than two closed trades exist.
func sharpeLike(profits []float64) float64 {
	if len(profits) < 2 {
		return 0
	}
	var sum float64
	for _, p := range profits {
		sum += p
	}
	mean := sum / float64(len(profits))
	var variance float64
	for _, p := range profits {
		variance += (p - mean) * (p - mean)
	}
	variance /= float64(len(profits))
	sd := math.Sqrt(variance)
	if sd == 0 {
		return 0
	}
	return mean / sd
}

// Close flushes and closes the journal.
func (l *Ledger) CloseJournal() error {
	if l.journal == nil {
		return nil
	}
	return l.journal.Close()
}
