package signal

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

var simLabels = []string{"MOMENTUM", "MEAN_REVERSION", "TREND"}

// SimSource generates plausible signals for a fixed symbol set. It exists for
// the comparator and for running the supervisor without a strategy attached;
// it is not a strategy.
type SimSource struct {
	mu      sync.Mutex
	symbols []string
	r       *rand.Rand

	lastSignal time.Time
	now        func() time.Time
}

func NewSimSource(symbols []string, seed int64) *SimSource {
	if len(symbols) == 0 {
		symbols = []string{"BTC_USDT"}
	}
	return &SimSource{
		symbols: symbols,
		r:       rand.New(rand.NewSource(seed)),
		now:     time.Now,
	}
}

func (s *SimSource) Next(ctx context.Context) (Signal, error) {
	if err := ctx.Err(); err != nil {
		return Signal{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSignal = s.now()

	dir := Hold
	switch roll := s.r.Float64(); {
	case roll < 0.45:
		dir = Buy
	case roll < 0.75:
		dir = Sell
	}

	return Signal{
		Direction:  dir,
		Symbol:     s.symbols[s.r.Intn(len(s.symbols))],
		Confidence: 0.55 + s.r.Float64()*0.40,
		Label:      simLabels[s.r.Intn(len(simLabels))],
	}, nil
}

// LastSignalAge reports how stale the source is, used by the market-data
// health probe.
func (s *SimSource) LastSignalAge() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSignal.IsZero() {
		return 0
	}
	return s.now().Sub(s.lastSignal)
}
