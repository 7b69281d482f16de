// Package compare runs the same signal stream through a simulated ledger and
// the real execution path, side by side, and reports how far the two drift.
// It answers one question: does live execution degrade the strategy, and by
// how much.
package compare

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dwc-systems/tradepilot/internal/ledger"
	"github.com/dwc-systems/tradepilot/internal/observ"
	"github.com/dwc-systems/tradepilot/internal/router"
	"github.com/dwc-systems/tradepilot/internal/signal"
)

// Executor is the slice of the router the comparator drives.
type Executor interface {
	Execute(ctx context.Context, in router.Intent) (router.TradeResult, error)
}

// Sizer decides the dollar size for one signal given the ledger balance.
type Sizer func(balance float64, sig signal.Signal) float64

type Config struct {
	Venue    string
	Interval time.Duration
}

// Report is the divergence snapshot the dashboard pulls, carrying both trade
// tracks in full. When no real trades have resolved yet the accuracy is
// undefined, not zero; AccuracyDefined separates "no data" from "0% accurate".
type Report struct {
	At                     time.Time         `json:"at"`
	SimBalance             float64           `json:"sim_balance"`
	RealBalance            float64           `json:"real_balance"`
	SimTrades              []ledger.Position `json:"sim_trades"`
	RealTrades             []ledger.Position `json:"real_trades"`
	DivergencePct          float64           `json:"divergence_pct"`
	DirectionalAccuracyPct float64           `json:"directional_accuracy_pct"`
	AccuracyDefined        bool              `json:"accuracy_defined"`
}

type Comparator struct {
	src  signal.Source
	real Executor
	sim  *ledger.Ledger
	rl   *ledger.Ledger
	size Sizer
	cfg  Config
	log  zerolog.Logger

	mu       sync.Mutex
	agree    int
	resolved int
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(src signal.Source, real Executor, simLedger, realLedger *ledger.Ledger, size Sizer, cfg Config, log zerolog.Logger) *Comparator {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Comparator{
		src:  src,
		real: real,
		sim:  simLedger,
		rl:   realLedger,
		size: size,
		cfg:  cfg,
		log:  log.With().Str("component", "compare").Logger(),
	}
}

// Start launches the tick loop; it runs until ctx is cancelled or Stop is
// called.
func (c *Comparator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.mu.Unlock()

	go func() {
		defer close(c.done)
		c.run(ctx)
	}()
}

// Stop halts the loop and returns the final report.
func (c *Comparator) Stop() Report {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return c.Report()
}

func (c *Comparator) run(ctx context.Context) {
	t := time.NewTicker(c.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Tick(ctx)
		}
	}
}

// Tick pulls one signal and, unless it is a hold, executes it on both tracks.
// The sim leg always fills; the real leg goes through the hybrid router and
// may fail, which is exactly the gap being measured.
func (c *Comparator) Tick(ctx context.Context) {
	sig, err := c.src.Next(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("signal source failed")
		return
	}
	if sig.Direction == signal.Hold {
		return
	}

	side := ledger.SideBuy
	if sig.Direction == signal.Sell {
		side = ledger.SideSell
	}

	simAmount := c.size(c.sim.Balance(), sig)
	realAmount := c.size(c.rl.Balance(), sig)
	if simAmount <= 0 && realAmount <= 0 {
		return
	}

	simProfit := c.runSim(sig, side, simAmount)
	realOK, realProfit := c.runReal(ctx, sig, side, realAmount)

	if realOK {
		c.mu.Lock()
		c.resolved++
		if (simProfit > 0) == (realProfit > 0) {
			c.agree++
		}
		c.mu.Unlock()
	}

	rep := c.Report()
	observ.ComparisonDivergence.Set(rep.DivergencePct)
	c.log.Debug().Str("symbol", sig.Symbol).Str("side", string(side)).
		Float64("sim_profit", simProfit).Bool("real_ok", realOK).
		Float64("divergence_pct", rep.DivergencePct).Msg("comparison tick")
}

// runSim books a deterministic fill on the sim ledger. Profit is a pure
// function of confidence and size so replays reproduce the same track.
func (c *Comparator) runSim(sig signal.Signal, side ledger.Side, amount float64) float64 {
	profit := simProfit(sig.Confidence, amount)
	pos := ledger.Position{
		ID:       uuid.NewString(),
		IntentID: "sim-" + uuid.NewString(),
		Venue:    c.cfg.Venue,
		Symbol:   sig.Symbol,
		Side:     side,
		Amount:   amount,
		Status:   ledger.StatusPending,
		Method:   ledger.MethodAPI,
	}
	if err := c.sim.Append(pos); err != nil {
		c.log.Error().Err(err).Msg("sim append failed")
		return 0
	}
	if err := c.sim.Transition(pos.ID, ledger.StatusFilled, &profit); err != nil {
		c.log.Error().Err(err).Msg("sim fill failed")
		return 0
	}
	return profit
}

func (c *Comparator) runReal(ctx context.Context, sig signal.Signal, side ledger.Side, amount float64) (bool, float64) {
	if amount <= 0 {
		return false, 0
	}
	res, err := c.real.Execute(ctx, router.Intent{
		ID:     "cmp-" + uuid.NewString(),
		Venue:  c.cfg.Venue,
		Symbol: sig.Symbol,
		Side:   side,
		Amount: amount,
		Mode:   router.ModeHybrid,
	})
	if err != nil || !res.Success {
		return false, 0
	}

	// outcome on the real track mirrors the sim profit model; a live price
	// feed would replace this
	profit := simProfit(sig.Confidence, amount)
	if err := c.rl.Close(res.PositionID, profit); err != nil {
		c.log.Warn().Err(err).Str("position", res.PositionID).Msg("real close failed")
	}
	return true, profit
}

// Report derives the divergence snapshot. With no resolved real trades the
// directional accuracy stays undefined rather than reading as zero.
func (c *Comparator) Report() Report {
	c.mu.Lock()
	agree, resolved := c.agree, c.resolved
	c.mu.Unlock()

	simBal := c.sim.Balance()
	realBal := c.rl.Balance()

	rep := Report{
		At:          time.Now().UTC(),
		SimBalance:  simBal,
		RealBalance: realBal,
		SimTrades:   c.sim.Positions(),
		RealTrades:  c.rl.Positions(),
	}
	// divergence is |sim ROI - real ROI| over the same signal stream
	simROI := roi(simBal, c.sim.StartingBalance())
	realROI := roi(realBal, c.rl.StartingBalance())
	if d := math.Abs(simROI-realROI) * 100; !math.IsNaN(d) && !math.IsInf(d, 0) {
		rep.DivergencePct = d
	}
	if resolved > 0 {
		rep.AccuracyDefined = true
		rep.DirectionalAccuracyPct = float64(agree) / float64(resolved) * 100
	}
	return rep
}

func roi(balance, starting float64) float64 {
	if starting == 0 {
		return 0
	}
	return (balance - starting) / starting
}

// simProfit is the deterministic outcome model for the sim track: confidence
// above coin-flip earns a proportional gain, below loses one, scaled to 2% of
// the position per 10 points of edge.
func simProfit(confidence, amount float64) float64 {
	edge := confidence - 0.5
	return amount * edge * 0.2
}
