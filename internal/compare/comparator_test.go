package compare

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwc-systems/tradepilot/internal/ledger"
	"github.com/dwc-systems/tradepilot/internal/router"
	"github.com/dwc-systems/tradepilot/internal/signal"
)

// queueSource replays a scripted signal sequence.
type queueSource struct {
	signals []signal.Signal
	i       int
}

func (q *queueSource) Next(context.Context) (signal.Signal, error) {
	if q.i >= len(q.signals) {
		return signal.Signal{Direction: signal.Hold}, nil
	}
	s := q.signals[q.i]
	q.i++
	return s, nil
}

// ledgerExecutor books a filled position straight into the real ledger, or
// fails without touching it.
type ledgerExecutor struct {
	led  *ledger.Ledger
	fail bool
}

func (e *ledgerExecutor) Execute(_ context.Context, in router.Intent) (router.TradeResult, error) {
	if e.fail {
		return router.TradeResult{IntentID: in.ID}, errors.New("venue down")
	}
	pos := ledger.Position{
		ID: uuid.NewString(), IntentID: in.ID, Venue: in.Venue, Symbol: in.Symbol,
		Side: in.Side, Amount: in.Amount, Status: ledger.StatusPending, Method: ledger.MethodAPI,
	}
	if err := e.led.Append(pos); err != nil {
		return router.TradeResult{}, err
	}
	if err := e.led.Transition(pos.ID, ledger.StatusFilled, nil); err != nil {
		return router.TradeResult{}, err
	}
	return router.TradeResult{IntentID: in.ID, PositionID: pos.ID, Success: true, Method: ledger.MethodAPI}, nil
}

func newComparator(t *testing.T, src signal.Source, fail bool) (*Comparator, *ledger.Ledger, *ledger.Ledger) {
	t.Helper()
	sim, err := ledger.Open("sim", "", 150, zerolog.Nop())
	require.NoError(t, err)
	real, err := ledger.Open("real", "", 150, zerolog.Nop())
	require.NoError(t, err)

	sizer := func(balance float64, _ signal.Signal) float64 { return 10 }
	c := New(src, &ledgerExecutor{led: real, fail: fail}, sim, real, sizer, Config{Venue: "pionex"}, zerolog.Nop())
	return c, sim, real
}

func TestAllHoldStreamIsNaNSafe(t *testing.T) {
	src := &queueSource{} // nothing queued: every signal is a hold
	c, _, _ := newComparator(t, src, false)

	for i := 0; i < 5; i++ {
		c.Tick(context.Background())
	}

	rep := c.Report()
	assert.Empty(t, rep.SimTrades)
	assert.Empty(t, rep.RealTrades)
	assert.Zero(t, rep.DivergencePct)
	assert.False(t, rep.AccuracyDefined)
	assert.Zero(t, rep.DirectionalAccuracyPct)
}

func TestTickBooksBothTracks(t *testing.T) {
	src := &queueSource{signals: []signal.Signal{
		{Direction: signal.Buy, Symbol: "BTC_USDT", Confidence: 0.8, Label: "MOMENTUM"},
		{Direction: signal.Sell, Symbol: "ETH_USDT", Confidence: 0.7, Label: "TREND"},
	}}
	c, sim, real := newComparator(t, src, false)

	c.Tick(context.Background())
	c.Tick(context.Background())

	assert.Equal(t, 2, sim.Summary().TotalTrades)
	assert.Equal(t, 2, real.Summary().TotalTrades)

	rep := c.Report()
	assert.True(t, rep.AccuracyDefined)
	assert.InDelta(t, 100.0, rep.DirectionalAccuracyPct, 1e-9, "identical outcome model agrees in sign")
	assert.InDelta(t, 0.0, rep.DivergencePct, 1e-9)

	// the report carries the trades themselves, not just counts
	require.Len(t, rep.SimTrades, 2)
	require.Len(t, rep.RealTrades, 2)
	assert.Equal(t, "BTC_USDT", rep.SimTrades[0].Symbol)
	assert.Equal(t, ledger.SideSell, rep.SimTrades[1].Side)
	assert.Equal(t, ledger.StatusFilled, rep.RealTrades[0].Status)
}

func TestRealFailureWidensDivergence(t *testing.T) {
	src := &queueSource{signals: []signal.Signal{
		{Direction: signal.Buy, Symbol: "BTC_USDT", Confidence: 0.9, Label: "MOMENTUM"},
	}}
	c, sim, real := newComparator(t, src, true)

	c.Tick(context.Background())

	assert.Equal(t, 1, sim.Summary().TotalTrades)
	assert.Zero(t, real.Summary().TotalTrades)

	rep := c.Report()
	assert.False(t, rep.AccuracyDefined, "no resolved real trades")
	assert.Greater(t, rep.DivergencePct, 0.0, "sim gained while real sat still")
	assert.Greater(t, rep.SimBalance, rep.RealBalance)
	assert.Len(t, rep.SimTrades, 1)
	assert.Empty(t, rep.RealTrades)
}

func TestStopReturnsFinalReport(t *testing.T) {
	src := &queueSource{}
	c, _, _ := newComparator(t, src, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	rep := c.Stop()
	assert.False(t, rep.AccuracyDefined)
}
