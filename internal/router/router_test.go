package router

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwc-systems/tradepilot/internal/ledger"
	"github.com/dwc-systems/tradepilot/internal/session"
	"github.com/dwc-systems/tradepilot/internal/venue"
)

// fakeClient scripts the API leg.
type fakeClient struct {
	mu         sync.Mutex
	placeErr   error
	placeCalls int
	cancels    []string
}

func (f *fakeClient) Name() string { return "pionex" }

func (f *fakeClient) PlaceOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placeCalls++
	if f.placeErr != nil {
		return venue.OrderAck{}, f.placeErr
	}
	return venue.OrderAck{OrderID: "o-1", Status: "FILLED"}, nil
}

func (f *fakeClient) CancelOrder(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, id)
	return nil
}

func (f *fakeClient) Balance(ctx context.Context) (float64, error) { return 150, nil }

func (f *fakeClient) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.placeCalls
}

// brokenAutomator fails every order submission.
type brokenAutomator struct{ session.Automator }

func (b brokenAutomator) Authenticate(context.Context, session.Credentials) error { return nil }
func (b brokenAutomator) SubmitOrderUI(context.Context, session.OrderForm) (string, error) {
	return "", fmt.Errorf("element not found")
}
func (b brokenAutomator) Close() error { return nil }

func newTestRouter(t *testing.T, client venue.Client, factory session.Factory) (*Router, *ledger.Ledger, *session.Manager) {
	t.Helper()
	led, err := ledger.Open("test", "", 150, zerolog.Nop())
	require.NoError(t, err)

	if factory == nil {
		factory = func(v string) (session.Automator, error) {
			return session.NewPaperAutomator(v, 1000), nil
		}
	}
	mgr := session.NewManager(factory, session.ManagerConfig{ActionTimeout: time.Second}, zerolog.Nop())

	r := New(mgr, led, Config{APITimeout: 200 * time.Millisecond}, zerolog.Nop())
	r.RegisterVenue("pionex", client, session.Credentials{Username: "bot"})
	return r, led, mgr
}

func intent(id string, mode Mode) Intent {
	return Intent{ID: id, Venue: "pionex", Symbol: "BTC_USDT", Side: ledger.SideBuy, Amount: 10, Mode: mode}
}

func TestHybridFallsBackExactlyOnce(t *testing.T) {
	client := &fakeClient{placeErr: venue.ErrRejected}
	r, led, _ := newTestRouter(t, client, nil)

	res, err := r.Execute(context.Background(), intent("i1", ModeHybrid))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.True(t, res.FellBack)
	assert.Equal(t, ledger.MethodSession, res.Method)
	assert.Equal(t, 1, client.calls())

	positions := led.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, ledger.StatusFilled, positions[0].Status)
	assert.Equal(t, ledger.MethodSession, positions[0].Method)
}

func TestHybridAPITimeoutSessionCarriesTheTrade(t *testing.T) {
	client := &fakeClient{placeErr: venue.ErrTimeout}
	r, led, _ := newTestRouter(t, client, nil)

	res, err := r.Execute(context.Background(), intent("i1", ModeHybrid))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.FellBack)
	assert.Equal(t, ledger.MethodSession, res.Method)

	p, ok := led.ByIntent("i1")
	require.True(t, ok)
	assert.Equal(t, ledger.StatusFilled, p.Status)
}

func TestHybridBothLegsFailMarksPositionFailed(t *testing.T) {
	client := &fakeClient{placeErr: venue.ErrRejected}
	factory := func(v string) (session.Automator, error) { return brokenAutomator{}, nil }
	r, led, _ := newTestRouter(t, client, factory)

	res, err := r.Execute(context.Background(), intent("i1", ModeHybrid))
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.FellBack)

	p, ok := led.ByIntent("i1")
	require.True(t, ok)
	assert.Equal(t, ledger.StatusFailed, p.Status)
	require.NotNil(t, p.Profit)
	assert.Zero(t, *p.Profit)
}

func TestAPITimeoutLeavesPositionPending(t *testing.T) {
	client := &fakeClient{placeErr: venue.ErrTimeout}
	r, led, _ := newTestRouter(t, client, nil)

	res, err := r.Execute(context.Background(), intent("i1", ModeAPI))
	require.ErrorIs(t, err, venue.ErrTimeout)
	assert.False(t, res.Success)

	p, ok := led.ByIntent("i1")
	require.True(t, ok)
	assert.Equal(t, ledger.StatusPending, p.Status, "ambiguous outcome must stay pending for reconciliation")
}

func TestDuplicateIntentRejected(t *testing.T) {
	r, led, _ := newTestRouter(t, &fakeClient{}, nil)

	first, err := r.Execute(context.Background(), intent("i1", ModeAPI))
	require.NoError(t, err)

	second, err := r.Execute(context.Background(), intent("i1", ModeAPI))
	require.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, first.PositionID, second.PositionID)
	assert.Len(t, led.Positions(), 1)
}

func TestMalformedIntentNeverReachesLedger(t *testing.T) {
	r, led, _ := newTestRouter(t, &fakeClient{}, nil)

	cases := []Intent{
		{Venue: "pionex", Symbol: "BTC_USDT", Side: ledger.SideBuy, Amount: 10, Mode: ModeAPI},
		intentWith(func(i *Intent) { i.Symbol = "" }),
		intentWith(func(i *Intent) { i.Amount = -1 }),
		intentWith(func(i *Intent) { i.Side = "short" }),
		intentWith(func(i *Intent) { i.Mode = "turbo" }),
	}
	for _, in := range cases {
		_, err := r.Execute(context.Background(), in)
		require.ErrorIs(t, err, ErrInvalidIntent)
	}
	assert.Empty(t, led.Positions())
}

func intentWith(mut func(*Intent)) Intent {
	in := intent("i-bad", ModeAPI)
	mut(&in)
	return in
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	client := &fakeClient{placeErr: venue.ErrRejected}
	r, _, _ := newTestRouter(t, client, nil)

	for i := 0; i < 5; i++ {
		_, err := r.Execute(context.Background(), intent(fmt.Sprintf("i%d", i), ModeHybrid))
		require.NoError(t, err, "session leg keeps trades succeeding")
	}
	// breaker trips after 3 consecutive API failures; later intents skip the
	// API client entirely and go straight to the session fallback
	assert.Equal(t, 3, client.calls())
}

func TestSwapClientIsVisibleToNextTrade(t *testing.T) {
	broken := &fakeClient{placeErr: venue.ErrRejected}
	r, led, _ := newTestRouter(t, broken, nil)

	fixed := &fakeClient{}
	require.NoError(t, r.SwapClient("pionex", fixed))
	require.Error(t, r.SwapClient("nope", fixed))

	res, err := r.Execute(context.Background(), intent("i1", ModeAPI))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, ledger.MethodAPI, res.Method)
	assert.Equal(t, 1, fixed.calls())
	assert.Equal(t, 0, broken.calls())

	p, ok := led.ByIntent("i1")
	require.True(t, ok)
	assert.Equal(t, ledger.StatusFilled, p.Status)
}

func TestCancelAllCancelsPendingPositions(t *testing.T) {
	client := &fakeClient{placeErr: venue.ErrTimeout}
	r, led, _ := newTestRouter(t, client, nil)

	for i := 0; i < 3; i++ {
		r.Execute(context.Background(), intent(fmt.Sprintf("i%d", i), ModeAPI))
	}
	require.Len(t, led.Pending(0), 3)

	n, err := r.CancelAll(context.Background(), "pionex")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Empty(t, led.Pending(0))
	for _, p := range led.Positions() {
		assert.Equal(t, ledger.StatusCancelled, p.Status)
	}
}
