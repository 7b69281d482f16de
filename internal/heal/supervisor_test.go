package heal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwc-systems/tradepilot/internal/health"
	"github.com/dwc-systems/tradepilot/internal/ledger"
	"github.com/dwc-systems/tradepilot/internal/venue"
)

// unhealthyMonitor drives a component to unhealthy with failing probes.
func unhealthyMonitor(t *testing.T, components ...string) *health.Monitor {
	t.Helper()
	m := health.NewMonitor(health.Config{
		Interval:       time.Minute,
		ProbeTimeout:   100 * time.Millisecond,
		UnhealthyAfter: 3,
	}, zerolog.Nop())
	for _, c := range components {
		m.Register(c, func(context.Context) error { return errors.New("down") })
	}
	for i := 0; i < 3; i++ {
		m.RunOnce(context.Background())
	}
	require.Equal(t, len(components), len(m.Unhealthy()))
	return m
}

func TestTickHealsUnhealthyComponents(t *testing.T) {
	m := unhealthyMonitor(t, "api")
	s := NewSupervisor(m, Config{HealTimeout: time.Second}, zerolog.Nop())

	healed := 0
	s.Register("api", func(context.Context) error {
		healed++
		return nil
	})

	s.Tick(context.Background())
	assert.Equal(t, 1, healed)

	attempts := s.Attempts()
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].OK)
	assert.Equal(t, "api", attempts[0].Component)
}

func TestTickIsSingleFlight(t *testing.T) {
	m := unhealthyMonitor(t, "api")
	s := NewSupervisor(m, Config{HealTimeout: time.Second}, zerolog.Nop())

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex
	s.Register("api", func(context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		close(entered)
		<-release
		return nil
	})

	go s.Tick(context.Background())
	<-entered

	// overlapping tick must be skipped while the first is still healing
	s.Tick(context.Background())
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
	close(release)
}

func TestOneFailingHealerDoesNotStopThePass(t *testing.T) {
	m := unhealthyMonitor(t, "api", "session-pool")
	s := NewSupervisor(m, Config{HealTimeout: time.Second}, zerolog.Nop())

	var healedOther bool
	s.Register("api", func(context.Context) error { panic("healer bug") })
	s.Register("session-pool", func(context.Context) error {
		healedOther = true
		return nil
	})

	require.NotPanics(t, func() { s.Tick(context.Background()) })
	assert.True(t, healedOther)

	byComponent := map[string]bool{}
	for _, a := range s.Attempts() {
		byComponent[a.Component] = a.OK
	}
	assert.False(t, byComponent["api"])
	assert.True(t, byComponent["session-pool"])
}

// cancelClient records cancel calls.
type cancelClient struct {
	mu      sync.Mutex
	cancels []string
}

func (c *cancelClient) Name() string { return "pionex" }
func (c *cancelClient) PlaceOrder(context.Context, venue.OrderRequest) (venue.OrderAck, error) {
	return venue.OrderAck{}, nil
}
func (c *cancelClient) CancelOrder(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels = append(c.cancels, id)
	return nil
}
func (c *cancelClient) Balance(context.Context) (float64, error) { return 0, nil }

func TestStaleOrderHealerCancelsOldPending(t *testing.T) {
	led, err := ledger.Open("test", "", 150, zerolog.Nop())
	require.NoError(t, err)

	old := ledger.Position{
		ID: "old", IntentID: "i-old", Venue: "pionex", Symbol: "BTC_USDT",
		Side: ledger.SideBuy, Amount: 10, Status: ledger.StatusPending,
		Method: ledger.MethodAPI, CreatedAt: time.Now().Add(-10 * time.Minute),
	}
	require.NoError(t, led.Append(old))

	fresh := old
	fresh.ID, fresh.IntentID = "fresh", "i-fresh"
	fresh.CreatedAt = time.Now()
	require.NoError(t, led.Append(fresh))

	client := &cancelClient{}
	healer := NewStaleOrderHealer(led, func() venue.Client { return client }, 5*time.Minute, zerolog.Nop())
	require.NoError(t, healer(context.Background()))

	p, _ := led.Get("old")
	assert.Equal(t, ledger.StatusCancelled, p.Status)
	p, _ = led.Get("fresh")
	assert.Equal(t, ledger.StatusPending, p.Status)
	assert.Equal(t, []string{"old"}, client.cancels)
}

// flakyClient fails until attempt n.
type flakyClient struct {
	cancelClient
	failuresLeft int
}

func (f *flakyClient) Balance(context.Context) (float64, error) {
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return 0, errors.New("still down")
	}
	return 150, nil
}

type recordingSwapper struct {
	swapped venue.Client
}

func (r *recordingSwapper) SwapClient(_ string, c venue.Client) error {
	r.swapped = c
	return nil
}

func TestClientHealerVerifiesBeforeSwap(t *testing.T) {
	rebuilt := &flakyClient{failuresLeft: 2}
	swapper := &recordingSwapper{}

	healer := NewClientHealer("pionex", func() (venue.Client, error) { return rebuilt, nil }, swapper, zerolog.Nop())
	require.NoError(t, healer(context.Background()))
	assert.Equal(t, venue.Client(rebuilt), swapper.swapped)
}

func TestClientHealerGivesUpOnDeadClient(t *testing.T) {
	rebuilt := &flakyClient{failuresLeft: 100}
	swapper := &recordingSwapper{}

	healer := NewClientHealer("pionex", func() (venue.Client, error) { return rebuilt, nil }, swapper, zerolog.Nop())
	require.Error(t, healer(context.Background()))
	assert.Nil(t, swapper.swapped)
}
