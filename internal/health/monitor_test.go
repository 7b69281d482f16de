package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMonitor(t *testing.T) *Monitor {
	t.Helper()
	return NewMonitor(Config{
		Interval:       time.Minute,
		ProbeTimeout:   50 * time.Millisecond,
		UnhealthyAfter: 3,
	}, zerolog.Nop())
}

// scriptedProbe returns errors from a queue, then succeeds.
func scriptedProbe(errs ...error) ProbeFunc {
	i := 0
	return func(context.Context) error {
		if i < len(errs) {
			err := errs[i]
			i++
			return err
		}
		return nil
	}
}

func TestThreeConsecutiveFailuresFlipUnhealthy(t *testing.T) {
	m := testMonitor(t)
	boom := errors.New("boom")
	m.Register("api", scriptedProbe(boom, boom, boom))

	ctx := context.Background()

	m.RunOnce(ctx)
	rec := m.Status()["api"]
	assert.Equal(t, StatusDegraded, rec.Status)
	assert.Equal(t, 1, rec.ConsecutiveErrors)

	m.RunOnce(ctx)
	assert.Equal(t, StatusDegraded, m.Status()["api"].Status)

	m.RunOnce(ctx)
	rec = m.Status()["api"]
	assert.Equal(t, StatusUnhealthy, rec.Status)
	assert.Equal(t, 3, rec.ConsecutiveErrors)
	assert.Equal(t, "boom", rec.LastError)
	assert.Equal(t, []string{"api"}, m.Unhealthy())
}

func TestSingleSuccessRestoresHealthy(t *testing.T) {
	m := testMonitor(t)
	boom := errors.New("boom")
	m.Register("api", scriptedProbe(boom, boom, boom))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		m.RunOnce(ctx)
	}
	require.Equal(t, StatusUnhealthy, m.Status()["api"].Status)

	m.RunOnce(ctx) // queue exhausted, probe succeeds
	rec := m.Status()["api"]
	assert.Equal(t, StatusHealthy, rec.Status)
	assert.Zero(t, rec.ConsecutiveErrors)
	assert.Empty(t, rec.LastError)
	assert.Empty(t, m.Unhealthy())
}

func TestHangingProbeCountsAsFailure(t *testing.T) {
	m := testMonitor(t)
	m.Register("stuck", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	m.RunOnce(context.Background())
	elapsed := time.Since(start)

	rec := m.Status()["stuck"]
	assert.Equal(t, StatusDegraded, rec.Status)
	assert.Equal(t, 1, rec.ConsecutiveErrors)
	assert.Less(t, elapsed, time.Second, "monitor must not wait past the probe timeout")
}

func TestProbesRunIndependently(t *testing.T) {
	m := testMonitor(t)
	m.Register("good", func(context.Context) error { return nil })
	m.Register("bad", func(context.Context) error { return errors.New("down") })

	for i := 0; i < 3; i++ {
		m.RunOnce(context.Background())
	}
	assert.Equal(t, StatusHealthy, m.Status()["good"].Status)
	assert.Equal(t, StatusUnhealthy, m.Status()["bad"].Status)
	assert.Equal(t, []string{"bad"}, m.Unhealthy())
}
