package heal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/dwc-systems/tradepilot/internal/ledger"
	"github.com/dwc-systems/tradepilot/internal/observ"
	"github.com/dwc-systems/tradepilot/internal/session"
	"github.com/dwc-systems/tradepilot/internal/venue"
)

// ClientSwapper is the slice of the router the client healer needs.
type ClientSwapper interface {
	SwapClient(name string, client venue.Client) error
}

// NewClientHealer rebuilds a venue's API client from scratch, swaps it in and
// verifies it with a balance probe. One rebuild per attempt; the backoff only
// paces the verification retries.
func NewClientHealer(venueName string, build func() (venue.Client, error), swapper ClientSwapper, log zerolog.Logger) HealFunc {
	log = log.With().Str("healer", "client").Str("venue", venueName).Logger()
	return func(ctx context.Context) error {
		client, err := build()
		if err != nil {
			return fmt.Errorf("rebuild client: %w", err)
		}

		b := &backoff.Backoff{Min: 250 * time.Millisecond, Max: 2 * time.Second, Jitter: true}
		var probeErr error
		for i := 0; i < 3; i++ {
			if _, probeErr = client.Balance(ctx); probeErr == nil {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.Duration()):
			}
		}
		if probeErr != nil {
			return fmt.Errorf("rebuilt client still failing: %w", probeErr)
		}

		if err := swapper.SwapClient(venueName, client); err != nil {
			return fmt.Errorf("swap client: %w", err)
		}
		log.Info().Msg("api client rebuilt and verified")
		return nil
	}
}

// NewSessionHealer tears down errored sessions for a venue and stands up a
// fresh authenticated one. If authentication fails the session stays closed;
// the next pass tries again rather than looping here.
func NewSessionHealer(mgr *session.Manager, venueName string, creds session.Credentials, log zerolog.Logger) HealFunc {
	log = log.With().Str("healer", "session").Str("venue", venueName).Logger()
	return func(ctx context.Context) error {
		id, err := mgr.Recreate(ctx, venueName, creds)
		if err != nil {
			if errors.Is(err, session.ErrNotAuthenticated) {
				log.Warn().Err(err).Msg("recreated session failed to authenticate")
			}
			return fmt.Errorf("recreate session: %w", err)
		}
		log.Info().Str("session", id).Msg("session recreated")
		return nil
	}
}

// NewFeedHealer resets the market-data source.
func NewFeedHealer(reset func(ctx context.Context) error, log zerolog.Logger) HealFunc {
	log = log.With().Str("healer", "feed").Logger()
	return func(ctx context.Context) error {
		if err := reset(ctx); err != nil {
			return fmt.Errorf("reset feed: %w", err)
		}
		log.Info().Msg("market data feed reset")
		return nil
	}
}

// NewStaleOrderHealer cancels positions stuck pending past the staleness
// threshold. Remote cancel is best effort; the ledger transition is what
// unblocks the balance, and an already-terminal position is not an error.
func NewStaleOrderHealer(led *ledger.Ledger, client func() venue.Client, threshold time.Duration, log zerolog.Logger) HealFunc {
	log = log.With().Str("healer", "stale-orders").Logger()
	return func(ctx context.Context) error {
		stale := led.Pending(threshold)
		if len(stale) == 0 {
			return nil
		}

		var firstErr error
		for _, p := range stale {
			if c := client(); c != nil {
				if err := c.CancelOrder(ctx, p.ID); err != nil {
					log.Warn().Str("position", p.ID).Err(err).Msg("remote cancel failed")
				}
			}
			if err := led.Transition(p.ID, ledger.StatusCancelled, nil); err != nil {
				if !errors.Is(err, ledger.ErrInvalidTransition) && firstErr == nil {
					firstErr = err
				}
				continue
			}
			observ.StaleOrdersCancelled.Inc()
			log.Info().Str("position", p.ID).Str("symbol", p.Symbol).
				Dur("age", time.Since(p.CreatedAt)).Msg("stale pending position cancelled")
		}
		return firstErr
	}
}
