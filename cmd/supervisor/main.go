// Command supervisor runs the hybrid execution and self-healing trading
// supervisor: signal loop, execution router, health monitor, healer,
// dual-execution comparator and the read-only query surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/dwc-systems/tradepilot/internal/app"
	"github.com/dwc-systems/tradepilot/internal/compare"
	"github.com/dwc-systems/tradepilot/internal/config"
	"github.com/dwc-systems/tradepilot/internal/heal"
	"github.com/dwc-systems/tradepilot/internal/health"
	"github.com/dwc-systems/tradepilot/internal/learning"
	"github.com/dwc-systems/tradepilot/internal/ledger"
	"github.com/dwc-systems/tradepilot/internal/observ"
	"github.com/dwc-systems/tradepilot/internal/router"
	"github.com/dwc-systems/tradepilot/internal/session"
	sigsrc "github.com/dwc-systems/tradepilot/internal/signal"
	"github.com/dwc-systems/tradepilot/internal/transport"
	"github.com/dwc-systems/tradepilot/internal/venue"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "supervisor:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "config.yaml", "path to YAML config")
		envPath    = flag.String("env", ".env", "path to env file with venue secrets")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	log := observ.NewLogger(cfg.Log.Level, cfg.Log.Pretty)

	if err := godotenv.Load(*envPath); err != nil {
		log.Warn().Str("path", *envPath).Msg("no env file, using process environment")
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	realLedger, err := ledger.Open("real", cfg.Ledger.RealJournalPath, cfg.Ledger.StartingBalance, log)
	if err != nil {
		return fmt.Errorf("open real ledger: %w", err)
	}
	defer realLedger.CloseJournal()
	simLedger, err := ledger.Open("sim", cfg.Ledger.SimJournalPath, cfg.Ledger.StartingBalance, log)
	if err != nil {
		return fmt.Errorf("open sim ledger: %w", err)
	}
	defer simLedger.CloseJournal()

	learn, err := learning.NewEngine(learning.Config{
		MinRisk:            cfg.Learning.MinRisk,
		MaxRisk:            cfg.Learning.MaxRisk,
		InitialRisk:        cfg.Learning.InitialRisk,
		MaxPositionSize:    cfg.Learning.MaxPositionSize,
		StopLossThreshold:  cfg.Learning.StopLossThreshold,
		TrailingSessions:   cfg.Learning.TrailingSessions,
		MinTradesForAdjust: cfg.Learning.MinTradesForAdjust,
		StatePath:          cfg.Learning.StatePath,
		OutcomesPath:       cfg.Learning.OutcomesPath,
	}, log)
	if err != nil {
		return fmt.Errorf("learning engine: %w", err)
	}

	buildClient := func() (venue.Client, error) {
		return venue.NewPionexClient(venue.PionexConfig{
			BaseURL:        cfg.Venue.BaseURL,
			APIKey:         os.Getenv(cfg.Venue.APIKeyEnv),
			Timeout:        time.Duration(cfg.Venue.TimeoutMs) * time.Millisecond,
			RatePerSec:     cfg.Venue.RatePerSec,
			RateBurst:      cfg.Venue.RateBurst,
			BalanceRetries: cfg.Venue.BalanceRetries,
		}, log), nil
	}
	client, _ := buildClient()

	creds := session.Credentials{
		Username: os.Getenv(cfg.Venue.UsernameEnv),
		Password: os.Getenv(cfg.Venue.PasswordEnv),
	}
	sessions := session.NewManager(
		func(v string) (session.Automator, error) {
			return session.NewPaperAutomator(v, cfg.Ledger.StartingBalance), nil
		},
		session.ManagerConfig{
			IdleAfter:     time.Duration(cfg.Session.IdleAfterSeconds) * time.Second,
			ActionTimeout: time.Duration(cfg.Session.ActionTimeoutMs) * time.Millisecond,
		}, log)
	defer sessions.CloseAll()

	rt := router.New(sessions, realLedger, router.Config{
		APITimeout: time.Duration(cfg.Router.APITimeoutMs) * time.Millisecond,
		Breaker: router.BreakerConfig{
			MaxRequests:         uint32(cfg.Router.Breaker.MaxRequests),
			Interval:            time.Duration(cfg.Router.Breaker.IntervalSeconds) * time.Second,
			OpenTimeout:         time.Duration(cfg.Router.Breaker.OpenTimeoutSeconds) * time.Second,
			ConsecutiveFailures: uint32(cfg.Router.Breaker.ConsecutiveFailures),
		},
	}, log)
	rt.RegisterVenue(cfg.Venue.Name, client, creds)

	source := sigsrc.NewSimSource(cfg.Trading.Symbols, time.Now().UnixNano())

	staleAfter := time.Duration(cfg.Heal.StalePendingMinutes) * time.Minute
	monitor := newMonitor(cfg, log, rt, sessions, source, realLedger, staleAfter)
	healer := newHealer(cfg, log, monitor, rt, sessions, source, realLedger, buildClient, creds, staleAfter)

	sizer := func(balance float64, sig sigsrc.Signal) float64 {
		return learn.OptimalTradeSize(balance, sig.Confidence, sig.Label)
	}
	var comparator *compare.Comparator
	if cfg.Comparator.Enabled {
		comparator = compare.New(source, rt, simLedger, realLedger, sizer, compare.Config{
			Venue:    cfg.Venue.Name,
			Interval: time.Duration(cfg.Comparator.IntervalSeconds) * time.Second,
		}, log)
	}

	tc := &app.TradingContext{
		Cfg:        cfg,
		Log:        log,
		RealLedger: realLedger,
		SimLedger:  simLedger,
		Sessions:   sessions,
		Router:     rt,
		Health:     monitor,
		Healer:     healer,
		Learning:   learn,
		Comparator: comparator,
	}
	server := transport.NewServer(tc, cfg.HTTP.Addr)

	learn.StartSession()
	go monitor.Run(ctx)
	go healer.Run(ctx)
	if comparator != nil {
		comparator.Start(ctx)
	}
	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("query surface failed")
			stop()
		}
	}()

	log.Info().Str("venue", cfg.Venue.Name).Str("mode", cfg.Router.Mode).
		Str("addr", cfg.HTTP.Addr).Msg("supervisor started")

	runTradingLoop(ctx, tc, source, log)

	// cooperative shutdown: stop loops, settle state, write final snapshots
	shctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if comparator != nil {
		rep := comparator.Stop()
		log.Info().Float64("divergence_pct", rep.DivergencePct).
			Int("sim_trades", len(rep.SimTrades)).Int("real_trades", len(rep.RealTrades)).
			Msg("final comparison report")
	}
	if sum, err := learn.EndSession(); err == nil {
		log.Info().Int("trades", sum.Trades).Float64("total_profit", sum.TotalProfit).
			Msg("final learning session")
	}
	writeSnapshot(realLedger, cfg.Ledger.RealJournalPath, log)
	writeSnapshot(simLedger, cfg.Ledger.SimJournalPath, log)
	if err := server.Shutdown(shctx); err != nil {
		log.Warn().Err(err).Msg("query surface shutdown failed")
	}
	log.Info().Msg("supervisor stopped")
	return nil
}

// runTradingLoop pulls one signal per tick, sizes it through the learning
// engine and routes it in the configured mode. Estimated outcomes feed back
// into the learning model.
func runTradingLoop(ctx context.Context, tc *app.TradingContext, source *sigsrc.SimSource, log zerolog.Logger) {
	t := time.NewTicker(time.Duration(tc.Cfg.Trading.IntervalSeconds) * time.Second)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		sig, err := source.Next(ctx)
		if err != nil {
			continue
		}
		if sig.Direction == sigsrc.Hold {
			continue
		}

		side := ledger.SideBuy
		if sig.Direction == sigsrc.Sell {
			side = ledger.SideSell
		}
		amount := tc.Learning.OptimalTradeSize(tc.RealLedger.Balance(), sig.Confidence, sig.Label)
		if amount <= 0 {
			continue
		}

		res, err := tc.Router.Execute(ctx, router.Intent{
			ID:     uuid.NewString(),
			Venue:  tc.Cfg.Venue.Name,
			Symbol: sig.Symbol,
			Side:   side,
			Amount: amount,
			Mode:   router.Mode(tc.Cfg.Router.Mode),
		})
		if err != nil {
			log.Warn().Str("symbol", sig.Symbol).Err(err).Msg("trade failed")
			tc.Learning.RecordOutcome(learning.Outcome{
				Venue:      tc.Cfg.Venue.Name,
				Symbol:     sig.Symbol,
				Side:       string(side),
				Amount:     amount,
				Label:      sig.Label,
				Confidence: sig.Confidence,
				Profit:     0,
				MarketSnapshot: map[string]any{
					"balance": tc.RealLedger.Balance(),
					"error":   err.Error(),
				},
			})
			continue
		}

		// outcome estimate until a live price feed closes positions for real
		profit := amount * (sig.Confidence - 0.5) * 0.2
		if err := tc.RealLedger.Close(res.PositionID, profit); err != nil {
			log.Warn().Err(err).Str("position", res.PositionID).Msg("close failed")
		}
		tc.Learning.RecordOutcome(learning.Outcome{
			Venue:      tc.Cfg.Venue.Name,
			Symbol:     sig.Symbol,
			Side:       string(side),
			Amount:     amount,
			Label:      sig.Label,
			Confidence: sig.Confidence,
			Profit:     profit,
			MarketSnapshot: map[string]any{
				"balance":   tc.RealLedger.Balance(),
				"method":    string(res.Method),
				"fell_back": res.FellBack,
			},
		})
		log.Info().Str("symbol", sig.Symbol).Str("side", string(side)).
			Float64("amount", amount).Str("method", string(res.Method)).
			Bool("fell_back", res.FellBack).Float64("profit", profit).Msg("trade executed")
	}
}

func newMonitor(cfg config.Root, log zerolog.Logger, rt *router.Router, sessions *session.Manager,
	source *sigsrc.SimSource, led *ledger.Ledger, staleAfter time.Duration) *health.Monitor {

	monitor := health.NewMonitor(health.Config{
		Interval:       time.Duration(cfg.Health.IntervalSeconds) * time.Second,
		ProbeTimeout:   time.Duration(cfg.Health.ProbeTimeoutMs) * time.Millisecond,
		UnhealthyAfter: cfg.Health.UnhealthyAfter,
	}, log)

	monitor.Register("api", func(ctx context.Context) error {
		c, ok := rt.Client(cfg.Venue.Name)
		if !ok {
			return fmt.Errorf("no client for %s", cfg.Venue.Name)
		}
		_, err := c.Balance(ctx)
		return err
	})
	monitor.Register("session-pool", func(context.Context) error {
		if n := sessions.ErroredCount(); n > 0 {
			return fmt.Errorf("%d errored sessions", n)
		}
		return nil
	})
	monitor.Register("market-data", func(context.Context) error {
		maxAge := 3 * time.Duration(cfg.Trading.IntervalSeconds) * time.Second
		if age := source.LastSignalAge(); age > maxAge {
			return fmt.Errorf("signal stale for %s", age)
		}
		return nil
	})
	monitor.Register("ledger", func(context.Context) error {
		return led.Writable()
	})
	monitor.Register("order-execution", func(context.Context) error {
		if stale := led.Pending(staleAfter); len(stale) > 0 {
			return fmt.Errorf("%d positions pending beyond %s", len(stale), staleAfter)
		}
		return nil
	})
	return monitor
}

func newHealer(cfg config.Root, log zerolog.Logger, monitor *health.Monitor, rt *router.Router,
	sessions *session.Manager, source *sigsrc.SimSource, led *ledger.Ledger,
	buildClient func() (venue.Client, error), creds session.Credentials, staleAfter time.Duration) *heal.Supervisor {

	healer := heal.NewSupervisor(monitor, heal.Config{
		Interval:    time.Duration(cfg.Heal.IntervalSeconds) * time.Second,
		HealTimeout: time.Duration(cfg.Heal.HealTimeoutMs) * time.Millisecond,
	}, log)

	healer.Register("api", heal.NewClientHealer(cfg.Venue.Name, buildClient, rt, log))
	healer.Register("session-pool", heal.NewSessionHealer(sessions, cfg.Venue.Name, creds, log))
	healer.Register("market-data", heal.NewFeedHealer(func(ctx context.Context) error {
		_, err := source.Next(ctx)
		return err
	}, log))
	healer.Register("order-execution", heal.NewStaleOrderHealer(led, func() venue.Client {
		c, _ := rt.Client(cfg.Venue.Name)
		return c
	}, staleAfter, log))
	return healer
}

func writeSnapshot(led *ledger.Ledger, journalPath string, log zerolog.Logger) {
	if journalPath == "" {
		return
	}
	path := strings.TrimSuffix(journalPath, filepath.Ext(journalPath)) + "_snapshot.json"
	if err := led.WriteSnapshot(path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("ledger snapshot failed")
	}
}
