package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Log struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type Venue struct {
	Name           string `yaml:"name"`
	BaseURL        string `yaml:"base_url"`
	APIKeyEnv      string `yaml:"api_key_env"`
	UsernameEnv    string `yaml:"username_env"`
	PasswordEnv    string `yaml:"password_env"`
	TimeoutMs      int    `yaml:"timeout_ms"`
	RatePerSec     int    `yaml:"rate_per_sec"`
	RateBurst      int    `yaml:"rate_burst"`
	BalanceRetries int    `yaml:"balance_retries"`
}

type Breaker struct {
	MaxRequests         int `yaml:"max_requests"`
	IntervalSeconds     int `yaml:"interval_seconds"`
	OpenTimeoutSeconds  int `yaml:"open_timeout_seconds"`
	ConsecutiveFailures int `yaml:"consecutive_failures"`
}

type Router struct {
	Mode         string  `yaml:"mode"` // api | session | hybrid
	APITimeoutMs int     `yaml:"api_timeout_ms"`
	Breaker      Breaker `yaml:"breaker"`
}

type Health struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	ProbeTimeoutMs  int `yaml:"probe_timeout_ms"`
	UnhealthyAfter  int `yaml:"unhealthy_after"`
}

type Heal struct {
	IntervalSeconds     int `yaml:"interval_seconds"`
	HealTimeoutMs       int `yaml:"heal_timeout_ms"`
	StalePendingMinutes int `yaml:"stale_pending_minutes"`
}

type Learning struct {
	MinRisk            float64 `yaml:"min_risk"`
	MaxRisk            float64 `yaml:"max_risk"`
	InitialRisk        float64 `yaml:"initial_risk"`
	MaxPositionSize    float64 `yaml:"max_position_size_usd"`
	StopLossThreshold  float64 `yaml:"stop_loss_threshold"`
	TrailingSessions   int     `yaml:"trailing_sessions"`
	MinTradesForAdjust int     `yaml:"min_trades_for_adjust"`
	StatePath          string  `yaml:"state_path"`
	OutcomesPath       string  `yaml:"outcomes_path"`
}

type Ledger struct {
	RealJournalPath string  `yaml:"real_journal_path"`
	SimJournalPath  string  `yaml:"sim_journal_path"`
	StartingBalance float64 `yaml:"starting_balance_usd"`
}

type Session struct {
	IdleAfterSeconds int `yaml:"idle_after_seconds"`
	ActionTimeoutMs  int `yaml:"action_timeout_ms"`
}

type Comparator struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds"`
}

type Trading struct {
	IntervalSeconds int      `yaml:"interval_seconds"`
	Symbols         []string `yaml:"symbols"`
}

type HTTP struct {
	Addr string `yaml:"addr"`
}

type Root struct {
	Log        Log        `yaml:"log"`
	Venue      Venue      `yaml:"venue"`
	Router     Router     `yaml:"router"`
	Health     Health     `yaml:"health"`
	Heal       Heal       `yaml:"heal"`
	Learning   Learning   `yaml:"learning"`
	Ledger     Ledger     `yaml:"ledger"`
	Session    Session    `yaml:"session"`
	Comparator Comparator `yaml:"comparator"`
	Trading    Trading    `yaml:"trading"`
	HTTP       HTTP       `yaml:"http"`
}

// Load reads the YAML config at path. A missing file yields pure defaults;
// a malformed file is an error. Secrets are never part of the file; venue
// entries name the environment variables that carry them.
func Load(path string) (Root, error) {
	var c Root
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return c, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(b, &c); err != nil {
				return c, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	c.applyDefaults()
	return c, nil
}

func (c *Root) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Venue.Name == "" {
		c.Venue.Name = "pionex"
	}
	if c.Venue.BaseURL == "" {
		c.Venue.BaseURL = "https://api.pionex.com"
	}
	if c.Venue.APIKeyEnv == "" {
		c.Venue.APIKeyEnv = "PIONEX_API_KEY"
	}
	if c.Venue.UsernameEnv == "" {
		c.Venue.UsernameEnv = "PIONEX_USERNAME"
	}
	if c.Venue.PasswordEnv == "" {
		c.Venue.PasswordEnv = "PIONEX_PASSWORD"
	}
	if c.Venue.TimeoutMs == 0 {
		c.Venue.TimeoutMs = 30000
	}
	if c.Venue.RatePerSec == 0 {
		c.Venue.RatePerSec = 8
	}
	if c.Venue.RateBurst == 0 {
		c.Venue.RateBurst = 16
	}
	if c.Venue.BalanceRetries == 0 {
		c.Venue.BalanceRetries = 3
	}

	if c.Router.Mode == "" {
		c.Router.Mode = "hybrid"
	}
	if c.Router.APITimeoutMs == 0 {
		c.Router.APITimeoutMs = 10000
	}
	if c.Router.Breaker.MaxRequests == 0 {
		c.Router.Breaker.MaxRequests = 1
	}
	if c.Router.Breaker.IntervalSeconds == 0 {
		c.Router.Breaker.IntervalSeconds = 60
	}
	if c.Router.Breaker.OpenTimeoutSeconds == 0 {
		c.Router.Breaker.OpenTimeoutSeconds = 30
	}
	if c.Router.Breaker.ConsecutiveFailures == 0 {
		c.Router.Breaker.ConsecutiveFailures = 3
	}

	if c.Health.IntervalSeconds == 0 {
		c.Health.IntervalSeconds = 30
	}
	if c.Health.ProbeTimeoutMs == 0 {
		c.Health.ProbeTimeoutMs = 5000
	}
	if c.Health.UnhealthyAfter == 0 {
		c.Health.UnhealthyAfter = 3
	}

	if c.Heal.IntervalSeconds == 0 {
		c.Heal.IntervalSeconds = 60
	}
	if c.Heal.HealTimeoutMs == 0 {
		c.Heal.HealTimeoutMs = 20000
	}
	if c.Heal.StalePendingMinutes == 0 {
		c.Heal.StalePendingMinutes = 5
	}

	if c.Learning.MinRisk == 0 {
		c.Learning.MinRisk = 0.01
	}
	if c.Learning.MaxRisk == 0 {
		c.Learning.MaxRisk = 0.15
	}
	if c.Learning.InitialRisk == 0 {
		c.Learning.InitialRisk = 0.05
	}
	if c.Learning.MaxPositionSize == 0 {
		c.Learning.MaxPositionSize = 100
	}
	if c.Learning.StopLossThreshold == 0 {
		c.Learning.StopLossThreshold = 0.02
	}
	if c.Learning.TrailingSessions == 0 {
		c.Learning.TrailingSessions = 5
	}
	if c.Learning.StatePath == "" {
		c.Learning.StatePath = "data/learning_model.json"
	}
	if c.Learning.OutcomesPath == "" {
		c.Learning.OutcomesPath = "data/trade_outcomes.jsonl"
	}

	if c.Ledger.RealJournalPath == "" {
		c.Ledger.RealJournalPath = "data/ledger_real.jsonl"
	}
	if c.Ledger.SimJournalPath == "" {
		c.Ledger.SimJournalPath = "data/ledger_sim.jsonl"
	}
	if c.Ledger.StartingBalance == 0 {
		c.Ledger.StartingBalance = 150
	}

	if c.Session.IdleAfterSeconds == 0 {
		c.Session.IdleAfterSeconds = 120
	}
	if c.Session.ActionTimeoutMs == 0 {
		c.Session.ActionTimeoutMs = 30000
	}

	if c.Comparator.IntervalSeconds == 0 {
		c.Comparator.IntervalSeconds = 30
	}

	if c.Trading.IntervalSeconds == 0 {
		c.Trading.IntervalSeconds = 30
	}
	if len(c.Trading.Symbols) == 0 {
		c.Trading.Symbols = []string{"BTC_USDT", "ETH_USDT", "SOL_USDT"}
	}

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8090"
	}
}
