package learning

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// Accuracy tracks per-signal-label hit rates.
type Accuracy struct {
	Correct int `json:"correct"`
	Total   int `json:"total"`
}

func (a Accuracy) Rate() float64 {
	if a.Total == 0 {
		return 0.5
	}
	return float64(a.Correct) / float64(a.Total)
}

// HourStat tracks profitability by hour of day (0-23, UTC).
type HourStat struct {
	Profit float64 `json:"profit"`
	Trades int     `json:"trades"`
}

// BucketStat tracks observed win rates per confidence decile.
type BucketStat struct {
	Wins  int `json:"wins"`
	Total int `json:"total"`
}

// RiskParameters are the live sizing knobs the engine adjusts between
// sessions. All fractions are of current balance.
type RiskParameters struct {
	OptimalRiskFraction float64 `json:"optimal_risk_fraction"`
	MinRisk             float64 `json:"min_risk"`
	MaxRisk             float64 `json:"max_risk"`
	MaxPositionSize     float64 `json:"max_position_size"`
	StopLossThreshold   float64 `json:"stop_loss_threshold"`
}

// Outcome is one recorded trade result fed back into the model. The market
// snapshot is an opaque blob captured at decision time; the engine stores it,
// it never interprets it.
type Outcome struct {
	At             time.Time      `json:"at"`
	Venue          string         `json:"venue,omitempty"`
	Symbol         string         `json:"symbol,omitempty"`
	Side           string         `json:"side,omitempty"`
	Amount         float64        `json:"amount,omitempty"`
	Label          string         `json:"label"`
	Confidence     float64        `json:"confidence"`
	Profit         float64        `json:"profit"`
	MarketSnapshot map[string]any `json:"market_snapshot,omitempty"`
}

// SessionSummary is the digest of one completed trading session.
type SessionSummary struct {
	ID          string    `json:"id"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	Trades      int       `json:"trades"`
	Wins        int       `json:"wins"`
	WinRate     float64   `json:"win_rate"`
	TotalProfit float64   `json:"total_profit"`
	AvgProfit   float64   `json:"avg_profit"`
	MaxDrawdown float64   `json:"max_drawdown"`
	Sharpe      float64   `json:"sharpe"`
}

// Model is everything the engine has learned, snapshotted to disk as one
// JSON document so a restart picks up where the last run left off.
type Model struct {
	V              int                 `json:"v"`
	SignalAccuracy map[string]Accuracy `json:"signal_accuracy"`
	TimeOfDay      map[int]HourStat    `json:"time_of_day"`
	Calibration    map[int]BucketStat  `json:"calibration"`
	Risk           RiskParameters      `json:"risk"`
	Sessions       []SessionSummary    `json:"sessions"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

const modelVersion = 1

func newModel(risk RiskParameters) *Model {
	return &Model{
		V:              modelVersion,
		SignalAccuracy: make(map[string]Accuracy),
		TimeOfDay:      make(map[int]HourStat),
		Calibration:    make(map[int]BucketStat),
		Risk:           risk,
	}
}

// loadModel reads a snapshot; a missing file yields a fresh model with the
// given defaults, a corrupt one is an error.
func loadModel(path string, defaults RiskParameters) (*Model, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return newModel(defaults), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	var m Model
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if m.SignalAccuracy == nil {
		m.SignalAccuracy = make(map[string]Accuracy)
	}
	if m.TimeOfDay == nil {
		m.TimeOfDay = make(map[int]HourStat)
	}
	if m.Calibration == nil {
		m.Calibration = make(map[int]BucketStat)
	}
	if m.V == 0 {
		m.V = modelVersion
	}
	if m.Risk.OptimalRiskFraction == 0 {
		m.Risk = defaults
	}
	return &m, nil
}

// save writes the snapshot atomically: temp file in the same directory, fsync,
// rename over the old snapshot.
func (m *Model) save(path string) error {
	m.UpdatedAt = time.Now().UTC()
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("model dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".model-*.json")
	if err != nil {
		return fmt.Errorf("temp model: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write model: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync model: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close model: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// bucket maps a confidence in [0,1] to the nearest 0.1 bucket, index 0..10.
func bucket(confidence float64) int {
	b := int(math.Round(confidence * 10))
	if b < 0 {
		b = 0
	}
	if b > 10 {
		b = 10
	}
	return b
}
