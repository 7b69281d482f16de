// Package learning turns trade outcomes into sizing decisions. It keeps
// per-label accuracy, hour-of-day profitability and a confidence calibration
// table, and adjusts a Kelly-inspired risk fraction between sessions.
package learning

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dwc-systems/tradepilot/internal/observ"
)

type Config struct {
	MinRisk            float64
	MaxRisk            float64
	InitialRisk        float64
	MaxPositionSize    float64
	StopLossThreshold  float64
	TrailingSessions   int
	MinTradesForAdjust int
	StatePath          string
	OutcomesPath       string
}

// Engine is the single writer over the learned model. Every mutation happens
// under one mutex; reads hand out copies.
type Engine struct {
	mu       sync.Mutex
	model    *Model
	outcomes *outcomeJournal
	cfg      Config
	log      zerolog.Logger
	now      func() time.Time

	sessionID       string
	sessionStart    time.Time
	sessionOutcomes []Outcome
}

func NewEngine(cfg Config, log zerolog.Logger) (*Engine, error) {
	if cfg.MinRisk == 0 {
		cfg.MinRisk = 0.01
	}
	if cfg.MaxRisk == 0 {
		cfg.MaxRisk = 0.15
	}
	if cfg.InitialRisk == 0 {
		cfg.InitialRisk = 0.05
	}
	if cfg.MaxPositionSize == 0 {
		cfg.MaxPositionSize = 100
	}
	if cfg.TrailingSessions == 0 {
		cfg.TrailingSessions = 5
	}
	if cfg.MinTradesForAdjust == 0 {
		cfg.MinTradesForAdjust = 3
	}

	defaults := RiskParameters{
		OptimalRiskFraction: cfg.InitialRisk,
		MinRisk:             cfg.MinRisk,
		MaxRisk:             cfg.MaxRisk,
		MaxPositionSize:     cfg.MaxPositionSize,
		StopLossThreshold:   cfg.StopLossThreshold,
	}

	var (
		m   *Model
		err error
	)
	if cfg.StatePath != "" {
		m, err = loadModel(cfg.StatePath, defaults)
		if err != nil {
			return nil, err
		}
	} else {
		m = newModel(defaults)
	}

	var outcomes *outcomeJournal
	if cfg.OutcomesPath != "" {
		outcomes, err = openOutcomeJournal(cfg.OutcomesPath)
		if err != nil {
			return nil, err
		}
	}

	e := &Engine{
		model:    m,
		outcomes: outcomes,
		cfg:      cfg,
		log:      log.With().Str("component", "learning").Logger(),
		now:      time.Now,
	}
	observ.OptimalRiskFraction.Set(m.Risk.OptimalRiskFraction)
	return e, nil
}

// StartSession opens a new learning session. An open session is ended first
// so outcomes are never dropped on a missed EndSession.
func (e *Engine) StartSession() string {
	e.mu.Lock()
	if e.sessionID != "" {
		e.endSessionLocked()
	}
	e.sessionID = uuid.NewString()
	e.sessionStart = e.now()
	e.sessionOutcomes = nil
	id := e.sessionID
	e.mu.Unlock()

	e.log.Info().Str("session", id).Msg("learning session started")
	return id
}

// RecordOutcome feeds one closed trade back into the model: label accuracy,
// hour-of-day stats and the confidence calibration bucket. Each outcome is
// also appended to the outcome journal before the model snapshot is written.
func (e *Engine) RecordOutcome(o Outcome) {
	if o.At.IsZero() {
		o.At = e.now()
	}
	win := o.Profit > 0

	e.mu.Lock()
	defer e.mu.Unlock()

	acc := e.model.SignalAccuracy[o.Label]
	acc.Total++
	if win {
		acc.Correct++
	}
	e.model.SignalAccuracy[o.Label] = acc

	hour := o.At.UTC().Hour()
	hs := e.model.TimeOfDay[hour]
	hs.Trades++
	hs.Profit += o.Profit
	e.model.TimeOfDay[hour] = hs

	b := bucket(o.Confidence)
	bs := e.model.Calibration[b]
	bs.Total++
	if win {
		bs.Wins++
	}
	e.model.Calibration[b] = bs

	e.sessionOutcomes = append(e.sessionOutcomes, o)
	if e.outcomes != nil {
		if err := e.outcomes.append(o); err != nil {
			e.log.Error().Err(err).Str("path", e.cfg.OutcomesPath).Msg("outcome journal append failed")
		}
	}
	e.persistLocked()
}

// EndSession closes the open session, folds its digest into the history and
// re-derives the risk fraction from the trailing window.
func (e *Engine) EndSession() (SessionSummary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessionID == "" {
		return SessionSummary{}, fmt.Errorf("learning: no open session")
	}
	return e.endSessionLocked(), nil
}

func (e *Engine) endSessionLocked() SessionSummary {
	sum := summarize(e.sessionID, e.sessionStart, e.now(), e.sessionOutcomes)
	e.model.Sessions = append(e.model.Sessions, sum)
	if len(e.model.Sessions) > 200 {
		e.model.Sessions = e.model.Sessions[len(e.model.Sessions)-200:]
	}

	e.adjustRiskLocked()
	e.persistLocked()

	e.log.Info().Str("session", sum.ID).Int("trades", sum.Trades).
		Float64("win_rate", sum.WinRate).Float64("total_profit", sum.TotalProfit).
		Float64("risk_fraction", e.model.Risk.OptimalRiskFraction).
		Msg("learning session ended")

	e.sessionID = ""
	e.sessionOutcomes = nil
	return sum
}

// adjustRiskLocked re-derives the risk fraction from the trailing window of
// sessions: profitable and accurate earns a 10% raise, losing or inaccurate a
// 10% cut, always clamped to [MinRisk, MaxRisk]. The rule moves once per
// session end, never per trade, so it follows trends instead of noise.
func (e *Engine) adjustRiskLocked() {
	window := e.model.Sessions
	if len(window) > e.cfg.TrailingSessions {
		window = window[len(window)-e.cfg.TrailingSessions:]
	}

	trades, wins := 0, 0
	var profit float64
	for _, s := range window {
		trades += s.Trades
		wins += s.Wins
		profit += s.TotalProfit
	}
	if trades < e.cfg.MinTradesForAdjust {
		return
	}

	avgProfit := profit / float64(trades)
	winRate := float64(wins) / float64(trades)
	r := e.model.Risk.OptimalRiskFraction
	switch {
	case avgProfit > 0 && winRate > 0.6:
		r *= 1.10
	case avgProfit < 0 || winRate < 0.4:
		r *= 0.90
	}
	e.model.Risk.OptimalRiskFraction = clamp(r, e.cfg.MinRisk, e.cfg.MaxRisk)
	observ.OptimalRiskFraction.Set(e.model.Risk.OptimalRiskFraction)
}

// OptimalTradeSize sizes one trade from the current balance, the signal's
// confidence and the learned accuracy for its label. Calibration uses the
// running maximum of observed bucket win rates at or below the confidence
// bucket, which keeps sizing monotone in confidence even when a sparse high
// bucket has a worse sample than a busy lower one.
func (e *Engine) OptimalTradeSize(balance, confidence float64, label string) float64 {
	if balance <= 0 {
		return 0
	}
	confidence = clamp(confidence, 0, 1)

	e.mu.Lock()
	accRate := e.model.SignalAccuracy[label].Rate()
	best := e.bestObservedRateLocked(bucket(confidence), confidence)
	risk := e.model.Risk.OptimalRiskFraction
	maxSize := e.model.Risk.MaxPositionSize
	e.mu.Unlock()

	calibrated := (confidence + best) / 2
	winProb := (accRate + calibrated) / 2
	kelly := clamp((winProb-0.5)*2, 0.01, 0.15)

	size := balance * risk * (1 + kelly)
	if size > maxSize {
		size = maxSize
	}
	if size > balance {
		size = balance
	}
	return size
}

// bestObservedRateLocked is the running max of observed bucket win rates over
// buckets 0..b, floored at the raw confidence. The running max keeps sizing
// monotone in confidence even when a sparse high bucket has a worse sample
// than a busy lower one; the floor covers unsampled buckets.
func (e *Engine) bestObservedRateLocked(b int, confidence float64) float64 {
	best := confidence
	for i := 0; i <= b; i++ {
		bs := e.model.Calibration[i]
		if bs.Total == 0 {
			continue
		}
		if r := float64(bs.Wins) / float64(bs.Total); r > best {
			best = r
		}
	}
	return best
}

// RiskParameters returns a copy of the live sizing knobs.
func (e *Engine) RiskParameters() RiskParameters {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model.Risk
}

// Sessions returns the session history, oldest first.
func (e *Engine) Sessions() []SessionSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]SessionSummary(nil), e.model.Sessions...)
}

// CurrentSessionSummary digests the open session without closing it.
func (e *Engine) CurrentSessionSummary() (SessionSummary, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessionID == "" {
		return SessionSummary{}, false
	}
	return summarize(e.sessionID, e.sessionStart, e.now(), e.sessionOutcomes), true
}

// Snapshot returns a deep copy of the model for the reporting surface.
func (e *Engine) Snapshot() Model {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := Model{
		V:              e.model.V,
		SignalAccuracy: make(map[string]Accuracy, len(e.model.SignalAccuracy)),
		TimeOfDay:      make(map[int]HourStat, len(e.model.TimeOfDay)),
		Calibration:    make(map[int]BucketStat, len(e.model.Calibration)),
		Risk:           e.model.Risk,
		Sessions:       append([]SessionSummary(nil), e.model.Sessions...),
		UpdatedAt:      e.model.UpdatedAt,
	}
	for k, v := range e.model.SignalAccuracy {
		cp.SignalAccuracy[k] = v
	}
	for k, v := range e.model.TimeOfDay {
		cp.TimeOfDay[k] = v
	}
	for k, v := range e.model.Calibration {
		cp.Calibration[k] = v
	}
	return cp
}

func (e *Engine) persistLocked() {
	if e.cfg.StatePath == "" {
		return
	}
	if err := e.model.save(e.cfg.StatePath); err != nil {
		e.log.Error().Err(err).Str("path", e.cfg.StatePath).Msg("model snapshot failed")
	}
}

func summarize(id string, start, end time.Time, outcomes []Outcome) SessionSummary {
	sum := SessionSummary{ID: id, StartedAt: start, EndedAt: end, Trades: len(outcomes)}
	if len(outcomes) == 0 {
		return sum
	}

	var profits []float64
	for _, o := range outcomes {
		sum.TotalProfit += o.Profit
		if o.Profit > 0 {
			sum.Wins++
		}
		profits = append(profits, o.Profit)
	}
	sum.WinRate = float64(sum.Wins) / float64(sum.Trades)
	sum.AvgProfit = sum.TotalProfit / float64(sum.Trades)
	sum.MaxDrawdown = maxDrawdown(profits)
	sum.Sharpe = sharpeLike(profits)
	return sum
}

func maxDrawdown(profits []float64) float64 {
	var cum, peak, dd float64
	for _, p := range profits {
		cum += p
		if cum > peak {
			peak = cum
		}
		if d := peak - cum; d > dd {
			dd = d
		}
	}
	return dd
}

func sharpeLike(profits []float64) float64 {
	if len(profits) < 2 {
		return 0
	}
	var sum float64
	for _, p := range profits {
		sum += p
	}
	mean := sum / float64(len(profits))
	var variance float64
	for _, p := range profits {
		variance += (p - mean) * (p - mean)
	}
	variance /= float64(len(profits))
	sd := math.Sqrt(variance)
	if sd == 0 {
		return 0
	}
	return mean / sd
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
