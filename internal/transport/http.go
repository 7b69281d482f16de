// Package transport is the read-only query surface: JSON snapshots of health,
// ledgers, positions, comparison and learning state, plus prometheus metrics.
// It only serves pull requests; nothing in the core pushes through it.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dwc-systems/tradepilot/internal/app"
)

type Server struct {
	ctx  *app.TradingContext
	http *http.Server
	log  zerolog.Logger
}

func NewServer(tc *app.TradingContext, addr string) *Server {
	s := &Server{
		ctx: tc,
		log: tc.Log.With().Str("component", "transport").Logger(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/ledger", s.handleLedger).Methods(http.MethodGet)
	r.HandleFunc("/api/positions", s.handlePositions).Methods(http.MethodGet)
	r.HandleFunc("/api/comparison", s.handleComparison).Methods(http.MethodGet)
	r.HandleFunc("/api/session-report", s.handleSessionReport).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the mux for httptest.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start serves until Shutdown; it returns only on listener failure.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("query surface listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	type status struct {
		Health       any       `json:"health"`
		HealAttempts any       `json:"heal_attempts"`
		At           time.Time `json:"at"`
	}
	s.writeJSON(w, status{
		Health:       s.ctx.Health.Status(),
		HealAttempts: s.ctx.Healer.Attempts(),
		At:           time.Now().UTC(),
	})
}

func (s *Server) handleLedger(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]any{
		"real": s.ctx.RealLedger.Summary(),
		"sim":  s.ctx.SimLedger.Summary(),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	led := s.ctx.RealLedger
	if r.URL.Query().Get("ledger") == "sim" {
		led = s.ctx.SimLedger
	}
	s.writeJSON(w, led.Positions())
}

func (s *Server) handleComparison(w http.ResponseWriter, _ *http.Request) {
	if s.ctx.Comparator == nil {
		http.Error(w, `{"error":"comparator disabled"}`, http.StatusNotFound)
		return
	}
	s.writeJSON(w, s.ctx.Comparator.Report())
}

func (s *Server) handleSessionReport(w http.ResponseWriter, _ *http.Request) {
	current, open := s.ctx.Learning.CurrentSessionSummary()
	s.writeJSON(w, map[string]any{
		"open":    open,
		"current": current,
		"history": s.ctx.Learning.Sessions(),
		"risk":    s.ctx.Learning.RiskParameters(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("response encode failed")
	}
}
