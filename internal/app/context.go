// Package app carries the shared dependencies of the supervisor process.
// Everything is injected; no package holds mutable globals.
package app

import (
	"github.com/rs/zerolog"

	"github.com/dwc-systems/tradepilot/internal/compare"
	"github.com/dwc-systems/tradepilot/internal/config"
	"github.com/dwc-systems/tradepilot/internal/heal"
	"github.com/dwc-systems/tradepilot/internal/health"
	"github.com/dwc-systems/tradepilot/internal/learning"
	"github.com/dwc-systems/tradepilot/internal/ledger"
	"github.com/dwc-systems/tradepilot/internal/router"
	"github.com/dwc-systems/tradepilot/internal/session"
)

// TradingContext is the wiring handle passed to the transport and the trading
// loop: config, logger and every long-lived component, constructed once in
// cmd/supervisor.
type TradingContext struct {
	Cfg config.Root
	Log zerolog.Logger

	RealLedger *ledger.Ledger
	SimLedger  *ledger.Ledger
	Sessions   *session.Manager
	Router     *router.Router
	Health     *health.Monitor
	Healer     *heal.Supervisor
	Learning   *learning.Engine
	Comparator *compare.Comparator
}
