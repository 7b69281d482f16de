// Package signal defines the boundary to the strategy/alpha provider. The
// supervisor treats signal generation as opaque: anything satisfying Source
// can drive the trading loop and the comparator.
package signal

import "context"

type Direction string

const (
	Buy  Direction = "buy"
	Sell Direction = "sell"
	Hold Direction = "hold"
)

// Signal is one trade suggestion from the strategy layer.
type Signal struct {
	Direction  Direction `json:"direction"`
	Symbol     string    `json:"symbol"`
	Confidence float64   `json:"confidence"` // [0,1]
	Label      string    `json:"label"`
}

// Source produces signals on demand. Implementations must be safe for
// concurrent use; the trading loop and the comparator share one Source.
type Source interface {
	Next(ctx context.Context) (Signal, error)
}
