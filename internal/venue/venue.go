// Package venue holds the programmatic trading API boundary. The router and
// healers depend only on Client; concrete venues live beside it.
package venue

import (
	"context"
	"errors"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type OrderType string

const (
	TypeMarket OrderType = "MARKET"
	TypeLimit  OrderType = "LIMIT"
)

// Remote error classes. Callers route on these with errors.Is; everything
// else is a generic remote failure.
var (
	ErrTimeout     = errors.New("venue: request timed out")
	ErrRateLimited = errors.New("venue: rate limited")
	ErrAuth        = errors.New("venue: authentication rejected")
	ErrRejected    = errors.New("venue: order rejected")
)

type OrderRequest struct {
	Symbol string
	Side   Side
	Type   OrderType
	Amount float64 // quote-denominated size
	Price  float64 // limit orders only
}

type OrderAck struct {
	OrderID string
	Status  string
}

// Client is the stateless request/response surface to a venue's trading API.
// A timed-out call does not guarantee the remote order was not placed;
// callers reconcile through a later Balance or position read.
type Client interface {
	Name() string
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, orderID string) error
	Balance(ctx context.Context) (float64, error)
}
