package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// PionexConfig carries everything the client needs. The API key arrives via
// the environment; it is sent as a header and never logged.
type PionexConfig struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	RatePerSec     int
	RateBurst      int
	BalanceRetries int
}

// PionexClient talks to the Pionex REST trading API. All calls respect the
// shared rate limiter and the per-request timeout.
type PionexClient struct {
	cfg     PionexConfig
	httpc   *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

func NewPionexClient(cfg PionexConfig, log zerolog.Logger) *PionexClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 8
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = cfg.RatePerSec * 2
	}
	if cfg.BalanceRetries == 0 {
		cfg.BalanceRetries = 3
	}
	return &PionexClient{
		cfg:     cfg,
		httpc:   &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RateBurst),
		log:     log.With().Str("component", "venue").Str("venue", "pionex").Logger(),
	}
}

func (c *PionexClient) Name() string { return "pionex" }

type pionexOrderResponse struct {
	Result bool `json:"result"`
	Data   struct {
		OrderID json.Number `json:"orderId"`
		Status  string      `json:"status"`
	} `json:"data"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *PionexClient) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	body := map[string]any{
		"symbol": req.Symbol,
		"side":   string(req.Side),
		"type":   string(req.Type),
	}
	// Pionex takes quote size for market buys and base size otherwise; both
	// go over the wire as strings.
	amt := decimal.NewFromFloat(req.Amount)
	if req.Type == TypeMarket && req.Side == SideBuy {
		body["amount"] = amt.String()
	} else {
		body["size"] = amt.String()
	}
	if req.Type == TypeLimit {
		body["price"] = decimal.NewFromFloat(req.Price).String()
	}

	var out pionexOrderResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/trade/order", body, &out); err != nil {
		return OrderAck{}, err
	}
	if !out.Result {
		return OrderAck{}, fmt.Errorf("%w: %s %s", ErrRejected, out.Code, out.Message)
	}
	status := out.Data.Status
	if status == "" {
		status = "OPEN"
	}
	return OrderAck{OrderID: out.Data.OrderID.String(), Status: status}, nil
}

func (c *PionexClient) CancelOrder(ctx context.Context, orderID string) error {
	var out pionexOrderResponse
	err := c.do(ctx, http.MethodDelete, "/api/v1/trade/order?orderId="+orderID, nil, &out)
	if err != nil {
		return err
	}
	if !out.Result {
		return fmt.Errorf("%w: cancel %s: %s", ErrRejected, orderID, out.Message)
	}
	return nil
}

type pionexBalanceResponse struct {
	Result bool `json:"result"`
	Data   struct {
		Balances []struct {
			Coin string `json:"coin"`
			Free string `json:"free"`
		} `json:"balances"`
	} `json:"data"`
	Message string `json:"message"`
}

// Balance returns the free USDT balance. Reads are idempotent, so transient
// failures are retried with jittered backoff.
func (c *PionexClient) Balance(ctx context.Context) (float64, error) {
	bo := &backoff.Backoff{Min: 200 * time.Millisecond, Max: 3 * time.Second, Jitter: true}

	var lastErr error
	for attempt := 0; attempt < c.cfg.BalanceRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(bo.Duration()):
			case <-ctx.Done():
				return 0, classify(ctx.Err())
			}
		}

		var out pionexBalanceResponse
		if err := c.do(ctx, http.MethodGet, "/api/v1/account/balances", nil, &out); err != nil {
			if errors.Is(err, ErrAuth) {
				return 0, err
			}
			lastErr = err
			continue
		}
		if !out.Result {
			lastErr = fmt.Errorf("%w: %s", ErrRejected, out.Message)
			continue
		}

		total := decimal.Zero
		for _, b := range out.Data.Balances {
			if !strings.EqualFold(b.Coin, "USDT") {
				continue
			}
			free, err := decimal.NewFromString(b.Free)
			if err != nil {
				return 0, fmt.Errorf("parse balance %q: %w", b.Free, err)
			}
			total = total.Add(free)
		}
		f, _ := total.Float64()
		return f, nil
	}
	return 0, lastErr
}

func (c *PionexClient) do(ctx context.Context, method, path string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return classify(err)
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("PIONEX-KEY", c.cfg.APIKey)

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		cerr := classify(err)
		c.log.Warn().Err(cerr).Str("path", path).Dur("elapsed", time.Since(start)).Msg("request failed")
		return cerr
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrAuth
	case resp.StatusCode >= 500:
		return fmt.Errorf("venue: server error %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// classify maps transport-level failures onto the package error classes.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
