package venue

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.Handler) *PionexClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewPionexClient(PionexConfig{
		BaseURL:        srv.URL,
		APIKey:         "test-key",
		Timeout:        2 * time.Second,
		RatePerSec:     100,
		RateBurst:      100,
		BalanceRetries: 3,
	}, zerolog.Nop())
}

func TestPlaceOrderMarketBuySendsQuoteAmount(t *testing.T) {
	var got map[string]any
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/trade/order", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("PIONEX-KEY"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"result":true,"data":{"orderId":123456,"status":"OPEN"}}`))
	}))

	ack, err := c.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "BTC_USDT", Side: SideBuy, Type: TypeMarket, Amount: 12.5,
	})
	require.NoError(t, err)
	assert.Equal(t, "123456", ack.OrderID)
	assert.Equal(t, "OPEN", ack.Status)

	assert.Equal(t, "12.5", got["amount"], "market buys carry quote size as a string")
	assert.NotContains(t, got, "size")
	assert.NotContains(t, got, "price")
}

func TestPlaceOrderLimitSellSendsSizeAndPrice(t *testing.T) {
	var got map[string]any
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"result":true,"data":{"orderId":"9","status":"OPEN"}}`))
	}))

	_, err := c.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "ETH_USDT", Side: SideSell, Type: TypeLimit, Amount: 0.5, Price: 3100.25,
	})
	require.NoError(t, err)
	assert.Equal(t, "0.5", got["size"])
	assert.Equal(t, "3100.25", got["price"])
}

func TestPlaceOrderRejection(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":false,"code":"TRADE_INVALID_SYMBOL","message":"unknown symbol"}`))
	}))

	_, err := c.PlaceOrder(context.Background(), OrderRequest{Symbol: "NOPE", Side: SideBuy, Type: TypeMarket, Amount: 1})
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "TRADE_INVALID_SYMBOL")
}

func TestStatusCodeClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, ErrRateLimited},
		{"unauthorized", http.StatusUnauthorized, ErrAuth},
		{"forbidden", http.StatusForbidden, ErrAuth},
		{"bad request", http.StatusBadRequest, ErrRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			_, err := c.PlaceOrder(context.Background(), OrderRequest{Symbol: "BTC_USDT", Side: SideBuy, Type: TypeMarket, Amount: 1})
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestTimeoutClassifiedAsVenueTimeout(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server can detect the client disconnect and
		// cancel the request context; otherwise the handler never returns and
		// srv.Close deadlocks in cleanup.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.PlaceOrder(ctx, OrderRequest{Symbol: "BTC_USDT", Side: SideBuy, Type: TypeMarket, Amount: 1})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestBalanceSumsUSDTAndRetries(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"result":true,"data":{"balances":[
			{"coin":"USDT","free":"101.25"},
			{"coin":"BTC","free":"0.5"},
			{"coin":"usdt","free":"48.75"}
		]}}`))
	}))

	bal, err := c.Balance(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 150.0, bal, 1e-9)
	assert.Equal(t, int32(2), calls.Load(), "server error retried once")
}

func TestBalanceDoesNotRetryAuthFailures(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.Balance(context.Background())
	require.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCancelOrder(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "42", r.URL.Query().Get("orderId"))
		w.Write([]byte(`{"result":true}`))
	}))
	require.NoError(t, c.CancelOrder(context.Background(), "42"))
}
