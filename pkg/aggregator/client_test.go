package aggregator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solswap/pkg/types"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "test-key", 2*time.Second, nil)
}

func quoteParams() types.QuoteParams {
	return types.QuoteParams{
		InputMint:   "So11111111111111111111111111111111111111112",
		OutputMint:  "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		Amount:      "1000000000",
		SlippageBps: 50,
	}
}

func TestGetRouteSuccess(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/route-quote", r.URL.Path)
		assert.Equal(t, "1000000000", r.URL.Query().Get("amount"))
		assert.Equal(t, "50", r.URL.Query().Get("slippageBps"))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"route":     "A",
			"quote":     map[string]string{"outAmount": "152000000"},
			"routeMeta": map[string]string{"label": "router-v6"},
		})
	})

	got, err := c.GetRoute(context.Background(), quoteParams())
	require.NoError(t, err)
	assert.Equal(t, types.RouteA, got.Route)
	assert.JSONEq(t, `{"outAmount":"152000000"}`, string(got.Quote))
	assert.JSONEq(t, `{"label":"router-v6"}`, string(got.Meta))
}

func TestGetRouteNoRouteVariants(t *testing.T) {
	// Explicit route:"none" body.
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"route": "none", "reason": "insufficient liquidity"})
	})
	got, err := c.GetRoute(context.Background(), quoteParams())
	require.NoError(t, err, "no route is an outcome, not an error")
	assert.Equal(t, types.RouteNone, got.Route)
	assert.Equal(t, "insufficient liquidity", got.Reason)
	assert.Nil(t, got.Quote)

	// Bare 404.
	c = testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "not_found", "message": "pair not tradable"})
	})
	got, err = c.GetRoute(context.Background(), quoteParams())
	require.NoError(t, err)
	assert.Equal(t, types.RouteNone, got.Route)
	assert.Equal(t, "pair not tradable", got.Reason)
}

func TestGetRouteRateLimited(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": "rate_limited", "message": "slow down", "retryAfterSec": 7,
		})
	})

	_, err := c.GetRoute(context.Background(), quoteParams())
	var rl *RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 7*time.Second, rl.RetryAfter)
}

func TestGetRouteServerErrorIsRetryable(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.GetRoute(context.Background(), quoteParams())
	require.Error(t, err)
	var rl *RateLimitError
	assert.False(t, errors.As(err, &rl))
}

func TestGetRouteRejectsUnknownRouteTag(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"route": "Z"})
	})

	_, err := c.GetRoute(context.Background(), quoteParams())
	require.Error(t, err)
}

func TestGetRouteMissingQuoteIsError(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"route": "B"})
	})

	_, err := c.GetRoute(context.Background(), quoteParams())
	require.Error(t, err)
}

func TestBuildSwap(t *testing.T) {
	rawTx := []byte{0x01, 0x02, 0x03, 0x04}
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/build", r.URL.Path)

		var req struct {
			Quote         json.RawMessage `json:"quote"`
			UserPublicKey string          `json:"userPublicKey"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.JSONEq(t, `{"outAmount":"1"}`, string(req.Quote))
		assert.Equal(t, "user-pubkey", req.UserPublicKey)

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"swapTransaction":      base64.StdEncoding.EncodeToString(rawTx),
			"lastValidBlockHeight": 31337,
		})
	})

	got, err := c.BuildSwap(context.Background(), json.RawMessage(`{"outAmount":"1"}`), "user-pubkey")
	require.NoError(t, err)
	assert.Equal(t, rawTx, got.SwapTransaction)
	assert.Equal(t, uint64(31337), got.LastValidBlockHeight)
}

func TestBuildSwapRejectsBadBase64(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"swapTransaction": "!!not-base64!!"})
	})

	_, err := c.BuildSwap(context.Background(), json.RawMessage(`{}`), "user")
	require.Error(t, err)
}

func TestBuildSwapRequiresInputs(t *testing.T) {
	c := New("http://localhost:0", "", time.Second, nil)

	_, err := c.BuildSwap(context.Background(), nil, "user")
	require.Error(t, err)
	_, err = c.BuildSwap(context.Background(), json.RawMessage(`{}`), "")
	require.Error(t, err)
}
