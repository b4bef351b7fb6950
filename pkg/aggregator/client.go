package aggregator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"solswap/pkg/types"
)

// RateLimitError is returned on HTTP 429. RetryAfter is the server's hint,
// zero when the server did not provide one.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// apiError is the JSON body the aggregator attaches to non-2xx responses.
type apiError struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	RetryAfterSec int    `json:"retryAfterSec"`
}

// routeResponse is the raw wire shape of a route-quote reply. It is validated
// into a types.RouteQuote at this boundary and never trusted past it.
type routeResponse struct {
	Route     string          `json:"route"`
	Quote     json.RawMessage `json:"quote,omitempty"`
	RouteMeta json.RawMessage `json:"routeMeta,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Message   string          `json:"message,omitempty"`
}

type buildRequest struct {
	Quote         json.RawMessage `json:"quote"`
	UserPublicKey string          `json:"userPublicKey"`
}

type buildResponse struct {
	SwapTransaction      string `json:"swapTransaction"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// Client talks to the upstream quote/build aggregator.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *zap.Logger
}

// New creates an aggregator client. timeout bounds each individual HTTP call;
// retry policy belongs to the caller (the quote engine), not the client.
func New(baseURL, apiKey string, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

// GetRoute fetches the best route and quote for the given params.
//
// A 404 or an explicit route:"none" reply resolves to a RouteQuote with
// Route=RouteNone and a human-readable Reason; both mean "no route", not
// failure. A 429 returns *RateLimitError. Everything else non-2xx is a plain
// error the caller may retry.
func (c *Client) GetRoute(ctx context.Context, params types.QuoteParams) (*types.RouteQuote, error) {
	q := url.Values{}
	q.Set("inputMint", params.InputMint)
	q.Set("outputMint", params.OutputMint)
	q.Set("amount", params.Amount)
	q.Set("slippageBps", strconv.Itoa(params.SlippageBps))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/route-quote?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build route request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("route request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read route response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		apiErr := decodeAPIError(body)
		reason := apiErr.Message
		if reason == "" {
			reason = "no route found for this pair"
		}
		return &types.RouteQuote{Route: types.RouteNone, Reason: reason}, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, c.rateLimitError(resp, body)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		apiErr := decodeAPIError(body)
		c.log.Warn("aggregator route call failed",
			zap.Int("status", resp.StatusCode),
			zap.String("error", apiErr.Error),
			zap.String("message", apiErr.Message))
		return nil, fmt.Errorf("aggregator returned status %d", resp.StatusCode)
	}

	var raw routeResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode route response: %w", err)
	}

	route, err := types.ParseRoute(raw.Route)
	if err != nil {
		return nil, fmt.Errorf("invalid route response: %w", err)
	}

	out := &types.RouteQuote{
		Route:  route,
		Quote:  raw.Quote,
		Meta:   raw.RouteMeta,
		Reason: raw.Reason,
	}
	if route == types.RouteNone {
		if out.Reason == "" {
			out.Reason = raw.Message
		}
		if out.Reason == "" {
			out.Reason = "no route found for this pair"
		}
		out.Quote = nil
		out.Meta = nil
		return out, nil
	}
	if len(raw.Quote) == 0 {
		return nil, fmt.Errorf("aggregator returned route %q without a quote", raw.Route)
	}
	return out, nil
}

// BuildSwap asks the aggregator to build an unsigned swap transaction for a
// previously returned quote.
func (c *Client) BuildSwap(ctx context.Context, quote json.RawMessage, userPublicKey string) (*types.BuildResult, error) {
	if len(quote) == 0 {
		return nil, fmt.Errorf("quote is required")
	}
	if userPublicKey == "" {
		return nil, fmt.Errorf("user public key is required")
	}

	payload, err := json.Marshal(buildRequest{Quote: quote, UserPublicKey: userPublicKey})
	if err != nil {
		return nil, fmt.Errorf("failed to encode build request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/build", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build swap request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("build request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read build response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, c.rateLimitError(resp, body)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := decodeAPIError(body)
		c.log.Warn("aggregator build call failed",
			zap.Int("status", resp.StatusCode),
			zap.String("error", apiErr.Error),
			zap.String("message", apiErr.Message))
		return nil, fmt.Errorf("aggregator returned status %d", resp.StatusCode)
	}

	var raw buildResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode build response: %w", err)
	}
	if raw.SwapTransaction == "" {
		return nil, fmt.Errorf("aggregator returned empty swap transaction")
	}

	txBytes, err := base64.StdEncoding.DecodeString(raw.SwapTransaction)
	if err != nil {
		return nil, fmt.Errorf("swap transaction is not valid base64: %w", err)
	}

	return &types.BuildResult{
		SwapTransaction:      txBytes,
		LastValidBlockHeight: raw.LastValidBlockHeight,
	}, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) rateLimitError(resp *http.Response, body []byte) error {
	apiErr := decodeAPIError(body)
	retryAfter := time.Duration(apiErr.RetryAfterSec) * time.Second
	if retryAfter == 0 {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			retryAfter = time.Duration(secs) * time.Second
		}
	}
	c.log.Warn("aggregator rate limited", zap.Duration("retry_after", retryAfter))
	return &RateLimitError{RetryAfter: retryAfter}
}

// decodeAPIError best-effort parses an error body; garbage yields zero value.
func decodeAPIError(body []byte) apiError {
	var out apiError
	if len(body) > 0 {
		_ = json.Unmarshal(body, &out)
	}
	return out
}
