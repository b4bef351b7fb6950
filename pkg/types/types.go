package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SpeedMode selects both the quote polling cadence and the priority-fee
// aggressiveness of a swap.
type SpeedMode string

const (
	SpeedStandard SpeedMode = "standard"
	SpeedFast     SpeedMode = "fast"
	SpeedTurbo    SpeedMode = "turbo"
)

// ParseSpeedMode converts a user-supplied string into a SpeedMode.
func ParseSpeedMode(s string) (SpeedMode, error) {
	switch SpeedMode(strings.ToLower(strings.TrimSpace(s))) {
	case SpeedStandard:
		return SpeedStandard, nil
	case SpeedFast:
		return SpeedFast, nil
	case SpeedTurbo:
		return SpeedTurbo, nil
	}
	return "", fmt.Errorf("unknown speed mode %q (expected standard, fast or turbo)", s)
}

// Route identifies the upstream path a quote came back on.
type Route string

const (
	RouteA    Route = "A"
	RouteB    Route = "B"
	RouteNone Route = "none"
)

// ParseRoute validates the aggregator's route tag at the wire boundary.
func ParseRoute(s string) (Route, error) {
	switch Route(s) {
	case RouteA:
		return RouteA, nil
	case RouteB:
		return RouteB, nil
	case RouteNone, "":
		return RouteNone, nil
	}
	return RouteNone, fmt.Errorf("unknown route %q", s)
}

// QuoteParams is a user's swap intent. A new value replaces the old one on
// every edit; the engine never mutates one in place.
type QuoteParams struct {
	InputMint   string
	OutputMint  string
	Amount      string // base units, decimal string
	SlippageBps int
	Speed       SpeedMode
}

// Fingerprint identifies a parameter set for anti-spam suppression. Speed is
// deliberately excluded: changing cadence alone must not force a refetch.
func (p QuoteParams) Fingerprint() string {
	return p.InputMint + "|" + p.OutputMint + "|" + p.Amount + "|" + fmt.Sprint(p.SlippageBps)
}

// Valid reports whether the params describe a fetchable quote request.
func (p QuoteParams) Valid() bool {
	if p.InputMint == "" || p.OutputMint == "" {
		return false
	}
	if p.Amount == "" || p.Amount == "0" || strings.HasPrefix(p.Amount, "-") {
		return false
	}
	return p.SlippageBps >= 0 && p.SlippageBps <= 10000
}

// RouteQuote is the validated result of a route-quote call. Quote and Meta
// are opaque aggregator payloads carried through to the build call untouched.
type RouteQuote struct {
	Route  Route
	Quote  json.RawMessage
	Meta   json.RawMessage
	Reason string // set when Route is RouteNone
}

// EngineState is the snapshot delivered to the engine's subscriber on every
// transition. All fields are value-copies; subscribers may retain them.
type EngineState struct {
	Quote      json.RawMessage
	Route      Route
	RouteMeta  json.RawMessage
	IsUpdating bool
	Err        string
}

// BuildResult is the aggregator's built swap transaction.
type BuildResult struct {
	SwapTransaction      []byte // raw transaction bytes, decoded from base64
	LastValidBlockHeight uint64
}
