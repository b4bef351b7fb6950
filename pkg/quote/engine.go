package quote

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"solswap/pkg/aggregator"
	"solswap/pkg/types"
)

// RouteFetcher is the upstream the engine polls. *aggregator.Client
// satisfies it.
type RouteFetcher interface {
	GetRoute(ctx context.Context, params types.QuoteParams) (*types.RouteQuote, error)
}

// Subscriber receives every state transition, in order. It is invoked with
// the engine's internal lock held: do not call back into the engine from it;
// hand the snapshot to your own goroutine instead.
type Subscriber func(types.EngineState)

// Options bundles the engine's timing knobs so tests can shrink them.
type Options struct {
	Debounce         time.Duration
	AntiSpamInterval time.Duration
	RequestTimeout   time.Duration
	// RetryDelays are the waits between transient-failure retries. Nil takes
	// the defaults; an explicit empty slice disables retries.
	RetryDelays           []time.Duration
	RateLimitCooldown     time.Duration
	SlowModeDuration      time.Duration
	SlowModeInterval      time.Duration
	PollIntervals         map[types.SpeedMode]time.Duration
	LiveQuotesMinInterval time.Duration
	// LiveQuotes drops the turbo cadence to LiveQuotesMinInterval.
	LiveQuotes bool
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	return Options{
		Debounce:          300 * time.Millisecond,
		AntiSpamInterval:  2 * time.Second,
		RequestTimeout:    15 * time.Second,
		RetryDelays:       []time.Duration{time.Second, 2 * time.Second},
		RateLimitCooldown: 5 * time.Second,
		SlowModeDuration:  time.Minute,
		SlowModeInterval:  30 * time.Second,
		PollIntervals: map[types.SpeedMode]time.Duration{
			types.SpeedStandard: 15 * time.Second,
			types.SpeedFast:     10 * time.Second,
			types.SpeedTurbo:    5 * time.Second,
		},
		LiveQuotesMinInterval: 2 * time.Second,
	}
}

// rateLimitWindow tracks the cooldown and slow-mode deadlines set by 429
// responses. Only the fetch path writes it; interval selection reads it.
type rateLimitWindow struct {
	cooldownUntil time.Time
	slowModeUntil time.Time
}

type lastGood struct {
	quote json.RawMessage
	route types.Route
	meta  json.RawMessage
}

// Engine continuously re-fetches quotes for the current params, debouncing
// edits, suppressing redundant calls, backing off on rate limits, and
// pausing while the screen is unfocused or the app is backgrounded. Exactly
// one fetch is in flight at a time; superseded results are discarded via a
// request epoch compared at the point of consumption.
type Engine struct {
	fetcher RouteFetcher
	opts    Options
	log     *zap.Logger

	mu              sync.Mutex
	params          types.QuoteParams
	speed           types.SpeedMode
	focused         bool
	appActive       bool
	typing          bool
	inFlight        bool
	fetchSeq        uint64
	epoch           uint64
	lastFetchAt     time.Time
	lastFingerprint string
	limits          rateLimitWindow
	last            *lastGood

	debounce    *time.Timer
	pollStop    chan struct{}
	cancelFetch context.CancelFunc
	sub         Subscriber
	closed      bool
}

// NewEngine creates an engine. Zero option fields fall back to the production
// defaults field by field. The engine starts focused and active, with no
// params; nothing is fetched until UpdateParams or TriggerImmediateFetch.
func NewEngine(fetcher RouteFetcher, opts Options, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	def := DefaultOptions()
	if opts.Debounce == 0 {
		opts.Debounce = def.Debounce
	}
	if opts.AntiSpamInterval == 0 {
		opts.AntiSpamInterval = def.AntiSpamInterval
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = def.RequestTimeout
	}
	if opts.RetryDelays == nil {
		opts.RetryDelays = def.RetryDelays
	}
	if opts.RateLimitCooldown == 0 {
		opts.RateLimitCooldown = def.RateLimitCooldown
	}
	if opts.SlowModeDuration == 0 {
		opts.SlowModeDuration = def.SlowModeDuration
	}
	if opts.SlowModeInterval == 0 {
		opts.SlowModeInterval = def.SlowModeInterval
	}
	if opts.PollIntervals == nil {
		opts.PollIntervals = def.PollIntervals
	}
	if opts.LiveQuotesMinInterval == 0 {
		opts.LiveQuotesMinInterval = def.LiveQuotesMinInterval
	}
	return &Engine{
		fetcher:   fetcher,
		opts:      opts,
		log:       log,
		speed:     types.SpeedStandard,
		focused:   true,
		appActive: true,
	}
}

// Subscribe registers the single state subscriber, replacing any previous one.
func (e *Engine) Subscribe(sub Subscriber) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sub = sub
}

// UpdateParams replaces the current params and schedules a debounced fetch.
// Polling stops until the debounce resolves; any in-flight fetch is aborted.
func (e *Engine) UpdateParams(params types.QuoteParams) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	e.params = params
	if params.Speed != "" {
		e.speed = params.Speed
	}
	e.typing = true
	e.epoch++
	e.abortInFlightLocked()
	e.stopPollingLocked()

	if e.debounce != nil {
		e.debounce.Stop()
	}
	e.debounce = time.AfterFunc(e.opts.Debounce, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.typing = false
		e.fetchLocked()
		e.startPollingLocked()
	})
}

// TriggerImmediateFetch cancels any pending debounce, fetches now, and
// restarts polling.
func (e *Engine) TriggerImmediateFetch() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if e.debounce != nil {
		e.debounce.Stop()
		e.debounce = nil
	}
	e.typing = false
	e.fetchLocked()
	e.startPollingLocked()
}

// SetFocused reports whether the quoting surface is visible. Losing focus
// aborts any in-flight fetch and stops polling; regaining it fetches
// immediately and resumes.
func (e *Engine) SetFocused(focused bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.focused == focused {
		return
	}
	e.focused = focused
	e.applyActivationLocked()
}

// SetAppActive reports the host app's foreground state, with the same
// semantics as SetFocused.
func (e *Engine) SetAppActive(active bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.appActive == active {
		return
	}
	e.appActive = active
	e.applyActivationLocked()
}

// SetSpeedMode changes the polling cadence. Polling restarts with the new
// cadence unless the user is mid-debounce.
func (e *Engine) SetSpeedMode(mode types.SpeedMode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.speed == mode {
		return
	}
	e.speed = mode
	if !e.typing {
		e.stopPollingLocked()
		e.startPollingLocked()
	}
}

// ClearQuote cancels everything, resets derived state, and notifies the
// subscriber exactly once with the cleared state.
func (e *Engine) ClearQuote() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.epoch++
	e.abortInFlightLocked()
	e.stopPollingLocked()
	if e.debounce != nil {
		e.debounce.Stop()
		e.debounce = nil
	}
	e.typing = false
	e.last = nil
	e.lastFingerprint = ""
	e.lastFetchAt = time.Time{}
	e.emitLocked(types.EngineState{Route: types.RouteNone})
}

// Close permanently stops the engine.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.epoch++
	e.abortInFlightLocked()
	e.stopPollingLocked()
	if e.debounce != nil {
		e.debounce.Stop()
		e.debounce = nil
	}
}

func (e *Engine) applyActivationLocked() {
	if e.focused && e.appActive {
		e.fetchLocked()
		e.startPollingLocked()
		return
	}
	e.abortInFlightLocked()
	e.stopPollingLocked()
}

// pollInterval selects the next polling gap: the slow-mode interval while a
// rate-limit window is open, the live-quotes minimum on the fastest tier,
// otherwise the tier's configured interval.
func (e *Engine) pollInterval() time.Duration {
	if time.Now().Before(e.limits.slowModeUntil) {
		return e.opts.SlowModeInterval
	}
	if e.opts.LiveQuotes && e.speed == types.SpeedTurbo {
		return e.opts.LiveQuotesMinInterval
	}
	if iv, ok := e.opts.PollIntervals[e.speed]; ok {
		return iv
	}
	return e.opts.PollIntervals[types.SpeedStandard]
}

func (e *Engine) startPollingLocked() {
	if e.pollStop != nil || e.typing || e.closed || !e.focused || !e.appActive {
		return
	}
	stop := make(chan struct{})
	e.pollStop = stop
	go e.pollLoop(stop)
}

func (e *Engine) stopPollingLocked() {
	if e.pollStop != nil {
		close(e.pollStop)
		e.pollStop = nil
	}
}

// pollLoop re-evaluates the interval on every cycle so slow mode takes
// effect on the very next schedule, not after a full normal interval.
func (e *Engine) pollLoop(stop chan struct{}) {
	for {
		e.mu.Lock()
		interval := e.pollInterval()
		e.mu.Unlock()

		select {
		case <-stop:
			return
		case <-time.After(interval):
		}

		e.mu.Lock()
		if e.pollStop != stop {
			e.mu.Unlock()
			return
		}
		e.fetchLocked()
		e.mu.Unlock()
	}
}

// fetchLocked runs the admission checks of one fetch attempt and, when they
// pass, dispatches the fetch goroutine. Caller holds e.mu.
func (e *Engine) fetchLocked() {
	if e.closed || e.inFlight {
		return
	}
	if !e.focused || !e.appActive {
		return
	}
	if !e.params.Valid() {
		return
	}
	now := time.Now()
	if e.params.Fingerprint() == e.lastFingerprint && now.Sub(e.lastFetchAt) < e.opts.AntiSpamInterval {
		return
	}
	if now.Before(e.limits.cooldownUntil) {
		return
	}

	e.inFlight = true
	e.fetchSeq++
	seq := e.fetchSeq
	epoch := e.epoch
	params := e.params
	ctx, cancel := context.WithCancel(context.Background())
	e.cancelFetch = cancel
	e.emitLocked(e.snapshotLocked(true, ""))

	go e.doFetch(ctx, seq, epoch, params)
}

// doFetch performs one fetch with bounded retries, then settles the result
// if its epoch is still current.
func (e *Engine) doFetch(ctx context.Context, seq, epoch uint64, params types.QuoteParams) {
	result, err := e.fetchWithRetries(ctx, params)

	e.mu.Lock()
	defer e.mu.Unlock()

	// Release the in-flight slot only if it is still ours. An aborted fetch
	// had its slot released in the abort path, and a successor may have
	// re-acquired it since; that successor must stay abortable.
	if seq == e.fetchSeq {
		e.inFlight = false
		e.cancelFetch = nil
	}

	if epoch != e.epoch || e.closed {
		// Superseded by a newer request or a clear; drop silently.
		return
	}
	if ctx.Err() != nil {
		return
	}

	// Anti-spam keys off the last fetch that produced an answer; a failure
	// must not suppress an immediate identical retry.
	if err == nil {
		e.lastFetchAt = time.Now()
		e.lastFingerprint = params.Fingerprint()
	}

	switch {
	case err == nil && result.Route != types.RouteNone:
		e.last = &lastGood{quote: result.Quote, route: result.Route, meta: result.Meta}
		e.emitLocked(e.snapshotLocked(false, ""))

	case err == nil:
		// Terminal no-route: clear the quote and surface the reason.
		e.last = nil
		e.emitLocked(types.EngineState{Route: types.RouteNone, Err: result.Reason})

	case e.last != nil:
		// Stale-but-displayed: keep showing the last good quote.
		e.log.Warn("quote refresh failed, keeping last good quote", zap.Error(err))
		e.emitLocked(e.snapshotLocked(false, ""))

	default:
		e.log.Warn("quote fetch failed", zap.Error(err))
		e.emitLocked(types.EngineState{Route: types.RouteNone, Err: "unable to fetch a quote right now, please try again"})
	}
}

// fetchWithRetries issues the HTTP call with up to len(RetryDelays) retries
// on transient failures. Rate limits open the cooldown and slow-mode windows
// and are not retried within this call.
func (e *Engine) fetchWithRetries(ctx context.Context, params types.QuoteParams) (*types.RouteQuote, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
		result, err := e.fetcher.GetRoute(callCtx, params)
		cancel()

		if err == nil {
			return result, nil
		}
		lastErr = err

		var rateLimited *aggregator.RateLimitError
		if errors.As(err, &rateLimited) {
			e.enterRateLimitWindows(rateLimited)
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt >= len(e.opts.RetryDelays) {
			return nil, lastErr
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.opts.RetryDelays[attempt]):
		}
	}
}

func (e *Engine) enterRateLimitWindows(rl *aggregator.RateLimitError) {
	cooldown := e.opts.RateLimitCooldown
	if rl.RetryAfter > cooldown {
		cooldown = rl.RetryAfter
	}
	now := time.Now()
	e.mu.Lock()
	e.limits.cooldownUntil = now.Add(cooldown)
	e.limits.slowModeUntil = now.Add(e.opts.SlowModeDuration)
	e.mu.Unlock()
	e.log.Warn("aggregator rate limited, entering slow mode",
		zap.Duration("cooldown", cooldown),
		zap.Duration("slow_mode", e.opts.SlowModeDuration))
}

func (e *Engine) abortInFlightLocked() {
	if e.cancelFetch != nil {
		e.cancelFetch()
		e.cancelFetch = nil
	}
	e.inFlight = false
}

func (e *Engine) snapshotLocked(updating bool, errMsg string) types.EngineState {
	st := types.EngineState{Route: types.RouteNone, IsUpdating: updating, Err: errMsg}
	if e.last != nil {
		st.Quote = e.last.quote
		st.Route = e.last.route
		st.RouteMeta = e.last.meta
	}
	return st
}

func (e *Engine) emitLocked(st types.EngineState) {
	if e.sub != nil {
		e.sub(st)
	}
}
