package gometer

import (
	"context"
	"sync"
	"time"
)

// RateLimiterConfig configures a SlidingWindowLimiter.
type RateLimiterConfig struct {
	// Window is the trailing interval calls are counted over (default: 1 minute)
	Window time.Duration

	// BurstAllowance is extra headroom above the nominal per-key limit
	// to absorb short spikes
	BurstAllowance int

	// CleanupInterval is how often idle keys are swept (default: 5 minutes).
	// A key with no call inside the window for 2x this interval is removed.
	CleanupInterval time.Duration

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics is used for tracking decisions (default: NoopMetrics)
	Metrics Metrics
}

// DefaultRateLimiterConfig returns a RateLimiterConfig with sensible defaults.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Window:          time.Minute,
		CleanupInterval: 5 * time.Minute,
	}
}

// windowState holds the recorded call timestamps for a single key.
// Each key carries its own mutex so the check-then-append sequence is
// one critical section without serializing unrelated keys.
type windowState struct {
	mu         sync.Mutex
	timestamps []time.Time
	lastSeen   time.Time
}

// SlidingWindowLimiter bounds call frequency per logical key within a
// trailing time window. The effective ceiling for a key is the caller's
// limit plus the configured burst allowance.
type SlidingWindowLimiter struct {
	mu      sync.RWMutex
	windows map[string]*windowState

	config  RateLimiterConfig
	logger  Logger
	metrics Metrics
	now     func() time.Time

	stopSweep func()
}

// NewSlidingWindowLimiter creates a sliding-window limiter and starts
// its background sweep. Call Close to stop the sweep.
func NewSlidingWindowLimiter(config RateLimiterConfig) *SlidingWindowLimiter {
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	l := &SlidingWindowLimiter{
		windows:   make(map[string]*windowState),
		config:    config,
		logger:    config.Logger,
		metrics:   config.Metrics,
		now:       func() time.Time { return time.Now().UTC() },
		stopSweep: cancel,
	}

	go l.sweep(sweepCtx)

	return l
}

// Close stops the background sweep.
func (l *SlidingWindowLimiter) Close() {
	if l.stopSweep != nil {
		l.stopSweep()
	}
}

// CheckAndRecord checks whether a call under key is admissible against
// limit and, if so, records it. The check and the append happen under
// the key's mutex so two concurrent callers cannot both observe room
// and both record past the ceiling.
func (l *SlidingWindowLimiter) CheckAndRecord(key string, limit int) *RateLimitDecision {
	now := l.now()
	state := l.state(key)

	state.mu.Lock()
	defer state.mu.Unlock()

	state.lastSeen = now
	l.trimLocked(state, now)

	ceiling := limit + l.config.BurstAllowance
	if len(state.timestamps) >= ceiling {
		oldest := state.timestamps[0]
		retryAfter := oldest.Add(l.config.Window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		l.metrics.RecordRateLimitDecision(key, false)
		l.logger.Debug("rate limit exceeded",
			Field{Key: "key", Value: key},
			Field{Key: "limit", Value: limit},
			Field{Key: "retry_after", Value: retryAfter},
		)
		return &RateLimitDecision{
			Allowed:    false,
			Remaining:  0,
			Limit:      limit,
			RetryAfter: retryAfter,
			ResetTime:  oldest.Add(l.config.Window),
		}
	}

	state.timestamps = append(state.timestamps, now)
	l.metrics.RecordRateLimitDecision(key, true)

	resetTime := state.timestamps[0].Add(l.config.Window)
	return &RateLimitDecision{
		Allowed:   true,
		Remaining: ceiling - len(state.timestamps),
		Limit:     limit,
		ResetTime: resetTime,
	}
}

// Check reports admissibility without recording. Useful for read-only
// status surfaces.
func (l *SlidingWindowLimiter) Check(key string, limit int) *RateLimitDecision {
	now := l.now()
	state := l.state(key)

	state.mu.Lock()
	defer state.mu.Unlock()

	l.trimLocked(state, now)

	ceiling := limit + l.config.BurstAllowance
	if len(state.timestamps) >= ceiling {
		oldest := state.timestamps[0]
		retryAfter := oldest.Add(l.config.Window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return &RateLimitDecision{
			Allowed:    false,
			Limit:      limit,
			RetryAfter: retryAfter,
			ResetTime:  oldest.Add(l.config.Window),
		}
	}

	return &RateLimitDecision{
		Allowed:   true,
		Remaining: ceiling - len(state.timestamps),
		Limit:     limit,
		ResetTime: now.Add(l.config.Window),
	}
}

// Wait blocks until a slot is available for key and records the call,
// or until ctx is done. It re-checks after each rejected attempt's
// RetryAfter elapses.
func (l *SlidingWindowLimiter) Wait(ctx context.Context, key string, limit int) error {
	for {
		decision := l.CheckAndRecord(key, limit)
		if decision.Allowed {
			return nil
		}

		delay := decision.RetryAfter
		if delay <= 0 {
			delay = time.Millisecond
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RateLimitSnapshot is the complete post-mutation state of a limiter,
// exposed for the surrounding persistence layer.
type RateLimitSnapshot struct {
	Window  time.Duration          `json:"window"`
	Entries map[string][]time.Time `json:"entries"`
}

// Snapshot returns a deep copy of all per-key state still inside the window.
func (l *SlidingWindowLimiter) Snapshot() *RateLimitSnapshot {
	now := l.now()

	l.mu.RLock()
	defer l.mu.RUnlock()

	snap := &RateLimitSnapshot{
		Window:  l.config.Window,
		Entries: make(map[string][]time.Time, len(l.windows)),
	}
	for key, state := range l.windows {
		state.mu.Lock()
		l.trimLocked(state, now)
		if len(state.timestamps) > 0 {
			ts := make([]time.Time, len(state.timestamps))
			copy(ts, state.timestamps)
			snap.Entries[key] = ts
		}
		state.mu.Unlock()
	}
	return snap
}

// Restore replaces the limiter's state with a previously taken snapshot.
func (l *SlidingWindowLimiter) Restore(snap *RateLimitSnapshot) {
	if snap == nil {
		return
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.windows = make(map[string]*windowState, len(snap.Entries))
	for key, ts := range snap.Entries {
		state := &windowState{
			timestamps: make([]time.Time, len(ts)),
			lastSeen:   now,
		}
		copy(state.timestamps, ts)
		l.windows[key] = state
	}
}

// state returns the window state for key, creating it on first use.
func (l *SlidingWindowLimiter) state(key string) *windowState {
	l.mu.RLock()
	state, ok := l.windows[key]
	l.mu.RUnlock()
	if ok {
		return state
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if state, ok = l.windows[key]; ok {
		return state
	}
	state = &windowState{}
	l.windows[key] = state
	return state
}

// trimLocked drops timestamps that left the window. Caller holds state.mu.
func (l *SlidingWindowLimiter) trimLocked(state *windowState, now time.Time) {
	cutoff := now.Add(-l.config.Window)
	valid := state.timestamps[:0]
	for _, ts := range state.timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	state.timestamps = valid
}

// sweep periodically removes keys idle past twice the cleanup interval,
// bounding memory growth for churning key sets.
func (l *SlidingWindowLimiter) sweep(ctx context.Context) {
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweepOnce()
		}
	}
}

func (l *SlidingWindowLimiter) sweepOnce() {
	now := l.now()
	idleCutoff := now.Add(-2 * l.config.CleanupInterval)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, state := range l.windows {
		state.mu.Lock()
		l.trimLocked(state, now)
		idle := len(state.timestamps) == 0 && state.lastSeen.Before(idleCutoff)
		state.mu.Unlock()
		if idle {
			delete(l.windows, key)
			removed++
		}
	}

	if removed > 0 {
		l.logger.Debug("swept idle rate limit keys", Field{Key: "removed", Value: removed})
	}
}
