package market

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Clock sync states.
const (
	ClockSynced   = "synced"
	ClockDegraded = "degraded"
)

// ClockConfig tunes the server-time sync loop.
type ClockConfig struct {
	MaxClockErrorMS   int64
	RefreshSec        int
	DegradedRetrySec  int
	RefreshCooldownMS int64
	DegradedTTLMS     int64
}

// ClockStatus is a detached view of the sync state for health reporting.
type ClockStatus struct {
	State                   string
	SkewMS                  int64
	LastServerMS            *int64
	LastSyncLocalMS         *int64
	LastForceRefreshLocalMS *int64
	DegradedUntilLocalMS    *int64
}

// ClockSync keeps a skew between the local clock and the venue's server
// time and serves a corrected now. It starts degraded and flips to synced
// on the first successful refresh. While degraded, or when the corrected
// time drifts past MaxClockErrorMS from the last known server time, it
// falls back to the raw local clock, with forced refreshes rate limited
// by RefreshCooldownMS.
type ClockSync struct {
	source ServerTimeSource
	cfg    ClockConfig
	log    zerolog.Logger

	// Injectable for tests.
	localNowMS func() int64
	monoMS     func() int64

	mu                sync.Mutex
	state             string
	skewMS            int64
	lastServerMS      *int64
	lastSyncLocalMS   *int64
	lastForceLocalMS  *int64
	degradedUntilMS   *int64
	nextRefreshMonoMS int64
}

// NewClockSync builds a clock in the degraded state with a refresh due
// immediately.
func NewClockSync(source ServerTimeSource, cfg ClockConfig, log zerolog.Logger) *ClockSync {
	start := time.Now()
	return &ClockSync{
		source:     source,
		cfg:        cfg,
		log:        log,
		state:      ClockDegraded,
		localNowMS: func() int64 { return time.Now().UnixMilli() },
		monoMS:     func() int64 { return time.Since(start).Milliseconds() },
	}
}

// Refresh fetches server time if the refresh deadline has passed, or
// unconditionally when force is set. It reports whether the clock is
// synced afterwards.
func (c *ClockSync) Refresh(ctx context.Context, force bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshLocked(ctx, force)
}

func (c *ClockSync) refreshLocked(ctx context.Context, force bool) bool {
	nowMono := c.monoMS()
	if !force && nowMono < c.nextRefreshMonoMS {
		return c.state == ClockSynced
	}

	localMS := c.localNowMS()
	start := time.Now()
	serverMS, err := c.source.FetchServerTimeMS(ctx)
	latencyMS := time.Since(start).Milliseconds()

	if err != nil {
		c.transitionLocked(ClockDegraded, "refresh_fail")
		until := localMS + c.cfg.DegradedTTLMS
		c.degradedUntilMS = &until
		c.skewMS = 0
		c.lastServerMS = nil
		c.lastSyncLocalMS = nil
		c.scheduleNextLocked(nowMono)
		c.log.Warn().
			Str("result", "fail").
			Str("unit", "ms").
			Int64("latency_ms", latencyMS).
			Int64("local_ms", localMS).
			Str("clock_state", c.state).
			Err(err).
			Msg("server_time_refresh")
		return false
	}

	skewMS := serverMS - localMS
	c.skewMS = skewMS
	server := serverMS
	local := localMS
	c.lastServerMS = &server
	c.lastSyncLocalMS = &local
	c.transitionLocked(ClockSynced, "refresh_success")
	c.degradedUntilMS = nil
	c.scheduleNextLocked(nowMono)
	c.log.Info().
		Str("result", "success").
		Str("unit", "ms").
		Int64("latency_ms", latencyMS).
		Int64("local_ms", localMS).
		Int64("server_ms", serverMS).
		Int64("skew_ms", skewMS).
		Int64("now_ms_corrected", localMS+skewMS).
		Str("clock_state", c.state).
		Msg("server_time_refresh")
	return true
}

// NowMS returns the corrected now in milliseconds. It may trigger an
// opportunistic or forced refresh depending on state and drift.
func (c *ClockSync) NowMS(ctx context.Context) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.refreshLocked(ctx, false)
	localMS := c.localNowMS()

	if c.state == ClockDegraded {
		if c.lastForceLocalMS == nil {
			return localMS
		}
		sinceForce := localMS - *c.lastForceLocalMS
		if sinceForce < c.cfg.RefreshCooldownMS {
			return localMS
		}
		local := localMS
		c.lastForceLocalMS = &local
		if c.refreshLocked(ctx, true) {
			return c.localNowMS() + c.skewMS
		}
		c.transitionLocked(ClockDegraded, "degraded_retry_failed")
		until := localMS + c.cfg.DegradedTTLMS
		c.degradedUntilMS = &until
		return localMS
	}

	correctedMS := localMS + c.skewMS
	if c.lastServerMS == nil {
		return localMS
	}

	driftMS := correctedMS - *c.lastServerMS
	if driftMS < 0 {
		driftMS = -driftMS
	}
	if driftMS <= c.cfg.MaxClockErrorMS {
		return correctedMS
	}

	var cooldownRemainingMS int64
	if c.lastForceLocalMS != nil {
		sinceForce := localMS - *c.lastForceLocalMS
		if sinceForce < c.cfg.RefreshCooldownMS {
			cooldownRemainingMS = c.cfg.RefreshCooldownMS - sinceForce
		}
	}

	if cooldownRemainingMS > 0 {
		c.transitionLocked(ClockDegraded, "cooldown_blocked")
		until := localMS + c.cfg.DegradedTTLMS
		c.degradedUntilMS = &until
		c.log.Warn().
			Str("unit", "ms").
			Int64("local_ms", localMS).
			Int64("server_ms", *c.lastServerMS).
			Int64("skew_ms", c.skewMS).
			Int64("now_ms_corrected", correctedMS).
			Int64("drift_ms", driftMS).
			Int64("max_clock_error_ms", c.cfg.MaxClockErrorMS).
			Str("action", "degrade").
			Int64("cooldown_remaining_ms", cooldownRemainingMS).
			Msg("clock_sanity_fallback")
		return localMS
	}

	local := localMS
	c.lastForceLocalMS = &local
	c.log.Warn().
		Str("unit", "ms").
		Int64("local_ms", localMS).
		Int64("server_ms", *c.lastServerMS).
		Int64("skew_ms", c.skewMS).
		Int64("now_ms_corrected", correctedMS).
		Int64("drift_ms", driftMS).
		Int64("max_clock_error_ms", c.cfg.MaxClockErrorMS).
		Str("action", "force_refresh").
		Msg("clock_sanity_fallback")

	if c.refreshLocked(ctx, true) {
		return c.localNowMS() + c.skewMS
	}
	c.transitionLocked(ClockDegraded, "force_refresh_failed")
	until := localMS + c.cfg.DegradedTTLMS
	c.degradedUntilMS = &until
	return localMS
}

// Status returns a detached copy of the sync state.
func (c *ClockSync) Status() ClockStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClockStatus{
		State:                   c.state,
		SkewMS:                  c.skewMS,
		LastServerMS:            copyInt64(c.lastServerMS),
		LastSyncLocalMS:         copyInt64(c.lastSyncLocalMS),
		LastForceRefreshLocalMS: copyInt64(c.lastForceLocalMS),
		DegradedUntilLocalMS:    copyInt64(c.degradedUntilMS),
	}
}

func (c *ClockSync) transitionLocked(newState, reason string) {
	if c.state != newState {
		c.log.Info().
			Str("from", c.state).
			Str("to", newState).
			Str("reason", reason).
			Msg("clock_state_change")
	}
	c.state = newState
}

func (c *ClockSync) scheduleNextLocked(nowMonoMS int64) {
	intervalSec := c.cfg.RefreshSec
	if c.state == ClockDegraded {
		intervalSec = c.cfg.DegradedRetrySec
	}
	c.nextRefreshMonoMS = nowMonoMS + int64(intervalSec)*1000
}
