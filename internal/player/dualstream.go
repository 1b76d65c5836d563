package player

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// SyncHealth is the dual-stream engine's externally visible condition.
type SyncHealth int

const (
	// HealthGood means normal operation.
	HealthGood SyncHealth = iota
	// HealthRecovering means a heavy resync is in progress or queued.
	HealthRecovering
	// HealthFailed is terminal until a new media load resets the engine.
	HealthFailed
)

func (h SyncHealth) String() string {
	switch h {
	case HealthGood:
		return "good"
	case HealthRecovering:
		return "recovering"
	case HealthFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrResyncTimeout is recorded when a heavy resync's ready-wait expires.
var ErrResyncTimeout = errors.New("heavy resync timed out waiting for ready")

// DualStreamConfig holds the dual-stream sync tuning knobs.
type DualStreamConfig struct {
	// TickInterval is the engine's own cadence, independent of drift
	// correction. Driven by a wall-clock timer, never a frame callback:
	// frame callbacks stop when the view is hidden but sync must not.
	TickInterval time.Duration
	// BufferThreshold is the minimum buffered-ahead (seconds) below which
	// the secondary is preemptively paused before the primary stalls.
	BufferThreshold float64
	// DriftThreshold is the drift within which the streams count as
	// aligned.
	DriftThreshold float64
	// HeavySyncThreshold is the drift beyond which rate nudging gives way
	// to a full pause-seek-resume.
	HeavySyncThreshold float64
	// NudgeAheadRate slows the secondary when it runs ahead.
	NudgeAheadRate float64
	// NudgeBehindRate speeds the secondary when it lags.
	NudgeBehindRate float64
	// ResyncTimeout bounds how long a heavy resync waits for both
	// elements to report ready.
	ResyncTimeout time.Duration
	// CooldownBase seeds the exponential heavy-resync cooldown.
	CooldownBase time.Duration
	// CooldownMax caps the cooldown growth.
	CooldownMax time.Duration
	// MaxFailures is how many consecutive heavy-resync failures are
	// tolerated before the engine goes terminal.
	MaxFailures int
	// ResumeRetryDelay spaces passive-recovery resume attempts.
	ResumeRetryDelay time.Duration
	// MaxResumeRetries caps passive-recovery attempts per stall.
	MaxResumeRetries int
}

// DefaultDualStreamConfig returns the production tuning.
func DefaultDualStreamConfig() DualStreamConfig {
	return DualStreamConfig{
		TickInterval:       250 * time.Millisecond,
		BufferThreshold:    0.3,
		DriftThreshold:     0.15,
		HeavySyncThreshold: 0.5,
		NudgeAheadRate:     0.97,
		NudgeBehindRate:    1.03,
		ResyncTimeout:      3 * time.Second,
		CooldownBase:       2 * time.Second,
		CooldownMax:        32 * time.Second,
		MaxFailures:        5,
		ResumeRetryDelay:   100 * time.Millisecond,
		MaxResumeRetries:   5,
	}
}

// DualStreamSync keeps a secondary (audio) element aligned to a primary
// (video) element when a stream is delivered as two independently buffered
// elements. It prefers silent degradation over audible events: the
// secondary is paused before the primary can stall, small drift is closed
// with inaudible rate nudges, and the pause-seek-resume heavy path is
// cooldown-gated and bounded so a bad stream can never freeze playback.
type DualStreamSync struct {
	cfg       DualStreamConfig
	primary   *SerialElement
	secondary *SerialElement
	clock     clockwork.Clock
	logger    zerolog.Logger

	// Notify surfaces a user-visible message when sync is exhausted.
	Notify func(message string)

	mu             sync.Mutex
	health         SyncHealth
	syncing        bool
	buffering      bool
	lastDrift      float64
	failures       int
	lastHeavySync  time.Time
	generation     uint64
	secondaryHeld  bool
	resumeAttempts int
	lastResumeTry  time.Time
}

// NewDualStreamSync creates the engine for one primary/secondary pair.
func NewDualStreamSync(cfg DualStreamConfig, primary, secondary *SerialElement, clock clockwork.Clock, logger zerolog.Logger) *DualStreamSync {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &DualStreamSync{
		cfg:       cfg,
		primary:   primary,
		secondary: secondary,
		clock:     clock,
		logger:    logger,
	}
}

// Run ticks the engine until ctx is cancelled.
func (d *DualStreamSync) Run(ctx context.Context) {
	ticker := d.clock.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	d.logger.Info().Dur("tick", d.cfg.TickInterval).Msg("dual-stream sync started")
	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("dual-stream sync stopped")
			return
		case <-ticker.Chan():
			d.Tick(ctx)
		}
	}
}

// Health returns the engine's current condition.
func (d *DualStreamSync) Health() SyncHealth {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.health
}

// Syncing reports whether a heavy resync is in flight. Ordinary drift
// correction against the room authority must stay out of the way while
// this is true.
func (d *DualStreamSync) Syncing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.syncing
}

// LastDrift returns the most recently measured secondary-minus-primary
// drift in seconds.
func (d *DualStreamSync) LastDrift() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastDrift
}

// Reset clears failure state for a new media load. Any in-flight heavy
// resync becomes stale: its generation no longer matches, so its callbacks
// cannot touch state belonging to the new media.
func (d *DualStreamSync) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.generation++
	d.failures = 0
	d.health = HealthGood
	d.syncing = false
	d.buffering = false
	d.secondaryHeld = false
	d.resumeAttempts = 0
	d.lastHeavySync = time.Time{}
	d.logger.Debug().Uint64("generation", d.generation).Msg("dual-stream sync reset")
}

// Tick runs one evaluation pass. Exported so a host driving its own timer
// (or a test) can pump the engine directly.
func (d *DualStreamSync) Tick(ctx context.Context) {
	d.mu.Lock()
	if d.syncing {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	if !d.primary.Playing() || d.primary.Seeking() {
		return
	}

	if d.monitorBuffers(ctx) {
		return
	}
	d.correctDrift(ctx)
	d.passiveRecovery(ctx)
}

// monitorBuffers pauses the secondary before a starved buffer can stall
// the primary: a short silent gap is far less noticeable than the two
// elements visibly stalling apart. Returns true while the secondary is
// held, which suspends drift handling for the tick.
func (d *DualStreamSync) monitorBuffers(ctx context.Context) bool {
	minBuffered := math.Min(d.primary.BufferedAhead(), d.secondary.BufferedAhead())

	d.mu.Lock()
	held := d.secondaryHeld
	d.mu.Unlock()

	if !held {
		if minBuffered < d.cfg.BufferThreshold {
			d.logger.Debug().Float64("buffered", minBuffered).Msg("buffer low, holding secondary")
			d.secondary.Pause()
			d.setHeld(true)
			return true
		}
		return false
	}

	// Recovery needs headroom beyond the pause threshold, otherwise the
	// engine oscillates at the boundary.
	if minBuffered >= d.cfg.BufferThreshold*2 {
		d.secondary.Seek(d.primary.CurrentTime())
		if err := d.secondary.Play(ctx); err != nil {
			d.logger.Debug().Err(err).Msg("secondary resume after buffer hold failed, will retry")
			return true
		}
		d.setHeld(false)
		return false
	}
	return true
}

func (d *DualStreamSync) setHeld(held bool) {
	d.mu.Lock()
	d.secondaryHeld = held
	d.buffering = held
	d.mu.Unlock()
}

// correctDrift measures secondary-minus-primary drift and picks the
// gentlest correction that closes it.
func (d *DualStreamSync) correctDrift(ctx context.Context) {
	drift := d.secondary.CurrentTime() - d.primary.CurrentTime()

	d.mu.Lock()
	d.lastDrift = drift
	d.mu.Unlock()

	abs := math.Abs(drift)
	switch {
	case abs <= d.cfg.DriftThreshold:
		d.secondary.SetRate(1.0)
	case abs <= d.cfg.HeavySyncThreshold:
		if drift > 0 {
			d.secondary.SetRate(d.cfg.NudgeAheadRate)
		} else {
			d.secondary.SetRate(d.cfg.NudgeBehindRate)
		}
	default:
		d.heavyResync(ctx, drift)
	}
}

// cooldown grows exponentially with consecutive failures so a stream that
// cannot resync does not thrash the player.
func (d *DualStreamSync) cooldown() time.Duration {
	cd := d.cfg.CooldownBase << d.failures
	if cd > d.cfg.CooldownMax || cd <= 0 {
		cd = d.cfg.CooldownMax
	}
	return cd
}

// heavyResync runs the bounded pause-seek-resume procedure. Whatever
// happens, playback is forced back into its prior state on the way out so
// one failed resync can never leave media permanently paused, and the
// syncing flag is always cleared.
func (d *DualStreamSync) heavyResync(ctx context.Context, drift float64) {
	d.mu.Lock()
	if d.health == HealthFailed || d.syncing {
		d.mu.Unlock()
		return
	}
	now := d.clock.Now()
	if !d.lastHeavySync.IsZero() && now.Sub(d.lastHeavySync) < d.cooldown() {
		d.mu.Unlock()
		return
	}
	d.syncing = true
	d.health = HealthRecovering
	d.lastHeavySync = now
	gen := d.generation
	d.mu.Unlock()

	wasPlaying := d.primary.Playing()
	d.logger.Info().Float64("drift", drift).Bool("was_playing", wasPlaying).Msg("heavy resync starting")

	d.primary.Pause()
	d.secondary.Pause()
	target := d.primary.CurrentTime()
	d.primary.Seek(target)
	d.secondary.Seek(target)

	err := d.waitBothReady(ctx)

	d.mu.Lock()
	if gen != d.generation {
		// New media loaded while we waited; this resync is stale and must
		// not touch the new media's state.
		d.syncing = false
		d.mu.Unlock()
		d.logger.Debug().Msg("heavy resync aborted by media change")
		return
	}
	if err != nil {
		d.failures++
		if d.failures >= d.cfg.MaxFailures {
			d.health = HealthFailed
			d.mu.Unlock()
			d.logger.Error().Err(err).Int("failures", d.cfg.MaxFailures).Msg("dual-stream sync exhausted")
			if d.Notify != nil {
				d.Notify("Audio/video resynchronization keeps failing. Playback continues unsynchronized; consider reloading.")
			}
		} else {
			d.health = HealthRecovering
			failures := d.failures
			d.mu.Unlock()
			d.logger.Warn().Err(err).Int("failures", failures).Msg("heavy resync failed")
		}
	} else {
		d.failures = 0
		d.health = HealthGood
		d.mu.Unlock()
		d.logger.Info().Msg("heavy resync complete")
	}

	// Force playback back on regardless of outcome. Unsynchronized
	// playback beats frozen media.
	d.primary.SetRate(1.0)
	d.secondary.SetRate(1.0)
	if wasPlaying {
		if perr := d.primary.Play(ctx); perr != nil {
			d.logger.Warn().Err(perr).Msg("primary resume after resync failed")
		}
		if serr := d.secondary.Play(ctx); serr != nil {
			d.logger.Warn().Err(serr).Msg("secondary resume after resync failed")
		}
	}

	d.mu.Lock()
	d.syncing = false
	d.mu.Unlock()
}

// waitBothReady waits for both elements to report ready-to-play, bounded
// by the configured resync timeout.
func (d *DualStreamSync) waitBothReady(ctx context.Context) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		if err := d.primary.WaitReady(waitCtx); err != nil {
			done <- err
			return
		}
		done <- d.secondary.WaitReady(waitCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-d.clock.After(d.cfg.ResyncTimeout):
		return ErrResyncTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// passiveRecovery restarts the secondary when an external scheduler paused
// it behind our back (a backgrounded tab being the dominant case).
// Attempts are spaced and capped; a tight retry loop would fight the
// scheduler.
func (d *DualStreamSync) passiveRecovery(ctx context.Context) {
	d.mu.Lock()
	held := d.secondaryHeld
	attempts := d.resumeAttempts
	last := d.lastResumeTry
	d.mu.Unlock()

	if held || !d.primary.Playing() {
		return
	}
	if d.secondary.Playing() {
		if attempts != 0 {
			d.mu.Lock()
			d.resumeAttempts = 0
			d.mu.Unlock()
		}
		return
	}
	if attempts >= d.cfg.MaxResumeRetries {
		return
	}
	now := d.clock.Now()
	if !last.IsZero() && now.Sub(last) < d.cfg.ResumeRetryDelay {
		return
	}

	d.mu.Lock()
	d.resumeAttempts++
	d.lastResumeTry = now
	d.mu.Unlock()

	d.secondary.Seek(d.primary.CurrentTime())
	if err := d.secondary.Play(ctx); err != nil {
		d.logger.Debug().Err(err).Int("attempt", attempts+1).Msg("passive secondary resume failed")
	}
}

// OnVisible handles the view becoming visible again. Background throttling
// is the dominant real-world cause of dual-stream drift, so the rate is
// unconditionally reset and a stalled secondary is re-aligned and resumed.
func (d *DualStreamSync) OnVisible(ctx context.Context) {
	d.secondary.SetRate(1.0)

	d.mu.Lock()
	syncing := d.syncing
	d.mu.Unlock()
	if syncing {
		return
	}

	if d.primary.Playing() && !d.secondary.Playing() {
		d.secondary.Seek(d.primary.CurrentTime())
		if err := d.secondary.Play(ctx); err != nil {
			d.logger.Debug().Err(err).Msg("secondary resume on visibility failed")
		}
	}
}
