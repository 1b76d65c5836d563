package player

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/watchroom/watchroom/internal/latency"
	"github.com/watchroom/watchroom/internal/protocol"
)

// DriftConfig holds the drift correction thresholds.
type DriftConfig struct {
	// HardSeekThreshold is the absolute drift in seconds beyond which the
	// engine seeks instead of nudging the rate.
	HardSeekThreshold float64
	// NudgeThreshold is the absolute drift above which the rate is nudged.
	NudgeThreshold float64
	// CatchUpRate is applied when the client is behind the authority.
	CatchUpRate float64
	// SlowDownRate is applied when the client is ahead of the authority.
	SlowDownRate float64
}

// DefaultDriftConfig returns the production thresholds.
func DefaultDriftConfig() DriftConfig {
	return DriftConfig{
		HardSeekThreshold: 3.0,
		NudgeThreshold:    0.5,
		CatchUpRate:       1.05,
		SlowDownRate:      0.95,
	}
}

// Correction describes what a heartbeat made the engine do.
type Correction int

const (
	// CorrectionNone means the heartbeat was not acted on (paused, live,
	// or correction suspended).
	CorrectionNone Correction = iota
	// CorrectionConverged means drift was within tolerance, rate 1.0.
	CorrectionConverged
	// CorrectionCatchUp means the rate was raised to close positive drift.
	CorrectionCatchUp
	// CorrectionSlowDown means the rate was lowered to close negative drift.
	CorrectionSlowDown
	// CorrectionHardSeek means drift was too large to smooth over.
	CorrectionHardSeek
)

func (c Correction) String() string {
	switch c {
	case CorrectionNone:
		return "none"
	case CorrectionConverged:
		return "converged"
	case CorrectionCatchUp:
		return "catch_up"
	case CorrectionSlowDown:
		return "slow_down"
	case CorrectionHardSeek:
		return "hard_seek"
	default:
		return "unknown"
	}
}

// DriftCorrector reconciles a local element against the room's broadcast
// authority. Commands are obeyed literally; heartbeats are advisory and
// corrected for network latency, with small jitter absorbed by rate
// nudges so viewers do not hear constant seeking.
type DriftCorrector struct {
	cfg       DriftConfig
	el        *SerialElement
	estimator *latency.Estimator
	logger    zerolog.Logger

	mu        sync.Mutex
	live      bool
	lastDrift float64
	hold      func() bool
}

// NewDriftCorrector creates a corrector for one element.
func NewDriftCorrector(cfg DriftConfig, el *SerialElement, est *latency.Estimator, logger zerolog.Logger) *DriftCorrector {
	return &DriftCorrector{
		cfg:       cfg,
		el:        el,
		estimator: est,
		logger:    logger,
	}
}

// SetLive marks whether the current item is a live stream. Live playback
// has no meaningful absolute position, so heartbeat correction is skipped
// and the command position sentinel 0 means "stay at the live edge".
func (d *DriftCorrector) SetLive(live bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.live = live
}

// SetHold installs a predicate that suspends heartbeat correction, used to
// keep ordinary drift correction out of the way of an in-flight dual-stream
// heavy resync.
func (d *DriftCorrector) SetHold(hold func() bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hold = hold
}

// HandleCommand applies an authoritative play, pause or seek. Commands are
// hard instructions: the position is taken as-is and any rate adjustment
// from earlier drift is discarded, since that drift is now meaningless.
func (d *DriftCorrector) HandleCommand(ctx context.Context, t protocol.MessageType, position float64) error {
	d.mu.Lock()
	live := d.live
	d.mu.Unlock()

	if !(live && position == 0) {
		d.el.Seek(position)
	}
	d.el.SetRate(1.0)

	switch t {
	case protocol.TypePlay:
		if err := d.el.Play(ctx); err != nil {
			d.logger.Warn().Err(err).Msg("play command rejected by media engine")
			return err
		}
	case protocol.TypePause:
		d.el.Pause()
	case protocol.TypeSeek:
		// Position applied above; play state unchanged.
	}
	return nil
}

// HandleHeartbeat reconciles the local position against the broadcast one,
// compensated for the one-way network latency. Only acts while the local
// element is playing.
func (d *DriftCorrector) HandleHeartbeat(ctx context.Context, hb protocol.HeartbeatPayload) Correction {
	d.mu.Lock()
	live := d.live
	hold := d.hold
	d.mu.Unlock()

	if live || !d.el.Playing() {
		return CorrectionNone
	}
	if hold != nil && hold() {
		return CorrectionNone
	}

	compensated := hb.Timestamp + d.estimator.Seconds()
	drift := compensated - d.el.CurrentTime()

	d.mu.Lock()
	d.lastDrift = drift
	d.mu.Unlock()

	switch {
	case drift > d.cfg.HardSeekThreshold || drift < -d.cfg.HardSeekThreshold:
		d.logger.Info().Float64("drift", drift).Msg("drift beyond hard threshold, seeking")
		d.el.Seek(compensated)
		d.el.SetRate(1.0)
		return CorrectionHardSeek
	case drift > d.cfg.NudgeThreshold:
		d.el.SetRate(d.cfg.CatchUpRate)
		return CorrectionCatchUp
	case drift < -d.cfg.NudgeThreshold:
		d.el.SetRate(d.cfg.SlowDownRate)
		return CorrectionSlowDown
	default:
		d.el.SetRate(1.0)
		return CorrectionConverged
	}
}

// LastDrift returns the drift measured at the most recent heartbeat.
func (d *DriftCorrector) LastDrift() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastDrift
}
