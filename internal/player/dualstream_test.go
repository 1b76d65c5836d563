package player

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingReadyElement reports ready-wait failure immediately, simulating a
// stream that cannot settle after a seek.
type failingReadyElement struct {
	*SimElement
	readyErr error
}

func (e *failingReadyElement) WaitReady(ctx context.Context) error {
	if e.readyErr != nil {
		return e.readyErr
	}
	return e.SimElement.WaitReady(ctx)
}

// gateReadyElement blocks ready-waits until released.
type gateReadyElement struct {
	*SimElement
	gate chan error
}

func (e *gateReadyElement) WaitReady(ctx context.Context) error {
	select {
	case err := <-e.gate:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type dualRig struct {
	clock     *clockwork.FakeClock
	primary   *SimElement
	secondary *SimElement
	sync      *DualStreamSync
}

func newDualRig(t *testing.T) *dualRig {
	t.Helper()
	clock := clockwork.NewFakeClock()
	primary := NewSimElement(clock)
	secondary := NewSimElement(clock)
	return &dualRig{
		clock:     clock,
		primary:   primary,
		secondary: secondary,
		sync: NewDualStreamSync(DefaultDualStreamConfig(),
			NewSerialElement(primary), NewSerialElement(secondary), clock, zerolog.Nop()),
	}
}

func (r *dualRig) playBoth(t *testing.T) {
	t.Helper()
	require.NoError(t, r.primary.Play(context.Background()))
	require.NoError(t, r.secondary.Play(context.Background()))
}

func TestTickIdleWhilePrimaryPausedOrSeeking(t *testing.T) {
	r := newDualRig(t)
	r.secondary.Seek(10) // large drift that must be ignored
	require.NoError(t, r.secondary.Play(context.Background()))

	r.sync.Tick(context.Background())
	assert.Equal(t, 0.0, r.sync.LastDrift(), "paused primary must not be corrected against")

	r.playBoth(t)
	r.primary.SetSeeking(true)
	r.sync.Tick(context.Background())
	assert.Equal(t, 0.0, r.sync.LastDrift())
}

func TestLowBufferHoldsSecondaryBeforeDriftHandling(t *testing.T) {
	r := newDualRig(t)
	r.playBoth(t)
	r.secondary.Seek(10) // would demand a heavy resync
	r.secondary.SetBufferedAhead(0.1)

	r.sync.Tick(context.Background())

	assert.False(t, r.secondary.Playing())
	// Drift handling was suspended for the tick.
	assert.Equal(t, 0.0, r.sync.LastDrift())
	assert.Equal(t, HealthGood, r.sync.Health())
}

func TestBufferHoldReleasesWithHysteresis(t *testing.T) {
	r := newDualRig(t)
	r.playBoth(t)
	r.primary.Seek(42)
	r.secondary.SetBufferedAhead(0.1)
	r.sync.Tick(context.Background())
	require.False(t, r.secondary.Playing())

	// Back above the pause threshold but below 2x: stay held.
	r.secondary.SetBufferedAhead(0.4)
	r.sync.Tick(context.Background())
	assert.False(t, r.secondary.Playing())

	r.secondary.SetBufferedAhead(0.7)
	r.sync.Tick(context.Background())
	assert.True(t, r.secondary.Playing())
	assert.InDelta(t, 42.0, r.secondary.CurrentTime(), 1e-9, "resume re-aligns to the primary")
}

func TestDriftNudges(t *testing.T) {
	cases := []struct {
		name     string
		offset   float64
		wantRate float64
	}{
		{"aligned", 0.1, 1.0},
		{"ahead", 0.3, 0.97},
		{"behind", -0.3, 1.03},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newDualRig(t)
			r.playBoth(t)
			r.primary.Seek(100)
			r.secondary.Seek(100 + tc.offset)

			r.sync.Tick(context.Background())

			assert.InDelta(t, tc.wantRate, r.secondary.Rate(), 1e-9)
			assert.InDelta(t, tc.offset, r.sync.LastDrift(), 1e-9)
			assert.Equal(t, HealthGood, r.sync.Health())
		})
	}
}

func TestNudgeRateResetsOnceAligned(t *testing.T) {
	r := newDualRig(t)
	r.playBoth(t)
	r.primary.Seek(100)
	r.secondary.Seek(100.3)
	r.sync.Tick(context.Background())
	require.InDelta(t, 0.97, r.secondary.Rate(), 1e-9)

	r.secondary.Seek(100.05)
	r.sync.Tick(context.Background())
	assert.InDelta(t, 1.0, r.secondary.Rate(), 1e-9)
}

func TestHeavyResyncRealignsAndResumes(t *testing.T) {
	r := newDualRig(t)
	r.playBoth(t)
	r.primary.Seek(100)
	r.secondary.Seek(101)

	r.sync.Tick(context.Background())

	assert.InDelta(t, 100.0, r.secondary.CurrentTime(), 1e-9)
	assert.True(t, r.primary.Playing())
	assert.True(t, r.secondary.Playing())
	assert.Equal(t, 1.0, r.primary.Rate())
	assert.Equal(t, 1.0, r.secondary.Rate())
	assert.Equal(t, HealthGood, r.sync.Health())
	assert.False(t, r.sync.Syncing())
}

func TestHeavyResyncKeepsPausedMediaPaused(t *testing.T) {
	r := newDualRig(t)
	r.playBoth(t)
	r.primary.Seek(100)
	r.secondary.Seek(101)
	r.primary.Pause()

	// Drive the resync directly: Tick would skip a paused primary.
	r.sync.heavyResync(context.Background(), 1.0)

	assert.False(t, r.primary.Playing(), "resync must not start playback the room paused")
	assert.False(t, r.secondary.Playing())
}

func TestHeavyResyncFailureExhaustion(t *testing.T) {
	clock := clockwork.NewFakeClock()
	primary := &failingReadyElement{SimElement: NewSimElement(clock), readyErr: errors.New("never ready")}
	secondary := NewSimElement(clock)
	cfg := DefaultDualStreamConfig()
	s := NewDualStreamSync(cfg, NewSerialElement(primary), NewSerialElement(secondary), clock, zerolog.Nop())

	var notices []string
	s.Notify = func(msg string) { notices = append(notices, msg) }

	require.NoError(t, primary.Play(context.Background()))
	require.NoError(t, secondary.Play(context.Background()))

	for i := 0; i < cfg.MaxFailures; i++ {
		clock.Advance(cfg.CooldownMax + time.Second)
		secondary.Seek(primary.CurrentTime() + 1)
		s.Tick(context.Background())
		// Failed or not, playback is forced back on.
		assert.True(t, primary.Playing(), "attempt %d left playback frozen", i+1)
		assert.True(t, secondary.Playing())
	}

	assert.Equal(t, HealthFailed, s.Health())
	require.Len(t, notices, 1)

	// Terminal state: no further attempts even with huge drift.
	clock.Advance(cfg.CooldownMax + time.Second)
	secondary.Seek(primary.CurrentTime() + 100)
	s.Tick(context.Background())
	assert.InDelta(t, 100.0, s.LastDrift(), 1e-9)
	assert.InDelta(t, primary.CurrentTime()+100, secondary.CurrentTime(), 1e-9, "no seek happened")
	assert.True(t, primary.Playing())
	assert.True(t, secondary.Playing())
}

func TestHeavyResyncCooldownGrows(t *testing.T) {
	clock := clockwork.NewFakeClock()
	primary := &failingReadyElement{SimElement: NewSimElement(clock), readyErr: errors.New("never ready")}
	secondary := NewSimElement(clock)
	cfg := DefaultDualStreamConfig()
	s := NewDualStreamSync(cfg, NewSerialElement(primary), NewSerialElement(secondary), clock, zerolog.Nop())

	require.NoError(t, primary.Play(context.Background()))
	require.NoError(t, secondary.Play(context.Background()))

	secondary.Seek(primary.CurrentTime() + 1)
	s.Tick(context.Background()) // first attempt, fails
	require.Equal(t, HealthRecovering, s.Health())

	// After one failure the cooldown is 4s: a tick at +3s must not retry.
	clock.Advance(3 * time.Second)
	secondary.Seek(primary.CurrentTime() + 1)
	s.Tick(context.Background())
	assert.InDelta(t, primary.CurrentTime()+1, secondary.CurrentTime(), 1e-9)

	clock.Advance(2 * time.Second)
	secondary.Seek(primary.CurrentTime() + 1)
	s.Tick(context.Background())
	assert.InDelta(t, primary.CurrentTime(), secondary.CurrentTime(), 1e-9, "past cooldown the resync seeks again")
}

func TestResetClearsFailureState(t *testing.T) {
	clock := clockwork.NewFakeClock()
	primary := &failingReadyElement{SimElement: NewSimElement(clock), readyErr: errors.New("never ready")}
	secondary := NewSimElement(clock)
	cfg := DefaultDualStreamConfig()
	s := NewDualStreamSync(cfg, NewSerialElement(primary), NewSerialElement(secondary), clock, zerolog.Nop())
	s.Notify = func(string) {}

	require.NoError(t, primary.Play(context.Background()))
	require.NoError(t, secondary.Play(context.Background()))
	for i := 0; i < cfg.MaxFailures; i++ {
		clock.Advance(cfg.CooldownMax + time.Second)
		secondary.Seek(primary.CurrentTime() + 1)
		s.Tick(context.Background())
	}
	require.Equal(t, HealthFailed, s.Health())

	s.Reset()
	assert.Equal(t, HealthGood, s.Health())

	primary.readyErr = nil
	clock.Advance(cfg.CooldownMax + time.Second)
	secondary.Seek(primary.CurrentTime() + 1)
	s.Tick(context.Background())
	assert.InDelta(t, primary.CurrentTime(), secondary.CurrentTime(), 1e-9)
	assert.Equal(t, HealthGood, s.Health())
}

func TestStaleResyncCannotTouchNewMedia(t *testing.T) {
	clock := clockwork.NewFakeClock()
	primary := &gateReadyElement{SimElement: NewSimElement(clock), gate: make(chan error)}
	secondary := NewSimElement(clock)
	cfg := DefaultDualStreamConfig()
	s := NewDualStreamSync(cfg, NewSerialElement(primary), NewSerialElement(secondary), clock, zerolog.Nop())

	require.NoError(t, primary.Play(context.Background()))
	require.NoError(t, secondary.Play(context.Background()))
	secondary.Seek(primary.CurrentTime() + 1)

	done := make(chan struct{})
	go func() {
		s.Tick(context.Background())
		close(done)
	}()

	// Wait for the resync to park in its ready-wait, then load new media.
	require.Eventually(t, s.Syncing, time.Second, time.Millisecond)
	s.Reset()
	primary.gate <- errors.New("too late")
	<-done

	// The stale resync recorded nothing against the new generation and did
	// not force-resume elements the new media now owns.
	assert.Equal(t, HealthGood, s.Health())
	assert.False(t, s.Syncing())
	assert.False(t, primary.Playing())
}

func TestPassiveRecoveryResumesStalledSecondary(t *testing.T) {
	r := newDualRig(t)
	r.playBoth(t)
	r.primary.Seek(42)
	r.secondary.Seek(42)
	r.secondary.Pause() // an external scheduler stalled it

	r.sync.Tick(context.Background())

	assert.True(t, r.secondary.Playing())
	assert.InDelta(t, 42.0, r.secondary.CurrentTime(), 1e-9)
}

func TestPassiveRecoverySpacedAndCapped(t *testing.T) {
	r := newDualRig(t)
	r.playBoth(t)
	r.secondary.Pause()
	r.secondary.FailPlays(errors.New("scheduler veto"))
	cfg := DefaultDualStreamConfig()

	// Back-to-back ticks inside the retry delay share one attempt.
	r.sync.Tick(context.Background())
	r.sync.Tick(context.Background())

	for i := 0; i < cfg.MaxResumeRetries+3; i++ {
		r.clock.Advance(cfg.ResumeRetryDelay)
		// Keep the stalled secondary aligned so only passive recovery, not
		// drift correction, is exercised.
		r.secondary.Seek(r.primary.CurrentTime())
		r.sync.Tick(context.Background())
	}

	// Attempts are exhausted: even a now-willing secondary is left alone
	// until a reset or an external resume.
	r.secondary.FailPlays(nil)
	r.clock.Advance(cfg.ResumeRetryDelay)
	r.sync.Tick(context.Background())
	assert.False(t, r.secondary.Playing())

	r.sync.Reset()
	r.sync.Tick(context.Background())
	assert.True(t, r.secondary.Playing())
}

func TestOnVisibleRealignsStalledSecondary(t *testing.T) {
	r := newDualRig(t)
	r.playBoth(t)
	r.primary.Seek(42)
	r.secondary.Pause()
	r.secondary.SetRate(0.97)

	r.sync.OnVisible(context.Background())

	assert.Equal(t, 1.0, r.secondary.Rate())
	assert.True(t, r.secondary.Playing())
	assert.InDelta(t, 42.0, r.secondary.CurrentTime(), 1e-9)
}
