package player

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// SimElement is a software media element whose position advances with a
// clock. The headless client drives the sync engines against it; it also
// doubles as the scripted element in tests.
type SimElement struct {
	clock clockwork.Clock

	mu         sync.Mutex
	playing    bool
	rate       float64
	position   float64
	lastUpdate time.Time
	buffered   float64
	muted      bool
	seeking    bool
	playErr    error
}

// NewSimElement creates a paused element at position zero.
func NewSimElement(clock clockwork.Clock) *SimElement {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SimElement{
		clock:      clock,
		rate:       1.0,
		buffered:   10,
		lastUpdate: clock.Now(),
	}
}

// settle folds elapsed play time into the stored position. Callers hold mu.
func (e *SimElement) settle() {
	now := e.clock.Now()
	if e.playing {
		e.position += now.Sub(e.lastUpdate).Seconds() * e.rate
	}
	e.lastUpdate = now
}

func (e *SimElement) CurrentTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settle()
	return e.position
}

func (e *SimElement) Seek(position float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settle()
	if position < 0 {
		position = 0
	}
	e.position = position
}

func (e *SimElement) Play(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.playErr != nil {
		return e.playErr
	}
	e.settle()
	e.playing = true
	return nil
}

func (e *SimElement) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settle()
	e.playing = false
}

func (e *SimElement) SetRate(rate float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settle()
	e.rate = rate
}

func (e *SimElement) Rate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rate
}

func (e *SimElement) BufferedAhead() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buffered
}

// SetBufferedAhead scripts the element's buffer health.
func (e *SimElement) SetBufferedAhead(seconds float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buffered = seconds
}

func (e *SimElement) Playing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing
}

func (e *SimElement) Seeking() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seeking
}

// SetSeeking scripts an in-flight seek.
func (e *SimElement) SetSeeking(seeking bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seeking = seeking
}

func (e *SimElement) WaitReady(ctx context.Context) error {
	return ctx.Err()
}

func (e *SimElement) SetMuted(muted bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.muted = muted
}

func (e *SimElement) Muted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.muted
}

// FailPlays makes subsequent Play calls return err (nil restores normal
// behavior).
func (e *SimElement) FailPlays(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.playErr = err
}

// Advance is a test convenience: it moves a fake clock and settles the
// element so position reflects the elapsed time.
func (e *SimElement) Advance(fc *clockwork.FakeClock, d time.Duration) {
	fc.Advance(d)
	e.mu.Lock()
	e.settle()
	e.mu.Unlock()
}
