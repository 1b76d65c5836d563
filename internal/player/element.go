package player

import (
	"context"
	"errors"
	"sync"
)

// ErrAutoplayBlocked is returned by Element.Play when the platform refuses
// to start unmuted playback without a user gesture.
var ErrAutoplayBlocked = errors.New("autoplay blocked by platform")

// Element is the engine's view of one underlying media element. Play is
// asynchronous in real engines and resolves only when playback has
// actually started; implementations must surface that in the returned
// error rather than reporting success optimistically.
type Element interface {
	// CurrentTime is the element's playback position in seconds.
	CurrentTime() float64
	// Seek moves the playback position.
	Seek(position float64)
	// Play starts playback, blocking until the engine settles the call.
	Play(ctx context.Context) error
	// Pause stops playback immediately.
	Pause()
	// SetRate sets the playback rate (1.0 is realtime).
	SetRate(rate float64)
	// Rate returns the current playback rate.
	Rate() float64
	// BufferedAhead is how many seconds of content past CurrentTime are
	// already buffered.
	BufferedAhead() float64
	// Playing reports whether the element is actively playing.
	Playing() bool
	// Seeking reports whether a seek is still settling.
	Seeking() bool
	// WaitReady blocks until the element is ready to play through.
	WaitReady(ctx context.Context) error
	// SetMuted mutes or unmutes, the degradation path for blocked autoplay.
	SetMuted(muted bool)
	// Muted reports the muted state.
	Muted() bool
}

// SerialElement wraps an Element so that play and pause never overlap: a
// pause waits for any in-flight play to settle first, and a second play is
// not issued while one is pending. Real media engines throw and end up in
// an ambiguous state when these calls interleave.
type SerialElement struct {
	Element
	opMu sync.Mutex
}

// NewSerialElement wraps el with serialized play/pause.
func NewSerialElement(el Element) *SerialElement {
	return &SerialElement{Element: el}
}

// Play issues a serialized play. If unmuted playback is rejected by the
// platform, it degrades to muted playback once instead of retrying
// indefinitely.
func (s *SerialElement) Play(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	err := s.Element.Play(ctx)
	if errors.Is(err, ErrAutoplayBlocked) && !s.Element.Muted() {
		s.Element.SetMuted(true)
		return s.Element.Play(ctx)
	}
	return err
}

// Pause issues a serialized pause, waiting out any in-flight play.
func (s *SerialElement) Pause() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.Element.Pause()
}
