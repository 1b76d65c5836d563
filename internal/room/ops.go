package room

import (
	"time"

	"github.com/google/uuid"
	"github.com/watchroom/watchroom/internal/media"
	"github.com/watchroom/watchroom/internal/protocol"
)

// Op is a playback mutation applied to a room's authority under its
// mutation lock. apply reports whether the playback semantics actually
// changed (which is what advances LastMutation) and returns the messages
// to fan out to the room.
type Op interface {
	apply(a *Authority, now time.Time) (changed bool, out []protocol.Envelope)
}

// Play starts playback at the given position.
type Play struct {
	At float64
}

func (op Play) apply(a *Authority, now time.Time) (bool, []protocol.Envelope) {
	// While playing the stored base is stale; only a play somewhere other
	// than the extrapolated position is a real change. A redundant play
	// must leave both the base and the position alone, or extrapolation
	// would double-count the elapsed time.
	changed := !a.IsPlaying || a.ExtrapolatedPosition(now) != op.At
	if changed {
		a.IsPlaying = true
		a.Position = op.At
		a.LastMutation = now
	}
	return changed, []protocol.Envelope{
		protocol.MustEnvelope(protocol.TypePlay, protocol.TimestampPayload{Timestamp: op.At}),
	}
}

// Pause stops playback, pinning the position the pausing client observed.
type Pause struct {
	At float64
}

func (op Pause) apply(a *Authority, now time.Time) (bool, []protocol.Envelope) {
	changed := a.IsPlaying || a.Position != op.At
	a.IsPlaying = false
	a.Position = op.At
	if changed {
		a.LastMutation = now
	}
	return changed, []protocol.Envelope{
		protocol.MustEnvelope(protocol.TypePause, protocol.TimestampPayload{Timestamp: op.At}),
	}
}

// Seek moves the position without changing the play/pause state.
type Seek struct {
	To float64
}

func (op Seek) apply(a *Authority, now time.Time) (bool, []protocol.Envelope) {
	changed := a.Position != op.To || a.IsPlaying
	// While playing, a seek to the stored base position still rebases the
	// extrapolation clock, so it counts as a semantic change.
	a.Position = op.To
	if changed {
		a.LastMutation = now
	}
	return changed, []protocol.Envelope{
		protocol.MustEnvelope(protocol.TypeSeek, protocol.TimestampPayload{Timestamp: op.To}),
	}
}

// SetItem makes the given item current immediately: it is prepended to the
// queue, playback restarts from zero, and the room starts playing.
type SetItem struct {
	Item *media.Item
}

func (op SetItem) apply(a *Authority, now time.Time) (bool, []protocol.Envelope) {
	if op.Item == nil {
		return false, nil
	}
	if op.Item.ID == "" {
		op.Item.ID = uuid.NewString()
	}

	a.Queue = append([]media.Item{*op.Item}, a.Queue...)
	a.PlayingIndex = 0
	a.Current = op.Item
	a.Position = 0
	a.IsPlaying = true
	a.LastMutation = now

	return true, []protocol.Envelope{
		protocol.MustEnvelope(protocol.TypeSetMedia, protocol.SetMediaPayload{Media: op.Item}),
		protocol.MustEnvelope(protocol.TypeQueueUpdate, protocol.QueueUpdatePayload{
			Queue:        append([]media.Item(nil), a.Queue...),
			PlayingIndex: a.PlayingIndex,
		}),
	}
}
