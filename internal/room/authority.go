package room

import (
	"time"

	"github.com/watchroom/watchroom/internal/media"
	"github.com/watchroom/watchroom/internal/protocol"
)

// Authority is the server's canonical playback state for one room. It is
// only ever read or written under the owning room's mutation lock.
//
// LastMutation is the extrapolation base: it moves only when the playback
// semantics change (play/pause toggled, a seek happened, a new item
// started). Heartbeats and queue edits must leave it alone, otherwise the
// extrapolated position jumps and every client's latency compensation
// becomes inconsistent.
type Authority struct {
	IsPlaying    bool
	Position     float64
	LastMutation time.Time
	Current      *media.Item
	Queue        []media.Item
	PlayingIndex int
	Roles        map[string]protocol.Role
	Permanent    bool
	EmptySince   time.Time
}

// newAuthority returns the state of a freshly created room.
func newAuthority() Authority {
	return Authority{
		PlayingIndex: -1,
		Roles:        make(map[string]protocol.Role),
	}
}

// ExtrapolatedPosition projects the stored position forward to now. While
// playing a non-live item the position advances with the wall clock; live
// items and paused rooms report the stored position unchanged.
func (a *Authority) ExtrapolatedPosition(now time.Time) float64 {
	if !a.IsPlaying || a.Current == nil || a.Current.IsLive {
		return a.Position
	}
	elapsed := now.Sub(a.LastMutation).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return a.Position + elapsed
}

// clone returns a deep copy safe to use outside the room lock.
func (a *Authority) clone() Authority {
	out := *a
	if a.Current != nil {
		item := *a.Current
		out.Current = &item
	}
	out.Queue = append([]media.Item(nil), a.Queue...)
	out.Roles = make(map[string]protocol.Role, len(a.Roles))
	for k, v := range a.Roles {
		out.Roles[k] = v
	}
	return out
}

// Snapshot is a consistent copy of a room's authority taken under its
// mutation lock, with the position already extrapolated to the time of the
// snapshot.
type Snapshot struct {
	Authority
	RoomID       string
	Extrapolated float64
	TakenAt      time.Time
}

// SyncPayload renders the snapshot as the cold-start message sent to a
// (re)joining connection.
func (s *Snapshot) SyncPayload(you string, members []protocol.Member) protocol.SyncPayload {
	return protocol.SyncPayload{
		Media:        s.Current,
		IsPlaying:    s.IsPlaying,
		Timestamp:    s.Extrapolated,
		Queue:        s.Queue,
		PlayingIndex: s.PlayingIndex,
		Members:      members,
		Roles:        s.Roles,
		Permanent:    s.Permanent,
		You:          you,
	}
}
