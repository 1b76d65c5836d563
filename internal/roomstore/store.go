// Package roomstore persists room authority snapshots so rooms survive a
// server restart. The coordinator only depends on the room.Store
// interface; this package supplies a Postgres implementation and an
// in-memory one for tests and storage-less deployments.
package roomstore

import (
	"time"

	"github.com/watchroom/watchroom/internal/media"
	"github.com/watchroom/watchroom/internal/protocol"
	"github.com/watchroom/watchroom/internal/room"
)

// persistedState is the JSON document stored per room. Volatile fields
// (members, empty-since) are runtime state and are not saved.
type persistedState struct {
	IsPlaying    bool                     `json:"is_playing"`
	Position     float64                  `json:"position"`
	Current      *media.Item              `json:"current,omitempty"`
	Queue        []media.Item             `json:"queue"`
	PlayingIndex int                      `json:"playing_index"`
	Roles        map[string]protocol.Role `json:"roles"`
	Permanent    bool                     `json:"permanent"`
	SavedAt      time.Time                `json:"saved_at"`
}

func toPersisted(a room.Authority, savedAt time.Time) persistedState {
	return persistedState{
		IsPlaying:    a.IsPlaying,
		Position:     a.Position,
		Current:      a.Current,
		Queue:        a.Queue,
		PlayingIndex: a.PlayingIndex,
		Roles:        a.Roles,
		Permanent:    a.Permanent,
		SavedAt:      savedAt,
	}
}

func (p persistedState) toAuthority() room.Authority {
	roles := p.Roles
	if roles == nil {
		roles = make(map[string]protocol.Role)
	}
	return room.Authority{
		IsPlaying:    p.IsPlaying,
		Position:     p.Position,
		Current:      p.Current,
		Queue:        p.Queue,
		PlayingIndex: p.PlayingIndex,
		Roles:        roles,
		Permanent:    p.Permanent,
	}
}
