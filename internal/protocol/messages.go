package protocol

import (
	"encoding/json"
	"time"

	"github.com/watchroom/watchroom/internal/media"
)

// Envelope is the wire format for every message in both directions.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MessageType identifies the payload carried by an Envelope.
type MessageType string

const (
	// Authoritative playback commands, server -> client.
	TypePlay  MessageType = "play"
	TypePause MessageType = "pause"
	TypeSeek  MessageType = "seek"

	// Ambient position broadcast, server -> client, advisory.
	TypeHeartbeat MessageType = "heartbeat"

	// Latency probe round-trip.
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"

	// Full state snapshot sent on (re)join.
	TypeSync MessageType = "sync"

	// Media and queue control.
	TypeSetMedia     MessageType = "set_media"
	TypeMediaEnded   MessageType = "media_ended"
	TypeQueueAdd     MessageType = "queue_add"
	TypeQueueRemove  MessageType = "queue_remove"
	TypeQueueReorder MessageType = "queue_reorder"
	TypeQueuePin     MessageType = "queue_pin"
	TypeQueuePlay    MessageType = "queue_play"
	TypeQueueUpdate  MessageType = "queue_update"

	// Membership and roles.
	TypeUserJoined  MessageType = "user_joined"
	TypeUserLeft    MessageType = "user_left"
	TypePromote     MessageType = "promote"
	TypeRolesUpdate MessageType = "roles_update"

	// Room settings.
	TypeTogglePermanent    MessageType = "toggle_permanent"
	TypeRoomSettingsUpdate MessageType = "room_settings_update"
)

// Role is a member's permission level within a room.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleUser      Role = "user"
)

// Valid reports whether r is a role the server will accept in a promote.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleModerator || r == RoleUser
}

// TimestampPayload carries a playback position in seconds. Used by play,
// pause and seek. Position 0 on a live item means "stay at the live edge".
type TimestampPayload struct {
	Timestamp float64 `json:"timestamp"`
}

// HeartbeatPayload is the periodic ambient broadcast of the authoritative
// position. ServerTime is Unix milliseconds at send.
type HeartbeatPayload struct {
	Timestamp  float64 `json:"timestamp"`
	ServerTime int64   `json:"server_time"`
	IsPlaying  bool    `json:"is_playing"`
}

// PingPayload is echoed back verbatim in a pong so the client can measure
// round-trip time. ClientTime is the client's Unix milliseconds at send.
type PingPayload struct {
	ClientTime int64 `json:"client_time"`
}

// PongPayload answers a ping.
type PongPayload struct {
	ClientTime int64 `json:"client_time"`
	ServerTime int64 `json:"server_time"`
}

// Member is one connected user, as shown in member lists.
type Member struct {
	Name string `json:"name"`
}

// SyncPayload cold-starts a client: everything it needs to join the
// authoritative timeline mid-flight.
type SyncPayload struct {
	Media        *media.Item     `json:"media,omitempty"`
	IsPlaying    bool            `json:"is_playing"`
	Timestamp    float64         `json:"timestamp"`
	Queue        []media.Item    `json:"queue"`
	PlayingIndex int             `json:"playing_index"`
	Members      []Member        `json:"members"`
	Roles        map[string]Role `json:"roles"`
	Permanent    bool            `json:"permanent"`
	You          string          `json:"you,omitempty"`
}

// SetMediaPayload replaces the current item (client -> server request and
// server -> client announcement).
type SetMediaPayload struct {
	Media *media.Item `json:"media"`
}

// QueueAddPayload appends an item to the queue.
type QueueAddPayload struct {
	Media *media.Item `json:"media"`
}

// QueueIndexPayload addresses a queue entry by position. Used by
// queue_remove, queue_pin and queue_play.
type QueueIndexPayload struct {
	Index int `json:"index"`
}

// QueueReorderPayload moves a queue entry.
type QueueReorderPayload struct {
	OldIndex int `json:"old_index"`
	NewIndex int `json:"new_index"`
}

// QueueUpdatePayload is broadcast after every queue change.
type QueueUpdatePayload struct {
	Queue        []media.Item `json:"queue"`
	PlayingIndex int          `json:"playing_index"`
}

// MemberEventPayload is broadcast as user_joined / user_left.
type MemberEventPayload struct {
	User    string   `json:"user,omitempty"`
	Members []Member `json:"members"`
}

// PromotePayload asks the server to change a member's role. Admin only.
type PromotePayload struct {
	Target string `json:"target"`
	Role   Role   `json:"role"`
}

// RolesUpdatePayload is broadcast after a successful promote.
type RolesUpdatePayload struct {
	Roles map[string]Role `json:"roles"`
}

// RoomSettingsPayload is broadcast after room settings change.
type RoomSettingsPayload struct {
	Permanent bool `json:"permanent"`
}

// NewEnvelope wraps a payload struct into a ready-to-send Envelope.
func NewEnvelope(t MessageType, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: t}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: t, Payload: raw}, nil
}

// MustEnvelope is NewEnvelope for payloads that cannot fail to marshal.
func MustEnvelope(t MessageType, payload any) Envelope {
	env, err := NewEnvelope(t, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the payload into out.
func (e Envelope) Decode(out any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, out)
}

// Encode marshals the envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// UnixMillis converts a time to the wire's millisecond representation.
func UnixMillis(t time.Time) int64 {
	return t.UnixMilli()
}
