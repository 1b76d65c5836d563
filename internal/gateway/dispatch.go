package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/watchroom/watchroom/internal/protocol"
	"github.com/watchroom/watchroom/internal/room"
)

// handleClientMessage parses one inbound envelope and dispatches it to the
// coordinator. Playback commands exclude the sender from the resulting
// broadcast: the sender already applied them locally.
func (c *Connection) handleClientMessage(message []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		log.Warn().
			Str("connection_id", c.ID).
			Str("identity", c.Identity).
			Msg("invalid json from client, ignoring")
		return
	}

	ctx := context.Background()
	coord := c.Manager.coord
	var err error

	switch env.Type {
	case protocol.TypePlay:
		var p protocol.TimestampPayload
		if err = env.Decode(&p); err == nil {
			err = coord.Mutate(ctx, c.RoomID, room.Play{At: p.Timestamp}, c.ID)
		}

	case protocol.TypePause:
		var p protocol.TimestampPayload
		if err = env.Decode(&p); err == nil {
			err = coord.Mutate(ctx, c.RoomID, room.Pause{At: p.Timestamp}, c.ID)
		}

	case protocol.TypeSeek:
		var p protocol.TimestampPayload
		if err = env.Decode(&p); err == nil {
			err = coord.Mutate(ctx, c.RoomID, room.Seek{To: p.Timestamp}, c.ID)
		}

	case protocol.TypeSetMedia:
		var p protocol.SetMediaPayload
		if err = env.Decode(&p); err == nil && p.Media != nil {
			p.Media.AddedBy = c.Identity
			err = coord.Mutate(ctx, c.RoomID, room.SetItem{Item: p.Media}, "")
		}

	case protocol.TypeQueueAdd:
		var p protocol.QueueAddPayload
		if err = env.Decode(&p); err == nil && p.Media != nil {
			p.Media.AddedBy = c.Identity
			err = coord.QueueAdd(ctx, c.RoomID, *p.Media)
		}

	case protocol.TypeQueueRemove:
		var p protocol.QueueIndexPayload
		if err = env.Decode(&p); err == nil {
			err = coord.QueueRemove(ctx, c.RoomID, p.Index)
		}

	case protocol.TypeQueueReorder:
		var p protocol.QueueReorderPayload
		if err = env.Decode(&p); err == nil {
			err = coord.QueueReorder(ctx, c.RoomID, p.OldIndex, p.NewIndex)
		}

	case protocol.TypeQueuePin:
		var p protocol.QueueIndexPayload
		if err = env.Decode(&p); err == nil {
			err = coord.QueuePin(ctx, c.RoomID, p.Index)
		}

	case protocol.TypeQueuePlay:
		var p protocol.QueueIndexPayload
		if err = env.Decode(&p); err == nil {
			err = coord.QueuePlay(ctx, c.RoomID, p.Index)
		}

	case protocol.TypeMediaEnded:
		err = coord.MediaEnded(ctx, c.RoomID)

	case protocol.TypePromote:
		var p protocol.PromotePayload
		if err = env.Decode(&p); err == nil {
			err = coord.Promote(ctx, c.RoomID, c.Identity, p.Target, p.Role)
		}

	case protocol.TypeTogglePermanent:
		_, err = coord.TogglePermanent(ctx, c.RoomID, c.Identity)

	case protocol.TypePing:
		var p protocol.PingPayload
		if err = env.Decode(&p); err == nil {
			c.sendEnvelope(protocol.MustEnvelope(protocol.TypePong, protocol.PongPayload{
				ClientTime: p.ClientTime,
				ServerTime: time.Now().UnixMilli(),
			}))
		}

	default:
		log.Debug().
			Str("connection_id", c.ID).
			Str("type", string(env.Type)).
			Msg("unknown message type from client")
	}

	if err != nil && !errors.Is(err, room.ErrNotAllowed) && !errors.Is(err, room.ErrBadIndex) {
		log.Warn().
			Err(err).
			Str("connection_id", c.ID).
			Str("room_id", c.RoomID).
			Str("type", string(env.Type)).
			Msg("failed to handle client message")
	}
}
