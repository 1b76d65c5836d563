package room

import (
	"context"

	"github.com/watchroom/watchroom/internal/media"
	"github.com/watchroom/watchroom/internal/protocol"
)

// ApplyRemote folds a broadcast that originated on another node into the
// local authority, so every node extrapolates and heartbeats from the
// same timeline. The originating node already fanned the message out and
// published it; applying here must not broadcast again, or the nodes
// would echo each other forever.
//
// Membership messages are node-local and heartbeats are derived state;
// neither mutates the authority, so unknown and ambient types are
// ignored.
func (c *Coordinator) ApplyRemote(ctx context.Context, roomID string, env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypePlay:
		var p protocol.TimestampPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		return c.applyRemoteOp(ctx, roomID, Play{At: p.Timestamp})

	case protocol.TypePause:
		var p protocol.TimestampPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		return c.applyRemoteOp(ctx, roomID, Pause{At: p.Timestamp})

	case protocol.TypeSeek:
		var p protocol.TimestampPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		return c.applyRemoteOp(ctx, roomID, Seek{To: p.Timestamp})

	case protocol.TypeSetMedia:
		var p protocol.SetMediaPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		if p.Media == nil {
			return nil
		}
		// The queue_update that follows every set_media carries the
		// authoritative queue, so only the current item moves here.
		r := c.getOrCreate(roomID)
		r.mu.Lock()
		item := *p.Media
		r.auth.Current = &item
		r.auth.Position = 0
		r.auth.IsPlaying = true
		r.auth.LastMutation = c.clock.Now()
		snap := c.snapshotLocked(r)
		r.mu.Unlock()
		c.persist(ctx, roomID, snap)
		return nil

	case protocol.TypeQueueUpdate:
		var p protocol.QueueUpdatePayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		r := c.getOrCreate(roomID)
		r.mu.Lock()
		r.auth.Queue = append([]media.Item(nil), p.Queue...)
		r.auth.PlayingIndex = p.PlayingIndex
		if p.PlayingIndex >= 0 && p.PlayingIndex < len(r.auth.Queue) {
			item := r.auth.Queue[p.PlayingIndex]
			r.auth.Current = &item
		} else if p.PlayingIndex < 0 {
			// The queue ran out on the originating node.
			r.auth.Current = nil
			r.auth.IsPlaying = false
		}
		snap := c.snapshotLocked(r)
		r.mu.Unlock()
		c.persist(ctx, roomID, snap)
		return nil

	case protocol.TypeRolesUpdate:
		var p protocol.RolesUpdatePayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		r := c.getOrCreate(roomID)
		r.mu.Lock()
		r.auth.Roles = make(map[string]protocol.Role, len(p.Roles))
		for name, role := range p.Roles {
			r.auth.Roles[name] = role
		}
		snap := c.snapshotLocked(r)
		r.mu.Unlock()
		c.persist(ctx, roomID, snap)
		return nil

	case protocol.TypeRoomSettingsUpdate:
		var p protocol.RoomSettingsPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		r := c.getOrCreate(roomID)
		r.mu.Lock()
		r.auth.Permanent = p.Permanent
		snap := c.snapshotLocked(r)
		r.mu.Unlock()
		c.persist(ctx, roomID, snap)
		return nil
	}
	return nil
}

// applyRemoteOp runs a playback op against the local authority without
// any fan-out.
func (c *Coordinator) applyRemoteOp(ctx context.Context, roomID string, op Op) error {
	r := c.getOrCreate(roomID)
	r.mu.Lock()
	changed, _ := op.apply(&r.auth, c.clock.Now())
	snap := c.snapshotLocked(r)
	r.mu.Unlock()
	if changed {
		c.persist(ctx, roomID, snap)
	}
	return nil
}
