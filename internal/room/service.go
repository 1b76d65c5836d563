package room

import (
	"context"

	"github.com/watchroom/watchroom/internal/media"
	"github.com/watchroom/watchroom/internal/protocol"
)

// Queue and membership operations. Unlike playback ops these broadcast to
// the whole room including the originator, since the originator's UI also
// renders from queue_update rather than applying edits optimistically.

// QueueAdd appends an item to the room's queue.
func (c *Coordinator) QueueAdd(ctx context.Context, roomID string, item media.Item) error {
	r, ok := c.get(roomID)
	if !ok {
		return ErrRoomNotFound
	}

	r.mu.Lock()
	r.auth.addToQueue(item)
	snap := c.snapshotLocked(r)
	r.mu.Unlock()

	c.broadcastQueue(roomID, snap)
	c.persist(ctx, roomID, snap)
	return nil
}

// QueueRemove drops the entry at index. Removing the playing entry is
// rejected.
func (c *Coordinator) QueueRemove(ctx context.Context, roomID string, index int) error {
	r, ok := c.get(roomID)
	if !ok {
		return ErrRoomNotFound
	}

	r.mu.Lock()
	changed := r.auth.removeFromQueue(index)
	snap := c.snapshotLocked(r)
	r.mu.Unlock()

	if !changed {
		return ErrBadIndex
	}
	c.broadcastQueue(roomID, snap)
	c.persist(ctx, roomID, snap)
	return nil
}

// QueueReorder moves an entry to a new position.
func (c *Coordinator) QueueReorder(ctx context.Context, roomID string, oldIndex, newIndex int) error {
	r, ok := c.get(roomID)
	if !ok {
		return ErrRoomNotFound
	}

	r.mu.Lock()
	changed := r.auth.reorderQueue(oldIndex, newIndex)
	snap := c.snapshotLocked(r)
	r.mu.Unlock()

	if !changed {
		return ErrBadIndex
	}
	c.broadcastQueue(roomID, snap)
	c.persist(ctx, roomID, snap)
	return nil
}

// QueuePin toggles whether an entry survives being played through.
func (c *Coordinator) QueuePin(ctx context.Context, roomID string, index int) error {
	r, ok := c.get(roomID)
	if !ok {
		return ErrRoomNotFound
	}

	r.mu.Lock()
	changed := r.auth.togglePin(index)
	snap := c.snapshotLocked(r)
	r.mu.Unlock()

	if !changed {
		return ErrBadIndex
	}
	c.broadcastQueue(roomID, snap)
	c.persist(ctx, roomID, snap)
	return nil
}

// QueuePlay jumps playback to the entry at index.
func (c *Coordinator) QueuePlay(ctx context.Context, roomID string, index int) error {
	r, ok := c.get(roomID)
	if !ok {
		return ErrRoomNotFound
	}

	r.mu.Lock()
	item := r.auth.playFromQueue(index, c.clock.Now())
	snap := c.snapshotLocked(r)
	r.mu.Unlock()

	if item != nil {
		item = c.refresh(ctx, item)
		c.presence.Broadcast(roomID, protocol.MustEnvelope(protocol.TypeSetMedia,
			protocol.SetMediaPayload{Media: item}), "")
	}
	c.broadcastQueue(roomID, snap)
	c.persist(ctx, roomID, snap)
	if item == nil {
		return ErrBadIndex
	}
	return nil
}

// MediaEnded advances the queue after the current item finished.
func (c *Coordinator) MediaEnded(ctx context.Context, roomID string) error {
	r, ok := c.get(roomID)
	if !ok {
		return ErrRoomNotFound
	}

	r.mu.Lock()
	item := r.auth.advance(c.clock.Now())
	snap := c.snapshotLocked(r)
	r.mu.Unlock()

	if item != nil {
		item = c.refresh(ctx, item)
		c.presence.Broadcast(roomID, protocol.MustEnvelope(protocol.TypeSetMedia,
			protocol.SetMediaPayload{Media: item}), "")
	}
	c.broadcastQueue(roomID, snap)
	c.persist(ctx, roomID, snap)
	return nil
}

// Promote changes a member's role. Only admins may promote, and only to a
// known role.
func (c *Coordinator) Promote(ctx context.Context, roomID, requester, target string, role protocol.Role) error {
	if !role.Valid() {
		return ErrNotAllowed
	}
	r, ok := c.get(roomID)
	if !ok {
		return ErrRoomNotFound
	}

	r.mu.Lock()
	if r.auth.Roles[requester] != protocol.RoleAdmin {
		r.mu.Unlock()
		return ErrNotAllowed
	}
	r.auth.Roles[target] = role
	snap := c.snapshotLocked(r)
	r.mu.Unlock()

	c.presence.Broadcast(roomID, protocol.MustEnvelope(protocol.TypeRolesUpdate,
		protocol.RolesUpdatePayload{Roles: snap.Roles}), "")
	c.persist(ctx, roomID, snap)
	return nil
}

// TogglePermanent flips the room's exemption from empty-room cleanup.
// Admin only.
func (c *Coordinator) TogglePermanent(ctx context.Context, roomID, requester string) (bool, error) {
	r, ok := c.get(roomID)
	if !ok {
		return false, ErrRoomNotFound
	}

	r.mu.Lock()
	if r.auth.Roles[requester] != protocol.RoleAdmin {
		r.mu.Unlock()
		return false, ErrNotAllowed
	}
	r.auth.Permanent = !r.auth.Permanent
	permanent := r.auth.Permanent
	snap := c.snapshotLocked(r)
	r.mu.Unlock()

	c.presence.Broadcast(roomID, protocol.MustEnvelope(protocol.TypeRoomSettingsUpdate,
		protocol.RoomSettingsPayload{Permanent: permanent}), "")
	c.persist(ctx, roomID, snap)
	return permanent, nil
}

func (c *Coordinator) broadcastQueue(roomID string, snap Snapshot) {
	c.presence.Broadcast(roomID, protocol.MustEnvelope(protocol.TypeQueueUpdate,
		protocol.QueueUpdatePayload{Queue: snap.Queue, PlayingIndex: snap.PlayingIndex}), "")
}

// Info is one row in the room directory shown on the lobby page.
type Info struct {
	ID           string `json:"id"`
	ActiveUsers  int    `json:"active_users"`
	CurrentTitle string `json:"current_media,omitempty"`
	QueueSize    int    `json:"queue_size"`
}

// Directory lists rooms that are occupied or have content queued.
func (c *Coordinator) Directory() []Info {
	c.mu.RLock()
	rooms := make([]*room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.mu.RUnlock()

	out := make([]Info, 0, len(rooms))
	for _, r := range rooms {
		active := c.presence.ActiveCount(r.id)
		r.mu.Lock()
		info := Info{
			ID:          r.id,
			ActiveUsers: active,
			QueueSize:   len(r.auth.Queue),
		}
		if r.auth.Current != nil {
			info.CurrentTitle = r.auth.Current.Title
		}
		hasContent := r.auth.Current != nil || len(r.auth.Queue) > 0
		r.mu.Unlock()

		if active > 0 || hasContent {
			out = append(out, info)
		}
	}
	return out
}
