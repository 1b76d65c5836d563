package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/watchroom/watchroom/internal/media"
	"github.com/watchroom/watchroom/internal/protocol"
)

var (
	// ErrRoomNotFound is returned for operations on a room id that does
	// not exist (and that the operation will not create).
	ErrRoomNotFound = errors.New("room not found")
	// ErrNotAllowed is returned when the requester lacks the role an
	// operation requires.
	ErrNotAllowed = errors.New("operation not allowed")
	// ErrBadIndex is returned for queue operations on an invalid index.
	ErrBadIndex = errors.New("queue index out of range")
)

// Presence is the coordinator's view of the gateway: who is connected to a
// room and how to fan messages out to them. Send failures are the
// gateway's problem; a dead connection must never abort a broadcast.
type Presence interface {
	// Broadcast sends env to every connection in the room except the one
	// with id exclude (no exclusion when exclude is "").
	Broadcast(roomID string, env protocol.Envelope, exclude string)
	// Members returns the sorted member list for the room.
	Members(roomID string) []protocol.Member
	// ActiveCount returns how many connections the room currently has.
	ActiveCount(roomID string) int
}

// Store persists room authority across restarts. Implementations receive
// snapshots whose position is already extrapolated to the save time, so a
// loaded authority only needs its LastMutation restamped to load time.
type Store interface {
	LoadAll(ctx context.Context) (map[string]Authority, error)
	Save(ctx context.Context, roomID string, a Authority) error
	Delete(ctx context.Context, roomID string) error
}

// Config holds the coordinator's timing knobs.
type Config struct {
	HeartbeatInterval time.Duration
	CleanupInterval   time.Duration
	EmptyRoomTTL      time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 5 * time.Second,
		CleanupInterval:   60 * time.Second,
		EmptyRoomTTL:      5 * time.Minute,
	}
}

// Coordinator owns one Authority per room and is the only writer of any of
// them. All mutations go through per-room locks; heartbeat and sync reads
// take consistent snapshots under the same lock.
type Coordinator struct {
	mu    sync.RWMutex
	rooms map[string]*room

	presence Presence
	store    Store // nil disables persistence
	resolver media.Resolver
	notifier media.QualityNotifier
	clock    clockwork.Clock
	cfg      Config
}

type room struct {
	id   string
	mu   sync.Mutex
	auth Authority
}

// NewCoordinator creates a coordinator. store and resolver may be nil.
func NewCoordinator(cfg Config, presence Presence, store Store, clock clockwork.Clock) *Coordinator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Coordinator{
		rooms:    make(map[string]*room),
		presence: presence,
		store:    store,
		clock:    clock,
		cfg:      cfg,
	}
}

// SetResolver installs an optional media resolver used to refresh stale
// stream URLs when the queue advances.
func (c *Coordinator) SetResolver(r media.Resolver) {
	c.resolver = r
}

// SetQualityNotifier installs an optional hook told when a refresh lands
// on a different rendition than the one stored.
func (c *Coordinator) SetQualityNotifier(n media.QualityNotifier) {
	c.notifier = n
}

// Restore loads persisted rooms from the store, restamping their
// extrapolation base to now.
func (c *Coordinator) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	states, err := c.store.LoadAll(ctx)
	if err != nil {
		return err
	}

	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, auth := range states {
		auth.LastMutation = now
		auth.EmptySince = now
		if auth.Roles == nil {
			auth.Roles = make(map[string]protocol.Role)
		}
		c.rooms[id] = &room{id: id, auth: auth}
	}
	log.Info().Int("rooms", len(states)).Msg("restored persisted rooms")
	return nil
}

// Run drives the heartbeat and empty-room cleanup loops until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	heartbeat := c.clock.NewTicker(c.cfg.HeartbeatInterval)
	cleanup := c.clock.NewTicker(c.cfg.CleanupInterval)
	defer heartbeat.Stop()
	defer cleanup.Stop()

	log.Info().
		Dur("heartbeat_interval", c.cfg.HeartbeatInterval).
		Dur("empty_room_ttl", c.cfg.EmptyRoomTTL).
		Msg("room coordinator started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("room coordinator shutting down")
			return
		case <-heartbeat.Chan():
			c.heartbeatAll()
		case <-cleanup.Chan():
			c.cleanupStale(ctx)
		}
	}
}

// Ensure gets or creates the room and registers identity's role. The first
// identity ever seen in a room becomes admin, atomically with creation, so
// two racing first-joins cannot both claim it. Returns a consistent
// snapshot for the joining connection's sync message.
func (c *Coordinator) Ensure(ctx context.Context, roomID, identity string) Snapshot {
	r := c.getOrCreate(roomID)

	r.mu.Lock()
	if len(r.auth.Roles) == 0 {
		r.auth.Roles[identity] = protocol.RoleAdmin
	} else if _, ok := r.auth.Roles[identity]; !ok {
		r.auth.Roles[identity] = protocol.RoleUser
	}
	r.auth.EmptySince = time.Time{}
	snap := c.snapshotLocked(r)
	r.mu.Unlock()

	c.persist(ctx, roomID, snap)
	return snap
}

func (c *Coordinator) getOrCreate(roomID string) *room {
	c.mu.RLock()
	r, ok := c.rooms[roomID]
	c.mu.RUnlock()
	if ok {
		return r
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok = c.rooms[roomID]; ok {
		return r
	}
	r = &room{id: roomID, auth: newAuthority()}
	c.rooms[roomID] = r
	log.Info().Str("room_id", roomID).Msg("room created")
	return r
}

func (c *Coordinator) get(roomID string) (*room, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rooms[roomID]
	return r, ok
}

// Mutate applies a playback op under the room's mutation lock and fans the
// resulting messages out, excluding the originating connection (commands
// the originator already applied locally are not echoed back). Exactly one
// mutation's worth of broadcast per successful call.
func (c *Coordinator) Mutate(ctx context.Context, roomID string, op Op, exclude string) error {
	r, ok := c.get(roomID)
	if !ok {
		return ErrRoomNotFound
	}

	r.mu.Lock()
	changed, out := op.apply(&r.auth, c.clock.Now())
	snap := c.snapshotLocked(r)
	r.mu.Unlock()

	for _, env := range out {
		c.presence.Broadcast(roomID, env, exclude)
	}
	if changed {
		c.persist(ctx, roomID, snap)
	}
	return nil
}

// snapshotLocked copies the authority; callers must hold r.mu.
func (c *Coordinator) snapshotLocked(r *room) Snapshot {
	now := c.clock.Now()
	return Snapshot{
		Authority:    r.auth.clone(),
		RoomID:       r.id,
		Extrapolated: r.auth.ExtrapolatedPosition(now),
		TakenAt:      now,
	}
}

// SnapshotFor returns a consistent snapshot of a room, if it exists.
func (c *Coordinator) SnapshotFor(roomID string) (Snapshot, bool) {
	r, ok := c.get(roomID)
	if !ok {
		return Snapshot{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return c.snapshotLocked(r), true
}

// MarkEmpty records that a room just lost its last connection, starting
// the empty-room grace period.
func (c *Coordinator) MarkEmpty(ctx context.Context, roomID string) {
	r, ok := c.get(roomID)
	if !ok {
		return
	}
	r.mu.Lock()
	r.auth.EmptySince = c.clock.Now()
	snap := c.snapshotLocked(r)
	r.mu.Unlock()
	c.persist(ctx, roomID, snap)
}

func (c *Coordinator) heartbeatAll() {
	c.mu.RLock()
	rooms := make([]*room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.mu.RUnlock()

	now := c.clock.Now()
	for _, r := range rooms {
		r.mu.Lock()
		playing := r.auth.IsPlaying
		pos := r.auth.ExtrapolatedPosition(now)
		r.mu.Unlock()

		if !playing || c.presence.ActiveCount(r.id) == 0 {
			continue
		}
		env := protocol.MustEnvelope(protocol.TypeHeartbeat, protocol.HeartbeatPayload{
			Timestamp:  pos,
			ServerTime: protocol.UnixMillis(now),
			IsPlaying:  true,
		})
		c.presence.Broadcast(r.id, env, "")
	}
}

func (c *Coordinator) cleanupStale(ctx context.Context) {
	now := c.clock.Now()

	c.mu.Lock()
	var stale []string
	for id, r := range c.rooms {
		r.mu.Lock()
		empty := !r.auth.Permanent &&
			!r.auth.EmptySince.IsZero() &&
			now.Sub(r.auth.EmptySince) > c.cfg.EmptyRoomTTL
		r.mu.Unlock()
		if empty && c.presence.ActiveCount(id) == 0 {
			stale = append(stale, id)
			delete(c.rooms, id)
		}
	}
	c.mu.Unlock()

	for _, id := range stale {
		if c.store != nil {
			if err := c.store.Delete(ctx, id); err != nil {
				log.Warn().Err(err).Str("room_id", id).Msg("failed to delete persisted room")
			}
		}
		log.Info().Str("room_id", id).Msg("cleaned up stale room")
	}
}

func (c *Coordinator) persist(ctx context.Context, roomID string, snap Snapshot) {
	if c.store == nil {
		return
	}
	// Persist the extrapolated position so a restart resumes from where
	// viewers actually were, not from the last mutation base.
	auth := snap.Authority
	auth.Position = snap.Extrapolated
	auth.LastMutation = snap.TakenAt
	if err := c.store.Save(ctx, roomID, auth); err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("failed to persist room state")
	}
}

// refresh re-resolves a queue item's stream URLs if a resolver is
// installed. Resolution failures keep the stored URLs.
func (c *Coordinator) refresh(ctx context.Context, item *media.Item) *media.Item {
	if c.resolver == nil || item == nil || item.OriginalURL == "" {
		return item
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	res, err := c.resolver.Resolve(ctx, item.OriginalURL)
	if err != nil {
		log.Warn().Err(err).Str("url", item.OriginalURL).Msg("stream refresh failed, keeping stored urls")
		return item
	}
	prevQuality := item.Quality
	item.StreamURL = res.StreamURL
	item.VideoURL = res.VideoURL
	item.AudioURL = res.AudioURL
	item.StreamType = res.StreamType
	item.AvailableQualities = res.AvailableQualities
	item.AudioOptions = res.AudioOptions
	if res.Quality != "" {
		item.Quality = res.Quality
	}
	if c.notifier != nil && item.Quality != prevQuality {
		c.notifier.QualityChanged(ctx, item, item.Quality)
	}
	return item
}
