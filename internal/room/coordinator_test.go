package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/watchroom/watchroom/internal/media"
	"github.com/watchroom/watchroom/internal/protocol"
)

type sentMessage struct {
	RoomID  string
	Env     protocol.Envelope
	Exclude string
}

type fakePresence struct {
	mu     sync.Mutex
	sent   []sentMessage
	active map[string]int
}

func newFakePresence() *fakePresence {
	return &fakePresence{active: make(map[string]int)}
}

func (p *fakePresence) Broadcast(roomID string, env protocol.Envelope, exclude string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, sentMessage{RoomID: roomID, Env: env, Exclude: exclude})
}

func (p *fakePresence) Members(roomID string) []protocol.Member { return nil }

func (p *fakePresence) ActiveCount(roomID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active[roomID]
}

func (p *fakePresence) setActive(roomID string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active[roomID] = n
}

func (p *fakePresence) messages() []sentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sentMessage(nil), p.sent...)
}

func (p *fakePresence) ofType(t protocol.MessageType) []sentMessage {
	var out []sentMessage
	for _, m := range p.messages() {
		if m.Env.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type fakeStore struct {
	mu      sync.Mutex
	saved   map[string]Authority
	deleted []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{saved: make(map[string]Authority)}
}

func (s *fakeStore) LoadAll(ctx context.Context) (map[string]Authority, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Authority, len(s.saved))
	for k, v := range s.saved {
		out[k] = v
	}
	return out, nil
}

func (s *fakeStore) Save(ctx context.Context, roomID string, a Authority) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[roomID] = a
	return nil
}

func (s *fakeStore) Delete(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.saved, roomID)
	s.deleted = append(s.deleted, roomID)
	return nil
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakePresence, *fakeStore, *clockwork.FakeClock) {
	t.Helper()
	presence := newFakePresence()
	store := newFakeStore()
	clock := clockwork.NewFakeClockAt(t0)
	coord := NewCoordinator(DefaultConfig(), presence, store, clock)
	return coord, presence, store, clock
}

func TestEnsureFirstJoinerIsAdmin(t *testing.T) {
	coord, _, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	snap := coord.Ensure(ctx, "movie-night", "alice")
	assert.Equal(t, protocol.RoleAdmin, snap.Roles["alice"])

	snap = coord.Ensure(ctx, "movie-night", "bob")
	assert.Equal(t, protocol.RoleAdmin, snap.Roles["alice"])
	assert.Equal(t, protocol.RoleUser, snap.Roles["bob"])
}

func TestEnsureConcurrentFirstJoinsProduceOneAdmin(t *testing.T) {
	coord, _, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	const joiners = 32
	var wg sync.WaitGroup
	identities := make([]string, joiners)
	for i := range identities {
		identities[i] = string(rune('a' + i))
	}
	wg.Add(joiners)
	for _, id := range identities {
		go func(id string) {
			defer wg.Done()
			coord.Ensure(ctx, "race", id)
		}(id)
	}
	wg.Wait()

	snap, ok := coord.SnapshotFor("race")
	require.True(t, ok)
	admins := 0
	for _, role := range snap.Roles {
		if role == protocol.RoleAdmin {
			admins++
		}
	}
	assert.Equal(t, 1, admins)
	assert.Len(t, snap.Roles, joiners)
}

func TestEnsureReturningMemberKeepsRole(t *testing.T) {
	coord, _, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	coord.Ensure(ctx, "movie-night", "alice")
	coord.Ensure(ctx, "movie-night", "bob")
	snap := coord.Ensure(ctx, "movie-night", "alice")

	assert.Equal(t, protocol.RoleAdmin, snap.Roles["alice"])
}

func TestMutateBroadcastsExcludingOriginator(t *testing.T) {
	coord, presence, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	coord.Ensure(ctx, "movie-night", "alice")

	err := coord.Mutate(ctx, "movie-night", Play{At: 10}, "conn-1")
	require.NoError(t, err)

	plays := presence.ofType(protocol.TypePlay)
	require.Len(t, plays, 1)
	assert.Equal(t, "movie-night", plays[0].RoomID)
	assert.Equal(t, "conn-1", plays[0].Exclude)
}

func TestMutateUnknownRoom(t *testing.T) {
	coord, _, _, _ := newTestCoordinator(t)

	err := coord.Mutate(context.Background(), "nope", Play{At: 0}, "")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestMutatePersistsExtrapolatedPosition(t *testing.T) {
	coord, _, store, clock := newTestCoordinator(t)
	ctx := context.Background()
	coord.Ensure(ctx, "movie-night", "alice")
	item := testItem("a")
	require.NoError(t, coord.Mutate(ctx, "movie-night", SetItem{Item: &item}, ""))
	require.NoError(t, coord.Mutate(ctx, "movie-night", Play{At: 100}, ""))

	clock.Advance(8 * time.Second)
	require.NoError(t, coord.Mutate(ctx, "movie-night", Pause{At: 108}, ""))

	saved := store.saved["movie-night"]
	assert.Equal(t, 108.0, saved.Position)
	assert.False(t, saved.IsPlaying)
}

func TestHeartbeatCarriesExtrapolatedPosition(t *testing.T) {
	coord, presence, _, clock := newTestCoordinator(t)
	ctx := context.Background()
	coord.Ensure(ctx, "movie-night", "alice")
	presence.setActive("movie-night", 1)
	item := testItem("a")
	require.NoError(t, coord.Mutate(ctx, "movie-night", SetItem{Item: &item}, ""))
	require.NoError(t, coord.Mutate(ctx, "movie-night", Seek{To: 50}, ""))

	clock.Advance(5 * time.Second)
	coord.heartbeatAll()

	beats := presence.ofType(protocol.TypeHeartbeat)
	require.Len(t, beats, 1)
	var hb protocol.HeartbeatPayload
	require.NoError(t, beats[0].Env.Decode(&hb))
	assert.Equal(t, 55.0, hb.Timestamp)
	assert.True(t, hb.IsPlaying)
	assert.Equal(t, protocol.UnixMillis(clock.Now()), hb.ServerTime)
	assert.Empty(t, beats[0].Exclude)
}

func TestHeartbeatDoesNotAdvanceMutationBase(t *testing.T) {
	coord, _, _, clock := newTestCoordinator(t)
	ctx := context.Background()
	coord.Ensure(ctx, "movie-night", "alice")
	item := testItem("a")
	require.NoError(t, coord.Mutate(ctx, "movie-night", SetItem{Item: &item}, ""))
	base := clock.Now()

	for i := 0; i < 10; i++ {
		clock.Advance(5 * time.Second)
		coord.heartbeatAll()
	}

	snap, ok := coord.SnapshotFor("movie-night")
	require.True(t, ok)
	assert.Equal(t, base, snap.LastMutation)
	assert.Equal(t, 50.0, snap.Extrapolated)
}

func TestHeartbeatSkipsPausedAndEmptyRooms(t *testing.T) {
	coord, presence, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	// Paused room with a viewer.
	coord.Ensure(ctx, "paused", "alice")
	presence.setActive("paused", 1)

	// Playing room with no viewers.
	coord.Ensure(ctx, "deserted", "bob")
	item := testItem("a")
	require.NoError(t, coord.Mutate(ctx, "deserted", SetItem{Item: &item}, ""))

	coord.heartbeatAll()

	assert.Empty(t, presence.ofType(protocol.TypeHeartbeat))
}

func TestCleanupRemovesExpiredEmptyRooms(t *testing.T) {
	coord, _, store, clock := newTestCoordinator(t)
	ctx := context.Background()
	coord.Ensure(ctx, "movie-night", "alice")
	coord.MarkEmpty(ctx, "movie-night")

	clock.Advance(4 * time.Minute)
	coord.cleanupStale(ctx)
	_, ok := coord.SnapshotFor("movie-night")
	assert.True(t, ok, "room should survive inside the grace period")

	clock.Advance(2 * time.Minute)
	coord.cleanupStale(ctx)
	_, ok = coord.SnapshotFor("movie-night")
	assert.False(t, ok)
	assert.Contains(t, store.deleted, "movie-night")
}

func TestCleanupSparesPermanentRooms(t *testing.T) {
	coord, _, _, clock := newTestCoordinator(t)
	ctx := context.Background()
	coord.Ensure(ctx, "keeper", "alice")
	_, err := coord.TogglePermanent(ctx, "keeper", "alice")
	require.NoError(t, err)
	coord.MarkEmpty(ctx, "keeper")

	clock.Advance(time.Hour)
	coord.cleanupStale(ctx)

	_, ok := coord.SnapshotFor("keeper")
	assert.True(t, ok)
}

func TestCleanupSparesReoccupiedRooms(t *testing.T) {
	coord, _, _, clock := newTestCoordinator(t)
	ctx := context.Background()
	coord.Ensure(ctx, "movie-night", "alice")
	coord.MarkEmpty(ctx, "movie-night")

	clock.Advance(10 * time.Minute)
	// A rejoin clears the empty marker before the sweep runs.
	coord.Ensure(ctx, "movie-night", "bob")
	coord.cleanupStale(ctx)

	_, ok := coord.SnapshotFor("movie-night")
	assert.True(t, ok)
}

func TestRestoreRestampsMutationBase(t *testing.T) {
	presence := newFakePresence()
	store := newFakeStore()
	item := testItem("a")
	store.saved["movie-night"] = Authority{
		IsPlaying:    true,
		Position:     120,
		LastMutation: t0.Add(-time.Hour),
		Current:      &item,
		Queue:        []media.Item{item},
		PlayingIndex: 0,
		Roles:        map[string]protocol.Role{"alice": protocol.RoleAdmin},
	}

	clock := clockwork.NewFakeClockAt(t0)
	coord := NewCoordinator(DefaultConfig(), presence, store, clock)
	require.NoError(t, coord.Restore(context.Background()))

	snap, ok := coord.SnapshotFor("movie-night")
	require.True(t, ok)
	// Position resumes from the saved value, not saved-plus-downtime.
	assert.Equal(t, 120.0, snap.Extrapolated)
	assert.Equal(t, t0, snap.LastMutation)
}

func TestQueueAddBroadcastsToEveryone(t *testing.T) {
	coord, presence, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	coord.Ensure(ctx, "movie-night", "alice")

	require.NoError(t, coord.QueueAdd(ctx, "movie-night", testItem("a")))

	updates := presence.ofType(protocol.TypeQueueUpdate)
	require.Len(t, updates, 1)
	assert.Empty(t, updates[0].Exclude)
	var p protocol.QueueUpdatePayload
	require.NoError(t, updates[0].Env.Decode(&p))
	require.Len(t, p.Queue, 1)
	assert.Equal(t, -1, p.PlayingIndex)
}

func TestQueueRemoveBadIndex(t *testing.T) {
	coord, _, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	coord.Ensure(ctx, "movie-night", "alice")
	require.NoError(t, coord.QueueAdd(ctx, "movie-night", testItem("a")))

	assert.ErrorIs(t, coord.QueueRemove(ctx, "movie-night", 5), ErrBadIndex)
}

func TestMediaEndedAdvancesAndAnnounces(t *testing.T) {
	coord, presence, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	coord.Ensure(ctx, "movie-night", "alice")
	item := testItem("a")
	require.NoError(t, coord.Mutate(ctx, "movie-night", SetItem{Item: &item}, ""))
	require.NoError(t, coord.QueueAdd(ctx, "movie-night", testItem("b")))

	require.NoError(t, coord.MediaEnded(ctx, "movie-night"))

	sets := presence.ofType(protocol.TypeSetMedia)
	require.NotEmpty(t, sets)
	var p protocol.SetMediaPayload
	require.NoError(t, sets[len(sets)-1].Env.Decode(&p))
	require.NotNil(t, p.Media)
	assert.Equal(t, "b", p.Media.ID)
}

func TestMediaEndedExhaustedQueueStops(t *testing.T) {
	coord, presence, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	coord.Ensure(ctx, "movie-night", "alice")
	item := testItem("a")
	require.NoError(t, coord.Mutate(ctx, "movie-night", SetItem{Item: &item}, ""))
	before := len(presence.ofType(protocol.TypeSetMedia))

	require.NoError(t, coord.MediaEnded(ctx, "movie-night"))

	snap, _ := coord.SnapshotFor("movie-night")
	assert.Nil(t, snap.Current)
	assert.False(t, snap.IsPlaying)
	// No set_media for "nothing playing"; clients read the queue_update.
	assert.Len(t, presence.ofType(protocol.TypeSetMedia), before)
}

func TestPromoteRequiresAdmin(t *testing.T) {
	coord, presence, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	coord.Ensure(ctx, "movie-night", "alice")
	coord.Ensure(ctx, "movie-night", "bob")
	coord.Ensure(ctx, "movie-night", "carol")

	err := coord.Promote(ctx, "movie-night", "bob", "carol", protocol.RoleModerator)
	assert.ErrorIs(t, err, ErrNotAllowed)

	require.NoError(t, coord.Promote(ctx, "movie-night", "alice", "bob", protocol.RoleModerator))
	snap, _ := coord.SnapshotFor("movie-night")
	assert.Equal(t, protocol.RoleModerator, snap.Roles["bob"])

	updates := presence.ofType(protocol.TypeRolesUpdate)
	require.Len(t, updates, 1)
}

func TestPromoteRejectsUnknownRole(t *testing.T) {
	coord, _, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	coord.Ensure(ctx, "movie-night", "alice")

	err := coord.Promote(ctx, "movie-night", "alice", "bob", protocol.Role("owner"))
	assert.ErrorIs(t, err, ErrNotAllowed)
}

func TestTogglePermanent(t *testing.T) {
	coord, presence, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	coord.Ensure(ctx, "movie-night", "alice")
	coord.Ensure(ctx, "movie-night", "bob")

	_, err := coord.TogglePermanent(ctx, "movie-night", "bob")
	assert.ErrorIs(t, err, ErrNotAllowed)

	on, err := coord.TogglePermanent(ctx, "movie-night", "alice")
	require.NoError(t, err)
	assert.True(t, on)

	off, err := coord.TogglePermanent(ctx, "movie-night", "alice")
	require.NoError(t, err)
	assert.False(t, off)

	assert.Len(t, presence.ofType(protocol.TypeRoomSettingsUpdate), 2)
}

func TestDirectoryListsOccupiedOrStockedRooms(t *testing.T) {
	coord, presence, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	coord.Ensure(ctx, "busy", "alice")
	presence.setActive("busy", 2)

	coord.Ensure(ctx, "stocked", "bob")
	require.NoError(t, coord.QueueAdd(ctx, "stocked", testItem("a")))

	coord.Ensure(ctx, "idle", "carol")

	dir := coord.Directory()
	ids := make(map[string]Info, len(dir))
	for _, info := range dir {
		ids[info.ID] = info
	}
	assert.Contains(t, ids, "busy")
	assert.Contains(t, ids, "stocked")
	assert.NotContains(t, ids, "idle")
	assert.Equal(t, 2, ids["busy"].ActiveUsers)
	assert.Equal(t, 1, ids["stocked"].QueueSize)
}

type fixedResolver struct {
	res *media.Resolution
	err error
}

func (r fixedResolver) Resolve(ctx context.Context, source string) (*media.Resolution, error) {
	return r.res, r.err
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []string
}

func (n *recordingNotifier) QualityChanged(ctx context.Context, item *media.Item, quality string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, quality)
}

func (n *recordingNotifier) seen() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.changes...)
}

func TestQueuePlayNotifiesQualityChange(t *testing.T) {
	coord, _, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	notifier := &recordingNotifier{}
	coord.SetResolver(fixedResolver{res: &media.Resolution{
		StreamURL:  "https://cdn.example.com/fresh.m3u8",
		StreamType: media.StreamTypeSingle,
		Quality:    "720p",
	}})
	coord.SetQualityNotifier(notifier)
	coord.Ensure(ctx, "movie-night", "alice")
	item := testItem("a")
	item.OriginalURL = "https://example.com/watch?v=a"
	item.Quality = "1080p"
	require.NoError(t, coord.QueueAdd(ctx, "movie-night", item))

	require.NoError(t, coord.QueuePlay(ctx, "movie-night", 0))

	assert.Equal(t, []string{"720p"}, notifier.seen())
}

func TestQueuePlaySameQualityStaysQuiet(t *testing.T) {
	coord, _, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	notifier := &recordingNotifier{}
	coord.SetResolver(fixedResolver{res: &media.Resolution{
		StreamURL:  "https://cdn.example.com/fresh.m3u8",
		StreamType: media.StreamTypeSingle,
		Quality:    "1080p",
	}})
	coord.SetQualityNotifier(notifier)
	coord.Ensure(ctx, "movie-night", "alice")
	item := testItem("a")
	item.OriginalURL = "https://example.com/watch?v=a"
	item.Quality = "1080p"
	require.NoError(t, coord.QueueAdd(ctx, "movie-night", item))

	require.NoError(t, coord.QueuePlay(ctx, "movie-night", 0))

	assert.Empty(t, notifier.seen())
}

func TestQueuePlayRefreshesStreamURLs(t *testing.T) {
	coord, presence, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	coord.SetResolver(fixedResolver{res: &media.Resolution{
		StreamURL:  "https://cdn.example.com/fresh.m3u8",
		StreamType: media.StreamTypeSingle,
	}})
	coord.Ensure(ctx, "movie-night", "alice")
	item := testItem("a")
	item.OriginalURL = "https://example.com/watch?v=a"
	require.NoError(t, coord.QueueAdd(ctx, "movie-night", item))

	require.NoError(t, coord.QueuePlay(ctx, "movie-night", 0))

	sets := presence.ofType(protocol.TypeSetMedia)
	require.Len(t, sets, 1)
	var p protocol.SetMediaPayload
	require.NoError(t, sets[0].Env.Decode(&p))
	assert.Equal(t, "https://cdn.example.com/fresh.m3u8", p.Media.StreamURL)
}
