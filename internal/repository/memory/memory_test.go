package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lalith-99/yapstream/internal/models"
	"github.com/lalith-99/yapstream/internal/realtime"
	"github.com/lalith-99/yapstream/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	mu      sync.Mutex
	changes []realtime.Change
}

func (c *capture) PublishChange(ctx context.Context, change realtime.Change) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, change)
	return nil
}

func (c *capture) all() []realtime.Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]realtime.Change(nil), c.changes...)
}

func TestMessageStore_CreateListAndPublish(t *testing.T) {
	ctx := context.Background()
	pub := &capture{}
	store := NewMessageStore(pub, nil)

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	store.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	_, err := store.Create(ctx, models.NewMessage{Content: "hi", AuthorID: "alice", RoomID: "general"})
	require.NoError(t, err)
	_, err = store.Create(ctx, models.NewMessage{Content: "yo", AuthorID: "bob", RoomID: "general"})
	require.NoError(t, err)
	_, err = store.Create(ctx, models.NewMessage{Content: "elsewhere", AuthorID: "bob", RoomID: "random"})
	require.NoError(t, err)

	msgs, err := store.ListByRoom(ctx, "general")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, "yo", msgs[1].Content)

	empty, err := store.ListByRoom(ctx, "nobody-here")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	changes := pub.all()
	require.Len(t, changes, 3)
	room, ok := changes[0].Column("channel_id")
	assert.True(t, ok)
	assert.Equal(t, "general", room)
	assert.Equal(t, realtime.ChangeInsert, changes[0].Type)

	counts, err := store.CountSince(ctx, []string{"general", "random"}, base.Add(1500*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"general": 1, "random": 1}, counts)
}

func TestMessageStore_FailCreates(t *testing.T) {
	ctx := context.Background()
	store := NewMessageStore(nil, nil)
	store.FailCreates(assert.AnError)

	_, err := store.Create(ctx, models.NewMessage{Content: "hi", RoomID: "general"})
	assert.ErrorIs(t, err, assert.AnError)

	msgs, _ := store.ListByRoom(ctx, "general")
	assert.Empty(t, msgs)
}

func TestMessageStore_UpdateDelete(t *testing.T) {
	ctx := context.Background()
	pub := &capture{}
	store := NewMessageStore(pub, nil)

	m, err := store.Create(ctx, models.NewMessage{Content: "hi", RoomID: "general"})
	require.NoError(t, err)

	updated, err := store.Update(ctx, m.ID, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", updated.Content)

	require.NoError(t, store.Delete(ctx, m.ID))
	require.NoError(t, store.Delete(ctx, m.ID))

	changes := pub.all()
	require.Len(t, changes, 3)
	assert.Equal(t, realtime.ChangeUpdate, changes[1].Type)
	assert.Equal(t, realtime.ChangeDelete, changes[2].Type)
	id, _ := changes[2].Column("id")
	assert.Equal(t, m.ID, id)
}

func TestMatchStore_OneActivePerPair(t *testing.T) {
	ctx := context.Background()
	store := NewMatchStore()

	m, err := store.Create(ctx, "alice", "bob", models.PairChannelID("alice", "bob"))
	require.NoError(t, err)

	_, err = store.Create(ctx, "bob", "alice", models.PairChannelID("bob", "alice"))
	assert.ErrorIs(t, err, repository.ErrConflict)

	found, err := store.FindActiveByPair(ctx, "bob", "alice")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, m.ID, found.ID)

	require.NoError(t, store.MarkEnded(ctx, m.ID))
	require.NoError(t, store.MarkEnded(ctx, "missing"))

	found, err = store.FindActiveByUser(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, found)

	_, err = store.Create(ctx, "alice", "bob", models.PairChannelID("alice", "bob"))
	require.NoError(t, err)
	assert.Equal(t, 1, store.Active("alice", "bob"))
}

func TestMatchStore_OneActivePerParticipant(t *testing.T) {
	ctx := context.Background()
	store := NewMatchStore()

	m, err := store.Create(ctx, "alice", "bob", models.PairChannelID("alice", "bob"))
	require.NoError(t, err)

	_, err = store.Create(ctx, "alice", "carol", models.PairChannelID("alice", "carol"))
	assert.ErrorIs(t, err, repository.ErrConflict)
	_, err = store.Create(ctx, "bob", "carol", models.PairChannelID("bob", "carol"))
	assert.ErrorIs(t, err, repository.ErrConflict)

	require.NoError(t, store.MarkEnded(ctx, m.ID))
	_, err = store.Create(ctx, "alice", "carol", models.PairChannelID("alice", "carol"))
	require.NoError(t, err)
}

func TestChannelStore_CascadeAndOrdering(t *testing.T) {
	ctx := context.Background()
	pub := &capture{}
	store := NewChannelStore(pub, nil)

	_, err := store.InsertChannel(ctx, models.Channel{ID: "gaming", Name: "Gaming", ServerID: "general"})
	require.NoError(t, err)
	_, err = store.InsertRoom(ctx, models.Room{ID: "ranked", Name: "ranked", ParentID: "gaming", OrderIndex: 1})
	require.NoError(t, err)
	_, err = store.InsertRoom(ctx, models.Room{ID: "lobby", Name: "lobby", ParentID: "gaming", OrderIndex: 0})
	require.NoError(t, err)

	_, err = store.InsertRoom(ctx, models.Room{ID: "lobby", Name: "lobby", ParentID: "gaming"})
	assert.ErrorIs(t, err, repository.ErrConflict)
	_, err = store.InsertRoom(ctx, models.Room{ID: "orphan", Name: "orphan", ParentID: "nope"})
	assert.ErrorIs(t, err, repository.ErrNotFound)

	rooms, err := store.ListRooms(ctx, "gaming")
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, "lobby", rooms[0].ID)
	assert.Equal(t, models.RoomText, rooms[0].Type)
	assert.Equal(t, "general", rooms[0].ServerID)

	max, ok, err := store.MaxRoomOrder(ctx, "gaming")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, max)

	_, ok, err = store.MaxChannelOrder(ctx, "other-server")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.DeleteChannel(ctx, "gaming"))
	rooms, err = store.ListRooms(ctx, "gaming")
	require.NoError(t, err)
	assert.Empty(t, rooms)

	room, err := store.GetRoom(ctx, "lobby")
	require.NoError(t, err)
	assert.Nil(t, room)

	deletes := 0
	for _, c := range pub.all() {
		if c.Type == realtime.ChangeDelete {
			deletes++
		}
	}
	assert.Equal(t, 3, deletes)
	require.NoError(t, store.DeleteChannel(ctx, "gaming"))
}

func TestProfileStore(t *testing.T) {
	ctx := context.Background()
	store := NewProfileStore()

	p, err := store.Create(ctx, "alice", "Alice", "Alice@Example.com", "hash")
	require.NoError(t, err)

	_, err = store.Create(ctx, "alice2", "", "alice@example.com", "hash")
	assert.ErrorIs(t, err, repository.ErrConflict)

	got, err := store.GetByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, p.ID, got.ID)

	missing, err := store.GetByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
