package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lalith-99/yapstream/internal/models"
	"github.com/lalith-99/yapstream/internal/realtime"
	"github.com/lalith-99/yapstream/internal/repository"
	"go.uber.org/zap"
)

// channelRow mirrors a row of the channels table, where parent channels
// (type "category", no parent) and rooms share one id space.
type channelRow struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	ServerID   string          `json:"server_id"`
	ParentID   string          `json:"parent_id,omitempty"`
	Type       models.RoomType `json:"type"`
	OrderIndex int             `json:"order_index"`
	CreatedBy  string          `json:"created_by,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (r channelRow) channel() models.Channel {
	return models.Channel{
		ID:         r.ID,
		Name:       r.Name,
		ServerID:   r.ServerID,
		OrderIndex: r.OrderIndex,
		CreatedBy:  r.CreatedBy,
		CreatedAt:  r.CreatedAt,
	}
}

func (r channelRow) room() models.Room {
	return models.Room{
		ID:         r.ID,
		Name:       r.Name,
		ParentID:   r.ParentID,
		ServerID:   r.ServerID,
		Type:       r.Type,
		OrderIndex: r.OrderIndex,
		CreatedBy:  r.CreatedBy,
		CreatedAt:  r.CreatedAt,
	}
}

type ChannelStore struct {
	mu      sync.RWMutex
	rows    map[string]channelRow
	changes changes
	now     func() time.Time
}

func NewChannelStore(pub Publisher, logger *zap.Logger) *ChannelStore {
	return &ChannelStore{
		rows:    make(map[string]channelRow),
		changes: newChanges(pub, logger),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func sortRows(rows []channelRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].OrderIndex != rows[j].OrderIndex {
			return rows[i].OrderIndex < rows[j].OrderIndex
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
}

func (s *ChannelStore) ListChannels(ctx context.Context, serverID string) ([]models.Channel, error) {
	s.mu.RLock()
	var rows []channelRow
	for _, r := range s.rows {
		if r.ParentID == "" && r.ServerID == serverID {
			rows = append(rows, r)
		}
	}
	s.mu.RUnlock()

	sortRows(rows)
	out := make([]models.Channel, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.channel())
	}
	return out, nil
}

func (s *ChannelStore) ListRooms(ctx context.Context, channelID string) ([]models.Room, error) {
	s.mu.RLock()
	var rows []channelRow
	for _, r := range s.rows {
		if r.ParentID != "" && r.ParentID == channelID {
			rows = append(rows, r)
		}
	}
	s.mu.RUnlock()

	sortRows(rows)
	out := make([]models.Room, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.room())
	}
	return out, nil
}

func (s *ChannelStore) GetChannel(ctx context.Context, id string) (*models.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[id]
	if !ok || r.ParentID != "" {
		return nil, nil
	}
	ch := r.channel()
	return &ch, nil
}

func (s *ChannelStore) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[id]
	if !ok || r.ParentID == "" {
		return nil, nil
	}
	room := r.room()
	return &room, nil
}

func (s *ChannelStore) ChannelExists(ctx context.Context, serverID, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[id]
	return ok && r.ParentID == "" && r.ServerID == serverID, nil
}

func (s *ChannelStore) RoomExists(ctx context.Context, parentID, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[id]
	return ok && r.ParentID == parentID, nil
}

func (s *ChannelStore) MaxChannelOrder(ctx context.Context, serverID string) (int, bool, error) {
	return s.maxOrder(func(r channelRow) bool { return r.ParentID == "" && r.ServerID == serverID })
}

func (s *ChannelStore) MaxRoomOrder(ctx context.Context, parentID string) (int, bool, error) {
	return s.maxOrder(func(r channelRow) bool { return r.ParentID != "" && r.ParentID == parentID })
}

func (s *ChannelStore) maxOrder(in func(channelRow) bool) (int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	max, found := 0, false
	for _, r := range s.rows {
		if !in(r) {
			continue
		}
		if !found || r.OrderIndex > max {
			max = r.OrderIndex
		}
		found = true
	}
	return max, found, nil
}

func (s *ChannelStore) InsertChannel(ctx context.Context, ch models.Channel) (*models.Channel, error) {
	row := channelRow{
		ID:         ch.ID,
		Name:       ch.Name,
		ServerID:   ch.ServerID,
		Type:       models.TypeCategory,
		OrderIndex: ch.OrderIndex,
		CreatedBy:  ch.CreatedBy,
		CreatedAt:  s.now(),
	}
	if err := s.insert(ctx, row); err != nil {
		return nil, err
	}
	out := row.channel()
	return &out, nil
}

func (s *ChannelStore) InsertRoom(ctx context.Context, room models.Room) (*models.Room, error) {
	s.mu.RLock()
	parent, ok := s.rows[room.ParentID]
	s.mu.RUnlock()
	if !ok || parent.ParentID != "" {
		// Same outcome as the foreign key violation in Postgres.
		return nil, repository.ErrNotFound
	}

	typ := room.Type
	if typ == "" {
		typ = models.RoomText
	}
	row := channelRow{
		ID:         room.ID,
		Name:       room.Name,
		ServerID:   parent.ServerID,
		ParentID:   room.ParentID,
		Type:       typ,
		OrderIndex: room.OrderIndex,
		CreatedBy:  room.CreatedBy,
		CreatedAt:  s.now(),
	}
	if err := s.insert(ctx, row); err != nil {
		return nil, err
	}
	out := row.room()
	return &out, nil
}

func (s *ChannelStore) insert(ctx context.Context, row channelRow) error {
	s.mu.Lock()
	if _, taken := s.rows[row.ID]; taken {
		s.mu.Unlock()
		return repository.ErrConflict
	}
	s.rows[row.ID] = row
	s.mu.Unlock()

	s.changes.publish(ctx, "channels", realtime.ChangeInsert, row, nil)
	return nil
}

func (s *ChannelStore) DeleteChannel(ctx context.Context, id string) error {
	s.mu.Lock()
	var removed []channelRow
	if r, ok := s.rows[id]; ok && r.ParentID == "" {
		for rid, child := range s.rows {
			if child.ParentID == id {
				removed = append(removed, child)
				delete(s.rows, rid)
			}
		}
		removed = append(removed, r)
		delete(s.rows, id)
	}
	s.mu.Unlock()

	for _, r := range removed {
		s.changes.publish(ctx, "channels", realtime.ChangeDelete, nil, r)
	}
	return nil
}

func (s *ChannelStore) DeleteRoom(ctx context.Context, id string) error {
	s.mu.Lock()
	r, ok := s.rows[id]
	if ok && r.ParentID != "" {
		delete(s.rows, id)
	} else {
		ok = false
	}
	s.mu.Unlock()

	if ok {
		s.changes.publish(ctx, "channels", realtime.ChangeDelete, nil, r)
	}
	return nil
}
