package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/yapstream/internal/models"
	"github.com/lalith-99/yapstream/internal/realtime"
	"go.uber.org/zap"
)

type MessageStore struct {
	mu       sync.RWMutex
	messages []models.Message
	changes  changes
	now      func() time.Time
	failWith error
}

func NewMessageStore(pub Publisher, logger *zap.Logger) *MessageStore {
	return &MessageStore{
		changes: newChanges(pub, logger),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// FailCreates makes Create return err without storing. nil restores normal behavior.
func (s *MessageStore) FailCreates(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

func (s *MessageStore) ListByRoom(ctx context.Context, roomID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []models.Message{}
	for _, m := range s.messages {
		if m.RoomID == roomID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MessageStore) Create(ctx context.Context, msg models.NewMessage) (*models.Message, error) {
	s.mu.Lock()
	if s.failWith != nil {
		err := s.failWith
		s.mu.Unlock()
		return nil, err
	}
	m := models.Message{
		ID:                uuid.NewString(),
		Content:           msg.Content,
		AuthorID:          msg.AuthorID,
		AuthorDisplayName: msg.AuthorDisplayName,
		AvatarURL:         msg.AvatarURL,
		RoomID:            msg.RoomID,
		CreatedAt:         s.now(),
	}
	s.messages = append(s.messages, m)
	s.mu.Unlock()

	s.changes.publish(ctx, "messages", realtime.ChangeInsert, m, nil)
	return &m, nil
}

// Update replaces a message's content. Messages are immutable through the
// API; this exists so operators (and tests) can exercise the update path.
func (s *MessageStore) Update(ctx context.Context, id, content string) (*models.Message, error) {
	s.mu.Lock()
	var updated *models.Message
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].Content = content
			m := s.messages[i]
			updated = &m
			break
		}
	}
	s.mu.Unlock()

	if updated == nil {
		return nil, nil
	}
	s.changes.publish(ctx, "messages", realtime.ChangeUpdate, *updated, nil)
	return updated, nil
}

// Delete removes a message. No-op if missing.
func (s *MessageStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	var removed *models.Message
	for i := range s.messages {
		if s.messages[i].ID == id {
			m := s.messages[i]
			removed = &m
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if removed != nil {
		s.changes.publish(ctx, "messages", realtime.ChangeDelete, nil, *removed)
	}
	return nil
}

func (s *MessageStore) CountSince(ctx context.Context, roomIDs []string, since time.Time) (map[string]int, error) {
	want := make(map[string]bool, len(roomIDs))
	for _, id := range roomIDs {
		want[id] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int)
	for _, m := range s.messages {
		if want[m.RoomID] && m.CreatedAt.After(since) {
			counts[m.RoomID]++
		}
	}
	return counts, nil
}
