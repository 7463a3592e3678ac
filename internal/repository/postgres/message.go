package postgres

import (
	"context"
	"time"

	"github.com/lalith-99/yapstream/internal/models"
)

type MessageStore struct {
	db DBTX
}

func NewMessageStore(db DBTX) *MessageStore {
	return &MessageStore{db: db}
}

func (s *MessageStore) Create(ctx context.Context, msg models.NewMessage) (*models.Message, error) {
	// Postgres generates the id and timestamp. RETURNING gives them back,
	// and the notify trigger fans the same row out to live subscribers.
	query := `
		INSERT INTO messages (content, user_id, username, avatar_url, channel_id, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, now())
		RETURNING id::text, content, user_id, username, COALESCE(avatar_url, ''), channel_id, created_at`

	var m models.Message
	err := s.db.QueryRow(ctx, query, msg.Content, msg.AuthorID, msg.AuthorDisplayName, msg.AvatarURL, msg.RoomID).Scan(
		&m.ID,
		&m.Content,
		&m.AuthorID,
		&m.AuthorDisplayName,
		&m.AvatarURL,
		&m.RoomID,
		&m.CreatedAt,
	)
	if err != nil {
		return nil, wrap("insert message", err)
	}
	return &m, nil
}

func (s *MessageStore) ListByRoom(ctx context.Context, roomID string) ([]models.Message, error) {
	// id breaks ties between messages committed in the same microsecond,
	// so every reader sees the same order.
	query := `
		SELECT id::text, content, user_id, username, COALESCE(avatar_url, ''), channel_id, created_at
		FROM messages
		WHERE channel_id = $1
		ORDER BY created_at ASC, id ASC`

	rows, err := s.db.Query(ctx, query, roomID)
	if err != nil {
		return nil, wrap("list messages", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(
			&m.ID,
			&m.Content,
			&m.AuthorID,
			&m.AuthorDisplayName,
			&m.AvatarURL,
			&m.RoomID,
			&m.CreatedAt,
		); err != nil {
			return nil, wrap("scan message", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate messages", err)
	}
	return messages, nil
}

func (s *MessageStore) CountSince(ctx context.Context, roomIDs []string, since time.Time) (map[string]int, error) {
	counts := make(map[string]int)
	if len(roomIDs) == 0 {
		return counts, nil
	}

	query := `
		SELECT channel_id, count(*)
		FROM messages
		WHERE channel_id = ANY($1) AND created_at > $2
		GROUP BY channel_id`

	rows, err := s.db.Query(ctx, query, roomIDs, since)
	if err != nil {
		return nil, wrap("count messages", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			roomID string
			n      int
		)
		if err := rows.Scan(&roomID, &n); err != nil {
			return nil, wrap("scan count", err)
		}
		counts[roomID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate counts", err)
	}
	return counts, nil
}
