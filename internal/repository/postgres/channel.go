package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/lalith-99/yapstream/internal/models"
	"github.com/lalith-99/yapstream/internal/repository"
)

// ChannelStore keeps parent channels and rooms in one channels table.
// A parent has parent_id NULL and type 'category'; a room points at its
// parent, and ON DELETE CASCADE removes rooms with their parent.
type ChannelStore struct {
	db DBTX
}

func NewChannelStore(db DBTX) *ChannelStore {
	return &ChannelStore{db: db}
}

func (s *ChannelStore) ListChannels(ctx context.Context, serverID string) ([]models.Channel, error) {
	query := `
		SELECT id, name, server_id, order_index, COALESCE(created_by, ''), created_at
		FROM channels
		WHERE server_id = $1 AND parent_id IS NULL
		ORDER BY order_index ASC, created_at ASC`

	rows, err := s.db.Query(ctx, query, serverID)
	if err != nil {
		return nil, wrap("list channels", err)
	}
	defer rows.Close()

	channels := make([]models.Channel, 0)
	for rows.Next() {
		var ch models.Channel
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.ServerID, &ch.OrderIndex, &ch.CreatedBy, &ch.CreatedAt); err != nil {
			return nil, wrap("scan channel", err)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate channels", err)
	}
	return channels, nil
}

const roomColumns = `id, name, parent_id, server_id, type, order_index, COALESCE(created_by, ''), created_at`

func scanRoom(row pgx.Row) (*models.Room, error) {
	var r models.Room
	if err := row.Scan(&r.ID, &r.Name, &r.ParentID, &r.ServerID, &r.Type, &r.OrderIndex, &r.CreatedBy, &r.CreatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *ChannelStore) ListRooms(ctx context.Context, channelID string) ([]models.Room, error) {
	query := `
		SELECT ` + roomColumns + `
		FROM channels
		WHERE parent_id = $1
		ORDER BY order_index ASC, created_at ASC`

	rows, err := s.db.Query(ctx, query, channelID)
	if err != nil {
		return nil, wrap("list rooms", err)
	}
	defer rows.Close()

	rooms := make([]models.Room, 0)
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, wrap("scan room", err)
		}
		rooms = append(rooms, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate rooms", err)
	}
	return rooms, nil
}

func (s *ChannelStore) GetChannel(ctx context.Context, id string) (*models.Channel, error) {
	query := `
		SELECT id, name, server_id, order_index, COALESCE(created_by, ''), created_at
		FROM channels
		WHERE id = $1 AND parent_id IS NULL`

	var ch models.Channel
	err := s.db.QueryRow(ctx, query, id).Scan(&ch.ID, &ch.Name, &ch.ServerID, &ch.OrderIndex, &ch.CreatedBy, &ch.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrap("get channel", err)
	}
	return &ch, nil
}

func (s *ChannelStore) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	query := `SELECT ` + roomColumns + ` FROM channels WHERE id = $1 AND parent_id IS NOT NULL`

	r, err := scanRoom(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrap("get room", err)
	}
	return r, nil
}

func (s *ChannelStore) ChannelExists(ctx context.Context, serverID, id string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM channels WHERE id = $1 AND server_id = $2 AND parent_id IS NULL)`
	var exists bool
	if err := s.db.QueryRow(ctx, query, id, serverID).Scan(&exists); err != nil {
		return false, wrap("check channel", err)
	}
	return exists, nil
}

func (s *ChannelStore) RoomExists(ctx context.Context, parentID, id string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM channels WHERE id = $1 AND parent_id = $2)`
	var exists bool
	if err := s.db.QueryRow(ctx, query, id, parentID).Scan(&exists); err != nil {
		return false, wrap("check room", err)
	}
	return exists, nil
}

func (s *ChannelStore) MaxChannelOrder(ctx context.Context, serverID string) (int, bool, error) {
	query := `
		SELECT COALESCE(max(order_index), 0), count(*) > 0
		FROM channels
		WHERE server_id = $1 AND parent_id IS NULL`
	return s.maxOrder(ctx, "max channel order", query, serverID)
}

func (s *ChannelStore) MaxRoomOrder(ctx context.Context, parentID string) (int, bool, error) {
	query := `
		SELECT COALESCE(max(order_index), 0), count(*) > 0
		FROM channels
		WHERE parent_id = $1`
	return s.maxOrder(ctx, "max room order", query, parentID)
}

func (s *ChannelStore) maxOrder(ctx context.Context, op, query string, arg string) (int, bool, error) {
	var (
		max int
		ok  bool
	)
	if err := s.db.QueryRow(ctx, query, arg).Scan(&max, &ok); err != nil {
		return 0, false, wrap(op, err)
	}
	return max, ok, nil
}

func (s *ChannelStore) InsertChannel(ctx context.Context, ch models.Channel) (*models.Channel, error) {
	query := `
		INSERT INTO channels (id, name, server_id, parent_id, type, order_index, created_by, created_at)
		VALUES ($1, $2, $3, NULL, 'category', $4, NULLIF($5, ''), now())
		RETURNING created_at`

	out := ch
	if err := s.db.QueryRow(ctx, query, ch.ID, ch.Name, ch.ServerID, ch.OrderIndex, ch.CreatedBy).Scan(&out.CreatedAt); err != nil {
		return nil, wrap("insert channel", err)
	}
	return &out, nil
}

func (s *ChannelStore) InsertRoom(ctx context.Context, room models.Room) (*models.Room, error) {
	// The room inherits server_id from its parent. No parent row means no
	// insert, which surfaces as ErrNoRows.
	query := `
		INSERT INTO channels (id, name, server_id, parent_id, type, order_index, created_by, created_at)
		SELECT $1, $2, p.server_id, p.id, $3, $4, NULLIF($5, ''), now()
		FROM channels p
		WHERE p.id = $6 AND p.parent_id IS NULL
		RETURNING server_id, created_at`

	out := room
	if out.Type == "" {
		out.Type = models.RoomText
	}
	err := s.db.QueryRow(ctx, query, out.ID, out.Name, string(out.Type), out.OrderIndex, out.CreatedBy, out.ParentID).
		Scan(&out.ServerID, &out.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, wrap("insert room", err)
	}
	return &out, nil
}

func (s *ChannelStore) DeleteChannel(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM channels WHERE id = $1 AND parent_id IS NULL`, id); err != nil {
		return wrap("delete channel", err)
	}
	return nil
}

func (s *ChannelStore) DeleteRoom(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM channels WHERE id = $1 AND parent_id IS NOT NULL`, id); err != nil {
		return wrap("delete room", err)
	}
	return nil
}
