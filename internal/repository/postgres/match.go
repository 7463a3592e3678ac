package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lalith-99/yapstream/internal/models"
)

type MatchStore struct {
	db DBTX
}

func NewMatchStore(db DBTX) *MatchStore {
	return &MatchStore{db: db}
}

const matchColumns = `id::text, user1_id, user2_id, channel_id, status, created_at`

func scanMatch(row pgx.Row) (*models.Match, error) {
	var m models.Match
	err := row.Scan(&m.ID, &m.UserAID, &m.UserBID, &m.ChannelID, &m.Status, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *MatchStore) FindActiveByPair(ctx context.Context, a, b string) (*models.Match, error) {
	// LEAST/GREATEST makes the lookup order-insensitive and lines up with
	// the matches_active_pair partial unique index.
	lo, hi := models.SortedPair(a, b)
	query := `
		SELECT ` + matchColumns + `
		FROM matches
		WHERE status = 'active'
		  AND LEAST(user1_id, user2_id) = $1
		  AND GREATEST(user1_id, user2_id) = $2
		LIMIT 1`

	m, err := scanMatch(s.db.QueryRow(ctx, query, lo, hi))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrap("find active match", err)
	}
	return m, nil
}

func (s *MatchStore) FindActiveByUser(ctx context.Context, userID string) (*models.Match, error) {
	query := `
		SELECT ` + matchColumns + `
		FROM matches
		WHERE status = 'active' AND (user1_id = $1 OR user2_id = $1)
		ORDER BY created_at DESC
		LIMIT 1`

	m, err := scanMatch(s.db.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrap("find user match", err)
	}
	return m, nil
}

func (s *MatchStore) Create(ctx context.Context, a, b, channelID string) (*models.Match, error) {
	query := `
		INSERT INTO matches (user1_id, user2_id, channel_id, status, created_at)
		VALUES ($1, $2, $3, 'active', now())
		RETURNING ` + matchColumns

	m, err := scanMatch(s.db.QueryRow(ctx, query, a, b, channelID))
	if err != nil {
		return nil, wrap("insert match", err)
	}
	return m, nil
}

func (s *MatchStore) MarkEnded(ctx context.Context, matchID string) error {
	// Ephemeral matches use the channel id as their id. They never reach
	// this table, and comparing them against a uuid column would fail.
	if _, err := uuid.Parse(matchID); err != nil {
		return nil
	}

	query := `UPDATE matches SET status = 'ended' WHERE id = $1 AND status = 'active'`
	if _, err := s.db.Exec(ctx, query, matchID); err != nil {
		return wrap("end match", err)
	}
	return nil
}
