package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/lalith-99/yapstream/internal/models"
)

type ProfileStore struct {
	db DBTX
}

func NewProfileStore(db DBTX) *ProfileStore {
	return &ProfileStore{db: db}
}

const profileColumns = `id::text, username, COALESCE(display_name, ''), email, password_hash, created_at`

func scanProfile(row pgx.Row) (*models.Profile, error) {
	var p models.Profile
	err := row.Scan(
		&p.ID,
		&p.Username,
		&p.DisplayName,
		&p.Email,
		&p.PasswordHash,
		&p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Create inserts a new profile row. Postgres generates the UUID and timestamp.
// The unique index on lower(email) turns a duplicate signup into ErrConflict.
func (s *ProfileStore) Create(ctx context.Context, username, displayName, email, passwordHash string) (*models.Profile, error) {
	query := `
		INSERT INTO profiles (username, display_name, email, password_hash, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, now())
		RETURNING ` + profileColumns

	p, err := scanProfile(s.db.QueryRow(ctx, query, username, displayName, email, passwordHash))
	if err != nil {
		return nil, wrap("insert profile", err)
	}
	return p, nil
}

func (s *ProfileStore) GetByID(ctx context.Context, id string) (*models.Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM profiles WHERE id::text = $1`

	p, err := scanProfile(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrap("get profile", err)
	}
	return p, nil
}

// GetByEmail looks up a profile for login: you type your email, we find you.
func (s *ProfileStore) GetByEmail(ctx context.Context, email string) (*models.Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM profiles WHERE lower(email) = lower($1)`

	p, err := scanProfile(s.db.QueryRow(ctx, query, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrap("get profile by email", err)
	}
	return p, nil
}
