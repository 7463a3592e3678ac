package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lalith-99/yapstream/internal/repository"
)

// DBTX is the subset of *pgxpool.Pool the stores use. Taking the interface
// lets tests hand in a pgxmock pool, and lets callers pass a pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres SQLSTATE codes we translate into repository sentinels.
const (
	codeUndefinedTable   = "42P01"
	codeUniqueViolation  = "23505"
	codeForeignKeyFailed = "23503"
)

// wrap annotates err with op and, when Postgres reported a code we care
// about, the matching repository sentinel. Both stay reachable via errors.Is.
func wrap(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUndefinedTable:
			return fmt.Errorf("%s: %w: %w", op, repository.ErrSchemaMissing, err)
		case codeUniqueViolation:
			return fmt.Errorf("%s: %w: %w", op, repository.ErrConflict, err)
		case codeForeignKeyFailed:
			return fmt.Errorf("%s: %w: %w", op, repository.ErrNotFound, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
