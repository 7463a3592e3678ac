package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/yapstream/internal/realtime"
	"go.uber.org/zap"
)

// NotifyChannel is the LISTEN/NOTIFY channel the schema's triggers write to.
const NotifyChannel = "yapstream_changes"

// ChangePublisher receives decoded row changes. realtime.Transport satisfies it.
type ChangePublisher interface {
	PublishChange(ctx context.Context, change realtime.Change) error
}

// rowQueries load the full row for a notification. Triggers only send the
// id and the scoping column, because a whole message row can exceed the
// 8000 byte NOTIFY limit.
var rowQueries = map[string]string{
	"messages": `SELECT row_to_json(m) FROM messages m WHERE m.id = $1::uuid`,
	"channels": `SELECT row_to_json(c) FROM channels c WHERE c.id = $1`,
}

// ChangeFeed turns Postgres notifications into transport change events.
//
// It holds one pooled connection in LISTEN mode for as long as Run is
// active, and reads full rows through the rest of the pool. A dropped connection is re-acquired with exponential backoff;
// notifications sent while disconnected are lost, which live readers heal
// by refetching when their subscription comes back.
type ChangeFeed struct {
	pool   *pgxpool.Pool
	db     DBTX
	pub    ChangePublisher
	logger *zap.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewChangeFeed(pool *pgxpool.Pool, pub ChangePublisher, logger *zap.Logger) *ChangeFeed {
	return &ChangeFeed{
		pool:       pool,
		db:         pool,
		pub:        pub,
		logger:     logger.Named("changefeed"),
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
}

// Run blocks until ctx is cancelled. It only returns ctx's error.
func (f *ChangeFeed) Run(ctx context.Context) error {
	backoff := f.minBackoff
	for {
		err := f.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("change feed disconnected, retrying",
			zap.Error(err),
			zap.Duration("backoff", backoff),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > f.maxBackoff {
			backoff = f.maxBackoff
		}
	}
}

func (f *ChangeFeed) listen(ctx context.Context) error {
	pooled, err := f.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen conn: %w", err)
	}
	// A LISTENing connection must not go back to the pool in that state.
	conn := pooled.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	f.logger.Info("listening for changes", zap.String("channel", NotifyChannel))

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}

		change, err := decodeChange(n.Payload)
		if err != nil {
			f.logger.Warn("dropping malformed notification", zap.Error(err))
			continue
		}
		change, ok, err := f.hydrate(ctx, change)
		if err != nil {
			f.logger.Warn("failed to load changed row",
				zap.String("table", change.Table),
				zap.Error(err),
			)
			continue
		}
		if !ok {
			continue
		}
		if err := f.pub.PublishChange(ctx, change); err != nil && !errors.Is(err, context.Canceled) {
			f.logger.Warn("failed to publish change",
				zap.String("table", change.Table),
				zap.String("type", string(change.Type)),
				zap.Error(err),
			)
		}
	}
}

// hydrate swaps the notification's key-only record for the stored row.
// It reports false when the row is already gone; the delete that removed
// it sends its own notification.
func (f *ChangeFeed) hydrate(ctx context.Context, c realtime.Change) (realtime.Change, bool, error) {
	query, ok := rowQueries[c.Table]
	if !ok || c.Type == realtime.ChangeDelete {
		return c, true, nil
	}
	id, ok := c.Column("id")
	if !ok {
		return c, false, errors.New("notification without id")
	}

	var row []byte
	if err := f.db.QueryRow(ctx, query, id).Scan(&row); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c, false, nil
		}
		return c, false, wrap("load "+c.Table+" row", err)
	}
	c.Record = row
	return c, true, nil
}

func decodeChange(payload string) (realtime.Change, error) {
	var c realtime.Change
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return c, fmt.Errorf("decode change: %w", err)
	}
	if c.Table == "" || c.Type == "" {
		return c, errors.New("decode change: missing table or type")
	}
	return c, nil
}
