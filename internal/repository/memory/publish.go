// Package memory holds process-local implementations of the repository
// interfaces. They back STORE=memory and the tests, and publish the same row
// changes the Postgres triggers would, so live views behave identically.
package memory

import (
	"context"
	"encoding/json"

	"github.com/lalith-99/yapstream/internal/realtime"
	"github.com/lalith-99/yapstream/internal/repository"
	"go.uber.org/zap"
)

var (
	_ repository.MessageRepository = (*MessageStore)(nil)
	_ repository.MatchRepository   = (*MatchStore)(nil)
	_ repository.ChannelRepository = (*ChannelStore)(nil)
	_ repository.ProfileRepository = (*ProfileStore)(nil)
)

// Publisher receives row changes after a successful write.
// realtime.Transport satisfies it.
type Publisher interface {
	PublishChange(ctx context.Context, change realtime.Change) error
}

type changes struct {
	pub    Publisher
	logger *zap.Logger
}

func newChanges(pub Publisher, logger *zap.Logger) changes {
	if logger == nil {
		logger = zap.NewNop()
	}
	return changes{pub: pub, logger: logger}
}

// publish never fails the write it follows; a lost change is healed by the
// reader's resync.
func (c changes) publish(ctx context.Context, table string, typ realtime.ChangeType, record, old any) {
	if c.pub == nil {
		return
	}
	change := realtime.Change{Table: table, Type: typ}
	if record != nil {
		change.Record, _ = json.Marshal(record)
	}
	if old != nil {
		change.OldRecord, _ = json.Marshal(old)
	}
	if err := c.pub.PublishChange(ctx, change); err != nil {
		c.logger.Warn("failed to publish change",
			zap.String("table", table),
			zap.String("type", string(typ)),
			zap.Error(err),
		)
	}
}
