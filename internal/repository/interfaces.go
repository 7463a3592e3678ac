package repository

import (
	"context"
	"errors"
	"time"

	"github.com/lalith-99/yapstream/internal/models"
)

// Every method takes ctx first: anything that touches the network takes ctx,
// so a disconnected client cancels its queries.

var (
	// ErrNotFound is returned by mutations that target a missing row.
	// Lookups return nil, nil instead.
	ErrNotFound = errors.New("not found")

	// ErrConflict means a uniqueness constraint rejected the write.
	ErrConflict = errors.New("conflict")

	// ErrSchemaMissing means the backing table does not exist.
	// The match store treats this as "durable backing unavailable" and
	// switches to its in-process fallback for good.
	ErrSchemaMissing = errors.New("schema not provisioned")
)

// MessageRepository handles chat message persistence.
type MessageRepository interface {
	// ListByRoom returns every message in a room ordered by created_at, id ascending.
	// Returns empty slice (not nil) so JSON serializes to [] not null.
	ListByRoom(ctx context.Context, roomID string) ([]models.Message, error)

	// Create persists a message and returns it with ID and CreatedAt populated.
	Create(ctx context.Context, msg models.NewMessage) (*models.Message, error)

	// CountSince returns, per room, how many messages were created after since.
	// Rooms with no such messages are absent from the map.
	CountSince(ctx context.Context, roomIDs []string, since time.Time) (map[string]int, error)
}

// MatchRepository is the durable side of the match lifecycle.
type MatchRepository interface {
	// FindActiveByPair returns the active match for the unordered pair, or nil, nil.
	FindActiveByPair(ctx context.Context, a, b string) (*models.Match, error)

	// FindActiveByUser returns the newest active match involving userID, or nil, nil.
	FindActiveByUser(ctx context.Context, userID string) (*models.Match, error)

	// Create inserts an active match. Returns ErrConflict if the pair already
	// has an active match.
	Create(ctx context.Context, a, b, channelID string) (*models.Match, error)

	// MarkEnded flips status to ended. Missing or already-ended matches are not an error.
	MarkEnded(ctx context.Context, matchID string) error
}

// ChannelRepository is the directory's storage: parent channels and their rooms.
type ChannelRepository interface {
	// ListChannels returns parent channels for a server, ordered by order_index, created_at.
	ListChannels(ctx context.Context, serverID string) ([]models.Channel, error)

	// ListRooms returns the rooms under a channel, ordered by order_index, created_at.
	ListRooms(ctx context.Context, channelID string) ([]models.Room, error)

	// GetChannel returns a parent channel, or nil, nil.
	GetChannel(ctx context.Context, id string) (*models.Channel, error)

	// GetRoom returns a room, or nil, nil.
	GetRoom(ctx context.Context, id string) (*models.Room, error)

	// ChannelExists reports whether a parent channel with this id exists on the server.
	ChannelExists(ctx context.Context, serverID, id string) (bool, error)

	// RoomExists reports whether a room with this id exists under the parent.
	RoomExists(ctx context.Context, parentID, id string) (bool, error)

	// MaxChannelOrder returns the highest order_index among the server's channels.
	// ok is false when the server has no channels.
	MaxChannelOrder(ctx context.Context, serverID string) (max int, ok bool, err error)

	// MaxRoomOrder is MaxChannelOrder for rooms under a parent.
	MaxRoomOrder(ctx context.Context, parentID string) (max int, ok bool, err error)

	// InsertChannel stores a channel. Returns ErrConflict if the id is taken.
	InsertChannel(ctx context.Context, ch models.Channel) (*models.Channel, error)

	// InsertRoom stores a room. Returns ErrConflict if the id is taken.
	InsertRoom(ctx context.Context, room models.Room) (*models.Room, error)

	// DeleteChannel removes a channel and every room under it. No-op if missing.
	DeleteChannel(ctx context.Context, id string) error

	// DeleteRoom removes a room. No-op if missing.
	DeleteRoom(ctx context.Context, id string) error
}

// ProfileRepository handles user profiles for the built-in identity provider.
type ProfileRepository interface {
	// Create inserts a profile. Returns ErrConflict if the email is taken.
	Create(ctx context.Context, username, displayName, email, passwordHash string) (*models.Profile, error)

	// GetByID returns a profile, or nil, nil.
	GetByID(ctx context.Context, id string) (*models.Profile, error)

	// GetByEmail looks up a profile for login, or nil, nil.
	GetByEmail(ctx context.Context, email string) (*models.Profile, error)
}
