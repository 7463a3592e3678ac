// Package directory manages the channel/room hierarchy of the public chat.
//
// Parent channels belong to a server and own rooms. Ids are slugs derived
// from the name; a slug that is already taken is reported as an
// IDConflictError instead of being replaced behind the caller's back, and
// SuggestID offers a deterministic alternative. New entries are appended
// after the highest order_index in their scope and are never renumbered.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lalith-99/yapstream/internal/models"
	"github.com/lalith-99/yapstream/internal/observ"
	"github.com/lalith-99/yapstream/internal/repository"
	"go.uber.org/zap"
)

const (
	DefaultChannelName = "Yappr Channel"
	DefaultRoomName    = "General"

	protectedRoomName = "general"
	maxSuggestions    = 1000
)

var (
	ErrInvalidName    = errors.New("name must contain at least one letter or digit")
	ErrInvalidType    = errors.New("room type must be text or voice")
	ErrParentNotFound = errors.New("parent channel not found")
	ErrProtectedRoom  = errors.New("the general room cannot be deleted")
	ErrReservedID     = errors.New("ids starting with " + models.MatchChannelPrefix + " are reserved")
)

// IDConflictError means the derived id is already in use. Scope is the
// server id for channels and the parent channel id for rooms.
type IDConflictError struct {
	ID    string
	Scope string
}

func (e *IDConflictError) Error() string {
	return fmt.Sprintf("id %q already exists in %q", e.ID, e.Scope)
}

// UnreadCounter is the part of the message store used for unread counts.
type UnreadCounter interface {
	CountSince(ctx context.Context, roomIDs []string, since time.Time) (map[string]int, error)
}

type Directory struct {
	repo     repository.ChannelRepository
	messages UnreadCounter
	logger   *zap.Logger
}

// New builds a directory. messages may be nil, in which case unread
// counts are always zero.
func New(repo repository.ChannelRepository, messages UnreadCounter, logger *zap.Logger) *Directory {
	return &Directory{
		repo:     repo,
		messages: messages,
		logger:   observ.OrNop(logger).Named("directory"),
	}
}

type NewChannel struct {
	Name      string
	ServerID  string
	CreatedBy string

	// ID overrides the slug, typically with a value from SuggestID.
	ID string
}

type NewRoom struct {
	Name      string
	ParentID  string
	Type      models.RoomType
	CreatedBy string
	ID        string
}

func (d *Directory) ListChannels(ctx context.Context, serverID string) ([]models.Channel, error) {
	channels, err := d.repo.ListChannels(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	return channels, nil
}

// ListRooms returns the rooms under a channel. A missing channel has no rooms.
func (d *Directory) ListRooms(ctx context.Context, channelID string) ([]models.Room, error) {
	rooms, err := d.repo.ListRooms(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}

// ListRoomsSince is ListRooms with UnreadCount set to the number of
// messages created after since.
func (d *Directory) ListRoomsSince(ctx context.Context, channelID string, since time.Time) ([]models.Room, error) {
	rooms, err := d.ListRooms(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if err := d.fillUnread(ctx, rooms, since); err != nil {
		return nil, err
	}
	return rooms, nil
}

// Tree returns every channel of a server with its rooms. A zero since
// skips unread counting.
func (d *Directory) Tree(ctx context.Context, serverID string, since time.Time) ([]models.ChannelWithRooms, error) {
	channels, err := d.ListChannels(ctx, serverID)
	if err != nil {
		return nil, err
	}
	out := make([]models.ChannelWithRooms, 0, len(channels))
	var all []models.Room
	for _, ch := range channels {
		rooms, err := d.ListRooms(ctx, ch.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, models.ChannelWithRooms{Channel: ch, Rooms: rooms})
		all = append(all, rooms...)
	}
	if since.IsZero() || len(all) == 0 {
		return out, nil
	}

	if err := d.fillUnread(ctx, all, since); err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(all))
	for _, r := range all {
		counts[r.ID] = r.UnreadCount
	}
	for i := range out {
		for j := range out[i].Rooms {
			out[i].Rooms[j].UnreadCount = counts[out[i].Rooms[j].ID]
		}
	}
	return out, nil
}

func (d *Directory) fillUnread(ctx context.Context, rooms []models.Room, since time.Time) error {
	if d.messages == nil || since.IsZero() || len(rooms) == 0 {
		return nil
	}
	ids := make([]string, len(rooms))
	for i, r := range rooms {
		ids[i] = r.ID
	}
	counts, err := d.messages.CountSince(ctx, ids, since)
	if err != nil {
		return fmt.Errorf("count unread: %w", err)
	}
	for i := range rooms {
		rooms[i].UnreadCount = counts[rooms[i].ID]
	}
	return nil
}

// CreateChannel adds a parent channel at the end of the server's list.
func (d *Directory) CreateChannel(ctx context.Context, in NewChannel) (*models.Channel, error) {
	name := strings.TrimSpace(in.Name)
	id, err := pickID(in.ID, name)
	if err != nil {
		return nil, err
	}

	exists, err := d.repo.ChannelExists(ctx, in.ServerID, id)
	if err != nil {
		return nil, fmt.Errorf("check channel id: %w", err)
	}
	if exists {
		return nil, &IDConflictError{ID: id, Scope: in.ServerID}
	}

	top, ok, err := d.repo.MaxChannelOrder(ctx, in.ServerID)
	if err != nil {
		return nil, fmt.Errorf("next channel order: %w", err)
	}

	ch, err := d.repo.InsertChannel(ctx, models.Channel{
		ID:         id,
		Name:       name,
		ServerID:   in.ServerID,
		OrderIndex: nextOrder(top, ok),
		CreatedBy:  in.CreatedBy,
	})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, &IDConflictError{ID: id, Scope: in.ServerID}
		}
		return nil, fmt.Errorf("create channel: %w", err)
	}

	d.logger.Info("channel created",
		zap.String("channel_id", ch.ID),
		zap.String("server_id", ch.ServerID),
		zap.Int("order_index", ch.OrderIndex),
	)
	return ch, nil
}

// CreateRoom adds a room at the end of its parent's list.
func (d *Directory) CreateRoom(ctx context.Context, in NewRoom) (*models.Room, error) {
	switch in.Type {
	case "":
		in.Type = models.RoomText
	case models.RoomText, models.RoomVoice:
	default:
		return nil, ErrInvalidType
	}

	name := strings.TrimSpace(in.Name)
	id, err := pickID(in.ID, name)
	if err != nil {
		return nil, err
	}

	parent, err := d.repo.GetChannel(ctx, in.ParentID)
	if err != nil {
		return nil, fmt.Errorf("get parent channel: %w", err)
	}
	if parent == nil {
		return nil, ErrParentNotFound
	}

	exists, err := d.repo.RoomExists(ctx, in.ParentID, id)
	if err != nil {
		return nil, fmt.Errorf("check room id: %w", err)
	}
	if exists {
		return nil, &IDConflictError{ID: id, Scope: in.ParentID}
	}

	top, ok, err := d.repo.MaxRoomOrder(ctx, in.ParentID)
	if err != nil {
		return nil, fmt.Errorf("next room order: %w", err)
	}

	room, err := d.repo.InsertRoom(ctx, models.Room{
		ID:         id,
		Name:       name,
		ParentID:   in.ParentID,
		ServerID:   parent.ServerID,
		Type:       in.Type,
		OrderIndex: nextOrder(top, ok),
		CreatedBy:  in.CreatedBy,
	})
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrConflict):
		return nil, &IDConflictError{ID: id, Scope: in.ParentID}
	case errors.Is(err, repository.ErrNotFound):
		// Parent deleted between the check and the insert.
		return nil, ErrParentNotFound
	default:
		return nil, fmt.Errorf("create room: %w", err)
	}

	d.logger.Info("room created",
		zap.String("room_id", room.ID),
		zap.String("parent_id", room.ParentID),
		zap.Int("order_index", room.OrderIndex),
	)
	return room, nil
}

// DeleteChannel removes a channel and all of its rooms. Deleting a
// missing channel succeeds.
func (d *Directory) DeleteChannel(ctx context.Context, id string) error {
	if err := d.repo.DeleteChannel(ctx, id); err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	d.logger.Info("channel deleted", zap.String("channel_id", id))
	return nil
}

// DeleteRoom removes a room. Unless privileged, a room named "general"
// (any case) is refused with ErrProtectedRoom.
func (d *Directory) DeleteRoom(ctx context.Context, id string, privileged bool) error {
	room, err := d.repo.GetRoom(ctx, id)
	if err != nil {
		return fmt.Errorf("get room: %w", err)
	}
	if room == nil {
		return nil
	}
	if !privileged && strings.EqualFold(strings.TrimSpace(room.Name), protectedRoomName) {
		return ErrProtectedRoom
	}
	if err := d.repo.DeleteRoom(ctx, id); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	d.logger.Info("room deleted", zap.String("room_id", id))
	return nil
}

// SuggestID returns the first of base-2, base-3, ... not used by any
// channel or room. Ids share one namespace in storage, so the check is
// global rather than per scope.
func (d *Directory) SuggestID(ctx context.Context, base string) (string, error) {
	base = Slugify(base)
	if base == "" {
		return "", ErrInvalidName
	}
	for n := 2; n < maxSuggestions; n++ {
		suffix := fmt.Sprintf("-%d", n)
		candidate := truncate(base, maxIDLen-len(suffix)) + suffix

		taken, err := d.taken(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("suggest id for %q: no free suffix", base)
}

func (d *Directory) taken(ctx context.Context, id string) (bool, error) {
	ch, err := d.repo.GetChannel(ctx, id)
	if err != nil {
		return false, fmt.Errorf("get channel: %w", err)
	}
	if ch != nil {
		return true, nil
	}
	room, err := d.repo.GetRoom(ctx, id)
	if err != nil {
		return false, fmt.Errorf("get room: %w", err)
	}
	return room != nil, nil
}

// EnsureDefault gives an empty server the "Yappr Channel" channel with a
// "General" room, then returns the server's tree. Servers that already
// have channels are left alone.
func (d *Directory) EnsureDefault(ctx context.Context, serverID, createdBy string) ([]models.ChannelWithRooms, error) {
	channels, err := d.ListChannels(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if len(channels) > 0 {
		return d.Tree(ctx, serverID, time.Time{})
	}

	var conflict *IDConflictError
	ch, err := d.CreateChannel(ctx, NewChannel{Name: DefaultChannelName, ServerID: serverID, CreatedBy: createdBy})
	switch {
	case errors.As(err, &conflict):
		// A concurrent bootstrap got there first.
		return d.Tree(ctx, serverID, time.Time{})
	case err != nil:
		return nil, fmt.Errorf("create default channel: %w", err)
	}

	_, err = d.CreateRoom(ctx, NewRoom{Name: DefaultRoomName, ParentID: ch.ID, Type: models.RoomText, CreatedBy: createdBy})
	if err != nil && !errors.As(err, &conflict) {
		return nil, fmt.Errorf("create default room: %w", err)
	}
	d.logger.Info("bootstrapped default channel", zap.String("server_id", serverID))
	return d.Tree(ctx, serverID, time.Time{})
}

func pickID(explicit, name string) (string, error) {
	if name == "" {
		return "", ErrInvalidName
	}
	id := Slugify(name)
	if explicit != "" {
		id = Slugify(explicit)
	}
	if id == "" {
		return "", ErrInvalidName
	}
	if models.IsMatchChannel(id) {
		return "", ErrReservedID
	}
	return id, nil
}

func nextOrder(top int, ok bool) int {
	if !ok {
		return 0
	}
	return top + 1
}
