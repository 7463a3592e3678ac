package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/yapstream/internal/middleware"

	"github.com/lalith-99/yapstream/internal/matching"
	"github.com/lalith-99/yapstream/internal/models"
	"github.com/lalith-99/yapstream/internal/repository"
	"go.uber.org/zap"
)

// RoomAccess decides who may read and write a room. Directory rooms are
// open to every signed-in user; a match room only to the two people in
// the match while it is active.
type RoomAccess struct {
	channels repository.ChannelRepository
	matches  *matching.Store
}

func NewRoomAccess(channels repository.ChannelRepository, matches *matching.Store) RoomAccess {
	return RoomAccess{channels: channels, matches: matches}
}

func (a RoomAccess) Allowed(ctx context.Context, roomID, userID string) (bool, error) {
	if models.IsMatchChannel(roomID) {
		m, err := a.matches.GetActiveMatch(ctx, userID)
		if err != nil {
			return false, fmt.Errorf("get active match: %w", err)
		}
		return m != nil && m.ChannelID == roomID, nil
	}

	room, err := a.channels.GetRoom(ctx, roomID)
	if err != nil {
		return false, fmt.Errorf("get room: %w", err)
	}
	return room != nil, nil
}

// require writes the error response and returns false when the caller
// may not use the room. Rooms the caller cannot see are reported as 404.
func (a RoomAccess) require(c *gin.Context, roomID string, logger *zap.Logger) bool {
	ok, err := a.Allowed(c.Request.Context(), roomID, middleware.GetUserID(c))
	if err != nil {
		logger.Error("failed to check room access", zap.String("room_id", roomID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check room"})
		return false
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return false
	}
	return true
}
