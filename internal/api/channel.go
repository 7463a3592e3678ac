package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/yapstream/internal/directory"
	"github.com/lalith-99/yapstream/internal/middleware"
	"github.com/lalith-99/yapstream/internal/models"
	"go.uber.org/zap"
)

// ChannelHandler serves the channel/room directory.
type ChannelHandler struct {
	dir    *directory.Directory
	logger *zap.Logger
}

func NewChannelHandler(dir *directory.Directory, logger *zap.Logger) *ChannelHandler {
	return &ChannelHandler{dir: dir, logger: logger}
}

// createChannelRequest is the body for POST /v1/servers/:server/channels.
// ID is optional and overrides the slug derived from Name, usually with
// the suggested_id from an earlier 409.
type createChannelRequest struct {
	Name string `json:"name" binding:"required"`
	ID   string `json:"id"`
}

type createRoomRequest struct {
	Name string          `json:"name" binding:"required"`
	Type models.RoomType `json:"type"`
	ID   string          `json:"id"`
}

// parseSince reads the optional ?since= RFC 3339 timestamp used for
// unread counts. It writes a 400 and returns false on a bad value.
func parseSince(c *gin.Context) (time.Time, bool) {
	raw := c.Query("since")
	if raw == "" {
		return time.Time{}, true
	}
	since, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'since' parameter, expected RFC 3339"})
		return time.Time{}, false
	}
	return since, true
}

// ListChannels handles GET /v1/servers/:server/channels?since=
//
// An empty server is given the default channel first, so the sidebar
// always has somewhere to go.
func (h *ChannelHandler) ListChannels(c *gin.Context) {
	since, ok := parseSince(c)
	if !ok {
		return
	}
	serverID := c.Param("server")

	tree, err := h.dir.EnsureDefault(c.Request.Context(), serverID, middleware.GetUserID(c))
	if err == nil && !since.IsZero() {
		tree, err = h.dir.Tree(c.Request.Context(), serverID, since)
	}
	if err != nil {
		h.logger.Error("failed to list channels", zap.String("server_id", serverID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list channels"})
		return
	}
	c.JSON(http.StatusOK, tree)
}

// CreateChannel handles POST /v1/servers/:server/channels
func (h *ChannelHandler) CreateChannel(c *gin.Context) {
	var req createChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ch, err := h.dir.CreateChannel(c.Request.Context(), directory.NewChannel{
		Name:      req.Name,
		ServerID:  c.Param("server"),
		CreatedBy: middleware.GetUserID(c),
		ID:        req.ID,
	})
	if err != nil {
		h.writeError(c, err, "failed to create channel")
		return
	}
	c.JSON(http.StatusCreated, ch)
}

// DeleteChannel handles DELETE /v1/channels/:id
func (h *ChannelHandler) DeleteChannel(c *gin.Context) {
	if err := h.dir.DeleteChannel(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err, "failed to delete channel")
		return
	}
	c.Status(http.StatusNoContent)
}

// ListRooms handles GET /v1/channels/:id/rooms?since=
func (h *ChannelHandler) ListRooms(c *gin.Context) {
	since, ok := parseSince(c)
	if !ok {
		return
	}
	channelID := c.Param("id")

	var (
		rooms []models.Room
		err   error
	)
	if since.IsZero() {
		rooms, err = h.dir.ListRooms(c.Request.Context(), channelID)
	} else {
		rooms, err = h.dir.ListRoomsSince(c.Request.Context(), channelID, since)
	}
	if err != nil {
		h.logger.Error("failed to list rooms", zap.String("channel_id", channelID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list rooms"})
		return
	}
	c.JSON(http.StatusOK, rooms)
}

// CreateRoom handles POST /v1/channels/:id/rooms
func (h *ChannelHandler) CreateRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	room, err := h.dir.CreateRoom(c.Request.Context(), directory.NewRoom{
		Name:      req.Name,
		ParentID:  c.Param("id"),
		Type:      req.Type,
		CreatedBy: middleware.GetUserID(c),
		ID:        req.ID,
	})
	if err != nil {
		h.writeError(c, err, "failed to create room")
		return
	}
	c.JSON(http.StatusCreated, room)
}

// DeleteRoom handles DELETE /v1/rooms/:id
//
// Only callers with the admin claim may delete a "general" room.
func (h *ChannelHandler) DeleteRoom(c *gin.Context) {
	if err := h.dir.DeleteRoom(c.Request.Context(), c.Param("id"), middleware.IsAdmin(c)); err != nil {
		h.writeError(c, err, "failed to delete room")
		return
	}
	c.Status(http.StatusNoContent)
}

// writeError maps directory errors onto status codes. An id conflict is
// answered with a 409 carrying the next free id.
func (h *ChannelHandler) writeError(c *gin.Context, err error, failure string) {
	var conflict *directory.IDConflictError
	switch {
	case errors.As(err, &conflict):
		body := gin.H{"error": conflict.Error(), "id": conflict.ID}
		suggested, serr := h.dir.SuggestID(c.Request.Context(), conflict.ID)
		if serr != nil {
			h.logger.Warn("failed to suggest id", zap.String("id", conflict.ID), zap.Error(serr))
		} else {
			body["suggested_id"] = suggested
		}
		c.JSON(http.StatusConflict, body)
	case errors.Is(err, directory.ErrInvalidName),
		errors.Is(err, directory.ErrInvalidType),
		errors.Is(err, directory.ErrReservedID):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, directory.ErrParentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, directory.ErrProtectedRoom):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		h.logger.Error(failure, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": failure})
	}
}
