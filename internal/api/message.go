package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/yapstream/internal/middleware"
	"github.com/lalith-99/yapstream/internal/models"
	"github.com/lalith-99/yapstream/internal/observ"
	"github.com/lalith-99/yapstream/internal/repository"
	"go.uber.org/zap"
)

type MessageHandler struct {
	repo    repository.MessageRepository
	access  RoomAccess
	metrics *observ.Metrics
	logger  *zap.Logger
}

func NewMessageHandler(repo repository.MessageRepository, access RoomAccess, metrics *observ.Metrics, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{repo: repo, access: access, metrics: metrics, logger: logger}
}

type createMessageRequest struct {
	Content   string `json:"content" binding:"required,max=4000"`
	AvatarURL string `json:"avatar_url"`
}

// Create handles POST /v1/rooms/:id/messages
func (h *MessageHandler) Create(c *gin.Context) {
	var req createMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is empty"})
		return
	}

	roomID := c.Param("id")
	if !h.access.require(c, roomID, h.logger) {
		return
	}

	self := middleware.GetParticipant(c)
	msg, err := h.repo.Create(c.Request.Context(), models.NewMessage{
		Content:           content,
		AuthorID:          self.ID,
		AuthorDisplayName: self.DisplayName,
		AvatarURL:         req.AvatarURL,
		RoomID:            roomID,
	})
	if err != nil {
		h.metrics.MessagesSent.WithLabelValues("error").Inc()
		h.logger.Error("failed to create message", zap.String("room_id", roomID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create message"})
		return
	}
	h.metrics.MessagesSent.WithLabelValues("ok").Inc()
	c.JSON(http.StatusCreated, msg)
}

// List handles GET /v1/rooms/:id/messages
//
// The whole history is returned oldest first, the same list a live
// session starts from.
func (h *MessageHandler) List(c *gin.Context) {
	roomID := c.Param("id")
	if !h.access.require(c, roomID, h.logger) {
		return
	}

	messages, err := h.repo.ListByRoom(c.Request.Context(), roomID)
	if err != nil {
		h.logger.Error("failed to list messages", zap.String("room_id", roomID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}
	c.JSON(http.StatusOK, messages)
}
