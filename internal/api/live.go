package api

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/yapstream/internal/chat"
	"github.com/lalith-99/yapstream/internal/matching"
	"github.com/lalith-99/yapstream/internal/middleware"
	"github.com/lalith-99/yapstream/internal/models"
	"github.com/lalith-99/yapstream/internal/observ"
	"github.com/lalith-99/yapstream/internal/realtime"
	"github.com/lalith-99/yapstream/internal/stream"
	"go.uber.org/zap"
)

const sessionCloseTimeout = 5 * time.Second

// LiveHandler serves GET /v1/rooms/:id/ws, one chat.Session per socket.
type LiveHandler struct {
	transport realtime.Transport
	messages  stream.Store
	access    RoomAccess
	metrics   *observ.Metrics
	opts      []chat.Option
	logger    *zap.Logger

	// departures ends a match when a participant leaves its room for good.
	departures *matching.Departures
}

func NewLiveHandler(
	transport realtime.Transport,
	messages stream.Store,
	access RoomAccess,
	departures *matching.Departures,
	metrics *observ.Metrics,
	logger *zap.Logger,
	opts ...chat.Option,
) *LiveHandler {
	return &LiveHandler{
		transport:  transport,
		messages:   messages,
		access:     access,
		metrics:    metrics,
		opts:       append(opts, chat.WithMetrics(metrics)),
		logger:     logger,
		departures: departures,
	}
}

type roomSnapshot struct {
	RoomID    string                 `json:"room_id"`
	Messages  []models.Message       `json:"messages"`
	Online    []models.PresenceEntry `json:"online"`
	Typing    []models.TypingUser    `json:"typing"`
	Connected bool                   `json:"connected"`
}

type roomStatus struct {
	Connected bool `json:"connected"`
}

// Room handles GET /v1/rooms/:id/ws
//
// The socket opens with a "snapshot" frame. After that the server pushes
// "messages", "presence" or "typing" with the full current list whenever
// that part changes, and "status" when the live feeds drop or recover.
// Clients send "send", "typing", "stop_typing" and "refresh".
func (h *LiveHandler) Room(c *gin.Context) {
	roomID := c.Param("id")
	self := middleware.GetParticipant(c)
	logger := h.logger.With(zap.String("room_id", roomID), zap.String("user_id", self.ID))

	if !h.access.require(c, roomID, logger) {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	ws := newWSConn(c.Request.Context(), conn, logger)

	sess, err := chat.Open(ws.ctx, h.transport, h.messages, roomID, self, logger, h.opts...)
	if err != nil {
		logger.Error("failed to open room session", zap.Error(err))
		ws.start(func(wsRequest) {})
		ws.sendError("failed to open room")
		ws.close()
		return
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), sessionCloseTimeout)
		defer cancel()
		if err := sess.Close(ctx); err != nil {
			logger.Warn("failed to close room session", zap.Error(err))
		}
	}()
	defer ws.close()

	h.metrics.LiveSessions.Inc()
	defer h.metrics.LiveSessions.Dec()

	if h.departures != nil && models.IsMatchChannel(roomID) {
		h.departures.Arrived(roomID, self.ID)
		defer h.departures.Left(roomID, self.ID)
	}

	ws.start(func(req wsRequest) { h.handle(ws, sess, self.ID, req, logger) })

	sess.Pending()
	connected := sess.Connected()
	ws.enqueue(wsFrame{Type: frameSnapshot, Payload: roomSnapshot{
		RoomID:    roomID,
		Messages:  sess.Messages(),
		Online:    sess.Online(),
		Typing:    sess.Typing(),
		Connected: connected,
	}})

	for {
		select {
		case <-ws.Done():
			return
		case <-sess.Updates():
			parts := sess.Pending()
			if parts.Has(chat.PartMessages) {
				ws.enqueue(wsFrame{Type: frameMessages, Payload: sess.Messages()})
			}
			if parts.Has(chat.PartPresence) {
				ws.enqueue(wsFrame{Type: framePresence, Payload: sess.Online()})
			}
			if parts.Has(chat.PartTyping) {
				ws.enqueue(wsFrame{Type: frameTyping, Payload: sess.Typing()})
			}
			if now := sess.Connected(); now != connected {
				connected = now
				ws.enqueue(wsFrame{Type: frameStatus, Payload: roomStatus{Connected: now}})
			}
		}
	}
}

func (h *LiveHandler) handle(ws *wsConn, sess *chat.Session, userID string, req wsRequest, logger *zap.Logger) {
	switch req.Type {
	case inSend:
		// A match room stays writable only while the match is active.
		if models.IsMatchChannel(sess.RoomID()) {
			ok, err := h.access.Allowed(ws.ctx, sess.RoomID(), userID)
			if err != nil || !ok {
				ws.enqueue(wsFrame{Type: frameError, Error: "match has ended", Draft: req.Content})
				return
			}
		}
		msg, err := sess.Send(ws.ctx, req.Content)
		switch {
		case errors.Is(err, stream.ErrEmptyMessage):
			ws.sendError(err.Error())
		case err != nil:
			ws.enqueue(wsFrame{Type: frameError, Error: "failed to send message", Draft: req.Content})
		default:
			ws.enqueue(wsFrame{Type: frameSent, Payload: msg})
		}

	case inTyping:
		if err := sess.InputChanged(ws.ctx, req.Text); err != nil {
			logger.Debug("failed to send typing signal", zap.Error(err))
		}

	case inStopTyping:
		sess.StopTyping()

	case inRefresh:
		msgs, err := sess.Refresh(ws.ctx)
		if err != nil {
			logger.Warn("failed to refresh messages", zap.Error(err))
			ws.sendError("failed to refresh messages")
			return
		}
		ws.enqueue(wsFrame{Type: frameMessages, Payload: msgs})

	default:
		ws.sendError("unknown frame type " + req.Type)
	}
}
