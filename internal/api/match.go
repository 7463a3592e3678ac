package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/yapstream/internal/matching"
	"github.com/lalith-99/yapstream/internal/middleware"
	"github.com/lalith-99/yapstream/internal/repository"
	"go.uber.org/zap"
)

const queueLeaveTimeout = 5 * time.Second

// MatchHandler serves random matchmaking: the waiting socket plus the
// lookups a client makes once it has been paired.
type MatchHandler struct {
	queue    *matching.Queue
	store    *matching.Store
	profiles repository.ProfileRepository
	logger   *zap.Logger
}

func NewMatchHandler(queue *matching.Queue, store *matching.Store, profiles repository.ProfileRepository, logger *zap.Logger) *MatchHandler {
	return &MatchHandler{queue: queue, store: store, profiles: profiles, logger: logger}
}

// Active handles GET /v1/matches/active
func (h *MatchHandler) Active(c *gin.Context) {
	userID := middleware.GetUserID(c)

	m, err := h.store.GetActiveMatch(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to get active match", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get active match"})
		return
	}
	if m == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active match"})
		return
	}
	c.JSON(http.StatusOK, m)
}

// End handles POST /v1/matches/:id/end
//
// Only a participant can end a match. Ending one that is already over
// succeeds.
func (h *MatchHandler) End(c *gin.Context) {
	userID := middleware.GetUserID(c)
	matchID := c.Param("id")

	m, err := h.store.GetActiveMatch(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to get active match", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to end match"})
		return
	}
	if m == nil || m.ID != matchID {
		c.Status(http.StatusNoContent)
		return
	}

	if err := h.store.EndMatch(c.Request.Context(), matchID); err != nil {
		h.logger.Error("failed to end match", zap.String("match_id", matchID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to end match"})
		return
	}
	c.Status(http.StatusNoContent)
}

// Peer handles GET /v1/matches/:id/peer
func (h *MatchHandler) Peer(c *gin.Context) {
	userID := middleware.GetUserID(c)

	m, err := h.store.GetActiveMatch(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to get active match", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get peer"})
		return
	}
	if m == nil || m.ID != c.Param("id") {
		c.JSON(http.StatusNotFound, gin.H{"error": "match not found"})
		return
	}

	peerID := m.PeerOf(userID)
	c.JSON(http.StatusOK, gin.H{
		"user_id":  peerID,
		"username": matching.PeerName(c.Request.Context(), nil, h.profiles, peerID, h.logger),
	})
}

// Socket handles GET /v1/match/ws
//
// The caller waits in the queue until paired, then receives one
// "matched" frame. With ?rematch=true the caller's current match is
// ended first. Without it an existing match is delivered straight away,
// so reconnecting during a search is safe. The client may send
// "refresh" to retry immediately or "leave" to give up.
func (h *MatchHandler) Socket(c *gin.Context) {
	self := middleware.GetParticipant(c)
	logger := h.logger.With(zap.String("user_id", self.ID))

	if c.Query("rematch") == "true" {
		if err := h.endCurrent(c.Request.Context(), self.ID); err != nil {
			logger.Error("failed to end current match", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to end current match"})
			return
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	ws := newWSConn(c.Request.Context(), conn, logger)

	membership, err := h.queue.Join(ws.ctx, self)
	if err != nil {
		logger.Error("failed to join match queue", zap.Error(err))
		ws.start(func(wsRequest) {})
		ws.sendError("failed to join match queue")
		ws.close()
		return
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), queueLeaveTimeout)
		defer cancel()
		if err := membership.Leave(ctx); err != nil {
			logger.Warn("failed to leave match queue", zap.Error(err))
		}
	}()
	defer ws.close()

	ws.start(func(req wsRequest) {
		switch req.Type {
		case inRefresh:
			if err := membership.Refresh(ws.ctx); err != nil {
				logger.Warn("match refresh failed", zap.Error(err))
				ws.sendError("match attempt failed, still searching")
			}
		case inLeave:
			ws.cancel()
		default:
			ws.sendError("unknown frame type " + req.Type)
		}
	})
	ws.enqueue(wsFrame{Type: frameSearching})

	select {
	case <-ws.Done():
	case res, ok := <-membership.Matched():
		if !ok {
			return
		}
		ws.enqueue(wsFrame{Type: frameMatched, Payload: res})
		// The client closes once it has moved on to the match room.
		<-ws.Done()
	}
}

func (h *MatchHandler) endCurrent(ctx context.Context, userID string) error {
	m, err := h.store.GetActiveMatch(ctx, userID)
	if err != nil {
		return err
	}
	if m == nil {
		return nil
	}
	return h.store.EndMatch(ctx, m.ID)
}
