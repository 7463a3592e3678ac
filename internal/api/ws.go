package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsMaxPayloadBytes = 16 << 10
	wsSendBuffer      = 64
	wsPingInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

// Frame types.
const (
	frameSnapshot  = "snapshot"
	frameMessages  = "messages"
	framePresence  = "presence"
	frameTyping    = "typing"
	frameStatus    = "status"
	frameSent      = "sent"
	frameError     = "error"
	frameSearching = "searching"
	frameMatched   = "matched"

	inSend       = "send"
	inTyping     = "typing"
	inStopTyping = "stop_typing"
	inRefresh    = "refresh"
	inLeave      = "leave"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Tokens are checked before the upgrade, so any origin may connect.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsFrame is the envelope for everything the server writes.
type wsFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`

	// Draft echoes the content of a failed send so the client can restore it.
	Draft string `json:"draft,omitempty"`
}

// wsRequest is a client frame. Only the fields its type needs are set.
type wsRequest struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Text    string `json:"text,omitempty"`
}

// wsConn owns one upgraded connection: a single writer goroutine drains
// send, a single reader goroutine decodes requests.
type wsConn struct {
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writerDone chan struct{}
	closeOnce  sync.Once
}

func newWSConn(parent context.Context, conn *websocket.Conn, logger *zap.Logger) *wsConn {
	ctx, cancel := context.WithCancel(parent)
	return &wsConn{
		conn:       conn,
		send:       make(chan []byte, wsSendBuffer),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		writerDone: make(chan struct{}),
	}
}

// Done is closed once either loop stops or close is called.
func (s *wsConn) Done() <-chan struct{} { return s.ctx.Done() }

// enqueue queues a frame. A client that cannot keep up is disconnected.
func (s *wsConn) enqueue(frame wsFrame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("failed to encode frame", zap.String("type", frame.Type), zap.Error(err))
		return false
	}
	if s.ctx.Err() != nil {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		s.logger.Warn("send buffer full, dropping connection", zap.String("type", frame.Type))
		s.cancel()
		return false
	}
}

func (s *wsConn) sendError(msg string) {
	s.enqueue(wsFrame{Type: frameError, Error: msg})
}

// start runs the write loop and the read loop, handing every decoded
// request to handle on the read goroutine.
func (s *wsConn) start(handle func(wsRequest)) {
	go s.writeLoop()
	go s.readLoop(handle)
}

func (s *wsConn) readLoop(handle func(wsRequest)) {
	defer s.cancel()

	s.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Type == "" {
			s.sendError("invalid frame")
			continue
		}
		handle(req)
	}
}

func (s *wsConn) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		s.cancel()
		_ = s.conn.Close()
		close(s.writerDone)
	}()

	for {
		select {
		case <-s.ctx.Done():
			s.flush()
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-s.send:
			if err := s.write(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flush writes whatever is still queued, so a final error frame reaches
// the client before the close.
func (s *wsConn) flush() {
	for {
		select {
		case msg := <-s.send:
			if err := s.write(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *wsConn) write(messageType int, data []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteMessage(messageType, data)
}

// close stops both loops and waits for the writer to flush. Only valid
// after start.
func (s *wsConn) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.writerDone
	})
}
