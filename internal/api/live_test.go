package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lalith-99/yapstream/internal/auth"
	"github.com/lalith-99/yapstream/internal/models"
	"github.com/lalith-99/yapstream/internal/presence"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hasMessage(content string) func(testFrame) bool {
	return func(f testFrame) bool {
		var msgs []models.Message
		if err := json.Unmarshal(f.Payload, &msgs); err != nil {
			return false
		}
		for _, m := range msgs {
			if m.Content == content {
				return true
			}
		}
		return false
	}
}

// openRoom dials a room socket and waits until all of its feeds are live.
func openRoom(t *testing.T, srv *httptest.Server, roomID string, id auth.Identity) (*websocket.Conn, roomSnapshot) {
	t.Helper()
	conn := dial(t, srv, "/v1/rooms/"+roomID+"/ws", id)
	snap := payload[roomSnapshot](t, readUntil(t, conn, frameSnapshot, nil))
	if !snap.Connected {
		readUntil(t, conn, frameStatus, func(f testFrame) bool {
			var st roomStatus
			return json.Unmarshal(f.Payload, &st) == nil && st.Connected
		})
	}
	return conn, snap
}

func TestLiveRoom_SnapshotAndFanOut(t *testing.T) {
	env := newTestEnv(t)
	srv := env.serve(t)
	env.do(t, alice, http.MethodGet, "/v1/servers/general/channels", nil)
	env.do(t, carol, http.MethodPost, "/v1/rooms/general/messages", map[string]string{"content": "earlier"})

	a, snap := openRoom(t, srv, "general", alice)
	assert.Equal(t, "general", snap.RoomID)

	b, _ := openRoom(t, srv, "general", bob)

	readUntil(t, a, framePresence, func(f testFrame) bool {
		var online []models.PresenceEntry
		return json.Unmarshal(f.Payload, &online) == nil && len(online) == 2
	})
	require.Equal(t, 2.0, testutil.ToFloat64(env.metrics.LiveSessions))

	send(t, b, wsRequest{Type: inTyping, Text: "hel"})
	typing := readUntil(t, a, frameTyping, func(f testFrame) bool {
		var users []models.TypingUser
		return json.Unmarshal(f.Payload, &users) == nil && len(users) == 1
	})
	assert.Contains(t, string(typing.Payload), "Bob")

	send(t, b, wsRequest{Type: inSend, Content: "hello alice"})
	sent := payload[models.Message](t, readUntil(t, b, frameSent, nil))
	assert.Equal(t, "bob", sent.AuthorID)

	readUntil(t, a, frameMessages, hasMessage("hello alice"))

	// Nothing refreshes the indicator after the send, so it expires.
	readUntil(t, a, frameTyping, func(f testFrame) bool {
		var users []models.TypingUser
		return json.Unmarshal(f.Payload, &users) == nil && len(users) == 0
	})

	send(t, a, wsRequest{Type: inRefresh})
	refreshed := readUntil(t, a, frameMessages, hasMessage("earlier"))
	assert.Len(t, payload[[]models.Message](t, refreshed), 2)

	send(t, a, wsRequest{Type: inSend, Content: "   "})
	assert.Equal(t, "message is empty", readUntil(t, a, frameError, nil).Error)

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool {
		return env.hub.Members(presence.Topic("general")) == 1
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(env.metrics.LiveSessions) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestLiveRoom_FailedSendReturnsDraft(t *testing.T) {
	env := newTestEnv(t)
	srv := env.serve(t)
	env.do(t, alice, http.MethodGet, "/v1/servers/general/channels", nil)

	a, _ := openRoom(t, srv, "general", alice)

	env.messages.FailCreates(errors.New("disk full"))
	send(t, a, wsRequest{Type: inSend, Content: "keep me"})
	f := readUntil(t, a, frameError, nil)
	assert.Equal(t, "failed to send message", f.Error)
	assert.Equal(t, "keep me", f.Draft)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.MessagesSent.WithLabelValues("error")))
}

func TestLiveRoom_MatchRoomAccess(t *testing.T) {
	env := newTestEnv(t)
	srv := env.serve(t)

	m, err := env.matches.CreateMatch(context.Background(), "alice", "bob")
	require.NoError(t, err)
	path := "/v1/rooms/" + m.ChannelID + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, path, tokenFor(t, carol)), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusNotFound, statusOf(resp))

	a, _ := openRoom(t, srv, m.ChannelID, alice)

	send(t, a, wsRequest{Type: inSend, Content: "hi"})
	readUntil(t, a, frameSent, nil)

	require.NoError(t, env.matches.EndMatch(context.Background(), m.ID))
	send(t, a, wsRequest{Type: inSend, Content: "still there?"})
	f := readUntil(t, a, frameError, nil)
	assert.Equal(t, "match has ended", f.Error)
	assert.Equal(t, "still there?", f.Draft)
}

func TestLiveRoom_UnknownRoom(t *testing.T) {
	env := newTestEnv(t)
	srv := env.serve(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/v1/rooms/nowhere/ws", tokenFor(t, alice)), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusNotFound, statusOf(resp))
}

func TestLiveRoom_LeavingMatchRoomEndsMatch(t *testing.T) {
	env := newTestEnv(t)
	srv := env.serve(t)
	ctx := context.Background()

	m, err := env.matches.CreateMatch(ctx, "alice", "bob")
	require.NoError(t, err)

	a, _ := openRoom(t, srv, m.ChannelID, alice)
	require.NoError(t, a.Close())

	require.Eventually(t, func() bool {
		active, err := env.matches.GetActiveMatch(ctx, "bob")
		return err == nil && active == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, env.matchRepo.Active("alice", "bob"))
}

func TestLiveRoom_ReconnectWithinGraceKeepsMatch(t *testing.T) {
	env := newTestEnv(t)
	srv := env.serve(t)
	ctx := context.Background()

	m, err := env.matches.CreateMatch(ctx, "alice", "bob")
	require.NoError(t, err)

	b, _ := openRoom(t, srv, m.ChannelID, bob)
	require.NoError(t, b.Close())
	openRoom(t, srv, m.ChannelID, bob)

	time.Sleep(3 * testLeaveGrace)
	active, err := env.matches.GetActiveMatch(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, m.ID, active.ID)
}
