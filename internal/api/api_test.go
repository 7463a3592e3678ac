package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/lalith-99/yapstream/internal/auth"
	"github.com/lalith-99/yapstream/internal/chat"
	"github.com/lalith-99/yapstream/internal/directory"
	"github.com/lalith-99/yapstream/internal/matching"
	"github.com/lalith-99/yapstream/internal/observ"
	"github.com/lalith-99/yapstream/internal/realtime"
	"github.com/lalith-99/yapstream/internal/repository/memory"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testSecret = "test-secret"
	adminEmail = "admin@yappr.chat"

	testLeaveGrace = 200 * time.Millisecond
)

var (
	alice = auth.Identity{UserID: "alice", DisplayName: "Alice", Email: "alice@example.com"}
	bob   = auth.Identity{UserID: "bob", DisplayName: "Bob", Email: "bob@example.com"}
	carol = auth.Identity{UserID: "carol", DisplayName: "Carol", Email: "carol@example.com"}
	admin = auth.Identity{UserID: "root", DisplayName: "Root", Email: adminEmail, Admin: true}
)

type testEnv struct {
	hub        *realtime.MemoryHub
	messages   *memory.MessageStore
	channels   *memory.ChannelStore
	matchRepo  *memory.MatchStore
	profiles   *memory.ProfileStore
	matches    *matching.Store
	departures *matching.Departures
	metrics    *observ.Metrics
	checks     map[string]HealthCheck
	router     *gin.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	hub := realtime.NewMemoryHub(nil)
	env := &testEnv{
		hub:       hub,
		messages:  memory.NewMessageStore(hub, nil),
		channels:  memory.NewChannelStore(hub, nil),
		matchRepo: memory.NewMatchStore(),
		profiles:  memory.NewProfileStore(),
		metrics:   observ.NopMetrics(),
		checks:    map[string]HealthCheck{},
	}
	env.matches = matching.NewStore(env.matchRepo, nil, logger, env.metrics)
	queue := matching.NewQueue(hub, env.matches, logger,
		matching.WithCooldown(10*time.Millisecond),
		matching.WithProfiles(env.profiles),
		matching.WithMetrics(env.metrics),
	)
	access := NewRoomAccess(env.channels, env.matches)
	env.departures = matching.NewDepartures(env.matches, hub, testLeaveGrace, logger)

	env.router = NewRouter(Handlers{
		Auth:     NewAuthHandler(env.profiles, testSecret, time.Hour, []string{adminEmail}, logger),
		Users:    NewUserHandler(env.profiles, logger),
		Channels: NewChannelHandler(directory.New(env.channels, env.messages, logger), logger),
		Messages: NewMessageHandler(env.messages, access, env.metrics, logger),
		Live: NewLiveHandler(hub, env.messages, access, env.departures, env.metrics, logger,
			chat.WithTyping(time.Second, time.Second),
		),
		Matches: NewMatchHandler(queue, env.matches, env.profiles, logger),
		Health:  NewHealthHandler(env.checks, env.matches, logger),
	}, testSecret, logger)
	return env
}

func tokenFor(t *testing.T, id auth.Identity) string {
	t.Helper()
	token, err := auth.GenerateToken(id, testSecret, time.Hour)
	require.NoError(t, err)
	return token
}

// do sends a request through the router. A zero identity sends no token.
func (e *testEnv) do(t *testing.T, id auth.Identity, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if id.UserID != "" {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, id))
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// serve starts a real listener for websocket tests.
func (e *testEnv) serve(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(e.router)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, path string, id auth.Identity) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, path, tokenFor(t, id)), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func wsURL(srv *httptest.Server, path, token string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path + sep + "access_token=" + token
}

type testFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Error   string          `json:"error"`
	Draft   string          `json:"draft"`
}

// readUntil skips frames until one of type typ satisfies match.
func readUntil(t *testing.T, conn *websocket.Conn, typ string, match func(testFrame) bool) testFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f testFrame
		require.NoError(t, conn.ReadJSON(&f), "waiting for %q frame", typ)
		if f.Type == typ && (match == nil || match(f)) {
			return f
		}
	}
}

func payload[T any](t *testing.T, f testFrame) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(f.Payload, &out), string(f.Payload))
	return out
}

func send(t *testing.T, conn *websocket.Conn, req wsRequest) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(req))
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}
