package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Seednode/imitation/errs"
	"github.com/Seednode/imitation/game"
	"github.com/Seednode/imitation/matchmaking"
	"github.com/Seednode/imitation/voting"
)

type fakeOracle struct {
	mu      sync.Mutex
	reply   string
	guess   string
	fail    bool
	history [][]game.Turn
}

func (o *fakeOracle) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		defer o.mu.Unlock()

		if o.fail {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		switch r.URL.Path {
		case "/api/v1/chat":
			var req struct {
				Messages []game.Turn `json:"messages"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			o.history = append(o.history, req.Messages)
			_ = json.NewEncoder(w).Encode(map[string]string{"response": o.reply})
		case "/api/v1/guess":
			_ = json.NewEncoder(w).Encode(map[string]string{"guess": o.guess})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

type testEnv struct {
	cfg    *Config
	svc    *services
	oracle *fakeOracle
	srv    *httptest.Server
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	o := &fakeOracle{reply: "beep boop", guess: "human"}
	oracleSrv := httptest.NewServer(o.handler())
	t.Cleanup(oracleSrv.Close)

	cfg := validConfig()
	cfg.oracleURL = oracleSrv.URL
	cfg.aiProbability = 0
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.validate())

	svc, err := newServices(cfg)
	require.NoError(t, err)

	errc := make(chan error, 64)
	srv := httptest.NewServer(withCORS(cfg, newRouter(cfg, svc, errc)))

	t.Cleanup(func() {
		svc.Close()
		srv.Close()
	})

	return &testEnv{cfg: cfg, svc: svc, oracle: o, srv: srv}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = res.Body.Close() }()

	out, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	return res, out
}

func (e *testEnv) dial(t *testing.T, roomID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/chat?roomId=" + roomID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	kind, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, kind)

	return string(payload)
}

func readClose(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)

	return closeErr
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(body, &v))

	return v
}

func TestHealthAndVersion(t *testing.T) {
	env := newTestEnv(t, nil)

	res, body := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "Ok\n", string(body))
	require.Equal(t, "nosniff", res.Header.Get("X-Content-Type-Options"))

	res, body = env.do(t, http.MethodGet, "/version", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "imitation v"+releaseVersion+"\n", string(body))

	res, body = env.do(t, http.MethodGet, "/robots.txt", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, string(body), "Disallow: /internal/")
}

func TestQRCode(t *testing.T) {
	env := newTestEnv(t, nil)

	res, body := env.do(t, http.MethodGet, "/qr", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "image/png", res.Header.Get("Content-Type"))
	require.True(t, bytes.HasPrefix(body, []byte("\x89PNG")))
}

func TestBaseURL(t *testing.T) {
	cfg := validConfig()
	cfg.prefix = "/game"

	r := httptest.NewRequest(http.MethodGet, "http://example.com/game/qr", nil)
	require.Equal(t, "http://example.com/game/", baseURL(cfg, r))

	r.Header.Set("X-Forwarded-Proto", "https")
	require.Equal(t, "https://example.com/game/", baseURL(cfg, r))

	r.Header.Set("X-Forwarded-Proto", "javascript")
	require.Equal(t, "http://example.com/game/", baseURL(cfg, r))
}

func TestJoinURL(t *testing.T) {
	cfg := validConfig()
	r := httptest.NewRequest(http.MethodGet, "http://api.example.com/qr", nil)

	require.Equal(t, "http://api.example.com/", joinURL(cfg, r))

	cfg.publicURL = "https://imitation.example/play"
	require.Equal(t, "https://imitation.example/play", joinURL(cfg, r))
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, nil)

	req, err := http.NewRequest(http.MethodOptions, env.srv.URL+"/vote", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = res.Body.Close()

	require.Equal(t, http.StatusNoContent, res.StatusCode)
	require.Equal(t, "*", res.Header.Get("Access-Control-Allow-Origin"))
	require.Contains(t, res.Header.Get("Access-Control-Allow-Methods"), http.MethodPost)
}

func TestCORSRestrictedOrigin(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.corsOrigin = "https://imitation.example" })

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://elsewhere.example")

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = res.Body.Close()

	require.Empty(t, res.Header.Get("Access-Control-Allow-Origin"))
}

func TestFindThenPollOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)

	res, body := env.do(t, http.MethodPost, "/matchmaking/find", nil)
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	ticket := decode[ticketResponse](t, body).TicketID
	require.NotEmpty(t, ticket)

	res, _ = env.do(t, http.MethodGet, "/matchmaking/status/"+ticket, nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	res, body = env.do(t, http.MethodGet, "/matchmaking/queue", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.JSONEq(t, `{"waiting":1,"resolved":0}`, string(body))

	res, body = env.do(t, http.MethodPost, "/matchmaking/find", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	roomID := decode[roomResponse](t, body).RoomID
	require.NotEmpty(t, roomID)

	res, body = env.do(t, http.MethodGet, "/matchmaking/status/"+ticket, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, roomID, decode[roomResponse](t, body).RoomID)

	res, _ = env.do(t, http.MethodGet, "/matchmaking/status/"+ticket, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	info, ok := env.svc.registry.Room(roomID)
	require.True(t, ok)
	require.False(t, info.IsAIRoom)
}

func TestHeldFind(t *testing.T) {
	env := newTestEnv(t, nil)

	held := make(chan string, 1)
	go func() {
		res, err := http.Post(env.srv.URL+"/matchmaking/find?wait=true", "application/json", nil)
		if err != nil {
			held <- ""
			return
		}
		defer func() { _ = res.Body.Close() }()

		var out roomResponse
		_ = json.NewDecoder(res.Body).Decode(&out)
		held <- out.RoomID
	}()

	require.Eventually(t, func() bool {
		return env.svc.coordinator.Stats().Waiting == 1
	}, 3*time.Second, 10*time.Millisecond)

	res, body := env.do(t, http.MethodPost, "/matchmaking/find", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	roomID := decode[roomResponse](t, body).RoomID

	select {
	case got := <-held:
		require.Equal(t, roomID, got)
	case <-time.After(3 * time.Second):
		t.Fatal("held request was never answered")
	}
}

func TestFindAIRoom(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.aiProbability = 1 })

	res, body := env.do(t, http.MethodPost, "/matchmaking/find", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	roomID := decode[roomResponse](t, body).RoomID

	info, ok := env.svc.registry.Room(roomID)
	require.True(t, ok)
	require.True(t, info.IsAIRoom)

	res, body = env.do(t, http.MethodPost, "/vote", map[string]string{"roomId": roomID, "guess": "ai"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.JSONEq(t, `{"recorded":true,"correct":true}`, string(body))
}

// newChatDownEnv runs matchmaking and voting against a chat service that
// answers every request with 503.
func newChatDownEnv(t *testing.T, aiProbability float64) *testEnv {
	t.Helper()

	chat := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(chat.Close)

	return newTestEnv(t, func(c *Config) {
		c.services = []string{serviceMatchmaking, serviceVoting}
		c.chatURL = chat.URL
		c.aiProbability = aiProbability
	})
}

func TestFindFailsWhenChatIsDown(t *testing.T) {
	env := newChatDownEnv(t, 1)

	res, body := env.do(t, http.MethodPost, "/matchmaking/find", nil)
	require.Equal(t, http.StatusBadGateway, res.StatusCode)
	require.JSONEq(t, `{"error":"upstream unavailable"}`, string(body))
}

func TestPolledTicketSeesFailedMatch(t *testing.T) {
	env := newChatDownEnv(t, 0)

	res, body := env.do(t, http.MethodPost, "/matchmaking/find", nil)
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	ticket := decode[ticketResponse](t, body).TicketID

	res, _ = env.do(t, http.MethodPost, "/matchmaking/find", nil)
	require.Equal(t, http.StatusBadGateway, res.StatusCode)

	res, body = env.do(t, http.MethodGet, "/matchmaking/status/"+ticket, nil)
	require.Equal(t, http.StatusBadGateway, res.StatusCode)
	require.JSONEq(t, `{"error":"upstream unavailable"}`, string(body))

	res, _ = env.do(t, http.MethodGet, "/matchmaking/status/"+ticket, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestHeldFindSeesFailedMatch(t *testing.T) {
	env := newChatDownEnv(t, 0)

	held := make(chan int, 1)
	go func() {
		res, err := http.Post(env.srv.URL+"/matchmaking/find?wait=true", "application/json", nil)
		if err != nil {
			held <- 0
			return
		}
		_ = res.Body.Close()
		held <- res.StatusCode
	}()

	require.Eventually(t, func() bool {
		return env.svc.coordinator.Stats().Waiting == 1
	}, 3*time.Second, 10*time.Millisecond)

	res, _ := env.do(t, http.MethodPost, "/matchmaking/find", nil)
	require.Equal(t, http.StatusBadGateway, res.StatusCode)

	select {
	case got := <-held:
		require.Equal(t, http.StatusBadGateway, got)
	case <-time.After(3 * time.Second):
		t.Fatal("held request was never answered")
	}
}

type timedOutRooms struct{}

func (timedOutRooms) CreateRoom(context.Context, string, game.Pairing) error {
	return errs.Upstream("create room", &url.Error{
		Op:  http.MethodPost,
		URL: "http://chat.invalid/internal/rooms/create",
		Err: context.DeadlineExceeded,
	})
}

func (timedOutRooms) DiscardRoom(context.Context, string) error {
	return nil
}

func TestFindReportsSiblingTimeout(t *testing.T) {
	cfg := validConfig()

	coord, err := matchmaking.NewCoordinator(matchmaking.Config{
		Rooms: timedOutRooms{},
		Votes: voting.NewAggregator(),
		Draw:  func() bool { return true },
	})
	require.NoError(t, err)
	t.Cleanup(coord.Close)

	errc := make(chan error, 1)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/matchmaking/find", nil)

	serveFind(cfg, coord, errc)(rec, req, nil)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.JSONEq(t, `{"error":"upstream unavailable"}`, rec.Body.String())
}

func TestInternalCreateRoom(t *testing.T) {
	env := newTestEnv(t, nil)

	res, _ := env.do(t, http.MethodPost, "/internal/rooms/create", map[string]any{"roomId": "r1", "isAiRoom": true})
	require.Equal(t, http.StatusCreated, res.StatusCode)

	res, _ = env.do(t, http.MethodPost, "/internal/rooms/create", map[string]any{"roomId": "r1"})
	require.Equal(t, http.StatusConflict, res.StatusCode)

	res, body := env.do(t, http.MethodPost, "/internal/rooms/create", map[string]any{"isAiRoom": true})
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	require.Contains(t, decode[map[string]string](t, body)["error"], "room id")

	res, _ = env.do(t, http.MethodPost, "/internal/rooms/create", "not an object")
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, body = env.do(t, http.MethodGet, "/internal/rooms/r1", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.True(t, decode[map[string]any](t, body)["isAiRoom"].(bool))

	res, _ = env.do(t, http.MethodDelete, "/internal/rooms/r1", nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	res, _ = env.do(t, http.MethodGet, "/internal/rooms/r1", nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestVoting(t *testing.T) {
	env := newTestEnv(t, nil)

	res, body := env.do(t, http.MethodPost, "/internal/rooms/register", map[string]any{"roomId": "hh", "isAiRoom": false})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	require.JSONEq(t, `{"status":"registered"}`, string(body))

	res, body = env.do(t, http.MethodPost, "/vote", map[string]string{"roomId": "hh", "guess": "Human"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.JSONEq(t, `{"recorded":true,"correct":true}`, string(body))

	res, body = env.do(t, http.MethodPost, "/vote", map[string]string{"roomId": "nowhere", "guess": "ai"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.JSONEq(t, `{"recorded":true}`, string(body))

	res, _ = env.do(t, http.MethodPost, "/vote", map[string]string{"roomId": "hh", "guess": "robot"})
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, _ = env.do(t, http.MethodPost, "/vote", map[string]string{"roomId": "hh", "guess": "ai", "voterType": "alien"})
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, _ = env.do(t, http.MethodPost, "/vote", map[string]string{"guess": "ai"})
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, body = env.do(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	stats := decode[voting.Stats](t, body)
	require.Equal(t, 1, stats.HumanVsHuman.Total)
	require.Equal(t, 1, stats.HumanVsHuman.Correct)
	require.Equal(t, 2, stats.Overall.TotalVotes)
	require.Equal(t, 1, stats.Overall.UnclassifiedVotes)
}

func TestServicesCanBeDisabled(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.services = []string{serviceVoting} })

	require.Nil(t, env.svc.registry)
	require.Nil(t, env.svc.coordinator)

	res, _ := env.do(t, http.MethodPost, "/matchmaking/find", nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	res, _ = env.do(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
}

func TestChatUnknownRoomIsRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	conn := env.dial(t, "no-such-room")
	closeErr := readClose(t, conn)
	require.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	require.Equal(t, "invalid or unauthorized room", closeErr.Text)
}

func TestChatHumanBroadcast(t *testing.T) {
	env := newTestEnv(t, nil)

	res, _ := env.do(t, http.MethodPost, "/internal/rooms/create", map[string]any{"roomId": "hh"})
	require.Equal(t, http.StatusCreated, res.StatusCode)

	alice := env.dial(t, "hh")
	bob := env.dial(t, "hh")

	require.Eventually(t, func() bool {
		info, ok := env.svc.registry.Room("hh")
		return ok && info.Members == 2
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("hello bob")))
	require.Equal(t, "hello bob", readText(t, bob))

	require.NoError(t, bob.WriteMessage(websocket.TextMessage, []byte("hi alice")))
	require.Equal(t, "hi alice", readText(t, alice))
}

func TestChatAIConversationAndTimeUp(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.roomDuration = 700 * time.Millisecond })

	res, _ := env.do(t, http.MethodPost, "/internal/rooms/create", map[string]any{"roomId": "ai", "isAiRoom": true})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	res, _ = env.do(t, http.MethodPost, "/internal/rooms/register", map[string]any{"roomId": "ai", "isAiRoom": true})
	require.Equal(t, http.StatusCreated, res.StatusCode)

	conn := env.dial(t, "ai")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("are you a robot?")))
	require.Equal(t, "beep boop", readText(t, conn))

	require.Equal(t, game.TimeUp, readText(t, conn))
	closeErr := readClose(t, conn)
	require.Equal(t, websocket.CloseNormalClosure, closeErr.Code)

	require.Eventually(t, func() bool {
		return env.svc.aggregator.Stats().AIVsHuman.Total == 1
	}, 3*time.Second, 10*time.Millisecond)

	// The judge guessed its partner was human, and it was.
	stats := env.svc.aggregator.Stats()
	require.Equal(t, 1, stats.AIVsHuman.Correct)

	env.oracle.mu.Lock()
	defer env.oracle.mu.Unlock()
	require.Len(t, env.oracle.history, 1)
	require.Equal(t, []game.Turn{{Role: game.RoleParticipant, Content: "are you a robot?"}}, env.oracle.history[0])
}

func TestChatApologyWhenOracleFails(t *testing.T) {
	env := newTestEnv(t, nil)
	env.oracle.mu.Lock()
	env.oracle.fail = true
	env.oracle.mu.Unlock()

	res, _ := env.do(t, http.MethodPost, "/internal/rooms/create", map[string]any{"roomId": "ai", "isAiRoom": true})
	require.Equal(t, http.StatusCreated, res.StatusCode)

	conn := env.dial(t, "ai")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello?")))
	require.Contains(t, readText(t, conn), "headache")
}

func TestChatMessageSizeLimit(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.maxMessageSize = 16 })

	res, _ := env.do(t, http.MethodPost, "/internal/rooms/create", map[string]any{"roomId": "hh"})
	require.Equal(t, http.StatusCreated, res.StatusCode)

	conn := env.dial(t, "hh")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 64))))
	closeErr := readClose(t, conn)
	require.Equal(t, websocket.CloseMessageTooBig, closeErr.Code)
}

func TestHumanReadableSize(t *testing.T) {
	require.Equal(t, "999 B", humanReadableSize(999))
	require.Equal(t, "1.5 kB", humanReadableSize(1500))
	require.Equal(t, "2.0 MB", humanReadableSize(2_000_000))
}

func TestServePageStopsOnCancel(t *testing.T) {
	cfg := validConfig()
	cfg.bind = "127.0.0.1"
	cfg.port = 0
	cfg.services = []string{serviceVoting}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- ServePage(ctx, cfg, nil) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}
