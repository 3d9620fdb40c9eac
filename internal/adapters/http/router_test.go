package http

import (
	"bytes"
	"context"
	"encoding/json"
	stdhttp "net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Interview/internal/app"
	"github.com/dkeye/Interview/internal/app/metrics"
	"github.com/dkeye/Interview/internal/app/orch"
	"github.com/dkeye/Interview/internal/app/turn"
	"github.com/dkeye/Interview/internal/config"
	"github.com/dkeye/Interview/internal/core"
	"github.com/dkeye/Interview/internal/core/coretest"
	"github.com/dkeye/Interview/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fixture struct {
	engine  *gin.Engine
	hub     *Hub
	sig     *coretest.Hub
	backend *coretest.Backend
	o       *orch.Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	f := &fixture{
		hub:     NewHub(),
		sig:     coretest.NewHub(),
		backend: &coretest.Backend{Start: domain.LiveAIStart{SessionID: "s1", OpeningQuestion: "Why Go?"}},
	}
	f.o = &orch.Orchestrator{
		Registry:    app.NewRegistry(),
		Signal:      &coretest.Dialer{Hub: f.sig},
		Backend:     f.backend,
		Transports:  coretest.NewFactory(),
		Provisioner: &coretest.Provisioner{Room: domain.HostedRoom{Name: "H1", URL: "wss://hosted.example"}},
		Policy:      app.SimplePolicy{},
		Events:      f.hub,
		Metrics:     m,
		Clock:       clock.NewMock(),
		Timeouts:    orch.DefaultTimeouts(),
		Constraints: core.Constraints{Audio: true, Video: true},
	}
	cfg := &config.Config{Mode: "test", Secret: "test-secret"}
	f.engine = SetupRouter(ctx, cfg, Deps{
		Orch:           f.o,
		LiveAI:         f.backend,
		Hub:            f.hub,
		Gatherer:       reg,
		Turn:           turn.Options{Clock: clock.NewMock(), Metrics: m},
		WordsPerMinute: 160,
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, client string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if client != "" {
		req.AddCookie(&stdhttp.Cookie{Name: clientTokenCookie, Value: client})
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestClientTokenCookieIssued(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, stdhttp.MethodGet, "/healthz", "", nil)
	require.Equal(t, stdhttp.StatusOK, w.Code)

	var ct *stdhttp.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == clientTokenCookie {
			ct = c
		}
	}
	require.NotNil(t, ct)
	assert.Len(t, ct.Value, 36)
	assert.True(t, ct.HttpOnly)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, stdhttp.MethodGet, "/healthz", "a", nil)
	require.Equal(t, stdhttp.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["sessions"])

	w = f.do(t, stdhttp.MethodGet, "/metrics", "a", nil)
	require.Equal(t, stdhttp.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "interviewd_sessions_active")
}

func TestJoinLifecycle(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, stdhttp.MethodPost, "/api/interviews/42/join", "alice",
		map[string]string{"role": "interviewer", "displayName": "Alice", "roomId": "R42"})
	require.Equal(t, stdhttp.StatusCreated, w.Code, w.Body.String())
	snap := decode[domain.SessionSnapshot](t, w)
	assert.Equal(t, domain.InterviewID("42"), snap.ID)
	assert.Equal(t, domain.RoomID("R42"), snap.Room)
	assert.Equal(t, domain.UserID("alice"), snap.Self.ID())
	assert.Equal(t, domain.StateWaiting, snap.State)

	w = f.do(t, stdhttp.MethodPost, "/api/interviews/42/join", "alice",
		map[string]string{"role": "interviewer", "displayName": "Alice"})
	assert.Equal(t, stdhttp.StatusOK, w.Code, "rejoin returns the live session")

	w = f.do(t, stdhttp.MethodPost, "/api/interviews/42/join", "mallory",
		map[string]string{"role": "candidate", "displayName": "M"})
	assert.Equal(t, stdhttp.StatusConflict, w.Code)

	w = f.do(t, stdhttp.MethodGet, "/api/interviews/42", "mallory", nil)
	assert.Equal(t, stdhttp.StatusNotFound, w.Code, "sessions are private to their client")

	w = f.do(t, stdhttp.MethodGet, "/api/interviews", "alice", nil)
	require.Equal(t, stdhttp.StatusOK, w.Code)
	assert.Len(t, decode[[]domain.SessionSnapshot](t, w), 1)

	w = f.do(t, stdhttp.MethodPost, "/api/interviews/42/end", "alice", nil)
	require.Equal(t, stdhttp.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, domain.StateEnded, decode[domain.SessionSnapshot](t, w).State)
	assert.Equal(t, []string{"alice"}, f.backend.Ends())

	require.Eventually(t, func() bool {
		return f.do(t, stdhttp.MethodGet, "/api/interviews/42", "alice", nil).Code == stdhttp.StatusNotFound
	}, waitFor, tick, "ended sessions are unbound")
}

func TestConcurrentJoinsBindOneSession(t *testing.T) {
	f := newFixture(t)
	body := `{"role":"candidate","displayName":"C"}`

	codes := make([]int, 8)
	var wg sync.WaitGroup
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest(stdhttp.MethodPost, "/api/interviews/7/join", strings.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			req.AddCookie(&stdhttp.Cookie{Name: clientTokenCookie, Value: "client-" + string(rune('a'+i))})
			w := httptest.NewRecorder()
			f.engine.ServeHTTP(w, req)
			codes[i] = w.Code
		}(i)
	}
	wg.Wait()

	created := 0
	for _, code := range codes {
		if code == stdhttp.StatusCreated {
			created++
			continue
		}
		assert.Equal(t, stdhttp.StatusConflict, code)
	}
	assert.Equal(t, 1, created, "exactly one client owns the interview")
	assert.Len(t, f.o.Registry.List(), 1)
}

func TestJoinValidation(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, stdhttp.MethodPost, "/api/interviews/42/join", "a",
		map[string]string{"role": "spectator", "displayName": "A"})
	assert.Equal(t, stdhttp.StatusBadRequest, w.Code)

	w = f.do(t, stdhttp.MethodPost, "/api/interviews/42/join", "a", map[string]string{"role": "candidate"})
	assert.Equal(t, stdhttp.StatusBadRequest, w.Code)

	w = f.do(t, stdhttp.MethodPost, "/api/interviews/42/media", "a", map[string]bool{"audio": false})
	assert.Equal(t, stdhttp.StatusNotFound, w.Code)
}

func TestSessionControls(t *testing.T) {
	f := newFixture(t)
	peer := f.sig.Connect("bob")
	got := make(chan domain.SignalingMessage, 32)
	peer.OnMessage(func(m domain.SignalingMessage) { got <- m })
	require.NoError(t, peer.JoinRoom(context.Background(), "R42"))

	w := f.do(t, stdhttp.MethodPost, "/api/interviews/42/join", "alice",
		map[string]string{"role": "interviewer", "displayName": "Alice", "roomId": "R42"})
	require.Equal(t, stdhttp.StatusCreated, w.Code, w.Body.String())

	w = f.do(t, stdhttp.MethodPost, "/api/interviews/42/chat", "alice", map[string]string{"text": "hello"})
	require.Equal(t, stdhttp.StatusNoContent, w.Code, w.Body.String())

	w = f.do(t, stdhttp.MethodPost, "/api/interviews/42/whiteboard", "alice",
		map[string]any{"event": map[string]any{"kind": "stroke", "points": []int{1, 2}}})
	require.Equal(t, stdhttp.StatusNoContent, w.Code, w.Body.String())

	w = f.do(t, stdhttp.MethodPost, "/api/interviews/42/media", "alice", map[string]any{})
	assert.Equal(t, stdhttp.StatusBadRequest, w.Code)

	seen := map[string]bool{}
	deadline := time.After(waitFor)
	for !seen[domain.ActionChatMessage] || !seen[domain.ActionWhiteboardEvent] {
		select {
		case m := <-got:
			seen[m.Action] = true
		case <-deadline:
			t.Fatalf("peer saw %v", seen)
		}
	}

	w = f.do(t, stdhttp.MethodPost, "/api/interviews/42/start", "alice", nil)
	require.Equal(t, stdhttp.StatusOK, w.Code, w.Body.String())
	w = f.do(t, stdhttp.MethodPost, "/api/interviews/42/start", "alice", nil)
	assert.Equal(t, stdhttp.StatusConflict, w.Code, "interview already started")
}

func TestLiveAIConversation(t *testing.T) {
	f := newFixture(t)
	f.backend.Gate = make(chan struct{})
	f.backend.Entered = make(chan struct{}, 1)
	f.backend.Summary = domain.Summary{Text: "solid"}

	w := f.do(t, stdhttp.MethodPost, "/api/interviews/42/ai/respond", "a", map[string]string{"text": "early"})
	assert.Equal(t, stdhttp.StatusNotFound, w.Code)

	w = f.do(t, stdhttp.MethodPost, "/api/interviews/42/ai/start", "a", nil)
	require.Equal(t, stdhttp.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "Why Go?", decode[domain.LiveAIStart](t, w).OpeningQuestion)

	w = f.do(t, stdhttp.MethodPost, "/api/interviews/42/ai/start", "a", nil)
	assert.Equal(t, stdhttp.StatusConflict, w.Code)

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		first <- f.do(t, stdhttp.MethodPost, "/api/interviews/42/ai/respond", "a", map[string]string{"text": "simplicity"})
	}()
	ctrl, ok := f.o.Registry.Turn("42")
	require.True(t, ok)
	select {
	case <-f.backend.Entered:
	case <-time.After(waitFor):
		t.Fatal("response never requested")
	}
	assert.Len(t, ctrl.Transcript(), 1, "the answer is recorded with its response")

	w = f.do(t, stdhttp.MethodPost, "/api/interviews/42/ai/respond", "a", map[string]string{"text": "also"})
	assert.Equal(t, stdhttp.StatusConflict, w.Code, "second submission while one is pending")

	f.backend.Gate <- struct{}{}
	w = <-first
	require.Equal(t, stdhttp.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{"simplicity"}, f.backend.Responses())

	w = f.do(t, stdhttp.MethodGet, "/api/interviews/42/ai/transcript", "a", nil)
	require.Equal(t, stdhttp.StatusOK, w.Code)
	tr := decode[struct {
		Phase      domain.Phase              `json:"phase"`
		Ended      bool                      `json:"ended"`
		Transcript []domain.ConversationTurn `json:"transcript"`
	}](t, w)
	assert.Len(t, tr.Transcript, 3)
	assert.False(t, tr.Ended)

	w = f.do(t, stdhttp.MethodPost, "/api/interviews/42/ai/end", "a", nil)
	require.Equal(t, stdhttp.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "solid")
	assert.Equal(t, 1, f.backend.Completes())
}

func TestEventStreamFiltersByInterview(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.engine)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events?interview=42"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return f.hub.Subscribers() == 1 }, waitFor, tick)

	f.hub.Publish(domain.SessionEvent{Interview: "43", Type: domain.EventChat})
	f.hub.Publish(domain.SessionEvent{Interview: "42", Type: domain.EventAIUtterance, Data: "hi"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev domain.SessionEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, domain.InterviewID("42"), ev.Interview)
	assert.Equal(t, domain.EventAIUtterance, ev.Type)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return f.hub.Subscribers() == 0 }, waitFor, tick)
}

type blockedConn struct {
	once   sync.Once
	closed chan struct{}
}

func (b *blockedConn) ReadMessage() (int, []byte, error) {
	<-b.closed
	return 0, nil, websocket.ErrCloseSent
}
func (b *blockedConn) WriteMessage(int, []byte) error {
	<-b.closed
	return websocket.ErrCloseSent
}
func (b *blockedConn) SetWriteDeadline(time.Time) error { return nil }
func (b *blockedConn) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	h := NewHub()
	conn := &blockedConn{closed: make(chan struct{})}
	done := make(chan struct{})
	go func() {
		h.Attach(context.Background(), "slow", "", conn)
		close(done)
	}()
	require.Eventually(t, func() bool { return h.Subscribers() == 1 }, waitFor, tick)

	for i := 0; i < subscriberBuffer*3; i++ {
		h.Publish(domain.SessionEvent{Interview: "42", Type: domain.EventChat})
	}
	require.NoError(t, conn.Close())
	<-done
	assert.Zero(t, h.Subscribers())
}
