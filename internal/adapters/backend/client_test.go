package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/dkeye/Interview/internal/core"
	"github.com/dkeye/Interview/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	path string
	auth string
	body map[string]any
}

type fakeBackend struct {
	mu      sync.Mutex
	calls   []call
	replies map[string]string
	status  map[string]int
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	f.calls = append(f.calls, call{path: r.URL.Path, auth: r.Header.Get("Authorization"), body: body})
	code, reply := f.status[r.URL.Path], f.replies[r.URL.Path]
	f.mu.Unlock()
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if code == 0 {
		code = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if reply == "" {
		reply = "{}"
	}
	_, _ = w.Write([]byte(reply))
}

func (f *fakeBackend) last() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func setup(t *testing.T) (*fakeBackend, *Client) {
	t.Helper()
	f := &fakeBackend{replies: map[string]string{}, status: map[string]int{}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, New(srv.URL+"/", "tok", 0)
}

func TestJoinAndEnd(t *testing.T) {
	f, c := setup(t)
	ctx := context.Background()

	require.NoError(t, c.Join(ctx, "42", core.JoinRequest{UserID: "a", ConnectionType: domain.TransportDirect}))
	got := f.last()
	assert.Equal(t, "/interviews/42/join", got.path)
	assert.Equal(t, "Bearer tok", got.auth)
	assert.Equal(t, map[string]any{"userId": "a", "connectionType": "direct"}, got.body)

	require.NoError(t, c.End(ctx, "42", "a"))
	assert.Equal(t, "/interviews/42/end", f.last().path)
	assert.Equal(t, "a", f.last().body["endedBy"])
}

func TestEndIsIdempotent(t *testing.T) {
	f, c := setup(t)
	f.status["/interviews/42/end"] = http.StatusConflict
	require.NoError(t, c.End(context.Background(), "42", "a"))

	f.status["/interviews/42/end"] = http.StatusInternalServerError
	err := c.End(context.Background(), "42", "a")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.Code)
}

func TestLiveAITurns(t *testing.T) {
	f, c := setup(t)
	ctx := context.Background()
	f.replies["/interviews/42/start-live-ai"] = `{"sessionId":"s1","openingQuestion":"Tell me about yourself"}`
	f.replies["/interviews/42/live-ai-response"] = `{"aiResponse":"Thanks","interviewPhase":"closing","shouldContinue":false,"analysis":{"score":3}}`

	start, err := c.StartLiveAI(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, domain.LiveAIStart{SessionID: "s1", OpeningQuestion: "Tell me about yourself"}, start)

	res, err := c.RespondLiveAI(ctx, "42", "I build things", map[string]any{"confidence": 0.9})
	require.NoError(t, err)
	assert.Equal(t, "Thanks", res.AIText)
	assert.Equal(t, domain.PhaseClosing, res.Phase)
	assert.False(t, res.ShouldContinue)
	assert.EqualValues(t, 3, res.Analysis["score"])

	body := f.last().body
	assert.Equal(t, "I build things", body["candidateResponse"])
	assert.Equal(t, map[string]any{"confidence": 0.9}, body["metadata"])
}

func TestCompleteAcceptsTextOrObjectSummary(t *testing.T) {
	f, c := setup(t)
	ctx := context.Background()

	f.replies["/interviews/42/complete-live-ai"] = `{"summary":"strong candidate"}`
	s, err := c.CompleteLiveAI(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "strong candidate", s.Text)

	f.replies["/interviews/42/complete-live-ai"] = `{"summary":{"text":"ok","score":7}}`
	s, err = c.CompleteLiveAI(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "ok", s.Text)
	assert.EqualValues(t, 7, s.Extra["score"])

	f.replies["/interviews/42/complete-live-ai"] = `{}`
	s, err = c.CompleteLiveAI(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, domain.Summary{}, s)
}

func TestContextCancelAborts(t *testing.T) {
	_, c := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.StartLiveAI(ctx, "42")
	assert.ErrorIs(t, err, context.Canceled)
}
