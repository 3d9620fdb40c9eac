package signal

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Interview/internal/app/metrics"
	"github.com/dkeye/Interview/internal/core"
	"github.com/dkeye/Interview/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	room    = domain.RoomID("R1")
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type server struct {
	relay     *Relay
	srv       *httptest.Server
	rejecting atomic.Bool
}

func newServer(t *testing.T, opts RelayOptions) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := &server{relay: NewRelay(opts)}
	r := gin.New()
	r.GET("/ws/signal", func(c *gin.Context) {
		if s.rejecting.Load() {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		s.relay.HandleWS(c)
	})
	s.srv = httptest.NewServer(r)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *server) dialer() *Dialer {
	return &Dialer{
		URL:       "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws/signal",
		Attempts:  3,
		BaseDelay: 10 * time.Millisecond,
		MaxDelay:  20 * time.Millisecond,
		Metrics:   metrics.NewNop(),
	}
}

// kick drops the server side of identity's connection.
func (s *server) kick(identity domain.UserID) {
	if c := s.conn(identity); c != nil {
		_ = c.conn.Close()
	}
}

func (s *server) conn(identity domain.UserID) *wsConn {
	for _, c := range s.relay.members(room) {
		if c.identity == identity {
			return c
		}
	}
	return nil
}

type member struct {
	ch    core.SignalingChannel
	inbox chan domain.SignalingMessage
}

func (s *server) join(t *testing.T, id domain.UserID, token string) *member {
	t.Helper()
	ch, err := s.dialer().Connect(context.Background(), id, token)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	m := &member{ch: ch, inbox: make(chan domain.SignalingMessage, 32)}
	ch.OnMessage(func(msg domain.SignalingMessage) { m.inbox <- msg })
	require.NoError(t, ch.JoinRoom(context.Background(), room))
	return m
}

func (s *server) waitMembers(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.relay.Members(room)) == n }, waitFor, tick)
}

func (m *member) send(t *testing.T, cat domain.Category, action string, payload any) {
	t.Helper()
	msg, err := domain.NewMessage(room, cat, action, payload)
	require.NoError(t, err)
	require.NoError(t, m.ch.Send(context.Background(), room, msg))
}

func (m *member) next(t *testing.T) domain.SignalingMessage {
	t.Helper()
	select {
	case msg := <-m.inbox:
		return msg
	case <-time.After(waitFor):
		t.Fatal("no message received")
		return domain.SignalingMessage{}
	}
}

func TestRelayFansOutToOtherMembers(t *testing.T) {
	s := newServer(t, RelayOptions{})
	a, b := s.join(t, "a", ""), s.join(t, "b", "")
	s.waitMembers(t, 2)

	a.send(t, domain.CategorySignal, domain.ActionChatMessage, map[string]string{"text": "hi"})

	got := b.next(t)
	assert.Equal(t, domain.ActionChatMessage, got.Action)
	assert.Equal(t, domain.UserID("a"), got.SenderID, "relay stamps the sender")
	assert.Equal(t, room, got.RoomID)
	assert.JSONEq(t, `{"text":"hi"}`, string(got.Payload))

	select {
	case msg := <-a.inbox:
		t.Fatalf("sender received its own message %s", msg.Action)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRelayUnicastsNegotiation(t *testing.T) {
	s := newServer(t, RelayOptions{})
	a, b, c := s.join(t, "a", ""), s.join(t, "b", ""), s.join(t, "c", "")
	s.waitMembers(t, 3)

	a.send(t, domain.CategorySignal, domain.ActionWebRTCOffer, domain.SDPPayload{To: "c", SDP: "v=0"})
	a.send(t, domain.CategorySignal, domain.ActionChatMessage, map[string]string{"text": "after"})

	assert.Equal(t, domain.ActionWebRTCOffer, c.next(t).Action)
	assert.Equal(t, domain.ActionChatMessage, c.next(t).Action)
	assert.Equal(t, domain.ActionChatMessage, b.next(t).Action, "b never sees the offer")
}

func TestLeaveNotifiesRoom(t *testing.T) {
	s := newServer(t, RelayOptions{})
	a, b := s.join(t, "a", ""), s.join(t, "b", "")
	s.waitMembers(t, 2)

	require.NoError(t, a.ch.LeaveRoom(context.Background(), room))
	got := b.next(t)
	assert.Equal(t, domain.ActionParticipantLeft, got.Action)
	var p domain.ParticipantLeftPayload
	require.NoError(t, got.DecodePayload(&p))
	assert.Equal(t, domain.UserID("a"), p.ParticipantID)
	s.waitMembers(t, 1)
}

func TestSharedSecretRejectsBadToken(t *testing.T) {
	s := newServer(t, RelayOptions{Auth: SharedSecret("s3cret")})

	_, err := s.dialer().Connect(context.Background(), "a", "wrong")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrChannelDisconnected)

	s.join(t, "a", "s3cret")
	s.waitMembers(t, 1)
}

func TestClientRejoinsAfterReconnect(t *testing.T) {
	s := newServer(t, RelayOptions{})
	a, b := s.join(t, "a", ""), s.join(t, "b", "")
	s.waitMembers(t, 2)

	old := s.conn("a")
	s.kick("a")
	require.Eventually(t, func() bool {
		c := s.conn("a")
		return c != nil && c != old
	}, waitFor, tick, "a rejoined on a fresh connection")

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, a.ch.WaitConnected(ctx))
	b.send(t, domain.CategoryInterviewStatus, domain.ActionInterviewStarted, nil)
	assert.Equal(t, domain.ActionInterviewStarted, a.next(t).Action)

	msg, err := domain.NewMessage(room, domain.CategorySignal, domain.ActionChatMessage, nil)
	require.NoError(t, err)
	require.NoError(t, core.SendReliable(ctx, a.ch, room, msg))
	assert.Equal(t, domain.ActionChatMessage, b.next(t).Action)
}

// A write that fails before the read loop sees the loss must still make
// SendReliable wait for the reconnect.
func TestSendRetriesAfterWriteFailure(t *testing.T) {
	s := newServer(t, RelayOptions{})
	a, b := s.join(t, "a", ""), s.join(t, "b", "")
	s.waitMembers(t, 2)
	old := s.conn("a")

	cl := a.ch.(*Client)
	cl.mu.Lock()
	tcp, ok := cl.conn.UnderlyingConn().(*net.TCPConn)
	cl.mu.Unlock()
	require.True(t, ok)
	require.NoError(t, tcp.CloseWrite())

	msg, err := domain.NewMessage(room, domain.CategorySignal, domain.ActionChatMessage, map[string]string{"text": "retry"})
	require.NoError(t, err)
	assert.ErrorIs(t, a.ch.Send(context.Background(), room, msg), domain.ErrChannelDisconnected)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, core.SendReliable(ctx, a.ch, room, msg))

	deadline := time.After(waitFor)
	for {
		select {
		case got := <-b.inbox:
			if got.Action != domain.ActionChatMessage {
				continue
			}
			assert.JSONEq(t, `{"text":"retry"}`, string(got.Payload))
			c := s.conn("a")
			assert.True(t, c != nil && c != old, "delivered over the new connection")
			return
		case <-deadline:
			t.Fatal("message never delivered after reconnect")
		}
	}
}

func TestClientGivesUpAfterBoundedAttempts(t *testing.T) {
	s := newServer(t, RelayOptions{})
	a := s.join(t, "a", "")
	s.waitMembers(t, 1)

	closed := make(chan error, 1)
	a.ch.OnClosed(func(err error) { closed <- err })
	s.rejecting.Store(true)
	s.kick("a")

	select {
	case err := <-closed:
		assert.ErrorIs(t, err, domain.ErrChannelDisconnected)
	case <-time.After(waitFor):
		t.Fatal("channel never gave up")
	}
	msg, _ := domain.NewMessage(room, domain.CategorySignal, domain.ActionChatMessage, nil)
	err := a.ch.Send(context.Background(), room, msg)
	assert.ErrorIs(t, err, domain.ErrChannelDisconnected)
	assert.Error(t, a.ch.WaitConnected(context.Background()))
}

func TestPublishRequiresMembership(t *testing.T) {
	s := newServer(t, RelayOptions{})
	b := s.join(t, "b", "")
	s.waitMembers(t, 1)
	ch, err := s.dialer().Connect(context.Background(), "x", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })

	msg, _ := domain.NewMessage(room, domain.CategorySignal, domain.ActionChatMessage, nil)
	require.NoError(t, ch.Send(context.Background(), room, msg))

	select {
	case got := <-b.inbox:
		t.Fatalf("non-member publish delivered: %s", got.Action)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRateLimiterWindow(t *testing.T) {
	clk := clock.NewMock()
	rl := NewRoomRateLimiter(clk, 2, time.Second)

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"), "limits are per identity")

	clk.Add(1100 * time.Millisecond)
	assert.True(t, rl.Allow("a"))

	rl.Forget("a")
	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
}

func TestAddressee(t *testing.T) {
	offer, _ := domain.NewMessage(room, domain.CategorySignal, domain.ActionWebRTCICE, domain.ICEPayload{To: "b", Candidate: "c"})
	to, ok := addressee(offer)
	assert.True(t, ok)
	assert.Equal(t, domain.UserID("b"), to)

	chat, _ := domain.NewMessage(room, domain.CategorySignal, domain.ActionChatMessage, map[string]string{"to": "b"})
	_, ok = addressee(chat)
	assert.False(t, ok)

	_, ok = addressee(domain.SignalingMessage{Category: domain.CategorySignal, Action: domain.ActionWebRTCOffer})
	assert.False(t, ok, "offer without payload broadcasts")
}
