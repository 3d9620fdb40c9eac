package orch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Interview/internal/app"
	"github.com/dkeye/Interview/internal/app/metrics"
	"github.com/dkeye/Interview/internal/core"
	"github.com/dkeye/Interview/internal/core/coretest"
	"github.com/dkeye/Interview/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	room    = domain.RoomID("R1")
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type harness struct {
	hub     *coretest.Hub
	dialer  *coretest.Dialer
	factory *coretest.Factory
	prov    *coretest.Provisioner
	backend *coretest.Backend
	events  *coretest.Events
	clock   *clock.Mock
	o       *Orchestrator
}

func newHarness(t *testing.T, hub *coretest.Hub) *harness {
	t.Helper()
	if hub == nil {
		hub = coretest.NewHub()
	}
	h := &harness{
		hub:     hub,
		dialer:  &coretest.Dialer{Hub: hub},
		factory: coretest.NewFactory(),
		prov:    &coretest.Provisioner{Room: domain.HostedRoom{Name: "H1", URL: "wss://hosted.example"}},
		backend: &coretest.Backend{},
		events:  &coretest.Events{},
		clock:   clock.NewMock(),
	}
	h.o = &Orchestrator{
		Registry:    app.NewRegistry(),
		Signal:      h.dialer,
		Backend:     h.backend,
		Transports:  h.factory,
		Provisioner: h.prov,
		Policy:      app.SimplePolicy{},
		Events:      h.events,
		Metrics:     metrics.NewNop(),
		Clock:       h.clock,
		Timeouts:    DefaultTimeouts(),
		Constraints: core.Constraints{Audio: true, Video: true},
	}
	return h
}

func (h *harness) session(t *testing.T, id string, role domain.Role) *Session {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	self := domain.NewParticipant(domain.User{ID: domain.UserID(id), DisplayName: id}, role)
	s, err := h.o.NewSession(ctx, SessionParams{Interview: "i1", Room: room, Self: self})
	require.NoError(t, err)
	return s
}

// peer is a raw signaling participant driven by the test.
type peer struct {
	ch    *coretest.Channel
	inbox chan domain.SignalingMessage
}

func (h *harness) peer(t *testing.T, id string) *peer {
	t.Helper()
	p := &peer{ch: h.hub.Connect(domain.UserID(id)), inbox: make(chan domain.SignalingMessage, 128)}
	p.ch.OnMessage(func(m domain.SignalingMessage) { p.inbox <- m })
	require.NoError(t, p.ch.JoinRoom(context.Background(), room))
	t.Cleanup(func() { _ = p.ch.Close() })
	return p
}

func (p *peer) send(t *testing.T, action string, payload any) {
	t.Helper()
	msg, err := domain.NewMessage(room, domain.CategoryInterviewStatus, action, payload)
	require.NoError(t, err)
	msg.SenderID = p.ch.Identity()
	require.NoError(t, p.ch.Send(context.Background(), room, msg))
}

func (p *peer) announce(t *testing.T, status domain.ConnectionStatus) {
	t.Helper()
	self := domain.NewParticipant(domain.User{ID: p.ch.Identity(), DisplayName: "B"}, domain.RoleCandidate)
	self.ConnectionStatus = status
	p.send(t, domain.ActionParticipantJoined, domain.ParticipantJoinedPayload{Participant: self})
}

func (p *peer) expect(t *testing.T, action string) domain.SignalingMessage {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case m := <-p.inbox:
			if m.Action == action {
				return m
			}
		case <-deadline:
			t.Fatalf("peer never received %s", action)
		}
	}
}

func waitState(t *testing.T, s *Session, want domain.SessionState) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Snapshot().State == want }, waitFor, tick,
		"want state %s", want)
}

func nextTransport(t *testing.T, f *coretest.Factory) *coretest.Transport {
	t.Helper()
	select {
	case tr := <-f.Created:
		return tr
	case <-time.After(waitFor):
		t.Fatal("no transport created")
		return nil
	}
}

func nextCall(t *testing.T, tr *coretest.Transport) domain.UserID {
	t.Helper()
	select {
	case p := <-tr.Calls:
		return p
	case <-time.After(waitFor):
		t.Fatal("negotiate not called")
		return ""
	}
}

// connecting drives a session to connecting with peer b announced.
func connecting(t *testing.T, h *harness) (*Session, *peer, *coretest.Transport) {
	t.Helper()
	b := h.peer(t, "b")
	s := h.session(t, "a", domain.RoleInterviewer)
	require.NoError(t, s.Start(context.Background()))
	b.expect(t, domain.ActionParticipantJoined)
	assert.Equal(t, domain.StateWaiting, s.Snapshot().State)

	b.send(t, domain.ActionInterviewStarted, nil)
	waitState(t, s, domain.StateConnecting)
	direct := nextTransport(t, h.factory)
	assert.Equal(t, domain.TransportDirect, direct.Kind())

	b.announce(t, domain.StatusConnecting)
	assert.Equal(t, domain.UserID("b"), nextCall(t, direct))
	return s, b, direct
}

func TestDirectNegotiationReachesActive(t *testing.T) {
	h := newHarness(t, nil)
	s, b, direct := connecting(t, h)

	reply := b.expect(t, domain.ActionParticipantJoined)
	var p domain.ParticipantJoinedPayload
	require.NoError(t, reply.DecodePayload(&p))
	assert.Equal(t, domain.UserID("a"), p.Participant.ID())

	direct.Results <- coretest.NegotiateResult{}
	waitState(t, s, domain.StateActive)

	snap := s.Snapshot()
	assert.Equal(t, domain.TransportDirect, snap.TransportKind)
	require.Len(t, snap.Participants, 2)
	assert.Equal(t, domain.StatusConnected, snap.Participants[1].ConnectionStatus)

	require.Eventually(t, func() bool { return len(h.backend.Joins()) == 1 }, waitFor, tick)
	assert.Equal(t, domain.TransportDirect, h.backend.Joins()[0].ConnectionType)
	assert.Equal(t, 0, h.prov.Calls())
}

func TestNegotiationErrorFallsBackToHosted(t *testing.T) {
	h := newHarness(t, nil)
	s, b, direct := connecting(t, h)

	direct.Results <- coretest.NegotiateResult{Err: domain.Wrap("negotiate", domain.ErrNegotiation, errors.New("ice failed"))}

	hosted := nextTransport(t, h.factory)
	assert.Equal(t, domain.TransportHosted, hosted.Kind())
	assert.True(t, direct.Released(), "direct handle released before hosted is built")
	assert.True(t, direct.Local().Stopped())

	sw := b.expect(t, domain.ActionSwitchToHosted)
	var announced domain.HostedRoom
	require.NoError(t, sw.DecodePayload(&announced))
	assert.Equal(t, "H1", announced.Name)

	assert.Equal(t, domain.UserID("b"), nextCall(t, hosted))
	assert.Equal(t, domain.StateConnecting, s.Snapshot().State, "stays connecting during fallback")
	hosted.Results <- coretest.NegotiateResult{}

	waitState(t, s, domain.StateActive)
	snap := s.Snapshot()
	assert.Equal(t, domain.TransportHosted, snap.TransportKind)
	require.NotNil(t, snap.HostedRoom)
	assert.Equal(t, "H1", snap.HostedRoom.Name)
	assert.Equal(t, 1, h.prov.Calls())
	assert.NotEmpty(t, h.events.OfType(domain.EventTransportSwitch))
}

func TestNegotiationTimeoutTriggersFallback(t *testing.T) {
	h := newHarness(t, nil)
	_, _, direct := connecting(t, h)

	h.clock.Add(h.o.Timeouts.Negotiation + time.Second)

	hosted := nextTransport(t, h.factory)
	assert.Equal(t, domain.TransportHosted, hosted.Kind())
	assert.True(t, direct.Released())
	assert.Equal(t, 1, h.prov.Calls())
}

func TestHostedFailureAfterFallbackIsTerminal(t *testing.T) {
	h := newHarness(t, nil)
	s, _, direct := connecting(t, h)

	direct.Results <- coretest.NegotiateResult{Err: domain.ErrNegotiation}
	hosted := nextTransport(t, h.factory)
	nextCall(t, hosted)
	hosted.Results <- coretest.NegotiateResult{Err: domain.ErrNegotiation}

	waitState(t, s, domain.StateEnded)
	snap := s.Snapshot()
	assert.Contains(t, snap.Error, domain.ErrConnectionFailed.Error())
	require.NotNil(t, snap.Remediation)
	assert.Equal(t, string(app.Retry), snap.Remediation.Action)
	assert.Equal(t, 1, h.prov.Calls(), "provisioning happens at most once")
	assert.True(t, hosted.Released())
}

func TestProvisioningFailureEndsSession(t *testing.T) {
	h := newHarness(t, nil)
	h.prov.Err = errors.New("provider down")
	s, _, direct := connecting(t, h)

	direct.Results <- coretest.NegotiateResult{Err: domain.ErrNegotiation}

	waitState(t, s, domain.StateEnded)
	assert.Contains(t, s.Snapshot().Error, domain.ErrConnectionFailed.Error())
	assert.True(t, direct.Released())
	assert.Empty(t, h.factory.HostedTransports())
	assert.NotEmpty(t, h.events.OfType(domain.EventSessionError))
	<-s.Done()
}

func TestPeerSwitchJoinsHostedWithoutProvisioning(t *testing.T) {
	h := newHarness(t, nil)
	s, b, direct := connecting(t, h)

	b.send(t, domain.ActionSwitchToHosted, domain.HostedRoom{Name: "H9", URL: "wss://hosted.example"})

	hosted := nextTransport(t, h.factory)
	assert.Equal(t, "H9", hosted.Room.Name)
	assert.True(t, direct.Released())
	nextCall(t, hosted)
	hosted.Results <- coretest.NegotiateResult{}

	waitState(t, s, domain.StateActive)
	assert.Equal(t, domain.TransportHosted, s.Snapshot().TransportKind)
	assert.Equal(t, 0, h.prov.Calls())
	assert.Equal(t, 1, direct.Disconnects())
}

func TestMediaAcquisitionErrorIsTerminal(t *testing.T) {
	h := newHarness(t, nil)
	h.factory.DirectInitErr = domain.Wrap("getUserMedia", domain.ErrMediaAcquisition, errors.New("permission denied"))
	b := h.peer(t, "b")
	s := h.session(t, "a", domain.RoleCandidate)
	require.NoError(t, s.Start(context.Background()))

	b.send(t, domain.ActionInterviewStarted, nil)
	waitState(t, s, domain.StateEnded)

	snap := s.Snapshot()
	require.NotNil(t, snap.Remediation)
	assert.Equal(t, string(app.CheckPermissions), snap.Remediation.Action)
	assert.Equal(t, 0, h.prov.Calls(), "media errors never fall back")
	assert.True(t, h.factory.DirectTransports()[0].Released())
}

func TestEndIsIdempotentAndTearsDown(t *testing.T) {
	h := newHarness(t, nil)
	s, b, direct := connecting(t, h)
	direct.Results <- coretest.NegotiateResult{}
	waitState(t, s, domain.StateActive)

	require.NoError(t, s.End(context.Background(), "a"))
	require.NoError(t, s.End(context.Background(), "a"))

	ended := b.expect(t, domain.ActionInterviewEnded)
	var p domain.InterviewEndedPayload
	require.NoError(t, ended.DecodePayload(&p))
	assert.Equal(t, "a", p.EndedBy)

	<-s.Done()
	snap := s.Snapshot()
	assert.Equal(t, domain.StateEnded, snap.State)
	assert.Equal(t, "a", snap.EndedBy)
	assert.Empty(t, snap.Error)
	assert.True(t, direct.Released())
	assert.Equal(t, []string{"a"}, h.backend.Ends())
	assert.False(t, h.dialer.Channel("a").Joined(room))

	b.send(t, domain.ActionInterviewStarted, nil)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, domain.StateEnded, s.Snapshot().State, "never leaves ended")
	assert.ErrorIs(t, s.ToggleAudio(context.Background(), false), domain.ErrSessionEnded)
}

func TestRemoteEndFromConnectingCancelsNegotiation(t *testing.T) {
	h := newHarness(t, nil)
	s, b, direct := connecting(t, h)

	b.send(t, domain.ActionInterviewEnded, domain.InterviewEndedPayload{EndedBy: "b"})
	waitState(t, s, domain.StateEnded)

	assert.Equal(t, "b", s.Snapshot().EndedBy)
	assert.True(t, direct.Released())
	assert.Empty(t, h.backend.Ends(), "remote end is not reported again")
	assert.Equal(t, 0, h.prov.Calls())
}

func TestChannelLossEndsSession(t *testing.T) {
	h := newHarness(t, nil)
	s, _, _ := connecting(t, h)

	h.dialer.Channel("a").Fail(errors.New("reconnect attempts exhausted"))

	waitState(t, s, domain.StateEnded)
	snap := s.Snapshot()
	assert.Contains(t, snap.Error, domain.ErrChannelDisconnected.Error())
	require.NotNil(t, snap.Remediation)
}

func TestMediaTogglesApplyToTransport(t *testing.T) {
	h := newHarness(t, nil)
	s, _, direct := connecting(t, h)
	ctx := context.Background()

	require.NoError(t, s.ToggleAudio(ctx, false))
	require.NoError(t, s.StartScreenShare(ctx))
	audio, video, screen := direct.Media()
	assert.False(t, audio)
	assert.True(t, video)
	assert.True(t, screen)
	assert.False(t, s.Snapshot().Self.MediaEnabled.Audio)
	assert.True(t, s.Snapshot().ScreenSharing)

	direct.Results <- coretest.NegotiateResult{Err: domain.ErrNegotiation}
	hosted := nextTransport(t, h.factory)
	require.Eventually(t, func() bool {
		a, _, sc := hosted.Media()
		return !a && sc
	}, waitFor, tick, "mute and screen share survive the migration")

	require.NoError(t, s.StopScreenShare(ctx))
	_, _, screen = hosted.Media()
	assert.False(t, screen)
}

func TestLateJoinerIsCaughtUp(t *testing.T) {
	h := newHarness(t, nil)
	s := h.session(t, "a", domain.RoleInterviewer)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.BeginInterview(context.Background()))
	waitState(t, s, domain.StateConnecting)
	nextTransport(t, h.factory)

	late := h.peer(t, "c")
	late.announce(t, domain.StatusJoined)
	late.expect(t, domain.ActionInterviewStarted)

	assert.ErrorIs(t, s.BeginInterview(context.Background()), domain.ErrInvalidState)
}

func TestChatAndWhiteboardForwarding(t *testing.T) {
	h := newHarness(t, nil)
	b := h.peer(t, "b")
	s := h.session(t, "a", domain.RoleInterviewer)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.SendChat(context.Background(), "hello"))
	chat := b.expect(t, domain.ActionChatMessage)
	assert.Equal(t, domain.UserID("a"), chat.SenderID)
	assert.NotZero(t, chat.Seq)

	msg, err := domain.NewMessage(room, domain.CategorySignal, domain.ActionWhiteboardEvent, map[string]any{"stroke": 1})
	require.NoError(t, err)
	msg.SenderID = "b"
	require.NoError(t, b.ch.Send(context.Background(), room, msg))

	require.Eventually(t, func() bool { return len(h.events.OfType(domain.EventWhiteboard)) == 1 }, waitFor, tick)
	assert.Error(t, s.SendWhiteboard(context.Background(), []byte("{not json")))
}

func TestTwoSessionsConnectOverSignaling(t *testing.T) {
	hub := coretest.NewHub()
	ha, hb := newHarness(t, hub), newHarness(t, hub)
	a := ha.session(t, "a", domain.RoleInterviewer)
	b := hb.session(t, "b", domain.RoleCandidate)
	ctx := context.Background()

	require.NoError(t, b.Start(ctx))
	require.NoError(t, a.Start(ctx))
	require.NoError(t, a.BeginInterview(ctx))

	waitState(t, b, domain.StateConnecting)
	ta, tb := nextTransport(t, ha.factory), nextTransport(t, hb.factory)

	assert.Equal(t, domain.UserID("b"), nextCall(t, ta))
	assert.Equal(t, domain.UserID("a"), nextCall(t, tb))
	ta.Results <- coretest.NegotiateResult{}
	tb.Results <- coretest.NegotiateResult{}

	waitState(t, a, domain.StateActive)
	waitState(t, b, domain.StateActive)

	require.NoError(t, b.End(ctx, "b"))
	waitState(t, a, domain.StateEnded)
	assert.Equal(t, "b", a.Snapshot().EndedBy)
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("session loop never exited")
	}
}

func TestSignalingReconnectDoesNotStallSession(t *testing.T) {
	h := newHarness(t, nil)
	s, _, _ := connecting(t, h)
	ch := h.dialer.Channel("a")

	ch.SetDisconnected(true)
	c := h.peer(t, "c")
	c.announce(t, domain.StatusJoined)
	require.Eventually(t, func() bool { return len(s.Snapshot().Participants) == 3 }, waitFor, tick)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.ToggleAudio(ctx, false), "toggles run while replies wait for the reconnect")
	require.NoError(t, s.End(ctx, "a"))
	assert.Equal(t, domain.StateEnded, s.Snapshot().State)
	assert.Equal(t, []string{"a"}, h.backend.Ends())

	ch.SetDisconnected(false)
	c.expect(t, domain.ActionParticipantJoined)
	c.expect(t, domain.ActionInterviewStarted)
	c.expect(t, domain.ActionInterviewEnded)
	waitDone(t, s)
	assert.False(t, ch.Joined(room), "room left after the queued messages went out")
}

func TestPeerSwitchDuringProvisioningReleasesDirectFirst(t *testing.T) {
	h := newHarness(t, nil)
	h.prov.Gate = make(chan struct{})
	s, b, direct := connecting(t, h)

	direct.Results <- coretest.NegotiateResult{Err: domain.ErrNegotiation}
	require.Eventually(t, func() bool { return h.prov.Calls() == 1 }, waitFor, tick)
	assert.False(t, direct.Released(), "provisioning still holds the direct handle")

	b.send(t, domain.ActionSwitchToHosted, domain.HostedRoom{Name: "H0", URL: "wss://hosted.example"})

	hosted := nextTransport(t, h.factory)
	assert.Equal(t, "H0", hosted.Room.Name)
	assert.True(t, direct.Released(), "direct released before the hosted handle is built")
	assert.True(t, direct.Local().Stopped())

	nextCall(t, hosted)
	hosted.Results <- coretest.NegotiateResult{}
	waitState(t, s, domain.StateActive)

	snap := s.Snapshot()
	assert.Equal(t, domain.TransportHosted, snap.TransportKind)
	require.NotNil(t, snap.HostedRoom)
	assert.Equal(t, "H0", snap.HostedRoom.Name)
	assert.Len(t, h.factory.HostedTransports(), 1, "the abandoned provisioning builds nothing")
	assert.Equal(t, 1, h.prov.Calls())
}

func TestBeginInterviewWaitsForBroadcast(t *testing.T) {
	h := newHarness(t, nil)
	b := h.peer(t, "b")
	s := h.session(t, "a", domain.RoleInterviewer)
	require.NoError(t, s.Start(context.Background()))
	b.expect(t, domain.ActionParticipantJoined)

	require.NoError(t, s.BeginInterview(context.Background()))
	assert.Equal(t, domain.StateConnecting, s.Snapshot().State)
	b.expect(t, domain.ActionInterviewStarted)

	assert.Equal(t, []string{domain.ActionParticipantJoined, domain.ActionInterviewStarted},
		h.dialer.Channel("a").SentActions()[:2], "outbox keeps loop order")
}

func TestMalformedInterviewEndedStillEnds(t *testing.T) {
	h := newHarness(t, nil)
	s, b, direct := connecting(t, h)

	b.send(t, domain.ActionInterviewEnded, "not an object")
	waitState(t, s, domain.StateEnded)

	assert.Equal(t, "b", s.Snapshot().EndedBy, "falls back to the sender")
	assert.True(t, direct.Released())
}
