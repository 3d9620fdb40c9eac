package mux

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/dkeye/Interview/internal/app/metrics"
	"github.com/dkeye/Interview/internal/core"
	"github.com/dkeye/Interview/internal/domain"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingChannel struct {
	core.SignalingChannel
	mu   sync.Mutex
	sent []domain.SignalingMessage
}

func (c *recordingChannel) Identity() domain.UserID { return "me" }

func (c *recordingChannel) Send(_ context.Context, _ domain.RoomID, msg domain.SignalingMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func msg(cat domain.Category, action string, sender domain.UserID) domain.SignalingMessage {
	return domain.SignalingMessage{RoomID: "R1", Category: cat, Action: action, SenderID: sender, Payload: json.RawMessage(`{"x":1}`)}
}

func TestDispatchRoutesByCategoryAndAction(t *testing.T) {
	m := New(&recordingChannel{}, "R1", metrics.NewNop())

	var status, chat []string
	m.HandleCategory(domain.CategoryInterviewStatus, func(msg domain.SignalingMessage) { status = append(status, msg.Action) })
	m.Handle(domain.CategorySignal, domain.ActionChatMessage, func(msg domain.SignalingMessage) {
		chat = append(chat, string(msg.Payload))
	})

	assert.True(t, m.Dispatch(msg(domain.CategoryInterviewStatus, domain.ActionInterviewStarted, "peer")))
	assert.True(t, m.Dispatch(msg(domain.CategoryInterviewStatus, domain.ActionParticipantJoined, "peer")))
	assert.True(t, m.Dispatch(msg(domain.CategorySignal, domain.ActionChatMessage, "peer")))

	assert.Equal(t, []string{domain.ActionInterviewStarted, domain.ActionParticipantJoined}, status)
	assert.Equal(t, []string{`{"x":1}`}, chat, "payload is forwarded verbatim")
}

func TestDispatchDropsUnregisteredAndForeign(t *testing.T) {
	mt := metrics.NewNop()
	m := New(&recordingChannel{}, "R1", mt)

	assert.False(t, m.Dispatch(msg(domain.CategorySignal, domain.ActionWhiteboardEvent, "peer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.DroppedMessages.WithLabelValues("signal", domain.ActionWhiteboardEvent)))

	called := false
	m.Handle(domain.CategorySignal, domain.ActionWhiteboardEvent, func(domain.SignalingMessage) { called = true })

	own := msg(domain.CategorySignal, domain.ActionWhiteboardEvent, "me")
	assert.False(t, m.Dispatch(own))
	other := msg(domain.CategorySignal, domain.ActionWhiteboardEvent, "peer")
	other.RoomID = "R2"
	assert.False(t, m.Dispatch(other))
	assert.False(t, called)
}

func TestSystemAlertIsObservational(t *testing.T) {
	m := New(&recordingChannel{}, "R1", metrics.NewNop())
	called := false
	m.HandleCategory(domain.CategoryInterviewStatus, func(domain.SignalingMessage) { called = true })

	assert.True(t, m.Dispatch(msg(domain.CategorySystemAlert, "maintenance", "server")))
	assert.False(t, called)
}

func TestSendTagsSenderAndSequence(t *testing.T) {
	ch := &recordingChannel{}
	m := New(ch, "R1", metrics.NewNop())

	require.NoError(t, m.Send(context.Background(), domain.CategorySignal, domain.ActionChatMessage, map[string]string{"text": "hi"}))
	require.NoError(t, m.Send(context.Background(), domain.CategorySignal, domain.ActionWebRTCICE, domain.ICEPayload{To: "peer", Candidate: "c"}))

	require.Len(t, ch.sent, 2)
	assert.Equal(t, domain.UserID("me"), ch.sent[0].SenderID)
	assert.Equal(t, uint64(1), ch.sent[0].Seq)
	assert.Equal(t, uint64(2), ch.sent[1].Seq)
	assert.Equal(t, domain.CategorySignal, ch.sent[1].Category)
	assert.JSONEq(t, `{"text":"hi"}`, string(ch.sent[0].Payload))
}
