package domain

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUser(t *testing.T) {
	u, err := NewUser("", "Alice")
	require.NoError(t, err)
	assert.Len(t, string(u.ID), 36)

	_, err = NewUser("x", "")
	assert.ErrorIs(t, err, ErrDisplayNameEmpty)

	_, err = NewUser("x", strings.Repeat("a", MaxDisplayNameLen+1))
	assert.ErrorIs(t, err, ErrDisplayNameTooLong)

	u, err = NewUser(UserID(strings.Repeat("z", 50)), "Bob")
	require.NoError(t, err)
	assert.Len(t, string(u.ID), MaxUserIDLen)
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("candidate")
	require.NoError(t, err)
	assert.Equal(t, RoleCandidate, r)

	_, err = ParseRole("observer")
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestTranscriptAppendOnly(t *testing.T) {
	var tr Transcript
	now := time.Unix(100, 0)
	require.NoError(t, tr.Append(ConversationTurn{Role: SpeakerAI, Content: "hi", Timestamp: now}))
	require.NoError(t, tr.Append(ConversationTurn{Role: SpeakerCandidate, Content: "hello", Timestamp: now}))
	assert.ErrorIs(t, tr.Append(ConversationTurn{Timestamp: now.Add(-time.Second)}), ErrTurnOutOfOrder)

	turns := tr.Turns()
	turns[0].Content = "mutated"
	assert.Equal(t, "hi", tr.Turns()[0].Content)
	assert.Equal(t, 2, tr.Len())
}

func TestMessagePayloadRoundTrip(t *testing.T) {
	msg, err := NewMessage("R1", CategoryInterviewStatus, ActionInterviewEnded, InterviewEndedPayload{EndedBy: "u1"})
	require.NoError(t, err)

	var p InterviewEndedPayload
	require.NoError(t, msg.DecodePayload(&p))
	assert.Equal(t, "u1", p.EndedBy)

	empty, err := NewMessage("R1", CategorySystemAlert, "notice", nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Payload)
	assert.NoError(t, empty.DecodePayload(&p))
}

func TestWrapMatchesSentinelAndCause(t *testing.T) {
	cause := errors.New("ice failed")
	err := Wrap("negotiate", ErrNegotiation, cause)

	assert.ErrorIs(t, err, ErrNegotiation)
	assert.ErrorIs(t, err, cause)

	var op *OpError
	require.ErrorAs(t, err, &op)
	assert.Equal(t, "negotiate", op.Op)

	assert.True(t, IsTerminal(Wrap("provision", ErrConnectionFailed, nil)))
	assert.False(t, IsTerminal(err))
}
