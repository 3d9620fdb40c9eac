package core

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Interview/internal/domain"
)

// InterviewSession is the control surface of one live interview session.
type InterviewSession interface {
	ID() domain.InterviewID
	Start(ctx context.Context) error
	BeginInterview(ctx context.Context) error
	ToggleAudio(ctx context.Context, enabled bool) error
	ToggleVideo(ctx context.Context, enabled bool) error
	StartScreenShare(ctx context.Context) error
	StopScreenShare(ctx context.Context) error
	SendChat(ctx context.Context, text string) error
	SendWhiteboard(ctx context.Context, event json.RawMessage) error
	End(ctx context.Context, by string) error
	Snapshot() domain.SessionSnapshot
	Done() <-chan struct{}
}

// TurnSession is the control surface of one AI-driven conversation.
type TurnSession interface {
	Start(ctx context.Context) (domain.LiveAIStart, error)
	Submit(ctx context.Context, text string, metadata map[string]any) (domain.TurnResult, error)
	End(ctx context.Context, by string) (domain.Summary, error)
	Transcript() []domain.ConversationTurn
	Phase() domain.Phase
	Ended() bool
	Done() <-chan struct{}
}

// EventPublisher pushes session events to UI subscribers.
type EventPublisher interface {
	Publish(ev domain.SessionEvent)
}
