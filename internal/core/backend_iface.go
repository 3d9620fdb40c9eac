package core

import (
	"context"

	"github.com/dkeye/Interview/internal/domain"
)

type JoinRequest struct {
	UserID         domain.UserID        `json:"userId"`
	ConnectionType domain.TransportKind `json:"connectionType"`
}

// InterviewAPI is the interview backend used by live sessions.
type InterviewAPI interface {
	Join(ctx context.Context, id domain.InterviewID, req JoinRequest) error
	// End is idempotent from the caller's perspective.
	End(ctx context.Context, id domain.InterviewID, endedBy string) error
}

// LiveAI is the AI responder used by the turn controller.
type LiveAI interface {
	StartLiveAI(ctx context.Context, id domain.InterviewID) (domain.LiveAIStart, error)
	RespondLiveAI(ctx context.Context, id domain.InterviewID, text string, metadata map[string]any) (domain.TurnResult, error)
	CompleteLiveAI(ctx context.Context, id domain.InterviewID) (domain.Summary, error)
}

// Utterance is one captured candidate answer.
type Utterance struct {
	Text     string
	Metadata map[string]any
}

// SpeechCapture returns io.EOF when no more speech will come.
type SpeechCapture interface {
	Capture(ctx context.Context) (Utterance, error)
}

// SpeechPlayback returns once text has been fully spoken.
type SpeechPlayback interface {
	Play(ctx context.Context, text string) error
}
