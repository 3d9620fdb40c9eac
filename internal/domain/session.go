package domain

import "time"

type SessionState string

const (
	StateWaiting    SessionState = "waiting"
	StateConnecting SessionState = "connecting"
	StateActive     SessionState = "active"
	StateEnded      SessionState = "ended"
)

func (s SessionState) Terminal() bool { return s == StateEnded }

type TransportKind string

const (
	TransportDirect TransportKind = "direct"
	TransportHosted TransportKind = "hosted"
)

// Remediation tells the user what to do after a terminal failure.
type Remediation struct {
	Action  string `json:"action"`
	Message string `json:"message"`
}

// SessionSnapshot is a read-only view of a session for APIs.
type SessionSnapshot struct {
	ID            InterviewID   `json:"id"`
	Room          RoomID        `json:"room"`
	Self          Participant   `json:"self"`
	Participants  []Participant `json:"participants"`
	State         SessionState  `json:"state"`
	TransportKind TransportKind `json:"transportKind"`
	ScreenSharing bool          `json:"screenSharing"`
	HostedRoom    *HostedRoom   `json:"hostedRoom,omitempty"`
	CurrentPhase  Phase         `json:"currentPhase,omitempty"`
	EndedBy       string        `json:"endedBy,omitempty"`
	Error         string        `json:"error,omitempty"`
	Remediation   *Remediation  `json:"remediation,omitempty"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// SessionEvent is pushed to UI subscribers.
type SessionEvent struct {
	Interview InterviewID `json:"interview"`
	Type      string      `json:"type"`
	Data      any         `json:"data,omitempty"`
	At        time.Time   `json:"at"`
}

const (
	EventStateChanged    = "state_changed"
	EventParticipants    = "participants"
	EventChat            = "chat_message"
	EventWhiteboard      = "whiteboard_event"
	EventAIQuestion      = "ai_question"
	EventAIUtterance     = "ai_utterance"
	EventSessionError    = "session_error"
	EventTransportSwitch = "transport_switched"
)
