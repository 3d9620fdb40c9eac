package domain

import "encoding/json"

type Category string

const (
	CategoryInterviewStatus Category = "interview_status"
	CategorySystemAlert     Category = "system_alert"
	CategorySignal          Category = "signal"
)

// interview_status actions.
const (
	ActionInterviewStarted  = "interview_started"
	ActionParticipantJoined = "participant_joined"
	ActionParticipantLeft   = "participant_left"
	ActionSwitchToHosted    = "switch_to_daily"
	ActionInterviewEnded    = "interview_ended"
)

// signal actions.
const (
	ActionChatMessage     = "chat_message"
	ActionWhiteboardEvent = "whiteboard_event"
	ActionAIQuestion      = "ai_question"
	ActionWebRTCOffer     = "webrtc_offer"
	ActionWebRTCAnswer    = "webrtc_answer"
	ActionWebRTCICE       = "webrtc_ice"
)

// SignalingMessage is the envelope relayed to every room member except the sender.
// Payload stays raw so handlers forward it verbatim.
type SignalingMessage struct {
	RoomID   RoomID          `json:"roomId"`
	Category Category        `json:"category"`
	Action   string          `json:"action"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	SenderID UserID          `json:"senderId"`
	Seq      uint64          `json:"seq,omitempty"`
}

// NewMessage marshals payload into a fresh envelope. A nil payload is left empty.
func NewMessage(room RoomID, category Category, action string, payload any) (SignalingMessage, error) {
	msg := SignalingMessage{RoomID: room, Category: category, Action: action}
	if payload == nil {
		return msg, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		msg.Payload = raw
		return msg, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return SignalingMessage{}, err
	}
	msg.Payload = b
	return msg, nil
}

// DecodePayload decodes the message payload into v.
func (m SignalingMessage) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// ParticipantJoinedPayload announces a participant; Reply marks the answer to a fresh announce.
type ParticipantJoinedPayload struct {
	Participant Participant `json:"participant"`
	Reply       bool        `json:"reply,omitempty"`
}

type ParticipantLeftPayload struct {
	ParticipantID UserID `json:"participantId"`
}

type InterviewEndedPayload struct {
	EndedBy string `json:"endedBy"`
}

// SDPPayload carries an offer or answer addressed to one peer.
type SDPPayload struct {
	To  UserID `json:"to"`
	SDP string `json:"sdp"`
}

// ICEPayload carries one trickled candidate addressed to one peer.
type ICEPayload struct {
	To            UserID  `json:"to"`
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}
