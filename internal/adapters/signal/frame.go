package signal

import (
	"encoding/json"

	"github.com/dkeye/Interview/internal/domain"
)

// Wire ops of the relay protocol.
const (
	OpJoin    = "join"
	OpLeave   = "leave"
	OpPublish = "publish"
	OpMessage = "message"
	OpError   = "error"
	OpPing    = "ping"
	OpPong    = "pong"
)

// Frame is one websocket text frame. Message frames carry the envelope fields inline.
type Frame struct {
	Op string `json:"op"`
	domain.SignalingMessage
	Error string `json:"error,omitempty"`
}

func newFrame(op string, msg domain.SignalingMessage) Frame {
	return Frame{Op: op, SignalingMessage: msg}
}

func roomFrame(op string, room domain.RoomID) Frame {
	return Frame{Op: op, SignalingMessage: domain.SignalingMessage{RoomID: room}}
}

func errorFrame(room domain.RoomID, reason string) Frame {
	return Frame{Op: OpError, SignalingMessage: domain.SignalingMessage{RoomID: room}, Error: reason}
}

func encodeFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

func decodeFrame(data []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(data, &f)
	return f, err
}
