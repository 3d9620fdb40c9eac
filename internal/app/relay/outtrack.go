package relay

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

type SinkState int32

const (
	SinkStateOk SinkState = iota
	SinkStateMuted
	SinkStateDelete
)

// Writer consumes forwarded RTP packets: a recorder, a counter, a local track.
type Writer interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// Sink is one consumer attached to a relay.
type Sink struct {
	Name  string
	W     Writer
	state atomic.Int32 // Zero by default (SinkStateOk)
}

func NewSink(name string, w Writer) *Sink {
	return &Sink{Name: name, W: w}
}

func (s *Sink) GetState() SinkState {
	return SinkState(s.state.Load())
}

func (s *Sink) MarkOk() {
	s.state.Store(int32(SinkStateOk))
}

func (s *Sink) MarkMuted() {
	s.state.Store(int32(SinkStateMuted))
}

func (s *Sink) MarkDelete() {
	s.state.Store(int32(SinkStateDelete))
}
