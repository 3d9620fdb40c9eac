package orch

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Interview/internal/domain"
)

const outboxSize = 128

var errOutboxFull = errors.New("signaling outbox full")

// outgoing is a signaling send queued by the session loop. done, when set,
// runs back on the loop with the send outcome.
type outgoing struct {
	category domain.Category
	action   string
	payload  any
	done     func(error)
}

// enqueue hands m to the sender goroutine without blocking. Sends that wait
// out a signaling reconnect therefore never stall the loop.
func (s *Session) enqueue(m outgoing) error {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.outClosed {
		return domain.ErrSessionEnded
	}
	select {
	case s.out <- m:
		return nil
	default:
		return errOutboxFull
	}
}

// signal is the transport's SignalFunc.
func (s *Session) signal(_ context.Context, action string, payload any) error {
	return s.enqueue(outgoing{category: domain.CategorySignal, action: action, payload: payload})
}

// closeOutbox stops accepting sends. Queued ones are flushed for at most
// the teardown timeout, then the room is left and the channel closed.
func (s *Session) closeOutbox(leave bool) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.outClosed {
		return
	}
	s.outClosed = true
	s.leaveOnExit = leave
	close(s.out)
	s.flushTimer = time.AfterFunc(s.teardownTimeout(), s.sendCancel)
}

// sender delivers queued messages in order, each with one retry after a
// reconnect.
func (s *Session) sender() {
	defer close(s.outDone)
	defer s.sendCancel()

	for m := range s.out {
		err := s.mux.Send(s.sendCtx, m.category, m.action, m.payload)
		if err != nil {
			s.logger.Warn().Err(err).Str("action", m.action).Msg("signaling send failed")
		}
		if m.done != nil {
			done := m.done
			s.post(func() { done(err) })
		}
	}

	s.outMu.Lock()
	leave := s.leaveOnExit
	if s.flushTimer != nil {
		s.flushTimer.Stop()
	}
	s.outMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.teardownTimeout())
	defer cancel()
	if leave {
		if err := s.ch.LeaveRoom(ctx, s.room); err != nil {
			s.logger.Warn().Err(err).Msg("leave room")
		}
	}
	if err := s.ch.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("signaling close")
	}
}
