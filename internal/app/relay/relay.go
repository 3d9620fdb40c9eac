// Package relay forwards RTP from remote tracks to local consumers.
package relay

import (
	"context"
	"maps"
	"sync"

	"github.com/dkeye/Interview/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// TrackSource is the read side of a remote track; *webrtc.TrackRemote implements it.
type TrackSource interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type Relay struct {
	Peer domain.UserID
	Src  TrackSource

	mu    sync.RWMutex
	sinks map[string]*Sink

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRelay(peer domain.UserID, src TrackSource, cancel context.CancelFunc) *Relay {
	return &Relay{
		Peer:   peer,
		Src:    src,
		sinks:  make(map[string]*Sink),
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// loop reads RTP packets from the source track and forwards them to all sinks.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(r.done)
	defer r.closeAll(logger)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done, closing sinks")
			return
		default:
		}
		pkt, _, err := r.Src.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("relay read RTP ended, stopping")
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := make(map[string]*Sink, len(r.sinks))
	maps.Copy(snapshot, r.sinks)
	r.mu.RUnlock()

	dirty := make([]string, 0, len(snapshot))
	for name, s := range snapshot {
		switch s.GetState() {
		case SinkStateDelete:
			dirty = append(dirty, name)
		case SinkStateMuted:
		case SinkStateOk:
			if err := s.W.WriteRTP(pkt); err != nil {
				logger.Error().
					Err(err).
					Str("sink", name).
					Msg("relay write RTP error, marking sink as delete")
				s.MarkDelete()
				dirty = append(dirty, name)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty, logger)
	}
}

func (r *Relay) cleanupDeleted(dirty []string, logger *zerolog.Logger) {
	r.mu.Lock()
	removed := make([]*Sink, 0, len(dirty))
	for _, name := range dirty {
		if s, ok := r.sinks[name]; ok {
			removed = append(removed, s)
			delete(r.sinks, name)
		}
	}
	r.mu.Unlock()
	for _, s := range removed {
		if err := s.W.Close(); err != nil {
			logger.Warn().Err(err).Str("sink", s.Name).Msg("sink close")
		}
	}
}

func (r *Relay) closeAll(logger *zerolog.Logger) {
	r.mu.Lock()
	names := make([]string, 0, len(r.sinks))
	for name, s := range r.sinks {
		s.MarkDelete()
		names = append(names, name)
	}
	r.mu.Unlock()
	r.cleanupDeleted(names, logger)
}

func (r *Relay) AddSink(s *Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[s.Name] = s
}

func (r *Relay) SinkCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}

// Stop cancels the loop. The loop exits after the pending read returns.
func (r *Relay) Stop() {
	r.cancel()
}

func (r *Relay) Done() <-chan struct{} { return r.done }
