package relay

import (
	"context"
	"sync"

	"github.com/dkeye/Interview/internal/domain"
	"github.com/rs/zerolog/log"
)

// SinkFactory builds the writers a new remote track is forwarded to.
type SinkFactory func(peer domain.UserID, src TrackSource) []*Sink

type relayKey struct {
	peer  domain.UserID
	track string
}

type Manager struct {
	sinks SinkFactory

	mu     sync.RWMutex
	relays map[relayKey]*Relay
}

func NewManager(sinks SinkFactory) *Manager {
	return &Manager{
		sinks:  sinks,
		relays: make(map[relayKey]*Relay),
	}
}

// Start creates a Relay for one remote track of peer and starts its loop.
func (m *Manager) Start(ctx context.Context, peer domain.UserID, src TrackSource) *Relay {
	logger := log.With().
		Str("module", "relay").
		Str("peer", string(peer)).
		Str("track", src.ID()).
		Str("kind", src.Kind().String()).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(peer, src, cancel)
	if m.sinks != nil {
		for _, s := range m.sinks(peer, src) {
			relay.AddSink(s)
		}
	}

	key := relayKey{peer: peer, track: src.ID()}
	m.mu.Lock()
	if old, ok := m.relays[key]; ok {
		logger.Info().Msg("replacing existing relay for track")
		old.Stop()
	}
	m.relays[key] = relay
	m.mu.Unlock()

	logger.Info().Int("sinks", relay.SinkCount()).Msg("starting relay loop")

	go func() {
		relay.loop(relayCtx, &logger)
		m.remove(key, relay)
	}()
	return relay
}

func (m *Manager) remove(key relayKey, r *Relay) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.relays[key]; ok && cur == r {
		delete(m.relays, key)
	}
}

// StopPeer stops every relay fed by peer.
func (m *Manager) StopPeer(peer domain.UserID) {
	m.mu.Lock()
	var stop []*Relay
	for k, r := range m.relays {
		if k.peer == peer {
			stop = append(stop, r)
			delete(m.relays, k)
		}
	}
	m.mu.Unlock()
	for _, r := range stop {
		r.Stop()
	}
}

// HasPeer reports whether any relay exists for peer.
func (m *Manager) HasPeer(peer domain.UserID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for k := range m.relays {
		if k.peer == peer {
			return true
		}
	}
	return false
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.relays)
}
