// Package mux routes inbound signaling messages by category and action and
// tags outbound ones before they hit the channel.
package mux

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Interview/internal/app/metrics"
	"github.com/dkeye/Interview/internal/core"
	"github.com/dkeye/Interview/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Handler func(msg domain.SignalingMessage)

type Key struct {
	Category domain.Category
	Action   string
}

type Multiplexer struct {
	ch      core.SignalingChannel
	room    domain.RoomID
	self    domain.UserID
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu         sync.RWMutex
	handlers   map[Key]Handler
	categories map[domain.Category]Handler

	seq atomic.Uint64
}

func New(ch core.SignalingChannel, room domain.RoomID, m *metrics.Metrics) *Multiplexer {
	return &Multiplexer{
		ch:         ch,
		room:       room,
		self:       ch.Identity(),
		metrics:    m,
		logger:     log.With().Str("module", "mux").Str("room", string(room)).Logger(),
		handlers:   make(map[Key]Handler),
		categories: make(map[domain.Category]Handler),
	}
}

// Handle registers h for one (category, action) pair.
func (m *Multiplexer) Handle(category domain.Category, action string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[Key{Category: category, Action: action}] = h
}

// HandleCategory registers h for every action of category not matched by Handle.
func (m *Multiplexer) HandleCategory(category domain.Category, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.categories[category] = h
}

// Dispatch routes msg and reports whether a handler received it.
// Unregistered actions are dropped with a diagnostic.
func (m *Multiplexer) Dispatch(msg domain.SignalingMessage) bool {
	if msg.RoomID != m.room {
		return false
	}
	if msg.SenderID == m.self {
		return false
	}
	if msg.Category == domain.CategorySystemAlert {
		m.logger.Info().
			Str("action", msg.Action).
			Str("sender", string(msg.SenderID)).
			RawJSON("payload", rawOrNull(msg.Payload)).
			Msg("system alert")
		return true
	}

	m.mu.RLock()
	h, ok := m.handlers[Key{Category: msg.Category, Action: msg.Action}]
	if !ok {
		h, ok = m.categories[msg.Category]
	}
	m.mu.RUnlock()

	if !ok {
		m.logger.Warn().
			Str("category", string(msg.Category)).
			Str("action", msg.Action).
			Str("sender", string(msg.SenderID)).
			Msg("no handler, dropping message")
		if m.metrics != nil {
			m.metrics.DroppedMessages.WithLabelValues(string(msg.Category), msg.Action).Inc()
		}
		return false
	}
	h(msg)
	return true
}

// Send tags the message with the local sender id and the next room sequence
// number and sends it with one retry after a reconnect.
func (m *Multiplexer) Send(ctx context.Context, category domain.Category, action string, payload any) error {
	msg, err := domain.NewMessage(m.room, category, action, payload)
	if err != nil {
		return domain.NewOpError("mux.send", err, action)
	}
	msg.SenderID = m.self
	msg.Seq = m.seq.Add(1)
	return core.SendReliable(ctx, m.ch, m.room, msg)
}

func rawOrNull(b []byte) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}
