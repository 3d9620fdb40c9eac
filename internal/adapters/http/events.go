package http

import (
	"context"
	"encoding/json"
	"errors"
	stdhttp "net/http"
	"sync"
	"time"

	"github.com/dkeye/Interview/internal/core"
	"github.com/dkeye/Interview/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

const (
	subscriberBuffer = 64
	eventWriteWait   = 5 * time.Second
)

// WSConn is an indirection over *websocket.Conn to ease testing.
type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(mt int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// subscriber receives events for one interview, or for all when interview is empty.
type subscriber struct {
	client    string
	interview domain.InterviewID
	conn      WSConn
	send      chan []byte
	once      sync.Once
}

func (s *subscriber) TrySend(b []byte) error {
	select {
	case s.send <- b:
		return nil
	default:
		return ErrBackpressure
	}
}

func (s *subscriber) Close() {
	s.once.Do(func() { _ = s.conn.Close() })
}

func (s *subscriber) writeLoop(ctx context.Context, done func()) {
	defer done()
	defer s.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// readLoop discards client frames and returns when the socket closes.
func (s *subscriber) readLoop() {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Hub fans session events out to UI websocket subscribers. A subscriber
// that cannot keep up loses events rather than blocking sessions.
type Hub struct {
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

var _ core.EventPublisher = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*stdhttp.Request) bool { return true },
		},
		subs: make(map[*subscriber]struct{}),
	}
}

func (h *Hub) Publish(ev domain.SessionEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Str("module", "adapters.http").Err(err).Str("type", ev.Type).Msg("encode event")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if s.interview != "" && s.interview != ev.Interview {
			continue
		}
		if err := s.TrySend(data); err != nil {
			log.Warn().Str("module", "adapters.http").
				Str("client", s.client).
				Str("interview", string(ev.Interview)).
				Str("type", ev.Type).
				Msg("event dropped, subscriber too slow")
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Attach registers conn and blocks until it closes or ctx ends.
func (h *Hub) Attach(ctx context.Context, client string, interview domain.InterviewID, conn WSConn) {
	s := &subscriber{client: client, interview: interview, conn: conn, send: make(chan []byte, subscriberBuffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	logger := log.With().Str("module", "adapters.http").Str("client", client).Str("interview", string(interview)).Logger()
	logger.Info().Msg("event subscriber attached")

	wctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go s.writeLoop(wctx, wg.Done)
	s.readLoop()
	cancel()
	wg.Wait()

	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
	logger.Info().Msg("event subscriber detached")
}

// HandleWS upgrades GET /ws/events; ?interview= narrows the stream.
func (h *Hub) HandleWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Str("module", "adapters.http").Err(err).Msg("event ws upgrade failed")
		return
	}
	h.Attach(c.Request.Context(), c.GetString(clientTokenKey), domain.InterviewID(c.Query("interview")), conn)
}
