// Package signal implements the room-based signaling relay: a websocket
// server that fans messages out to room members, and the SignalingChannel
// clients (websocket and MQTT) sessions talk through.
package signal

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Interview/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

const (
	defaultPingPeriod = 20 * time.Second
	writeWait         = 5 * time.Second
	maxFrameSize      = 64 << 10
)

type RelayOptions struct {
	PingPeriod time.Duration
	// RateLimit publishes per RateInterval per identity; zero disables limiting.
	RateLimit    int
	RateInterval time.Duration
	Auth         Authenticator
	Clock        clock.Clock
}

// Relay is the server side of the signaling protocol. Every room member
// except the sender receives a published message; negotiation messages go
// to their addressee only.
type Relay struct {
	opts    RelayOptions
	limiter *RoomRateLimiter

	mu    sync.RWMutex
	rooms map[domain.RoomID]map[*wsConn]struct{}
}

func NewRelay(opts RelayOptions) *Relay {
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = defaultPingPeriod
	}
	if opts.Auth == nil {
		opts.Auth = AllowAll
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	r := &Relay{opts: opts, rooms: make(map[domain.RoomID]map[*wsConn]struct{})}
	if opts.RateLimit > 0 {
		r.limiter = NewRoomRateLimiter(opts.Clock, opts.RateLimit, opts.RateInterval)
	}
	return r
}

type wsConn struct {
	conn     *websocket.Conn
	identity domain.UserID
	send     chan []byte

	mu     sync.RWMutex
	closed bool
	rooms  map[domain.RoomID]struct{}
}

func (c *wsConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (c *wsConn) joined() []domain.RoomID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.RoomID, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWS upgrades an authenticated request and serves it until either side closes.
func (r *Relay) HandleWS(c *gin.Context) {
	identity, err := r.authenticate(c.Request)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("remote", c.ClientIP()).Msg("signal auth rejected")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	conn := &wsConn{
		conn:     ws,
		identity: identity,
		send:     make(chan []byte, 64),
		rooms:    make(map[domain.RoomID]struct{}),
	}
	log.Info().Str("module", "signal").Str("peer", string(identity)).Msg("new WS connection")

	go r.writePump(conn)
	r.readPump(conn)
}

// Members returns the identities currently joined to room.
func (r *Relay) Members(room domain.RoomID) []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.UserID, 0, len(r.rooms[room]))
	for c := range r.rooms[room] {
		out = append(out, c.identity)
	}
	return out
}

func (r *Relay) sendFrame(c *wsConn, f Frame) {
	b, err := encodeFrame(f)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendFrame marshal")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("peer", string(c.identity)).Msg("frame dropped")
	}
}
