package signal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dkeye/Interview/internal/app/metrics"
	"github.com/dkeye/Interview/internal/core"
	"github.com/dkeye/Interview/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultReconnectAttempts = 5
	DefaultReconnectBase     = 500 * time.Millisecond
	DefaultReconnectMax      = 8 * time.Second
	dialTimeout              = 10 * time.Second
)

var errClientClosed = errors.New("signaling client closed")

// Dialer opens websocket SignalingChannels against a Relay.
type Dialer struct {
	URL        string
	PingPeriod time.Duration
	// Attempts bounds reconnects after a connection loss.
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Metrics   *metrics.Metrics
}

var _ core.SignalDialer = (*Dialer)(nil)

func (d *Dialer) Connect(ctx context.Context, identity domain.UserID, token string) (core.SignalingChannel, error) {
	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		d:        d,
		identity: identity,
		token:    token,
		logger:   log.With().Str("module", "signal").Str("peer", string(identity)).Logger(),
		ctx:      cctx,
		cancel:   cancel,
		rooms:    make(map[domain.RoomID]struct{}),
		quit:     make(chan struct{}),
	}
	conn, err := c.dial(ctx)
	if err != nil {
		cancel()
		return nil, domain.Wrap("signal dial", domain.ErrChannelDisconnected, err)
	}
	c.mu.Lock()
	c.setConnLocked(conn)
	c.mu.Unlock()
	go c.run(conn)
	return c, nil
}

func (d *Dialer) pingPeriod() time.Duration {
	if d.PingPeriod > 0 {
		return d.PingPeriod
	}
	return defaultPingPeriod
}

// Client is a websocket SignalingChannel. After a connection loss it
// reconnects with bounded exponential backoff and re-joins every room
// before Send succeeds again.
type Client struct {
	d        *Dialer
	identity domain.UserID
	token    string
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	up       chan struct{}
	rooms    map[domain.RoomID]struct{}
	handler  func(domain.SignalingMessage)
	onClosed func(error)
	closed   bool
	quit     chan struct{}
}

func (c *Client) Identity() domain.UserID { return c.identity }

func (c *Client) OnMessage(fn func(domain.SignalingMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

func (c *Client) OnClosed(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClosed = fn
}

func (c *Client) JoinRoom(_ context.Context, room domain.RoomID) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.Wrap("join room", domain.ErrChannelDisconnected, errClientClosed)
	}
	c.rooms[room] = struct{}{}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		// Joined on reconnect.
		return nil
	}
	if err := c.write(conn, roomFrame(OpJoin, room)); err != nil {
		_ = conn.Close()
		c.markDown(conn)
		c.logger.Warn().Err(err).Str("room", string(room)).Msg("join deferred to reconnect")
	}
	return nil
}

func (c *Client) LeaveRoom(_ context.Context, room domain.RoomID) error {
	c.mu.Lock()
	_, ok := c.rooms[room]
	delete(c.rooms, room)
	conn := c.conn
	c.mu.Unlock()
	if !ok || conn == nil {
		return nil
	}
	if err := c.write(conn, roomFrame(OpLeave, room)); err != nil {
		return domain.Wrap("leave room", domain.ErrChannelDisconnected, err)
	}
	return nil
}

func (c *Client) Send(ctx context.Context, room domain.RoomID, msg domain.SignalingMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if closed {
		return domain.Wrap("signal send", domain.ErrChannelDisconnected, errClientClosed)
	}
	if conn == nil {
		return domain.ErrChannelDisconnected
	}
	msg.RoomID = room
	if err := c.write(conn, newFrame(OpPublish, msg)); err != nil {
		// The read loop may not have noticed yet; WaitConnected must block
		// until the next connection is up.
		_ = conn.Close()
		c.markDown(conn)
		return domain.Wrap("signal send", domain.ErrChannelDisconnected, err)
	}
	return nil
}

func (c *Client) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	up := c.up
	c.mu.Unlock()
	select {
	case <-up:
		return nil
	case <-c.quit:
		return domain.ErrChannelDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	close(c.quit)
	c.mu.Unlock()
	c.cancel()

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, resp, err := websocket.DefaultDialer.DialContext(dctx, c.d.URL, authHeader(c.identity, c.token))
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

func (c *Client) write(conn *websocket.Conn, f Frame) error {
	b, err := encodeFrame(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) setConnLocked(conn *websocket.Conn) {
	c.conn = conn
	if c.up == nil {
		c.up = make(chan struct{})
	}
	select {
	case <-c.up:
	default:
		close(c.up)
	}
}

func (c *Client) markDown(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	c.conn = nil
	c.up = make(chan struct{})
}

func (c *Client) run(conn *websocket.Conn) {
	for {
		err := c.readLoop(conn)
		_ = conn.Close()
		if c.isClosed() {
			return
		}
		c.logger.Warn().Err(err).Msg("signaling connection lost, reconnecting")
		c.markDown(conn)

		next, rerr := c.reconnect()
		if rerr != nil {
			c.giveUp(rerr)
			return
		}
		conn = next
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	period := c.d.pingPeriod()
	stop := make(chan struct{})
	defer close(stop)
	go c.pinger(conn, period, stop)

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(2 * period))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * period))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(2 * period))
		f, err := decodeFrame(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("bad frame from relay")
			continue
		}
		switch f.Op {
		case OpMessage:
			c.dispatch(f.SignalingMessage)
		case OpError:
			c.logger.Warn().Str("room", string(f.RoomID)).Str("error", f.Error).Msg("relay error")
		case OpPong:
		default:
			c.logger.Debug().Str("op", f.Op).Msg("unexpected op")
		}
	}
}

func (c *Client) pinger(conn *websocket.Conn, period time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Client) dispatch(msg domain.SignalingMessage) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		c.logger.Warn().Str("action", msg.Action).Msg("no handler, dropping message")
		return
	}
	h(msg)
}

func (c *Client) reconnect() (*websocket.Conn, error) {
	attempts := c.d.Attempts
	if attempts <= 0 {
		attempts = DefaultReconnectAttempts
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = orDefault(c.d.BaseDelay, DefaultReconnectBase)
	exp.MaxInterval = orDefault(c.d.MaxDelay, DefaultReconnectMax)
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), c.ctx)

	var conn *websocket.Conn
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		next, err := c.dial(c.ctx)
		if err != nil {
			return err
		}
		if err := c.resume(next); err != nil {
			_ = next.Close()
			if errors.Is(err, errClientClosed) {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = next
		return nil
	}, policy, func(err error, wait time.Duration) {
		c.logger.Warn().Err(err).Int("attempt", attempt).Int("of", attempts).Dur("wait", wait).Msg("reconnect failed")
		c.countReconnect("retry")
	})
	if err != nil {
		c.countReconnect("exhausted")
		return nil, err
	}
	c.countReconnect("ok")
	c.logger.Info().Int("attempt", attempt).Msg("signaling reconnected")
	return conn, nil
}

// resume re-joins every room on conn and makes it current. Holding mu keeps
// a concurrent JoinRoom from slipping between the two.
func (c *Client) resume(conn *websocket.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	for room := range c.rooms {
		if err := c.write(conn, roomFrame(OpJoin, room)); err != nil {
			return err
		}
	}
	c.setConnLocked(conn)
	return nil
}

func (c *Client) giveUp(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fn := c.onClosed
	close(c.quit)
	c.mu.Unlock()
	c.cancel()

	c.logger.Error().Err(cause).Msg("signaling reconnect attempts exhausted")
	if fn != nil {
		fn(domain.Wrap("signal reconnect", domain.ErrChannelDisconnected, cause))
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) countReconnect(outcome string) {
	if c.d.Metrics != nil {
		c.d.Metrics.SignalReconnects.WithLabelValues(outcome).Inc()
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
