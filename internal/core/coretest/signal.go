package coretest

import (
	"context"
	"sync"

	"github.com/dkeye/Interview/internal/core"
	"github.com/dkeye/Interview/internal/domain"
)

// Hub relays messages between in-memory channels like the signaling relay:
// every member of a room except the sender receives them, FIFO per receiver.
type Hub struct {
	mu    sync.Mutex
	rooms map[domain.RoomID]map[*Channel]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[domain.RoomID]map[*Channel]struct{})}
}

func (h *Hub) publish(from *Channel, room domain.RoomID, msg domain.SignalingMessage) {
	h.mu.Lock()
	targets := make([]*Channel, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		if c != from {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()
	for _, c := range targets {
		c.inbox <- msg
	}
}

type Channel struct {
	hub      *Hub
	identity domain.UserID
	inbox    chan domain.SignalingMessage
	quit     chan struct{}

	mu           sync.Mutex
	rooms        map[domain.RoomID]struct{}
	handler      func(domain.SignalingMessage)
	onClosed     func(error)
	disconnected bool
	reconnected  chan struct{}
	sent         []domain.SignalingMessage
	closeOnce    sync.Once
}

func (h *Hub) Connect(identity domain.UserID) *Channel {
	c := &Channel{
		hub:      h,
		identity: identity,
		inbox:    make(chan domain.SignalingMessage, 256),
		quit:     make(chan struct{}),
		rooms:    make(map[domain.RoomID]struct{}),
	}
	go c.deliver()
	return c
}

func (c *Channel) deliver() {
	for {
		select {
		case <-c.quit:
			return
		case msg := <-c.inbox:
			c.mu.Lock()
			fn := c.handler
			c.mu.Unlock()
			if fn != nil {
				fn(msg)
			}
		}
	}
}

func (c *Channel) Identity() domain.UserID { return c.identity }

func (c *Channel) JoinRoom(_ context.Context, room domain.RoomID) error {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if c.hub.rooms[room] == nil {
		c.hub.rooms[room] = make(map[*Channel]struct{})
	}
	c.hub.rooms[room][c] = struct{}{}
	return nil
}

func (c *Channel) LeaveRoom(_ context.Context, room domain.RoomID) error {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	delete(c.hub.rooms[room], c)
	return nil
}

func (c *Channel) Joined(room domain.RoomID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

func (c *Channel) Send(_ context.Context, room domain.RoomID, msg domain.SignalingMessage) error {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return domain.ErrChannelDisconnected
	}
	c.sent = append(c.sent, msg)
	c.mu.Unlock()
	c.hub.publish(c, room, msg)
	return nil
}

// Sent returns every message this channel published.
func (c *Channel) Sent() []domain.SignalingMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.SignalingMessage(nil), c.sent...)
}

// SentActions returns the actions of published messages in order.
func (c *Channel) SentActions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, m := range c.sent {
		out = append(out, m.Action)
	}
	return out
}

func (c *Channel) OnMessage(fn func(domain.SignalingMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

func (c *Channel) OnClosed(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClosed = fn
}

// Inject delivers msg to this channel as if relayed from a peer.
func (c *Channel) Inject(msg domain.SignalingMessage) {
	c.inbox <- msg
}

// SetDisconnected toggles the transport loss simulation.
func (c *Channel) SetDisconnected(down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = down
	if down && c.reconnected == nil {
		c.reconnected = make(chan struct{})
	}
	if !down && c.reconnected != nil {
		close(c.reconnected)
		c.reconnected = nil
	}
}

func (c *Channel) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	wait := c.reconnected
	c.mu.Unlock()
	if wait == nil {
		return nil
	}
	select {
	case <-wait:
		return nil
	case <-c.quit:
		return domain.ErrChannelDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fail closes the channel permanently with err, as after exhausted reconnects.
func (c *Channel) Fail(err error) {
	c.mu.Lock()
	fn := c.onClosed
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.quit) })
	if fn != nil {
		fn(err)
	}
}

func (c *Channel) Close() error {
	c.closeOnce.Do(func() { close(c.quit) })
	return nil
}

// Dialer connects identities to the hub and remembers the channels.
type Dialer struct {
	Hub *Hub

	mu       sync.Mutex
	channels map[domain.UserID]*Channel
}

func (d *Dialer) Connect(_ context.Context, identity domain.UserID, _ string) (core.SignalingChannel, error) {
	c := d.Hub.Connect(identity)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.channels == nil {
		d.channels = make(map[domain.UserID]*Channel)
	}
	d.channels[identity] = c
	return c, nil
}

func (d *Dialer) Channel(identity domain.UserID) *Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channels[identity]
}
