package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Interview/internal/app/metrics"
	"github.com/dkeye/Interview/internal/core"
	"github.com/dkeye/Interview/internal/domain"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const mqttQoS = 1

// MQTTDialer opens SignalingChannels on an MQTT broker, one topic per room.
type MQTTDialer struct {
	Broker      string
	TopicPrefix string
	// Attempts bounds broker reconnects after a connection loss.
	Attempts int
	MaxDelay time.Duration
	Metrics  *metrics.Metrics
}

var _ core.SignalDialer = (*MQTTDialer)(nil)

func (d *MQTTDialer) Connect(ctx context.Context, identity domain.UserID, token string) (core.SignalingChannel, error) {
	c := &MQTTChannel{
		d:        d,
		identity: identity,
		logger:   log.With().Str("module", "signal").Str("driver", "mqtt").Str("peer", string(identity)).Logger(),
		rooms:    make(map[domain.RoomID]struct{}),
		up:       make(chan struct{}),
		quit:     make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(d.Broker)
	opts.SetClientID(string(identity) + "-" + uuid.NewString()[:8])
	opts.SetUsername(string(identity))
	opts.SetPassword(token)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(orDefault(d.MaxDelay, DefaultReconnectMax))
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) { c.onReconnecting() })

	c.client = mqtt.NewClient(opts)
	if err := wait(ctx, c.client.Connect()); err != nil {
		return nil, domain.Wrap("mqtt connect", domain.ErrChannelDisconnected, err)
	}
	return c, nil
}

// MQTTChannel is a SignalingChannel over MQTT. The broker delivers a
// publisher's own messages back, so they are filtered here.
type MQTTChannel struct {
	d        *MQTTDialer
	identity domain.UserID
	client   mqtt.Client
	logger   zerolog.Logger

	mu       sync.Mutex
	rooms    map[domain.RoomID]struct{}
	up       chan struct{}
	attempts int
	handler  func(domain.SignalingMessage)
	onClosed func(error)
	closed   bool
	quit     chan struct{}
}

func (c *MQTTChannel) Identity() domain.UserID { return c.identity }

func (c *MQTTChannel) topic(room domain.RoomID) string {
	prefix := strings.TrimSuffix(c.d.TopicPrefix, "/")
	if prefix == "" {
		prefix = "interviewd"
	}
	return fmt.Sprintf("%s/rooms/%s", prefix, room)
}

func (c *MQTTChannel) JoinRoom(ctx context.Context, room domain.RoomID) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.Wrap("join room", domain.ErrChannelDisconnected, errClientClosed)
	}
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
	if !c.client.IsConnectionOpen() {
		return nil
	}
	if err := wait(ctx, c.client.Subscribe(c.topic(room), mqttQoS, c.onPublish)); err != nil {
		return domain.NewOpError("join room", err, string(room))
	}
	return nil
}

// LeaveRoom tells the other members before unsubscribing; there is no relay
// to do it on our behalf.
func (c *MQTTChannel) LeaveRoom(ctx context.Context, room domain.RoomID) error {
	c.mu.Lock()
	_, ok := c.rooms[room]
	delete(c.rooms, room)
	c.mu.Unlock()
	if !ok || !c.client.IsConnectionOpen() {
		return nil
	}
	msg, err := domain.NewMessage(room, domain.CategoryInterviewStatus, domain.ActionParticipantLeft,
		domain.ParticipantLeftPayload{ParticipantID: c.identity})
	if err == nil {
		msg.SenderID = c.identity
		if err := c.publish(ctx, room, msg); err != nil {
			c.logger.Warn().Err(err).Msg("participant_left publish")
		}
	}
	return wait(ctx, c.client.Unsubscribe(c.topic(room)))
}

func (c *MQTTChannel) Send(ctx context.Context, room domain.RoomID, msg domain.SignalingMessage) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return domain.Wrap("signal send", domain.ErrChannelDisconnected, errClientClosed)
	}
	if !c.client.IsConnectionOpen() {
		return domain.ErrChannelDisconnected
	}
	msg.RoomID = room
	if err := c.publish(ctx, room, msg); err != nil {
		return domain.Wrap("signal send", domain.ErrChannelDisconnected, err)
	}
	return nil
}

func (c *MQTTChannel) publish(ctx context.Context, room domain.RoomID, msg domain.SignalingMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return wait(ctx, c.client.Publish(c.topic(room), mqttQoS, false, b))
}

func (c *MQTTChannel) OnMessage(fn func(domain.SignalingMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

func (c *MQTTChannel) OnClosed(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClosed = fn
}

func (c *MQTTChannel) WaitConnected(ctx context.Context) error {
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

func (c *MQTTChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.quit)
	c.mu.Unlock()
	c.client.Disconnect(250)
	return nil
}

func (c *MQTTChannel) onPublish(_ mqtt.Client, m mqtt.Message) {
	var msg domain.SignalingMessage
	if err := json.Unmarshal(m.Payload(), &msg); err != nil {
		c.logger.Warn().Err(err).Str("topic", m.Topic()).Msg("bad mqtt payload")
		return
	}
	if msg.SenderID == c.identity {
		return
	}
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		c.logger.Warn().Str("action", msg.Action).Msg("no handler, dropping message")
		return
	}
	h(msg)
}

// onConnect runs on the first connect and every reconnect.
func (c *MQTTChannel) onConnect(client mqtt.Client) {
	c.mu.Lock()
	rooms := make([]domain.RoomID, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	reconnect := c.attempts > 0
	c.attempts = 0
	c.mu.Unlock()

	for _, room := range rooms {
		t := client.Subscribe(c.topic(room), mqttQoS, c.onPublish)
		if t.WaitTimeout(dialTimeout) && t.Error() != nil {
			c.logger.Error().Err(t.Error()).Str("room", string(room)).Msg("resubscribe failed")
		}
	}

	c.mu.Lock()
	select {
	case <-c.up:
	default:
		close(c.up)
	}
	c.mu.Unlock()
	if reconnect {
		c.logger.Info().Msg("mqtt reconnected")
		c.countReconnect("ok")
	}
}

func (c *MQTTChannel) onConnectionLost(_ mqtt.Client, err error) {
	c.logger.Warn().Err(err).Msg("mqtt connection lost, reconnecting")
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.up:
		c.up = make(chan struct{})
	default:
	}
}

func (c *MQTTChannel) onReconnecting() {
	limit := c.d.Attempts
	if limit <= 0 {
		limit = DefaultReconnectAttempts
	}
	c.mu.Lock()
	c.attempts++
	n := c.attempts
	c.mu.Unlock()
	c.countReconnect("retry")
	if n <= limit {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fn := c.onClosed
	close(c.quit)
	c.mu.Unlock()
	c.countReconnect("exhausted")
	c.logger.Error().Int("attempts", n-1).Msg("mqtt reconnect attempts exhausted")
	// Disconnect waits on the reconnect loop that is calling us.
	go c.client.Disconnect(0)
	if fn != nil {
		fn(domain.Wrap("signal reconnect", domain.ErrChannelDisconnected, errors.New("broker unreachable")))
	}
}

func (c *MQTTChannel) countReconnect(outcome string) {
	if c.d.Metrics != nil {
		c.d.Metrics.SignalReconnects.WithLabelValues(outcome).Inc()
	}
}

func wait(ctx context.Context, t mqtt.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
