package core

import (
	"context"
	"errors"

	"github.com/dkeye/Interview/internal/domain"
)

// SignalingChannel is one logical connection to a room-based relay.
// JoinRoom and LeaveRoom are idempotent. Handlers run synchronously in
// delivery order per room.
type SignalingChannel interface {
	Identity() domain.UserID
	JoinRoom(ctx context.Context, room domain.RoomID) error
	LeaveRoom(ctx context.Context, room domain.RoomID) error
	// Send fails with domain.ErrChannelDisconnected while a reconnect is in progress.
	Send(ctx context.Context, room domain.RoomID, msg domain.SignalingMessage) error
	OnMessage(fn func(domain.SignalingMessage))
	// OnClosed fires once when the channel gives up reconnecting. Close does not fire it.
	OnClosed(fn func(error))
	// WaitConnected blocks until the channel is usable again.
	WaitConnected(ctx context.Context) error
	Close() error
}

// SignalDialer opens a channel for one identity.
type SignalDialer interface {
	Connect(ctx context.Context, identity domain.UserID, token string) (SignalingChannel, error)
}

// SendReliable sends msg and, on a disconnect, retries exactly once after the
// channel reconnects. Messages are never buffered beyond that single retry.
func SendReliable(ctx context.Context, ch SignalingChannel, room domain.RoomID, msg domain.SignalingMessage) error {
	err := ch.Send(ctx, room, msg)
	if !errors.Is(err, domain.ErrChannelDisconnected) {
		return err
	}
	if werr := ch.WaitConnected(ctx); werr != nil {
		return err
	}
	return ch.Send(ctx, room, msg)
}
