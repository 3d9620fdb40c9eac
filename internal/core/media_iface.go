package core

import (
	"context"

	"github.com/dkeye/Interview/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Constraints selects which local devices to acquire.
type Constraints struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// LocalStream owns the local capture tracks. Only the transport that
// created it may Stop it.
type LocalStream interface {
	ID() string
	SetAudioEnabled(bool)
	SetVideoEnabled(bool)
	Stop()
	Stopped() bool
}

// RemoteStream is the remote side observed by a transport.
type RemoteStream struct {
	PeerID domain.UserID
	Kind   domain.TransportKind
}

// MediaTransport is the uniform capability for direct and hosted media.
type MediaTransport interface {
	Kind() domain.TransportKind
	// InitializeLocalMedia fails with domain.ErrMediaAcquisition when a device is unavailable.
	InitializeLocalMedia(ctx context.Context, c Constraints) (LocalStream, error)
	// Negotiate resolves once media from peer is flowing, or fails with domain.ErrNegotiation.
	// Cancelling ctx aborts it.
	Negotiate(ctx context.Context, peer domain.UserID) (RemoteStream, error)
	ToggleAudio(enabled bool) error
	ToggleVideo(enabled bool) error
	StartScreenShare(ctx context.Context) error
	StopScreenShare() error
	// OnTrack sets a callback for every remote track.
	OnTrack(fn func(ctx context.Context, peer domain.UserID, track *webrtc.TrackRemote))
	// OnPeerDisconnected fires when an established peer drops.
	OnPeerDisconnected(fn func(peer domain.UserID))
	// Disconnect releases local tracks and closes every peer object.
	Disconnect() error
	// Released reports whether Disconnect has fully completed.
	Released() bool
}

// SignalHandler is implemented by transports that negotiate over the signaling room.
type SignalHandler interface {
	HandleSignal(ctx context.Context, msg domain.SignalingMessage) error
}

// SignalFunc publishes a signal-category message on behalf of a transport.
type SignalFunc func(ctx context.Context, action string, payload any) error

type TransportFactory interface {
	Direct(self domain.Participant, send SignalFunc) (MediaTransport, error)
	Hosted(self domain.Participant, room domain.HostedRoom) (MediaTransport, error)
}

// HostedProvisioner creates a named room on the hosted provider.
type HostedProvisioner interface {
	Provision(ctx context.Context, interview domain.InterviewID) (domain.HostedRoom, error)
}
