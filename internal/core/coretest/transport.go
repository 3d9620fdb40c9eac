// Package coretest provides in-memory fakes of the core capabilities for tests.
package coretest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Interview/internal/core"
	"github.com/dkeye/Interview/internal/domain"
	"github.com/pion/webrtc/v4"
)

type NegotiateResult struct {
	Stream core.RemoteStream
	Err    error
}

// Transport is a scripted MediaTransport. Every Negotiate call is announced
// on Calls and waits for a value on Results.
type Transport struct {
	TransportKind domain.TransportKind
	Room          domain.HostedRoom
	InitErr       error

	Calls   chan domain.UserID
	Results chan NegotiateResult

	mu          sync.Mutex
	local       *LocalStream
	audio       bool
	video       bool
	screen      bool
	signals     []domain.SignalingMessage
	onPeerDrop  func(domain.UserID)
	disconnects int
	released    atomic.Bool
}

func NewTransport(kind domain.TransportKind) *Transport {
	return &Transport{
		TransportKind: kind,
		Calls:         make(chan domain.UserID, 16),
		Results:       make(chan NegotiateResult, 16),
	}
}

func (t *Transport) Kind() domain.TransportKind { return t.TransportKind }

func (t *Transport) InitializeLocalMedia(_ context.Context, c core.Constraints) (core.LocalStream, error) {
	if t.InitErr != nil {
		return nil, t.InitErr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.local = &LocalStream{}
	t.audio, t.video = c.Audio, c.Video
	return t.local, nil
}

func (t *Transport) Negotiate(ctx context.Context, peer domain.UserID) (core.RemoteStream, error) {
	if t.released.Load() {
		return core.RemoteStream{}, domain.Wrap("negotiate", domain.ErrNegotiation, errors.New("transport closed"))
	}
	t.Calls <- peer
	select {
	case <-ctx.Done():
		return core.RemoteStream{}, ctx.Err()
	case r := <-t.Results:
		if r.Err == nil && r.Stream.Kind == "" {
			r.Stream.Kind = t.TransportKind
			if r.Stream.PeerID == "" {
				r.Stream.PeerID = peer
			}
		}
		return r.Stream, r.Err
	}
}

func (t *Transport) ToggleAudio(enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.audio = enabled
	return nil
}

func (t *Transport) ToggleVideo(enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.video = enabled
	return nil
}

func (t *Transport) StartScreenShare(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.screen = true
	return nil
}

func (t *Transport) StopScreenShare() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.screen = false
	return nil
}

func (t *Transport) OnTrack(func(context.Context, domain.UserID, *webrtc.TrackRemote)) {}

func (t *Transport) OnPeerDisconnected(fn func(domain.UserID)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onPeerDrop = fn
}

// DropPeer simulates an established peer going away.
func (t *Transport) DropPeer(peer domain.UserID) {
	t.mu.Lock()
	fn := t.onPeerDrop
	t.mu.Unlock()
	if fn != nil {
		fn(peer)
	}
}

func (t *Transport) HandleSignal(_ context.Context, msg domain.SignalingMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.signals = append(t.signals, msg)
	return nil
}

func (t *Transport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnects++
	if t.local != nil {
		t.local.Stop()
	}
	t.released.Store(true)
	return nil
}

func (t *Transport) Released() bool { return t.released.Load() }

func (t *Transport) Disconnects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnects
}

func (t *Transport) Media() (audio, video, screen bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.audio, t.video, t.screen
}

func (t *Transport) Signals() []domain.SignalingMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.SignalingMessage(nil), t.signals...)
}

func (t *Transport) Local() *LocalStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

type LocalStream struct {
	stopped atomic.Bool
	audio   atomic.Bool
	video   atomic.Bool
}

func (l *LocalStream) ID() string              { return "fake-local" }
func (l *LocalStream) SetAudioEnabled(on bool) { l.audio.Store(on) }
func (l *LocalStream) SetVideoEnabled(on bool) { l.video.Store(on) }
func (l *LocalStream) Stop()                   { l.stopped.Store(true) }
func (l *LocalStream) Stopped() bool           { return l.stopped.Load() }

// Factory hands out fresh fake transports and records them.
type Factory struct {
	DirectErr error
	HostedErr error
	// DirectInitErr and HostedInitErr are copied into every transport of that kind.
	DirectInitErr error
	HostedInitErr error

	Created chan *Transport

	mu     sync.Mutex
	direct []*Transport
	hosted []*Transport
}

func NewFactory() *Factory {
	return &Factory{Created: make(chan *Transport, 16)}
}

func (f *Factory) Direct(domain.Participant, core.SignalFunc) (core.MediaTransport, error) {
	if f.DirectErr != nil {
		return nil, f.DirectErr
	}
	t := NewTransport(domain.TransportDirect)
	t.InitErr = f.DirectInitErr
	f.mu.Lock()
	f.direct = append(f.direct, t)
	f.mu.Unlock()
	f.announce(t)
	return t, nil
}

func (f *Factory) Hosted(_ domain.Participant, room domain.HostedRoom) (core.MediaTransport, error) {
	if f.HostedErr != nil {
		return nil, f.HostedErr
	}
	t := NewTransport(domain.TransportHosted)
	t.Room = room
	t.InitErr = f.HostedInitErr
	f.mu.Lock()
	f.hosted = append(f.hosted, t)
	f.mu.Unlock()
	f.announce(t)
	return t, nil
}

func (f *Factory) announce(t *Transport) {
	select {
	case f.Created <- t:
	default:
	}
}

func (f *Factory) DirectTransports() []*Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Transport(nil), f.direct...)
}

func (f *Factory) HostedTransports() []*Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Transport(nil), f.hosted...)
}

// Provisioner counts provisioning calls. A non-nil Gate holds every call
// until it is closed or the caller gives up.
type Provisioner struct {
	Room domain.HostedRoom
	Err  error
	Gate chan struct{}

	calls atomic.Int32
}

func (p *Provisioner) Provision(ctx context.Context, _ domain.InterviewID) (domain.HostedRoom, error) {
	p.calls.Add(1)
	if p.Gate != nil {
		select {
		case <-p.Gate:
		case <-ctx.Done():
			return domain.HostedRoom{}, ctx.Err()
		}
	}
	return p.Room, p.Err
}

func (p *Provisioner) Calls() int { return int(p.calls.Load()) }
