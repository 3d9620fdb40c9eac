package orch

import (
	"context"
	"errors"

	"github.com/dkeye/Interview/internal/app/fallback"
	"github.com/dkeye/Interview/internal/app/timer"
	"github.com/dkeye/Interview/internal/core"
	"github.com/dkeye/Interview/internal/domain"
	"github.com/pion/webrtc/v4"
)

var errNegotiationTimeout = errors.New("negotiation timed out")

type negotiation struct {
	peer     domain.UserID
	cancel   context.CancelFunc
	deadline *timer.Deadline
}

func (n *negotiation) stop() {
	n.deadline.Stop()
	n.cancel()
}

// initDirect builds the direct transport and acquires local media for it.
func (s *Session) initDirect() {
	tr, err := s.o.Transports.Direct(s.roster.Self(), s.signal)
	if err != nil {
		s.logger.Error().Err(err).Msg("direct transport unavailable")
		s.startFallback(nil, domain.Wrap("direct", domain.ErrNegotiation, err))
		return
	}
	s.attach(tr, domain.TransportDirect)

	gen := s.gen
	constraints := s.o.Constraints
	go func(ctx context.Context) {
		local, err := tr.InitializeLocalMedia(ctx, constraints)
		s.post(func() { s.onLocalMedia(gen, local, err) })
	}(s.ctx)
}

// attach makes tr the single current transport.
func (s *Session) attach(tr core.MediaTransport, kind domain.TransportKind) {
	s.transport = tr
	s.kind = kind
	gen := s.gen
	tr.OnTrack(func(ctx context.Context, peer domain.UserID, track *webrtc.TrackRemote) {
		if s.o.Relays != nil {
			s.o.Relays.Start(ctx, peer, track)
		}
	})
	tr.OnPeerDisconnected(func(peer domain.UserID) {
		s.post(func() {
			if gen == s.gen && !s.state.Terminal() {
				s.onPeerDisconnected(peer)
			}
		})
	})
	s.refreshSnapshot()
}

// detach forgets the current transport without releasing it and invalidates
// every in-flight result tied to it.
func (s *Session) detach() core.MediaTransport {
	old := s.transport
	s.gen++
	s.cancelNegotiations()
	s.transport = nil
	s.local = nil
	s.mediaReady = false
	return old
}

func (s *Session) onLocalMedia(gen uint64, local core.LocalStream, err error) {
	if gen != s.gen || s.state.Terminal() {
		return
	}
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		if !errors.Is(err, domain.ErrMediaAcquisition) {
			err = domain.Wrap("local media", domain.ErrMediaAcquisition, err)
		}
		s.fail(err)
		return
	}
	s.local = local
	s.mediaReady = true
	s.applyMediaState()
	s.roster.SetStatus(s.roster.Self().ID(), domain.StatusConnecting)
	s.refreshSnapshot()
	s.logger.Info().Str("stream", local.ID()).Str("kind", string(s.kind)).Msg("local media ready")

	s.announce(false)
	for _, peer := range s.roster.Remote() {
		p, _ := s.roster.Get(peer)
		if p.ConnectionStatus == domain.StatusConnecting || p.ConnectionStatus == domain.StatusConnected {
			s.maybeNegotiate(peer)
		}
	}
}

// applyMediaState re-applies mute and screen share preferences to a fresh transport.
func (s *Session) applyMediaState() {
	if !s.media.Audio {
		if err := s.transport.ToggleAudio(false); err != nil {
			s.logger.Warn().Err(err).Msg("reapply audio mute")
		}
	}
	if !s.media.Video {
		if err := s.transport.ToggleVideo(false); err != nil {
			s.logger.Warn().Err(err).Msg("reapply video mute")
		}
	}
	if s.screen {
		if err := s.transport.StartScreenShare(s.ctx); err != nil {
			s.logger.Warn().Err(err).Msg("reapply screen share")
			s.screen = false
		}
	}
}

func (s *Session) maybeNegotiate(peer domain.UserID) {
	if s.state != domain.StateConnecting && s.state != domain.StateActive {
		return
	}
	if !s.mediaReady || s.migrating || s.transport == nil {
		return
	}
	if _, busy := s.negotiations[peer]; busy {
		return
	}
	if p, ok := s.roster.Get(peer); !ok || p.ConnectionStatus == domain.StatusConnected {
		return
	}

	timeout := s.o.timeouts().Negotiation
	if s.kind == domain.TransportHosted {
		timeout = s.o.timeouts().HostedConnect
	}
	nctx, cancel := context.WithCancel(s.ctx)
	n := &negotiation{peer: peer, cancel: cancel}
	n.deadline = s.deadline(timeout, func() {
		if s.negotiations[peer] == n {
			s.onNegotiated(n, core.RemoteStream{}, domain.Wrap("negotiate", domain.ErrNegotiation, errNegotiationTimeout))
		}
	})
	s.negotiations[peer] = n
	s.logger.Info().Str("peer", string(peer)).Str("kind", string(s.kind)).Dur("timeout", timeout).Msg("negotiating")

	tr, gen := s.transport, s.gen
	go func() {
		stream, err := tr.Negotiate(nctx, peer)
		s.post(func() {
			if gen != s.gen || s.negotiations[peer] != n {
				return
			}
			s.onNegotiated(n, stream, err)
		})
	}()
}

func (s *Session) onNegotiated(n *negotiation, stream core.RemoteStream, err error) {
	n.stop()
	delete(s.negotiations, n.peer)

	if err == nil {
		s.roster.SetStatus(n.peer, domain.StatusConnected)
		s.logger.Info().Str("peer", string(n.peer)).Str("kind", string(stream.Kind)).Msg("remote stream connected")
		s.refreshSnapshot()
		s.publish(domain.EventParticipants, s.roster.Snapshot())
		s.transition(domain.StateActive)
		return
	}
	if s.ctx.Err() != nil {
		return
	}
	s.logger.Warn().Err(err).Str("peer", string(n.peer)).Str("kind", string(s.kind)).Msg("negotiation failed")

	switch {
	case s.state == domain.StateConnecting && s.kind == domain.TransportDirect:
		s.startFallback(s.transport, err)
	case s.state == domain.StateConnecting:
		s.fail(domain.Wrap("hosted connect", domain.ErrConnectionFailed, err))
	default:
		s.roster.SetStatus(n.peer, domain.StatusDisconnected)
		s.refreshSnapshot()
	}
}

// startFallback hands the failed direct transport to the coordinator.
// Only one provisioning attempt is ever made; a later failure is terminal.
func (s *Session) startFallback(old core.MediaTransport, cause error) {
	if s.o.Metrics != nil {
		s.o.Metrics.NegotiationFailures.Inc()
	}
	if s.migrating {
		return
	}
	if s.fb.Attempted() {
		s.fail(domain.Wrap("negotiate", domain.ErrConnectionFailed, cause))
		return
	}
	s.migrating = true
	s.target = nil
	s.detach()
	s.releasing = old
	s.refreshSnapshot()
	s.logger.Info().Err(cause).Msg("falling back to hosted transport")

	gen := s.gen
	self := s.roster.Self()
	constraints := s.o.Constraints
	ctx := s.migrationContext()
	go func() {
		res, err := s.fb.OnNegotiationFailure(ctx, old, self, constraints)
		s.deliverMigration(gen, res, err)
	}()
}

// migrationContext cancels any migration still in flight and returns the
// context for the next one.
func (s *Session) migrationContext() context.Context {
	if s.migCancel != nil {
		s.migCancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.migCancel = cancel
	return ctx
}

// onPeerSwitch handles a hosted room announced by a peer.
func (s *Session) onPeerSwitch(sender domain.UserID, room domain.HostedRoom) {
	logger := s.logger.With().Str("peer", string(sender)).Str("hosted_room", room.Name).Logger()
	current := s.hosted
	if s.migrating {
		current = s.target
	}
	switch {
	case s.state == domain.StateWaiting:
		logger.Debug().Msg("switch before start, ignored")
		return
	case current != nil && current.Name == room.Name:
		return
	case s.state == domain.StateActive:
		logger.Info().Msg("already active, keeping current transport")
		if s.hosted != nil {
			s.broadcastSwitch(*s.hosted)
		}
		return
	case current != nil && room.Name > current.Name:
		// Both sides provisioned; the lower room name wins.
		logger.Info().Str("ours", current.Name).Msg("keeping our hosted room")
		if !s.migrating {
			s.broadcastSwitch(*current)
		}
		return
	}

	logger.Info().Bool("migrating", s.migrating).Msg("joining peer hosted room")
	old := s.detach()
	if old == nil {
		// A migration in flight still owns the previous handle; it must be
		// released before the adopted room may become active.
		old = s.releasing
	}
	s.releasing = old
	s.migrating = true
	s.target = &room
	s.refreshSnapshot()

	gen := s.gen
	self := s.roster.Self()
	constraints := s.o.Constraints
	ctx := s.migrationContext()
	go func() {
		res, err := s.fb.Adopt(ctx, old, self, room, constraints)
		s.deliverMigration(gen, res, err)
	}()
}

// deliverMigration posts a fallback result; a hosted handle nobody will adopt is released.
func (s *Session) deliverMigration(gen uint64, res fallback.Result, err error) {
	if s.post(func() { s.onMigrated(gen, res, err) }) {
		return
	}
	if err == nil {
		_ = res.Transport.Disconnect()
	}
}

func (s *Session) onMigrated(gen uint64, res fallback.Result, err error) {
	if gen != s.gen || s.state.Terminal() {
		if err == nil {
			s.logger.Info().Str("hosted_room", res.Room.Name).Msg("discarding stale hosted transport")
			_ = res.Transport.Disconnect()
		}
		return
	}
	s.migrating = false
	s.target = nil
	s.releasing = nil
	if s.migCancel != nil {
		s.migCancel()
		s.migCancel = nil
	}
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.fail(err)
		return
	}

	room := res.Room
	s.hosted = &room
	s.attach(res.Transport, domain.TransportHosted)
	s.local = res.Local
	s.mediaReady = true
	s.applyMediaState()
	s.logger.Info().Str("hosted_room", room.Name).Bool("provisioned", res.Provisioned).Msg("hosted transport attached")
	if res.Provisioned {
		s.broadcastSwitch(room)
	}
	s.publish(domain.EventTransportSwitch, room)

	for _, peer := range s.roster.Remote() {
		s.roster.SetStatus(peer, domain.StatusConnecting)
		s.maybeNegotiate(peer)
	}
	s.refreshSnapshot()
}

func (s *Session) onPeerDisconnected(peer domain.UserID) {
	s.logger.Info().Str("peer", string(peer)).Msg("peer media disconnected")
	if s.o.Relays != nil {
		s.o.Relays.StopPeer(peer)
	}
	if s.roster.SetStatus(peer, domain.StatusDisconnected) {
		s.refreshSnapshot()
		s.publish(domain.EventParticipants, s.roster.Snapshot())
	}
}

func (s *Session) cancelNegotiations() {
	for peer, n := range s.negotiations {
		n.stop()
		delete(s.negotiations, peer)
	}
}

func (s *Session) ToggleAudio(ctx context.Context, enabled bool) error {
	return s.call(ctx, func() error {
		if s.state.Terminal() {
			return domain.ErrSessionEnded
		}
		if s.mediaReady {
			if err := s.transport.ToggleAudio(enabled); err != nil {
				return domain.NewOpError("toggle audio", err, "")
			}
		}
		s.media.Audio = enabled
		s.selfMediaChanged()
		return nil
	})
}

func (s *Session) ToggleVideo(ctx context.Context, enabled bool) error {
	return s.call(ctx, func() error {
		if s.state.Terminal() {
			return domain.ErrSessionEnded
		}
		if s.mediaReady {
			if err := s.transport.ToggleVideo(enabled); err != nil {
				return domain.NewOpError("toggle video", err, "")
			}
		}
		s.media.Video = enabled
		s.selfMediaChanged()
		return nil
	})
}

func (s *Session) StartScreenShare(ctx context.Context) error {
	return s.call(ctx, func() error {
		if s.state.Terminal() {
			return domain.ErrSessionEnded
		}
		if !s.mediaReady {
			return domain.NewOpError("screen share", domain.ErrInvalidState, "no local media yet")
		}
		if s.screen {
			return nil
		}
		if err := s.transport.StartScreenShare(s.ctx); err != nil {
			return domain.NewOpError("screen share", err, "")
		}
		s.screen = true
		s.refreshSnapshot()
		s.logger.Info().Msg("screen share started")
		return nil
	})
}

func (s *Session) StopScreenShare(ctx context.Context) error {
	return s.call(ctx, func() error {
		if s.state.Terminal() {
			return domain.ErrSessionEnded
		}
		if !s.screen {
			return nil
		}
		s.screen = false
		s.refreshSnapshot()
		if s.mediaReady {
			if err := s.transport.StopScreenShare(); err != nil {
				return domain.NewOpError("screen share", err, "stop")
			}
		}
		s.logger.Info().Msg("screen share stopped")
		return nil
	})
}

func (s *Session) selfMediaChanged() {
	s.roster.SetSelfMedia(s.media)
	s.refreshSnapshot()
	s.publish(domain.EventParticipants, s.roster.Snapshot())
}
