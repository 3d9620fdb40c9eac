package orch

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Interview/internal/core"
	"github.com/dkeye/Interview/internal/domain"
)

func (s *Session) registerHandlers() {
	s.mux.HandleCategory(domain.CategoryInterviewStatus, func(msg domain.SignalingMessage) {
		s.post(func() { s.onStatus(msg) })
	})
	for _, action := range []string{domain.ActionWebRTCOffer, domain.ActionWebRTCAnswer, domain.ActionWebRTCICE} {
		s.mux.Handle(domain.CategorySignal, action, func(msg domain.SignalingMessage) {
			s.post(func() { s.onTransportSignal(msg) })
		})
	}
	s.mux.Handle(domain.CategorySignal, domain.ActionChatMessage, s.forward(domain.EventChat))
	s.mux.Handle(domain.CategorySignal, domain.ActionWhiteboardEvent, s.forward(domain.EventWhiteboard))
	s.mux.Handle(domain.CategorySignal, domain.ActionAIQuestion, s.forward(domain.EventAIQuestion))
}

// forward hands auxiliary payloads to UI subscribers verbatim.
func (s *Session) forward(eventType string) func(domain.SignalingMessage) {
	return func(msg domain.SignalingMessage) {
		s.publish(eventType, auxEvent{From: msg.SenderID, Seq: msg.Seq, Payload: msg.Payload})
	}
}

type auxEvent struct {
	From    domain.UserID   `json:"from"`
	Seq     uint64          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Session) onStatus(msg domain.SignalingMessage) {
	if s.state.Terminal() {
		return
	}
	switch msg.Action {
	case domain.ActionInterviewStarted:
		s.onInterviewStarted()
	case domain.ActionParticipantJoined:
		var p domain.ParticipantJoinedPayload
		if err := msg.DecodePayload(&p); err != nil || p.Participant.ID() == "" {
			s.logger.Warn().Err(err).Str("sender", string(msg.SenderID)).Msg("bad participant_joined payload")
			return
		}
		s.onParticipantJoined(p)
	case domain.ActionParticipantLeft:
		var p domain.ParticipantLeftPayload
		if err := msg.DecodePayload(&p); err != nil {
			s.logger.Warn().Err(err).Msg("bad participant_left payload")
			return
		}
		if p.ParticipantID == "" {
			p.ParticipantID = msg.SenderID
		}
		s.onParticipantLeft(p.ParticipantID)
	case domain.ActionSwitchToHosted:
		var room domain.HostedRoom
		if err := msg.DecodePayload(&room); err != nil || !room.Valid() {
			s.logger.Warn().Err(err).Msg("bad switch payload")
			return
		}
		s.onPeerSwitch(msg.SenderID, room)
	case domain.ActionInterviewEnded:
		var p domain.InterviewEndedPayload
		if err := msg.DecodePayload(&p); err != nil {
			s.logger.Warn().Err(err).Str("sender", string(msg.SenderID)).Msg("bad interview_ended payload")
		}
		if p.EndedBy == "" {
			p.EndedBy = string(msg.SenderID)
		}
		s.logger.Info().Str("ended_by", p.EndedBy).Msg("interview ended by peer")
		s.teardown(p.EndedBy, nil, false)
	default:
		s.logger.Warn().Str("action", msg.Action).Msg("unknown interview_status action")
	}
}

func (s *Session) joinRoom() error {
	if s.joinedRoom {
		return nil
	}
	if err := s.ch.JoinRoom(s.ctx, s.room); err != nil {
		return domain.NewOpError("join room", err, string(s.room))
	}
	s.joinedRoom = true
	return nil
}

// announce tells the room who we are. Peers answer a fresh announce once.
func (s *Session) announce(reply bool) {
	err := s.enqueue(outgoing{
		category: domain.CategoryInterviewStatus,
		action:   domain.ActionParticipantJoined,
		payload:  domain.ParticipantJoinedPayload{Participant: s.roster.Self(), Reply: reply},
		done: func(err error) {
			if err != nil {
				s.announced = false
			}
		},
	})
	if err != nil {
		s.logger.Warn().Err(err).Bool("reply", reply).Msg("announce not queued")
		return
	}
	s.announced = true
}

func (s *Session) onInterviewStarted() {
	if !s.transition(domain.StateConnecting) {
		return
	}
	if err := s.joinRoom(); err != nil {
		s.fail(domain.Wrap("connecting", domain.ErrChannelDisconnected, err))
		return
	}
	s.postJoin()
	s.initDirect()
}

// postJoin calls the backend join endpoint once per local participant.
func (s *Session) postJoin() {
	if s.joinPosted || s.o.Backend == nil {
		return
	}
	s.joinPosted = true
	req := core.JoinRequest{UserID: s.roster.Self().ID(), ConnectionType: s.kind}
	go func(ctx context.Context) {
		if err := s.o.Backend.Join(ctx, s.id, req); err != nil {
			s.logger.Warn().Err(err).Msg("backend join failed")
		}
	}(s.ctx)
}

func (s *Session) onParticipantJoined(p domain.ParticipantJoinedPayload) {
	peer := p.Participant
	if peer.ID() == s.roster.Self().ID() {
		return
	}
	if s.roster.Add(peer) {
		s.logger.Info().Str("peer", string(peer.ID())).Bool("reply", p.Reply).Msg("participant discovered")
	}
	s.roster.SetStatus(peer.ID(), peer.ConnectionStatus)
	s.refreshSnapshot()
	s.publish(domain.EventParticipants, s.roster.Snapshot())

	if !p.Reply {
		s.announce(true)
		s.catchUp(peer.ID())
	}
	if peer.ConnectionStatus == domain.StatusConnecting || peer.ConnectionStatus == domain.StatusConnected {
		s.maybeNegotiate(peer.ID())
	}
}

// catchUp brings a late joiner to our state: interview_started, and the
// hosted room if we already migrated.
func (s *Session) catchUp(peer domain.UserID) {
	if s.state == domain.StateWaiting {
		return
	}
	if err := s.enqueue(outgoing{category: domain.CategoryInterviewStatus, action: domain.ActionInterviewStarted}); err != nil {
		s.logger.Warn().Err(err).Str("peer", string(peer)).Msg("catch-up interview_started not queued")
	}
	if s.hosted != nil {
		s.broadcastSwitch(*s.hosted)
	}
}

func (s *Session) onParticipantLeft(peer domain.UserID) {
	if n, ok := s.negotiations[peer]; ok {
		n.stop()
		delete(s.negotiations, peer)
	}
	if s.o.Relays != nil {
		s.o.Relays.StopPeer(peer)
	}
	if s.roster.Remove(peer) {
		s.refreshSnapshot()
		s.publish(domain.EventParticipants, s.roster.Snapshot())
	}
}

func (s *Session) broadcastSwitch(room domain.HostedRoom) {
	if err := s.enqueue(outgoing{category: domain.CategoryInterviewStatus, action: domain.ActionSwitchToHosted, payload: room}); err != nil {
		s.logger.Warn().Err(err).Str("hosted_room", room.Name).Msg("switch broadcast not queued")
	}
}

// onTransportSignal routes negotiation messages addressed to us to the current transport.
func (s *Session) onTransportSignal(msg domain.SignalingMessage) {
	if s.state.Terminal() || s.transport == nil {
		return
	}
	var to struct {
		To domain.UserID `json:"to"`
	}
	if err := msg.DecodePayload(&to); err != nil || to.To != s.roster.Self().ID() {
		return
	}
	h, ok := s.transport.(core.SignalHandler)
	if !ok {
		s.logger.Debug().Str("action", msg.Action).Str("kind", string(s.kind)).Msg("transport ignores signal")
		return
	}
	if err := h.HandleSignal(s.ctx, msg); err != nil {
		s.logger.Warn().Err(err).Str("action", msg.Action).Str("peer", string(msg.SenderID)).Msg("transport signal")
	}
}
