// Package orch owns the interview session lifecycle.
//
// Each Session runs a single event loop: signaling handlers, transport
// callbacks, timers and API calls are posted to it as closures, so session
// state is never touched concurrently. Asynchronous work (local media,
// negotiation, fallback) runs in goroutines and posts its result back tagged
// with the transport generation it started under; results from an older
// generation or after the session ended are ignored.
package orch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Interview/internal/app"
	"github.com/dkeye/Interview/internal/app/fallback"
	"github.com/dkeye/Interview/internal/app/metrics"
	"github.com/dkeye/Interview/internal/app/mux"
	"github.com/dkeye/Interview/internal/app/relay"
	"github.com/dkeye/Interview/internal/app/timer"
	"github.com/dkeye/Interview/internal/core"
	"github.com/dkeye/Interview/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Timeouts struct {
	Negotiation   time.Duration
	HostedConnect time.Duration
	Teardown      time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Negotiation:   15 * time.Second,
		HostedConnect: 20 * time.Second,
		Teardown:      5 * time.Second,
	}
}

// Orchestrator holds the collaborators shared by every session.
type Orchestrator struct {
	Registry    *app.Registry
	Signal      core.SignalDialer
	Backend     core.InterviewAPI
	Transports  core.TransportFactory
	Provisioner core.HostedProvisioner
	Relays      *relay.Manager
	Policy      app.Policy
	Events      core.EventPublisher
	Metrics     *metrics.Metrics
	Clock       clock.Clock
	Timeouts    Timeouts
	Constraints core.Constraints
}

type SessionParams struct {
	Interview domain.InterviewID
	Room      domain.RoomID
	Self      domain.Participant
	Token     string
}

// RoomFor is the signaling room used when a join request names none.
func RoomFor(id domain.InterviewID) domain.RoomID {
	return domain.RoomID("interview-" + string(id))
}

type Session struct {
	o      *Orchestrator
	id     domain.InterviewID
	room   domain.RoomID
	ch     core.SignalingChannel
	mux    *mux.Multiplexer
	roster core.Roster
	fb     *fallback.Coordinator
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan func()
	done   chan struct{}

	// Outbox; see outbox.go.
	out         chan outgoing
	outDone     chan struct{}
	sendCtx     context.Context
	sendCancel  context.CancelFunc
	outMu       sync.Mutex
	outClosed   bool
	leaveOnExit bool
	flushTimer  *time.Timer

	// Loop-owned state.
	state        domain.SessionState
	gen          uint64
	transport    core.MediaTransport
	local        core.LocalStream
	kind         domain.TransportKind
	hosted       *domain.HostedRoom
	target       *domain.HostedRoom
	releasing    core.MediaTransport
	migCancel    context.CancelFunc
	mediaReady   bool
	migrating    bool
	joinedRoom   bool
	joinPosted   bool
	announced    bool
	negotiations map[domain.UserID]*negotiation
	media        domain.MediaEnabled
	screen       bool
	endedBy      string
	failure      error
	stopped      bool

	snapMu sync.RWMutex
	snap   domain.SessionSnapshot
}

var _ core.InterviewSession = (*Session)(nil)

// NewSession connects the signaling channel for p.Self and starts the session
// loop in waiting. The session ends when ctx is cancelled.
func (o *Orchestrator) NewSession(ctx context.Context, p SessionParams) (*Session, error) {
	if p.Room == "" {
		p.Room = RoomFor(p.Interview)
	}
	ch, err := o.Signal.Connect(ctx, p.Self.ID(), p.Token)
	if err != nil {
		return nil, domain.Wrap("session.connect", domain.ErrChannelDisconnected, err)
	}

	sctx, cancel := context.WithCancel(ctx)
	sendCtx, sendCancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		o:            o,
		id:           p.Interview,
		room:         p.Room,
		ch:           ch,
		mux:          mux.New(ch, p.Room, o.Metrics),
		roster:       core.NewRoster(p.Room, p.Self),
		fb:           fallback.NewCoordinator(p.Interview, o.Provisioner, o.Transports, o.Metrics),
		ctx:          sctx,
		cancel:       cancel,
		inbox:        make(chan func(), 64),
		done:         make(chan struct{}),
		out:          make(chan outgoing, outboxSize),
		outDone:      make(chan struct{}),
		sendCtx:      sendCtx,
		sendCancel:   sendCancel,
		state:        domain.StateWaiting,
		kind:         domain.TransportDirect,
		negotiations: make(map[domain.UserID]*negotiation),
		media:        domain.MediaEnabled{Audio: o.Constraints.Audio, Video: o.Constraints.Video},
		logger: log.With().
			Str("module", "orch").
			Str("interview", string(p.Interview)).
			Str("room", string(p.Room)).
			Str("self", string(p.Self.ID())).
			Logger(),
	}
	s.roster.SetSelfMedia(s.media)
	s.registerHandlers()
	ch.OnMessage(func(msg domain.SignalingMessage) { s.mux.Dispatch(msg) })
	ch.OnClosed(func(err error) {
		s.post(func() { s.fail(domain.Wrap("signaling", domain.ErrChannelDisconnected, err)) })
	})
	s.refreshSnapshot()
	if o.Metrics != nil {
		o.Metrics.ActiveSessions.Inc()
	}

	go s.sender()
	go s.loop()
	return s, nil
}

func (s *Session) loop() {
	defer func() {
		s.closeOutbox(false)
		if s.o.Metrics != nil {
			s.o.Metrics.ActiveSessions.Dec()
		}
		// Queued results still run so stale transports get released.
		for flushing := true; flushing; {
			select {
			case fn := <-s.inbox:
				fn()
			case <-s.outDone:
				flushing = false
			}
		}
		s.drain()
		close(s.done)
		s.drain()
		s.logger.Info().Msg("session loop exited")
	}()
	for !s.stopped {
		select {
		case fn := <-s.inbox:
			fn()
		case <-s.ctx.Done():
			s.teardown("shutdown", nil, false)
		}
	}
}

func (s *Session) drain() {
	for {
		select {
		case fn := <-s.inbox:
			fn()
		default:
			return
		}
	}
}

// post queues fn on the session loop. It reports false once the loop exited.
func (s *Session) post(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- fn:
		return true
	case <-s.done:
		return false
	}
}

// call runs fn on the loop and waits for its result.
func (s *Session) call(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	if !s.post(func() { reply <- fn() }) {
		return domain.ErrSessionEnded
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return domain.ErrSessionEnded
		}
	}
}

func (s *Session) ID() domain.InterviewID { return s.id }

func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Snapshot() domain.SessionSnapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	snap := s.snap
	snap.Participants = append([]domain.Participant(nil), s.snap.Participants...)
	return snap
}

// Start joins the signaling room and announces presence. Idempotent.
func (s *Session) Start(ctx context.Context) error {
	return s.call(ctx, func() error {
		if s.state.Terminal() {
			return domain.ErrSessionEnded
		}
		if err := s.joinRoom(); err != nil {
			return err
		}
		if s.state == domain.StateWaiting && !s.announced {
			s.announce(false)
		}
		return nil
	})
}

// BeginInterview broadcasts interview_started and applies it locally once
// the broadcast went out.
func (s *Session) BeginInterview(ctx context.Context) error {
	sent := make(chan error, 1)
	err := s.call(ctx, func() error {
		if s.state != domain.StateWaiting {
			return domain.NewOpError("begin", domain.ErrInvalidState, string(s.state))
		}
		if err := s.joinRoom(); err != nil {
			return err
		}
		return s.enqueue(outgoing{
			category: domain.CategoryInterviewStatus,
			action:   domain.ActionInterviewStarted,
			done: func(err error) {
				if err == nil {
					s.onInterviewStarted()
				}
				sent <- err
			},
		})
	})
	if err != nil {
		return err
	}
	select {
	case err := <-sent:
		if err != nil {
			return domain.NewOpError("begin", err, "broadcast interview_started")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return domain.ErrSessionEnded
	}
}

// End ends the session locally, notifies peers and the backend. Ending an
// ended session is a no-op.
func (s *Session) End(ctx context.Context, by string) error {
	err := s.call(ctx, func() error {
		if s.state.Terminal() {
			return nil
		}
		if err := s.enqueue(outgoing{
			category: domain.CategoryInterviewStatus,
			action:   domain.ActionInterviewEnded,
			payload:  domain.InterviewEndedPayload{EndedBy: by},
		}); err != nil {
			s.logger.Warn().Err(err).Msg("interview_ended not queued")
		}
		s.teardown(by, nil, true)
		return nil
	})
	if err == domain.ErrSessionEnded {
		return nil
	}
	return err
}

func (s *Session) SendChat(ctx context.Context, text string) error {
	if err := s.ensureLive(); err != nil {
		return err
	}
	payload := chatPayload{Text: text, From: s.roster.Self().User.DisplayName, At: s.now()}
	if err := s.mux.Send(ctx, domain.CategorySignal, domain.ActionChatMessage, payload); err != nil {
		return err
	}
	s.publish(domain.EventChat, payload)
	return nil
}

func (s *Session) SendWhiteboard(ctx context.Context, event json.RawMessage) error {
	if err := s.ensureLive(); err != nil {
		return err
	}
	if !json.Valid(event) {
		return fmt.Errorf("whiteboard event is not valid json")
	}
	return s.mux.Send(ctx, domain.CategorySignal, domain.ActionWhiteboardEvent, event)
}

// AskQuestion broadcasts an AI-generated question to the room.
func (s *Session) AskQuestion(ctx context.Context, question string) error {
	if err := s.ensureLive(); err != nil {
		return err
	}
	return s.mux.Send(ctx, domain.CategorySignal, domain.ActionAIQuestion, map[string]string{"question": question})
}

type chatPayload struct {
	Text string    `json:"text"`
	From string    `json:"from"`
	At   time.Time `json:"at"`
}

func (s *Session) ensureLive() error {
	if s.Snapshot().State.Terminal() {
		return domain.ErrSessionEnded
	}
	return nil
}

func (s *Session) now() time.Time { return s.o.clk().Now() }

func (o *Orchestrator) clk() clock.Clock {
	if o.Clock != nil {
		return o.Clock
	}
	return clock.New()
}

// timeouts fills unset values with the defaults.
func (o *Orchestrator) timeouts() Timeouts {
	t, def := o.Timeouts, DefaultTimeouts()
	if t.Negotiation <= 0 {
		t.Negotiation = def.Negotiation
	}
	if t.HostedConnect <= 0 {
		t.HostedConnect = def.HostedConnect
	}
	if t.Teardown <= 0 {
		t.Teardown = def.Teardown
	}
	return t
}

// transition moves the state machine. Leaving ended is never allowed.
func (s *Session) transition(to domain.SessionState) bool {
	from := s.state
	if from == to || from.Terminal() {
		return false
	}
	switch {
	case from == domain.StateWaiting && to == domain.StateConnecting,
		from == domain.StateConnecting && to == domain.StateActive,
		to == domain.StateEnded:
	default:
		s.logger.Warn().Str("from", string(from)).Str("to", string(to)).Msg("transition rejected")
		return false
	}
	s.state = to
	s.logger.Info().Str("from", string(from)).Str("to", string(to)).Str("transport", string(s.kind)).Msg("state changed")
	if s.o.Metrics != nil {
		s.o.Metrics.StateTransitions.WithLabelValues(string(from), string(to)).Inc()
	}
	s.refreshSnapshot()
	s.publish(domain.EventStateChanged, s.Snapshot())
	return true
}

func (s *Session) fail(err error) {
	if s.state.Terminal() {
		return
	}
	s.logger.Error().Err(err).Msg("session failed")
	s.teardown("", err, false)
}

// teardown runs the ended side effects once: cancel in-flight work, release
// media, then leave the room after the outbox flushed.
func (s *Session) teardown(by string, cause error, notifyBackend bool) {
	if s.stopped {
		return
	}
	s.endedBy = by
	s.failure = cause
	s.gen++
	s.cancel()
	s.cancelNegotiations()
	if s.transport != nil {
		if err := s.transport.Disconnect(); err != nil {
			s.logger.Warn().Err(err).Msg("transport disconnect")
		}
		s.transport = nil
		s.local = nil
	}
	if s.releasing != nil {
		if err := s.releasing.Disconnect(); err != nil {
			s.logger.Warn().Err(err).Msg("transport disconnect")
		}
		s.releasing = nil
	}
	if s.o.Relays != nil {
		for _, peer := range s.roster.Remote() {
			s.o.Relays.StopPeer(peer)
		}
	}

	s.closeOutbox(s.joinedRoom)
	s.joinedRoom = false

	ctx, cancel := context.WithTimeout(context.Background(), s.teardownTimeout())
	defer cancel()
	if notifyBackend && s.o.Backend != nil {
		if err := s.o.Backend.End(ctx, s.id, by); err != nil {
			s.logger.Warn().Err(err).Msg("backend end")
		}
	}

	s.transition(domain.StateEnded)
	if cause != nil {
		s.publish(domain.EventSessionError, s.Snapshot())
	}
	s.stopped = true
}

func (s *Session) teardownTimeout() time.Duration { return s.o.timeouts().Teardown }

func (s *Session) refreshSnapshot() {
	snap := domain.SessionSnapshot{
		ID:            s.id,
		Room:          s.room,
		Self:          s.roster.Self(),
		Participants:  s.roster.Snapshot(),
		State:         s.state,
		TransportKind: s.kind,
		ScreenSharing: s.screen,
		EndedBy:       s.endedBy,
		UpdatedAt:     s.now(),
	}
	if s.hosted != nil {
		h := *s.hosted
		snap.HostedRoom = &h
	}
	if s.failure != nil {
		snap.Error = s.failure.Error()
		if s.o.Policy != nil {
			r := s.o.Policy.Remediate(s.failure)
			snap.Remediation = &r
		}
	}
	s.snapMu.Lock()
	s.snap = snap
	s.snapMu.Unlock()
}

func (s *Session) publish(typ string, data any) {
	if s.o.Events == nil {
		return
	}
	s.o.Events.Publish(domain.SessionEvent{Interview: s.id, Type: typ, Data: data, At: s.now()})
}

// deadline arms a loop-side timer tagged with the current generation.
func (s *Session) deadline(d time.Duration, fn func()) *timer.Deadline {
	gen := s.gen
	return timer.After(s.o.clk(), d, func() {
		s.post(func() {
			if gen != s.gen || s.state.Terminal() {
				return
			}
			fn()
		})
	})
}
