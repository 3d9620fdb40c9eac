package rtc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Interview/internal/core"
	"github.com/dkeye/Interview/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const signalTimeout = 5 * time.Second

var (
	errTransportClosed = errors.New("transport closed")
	errNoVideoSender   = errors.New("screen share needs a negotiated video track")
)

// DirectTransport negotiates one PeerConnection per remote participant over
// the signaling room. The lower participant id sends the offer.
type DirectTransport struct {
	api     *webrtc.API
	cfg     webrtc.Configuration
	self    domain.UserID
	send    core.SignalFunc
	sources Sources
	logger  zerolog.Logger

	mu            sync.Mutex
	local         *LocalMedia
	peers         map[domain.UserID]*peerState
	pendingOffers map[domain.UserID]webrtc.SessionDescription
	pendingICE    map[domain.UserID][]webrtc.ICECandidateInit
	screen        webrtc.TrackLocal
	onTrack       func(context.Context, domain.UserID, *webrtc.TrackRemote)
	onPeerDrop    func(domain.UserID)
	closed        bool

	releaseMu sync.Mutex
	released  atomic.Bool
}

var (
	_ core.MediaTransport = (*DirectTransport)(nil)
	_ core.SignalHandler  = (*DirectTransport)(nil)
)

type peerState struct {
	conn      *PeerConn
	video     *webrtc.RTPSender
	connected chan struct{}
	failed    chan struct{}
	upOnce    sync.Once
	downOnce  sync.Once
	up        atomic.Bool
}

func NewDirectTransport(api *webrtc.API, cfg webrtc.Configuration, self domain.UserID, send core.SignalFunc, sources Sources) *DirectTransport {
	return &DirectTransport{
		api:           api,
		cfg:           cfg,
		self:          self,
		send:          send,
		sources:       sources,
		logger:        log.With().Str("module", "rtc").Str("self", string(self)).Logger(),
		peers:         make(map[domain.UserID]*peerState),
		pendingOffers: make(map[domain.UserID]webrtc.SessionDescription),
		pendingICE:    make(map[domain.UserID][]webrtc.ICECandidateInit),
	}
}

func (t *DirectTransport) Kind() domain.TransportKind { return domain.TransportDirect }

func (t *DirectTransport) InitializeLocalMedia(_ context.Context, c core.Constraints) (core.LocalStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, domain.Wrap("local media", domain.ErrMediaAcquisition, errTransportClosed)
	}
	if t.local != nil {
		return t.local, nil
	}
	lm, err := OpenLocalMedia(t.sources, c)
	if err != nil {
		return nil, err
	}
	t.local = lm
	for id, ps := range t.peers {
		t.addTracksLocked(id, ps)
	}
	t.logger.Info().Bool("audio", c.Audio).Bool("video", c.Video).Msg("local media acquired")
	return lm, nil
}

// Negotiate returns once the PeerConnection to peer is connected.
func (t *DirectTransport) Negotiate(ctx context.Context, peer domain.UserID) (core.RemoteStream, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return core.RemoteStream{}, domain.Wrap("negotiate", domain.ErrNegotiation, errTransportClosed)
	}
	ps, err := t.peerLocked(peer)
	if err != nil {
		t.mu.Unlock()
		return core.RemoteStream{}, domain.Wrap("negotiate", domain.ErrNegotiation, err)
	}
	offer, queued := t.pendingOffers[peer]
	delete(t.pendingOffers, peer)
	t.mu.Unlock()

	switch {
	case queued:
		if err := t.answer(ctx, peer, ps, offer); err != nil {
			return core.RemoteStream{}, err
		}
	case t.self < peer && ps.conn.pc.SignalingState() == webrtc.SignalingStateStable && !ps.up.Load():
		sd, err := ps.conn.CreateOffer()
		if err != nil {
			return core.RemoteStream{}, domain.Wrap("create offer", domain.ErrNegotiation, err)
		}
		if err := t.send(ctx, domain.ActionWebRTCOffer, domain.SDPPayload{To: peer, SDP: sd.SDP}); err != nil {
			return core.RemoteStream{}, domain.Wrap("send offer", domain.ErrNegotiation, err)
		}
		t.logger.Info().Str("peer", string(peer)).Msg("offer sent")
	}

	select {
	case <-ps.connected:
		return core.RemoteStream{PeerID: peer, Kind: domain.TransportDirect}, nil
	case <-ps.failed:
		return core.RemoteStream{}, domain.Wrap("negotiate", domain.ErrNegotiation, errors.New("peer connection failed"))
	case <-ctx.Done():
		return core.RemoteStream{}, ctx.Err()
	}
}

// HandleSignal applies an offer, answer or candidate addressed to us.
func (t *DirectTransport) HandleSignal(ctx context.Context, msg domain.SignalingMessage) error {
	from := msg.SenderID
	switch msg.Action {
	case domain.ActionWebRTCOffer, domain.ActionWebRTCAnswer:
		var p domain.SDPPayload
		if err := msg.DecodePayload(&p); err != nil {
			return domain.NewOpError("decode sdp", err, msg.Action)
		}
		if p.To != "" && p.To != t.self {
			return nil
		}
		if msg.Action == domain.ActionWebRTCOffer {
			return t.onOffer(ctx, from, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP})
		}
		return t.onAnswer(from, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP})
	case domain.ActionWebRTCICE:
		var p domain.ICEPayload
		if err := msg.DecodePayload(&p); err != nil {
			return domain.NewOpError("decode ice", err, msg.Action)
		}
		if p.To != "" && p.To != t.self {
			return nil
		}
		return t.onCandidate(from, webrtc.ICECandidateInit{
			Candidate:     p.Candidate,
			SDPMid:        p.SDPMid,
			SDPMLineIndex: p.SDPMLineIndex,
		})
	}
	return nil
}

func (t *DirectTransport) onOffer(ctx context.Context, from domain.UserID, offer webrtc.SessionDescription) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	if t.local == nil {
		// Answered once local tracks exist.
		t.pendingOffers[from] = offer
		t.mu.Unlock()
		t.logger.Debug().Str("peer", string(from)).Msg("offer queued until local media")
		return nil
	}
	ps, err := t.peerLocked(from)
	t.mu.Unlock()
	if err != nil {
		return domain.Wrap("apply offer", domain.ErrNegotiation, err)
	}
	return t.answer(ctx, from, ps, offer)
}

func (t *DirectTransport) answer(ctx context.Context, peer domain.UserID, ps *peerState, offer webrtc.SessionDescription) error {
	sd, err := ps.conn.ApplyOfferAndCreateAnswer(offer)
	if err != nil {
		return domain.Wrap("apply offer", domain.ErrNegotiation, err)
	}
	if err := t.send(ctx, domain.ActionWebRTCAnswer, domain.SDPPayload{To: peer, SDP: sd.SDP}); err != nil {
		return domain.Wrap("send answer", domain.ErrNegotiation, err)
	}
	t.logger.Info().Str("peer", string(peer)).Msg("answer sent")
	return nil
}

func (t *DirectTransport) onAnswer(from domain.UserID, answer webrtc.SessionDescription) error {
	t.mu.Lock()
	ps, ok := t.peers[from]
	t.mu.Unlock()
	if !ok {
		t.logger.Warn().Str("peer", string(from)).Msg("answer for unknown peer")
		return nil
	}
	if err := ps.conn.ApplyAnswer(answer); err != nil {
		return domain.Wrap("apply answer", domain.ErrNegotiation, err)
	}
	return nil
}

func (t *DirectTransport) onCandidate(from domain.UserID, ci webrtc.ICECandidateInit) error {
	t.mu.Lock()
	ps, ok := t.peers[from]
	if !ok {
		t.pendingICE[from] = append(t.pendingICE[from], ci)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	return ps.conn.AddICECandidate(ci)
}

// peerLocked returns the live peer state for id, replacing a failed one.
func (t *DirectTransport) peerLocked(id domain.UserID) (*peerState, error) {
	if ps, ok := t.peers[id]; ok {
		s := ps.conn.State()
		if s != webrtc.PeerConnectionStateFailed && s != webrtc.PeerConnectionStateClosed {
			return ps, nil
		}
		delete(t.peers, id)
		go ps.conn.Close()
	}

	conn, err := NewPeerConn(t.api, t.cfg, id)
	if err != nil {
		return nil, err
	}
	ps := &peerState{
		conn:      conn,
		connected: make(chan struct{}),
		failed:    make(chan struct{}),
	}
	conn.onICE = func(ci webrtc.ICECandidateInit) {
		ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
		defer cancel()
		err := t.send(ctx, domain.ActionWebRTCICE, domain.ICEPayload{
			To:            id,
			Candidate:     ci.Candidate,
			SDPMid:        ci.SDPMid,
			SDPMLineIndex: ci.SDPMLineIndex,
		})
		if err != nil {
			t.logger.Warn().Err(err).Str("peer", string(id)).Msg("send ice candidate")
		}
	}
	conn.onTrack = func(ctx context.Context, track *webrtc.TrackRemote) {
		t.mu.Lock()
		fn := t.onTrack
		t.mu.Unlock()
		if fn != nil {
			fn(ctx, id, track)
		}
	}
	conn.onState = func(s webrtc.PeerConnectionState) { t.onPeerState(id, ps, s) }
	conn.Start()

	t.peers[id] = ps
	t.addTracksLocked(id, ps)
	for _, ci := range t.pendingICE[id] {
		if err := conn.AddICECandidate(ci); err != nil {
			t.logger.Warn().Err(err).Str("peer", string(id)).Msg("early ice candidate")
		}
	}
	delete(t.pendingICE, id)
	return ps, nil
}

func (t *DirectTransport) addTracksLocked(id domain.UserID, ps *peerState) {
	if t.local == nil {
		return
	}
	if track := t.local.AudioTrack(); track != nil {
		if _, err := ps.conn.AddLocalTrack(track); err != nil {
			t.logger.Error().Err(err).Str("peer", string(id)).Msg("add audio track")
		}
	}
	video := t.local.VideoTrack()
	if t.screen != nil {
		video = t.screen
	}
	if video != nil && ps.video == nil {
		sender, err := ps.conn.AddLocalTrack(video)
		if err != nil {
			t.logger.Error().Err(err).Str("peer", string(id)).Msg("add video track")
			return
		}
		ps.video = sender
	}
}

func (t *DirectTransport) onPeerState(id domain.UserID, ps *peerState, s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		ps.upOnce.Do(func() {
			ps.up.Store(true)
			close(ps.connected)
		})
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		ps.downOnce.Do(func() { close(ps.failed) })
		t.mu.Lock()
		closing := t.closed
		fn := t.onPeerDrop
		t.mu.Unlock()
		if ps.up.Load() && !closing && fn != nil {
			fn(id)
		}
	}
}

func (t *DirectTransport) ToggleAudio(enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.local == nil {
		return domain.Wrap("toggle audio", domain.ErrMediaAcquisition, errors.New("no local media"))
	}
	t.local.SetAudioEnabled(enabled)
	return nil
}

func (t *DirectTransport) ToggleVideo(enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.local == nil {
		return domain.Wrap("toggle video", domain.ErrMediaAcquisition, errors.New("no local media"))
	}
	t.local.SetVideoEnabled(enabled)
	return nil
}

// StartScreenShare swaps the screen track into every video sender without
// renegotiating.
func (t *DirectTransport) StartScreenShare(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.local == nil {
		return domain.Wrap("screen share", domain.ErrMediaAcquisition, errors.New("no local media"))
	}
	if t.local.VideoTrack() == nil {
		return domain.Wrap("screen share", domain.ErrMediaAcquisition, errNoVideoSender)
	}
	track, err := t.local.StartScreen()
	if err != nil {
		return err
	}
	if err := t.replaceVideoLocked(track); err != nil {
		t.local.StopScreen()
		return domain.NewOpError("screen share", err, "")
	}
	t.screen = track
	return nil
}

func (t *DirectTransport) StopScreenShare() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.screen == nil {
		return nil
	}
	t.screen = nil
	err := t.replaceVideoLocked(t.local.VideoTrack())
	t.local.StopScreen()
	if err != nil {
		return domain.NewOpError("stop screen share", err, "")
	}
	return nil
}

func (t *DirectTransport) replaceVideoLocked(track webrtc.TrackLocal) error {
	for id, ps := range t.peers {
		if ps.video == nil {
			continue
		}
		if err := ps.video.ReplaceTrack(track); err != nil {
			t.logger.Error().Err(err).Str("peer", string(id)).Msg("replace video track")
			return err
		}
	}
	return nil
}

func (t *DirectTransport) OnTrack(fn func(ctx context.Context, peer domain.UserID, track *webrtc.TrackRemote)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTrack = fn
}

func (t *DirectTransport) OnPeerDisconnected(fn func(peer domain.UserID)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onPeerDrop = fn
}

// Disconnect closes every peer and stops local media. It is idempotent;
// concurrent callers return once the release completed.
func (t *DirectTransport) Disconnect() error {
	t.releaseMu.Lock()
	defer t.releaseMu.Unlock()
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	peers := t.peers
	t.peers = make(map[domain.UserID]*peerState)
	t.pendingOffers = make(map[domain.UserID]webrtc.SessionDescription)
	t.pendingICE = make(map[domain.UserID][]webrtc.ICECandidateInit)
	local := t.local
	t.mu.Unlock()

	for _, ps := range peers {
		ps.conn.Close()
	}
	if local != nil {
		local.Stop()
	}
	t.released.Store(true)
	t.logger.Info().Int("peers", len(peers)).Msg("direct transport released")
	return nil
}

func (t *DirectTransport) Released() bool { return t.released.Load() }

// Peers returns the ids with a PeerConnection.
func (t *DirectTransport) Peers() []domain.UserID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.UserID, 0, len(t.peers))
	for id := range t.peers {
		out = append(out, id)
	}
	return out
}
