package hosted

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Interview/internal/adapters/rtc"
	"github.com/dkeye/Interview/internal/core"
	"github.com/dkeye/Interview/internal/domain"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	errTransportClosed = errors.New("transport closed")
	errNoLocalMedia    = errors.New("no local media")
)

// roomConn is the part of a LiveKit room connection the transport uses.
type roomConn interface {
	Publish(track webrtc.TrackLocal, name string, source livekit.TrackSource) (publication, error)
	Unpublish(sid string) error
	RemoteIdentities() []string
	Disconnect()
}

type publication interface {
	SID() string
	SetMuted(bool)
}

// events are the room callbacks the transport reacts to.
type events struct {
	joined  func(identity string)
	left    func(identity string)
	track   func(identity string, track *webrtc.TrackRemote)
	dropped func()
}

type dialFunc func(url, token string, ev events) (roomConn, error)

// Transport is a MediaTransport that joins one LiveKit room. Negotiate
// resolves once the peer is present in the same room.
type Transport struct {
	cfg     Config
	room    domain.HostedRoom
	self    domain.Participant
	sources rtc.Sources
	dial    dialFunc
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	connMu sync.Mutex
	conn   roomConn

	mu         sync.Mutex
	local      *rtc.LocalMedia
	audioPub   publication
	videoPub   publication
	screenPub  publication
	present    map[domain.UserID]chan struct{}
	onTrack    func(context.Context, domain.UserID, *webrtc.TrackRemote)
	onPeerDrop func(domain.UserID)
	closed     bool

	releaseMu sync.Mutex
	released  atomic.Bool
}

var _ core.MediaTransport = (*Transport)(nil)

func NewTransport(cfg Config, room domain.HostedRoom, self domain.Participant, sources rtc.Sources) *Transport {
	return newTransport(cfg, room, self, sources, dialLiveKit)
}

func newTransport(cfg Config, room domain.HostedRoom, self domain.Participant, sources rtc.Sources, dial dialFunc) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:     cfg,
		room:    room,
		self:    self,
		sources: sources,
		dial:    dial,
		logger: log.With().Str("module", "hosted").
			Str("hosted_room", room.Name).
			Str("self", string(self.ID())).
			Logger(),
		ctx:     ctx,
		cancel:  cancel,
		present: make(map[domain.UserID]chan struct{}),
	}
}

func (t *Transport) Kind() domain.TransportKind { return domain.TransportHosted }

func (t *Transport) Room() domain.HostedRoom { return t.room }

func (t *Transport) InitializeLocalMedia(_ context.Context, c core.Constraints) (core.LocalStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, domain.Wrap("local media", domain.ErrMediaAcquisition, errTransportClosed)
	}
	if t.local != nil {
		return t.local, nil
	}
	lm, err := rtc.OpenLocalMedia(t.sources, c)
	if err != nil {
		return nil, err
	}
	t.local = lm
	return lm, nil
}

// Negotiate joins the room on first use and waits for peer to be present.
func (t *Transport) Negotiate(ctx context.Context, peer domain.UserID) (core.RemoteStream, error) {
	if err := t.connect(ctx); err != nil {
		if ctx.Err() != nil {
			return core.RemoteStream{}, ctx.Err()
		}
		return core.RemoteStream{}, domain.Wrap("hosted join", domain.ErrNegotiation, err)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return core.RemoteStream{}, domain.Wrap("negotiate", domain.ErrNegotiation, errTransportClosed)
	}
	wait := t.presenceLocked(peer)
	t.mu.Unlock()

	select {
	case <-wait:
		return core.RemoteStream{PeerID: peer, Kind: domain.TransportHosted}, nil
	case <-t.ctx.Done():
		return core.RemoteStream{}, domain.Wrap("negotiate", domain.ErrNegotiation, errTransportClosed)
	case <-ctx.Done():
		return core.RemoteStream{}, ctx.Err()
	}
}

func (t *Transport) connect(ctx context.Context) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn != nil {
		return nil
	}
	if t.isClosed() {
		return errTransportClosed
	}
	token, err := t.cfg.Token(t.room.Name, t.self)
	if err != nil {
		return err
	}

	type result struct {
		conn roomConn
		err  error
	}
	res := make(chan result, 1)
	go func() {
		c, err := t.dial(t.room.URL, token, t.events())
		res <- result{c, err}
	}()
	var r result
	select {
	case r = <-res:
	case <-ctx.Done():
		go func() {
			if r := <-res; r.conn != nil {
				r.conn.Disconnect()
			}
		}()
		return ctx.Err()
	}
	if r.err != nil {
		return r.err
	}
	if t.isClosed() {
		r.conn.Disconnect()
		return errTransportClosed
	}
	t.conn = r.conn
	t.logger.Info().Msg("joined hosted room")

	for _, id := range r.conn.RemoteIdentities() {
		t.participantJoined(id)
	}
	return t.publishLocal()
}

func (t *Transport) publishLocal() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.local == nil {
		return nil
	}
	if track := t.local.AudioTrack(); track != nil && t.audioPub == nil {
		pub, err := t.conn.Publish(track, "microphone", livekit.TrackSource_MICROPHONE)
		if err != nil {
			return err
		}
		t.audioPub = pub
	}
	if track := t.local.VideoTrack(); track != nil && t.videoPub == nil {
		pub, err := t.conn.Publish(track, "camera", livekit.TrackSource_CAMERA)
		if err != nil {
			return err
		}
		t.videoPub = pub
	}
	if track := t.local.ScreenTrack(); track != nil && t.screenPub == nil {
		pub, err := t.conn.Publish(track, "screen", livekit.TrackSource_SCREEN_SHARE)
		if err != nil {
			return err
		}
		t.screenPub = pub
	}
	return nil
}

func (t *Transport) events() events {
	return events{
		joined: t.participantJoined,
		left:   t.participantLeft,
		track: func(identity string, track *webrtc.TrackRemote) {
			t.mu.Lock()
			fn := t.onTrack
			t.mu.Unlock()
			if fn != nil {
				fn(t.ctx, domain.UserID(identity), track)
			}
		},
		dropped: t.roomDropped,
	}
}

func (t *Transport) presenceLocked(id domain.UserID) chan struct{} {
	ch, ok := t.present[id]
	if !ok {
		ch = make(chan struct{})
		t.present[id] = ch
	}
	return ch
}

func (t *Transport) participantJoined(identity string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := t.presenceLocked(domain.UserID(identity))
	select {
	case <-ch:
	default:
		close(ch)
		t.logger.Info().Str("peer", identity).Msg("participant present")
	}
}

func (t *Transport) participantLeft(identity string) {
	id := domain.UserID(identity)
	t.mu.Lock()
	ch, ok := t.present[id]
	wasPresent := false
	if ok {
		select {
		case <-ch:
			wasPresent = true
			delete(t.present, id)
		default:
		}
	}
	fn, closed := t.onPeerDrop, t.closed
	t.mu.Unlock()
	if wasPresent && !closed && fn != nil {
		t.logger.Info().Str("peer", identity).Msg("participant left hosted room")
		fn(id)
	}
}

// roomDropped reports every present participant as gone.
func (t *Transport) roomDropped() {
	t.mu.Lock()
	var gone []domain.UserID
	for id, ch := range t.present {
		select {
		case <-ch:
			gone = append(gone, id)
			delete(t.present, id)
		default:
		}
	}
	fn, closed := t.onPeerDrop, t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	t.logger.Warn().Int("peers", len(gone)).Msg("hosted room connection lost")
	if fn == nil {
		return
	}
	for _, id := range gone {
		fn(id)
	}
}

func (t *Transport) ToggleAudio(enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.local == nil {
		return domain.Wrap("toggle audio", domain.ErrMediaAcquisition, errNoLocalMedia)
	}
	t.local.SetAudioEnabled(enabled)
	if t.audioPub != nil {
		t.audioPub.SetMuted(!enabled)
	}
	return nil
}

func (t *Transport) ToggleVideo(enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.local == nil {
		return domain.Wrap("toggle video", domain.ErrMediaAcquisition, errNoLocalMedia)
	}
	t.local.SetVideoEnabled(enabled)
	if t.videoPub != nil {
		t.videoPub.SetMuted(!enabled)
	}
	return nil
}

// StartScreenShare publishes the screen as an extra track.
func (t *Transport) StartScreenShare(context.Context) error {
	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.local == nil {
		return domain.Wrap("screen share", domain.ErrMediaAcquisition, errNoLocalMedia)
	}
	if t.screenPub != nil {
		return nil
	}
	track, err := t.local.StartScreen()
	if err != nil {
		return err
	}
	if conn == nil {
		// Published with the rest once joined.
		return nil
	}
	pub, err := conn.Publish(track, "screen", livekit.TrackSource_SCREEN_SHARE)
	if err != nil {
		t.local.StopScreen()
		return domain.NewOpError("screen share", err, t.room.Name)
	}
	t.screenPub = pub
	return nil
}

func (t *Transport) StopScreenShare() error {
	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.local == nil {
		return nil
	}
	pub := t.screenPub
	t.screenPub = nil
	t.local.StopScreen()
	if pub == nil || conn == nil {
		return nil
	}
	if err := conn.Unpublish(pub.SID()); err != nil {
		return domain.NewOpError("stop screen share", err, t.room.Name)
	}
	return nil
}

func (t *Transport) OnTrack(fn func(ctx context.Context, peer domain.UserID, track *webrtc.TrackRemote)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTrack = fn
}

func (t *Transport) OnPeerDisconnected(fn func(peer domain.UserID)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onPeerDrop = fn
}

// Disconnect is idempotent. Concurrent callers return once the release
// completed.
func (t *Transport) Disconnect() error {
	t.releaseMu.Lock()
	defer t.releaseMu.Unlock()
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	local := t.local
	t.mu.Unlock()
	t.cancel()

	t.connMu.Lock()
	conn := t.conn
	t.conn = nil
	t.connMu.Unlock()
	if conn != nil {
		conn.Disconnect()
	}
	if local != nil {
		local.Stop()
	}
	t.released.Store(true)
	t.logger.Info().Msg("hosted transport released")
	return nil
}

func (t *Transport) Released() bool { return t.released.Load() }

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// lkRoom adapts *lksdk.Room to roomConn.
type lkRoom struct {
	room *lksdk.Room
}

func dialLiveKit(url, token string, ev events) (roomConn, error) {
	cb := &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, _ *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				ev.track(rp.Identity(), track)
			},
		},
		OnParticipantConnected:    func(rp *lksdk.RemoteParticipant) { ev.joined(rp.Identity()) },
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) { ev.left(rp.Identity()) },
		OnDisconnected:            ev.dropped,
	}

	room, err := lksdk.ConnectToRoomWithToken(url, token, cb, lksdk.WithAutoSubscribe(true))
	if err != nil {
		return nil, err
	}
	return &lkRoom{room: room}, nil
}

func (r *lkRoom) Publish(track webrtc.TrackLocal, name string, source livekit.TrackSource) (publication, error) {
	pub, err := r.room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{Name: name, Source: source})
	if err != nil {
		return nil, err
	}
	return pub, nil
}

func (r *lkRoom) Unpublish(sid string) error {
	return r.room.LocalParticipant.UnpublishTrack(sid)
}

func (r *lkRoom) RemoteIdentities() []string {
	rps := r.room.GetRemoteParticipants()
	out := make([]string, 0, len(rps))
	for _, rp := range rps {
		out = append(out, rp.Identity())
	}
	return out
}

func (r *lkRoom) Disconnect() { r.room.Disconnect() }
