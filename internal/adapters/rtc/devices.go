package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Interview/internal/core"
	"github.com/dkeye/Interview/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const oggSampleRate = 48000

// Sources are the disk-backed stand-ins for camera, microphone and screen:
// IVF (VP8/VP9) for video and Ogg/Opus for audio, looped while published.
type Sources struct {
	VideoFile  string
	AudioFile  string
	ScreenFile string
}

// LocalMedia is the local capture of one transport. Disabled tracks stay
// negotiated but send nothing.
type LocalMedia struct {
	id      string
	sources Sources
	logger  zerolog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool

	audio *sampleTrack
	video *sampleTrack

	mu     sync.Mutex
	screen *sampleTrack
}

var _ core.LocalStream = (*LocalMedia)(nil)

type sampleTrack struct {
	track   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	cancel  context.CancelFunc
}

// OpenLocalMedia acquires the requested devices. A requested device without
// a readable source fails with domain.ErrMediaAcquisition.
func OpenLocalMedia(sources Sources, c core.Constraints) (*LocalMedia, error) {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	lm := &LocalMedia{
		id:      id,
		sources: sources,
		logger:  log.With().Str("module", "rtc").Str("stream", id).Logger(),
		ctx:     ctx,
		cancel:  cancel,
	}
	if c.Audio {
		st, err := lm.open("audio", sources.AudioFile, openOgg)
		if err != nil {
			cancel()
			return nil, domain.Wrap("open microphone", domain.ErrMediaAcquisition, err)
		}
		lm.audio = st
	}
	if c.Video {
		st, err := lm.open("video", sources.VideoFile, openIVF)
		if err != nil {
			lm.Stop()
			return nil, domain.Wrap("open camera", domain.ErrMediaAcquisition, err)
		}
		lm.video = st
	}
	return lm, nil
}

func (lm *LocalMedia) ID() string { return lm.id }

func (lm *LocalMedia) AudioTrack() webrtc.TrackLocal { return trackOf(lm.audio) }

func (lm *LocalMedia) VideoTrack() webrtc.TrackLocal { return trackOf(lm.video) }

func (lm *LocalMedia) SetAudioEnabled(on bool) {
	if lm.audio != nil {
		lm.audio.enabled.Store(on)
	}
}

func (lm *LocalMedia) SetVideoEnabled(on bool) {
	if lm.video != nil {
		lm.video.enabled.Store(on)
	}
}

// StartScreen opens the screen source and returns its track.
func (lm *LocalMedia) StartScreen() (webrtc.TrackLocal, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.screen != nil {
		return lm.screen.track, nil
	}
	st, err := lm.open("screen", lm.sources.ScreenFile, openIVF)
	if err != nil {
		return nil, domain.Wrap("open screen", domain.ErrMediaAcquisition, err)
	}
	lm.screen = st
	return st.track, nil
}

// ScreenTrack is nil unless a screen share is running.
func (lm *LocalMedia) ScreenTrack() webrtc.TrackLocal {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return trackOf(lm.screen)
}

func (lm *LocalMedia) StopScreen() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.screen != nil {
		lm.screen.cancel()
		lm.screen = nil
	}
}

func (lm *LocalMedia) Stop() {
	if lm.stopped.Swap(true) {
		return
	}
	lm.cancel()
	lm.logger.Info().Msg("local media stopped")
}

func (lm *LocalMedia) Stopped() bool { return lm.stopped.Load() }

func trackOf(st *sampleTrack) webrtc.TrackLocal {
	if st == nil {
		return nil
	}
	return st.track
}

// frameSource yields encoded frames with their playback duration.
type frameSource interface {
	Codec() string
	Next() ([]byte, time.Duration, error)
	Close() error
}

type opener func(path string) (frameSource, error)

func (lm *LocalMedia) open(kind, path string, openFn opener) (*sampleTrack, error) {
	if path == "" {
		return nil, fmt.Errorf("no %s source configured", kind)
	}
	src, err := openFn(path)
	if err != nil {
		return nil, err
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: src.Codec()}, kind, lm.id)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(lm.ctx)
	st := &sampleTrack{track: track, cancel: cancel}
	st.enabled.Store(true)
	go lm.pump(ctx, st, src, path, openFn)
	return st, nil
}

// pump paces frames into the track and loops the file at EOF.
func (lm *LocalMedia) pump(ctx context.Context, st *sampleTrack, src frameSource, path string, openFn opener) {
	logger := lm.logger.With().Str("track", st.track.ID()).Logger()
	defer func() { _ = src.Close() }()
	frames := 0
	for {
		data, dur, err := src.Next()
		if errors.Is(err, io.EOF) {
			if frames == 0 {
				logger.Warn().Str("file", path).Msg("source has no frames")
				return
			}
			_ = src.Close()
			if src, err = openFn(path); err != nil {
				logger.Error().Err(err).Msg("reopen source")
				return
			}
			frames = 0
			continue
		}
		if err != nil {
			logger.Error().Err(err).Msg("read frame")
			return
		}
		frames++

		select {
		case <-ctx.Done():
			return
		case <-time.After(dur):
		}
		if !st.enabled.Load() {
			continue
		}
		if err := st.track.WriteSample(media.Sample{Data: data, Duration: dur}); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return
			}
			logger.Debug().Err(err).Msg("write sample")
		}
	}
}

type ivfSource struct {
	f     *os.File
	r     *ivfreader.IVFReader
	codec string
	frame time.Duration
}

func openIVF(path string) (frameSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, h, err := ivfreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("ivf header: %w", err)
	}
	var codec string
	switch h.FourCC {
	case "VP80":
		codec = webrtc.MimeTypeVP8
	case "VP90":
		codec = webrtc.MimeTypeVP9
	default:
		_ = f.Close()
		return nil, fmt.Errorf("unsupported ivf codec %q", h.FourCC)
	}
	frame := 33 * time.Millisecond
	if h.TimebaseDenominator != 0 {
		if d := time.Duration(float64(h.TimebaseNumerator) / float64(h.TimebaseDenominator) * float64(time.Second)); d > 0 {
			frame = d
		}
	}
	return &ivfSource{f: f, r: r, codec: codec, frame: frame}, nil
}

func (s *ivfSource) Codec() string { return s.codec }

func (s *ivfSource) Next() ([]byte, time.Duration, error) {
	data, _, err := s.r.ParseNextFrame()
	return data, s.frame, err
}

func (s *ivfSource) Close() error { return s.f.Close() }

type oggSource struct {
	f           *os.File
	r           *oggreader.OggReader
	lastGranule uint64
}

func openOgg(path string) (frameSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, _, err := oggreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("ogg header: %w", err)
	}
	return &oggSource{f: f, r: r}, nil
}

func (s *oggSource) Codec() string { return webrtc.MimeTypeOpus }

func (s *oggSource) Next() ([]byte, time.Duration, error) {
	for {
		data, h, err := s.r.ParseNextPage()
		if err != nil {
			return nil, 0, err
		}
		samples := h.GranulePosition - s.lastGranule
		s.lastGranule = h.GranulePosition
		if samples == 0 {
			// Header and comment pages carry no audio.
			continue
		}
		return data, time.Duration(float64(samples) / oggSampleRate * float64(time.Second)), nil
	}
}

func (s *oggSource) Close() error { return s.f.Close() }
