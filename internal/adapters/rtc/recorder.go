package rtc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dkeye/Interview/internal/app/metrics"
	"github.com/dkeye/Interview/internal/app/relay"
	"github.com/dkeye/Interview/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog/log"
)

// Sinks returns the relay.SinkFactory for remote tracks: a packet counter
// always, plus a disk recorder when recordDir is set.
func Sinks(m *metrics.Metrics, recordDir string) relay.SinkFactory {
	return func(peer domain.UserID, src relay.TrackSource) []*relay.Sink {
		kind := src.Kind().String()
		sinks := []*relay.Sink{relay.NewSink("count", relay.NewPacketCounter(m, kind))}
		if recordDir == "" {
			return sinks
		}
		w, err := NewRecorder(recordDir, peer, src.ID(), src.Codec().MimeType)
		if err != nil {
			log.Warn().Str("module", "rtc").Err(err).
				Str("peer", string(peer)).
				Str("track", src.ID()).
				Msg("recording disabled for track")
			return sinks
		}
		return append(sinks, relay.NewSink("record", w))
	}
}

// NewRecorder opens an IVF (VP8) or Ogg (Opus) file for one remote track.
func NewRecorder(dir string, peer domain.UserID, trackID, mimeType string) (relay.Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	base := fmt.Sprintf("%s-%s-%d", sanitize(string(peer)), sanitize(trackID), time.Now().Unix())
	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
		w, err := ivfwriter.New(filepath.Join(dir, base+".ivf"))
		if err != nil {
			return nil, err
		}
		return w, nil
	case strings.EqualFold(mimeType, webrtc.MimeTypeOpus):
		w, err := oggwriter.New(filepath.Join(dir, base+".ogg"), oggSampleRate, 2)
		if err != nil {
			return nil, err
		}
		return w, nil
	default:
		return nil, fmt.Errorf("no recorder for codec %q", mimeType)
	}
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
