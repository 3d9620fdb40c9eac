// Package adapters wires the concrete media transports behind
// core.TransportFactory.
package adapters

import (
	"errors"

	"github.com/dkeye/Interview/internal/adapters/hosted"
	"github.com/dkeye/Interview/internal/adapters/rtc"
	"github.com/dkeye/Interview/internal/core"
	"github.com/dkeye/Interview/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var errHostedDisabled = errors.New("hosted media is not configured")

// TransportFactory builds pion transports for direct media and LiveKit
// transports for the hosted fallback. Both read local media from Sources.
type TransportFactory struct {
	api     *webrtc.API
	webrtc  webrtc.Configuration
	sources rtc.Sources
	hosted  hosted.Config
}

var _ core.TransportFactory = (*TransportFactory)(nil)

func NewTransportFactory(iceServers []string, sources rtc.Sources, hostedCfg hosted.Config) (*TransportFactory, error) {
	api, err := rtc.NewAPI()
	if err != nil {
		return nil, err
	}
	return &TransportFactory{
		api:     api,
		webrtc:  rtc.DefaultWebRTCConfig(iceServers),
		sources: sources,
		hosted:  hostedCfg,
	}, nil
}

func (f *TransportFactory) Direct(self domain.Participant, send core.SignalFunc) (core.MediaTransport, error) {
	if send == nil {
		return nil, domain.NewOpError("direct transport", domain.ErrNegotiation, "no signaling")
	}
	log.Debug().Str("module", "adapters").Str("self", string(self.ID())).Msg("new direct transport")
	return rtc.NewDirectTransport(f.api, f.webrtc, self.ID(), send, f.sources), nil
}

func (f *TransportFactory) Hosted(self domain.Participant, room domain.HostedRoom) (core.MediaTransport, error) {
	if !f.hosted.Configured() {
		return nil, domain.Wrap("hosted transport", domain.ErrConnectionFailed, errHostedDisabled)
	}
	if !room.Valid() {
		return nil, domain.NewOpError("hosted transport", domain.ErrConnectionFailed, "invalid room "+room.Name)
	}
	log.Debug().Str("module", "adapters").Str("self", string(self.ID())).Str("room", room.Name).Msg("new hosted transport")
	return hosted.NewTransport(f.hosted, room, self, f.sources), nil
}
