// Package hosted is the fallback media transport on a LiveKit server: room
// provisioning through the RoomService API and a participant connection
// that publishes the local tracks.
package hosted

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Interview/internal/core"
	"github.com/dkeye/Interview/internal/domain"
	"github.com/google/uuid"
	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultEmptyTimeout = 10 * time.Minute
	defaultTokenTTL     = 2 * time.Hour
	maxParticipants     = 8
)

var errNotConfigured = errors.New("hosted provider not configured")

type Config struct {
	URL       string
	APIKey    string
	APISecret string
	// EmptyTimeout is how long the provider keeps an empty room.
	EmptyTimeout time.Duration
	TokenTTL     time.Duration
}

func (c Config) Configured() bool {
	return c.URL != "" && c.APIKey != "" && c.APISecret != ""
}

// Token mints a join token for self in room.
func (c Config) Token(room string, self domain.Participant) (string, error) {
	ttl := c.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	at := auth.NewAccessToken(c.APIKey, c.APISecret)
	at.SetVideoGrant(&auth.VideoGrant{RoomJoin: true, Room: room}).
		SetIdentity(string(self.ID())).
		SetName(self.User.DisplayName).
		SetValidFor(ttl)
	return at.ToJWT()
}

// RoomName is the provider room name for an interview: interview-<id>-<short uuid>.
func RoomName(id domain.InterviewID) string {
	return fmt.Sprintf("interview-%s-%s", id, uuid.NewString()[:8])
}

type roomService interface {
	CreateRoom(ctx context.Context, req *livekit.CreateRoomRequest) (*livekit.Room, error)
}

// Provisioner creates interview rooms on the LiveKit server.
type Provisioner struct {
	cfg    Config
	rooms  roomService
	logger zerolog.Logger
}

var _ core.HostedProvisioner = (*Provisioner)(nil)

func NewProvisioner(cfg Config) *Provisioner {
	p := &Provisioner{
		cfg:    cfg,
		logger: log.With().Str("module", "hosted").Logger(),
	}
	if cfg.Configured() {
		p.rooms = lksdk.NewRoomServiceClient(cfg.URL, cfg.APIKey, cfg.APISecret)
	}
	return p
}

func (p *Provisioner) Provision(ctx context.Context, id domain.InterviewID) (domain.HostedRoom, error) {
	if p.rooms == nil {
		return domain.HostedRoom{}, domain.NewOpError("provision", errNotConfigured, string(id))
	}
	empty := p.cfg.EmptyTimeout
	if empty <= 0 {
		empty = defaultEmptyTimeout
	}
	name := RoomName(id)
	room, err := p.rooms.CreateRoom(ctx, &livekit.CreateRoomRequest{
		Name:            name,
		EmptyTimeout:    uint32(empty / time.Second),
		MaxParticipants: maxParticipants,
	})
	if err != nil {
		return domain.HostedRoom{}, domain.NewOpError("provision", err, name)
	}
	p.logger.Info().Str("interview", string(id)).Str("hosted_room", room.Name).Str("sid", room.Sid).Msg("room created")
	return domain.HostedRoom{Name: room.Name, URL: p.cfg.URL}, nil
}
