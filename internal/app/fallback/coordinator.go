// Package fallback migrates a session from the direct transport to a hosted room.
package fallback

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/Interview/internal/app/metrics"
	"github.com/dkeye/Interview/internal/core"
	"github.com/dkeye/Interview/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrAlreadyAttempted = errors.New("fallback already attempted")
	ErrNotReleased      = errors.New("previous transport not released")
)

// Result is the hosted handle that replaces the previous one.
type Result struct {
	Room      domain.HostedRoom
	Transport core.MediaTransport
	Local     core.LocalStream
	// Provisioned is false when the room came from a peer announcement.
	Provisioned bool
}

// Coordinator makes at most one provisioning call per session.
type Coordinator struct {
	interview   domain.InterviewID
	provisioner core.HostedProvisioner
	factory     core.TransportFactory
	metrics     *metrics.Metrics
	logger      zerolog.Logger

	mu        sync.Mutex
	attempted bool
}

func NewCoordinator(
	interview domain.InterviewID,
	provisioner core.HostedProvisioner,
	factory core.TransportFactory,
	m *metrics.Metrics,
) *Coordinator {
	return &Coordinator{
		interview:   interview,
		provisioner: provisioner,
		factory:     factory,
		metrics:     m,
		logger:      log.With().Str("module", "fallback").Str("interview", string(interview)).Logger(),
	}
}

// Attempted reports whether the provisioning call was already made.
func (c *Coordinator) Attempted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempted
}

// OnNegotiationFailure provisions a hosted room, tears down old and builds a
// hosted transport with the same constraints. Every error it returns wraps
// domain.ErrConnectionFailed unless ctx was cancelled.
func (c *Coordinator) OnNegotiationFailure(
	ctx context.Context,
	old core.MediaTransport,
	self domain.Participant,
	constraints core.Constraints,
) (Result, error) {
	c.mu.Lock()
	if c.attempted {
		c.mu.Unlock()
		return Result{}, domain.Wrap("fallback", domain.ErrConnectionFailed, ErrAlreadyAttempted)
	}
	c.attempted = true
	c.mu.Unlock()

	c.logger.Info().Msg("provisioning hosted room")
	room, err := c.provisioner.Provision(ctx, c.interview)
	if err == nil && !room.Valid() {
		err = errors.New("provider returned an incomplete room")
	}
	if err != nil {
		c.release(old)
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		c.outcome("provision_failed")
		c.logger.Error().Err(err).Msg("hosted room provisioning failed")
		return Result{}, domain.Wrap("fallback.provision", domain.ErrConnectionFailed, err)
	}
	c.logger.Info().Str("hosted_room", room.Name).Msg("hosted room provisioned")

	res, err := c.migrate(ctx, old, self, room, constraints)
	if err != nil {
		return Result{}, err
	}
	res.Provisioned = true
	c.outcome("migrated")
	return res, nil
}

// Adopt joins a room provisioned by a peer. It never provisions.
func (c *Coordinator) Adopt(
	ctx context.Context,
	old core.MediaTransport,
	self domain.Participant,
	room domain.HostedRoom,
	constraints core.Constraints,
) (Result, error) {
	if !room.Valid() {
		return Result{}, domain.Wrap("fallback.adopt", domain.ErrConnectionFailed, errors.New("invalid hosted room"))
	}
	c.logger.Info().Str("hosted_room", room.Name).Msg("adopting peer hosted room")
	res, err := c.migrate(ctx, old, self, room, constraints)
	if err != nil {
		return Result{}, err
	}
	c.outcome("adopted")
	return res, nil
}

// migrate releases old fully before the hosted handle is built.
func (c *Coordinator) migrate(
	ctx context.Context,
	old core.MediaTransport,
	self domain.Participant,
	room domain.HostedRoom,
	constraints core.Constraints,
) (Result, error) {
	if old != nil {
		if err := old.Disconnect(); err != nil {
			c.logger.Warn().Err(err).Str("kind", string(old.Kind())).Msg("teardown reported error")
		}
		if !old.Released() {
			c.outcome("teardown_failed")
			return Result{}, domain.Wrap("fallback.teardown", domain.ErrConnectionFailed, ErrNotReleased)
		}
		c.logger.Info().Str("kind", string(old.Kind())).Msg("previous transport released")
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	hosted, err := c.factory.Hosted(self, room)
	if err != nil {
		c.outcome("connect_failed")
		return Result{}, domain.Wrap("fallback.hosted", domain.ErrConnectionFailed, err)
	}
	local, err := hosted.InitializeLocalMedia(ctx, constraints)
	if err != nil {
		_ = hosted.Disconnect()
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if errors.Is(err, domain.ErrMediaAcquisition) {
			return Result{}, err
		}
		c.outcome("connect_failed")
		return Result{}, domain.Wrap("fallback.hosted", domain.ErrConnectionFailed, err)
	}
	if err := ctx.Err(); err != nil {
		_ = hosted.Disconnect()
		return Result{}, err
	}
	return Result{Room: room, Transport: hosted, Local: local}, nil
}

// release tears old down when no migration will follow.
func (c *Coordinator) release(old core.MediaTransport) {
	if old == nil {
		return
	}
	if err := old.Disconnect(); err != nil {
		c.logger.Warn().Err(err).Str("kind", string(old.Kind())).Msg("teardown reported error")
	}
}

func (c *Coordinator) outcome(o string) {
	if c.metrics != nil {
		c.metrics.FallbackAttempts.WithLabelValues(o).Inc()
	}
}
