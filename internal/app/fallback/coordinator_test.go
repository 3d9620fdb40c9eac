package fallback

import (
	"context"
	"errors"
	"testing"

	"github.com/dkeye/Interview/internal/app/metrics"
	"github.com/dkeye/Interview/internal/core"
	"github.com/dkeye/Interview/internal/core/coretest"
	"github.com/dkeye/Interview/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var self = domain.NewParticipant(domain.User{ID: "a", DisplayName: "A"}, domain.RoleInterviewer)

func newDirect(t *testing.T) *coretest.Transport {
	t.Helper()
	d := coretest.NewTransport(domain.TransportDirect)
	_, err := d.InitializeLocalMedia(context.Background(), core.Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	return d
}

func TestFallbackMigratesOnce(t *testing.T) {
	prov := &coretest.Provisioner{Room: domain.HostedRoom{Name: "H1", URL: "wss://hosted"}}
	factory := coretest.NewFactory()
	c := NewCoordinator("i1", prov, factory, metrics.NewNop())
	direct := newDirect(t)

	res, err := c.OnNegotiationFailure(context.Background(), direct, self, core.Constraints{Audio: true, Video: true})
	require.NoError(t, err)

	assert.True(t, res.Provisioned)
	assert.Equal(t, "H1", res.Room.Name)
	assert.True(t, direct.Released(), "direct handle is torn down first")
	assert.True(t, direct.Local().Stopped())
	assert.Equal(t, domain.TransportHosted, res.Transport.Kind())
	require.Len(t, factory.HostedTransports(), 1)
	audio, video, _ := factory.HostedTransports()[0].Media()
	assert.True(t, audio && video, "constraints are re-attached")

	_, err = c.OnNegotiationFailure(context.Background(), res.Transport, self, core.Constraints{})
	assert.ErrorIs(t, err, domain.ErrConnectionFailed)
	assert.ErrorIs(t, err, ErrAlreadyAttempted)
	assert.Equal(t, 1, prov.Calls())
	assert.False(t, res.Transport.Released(), "second failure leaves the hosted handle alone")
}

func TestFallbackProvisioningFailureIsTerminal(t *testing.T) {
	prov := &coretest.Provisioner{Err: errors.New("quota")}
	factory := coretest.NewFactory()
	c := NewCoordinator("i1", prov, factory, metrics.NewNop())

	_, err := c.OnNegotiationFailure(context.Background(), newDirect(t), self, core.Constraints{Audio: true})
	assert.ErrorIs(t, err, domain.ErrConnectionFailed)
	assert.True(t, domain.IsTerminal(err))
	assert.Empty(t, factory.HostedTransports())
	assert.True(t, c.Attempted())
}

func TestFallbackCancelledDuringProvisioning(t *testing.T) {
	prov := &coretest.Provisioner{Err: context.Canceled}
	c := NewCoordinator("i1", prov, coretest.NewFactory(), metrics.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.OnNegotiationFailure(ctx, newDirect(t), self, core.Constraints{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, domain.ErrConnectionFailed)
}

func TestFallbackHostedMediaFailure(t *testing.T) {
	prov := &coretest.Provisioner{Room: domain.HostedRoom{Name: "H1", URL: "wss://hosted"}}
	factory := coretest.NewFactory()
	factory.HostedInitErr = errors.New("connect refused")
	c := NewCoordinator("i1", prov, factory, metrics.NewNop())

	_, err := c.OnNegotiationFailure(context.Background(), newDirect(t), self, core.Constraints{})
	assert.ErrorIs(t, err, domain.ErrConnectionFailed)
	require.Len(t, factory.HostedTransports(), 1)
	assert.True(t, factory.HostedTransports()[0].Released())
}

func TestAdoptNeverProvisions(t *testing.T) {
	prov := &coretest.Provisioner{Room: domain.HostedRoom{Name: "H1", URL: "wss://hosted"}}
	c := NewCoordinator("i1", prov, coretest.NewFactory(), metrics.NewNop())
	direct := newDirect(t)

	res, err := c.Adopt(context.Background(), direct, self, domain.HostedRoom{Name: "H2", URL: "wss://hosted"}, core.Constraints{})
	require.NoError(t, err)
	assert.False(t, res.Provisioned)
	assert.Equal(t, "H2", res.Room.Name)
	assert.True(t, direct.Released())
	assert.Equal(t, 0, prov.Calls())
	assert.False(t, c.Attempted())

	_, err = c.Adopt(context.Background(), nil, self, domain.HostedRoom{}, core.Constraints{})
	assert.ErrorIs(t, err, domain.ErrConnectionFailed)
}
