package relay

import (
	"github.com/dkeye/Interview/internal/app/metrics"
	"github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"
)

// PacketCounter counts forwarded packets per track kind.
type PacketCounter struct {
	c prometheus.Counter
}

func NewPacketCounter(m *metrics.Metrics, kind string) *PacketCounter {
	return &PacketCounter{c: m.RTPPackets.WithLabelValues(kind)}
}

func (p *PacketCounter) WriteRTP(*rtp.Packet) error {
	p.c.Inc()
	return nil
}

func (p *PacketCounter) Close() error { return nil }
