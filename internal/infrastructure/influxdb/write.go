package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	// MeasurementExchange records one command/response exchange on a bus.
	MeasurementExchange = "lumencache_exchange"

	// MeasurementDiscovery records one discovery round.
	MeasurementDiscovery = "lumencache_discovery"

	// MeasurementLink records a snapshot of link counters.
	MeasurementLink = "lumencache_link"
)

// Exchange outcomes.
const (
	OutcomeMatched  = "matched"
	OutcomeTimedOut = "timed_out"
)

// ExchangeSample is one settled bus exchange.
type ExchangeSample struct {
	Adapter  string
	Command  string
	Address  uint8
	TimedOut bool
	Latency  time.Duration
	At       time.Time
}

// DiscoverySample summarises a discovery round.
type DiscoverySample struct {
	Adapter   string
	Known     int
	Assigned  int
	Exhausted bool
	Failed    bool
	Duration  time.Duration
	At        time.Time
}

// LinkSample is a snapshot of one adapter's link counters.
type LinkSample struct {
	Adapter        string
	Connected      bool
	BytesRx        uint64
	FramesRx       uint64
	FramesDropped  uint64
	NoiseDiscarded uint64
	CommandsTx     uint64
	WriteErrors    uint64
	At             time.Time
}

// WriteExchange records one exchange. Non-blocking; points are batched.
func (c *Client) WriteExchange(s ExchangeSample) {
	c.writePoint(exchangePoint(s))
}

// WriteDiscovery records one discovery round.
func (c *Client) WriteDiscovery(s DiscoverySample) {
	c.writePoint(discoveryPoint(s))
}

// WriteLink records a link counter snapshot.
func (c *Client) WriteLink(s LinkSample) {
	c.writePoint(linkPoint(s))
}

// WritePoint writes a custom point with full control over tags and fields.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.writePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}

func (c *Client) writePoint(p *write.Point) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(p)
}

func exchangePoint(s ExchangeSample) *write.Point {
	outcome := OutcomeMatched
	if s.TimedOut {
		outcome = OutcomeTimedOut
	}
	return write.NewPoint(
		MeasurementExchange,
		map[string]string{
			"adapter": s.Adapter,
			"command": s.Command,
			"outcome": outcome,
		},
		map[string]any{
			"address":    int64(s.Address),
			"latency_ms": float64(s.Latency.Microseconds()) / 1000,
		},
		timestampOrNow(s.At),
	)
}

func discoveryPoint(s DiscoverySample) *write.Point {
	return write.NewPoint(
		MeasurementDiscovery,
		map[string]string{
			"adapter": s.Adapter,
		},
		map[string]any{
			"known":       int64(s.Known),
			"assigned":    int64(s.Assigned),
			"exhausted":   s.Exhausted,
			"failed":      s.Failed,
			"duration_ms": s.Duration.Milliseconds(),
		},
		timestampOrNow(s.At),
	)
}

func linkPoint(s LinkSample) *write.Point {
	return write.NewPoint(
		MeasurementLink,
		map[string]string{
			"adapter": s.Adapter,
		},
		map[string]any{
			"connected":       s.Connected,
			"bytes_rx":        s.BytesRx,
			"frames_rx":       s.FramesRx,
			"frames_dropped":  s.FramesDropped,
			"noise_discarded": s.NoiseDiscarded,
			"commands_tx":     s.CommandsTx,
			"write_errors":    s.WriteErrors,
		},
		timestampOrNow(s.At),
	)
}

func timestampOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
