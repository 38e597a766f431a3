package main

import (
	"context"
	"time"

	"github.com/nerrad567/lumencache-bridge/internal/bridges/lumencache"
	"github.com/nerrad567/lumencache-bridge/internal/infrastructure/influxdb"
)

// metricsWriter is the subset of *influxdb.Client used for bus telemetry.
type metricsWriter interface {
	WriteExchange(s influxdb.ExchangeSample)
	WriteDiscovery(s influxdb.DiscoverySample)
}

// exchangeRecorder turns settled exchanges into InfluxDB points.
type exchangeRecorder struct {
	client  metricsWriter
	adapter string
}

var _ lumencache.ExchangeRecorder = exchangeRecorder{}

func (r exchangeRecorder) RecordExchange(ex lumencache.Exchange) {
	r.client.WriteExchange(influxdb.ExchangeSample{
		Adapter:  r.adapter,
		Command:  ex.Kind.String(),
		Address:  ex.Address,
		TimedOut: ex.TimedOut,
		Latency:  ex.Latency,
		At:       ex.At,
	})
}

// discoveryMetrics forwards to the audit sink and records round summaries.
type discoveryMetrics struct {
	next    lumencache.AuditSink
	client  metricsWriter
	adapter string
}

var _ lumencache.AuditSink = discoveryMetrics{}

func (d discoveryMetrics) RecordAssignment(ctx context.Context, a lumencache.Assignment) {
	d.next.RecordAssignment(ctx, a)
}

func (d discoveryMetrics) RecordRound(ctx context.Context, r lumencache.DiscoveryReport) {
	d.next.RecordRound(ctx, r)
	d.client.WriteDiscovery(influxdb.DiscoverySample{
		Adapter:   d.adapter,
		Known:     len(r.Known),
		Assigned:  len(r.Assigned),
		Exhausted: r.Exhausted,
		Failed:    r.Error != "",
		Duration:  r.Finished.Sub(r.Started),
		At:        r.Finished,
	})
}

func linkSample(adapter string, s lumencache.LinkStats) influxdb.LinkSample {
	return influxdb.LinkSample{
		Adapter:        adapter,
		Connected:      s.Connected,
		BytesRx:        s.BytesRx,
		FramesRx:       s.FramesRx,
		FramesDropped:  s.FramesDropped,
		NoiseDiscarded: s.NoiseDiscarded,
		CommandsTx:     s.CommandsTx,
		WriteErrors:    s.WriteErrors,
		At:             time.Now(),
	}
}
