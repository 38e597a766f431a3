package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nerrad567/lumencache-bridge/internal/api"
	"github.com/nerrad567/lumencache-bridge/internal/audit"
	"github.com/nerrad567/lumencache-bridge/internal/bridges/lumencache"
	"github.com/nerrad567/lumencache-bridge/internal/infrastructure/config"
	"github.com/nerrad567/lumencache-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/lumencache-bridge/internal/infrastructure/logging"
)

// adapterDeps is everything needed to build one adapter's component stack.
type adapterDeps struct {
	cfg      config.Adapter
	settings config.LumenCacheConfig
	mqtt     lumencache.MQTTClient
	audit    audit.Repository
	metrics  *influxdb.Client // nil when InfluxDB is disabled
	logger   *logging.Logger
}

// adapterRuntime is one adapter's link, controller, discovery and bridge.
type adapterRuntime struct {
	id             string
	title          string
	runDiscovery   bool
	healthInterval time.Duration
	logger         *logging.Logger
	metrics        *influxdb.Client

	link       *lumencache.Link
	controller *lumencache.Controller
	discovery  *lumencache.Discovery
	bridge     *lumencache.Bridge

	cancel context.CancelFunc
	done   chan struct{}
}

func dialerFor(a config.Adapter) (lumencache.Dialer, error) {
	switch a.Kind {
	case config.AdapterSerial:
		return lumencache.SerialDialer{Port: a.Port, BaudRate: a.BaudRate}, nil
	case config.AdapterTCP:
		return lumencache.TCPDialer{Host: a.Host, Port: a.TCPPort}, nil
	default:
		return nil, fmt.Errorf("unknown adapter kind %q", a.Kind)
	}
}

func newAdapterRuntime(deps adapterDeps) (*adapterRuntime, error) {
	dialer, err := dialerFor(deps.cfg)
	if err != nil {
		return nil, err
	}

	expert := deps.settings.ExpertSettings
	timeouts, err := lumencache.DefaultTimeouts(expert.ResponseTimeout()).WithOverrides(expert.TimeoutsMS)
	if err != nil {
		return nil, fmt.Errorf("timeouts: %w", err)
	}

	rt := &adapterRuntime{
		id:             deps.cfg.ID,
		title:          deps.cfg.Title,
		runDiscovery:   deps.settings.Discovery.OnStart,
		healthInterval: deps.settings.GetHealthInterval(),
		logger:         deps.logger.ForAdapter("lumencache", deps.cfg.ID),
		metrics:        deps.metrics,
	}

	rt.link = lumencache.NewLink(lumencache.LinkConfig{
		Dialer: dialer,
		Logger: rt.logger,
	})

	var recorder lumencache.ExchangeRecorder
	if deps.metrics != nil {
		recorder = exchangeRecorder{client: deps.metrics, adapter: rt.id}
	}
	rt.controller = lumencache.NewController(lumencache.ControllerConfig{
		TxDelay:  expert.TxDelay(),
		Timeouts: timeouts,
		Logger:   rt.logger,
		Recorder: recorder,
	}, rt.link)

	var sink lumencache.AuditSink = audit.NewSink(deps.audit, rt.id, rt.logger)
	if deps.metrics != nil {
		sink = discoveryMetrics{next: sink, client: deps.metrics, adapter: rt.id}
	}
	rt.discovery = lumencache.NewDiscovery(rt.controller, lumencache.DiscoveryConfig{
		MaxAddress: uint8(expert.MaxID), //nolint:gosec // validated to 1..252
		Logger:     rt.logger,
		Audit:      sink,
	})

	rt.bridge, err = lumencache.NewBridge(lumencache.BridgeOptions{
		AdapterID:      rt.id,
		Version:        version,
		MQTTClient:     deps.mqtt,
		Bus:            rt.controller,
		Discovery:      rt.discovery,
		Link:           rt.link,
		Stats:          rt.controller,
		HealthInterval: rt.healthInterval,
		Logger:         rt.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating bridge: %w", err)
	}
	return rt, nil
}

// start connects the link and launches the reader, controller and bridge.
// A reader failure is sent on linkErrs.
func (rt *adapterRuntime) start(ctx context.Context, linkErrs chan<- error) error {
	runCtx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel
	rt.done = make(chan struct{})

	if err := rt.link.Connect(runCtx); err != nil {
		cancel()
		close(rt.done)
		return fmt.Errorf("connecting bus link: %w", err)
	}

	rt.controller.Start(runCtx)

	sink := lumencache.FanOut{
		Handlers: []lumencache.ResponseHandler{rt.controller, rt.bridge},
		Logger:   rt.logger,
	}
	go func() {
		defer close(rt.done)
		if err := rt.link.Run(runCtx, sink); err != nil {
			linkErrs <- fmt.Errorf("adapter %s: %w", rt.id, err)
		}
	}()

	if err := rt.bridge.Start(runCtx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}

	if rt.metrics != nil {
		go rt.sampleLink(runCtx)
	}

	if rt.runDiscovery {
		if err := rt.discovery.Start(runCtx); err != nil {
			rt.logger.Warn("initial discovery not started", "error", err)
		}
	}

	rt.logger.Info("adapter started", "endpoint", rt.link.Stats().Endpoint)
	return nil
}

// stop tears the adapter down: bridge, discovery, controller, then link.
func (rt *adapterRuntime) stop() {
	rt.logger.Info("stopping adapter")
	rt.bridge.Stop()
	rt.discovery.Stop()
	if err := rt.controller.Close(); err != nil {
		rt.logger.Error("error closing controller", "error", err)
	}
	if rt.cancel != nil {
		rt.cancel()
	}
	if err := rt.link.Close(); err != nil {
		rt.logger.Error("error closing bus link", "error", err)
	}
	if rt.done != nil {
		<-rt.done
	}
}

// sampleLink writes link counters to InfluxDB once per health interval.
func (rt *adapterRuntime) sampleLink(ctx context.Context) {
	ticker := time.NewTicker(rt.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.metrics.WriteLink(linkSample(rt.id, rt.link.Stats()))
		}
	}
}

func apiAdapters(runtimes []*adapterRuntime) []api.Adapter {
	out := make([]api.Adapter, 0, len(runtimes))
	for _, rt := range runtimes {
		out = append(out, api.Adapter{
			ID:        rt.id,
			Title:     rt.title,
			Bridge:    rt.bridge,
			Discovery: rt.discovery,
		})
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
