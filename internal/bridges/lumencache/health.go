package lumencache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// DefaultHealthInterval is how often health is published.
const DefaultHealthInterval = 30 * time.Second

// HealthPublisher is the interface for publishing health messages.
// This is typically implemented by an MQTT client.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// LinkMonitor exposes the state of the bus link.
type LinkMonitor interface {
	IsConnected() bool
	Stats() LinkStats
}

// HealthSources supplies the figures included in each health message.
// Every field is optional.
type HealthSources struct {
	Link       LinkMonitor
	Controller interface{ Stats() ControllerStats }
	Discovery  interface{ State() DiscoveryState }
	Devices    func() int
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	// AdapterID identifies the adapter in topics and messages.
	AdapterID string

	Version string

	// Interval is how often to publish health status.
	// Default: 30 seconds.
	Interval time.Duration

	Publisher HealthPublisher
	Sources   HealthSources
	Logger    Logger
}

// HealthReporter publishes the status of one adapter at a fixed interval.
type HealthReporter struct {
	adapterID string
	version   string
	startTime time.Time
	interval  time.Duration
	publisher HealthPublisher
	sources   HealthSources
	logger    Logger

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewHealthReporter creates a reporter. Call Start to begin reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	return &HealthReporter{
		adapterID: cfg.AdapterID,
		version:   cfg.Version,
		startTime: time.Now(),
		interval:  interval,
		publisher: cfg.Publisher,
		sources:   cfg.Sources,
		logger:    loggerOrNop(cfg.Logger),
		done:      make(chan struct{}),
	}
}

// Start begins periodic health reporting.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop ends reporting and publishes a final "stopping" status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // best-effort during shutdown
		h.publishStatus(HealthStopping, "")
	})
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "bridge starting")
}

// PublishNow publishes the current health status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publishStatus(status, reason)
}

// LWTTopic returns the topic for the MQTT last will.
func (h *HealthReporter) LWTTopic() string {
	return HealthTopic(h.adapterID)
}

// LWTPayload returns the MQTT last will payload.
func (h *HealthReporter) LWTPayload() ([]byte, error) {
	return json.Marshal(NewLWTMessage(h.adapterID))
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logger.Error("failed to publish health", "error", err)
			}
		}
	}
}

func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.publisher == nil || !h.publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if h.sources.Link == nil || !h.sources.Link.IsConnected() {
		return HealthDegraded, "bus link disconnected"
	}
	return HealthHealthy, ""
}

// Current returns the health message that would be published now.
func (h *HealthReporter) Current() HealthMessage {
	status, reason := h.determineStatus()
	return h.Snapshot(status, reason)
}

// Snapshot builds the health message for status without publishing it.
func (h *HealthReporter) Snapshot(status HealthStatus, reason string) HealthMessage {
	msg := HealthMessage{
		Bridge:        Protocol,
		Adapter:       h.adapterID,
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Reason:        reason,
	}
	if h.sources.Link != nil {
		stats := h.sources.Link.Stats()
		msg.Link = &stats
	}
	if h.sources.Controller != nil {
		stats := h.sources.Controller.Stats()
		msg.Controller = &stats
	}
	if h.sources.Discovery != nil {
		msg.Discovery = h.sources.Discovery.State().String()
	}
	if h.sources.Devices != nil {
		msg.DevicesManaged = h.sources.Devices()
	}
	return msg
}

func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	if h.publisher == nil {
		return nil
	}

	payload, err := json.Marshal(h.Snapshot(status, reason))
	if err != nil {
		return err
	}
	return h.publisher.Publish(HealthTopic(h.adapterID), payload, 1, true)
}
