package lumencache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Bridge operation constants.
const (
	// commandTopicParts is the part count of graylogic/{type}/lumencache/{adapter}/{id}.
	commandTopicParts = 5

	// commandTimeout bounds one command from queueing to its reply.
	commandTimeout = 10 * time.Second

	// refreshTimeout bounds the initial read of a newly seen module.
	refreshTimeout = 30 * time.Second
)

// MQTTClient is the interface for MQTT operations.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	IsConnected() bool
}

// BusCommander is the set of bus operations the bridge drives.
type BusCommander interface {
	SetValue(ctx context.Context, address, value uint8) (<-chan Result[Value], error)
	GetValue(ctx context.Context, address uint8) (<-chan Result[Value], error)
	SetScene(ctx context.Context, address, scene, ramp, level uint8) (<-chan Result[Scene], error)
	ClearScene(ctx context.Context, address, scene uint8) (<-chan Result[Scene], error)
	ClearScenes(ctx context.Context, address uint8) (<-chan Result[[]Scene], error)
	GetScenes(ctx context.Context, address uint8) (<-chan Result[[]Scene], error)
	ActivateScene(ctx context.Context, id uint8) (<-chan Result[Value], error)
	DeactivateScene(ctx context.Context, id uint8) (<-chan Result[Value], error)
	GetConfig(ctx context.Context, address uint8) (<-chan Result[Config], error)
}

// Ensure Controller implements BusCommander.
var _ BusCommander = (*Controller)(nil)

// DiscoveryRunner starts discovery rounds on request.
type DiscoveryRunner interface {
	Start(ctx context.Context) error
	State() DiscoveryState
}

// Device is the bridge's cached view of one module.
type Device struct {
	Address         uint8     `json:"address"`
	DeviceID        string    `json:"device_id"`
	SerialNumber    string    `json:"serial_number"`
	FirmwareVersion string    `json:"firmware_version"`
	HardwareType    uint8     `json:"hardware_type"`
	Value           *uint8    `json:"value,omitempty"`
	Scenes          []uint8   `json:"scenes"`
	LastSeen        time.Time `json:"last_seen"`
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// AdapterID identifies the adapter in topics and messages.
	AdapterID string

	Version string

	MQTTClient MQTTClient
	Bus        BusCommander

	// Discovery is optional; without it "discover" requests are refused.
	Discovery DiscoveryRunner

	// Link is reported in health messages.
	Link LinkMonitor

	// Stats is reported in health messages.
	Stats interface{ Stats() ControllerStats }

	// HealthInterval defaults to 30 seconds.
	HealthInterval time.Duration

	Logger Logger
}

// Bridge translates between one bus adapter and MQTT. Bus responses
// become retained state, scene and device topics; commands and requests
// from Core become bus exchanges with acknowledgements.
//
// Thread Safety: All methods are safe for concurrent use. HandleResponse
// runs on the link's reader goroutine and never waits on the bus.
type Bridge struct {
	adapter   string
	mqtt      MQTTClient
	bus       BusCommander
	discovery DiscoveryRunner
	health    *HealthReporter
	logger    Logger

	devices   map[uint8]*Device
	devicesMu sync.RWMutex

	// Shutdown coordination
	stopMu    sync.Mutex
	stopped   bool
	wg        sync.WaitGroup
	ctx       context.Context
	ctxCancel context.CancelFunc
}

// NewBridge creates a new bridge instance. Call Start to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.AdapterID == "" {
		return nil, fmt.Errorf("adapter id is required")
	}
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("bus controller is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		adapter:   opts.AdapterID,
		mqtt:      opts.MQTTClient,
		bus:       opts.Bus,
		discovery: opts.Discovery,
		logger:    loggerOrNop(opts.Logger),
		devices:   make(map[uint8]*Device),
		ctx:       ctx,
		ctxCancel: cancel,
	}

	sources := HealthSources{
		Link:    opts.Link,
		Devices: b.DeviceCount,
	}
	if opts.Stats != nil {
		sources.Controller = opts.Stats
	}
	if opts.Discovery != nil {
		sources.Discovery = opts.Discovery
	}
	b.health = NewHealthReporter(HealthReporterConfig{
		AdapterID: opts.AdapterID,
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTTClient,
		Sources:   sources,
		Logger:    opts.Logger,
	})

	return b, nil
}

// AdapterID returns the adapter this bridge serves.
func (b *Bridge) AdapterID() string { return b.adapter }

// Health returns the current health snapshot.
func (b *Bridge) Health() HealthMessage { return b.health.Current() }

// Start subscribes to command and request topics and starts health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logger.Error("failed to publish starting status", "error", err)
	}

	commandTopic := CommandSubscribeTopic(b.adapter)
	if err := b.mqtt.Subscribe(commandTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logger.Info("subscribed to commands", "topic", commandTopic)

	requestTopic := RequestSubscribeTopic(b.adapter)
	if err := b.mqtt.Subscribe(requestTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to requests: %w", err)
	}
	b.logger.Info("subscribed to requests", "topic", requestTopic)

	b.health.Start(ctx)
	if err := b.health.PublishNow(); err != nil {
		b.logger.Error("failed to publish healthy status", "error", err)
	}

	b.logger.Info("bridge started", "adapter", b.adapter)
	return nil
}

// Stop cancels in-flight work and waits for it to finish.
func (b *Bridge) Stop() {
	b.stopMu.Lock()
	if b.stopped {
		b.stopMu.Unlock()
		return
	}
	b.stopped = true
	b.stopMu.Unlock()

	b.ctxCancel()
	b.health.Stop()
	b.wg.Wait()
	b.logger.Info("bridge stopped", "adapter", b.adapter)
}

// spawn runs fn on a tracked goroutine unless the bridge is stopping.
func (b *Bridge) spawn(fn func()) bool {
	b.stopMu.Lock()
	defer b.stopMu.Unlock()
	if b.stopped {
		return false
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
	return true
}

// Devices returns the cached modules ordered by address.
func (b *Bridge) Devices() []Device {
	b.devicesMu.RLock()
	defer b.devicesMu.RUnlock()

	out := make([]Device, 0, len(b.devices))
	for _, d := range b.devices {
		cp := *d
		cp.Scenes = slices.Clone(d.Scenes)
		if d.Value != nil {
			v := *d.Value
			cp.Value = &v
		}
		out = append(out, cp)
	}
	slices.SortFunc(out, func(a, c Device) int { return int(a.Address) - int(c.Address) })
	return out
}

// DeviceCount returns the number of cached modules.
func (b *Bridge) DeviceCount() int {
	b.devicesMu.RLock()
	defer b.devicesMu.RUnlock()
	return len(b.devices)
}

// HandleResponse publishes a bus response and updates the device cache.
func (b *Bridge) HandleResponse(resp Response) {
	switch r := resp.(type) {
	case Config:
		b.handleConfig(r)
	case Value:
		b.handleValue(r)
	case Scene:
		b.handleScene(r)
	case SerialNumber:
		b.handleSerialNumber(r)
	}
}

func (b *Bridge) handleConfig(c Config) {
	if c.Address == AddressUnassigned {
		b.logger.Debug("ignoring config from unassigned module", "serial", c.HardwareSerialNumber)
		return
	}

	b.devicesMu.Lock()
	dev, known := b.devices[c.Address]
	if !known {
		dev = &Device{Address: c.Address, DeviceID: DeviceID(b.adapter, c.Address), Scenes: []uint8{}}
		b.devices[c.Address] = dev
	}
	dev.SerialNumber = c.HardwareSerialNumber
	dev.FirmwareVersion = c.FirmwareVersion
	dev.HardwareType = c.HardwareType
	dev.LastSeen = time.Now().UTC()
	b.devicesMu.Unlock()

	b.publishJSON(DeviceTopic(b.adapter, c.Address), NewDeviceMessage(b.adapter, c), true)

	if !known {
		b.logger.Info("module found", "address", c.Address, "serial", c.HardwareSerialNumber)
		address := c.Address
		b.spawn(func() { b.refreshDevice(address) })
	}
}

// refreshDevice reads the level and scene list of a newly seen module.
// The replies pass through HandleResponse like any other frame, which is
// the only place the device cache is updated.
func (b *Bridge) refreshDevice(address uint8) {
	ctx, cancel := context.WithTimeout(b.ctx, refreshTimeout)
	defer cancel()

	if ch, err := b.bus.GetValue(ctx, address); err != nil {
		b.logger.Warn("initial value read failed", "address", address, "error", err)
	} else if _, err := Await(ctx, ch); err != nil {
		return
	}

	ch, err := b.bus.GetScenes(ctx, address)
	if err != nil {
		b.logger.Warn("initial scene read failed", "address", address, "error", err)
		return
	}
	if res, err := Await(ctx, ch); err == nil && res.TimedOut {
		b.logger.Debug("initial scene read timed out", "address", address)
	}
}

func (b *Bridge) handleValue(v Value) {
	b.devicesMu.Lock()
	dev, ok := b.devices[v.Address]
	if ok {
		level := v.Value
		dev.Value = &level
		dev.LastSeen = time.Now().UTC()
	}
	b.devicesMu.Unlock()

	if !ok {
		b.logger.Debug("value from unknown module", "address", v.Address, "value", v.Value)
		return
	}
	b.publishJSON(StateTopic(b.adapter, v.Address), NewStateMessage(b.adapter, v), true)
}

func (b *Bridge) handleScene(s Scene) {
	b.devicesMu.Lock()
	dev, ok := b.devices[s.Address]
	if ok {
		i, found := slices.BinarySearch(dev.Scenes, s.Scene)
		switch {
		case s.Valid() && !found:
			dev.Scenes = slices.Insert(dev.Scenes, i, s.Scene)
		case !s.Valid() && found:
			dev.Scenes = slices.Delete(dev.Scenes, i, i+1)
		}
		dev.LastSeen = time.Now().UTC()
	}
	b.devicesMu.Unlock()

	if !ok {
		b.logger.Debug("scene from unknown module", "address", s.Address, "scene", s.Scene)
		return
	}
	if !s.Valid() {
		b.logger.Debug("skipping unused scene", "address", s.Address, "scene", s.Scene)
		return
	}
	b.publishJSON(SceneTopic(b.adapter, s.Address, s.Scene), NewSceneMessage(b.adapter, s), true)
}

func (b *Bridge) handleSerialNumber(sn SerialNumber) {
	b.devicesMu.Lock()
	if dev, ok := b.devices[sn.Address]; ok {
		dev.SerialNumber = sn.SerialNumber
		dev.LastSeen = time.Now().UTC()
	}
	b.devicesMu.Unlock()
	b.logger.Debug("serial number reported", "address", sn.Address, "serial", sn.SerialNumber)
}

// handleMQTTMessage routes incoming MQTT messages to the command or
// request handler on a tracked goroutine, since both wait on the bus.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) != commandTopicParts {
		b.logger.Error("invalid topic format", "topic", topic)
		return
	}

	switch parts[1] {
	case "command":
		address, err := strconv.ParseUint(parts[4], 10, 8)
		if err != nil {
			b.logger.Error("invalid module address in topic", "topic", topic)
			return
		}
		b.spawn(func() { b.handleCommand(uint8(address), payload) })
	case "request":
		b.spawn(func() { b.handleRequest(payload) })
	default:
		b.logger.Error("unknown message type", "type", parts[1])
	}
}

// outcome is the settled result of a bus command.
type outcome struct {
	result   any
	timedOut bool
}

type waitFunc func() (outcome, error)

func waiter[T any](ctx context.Context, ch <-chan Result[T], view func(T) any) waitFunc {
	return func() (outcome, error) {
		res, err := Await(ctx, ch)
		if err != nil {
			return outcome{}, err
		}
		if res.TimedOut {
			return outcome{timedOut: true}, nil
		}
		return outcome{result: view(res.Response)}, nil
	}
}

func (b *Bridge) handleCommand(address uint8, payload []byte) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Error("failed to parse command", "error", err)
		return
	}

	b.logger.Info("received command",
		"command_id", cmd.ID,
		"address", address,
		"command", cmd.Command)

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	wait, err := b.executeCommand(ctx, address, cmd)
	if err != nil {
		b.publishAckError(cmd, address, errorCode(err), err.Error())
		return
	}
	b.publishAck(NewAckMessage(cmd, b.adapter, address, AckAccepted))

	out, err := wait()
	switch {
	case err != nil:
		b.publishAckError(cmd, address, ErrCodeBridgeError, err.Error())
	case out.timedOut:
		ack := NewAckMessage(cmd, b.adapter, address, AckTimeout)
		ack.Error = &AckError{Code: ErrCodeDeviceUnreachable, Message: "no response from module"}
		b.publishAck(ack)
	default:
		ack := NewAckMessage(cmd, b.adapter, address, AckCompleted)
		ack.Result = out.result
		b.publishAck(ack)
	}
}

// executeCommand queues cmd on the bus and returns a function that waits
// for its reply.
func (b *Bridge) executeCommand(ctx context.Context, address uint8, cmd CommandMessage) (waitFunc, error) {
	p := cmd.Parameters

	switch cmd.Command {
	case "set_value":
		v, err := byteParam(p, "value")
		if err != nil {
			return nil, err
		}
		ch, err := b.bus.SetValue(ctx, address, v)
		return waiter(ctx, ch, valueView), err
	case "on", "off":
		v := uint8(0)
		if cmd.Command == "on" {
			v = math.MaxUint8
		}
		ch, err := b.bus.SetValue(ctx, address, v)
		return waiter(ctx, ch, valueView), err
	case "set_level":
		pct, err := numberParam(p, "level_percent", 0, 100)
		if err != nil {
			return nil, err
		}
		ch, err := b.bus.SetValue(ctx, address, PercentToLevel(pct))
		return waiter(ctx, ch, valueView), err
	case "get_value":
		ch, err := b.bus.GetValue(ctx, address)
		return waiter(ctx, ch, valueView), err
	case "set_scene":
		scene, err := byteParam(p, "scene")
		if err != nil {
			return nil, err
		}
		pct, err := numberParam(p, "level_percent", 0, 100)
		if err != nil {
			return nil, err
		}
		ramp := 0.0
		if _, ok := p["ramp_duration"]; ok {
			if ramp, err = numberParam(p, "ramp_duration", 0, 10); err != nil {
				return nil, err
			}
		}
		ch, err := b.bus.SetScene(ctx, address, scene, SecondsToRamp(ramp), PercentToLevel(pct))
		return waiter(ctx, ch, sceneView), err
	case "clear_scene":
		scene, err := byteParam(p, "scene")
		if err != nil {
			return nil, err
		}
		ch, err := b.bus.ClearScene(ctx, address, scene)
		return waiter(ctx, ch, sceneView), err
	case "clear_scenes":
		ch, err := b.bus.ClearScenes(ctx, address)
		return waiter(ctx, ch, sceneListView), err
	case "get_scenes":
		ch, err := b.bus.GetScenes(ctx, address)
		return waiter(ctx, ch, sceneListView), err
	case "activate_scene":
		ch, err := b.bus.ActivateScene(ctx, address)
		return waiter(ctx, ch, valueView), err
	case "deactivate_scene":
		ch, err := b.bus.DeactivateScene(ctx, address)
		return waiter(ctx, ch, valueView), err
	case "get_config":
		ch, err := b.bus.GetConfig(ctx, address)
		return waiter(ctx, ch, func(c Config) any { return NewDeviceMessage(b.adapter, c) }), err
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Command)
	}
}

func valueView(v Value) any {
	return map[string]any{
		"address":       v.Address,
		"value":         v.Value,
		"level_percent": LevelToPercent(v.Value),
	}
}

func sceneView(s Scene) any {
	return map[string]any{
		"address":      s.Address,
		"scene":        s.Scene,
		"stored":       s.Valid(),
		"level":        s.Level,
		"ramp_seconds": float64(s.Duration) / 10,
	}
}

func sceneListView(scenes []Scene) any {
	out := make([]any, 0, len(scenes))
	for _, s := range scenes {
		if s.Valid() {
			out = append(out, sceneView(s))
		}
	}
	return map[string]any{"scenes": out}
}

// numberParam reads a numeric parameter within [lo, hi].
func numberParam(params map[string]any, name string, lo, hi float64) (float64, error) {
	raw, ok := params[name]
	if !ok {
		return 0, fmt.Errorf("%w: missing '%s' parameter", ErrInvalidParameters, name)
	}
	v, ok := raw.(float64)
	if !ok {
		return 0, fmt.Errorf("%w: '%s' must be a number", ErrInvalidParameters, name)
	}
	if v < lo || v > hi {
		return 0, fmt.Errorf("%w: '%s' must be %g-%g, got %g", ErrInvalidParameters, name, lo, hi, v)
	}
	return v, nil
}

// byteParam reads an integral parameter within 0-255.
func byteParam(params map[string]any, name string) (uint8, error) {
	v, err := numberParam(params, name, 0, math.MaxUint8)
	if err != nil {
		return 0, err
	}
	if v != math.Trunc(v) {
		return 0, fmt.Errorf("%w: '%s' must be a whole number", ErrInvalidParameters, name)
	}
	return uint8(v), nil
}

// errorCode maps a command error to its acknowledgement code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownCommand):
		return ErrCodeInvalidCommand
	case errors.Is(err, ErrInvalidAddress):
		return ErrCodeInvalidAddress
	case errors.Is(err, ErrInvalidScene), errors.Is(err, ErrInvalidParameters):
		return ErrCodeInvalidParameters
	case errors.Is(err, ErrDiscoveryRunning):
		return ErrCodeDiscoveryRunning
	default:
		return ErrCodeBridgeError
	}
}

func (b *Bridge) publishAck(ack AckMessage) {
	b.publishJSON(AckTopic(b.adapter, ack.Address), ack, false)
}

func (b *Bridge) publishAckError(cmd CommandMessage, address uint8, code, message string) {
	b.publishAck(NewAckError(cmd, b.adapter, address, code, message))
	b.logger.Warn("command failed",
		"command_id", cmd.ID,
		"address", address,
		"code", code,
		"message", message)
}

func (b *Bridge) publishJSON(topic string, msg any, retained bool) {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("failed to marshal message", "topic", topic, "error", err)
		return
	}
	if err := b.mqtt.Publish(topic, payload, 1, retained); err != nil {
		b.logger.Error("failed to publish message", "topic", topic, "error", err)
	}
}

// handleRequest processes a request message from Core.
func (b *Bridge) handleRequest(payload []byte) {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		b.logger.Error("failed to parse request", "error", err)
		return
	}

	b.logger.Info("received request",
		"request_id", req.RequestID,
		"action", req.Action)

	var resp ResponseMessage
	switch req.Action {
	case "discover":
		resp = b.handleDiscover(req)
	case "read_state":
		resp = b.handleReadState(req)
	case "read_all":
		resp = b.handleReadAll(req)
	case "list_devices":
		resp = successResponse(req, map[string]any{"devices": b.Devices()})
	default:
		resp = errorResponse(req, ErrCodeInvalidCommand, fmt.Sprintf("unknown action: %s", req.Action))
	}

	b.publishJSON(ResponseTopic(b.adapter, req.RequestID), resp, false)
}

func (b *Bridge) handleDiscover(req RequestMessage) ResponseMessage {
	if b.discovery == nil {
		return errorResponse(req, ErrCodeInvalidCommand, "discovery is not configured")
	}
	if err := b.discovery.Start(b.ctx); err != nil {
		return errorResponse(req, errorCode(err), err.Error())
	}
	return successResponse(req, map[string]any{"state": b.discovery.State().String()})
}

func (b *Bridge) handleReadState(req RequestMessage) ResponseMessage {
	address, err := byteParam(req.Parameters, "address")
	if err != nil {
		return errorResponse(req, ErrCodeInvalidParameters, err.Error())
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	ch, err := b.bus.GetValue(ctx, address)
	if err != nil {
		return errorResponse(req, errorCode(err), err.Error())
	}
	res, err := Await(ctx, ch)
	if err != nil {
		return errorResponse(req, ErrCodeBridgeError, err.Error())
	}
	if res.TimedOut {
		return errorResponse(req, ErrCodeDeviceUnreachable, "no response from module")
	}
	return successResponse(req, valueView(res.Response).(map[string]any))
}

// handleReadAll queues a level read for every cached module. Replies
// arrive as state updates.
func (b *Bridge) handleReadAll(req RequestMessage) ResponseMessage {
	queued := 0
	for _, dev := range b.Devices() {
		if _, err := b.bus.GetValue(b.ctx, dev.Address); err != nil {
			b.logger.Warn("read request failed", "address", dev.Address, "error", err)
			continue
		}
		queued++
	}
	return successResponse(req, map[string]any{
		"reads_queued": queued,
		"message":      "read requests queued, state updates will follow",
	})
}

func successResponse(req RequestMessage, data map[string]any) ResponseMessage {
	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data:      data,
	}
}

func errorResponse(req RequestMessage, code, message string) ResponseMessage {
	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   false,
		Error:     &AckError{Code: code, Message: message},
	}
}
