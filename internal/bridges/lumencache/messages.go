package lumencache

import (
	"fmt"
	"math"
	"time"
)

// Protocol is the protocol identifier used in topics and messages.
const Protocol = "lumencache"

// topicPrefix is the root of every bridge topic.
const topicPrefix = "graylogic"

// MQTT message types exchanged with Gray Logic Core. Topics follow the flat
// bridge scheme graylogic/{category}/lumencache/{adapter}/{address}.

// CommandMessage is sent from Core to execute a bus command.
// Topic: graylogic/command/lumencache/{adapter}/{address}
type CommandMessage struct {
	// ID correlates the command with its acknowledgements.
	ID string `json:"id"`

	Timestamp time.Time `json:"timestamp"`

	// Command is the command name (e.g. "on", "set_level", "activate_scene").
	Command string `json:"command"`

	// Parameters contains command-specific values.
	// Examples:
	//   {"level_percent": 40} for set_level
	//   {"scene": 3, "ramp_duration": 1.5, "level_percent": 80} for set_scene
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated ("api", "automation", ...).
	Source string `json:"source,omitempty"`
}

// AckStatus represents the acknowledgement status of a command.
type AckStatus string

const (
	// AckAccepted indicates the command was queued for the bus.
	AckAccepted AckStatus = "accepted"

	// AckCompleted indicates the module answered the command.
	AckCompleted AckStatus = "completed"

	// AckFailed indicates the command could not be queued.
	AckFailed AckStatus = "failed"

	// AckTimeout indicates the module did not answer in time.
	AckTimeout AckStatus = "timeout"
)

// AckMessage acknowledges a command.
// Topic: graylogic/ack/lumencache/{adapter}/{address}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	Protocol  string    `json:"protocol"`
	Adapter   string    `json:"adapter"`
	Address   uint8     `json:"address"`
	Status    AckStatus `json:"status"`

	// Result carries the decoded reply for completed commands.
	Result any `json:"result,omitempty"`

	Error *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command failures.
const (
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeInvalidAddress    = "INVALID_ADDRESS"
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
	ErrCodeDiscoveryRunning  = "DISCOVERY_RUNNING"
)

// StateMessage reports the output level of a module.
// Topic: graylogic/state/lumencache/{adapter}/{address}
// QoS: 1, Retained: Yes
type StateMessage struct {
	DeviceID  string         `json:"device_id"`
	Timestamp time.Time      `json:"timestamp"`
	Protocol  string         `json:"protocol"`
	Adapter   string         `json:"adapter"`
	Address   uint8          `json:"address"`
	State     map[string]any `json:"state"`
}

// DeviceMessage announces a module and its configuration record.
// Topic: graylogic/discovery/lumencache/{adapter}/{address}
// QoS: 1, Retained: Yes
type DeviceMessage struct {
	DeviceID        string    `json:"device_id"`
	Timestamp       time.Time `json:"timestamp"`
	Protocol        string    `json:"protocol"`
	Adapter         string    `json:"adapter"`
	Address         uint8     `json:"address"`
	SuggestedName   string    `json:"suggested_name"`
	HardwareType    uint8     `json:"hardware_type"`
	HardwareVersion uint8     `json:"hardware_version"`
	FirmwareVersion string    `json:"firmware_version"`
	SerialNumber    string    `json:"serial_number"`
	Mode            uint8     `json:"mode"`
	DimmingCurve    uint8     `json:"dimming_curve"`
	PWMFrequency    uint8     `json:"pwm_frequency"`
	MinimumPWM      uint8     `json:"minimum_output_pwm"`
	MaximumPWM      uint8     `json:"maximum_output_pwm"`
	ResumeLevel     uint8     `json:"resume_level"`
	RampDuration    uint8     `json:"ramp_duration"`
	MotionSensor    bool      `json:"motion_sensor_enable"`
	Mode6Alternate  bool      `json:"mode_6_alternate_actions"`
	InvertedOutput  bool      `json:"inverted_output"`
}

// SceneMessage reports one stored scene of a module.
// Topic: graylogic/state/lumencache/{adapter}/{address}/scene/{scene}
// QoS: 1, Retained: Yes
type SceneMessage struct {
	DeviceID     string    `json:"device_id"`
	Timestamp    time.Time `json:"timestamp"`
	Address      uint8     `json:"address"`
	Scene        uint8     `json:"scene"`
	Level        int16     `json:"level"`
	LevelPercent int       `json:"level_percent"`
	RampSeconds  float64   `json:"ramp_seconds"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthOffline  HealthStatus = "offline"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports the operational status of one adapter.
// Topic: graylogic/health/lumencache/{adapter}
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge         string           `json:"bridge"`
	Adapter        string           `json:"adapter"`
	Timestamp      time.Time        `json:"timestamp"`
	Status         HealthStatus     `json:"status"`
	Version        string           `json:"version,omitempty"`
	UptimeSeconds  int64            `json:"uptime_seconds"`
	Link           *LinkStats       `json:"link,omitempty"`
	Controller     *ControllerStats `json:"controller,omitempty"`
	Discovery      string           `json:"discovery,omitempty"`
	DevicesManaged int              `json:"devices_managed"`
	Reason         string           `json:"reason,omitempty"`
}

// RequestMessage is sent from Core for request/response operations.
// Topic: graylogic/request/lumencache/{adapter}/{request_id}
type RequestMessage struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	// Action is one of "discover", "read_state", "read_all", "list_devices".
	Action string `json:"action"`

	Parameters map[string]any `json:"parameters,omitempty"`
}

// ResponseMessage answers a RequestMessage.
// Topic: graylogic/response/lumencache/{adapter}/{request_id}
type ResponseMessage struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *AckError      `json:"error,omitempty"`
}

// NewAckMessage builds an acknowledgement for cmd.
func NewAckMessage(cmd CommandMessage, adapter string, address uint8, status AckStatus) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		Protocol:  Protocol,
		Adapter:   adapter,
		Address:   address,
		Status:    status,
	}
}

// NewAckError builds a failed acknowledgement for cmd.
func NewAckError(cmd CommandMessage, adapter string, address uint8, code, message string) AckMessage {
	ack := NewAckMessage(cmd, adapter, address, AckFailed)
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// NewStateMessage builds a state message from a value response.
func NewStateMessage(adapter string, v Value) StateMessage {
	return StateMessage{
		DeviceID:  DeviceID(adapter, v.Address),
		Timestamp: time.Now().UTC(),
		Protocol:  Protocol,
		Adapter:   adapter,
		Address:   v.Address,
		State: map[string]any{
			"value":         v.Value,
			"on":            v.Value > 0,
			"level_percent": LevelToPercent(v.Value),
		},
	}
}

// NewDeviceMessage builds a device announcement from a config record.
func NewDeviceMessage(adapter string, c Config) DeviceMessage {
	return DeviceMessage{
		DeviceID:        DeviceID(adapter, c.Address),
		Timestamp:       time.Now().UTC(),
		Protocol:        Protocol,
		Adapter:         adapter,
		Address:         c.Address,
		SuggestedName:   fmt.Sprintf("LumenCache %d", c.Address),
		HardwareType:    c.HardwareType,
		HardwareVersion: c.HardwareVersion,
		FirmwareVersion: c.FirmwareVersion,
		SerialNumber:    c.HardwareSerialNumber,
		Mode:            c.Mode,
		DimmingCurve:    c.DimmingCurve,
		PWMFrequency:    c.PWMFrequency,
		MinimumPWM:      c.MinimumOutputPWM,
		MaximumPWM:      c.MaximumOutputPWM,
		ResumeLevel:     c.ResumeLevel,
		RampDuration:    c.RampDuration,
		MotionSensor:    c.MotionSensorEnable != 0,
		Mode6Alternate:  c.Mode6AlternateActions != 0,
		InvertedOutput:  c.InvertedOutput != 0,
	}
}

// NewSceneMessage builds a scene message from a valid scene entry.
func NewSceneMessage(adapter string, s Scene) SceneMessage {
	level := s.Level
	if level > math.MaxUint8 {
		level = math.MaxUint8
	}
	return SceneMessage{
		DeviceID:     DeviceID(adapter, s.Address),
		Timestamp:    time.Now().UTC(),
		Address:      s.Address,
		Scene:        s.Scene,
		Level:        s.Level,
		LevelPercent: LevelToPercent(uint8(level)),
		RampSeconds:  float64(s.Duration) / 10,
	}
}

// NewLWTMessage builds the last-will payload for an adapter.
func NewLWTMessage(adapter string) HealthMessage {
	return HealthMessage{
		Bridge:    Protocol,
		Adapter:   adapter,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// DeviceID returns the Gray Logic device identifier of a module.
func DeviceID(adapter string, address uint8) string {
	return fmt.Sprintf("%s-%s-%d", Protocol, adapter, address)
}

// PercentToLevel converts 0-100 percent to a 0-255 output level.
func PercentToLevel(percent float64) uint8 {
	return uint8(math.Round(math.Max(0, math.Min(100, percent)) / 100 * 255))
}

// LevelToPercent converts a 0-255 output level to 0-100 percent.
func LevelToPercent(level uint8) int {
	return int(math.Round(float64(level) / 255 * 100))
}

// SecondsToRamp converts a ramp duration in seconds to tenths, capped at 10s.
func SecondsToRamp(seconds float64) uint8 {
	return uint8(math.Round(math.Max(0, math.Min(10, seconds)) * 10))
}

// Topic helpers

// CommandTopic returns the command topic of one module.
func CommandTopic(adapter string, address uint8) string {
	return fmt.Sprintf("%s/command/%s/%s/%d", topicPrefix, Protocol, adapter, address)
}

// CommandSubscribeTopic returns the wildcard command topic of an adapter.
func CommandSubscribeTopic(adapter string) string {
	return fmt.Sprintf("%s/command/%s/%s/+", topicPrefix, Protocol, adapter)
}

// AckTopic returns the acknowledgement topic of one module.
func AckTopic(adapter string, address uint8) string {
	return fmt.Sprintf("%s/ack/%s/%s/%d", topicPrefix, Protocol, adapter, address)
}

// StateTopic returns the state topic of one module.
func StateTopic(adapter string, address uint8) string {
	return fmt.Sprintf("%s/state/%s/%s/%d", topicPrefix, Protocol, adapter, address)
}

// SceneTopic returns the topic of one stored scene.
func SceneTopic(adapter string, address, scene uint8) string {
	return fmt.Sprintf("%s/scene/%d", StateTopic(adapter, address), scene)
}

// DeviceTopic returns the discovery topic of one module.
func DeviceTopic(adapter string, address uint8) string {
	return fmt.Sprintf("%s/discovery/%s/%s/%d", topicPrefix, Protocol, adapter, address)
}

// RequestSubscribeTopic returns the wildcard request topic of an adapter.
func RequestSubscribeTopic(adapter string) string {
	return fmt.Sprintf("%s/request/%s/%s/+", topicPrefix, Protocol, adapter)
}

// ResponseTopic returns the response topic of one request.
func ResponseTopic(adapter, requestID string) string {
	return fmt.Sprintf("%s/response/%s/%s/%s", topicPrefix, Protocol, adapter, requestID)
}

// HealthTopic returns the health topic of an adapter.
func HealthTopic(adapter string) string {
	return fmt.Sprintf("%s/health/%s/%s", topicPrefix, Protocol, adapter)
}
