package lumencache

import (
	"encoding/json"
	"testing"
)

func TestPercentConversions(t *testing.T) {
	tests := []struct {
		percent float64
		level   uint8
	}{
		{0, 0},
		{1, 3},
		{50, 128},
		{100, 255},
		{-5, 0},
		{120, 255},
	}
	for _, tt := range tests {
		if got := PercentToLevel(tt.percent); got != tt.level {
			t.Errorf("PercentToLevel(%g) = %d, want %d", tt.percent, got, tt.level)
		}
	}

	for _, tt := range []struct {
		level   uint8
		percent int
	}{{0, 0}, {128, 50}, {255, 100}, {1, 0}, {3, 1}} {
		if got := LevelToPercent(tt.level); got != tt.percent {
			t.Errorf("LevelToPercent(%d) = %d, want %d", tt.level, got, tt.percent)
		}
	}
}

func TestSecondsToRamp(t *testing.T) {
	tests := []struct {
		seconds float64
		want    uint8
	}{
		{0, 0},
		{0.25, 3},
		{1.5, 15},
		{10, 100},
		{30, 100},
		{-1, 0},
	}
	for _, tt := range tests {
		if got := SecondsToRamp(tt.seconds); got != tt.want {
			t.Errorf("SecondsToRamp(%g) = %d, want %d", tt.seconds, got, tt.want)
		}
	}
}

func TestTopics(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{CommandTopic("gw", 12), "graylogic/command/lumencache/gw/12"},
		{CommandSubscribeTopic("gw"), "graylogic/command/lumencache/gw/+"},
		{AckTopic("gw", 12), "graylogic/ack/lumencache/gw/12"},
		{StateTopic("gw", 12), "graylogic/state/lumencache/gw/12"},
		{SceneTopic("gw", 12, 4), "graylogic/state/lumencache/gw/12/scene/4"},
		{DeviceTopic("gw", 12), "graylogic/discovery/lumencache/gw/12"},
		{RequestSubscribeTopic("gw"), "graylogic/request/lumencache/gw/+"},
		{ResponseTopic("gw", "r-1"), "graylogic/response/lumencache/gw/r-1"},
		{HealthTopic("gw"), "graylogic/health/lumencache/gw"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %s, want %s", tt.got, tt.want)
		}
	}
}

func TestNewDeviceMessage(t *testing.T) {
	c := Config{
		Address:              12,
		HardwareType:         2,
		FirmwareVersion:      "3.1",
		HardwareSerialNumber: "A1B2",
		MotionSensorEnable:   1,
		InvertedOutput:       0,
	}
	msg := NewDeviceMessage("gw", c)

	if msg.DeviceID != "lumencache-gw-12" || msg.SuggestedName != "LumenCache 12" {
		t.Errorf("identity = %s %q", msg.DeviceID, msg.SuggestedName)
	}
	if !msg.MotionSensor || msg.InvertedOutput {
		t.Errorf("flags = motion %v inverted %v", msg.MotionSensor, msg.InvertedOutput)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"serial_number", "firmware_version", "motion_sensor_enable", "protocol"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("device message missing %q", key)
		}
	}
}

func TestNewStateMessage(t *testing.T) {
	msg := NewStateMessage("gw", Value{Address: 4, Value: 0})
	if msg.State["on"] != false || msg.State["level_percent"] != 0 {
		t.Errorf("state = %v", msg.State)
	}
	msg = NewStateMessage("gw", Value{Address: 4, Value: 255})
	if msg.State["on"] != true || msg.State["level_percent"] != 100 {
		t.Errorf("state = %v", msg.State)
	}
}

func TestNewAckError(t *testing.T) {
	cmd := CommandMessage{ID: "c-9", Command: "on"}
	ack := NewAckError(cmd, "gw", 5, ErrCodeInvalidAddress, "bad")
	if ack.Status != AckFailed || ack.CommandID != "c-9" || ack.Error.Code != ErrCodeInvalidAddress {
		t.Errorf("ack = %+v", ack)
	}
}
