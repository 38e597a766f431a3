package lumencache

import (
	"fmt"
	"strings"
)

// Reserved bus addresses.
const (
	// AddressUnassigned is the address of a module that has not been
	// given an id yet.
	AddressUnassigned uint8 = 0

	// AddressHail is the system address hail inquiries are sent to.
	AddressHail uint8 = 253

	// AddressBroadcast is the address scene activation is sent to.
	AddressBroadcast uint8 = 254
)

// Scene index bounds. SceneListEnd doubles as the terminator of a scene
// listing exchange.
const (
	SceneListStart uint8 = 1
	SceneListEnd   uint8 = 64
)

// ValidAddress reports whether a is usable as a command target.
func ValidAddress(a uint8) bool {
	return a >= 1 && a <= AddressBroadcast
}

// ValidScene reports whether s is a storable scene index.
func ValidScene(s uint8) bool {
	return s >= SceneListStart && s <= SceneListEnd
}

// CommandKind identifies the variant of a Command.
type CommandKind uint8

// Command kinds.
const (
	KindSetValue CommandKind = iota + 1
	KindGetValue
	KindSetScene
	KindClearScene
	KindClearScenes
	KindGetScenes
	KindActivateScene
	KindDeactivateScene
	KindGetConfig
	KindHail
	KindAssignID
)

var commandKindNames = map[CommandKind]string{
	KindSetValue:        "set_value",
	KindGetValue:        "get_value",
	KindSetScene:        "set_scene",
	KindClearScene:      "clear_scene",
	KindClearScenes:     "clear_scenes",
	KindGetScenes:       "get_scenes",
	KindActivateScene:   "activate_scene",
	KindDeactivateScene: "deactivate_scene",
	KindGetConfig:       "get_config",
	KindHail:            "hail",
	KindAssignID:        "assign_id",
}

// String returns the snake_case name used in config and MQTT payloads.
func (k CommandKind) String() string {
	if name, ok := commandKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseCommandKind maps a snake_case name back to its CommandKind.
func ParseCommandKind(name string) (CommandKind, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for k, n := range commandKindNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}

// Command is an outbound bus frame.
type Command interface {
	// Kind returns the command variant.
	Kind() CommandKind

	// Target returns the module address the command concerns. Hail has
	// no target and returns AddressUnassigned.
	Target() uint8

	// Encode renders the command as the ASCII frame written to the bus.
	Encode() []byte
}

func frame(format string, args ...any) []byte {
	return fmt.Appendf(nil, "["+format+"]", args...)
}

// SetValue sets the output level of a module.
type SetValue struct {
	Address uint8
	Value   uint8
}

func (c SetValue) Kind() CommandKind { return KindSetValue }
func (c SetValue) Target() uint8     { return c.Address }
func (c SetValue) Encode() []byte    { return frame("%d,%d", c.Address, c.Value) }

// GetValue asks a module for its current output level.
type GetValue struct {
	Address uint8
}

func (c GetValue) Kind() CommandKind { return KindGetValue }
func (c GetValue) Target() uint8     { return c.Address }
func (c GetValue) Encode() []byte    { return frame("%d,256", c.Address) }

// SetScene stores a scene on a module. Ramp is in tenths of a second.
type SetScene struct {
	Address uint8
	Scene   uint8
	Ramp    uint8
	Level   uint8
}

func (c SetScene) Kind() CommandKind { return KindSetScene }
func (c SetScene) Target() uint8     { return c.Address }
func (c SetScene) Encode() []byte {
	return frame("%d,1%02d%03d%03d", c.Address, c.Scene, c.Ramp, c.Level)
}

// ClearScene removes one stored scene.
type ClearScene struct {
	Address uint8
	Scene   uint8
}

func (c ClearScene) Kind() CommandKind { return KindClearScene }
func (c ClearScene) Target() uint8     { return c.Address }
func (c ClearScene) Encode() []byte    { return frame("%d,7%02d", c.Address, c.Scene) }

// ClearScenes removes every stored scene. The module answers with a scene listing.
type ClearScenes struct {
	Address uint8
}

func (c ClearScenes) Kind() CommandKind { return KindClearScenes }
func (c ClearScenes) Target() uint8     { return c.Address }
func (c ClearScenes) Encode() []byte    { return frame("%d,700", c.Address) }

// GetScenes requests a scene listing.
type GetScenes struct {
	Address uint8
}

func (c GetScenes) Kind() CommandKind { return KindGetScenes }
func (c GetScenes) Target() uint8     { return c.Address }
func (c GetScenes) Encode() []byte    { return frame("%d,10000", c.Address) }

// ActivateScene broadcasts activation of scene group Address.
type ActivateScene struct {
	Address uint8
}

func (c ActivateScene) Kind() CommandKind { return KindActivateScene }
func (c ActivateScene) Target() uint8     { return c.Address }
func (c ActivateScene) Encode() []byte {
	return frame("%d,%d", AddressBroadcast, 600+int(c.Address))
}

// DeactivateScene broadcasts deactivation of scene group Address.
type DeactivateScene struct {
	Address uint8
}

func (c DeactivateScene) Kind() CommandKind { return KindDeactivateScene }
func (c DeactivateScene) Target() uint8     { return c.Address }
func (c DeactivateScene) Encode() []byte {
	return frame("%d,%d", AddressBroadcast, 900+int(c.Address))
}

// GetConfig requests the configuration record of a module.
type GetConfig struct {
	Address uint8
}

func (c GetConfig) Kind() CommandKind { return KindGetConfig }
func (c GetConfig) Target() uint8     { return c.Address }
func (c GetConfig) Encode() []byte    { return frame("%d,258", c.Address) }

// Hail asks one unassigned module to announce itself with a config record.
type Hail struct{}

func (c Hail) Kind() CommandKind { return KindHail }
func (c Hail) Target() uint8     { return AddressUnassigned }
func (c Hail) Encode() []byte    { return frame("%d,0", AddressHail) }

// AssignID gives the module with SerialNumber the bus address Address.
type AssignID struct {
	Address      uint8
	SerialNumber string
}

func (c AssignID) Kind() CommandKind { return KindAssignID }
func (c AssignID) Target() uint8     { return c.Address }
func (c AssignID) Encode() []byte {
	return frame("%d,%s", 100000+int(c.Address), c.SerialNumber)
}
