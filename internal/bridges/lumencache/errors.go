package lumencache

import "errors"

// Domain errors for the LumenCache bridge package.
var (
	// ErrControllerClosed is returned when a command is submitted after the
	// controller has been closed.
	ErrControllerClosed = errors.New("lumencache: controller closed")

	// ErrInvalidAddress is returned when a bus address is outside 1..254.
	ErrInvalidAddress = errors.New("lumencache: invalid bus address")

	// ErrInvalidScene is returned when a scene index is outside 1..64.
	ErrInvalidScene = errors.New("lumencache: invalid scene index")

	// ErrNotConnected is returned when writing to a link that has no stream.
	ErrNotConnected = errors.New("lumencache: link not connected")

	// ErrConnectionFailed is returned when a serial port or socket cannot be opened.
	ErrConnectionFailed = errors.New("lumencache: connection failed")

	// ErrStreamEnded is returned by Link.Run when the byte stream reaches EOF.
	ErrStreamEnded = errors.New("lumencache: stream ended")

	// ErrDiscoveryRunning is returned when a discovery round is requested
	// while one is already in progress.
	ErrDiscoveryRunning = errors.New("lumencache: discovery already running")

	// ErrUnknownCommand is returned when an MQTT command name is not recognised.
	ErrUnknownCommand = errors.New("lumencache: unknown command")

	// ErrInvalidParameters is returned when MQTT command parameters are
	// missing or out of range.
	ErrInvalidParameters = errors.New("lumencache: invalid command parameters")
)

// ErrMalformedFrame is returned by Decode when a complete frame was found
// but its fields could not be parsed. The frame bytes are still consumed.
var ErrMalformedFrame = errors.New("lumencache: malformed frame")
