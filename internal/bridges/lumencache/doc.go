// Package lumencache implements the LumenCache bus bridge for Gray Logic.
//
// LumenCache modules hang off a shared RS-485 style bus that is reached
// through a USB serial adapter or a serial-to-TCP gateway. The bus accepts
// one outstanding command at a time, so this package serialises all
// traffic through a single worker and correlates the asynchronous replies
// back to the caller that asked.
//
// # Architecture
//
//	┌─────────────┐  MQTT  ┌─────────────┐  Controller  ┌──────┐  bytes
//	│ Gray Logic  │◄──────►│   Bridge    │─────────────►│ Link │◄────────► Bus
//	│    Core     │        │ (this pkg)  │◄─ responses ─│      │
//	└─────────────┘        └─────────────┘              └──────┘
//
// # Key Responsibilities
//
//   - Frame codec between the byte stream and typed Command/Response values
//   - Throttled, single-in-flight command transmission with per-command timeouts
//   - Correlation of inbound frames to the pending request, including
//     multi-frame scene listings
//   - Discovery: enumerate occupied addresses, then hand out the lowest free
//     address to every module announcing itself through a hail
//   - Translate responses to MQTT state messages and MQTT commands to bus
//     commands
//
// # Wire Format
//
// Commands are ASCII frames in square brackets. Replies come back either as
// value frames or as structured frames whose field count selects the type:
//
//	[12,255]      set address 12 to full output
//	(12,255)      value frame: address, value
//	{12,3,100,5}  scene frame: address, scene, level, duration
//
// # Timeouts
//
// A timeout is a normal outcome on this bus (empty addresses never answer),
// so controller operations report it through Result.TimedOut rather than as
// an error.
//
// # Thread Safety
//
// Controller, Discovery, Link and Bridge are safe for concurrent use.
// Throttle is owned by the controller worker.
package lumencache
