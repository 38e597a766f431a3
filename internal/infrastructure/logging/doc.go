// Package logging provides structured logging for the LumenCache bridge.
//
// It wraps log/slog so every component logs with the same default fields
// (service, version) and level filtering. Bus components receive child
// loggers tagged with their component and adapter id.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, discard
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	busLog := logger.ForAdapter("controller", "kitchen")
//	busLog.Info("exchange timed out", "kind", "get_value", "address", 12)
//
// Never log secrets, tokens or passwords.
package logging
