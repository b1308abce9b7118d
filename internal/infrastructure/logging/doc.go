// Package logging provides structured logging for the Gray Logic cast bridge.
//
// It wraps log/slog. Every entry carries service and version fields; child
// loggers add component and device_id.
//
// Configuration (config.yaml):
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	castLog := logger.Component("cast")
//	castLog.Warn("heartbeat missed", "device_id", id)
//
// Never log broker passwords; config.MQTTAuthConfig redacts itself.
package logging
