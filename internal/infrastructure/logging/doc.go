// Package logging provides structured logging for the hub sync service.
//
// It wraps log/slog so every component logs through the same handler with
// the same default fields.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("poll complete", "devices", 42)
//	logger.Error("login failed", "error", err)
//
// Never log the hub secret or session tokens.
package logging
