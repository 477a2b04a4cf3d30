// Package logger provides structured logging capabilities.
//
// The logger package sets up and configures the application's logging
// system using zap. Components receive a *zap.Logger through fx and attach
// submission and sandbox identifiers with the shared field keys.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    panic(err)
//	}
//	logger.ForSubmission(log, id, "cpp").Info("submission accepted")
package logger
