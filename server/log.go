package server

import "go.uber.org/zap"

// reaperLog is a structured logger reserved for the idle reaper's eviction
// events. The reaper runs unattended in the background; a bare log.Printf
// line is easy to miss in a busy server's output, so eviction is logged
// with structured fields instead of the teacher's usual plain log package.
var reaperLog = newReaperLogger()

func newReaperLogger() *zap.Logger {
	logger, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
