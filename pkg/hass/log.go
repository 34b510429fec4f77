package hass

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log writes msg at level ("debug", "info", "warn", "error"). Unknown levels log at info.
func (h *Hass) Log(level, msg string, fields ...zap.Field) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	h.logger.Log(lvl, msg, fields...)
}

// Error writes msg to the error log at warn level.
func (h *Hass) Error(msg string, fields ...zap.Field) {
	h.logger.Named("error").Warn(msg, fields...)
}

func (h *Hass) Logger() *zap.Logger {
	return h.logger
}
