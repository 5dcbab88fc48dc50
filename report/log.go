// Package report provides error handlers for publication failures.
package report

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/toolink/msgbus/dispatch"
)

// LogHandler logs publication errors.
type LogHandler struct {
	logger *zerolog.Logger
}

// NewLogHandler logs through logger, or through the global zerolog logger
// when logger is nil.
func NewLogHandler(logger *zerolog.Logger) *LogHandler {
	return &LogHandler{logger: logger}
}

func (h *LogHandler) HandlePublicationError(err *dispatch.PublicationError) {
	logger := h.logger
	if logger == nil {
		logger = &log.Logger
	}

	ev := logger.Error().Err(err.Cause).Strs("payload", describePayload(err.Payload))
	if err.SubscriptionID != "" {
		ev = ev.Str("subscription_id", err.SubscriptionID).Str("handler", err.Handler)
	}
	ev.Msg(err.Message)
}
