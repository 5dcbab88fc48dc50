package report

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolink/msgbus/dispatch"
	"github.com/toolink/msgbus/limiter"
)

const throttleCheckTimeout = 200 * time.Millisecond

// ThrottledHandler forwards publication errors to next while the throttle
// allows it, so a handler failing on every message cannot flood the sinks.
type ThrottledHandler struct {
	next       dispatch.ErrorHandler
	throttle   *limiter.Throttle
	suppressed atomic.Int64
}

// NewThrottledHandler wraps next with throttle.
func NewThrottledHandler(next dispatch.ErrorHandler, throttle *limiter.Throttle) *ThrottledHandler {
	return &ThrottledHandler{next: next, throttle: throttle}
}

func (h *ThrottledHandler) HandlePublicationError(err *dispatch.PublicationError) {
	ctx, cancel := context.WithTimeout(context.Background(), throttleCheckTimeout)
	defer cancel()

	if !h.throttle.Allow(ctx, throttleKey(h.throttle.LimitBy(), err)) {
		h.suppressed.Add(1)
		return
	}
	if n := h.suppressed.Swap(0); n > 0 {
		log.Warn().Int64("suppressed", n).Msg("publication errors suppressed by throttle")
	}
	h.next.HandlePublicationError(err)
}

// Suppressed returns how many errors were dropped since the last forwarded one.
func (h *ThrottledHandler) Suppressed() int64 {
	return h.suppressed.Load()
}

func throttleKey(by string, err *dispatch.PublicationError) string {
	switch by {
	case limiter.LimitBySubscription:
		if err.SubscriptionID != "" {
			return err.SubscriptionID
		}
	case limiter.LimitByMessage:
		types := make([]string, len(err.Payload))
		for i, m := range err.Payload {
			types[i] = fmt.Sprintf("%T", m)
		}
		return fmt.Sprint(types)
	}
	if err.Handler != "" {
		return err.Handler
	}
	// failures outside a handler share one bucket per message
	return err.Message
}
