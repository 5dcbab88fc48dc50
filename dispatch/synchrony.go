package dispatch

import (
	"github.com/toolink/msgbus/subscription"
)

// FailureFunc is called once for every subscription whose handler failed.
type FailureFunc func(sub *subscription.Subscription, args []any, err error)

// Synchrony hands resolved subscriptions their messages. Every subscription
// is invoked exactly once with args; every failed invocation is reported
// through onFailure and does not stop the remaining ones. An error return
// means the batch could not be accepted at all.
type Synchrony interface {
	Deliver(subs []*subscription.Subscription, args []any, onFailure FailureFunc) error
}

// Sync delivers in the publishing goroutine.
type Sync struct{}

func (Sync) Deliver(subs []*subscription.Subscription, args []any, onFailure FailureFunc) error {
	for _, s := range subs {
		if err := s.Publish(args...); err != nil {
			onFailure(s, args, err)
		}
	}
	return nil
}
