package report

import "github.com/toolink/msgbus/dispatch"

// Multi forwards every publication error to each of its handlers in order.
type Multi []dispatch.ErrorHandler

func (m Multi) HandlePublicationError(err *dispatch.PublicationError) {
	for _, h := range m {
		if h != nil {
			h.HandlePublicationError(err)
		}
	}
}
