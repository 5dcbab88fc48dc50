package dispatch

import (
	"errors"
	"time"
)

var (
	ErrNilMessage    = errors.New("dispatch: cannot publish a nil message")
	ErrMessageCount  = errors.New("dispatch: publish takes 1 to 3 messages")
	ErrDispatchPanic = errors.New("dispatch: panic while publishing")
	ErrRepackVarArgs = errors.New("dispatch: cannot repack messages for variadic handler")
)

const (
	msgHandlerFailed   = "Error during invocation of message handler."
	msgDeliveryFailed  = "Error while handing messages to the delivery pipeline."
	msgPublishFailed   = "Error during publication of message."
	msgInvalidMessages = "Invalid messages published."
)

// PublicationError describes one failure that occurred while publishing.
// Handler failures carry the subscription and handler they came from.
type PublicationError struct {
	Message        string
	Cause          error
	Payload        []any
	SubscriptionID string
	Handler        string
	Time           time.Time
}

func newPublicationError(message string, cause error, payload []any) *PublicationError {
	return &PublicationError{
		Message: message,
		Cause:   cause,
		Payload: payload,
		Time:    time.Now(),
	}
}

func (e *PublicationError) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return e.Message + " " + e.Cause.Error()
}

func (e *PublicationError) Unwrap() error {
	return e.Cause
}

// ErrorHandler receives every publication error. Implementations must be
// safe for concurrent use.
type ErrorHandler interface {
	HandlePublicationError(err *PublicationError)
}

// ErrorHandlerFunc adapts a function to ErrorHandler.
type ErrorHandlerFunc func(err *PublicationError)

func (f ErrorHandlerFunc) HandlePublicationError(err *PublicationError) {
	f(err)
}
