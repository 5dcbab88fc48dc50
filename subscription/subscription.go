// Package subscription binds handler descriptors to listener instances and
// indexes the resulting subscriptions by the message types they accept.
package subscription

import (
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/toolink/msgbus/handler"
	"github.com/toolink/msgbus/hierarchy"
)

var (
	ErrInvalidListener  = errors.New("subscription: listener must be a non-nil pointer")
	ErrArgumentMismatch = errors.New("subscription: message does not match handler parameters")
	ErrHandlerPanic     = errors.New("subscription: handler panicked")
)

// PanicError carries a recovered handler panic.
type PanicError struct {
	SubscriptionID string
	Handler        string
	Value          any
	Stack          string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler %s (subscription %s) panicked: %v", e.Handler, e.SubscriptionID, e.Value)
}

// Is matches ErrHandlerPanic.
func (e *PanicError) Is(target error) bool {
	return target == ErrHandlerPanic
}

// Subscription is one handler bound to one listener. Only the liveness of
// its listener binding changes after creation.
type Subscription struct {
	ID         string
	descriptor *handler.Descriptor
	binding    binding
	key        listenerKey
	dead       atomic.Bool
	onDead     func(*Subscription)
}

func newSubscription(listener any, key listenerKey, d *handler.Descriptor, strongByDefault bool, onDead func(*Subscription)) *Subscription {
	useWeak := d.Reference == handler.Weak || (d.Reference == handler.Undefined && !strongByDefault)
	return &Subscription{
		ID:         uuid.NewString(),
		descriptor: d,
		binding:    newBinding(listener, useWeak),
		key:        key,
		onDead:     onDead,
	}
}

// Handler returns the descriptor this subscription was built from.
func (s *Subscription) Handler() *handler.Descriptor { return s.descriptor }

// AcceptsSubtypes reports whether subtypes of the declared types match.
func (s *Subscription) AcceptsSubtypes() bool { return s.descriptor.AcceptSubtypes }

// AcceptsVarArgs reports whether the handler is variadic.
func (s *Subscription) AcceptsVarArgs() bool { return s.descriptor.VarArg }

// IsWeak reports whether the listener is referenced weakly.
func (s *Subscription) IsWeak() bool { return s.binding.isWeak() }

// Listener returns the bound listener, or false once it is gone or the
// subscription was removed.
func (s *Subscription) Listener() (any, bool) {
	if s.dead.Load() {
		return nil, false
	}
	return s.binding.resolve()
}

// Alive reports whether the subscription can still be invoked.
func (s *Subscription) Alive() bool {
	_, ok := s.Listener()
	return ok
}

// Publish invokes the handler with args. A dead subscription is skipped
// without error; the first invocation that finds its weak listener gone
// marks it dead and asks the index to purge it.
func (s *Subscription) Publish(args ...any) error {
	if s.dead.Load() {
		return nil
	}
	listener, ok := s.binding.resolve()
	if !ok {
		s.markDead()
		return nil
	}
	return s.invoke(listener, args)
}

func (s *Subscription) invoke(listener any, args []any) (err error) {
	d := s.descriptor
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{
				SubscriptionID: s.ID,
				Handler:        d.String(),
				Value:          r,
				Stack:          string(debug.Stack()),
			}
		}
	}()

	if len(args) != len(d.MessageTypes) {
		return fmt.Errorf("%w: %s takes %d messages, got %d", ErrArgumentMismatch, d, len(d.MessageTypes), len(args))
	}

	in := make([]reflect.Value, len(args)+1)
	in[0] = reflect.ValueOf(listener)
	for i, arg := range args {
		v, ok := hierarchy.Upcast(reflect.ValueOf(arg), d.MessageTypes[i])
		if !ok {
			return fmt.Errorf("%w: %s cannot take %T at position %d", ErrArgumentMismatch, d, arg, i)
		}
		in[i+1] = v
	}

	var out []reflect.Value
	if d.VarArg {
		out = d.Method.CallSlice(in)
	} else {
		out = d.Method.Call(in)
	}

	if d.ReturnsError && !out[0].IsNil() {
		return out[0].Interface().(error)
	}
	return nil
}

func (s *Subscription) markDead() {
	if !s.dead.CompareAndSwap(false, true) {
		return
	}
	log.Debug().Str("subscription_id", s.ID).Str("handler", s.descriptor.String()).Msg("weak listener collected, subscription is dead")
	if s.onDead != nil {
		s.onDead(s)
	}
}

// kill marks the subscription dead without triggering a purge.
func (s *Subscription) kill() {
	s.dead.Store(true)
}

// gone reports whether the subscription should be purged.
func (s *Subscription) gone() bool {
	if s.dead.Load() {
		return true
	}
	_, ok := s.binding.resolve()
	return !ok
}
