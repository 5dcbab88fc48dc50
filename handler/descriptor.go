// Package handler describes the message handlers a listener exposes.
//
// Listeners declare their handler methods explicitly by implementing
// Declarer; the Reader validates each declared method once per listener type
// and turns it into an immutable Descriptor.
package handler

import (
	"fmt"
	"reflect"
	"strings"
)

// ReferenceKind selects how a subscription holds on to its listener.
type ReferenceKind int

const (
	// Undefined uses the bus-wide default.
	Undefined ReferenceKind = iota
	// Strong keeps the listener alive until it is unsubscribed.
	Strong
	// Weak lets the listener be collected; its subscriptions then go dead.
	Weak
)

func (k ReferenceKind) String() string {
	switch k {
	case Strong:
		return "strong"
	case Weak:
		return "weak"
	default:
		return "undefined"
	}
}

// MaxArity is the largest number of messages a handler may accept.
const MaxArity = 3

// Descriptor is one discovered handler method. It is immutable.
type Descriptor struct {
	ListenerType reflect.Type
	Name         string
	// Method is the method expression; the receiver is its first argument.
	Method reflect.Value
	// MessageTypes are the declared parameter types after the receiver. A
	// variadic handler has a single slice type here.
	MessageTypes   []reflect.Type
	VarArg         bool
	AcceptSubtypes bool
	Enabled        bool
	Reference      ReferenceKind
	ReturnsError   bool
}

// Arity returns the number of declared message parameters.
func (d *Descriptor) Arity() int {
	return len(d.MessageTypes)
}

// VarArgElem returns the element type of a variadic handler, or nil.
func (d *Descriptor) VarArgElem() reflect.Type {
	if !d.VarArg {
		return nil
	}
	return d.MessageTypes[0].Elem()
}

func (d *Descriptor) String() string {
	names := make([]string, len(d.MessageTypes))
	for i, t := range d.MessageTypes {
		names[i] = t.String()
	}
	if d.VarArg {
		names[0] = "..." + d.MessageTypes[0].Elem().String()
	}
	return fmt.Sprintf("%s.%s(%s)", d.ListenerType, d.Name, strings.Join(names, ", "))
}

// Definition declares a handler method by name together with its matching
// options. Build one with On.
type Definition struct {
	Method         string
	AcceptSubtypes bool
	Enabled        bool
	Reference      ReferenceKind
}

// Option configures a Definition.
type Option func(*Definition)

// On declares the handler method named method. Handlers accept subtypes and
// are enabled unless configured otherwise.
func On(method string, opts ...Option) Definition {
	d := Definition{
		Method:         method,
		AcceptSubtypes: true,
		Enabled:        true,
		Reference:      Undefined,
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// RejectSubtypes restricts the handler to the exact declared types.
func RejectSubtypes() Option {
	return func(d *Definition) {
		d.AcceptSubtypes = false
	}
}

// Disabled keeps the handler declared but never subscribed.
func Disabled() Option {
	return func(d *Definition) {
		d.Enabled = false
	}
}

// WithReference sets the reference kind used for the listener.
func WithReference(kind ReferenceKind) Option {
	return func(d *Definition) {
		d.Reference = kind
	}
}

// Declarer is implemented by listeners to name their handler methods.
type Declarer interface {
	MessageHandlers() []Definition
}
