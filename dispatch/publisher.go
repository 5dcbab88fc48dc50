// Package dispatch resolves the subscriptions a publication must reach and
// hands them to a Synchrony for delivery.
//
// A publication runs in stages. Subscriptions declared on the message types
// or their ancestors are found first; variadic handlers may then receive the
// messages repacked into one slice; a publication that matched nothing is
// wrapped in a DeadMessage for dead message handlers. Failures never leave
// Publish: each one is reported to the ErrorHandler as a PublicationError.
package dispatch

import (
	"fmt"
	"reflect"
	"runtime/debug"

	"github.com/rs/zerolog/log"

	"github.com/toolink/msgbus/handler"
	"github.com/toolink/msgbus/hierarchy"
	"github.com/toolink/msgbus/metrics"
	"github.com/toolink/msgbus/subscription"
)

// Publisher dispatches publications against a subscription index.
type Publisher struct {
	index     *subscription.Index
	synchrony Synchrony
	errors    ErrorHandler
	metrics   *metrics.Collector
	mode      string
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithMetrics records publications with c.
func WithMetrics(c *metrics.Collector) Option {
	return func(p *Publisher) {
		p.metrics = c
	}
}

// NewPublisher creates a Publisher that delivers through synchrony and
// reports failures to errs. A nil synchrony delivers synchronously; a nil
// errs drops failures.
func NewPublisher(index *subscription.Index, synchrony Synchrony, errs ErrorHandler, opts ...Option) *Publisher {
	if synchrony == nil {
		synchrony = Sync{}
	}
	p := &Publisher{
		index:     index,
		synchrony: synchrony,
		errors:    errs,
		mode:      "async",
	}
	if _, ok := synchrony.(Sync); ok {
		p.mode = "sync"
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish delivers message to every matching subscription.
func (p *Publisher) Publish(message any) {
	p.publish([]any{message})
}

// Publish2 delivers the pair (m1, m2).
func (p *Publisher) Publish2(m1, m2 any) {
	p.publish([]any{m1, m2})
}

// Publish3 delivers the triple (m1, m2, m3).
func (p *Publisher) Publish3(m1, m2, m3 any) {
	p.publish([]any{m1, m2, m3})
}

// PublishArray publishes messages as a single slice-typed message. It is the
// same as Publish(messages).
func (p *Publisher) PublishArray(messages []any) {
	p.publish([]any{messages})
}

// PublishN publishes one to three messages as a single publication.
func (p *Publisher) PublishN(messages []any) {
	if len(messages) == 0 || len(messages) > handler.MaxArity {
		p.fail(newPublicationError(msgInvalidMessages, fmt.Errorf("%w: got %d", ErrMessageCount, len(messages)), messages))
		return
	}
	p.publish(messages)
}

func (p *Publisher) publish(args []any) {
	defer func() {
		if r := recover(); r != nil {
			cause := fmt.Errorf("%w: %v\n%s", ErrDispatchPanic, r, debug.Stack())
			p.fail(newPublicationError(msgPublishFailed, cause, args))
		}
	}()

	types := make([]reflect.Type, len(args))
	for i, m := range args {
		if m == nil {
			p.fail(newPublicationError(msgInvalidMessages, fmt.Errorf("%w: position %d", ErrNilMessage, i), args))
			return
		}
		types[i] = reflect.TypeOf(m)
	}
	p.metrics.Published(len(args), p.mode)

	matched := false
	switch len(types) {
	case 1:
		matched = p.deliver(p.index.SubscriptionsFor(types[0]), args) || matched
		matched = p.deliver(p.index.SubscriptionsForSupertypes(types[0]), args) || matched
	case 2:
		matched = p.deliver(p.index.ExactAndSuper(types[0], types[1]), args)
	case 3:
		matched = p.deliver(p.index.ExactAndSuper3(types[0], types[1], types[2]), args)
	}

	if p.index.VarArgPossible() && !anyArray(types) {
		matched = p.publishVarArgs(args, types) || matched
	}

	if !matched {
		dead := p.index.SubscriptionsFor(deadMessageType)
		if len(dead) > 0 {
			p.metrics.Dead()
			p.deliver(dead, []any{DeadMessage{Messages: args}})
		}
	}
}

// publishVarArgs repacks args into one slice per element type demanded by
// the matching variadic handlers.
func (p *Publisher) publishVarArgs(args []any, types []reflect.Type) bool {
	resolver := p.index.VarArgs()
	matched := false

	if sameType(types) {
		if exact := resolver.VarArgExact(types[0]); len(exact) > 0 {
			matched = p.deliverRepacked(types[0], exact, args) || matched
		}
	}

	var super []*subscription.Subscription
	switch len(types) {
	case 1:
		super = resolver.VarArgSuper(types[0])
	case 2:
		super = resolver.VarArgSuper2(types[0], types[1])
	case 3:
		super = resolver.VarArgSuper3(types[0], types[1], types[2])
	}
	if len(super) == 0 {
		return matched
	}

	var order []reflect.Type
	groups := make(map[reflect.Type][]*subscription.Subscription)
	for _, s := range super {
		elem := s.Handler().VarArgElem()
		if _, ok := groups[elem]; !ok {
			order = append(order, elem)
		}
		groups[elem] = append(groups[elem], s)
	}
	for _, elem := range order {
		matched = p.deliverRepacked(elem, groups[elem], args) || matched
	}
	return matched
}

func (p *Publisher) deliverRepacked(elem reflect.Type, subs []*subscription.Subscription, args []any) bool {
	packed, err := repack(elem, args)
	if err != nil {
		p.fail(newPublicationError(msgPublishFailed, err, args))
		return true
	}
	return p.deliver(subs, []any{packed})
}

func (p *Publisher) deliver(subs []*subscription.Subscription, args []any) bool {
	if len(subs) == 0 {
		return false
	}
	if err := p.synchrony.Deliver(subs, args, p.handlerFailed); err != nil {
		p.fail(newPublicationError(msgDeliveryFailed, err, args))
		return true
	}
	p.metrics.Delivered(len(subs))
	return true
}

func (p *Publisher) handlerFailed(sub *subscription.Subscription, args []any, err error) {
	pe := newPublicationError(msgHandlerFailed, err, args)
	pe.SubscriptionID = sub.ID
	pe.Handler = sub.Handler().String()
	p.fail(pe)
}

func (p *Publisher) fail(err *PublicationError) {
	p.metrics.Failed()
	if p.errors == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic_value", r).Str("publication_error", err.Error()).Msg("error handler panicked")
		}
	}()
	p.errors.HandlePublicationError(err)
}

// repack builds a fresh []elem holding args.
func repack(elem reflect.Type, args []any) (any, error) {
	out := reflect.MakeSlice(reflect.SliceOf(elem), len(args), len(args))
	for i, m := range args {
		v, ok := hierarchy.Upcast(reflect.ValueOf(m), elem)
		if !ok {
			return nil, fmt.Errorf("%w: %T is not a %s", ErrRepackVarArgs, m, elem)
		}
		out.Index(i).Set(v)
	}
	return out.Interface(), nil
}

func anyArray(types []reflect.Type) bool {
	for _, t := range types {
		if hierarchy.IsArray(t) {
			return true
		}
	}
	return false
}

func sameType(types []reflect.Type) bool {
	for _, t := range types[1:] {
		if t != types[0] {
			return false
		}
	}
	return true
}
