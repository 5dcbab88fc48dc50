// Package global holds a process-wide message bus for code that cannot have
// one injected.
package global

import (
	"sync/atomic"

	"github.com/toolink/msgbus/bus"
)

func defaultBus() *atomic.Value {
	v := &atomic.Value{}
	// Synchronous publication works without Start; async needs GetBus().Start().
	v.Store(bus.New())
	return v
}

var globalBus = defaultBus()

// SetBus sets the global bus instance. The previous one is not shut down.
func SetBus(b *bus.MessageBus) {
	if b == nil {
		panic("global: nil message bus")
	}
	globalBus.Store(b)
}

// GetBus retrieves the current global bus instance.
func GetBus() *bus.MessageBus {
	return globalBus.Load().(*bus.MessageBus)
}

// Subscribe subscribes listener on the global bus.
func Subscribe(listener any) error {
	return GetBus().Subscribe(listener)
}

// Unsubscribe unsubscribes listener from the global bus.
func Unsubscribe(listener any) {
	GetBus().Unsubscribe(listener)
}

// Publish publishes synchronously on the global bus.
func Publish(messages ...any) {
	GetBus().Publish(messages...)
}
