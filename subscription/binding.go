package subscription

import (
	"reflect"
	"unsafe"
	"weak"

	"github.com/rs/zerolog/log"
)

// binding resolves the listener a subscription delivers to.
type binding interface {
	// resolve returns the listener, or false once it is gone.
	resolve() (any, bool)
	isWeak() bool
}

type strongBinding struct {
	listener any
}

func (b strongBinding) resolve() (any, bool) { return b.listener, true }
func (b strongBinding) isWeak() bool           { return false }

// weakBinding holds the listener through a weak pointer to the start of the
// pointee, and rebuilds the typed pointer on resolve.
type weakBinding struct {
	ptr weak.Pointer[byte]
	typ reflect.Type
}

func (b weakBinding) resolve() (any, bool) {
	p := b.ptr.Value()
	if p == nil {
		return nil, false
	}
	return reflect.NewAt(b.typ.Elem(), unsafe.Pointer(p)).Interface(), true
}

func (b weakBinding) isWeak() bool { return true }

// newBinding binds listener, which must be a non-nil pointer. Zero-size
// pointees share one address and cannot be tracked weakly; they fall back to
// a strong binding.
func newBinding(listener any, useWeak bool) binding {
	if !useWeak {
		return strongBinding{listener: listener}
	}

	v := reflect.ValueOf(listener)
	if v.Type().Elem().Size() == 0 {
		log.Warn().Str("listener_type", v.Type().String()).Msg("zero-size listener cannot be referenced weakly, using a strong reference")
		return strongBinding{listener: listener}
	}

	return weakBinding{
		ptr: weak.Make((*byte)(v.UnsafePointer())),
		typ: v.Type(),
	}
}
