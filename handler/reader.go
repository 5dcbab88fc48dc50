package handler

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

var (
	ErrNotDeclarer      = errors.New("handler: listener does not declare message handlers")
	ErrMethodNotFound   = errors.New("handler: declared method not found")
	ErrInvalidSignature = errors.New("handler: invalid handler signature")
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

type descriptorTable map[reflect.Type][]*Descriptor

// Reader turns declared handler methods into descriptors, once per listener
// type.
type Reader struct {
	mu    sync.Mutex // serializes writers
	table atomic.Pointer[descriptorTable]
}

// NewReader creates a Reader with an empty cache.
func NewReader() *Reader {
	r := &Reader{}
	empty := make(descriptorTable)
	r.table.Store(&empty)
	return r
}

// Read returns the descriptors of listener's type. Descriptors are built on
// first use and shared afterwards.
func (r *Reader) Read(listener any) ([]*Descriptor, error) {
	if listener == nil {
		return nil, fmt.Errorf("%w: nil listener", ErrNotDeclarer)
	}
	lt := reflect.TypeOf(listener)
	if ds, ok := (*r.table.Load())[lt]; ok {
		return ds, nil
	}

	declarer, ok := listener.(Declarer)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotDeclarer, lt)
	}

	defs := declarer.MessageHandlers()
	ds := make([]*Descriptor, 0, len(defs))
	for _, def := range defs {
		d, err := describe(lt, def)
		if err != nil {
			log.Error().Err(err).Str("listener_type", lt.String()).Str("method", def.Method).Msg("rejecting handler declaration")
			return nil, err
		}
		ds = append(ds, d)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.table.Load()
	if existing, ok := (*cur)[lt]; ok {
		return existing, nil
	}
	next := make(descriptorTable, len(*cur)+1)
	for k, v := range *cur {
		next[k] = v
	}
	next[lt] = ds
	r.table.Store(&next)

	log.Debug().Str("listener_type", lt.String()).Int("handler_count", len(ds)).Msg("listener handlers discovered")
	return ds, nil
}

func describe(lt reflect.Type, def Definition) (*Descriptor, error) {
	m, ok := lt.MethodByName(def.Method)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrMethodNotFound, lt, def.Method)
	}

	mt := m.Type
	params := mt.NumIn() - 1 // receiver
	if params < 1 || params > MaxArity {
		return nil, fmt.Errorf("%w: %s.%s takes %d messages, want 1 to %d", ErrInvalidSignature, lt, def.Method, params, MaxArity)
	}
	if mt.IsVariadic() && params != 1 {
		return nil, fmt.Errorf("%w: %s.%s variadic handlers take exactly one parameter", ErrInvalidSignature, lt, def.Method)
	}

	returnsError := false
	switch mt.NumOut() {
	case 0:
	case 1:
		if mt.Out(0) != errorType {
			return nil, fmt.Errorf("%w: %s.%s may only return error", ErrInvalidSignature, lt, def.Method)
		}
		returnsError = true
	default:
		return nil, fmt.Errorf("%w: %s.%s may only return error", ErrInvalidSignature, lt, def.Method)
	}

	types := make([]reflect.Type, params)
	for i := range types {
		types[i] = mt.In(i + 1)
	}

	return &Descriptor{
		ListenerType:   lt,
		Name:           def.Method,
		Method:         m.Func,
		MessageTypes:   types,
		VarArg:         mt.IsVariadic(),
		AcceptSubtypes: def.AcceptSubtypes,
		Enabled:        def.Enabled,
		Reference:      def.Reference,
		ReturnsError:   returnsError,
	}, nil
}
