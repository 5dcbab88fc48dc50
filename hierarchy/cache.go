// Package hierarchy answers "what are the supertypes of T" and "what is the
// slice type of T" for message types, memoizing both answers.
//
// Go has no class inheritance, so the ancestors of a type are its embedding
// ancestors (anonymous struct fields, transitively) followed by the known
// interface types it implements. Slice types are the "array" variant of a
// type; the ancestors of []T are the slices of the ancestors of T.
package hierarchy

import (
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// superTable is an immutable snapshot of memoized supertype lists. A table is
// only valid for the interface set it was created with.
type superTable struct {
	ifaces  []reflect.Type
	entries map[reflect.Type][]reflect.Type
}

type arrayTable map[reflect.Type]reflect.Type

// Cache memoizes supertype lists and slice variants of message types.
// Reads never take a lock; writers publish a new table built from the
// snapshot they read. Racing writers compute identical values, so a lost
// update only costs a recomputation.
type Cache struct {
	supers atomic.Pointer[superTable]
	arrays atomic.Pointer[arrayTable]
	ifMu   sync.Mutex // serializes RegisterInterface
}

// New creates an empty Cache.
func New() *Cache {
	c := &Cache{}
	c.supers.Store(&superTable{entries: make(map[reflect.Type][]reflect.Type)})
	empty := make(arrayTable)
	c.arrays.Store(&empty)
	return c
}

// RegisterInterface makes an interface type known to the cache so that types
// implementing it report it as an ancestor. Registering a new interface starts
// a fresh supertype table; the previous memoized lists did not consider it.
// Returns false if t is not an interface or was already known.
func (c *Cache) RegisterInterface(t reflect.Type) bool {
	if t == nil || t.Kind() != reflect.Interface {
		return false
	}

	c.ifMu.Lock()
	defer c.ifMu.Unlock()

	cur := c.supers.Load()
	for _, known := range cur.ifaces {
		if known == t {
			return false
		}
	}

	ifaces := make([]reflect.Type, 0, len(cur.ifaces)+1)
	ifaces = append(ifaces, cur.ifaces...)
	ifaces = append(ifaces, t)
	c.supers.Store(&superTable{ifaces: ifaces, entries: make(map[reflect.Type][]reflect.Type)})

	log.Debug().Str("interface", t.String()).Int("known_interfaces", len(ifaces)).Msg("interface registered with hierarchy cache")
	return true
}

// Interfaces returns the interface types currently known to the cache.
func (c *Cache) Interfaces() []reflect.Type {
	return c.supers.Load().ifaces
}

// SupertypesOf returns every strict ancestor of t, nearest first. If t is a
// slice type, every ancestor is coerced to its slice type. Never returns t
// itself and never returns nil for a non-nil t. The returned slice is shared
// and must not be modified.
func (c *Cache) SupertypesOf(t reflect.Type) []reflect.Type {
	if t == nil {
		return []reflect.Type{}
	}

	table := c.supers.Load()
	if supers, ok := table.entries[t]; ok {
		return supers
	}

	supers := c.computeSupertypes(t, table.ifaces)

	for {
		cur := c.supers.Load()
		if !sameInterfaces(cur.ifaces, table.ifaces) {
			// interface set changed underneath us, don't publish a stale answer
			return supers
		}
		if _, ok := cur.entries[t]; ok {
			return supers
		}
		next := &superTable{ifaces: cur.ifaces, entries: make(map[reflect.Type][]reflect.Type, len(cur.entries)+1)}
		for k, v := range cur.entries {
			next.entries[k] = v
		}
		next.entries[t] = supers
		if c.supers.CompareAndSwap(cur, next) {
			return supers
		}
	}
}

// ArrayTypeOf returns the slice type whose element type is t.
func (c *Cache) ArrayTypeOf(t reflect.Type) reflect.Type {
	table := c.arrays.Load()
	if at, ok := (*table)[t]; ok {
		return at
	}

	at := reflect.SliceOf(t)

	for {
		cur := c.arrays.Load()
		if _, ok := (*cur)[t]; ok {
			return at
		}
		next := make(arrayTable, len(*cur)+1)
		for k, v := range *cur {
			next[k] = v
		}
		next[t] = at
		if c.arrays.CompareAndSwap(cur, &next) {
			return at
		}
	}
}

// IsArray reports whether t is a slice ("array") message type.
func IsArray(t reflect.Type) bool {
	return t != nil && t.Kind() == reflect.Slice
}

// IsSubtype reports whether ancestor is a strict ancestor of t.
func (c *Cache) IsSubtype(t, ancestor reflect.Type) bool {
	for _, s := range c.SupertypesOf(t) {
		if s == ancestor {
			return true
		}
	}
	return false
}

// Shutdown clears both tables. The cache must not be used afterwards.
func (c *Cache) Shutdown() {
	c.supers.Store(&superTable{entries: make(map[reflect.Type][]reflect.Type)})
	empty := make(arrayTable)
	c.arrays.Store(&empty)
	log.Debug().Msg("hierarchy cache cleared")
}

func (c *Cache) computeSupertypes(t reflect.Type, ifaces []reflect.Type) []reflect.Type {
	if IsArray(t) {
		elemSupers := c.computeSupertypes(t.Elem(), ifaces)
		out := make([]reflect.Type, 0, len(elemSupers))
		for _, s := range elemSupers {
			if at := c.ArrayTypeOf(s); at != t {
				out = append(out, at)
			}
		}
		return out
	}

	out := embeddedAncestors(t)
	for _, iface := range ifaces {
		if iface == t || contains(out, iface) {
			continue
		}
		if t.Implements(iface) {
			out = append(out, iface)
		}
	}
	return out
}

// embeddedAncestors walks exported anonymous struct fields breadth first.
// Once the path goes through a pointer, value-embedded ancestors are reported
// as pointers, so a *Dog is delivered to a *Animal handler via &dog.Animal.
func embeddedAncestors(t reflect.Type) []reflect.Type {
	type node struct {
		t   reflect.Type
		ptr bool
	}

	start := node{t: t}
	if t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Struct {
		start = node{t: t.Elem(), ptr: true}
	}
	if start.t.Kind() != reflect.Struct {
		return []reflect.Type{}
	}

	out := []reflect.Type{}
	seen := map[reflect.Type]bool{t: true}
	visited := map[node]bool{start: true}
	queue := []node{start}

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]

		for i := 0; i < n.t.NumField(); i++ {
			f := n.t.Field(i)
			if !f.Anonymous || !f.IsExported() {
				continue
			}

			var ancestor reflect.Type
			var next node
			switch {
			case f.Type.Kind() == reflect.Struct:
				next = node{t: f.Type, ptr: n.ptr}
				ancestor = f.Type
				if n.ptr {
					ancestor = reflect.PointerTo(f.Type)
				}
			case f.Type.Kind() == reflect.Pointer && f.Type.Elem().Kind() == reflect.Struct:
				next = node{t: f.Type.Elem(), ptr: true}
				ancestor = f.Type
			default:
				continue
			}

			if !seen[ancestor] {
				seen[ancestor] = true
				out = append(out, ancestor)
			}
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return out
}

func contains(types []reflect.Type, t reflect.Type) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

func sameInterfaces(a, b []reflect.Type) bool {
	if len(a) != len(b) {
		return false
	}
	return len(a) == 0 || &a[0] == &b[0]
}
