package subscription

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/toolink/msgbus/handler"
	"github.com/toolink/msgbus/hierarchy"
)

// listenerKey identifies a listener instance by its pointer type and address.
type listenerKey struct {
	typ  reflect.Type
	addr uintptr
}

func keyOf(listener any) (listenerKey, error) {
	if listener == nil {
		return listenerKey{}, fmt.Errorf("%w: got nil", ErrInvalidListener)
	}
	v := reflect.ValueOf(listener)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return listenerKey{}, fmt.Errorf("%w: got %T", ErrInvalidListener, listener)
	}
	return listenerKey{typ: v.Type(), addr: v.Pointer()}, nil
}

// bucketKey is the declared parameter list of a handler.
type bucketKey struct {
	arity int
	types [handler.MaxArity]reflect.Type
}

func bucketKeyOf(types ...reflect.Type) bucketKey {
	k := bucketKey{arity: len(types)}
	copy(k.types[:], types)
	return k
}

// bucket holds the subscriptions declared on one parameter list. Writers
// serialize on mu and publish a new slice; readers load the current one.
type bucket struct {
	mu   sync.Mutex
	subs atomic.Pointer[[]*Subscription]
}

func (b *bucket) load() []*Subscription {
	if p := b.subs.Load(); p != nil {
		return *p
	}
	return nil
}

func (b *bucket) add(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := b.load()
	next := make([]*Subscription, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, s)
	b.subs.Store(&next)
}

func (b *bucket) remove(s *Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := b.load()
	for i, x := range cur {
		if x != s {
			continue
		}
		next := make([]*Subscription, 0, len(cur)-1)
		next = append(next, cur[:i]...)
		next = append(next, cur[i+1:]...)
		b.subs.Store(&next)
		return true
	}
	return false
}

// listenerEntry tracks the subscriptions created for one listener.
type listenerEntry struct {
	mu      sync.Mutex
	key     listenerKey
	subs    []*Subscription
	removed bool
}

// alive reports whether the listener behind the entry still exists. Entries
// without subscriptions have nothing to check and count as alive.
func (e *listenerEntry) alive() bool {
	if len(e.subs) == 0 {
		return true
	}
	for _, s := range e.subs {
		if !s.gone() {
			return true
		}
	}
	return false
}

// memo is an immutable table of derived query results, valid for a single
// index version.
type memo[K comparable] struct {
	version uint64
	entries map[K][]*Subscription
}

type memoTable[K comparable] struct {
	p atomic.Pointer[memo[K]]
}

func (m *memoTable[K]) get(k K, version uint64) ([]*Subscription, bool) {
	cur := m.p.Load()
	if cur == nil || cur.version != version {
		return nil, false
	}
	subs, ok := cur.entries[k]
	return subs, ok
}

// put records subs for k as computed at version. A result for an older
// version than the one already stored is dropped.
func (m *memoTable[K]) put(k K, subs []*Subscription, version uint64) {
	for {
		cur := m.p.Load()
		var next *memo[K]
		switch {
		case cur == nil || cur.version < version:
			next = &memo[K]{version: version, entries: map[K][]*Subscription{k: subs}}
		case cur.version > version:
			return
		default:
			if _, ok := cur.entries[k]; ok {
				return
			}
			next = &memo[K]{version: version, entries: make(map[K][]*Subscription, len(cur.entries)+1)}
			for ek, ev := range cur.entries {
				next.entries[ek] = ev
			}
			next.entries[k] = subs
		}
		if m.p.CompareAndSwap(cur, next) {
			return
		}
	}
}

func (m *memoTable[K]) clear() {
	m.p.Store(nil)
}

// Index owns all live subscriptions and answers which of them match a
// message or message tuple. Lookups read immutable snapshots and never block
// on writers; writers to the same bucket serialize. Every write bumps the
// index version, which retires all memoized query results.
type Index struct {
	cache           *hierarchy.Cache
	strongByDefault bool

	buckets   sync.Map // bucketKey -> *bucket
	listeners sync.Map // listenerKey -> *listenerEntry

	version        atomic.Uint64
	count          atomic.Int64
	varArgPossible atomic.Bool

	supers memoTable[reflect.Type]
	multi  memoTable[bucketKey]

	varargs *VarArgResolver
}

// NewIndex creates an empty index. strongByDefault decides the reference
// kind of handlers that leave it undefined.
func NewIndex(cache *hierarchy.Cache, strongByDefault bool) *Index {
	idx := &Index{
		cache:           cache,
		strongByDefault: strongByDefault,
	}
	idx.varargs = newVarArgResolver(idx)
	return idx
}

// Cache returns the hierarchy cache the index resolves supertypes with.
func (idx *Index) Cache() *hierarchy.Cache { return idx.cache }

// VarArgs returns the vararg resolver backed by this index.
func (idx *Index) VarArgs() *VarArgResolver { return idx.varargs }

// VarArgPossible reports whether any subscribed handler is variadic.
func (idx *Index) VarArgPossible() bool { return idx.varArgPossible.Load() }

// Len returns the number of subscriptions held by the index.
func (idx *Index) Len() int { return int(idx.count.Load()) }

// Subscribe creates a subscription for every enabled descriptor and makes it
// visible to lookups. Subscribing a listener that is already subscribed is a
// no-op. listener must be a non-nil pointer.
func (idx *Index) Subscribe(listener any, descriptors []*handler.Descriptor) error {
	key, err := keyOf(listener)
	if err != nil {
		return err
	}

	for {
		entry := &listenerEntry{key: key}
		entry.mu.Lock()
		actual, loaded := idx.listeners.LoadOrStore(key, entry)
		if !loaded {
			idx.install(entry, listener, descriptors)
			entry.mu.Unlock()
			return nil
		}
		entry.mu.Unlock()

		existing := actual.(*listenerEntry)
		existing.mu.Lock()
		removed := existing.removed
		alive := !removed && existing.alive()
		existing.mu.Unlock()

		if alive {
			log.Debug().Str("listener_type", key.typ.String()).Msg("listener already subscribed")
			return nil
		}
		// a weak listener was collected and its address reused
		idx.listeners.CompareAndDelete(key, existing)
		if !removed {
			idx.removeEntry(existing)
		}
	}
}

func (idx *Index) install(entry *listenerEntry, listener any, descriptors []*handler.Descriptor) {
	for _, d := range descriptors {
		if !d.Enabled {
			continue
		}
		idx.registerInterfaces(d)
		sub := newSubscription(listener, entry.key, d, idx.strongByDefault, idx.purge)
		entry.subs = append(entry.subs, sub)
		if d.VarArg {
			idx.varArgPossible.Store(true)
		}
		idx.bucketFor(bucketKeyOf(d.MessageTypes...), true).add(sub)
	}
	idx.count.Add(int64(len(entry.subs)))
	idx.invalidate()

	log.Debug().Str("listener_type", entry.key.typ.String()).Int("subscription_count", len(entry.subs)).Msg("listener subscribed")
}

// registerInterfaces makes interface parameter types known to the hierarchy
// cache so that implementing message types find these handlers.
func (idx *Index) registerInterfaces(d *handler.Descriptor) {
	for _, t := range d.MessageTypes {
		if hierarchy.IsArray(t) {
			t = t.Elem()
		}
		if t.Kind() == reflect.Interface {
			idx.cache.RegisterInterface(t)
		}
	}
}

// Unsubscribe removes every subscription of listener. The removal is visible
// to every lookup that starts after Unsubscribe returns. Unknown listeners are
// ignored.
func (idx *Index) Unsubscribe(listener any) {
	key, err := keyOf(listener)
	if err != nil {
		return
	}
	actual, ok := idx.listeners.LoadAndDelete(key)
	if !ok {
		return
	}
	idx.removeEntry(actual.(*listenerEntry))
	log.Debug().Str("listener_type", key.typ.String()).Msg("listener unsubscribed")
}

func (idx *Index) removeEntry(entry *listenerEntry) {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.removed {
		return
	}
	entry.removed = true
	for _, s := range entry.subs {
		s.kill()
		idx.unlink(s)
	}
	idx.count.Add(-int64(len(entry.subs)))
	entry.subs = nil
	idx.invalidate()
}

func (idx *Index) unlink(s *Subscription) {
	if b := idx.bucketFor(bucketKeyOf(s.descriptor.MessageTypes...), false); b != nil {
		b.remove(s)
	}
}

// purge drops a subscription whose weak listener was found collected.
func (idx *Index) purge(s *Subscription) {
	idx.unlink(s)

	actual, ok := idx.listeners.Load(s.key)
	if !ok {
		idx.invalidate()
		return
	}
	entry := actual.(*listenerEntry)
	entry.mu.Lock()
	if !entry.removed && entry.drop(s) {
		idx.count.Add(-1)
		if len(entry.subs) == 0 {
			entry.removed = true
			idx.listeners.CompareAndDelete(s.key, entry)
		}
	}
	entry.mu.Unlock()
	idx.invalidate()
}

func (e *listenerEntry) drop(s *Subscription) bool {
	for i, x := range e.subs {
		if x == s {
			e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Sweep purges every subscription whose weak listener has been collected and
// returns how many were removed.
func (idx *Index) Sweep() int {
	purged := 0
	idx.listeners.Range(func(k, v any) bool {
		entry := v.(*listenerEntry)
		entry.mu.Lock()
		defer entry.mu.Unlock()
		if entry.removed || len(entry.subs) == 0 {
			return true
		}

		kept := entry.subs[:0:0]
		for _, s := range entry.subs {
			if s.gone() {
				s.kill()
				idx.unlink(s)
				purged++
				continue
			}
			kept = append(kept, s)
		}
		idx.count.Add(-int64(len(entry.subs) - len(kept)))
		entry.subs = kept
		if len(kept) == 0 {
			entry.removed = true
			idx.listeners.CompareAndDelete(k, entry)
		}
		return true
	})

	if purged > 0 {
		idx.invalidate()
		log.Debug().Int("purged", purged).Msg("dead subscriptions swept")
	}
	return purged
}

func (idx *Index) invalidate() {
	idx.version.Add(1)
}

func (idx *Index) bucketFor(k bucketKey, create bool) *bucket {
	if v, ok := idx.buckets.Load(k); ok {
		return v.(*bucket)
	}
	if !create {
		return nil
	}
	v, _ := idx.buckets.LoadOrStore(k, &bucket{})
	return v.(*bucket)
}

func (idx *Index) snapshot(types ...reflect.Type) []*Subscription {
	if b := idx.bucketFor(bucketKeyOf(types...), false); b != nil {
		return b.load()
	}
	return nil
}

// SubscriptionsFor returns the subscriptions declared on exactly t. The
// result is never nil and must not be modified.
func (idx *Index) SubscriptionsFor(t reflect.Type) []*Subscription {
	if subs := idx.snapshot(t); subs != nil {
		return subs
	}
	return []*Subscription{}
}

// SubscriptionsForSupertypes returns the subscriptions declared on a strict
// ancestor of t that accept subtypes, nearest ancestor first and in
// registration order within one ancestor. The result is never nil.
func (idx *Index) SubscriptionsForSupertypes(t reflect.Type) []*Subscription {
	ver := idx.version.Load()
	if subs, ok := idx.supers.get(t, ver); ok {
		return subs
	}

	out := []*Subscription{}
	for _, st := range idx.cache.SupertypesOf(t) {
		for _, s := range idx.snapshot(st) {
			if s.AcceptsSubtypes() {
				out = append(out, s)
			}
		}
	}
	idx.supers.put(t, out, ver)
	return out
}

// ExactAndSuper returns the two-parameter subscriptions compatible with
// (t1, t2) at both positions.
func (idx *Index) ExactAndSuper(t1, t2 reflect.Type) []*Subscription {
	return idx.exactAndSuper(t1, t2)
}

// ExactAndSuper3 returns the three-parameter subscriptions compatible with
// (t1, t2, t3) at every position.
func (idx *Index) ExactAndSuper3(t1, t2, t3 reflect.Type) []*Subscription {
	return idx.exactAndSuper(t1, t2, t3)
}

// exactAndSuper walks the cross product of each argument type and its
// ancestors. The all-exact parameter list matches every handler declared on
// it; any other combination requires the handler to accept subtypes.
func (idx *Index) exactAndSuper(types ...reflect.Type) []*Subscription {
	key := bucketKeyOf(types...)
	ver := idx.version.Load()
	if subs, ok := idx.multi.get(key, ver); ok {
		return subs
	}

	candidates := make([][]reflect.Type, len(types))
	for i, t := range types {
		supers := idx.cache.SupertypesOf(t)
		c := make([]reflect.Type, 0, len(supers)+1)
		c = append(c, t)
		candidates[i] = append(c, supers...)
	}

	out := []*Subscription{}
	combo := make([]reflect.Type, len(types))
	var walk func(pos int, exact bool)
	walk = func(pos int, exact bool) {
		if pos == len(types) {
			for _, s := range idx.snapshot(combo...) {
				if exact || s.AcceptsSubtypes() {
					out = append(out, s)
				}
			}
			return
		}
		for i, t := range candidates[pos] {
			combo[pos] = t
			walk(pos+1, exact && i == 0)
		}
	}
	walk(0, true)

	idx.multi.put(key, out, ver)
	return out
}

// Shutdown drops every subscription and memoized result. The index must not
// be used afterwards.
func (idx *Index) Shutdown() {
	idx.listeners.Range(func(_, v any) bool {
		entry := v.(*listenerEntry)
		entry.mu.Lock()
		for _, s := range entry.subs {
			s.kill()
		}
		entry.removed = true
		entry.mu.Unlock()
		return true
	})
	idx.listeners.Clear()
	idx.buckets.Clear()
	idx.count.Store(0)
	idx.invalidate()
	idx.supers.clear()
	idx.multi.clear()
	idx.varargs.clear()
}
