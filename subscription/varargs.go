package subscription

import (
	"reflect"
)

// VarArgResolver finds the variadic handlers that take N published messages
// repacked into a single slice. Every query returns a non-nil slice.
type VarArgResolver struct {
	idx   *Index
	exact memoTable[reflect.Type]
	super memoTable[bucketKey]
}

func newVarArgResolver(idx *Index) *VarArgResolver {
	return &VarArgResolver{idx: idx}
}

// VarArgExact returns the variadic handlers declared on []t.
func (r *VarArgResolver) VarArgExact(t reflect.Type) []*Subscription {
	ver := r.idx.version.Load()
	if subs, ok := r.exact.get(t, ver); ok {
		return subs
	}

	out := []*Subscription{}
	for _, s := range r.idx.snapshot(r.idx.cache.ArrayTypeOf(t)) {
		if s.AcceptsVarArgs() {
			out = append(out, s)
		}
	}
	r.exact.put(t, out, ver)
	return out
}

// VarArgSuper returns the variadic handlers declared on a slice of a strict
// ancestor of t that accept subtypes.
func (r *VarArgResolver) VarArgSuper(t reflect.Type) []*Subscription {
	key := bucketKeyOf(t)
	ver := r.idx.version.Load()
	if subs, ok := r.super.get(key, ver); ok {
		return subs
	}

	out := []*Subscription{}
	cache := r.idx.cache
	for _, st := range cache.SupertypesOf(cache.ArrayTypeOf(t)) {
		for _, s := range r.idx.snapshot(st) {
			if s.AcceptsVarArgs() && s.AcceptsSubtypes() {
				out = append(out, s)
			}
		}
	}
	r.super.put(key, out, ver)
	return out
}

// VarArgSuper2 returns the variadic handlers whose element type takes both t1
// and t2, excluding those whose element type equals both (the exact case).
// Each handler keeps its own declared element type.
func (r *VarArgResolver) VarArgSuper2(t1, t2 reflect.Type) []*Subscription {
	return r.varArgSuperN(t1, t2)
}

// VarArgSuper3 is VarArgSuper2 for three messages.
func (r *VarArgResolver) VarArgSuper3(t1, t2, t3 reflect.Type) []*Subscription {
	return r.varArgSuperN(t1, t2, t3)
}

func (r *VarArgResolver) varArgSuperN(types ...reflect.Type) []*Subscription {
	key := bucketKeyOf(types...)
	ver := r.idx.version.Load()
	if subs, ok := r.super.get(key, ver); ok {
		return subs
	}

	out := []*Subscription{}
	first := types[0]
	for _, group := range [][]*Subscription{r.VarArgExact(first), r.VarArgSuper(first)} {
		for _, s := range group {
			elem := s.Handler().VarArgElem()
			if allEqual(elem, types) {
				continue
			}
			if r.acceptsAll(s, elem, types) {
				out = append(out, s)
			}
		}
	}
	r.super.put(key, out, ver)
	return out
}

func (r *VarArgResolver) acceptsAll(s *Subscription, elem reflect.Type, types []reflect.Type) bool {
	for _, t := range types {
		if t == elem {
			continue
		}
		if !s.AcceptsSubtypes() || !r.idx.cache.IsSubtype(t, elem) {
			return false
		}
	}
	return true
}

func allEqual(elem reflect.Type, types []reflect.Type) bool {
	for _, t := range types {
		if t != elem {
			return false
		}
	}
	return true
}

func (r *VarArgResolver) clear() {
	r.exact.clear()
	r.super.clear()
}
