package hierarchy

import "reflect"

// Upcast converts v to the ancestor type target. Assignable values (including
// interface targets) are returned unchanged; slices are copied element by
// element into a new slice of target; embedding ancestors are reached
// through the shallowest embedded field, taking its address when target is a
// pointer to the embedded struct. It reports false if target is not reachable
// or the path crosses a nil pointer.
func Upcast(v reflect.Value, target reflect.Type) (reflect.Value, bool) {
	if !v.IsValid() {
		if nillable(target) {
			return reflect.Zero(target), true
		}
		return reflect.Value{}, false
	}
	if v.Type().AssignableTo(target) {
		return v, true
	}
	if v.Kind() == reflect.Slice && target.Kind() == reflect.Slice {
		return upcastSlice(v, target)
	}

	queue := []reflect.Value{v}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if cur.Kind() == reflect.Pointer {
			if cur.IsNil() {
				continue
			}
			cur = cur.Elem()
		}
		if cur.Kind() != reflect.Struct {
			continue
		}

		ct := cur.Type()
		for i := 0; i < ct.NumField(); i++ {
			sf := ct.Field(i)
			if !sf.Anonymous || !sf.IsExported() {
				continue
			}
			f := cur.Field(i)

			if sf.Type.AssignableTo(target) {
				if f.Kind() == reflect.Pointer && f.IsNil() {
					return reflect.Value{}, false
				}
				return f, true
			}
			if f.CanAddr() && reflect.PointerTo(sf.Type) == target {
				return f.Addr(), true
			}
			queue = append(queue, f)
		}
	}
	return reflect.Value{}, false
}

// upcastSlice copies v into a new slice of type target, upcasting every
// element.
func upcastSlice(v reflect.Value, target reflect.Type) (reflect.Value, bool) {
	if v.IsNil() {
		return reflect.Zero(target), true
	}
	out := reflect.MakeSlice(target, v.Len(), v.Len())
	for i := 0; i < v.Len(); i++ {
		e, ok := Upcast(v.Index(i), target.Elem())
		if !ok {
			return reflect.Value{}, false
		}
		out.Index(i).Set(e)
	}
	return out, true
}

func nillable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return true
	}
	return false
}
