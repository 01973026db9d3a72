package params

import "reflect"

// Clone returns a deep copy of v so later mutation of the caller's slices
// and maps cannot leak into a stored record.
func Clone[T any](v T) T {
	rv := reflect.ValueOf(&v).Elem()
	out, ok := deepCopy(rv).Interface().(T)
	if !ok {
		var zero T
		return zero
	}
	return out
}

func deepCopy(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		n := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			n.Index(i).Set(deepCopy(v.Index(i)))
		}
		return n
	case reflect.Array:
		n := reflect.New(v.Type()).Elem()
		for i := 0; i < v.Len(); i++ {
			n.Index(i).Set(deepCopy(v.Index(i)))
		}
		return n
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		n := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			n.SetMapIndex(iter.Key(), deepCopy(iter.Value()))
		}
		return n
	case reflect.Ptr:
		if v.IsNil() {
			return v
		}
		n := reflect.New(v.Elem().Type())
		n.Elem().Set(deepCopy(v.Elem()))
		return n
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		n := reflect.New(v.Type()).Elem()
		n.Set(deepCopy(v.Elem()))
		return n
	case reflect.Struct:
		n := reflect.New(v.Type()).Elem()
		n.Set(v)
		for i := 0; i < v.NumField(); i++ {
			if f := n.Field(i); f.CanSet() {
				f.Set(deepCopy(v.Field(i)))
			}
		}
		return n
	}
	return v
}

// Tracker remembers the record a step last computed with.
type Tracker[T any] struct {
	last T
	set  bool
}

// Changed reports whether next differs from the committed record. Before the
// first commit every record counts as changed.
func (t *Tracker[T]) Changed(next T) (bool, error) {
	if !t.set {
		_, err := Differ(next, next)
		return true, err
	}
	return Differ(t.last, next)
}

// Commit stores a private copy of next.
func (t *Tracker[T]) Commit(next T) {
	t.last = Clone(next)
	t.set = true
}

// Last returns the committed record and whether one exists.
func (t *Tracker[T]) Last() (T, bool) { return t.last, t.set }

// Reset forgets the committed record.
func (t *Tracker[T]) Reset() {
	var zero T
	t.last = zero
	t.set = false
}
