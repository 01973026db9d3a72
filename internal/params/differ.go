// Package params implements structural change detection over parameter
// records.
//
// Parameter records are plain data: numbers, booleans, strings, slices,
// maps with string keys, nested structs and pointers to them. Binary blobs
// and numeric buffers are rejected with errs.IllegalValue.
package params

import (
	"math"
	"reflect"
	"strconv"

	"github.com/kanaverse/bakana-sub002/internal/errs"
)

// Buffer is implemented by numeric buffer types that must never appear
// inside a parameter record.
type Buffer interface {
	NumericBuffer()
}

var bufferType = reflect.TypeOf((*Buffer)(nil)).Elem()

// Differ reports whether a and b differ structurally. Floating-point values
// compare by bit pattern, so ±Inf equal themselves.
func Differ(a, b any) (bool, error) {
	return differ(reflect.ValueOf(a), reflect.ValueOf(b), "$")
}

func differ(a, b reflect.Value, path string) (bool, error) {
	if !a.IsValid() || !b.IsValid() {
		if a.IsValid() {
			return true, check(a, path)
		}
		if b.IsValid() {
			return true, check(b, path)
		}
		return false, nil
	}
	if err := illegal(a.Type(), path); err != nil {
		return false, err
	}
	if a.Type() != b.Type() {
		if err := check(a, path); err != nil {
			return false, err
		}
		return true, check(b, path)
	}

	switch a.Kind() {
	case reflect.Bool:
		return a.Bool() != b.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return a.Int() != b.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return a.Uint() != b.Uint(), nil
	case reflect.Float32, reflect.Float64:
		x, y := a.Float(), b.Float()
		if math.IsNaN(x) || math.IsNaN(y) {
			return false, errs.New(errs.IllegalValue, path, "NaN")
		}
		return math.Float64bits(x) != math.Float64bits(y), nil
	case reflect.String:
		return a.String() != b.String(), nil

	case reflect.Ptr, reflect.Interface:
		if a.IsNil() || b.IsNil() {
			if a.IsNil() && b.IsNil() {
				return false, nil
			}
			if !a.IsNil() {
				return true, check(a.Elem(), path)
			}
			return true, check(b.Elem(), path)
		}
		return differ(a.Elem(), b.Elem(), path)

	case reflect.Slice, reflect.Array:
		// nil and empty slices are equal; surplus elements are still
		// checked for illegal content
		diff := a.Len() != b.Len()
		for i := 0; i < a.Len() || i < b.Len(); i++ {
			ip := path + "[" + strconv.Itoa(i) + "]"
			var err error
			switch {
			case i >= b.Len():
				err = check(a.Index(i), ip)
			case i >= a.Len():
				err = check(b.Index(i), ip)
			default:
				var d bool
				d, err = differ(a.Index(i), b.Index(i), ip)
				diff = diff || d
			}
			if err != nil {
				return false, err
			}
		}
		return diff, nil

	case reflect.Map:
		if a.Type().Key().Kind() != reflect.String {
			return false, errs.New(errs.IllegalValue, path, "non-string map key")
		}
		diff := a.Len() != b.Len()
		iter := a.MapRange()
		for iter.Next() {
			k := iter.Key()
			kp := path + "." + k.String()
			other := b.MapIndex(k)
			if !other.IsValid() {
				diff = true
				if err := check(iter.Value(), kp); err != nil {
					return false, err
				}
				continue
			}
			d, err := differ(iter.Value(), other, kp)
			if err != nil {
				return false, err
			}
			diff = diff || d
		}
		iter = b.MapRange()
		for iter.Next() {
			if a.MapIndex(iter.Key()).IsValid() {
				continue
			}
			diff = true
			if err := check(iter.Value(), path+"."+iter.Key().String()); err != nil {
				return false, err
			}
		}
		return diff, nil

	case reflect.Struct:
		diff := false
		for i := 0; i < a.NumField(); i++ {
			f := a.Type().Field(i)
			if !f.IsExported() {
				continue
			}
			d, err := differ(a.Field(i), b.Field(i), path+"."+f.Name)
			if err != nil {
				return false, err
			}
			diff = diff || d
		}
		return diff, nil
	}

	return false, errs.New(errs.IllegalValue, path, a.Kind().String())
}

// check walks a value that has no counterpart so illegal content is still
// reported.
func check(v reflect.Value, path string) error {
	_, err := differ(v, v, path)
	return err
}

func illegal(t reflect.Type, path string) error {
	if t.Implements(bufferType) || reflect.PointerTo(t).Implements(bufferType) {
		return errs.New(errs.IllegalValue, path, "numeric buffer")
	}
	if (t.Kind() == reflect.Slice || t.Kind() == reflect.Array) && t.Elem().Kind() == reflect.Uint8 {
		return errs.New(errs.IllegalValue, path, "binary blob")
	}
	switch t.Kind() {
	case reflect.Chan, reflect.Func, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128, reflect.Uintptr:
		return errs.New(errs.IllegalValue, path, t.Kind().String())
	}
	return nil
}
