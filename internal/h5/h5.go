// Package h5 models HDF5 files as an in-memory tree of groups, datasets and
// attributes, and writes that tree through a pluggable backend.
//
// Builds tagged hdf5 write real HDF5 files through gonum.org/v1/hdf5 (cgo);
// other builds use a portable gob encoding of the same tree.
package h5

import (
	"fmt"
	"sort"
	"strings"
)

// Attrs holds attribute values keyed by name.
type Attrs map[string]any

// Dataset is an n-dimensional array stored row-major. Data is one of
// []int32, []int64, []float64, []uint8 or []string; a nil Shape marks a
// scalar holding a single element.
type Dataset struct {
	Data  any
	Shape []int
	Attrs Attrs
}

// Len returns the number of elements.
func (d *Dataset) Len() int {
	switch v := d.Data.(type) {
	case []int32:
		return len(v)
	case []int64:
		return len(v)
	case []float64:
		return len(v)
	case []uint8:
		return len(v)
	case []string:
		return len(v)
	}
	return 0
}

// Float64s converts numeric data to float64.
func (d *Dataset) Float64s() ([]float64, error) {
	switch v := d.Data.(type) {
	case []float64:
		return v, nil
	case []int32:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	case []int64:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	case []uint8:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	}
	return nil, fmt.Errorf("h5: %T is not numeric", d.Data)
}

// String returns the first element of string data.
func (d *Dataset) String() (string, error) {
	v, ok := d.Data.([]string)
	if !ok || len(v) == 0 {
		return "", fmt.Errorf("h5: %T is not a string", d.Data)
	}
	return v[0], nil
}

// Group is a named collection of groups and datasets.
type Group struct {
	Attrs    Attrs
	Groups   map[string]*Group
	Datasets map[string]*Dataset
}

// NewGroup creates an empty group.
func NewGroup() *Group {
	return &Group{Attrs: Attrs{}, Groups: map[string]*Group{}, Datasets: map[string]*Dataset{}}
}

// Group returns the child group name, creating it if needed.
func (g *Group) Group(name string) *Group {
	if c, ok := g.Groups[name]; ok {
		return c
	}
	c := NewGroup()
	g.Groups[name] = c
	return c
}

// SetAttr sets an attribute and returns g for chaining.
func (g *Group) SetAttr(name string, v any) *Group {
	g.Attrs[name] = v
	return g
}

// Put stores a dataset. Without a shape the data is one-dimensional.
func (g *Group) Put(name string, data any, shape ...int) *Dataset {
	d := &Dataset{Data: data, Shape: shape, Attrs: Attrs{}}
	if shape == nil {
		d.Shape = []int{d.Len()}
	}
	g.Datasets[name] = d
	return d
}

// Scalar stores a single value as a scalar dataset.
func (g *Group) Scalar(name string, v any) *Dataset {
	var data any
	switch x := v.(type) {
	case int:
		data = []int32{int32(x)}
	case int32:
		data = []int32{x}
	case int64:
		data = []int64{x}
	case float64:
		data = []float64{x}
	case string:
		data = []string{x}
	case bool:
		b := uint8(0)
		if x {
			b = 1
		}
		data = []uint8{b}
	default:
		panic(fmt.Sprintf("h5: unsupported scalar %T", v))
	}
	d := &Dataset{Data: data, Attrs: Attrs{}}
	g.Datasets[name] = d
	return d
}

// Lookup resolves a slash-separated path to a dataset.
func (g *Group) Lookup(path string) (*Dataset, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	cur := g
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur.Groups[p]
		if !ok {
			return nil, false
		}
		cur = next
	}
	d, ok := cur.Datasets[parts[len(parts)-1]]
	return d, ok
}

// Validate checks every dataset for supported types and consistent shapes.
func (g *Group) Validate() error {
	return g.validate("")
}

func (g *Group) validate(prefix string) error {
	for _, name := range sortedKeys(g.Datasets) {
		d := g.Datasets[name]
		n := 1
		for _, s := range d.Shape {
			n *= s
		}
		switch d.Data.(type) {
		case []int32, []int64, []float64, []uint8, []string:
		default:
			return fmt.Errorf("h5: dataset %s%s has unsupported type %T", prefix, name, d.Data)
		}
		if d.Len() != n {
			return fmt.Errorf("h5: dataset %s%s has %d elements for shape %v", prefix, name, d.Len(), d.Shape)
		}
	}
	for _, name := range sortedKeys(g.Groups) {
		if err := g.Groups[name].validate(prefix + name + "/"); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// attrKinds maps attribute names to the zero value of their type. The HDF5
// binding cannot enumerate attributes, so readers probe these names.
var attrKinds = map[string]any{}

// RegisterAttr declares an attribute name and its type, given as a zero
// int32, int64, float64, uint8 or string. Backends that cannot list the
// attributes of an object read back only registered names.
func RegisterAttr(name string, zero any) {
	switch zero.(type) {
	case int32, int64, float64, uint8, string:
	default:
		panic(fmt.Sprintf("h5: unsupported attribute type %T", zero))
	}
	attrKinds[name] = zero
}

// Backend persists a tree to a file.
type Backend interface {
	Name() string
	Write(path string, root *Group) error
	Read(path string) (*Group, error)
}
