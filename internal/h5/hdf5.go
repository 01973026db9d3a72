//go:build hdf5

package h5

import (
	"bytes"
	"fmt"

	"gonum.org/v1/hdf5"
)

// Default returns the backend of this build.
func Default() Backend { return HDF5{} }

// HDF5 writes real HDF5 files. String datasets are stored with a
// fixed-length type wide enough for their longest element. Reading
// recovers groups, datasets and the attributes declared with RegisterAttr.
type HDF5 struct{}

func (HDF5) Name() string { return "hdf5" }

func (HDF5) Write(path string, root *Group) error {
	if err := root.Validate(); err != nil {
		return err
	}
	f, err := hdf5.CreateFile(path, hdf5.F_ACC_TRUNC)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()
	rg, err := f.OpenGroup("/")
	if err != nil {
		return fmt.Errorf("failed to open root of %s: %w", path, err)
	}
	defer rg.Close()
	return writeGroup(&rg.CommonFG, rg, root)
}

func (HDF5) Read(path string) (*Group, error) {
	f, err := hdf5.OpenFile(path, hdf5.F_ACC_RDONLY)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	rg, err := f.OpenGroup("/")
	if err != nil {
		return nil, fmt.Errorf("failed to open root of %s: %w", path, err)
	}
	defer rg.Close()
	root := NewGroup()
	if err := readGroup(&rg.CommonFG, rg, root); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return root, nil
}

// attributer is implemented by groups and datasets.
type attributer interface {
	CreateAttribute(name string, dtype *hdf5.Datatype, dspace *hdf5.Dataspace) (*hdf5.Attribute, error)
	OpenAttribute(name string) (*hdf5.Attribute, error)
}

func writeGroup(loc *hdf5.CommonFG, self attributer, g *Group) error {
	for _, name := range sortedKeys(g.Attrs) {
		if err := writeAttr(self, name, g.Attrs[name]); err != nil {
			return err
		}
	}
	for _, name := range sortedKeys(g.Datasets) {
		if err := writeDataset(loc, name, g.Datasets[name]); err != nil {
			return fmt.Errorf("dataset %s: %w", name, err)
		}
	}
	for _, name := range sortedKeys(g.Groups) {
		child, err := loc.CreateGroup(name)
		if err != nil {
			return fmt.Errorf("group %s: %w", name, err)
		}
		err = writeGroup(&child.CommonFG, child, g.Groups[name])
		child.Close()
		if err != nil {
			return fmt.Errorf("group %s: %w", name, err)
		}
	}
	return nil
}

func readGroup(loc *hdf5.CommonFG, self attributer, g *Group) error {
	if err := readAttrs(self, g.Attrs); err != nil {
		return err
	}
	n, err := loc.NumObjects()
	if err != nil {
		return err
	}
	for i := uint(0); i < n; i++ {
		name, err := loc.ObjectNameByIndex(i)
		if err != nil {
			return err
		}
		typ, err := loc.ObjectTypeByIndex(i)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		switch typ {
		case hdf5.H5G_GROUP:
			child, err := loc.OpenGroup(name)
			if err != nil {
				return fmt.Errorf("group %s: %w", name, err)
			}
			err = readGroup(&child.CommonFG, child, g.Group(name))
			child.Close()
			if err != nil {
				return fmt.Errorf("group %s: %w", name, err)
			}
		case hdf5.H5G_DATASET:
			d, err := readDataset(loc, name)
			if err != nil {
				return fmt.Errorf("dataset %s: %w", name, err)
			}
			g.Datasets[name] = d
		}
	}
	return nil
}

func datatypeOf(data any) (*hdf5.Datatype, error) {
	switch data.(type) {
	case []int32, int32:
		return hdf5.T_NATIVE_INT32, nil
	case []int64, int64:
		return hdf5.T_NATIVE_INT64, nil
	case []float64, float64:
		return hdf5.T_NATIVE_DOUBLE, nil
	case []uint8, uint8:
		return hdf5.T_NATIVE_UINT8, nil
	case string:
		return hdf5.T_GO_STRING, nil
	}
	return nil, fmt.Errorf("unsupported type %T", data)
}

// fixedStrings packs strings into a fixed-length string type, each element
// padded with NULs to the width of the longest.
func fixedStrings(v []string) (*hdf5.Datatype, []byte, error) {
	width := 1
	for _, s := range v {
		if len(s)+1 > width {
			width = len(s) + 1
		}
	}
	dtype, err := hdf5.T_C_S1.Copy()
	if err != nil {
		return nil, nil, err
	}
	if err := dtype.SetSize(width); err != nil {
		dtype.Close()
		return nil, nil, err
	}
	buf := make([]byte, width*len(v))
	for i, s := range v {
		copy(buf[i*width:], s)
	}
	return dtype, buf, nil
}

func unpackStrings(buf []byte, width int) []string {
	out := make([]string, len(buf)/width)
	for i := range out {
		s := buf[i*width : (i+1)*width]
		if end := bytes.IndexByte(s, 0); end >= 0 {
			s = s[:end]
		}
		out[i] = string(s)
	}
	return out
}

func dataspaceOf(shape []int) (*hdf5.Dataspace, error) {
	if shape == nil {
		return hdf5.CreateDataspace(hdf5.S_SCALAR)
	}
	dims := make([]uint, len(shape))
	for i, s := range shape {
		dims[i] = uint(s)
	}
	return hdf5.CreateSimpleDataspace(dims, nil)
}

func writeDataset(loc *hdf5.CommonFG, name string, d *Dataset) error {
	var dtype *hdf5.Datatype
	var payload any
	if v, ok := d.Data.([]string); ok {
		st, buf, err := fixedStrings(v)
		if err != nil {
			return err
		}
		defer st.Close()
		dtype, payload = st, &buf
	} else {
		var err error
		if dtype, err = datatypeOf(d.Data); err != nil {
			return err
		}
		payload = d.Data
	}
	space, err := dataspaceOf(d.Shape)
	if err != nil {
		return err
	}
	defer space.Close()
	ds, err := loc.CreateDataset(name, dtype, space)
	if err != nil {
		return err
	}
	defer ds.Close()
	// the library rejects a null buffer even for zero elements
	if d.Len() > 0 {
		if err := writeData(ds, payload); err != nil {
			return err
		}
	}
	for _, an := range sortedKeys(d.Attrs) {
		if err := writeAttr(ds, an, d.Attrs[an]); err != nil {
			return err
		}
	}
	return nil
}

func writeData(ds *hdf5.Dataset, data any) error {
	switch v := data.(type) {
	case []int32:
		return ds.Write(&v)
	case []int64:
		return ds.Write(&v)
	case []float64:
		return ds.Write(&v)
	case []uint8:
		return ds.Write(&v)
	case *[]byte:
		return ds.Write(v)
	}
	return fmt.Errorf("unsupported type %T", data)
}

func readDataset(loc *hdf5.CommonFG, name string) (*Dataset, error) {
	ds, err := loc.OpenDataset(name)
	if err != nil {
		return nil, err
	}
	defer ds.Close()

	space := ds.Space()
	if space == nil {
		return nil, fmt.Errorf("no dataspace")
	}
	defer space.Close()
	out := &Dataset{Attrs: Attrs{}}
	n := 1
	if space.SimpleExtentType() != hdf5.S_SCALAR {
		dims, _, err := space.SimpleExtentDims()
		if err != nil {
			return nil, err
		}
		out.Shape = make([]int, len(dims))
		for i, x := range dims {
			out.Shape[i] = int(x)
			n *= int(x)
		}
	}

	dtype, err := ds.Datatype()
	if err != nil {
		return nil, err
	}
	defer dtype.Close()
	switch class, size := dtype.Class(), dtype.Size(); {
	case class == hdf5.T_INTEGER && size == 1:
		out.Data, err = readSlice[uint8](ds, n)
	case class == hdf5.T_INTEGER && size == 4:
		out.Data, err = readSlice[int32](ds, n)
	case class == hdf5.T_INTEGER && size == 8:
		out.Data, err = readSlice[int64](ds, n)
	case class == hdf5.T_FLOAT && size == 8:
		out.Data, err = readSlice[float64](ds, n)
	case class == hdf5.T_STRING:
		var buf []byte
		if buf, err = readSlice[byte](ds, n*int(size)); err == nil {
			out.Data = unpackStrings(buf, int(size))
		}
	default:
		return nil, fmt.Errorf("unsupported datatype class %v of size %d", class, size)
	}
	if err != nil {
		return nil, err
	}
	if err := readAttrs(ds, out.Attrs); err != nil {
		return nil, err
	}
	return out, nil
}

func readSlice[T any](ds *hdf5.Dataset, n int) ([]T, error) {
	out := make([]T, n)
	if n == 0 {
		return out, nil
	}
	if err := ds.Read(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func writeAttr(target attributer, name string, v any) error {
	if b, ok := v.(bool); ok {
		v = uint8(0)
		if b {
			v = uint8(1)
		}
	}
	dtype, err := datatypeOf(v)
	if err != nil {
		return fmt.Errorf("attribute %s: %w", name, err)
	}
	space, err := hdf5.CreateDataspace(hdf5.S_SCALAR)
	if err != nil {
		return err
	}
	defer space.Close()
	attr, err := target.CreateAttribute(name, dtype, space)
	if err != nil {
		return fmt.Errorf("attribute %s: %w", name, err)
	}
	defer attr.Close()
	switch x := v.(type) {
	case int32:
		return attr.Write(&x, dtype)
	case int64:
		return attr.Write(&x, dtype)
	case float64:
		return attr.Write(&x, dtype)
	case uint8:
		return attr.Write(&x, dtype)
	case string:
		return attr.Write(&x, dtype)
	}
	return fmt.Errorf("attribute %s: unsupported type %T", name, v)
}

// readAttrs probes every registered attribute name on target.
func readAttrs(target attributer, into Attrs) error {
	for _, name := range sortedKeys(attrKinds) {
		attr, err := target.OpenAttribute(name)
		if err != nil {
			// absent
			continue
		}
		v, err := readAttr(attr, attrKinds[name])
		attr.Close()
		if err != nil {
			return fmt.Errorf("attribute %s: %w", name, err)
		}
		into[name] = v
	}
	return nil
}

func readAttr(attr *hdf5.Attribute, zero any) (any, error) {
	dtype, err := datatypeOf(zero)
	if err != nil {
		return nil, err
	}
	switch zero.(type) {
	case int32:
		var x int32
		err = attr.Read(&x, dtype)
		return x, err
	case int64:
		var x int64
		err = attr.Read(&x, dtype)
		return x, err
	case float64:
		var x float64
		err = attr.Read(&x, dtype)
		return x, err
	case uint8:
		var x uint8
		err = attr.Read(&x, dtype)
		return x, err
	case string:
		var x string
		err = attr.Read(&x, dtype)
		return x, err
	}
	return nil, fmt.Errorf("unsupported type %T", zero)
}
