package h5

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"os"

	"github.com/klauspost/compress/gzip"
)

func init() {
	for _, v := range []any{
		[]int32{}, []int64{}, []float64{}, []uint8{}, []string{},
		int32(0), int64(0), float64(0), "", false,
	} {
		gob.Register(v)
	}
}

// Gob writes trees as gzipped gob streams.
type Gob struct{}

func (Gob) Name() string { return "gob" }

func (Gob) Write(path string, root *Group) error {
	if err := root.Validate(); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(f)
	if err := gob.NewEncoder(zw).Encode(root); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (Gob) Read(path string) (*Group, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	zr, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	defer zr.Close()
	var root Group
	if err := gob.NewDecoder(zr).Decode(&root); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	root.fill()
	return &root, nil
}

// fill replaces the nil maps gob leaves for empty collections.
func (g *Group) fill() {
	if g.Attrs == nil {
		g.Attrs = Attrs{}
	}
	if g.Groups == nil {
		g.Groups = map[string]*Group{}
	}
	if g.Datasets == nil {
		g.Datasets = map[string]*Dataset{}
	}
	for _, d := range g.Datasets {
		if d.Attrs == nil {
			d.Attrs = Attrs{}
		}
	}
	for _, c := range g.Groups {
		c.fill()
	}
}
