// Package memory provides a dataset held entirely in memory, built from
// matrices and tables already constructed by the caller.
package memory

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/kanaverse/bakana-sub002/internal/data"
	"github.com/kanaverse/bakana-sub002/internal/matrix"
	"github.com/kanaverse/bakana-sub002/internal/table"
)

// Format is the identifier of in-memory datasets.
const Format = "Memory"

// Modality is one feature space of an in-memory dataset.
type Modality struct {
	Matrix   *matrix.Sparse
	Features *table.Table
	// PrimaryColumn names the feature column holding primary identifiers.
	PrimaryColumn string
}

// Dataset is an immutable in-memory dataset. Its identity is fixed at
// construction, so two handles only abbreviate equally if they are the same
// dataset.
type Dataset struct {
	id         string
	modalities map[string]Modality
	cells      *table.Table
}

// New creates a dataset. cells may be nil.
func New(modalities map[string]Modality, cells *table.Table) *Dataset {
	return &Dataset{id: uuid.NewString(), modalities: modalities, cells: cells}
}

// ID returns the dataset identity.
func (d *Dataset) ID() string { return d.id }

func (d *Dataset) Format() string { return Format }

func (d *Dataset) Abbreviate() any {
	dims := map[string][]int{}
	for name, m := range d.modalities {
		dims[name] = []int{m.Matrix.NumRows(), m.Matrix.NumColumns()}
	}
	return map[string]any{"format": Format, "id": d.id, "dimensions": dims}
}

func (d *Dataset) Load(ctx context.Context, opts data.LoadOptions) (*data.Loaded, error) {
	out := &data.Loaded{
		Matrix:     matrix.NewMulti(),
		Features:   map[string]*table.Table{},
		PrimaryIDs: map[string][]string{},
	}
	ncol := 0
	for name, m := range d.modalities {
		if err := out.Matrix.Add(name, m.Matrix); err != nil {
			return nil, err
		}
		ncol = m.Matrix.NumColumns()
		out.Features[name] = m.Features
		col, ok := m.Features.Column(m.PrimaryColumn)
		if ok {
			out.PrimaryIDs[name] = col.Strings()
		}
	}
	out.Cells = d.cells
	if out.Cells == nil {
		out.Cells = table.New(ncol)
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// Serialize is not supported; in-memory datasets have no files.
func (d *Dataset) Serialize(ctx context.Context) ([]data.File, error) {
	return nil, errors.New("in-memory datasets cannot be serialized")
}
