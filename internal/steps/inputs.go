package steps

import (
	"context"
	"sort"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/kanaverse/bakana-sub002/internal/data"
	"github.com/kanaverse/bakana-sub002/internal/errs"
	"github.com/kanaverse/bakana-sub002/internal/matrix"
	"github.com/kanaverse/bakana-sub002/internal/params"
	"github.com/kanaverse/bakana-sub002/internal/table"
)

// BatchColumn is the synthesised cell annotation naming each cell's dataset.
const BatchColumn = "__batch__"

// InputsParams configures input assembly.
type InputsParams struct {
	// BlockFactor names the cell annotation promoted to the block vector
	// when a single dataset is loaded.
	BlockFactor string            `json:"block_factor" yaml:"block_factor"`
	Subset      *SubsetDescriptor `json:"subset" yaml:"subset"`
}

// Inputs loads datasets, binds their common modalities and applies the
// cell subset.
type Inputs struct {
	base

	params   params.Tracker[InputsParams]
	abbrevs  params.Tracker[map[string]any]
	datasets map[string]data.Dataset
	names    []string

	// assembled cells before subsetting
	full      *matrix.Multi
	features  map[string]*table.Table
	fullCells *table.Table
	batch     *table.Factor // dataset of origin, nil for a single dataset

	keep   []int // nil means every cell
	matrix *matrix.Multi
	cells  *table.Table
	levels []string

	direct []int // pre-subset indices, nil when unset
	stale  bool
}

// NewInputs creates the input step.
func NewInputs() *Inputs {
	return &Inputs{base: newBase(NameInputs)}
}

// Compute loads datasets whose abbreviations changed since the last call
// and rebuilds the subsetted view when the data, the parameters or the
// direct subset changed.
func (s *Inputs) Compute(ctx context.Context, datasets map[string]data.Dataset, p InputsParams) (err error) {
	tx := s.begin()
	defer func() { tx.End(err) }()

	abbrevs := make(map[string]any, len(datasets))
	for name, ds := range datasets {
		abbrevs[name] = map[string]any{"format": ds.Format(), "summary": ds.Abbreviate()}
	}
	dataChanged, err := s.abbrevs.Changed(abbrevs)
	if err != nil {
		return err
	}
	paramsChanged, err := s.params.Changed(p)
	if err != nil {
		return err
	}

	full, features, cells, names, batch := s.full, s.features, s.fullCells, s.names, s.batch
	if dataChanged {
		full, features, cells, names, batch, err = assemble(ctx, datasets)
		if err != nil {
			return err
		}
	}

	if !dataChanged && !paramsChanged && !s.stale {
		return nil
	}

	block := batch
	if len(names) == 1 && p.BlockFactor != "" {
		col, ok := cells.Column(p.BlockFactor)
		if !ok {
			return errs.New(errs.SubsetFieldUnknown, p.BlockFactor)
		}
		block = table.Factorize(col)
	}

	ncells := full.NumColumns()
	var keep []int
	switch {
	case s.direct != nil:
		if err := checkIndices(s.direct, ncells); err != nil {
			return err
		}
		keep = s.direct
	case p.Subset != nil:
		if keep, err = p.Subset.resolve(cells); err != nil {
			return err
		}
	}
	keep = dropInvalid(keep, ncells, block)

	sub, subCells := full, cells
	var subBlock *table.Factor
	if keep != nil {
		sub = full.SubsetColumns(keep)
		subCells = cells.SubsetRows(keep)
		if block != nil {
			subBlock = block.Subset(keep)
		}
	} else if block != nil {
		subBlock = block
	}

	if subBlock != nil {
		if err := storeInt32(s.cache, "block", subBlock.Codes); err != nil {
			return err
		}
	} else {
		s.cache.Free("block")
	}

	s.datasets = datasets
	s.names = names
	s.full, s.features, s.fullCells, s.batch = full, features, cells, batch
	s.keep, s.matrix, s.cells = keep, sub, subCells
	s.levels = nil
	if subBlock != nil {
		s.levels = subBlock.Levels
	}
	s.stale = false
	s.abbrevs.Commit(abbrevs)
	s.params.Commit(p)
	s.changed = true
	return nil
}

// assemble loads every dataset in name order and binds the modalities they
// have in common.
func assemble(ctx context.Context, datasets map[string]data.Dataset) (*matrix.Multi, map[string]*table.Table, *table.Table, []string, *table.Factor, error) {
	names := make([]string, 0, len(datasets))
	for name := range datasets {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, nil, nil, nil, nil, errs.New(errs.NoCommonModality)
	}

	loaded := make([]*data.Loaded, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			l, err := datasets[name].Load(gctx, data.LoadOptions{})
			if err != nil {
				return errs.Wrap(errs.Reader, err, name)
			}
			loaded[i] = l
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, nil, nil, nil, err
	}

	common := loaded[0].Matrix.Available()
	for _, l := range loaded[1:] {
		kept := common[:0:0]
		for _, mod := range common {
			if l.Matrix.Has(mod) {
				kept = append(kept, mod)
			}
		}
		common = kept
	}
	if len(common) == 0 {
		return nil, nil, nil, nil, nil, errs.New(errs.NoCommonModality, names...)
	}

	full := matrix.NewMulti()
	features := make(map[string]*table.Table, len(common))
	for _, mod := range common {
		x, feat, err := bindModality(mod, names, loaded)
		if err != nil {
			return nil, nil, nil, nil, nil, err
		}
		if err := full.Add(mod, x); err != nil {
			return nil, nil, nil, nil, nil, err
		}
		features[mod] = feat
	}

	if len(names) == 1 {
		cells := loaded[0].Cells
		if cells == nil {
			cells = table.New(full.NumColumns())
		}
		return full, features, cells, names, nil, nil
	}

	tables := make([]*table.Table, len(names))
	var codes []int32
	for i, l := range loaded {
		n := l.Matrix.NumColumns()
		t := table.New(n)
		if l.Cells != nil {
			t = l.Cells.Clone()
		}
		batch := make([]string, n)
		for j := range batch {
			batch[j] = names[i]
			codes = append(codes, int32(i))
		}
		if err := t.SetString(BatchColumn, batch); err != nil {
			return nil, nil, nil, nil, nil, err
		}
		tables[i] = t
	}
	cells, err := table.Rbind(tables)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	block := &table.Factor{Codes: codes, Levels: append([]string(nil), names...)}
	return full, features, cells, names, block, nil
}

// bindModality combines one modality across datasets, keeping the features
// present in all of them in the order of the first dataset.
func bindModality(mod string, names []string, loaded []*data.Loaded) (*matrix.Sparse, *table.Table, error) {
	ids := make([][]string, len(loaded))
	for i, l := range loaded {
		v, ok := l.PrimaryIDs[mod]
		if !ok {
			return nil, nil, errs.New(errs.MissingPrimaryID, names[i], mod)
		}
		ids[i] = v
	}

	first, _ := loaded[0].Matrix.Get(mod)
	if len(loaded) == 1 {
		return first, loaded[0].Features[mod], nil
	}

	lookups := make([]map[string]int, len(loaded))
	for i, v := range ids {
		m := make(map[string]int, len(v))
		for r := len(v) - 1; r >= 0; r-- {
			m[v[r]] = r
		}
		lookups[i] = m
	}

	rows := make([][]int, len(loaded))
	seen := make(map[string]struct{}, len(ids[0]))
	for r, id := range ids[0] {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		pos := make([]int, len(loaded))
		pos[0] = r
		shared := true
		for i := 1; i < len(loaded); i++ {
			at, ok := lookups[i][id]
			if !ok {
				shared = false
				break
			}
			pos[i] = at
		}
		if !shared {
			continue
		}
		for i := range rows {
			rows[i] = append(rows[i], pos[i])
		}
	}

	mats := make([]*matrix.Sparse, len(loaded))
	for i, l := range loaded {
		x, _ := l.Matrix.Get(mod)
		mats[i] = x.SubsetRows(rows[i])
	}
	bound, err := matrix.CBind(mats)
	if err != nil {
		return nil, nil, errs.Wrap(errs.Kernel, err, mod)
	}
	return bound, loaded[0].Features[mod].SubsetRows(rows[0]), nil
}

// Valid reports whether datasets have been assembled.
func (s *Inputs) Valid() bool { return s.matrix != nil }

// Free drops every loaded dataset and buffer.
func (s *Inputs) Free() {
	s.cache.FreeAll()
	s.full, s.features, s.fullCells, s.batch = nil, nil, nil, nil
	s.keep, s.matrix, s.cells, s.levels = nil, nil, nil, nil
	s.names, s.datasets = nil, nil
	s.abbrevs.Reset()
	s.params.Reset()
}

// SetDirectSubset installs an index subset that takes precedence over any
// subset descriptor. A nil slice removes it. The next Compute rebuilds the
// subsetted matrices.
func (s *Inputs) SetDirectSubset(indices []int, opts DirectSubsetOptions) error {
	if indices == nil {
		if s.direct != nil {
			s.direct = nil
			s.stale = true
		}
		return nil
	}
	limit := -1
	if opts.OnOriginal {
		if s.full != nil {
			limit = s.full.NumColumns()
		}
	} else if s.matrix != nil {
		limit = s.matrix.NumColumns()
	}

	for i, x := range indices {
		if i > 0 && x <= indices[i-1] {
			return errs.New(errs.SubsetUnsorted, strconv.Itoa(i))
		}
		if x < 0 || (limit >= 0 && x >= limit) {
			return errs.New(errs.SubsetOutOfRange, strconv.Itoa(x))
		}
	}

	if opts.Copy || !opts.OnOriginal {
		indices = append([]int(nil), indices...)
	}
	if !opts.OnOriginal {
		if err := s.UndoSubset(indices); err != nil {
			return err
		}
	}
	s.direct = indices
	s.stale = true
	return nil
}

// FetchDirectSubset returns the installed index subset in the original
// cell space, or nil.
func (s *Inputs) FetchDirectSubset() []int { return s.direct }

// UndoSubset maps subsetted cell indices back to the original cells in
// place.
func (s *Inputs) UndoSubset(indices []int) error {
	n := 0
	if s.matrix != nil {
		n = s.matrix.NumColumns()
	}
	for _, x := range indices {
		if x < 0 || x >= n {
			return errs.New(errs.SubsetOutOfRange, strconv.Itoa(x))
		}
	}
	if s.keep == nil {
		return nil
	}
	for i, x := range indices {
		indices[i] = s.keep[x]
	}
	return nil
}

// FetchCountMatrix returns the subsetted counts of every common modality.
func (s *Inputs) FetchCountMatrix() *matrix.Multi { return s.matrix }

// FetchFeatureAnnotations returns the bound feature table per modality.
func (s *Inputs) FetchFeatureAnnotations() map[string]*table.Table { return s.features }

// FetchCellAnnotations returns the subsetted cell annotations.
func (s *Inputs) FetchCellAnnotations() *table.Table { return s.cells }

// FetchBlock returns the block code of each subsetted cell, or nil when
// the analysis is unblocked.
func (s *Inputs) FetchBlock() []int32 { return int32Buffer(s.cache, "block") }

// FetchBlockLevels names the block codes.
func (s *Inputs) FetchBlockLevels() []string { return s.levels }

// FetchDatasets returns the datasets of the last successful Compute.
func (s *Inputs) FetchDatasets() map[string]data.Dataset { return s.datasets }

// FetchDatasetNames returns the dataset names in load order.
func (s *Inputs) FetchDatasetNames() []string { return s.names }

// NumOriginalCells is the cell count before subsetting.
func (s *Inputs) NumOriginalCells() int {
	if s.full == nil {
		return 0
	}
	return s.full.NumColumns()
}

// NumCells is the cell count after subsetting.
func (s *Inputs) NumCells() int {
	if s.matrix == nil {
		return 0
	}
	return s.matrix.NumColumns()
}
