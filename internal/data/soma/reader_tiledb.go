//go:build soma

package soma

import (
	"context"
	"fmt"
	"math"
	"sort"

	tiledb "github.com/TileDB-Inc/TileDB-Go"

	"github.com/kanaverse/bakana-sub002/internal/data"
	"github.com/kanaverse/bakana-sub002/internal/errs"
	"github.com/kanaverse/bakana-sub002/internal/matrix"
	"github.com/kanaverse/bakana-sub002/internal/table"
)

// Supported reports whether this build can read SOMA experiments.
func Supported() bool { return true }

func (d *Dataset) Load(ctx context.Context, opts data.LoadOptions) (*data.Loaded, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cached != nil {
		return d.cached, nil
	}

	tctx, err := tiledb.NewContext(nil)
	if err != nil {
		return nil, errs.Wrap(errs.Reader, fmt.Errorf("failed to create TileDB context: %w", err), d.URI)
	}
	defer tctx.Free()

	out, err := d.load(ctx, tctx)
	if err != nil {
		return nil, errs.Wrap(errs.Reader, err, d.URI)
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	if opts.Cache {
		d.cached = out
	}
	return out, nil
}

func (d *Dataset) load(ctx context.Context, tctx *tiledb.Context) (*data.Loaded, error) {
	obsURI := d.URI + "/obs"
	ncells, err := joinIDCount(tctx, obsURI, "soma_joinid")
	if err != nil {
		return nil, err
	}
	cells, err := readObs(tctx, obsURI, ncells)
	if err != nil {
		return nil, err
	}

	measurements, err := d.Measurements()
	if err != nil {
		return nil, err
	}
	out := &data.Loaded{
		Matrix:     matrix.NewMulti(),
		Features:   map[string]*table.Table{},
		PrimaryIDs: map[string][]string{},
		Cells:      cells,
	}
	for _, ms := range measurements {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		base := d.URI + "/ms/" + ms
		nfeat, err := joinIDCount(tctx, base+"/var", "soma_joinid")
		if err != nil {
			return nil, fmt.Errorf("measurement %s: %w", ms, err)
		}
		names, err := readStrings(tctx, base+"/var", d.featureColumn())
		if err != nil {
			return nil, fmt.Errorf("measurement %s: %w", ms, err)
		}
		ids := make([]string, nfeat)
		for j, v := range names {
			if j >= 0 && int(j) < nfeat {
				ids[j] = v
			}
		}

		var is, js []int
		var xs []float64
		err = scanX(tctx, base+"/X/"+d.layer(), func(cell, feature int64, val float32) {
			is = append(is, int(feature))
			js = append(js, int(cell))
			xs = append(xs, float64(val))
		})
		if err != nil {
			return nil, fmt.Errorf("measurement %s: %w", ms, err)
		}
		x, err := matrix.FromTriplets(nfeat, ncells, is, js, xs)
		if err != nil {
			return nil, fmt.Errorf("measurement %s: %w", ms, err)
		}

		feats := table.New(nfeat)
		if err := feats.SetString("id", ids); err != nil {
			return nil, err
		}
		mod := data.ModalityForFeatureType(ms)
		if err := out.Matrix.Add(mod, x); err != nil {
			return nil, err
		}
		out.Features[mod] = feats
		out.PrimaryIDs[mod] = ids
	}
	return out, nil
}

func openRead(tctx *tiledb.Context, uri string) (*tiledb.Array, func(), error) {
	arr, err := tiledb.NewArray(tctx, uri)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open array (%s): %w", uri, err)
	}
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		arr.Free()
		return nil, nil, fmt.Errorf("failed to open array for read (%s): %w", uri, err)
	}
	return arr, func() { arr.Close(); arr.Free() }, nil
}

// joinIDCount returns one past the largest joinid in the non-empty domain.
func joinIDCount(tctx *tiledb.Context, uri, dim string) (int, error) {
	arr, done, err := openRead(tctx, uri)
	if err != nil {
		return 0, err
	}
	defer done()
	_, maxID, empty, err := joinRange(arr, dim)
	if err != nil || empty {
		return 0, err
	}
	return int(maxID) + 1, nil
}

func joinRange(arr *tiledb.Array, dim string) (int64, int64, bool, error) {
	ned, isEmpty, err := arr.NonEmptyDomainFromName(dim)
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to get non-empty domain of %s: %w", dim, err)
	}
	if isEmpty || ned == nil {
		return 0, 0, true, nil
	}
	lo, hi, err := boundsMinMaxInt64(ned.Bounds)
	return lo, hi, false, err
}

func boundsMinMaxInt64(bounds interface{}) (int64, int64, error) {
	switch v := bounds.(type) {
	case []int64:
		if len(v) >= 2 {
			return v[0], v[1], nil
		}
	case []int32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint64:
		if len(v) >= 2 {
			if v[0] > math.MaxInt64 || v[1] > math.MaxInt64 {
				return 0, 0, fmt.Errorf("uint64 bounds exceed int64 range")
			}
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	}
	return 0, 0, fmt.Errorf("unsupported bounds type for non-empty domain")
}

func attributeNullable(arr *tiledb.Array, name string) (bool, error) {
	schema, err := arr.Schema()
	if err != nil {
		return false, err
	}
	defer schema.Free()
	attr, err := schema.AttributeFromName(name)
	if err != nil {
		return false, err
	}
	defer attr.Free()
	return attr.Nullable()
}

// stringAttributes lists the string-typed attributes of a dataframe.
func stringAttributes(arr *tiledb.Array) ([]string, error) {
	schema, err := arr.Schema()
	if err != nil {
		return nil, fmt.Errorf("failed to get schema: %w", err)
	}
	defer schema.Free()
	nattrs, err := schema.AttributeNum()
	if err != nil {
		return nil, fmt.Errorf("failed to get attribute count: %w", err)
	}
	var out []string
	for i := uint(0); i < nattrs; i++ {
		attr, err := schema.AttributeFromIndex(i)
		if err != nil {
			continue
		}
		name, nerr := attr.Name()
		typ, terr := attr.Type()
		attr.Free()
		if nerr != nil || terr != nil || name == "soma_joinid" {
			continue
		}
		if typ == tiledb.TILEDB_STRING_ASCII || typ == tiledb.TILEDB_STRING_UTF8 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func readObs(tctx *tiledb.Context, uri string, ncells int) (*table.Table, error) {
	arr, done, err := openRead(tctx, uri)
	if err != nil {
		return nil, err
	}
	columns, err := stringAttributes(arr)
	done()
	if err != nil {
		return nil, err
	}

	tab := table.New(ncells)
	for _, col := range columns {
		values, err := readStrings(tctx, uri, col)
		if err != nil {
			return nil, err
		}
		labels := make([]string, ncells)
		valid := make([]bool, ncells)
		for id, v := range values {
			if id >= 0 && int(id) < ncells {
				labels[id] = v
				valid[id] = true
			}
		}
		if err := tab.SetNullableString(col, labels, valid); err != nil {
			return nil, err
		}
	}
	return tab, nil
}

// readStrings streams a variable-length string attribute keyed by
// soma_joinid. Null entries are omitted.
func readStrings(tctx *tiledb.Context, uri, column string) (map[int64]string, error) {
	arr, done, err := openRead(tctx, uri)
	if err != nil {
		return nil, err
	}
	defer done()

	minID, maxID, empty, err := joinRange(arr, "soma_joinid")
	if err != nil {
		return nil, err
	}
	if empty {
		return map[int64]string{}, nil
	}
	nullable, err := attributeNullable(arr, column)
	if err != nil {
		return nil, fmt.Errorf("column %s not found in %s: %w", column, uri, err)
	}

	sub, err := arr.NewSubarray()
	if err != nil {
		return nil, fmt.Errorf("failed to create subarray: %w", err)
	}
	defer sub.Free()
	if err := sub.AddRangeByName("soma_joinid", tiledb.MakeRange[int64](minID, maxID)); err != nil {
		return nil, fmt.Errorf("failed to set range: %w", err)
	}
	q, err := tiledb.NewQuery(tctx, arr)
	if err != nil {
		return nil, fmt.Errorf("failed to create query: %w", err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return nil, fmt.Errorf("failed to set subarray: %w", err)
	}
	if err := q.SetLayout(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return nil, fmt.Errorf("failed to set layout: %w", err)
	}

	const chunkRows = 8192
	joinIDs := make([]int64, chunkRows)
	offsets := make([]uint64, chunkRows)
	var validity []uint8
	if nullable {
		validity = make([]uint8, chunkRows)
	}
	buf := make([]byte, 2*1024*1024)

	result := make(map[int64]string, chunkRows)
	for {
		// sizes are in/out parameters, so buffers are reset on every submit
		if _, err := q.SetDataBuffer("soma_joinid", joinIDs); err != nil {
			return nil, fmt.Errorf("failed to set buffer soma_joinid: %w", err)
		}
		if _, err := q.SetOffsetsBuffer(column, offsets); err != nil {
			return nil, fmt.Errorf("failed to set offsets buffer %s: %w", column, err)
		}
		if _, err := q.SetDataBuffer(column, buf); err != nil {
			return nil, fmt.Errorf("failed to set data buffer %s: %w", column, err)
		}
		if nullable {
			if _, err := q.SetValidityBuffer(column, validity); err != nil {
				return nil, fmt.Errorf("failed to set validity buffer %s: %w", column, err)
			}
		}
		if err := q.Submit(); err != nil {
			return nil, fmt.Errorf("query submit failed: %w", err)
		}
		status, err := q.Status()
		if err != nil {
			return nil, fmt.Errorf("query status failed: %w", err)
		}
		elems, err := q.ResultBufferElements()
		if err != nil {
			return nil, fmt.Errorf("ResultBufferElements failed: %w", err)
		}

		usedJoin := min(int(elems["soma_joinid"][1]), len(joinIDs))
		usedOffsets := min(int(elems[column][0]), len(offsets))
		usedBytes := min(int(elems[column][1]), len(buf))
		usedValid := 0
		if nullable {
			usedValid = min(int(elems[column][2]), len(validity))
		}

		if status == tiledb.TILEDB_INCOMPLETE && usedOffsets == 0 && usedBytes == 0 && usedJoin == 0 {
			if len(buf) < 64*1024*1024 {
				buf = make([]byte, len(buf)*2)
				continue
			}
			return nil, fmt.Errorf("query buffers too small for column %s", column)
		}

		lim := min(usedJoin, usedOffsets)
		if nullable && usedValid > 0 {
			lim = min(lim, usedValid)
		}
		chunk := buf[:usedBytes]
		for i := 0; i < lim; i++ {
			if nullable && usedValid > 0 && validity[i] == 0 {
				continue
			}
			start, end := int(offsets[i]), len(chunk)
			if i+1 < usedOffsets {
				end = int(offsets[i+1])
			}
			if start < 0 || end < start || end > len(chunk) {
				continue
			}
			result[joinIDs[i]] = string(chunk[start:end])
		}

		if status == tiledb.TILEDB_COMPLETED {
			return result, nil
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return nil, fmt.Errorf("unexpected TileDB query status for %s: %v", uri, status)
		}
	}
}

// scanX streams every stored entry of a sparse X layer, calling onEntry
// with (cell, feature, value).
func scanX(tctx *tiledb.Context, uri string, onEntry func(cell, feature int64, val float32)) error {
	arr, done, err := openRead(tctx, uri)
	if err != nil {
		return err
	}
	defer done()

	cellMin, cellMax, emptyCells, err := joinRange(arr, "soma_dim_0")
	if err != nil {
		return err
	}
	featMin, featMax, emptyFeats, err := joinRange(arr, "soma_dim_1")
	if err != nil {
		return err
	}
	if emptyCells || emptyFeats {
		return nil
	}

	sub, err := arr.NewSubarray()
	if err != nil {
		return fmt.Errorf("failed to create X subarray: %w", err)
	}
	defer sub.Free()
	if err := sub.AddRangeByName("soma_dim_0", tiledb.MakeRange[int64](cellMin, cellMax)); err != nil {
		return fmt.Errorf("failed to add cell range: %w", err)
	}
	if err := sub.AddRangeByName("soma_dim_1", tiledb.MakeRange[int64](featMin, featMax)); err != nil {
		return fmt.Errorf("failed to add feature range: %w", err)
	}

	q, err := tiledb.NewQuery(tctx, arr)
	if err != nil {
		return fmt.Errorf("failed to create X query: %w", err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return fmt.Errorf("failed to set X subarray: %w", err)
	}
	_ = q.SetLayout(tiledb.TILEDB_UNORDERED)

	const bufSize = 1024 * 1024
	outCell := make([]int64, bufSize)
	outFeat := make([]int64, bufSize)
	outVal := make([]float32, bufSize)
	nullable, err := attributeNullable(arr, "soma_data")
	if err != nil {
		return fmt.Errorf("failed to inspect soma_data nullable: %w", err)
	}
	var outValid []uint8
	if nullable {
		outValid = make([]uint8, bufSize)
	}

	for {
		if _, err := q.SetDataBuffer("soma_dim_0", outCell); err != nil {
			return fmt.Errorf("failed to set buffer soma_dim_0: %w", err)
		}
		if _, err := q.SetDataBuffer("soma_dim_1", outFeat); err != nil {
			return fmt.Errorf("failed to set buffer soma_dim_1: %w", err)
		}
		if _, err := q.SetDataBuffer("soma_data", outVal); err != nil {
			return fmt.Errorf("failed to set buffer soma_data: %w", err)
		}
		if nullable {
			if _, err := q.SetValidityBuffer("soma_data", outValid); err != nil {
				return fmt.Errorf("failed to set validity buffer soma_data: %w", err)
			}
		}
		if err := q.Submit(); err != nil {
			return fmt.Errorf("X query submit failed: %w", err)
		}
		status, err := q.Status()
		if err != nil {
			return fmt.Errorf("X query status failed: %w", err)
		}
		elems, err := q.ResultBufferElements()
		if err != nil {
			return fmt.Errorf("X query ResultBufferElements failed: %w", err)
		}
		got := min(int(elems["soma_data"][1]), len(outVal))
		gotValid := 0
		if nullable {
			gotValid = min(int(elems["soma_data"][2]), len(outValid))
		}
		for i := 0; i < got; i++ {
			if nullable && i < gotValid && outValid[i] == 0 {
				continue
			}
			onEntry(outCell[i], outFeat[i], outVal[i])
		}

		if status == tiledb.TILEDB_COMPLETED {
			return nil
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return fmt.Errorf("unexpected X query status: %v", status)
		}
	}
}
