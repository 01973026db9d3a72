package table

import "sort"

// InvalidBlock marks a cell whose block is missing; such cells are always
// dropped before analysis.
const InvalidBlock int32 = -1

// Factor is a categorical vector stored as integer codes into Levels.
type Factor struct {
	Codes  []int32
	Levels []string
}

// Len returns the number of entries.
func (f *Factor) Len() int { return len(f.Codes) }

// Labels expands the codes into their level strings; invalid entries map
// to "".
func (f *Factor) Labels() []string {
	out := make([]string, len(f.Codes))
	for i, c := range f.Codes {
		if c != InvalidBlock {
			out[i] = f.Levels[c]
		}
	}
	return out
}

// Factorize converts a column into a factor with sorted levels. Missing
// values become InvalidBlock.
func Factorize(c *Column) *Factor {
	n := c.Len()
	seen := map[string]struct{}{}
	text := make([]string, n)
	ok := make([]bool, n)
	for i := 0; i < n; i++ {
		text[i], ok[i] = c.Text(i)
		if ok[i] {
			seen[text[i]] = struct{}{}
		}
	}

	levels := make([]string, 0, len(seen))
	for k := range seen {
		levels = append(levels, k)
	}
	sort.Strings(levels)
	lookup := make(map[string]int32, len(levels))
	for i, l := range levels {
		lookup[l] = int32(i)
	}

	codes := make([]int32, n)
	for i := range codes {
		if !ok[i] {
			codes[i] = InvalidBlock
			continue
		}
		codes[i] = lookup[text[i]]
	}
	return &Factor{Codes: codes, Levels: levels}
}

// Subset keeps entries idx and drops levels that no longer occur, recoding
// the survivors in their original level order.
func (f *Factor) Subset(idx []int) *Factor {
	used := make([]bool, len(f.Levels))
	for _, i := range idx {
		if c := f.Codes[i]; c != InvalidBlock {
			used[c] = true
		}
	}
	remap := make([]int32, len(f.Levels))
	var levels []string
	for l, u := range used {
		remap[l] = InvalidBlock
		if u {
			remap[l] = int32(len(levels))
			levels = append(levels, f.Levels[l])
		}
	}
	codes := make([]int32, len(idx))
	for j, i := range idx {
		c := f.Codes[i]
		if c == InvalidBlock {
			codes[j] = InvalidBlock
			continue
		}
		codes[j] = remap[c]
	}
	return &Factor{Codes: codes, Levels: levels}
}

// Counts returns the number of entries per level.
func (f *Factor) Counts() []int {
	out := make([]int, len(f.Levels))
	for _, c := range f.Codes {
		if c != InvalidBlock {
			out[c]++
		}
	}
	return out
}
