package buffer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateReuse(t *testing.T) {
	c := NewCache()

	a, err := c.Allocate("sums", 4, Float64)
	require.NoError(t, err)
	a.Float64()[0] = 1

	b, err := c.Allocate("sums", 4, Float64)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, c.Allocations())
	assert.Equal(t, 0, c.Releases())

	d, err := c.Allocate("sums", 5, Float64)
	require.NoError(t, err)
	assert.NotSame(t, a, d)
	assert.False(t, a.Valid())
	assert.Equal(t, 1, c.Releases())

	e, err := c.Allocate("sums", 5, Int32)
	require.NoError(t, err)
	assert.Equal(t, Int32, e.Type())
	assert.Equal(t, 2, c.Releases())

	_, err = c.Allocate("sums", -1, Int32)
	assert.Error(t, err)
}

func TestViews(t *testing.T) {
	upstream := NewCache()
	owner, err := upstream.Allocate("keep", 3, Uint8)
	require.NoError(t, err)

	c := NewCache()
	v := c.View("keep", owner)
	assert.True(t, v.IsView())
	assert.Equal(t, 0, v.Bytes())

	// freeing the view leaves the owner alone
	c.Free("keep")
	assert.True(t, owner.Valid())
	assert.Equal(t, 0, c.Releases())

	v = c.View("keep", owner)
	fresh, err := c.Allocate("keep", 3, Uint8)
	require.NoError(t, err)
	assert.False(t, fresh.IsView())
	assert.True(t, owner.Valid())

	v = c.View("other", owner)
	upstream.Free("keep")
	assert.False(t, v.Valid())
	_, ok := c.Get("other")
	assert.False(t, ok)
}

func TestTransactionRollback(t *testing.T) {
	c := NewCache()
	committed, err := c.Allocate("x", 2, Float64)
	require.NoError(t, err)
	committed.Float64()[0] = 7

	tx := c.Begin()
	replaced, err := c.Allocate("x", 3, Float64)
	require.NoError(t, err)
	extra, err := c.Allocate("y", 3, Int32)
	require.NoError(t, err)
	tx.End(errors.New("kernel failure"))

	got, ok := c.Get("x")
	require.True(t, ok)
	assert.Same(t, committed, got)
	assert.Equal(t, 7.0, got.Float64()[0])
	assert.False(t, replaced.Valid())
	assert.False(t, extra.Valid())
	_, ok = c.Get("y")
	assert.False(t, ok)
}

func TestTransactionCommit(t *testing.T) {
	c := NewCache()
	committed, err := c.Allocate("x", 2, Float64)
	require.NoError(t, err)

	tx := c.Begin()
	_, err = c.Allocate("x", 3, Float64)
	require.NoError(t, err)
	assert.True(t, committed.Valid(), "displaced buffer survives until commit")
	tx.End(nil)

	assert.False(t, committed.Valid())
	assert.Equal(t, 1, c.Releases())
	assert.Equal(t, []string{"x"}, c.Names())
	assert.Equal(t, 24, c.Bytes())

	c.FreeAll()
	assert.Empty(t, c.Names())
}

func TestAccessorTypeChecks(t *testing.T) {
	b := WrapInt32([]int32{1, 2})
	assert.Panics(t, func() { b.Float64() })
	assert.Equal(t, []int32{1, 2}, b.Int32())
}
