package buffer

import (
	"fmt"
	"sort"
)

// Cache maps names to buffers for a single step. Owned buffers are released
// on overwrite or Free; views are dropped without touching their owner.
type Cache struct {
	entries map[string]*Buffer

	allocated int
	released  int

	// journal of the open compute, nil when no transaction is running
	tx *journal
}

type journal struct {
	fresh     map[string]*Buffer
	displaced map[string]*Buffer
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*Buffer)}
}

// Allocate returns a buffer of n elements of type t stored under name. An
// existing owned buffer of the same length and type is returned as-is;
// anything else under name is released first.
func (c *Cache) Allocate(name string, n int, t ElementType) (*Buffer, error) {
	if n < 0 {
		return nil, fmt.Errorf("buffer: negative length %d for %q", n, name)
	}
	if t.Size() == 0 {
		return nil, fmt.Errorf("buffer: unknown element type for %q", name)
	}
	if old, ok := c.entries[name]; ok {
		if old.owner == nil && !old.freed && old.typ == t && old.length == n {
			return old, nil
		}
		c.drop(name, old)
	}
	b := newBuffer(t, n)
	c.entries[name] = b
	c.allocated++
	if c.tx != nil {
		c.tx.fresh[name] = b
	}
	return b, nil
}

// Put stores an externally built owned buffer under name.
func (c *Cache) Put(name string, b *Buffer) {
	if old, ok := c.entries[name]; ok {
		if old == b {
			return
		}
		c.drop(name, old)
	}
	c.entries[name] = b
	c.allocated++
	if c.tx != nil {
		c.tx.fresh[name] = b
	}
}

// View installs a non-owning view of other under name.
func (c *Cache) View(name string, other *Buffer) *Buffer {
	if old, ok := c.entries[name]; ok {
		c.drop(name, old)
	}
	v := viewOf(other)
	c.entries[name] = v
	if c.tx != nil {
		c.tx.fresh[name] = v
	}
	return v
}

// Get returns the buffer stored under name.
func (c *Cache) Get(name string) (*Buffer, bool) {
	b, ok := c.entries[name]
	if !ok || !b.Valid() {
		return nil, false
	}
	return b, true
}

// Free releases and removes the entry; freeing a view is a no-op on the
// owner.
func (c *Cache) Free(name string) {
	if old, ok := c.entries[name]; ok {
		c.drop(name, old)
	}
}

// FreeAll releases every entry.
func (c *Cache) FreeAll() {
	for name, b := range c.entries {
		c.drop(name, b)
	}
}

// Names lists the stored entries in sorted order.
func (c *Cache) Names() []string {
	out := make([]string, 0, len(c.entries))
	for k := range c.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Allocations counts fresh allocations over the cache's lifetime.
func (c *Cache) Allocations() int { return c.allocated }

// Releases counts owned buffers released over the cache's lifetime.
func (c *Cache) Releases() int { return c.released }

// Bytes sums the footprint of owned buffers.
func (c *Cache) Bytes() int {
	total := 0
	for _, b := range c.entries {
		if b.Valid() {
			total += b.Bytes()
		}
	}
	return total
}

func (c *Cache) drop(name string, b *Buffer) {
	delete(c.entries, name)
	if c.tx != nil {
		if c.tx.fresh[name] == b {
			delete(c.tx.fresh, name)
		} else if _, seen := c.tx.displaced[name]; !seen {
			// committed entry: keep it until the compute commits
			c.tx.displaced[name] = b
			return
		}
	}
	c.release(b)
}

func (c *Cache) release(b *Buffer) {
	if b.owner != nil || b.freed {
		return
	}
	b.release()
	c.released++
}

// Begin opens a transaction covering one compute invocation. Buffers that
// were committed before Begin and are displaced during it are only released
// on a successful End; a failed End releases the fresh buffers and restores
// the displaced ones.
func (c *Cache) Begin() *Tx {
	c.tx = &journal{
		fresh:     make(map[string]*Buffer),
		displaced: make(map[string]*Buffer),
	}
	return &Tx{c: c}
}

// Tx is an open compute transaction on a Cache.
type Tx struct {
	c *Cache
}

// End commits when err is nil and rolls back otherwise.
func (tx *Tx) End(err error) {
	c := tx.c
	j := c.tx
	if j == nil {
		return
	}
	c.tx = nil

	if err == nil {
		for _, b := range j.displaced {
			c.release(b)
		}
		return
	}

	for name, b := range j.fresh {
		if c.entries[name] == b {
			delete(c.entries, name)
		}
		c.release(b)
	}
	for name, b := range j.displaced {
		if cur, ok := c.entries[name]; ok && cur != b {
			delete(c.entries, name)
			c.release(cur)
		}
		c.entries[name] = b
	}
}
