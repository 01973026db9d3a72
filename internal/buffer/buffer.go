// Package buffer provides the tagged numeric buffers that steps keep in
// their caches, and the per-step Cache that owns them.
package buffer

import "fmt"

// ElementType is the element type of a Buffer.
type ElementType uint8

const (
	Uint8 ElementType = iota + 1
	Int32
	Float64
)

func (t ElementType) String() string {
	switch t {
	case Uint8:
		return "u8"
	case Int32:
		return "i32"
	case Float64:
		return "f64"
	}
	return fmt.Sprintf("ElementType(%d)", uint8(t))
}

// Size returns the width of one element in bytes.
func (t ElementType) Size() int {
	switch t {
	case Uint8:
		return 1
	case Int32:
		return 4
	case Float64:
		return 8
	}
	return 0
}

// Buffer is a typed numeric array that is either owned by a cache or a
// read-only view of another buffer.
type Buffer struct {
	typ    ElementType
	length int
	u8     []uint8
	i32    []int32
	f64    []float64
	owner  *Buffer // non-nil for views
	freed  bool
}

func newBuffer(t ElementType, n int) *Buffer {
	b := &Buffer{typ: t, length: n}
	switch t {
	case Uint8:
		b.u8 = make([]uint8, n)
	case Int32:
		b.i32 = make([]int32, n)
	case Float64:
		b.f64 = make([]float64, n)
	}
	return b
}

// WrapFloat64 creates an owned buffer around existing float64 data.
func WrapFloat64(x []float64) *Buffer {
	return &Buffer{typ: Float64, length: len(x), f64: x}
}

// WrapInt32 creates an owned buffer around existing int32 data.
func WrapInt32(x []int32) *Buffer {
	return &Buffer{typ: Int32, length: len(x), i32: x}
}

// WrapUint8 creates an owned buffer around existing byte data.
func WrapUint8(x []uint8) *Buffer {
	return &Buffer{typ: Uint8, length: len(x), u8: x}
}

// NumericBuffer marks Buffer as illegal inside parameter records.
func (b *Buffer) NumericBuffer() {}

func (b *Buffer) Type() ElementType { return b.typ }
func (b *Buffer) Len() int          { return b.length }

// IsView reports whether b borrows its storage from another buffer.
func (b *Buffer) IsView() bool { return b.owner != nil }

// Valid reports whether the storage behind b is still alive. A view becomes
// invalid once its owner is released.
func (b *Buffer) Valid() bool {
	if b == nil || b.freed {
		return false
	}
	if b.owner != nil {
		return b.owner.Valid()
	}
	return true
}

// Bytes is the storage footprint of an owned buffer; views report zero.
func (b *Buffer) Bytes() int {
	if b.owner != nil {
		return 0
	}
	return b.length * b.typ.Size()
}

func (b *Buffer) mustBe(t ElementType) {
	if b.typ != t {
		panic(fmt.Sprintf("buffer: %s buffer accessed as %s", b.typ, t))
	}
	if !b.Valid() {
		panic("buffer: access to released buffer")
	}
}

// Uint8 returns the backing bytes. It panics on a type mismatch or on a
// released buffer.
func (b *Buffer) Uint8() []uint8 {
	b.mustBe(Uint8)
	return b.u8
}

func (b *Buffer) Int32() []int32 {
	b.mustBe(Int32)
	return b.i32
}

func (b *Buffer) Float64() []float64 {
	b.mustBe(Float64)
	return b.f64
}

func (b *Buffer) release() {
	b.freed = true
	b.u8, b.i32, b.f64 = nil, nil, nil
}

// viewOf returns a non-owning buffer sharing other's storage.
func viewOf(other *Buffer) *Buffer {
	root := other
	for root.owner != nil {
		root = root.owner
	}
	return &Buffer{
		typ:    other.typ,
		length: other.length,
		u8:     other.u8,
		i32:    other.i32,
		f64:    other.f64,
		owner:  root,
	}
}
