// Package block implements the L3 layer: fixed-size typed blocks, the
// unit of I/O for every layer above. A TypedBlock interprets a raw
// byte buffer as an array of fixed-size records plus an optional
// trailing metadata struct (spec §3's "typed block" data model --
// `cur_size`, successor/predecessor BIDs for B+-tree leaves, etc).
package block

import (
	"unsafe"

	"github.com/xtern-go/xtern/blockmgr"
)

// TypedBlock is a zero-copy typed view over a raw block buffer,
// grounded on the teacher's unsafe.Pointer reinterpretation in
// blob/file_unsafe.go (headerFrom/blobFrom) but generalized from one
// fixed schema to any record type T and metadata type M via generics,
// which the teacher's pre-generics Go (1.14) couldn't express. Records
// and Meta alias the same underlying buffer that disk I/O reads into
// and writes out of, so mutating Records[i] or *Meta() dirties the
// block in place with no marshalling step.
type TypedBlock[T any, M any] struct {
	BID   blockmgr.BID
	buf   []byte
	dirty bool
}

// New wraps buf (whose length must equal bid.Size) as a TypedBlock.
// The record array occupies every byte of buf except the trailing
// sizeof(M) bytes reserved for metadata.
func New[T any, M any](bid blockmgr.BID, buf []byte) *TypedBlock[T, M] {
	if int64(len(buf)) != bid.Size {
		panic("block: buffer length does not match BID size")
	}
	return &TypedBlock[T, M]{BID: bid, buf: buf}
}

func recordSize[T any]() int {
	var t T
	return int(unsafe.Sizeof(t))
}

func metaSize[M any]() int {
	var m M
	return int(unsafe.Sizeof(m))
}

// Capacity returns the number of T records this block can hold.
func (b *TypedBlock[T, M]) Capacity() int {
	rs := recordSize[T]()
	if rs == 0 {
		return 0
	}
	return (len(b.buf) - metaSize[M]()) / rs
}

// Records returns a slice view over the record area of the block. The
// slice aliases the block's buffer: writes through it mutate the same
// bytes disk I/O transfers, so callers must call MarkDirty after
// writing through it.
func (b *TypedBlock[T, M]) Records() []T {
	n := b.Capacity()
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b.buf[0])), n)
}

// Meta returns a pointer to the trailing metadata struct, aliasing the
// last sizeof(M) bytes of the block.
func (b *TypedBlock[T, M]) Meta() *M {
	ms := metaSize[M]()
	if ms == 0 {
		var m M
		return &m
	}
	off := len(b.buf) - ms
	return (*M)(unsafe.Pointer(&b.buf[off]))
}

// Bytes returns the raw underlying buffer, for handing to the request
// queue / pool for I/O.
func (b *TypedBlock[T, M]) Bytes() []byte { return b.buf }

// Dirty reports whether the block has been mutated since it was last
// read from or written to disk.
func (b *TypedBlock[T, M]) Dirty() bool { return b.dirty }

// MarkDirty flags the block as needing a write-back.
func (b *TypedBlock[T, M]) MarkDirty() { b.dirty = true }

// ClearDirty flags the block as matching its on-disk contents.
func (b *TypedBlock[T, M]) ClearDirty() { b.dirty = false }

// Zero clears the entire buffer, including metadata, and marks it
// dirty. Used when a freshly allocated block needs deterministic
// initial contents (e.g. cur_size == 0) rather than whatever the
// underlying disk region previously held.
func (b *TypedBlock[T, M]) Zero() {
	for i := range b.buf {
		b.buf[i] = 0
	}
	b.dirty = true
}
