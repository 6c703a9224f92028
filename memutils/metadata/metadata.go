// Package metadata implements two free-block bookkeeping policies: ImplicitMetadata
// (linear scan of every block) and ExplicitMetadata (doubly-linked free list threaded
// through payload bytes). Both satisfy the shared BlockMetadata interface, which lets a
// single allocator swap between radically different bookkeeping strategies behind one
// interface.
package metadata

import (
	"github.com/jiwonkim00/memmgr/memutils/tag"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Policy selects which BlockMetadata implementation an Allocator uses.
type Policy int

const (
	// Implicit scans every block in the heap to find a fit.
	Implicit Policy = iota
	// Explicit scans only free blocks, via a doubly-linked free list.
	Explicit
)

func (p Policy) String() string {
	switch p {
	case Implicit:
		return "Implicit"
	case Explicit:
		return "Explicit"
	default:
		return "invalid"
	}
}

// BlockMetadata tracks which blocks in a heap are free and finds a best-fit candidate for
// a requested size. It never owns the heap's bytes; every method that needs to read or
// write block state is handed the heap []byte explicitly.
type BlockMetadata interface {
	// Init records the offset at which the usable region (past the initial sentinel)
	// begins. It must be called exactly once, before any other method.
	Init(usableStart int)

	// FindFit returns the best-fit free block of at least size bytes: among all free
	// blocks of size >= the request, the smallest one, first-encountered on ties. ok is
	// false if no such block exists.
	FindFit(heap []byte, size int) (h tag.BlockHandle, ok bool)

	// Insert registers a newly-free block (already written to the heap with status=free)
	// of the given size into this policy's free-tracking structures.
	Insert(heap []byte, h tag.BlockHandle, size int)

	// Remove unregisters a block from free-tracking, because it is about to become
	// allocated or about to be absorbed into a neighboring coalesce.
	Remove(heap []byte, h tag.BlockHandle, size int)

	// Grow adjusts the recorded size of a free block that was fused with newly grown
	// segment space in place. h's offset does not change, only its size; delta is
	// always positive.
	Grow(heap []byte, h tag.BlockHandle, delta int)

	// FreeCount returns the number of blocks currently tracked as free.
	FreeCount() int
	// SumFreeSize returns the total size in bytes of all blocks currently tracked as free.
	SumFreeSize() int

	// Validate checks policy-specific invariants beyond what a generic heap traversal
	// already covers. Implicit has no extra structure, so its Validate is a no-op.
	Validate(heap []byte) error

	// WriteJSON emits this policy's free-tracking state, for Allocator.Check's structured
	// diagnostic dump.
	WriteJSON(json jwriter.ObjectState)
}

// base holds the free-block counters shared by every BlockMetadata implementation.
type base struct {
	usableStart int
	freeCount   int
	freeBytes   int
}

func (b *base) Init(usableStart int) { b.usableStart = usableStart }
func (b *base) FreeCount() int       { return b.freeCount }
func (b *base) SumFreeSize() int     { return b.freeBytes }

func (b *base) countInsert(size int) {
	b.freeCount++
	b.freeBytes += size
}

func (b *base) countRemove(size int) {
	b.freeCount--
	b.freeBytes -= size
}

func (b *base) countGrow(delta int) {
	b.freeBytes += delta
}

// New constructs the BlockMetadata implementation for the given policy.
func New(policy Policy) BlockMetadata {
	switch policy {
	case Implicit:
		return NewImplicitMetadata()
	case Explicit:
		return NewExplicitMetadata()
	default:
		panic("memutils/metadata: invalid policy")
	}
}
