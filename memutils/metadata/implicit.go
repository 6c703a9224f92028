package metadata

import (
	"github.com/jiwonkim00/memmgr/memutils/tag"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// ImplicitMetadata keeps no separate free-list structure at all. A best-fit search walks
// every block in the heap, header to header, from the usable region's start until it
// reaches the end sentinel (size 0).
type ImplicitMetadata struct {
	base
}

var _ BlockMetadata = (*ImplicitMetadata)(nil)

func NewImplicitMetadata() *ImplicitMetadata {
	return &ImplicitMetadata{}
}

// FindFit performs a linear best-fit scan over every block in the heap.
func (m *ImplicitMetadata) FindFit(heap []byte, size int) (tag.BlockHandle, bool) {
	var (
		best     tag.BlockHandle
		bestSize int
		found    bool
	)

	for offset := m.usableStart; ; {
		blockSize, allocated := tag.ReadHeader(heap, offset)
		if blockSize == 0 {
			break // end sentinel
		}

		if !allocated && blockSize >= size {
			if blockSize == size {
				return tag.BlockHandle(offset), true
			}
			if !found || blockSize < bestSize {
				best = tag.BlockHandle(offset)
				bestSize = blockSize
				found = true
			}
		}

		offset = tag.NextBlockOffset(offset, blockSize)
	}

	return best, found
}

// Insert is a counter-only bookkeeping step: the heap itself is the implicit free list,
// so there is nothing to splice.
func (m *ImplicitMetadata) Insert(heap []byte, h tag.BlockHandle, size int) {
	m.countInsert(size)
}

// Remove is a counter-only bookkeeping step, the mirror of Insert.
func (m *ImplicitMetadata) Remove(heap []byte, h tag.BlockHandle, size int) {
	m.countRemove(size)
}

// Grow is a counter-only bookkeeping step: the block's header/footer have already been
// rewritten by the caller, and there is no list node to keep in place.
func (m *ImplicitMetadata) Grow(heap []byte, h tag.BlockHandle, delta int) {
	m.countGrow(delta)
}

// Validate is a no-op: ImplicitMetadata has no structure beyond the heap itself, and the
// heap's boundary-tag invariants are checked generically by the allocator.
func (m *ImplicitMetadata) Validate(heap []byte) error { return nil }

func (m *ImplicitMetadata) WriteJSON(json jwriter.ObjectState) {
	json.Name("Policy").String("Implicit")
	json.Name("FreeBlockCount").Int(m.FreeCount())
	json.Name("FreeBytes").Int(m.SumFreeSize())
}
