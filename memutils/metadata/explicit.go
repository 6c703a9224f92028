package metadata

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/jiwonkim00/memmgr/memutils/tag"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// ExplicitMetadata threads free blocks into a doubly-linked list via next/prev pointers
// stored in their own payload bytes (memutils/tag.ReadFreeLinks/WriteFreeLinks). A
// best-fit search only has to walk free blocks, not the whole heap.
//
// Alongside the list, freeSet mirrors the list's membership in a github.com/dolthub/swiss
// map, giving Validate an O(1) way to confirm list membership instead of re-walking the
// list for every node, and catching a block linked into the list without being recorded
// in the map (or recorded without being linked).
type ExplicitMetadata struct {
	base

	head    tag.BlockHandle
	freeSet *swiss.Map[tag.BlockHandle, struct{}]
}

var _ BlockMetadata = (*ExplicitMetadata)(nil)

func NewExplicitMetadata() *ExplicitMetadata {
	return &ExplicitMetadata{
		head:    tag.NoBlock,
		freeSet: swiss.NewMap[tag.BlockHandle, struct{}](16),
	}
}

// FindFit performs a best-fit scan of the free list only.
func (m *ExplicitMetadata) FindFit(heap []byte, size int) (tag.BlockHandle, bool) {
	var (
		best     tag.BlockHandle
		bestSize int
		found    bool
	)

	for h := m.head; h != tag.NoBlock; {
		blockSize, _ := tag.ReadHeader(heap, int(h))
		if blockSize >= size {
			if blockSize == size {
				return h, true
			}
			if !found || blockSize < bestSize {
				best = h
				bestSize = blockSize
				found = true
			}
		}
		next, _ := tag.ReadFreeLinks(heap, int(h))
		h = next
	}

	return best, found
}

// Insert splices a newly-free block in at the head of the list.
func (m *ExplicitMetadata) Insert(heap []byte, h tag.BlockHandle, size int) {
	oldHead := m.head
	tag.WriteFreeLinks(heap, int(h), oldHead, tag.NoBlock)
	if oldHead != tag.NoBlock {
		oldNext, _ := tag.ReadFreeLinks(heap, int(oldHead))
		tag.WriteFreeLinks(heap, int(oldHead), oldNext, h)
	}
	m.head = h
	m.freeSet.Put(h, struct{}{})
	m.countInsert(size)
}

// Remove unlinks a block from the free list.
func (m *ExplicitMetadata) Remove(heap []byte, h tag.BlockHandle, size int) {
	next, prev := tag.ReadFreeLinks(heap, int(h))

	if prev != tag.NoBlock {
		prevNext, prevPrev := tag.ReadFreeLinks(heap, int(prev))
		_ = prevNext
		tag.WriteFreeLinks(heap, int(prev), next, prevPrev)
	} else {
		m.head = next
	}

	if next != tag.NoBlock {
		nextNext, nextPrev := tag.ReadFreeLinks(heap, int(next))
		_ = nextPrev
		tag.WriteFreeLinks(heap, int(next), nextNext, prev)
	}

	m.freeSet.Delete(h)
	m.countRemove(size)
}

// Grow adjusts the free-byte counter for a block whose header/footer the caller has
// already rewritten to a larger size in place; its list position is untouched.
func (m *ExplicitMetadata) Grow(heap []byte, h tag.BlockHandle, delta int) {
	m.countGrow(delta)
}

// Validate checks that every block on the free list is marked free and recorded in
// freeSet, that the list, freeSet and the free-block counter agree in size, that both link
// directions agree, and that the head's prev pointer is null. It does not walk the heap,
// so a block tagged free in the heap but never inserted is not detected here.
func (m *ExplicitMetadata) Validate(heap []byte) error {
	if m.head != tag.NoBlock {
		_, headPrev := tag.ReadFreeLinks(heap, int(m.head))
		if headPrev != tag.NoBlock {
			return errors.Newf("explicit free list head %d has non-null prev %d", m.head, headPrev)
		}
	}

	visited := 0
	prevHandle := tag.NoBlock
	for h := m.head; h != tag.NoBlock; {
		size, allocated := tag.ReadHeader(heap, int(h))
		if allocated {
			return errors.Newf("block %d is in the free list but marked allocated", h)
		}
		if _, ok := m.freeSet.Get(h); !ok {
			return errors.Newf("block %d is linked into the free list but missing from the free set", h)
		}

		next, prev := tag.ReadFreeLinks(heap, int(h))
		if prev != prevHandle {
			return errors.Newf("block %d has prev %d, expected %d", h, prev, prevHandle)
		}

		visited++
		_ = size
		prevHandle = h
		h = next
	}

	if visited != m.freeSet.Count() {
		return errors.Newf("explicit free set has %d entries but only %d are reachable from the list head", m.freeSet.Count(), visited)
	}
	if visited != m.freeCount {
		return errors.Newf("explicit free list has %d nodes but base counters report %d free blocks", visited, m.freeCount)
	}

	return nil
}

func (m *ExplicitMetadata) WriteJSON(json jwriter.ObjectState) {
	json.Name("Policy").String("Explicit")
	json.Name("FreeBlockCount").Int(m.FreeCount())
	json.Name("FreeBytes").Int(m.SumFreeSize())
	if m.head == tag.NoBlock {
		json.Name("Head").Int(-1)
	} else {
		json.Name("Head").Int(int(m.head))
	}
}
