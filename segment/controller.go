package segment

import (
	"github.com/cockroachdb/errors"
	"github.com/jiwonkim00/memmgr/memutils"
	"github.com/jiwonkim00/memmgr/memutils/metadata"
	"github.com/jiwonkim00/memmgr/memutils/tag"
)

// ErrHeapNotEmpty is returned by Controller.Initialize if the provider's segment is not
// empty at entry.
var ErrHeapNotEmpty = errors.New("segment: provider's segment is not empty")

// Controller owns the chunked-growth policy over a Provider, installs the initial/end
// sentinels, and keeps whichever metadata.BlockMetadata policy is active in sync with
// every chunk it adds. The free-tail-fusion vs. new-free-block branch is written once and
// shared by both policies, rather than duplicated per policy.
type Controller struct {
	provider        Provider
	chunkSize       int
	shrinkThreshold int

	usableStart int
	usableEnd   int
}

// NewController wraps provider with a growth controller using the given chunk size and
// shrink threshold.
func NewController(provider Provider, chunkSize, shrinkThreshold int) *Controller {
	return &Controller{
		provider:        provider,
		chunkSize:       chunkSize,
		shrinkThreshold: shrinkThreshold,
	}
}

// UsableStart returns the byte offset of the first real block (past the initial sentinel).
func (c *Controller) UsableStart() int { return c.usableStart }

// UsableEnd returns the byte offset of the end sentinel.
func (c *Controller) UsableEnd() int { return c.usableEnd }

// Initialize requests the first chunk from the provider, installs both sentinels, and
// registers one giant free block spanning the whole chunk (minus the sentinels) with md.
func (c *Controller) Initialize(md metadata.BlockMetadata) error {
	start, end := c.provider.Bounds()
	if start != end {
		return ErrHeapNotEmpty
	}
	if c.provider.PageSize() <= 0 {
		return errors.New("segment: provider reported a non-positive page size")
	}

	newEnd, err := c.provider.Extend(c.chunkSize)
	if err != nil {
		return errors.Wrap(err, "segment: initial chunk request failed")
	}

	heap := c.provider.Bytes()
	c.usableStart = start + tag.MinBlockSize
	c.usableEnd = newEnd - tag.MinBlockSize

	tag.WriteHeader(heap, c.usableStart-tag.WordSize, 0, true) // initial sentinel (footer-only)
	tag.WriteHeader(heap, c.usableEnd, 0, true)                // end sentinel (header-only)

	size := c.chunkSize - 2*tag.MinBlockSize
	tag.WriteBoth(heap, c.usableStart, size, false)

	md.Init(c.usableStart)
	md.Insert(heap, tag.BlockHandle(c.usableStart), size)

	return nil
}

// Extend grows the segment by exactly one chunk, fusing the new space with a free tail
// block if one exists, or registering it as a new free block otherwise. It returns the
// provider's error (wrapped) unmodified so callers can distinguish ErrOutOfMemory from a
// programming error.
func (c *Controller) Extend(md metadata.BlockMetadata) error {
	oldEnd := c.usableEnd
	heap := c.provider.Bytes()

	tailFooterOffset := tag.PrevFooterOffset(oldEnd)
	tailSize, tailAllocated := tag.ReadHeader(heap, tailFooterOffset)

	newEnd, err := c.provider.Extend(c.chunkSize)
	if err != nil {
		return err
	}

	heap = c.provider.Bytes()
	newUsableEnd := newEnd - tag.MinBlockSize
	tag.WriteHeader(heap, newUsableEnd, 0, true) // new end sentinel

	if !tailAllocated {
		tailHeaderOffset := tag.HeaderFromFooter(heap, tailFooterOffset)
		newSize := tailSize + c.chunkSize
		tag.WriteBoth(heap, tailHeaderOffset, newSize, false)
		md.Grow(heap, tag.BlockHandle(tailHeaderOffset), c.chunkSize)
	} else {
		tag.WriteBoth(heap, oldEnd, c.chunkSize, false)
		md.Insert(heap, tag.BlockHandle(oldEnd), c.chunkSize)
	}

	c.usableEnd = newUsableEnd
	return nil
}

// MaybeShrink hands whole chunks back to the provider if it supports shrinking and the
// free block immediately before the end sentinel spans one or more whole chunks beyond
// shrinkThreshold.
func (c *Controller) MaybeShrink(md metadata.BlockMetadata) error {
	shrinker, ok := c.provider.(Shrinker)
	if !ok || c.shrinkThreshold <= 0 {
		return nil
	}

	heap := c.provider.Bytes()
	tailFooterOffset := tag.PrevFooterOffset(c.usableEnd)
	tailSize, tailAllocated := tag.ReadHeader(heap, tailFooterOffset)
	if tailAllocated || tailSize < c.chunkSize+c.shrinkThreshold {
		return nil
	}

	shrinkBy := memutils.AlignDown(tailSize-c.shrinkThreshold, c.chunkSize)
	if shrinkBy <= 0 {
		return nil
	}
	remaining := tailSize - shrinkBy

	tailHeaderOffset := tag.HeaderFromFooter(heap, tailFooterOffset)
	md.Remove(heap, tag.BlockHandle(tailHeaderOffset), tailSize)

	if err := shrinker.Shrink(shrinkBy); err != nil {
		// Put the block back exactly as it was; nothing has moved.
		md.Insert(heap, tag.BlockHandle(tailHeaderOffset), tailSize)
		return err
	}

	heap = c.provider.Bytes()
	c.usableEnd -= shrinkBy
	tag.WriteHeader(heap, c.usableEnd, 0, true)
	tag.WriteBoth(heap, tailHeaderOffset, remaining, false)
	md.Insert(heap, tag.BlockHandle(tailHeaderOffset), remaining)

	return nil
}
