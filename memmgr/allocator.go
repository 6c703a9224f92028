// Package memmgr implements a user-space dynamic memory allocator over a growable byte
// segment: boundary-tag blocks, best-fit search under either a linear (Implicit) or
// free-list (Explicit) policy, coalescing, splitting, and chunked heap growth.
package memmgr

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"

	"github.com/jiwonkim00/memmgr/memutils"
	"github.com/jiwonkim00/memmgr/memutils/metadata"
	"github.com/jiwonkim00/memmgr/memutils/tag"
	"github.com/jiwonkim00/memmgr/segment"
)

// Policy selects between the two free-block bookkeeping strategies.
type Policy = metadata.Policy

const (
	Implicit = metadata.Implicit
	Explicit = metadata.Explicit
)

const (
	defaultChunkSize       = 65536
	defaultShrinkThreshold = 16384
)

type config struct {
	chunkSize       int
	shrinkThreshold int
	logger          *slog.Logger
	logLevel        slog.Level
}

// Option configures an Allocator at construction time.
type Option func(*config)

// WithChunkSize overrides the default 64 KiB growth unit. n must be a power of two.
func WithChunkSize(n int) Option {
	return func(c *config) { c.chunkSize = n }
}

// WithShrinkThreshold overrides the default 16 KiB shrink threshold. Zero disables
// shrinking entirely.
func WithShrinkThreshold(n int) Option {
	return func(c *config) { c.shrinkThreshold = n }
}

// WithLogger attaches a structured logger; Allocate/Free/growth events are logged at
// LevelDebug, gated by the level set with WithLogLevel or SetLogLevel.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithLogLevel sets the initial log verbosity (see Allocator.SetLogLevel).
func WithLogLevel(level slog.Level) Option {
	return func(c *config) { c.logLevel = level }
}

// Allocator is a single-threaded, non-reentrant heap manager over one segment.Provider.
// It is not safe for concurrent use; callers must serialize access externally.
type Allocator struct {
	provider   segment.Provider
	controller *segment.Controller
	md         metadata.BlockMetadata
	policy     Policy

	logger   *slog.Logger
	logLevel slog.Level

	// canaries maps the handle of an allocated block to the requested payload length it
	// was given, but only for blocks a corruption canary was actually written after
	// (memutils.WriteMagicValue). A boundary-tag block only records its rounded-up block
	// size, not the caller's original request, so this is the state Check needs to know
	// where to look for the canary.
	canaries map[tag.BlockHandle]int
}

// NewAllocator initializes a heap over provider using policy. provider's segment must be
// empty at entry; if it is not, NewAllocator returns an error wrapping ErrNullHeapOnInit.
func NewAllocator(provider segment.Provider, policy Policy, opts ...Option) (*Allocator, error) {
	if policy != Implicit && policy != Explicit {
		return nil, errors.Wrapf(ErrInvalidPolicy, "policy %v", policy)
	}

	cfg := config{
		chunkSize:       defaultChunkSize,
		shrinkThreshold: defaultShrinkThreshold,
		logLevel:        slog.LevelInfo,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := memutils.CheckPow2(cfg.chunkSize, "ChunkSize"); err != nil {
		return nil, err
	}

	md := metadata.New(policy)
	controller := segment.NewController(provider, cfg.chunkSize, cfg.shrinkThreshold)

	if err := controller.Initialize(md); err != nil {
		if errors.Is(err, segment.ErrHeapNotEmpty) {
			return nil, errors.Wrap(ErrNullHeapOnInit, err.Error())
		}
		return nil, err
	}

	a := &Allocator{
		provider:   provider,
		controller: controller,
		md:         md,
		policy:     policy,
		logger:     cfg.logger,
		logLevel:   cfg.logLevel,
		canaries:   make(map[tag.BlockHandle]int),
	}
	a.log(slog.LevelInfo, "initialized", "policy", policy.String(), "chunkSize", cfg.chunkSize)
	return a, nil
}

// SetLogLevel changes the minimum level at which Allocate/Free/growth events are logged.
// It has no effect if the allocator was built without WithLogger.
func (a *Allocator) SetLogLevel(level slog.Level) {
	a.logLevel = level
}

func (a *Allocator) log(level slog.Level, msg string, args ...any) {
	if a.logger == nil || level < a.logLevel {
		return
	}
	a.logger.Log(context.Background(), level, msg, args...)
}

// findFitWithGrowth returns a free block of at least asize bytes, extending the segment
// by one chunk and retrying exactly once if the first search misses.
func (a *Allocator) findFitWithGrowth(asize int) (tag.BlockHandle, bool) {
	heap := a.provider.Bytes()
	if h, ok := a.md.FindFit(heap, asize); ok {
		return h, true
	}

	if err := a.controller.Extend(a.md); err != nil {
		return tag.NoBlock, false
	}
	a.log(slog.LevelDebug, "extended heap")

	heap = a.provider.Bytes()
	return a.md.FindFit(heap, asize)
}

// Allocate returns a slice of n usable payload bytes, or (nil, ErrOutOfMemory) if the
// segment cannot grow enough to satisfy the request. Allocate(0) returns (nil, nil).
func (a *Allocator) Allocate(n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if n < 0 {
		return nil, errors.Newf("memmgr: negative allocation size %d", n)
	}

	asize := tag.RoundUpBlockSize(n)
	h, ok := a.findFitWithGrowth(asize)
	if !ok {
		a.log(slog.LevelInfo, "allocate failed", "requested", n)
		return nil, errors.Wrapf(ErrOutOfMemory, "requested %d bytes", n)
	}

	heap := a.provider.Bytes()
	size, _ := tag.ReadHeader(heap, int(h))
	a.md.Remove(heap, h, size)

	remainder := size - asize
	if remainder >= tag.MinBlockSize {
		tag.WriteBoth(heap, int(h), asize, true)
		freeOffset := tag.NextBlockOffset(int(h), asize)
		tag.WriteBoth(heap, freeOffset, remainder, false)
		a.md.Insert(heap, tag.BlockHandle(freeOffset), remainder)
	} else {
		asize = size
		tag.WriteBoth(heap, int(h), size, true)
	}

	a.log(slog.LevelDebug, "allocate", "requested", n, "offset", h, "blockSize", asize)
	payload, wroteCanary := payloadSlice(heap, int(h), asize, n)
	a.recordCanary(h, n, wroteCanary)
	return payload, nil
}

// payloadSlice returns the n usable bytes of the block at headerOffset with the given
// full block size, capped so append() cannot grow past the block's payload capacity.
// If slack remains between n and the block's usable length, a debug build stamps a
// corruption canary into it (see memutils.WriteMagicValue) and reports it in wrote;
// WriteMagicValue is a no-op and wrote is always false without the debug_mem_utils
// build tag, since DebugMargin is zero in that build.
func payloadSlice(heap []byte, headerOffset, blockSize, n int) (payload []byte, wrote bool) {
	payloadOffset := tag.PayloadOffset(headerOffset)
	capacity := blockSize - 2*tag.WordSize
	wrote = memutils.DebugMargin > 0 && capacity-n >= memutils.DebugMargin
	if wrote {
		memutils.WriteMagicValue(heap, payloadOffset+n)
	}
	return heap[payloadOffset : payloadOffset+n : payloadOffset+capacity], wrote
}

// recordCanary tracks, per block handle, the requested payload length a canary was
// stamped after, so Check knows where to look for it. It clears any stale entry when a
// block is reused without a fresh canary (e.g. an exact-fit allocation).
func (a *Allocator) recordCanary(h tag.BlockHandle, n int, wrote bool) {
	if wrote {
		a.canaries[h] = n
		return
	}
	delete(a.canaries, h)
}

// ZeroAllocate is Allocate(m*n) with the returned payload's bytes cleared to zero.
func (a *Allocator) ZeroAllocate(m, n int) ([]byte, error) {
	total := m * n
	b, err := a.Allocate(total)
	if err != nil {
		return nil, err
	}
	clear(b)
	return b, nil
}

// Free returns b's block to the free pool, coalescing with any free neighbors. Free(nil)
// is a no-op. Freeing a block that is already free panics with a *FatalError wrapping
// ErrDoubleFree.
func (a *Allocator) Free(b []byte) {
	if b == nil {
		return
	}

	heap := a.provider.Bytes()
	h := tag.HandleForPayload(heap, b)
	size, allocated := tag.ReadHeader(heap, int(h))
	if !allocated {
		fatal(ErrDoubleFree, "offset %d", h)
	}
	delete(a.canaries, h)

	newOffset := int(h)
	newSize := size

	prevFooterOffset := tag.PrevFooterOffset(newOffset)
	prevSize, prevAllocated := tag.ReadHeader(heap, prevFooterOffset)
	if !prevAllocated {
		prevHeaderOffset := tag.PrevBlockOffset(heap, newOffset)
		a.md.Remove(heap, tag.BlockHandle(prevHeaderOffset), prevSize)
		newOffset = prevHeaderOffset
		newSize += prevSize
	}

	nextOffset := tag.NextBlockOffset(int(h), size)
	nextSize, nextAllocated := tag.ReadHeader(heap, nextOffset)
	if !nextAllocated {
		a.md.Remove(heap, tag.BlockHandle(nextOffset), nextSize)
		newSize += nextSize
	}

	tag.WriteBoth(heap, newOffset, newSize, false)
	a.md.Insert(heap, tag.BlockHandle(newOffset), newSize)

	a.log(slog.LevelDebug, "free", "offset", h, "mergedOffset", newOffset, "mergedSize", newSize)

	if err := a.controller.MaybeShrink(a.md); err != nil {
		a.log(slog.LevelWarn, "shrink attempt failed", "error", err.Error())
	}
}

// Resize changes b's usable payload size to n, preserving the first min(n, len(b)) bytes.
// Resize(nil, n) is equivalent to Allocate(n); Resize(b, 0) is equivalent to Free(b)
// followed by returning nil. Otherwise the block is shrunk or grown in place when
// possible, and relocated (allocate + copy + free) only when neither fits.
func (a *Allocator) Resize(b []byte, n int) ([]byte, error) {
	if b == nil {
		return a.Allocate(n)
	}
	if n == 0 {
		a.Free(b)
		return nil, nil
	}

	heap := a.provider.Bytes()
	h := tag.HandleForPayload(heap, b)
	size, _ := tag.ReadHeader(heap, int(h))
	asize := tag.RoundUpBlockSize(n)

	switch {
	case asize <= size:
		return a.resizeShrink(heap, h, size, asize, n), nil

	case a.resizeGrowsIntoNextFree(heap, h, size, asize):
		return a.resizeGrowInPlace(heap, h, size, asize, n), nil

	default:
		newB, err := a.Allocate(n)
		if err != nil {
			return nil, err
		}
		oldPayload := heap[tag.PayloadOffset(int(h)) : tag.PayloadOffset(int(h))+size-2*tag.WordSize]
		copy(newB, oldPayload)
		a.Free(b)
		return newB, nil
	}
}

func (a *Allocator) resizeShrink(heap []byte, h tag.BlockHandle, size, asize, n int) []byte {
	remainder := size - asize
	if remainder >= tag.MinBlockSize {
		tag.WriteBoth(heap, int(h), asize, true)
		freeOffset := tag.NextBlockOffset(int(h), asize)
		tag.WriteBoth(heap, freeOffset, remainder, false)

		nextOffset := tag.NextBlockOffset(freeOffset, remainder)
		nextSize, nextAllocated := tag.ReadHeader(heap, nextOffset)
		if !nextAllocated {
			a.md.Remove(heap, tag.BlockHandle(nextOffset), nextSize)
			remainder += nextSize
			tag.WriteBoth(heap, freeOffset, remainder, false)
		}
		a.md.Insert(heap, tag.BlockHandle(freeOffset), remainder)
	}
	payload, wroteCanary := payloadSlice(heap, int(h), asize, n)
	a.recordCanary(h, n, wroteCanary)
	return payload
}

func (a *Allocator) resizeGrowsIntoNextFree(heap []byte, h tag.BlockHandle, size, asize int) bool {
	nextOffset := tag.NextBlockOffset(int(h), size)
	nextSize, nextAllocated := tag.ReadHeader(heap, nextOffset)
	return !nextAllocated && size+nextSize >= asize
}

func (a *Allocator) resizeGrowInPlace(heap []byte, h tag.BlockHandle, size, asize, n int) []byte {
	nextOffset := tag.NextBlockOffset(int(h), size)
	nextSize, _ := tag.ReadHeader(heap, nextOffset)
	a.md.Remove(heap, tag.BlockHandle(nextOffset), nextSize)

	combined := size + nextSize
	remainder := combined - asize
	if remainder >= tag.MinBlockSize {
		tag.WriteBoth(heap, int(h), asize, true)
		freeOffset := tag.NextBlockOffset(int(h), asize)
		tag.WriteBoth(heap, freeOffset, remainder, false)
		a.md.Insert(heap, tag.BlockHandle(freeOffset), remainder)
	} else {
		asize = combined
		tag.WriteBoth(heap, int(h), combined, true)
	}
	payload, wroteCanary := payloadSlice(heap, int(h), asize, n)
	a.recordCanary(h, n, wroteCanary)
	return payload
}

// Statistics summarizes the current heap: total blocks and bytes, split between free and
// allocated.
func (a *Allocator) Statistics() memutils.DetailedStatistics {
	var stats memutils.DetailedStatistics
	stats.Clear()

	heap := a.provider.Bytes()
	for offset := a.controller.UsableStart(); ; {
		size, allocated := tag.ReadHeader(heap, offset)
		if size == 0 {
			break
		}
		stats.BlockCount++
		stats.BlockBytes += size
		if allocated {
			stats.AddAllocation(size)
		} else {
			stats.AddUnusedRange(size)
		}
		offset = tag.NextBlockOffset(offset, size)
	}
	return stats
}

// Check traverses the entire heap, verifying every boundary-tag invariant, then writes a
// human-readable table followed by a structured JSON summary to w. It panics with a
// *FatalError on the first inconsistency found; a clean heap returns nil.
func (a *Allocator) Check(w io.Writer) error {
	heap := a.provider.Bytes()
	usableStart := a.controller.UsableStart()
	usableEnd := a.controller.UsableEnd()

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "offset\tsize\tstatus\thandle")

	total := 0
	offset := usableStart
	for {
		if offset > usableEnd {
			fatal(ErrTraversalOverrun, "offset %d past end sentinel at %d", offset, usableEnd)
		}

		size, allocated := tag.ReadHeader(heap, offset)
		if offset == usableEnd {
			if size != 0 || !allocated {
				fatal(ErrHeaderFooterMismatch, "end sentinel corrupted at offset %d", offset)
			}
			break
		}

		if size <= 0 || size%tag.Alignment != 0 {
			fatal(ErrSizeNotMultipleOf32, "block at offset %d has size %d", offset, size)
		}

		footerSize, footerAllocated := tag.ReadHeader(heap, tag.FooterOffset(offset, size))
		if footerSize != size || footerAllocated != allocated {
			fatal(ErrHeaderFooterMismatch, "block at offset %d: header (%d,%v) footer (%d,%v)",
				offset, size, allocated, footerSize, footerAllocated)
		}

		status := "allocated"
		if !allocated {
			status = "free"
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%d\n", offset, size, status, offset)

		if allocated {
			if n, ok := a.canaries[tag.BlockHandle(offset)]; ok {
				if !memutils.ValidateMagicValue(heap, tag.PayloadOffset(offset)+n) {
					fatal(ErrCanaryCorrupted, "offset %d, requested %d bytes", offset, n)
				}
			}
		}

		total += size
		nextOffset := tag.NextBlockOffset(offset, size)
		if !allocated {
			_, nextAllocated := tag.ReadHeader(heap, nextOffset)
			if !nextAllocated && nextOffset != usableEnd {
				fatal(ErrHeaderFooterMismatch, "two adjacent free blocks at offset %d and %d", offset, nextOffset)
			}
		}
		offset = nextOffset
	}

	if total != usableEnd-usableStart {
		fatal(ErrSizeNotMultipleOf32, "block sizes sum to %d, usable region is %d bytes", total, usableEnd-usableStart)
	}

	if err := a.md.Validate(heap); err != nil {
		fatal(errors.New("memmgr: free-list validation failed"), "%s", err.Error())
	}
	stats := a.Statistics()
	if stats.UnusedRangeCount != a.md.FreeCount() {
		fatal(errors.New("memmgr: free-list validation failed"), "heap holds %d free blocks, free tracking holds %d",
			stats.UnusedRangeCount, a.md.FreeCount())
	}

	if err := tw.Flush(); err != nil {
		return errors.Wrap(err, "memmgr: failed to flush check table")
	}

	jw := jwriter.NewWriter()
	obj := jw.Object()
	obj.Name("TotalBytes").Int(total)
	obj.Name("AllocationCount").Int(stats.AllocationCount)
	obj.Name("FreeBlockCount").Int(stats.UnusedRangeCount)
	a.md.WriteJSON(obj)
	obj.End()

	out := jw.Bytes()
	if err := jw.Error(); err != nil {
		return errors.Wrap(err, "memmgr: failed to marshal check summary")
	}
	if _, err := w.Write(out); err != nil {
		return errors.Wrap(err, "memmgr: failed to write check summary")
	}
	if _, err := w.Write([]byte("\n")); err != nil {
		return errors.Wrap(err, "memmgr: failed to write check summary")
	}

	return nil
}
