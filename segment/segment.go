// Package segment implements the segment provider an Allocator grows in fixed chunks, and
// the growth controller that wraps it - installing sentinels, coalescing a free tail, and
// splicing new free space into whichever metadata.BlockMetadata policy is in play.
//
// Provider is a thin interface standing between the allocator and the "real" resource, so
// the allocator never has to know whether that resource is a GPU device allocation or,
// here, a growable byte buffer.
package segment

import (
	"github.com/cockroachdb/errors"
)

// ErrOutOfMemory is returned by Provider.Extend when the provider refuses to grow the
// segment further.
var ErrOutOfMemory = errors.New("segment: provider refused to extend the segment")

// Provider is a single contiguous segment that can only grow (never shrink, unless it
// also implements Shrinker) by whole chunks.
type Provider interface {
	// Bounds returns the current contiguous segment's start and end byte offsets.
	Bounds() (start, end int)
	// Extend grows the segment by exactly n bytes, returning the new end offset. It
	// returns ErrOutOfMemory (or a wrapped form of it) if it cannot.
	Extend(n int) (newEnd int, err error)
	// PageSize is informational, used only for a sanity check at initialization.
	PageSize() int
	// Bytes returns the current backing storage for the segment, from Bounds().start to
	// Bounds().end. Unlike sbrk over a real process address space, an Extend call on this
	// interface must never invalidate a slice obtained from an earlier Bytes() call - see
	// ByteSegment's reserved-capacity strategy below.
	Bytes() []byte
}

// Shrinker is implemented by providers that can give memory back. Providers that cannot
// shrink simply don't implement it, and Controller.MaybeShrink becomes a no-op.
type Shrinker interface {
	Shrink(n int) error
}

// defaultReserve is how much backing capacity a ByteSegment created with New pre-allocates.
// Growing within reserved capacity means append-style growth never has to move the backing
// array, which would silently strand every []byte the allocator has already handed out to
// callers. This mirrors sbrk's own guarantee: growing the data segment never relocates
// memory already below the break.
const defaultReserve = 64 << 20 // 64 MiB

// ByteSegment is the default Provider: a single []byte grown by revealing more of a
// capacity reserved up front, standing in for the course original's dataseg module (which
// wraps sbrk over the process's own data segment).
type ByteSegment struct {
	buf      []byte
	pageSize int
}

var _ Provider = (*ByteSegment)(nil)
var _ Shrinker = (*ByteSegment)(nil)

// New creates a ByteSegment reporting the given page size, with defaultReserve bytes of
// growth headroom.
func New(pageSize int) *ByteSegment {
	return NewWithLimit(pageSize, defaultReserve)
}

// NewWithLimit creates a ByteSegment that can never grow past limit bytes, letting tests
// deterministically drive resize-under-exhaustion scenarios. limit doubles as the reserved
// backing capacity, so growth up to it never relocates memory.
func NewWithLimit(pageSize, limit int) *ByteSegment {
	return &ByteSegment{buf: make([]byte, 0, limit), pageSize: pageSize}
}

func (s *ByteSegment) Bounds() (start, end int) { return 0, len(s.buf) }

func (s *ByteSegment) PageSize() int { return s.pageSize }

func (s *ByteSegment) Bytes() []byte { return s.buf }

func (s *ByteSegment) Extend(n int) (int, error) {
	if n <= 0 {
		return 0, errors.Newf("segment: extend amount must be positive, got %d", n)
	}
	newLen := len(s.buf) + n
	if newLen > cap(s.buf) {
		return 0, errors.Wrapf(ErrOutOfMemory, "segment reserved %d bytes, cannot grow to %d", cap(s.buf), newLen)
	}
	// Re-slicing into already-reserved capacity. Bytes handed back by an earlier Shrink
	// still hold their old contents, so the newly revealed range is cleared.
	oldLen := len(s.buf)
	s.buf = s.buf[:newLen]
	clear(s.buf[oldLen:])
	return newLen, nil
}

// Shrink removes n bytes from the tail of the segment. The caller is responsible for
// ensuring those bytes hold no live data.
func (s *ByteSegment) Shrink(n int) error {
	if n < 0 || n > len(s.buf) {
		return errors.Newf("segment: cannot shrink by %d bytes, segment is %d bytes", n, len(s.buf))
	}
	s.buf = s.buf[:len(s.buf)-n]
	return nil
}
