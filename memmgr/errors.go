package memmgr

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ErrOutOfMemory is returned when the segment provider refuses to grow the segment
// further. It is a transient condition: the heap is left in a valid state and the
// caller may retry later.
var ErrOutOfMemory = errors.New("memmgr: segment provider refused to extend the segment")

// Programmer errors: conditions that indicate a bug in the caller. ErrDoubleFree is
// surfaced as a panic wrapping the sentinel in a *FatalError; ErrNullHeapOnInit and
// ErrInvalidPolicy are returned (wrapped) as an ordinary error from NewAllocator.
var (
	ErrDoubleFree     = errors.New("memmgr: free called twice on the same block")
	ErrNullHeapOnInit = errors.New("memmgr: segment was not empty at initialization")
	ErrInvalidPolicy  = errors.New("memmgr: unrecognized free-list policy")
)

// Invariant violations: detected only by Check, and always fatal.
var (
	ErrHeaderFooterMismatch = errors.New("memmgr: block header and footer disagree")
	ErrSizeNotMultipleOf32  = errors.New("memmgr: block size is not a multiple of 32")
	ErrTraversalOverrun     = errors.New("memmgr: heap traversal did not land on the end sentinel")
	ErrCanaryCorrupted      = errors.New("memmgr: corruption canary past a payload's usable bytes was overwritten")
)

// FatalError wraps a programmer error or invariant violation. Allocator methods panic
// with a *FatalError rather than calling os.Exit, since this is a library embedded in a
// larger process rather than the standalone course binary it is descended from.
type FatalError struct {
	Err    error
	Detail string
}

func (e *FatalError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Detail)
}

func (e *FatalError) Unwrap() error { return e.Err }

func fatal(err error, format string, args ...interface{}) {
	panic(&FatalError{Err: err, Detail: fmt.Sprintf(format, args...)})
}
