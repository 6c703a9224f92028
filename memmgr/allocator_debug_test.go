//go:build debug_mem_utils

package memmgr_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jiwonkim00/memmgr/memmgr"
)

func TestCheckCatchesOverwrittenCanary(t *testing.T) {
	forEachPolicy(t, func(t *testing.T, policy memmgr.Policy) {
		a := newAllocatorWithPolicy(t, policy)

		b, err := a.Allocate(40) // rounds up to a 64-byte block: 8 bytes of slack past n
		require.NoError(t, err)
		require.NoError(t, a.Check(&bytes.Buffer{}))

		full := b[:cap(b)]
		for i := range full {
			full[i] = 0xFF // stomp through the requested bytes into the canary margin
		}

		defer func() {
			r := recover()
			require.NotNil(t, r, "Check must panic on a corrupted canary")
			fatalErr, ok := r.(*memmgr.FatalError)
			require.True(t, ok, "panic value must be a *memmgr.FatalError")
			require.ErrorIs(t, fatalErr, memmgr.ErrCanaryCorrupted)
		}()
		_ = a.Check(&bytes.Buffer{})
	})
}
