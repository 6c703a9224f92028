//go:build debug_mem_utils

package memutils_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jiwonkim00/memmgr/memutils"
)

func TestWriteAndValidateMagicValue(t *testing.T) {
	heap := make([]byte, 64)
	memutils.WriteMagicValue(heap, 16)
	require.True(t, memutils.ValidateMagicValue(heap, 16))

	heap[16] = 0x00
	require.False(t, memutils.ValidateMagicValue(heap, 16), "a single overwritten canary byte must be detected")
}
