package metadata_test

import (
	"testing"

	"github.com/jiwonkim00/memmgr/memutils/metadata"
	"github.com/jiwonkim00/memmgr/memutils/tag"
	"github.com/stretchr/testify/require"
)

func TestImplicitFindFitBestFit(t *testing.T) {
	heap := make([]byte, 256)
	m := metadata.NewImplicitMetadata()
	m.Init(0)

	// Three free blocks of size 32, 96, 64, followed by the end sentinel.
	tag.WriteBoth(heap, 0, 32, false)
	tag.WriteBoth(heap, 32, 96, false)
	tag.WriteBoth(heap, 128, 64, false)
	tag.WriteHeader(heap, 192, 0, true) // end sentinel

	m.Insert(heap, tag.BlockHandle(0), 32)
	m.Insert(heap, tag.BlockHandle(32), 96)
	m.Insert(heap, tag.BlockHandle(128), 64)

	h, ok := m.FindFit(heap, 64)
	require.True(t, ok)
	require.Equal(t, tag.BlockHandle(128), h, "smallest block that fits should win")

	h, ok = m.FindFit(heap, 96)
	require.True(t, ok)
	require.Equal(t, tag.BlockHandle(32), h, "exact fit short-circuits")

	_, ok = m.FindFit(heap, 128)
	require.False(t, ok)

	require.Equal(t, 3, m.FreeCount())
	require.Equal(t, 192, m.SumFreeSize())

	m.Remove(heap, tag.BlockHandle(32), 96)
	require.Equal(t, 2, m.FreeCount())
	require.Equal(t, 96, m.SumFreeSize())
}

func TestImplicitFindFitSkipsAllocated(t *testing.T) {
	heap := make([]byte, 128)
	m := metadata.NewImplicitMetadata()
	m.Init(0)

	tag.WriteBoth(heap, 0, 64, true)
	tag.WriteBoth(heap, 64, 32, false)
	tag.WriteHeader(heap, 96, 0, true)

	m.Insert(heap, tag.BlockHandle(64), 32)

	h, ok := m.FindFit(heap, 16)
	require.True(t, ok)
	require.Equal(t, tag.BlockHandle(64), h)
}
