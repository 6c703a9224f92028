package metadata_test

import (
	"testing"

	"github.com/jiwonkim00/memmgr/memutils/metadata"
	"github.com/jiwonkim00/memmgr/memutils/tag"
	"github.com/stretchr/testify/require"
)

func TestExplicitInsertRemoveAndFindFit(t *testing.T) {
	heap := make([]byte, 256)
	m := metadata.NewExplicitMetadata()
	m.Init(0)

	tag.WriteBoth(heap, 0, 32, false)
	tag.WriteBoth(heap, 32, 96, false)
	tag.WriteBoth(heap, 128, 64, false)

	m.Insert(heap, tag.BlockHandle(0), 32)
	m.Insert(heap, tag.BlockHandle(32), 96)
	m.Insert(heap, tag.BlockHandle(128), 64)
	require.NoError(t, m.Validate(heap))

	h, ok := m.FindFit(heap, 64)
	require.True(t, ok)
	require.Equal(t, tag.BlockHandle(128), h)

	m.Remove(heap, tag.BlockHandle(32), 96)
	require.NoError(t, m.Validate(heap))
	require.Equal(t, 2, m.FreeCount())
	require.Equal(t, 96, m.SumFreeSize())

	_, ok = m.FindFit(heap, 96)
	require.False(t, ok, "the 96-byte block was removed")

	m.Remove(heap, tag.BlockHandle(0), 32)
	m.Remove(heap, tag.BlockHandle(128), 64)
	require.Equal(t, 0, m.FreeCount())
	require.NoError(t, m.Validate(heap))
}

func TestExplicitHeadPrevIsNull(t *testing.T) {
	heap := make([]byte, 128)
	m := metadata.NewExplicitMetadata()
	m.Init(0)

	tag.WriteBoth(heap, 0, 32, false)
	tag.WriteBoth(heap, 32, 32, false)
	m.Insert(heap, tag.BlockHandle(0), 32)
	m.Insert(heap, tag.BlockHandle(32), 32)

	_, prev := tag.ReadFreeLinks(heap, 32) // 0 was inserted first, then 32 pushed to head
	require.Equal(t, tag.NoBlock, prev)
	require.NoError(t, m.Validate(heap))
}
