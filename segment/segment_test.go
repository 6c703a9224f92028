package segment_test

import (
	"testing"

	"github.com/jiwonkim00/memmgr/memutils/metadata"
	"github.com/jiwonkim00/memmgr/memutils/tag"
	"github.com/jiwonkim00/memmgr/segment"
	"github.com/stretchr/testify/require"
)

const chunk = 1 << 16

func TestControllerInitialize(t *testing.T) {
	provider := segment.New(4096)
	controller := segment.NewController(provider, chunk, 0)
	md := metadata.NewImplicitMetadata()

	require.NoError(t, controller.Initialize(md))
	require.Equal(t, chunk-2*tag.MinBlockSize, md.SumFreeSize())
	require.Equal(t, 1, md.FreeCount())

	h, ok := md.FindFit(provider.Bytes(), 64)
	require.True(t, ok)
	require.Equal(t, tag.BlockHandle(controller.UsableStart()), h)
}

func TestControllerInitializeFailsOnNonEmptySegment(t *testing.T) {
	provider := segment.New(4096)
	_, err := provider.Extend(128)
	require.NoError(t, err)

	controller := segment.NewController(provider, chunk, 0)
	err = controller.Initialize(metadata.NewImplicitMetadata())
	require.ErrorIs(t, err, segment.ErrHeapNotEmpty)
}

func TestControllerExtendFusesFreeTail(t *testing.T) {
	provider := segment.New(4096)
	controller := segment.NewController(provider, chunk, 0)
	md := metadata.NewImplicitMetadata()
	require.NoError(t, controller.Initialize(md))

	require.NoError(t, controller.Extend(md))
	require.Equal(t, 1, md.FreeCount(), "the sole free block should have been fused, not duplicated")
	require.Equal(t, 2*chunk-2*tag.MinBlockSize, md.SumFreeSize())

	heap := provider.Bytes()
	size, allocated := tag.ReadHeader(heap, controller.UsableStart())
	require.False(t, allocated)
	require.Equal(t, md.SumFreeSize(), size)
}

func TestControllerExtendAddsNewFreeBlockWhenTailAllocated(t *testing.T) {
	provider := segment.New(4096)
	controller := segment.NewController(provider, chunk, 0)
	md := metadata.NewImplicitMetadata()
	require.NoError(t, controller.Initialize(md))

	// Mark the sole free block allocated, simulating it having been handed out.
	heap := provider.Bytes()
	size, _ := tag.ReadHeader(heap, controller.UsableStart())
	tag.WriteBoth(heap, controller.UsableStart(), size, true)
	md.Remove(heap, tag.BlockHandle(controller.UsableStart()), size)

	require.NoError(t, controller.Extend(md))
	require.Equal(t, 1, md.FreeCount())
	require.Equal(t, chunk, md.SumFreeSize())
}

func TestProviderExtendNeverRelocatesBackingArray(t *testing.T) {
	provider := segment.NewWithLimit(4096, 4*chunk)
	_, err := provider.Extend(chunk)
	require.NoError(t, err)

	first := provider.Bytes()
	first[0] = 0x42

	_, err = provider.Extend(chunk)
	require.NoError(t, err)

	second := provider.Bytes()
	require.Equal(t, byte(0x42), second[0], "growth must not move already-issued bytes")
}

func TestProviderOutOfMemory(t *testing.T) {
	provider := segment.NewWithLimit(4096, chunk)
	_, err := provider.Extend(chunk)
	require.NoError(t, err)

	_, err = provider.Extend(chunk)
	require.ErrorIs(t, err, segment.ErrOutOfMemory)
}
