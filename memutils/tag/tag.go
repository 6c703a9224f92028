// Package tag is the single place in this module that reaches into the heap's backing
// []byte with unsafe.Pointer arithmetic. Everything above it refers to blocks by
// BlockHandle (a word-aligned byte offset) rather than by raw pointer.
package tag

import (
	"math"
	"unsafe"

	"github.com/jiwonkim00/memmgr/memutils"
)

// WordSize is the size in bytes of a header, footer, or free-list link word.
const WordSize = 8

// MinBlockSize is the smallest legal block: header + footer + two payload words.
const MinBlockSize = 32

// Alignment every block size and every block offset must be a multiple of.
const Alignment = 32

const (
	statusMask = uint64(0x7)
	sizeMask   = ^statusMask
	allocBit   = uint64(0x1)
)

// BlockHandle identifies a block by its header's byte offset into the heap. NoBlock
// is the sentinel "null" value.
type BlockHandle uint64

// NoBlock is the sentinel value meaning "no block" (used for free-list termination).
const NoBlock BlockHandle = math.MaxUint64

// PackTag encodes a block size and allocated flag into a single boundary-tag word.
func PackTag(size int, allocated bool) uint64 {
	v := uint64(size) &^ statusMask
	if allocated {
		v |= allocBit
	}
	return v
}

// UnpackSize extracts the size field from a boundary-tag word.
func UnpackSize(v uint64) int { return int(v & sizeMask) }

// UnpackAllocated extracts the allocated flag from a boundary-tag word.
func UnpackAllocated(v uint64) bool { return v&allocBit != 0 }

func readWord(heap []byte, offset int) uint64 {
	return *(*uint64)(unsafe.Pointer(&heap[offset]))
}

func writeWord(heap []byte, offset int, v uint64) {
	*(*uint64)(unsafe.Pointer(&heap[offset])) = v
}

// ReadHeader reads the boundary tag at offset (interpreted as a header) and returns its
// decoded size and allocated flag.
func ReadHeader(heap []byte, offset int) (size int, allocated bool) {
	v := readWord(heap, offset)
	return UnpackSize(v), UnpackAllocated(v)
}

// WriteHeader writes a boundary tag at offset (interpreted as a header).
func WriteHeader(heap []byte, offset int, size int, allocated bool) {
	writeWord(heap, offset, PackTag(size, allocated))
}

// FooterOffset returns the offset of the footer word belonging to the header at headerOffset
// with the given size.
func FooterOffset(headerOffset, size int) int {
	return headerOffset + size - WordSize
}

// WriteFooter writes a boundary tag at the footer position for a block whose header is at
// headerOffset with the given size.
func WriteFooter(heap []byte, headerOffset int, size int, allocated bool) {
	writeWord(heap, FooterOffset(headerOffset, size), PackTag(size, allocated))
}

// WriteBoth writes identical header and footer boundary tags for the block at headerOffset.
func WriteBoth(heap []byte, headerOffset int, size int, allocated bool) {
	WriteHeader(heap, headerOffset, size, allocated)
	WriteFooter(heap, headerOffset, size, allocated)
}

// HeaderFromFooter derives a block's header offset given the offset of its footer word.
func HeaderFromFooter(heap []byte, footerOffset int) int {
	size, _ := ReadHeader(heap, footerOffset)
	return footerOffset - size + WordSize
}

// NextBlockOffset returns the header offset of the block immediately following the block at
// offset with the given size.
func NextBlockOffset(offset, size int) int { return offset + size }

// PrevFooterOffset returns the offset of the footer word belonging to the block immediately
// preceding the block at offset.
func PrevFooterOffset(offset int) int { return offset - WordSize }

// PrevBlockOffset returns the header offset of the block immediately preceding the block at
// offset.
func PrevBlockOffset(heap []byte, offset int) int {
	return HeaderFromFooter(heap, PrevFooterOffset(offset))
}

// RoundUpBlockSize converts a requested payload byte count into a full block size
// (header + footer + payload), rounded up to Alignment and floored at MinBlockSize.
func RoundUpBlockSize(payload int) int {
	raw := payload + 2*WordSize
	size := memutils.AlignUp(raw, Alignment)
	if size < MinBlockSize {
		size = MinBlockSize
	}
	return size
}

// PayloadOffset returns the byte offset of the first payload byte for the block whose header
// is at headerOffset.
func PayloadOffset(headerOffset int) int { return headerOffset + WordSize }

// HeaderFromPayload returns a block's header offset given a pointer to its first payload byte.
func HeaderFromPayload(payloadOffset int) int { return payloadOffset - WordSize }

// HandleForPayload recovers a block's handle from a payload slice a caller is holding, by
// computing the payload's offset within heap's backing array. payload must be a slice
// previously handed out as an allocation's payload (or a re-slice of one starting at
// offset 0), backed by the same array as heap.
func HandleForPayload(heap []byte, payload []byte) BlockHandle {
	base := uintptr(unsafe.Pointer(&heap[0]))
	ptr := uintptr(unsafe.Pointer(&payload[0]))
	return BlockHandle(HeaderFromPayload(int(ptr - base)))
}

// Free-list link words: a free block's payload begins with a "next" word followed by a
// "prev" word. They live only while the block is free and are irrelevant, and may be
// overwritten, once allocated.

func nextLinkOffset(headerOffset int) int { return headerOffset + WordSize }
func prevLinkOffset(headerOffset int) int { return headerOffset + 2*WordSize }

// ReadFreeLinks reads the next/prev free-list pointers threaded through the payload of the
// free block at headerOffset.
func ReadFreeLinks(heap []byte, headerOffset int) (next, prev BlockHandle) {
	next = BlockHandle(readWord(heap, nextLinkOffset(headerOffset)))
	prev = BlockHandle(readWord(heap, prevLinkOffset(headerOffset)))
	return
}

// WriteFreeLinks writes the next/prev free-list pointers into the payload of the free block
// at headerOffset.
func WriteFreeLinks(heap []byte, headerOffset int, next, prev BlockHandle) {
	writeWord(heap, nextLinkOffset(headerOffset), uint64(next))
	writeWord(heap, prevLinkOffset(headerOffset), uint64(prev))
}
