package vbm

import "github.com/vkngwrapper/geobuffer/memutils/metadata"

// BufferDescriptor addresses a contiguous range of elements inside one backing buffer. The
// manager owns the live records; every method that hands a BufferDescriptor to a consumer
// hands out a copy, which stays accurate until the next drain.
type BufferDescriptor struct {
	// ID is the opaque owner token that requested the descriptor
	ID string
	// Slot is the logical binding slot. It is unique within a pool and never changes for the
	// lifetime of the descriptor, even when the descriptor is compacted or its buffer grows.
	Slot int
	// Offset is the first element of the range within the backing buffer
	Offset int
	// Count is the number of elements in the range
	Count int
	// Dynamic is true for descriptors in the dynamic pool
	Dynamic bool
	// BufferDescriptionIndex is the arena index of the backing buffer within its pool
	BufferDescriptionIndex int
	// Ready is true once the contents of the range have been written
	Ready bool

	handle metadata.BlockAllocationHandle
}

// End returns the first element past the range
func (d BufferDescriptor) End() int {
	return d.Offset + d.Count
}

// Binding is everything a renderer needs to bind a descriptor's range for a draw call
type Binding struct {
	Handle BufferHandle
	Slot   int
	Offset int
	Count  int
	// ByteOffset and ByteSize are Offset and Count scaled by the manager's element size
	ByteOffset int
	ByteSize   int
}
