package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/geobuffer/memutils"
)

// BlockMetadata represents the bookkeeping for a single large backing buffer. It manages
// the suballocations packed into the buffer, allowing them to be requested, freed, relocated,
// enumerated and queried. Sizes and offsets are measured in abstract units; the consumer
// decides whether a unit is a byte or an element.
type BlockMetadata interface {
	memutils.Validatable

	// Init must be called before the BlockMetadata is used. It sizes the block in units and
	// discards any previous suballocations.
	Init(size int)
	// Size retrieves the current capacity of the block in units
	Size() int
	// Grow raises the capacity of the block. Existing suballocations keep their offsets.
	// The implementation must return an error if newSize is smaller than the current size.
	Grow(newSize int) error
	// Shrink lowers the capacity of the block. The implementation must return an error if
	// newSize would cut into a live suballocation.
	Shrink(newSize int) error

	// Used returns the high-water mark: the end of the last live suballocation, or 0.
	Used() int
	// AllocationCount returns the number of live suballocations
	AllocationCount() int
	// FreeRegionsCount returns the number of distinct unused ranges, counting the tail
	FreeRegionsCount() int
	// SumFreeSize returns the number of units not claimed by a live suballocation
	SumFreeSize() int
	// TailFreeSize returns the number of units between the high-water mark and the end of
	// the block. Only this range can satisfy a new allocation.
	TailFreeSize() int
	// HasGaps returns true if freed suballocations left holes below the high-water mark
	HasGaps() bool
	// IsEmpty will return true if this block has no live suballocations
	IsEmpty() bool

	// VisitAllRegions calls the provided callback once for each allocation and unused range in
	// ascending offset order. Unused ranges are reported with the handle NoAllocation.
	VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error

	// AllocationOffset returns the current offset of a live suballocation
	AllocationOffset(allocHandle BlockAllocationHandle) (int, error)
	// AllocationSize returns the size of a live suballocation
	AllocationSize(allocHandle BlockAllocationHandle) (int, error)
	// AllocationUserData returns the userData value provided when the suballocation was made
	AllocationUserData(allocHandle BlockAllocationHandle) (any, error)
	// SetAllocationUserData replaces the userData value of a live suballocation
	SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error

	// AddDetailedStatistics sums this block's statistics into the provided object
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this block's statistics into the provided object
	AddStatistics(stats *memutils.Statistics)

	// Clear instantly frees all suballocations
	Clear()
	// BlockJsonData populates a json object with information about this block
	BlockJsonData(json *jwriter.ObjectState)

	// CreateAllocationRequest retrieves an AllocationRequest describing where the implementation
	// would place a suballocation of allocSize units. The boolean is false when the block does
	// not have room; no error is returned in that case. The request can be committed with Alloc
	// as long as no other mutation happens in between.
	CreateAllocationRequest(allocSize int, allocType uint32) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest. The implementation must return an error if the request
	// is stale.
	Alloc(request AllocationRequest, userData any) error
	// Free removes a suballocation, leaving an unused range behind until the block is compacted
	Free(allocHandle BlockAllocationHandle) error
	// Relocate moves a live suballocation to a lower offset without reordering it relative to
	// its neighbors. It is used to commit compaction moves after the underlying data was copied.
	Relocate(allocHandle BlockAllocationHandle, newOffset int) error
}

// BlockMetadataBase is a simple struct that provides a few shared utilities for BlockMetadata
// implementations in the memutils module.
type BlockMetadataBase struct {
	size int
}

// Init sizes the block
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the block in units
func (m *BlockMetadataBase) Size() int { return m.size }

// BlockJsonData populates a json object with information about this block
func (m *BlockMetadataBase) BlockJsonData(json *jwriter.ObjectState, unusedUnits, allocationCount, unusedRangeCount int) {
	json.Name("TotalUnits").Int(m.Size())
	json.Name("UnusedUnits").Int(unusedUnits)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
