package metadata

import (
	"sort"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/geobuffer/memutils"
	"golang.org/x/exp/slices"
)

type packedSuballocation struct {
	handle    BlockAllocationHandle
	offset    int
	size      int
	userData  any
	allocType uint32
}

func (s *packedSuballocation) end() int {
	return s.offset + s.size
}

// PackedBlockMetadata is a BlockMetadata implementation that keeps its suballocations densely
// packed in ascending offset order. New suballocations are always placed at the high-water mark.
// Freeing a suballocation leaves a hole behind; the holes are closed by relocating the trailing
// suballocations downward (see the memutils/defrag package), after which the free space is
// once again a single range at the tail of the block.
//
// Because allocation only ever happens at the tail, offsets are deterministic: the same
// sequence of requests always produces the same layout.
type PackedBlockMetadata struct {
	BlockMetadataBase

	suballocations []*packedSuballocation
	handleKey      *swiss.Map[BlockAllocationHandle, *packedSuballocation]
	nextHandle     BlockAllocationHandle
	liveSize       int
}

var _ BlockMetadata = &PackedBlockMetadata{}

// NewPackedBlockMetadata creates a new, uninitialized PackedBlockMetadata. Init must be called
// before use.
func NewPackedBlockMetadata() *PackedBlockMetadata {
	return &PackedBlockMetadata{}
}

// Init prepares this structure for allocations and sizes the block based on the parameter size.
func (m *PackedBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)
	m.suballocations = m.suballocations[:0]
	m.handleKey = swiss.NewMap[BlockAllocationHandle, *packedSuballocation](16)
	m.nextHandle = 1
	m.liveSize = 0
}

func (m *PackedBlockMetadata) Grow(newSize int) error {
	if newSize < m.size {
		return errors.Errorf("attempted to grow a block of size %d to the smaller size %d", m.size, newSize)
	}
	m.size = newSize
	return nil
}

func (m *PackedBlockMetadata) Shrink(newSize int) error {
	if newSize < m.Used() {
		return errors.Errorf("attempted to shrink a block to %d, but suballocations extend to %d", newSize, m.Used())
	}
	if newSize > m.size {
		return errors.Errorf("attempted to shrink a block of size %d to the larger size %d", m.size, newSize)
	}
	m.size = newSize
	return nil
}

func (m *PackedBlockMetadata) Used() int {
	if len(m.suballocations) == 0 {
		return 0
	}
	return m.suballocations[len(m.suballocations)-1].end()
}

func (m *PackedBlockMetadata) AllocationCount() int { return len(m.suballocations) }
func (m *PackedBlockMetadata) SumFreeSize() int     { return m.size - m.liveSize }
func (m *PackedBlockMetadata) TailFreeSize() int    { return m.size - m.Used() }
func (m *PackedBlockMetadata) HasGaps() bool        { return m.liveSize != m.Used() }
func (m *PackedBlockMetadata) IsEmpty() bool        { return len(m.suballocations) == 0 }

func (m *PackedBlockMetadata) FreeRegionsCount() int {
	var count, cursor int
	for _, suballoc := range m.suballocations {
		if suballoc.offset > cursor {
			count++
		}
		cursor = suballoc.end()
	}
	if cursor < m.size {
		count++
	}
	return count
}

// Validate performs internal consistency checks on the metadata. When the implementation is
// functioning correctly, it should not be possible for this method to return an error.
func (m *PackedBlockMetadata) Validate() error {
	if m.handleKey == nil {
		return errors.New("packed block metadata was used before Init")
	}

	if m.handleKey.Count() != len(m.suballocations) {
		return errors.Errorf("handle map has %d entries, but there are %d suballocations", m.handleKey.Count(), len(m.suballocations))
	}

	var cursor, sumLive int
	for index, suballoc := range m.suballocations {
		if suballoc.size <= 0 {
			return errors.Errorf("suballocation at index %d has non-positive size %d", index, suballoc.size)
		}

		if suballoc.offset < cursor {
			return errors.Errorf("suballocation at index %d has offset %d- this collides with previous suballocations, expected offset of at least %d", index, suballoc.offset, cursor)
		}

		mapped, ok := m.handleKey.Get(suballoc.handle)
		if !ok || mapped != suballoc {
			return errors.Errorf("suballocation at index %d with handle %d is not registered under its handle", index, suballoc.handle)
		}

		sumLive += suballoc.size
		cursor = suballoc.end()
	}

	if cursor > m.size {
		return errors.Errorf("suballocations extend to %d, past the end of the block at %d", cursor, m.size)
	}

	if sumLive != m.liveSize {
		return errors.Errorf("counted %d live units, but metadata indicates we should have %d", sumLive, m.liveSize)
	}

	return nil
}

func (m *PackedBlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	var cursor int
	for _, suballoc := range m.suballocations {
		if suballoc.offset > cursor {
			if err := handleBlock(NoAllocation, cursor, suballoc.offset-cursor, nil, true); err != nil {
				return err
			}
		}

		if err := handleBlock(suballoc.handle, suballoc.offset, suballoc.size, suballoc.userData, false); err != nil {
			return err
		}
		cursor = suballoc.end()
	}

	if cursor < m.size {
		return handleBlock(NoAllocation, cursor, m.size-cursor, nil, true)
	}

	return nil
}

// Suballocations returns a snapshot of every live suballocation in ascending offset order
func (m *PackedBlockMetadata) Suballocations() []Suballocation {
	out := make([]Suballocation, 0, len(m.suballocations))
	for _, suballoc := range m.suballocations {
		out = append(out, Suballocation{
			Handle:   suballoc.handle,
			Offset:   suballoc.offset,
			Size:     suballoc.size,
			UserData: suballoc.userData,
			Type:     suballoc.allocType,
		})
	}
	return out
}

func (m *PackedBlockMetadata) getSuballocation(allocHandle BlockAllocationHandle) (*packedSuballocation, error) {
	if m.handleKey == nil {
		return nil, errors.New("packed block metadata was used before Init")
	}

	suballoc, ok := m.handleKey.Get(allocHandle)
	if !ok {
		return nil, errors.Errorf("handle %d does not map to a live suballocation", allocHandle)
	}
	return suballoc, nil
}

// indexOf finds the position of a live suballocation. Offsets are unique among live
// suballocations because sizes are always positive.
func (m *PackedBlockMetadata) indexOf(suballoc *packedSuballocation) int {
	index := sort.Search(len(m.suballocations), func(i int) bool {
		return m.suballocations[i].offset >= suballoc.offset
	})
	if index < len(m.suballocations) && m.suballocations[index] == suballoc {
		return index
	}
	return -1
}

func (m *PackedBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	suballoc, err := m.getSuballocation(allocHandle)
	if err != nil {
		return 0, err
	}
	return suballoc.offset, nil
}

func (m *PackedBlockMetadata) AllocationSize(allocHandle BlockAllocationHandle) (int, error) {
	suballoc, err := m.getSuballocation(allocHandle)
	if err != nil {
		return 0, err
	}
	return suballoc.size, nil
}

func (m *PackedBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	suballoc, err := m.getSuballocation(allocHandle)
	if err != nil {
		return nil, err
	}
	return suballoc.userData, nil
}

func (m *PackedBlockMetadata) SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error {
	suballoc, err := m.getSuballocation(allocHandle)
	if err != nil {
		return err
	}
	suballoc.userData = userData
	return nil
}

func (m *PackedBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BufferCount++
	stats.CapacityUnits += m.size
	stats.DescriptorCount += len(m.suballocations)
	stats.UsedUnits += m.liveSize
}

func (m *PackedBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BufferCount++
	stats.CapacityUnits += m.size

	_ = m.VisitAllRegions(func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		if free {
			stats.AddUnusedRange(size)
		} else {
			stats.AddDescriptor(size)
		}
		return nil
	})
}

func (m *PackedBlockMetadata) Clear() {
	m.suballocations = m.suballocations[:0]
	if m.handleKey != nil {
		m.handleKey.Clear()
	}
	m.liveSize = 0
}

func (m *PackedBlockMetadata) BlockJsonData(json *jwriter.ObjectState) {
	m.BlockMetadataBase.BlockJsonData(json, m.SumFreeSize(), m.AllocationCount(), m.FreeRegionsCount())
	json.Name("HighWaterMark").Int(m.Used())
}

func (m *PackedBlockMetadata) CreateAllocationRequest(allocSize int, allocType uint32) (bool, AllocationRequest, error) {
	if allocSize <= 0 {
		return false, AllocationRequest{}, errors.Errorf("attempted to allocate a suballocation of non-positive size %d", allocSize)
	}

	if m.handleKey == nil {
		return false, AllocationRequest{}, errors.New("packed block metadata was used before Init")
	}

	offset := m.Used()
	if offset+allocSize > m.size {
		return false, AllocationRequest{}, nil
	}

	return true, AllocationRequest{
		BlockAllocationHandle: m.nextHandle,
		Offset:                offset,
		Size:                  allocSize,
		AllocType:             allocType,
	}, nil
}

func (m *PackedBlockMetadata) Alloc(request AllocationRequest, userData any) error {
	if request.BlockAllocationHandle != m.nextHandle || request.Offset != m.Used() {
		return errors.Errorf("allocation request for handle %d at offset %d is stale: the block has been modified since the request was made", request.BlockAllocationHandle, request.Offset)
	}

	if request.Size <= 0 || request.Offset+request.Size > m.size {
		return errors.Errorf("allocation request at offset %d with size %d does not fit in a block of size %d", request.Offset, request.Size, m.size)
	}

	suballoc := &packedSuballocation{
		handle:    request.BlockAllocationHandle,
		offset:    request.Offset,
		size:      request.Size,
		userData:  userData,
		allocType: request.AllocType,
	}

	m.suballocations = append(m.suballocations, suballoc)
	m.handleKey.Put(suballoc.handle, suballoc)
	m.nextHandle++
	m.liveSize += suballoc.size

	return nil
}

func (m *PackedBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	suballoc, err := m.getSuballocation(allocHandle)
	if err != nil {
		return err
	}

	index := m.indexOf(suballoc)
	if index < 0 {
		return errors.Errorf("suballocation with handle %d is registered but missing from the ordered list", allocHandle)
	}

	m.suballocations = slices.Delete(m.suballocations, index, index+1)
	m.handleKey.Delete(allocHandle)
	m.liveSize -= suballoc.size

	return nil
}

func (m *PackedBlockMetadata) Relocate(allocHandle BlockAllocationHandle, newOffset int) error {
	suballoc, err := m.getSuballocation(allocHandle)
	if err != nil {
		return err
	}

	index := m.indexOf(suballoc)
	if index < 0 {
		return errors.Errorf("suballocation with handle %d is registered but missing from the ordered list", allocHandle)
	}

	if newOffset > suballoc.offset {
		return errors.Errorf("suballocation with handle %d can only be relocated downward: %d -> %d", allocHandle, suballoc.offset, newOffset)
	}

	var floor int
	if index > 0 {
		floor = m.suballocations[index-1].end()
	}

	if newOffset < floor {
		return errors.Errorf("relocating suballocation with handle %d to %d would overlap the previous suballocation ending at %d", allocHandle, newOffset, floor)
	}

	suballoc.offset = newOffset
	return nil
}
