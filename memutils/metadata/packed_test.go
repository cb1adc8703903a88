package metadata_test

import (
	"math"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/geobuffer/memutils"
	"github.com/vkngwrapper/geobuffer/memutils/metadata"
)

func allocPacked(t *testing.T, block *metadata.PackedBlockMetadata, size int, userData any) metadata.BlockAllocationHandle {
	success, req, err := block.CreateAllocationRequest(size, 0)
	require.NoError(t, err)
	require.True(t, success)

	require.NoError(t, block.Alloc(req, userData))
	require.NoError(t, block.Validate())
	return req.BlockAllocationHandle
}

func TestPackedBasicAlloc(t *testing.T) {
	block := metadata.NewPackedBlockMetadata()
	block.Init(100)

	var stats memutils.DetailedStatistics
	stats.Clear()
	block.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BufferCount:   1,
			CapacityUnits: 100,
		},
		UnusedRangeCount:   1,
		DescriptorSizeMin:  math.MaxInt,
		DescriptorSizeMax:  0,
		UnusedRangeSizeMin: 100,
		UnusedRangeSizeMax: 100,
	}, stats)

	first := allocPacked(t, block, 10, "a")
	second := allocPacked(t, block, 25, "b")

	offset, err := block.AllocationOffset(first)
	require.NoError(t, err)
	require.Equal(t, 0, offset)

	offset, err = block.AllocationOffset(second)
	require.NoError(t, err)
	require.Equal(t, 10, offset)

	require.Equal(t, 35, block.Used())
	require.Equal(t, 65, block.TailFreeSize())
	require.Equal(t, 2, block.AllocationCount())
	require.False(t, block.HasGaps())

	stats.Clear()
	block.AddDetailedStatistics(&stats)
	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BufferCount:     1,
			DescriptorCount: 2,
			CapacityUnits:   100,
			UsedUnits:       35,
		},
		UnusedRangeCount:   1,
		DescriptorSizeMin:  10,
		DescriptorSizeMax:  25,
		UnusedRangeSizeMin: 65,
		UnusedRangeSizeMax: 65,
	}, stats)
}

func TestPackedAllocDoesNotFit(t *testing.T) {
	block := metadata.NewPackedBlockMetadata()
	block.Init(12)

	allocPacked(t, block, 10, nil)

	success, _, err := block.CreateAllocationRequest(5, 0)
	require.NoError(t, err)
	require.False(t, success)

	_, _, err = block.CreateAllocationRequest(0, 0)
	require.Error(t, err)
}

func TestPackedStaleRequest(t *testing.T) {
	block := metadata.NewPackedBlockMetadata()
	block.Init(100)

	success, stale, err := block.CreateAllocationRequest(10, 0)
	require.NoError(t, err)
	require.True(t, success)

	allocPacked(t, block, 5, nil)

	require.Error(t, block.Alloc(stale, nil))
	require.NoError(t, block.Validate())
}

func TestPackedFreeLeavesGap(t *testing.T) {
	block := metadata.NewPackedBlockMetadata()
	block.Init(100)

	first := allocPacked(t, block, 10, nil)
	second := allocPacked(t, block, 20, nil)

	require.NoError(t, block.Free(first))
	require.NoError(t, block.Validate())

	require.True(t, block.HasGaps())
	require.Equal(t, 30, block.Used())
	require.Equal(t, 80, block.SumFreeSize())
	require.Equal(t, 70, block.TailFreeSize())
	require.Equal(t, 2, block.FreeRegionsCount())

	type region struct {
		offset, size int
		free         bool
	}
	var regions []region
	require.NoError(t, block.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		regions = append(regions, region{offset, size, free})
		if free {
			require.Equal(t, metadata.NoAllocation, handle)
		} else {
			require.Equal(t, second, handle)
		}
		return nil
	}))
	require.Equal(t, []region{{0, 10, true}, {10, 20, false}, {30, 70, true}}, regions)

	require.Error(t, block.Free(first))
}

func TestPackedRelocate(t *testing.T) {
	block := metadata.NewPackedBlockMetadata()
	block.Init(100)

	first := allocPacked(t, block, 10, nil)
	second := allocPacked(t, block, 20, nil)
	third := allocPacked(t, block, 5, nil)

	require.NoError(t, block.Free(first))

	require.Error(t, block.Relocate(second, 12))
	require.Error(t, block.Relocate(third, 20))

	require.NoError(t, block.Relocate(second, 0))
	require.NoError(t, block.Relocate(third, 20))
	require.NoError(t, block.Validate())

	require.False(t, block.HasGaps())
	require.Equal(t, 25, block.Used())

	// Handles remain stable across relocation
	size, err := block.AllocationSize(third)
	require.NoError(t, err)
	require.Equal(t, 5, size)

	subs := block.Suballocations()
	require.Len(t, subs, 2)
	require.Equal(t, second, subs[0].Handle)
	require.Equal(t, 20, subs[0].End())
}

func TestPackedGrowShrink(t *testing.T) {
	block := metadata.NewPackedBlockMetadata()
	block.Init(12)

	allocPacked(t, block, 10, nil)

	require.Error(t, block.Grow(6))
	require.NoError(t, block.Grow(24))
	require.Equal(t, 24, block.Size())

	require.Error(t, block.Shrink(9))
	require.NoError(t, block.Shrink(10))
	require.Equal(t, 0, block.TailFreeSize())
	require.NoError(t, block.Validate())
}

func TestPackedUserData(t *testing.T) {
	block := metadata.NewPackedBlockMetadata()
	block.Init(50)

	handle := allocPacked(t, block, 10, "owner")
	data, err := block.AllocationUserData(handle)
	require.NoError(t, err)
	require.Equal(t, "owner", data)

	require.NoError(t, block.SetAllocationUserData(handle, "other"))
	data, err = block.AllocationUserData(handle)
	require.NoError(t, err)
	require.Equal(t, "other", data)

	_, err = block.AllocationUserData(handle + 1)
	require.Error(t, err)
}

func TestPackedClear(t *testing.T) {
	block := metadata.NewPackedBlockMetadata()
	block.Init(50)

	allocPacked(t, block, 10, nil)
	allocPacked(t, block, 10, nil)
	block.Clear()

	require.True(t, block.IsEmpty())
	require.Equal(t, 50, block.SumFreeSize())
	require.NoError(t, block.Validate())

	var stats memutils.Statistics
	block.AddStatistics(&stats)
	require.Equal(t, memutils.Statistics{BufferCount: 1, CapacityUnits: 50}, stats)
}

func TestPackedJson(t *testing.T) {
	block := metadata.NewPackedBlockMetadata()
	block.Init(40)

	first := allocPacked(t, block, 10, nil)
	allocPacked(t, block, 10, nil)
	require.NoError(t, block.Free(first))

	writer := jwriter.NewWriter()
	obj := writer.Object()
	block.BlockJsonData(&obj)
	obj.End()

	require.JSONEq(t, `{"TotalUnits":40,"UnusedUnits":30,"Allocations":1,"UnusedRanges":2,"HighWaterMark":20}`, string(writer.Bytes()))
}
