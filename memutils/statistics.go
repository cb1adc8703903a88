package memutils

import "math"

// Statistics holds simple totals for one or more backing buffers. Sizes are measured in
// units chosen by the consumer: the vbm package counts elements, not bytes.
type Statistics struct {
	BufferCount     int
	DescriptorCount int
	CapacityUnits   int
	UsedUnits       int
}

func (s *Statistics) Clear() {
	s.BufferCount = 0
	s.DescriptorCount = 0
	s.CapacityUnits = 0
	s.UsedUnits = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BufferCount += other.BufferCount
	s.DescriptorCount += other.DescriptorCount
	s.CapacityUnits += other.CapacityUnits
	s.UsedUnits += other.UsedUnits
}

// FreeUnits is the amount of capacity not claimed by any live descriptor
func (s *Statistics) FreeUnits() int {
	return s.CapacityUnits - s.UsedUnits
}

// DetailedStatistics extends Statistics with size extremes for descriptors and unused ranges.
// Clear must be called before the first use so that the minimums start out at math.MaxInt.
type DetailedStatistics struct {
	Statistics
	UnusedRangeCount   int
	DescriptorSizeMin  int
	DescriptorSizeMax  int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.UnusedRangeCount = 0
	s.DescriptorSizeMin = math.MaxInt
	s.DescriptorSizeMax = 0
	s.UnusedRangeSizeMin = math.MaxInt
	s.UnusedRangeSizeMax = 0
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++

	if size < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = size
	}

	if size > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddDescriptor(size int) {
	s.DescriptorCount++
	s.UsedUnits += size

	if size < s.DescriptorSizeMin {
		s.DescriptorSizeMin = size
	}

	if size > s.DescriptorSizeMax {
		s.DescriptorSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.UnusedRangeCount += other.UnusedRangeCount

	if other.UnusedRangeSizeMin < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = other.UnusedRangeSizeMin
	}

	if other.UnusedRangeSizeMax > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = other.UnusedRangeSizeMax
	}

	if other.DescriptorSizeMin < s.DescriptorSizeMin {
		s.DescriptorSizeMin = other.DescriptorSizeMin
	}

	if other.DescriptorSizeMax > s.DescriptorSizeMax {
		s.DescriptorSizeMax = other.DescriptorSizeMax
	}
}
