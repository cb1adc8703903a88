package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// ErrNoHostVisibleMemory is returned when no memory type allowed for a buffer can be mapped
var ErrNoHostVisibleMemory = errors.New("no host-visible memory type is compatible with the buffer")

func memoryTypeScore(flags core1_0.MemoryPropertyFlags, dynamic bool) int {
	var score int

	if dynamic {
		if flags&core1_0.MemoryPropertyHostCoherent != 0 {
			score += 4
		}
		if flags&core1_0.MemoryPropertyDeviceLocal != 0 {
			score += 2
		}
	} else {
		if flags&core1_0.MemoryPropertyDeviceLocal != 0 {
			score += 4
		}
		if flags&core1_0.MemoryPropertyHostCoherent != 0 {
			score += 2
		}
	}

	if flags&core1_0.MemoryPropertyHostCached != 0 {
		score--
	}

	return score
}

// findMemoryType selects the memory type a backing buffer is allocated from. Only host-visible
// types allowed by memoryTypeBits are considered. Static buffers prefer device-local memory and
// dynamic buffers prefer host-coherent memory; ties go to the lowest index.
func findMemoryType(properties *core1_0.PhysicalDeviceMemoryProperties, memoryTypeBits uint32, dynamic bool) (int, error) {
	bestIndex := -1
	bestScore := 0

	for index, memoryType := range properties.MemoryTypes {
		if memoryTypeBits&(1<<index) == 0 {
			continue
		}

		if memoryType.PropertyFlags&core1_0.MemoryPropertyHostVisible == 0 {
			continue
		}

		score := memoryTypeScore(memoryType.PropertyFlags, dynamic)
		if bestIndex < 0 || score > bestScore {
			bestIndex = index
			bestScore = score
		}
	}

	if bestIndex < 0 {
		return -1, errors.Wrapf(ErrNoHostVisibleMemory, "memory type bits %#x", memoryTypeBits)
	}

	return bestIndex, nil
}
