package vbm

import "golang.org/x/exp/slices"

// slotAllocator hands out the lowest free binding slot. Released slots are reused before
// the allocator extends its range.
type slotAllocator struct {
	next int
	free []int
}

func (a *slotAllocator) acquire() int {
	if len(a.free) > 0 {
		slot := a.free[0]
		a.free = slices.Delete(a.free, 0, 1)
		return slot
	}

	slot := a.next
	a.next++
	return slot
}

func (a *slotAllocator) release(slot int) {
	if slot < 0 || slot >= a.next {
		return
	}

	index, found := slices.BinarySearch(a.free, slot)
	if found {
		return
	}
	a.free = slices.Insert(a.free, index, slot)

	// Collapse the tail so the range doesn't grow without bound under churn
	for len(a.free) > 0 && a.free[len(a.free)-1] == a.next-1 {
		a.free = a.free[:len(a.free)-1]
		a.next--
	}
}

func (a *slotAllocator) inUse() int {
	return a.next - len(a.free)
}
