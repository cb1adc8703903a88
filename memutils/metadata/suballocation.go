package metadata

import "math"

// BlockAllocationHandle identifies a suballocation for its whole lifetime. Unlike the offset,
// the handle does not change when the suballocation is relocated.
type BlockAllocationHandle uint64

const (
	NoAllocation BlockAllocationHandle = math.MaxUint64
)

// Suballocation is a snapshot of one live range inside a block
type Suballocation struct {
	Handle   BlockAllocationHandle
	Offset   int
	Size     int
	UserData any
	Type     uint32
}

// End returns the first unit past the suballocation
func (s Suballocation) End() int {
	return s.Offset + s.Size
}
