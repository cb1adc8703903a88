package defrag

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/geobuffer/memutils/metadata"
)

// Move is a single contiguous relocation within a block. Every allocation listed in Allocations
// lies inside [SrcOffset, SrcOffset+Size) and shifts downward by the same distance, so the whole
// range can be copied with a single overlapping copy.
type Move struct {
	// SrcOffset is the current start of the range being moved
	SrcOffset int
	// DstOffset is the start of the range after the move. It is always lower than SrcOffset.
	DstOffset int
	// Size is the length of the range in units
	Size int
	// Allocations lists the suballocations carried by this move in ascending offset order
	Allocations []metadata.BlockAllocationHandle
}

// Distance returns how far the range travels
func (m Move) Distance() int {
	return m.SrcOffset - m.DstOffset
}

// Plan walks a block and produces the moves required to close every unused range below its
// high-water mark. Allocations that are adjacent and shift by the same distance are coalesced into
// a single Move. The moves are returned in ascending offset order and must be performed in that order:
// each destination only overlaps space that was either free or vacated by an earlier move.
//
// A block without gaps produces no moves.
func Plan(block metadata.BlockMetadata) ([]Move, error) {
	if block == nil {
		return nil, errors.New("attempted to plan compaction for a nil block")
	}

	if !block.HasGaps() {
		return nil, nil
	}

	var moves []Move
	var cursor int
	var current *Move

	err := block.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		if free {
			current = nil
			return nil
		}

		if offset < cursor {
			return errors.Newf("allocation %d at offset %d overlaps the previous allocation ending at %d", handle, offset, cursor)
		}

		if offset == cursor {
			// Already in place
			current = nil
			cursor += size
			return nil
		}

		if current != nil && current.SrcOffset+current.Size == offset {
			current.Size += size
			current.Allocations = append(current.Allocations, handle)
		} else {
			moves = append(moves, Move{
				SrcOffset:   offset,
				DstOffset:   cursor,
				Size:        size,
				Allocations: []metadata.BlockAllocationHandle{handle},
			})
			current = &moves[len(moves)-1]
		}

		cursor += size
		return nil
	})
	if err != nil {
		return nil, err
	}

	return moves, nil
}
