package defrag

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/geobuffer/memutils"
	"github.com/vkngwrapper/geobuffer/memutils/metadata"
)

// MoveHandler performs the data copy for a single Move. It is called before the metadata is
// updated; if it returns an error, the allocations in the move keep their old offsets.
type MoveHandler func(move Move) error

// CompactionStats contains basic metrics for compaction over time
type CompactionStats struct {
	// Passes is the number of compaction runs that had at least one move to perform
	Passes int
	// MovesPerformed is the number of contiguous range copies issued to the MoveHandler
	MovesPerformed int
	// AllocationsMoved is the number of suballocations that were relocated
	AllocationsMoved int
	// UnitsMoved is the number of units copied
	UnitsMoved int
	// UnitsReclaimed is the number of units returned to the tail of the block
	UnitsReclaimed int
}

func (s *CompactionStats) Add(stats CompactionStats) {
	s.Passes += stats.Passes
	s.MovesPerformed += stats.MovesPerformed
	s.AllocationsMoved += stats.AllocationsMoved
	s.UnitsMoved += stats.UnitsMoved
	s.UnitsReclaimed += stats.UnitsReclaimed
}

// CompactionContext slides the suballocations of a block down over the unused ranges left
// behind by Free, so that all free space becomes a single range at the end of the block.
// A CompactionContext can be reused for any number of blocks; Stats accumulates across calls.
type CompactionContext struct {
	// Handler is called to copy the underlying data for each move. It may be nil when the
	// block carries no data of its own.
	Handler MoveHandler
	// Stats accumulates the results of every Compact call
	Stats CompactionStats
}

// Compact plans and performs every move required to close the gaps in block. The returned stats
// describe only this call. When the handler fails partway through, the moves that completed are
// kept, the remaining moves are abandoned, and the block is left valid with some gaps still open.
func (c *CompactionContext) Compact(block metadata.BlockMetadata) (CompactionStats, error) {
	var stats CompactionStats

	tailBefore := block.TailFreeSize()
	moves, err := Plan(block)
	if err != nil {
		return stats, err
	}

	if len(moves) == 0 {
		return stats, nil
	}

	stats.Passes = 1
	for _, move := range moves {
		if c.Handler != nil {
			err = c.Handler(move)
			if err != nil {
				err = errors.Wrapf(err, "failed to copy %d units from %d to %d", move.Size, move.SrcOffset, move.DstOffset)
				break
			}
		}

		err = c.commitMove(block, move)
		if err != nil {
			break
		}

		stats.MovesPerformed++
		stats.AllocationsMoved += len(move.Allocations)
		stats.UnitsMoved += move.Size
	}

	stats.UnitsReclaimed = block.TailFreeSize() - tailBefore
	c.Stats.Add(stats)

	memutils.DebugValidate(block)

	return stats, err
}

func (c *CompactionContext) commitMove(block metadata.BlockMetadata, move Move) error {
	distance := move.Distance()
	for _, handle := range move.Allocations {
		offset, err := block.AllocationOffset(handle)
		if err != nil {
			return errors.Wrapf(err, "allocation %d vanished during compaction", handle)
		}

		err = block.Relocate(handle, offset-distance)
		if err != nil {
			return errors.Wrapf(err, "failed to relocate allocation %d", handle)
		}
	}

	return nil
}
