package vbm

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/geobuffer/memutils"
)

// Drain applies every queued request. It is the only point at which descriptors are created,
// moved, or destroyed, and is meant to be called once per frame from the render loop before
// draw calls are recorded.
//
// Every remove in the batch is applied and the affected buffers compacted before any add is
// placed in either pool, so space and owner IDs freed by this drain are available to the adds in
// it. Apart from that, requests are applied in the order they were enqueued. An add followed by a remove
// of the same owner in one batch is completed with ErrSuperseded and never allocates.
//
// Failures are isolated to the request that caused them, with one exception: when an add fails
// because its pool could not grow, the remaining adds for that pool are not attempted. They are
// failed, or sent back to the queue when CreateOptions.RequeueFailedAdds is set. The returned
// error joins every failure in the drain.
//
// If ctx is canceled, the requests that have not started are returned to the front of the queue.
func (m *BufferManager) Drain(ctx context.Context) error {
	if m.destroyed.Load() {
		return ErrDestroyed
	}

	if !m.drainMutex.TryLock() {
		return ErrDrainInProgress
	}
	defer m.drainMutex.Unlock()

	m.stateMutex.Lock()
	defer m.stateMutex.Unlock()

	start := time.Now()
	batch := m.queue.drainAll()
	if len(batch) == 0 {
		return nil
	}

	m.logger.Debug("BufferManager::Drain", slog.Int("requests", len(batch)))

	var allErrors []error
	batch = m.supersedeWithinBatch(batch)

	var removes, adds [2][]*DescriptorRequest
	for _, request := range batch {
		index := poolIndex(request.Dynamic)
		if request.Action == ActionRemove {
			removes[index] = append(removes[index], request)
		} else {
			adds[index] = append(adds[index], request)
		}
	}

	// Owners are unique across both pools, so every remove is applied before any add
	var requeue []*DescriptorRequest
	for index, pool := range m.pools {
		if ctx.Err() != nil {
			requeue = append(requeue, removes[index]...)
			continue
		}

		errs, remaining := m.drainRemoves(ctx, pool, removes[index])
		allErrors = append(allErrors, errs...)
		requeue = append(requeue, remaining...)
	}
	removesPending := len(requeue) > 0

	for index, pool := range m.pools {
		if removesPending || ctx.Err() != nil {
			// Adds must not run until every remove before them has been applied
			requeue = append(requeue, adds[index]...)
			continue
		}

		errs, remaining := m.drainAdds(ctx, pool, adds[index])
		allErrors = append(allErrors, errs...)
		requeue = append(requeue, remaining...)
	}

	if len(requeue) > 0 {
		m.queue.requeueFront(requeue)
	}

	if ctx.Err() != nil {
		allErrors = append(allErrors, ctx.Err())
	}

	elapsed := time.Since(start)
	m.counters.drains.Add(1)
	m.counters.lastDrainNanos.Store(int64(elapsed))

	if m.options.DrainBudget > 0 && elapsed > time.Duration(m.options.DrainBudget) {
		m.logger.Warn("BufferManager::Drain exceeded its budget",
			slog.Duration("elapsed", elapsed),
			slog.Duration("budget", time.Duration(m.options.DrainBudget)),
			slog.Int("requests", len(batch)),
		)
	}

	memutils.DebugValidate(m)

	return errors.Join(allErrors...)
}

// supersedeWithinBatch completes every add that is followed by a remove of the same owner in
// the same pool, and returns the requests that still need to be applied
func (m *BufferManager) supersedeWithinBatch(batch []*DescriptorRequest) []*DescriptorRequest {
	type ownerKey struct {
		id      string
		dynamic bool
	}

	lastRemove := make(map[ownerKey]int)
	for position, request := range batch {
		if request.Action == ActionRemove {
			lastRemove[ownerKey{request.ID, request.Dynamic}] = position
		}
	}

	if len(lastRemove) == 0 {
		return batch
	}

	remaining := batch[:0:0]
	for position, request := range batch {
		removePosition, removed := lastRemove[ownerKey{request.ID, request.Dynamic}]
		if request.Action == ActionAdd && removed && removePosition > position {
			m.logger.Debug("BufferManager::Drain superseded add",
				slog.String("id", request.ID),
			)
			request.complete(BufferDescriptor{}, ErrSuperseded)
			m.counters.requestsSuperseded.Add(1)
			m.counters.requestsProcessed.Add(1)
			continue
		}

		remaining = append(remaining, request)
	}

	return remaining
}

func (m *BufferManager) drainRemoves(ctx context.Context, pool *bufferPool, removes []*DescriptorRequest) (errs []error, requeue []*DescriptorRequest) {
	m.deferCompaction = true
	m.touched = m.touched[:0]

	for index, request := range removes {
		if ctx.Err() != nil {
			requeue = append(requeue, removes[index:]...)
			break
		}

		err := m.processRequest(request)
		if err != nil {
			errs = append(errs, err)
		}
	}

	m.deferCompaction = false
	for _, description := range m.touched {
		stats, err := description.Compact()
		m.compactionStats.Add(stats)
		if err != nil {
			m.logger.Error("BufferManager::Drain compaction failed",
				slog.String("pool", pool.name()),
				slog.Int("index", description.index),
				slog.Any("error", err),
			)
			errs = append(errs, err)
		}
	}
	m.touched = m.touched[:0]

	return errs, requeue
}

func (m *BufferManager) drainAdds(ctx context.Context, pool *bufferPool, adds []*DescriptorRequest) (errs []error, requeue []*DescriptorRequest) {
	var abort error
	for index, request := range adds {
		if ctx.Err() != nil {
			requeue = append(requeue, adds[index:]...)
			break
		}

		if abort != nil {
			if m.options.RequeueFailedAdds && request.retries < m.options.MaxAddRetries {
				request.retries++
				m.counters.requestsRequeued.Add(1)
				requeue = append(requeue, request)
				continue
			}

			err := errors.Wrapf(abort, "add for %q was not attempted after an earlier add in the %s pool failed", request.ID, pool.name())
			request.complete(BufferDescriptor{}, err)
			m.counters.requestsProcessed.Add(1)
			m.counters.requestsFailed.Add(1)
			errs = append(errs, err)
			continue
		}

		err := m.processRequest(request)
		if err != nil {
			errs = append(errs, err)
			if errors.Is(err, ErrCapacityExhausted) {
				abort = err
			}
		}
	}

	return errs, requeue
}

func (m *BufferManager) processRequest(request *DescriptorRequest) error {
	err := request.Process(m)
	m.counters.requestsProcessed.Add(1)
	if err != nil {
		m.counters.requestsFailed.Add(1)
		return errors.Wrapf(err, "%s for %q", request.Action, request.ID)
	}
	return nil
}
