package vbm

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/geobuffer/memutils"
	"github.com/vkngwrapper/geobuffer/memutils/defrag"
	"github.com/vkngwrapper/geobuffer/vbm/internal/utils"
)

const (
	staticPool  = 0
	dynamicPool = 1
)

func poolIndex(dynamic bool) int {
	if dynamic {
		return dynamicPool
	}
	return staticPool
}

type managerCounters struct {
	drains             atomic.Int64
	requestsProcessed  atomic.Int64
	requestsFailed     atomic.Int64
	requestsSuperseded atomic.Int64
	requestsRequeued   atomic.Int64
	addsApplied        atomic.Int64
	removesApplied     atomic.Int64
	removesSkipped     atomic.Int64
	lastDrainNanos     atomic.Int64
}

// BufferManager packs many independently owned descriptors into a small number of large
// backing buffers, split into a static pool and a dynamic pool. Producers on any goroutine
// submit add and remove requests with Enqueue or SubmitAsync; nothing changes until the owner
// of the render loop calls Drain, so the descriptor table is quiescent between drains and can
// be read to bind ranges for draw calls.
type BufferManager struct {
	logger  *slog.Logger
	options CreateOptions
	device  *budgetDevice

	stateMutex utils.OptionalRWMutex
	// drainMutex is held even when externally synchronized, so a reentrant Drain is always rejected
	drainMutex sync.Mutex

	pools  [2]*bufferPool
	owners *swiss.Map[string, *BufferDescriptor]

	queue   *requestQueue
	prepare *prepareSystem

	// Only set during Drain. Removes record the buffers they touched instead of compacting
	// them immediately, and the drain compacts each touched buffer once.
	deferCompaction bool
	touched         []*BufferDescription

	compactionStats defrag.CompactionStats
	counters        managerCounters
	destroyed       atomic.Bool
}

// Enqueue submits a request to be applied by the next Drain. It is safe to call from any
// goroutine. A remove also supersedes any SubmitAsync preparation still in flight for the
// same owner.
func (m *BufferManager) Enqueue(request *DescriptorRequest) error {
	if m.destroyed.Load() {
		return ErrDestroyed
	}

	if request == nil {
		return errors.Wrap(ErrInvalidRequest, "attempted to enqueue a nil request")
	}

	err := request.validate()
	if err != nil {
		return err
	}

	if !request.advance(StageNone, StageRequested) {
		return errors.Wrapf(ErrInvalidRequest, "request for %q is in %s and cannot be enqueued", request.ID, request.Stage())
	}

	m.logger.Debug("BufferManager::Enqueue",
		slog.String("id", request.ID),
		slog.String("action", request.Action.String()),
		slog.Bool("dynamic", request.Dynamic),
	)

	if request.Action == ActionRemove {
		m.prepare.supersede(request.ID, func() {
			m.queue.push(request)
		})
		return nil
	}

	m.queue.push(request)
	return nil
}

// PendingRequests returns the number of requests waiting for the next drain
func (m *BufferManager) PendingRequests() int {
	return m.queue.length()
}

func (m *BufferManager) applyAdd(request *DescriptorRequest) (BufferDescriptor, error) {
	if existing, ok := m.owners.Get(request.ID); ok {
		return BufferDescriptor{}, errors.Wrapf(ErrDuplicateOwner, "%q already owns slot %d in buffer %d", request.ID, existing.Slot, existing.BufferDescriptionIndex)
	}

	pool := m.pools[poolIndex(request.Dynamic)]
	description, err := pool.place(request.Count)
	if err != nil {
		m.logger.Error("BufferManager::AddDescriptor failed to place descriptor",
			slog.String("id", request.ID),
			slog.String("pool", pool.name()),
			slog.Int("count", request.Count),
			slog.Any("error", err),
		)
		return BufferDescriptor{}, err
	}

	descriptor, err := description.addDescriptor(request.ID, request.Count, request.Data)
	if err != nil {
		return BufferDescriptor{}, err
	}

	m.owners.Put(request.ID, descriptor)
	m.counters.addsApplied.Add(1)
	return *descriptor, nil
}

func (m *BufferManager) applyRemove(request *DescriptorRequest) error {
	pool := m.pools[poolIndex(request.Dynamic)]

	var pinned *BufferDescription
	if request.BufferDescriptionIndex >= 0 {
		var err error
		pinned, err = pool.description(request.BufferDescriptionIndex)
		if err != nil {
			m.logger.Error("BufferManager::RemoveDescriptor addressing inconsistency",
				slog.String("id", request.ID),
				slog.Any("error", err),
			)
			return err
		}
	}

	live, ok := m.owners.Get(request.ID)
	if !ok {
		m.logger.Log(context.Background(), LevelTrace, "BufferManager::RemoveDescriptor duplicate remove",
			slog.String("id", request.ID),
		)
		return nil
	}

	if live.Dynamic != request.Dynamic || (pinned != nil && pinned.index != live.BufferDescriptionIndex) {
		err := errors.Wrapf(ErrAddressingInconsistency,
			"remove for %q names buffer %d (dynamic=%t), but the descriptor lives in buffer %d (dynamic=%t)",
			request.ID, request.BufferDescriptionIndex, request.Dynamic, live.BufferDescriptionIndex, live.Dynamic)
		m.logger.Error("BufferManager::RemoveDescriptor addressing inconsistency",
			slog.String("id", request.ID),
			slog.Any("error", err),
		)
		return err
	}

	if !live.Ready {
		m.logger.Debug("BufferManager::RemoveDescriptor skipped unready descriptor",
			slog.String("id", request.ID),
		)
		m.counters.removesSkipped.Add(1)
		return nil
	}

	description, err := m.pools[poolIndex(live.Dynamic)].description(live.BufferDescriptionIndex)
	if err != nil {
		return err
	}

	m.owners.Delete(request.ID)
	m.counters.removesApplied.Add(1)

	description.deferCompaction = m.deferCompaction
	err = description.removeDescriptor(live)
	description.deferCompaction = false
	if m.deferCompaction {
		m.touch(description)
	}

	return err
}

func (m *BufferManager) touch(description *BufferDescription) {
	for _, touched := range m.touched {
		if touched == description {
			return
		}
	}
	m.touched = append(m.touched, description)
}

func (m *BufferManager) lookup(id string) (*BufferDescriptor, error) {
	descriptor, ok := m.owners.Get(id)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownOwner, "%q", id)
	}
	return descriptor, nil
}

// Descriptor returns a copy of the live descriptor for id
func (m *BufferManager) Descriptor(id string) (BufferDescriptor, error) {
	m.stateMutex.RLock()
	defer m.stateMutex.RUnlock()

	descriptor, err := m.lookup(id)
	if err != nil {
		return BufferDescriptor{}, err
	}
	return *descriptor, nil
}

// Descriptors returns copies of every live descriptor in a pool, ordered by backing buffer and then
// by offset
func (m *BufferManager) Descriptors(dynamic bool) []BufferDescriptor {
	m.stateMutex.RLock()
	defer m.stateMutex.RUnlock()

	var out []BufferDescriptor
	for _, description := range m.pools[poolIndex(dynamic)].descriptions {
		out = append(out, description.Descriptors()...)
	}
	return out
}

// Binding returns what a renderer needs to bind the range owned by id. Reservations whose
// contents have never been written return ErrNotReady.
func (m *BufferManager) Binding(id string) (Binding, error) {
	m.stateMutex.RLock()
	defer m.stateMutex.RUnlock()

	descriptor, err := m.lookup(id)
	if err != nil {
		return Binding{}, err
	}

	if !descriptor.Ready {
		return Binding{}, errors.Wrapf(ErrNotReady, "%q", id)
	}

	description, err := m.pools[poolIndex(descriptor.Dynamic)].description(descriptor.BufferDescriptionIndex)
	if err != nil {
		return Binding{}, err
	}

	elementSize := m.options.ElementSize
	return Binding{
		Handle:     description.handle,
		Slot:       descriptor.Slot,
		Offset:     descriptor.Offset,
		Count:      descriptor.Count,
		ByteOffset: descriptor.Offset * elementSize,
		ByteSize:   descriptor.Count * elementSize,
	}, nil
}

// BufferDescription returns a snapshot of one backing buffer
func (m *BufferManager) BufferDescription(dynamic bool, index int) (BufferDescriptionInfo, error) {
	m.stateMutex.RLock()
	defer m.stateMutex.RUnlock()

	description, err := m.pools[poolIndex(dynamic)].description(index)
	if err != nil {
		return BufferDescriptionInfo{}, err
	}
	return description.Info(), nil
}

// BufferCount returns the number of backing buffers in a pool
func (m *BufferManager) BufferCount(dynamic bool) int {
	m.stateMutex.RLock()
	defer m.stateMutex.RUnlock()

	return m.pools[poolIndex(dynamic)].bufferCount()
}

// WriteContents overwrites part of the range owned by id, starting elementOffset elements into
// the range. It does not go through the request queue and must be called between drains. The
// first write to a reservation marks it ready.
func (m *BufferManager) WriteContents(id string, elementOffset int, data []byte) error {
	if m.destroyed.Load() {
		return ErrDestroyed
	}

	m.stateMutex.Lock()
	defer m.stateMutex.Unlock()

	descriptor, err := m.lookup(id)
	if err != nil {
		return err
	}

	elementSize := m.options.ElementSize
	if len(data)%elementSize != 0 {
		return errors.Wrapf(ErrInvalidRequest, "write for %q is %d bytes, which is not a whole number of %d byte elements", id, len(data), elementSize)
	}

	err = memutils.CheckRange(elementOffset, len(data)/elementSize, descriptor.Count)
	if err != nil {
		return errors.Wrapf(ErrInvalidRequest, "write for %q does not fit its %d elements: %v", id, descriptor.Count, err)
	}

	description, err := m.pools[poolIndex(descriptor.Dynamic)].description(descriptor.BufferDescriptionIndex)
	if err != nil {
		return err
	}

	m.logger.Debug("BufferManager::WriteContents",
		slog.String("id", id),
		slog.Int("elementOffset", elementOffset),
		slog.Int("bytes", len(data)),
	)

	memutils.DebugCheckRange(descriptor.Offset+elementOffset, len(data)/elementSize, description.Capacity())
	err = m.device.WriteBuffer(description.handle, (descriptor.Offset+elementOffset)*elementSize, data)
	if err != nil {
		return err
	}

	descriptor.Ready = true
	return nil
}

// Trim destroys empty backing buffers at the end of each pool and shrinks the remaining buffers
// to fit their contents. Buffers never shrink unless Trim is called.
func (m *BufferManager) Trim() error {
	if m.destroyed.Load() {
		return ErrDestroyed
	}

	m.drainMutex.Lock()
	defer m.drainMutex.Unlock()

	m.stateMutex.Lock()
	defer m.stateMutex.Unlock()

	m.logger.Debug("BufferManager::Trim")

	var err error
	for _, pool := range m.pools {
		err = errors.CombineErrors(err, pool.trim())
	}

	memutils.DebugValidate(m)
	return err
}

// Destroy stops the preparation workers, fails every queued request with ErrDestroyed, and
// releases every native buffer. The manager cannot be used afterward.
func (m *BufferManager) Destroy() error {
	if m.destroyed.Swap(true) {
		return nil
	}

	m.logger.Debug("BufferManager::Destroy")

	m.prepare.shutdown()

	m.drainMutex.Lock()
	defer m.drainMutex.Unlock()

	m.stateMutex.Lock()
	defer m.stateMutex.Unlock()

	for _, request := range m.queue.drainAll() {
		request.complete(BufferDescriptor{}, ErrDestroyed)
	}

	var err error
	for _, pool := range m.pools {
		err = errors.CombineErrors(err, pool.destroy())
	}
	m.owners.Clear()

	return err
}

// Validate checks the consistency of every backing buffer and of the owner index
func (m *BufferManager) Validate() error {
	var descriptorCount int
	for _, pool := range m.pools {
		err := pool.validate()
		if err != nil {
			return errors.Wrapf(err, "%s pool", pool.name())
		}

		for _, description := range pool.descriptions {
			descriptorCount += len(description.descriptors)
			for _, descriptor := range description.descriptors {
				owned, ok := m.owners.Get(descriptor.ID)
				if !ok || owned != descriptor {
					return errors.Newf("descriptor %q in %s buffer %d is not registered to its owner", descriptor.ID, pool.name(), description.index)
				}
			}
		}
	}

	if descriptorCount != m.owners.Count() {
		return errors.Newf("%d owners are registered, but %d descriptors are live", m.owners.Count(), descriptorCount)
	}

	return nil
}
