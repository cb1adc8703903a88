package vbm

import (
	"log/slog"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/geobuffer/memutils"
	"github.com/vkngwrapper/geobuffer/memutils/defrag"
	"github.com/vkngwrapper/geobuffer/memutils/metadata"
	"golang.org/x/exp/slices"
)

// BufferDescription is the bookkeeping for one backing buffer: the native handle, the capacity
// in elements, and the descriptors packed into it in ascending offset order. Descriptors are
// always appended at the high-water mark; removing a descriptor compacts every descriptor
// after it, so free space only ever exists at the tail of the buffer.
//
// BufferDescription objects are owned by a BufferManager and must only be mutated from the
// drain context.
type BufferDescription struct {
	logger *slog.Logger
	device Device
	slots  *slotAllocator

	index           int
	dynamic         bool
	elementSize     int
	initialCapacity int
	maxElements     int

	handle      BufferHandle
	metadata    *metadata.PackedBlockMetadata
	descriptors []*BufferDescriptor
	compaction  defrag.CompactionContext

	deferCompaction bool
}

// BufferDescriptionInfo is a snapshot of a BufferDescription
type BufferDescriptionInfo struct {
	Index       int
	Dynamic     bool
	Handle      BufferHandle
	ElementSize int
	// Capacity is the size of the backing buffer in elements
	Capacity int
	// Used is the high-water mark in elements
	Used        int
	Descriptors []BufferDescriptor
}

func newBufferDescription(
	logger *slog.Logger,
	device Device,
	slots *slotAllocator,
	index int,
	dynamic bool,
	elementSize int,
	capacity int,
	initialCapacity int,
	maxElements int,
) (*BufferDescription, error) {
	if elementSize <= 0 {
		return nil, errors.Newf("element size must be positive, got %d", elementSize)
	}

	if capacity <= 0 {
		return nil, errors.Newf("buffer capacity must be positive, got %d", capacity)
	}

	handle, err := device.CreateBuffer(capacity*elementSize, dynamic)
	if err != nil {
		return nil, err
	}

	description := &BufferDescription{
		logger: logger,
		device: device,
		slots:  slots,

		index:           index,
		dynamic:         dynamic,
		elementSize:     elementSize,
		initialCapacity: initialCapacity,
		maxElements:     maxElements,

		handle:   handle,
		metadata: metadata.NewPackedBlockMetadata(),
	}
	description.metadata.Init(capacity)
	description.compaction.Handler = description.copyMove

	return description, nil
}

// Index returns the position of the buffer in its pool
func (b *BufferDescription) Index() int { return b.index }

// Dynamic reports whether the buffer belongs to the dynamic pool
func (b *BufferDescription) Dynamic() bool { return b.dynamic }

// Handle returns the native buffer handle. It changes when the buffer grows or shrinks.
func (b *BufferDescription) Handle() BufferHandle { return b.handle }

// ElementSize returns the size of one element in bytes
func (b *BufferDescription) ElementSize() int { return b.elementSize }

// Capacity returns the size of the backing buffer in elements
func (b *BufferDescription) Capacity() int { return b.metadata.Size() }

// Used returns the high-water mark in elements
func (b *BufferDescription) Used() int { return b.metadata.Used() }

// FreeElements returns the number of elements available at the tail of the buffer
func (b *BufferDescription) FreeElements() int { return b.metadata.TailFreeSize() }

// DescriptorCount returns the number of live descriptors in the buffer
func (b *BufferDescription) DescriptorCount() int { return len(b.descriptors) }

// IsEmpty reports whether the buffer holds no descriptors
func (b *BufferDescription) IsEmpty() bool { return len(b.descriptors) == 0 }

func (b *BufferDescription) isDestroyed() bool { return b.handle == NullHandle }

// Descriptors returns copies of every descriptor in ascending offset order
func (b *BufferDescription) Descriptors() []BufferDescriptor {
	out := make([]BufferDescriptor, 0, len(b.descriptors))
	for _, descriptor := range b.descriptors {
		out = append(out, *descriptor)
	}
	return out
}

func (b *BufferDescription) Info() BufferDescriptionInfo {
	return BufferDescriptionInfo{
		Index:       b.index,
		Dynamic:     b.dynamic,
		Handle:      b.handle,
		ElementSize: b.elementSize,
		Capacity:    b.Capacity(),
		Used:        b.Used(),
		Descriptors: b.Descriptors(),
	}
}

func (b *BufferDescription) copyMove(move defrag.Move) error {
	memutils.DebugCheckRange(move.SrcOffset, move.Size, b.metadata.Size())
	memutils.DebugCheckRange(move.DstOffset, move.Size, b.metadata.Size())

	return b.device.CopyBuffer(
		b.handle,
		move.SrcOffset*b.elementSize,
		move.DstOffset*b.elementSize,
		move.Size*b.elementSize,
	)
}

// AddDescriptor appends a range of count elements at the high-water mark. data must either be
// nil, which reserves the range without writing it, or exactly count elements long. If the
// buffer does not have room, ErrNeedsResize is returned and nothing changes.
func (b *BufferDescription) AddDescriptor(ownerID string, count int, data []byte) (BufferDescriptor, error) {
	descriptor, err := b.addDescriptor(ownerID, count, data)
	if err != nil {
		return BufferDescriptor{}, err
	}
	return *descriptor, nil
}

func (b *BufferDescription) addDescriptor(ownerID string, count int, data []byte) (*BufferDescriptor, error) {
	b.logger.Debug("BufferDescription::AddDescriptor",
		slog.String("id", ownerID),
		slog.Int("index", b.index),
		slog.Int("count", count),
	)

	if b.isDestroyed() {
		return nil, errors.Wrapf(ErrAddressingInconsistency, "buffer %d has been destroyed", b.index)
	}

	if count <= 0 {
		return nil, errors.Wrapf(ErrInvalidRequest, "descriptor for %q must contain at least one element, got %d", ownerID, count)
	}

	if data != nil && len(data) != count*b.elementSize {
		return nil, errors.Wrapf(ErrInvalidRequest, "descriptor for %q has %d elements of %d bytes, but %d bytes of data were provided", ownerID, count, b.elementSize, len(data))
	}

	success, request, err := b.metadata.CreateAllocationRequest(count, 0)
	if err != nil {
		return nil, err
	}

	if !success {
		return nil, errors.Wrapf(ErrNeedsResize, "buffer %d has %d free elements, %d required", b.index, b.FreeElements(), count)
	}

	descriptor := &BufferDescriptor{
		ID:                     ownerID,
		Slot:                   b.slots.acquire(),
		Offset:                 request.Offset,
		Count:                  count,
		Dynamic:                b.dynamic,
		BufferDescriptionIndex: b.index,
		handle:                 request.BlockAllocationHandle,
	}

	err = b.metadata.Alloc(request, descriptor)
	if err != nil {
		b.slots.release(descriptor.Slot)
		return nil, err
	}

	if data != nil {
		err = b.device.WriteBuffer(b.handle, descriptor.Offset*b.elementSize, data)
		if err != nil {
			// Roll the range back; it is at the tail so no compaction is needed
			freeErr := b.metadata.Free(descriptor.handle)
			b.slots.release(descriptor.Slot)
			return nil, errors.CombineErrors(err, freeErr)
		}
		descriptor.Ready = true
	}

	b.descriptors = append(b.descriptors, descriptor)
	memutils.DebugValidate(b)

	return descriptor, nil
}

func (b *BufferDescription) find(descriptor BufferDescriptor) *BufferDescriptor {
	userData, err := b.metadata.AllocationUserData(descriptor.handle)
	if err != nil {
		return nil
	}

	live, ok := userData.(*BufferDescriptor)
	if !ok || live.ID != descriptor.ID {
		return nil
	}
	return live
}

// RemoveDescriptor removes a descriptor and compacts every descriptor after it. Removing a
// descriptor that does not live in this buffer does nothing.
func (b *BufferDescription) RemoveDescriptor(descriptor BufferDescriptor) error {
	live := b.find(descriptor)
	if live == nil {
		b.logger.Warn("BufferDescription::RemoveDescriptor descriptor not found",
			slog.String("id", descriptor.ID),
			slog.Int("index", b.index),
		)
		return nil
	}

	return b.removeDescriptor(live)
}

func (b *BufferDescription) removeDescriptor(live *BufferDescriptor) error {
	b.logger.Debug("BufferDescription::RemoveDescriptor",
		slog.String("id", live.ID),
		slog.Int("index", b.index),
		slog.Int("offset", live.Offset),
		slog.Int("count", live.Count),
	)

	err := b.metadata.Free(live.handle)
	if err != nil {
		return err
	}

	position := sort.Search(len(b.descriptors), func(i int) bool {
		return b.descriptors[i].Offset >= live.Offset
	})
	if position < len(b.descriptors) && b.descriptors[position] == live {
		b.descriptors = slices.Delete(b.descriptors, position, position+1)
	}
	b.slots.release(live.Slot)

	if b.deferCompaction {
		return nil
	}

	_, err = b.Compact()
	return err
}

// Compact closes every gap left by removed descriptors, moving the native contents down with
// Device.CopyBuffer and updating descriptor offsets to match.
func (b *BufferDescription) Compact() (defrag.CompactionStats, error) {
	stats, err := b.compaction.Compact(b.metadata)

	// Offsets are synced even on failure: the metadata only records moves whose copy succeeded
	for _, descriptor := range b.descriptors {
		offset, offsetErr := b.metadata.AllocationOffset(descriptor.handle)
		if offsetErr != nil {
			err = errors.CombineErrors(err, offsetErr)
			continue
		}
		descriptor.Offset = offset
	}

	if stats.Passes > 0 {
		b.logger.Debug("BufferDescription::Compact",
			slog.Int("index", b.index),
			slog.Int("moves", stats.MovesPerformed),
			slog.Int("elementsMoved", stats.UnitsMoved),
			slog.Int("elementsReclaimed", stats.UnitsReclaimed),
		)
	}

	memutils.DebugValidate(b)
	return stats, err
}

// Grow raises the capacity to hold at least minElements, doubling where possible. Existing
// descriptors keep their offsets. The buffer never grows beyond its maximum element count.
func (b *BufferDescription) Grow(minElements int) error {
	capacity := b.Capacity()
	if minElements <= capacity {
		return nil
	}

	if b.maxElements > 0 && minElements > b.maxElements {
		return errors.Wrapf(ErrCapacityExhausted, "buffer %d cannot grow to %d elements, the maximum is %d", b.index, minElements, b.maxElements)
	}

	newCapacity := memutils.NextCapacity(capacity, minElements)
	if b.maxElements > 0 && newCapacity > b.maxElements {
		newCapacity = b.maxElements
	}

	return b.resize(newCapacity)
}

// Shrink lowers the capacity to the high-water mark, rounded up to a multiple of the
// initial capacity. It never happens implicitly.
func (b *BufferDescription) Shrink() error {
	if b.metadata.HasGaps() {
		_, err := b.Compact()
		if err != nil {
			return err
		}
	}

	target := b.initialCapacity
	if target <= 0 {
		target = max(b.Used(), 1)
	} else if used := b.Used(); used > target {
		target = ((used + b.initialCapacity - 1) / b.initialCapacity) * b.initialCapacity
	}

	if target >= b.Capacity() {
		return nil
	}

	return b.resize(target)
}

func (b *BufferDescription) resize(newCapacity int) error {
	b.logger.Debug("BufferDescription::Resize",
		slog.Int("index", b.index),
		slog.Int("from", b.Capacity()),
		slog.Int("to", newCapacity),
	)

	handle, err := b.device.ResizeBuffer(b.handle, newCapacity*b.elementSize)
	if err != nil {
		return err
	}
	b.handle = handle

	if newCapacity > b.Capacity() {
		return b.metadata.Grow(newCapacity)
	}
	return b.metadata.Shrink(newCapacity)
}

func (b *BufferDescription) destroy() error {
	if b.isDestroyed() {
		return nil
	}

	for _, descriptor := range b.descriptors {
		b.slots.release(descriptor.Slot)
	}

	err := b.device.DestroyBuffer(b.handle)
	b.handle = NullHandle
	b.descriptors = nil
	b.metadata.Clear()

	return err
}

// Validate checks that the descriptor list agrees with the range bookkeeping
func (b *BufferDescription) Validate() error {
	if b.isDestroyed() {
		return nil
	}

	err := b.metadata.Validate()
	if err != nil {
		return err
	}

	if len(b.descriptors) != b.metadata.AllocationCount() {
		return errors.Newf("buffer %d lists %d descriptors, but has %d allocated ranges", b.index, len(b.descriptors), b.metadata.AllocationCount())
	}

	var cursor int
	for position, descriptor := range b.descriptors {
		if descriptor.Offset < cursor {
			return errors.Newf("descriptor %q at position %d starts at %d, overlapping the previous descriptor ending at %d", descriptor.ID, position, descriptor.Offset, cursor)
		}

		offset, err := b.metadata.AllocationOffset(descriptor.handle)
		if err != nil {
			return errors.Wrapf(err, "descriptor %q", descriptor.ID)
		}

		if offset != descriptor.Offset {
			return errors.Newf("descriptor %q has offset %d, but its range is at %d", descriptor.ID, descriptor.Offset, offset)
		}

		if descriptor.BufferDescriptionIndex != b.index || descriptor.Dynamic != b.dynamic {
			return errors.Newf("descriptor %q claims buffer %d (dynamic=%t), but lives in buffer %d (dynamic=%t)", descriptor.ID, descriptor.BufferDescriptionIndex, descriptor.Dynamic, b.index, b.dynamic)
		}

		cursor = descriptor.End()
	}

	if cursor > b.Capacity() {
		return errors.Newf("descriptors in buffer %d extend to %d, past the capacity of %d", b.index, cursor, b.Capacity())
	}

	return nil
}

func (b *BufferDescription) printJson(json *jwriter.ObjectState, detailed bool) {
	json.Name("Handle").Int(int(b.handle))
	json.Name("ElementSize").Int(b.elementSize)
	b.metadata.BlockJsonData(json)

	if !detailed {
		return
	}

	arrayState := json.Name("Descriptors").Array()
	defer arrayState.End()

	for _, descriptor := range b.descriptors {
		obj := arrayState.Object()
		obj.Name("ID").String(descriptor.ID)
		obj.Name("Slot").Int(descriptor.Slot)
		obj.Name("Offset").Int(descriptor.Offset)
		obj.Name("Count").Int(descriptor.Count)
		obj.Name("Ready").Bool(descriptor.Ready)
		obj.End()
	}
}
