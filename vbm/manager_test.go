package vbm_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/geobuffer/vbm"
)

func newTestManager(t *testing.T, options vbm.CreateOptions) (*vbm.BufferManager, *vbm.HostDevice) {
	host := vbm.NewHostDevice()
	manager, err := vbm.New(slog.New(log.New(io.Discard)), host, options)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, manager.Destroy())
	})
	return manager, host
}

func fill(value byte, count int) []byte {
	return bytes.Repeat([]byte{value}, count)
}

func enqueueAll(t *testing.T, manager *vbm.BufferManager, requests ...*vbm.DescriptorRequest) {
	for _, request := range requests {
		require.NoError(t, manager.Enqueue(request))
	}
}

func drain(t *testing.T, manager *vbm.BufferManager) {
	require.NoError(t, manager.Drain(context.Background()))
	require.NoError(t, manager.Validate())
}

func TestGrowThenCompact(t *testing.T) {
	manager, host := newTestManager(t, vbm.CreateOptions{StaticInitialCapacity: 12})

	addA := vbm.NewAddRequest("A", false, 10, fill('a', 10))
	enqueueAll(t, manager, addA)
	drain(t, manager)

	a, ok := addA.Descriptor()
	require.True(t, ok)
	require.Equal(t, 0, a.Offset)
	require.Equal(t, 0, a.Slot)

	addB := vbm.NewAddRequest("B", false, 5, fill('b', 5))
	enqueueAll(t, manager, addB)
	drain(t, manager)

	b, ok := addB.Descriptor()
	require.True(t, ok)
	require.Equal(t, 10, b.Offset)
	require.Equal(t, 1, b.Slot)

	info, err := manager.BufferDescription(false, 0)
	require.NoError(t, err)
	require.Equal(t, 24, info.Capacity)
	require.Equal(t, 15, info.Used)
	require.Equal(t, 1, manager.BufferCount(false))

	enqueueAll(t, manager, vbm.NewRemoveDescriptorRequest(a))
	drain(t, manager)

	b, err = manager.Descriptor("B")
	require.NoError(t, err)
	require.Equal(t, 0, b.Offset)
	require.Equal(t, 1, b.Slot)

	binding, err := manager.Binding("B")
	require.NoError(t, err)
	require.Equal(t, vbm.Binding{
		Handle:     binding.Handle,
		Slot:       1,
		Offset:     0,
		Count:      5,
		ByteOffset: 0,
		ByteSize:   5,
	}, binding)

	contents, err := host.Bytes(binding.Handle)
	require.NoError(t, err)
	require.Equal(t, fill('b', 5), contents[:5])

	_, err = manager.Descriptor("A")
	require.True(t, errors.Is(err, vbm.ErrUnknownOwner))

	stats := manager.CalculateStatistics()
	require.Equal(t, 1, stats.Compaction.Passes)
	require.Equal(t, 5, stats.Compaction.UnitsMoved)
	require.Equal(t, 10, stats.Compaction.UnitsReclaimed)
}

func TestRemovesRunBeforeAdds(t *testing.T) {
	manager, _ := newTestManager(t, vbm.CreateOptions{StaticInitialCapacity: 12})

	enqueueAll(t, manager, vbm.NewAddRequest("A", false, 10, fill('a', 10)))
	drain(t, manager)

	addC := vbm.NewAddRequest("C", false, 8, fill('c', 8))
	enqueueAll(t, manager, addC, vbm.NewRemoveRequest("A", false))
	drain(t, manager)

	c, ok := addC.Descriptor()
	require.True(t, ok)
	require.Equal(t, 0, c.Offset)

	info, err := manager.BufferDescription(false, 0)
	require.NoError(t, err)
	require.Equal(t, 12, info.Capacity)
}

func TestRemoveThenSameSizeAddDoesNotGrow(t *testing.T) {
	manager, host := newTestManager(t, vbm.CreateOptions{StaticInitialCapacity: 16})

	enqueueAll(t, manager,
		vbm.NewAddRequest("A", false, 6, fill('a', 6)),
		vbm.NewAddRequest("B", false, 6, fill('b', 6)),
	)
	drain(t, manager)

	for i := 0; i < 10; i++ {
		id := vbm.NewOwnerID()
		enqueueAll(t, manager, vbm.NewRemoveRequest("A", false), vbm.NewAddRequest(id, false, 6, fill('x', 6)))
		drain(t, manager)
		enqueueAll(t, manager, vbm.NewRemoveRequest(id, false), vbm.NewAddRequest("A", false, 6, fill('a', 6)))
		drain(t, manager)
	}

	info, err := manager.BufferDescription(false, 0)
	require.NoError(t, err)
	require.Equal(t, 16, info.Capacity)
	require.Equal(t, 0, host.Counters().Resizes)
}

func TestDuplicateRemoveIsIdempotent(t *testing.T) {
	manager, _ := newTestManager(t, vbm.CreateOptions{})

	enqueueAll(t, manager, vbm.NewAddRequest("A", true, 4, fill('a', 4)))
	drain(t, manager)

	first := vbm.NewRemoveRequest("A", true)
	second := vbm.NewRemoveRequest("A", true)
	enqueueAll(t, manager, first, second)
	drain(t, manager)

	require.Equal(t, vbm.StageProcessed, first.Stage())
	require.Equal(t, vbm.StageProcessed, second.Stage())
	require.NoError(t, first.Err())
	require.NoError(t, second.Err())
	require.Empty(t, manager.Descriptors(true))

	third := vbm.NewRemoveRequest("A", true)
	enqueueAll(t, manager, third)
	drain(t, manager)
	require.NoError(t, third.Err())

	stats := manager.CalculateStatistics()
	require.Equal(t, 1, stats.RemovesApplied)
}

func TestRemoveOfUnreadyDescriptorIsSkipped(t *testing.T) {
	manager, _ := newTestManager(t, vbm.CreateOptions{ElementSize: 4})

	add := vbm.NewAddRequest("reserved", false, 3, nil)
	enqueueAll(t, manager, add)
	drain(t, manager)

	descriptor, ok := add.Descriptor()
	require.True(t, ok)
	require.False(t, descriptor.Ready)

	_, err := manager.Binding("reserved")
	require.True(t, errors.Is(err, vbm.ErrNotReady))

	remove := vbm.NewRemoveRequest("reserved", false)
	enqueueAll(t, manager, remove)
	drain(t, manager)
	require.Equal(t, vbm.StageProcessed, remove.Stage())
	require.NoError(t, remove.Err())
	require.Len(t, manager.Descriptors(false), 1)
	require.Equal(t, 1, manager.CalculateStatistics().RemovesSkipped)

	require.True(t, errors.Is(manager.WriteContents("reserved", 0, fill(1, 6)), vbm.ErrInvalidRequest))
	require.True(t, errors.Is(manager.WriteContents("reserved", 2, fill(1, 8)), vbm.ErrInvalidRequest))
	require.NoError(t, manager.WriteContents("reserved", 0, fill(1, 12)))

	binding, err := manager.Binding("reserved")
	require.NoError(t, err)
	require.Equal(t, 12, binding.ByteSize)

	enqueueAll(t, manager, vbm.NewRemoveRequest("reserved", false))
	drain(t, manager)
	require.Empty(t, manager.Descriptors(false))
}

func TestAddSupersededInSameBatch(t *testing.T) {
	manager, host := newTestManager(t, vbm.CreateOptions{})

	add := vbm.NewAddRequest("A", false, 4, fill('a', 4))
	remove := vbm.NewRemoveRequest("A", false)
	enqueueAll(t, manager, add, remove)
	drain(t, manager)

	require.ErrorIs(t, add.Err(), vbm.ErrSuperseded)
	require.NoError(t, remove.Err())
	_, ok := add.Descriptor()
	require.False(t, ok)
	require.Equal(t, 0, host.Counters().Creates)
	require.Equal(t, 1, manager.CalculateStatistics().RequestsSuperseded)
}

func TestDuplicateOwnerFails(t *testing.T) {
	manager, _ := newTestManager(t, vbm.CreateOptions{})

	first := vbm.NewAddRequest("A", false, 4, nil)
	second := vbm.NewAddRequest("A", false, 4, nil)
	enqueueAll(t, manager, first, second)

	err := manager.Drain(context.Background())
	require.Error(t, err)
	require.NoError(t, first.Err())
	require.True(t, errors.Is(second.Err(), vbm.ErrDuplicateOwner))
	require.NoError(t, manager.Validate())
}

func TestPinnedRemoveOfWrongBufferFails(t *testing.T) {
	manager, _ := newTestManager(t, vbm.CreateOptions{})

	add := vbm.NewAddRequest("A", false, 4, fill('a', 4))
	enqueueAll(t, manager, add)
	drain(t, manager)

	descriptor, ok := add.Descriptor()
	require.True(t, ok)
	descriptor.BufferDescriptionIndex = 3

	remove := vbm.NewRemoveDescriptorRequest(descriptor)
	enqueueAll(t, manager, remove)
	require.Error(t, manager.Drain(context.Background()))
	require.True(t, errors.Is(remove.Err(), vbm.ErrAddressingInconsistency))
	require.Len(t, manager.Descriptors(false), 1)
}

func TestEnqueueRejectsInvalidRequests(t *testing.T) {
	manager, _ := newTestManager(t, vbm.CreateOptions{})

	require.True(t, errors.Is(manager.Enqueue(nil), vbm.ErrInvalidRequest))
	require.True(t, errors.Is(manager.Enqueue(vbm.NewAddRequest("", false, 1, nil)), vbm.ErrInvalidRequest))
	require.True(t, errors.Is(manager.Enqueue(vbm.NewAddRequest("A", false, 0, nil)), vbm.ErrInvalidRequest))
	require.True(t, errors.Is(manager.Enqueue(&vbm.DescriptorRequest{ID: "A", Action: vbm.ActionAdd, Count: 1}), vbm.ErrInvalidRequest))

	request := vbm.NewAddRequest("A", false, 1, nil)
	require.NoError(t, manager.Enqueue(request))
	require.True(t, errors.Is(manager.Enqueue(request), vbm.ErrInvalidRequest))
	require.Equal(t, 1, manager.PendingRequests())
}

func TestStaticAndDynamicPoolsAreSeparate(t *testing.T) {
	manager, host := newTestManager(t, vbm.CreateOptions{})

	static := vbm.NewAddRequest("A", false, 4, nil)
	dynamic := vbm.NewAddRequest("B", true, 4, nil)
	enqueueAll(t, manager, static, dynamic)
	drain(t, manager)

	staticDescriptor, _ := static.Descriptor()
	dynamicDescriptor, _ := dynamic.Descriptor()
	require.Equal(t, 0, staticDescriptor.Slot)
	require.Equal(t, 0, dynamicDescriptor.Slot)
	require.True(t, dynamicDescriptor.Dynamic)

	info, err := manager.BufferDescription(true, 0)
	require.NoError(t, err)
	isDynamic, err := host.IsDynamic(info.Handle)
	require.NoError(t, err)
	require.True(t, isDynamic)

	// A remove must name the pool the descriptor lives in
	wrongPool := vbm.NewRemoveRequest("A", true)
	enqueueAll(t, manager, wrongPool)
	require.Error(t, manager.Drain(context.Background()))
	require.True(t, errors.Is(wrongPool.Err(), vbm.ErrAddressingInconsistency))
	require.Len(t, manager.Descriptors(false), 1)
	require.Len(t, manager.Descriptors(true), 1)
}

func TestMoveBetweenPoolsInOneDrain(t *testing.T) {
	manager, _ := newTestManager(t, vbm.CreateOptions{})

	enqueueAll(t, manager,
		vbm.NewAddRequest("A", true, 4, fill('a', 4)),
		vbm.NewAddRequest("B", true, 2, fill('b', 2)),
	)
	drain(t, manager)

	remove := vbm.NewRemoveRequest("A", true)
	add := vbm.NewAddRequest("A", false, 4, fill('c', 4))
	enqueueAll(t, manager, remove, add)
	drain(t, manager)

	require.NoError(t, remove.Err())
	require.NoError(t, add.Err())

	descriptor, err := manager.Descriptor("A")
	require.NoError(t, err)
	require.False(t, descriptor.Dynamic)
	require.Equal(t, 0, descriptor.Offset)

	dynamic := manager.Descriptors(true)
	require.Len(t, dynamic, 1)
	require.Equal(t, "B", dynamic[0].ID)
	require.Equal(t, 0, dynamic[0].Offset)
}

func TestCapacityExhaustedFailsRemainingAdds(t *testing.T) {
	manager, _ := newTestManager(t, vbm.CreateOptions{
		StaticInitialCapacity: 8,
		BudgetBytes:           16,
	})

	enqueueAll(t, manager, vbm.NewAddRequest("A", false, 8, fill('a', 8)))
	drain(t, manager)

	tooBig := vbm.NewAddRequest("B", false, 16, nil)
	after := vbm.NewAddRequest("C", false, 1, nil)
	enqueueAll(t, manager, tooBig, after)
	require.Error(t, manager.Drain(context.Background()))

	require.True(t, errors.Is(tooBig.Err(), vbm.ErrCapacityExhausted))
	require.True(t, errors.Is(tooBig.Err(), vbm.ErrOutOfDeviceMemory))
	require.True(t, errors.Is(after.Err(), vbm.ErrCapacityExhausted))
	require.Equal(t, 0, manager.PendingRequests())
	require.NoError(t, manager.Validate())

	stats := manager.CalculateStatistics()
	require.Equal(t, 8, stats.Device.BufferBytes)
	require.Equal(t, 16, stats.Device.BudgetBytes)
}

func TestCapacityExhaustedRequeuesRemainingAdds(t *testing.T) {
	manager, _ := newTestManager(t, vbm.CreateOptions{
		StaticInitialCapacity: 8,
		MaxBufferElements:     8,
		MaxBackingBuffers:     1,
		RequeueFailedAdds:     true,
		MaxAddRetries:         1,
	})

	enqueueAll(t, manager, vbm.NewAddRequest("A", false, 6, nil))
	drain(t, manager)

	tooBig := vbm.NewAddRequest("B", false, 4, nil)
	after := vbm.NewAddRequest("C", false, 1, nil)
	enqueueAll(t, manager, tooBig, after)
	require.Error(t, manager.Drain(context.Background()))

	require.True(t, errors.Is(tooBig.Err(), vbm.ErrCapacityExhausted))
	require.Equal(t, vbm.StageRequested, after.Stage())
	require.Equal(t, 1, after.Retries())
	require.Equal(t, 1, manager.PendingRequests())

	// With room available the requeued add lands normally
	enqueueAll(t, manager, vbm.NewRemoveRequest("A", false))
	require.NoError(t, manager.WriteContents("A", 0, fill('a', 6)))
	drain(t, manager)

	require.NoError(t, after.Err())
	descriptor, ok := after.Descriptor()
	require.True(t, ok)
	require.Equal(t, 0, descriptor.Offset)
}

func TestDefaultCapacitiesRespectMaxBufferElements(t *testing.T) {
	manager, _ := newTestManager(t, vbm.CreateOptions{MaxBufferElements: 512})

	enqueueAll(t, manager,
		vbm.NewAddRequest("A", false, 4, nil),
		vbm.NewAddRequest("B", true, 4, nil),
	)
	drain(t, manager)

	static, err := manager.BufferDescription(false, 0)
	require.NoError(t, err)
	require.Equal(t, 512, static.Capacity)

	dynamic, err := manager.BufferDescription(true, 0)
	require.NoError(t, err)
	require.Equal(t, 512, dynamic.Capacity)

	other, err := vbm.New(slog.New(log.New(io.Discard)), vbm.NewHostDevice(), vbm.CreateOptions{
		StaticInitialCapacity: 64,
		MaxBufferElements:     512,
	})
	require.NoError(t, err)
	require.NoError(t, other.Destroy())
}

func TestMaxBufferElementsOpensNewBuffer(t *testing.T) {
	manager, _ := newTestManager(t, vbm.CreateOptions{
		DynamicInitialCapacity: 4,
		MaxBufferElements:      8,
	})

	enqueueAll(t, manager,
		vbm.NewAddRequest("A", true, 4, nil),
		vbm.NewAddRequest("B", true, 4, nil),
		vbm.NewAddRequest("C", true, 2, nil),
	)
	drain(t, manager)

	require.Equal(t, 2, manager.BufferCount(true))
	c, err := manager.Descriptor("C")
	require.NoError(t, err)
	require.Equal(t, 1, c.BufferDescriptionIndex)
	require.Equal(t, 0, c.Offset)
	require.Equal(t, 2, c.Slot)

	tooBig := vbm.NewAddRequest("D", true, 9, nil)
	enqueueAll(t, manager, tooBig)
	require.Error(t, manager.Drain(context.Background()))
	require.True(t, errors.Is(tooBig.Err(), vbm.ErrCapacityExhausted))
}

func TestTrimShrinksAndReleases(t *testing.T) {
	manager, host := newTestManager(t, vbm.CreateOptions{StaticInitialCapacity: 8})

	enqueueAll(t, manager,
		vbm.NewAddRequest("A", false, 4, fill('a', 4)),
		vbm.NewAddRequest("B", false, 4, fill('b', 4)),
		vbm.NewAddRequest("C", false, 4, fill('c', 4)),
	)
	drain(t, manager)

	info, err := manager.BufferDescription(false, 0)
	require.NoError(t, err)
	require.Equal(t, 16, info.Capacity)

	enqueueAll(t, manager, vbm.NewRemoveRequest("B", false), vbm.NewRemoveRequest("C", false))
	drain(t, manager)

	info, err = manager.BufferDescription(false, 0)
	require.NoError(t, err)
	require.Equal(t, 16, info.Capacity)

	require.NoError(t, manager.Trim())
	info, err = manager.BufferDescription(false, 0)
	require.NoError(t, err)
	require.Equal(t, 8, info.Capacity)

	contents, err := host.Bytes(info.Handle)
	require.NoError(t, err)
	require.Equal(t, fill('a', 4), contents[:4])

	enqueueAll(t, manager, vbm.NewRemoveRequest("A", false))
	drain(t, manager)
	require.NoError(t, manager.Trim())
	require.Equal(t, 0, manager.BufferCount(false))
	require.Equal(t, 0, host.BufferCount())
	require.Equal(t, 0, manager.CalculateStatistics().Device.BufferBytes)
}

func TestDrainCanceledRequeues(t *testing.T) {
	manager, _ := newTestManager(t, vbm.CreateOptions{})

	add := vbm.NewAddRequest("A", false, 4, nil)
	enqueueAll(t, manager, add)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, manager.Drain(ctx), context.Canceled)
	require.Equal(t, vbm.StageRequested, add.Stage())
	require.Equal(t, 1, manager.PendingRequests())

	drain(t, manager)
	require.NoError(t, add.Err())
}

func TestDestroyFailsQueuedRequests(t *testing.T) {
	host := vbm.NewHostDevice()
	manager, err := vbm.New(slog.New(log.New(io.Discard)), host, vbm.CreateOptions{})
	require.NoError(t, err)

	enqueueAll(t, manager, vbm.NewAddRequest("A", false, 4, nil))
	drain(t, manager)

	queued := vbm.NewAddRequest("B", false, 4, nil)
	enqueueAll(t, manager, queued)

	require.NoError(t, manager.Destroy())
	require.ErrorIs(t, queued.Err(), vbm.ErrDestroyed)
	require.Equal(t, 0, host.BufferCount())

	require.ErrorIs(t, manager.Enqueue(vbm.NewAddRequest("C", false, 1, nil)), vbm.ErrDestroyed)
	require.ErrorIs(t, manager.Drain(context.Background()), vbm.ErrDestroyed)
	require.NoError(t, manager.Destroy())
}
