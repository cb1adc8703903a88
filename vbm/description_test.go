package vbm

import (
	"io"
	"log/slog"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(log.New(io.Discard))
}

func newTestDescription(t *testing.T, host *HostDevice, capacity, maxElements int) *BufferDescription {
	description, err := newBufferDescription(discardLogger(), host, &slotAllocator{}, 0, false, 2, capacity, capacity, maxElements)
	require.NoError(t, err)
	return description
}

func elements(value byte, count int) []byte {
	data := make([]byte, count*2)
	for i := range data {
		data[i] = value
	}
	return data
}

func TestDescriptionAddAppendsAtHighWaterMark(t *testing.T) {
	host := NewHostDevice()
	description := newTestDescription(t, host, 8, 0)

	first, err := description.AddDescriptor("first", 3, elements(1, 3))
	require.NoError(t, err)
	second, err := description.AddDescriptor("second", 2, nil)
	require.NoError(t, err)

	require.Equal(t, 0, first.Offset)
	require.Equal(t, 0, first.Slot)
	require.True(t, first.Ready)
	require.Equal(t, 3, second.Offset)
	require.Equal(t, 1, second.Slot)
	require.False(t, second.Ready)

	require.Equal(t, 5, description.Used())
	require.Equal(t, 3, description.FreeElements())
	require.NoError(t, description.Validate())

	_, err = description.AddDescriptor("third", 4, nil)
	require.True(t, errors.Is(err, ErrNeedsResize))
	require.Equal(t, 2, description.DescriptorCount())

	_, err = description.AddDescriptor("fourth", 2, elements(1, 3))
	require.True(t, errors.Is(err, ErrInvalidRequest))

	_, err = description.AddDescriptor("fifth", 0, nil)
	require.True(t, errors.Is(err, ErrInvalidRequest))
}

func TestDescriptionRemoveCompacts(t *testing.T) {
	host := NewHostDevice()
	description := newTestDescription(t, host, 8, 0)

	first, err := description.AddDescriptor("first", 2, elements(1, 2))
	require.NoError(t, err)
	_, err = description.AddDescriptor("second", 3, elements(2, 3))
	require.NoError(t, err)
	_, err = description.AddDescriptor("third", 1, elements(3, 1))
	require.NoError(t, err)

	require.NoError(t, description.RemoveDescriptor(first))

	descriptors := description.Descriptors()
	require.Len(t, descriptors, 2)
	require.Equal(t, "second", descriptors[0].ID)
	require.Equal(t, 0, descriptors[0].Offset)
	require.Equal(t, 1, descriptors[0].Slot)
	require.Equal(t, "third", descriptors[1].ID)
	require.Equal(t, 3, descriptors[1].Offset)
	require.Equal(t, 2, descriptors[1].Slot)
	require.Equal(t, 4, description.Used())

	contents, err := host.Bytes(description.Handle())
	require.NoError(t, err)
	require.Equal(t, append(elements(2, 3), elements(3, 1)...), contents[:8])
	require.NoError(t, description.Validate())

	// The stale copy no longer names a live range
	require.NoError(t, description.RemoveDescriptor(first))
	require.Equal(t, 2, description.DescriptorCount())
}

func TestDescriptionGrowKeepsOffsets(t *testing.T) {
	host := NewHostDevice()
	description := newTestDescription(t, host, 4, 10)

	_, err := description.AddDescriptor("first", 4, elements(7, 4))
	require.NoError(t, err)
	oldHandle := description.Handle()

	require.NoError(t, description.Grow(6))
	require.Equal(t, 8, description.Capacity())
	require.NotEqual(t, oldHandle, description.Handle())

	require.NoError(t, description.Grow(9))
	require.Equal(t, 10, description.Capacity())

	err = description.Grow(11)
	require.True(t, errors.Is(err, ErrCapacityExhausted))
	require.Equal(t, 10, description.Capacity())

	contents, err := host.Bytes(description.Handle())
	require.NoError(t, err)
	require.Equal(t, elements(7, 4), contents[:8])
	require.Equal(t, 0, description.Descriptors()[0].Offset)
}

func TestDescriptionShrinkRoundsToInitialCapacity(t *testing.T) {
	host := NewHostDevice()
	description := newTestDescription(t, host, 4, 0)

	_, err := description.AddDescriptor("first", 3, elements(1, 3))
	require.NoError(t, err)
	require.NoError(t, description.Grow(16))
	require.Equal(t, 16, description.Capacity())

	_, err = description.AddDescriptor("second", 3, elements(2, 3))
	require.NoError(t, err)

	require.NoError(t, description.Shrink())
	require.Equal(t, 8, description.Capacity())
	require.NoError(t, description.Validate())
}

func TestDescriptionDestroyReleasesSlots(t *testing.T) {
	host := NewHostDevice()
	slots := &slotAllocator{}
	description, err := newBufferDescription(discardLogger(), host, slots, 0, true, 1, 8, 8, 0)
	require.NoError(t, err)

	_, err = description.AddDescriptor("first", 2, nil)
	require.NoError(t, err)
	require.Equal(t, 1, slots.inUse())

	require.NoError(t, description.destroy())
	require.Equal(t, 0, slots.inUse())
	require.Equal(t, 0, host.BufferCount())
	require.Equal(t, NullHandle, description.Handle())

	_, err = description.AddDescriptor("second", 1, nil)
	require.True(t, errors.Is(err, ErrAddressingInconsistency))
}
