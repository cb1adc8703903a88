package vbm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
)

// BufferHandle identifies a native buffer owned by a Device. The zero value is never a valid handle.
type BufferHandle uint64

// NullHandle is the handle of a BufferDescription whose native buffer has been destroyed
const NullHandle BufferHandle = 0

// Device is the native graphics layer the manager allocates from. Every size and offset is
// in bytes. Methods are only ever called from the drain context, or from Trim and Destroy.
type Device interface {
	// CreateBuffer creates a native buffer of the given size. Dynamic buffers receive frequent
	// contents writes and may be placed in a different kind of memory.
	CreateBuffer(sizeInBytes int, dynamic bool) (BufferHandle, error)
	// ResizeBuffer reallocates a native buffer, preserving the contents that fit in the new size.
	// The returned handle replaces the old one, which must not be used again.
	ResizeBuffer(handle BufferHandle, newSizeInBytes int) (BufferHandle, error)
	// WriteBuffer uploads data into a native buffer
	WriteBuffer(handle BufferHandle, offsetInBytes int, data []byte) error
	// CopyBuffer copies a range of a native buffer to another offset in the same buffer. The source
	// and destination ranges may overlap.
	CopyBuffer(handle BufferHandle, srcOffsetInBytes, dstOffsetInBytes, sizeInBytes int) error
	// DestroyBuffer releases a native buffer
	DestroyBuffer(handle BufferHandle) error
}

// DeviceStatistics describes the native buffers currently alive through a manager
type DeviceStatistics struct {
	BufferCount int
	BufferBytes int
	// BudgetBytes is the configured byte budget, or 0 when no budget is enforced
	BudgetBytes int
}

// budgetDevice tracks every live native buffer created through it and refuses to exceed
// a byte budget. Counters are atomic so statistics can be read while a drain is running.
type budgetDevice struct {
	device Device
	budget int64

	bufferCount atomic.Int32
	bufferBytes atomic.Int64

	sizeMutex sync.Mutex
	sizes     *swiss.Map[BufferHandle, int]
}

func newBudgetDevice(device Device, budgetBytes int) *budgetDevice {
	return &budgetDevice{
		device: device,
		budget: int64(budgetBytes),
		sizes:  swiss.NewMap[BufferHandle, int](8),
	}
}

var _ Device = &budgetDevice{}

func (d *budgetDevice) reserve(size int) error {
	if d.budget <= 0 {
		d.bufferBytes.Add(int64(size))
		return nil
	}

	for {
		currentVal := d.bufferBytes.Load()
		targetVal := currentVal + int64(size)

		if targetVal > d.budget {
			return errors.Mark(
				errors.Wrapf(ErrOutOfDeviceMemory, "%d more bytes would exceed the budget of %d bytes (%d in use)", size, d.budget, currentVal),
				ErrCapacityExhausted,
			)
		}

		if d.bufferBytes.CompareAndSwap(currentVal, targetVal) {
			return nil
		}
	}
}

func (d *budgetDevice) release(size int) {
	newVal := d.bufferBytes.Add(int64(-size))
	if newVal < 0 {
		panic(fmt.Sprintf("buffer bytes went negative after releasing %d bytes", size))
	}
}

func (d *budgetDevice) sizeOf(handle BufferHandle) (int, error) {
	d.sizeMutex.Lock()
	defer d.sizeMutex.Unlock()

	size, ok := d.sizes.Get(handle)
	if !ok {
		return 0, errors.Wrapf(ErrAddressingInconsistency, "native buffer %d is not alive", handle)
	}
	return size, nil
}

func (d *budgetDevice) CreateBuffer(sizeInBytes int, dynamic bool) (BufferHandle, error) {
	err := d.reserve(sizeInBytes)
	if err != nil {
		return NullHandle, err
	}

	handle, err := d.device.CreateBuffer(sizeInBytes, dynamic)
	if err != nil {
		d.release(sizeInBytes)
		return NullHandle, errors.Mark(errors.Wrapf(err, "failed to create a native buffer of %d bytes", sizeInBytes), ErrCapacityExhausted)
	}

	d.sizeMutex.Lock()
	d.sizes.Put(handle, sizeInBytes)
	d.sizeMutex.Unlock()

	d.bufferCount.Add(1)
	return handle, nil
}

func (d *budgetDevice) ResizeBuffer(handle BufferHandle, newSizeInBytes int) (BufferHandle, error) {
	oldSize, err := d.sizeOf(handle)
	if err != nil {
		return NullHandle, err
	}

	delta := newSizeInBytes - oldSize
	if delta > 0 {
		err = d.reserve(delta)
		if err != nil {
			return NullHandle, err
		}
	}

	newHandle, err := d.device.ResizeBuffer(handle, newSizeInBytes)
	if err != nil {
		if delta > 0 {
			d.release(delta)
		}
		return NullHandle, errors.Mark(errors.Wrapf(err, "failed to resize native buffer %d from %d to %d bytes", handle, oldSize, newSizeInBytes), ErrCapacityExhausted)
	}

	if delta < 0 {
		d.release(-delta)
	}

	d.sizeMutex.Lock()
	d.sizes.Delete(handle)
	d.sizes.Put(newHandle, newSizeInBytes)
	d.sizeMutex.Unlock()

	return newHandle, nil
}

func (d *budgetDevice) WriteBuffer(handle BufferHandle, offsetInBytes int, data []byte) error {
	err := d.device.WriteBuffer(handle, offsetInBytes, data)
	if err != nil {
		return errors.Wrapf(err, "failed to write %d bytes to native buffer %d at %d", len(data), handle, offsetInBytes)
	}
	return nil
}

func (d *budgetDevice) CopyBuffer(handle BufferHandle, srcOffsetInBytes, dstOffsetInBytes, sizeInBytes int) error {
	err := d.device.CopyBuffer(handle, srcOffsetInBytes, dstOffsetInBytes, sizeInBytes)
	if err != nil {
		return errors.Wrapf(err, "failed to copy %d bytes within native buffer %d", sizeInBytes, handle)
	}
	return nil
}

func (d *budgetDevice) DestroyBuffer(handle BufferHandle) error {
	size, err := d.sizeOf(handle)
	if err != nil {
		return err
	}

	err = d.device.DestroyBuffer(handle)
	if err != nil {
		return errors.Wrapf(err, "failed to destroy native buffer %d", handle)
	}

	d.sizeMutex.Lock()
	d.sizes.Delete(handle)
	d.sizeMutex.Unlock()

	d.release(size)
	newCount := d.bufferCount.Add(-1)
	if newCount < 0 {
		panic("native buffer count went negative")
	}

	return nil
}

func (d *budgetDevice) Statistics() DeviceStatistics {
	budget := int(d.budget)
	if budget < 0 {
		budget = 0
	}

	return DeviceStatistics{
		BufferCount: int(d.bufferCount.Load()),
		BufferBytes: int(d.bufferBytes.Load()),
		BudgetBytes: budget,
	}
}
