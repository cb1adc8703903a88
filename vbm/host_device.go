package vbm

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
)

type hostBuffer struct {
	data    []byte
	dynamic bool
}

// HostDeviceCounters reports how many times each Device method has succeeded on a HostDevice
type HostDeviceCounters struct {
	Creates  int
	Resizes  int
	Writes   int
	Copies   int
	Destroys int
}

// HostDevice is a Device backed by ordinary Go byte slices. It is useful for headless tools,
// servers that stage geometry before handing it to a renderer, and tests.
type HostDevice struct {
	// MaxBufferBytes, when positive, causes CreateBuffer and ResizeBuffer to fail with
	// ErrOutOfDeviceMemory for any buffer larger than this
	MaxBufferBytes int

	mutex      sync.Mutex
	nextHandle BufferHandle
	buffers    *swiss.Map[BufferHandle, *hostBuffer]
	counters   HostDeviceCounters
}

var _ Device = &HostDevice{}

func NewHostDevice() *HostDevice {
	return &HostDevice{
		nextHandle: 1,
		buffers:    swiss.NewMap[BufferHandle, *hostBuffer](8),
	}
}

func (d *HostDevice) checkSize(size int) error {
	if size <= 0 {
		return errors.Newf("buffer size must be positive, got %d", size)
	}
	if d.MaxBufferBytes > 0 && size > d.MaxBufferBytes {
		return errors.Wrapf(ErrOutOfDeviceMemory, "%d bytes exceeds the host device limit of %d", size, d.MaxBufferBytes)
	}
	return nil
}

func (d *HostDevice) buffer(handle BufferHandle) (*hostBuffer, error) {
	buffer, ok := d.buffers.Get(handle)
	if !ok {
		return nil, errors.Newf("host buffer %d does not exist", handle)
	}
	return buffer, nil
}

func (d *HostDevice) CreateBuffer(sizeInBytes int, dynamic bool) (BufferHandle, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	err := d.checkSize(sizeInBytes)
	if err != nil {
		return NullHandle, err
	}

	handle := d.nextHandle
	d.nextHandle++
	d.buffers.Put(handle, &hostBuffer{
		data:    make([]byte, sizeInBytes),
		dynamic: dynamic,
	})
	d.counters.Creates++

	return handle, nil
}

func (d *HostDevice) ResizeBuffer(handle BufferHandle, newSizeInBytes int) (BufferHandle, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	old, err := d.buffer(handle)
	if err != nil {
		return NullHandle, err
	}

	err = d.checkSize(newSizeInBytes)
	if err != nil {
		return NullHandle, err
	}

	data := make([]byte, newSizeInBytes)
	copy(data, old.data)

	// Reallocation always issues a new handle, like a native reallocate-and-copy
	newHandle := d.nextHandle
	d.nextHandle++
	d.buffers.Delete(handle)
	d.buffers.Put(newHandle, &hostBuffer{
		data:    data,
		dynamic: old.dynamic,
	})
	d.counters.Resizes++

	return newHandle, nil
}

func (d *HostDevice) WriteBuffer(handle BufferHandle, offsetInBytes int, data []byte) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	buffer, err := d.buffer(handle)
	if err != nil {
		return err
	}

	if offsetInBytes < 0 || offsetInBytes+len(data) > len(buffer.data) {
		return errors.Newf("write of %d bytes at %d overruns host buffer %d of %d bytes", len(data), offsetInBytes, handle, len(buffer.data))
	}

	copy(buffer.data[offsetInBytes:], data)
	d.counters.Writes++
	return nil
}

func (d *HostDevice) CopyBuffer(handle BufferHandle, srcOffsetInBytes, dstOffsetInBytes, sizeInBytes int) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	buffer, err := d.buffer(handle)
	if err != nil {
		return err
	}

	if srcOffsetInBytes < 0 || dstOffsetInBytes < 0 || sizeInBytes < 0 ||
		srcOffsetInBytes+sizeInBytes > len(buffer.data) || dstOffsetInBytes+sizeInBytes > len(buffer.data) {
		return errors.Newf("copy of %d bytes from %d to %d overruns host buffer %d of %d bytes", sizeInBytes, srcOffsetInBytes, dstOffsetInBytes, handle, len(buffer.data))
	}

	// copy has memmove semantics
	copy(buffer.data[dstOffsetInBytes:dstOffsetInBytes+sizeInBytes], buffer.data[srcOffsetInBytes:srcOffsetInBytes+sizeInBytes])
	d.counters.Copies++
	return nil
}

func (d *HostDevice) DestroyBuffer(handle BufferHandle) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	_, err := d.buffer(handle)
	if err != nil {
		return err
	}

	d.buffers.Delete(handle)
	d.counters.Destroys++
	return nil
}

// Bytes returns a copy of the current contents of a host buffer
func (d *HostDevice) Bytes(handle BufferHandle) ([]byte, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	buffer, err := d.buffer(handle)
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(buffer.data))
	copy(out, buffer.data)
	return out, nil
}

// IsDynamic reports the dynamic flag a host buffer was created with
func (d *HostDevice) IsDynamic(handle BufferHandle) (bool, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	buffer, err := d.buffer(handle)
	if err != nil {
		return false, err
	}
	return buffer.dynamic, nil
}

// BufferCount returns the number of live host buffers
func (d *HostDevice) BufferCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.buffers.Count()
}

// Counters returns how many times each Device method has been called
func (d *HostDevice) Counters() HostDeviceCounters {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.counters
}
