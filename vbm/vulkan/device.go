package vulkan

import (
	"log/slog"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/geobuffer/memutils"
	"github.com/vkngwrapper/geobuffer/vbm"
)

const defaultUsage = core1_0.BufferUsageVertexBuffer | core1_0.BufferUsageIndexBuffer |
	core1_0.BufferUsageTransferSrc | core1_0.BufferUsageTransferDst

// CreateOptions contains optional settings when creating a Device. It is valid to leave every
// field blank.
type CreateOptions struct {
	// AllocationCallbacks is passed to every buffer and memory call
	AllocationCallbacks *driver.AllocationCallbacks
	// Usage is the usage of every backing buffer. Defaults to vertex, index, and transfer usage.
	Usage core1_0.BufferUsageFlags
}

type nativeBuffer struct {
	buffer         core1_0.Buffer
	memory         core1_0.DeviceMemory
	size           int
	allocationSize int
	memoryType     int
	dynamic        bool
	coherent       bool
	mapped         unsafe.Pointer
}

func (b *nativeBuffer) bytes() []byte {
	return unsafe.Slice((*byte)(b.mapped), b.size)
}

// Device is a vbm.Device that places each backing buffer in its own dedicated, persistently
// mapped host-visible allocation. Writes and compaction copies are performed through the mapping,
// so no command buffers are recorded; non-coherent memory is flushed after every change.
type Device struct {
	logger    *slog.Logger
	device    core1_0.Device
	callbacks *driver.AllocationCallbacks
	usage     core1_0.BufferUsageFlags

	memoryProperties    *core1_0.PhysicalDeviceMemoryProperties
	nonCoherentAtomSize int

	mutex      sync.Mutex
	nextHandle vbm.BufferHandle
	buffers    *swiss.Map[vbm.BufferHandle, *nativeBuffer]
}

var _ vbm.Device = &Device{}

// New creates a Device that allocates from device, which must have been created from
// physicalDevice
func New(logger *slog.Logger, physicalDevice core1_0.PhysicalDevice, device core1_0.Device, options CreateOptions) (*Device, error) {
	if logger == nil {
		return nil, errors.New("attempted to create a vulkan device without a logger")
	}

	properties, err := physicalDevice.Properties()
	if err != nil {
		return nil, err
	}

	err = memutils.CheckPow2(properties.Limits.NonCoherentAtomSize, "device nonCoherentAtomSize")
	if err != nil {
		return nil, err
	}

	usage := options.Usage
	if usage == 0 {
		usage = defaultUsage
	}

	return &Device{
		logger:    logger,
		device:    device,
		callbacks: options.AllocationCallbacks,
		usage:     usage,

		memoryProperties:    physicalDevice.MemoryProperties(),
		nonCoherentAtomSize: max(properties.Limits.NonCoherentAtomSize, 1),

		nextHandle: 1,
		buffers:    swiss.NewMap[vbm.BufferHandle, *nativeBuffer](8),
	}, nil
}

func (d *Device) lookup(handle vbm.BufferHandle) (*nativeBuffer, error) {
	buffer, ok := d.buffers.Get(handle)
	if !ok {
		return nil, errors.Newf("vulkan buffer %d does not exist", handle)
	}
	return buffer, nil
}

func (d *Device) createNative(sizeInBytes int, dynamic bool) (native *nativeBuffer, err error) {
	if sizeInBytes <= 0 {
		return nil, errors.Newf("buffer size must be positive, got %d", sizeInBytes)
	}

	buffer, _, err := d.device.CreateBuffer(d.callbacks, core1_0.BufferCreateInfo{
		Size:        sizeInBytes,
		Usage:       d.usage,
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create a %d byte vulkan buffer", sizeInBytes)
	}
	defer func() {
		if err != nil {
			buffer.Destroy(d.callbacks)
		}
	}()

	requirements := buffer.MemoryRequirements()
	memoryType, err := findMemoryType(d.memoryProperties, requirements.MemoryTypeBits, dynamic)
	if err != nil {
		return nil, err
	}

	memory, result, err := d.device.AllocateMemory(d.callbacks, core1_0.MemoryAllocateInfo{
		AllocationSize:  requirements.Size,
		MemoryTypeIndex: memoryType,
	})
	if err != nil {
		if result == core1_0.VKErrorOutOfDeviceMemory || result == core1_0.VKErrorOutOfHostMemory {
			return nil, errors.Mark(errors.Wrapf(err, "failed to allocate %d bytes from memory type %d", requirements.Size, memoryType), vbm.ErrOutOfDeviceMemory)
		}
		return nil, errors.Wrapf(err, "failed to allocate %d bytes from memory type %d", requirements.Size, memoryType)
	}
	defer func() {
		if err != nil {
			memory.Free(d.callbacks)
		}
	}()

	_, err = buffer.BindBufferMemory(memory, 0)
	if err != nil {
		return nil, errors.Wrap(err, "failed to bind vulkan buffer memory")
	}

	mapped, _, err := memory.Map(0, -1, 0)
	if err != nil {
		return nil, errors.Wrap(err, "failed to map vulkan buffer memory")
	}

	return &nativeBuffer{
		buffer:         buffer,
		memory:         memory,
		size:           sizeInBytes,
		allocationSize: requirements.Size,
		memoryType:     memoryType,
		dynamic:        dynamic,
		coherent:       d.memoryProperties.MemoryTypes[memoryType].PropertyFlags&core1_0.MemoryPropertyHostCoherent != 0,
		mapped:         mapped,
	}, nil
}

func (d *Device) destroyNative(native *nativeBuffer) {
	native.memory.Unmap()
	native.mapped = nil
	native.buffer.Destroy(d.callbacks)
	native.memory.Free(d.callbacks)
}

// flush makes a written range visible to the device. Coherent memory needs nothing.
func (d *Device) flush(native *nativeBuffer, offset, size int) error {
	if native.coherent || size <= 0 {
		return nil
	}

	atom := uint(d.nonCoherentAtomSize)
	start := memutils.AlignDown(offset, atom)
	end := min(memutils.AlignUp(offset+size, atom), native.allocationSize)

	_, err := d.device.FlushMappedMemoryRanges([]core1_0.MappedMemoryRange{
		{
			Memory: native.memory,
			Offset: start,
			Size:   end - start,
		},
	})
	if err != nil {
		return errors.Wrapf(err, "failed to flush %d bytes at %d", end-start, start)
	}
	return nil
}

func (d *Device) CreateBuffer(sizeInBytes int, dynamic bool) (vbm.BufferHandle, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	native, err := d.createNative(sizeInBytes, dynamic)
	if err != nil {
		return vbm.NullHandle, err
	}

	handle := d.nextHandle
	d.nextHandle++
	d.buffers.Put(handle, native)

	d.logger.Debug("vulkan.Device::CreateBuffer",
		slog.Uint64("handle", uint64(handle)),
		slog.Int("bytes", sizeInBytes),
		slog.Bool("dynamic", dynamic),
		slog.Int("memoryType", native.memoryType),
	)

	return handle, nil
}

func (d *Device) ResizeBuffer(handle vbm.BufferHandle, newSizeInBytes int) (vbm.BufferHandle, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	old, err := d.lookup(handle)
	if err != nil {
		return vbm.NullHandle, err
	}

	native, err := d.createNative(newSizeInBytes, old.dynamic)
	if err != nil {
		return vbm.NullHandle, err
	}

	copied := copy(native.bytes(), old.bytes())
	err = d.flush(native, 0, copied)
	if err != nil {
		d.destroyNative(native)
		return vbm.NullHandle, err
	}

	d.destroyNative(old)
	d.buffers.Delete(handle)

	newHandle := d.nextHandle
	d.nextHandle++
	d.buffers.Put(newHandle, native)

	d.logger.Debug("vulkan.Device::ResizeBuffer",
		slog.Uint64("from", uint64(handle)),
		slog.Uint64("to", uint64(newHandle)),
		slog.Int("bytes", newSizeInBytes),
	)

	return newHandle, nil
}

func (d *Device) WriteBuffer(handle vbm.BufferHandle, offsetInBytes int, data []byte) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	native, err := d.lookup(handle)
	if err != nil {
		return err
	}

	err = memutils.CheckRange(offsetInBytes, len(data), native.size)
	if err != nil {
		return errors.Wrapf(err, "write to vulkan buffer %d", handle)
	}

	copy(native.bytes()[offsetInBytes:], data)
	return d.flush(native, offsetInBytes, len(data))
}

func (d *Device) CopyBuffer(handle vbm.BufferHandle, srcOffsetInBytes, dstOffsetInBytes, sizeInBytes int) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	native, err := d.lookup(handle)
	if err != nil {
		return err
	}

	err = errors.CombineErrors(
		memutils.CheckRange(srcOffsetInBytes, sizeInBytes, native.size),
		memutils.CheckRange(dstOffsetInBytes, sizeInBytes, native.size),
	)
	if err != nil {
		return errors.Wrapf(err, "copy within vulkan buffer %d", handle)
	}

	contents := native.bytes()
	copy(contents[dstOffsetInBytes:dstOffsetInBytes+sizeInBytes], contents[srcOffsetInBytes:srcOffsetInBytes+sizeInBytes])
	return d.flush(native, dstOffsetInBytes, sizeInBytes)
}

func (d *Device) DestroyBuffer(handle vbm.BufferHandle) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	native, err := d.lookup(handle)
	if err != nil {
		return err
	}

	d.destroyNative(native)
	d.buffers.Delete(handle)
	return nil
}

// Buffer returns the Vulkan buffer behind a handle, for binding in command buffers
func (d *Device) Buffer(handle vbm.BufferHandle) (core1_0.Buffer, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	native, err := d.lookup(handle)
	if err != nil {
		return nil, err
	}
	return native.buffer, nil
}

// Destroy releases every buffer that is still alive
func (d *Device) Destroy() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.buffers.Iter(func(handle vbm.BufferHandle, native *nativeBuffer) bool {
		d.destroyNative(native)
		return false
	})
	d.buffers.Clear()
}
