package vbm

import "github.com/cockroachdb/errors"

var (
	// ErrAddressingInconsistency is returned when a request references a backing buffer or descriptor
	// that does not match the live state of the manager. It is never retried.
	ErrAddressingInconsistency = errors.New("request does not match live buffer state")
	// ErrCapacityExhausted is returned when a backing buffer could not be created or grown
	ErrCapacityExhausted = errors.New("buffer capacity exhausted")
	// ErrNeedsResize is returned from BufferDescription.AddDescriptor when the buffer does not have
	// enough room at its tail. The buffer is left unchanged.
	ErrNeedsResize = errors.New("buffer must be resized to fit descriptor")
	// ErrSuperseded completes an Add whose owner was removed before the Add could land
	ErrSuperseded = errors.New("request superseded by a later remove")
	// ErrDuplicateOwner is returned when an Add names an owner that already has a live descriptor
	ErrDuplicateOwner = errors.New("owner already has a live descriptor")
	// ErrUnknownOwner is returned when a query or contents write names an owner without a live descriptor
	ErrUnknownOwner = errors.New("owner has no live descriptor")
	// ErrNotReady is returned when binding a descriptor whose contents have never been written
	ErrNotReady = errors.New("descriptor contents have not been written")
	// ErrDrainInProgress is returned when Drain is called while another drain is running
	ErrDrainInProgress = errors.New("a drain is already in progress")
	// ErrInvalidRequest is returned when a request is malformed or enqueued twice
	ErrInvalidRequest = errors.New("invalid descriptor request")
	// ErrOutOfDeviceMemory is returned when a buffer operation would exceed the configured byte budget
	ErrOutOfDeviceMemory = errors.New("out of device memory")
	// ErrDestroyed is returned by every operation on a manager after Destroy
	ErrDestroyed = errors.New("buffer manager has been destroyed")
)
