package vbm

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// DescriptorRequest is a queued intent to add or remove a descriptor. Requests are created by
// producers on any goroutine, handed to BufferManager.Enqueue, and applied exactly once by
// BufferManager.Drain. The exported fields must not be modified after the request is enqueued.
//
// A request moves forward through StageNone, StageRequested, StageInProcess and StageProcessed
// and never moves backward. Requests that Drain applies pass through every stage. Requests that
// are superseded, fail before they are applied, or are dropped by Destroy skip StageInProcess.
// Every request that is accepted by Enqueue eventually reaches StageProcessed.
type DescriptorRequest struct {
	// ID is the owner token of the descriptor being added or removed
	ID string
	// Action is ActionAdd or ActionRemove
	Action Action
	// Dynamic selects the dynamic pool instead of the static pool
	Dynamic bool
	// Count is the number of elements to add. Unused by removes.
	Count int
	// Data is the contents to write for an add. It may be nil, in which case the range is reserved
	// and the descriptor stays unready until BufferManager.WriteContents is called. Unused by removes.
	Data []byte
	// BufferDescriptionIndex optionally pins a remove to a specific backing buffer. -1 resolves
	// the descriptor by ID alone. Unused by adds.
	BufferDescriptionIndex int

	stage   atomic.Uint32
	done    chan struct{}
	err     error
	result  BufferDescriptor
	retries int
}

// NewAddRequest creates a request that will add a descriptor of count elements for id
func NewAddRequest(id string, dynamic bool, count int, data []byte) *DescriptorRequest {
	return &DescriptorRequest{
		ID:                     id,
		Action:                 ActionAdd,
		Dynamic:                dynamic,
		Count:                  count,
		Data:                   data,
		BufferDescriptionIndex: -1,
		done:                   make(chan struct{}),
	}
}

// NewRemoveRequest creates a request that will remove the live descriptor for id
func NewRemoveRequest(id string, dynamic bool) *DescriptorRequest {
	return &DescriptorRequest{
		ID:                     id,
		Action:                 ActionRemove,
		Dynamic:                dynamic,
		BufferDescriptionIndex: -1,
		done:                   make(chan struct{}),
	}
}

// NewRemoveDescriptorRequest creates a request that will remove descriptor. The remove fails with
// ErrAddressingInconsistency if the descriptor no longer lives in the backing buffer it names.
func NewRemoveDescriptorRequest(descriptor BufferDescriptor) *DescriptorRequest {
	request := NewRemoveRequest(descriptor.ID, descriptor.Dynamic)
	request.BufferDescriptionIndex = descriptor.BufferDescriptionIndex
	return request
}

// Stage returns the stage the request has reached
func (r *DescriptorRequest) Stage() Stage {
	return Stage(r.stage.Load())
}

func (r *DescriptorRequest) advance(from, to Stage) bool {
	if to <= from {
		panic(errors.AssertionFailedf("request stages only move forward: %s -> %s", from, to))
	}
	return r.stage.CompareAndSwap(uint32(from), uint32(to))
}

// Done returns a channel that is closed once the request reaches StageProcessed
func (r *DescriptorRequest) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the request has been processed or ctx is done
func (r *DescriptorRequest) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the outcome of the request. It is nil until the request has been processed.
func (r *DescriptorRequest) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Descriptor returns a copy of the descriptor an add produced, as it was when the add was applied.
// The boolean is false for removes and for adds that did not succeed.
func (r *DescriptorRequest) Descriptor() (BufferDescriptor, bool) {
	select {
	case <-r.done:
	default:
		return BufferDescriptor{}, false
	}

	if r.Action != ActionAdd || r.err != nil {
		return BufferDescriptor{}, false
	}
	return r.result, true
}

// Retries returns the number of times the request was sent back to the queue after a pool
// ran out of capacity
func (r *DescriptorRequest) Retries() int {
	return r.retries
}

func (r *DescriptorRequest) validate() error {
	if r.done == nil {
		return errors.Wrap(ErrInvalidRequest, "requests must be created with NewAddRequest or NewRemoveRequest")
	}

	if r.ID == "" {
		return errors.Wrap(ErrInvalidRequest, "request has no owner ID")
	}

	switch r.Action {
	case ActionAdd:
		if r.Count <= 0 {
			return errors.Wrapf(ErrInvalidRequest, "add for %q must contain at least one element, got %d", r.ID, r.Count)
		}
	case ActionRemove:
		if r.BufferDescriptionIndex < -1 {
			return errors.Wrapf(ErrInvalidRequest, "remove for %q has buffer index %d", r.ID, r.BufferDescriptionIndex)
		}
	default:
		return errors.Wrapf(ErrInvalidRequest, "request for %q has unknown action %d", r.ID, r.Action)
	}

	return nil
}

// complete moves the request to StageProcessed from whichever stage it is in. It returns false
// if the request had already been processed.
func (r *DescriptorRequest) complete(result BufferDescriptor, err error) bool {
	for {
		current := r.Stage()
		if current == StageProcessed {
			return false
		}

		if r.advance(current, StageProcessed) {
			break
		}
	}

	r.result = result
	r.err = err
	close(r.done)
	return true
}

// Process applies the request to manager. It must only be called from the drain context, which is
// where BufferManager.Drain calls it; the request must already be in StageRequested.
func (r *DescriptorRequest) Process(manager *BufferManager) error {
	if !r.advance(StageRequested, StageInProcess) {
		return errors.Wrapf(ErrInvalidRequest, "request for %q is in %s, expected %s", r.ID, r.Stage(), StageRequested)
	}

	manager.logger.Debug("DescriptorRequest::Process",
		slog.String("id", r.ID),
		slog.String("action", r.Action.String()),
		slog.Bool("dynamic", r.Dynamic),
	)

	var result BufferDescriptor
	var err error

	switch r.Action {
	case ActionAdd:
		result, err = manager.applyAdd(r)
	case ActionRemove:
		err = manager.applyRemove(r)
	default:
		err = errors.Wrapf(ErrInvalidRequest, "unknown action %d", r.Action)
	}

	r.complete(result, err)
	return err
}
