package vbm

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
)

// PrepareFunc produces the contents of a descriptor off the render thread, for example by
// decoding a mesh file. It returns the element count and the data to upload; data may be nil
// to reserve the range without writing it.
type PrepareFunc func(ctx context.Context) (count int, data []byte, err error)

type prepareJob struct {
	ctx        context.Context
	request    *DescriptorRequest
	prepare    PrepareFunc
	superseded bool
}

// prepareSystem is a fixed pool of workers that run PrepareFuncs and feed the results into the
// request queue as ordinary adds
type prepareSystem struct {
	manager *BufferManager
	workers int
	jobs    chan *prepareJob
	wg      sync.WaitGroup

	submitMutex sync.RWMutex
	closed      bool

	inflightMutex sync.Mutex
	inflight      map[string][]*prepareJob
}

var errNoWorkers = errors.New("attempting to create worker pool with less than 1 worker")
var errNegativeQueueSize = errors.New("attempting to create worker pool with a negative queue size")

func newPrepareSystem(manager *BufferManager, workers int, queueSize int) (*prepareSystem, error) {
	if workers <= 0 {
		return nil, errNoWorkers
	}
	if queueSize < 0 {
		return nil, errNegativeQueueSize
	}

	system := &prepareSystem{
		manager:  manager,
		workers:  workers,
		jobs:     make(chan *prepareJob, queueSize),
		inflight: make(map[string][]*prepareJob),
	}
	system.start()

	return system, nil
}

func (s *prepareSystem) start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for job := range s.jobs {
				s.run(job)
			}
		}()
	}
}

func (s *prepareSystem) run(job *prepareJob) {
	var count int
	var data []byte
	err := job.ctx.Err()
	if err == nil {
		count, data, err = job.prepare(job.ctx)
	}

	s.inflightMutex.Lock()
	defer s.inflightMutex.Unlock()

	s.forget(job)

	if job.superseded {
		s.manager.counters.requestsProcessed.Add(1)
		s.manager.counters.requestsSuperseded.Add(1)
		job.request.complete(BufferDescriptor{}, ErrSuperseded)
		return
	}

	if err != nil {
		s.manager.logger.Error("BufferManager::SubmitAsync preparation failed",
			slog.String("id", job.request.ID),
			slog.Any("error", err),
		)
		s.fail(job, errors.Wrapf(err, "failed to prepare %q", job.request.ID))
		return
	}

	job.request.Count = count
	job.request.Data = data

	// Enqueueing under inflightMutex orders this add before any remove that supersede would
	// otherwise have caught
	err = s.manager.enqueueAdd(job.request)
	if err != nil {
		s.fail(job, err)
	}
}

// fail completes a job that was accepted by submit but never reached the queue
func (s *prepareSystem) fail(job *prepareJob, err error) {
	s.manager.counters.requestsProcessed.Add(1)
	s.manager.counters.requestsFailed.Add(1)
	job.request.complete(BufferDescriptor{}, err)
}

func (s *prepareSystem) forget(job *prepareJob) {
	jobs := s.inflight[job.request.ID]
	for index, candidate := range jobs {
		if candidate == job {
			jobs = append(jobs[:index], jobs[index+1:]...)
			break
		}
	}

	if len(jobs) == 0 {
		delete(s.inflight, job.request.ID)
	} else {
		s.inflight[job.request.ID] = jobs
	}
}

func (s *prepareSystem) submit(job *prepareJob) error {
	s.submitMutex.RLock()
	defer s.submitMutex.RUnlock()

	if s.closed {
		return ErrDestroyed
	}

	s.inflightMutex.Lock()
	s.inflight[job.request.ID] = append(s.inflight[job.request.ID], job)
	s.inflightMutex.Unlock()

	select {
	case s.jobs <- job:
		return nil
	case <-job.ctx.Done():
		s.inflightMutex.Lock()
		s.forget(job)
		s.inflightMutex.Unlock()
		return job.ctx.Err()
	}
}

// supersede marks every in-flight preparation for id as superseded, then calls push while no
// preparation for id can complete
func (s *prepareSystem) supersede(id string, push func()) {
	s.inflightMutex.Lock()
	defer s.inflightMutex.Unlock()

	for _, job := range s.inflight[id] {
		job.superseded = true
	}
	push()
}

func (s *prepareSystem) pending() int {
	s.inflightMutex.Lock()
	defer s.inflightMutex.Unlock()

	var count int
	for _, jobs := range s.inflight {
		count += len(jobs)
	}
	return count
}

func (s *prepareSystem) shutdown() {
	s.submitMutex.Lock()
	if s.closed {
		s.submitMutex.Unlock()
		return
	}
	s.closed = true
	close(s.jobs)
	s.submitMutex.Unlock()

	s.wg.Wait()
}

// SubmitAsync runs prepare on a worker goroutine and enqueues an add for id with its result. The
// returned request reaches StageProcessed like any other: with the outcome of the add, with the
// error from prepare or ctx, or with ErrSuperseded if a remove for id is enqueued before prepare
// finishes. SubmitAsync blocks only while every worker is busy and the preparation queue is full.
func (m *BufferManager) SubmitAsync(ctx context.Context, id string, dynamic bool, prepare PrepareFunc) *DescriptorRequest {
	request := NewAddRequest(id, dynamic, 0, nil)

	if m.destroyed.Load() {
		request.complete(BufferDescriptor{}, ErrDestroyed)
		return request
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if id == "" || prepare == nil {
		request.complete(BufferDescriptor{}, errors.Wrap(ErrInvalidRequest, "SubmitAsync requires an owner ID and a prepare function"))
		return request
	}

	m.logger.Debug("BufferManager::SubmitAsync",
		slog.String("id", id),
		slog.Bool("dynamic", dynamic),
	)

	err := m.prepare.submit(&prepareJob{
		ctx:     ctx,
		request: request,
		prepare: prepare,
	})
	if err != nil {
		request.complete(BufferDescriptor{}, err)
	}

	return request
}

func (m *BufferManager) enqueueAdd(request *DescriptorRequest) error {
	if m.destroyed.Load() {
		return ErrDestroyed
	}

	err := request.validate()
	if err != nil {
		return err
	}

	if !request.advance(StageNone, StageRequested) {
		return errors.Wrapf(ErrInvalidRequest, "request for %q is in %s and cannot be enqueued", request.ID, request.Stage())
	}

	m.queue.push(request)
	return nil
}
