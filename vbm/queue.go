package vbm

import (
	"sync"

	"github.com/eapache/queue"
)

// requestQueue is the FIFO that producers append to. It is always internally synchronized,
// even for managers created with CreateExternallySynchronized.
type requestQueue struct {
	mutex    sync.Mutex
	requests *queue.Queue
}

func newRequestQueue() *requestQueue {
	return &requestQueue{
		requests: queue.New(),
	}
}

func (q *requestQueue) push(request *DescriptorRequest) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.requests.Add(request)
}

func (q *requestQueue) length() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	return q.requests.Length()
}

// drainAll removes and returns every queued request in FIFO order
func (q *requestQueue) drainAll() []*DescriptorRequest {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	batch := make([]*DescriptorRequest, 0, q.requests.Length())
	for q.requests.Length() > 0 {
		batch = append(batch, q.requests.Remove().(*DescriptorRequest))
	}
	return batch
}

// requeueFront puts requests back ahead of anything enqueued since the last drainAll, keeping
// their relative order
func (q *requestQueue) requeueFront(requests []*DescriptorRequest) {
	if len(requests) == 0 {
		return
	}

	q.mutex.Lock()
	defer q.mutex.Unlock()

	replacement := queue.New()
	for _, request := range requests {
		replacement.Add(request)
	}
	for q.requests.Length() > 0 {
		replacement.Add(q.requests.Remove())
	}
	q.requests = replacement
}
