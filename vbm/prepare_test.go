package vbm_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/geobuffer/vbm"
)

func TestSubmitAsyncEnqueuesAdd(t *testing.T) {
	manager, host := newTestManager(t, vbm.CreateOptions{})

	request := manager.SubmitAsync(context.Background(), "mesh", false, func(ctx context.Context) (int, []byte, error) {
		return 6, fill('m', 6), nil
	})

	require.Eventually(t, func() bool {
		return manager.PendingRequests() == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, vbm.StageRequested, request.Stage())

	drain(t, manager)
	require.NoError(t, request.Wait(context.Background()))

	descriptor, ok := request.Descriptor()
	require.True(t, ok)
	require.Equal(t, 6, descriptor.Count)
	require.True(t, descriptor.Ready)

	binding, err := manager.Binding("mesh")
	require.NoError(t, err)
	contents, err := host.Bytes(binding.Handle)
	require.NoError(t, err)
	require.Equal(t, fill('m', 6), contents[:6])
}

func TestSubmitAsyncSupersededByRemove(t *testing.T) {
	manager, _ := newTestManager(t, vbm.CreateOptions{})

	started := make(chan struct{})
	release := make(chan struct{})
	request := manager.SubmitAsync(context.Background(), "mesh", true, func(ctx context.Context) (int, []byte, error) {
		close(started)
		<-release
		return 4, nil, nil
	})

	<-started
	require.Equal(t, 1, manager.CalculateStatistics().PendingPreparations)

	remove := vbm.NewRemoveRequest("mesh", true)
	require.NoError(t, manager.Enqueue(remove))
	close(release)

	require.ErrorIs(t, request.Wait(context.Background()), vbm.ErrSuperseded)
	require.Equal(t, 1, manager.PendingRequests())

	drain(t, manager)
	require.NoError(t, remove.Err())
	require.Empty(t, manager.Descriptors(true))

	stats := manager.CalculateStatistics()
	require.Equal(t, 0, stats.PendingPreparations)
	require.Equal(t, 1, stats.RequestsSuperseded)
	require.Equal(t, 2, stats.RequestsProcessed)
}

func TestSubmitAsyncPreparationFailure(t *testing.T) {
	manager, _ := newTestManager(t, vbm.CreateOptions{})

	decodeErr := errors.New("truncated mesh file")
	request := manager.SubmitAsync(context.Background(), "mesh", false, func(ctx context.Context) (int, []byte, error) {
		return 0, nil, decodeErr
	})

	err := request.Wait(context.Background())
	require.True(t, errors.Is(err, decodeErr))
	require.Equal(t, vbm.StageProcessed, request.Stage())
	require.Equal(t, 0, manager.PendingRequests())

	stats := manager.CalculateStatistics()
	require.Equal(t, 1, stats.RequestsFailed)
	require.Equal(t, 1, stats.RequestsProcessed)
}

func TestSubmitAsyncCanceledContext(t *testing.T) {
	manager, _ := newTestManager(t, vbm.CreateOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	request := manager.SubmitAsync(ctx, "mesh", false, func(ctx context.Context) (int, []byte, error) {
		t.Error("preparation ran with a canceled context")
		return 1, nil, nil
	})

	require.ErrorIs(t, request.Wait(context.Background()), context.Canceled)
	require.Equal(t, 0, manager.PendingRequests())
}

func TestSubmitAsyncInvalidPreparation(t *testing.T) {
	manager, _ := newTestManager(t, vbm.CreateOptions{})

	request := manager.SubmitAsync(context.Background(), "mesh", false, func(ctx context.Context) (int, []byte, error) {
		return 0, nil, nil
	})

	require.True(t, errors.Is(request.Wait(context.Background()), vbm.ErrInvalidRequest))

	request = manager.SubmitAsync(context.Background(), "", false, nil)
	require.True(t, errors.Is(request.Wait(context.Background()), vbm.ErrInvalidRequest))
}

func TestConcurrentProducers(t *testing.T) {
	manager, _ := newTestManager(t, vbm.CreateOptions{
		StaticInitialCapacity:  64,
		DynamicInitialCapacity: 64,
		PrepareWorkers:         4,
	})

	const producers = 8
	const perProducer = 25

	var wg sync.WaitGroup
	requests := make(chan *vbm.DescriptorRequest, producers*perProducer)
	for producer := 0; producer < producers; producer++ {
		wg.Add(1)
		go func(dynamic bool) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				id := vbm.NewOwnerID()
				if i%2 == 0 {
					requests <- manager.SubmitAsync(context.Background(), id, dynamic, func(ctx context.Context) (int, []byte, error) {
						return 3, fill(1, 3), nil
					})
					continue
				}

				request := vbm.NewAddRequest(id, dynamic, 5, fill(2, 5))
				if err := manager.Enqueue(request); err != nil {
					t.Error(err)
					return
				}
				requests <- request
			}
		}(producer%2 == 0)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

drainLoop:
	for {
		select {
		case <-done:
			break drainLoop
		case <-ticker.C:
			require.NoError(t, manager.Drain(context.Background()))
		}
	}

	require.Eventually(t, func() bool {
		if err := manager.Drain(context.Background()); err != nil {
			return false
		}
		return manager.CalculateStatistics().PendingPreparations == 0 && manager.PendingRequests() == 0
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, manager.Validate())

	close(requests)
	for request := range requests {
		require.NoError(t, request.Wait(context.Background()))
	}

	require.Len(t, append(manager.Descriptors(false), manager.Descriptors(true)...), producers*perProducer)
}
