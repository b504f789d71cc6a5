package threading

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/duplex-sdk-go/pkg/logging"
)

type recordingPoolMetrics struct {
	started   atomic.Int32
	stopped   atomic.Int32
	queued    atomic.Int32
	completed atomic.Int32
	panicked  atomic.Int32
}

func (m *recordingPoolMetrics) WorkerStarted(string)                { m.started.Add(1) }
func (m *recordingPoolMetrics) WorkerStopped(string)                { m.stopped.Add(1) }
func (m *recordingPoolMetrics) TaskQueued(string)                   { m.queued.Add(1) }
func (m *recordingPoolMetrics) TaskCompleted(string, time.Duration) { m.completed.Add(1) }
func (m *recordingPoolMetrics) TaskPanicked(string)                 { m.panicked.Add(1) }

func TestThreadPoolRunsEveryTask(t *testing.T) {
	pool := NewThreadPool(0, 4, time.Second, WithPoolLogger(logging.NewNop()))

	const n = 200
	var wg sync.WaitGroup
	var ran atomic.Int32
	wg.Add(n)
	for i := 0; i < n; i++ {
		pool.Execute(func() {
			defer wg.Done()
			ran.Add(1)
		})
	}
	wg.Wait()

	assert.Equal(t, int32(n), ran.Load())
	assert.LessOrEqual(t, pool.LiveWorkers(), 4)
}

func TestThreadPoolNeverExceedsMaxWorkers(t *testing.T) {
	const maxWorkers = 3
	pool := NewThreadPool(0, maxWorkers, time.Second, WithPoolLogger(logging.NewNop()))

	gate := make(chan struct{})
	var running, peak atomic.Int32
	var wg sync.WaitGroup

	const n = 20
	wg.Add(n)
	for i := 0; i < n; i++ {
		pool.Execute(func() {
			defer wg.Done()
			cur := running.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			<-gate
			running.Add(-1)
		})
	}

	require.Eventually(t, func() bool { return running.Load() == maxWorkers }, time.Second, 5*time.Millisecond)
	assert.Equal(t, maxWorkers, pool.LiveWorkers())
	assert.Equal(t, n-maxWorkers, pool.QueuedTasks())

	close(gate)
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(maxWorkers))
}

func TestThreadPoolShrinksToMinWorkers(t *testing.T) {
	mock := clock.NewMock()
	metrics := &recordingPoolMetrics{}
	pool := NewThreadPool(1, 4, time.Second,
		WithPoolClock(mock),
		WithPoolMetrics(metrics),
		WithPoolLogger(logging.NewNop()),
	)

	gate := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(4)
	for i := 0; i < 4; i++ {
		pool.Execute(func() {
			defer wg.Done()
			<-gate
		})
	}
	require.Eventually(t, func() bool { return pool.LiveWorkers() == 4 }, time.Second, 5*time.Millisecond)

	close(gate)
	wg.Wait()

	// Every worker has armed its idle timer once it is counted idle.
	require.Eventually(t, func() bool { return pool.IdleWorkers() == 4 }, time.Second, 5*time.Millisecond)

	mock.Add(500 * time.Millisecond)
	assert.Equal(t, 4, pool.LiveWorkers(), "workers must not exit before the idle timeout")

	mock.Add(500 * time.Millisecond)
	require.Eventually(t, func() bool { return pool.LiveWorkers() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), metrics.stopped.Load())

	// The surviving worker still serves tasks.
	done := make(chan struct{})
	pool.Execute(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task was not executed by the remaining worker")
	}
	assert.Equal(t, 1, pool.LiveWorkers())
}

func TestThreadPoolSingleWorkerExitsAfterIdle(t *testing.T) {
	pool := NewThreadPool(0, 1, 100*time.Millisecond, WithPoolLogger(logging.NewNop()))

	done := make(chan struct{})
	pool.Execute(func() { close(done) })
	<-done

	assert.Equal(t, 1, pool.LiveWorkers())
	require.Eventually(t, func() bool { return pool.LiveWorkers() == 0 }, time.Second, 10*time.Millisecond)

	// A new task starts a fresh worker.
	again := make(chan struct{})
	pool.Execute(func() { close(again) })
	select {
	case <-again:
	case <-time.After(time.Second):
		t.Fatal("task was not executed after the pool shrank to zero")
	}
}

func TestThreadPoolRecoversTaskPanics(t *testing.T) {
	metrics := &recordingPoolMetrics{}
	pool := NewThreadPool(0, 1, time.Second,
		WithPoolMetrics(metrics),
		WithPoolLogger(logging.NewNop()),
	)

	pool.Execute(func() { panic("boom") })

	done := make(chan struct{})
	pool.Execute(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool stopped serving tasks after a panic")
	}

	require.Eventually(t, func() bool { return metrics.completed.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), metrics.panicked.Load())
	assert.Equal(t, int32(2), metrics.queued.Load())
	assert.Equal(t, int32(1), metrics.started.Load())
}

func TestThreadPoolIgnoresNilTask(t *testing.T) {
	pool := NewThreadPool(0, 1, time.Second, WithPoolLogger(logging.NewNop()))
	pool.Execute(nil)
	assert.Equal(t, 0, pool.LiveWorkers())
	assert.Equal(t, 0, pool.QueuedTasks())
}

func TestNewThreadPoolFromConfig(t *testing.T) {
	pool := NewThreadPoolFromConfig(ThreadPoolConfig{MinWorkers: 2, MaxWorkers: 1, IdleTimeout: 0})
	assert.Equal(t, 2, pool.minWorkers)
	assert.Equal(t, 2, pool.maxWorkers, "max is raised to min")
	assert.Equal(t, DefaultIdleTimeout, pool.idleTimeout)
}

func TestDefaultPoolsAreDistinct(t *testing.T) {
	assert.NotSame(t, DefaultWaitingPool(), DefaultTickPool())
	assert.Same(t, DefaultPool(), DefaultPool())
}
