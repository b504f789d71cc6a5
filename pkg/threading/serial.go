package threading

import (
	"runtime/debug"
	"sync"

	"github.com/ajitpratap0/duplex-sdk-go/pkg/logging"
)

// SerialQueue runs tasks one at a time in enqueue order. A drain loop is
// scheduled on the pool whenever the queue goes from empty to non-empty and
// returns once the queue is empty again.
type SerialQueue struct {
	pool   Executor
	logger logging.Logger

	mu      sync.Mutex
	queue   []func()
	running bool
}

// NewSerialQueue creates a queue draining on pool (DefaultPool when nil)
func NewSerialQueue(pool Executor, logger logging.Logger) *SerialQueue {
	if pool == nil {
		pool = DefaultPool()
	}
	if logger == nil {
		logger = logging.Component("SerialQueue")
	}
	return &SerialQueue{
		pool:   pool,
		logger: logger,
	}
}

// Enqueue appends task to the queue
func (q *SerialQueue) Enqueue(task func()) {
	if task == nil {
		return
	}

	q.mu.Lock()
	q.queue = append(q.queue, task)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	q.pool.Execute(q.drain)
}

// Len returns the number of tasks waiting to run
func (q *SerialQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

func (q *SerialQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.queue) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		task := q.queue[0]
		q.queue[0] = nil
		q.queue = q.queue[1:]
		q.mu.Unlock()

		q.run(task)
	}
}

func (q *SerialQueue) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("queued task panicked",
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
			)
		}
	}()
	task()
}
