// Package threading provides the scalable worker pool that backs asynchronous
// delivery, the rescheduling Timer, and the dispatching strategies used by
// duplex channels to raise their events.
package threading

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ajitpratap0/duplex-sdk-go/pkg/logging"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/observability"
)

// DefaultIdleTimeout is used when a pool is created with a non-positive idle timeout
const DefaultIdleTimeout = 5 * time.Second

// Executor runs tasks asynchronously
type Executor interface {
	Execute(task func())
}

// ThreadPoolConfig holds the sizing of a ThreadPool
type ThreadPoolConfig struct {
	MinWorkers  int           `json:"min_workers" yaml:"min_workers"`
	MaxWorkers  int           `json:"max_workers" yaml:"max_workers"`
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// PoolOption configures a ThreadPool
type PoolOption func(*ThreadPool)

// WithPoolLogger sets the logger used for worker lifecycle and task panics
func WithPoolLogger(logger logging.Logger) PoolOption {
	return func(p *ThreadPool) {
		p.logger = logger
	}
}

// WithPoolMetrics sets the metrics sink
func WithPoolMetrics(metrics observability.PoolMetrics) PoolOption {
	return func(p *ThreadPool) {
		p.metrics = metrics
	}
}

// WithPoolClock sets the clock used for idle timeouts
func WithPoolClock(c clock.Clock) PoolOption {
	return func(p *ThreadPool) {
		p.clock = c
	}
}

// WithPoolName sets the name reported in logs and metrics
func WithPoolName(name string) PoolOption {
	return func(p *ThreadPool) {
		p.name = name
	}
}

// ThreadPool is a FIFO task queue served by a number of workers that grows on
// demand up to maxWorkers and shrinks back to minWorkers once workers stay
// idle for longer than the idle timeout.
type ThreadPool struct {
	name        string
	minWorkers  int
	maxWorkers  int
	idleTimeout time.Duration

	mu    sync.Mutex
	queue []func()
	live  int
	idle  int

	// wake carries at most one pending wake-up for idle workers. A worker
	// that dequeues while more work and more idle workers remain passes it on.
	wake chan struct{}

	clock   clock.Clock
	logger  logging.Logger
	metrics observability.PoolMetrics
}

// NewThreadPool creates a pool. maxWorkers <= 0 means unbounded. No worker is
// started until the first task arrives.
func NewThreadPool(minWorkers, maxWorkers int, idleTimeout time.Duration, opts ...PoolOption) *ThreadPool {
	if minWorkers < 0 {
		minWorkers = 0
	}
	if maxWorkers > 0 && maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}

	p := &ThreadPool{
		name:        "pool",
		minWorkers:  minWorkers,
		maxWorkers:  maxWorkers,
		idleTimeout: idleTimeout,
		wake:        make(chan struct{}, 1),
		clock:       clock.New(),
		metrics:     observability.NopMetrics{},
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.logger == nil {
		p.logger = logging.Component("ThreadPool")
	}
	p.logger = p.logger.WithFields(logging.String("pool", p.name))

	return p
}

// NewThreadPoolFromConfig creates a pool from its configuration block
func NewThreadPoolFromConfig(cfg ThreadPoolConfig, opts ...PoolOption) *ThreadPool {
	return NewThreadPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout, opts...)
}

// Execute queues task and returns without waiting for it. An idle worker is
// woken if there is one, otherwise a new worker is started while the pool is
// below its maximum.
func (p *ThreadPool) Execute(task func()) {
	if task == nil {
		return
	}

	p.mu.Lock()
	p.queue = append(p.queue, task)
	spawn := false
	if p.idle > 0 {
		p.signal()
	} else if p.maxWorkers <= 0 || p.live < p.maxWorkers {
		p.live++
		spawn = true
	}
	p.mu.Unlock()

	p.metrics.TaskQueued(p.name)

	if spawn {
		p.metrics.WorkerStarted(p.name)
		go p.worker()
	}
}

// LiveWorkers returns the number of started workers
func (p *ThreadPool) LiveWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// IdleWorkers returns the number of workers waiting for tasks
func (p *ThreadPool) IdleWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idle
}

// QueuedTasks returns the number of tasks not yet picked up by a worker
func (p *ThreadPool) QueuedTasks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// signal must be called with p.mu held
func (p *ThreadPool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *ThreadPool) worker() {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			task := p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
			if len(p.queue) > 0 && p.idle > 0 {
				p.signal()
			}
			p.mu.Unlock()

			p.run(task)
			continue
		}

		// The timer is armed before the worker is counted as idle.
		idleTimer := p.clock.Timer(p.idleTimeout)
		p.idle++
		p.mu.Unlock()

		timedOut := false
		select {
		case <-p.wake:
			idleTimer.Stop()
		case <-idleTimer.C:
			timedOut = true
		}

		p.mu.Lock()
		p.idle--
		if timedOut && len(p.queue) == 0 && p.live > p.minWorkers {
			p.live--
			p.mu.Unlock()

			p.metrics.WorkerStopped(p.name)
			p.logger.Debug("idle worker exited", logging.Duration("idle_timeout", p.idleTimeout))
			return
		}
		p.mu.Unlock()
	}
}

func (p *ThreadPool) run(task func()) {
	start := p.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			p.metrics.TaskPanicked(p.name)
			p.logger.Error("task panicked",
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
			)
		}
		p.metrics.TaskCompleted(p.name, p.clock.Since(start))
	}()

	task()
}

var (
	defaultPoolsOnce   sync.Once
	defaultPool        *ThreadPool
	defaultWaitingPool *ThreadPool
	defaultTickPool    *ThreadPool
)

func initDefaultPools() {
	defaultPoolsOnce.Do(func() {
		defaultPool = NewThreadPool(0, 0, DefaultIdleTimeout, WithPoolName("default"))
		defaultWaitingPool = NewThreadPool(0, 0, DefaultIdleTimeout, WithPoolName("timer-waiting"))
		defaultTickPool = NewThreadPool(0, 0, DefaultIdleTimeout, WithPoolName("timer-tick"))
	})
}

// DefaultPool returns the shared pool used by dispatchers and serial queues
// that were not given one.
func DefaultPool() *ThreadPool {
	initDefaultPools()
	return defaultPool
}

// DefaultWaitingPool returns the shared pool that runs Timer waits
func DefaultWaitingPool() *ThreadPool {
	initDefaultPools()
	return defaultWaitingPool
}

// DefaultTickPool returns the shared pool that runs Timer callbacks
func DefaultTickPool() *ThreadPool {
	initDefaultPools()
	return defaultTickPool
}
