package threading

import (
	"strings"

	dxerrors "github.com/ajitpratap0/duplex-sdk-go/pkg/errors"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/logging"
)

// Dispatcher decides on which goroutine an event handler runs
type Dispatcher interface {
	Invoke(task func())
}

// DispatcherProvider hands out a dispatcher per channel instance
type DispatcherProvider interface {
	GetDispatcher() Dispatcher
}

// DispatchMode names a dispatching strategy in configuration
type DispatchMode string

const (
	// DispatchSync runs handlers on the goroutine that received the message
	DispatchSync DispatchMode = "sync"
	// DispatchThreadPool runs every handler on a pool worker, without ordering
	DispatchThreadPool DispatchMode = "thread_pool"
	// DispatchWorkingThread runs a channel's handlers one at a time in arrival order
	DispatchWorkingThread DispatchMode = "working_thread"
)

// ParseDispatchMode validates a configuration string
func ParseDispatchMode(s string) (DispatchMode, error) {
	switch mode := DispatchMode(strings.ToLower(strings.TrimSpace(s))); mode {
	case DispatchSync, DispatchThreadPool, DispatchWorkingThread:
		return mode, nil
	case "":
		return DispatchWorkingThread, nil
	default:
		return "", dxerrors.InvalidConfig("dispatch", s, "one of sync, thread_pool, working_thread")
	}
}

// NewDispatching returns the provider for mode. pool may be nil.
func NewDispatching(mode DispatchMode, pool Executor) (DispatcherProvider, error) {
	switch mode {
	case DispatchSync:
		return NewSyncDispatching(), nil
	case DispatchThreadPool:
		return NewPoolDispatching(pool), nil
	case DispatchWorkingThread, "":
		return NewSerialDispatching(pool), nil
	default:
		return nil, dxerrors.InvalidConfig("dispatch", string(mode), "one of sync, thread_pool, working_thread")
	}
}

// SyncDispatcher runs tasks on the calling goroutine
type SyncDispatcher struct{}

// Invoke runs task immediately
func (SyncDispatcher) Invoke(task func()) {
	task()
}

// PoolDispatcher runs tasks on a pool
type PoolDispatcher struct {
	pool Executor
}

// Invoke queues task on the pool
func (d PoolDispatcher) Invoke(task func()) {
	d.pool.Execute(task)
}

// SerialDispatcher runs tasks in order on a SerialQueue
type SerialDispatcher struct {
	queue *SerialQueue
}

// Invoke appends task to the queue
func (d SerialDispatcher) Invoke(task func()) {
	d.queue.Enqueue(task)
}

// SyncDispatching provides SyncDispatcher
type SyncDispatching struct{}

// NewSyncDispatching creates the synchronous provider
func NewSyncDispatching() SyncDispatching {
	return SyncDispatching{}
}

// GetDispatcher returns a SyncDispatcher
func (SyncDispatching) GetDispatcher() Dispatcher {
	return SyncDispatcher{}
}

// PoolDispatching provides dispatchers sharing one pool
type PoolDispatching struct {
	pool Executor
}

// NewPoolDispatching creates a provider over pool (DefaultPool when nil)
func NewPoolDispatching(pool Executor) PoolDispatching {
	if pool == nil {
		pool = DefaultPool()
	}
	return PoolDispatching{pool: pool}
}

// GetDispatcher returns a PoolDispatcher
func (p PoolDispatching) GetDispatcher() Dispatcher {
	return PoolDispatcher{pool: p.pool}
}

// SerialDispatching provides a dedicated SerialQueue per dispatcher
type SerialDispatching struct {
	pool Executor
}

// NewSerialDispatching creates a provider whose queues drain on pool (DefaultPool when nil)
func NewSerialDispatching(pool Executor) SerialDispatching {
	if pool == nil {
		pool = DefaultPool()
	}
	return SerialDispatching{pool: pool}
}

// GetDispatcher returns a SerialDispatcher with its own queue
func (p SerialDispatching) GetDispatcher() Dispatcher {
	return SerialDispatcher{queue: NewSerialQueue(p.pool, logging.Component("SerialDispatcher"))}
}
