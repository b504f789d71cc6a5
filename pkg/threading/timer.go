package threading

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	dxerrors "github.com/ajitpratap0/duplex-sdk-go/pkg/errors"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/logging"
)

// DefaultStartTimeout bounds how long Change waits for the new wait to begin
const DefaultStartTimeout = time.Second

// TimerOption configures a Timer
type TimerOption func(*Timer)

// WithPools sets the pool running the waits and the pool running callbacks.
// They must be distinct so a callback that calls Change never waits behind
// its own waiter.
func WithPools(waiting, tick Executor) TimerOption {
	return func(t *Timer) {
		t.waitingPool = waiting
		t.tickPool = tick
	}
}

// WithTimerClock sets the clock the waits are measured on
func WithTimerClock(c clock.Clock) TimerOption {
	return func(t *Timer) {
		t.clock = c
	}
}

// WithStartTimeout bounds the start handshake performed by Change
func WithStartTimeout(d time.Duration) TimerOption {
	return func(t *Timer) {
		t.startTimeout = d
	}
}

// WithTimerLogger sets the logger
func WithTimerLogger(logger logging.Logger) TimerOption {
	return func(t *Timer) {
		t.logger = logger
	}
}

// Timer calls a callback once after the timeout given to the latest Change.
// Every Change cancels the wait started by the previous one, so at most one
// wait is active and a superseded wait never fires.
type Timer struct {
	callback     func()
	waitingPool  Executor
	tickPool     Executor
	clock        clock.Clock
	startTimeout time.Duration
	logger       logging.Logger

	// changeMu serializes Change calls
	changeMu sync.Mutex

	// mu guards cancel, the signal of the currently scheduled wait
	mu     sync.Mutex
	cancel chan struct{}
}

// NewTimer creates a stopped timer
func NewTimer(callback func(), opts ...TimerOption) *Timer {
	t := &Timer{
		callback:     callback,
		clock:        clock.New(),
		startTimeout: DefaultStartTimeout,
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.waitingPool == nil {
		t.waitingPool = DefaultWaitingPool()
	}
	if t.tickPool == nil {
		t.tickPool = DefaultTickPool()
	}
	if t.logger == nil {
		t.logger = logging.Component("Timer")
	}

	return t
}

// Change cancels any pending fire and, when timeout >= 0, schedules the
// callback to run once after timeout. It returns after the new wait has begun,
// or with a timeout error if the waiting pool did not start it in time; the
// wait stays scheduled in that case.
func (t *Timer) Change(timeout time.Duration) error {
	t.changeMu.Lock()
	defer t.changeMu.Unlock()

	t.mu.Lock()
	if t.cancel != nil {
		close(t.cancel)
		t.cancel = nil
	}
	if timeout < 0 {
		t.mu.Unlock()
		return nil
	}
	cancel := make(chan struct{})
	t.cancel = cancel
	t.mu.Unlock()

	started := make(chan struct{})
	t.waitingPool.Execute(func() {
		t.wait(timeout, cancel, started)
	})

	// Real time: the handshake must not depend on an injected clock.
	startTimer := time.NewTimer(t.startTimeout)
	defer startTimer.Stop()

	select {
	case <-started:
		return nil
	case <-startTimer.C:
		t.logger.Warn("timer wait did not start in time",
			logging.Duration("start_timeout", t.startTimeout),
			logging.Duration("timeout", timeout),
		)
		return dxerrors.Timeout("timer_start", t.startTimeout)
	}
}

// Stop cancels any pending fire
func (t *Timer) Stop() {
	_ = t.Change(-1)
}

func (t *Timer) wait(timeout time.Duration, cancel chan struct{}, started chan struct{}) {
	waitTimer := t.clock.Timer(timeout)
	close(started)

	select {
	case <-cancel:
		waitTimer.Stop()
		return
	case <-waitTimer.C:
	}

	// A Change racing with expiry may already have replaced this wait.
	t.mu.Lock()
	current := t.cancel == cancel
	if current {
		t.cancel = nil
	}
	t.mu.Unlock()

	if current && t.callback != nil {
		t.tickPool.Execute(t.callback)
	}
}
