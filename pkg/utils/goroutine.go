// Package utils holds test helpers shared by the SDK packages.
package utils

import (
	"runtime"
	"testing"
	"time"
)

// GoroutineLeakDetector fails a test when goroutines started during the test
// are still running after it shut everything down
type GoroutineLeakDetector struct {
	t             testing.TB
	initialCount  int
	allowedGrowth int
	checkInterval time.Duration
	settleTimeout time.Duration
}

// NewGoroutineLeakDetector creates a detector reporting to t
func NewGoroutineLeakDetector(t testing.TB) *GoroutineLeakDetector {
	return &GoroutineLeakDetector{
		t:             t,
		checkInterval: 10 * time.Millisecond,
		settleTimeout: 2 * time.Second,
	}
}

// TrackGoroutines starts a detector and checks it when t finishes
func TrackGoroutines(t testing.TB) *GoroutineLeakDetector {
	d := NewGoroutineLeakDetector(t)
	d.Start()
	t.Cleanup(d.Check)
	return d
}

// Start records the goroutine count the test starts from
func (d *GoroutineLeakDetector) Start() {
	d.initialCount = runtime.NumGoroutine()
}

// Check waits up to the settle timeout for the goroutine count to drop back
// to the starting count plus the allowed growth
func (d *GoroutineLeakDetector) Check() {
	d.t.Helper()

	deadline := time.Now().Add(d.settleTimeout)
	count := runtime.NumGoroutine()
	for count-d.initialCount > d.allowedGrowth && time.Now().Before(deadline) {
		time.Sleep(d.checkInterval)
		count = runtime.NumGoroutine()
	}

	leaked := count - d.initialCount
	if leaked <= d.allowedGrowth {
		return
	}

	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	d.t.Errorf("goroutine leak: started with %d, ended with %d (leaked %d, allowed %d)\n%s",
		d.initialCount, count, leaked, d.allowedGrowth, buf[:n])
}

// SetAllowedGrowth sets how many extra goroutines are tolerated
func (d *GoroutineLeakDetector) SetAllowedGrowth(n int) *GoroutineLeakDetector {
	d.allowedGrowth = n
	return d
}

// SetSettleTimeout sets how long Check waits for goroutines to exit
func (d *GoroutineLeakDetector) SetSettleTimeout(timeout time.Duration) *GoroutineLeakDetector {
	d.settleTimeout = timeout
	return d
}
