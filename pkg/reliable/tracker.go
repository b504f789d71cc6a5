package reliable

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ajitpratap0/duplex-sdk-go/pkg/logging"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/observability"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/threading"
)

type pendingKey struct {
	messageID  string
	receiverID string
}

type pendingEntry struct {
	pendingKey
	deadline time.Time
}

// tracker remembers sent messages until they are acknowledged or their
// deadline passes. One timer serves all entries; it is armed for the
// earliest deadline and re-armed from its own callback.
type tracker struct {
	side       string
	ackTimeout time.Duration
	clock      clock.Clock
	timer      *threading.Timer
	logger     logging.Logger
	metrics    observability.ReliableMetrics
	onExpired  func(pendingEntry)

	mu      sync.Mutex
	pending map[pendingKey]pendingEntry
	armed   bool
}

func newTracker(side string, ackTimeout time.Duration, o options, onExpired func(pendingEntry)) *tracker {
	t := &tracker{
		side:       side,
		ackTimeout: ackTimeout,
		clock:      o.clock,
		logger:     o.logger,
		metrics:    o.metrics,
		onExpired:  onExpired,
		pending:    make(map[pendingKey]pendingEntry),
	}

	timerOpts := append([]threading.TimerOption{
		threading.WithTimerClock(o.clock),
		threading.WithTimerLogger(o.logger),
	}, o.timerOpts...)
	t.timer = threading.NewTimer(t.tick, timerOpts...)
	return t
}

// track starts waiting for the acknowledgement of key
func (t *tracker) track(key pendingKey) {
	t.mu.Lock()
	t.pending[key] = pendingEntry{pendingKey: key, deadline: t.clock.Now().Add(t.ackTimeout)}
	arm := !t.armed
	t.armed = true
	t.mu.Unlock()

	t.metrics.PendingAcks(1)
	if arm {
		t.schedule(t.ackTimeout)
	}
}

// acknowledge stops waiting for key. It reports whether key was pending.
func (t *tracker) acknowledge(key pendingKey) bool {
	t.mu.Lock()
	_, ok := t.pending[key]
	delete(t.pending, key)
	t.mu.Unlock()

	if ok {
		t.metrics.PendingAcks(-1)
	}
	return ok
}

// removeReceiver stops waiting for every message sent to receiverID and
// returns them
func (t *tracker) removeReceiver(receiverID string) []pendingEntry {
	return t.remove(func(e pendingEntry) bool { return e.receiverID == receiverID })
}

// removeAll stops waiting for every message and returns them
func (t *tracker) removeAll() []pendingEntry {
	return t.remove(func(pendingEntry) bool { return true })
}

func (t *tracker) remove(match func(pendingEntry) bool) []pendingEntry {
	t.mu.Lock()
	var removed []pendingEntry
	for key, e := range t.pending {
		if match(e) {
			removed = append(removed, e)
			delete(t.pending, key)
		}
	}
	t.mu.Unlock()

	if len(removed) > 0 {
		t.metrics.PendingAcks(-len(removed))
	}
	sortByDeadline(removed)
	return removed
}

func (t *tracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// tick runs on the timer's callback pool. It reports overdue entries, then
// re-arms the timer for the earliest remaining deadline.
func (t *tracker) tick() {
	now := t.clock.Now()

	t.mu.Lock()
	var expired []pendingEntry
	var next time.Time
	for key, e := range t.pending {
		if !now.Before(e.deadline) {
			expired = append(expired, e)
			delete(t.pending, key)
			continue
		}
		if next.IsZero() || e.deadline.Before(next) {
			next = e.deadline
		}
	}
	rearm := !next.IsZero()
	t.armed = rearm
	t.mu.Unlock()

	if len(expired) > 0 {
		t.metrics.PendingAcks(-len(expired))
		sortByDeadline(expired)
		for _, e := range expired {
			t.onExpired(e)
		}
	}

	if rearm {
		t.schedule(max(next.Sub(t.clock.Now()), 0))
	}
}

func (t *tracker) schedule(d time.Duration) {
	if err := t.timer.Change(d); err != nil {
		t.logger.WithError(err).Warn("acknowledgement timer started late",
			logging.String("side", t.side))
	}
}

func (t *tracker) stop() {
	t.timer.Stop()
	t.mu.Lock()
	t.armed = false
	t.mu.Unlock()
}

func sortByDeadline(entries []pendingEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].deadline.Before(entries[j].deadline)
	})
}
