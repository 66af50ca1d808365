package foundation

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// EnhancedEpoch is a monotonically increasing counter with wake-ups for
// goroutines waiting on a change. Each reader keeps its own last-seen value;
// readers created with Reader share the counter and the waiter list.
type EnhancedEpoch struct {
	value     *atomic.Uint32
	lastValue uint32

	waiters   *[]chan struct{}
	waitersMu *sync.RWMutex

	stats *EpochStats
}

// EpochStats tracks epoch performance metrics
type EpochStats struct {
	Increments atomic.Uint64
	Wakes      atomic.Uint64
	Timeouts   atomic.Uint64
}

// NewEnhancedEpoch creates a new enhanced epoch starting at zero
func NewEnhancedEpoch() *EnhancedEpoch {
	waiters := make([]chan struct{}, 0, 8)
	return &EnhancedEpoch{
		value:     &atomic.Uint32{},
		waiters:   &waiters,
		waitersMu: &sync.RWMutex{},
		stats:     &EpochStats{},
	}
}

// Reader creates a new reader instance sharing the signaling mechanism. The
// reader starts from the current value.
func (ee *EnhancedEpoch) Reader() *EnhancedEpoch {
	return &EnhancedEpoch{
		value:     ee.value,
		lastValue: ee.value.Load(),
		waiters:   ee.waiters,
		waitersMu: ee.waitersMu,
		stats:     ee.stats,
	}
}

// WaitForChange blocks until the epoch differs from the last value this
// reader observed, or timeout elapses. It reports whether a change was seen.
func (ee *EnhancedEpoch) WaitForChange(timeout time.Duration) bool {
	if ee.observe() {
		return true
	}

	// Brief spin before parking
	spinDeadline := time.Now().Add(time.Microsecond)
	for time.Now().Before(spinDeadline) {
		runtime.Gosched()
		if ee.observe() {
			return true
		}
	}

	ch := make(chan struct{}, 1)
	ee.addWaiter(ch)
	defer ee.removeWaiter(ch)

	// Re-check after registering so an increment between the spin and the
	// registration is not missed.
	if ee.observe() {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ch:
			if ee.observe() {
				return true
			}
		case <-timer.C:
			ee.stats.Timeouts.Add(1)
			return ee.observe()
		}
	}
}

func (ee *EnhancedEpoch) observe() bool {
	current := ee.value.Load()
	if current != ee.lastValue {
		ee.lastValue = current
		ee.stats.Wakes.Add(1)
		return true
	}
	return false
}

// Increment bumps the epoch and wakes every waiter
func (ee *EnhancedEpoch) Increment() uint32 {
	v := ee.value.Add(1)
	ee.stats.Increments.Add(1)
	ee.notifyWaiters()
	return v
}

// GetValue returns the current epoch value
func (ee *EnhancedEpoch) GetValue() uint32 {
	return ee.value.Load()
}

// Stats exposes the shared counters
func (ee *EnhancedEpoch) Stats() *EpochStats {
	return ee.stats
}

func (ee *EnhancedEpoch) addWaiter(ch chan struct{}) {
	ee.waitersMu.Lock()
	defer ee.waitersMu.Unlock()
	*ee.waiters = append(*ee.waiters, ch)
}

func (ee *EnhancedEpoch) removeWaiter(ch chan struct{}) {
	ee.waitersMu.Lock()
	defer ee.waitersMu.Unlock()
	for i, waiter := range *ee.waiters {
		if waiter == ch {
			*ee.waiters = append((*ee.waiters)[:i], (*ee.waiters)[i+1:]...)
			break
		}
	}
}

func (ee *EnhancedEpoch) notifyWaiters() {
	ee.waitersMu.RLock()
	defer ee.waitersMu.RUnlock()

	for _, ch := range *ee.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
