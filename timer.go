package fiber

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
	"weak"
)

// rolloverThreshold is how far the wall clock must move backwards before all
// pending timers are treated as expired.
const rolloverThreshold = time.Hour

// Timer is a pending callback owned by a [TimerManager].
type Timer struct {
	cb      func()
	manager *TimerManager
	// next is the absolute fire time, in wall clock milliseconds
	next int64
	// ms is the interval, in milliseconds
	ms        int64
	seq       uint64
	index     int // position in the heap, -1 when not queued
	recurring bool
}

// timerHeap is a min-heap of timers, ordered by (next, seq).
type timerHeap []*Timer

// Implement heap.Interface for timerHeap
func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].next != h[j].next {
		return h[i].next < h[j].next
	}
	return h[i].seq < h[j].seq
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// TimerManager is a deadline-ordered set of timers. It is safe for
// concurrent use.
type TimerManager struct {
	// onFront is called, without the lock held, when a timer is inserted
	// ahead of every other pending timer
	onFront func()
	// nowMs returns the wall clock in milliseconds, replaceable for tests
	nowMs  func() int64
	timers timerHeap
	mu     sync.RWMutex
	// previous is the last observed clock reading, for rollover detection
	previous int64
	seq      uint64
	// tickled suppresses repeated front notifications until NextTimer is
	// consulted again
	tickled atomic.Bool
}

// NewTimerManager returns an empty TimerManager.
func NewTimerManager() *TimerManager {
	m := &TimerManager{nowMs: wallClockMs}
	m.previous = m.nowMs()
	return m
}

func wallClockMs() int64 {
	return time.Now().UnixMilli()
}

func durationToMs(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Millisecond - 1) / time.Millisecond)
}

// AddTimer schedules cb to be returned by [TimerManager.ListExpired] once
// interval has elapsed, and then every interval if recurring.
func (m *TimerManager) AddTimer(interval time.Duration, cb func(), recurring bool) *Timer {
	ms := durationToMs(interval)
	t := &Timer{
		cb:        cb,
		manager:   m,
		ms:        ms,
		recurring: recurring,
		index:     -1,
	}
	m.mu.Lock()
	t.next = m.nowMs() + ms
	m.insertAndUnlock(t)
	return t
}

// AddConditionTimer is like AddTimer, but cb only runs if cond reports true
// when the timer fires. See [WeakCondition].
func (m *TimerManager) AddConditionTimer(interval time.Duration, cb func(), cond func() bool, recurring bool) *Timer {
	return m.AddTimer(interval, func() {
		if cond() {
			cb()
		}
	}, recurring)
}

// WeakCondition returns a condition for [TimerManager.AddConditionTimer]
// that holds while p has not been garbage collected. It does not keep p
// alive.
func WeakCondition[T any](p *T) func() bool {
	w := weak.Make(p)
	return func() bool {
		return w.Value() != nil
	}
}

// insertAndUnlock queues t and releases the write lock, then notifies
// onFront if t became the earliest timer.
func (m *TimerManager) insertAndUnlock(t *Timer) {
	m.seq++
	t.seq = m.seq
	heap.Push(&m.timers, t)
	atFront := t.index == 0 && m.tickled.CompareAndSwap(false, true)
	m.mu.Unlock()
	if atFront && m.onFront != nil {
		m.onFront()
	}
}

// NextTimer returns the time until the earliest timer is due, 0 if one is
// already due, and false if there are no timers.
func (m *TimerManager) NextTimer() (time.Duration, bool) {
	m.tickled.Store(false)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.timers) == 0 {
		return 0, false
	}
	now := m.nowMs()
	next := m.timers[0].next
	if now >= next {
		return 0, true
	}
	return time.Duration(next-now) * time.Millisecond, true
}

// ListExpired removes and returns the callbacks of every due timer.
// Recurring timers are requeued, relative to now, before returning.
func (m *TimerManager) ListExpired() []func() {
	now := m.nowMs()
	m.mu.RLock()
	empty := len(m.timers) == 0
	m.mu.RUnlock()
	if empty {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rollover := m.detectClockRollover(now)
	if len(m.timers) == 0 || (!rollover && m.timers[0].next > now) {
		return nil
	}
	var expired []*Timer
	for len(m.timers) != 0 && (rollover || m.timers[0].next <= now) {
		expired = append(expired, heap.Pop(&m.timers).(*Timer))
	}
	cbs := make([]func(), 0, len(expired))
	for _, t := range expired {
		cbs = append(cbs, t.cb)
		if t.recurring {
			t.next = now + t.ms
			m.seq++
			t.seq = m.seq
			heap.Push(&m.timers, t)
		} else {
			t.cb = nil
		}
	}
	return cbs
}

// detectClockRollover reports whether the clock jumped backwards by more
// than rolloverThreshold since the last call.
func (m *TimerManager) detectClockRollover(now int64) bool {
	rollover := now < m.previous-rolloverThreshold.Milliseconds()
	m.previous = now
	return rollover
}

// HasTimer reports whether any timer is pending.
func (m *TimerManager) HasTimer() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.timers) != 0
}

// Cancel removes the timer. It returns false if the timer already fired
// (and is not recurring) or was already cancelled.
func (t *Timer) Cancel() bool {
	m := t.manager
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.cb == nil {
		return false
	}
	t.cb = nil
	if t.index >= 0 {
		heap.Remove(&m.timers, t.index)
	}
	return true
}

// Refresh restarts the timer's current interval from now. It returns false
// if the timer is no longer pending.
func (t *Timer) Refresh() bool {
	m := t.manager
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.cb == nil || t.index < 0 {
		return false
	}
	t.next = m.nowMs() + t.ms
	heap.Fix(&m.timers, t.index)
	return true
}

// Reset changes the timer's interval. The new deadline is interval after now
// if fromNow, otherwise interval after the timer's last start. It returns
// false if the timer is no longer pending.
func (t *Timer) Reset(interval time.Duration, fromNow bool) bool {
	ms := durationToMs(interval)
	m := t.manager
	m.mu.Lock()
	if ms == t.ms && !fromNow {
		ok := t.cb != nil
		m.mu.Unlock()
		return ok
	}
	if t.cb == nil || t.index < 0 {
		m.mu.Unlock()
		return false
	}
	heap.Remove(&m.timers, t.index)
	var start int64
	if fromNow {
		start = m.nowMs()
	} else {
		start = t.next - t.ms
	}
	t.ms = ms
	t.next = start + ms
	m.insertAndUnlock(t)
	return true
}
