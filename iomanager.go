//go:build linux

package fiber

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// initialFDContexts is the initial size of the fd context table.
	initialFDContexts = 32
	// MaxFDLimit bounds the fd context table when RLIMIT_NOFILE is higher, or
	// cannot be read.
	MaxFDLimit = 1 << 20
)

// Event is an I/O readiness direction of a file descriptor.
type Event uint32

const (
	// EventNone is the absence of interest.
	EventNone Event = 0x0
	// EventRead is readability (EPOLLIN).
	EventRead Event = 0x1
	// EventWrite is writability (EPOLLOUT).
	EventWrite Event = 0x4
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return "NONE"
	case EventRead:
		return "READ"
	case EventWrite:
		return "WRITE"
	case EventRead | EventWrite:
		return "READ|WRITE"
	default:
		return "Event(" + strconv.FormatUint(uint64(e), 10) + ")"
	}
}

// eventContext is what to wake when one direction of an fd becomes ready.
type eventContext struct {
	scheduler *Scheduler
	fiber     *Fiber
	cb        func()
}

// fdContext is the registration state of one fd.
type fdContext struct {
	read   eventContext
	write  eventContext
	mu     sync.Mutex
	fd     int
	events Event
}

func (c *fdContext) context(ev Event) *eventContext {
	if ev == EventRead {
		return &c.read
	}
	return &c.write
}

// trigger clears the registration for ev and schedules what was waiting on
// it. The caller holds c.mu.
func (c *fdContext) trigger(ev Event) {
	c.events &^= ev
	ec := c.context(ev)
	task := Task{Fiber: ec.fiber, Func: ec.cb}
	s := ec.scheduler
	*ec = eventContext{}
	s.Schedule(task)
}

// IOManager is a [Scheduler] whose idle workers wait on epoll for file
// descriptor readiness and timer deadlines, combined with a [TimerManager]
// whose expired timers it runs as tasks.
type IOManager struct {
	*Scheduler
	*TimerManager
	poller *epoller
	fds    []*fdContext
	fdMu   sync.RWMutex
	// wakeMu guards the wake pipe against Close
	wakeMu         sync.RWMutex
	wakeRead       int
	wakeWrite      int
	// fdLimit is one past the highest fd AddEvent accepts
	fdLimit        int
	maxPollTimeout time.Duration
	pending        atomic.Int64
	closed         atomic.Bool
	closeOnce      sync.Once
}

// NewIOManager creates and starts an IOManager. It accepts the same options
// as [NewScheduler], plus [WithMaxPollTimeout].
func NewIOManager(opts ...Option) (*IOManager, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	poller, err := newEpoller()
	if err != nil {
		return nil, fmt.Errorf("fiber: epoll_create: %w", err)
	}
	wakeRead, wakeWrite, err := createWakePipe()
	if err != nil {
		_ = poller.close()
		return nil, fmt.Errorf("fiber: pipe: %w", err)
	}
	if err := poller.control(unix.EPOLL_CTL_ADD, wakeRead, EventRead); err != nil {
		_ = closeFD(wakeRead)
		_ = closeFD(wakeWrite)
		_ = poller.close()
		return nil, fmt.Errorf("fiber: register wake pipe: %w", err)
	}

	m := &IOManager{
		TimerManager:   NewTimerManager(),
		poller:         poller,
		fds:            make([]*fdContext, initialFDContexts),
		wakeRead:       wakeRead,
		wakeWrite:      wakeWrite,
		fdLimit:        fdLimit(),
		maxPollTimeout: cfg.maxPollTimeout,
	}
	m.Scheduler = newScheduler(cfg)
	m.Scheduler.hooks = m
	m.TimerManager.onFront = m.tickle
	m.Start()
	return m, nil
}

// fdLimit returns the soft RLIMIT_NOFILE, bounded by MaxFDLimit. No fd at or
// above it can be open.
func fdLimit() int {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil || rl.Cur > MaxFDLimit {
		return MaxFDLimit
	}
	return int(rl.Cur)
}

// CurrentIOManager returns the IOManager the calling thread belongs to, or
// nil.
func CurrentIOManager() *IOManager {
	s := CurrentScheduler()
	if s == nil {
		return nil
	}
	m, _ := s.hooks.(*IOManager)
	return m
}

// PendingEvents returns the number of registered, not yet triggered, events.
func (m *IOManager) PendingEvents() int64 {
	return m.pending.Load()
}

// Close stops the scheduler, waiting for queued work, pending events and
// pending timers, then releases the epoll instance and the wake pipe. The
// same goroutine rules as [Scheduler.Stop] apply.
func (m *IOManager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.Stop()
		m.wakeMu.Lock()
		m.closed.Store(true)
		err = errors.Join(
			closeFD(m.wakeRead),
			closeFD(m.wakeWrite),
			m.poller.close(),
		)
		m.wakeMu.Unlock()
		m.fdMu.Lock()
		m.fds = nil
		m.fdMu.Unlock()
	})
	return err
}

func checkEvent(ev Event) error {
	if ev != EventRead && ev != EventWrite {
		return ErrInvalidEvent
	}
	return nil
}

// lookupContext returns the context of fd, or nil if it never had one.
func (m *IOManager) lookupContext(fd int) *fdContext {
	m.fdMu.RLock()
	defer m.fdMu.RUnlock()
	if fd < 0 || fd >= len(m.fds) {
		return nil
	}
	return m.fds[fd]
}

// contextFor returns the context of fd, growing the table as needed.
func (m *IOManager) contextFor(fd int) *fdContext {
	if c := m.lookupContext(fd); c != nil {
		return c
	}
	m.fdMu.Lock()
	defer m.fdMu.Unlock()
	if fd >= len(m.fds) {
		size := len(m.fds) * 3 / 2
		if size <= fd {
			size = fd + 1
		}
		if size > m.fdLimit {
			size = m.fdLimit
		}
		fds := make([]*fdContext, size)
		copy(fds, m.fds)
		m.fds = fds
	}
	c := m.fds[fd]
	if c == nil {
		c = &fdContext{fd: fd}
		m.fds[fd] = c
	}
	return c
}

// AddEvent registers interest in ev on fd. When the fd becomes ready, or the
// event is cancelled, cb is scheduled, or the calling fiber if cb is nil.
// The waiter runs on the calling thread's scheduler, or on m if the caller
// does not belong to one.
//
// Registering the same direction again replaces the previous waiter.
func (m *IOManager) AddEvent(fd int, ev Event, cb func()) error {
	if err := checkEvent(ev); err != nil {
		return err
	}
	if fd < 0 || fd >= m.fdLimit {
		return ErrFDOutOfRange
	}
	if m.closed.Load() {
		return ErrIOManagerClosed
	}

	var waiter *Fiber
	if cb == nil {
		waiter = GetThis()
		if waiter.c.stack == nil {
			fatal(m.logger, "AddEvent", "no callback, and no fiber is running")
		}
	}

	c := m.contextFor(fd)
	c.mu.Lock()
	defer c.mu.Unlock()

	replaced := c.events&ev != 0
	op := unix.EPOLL_CTL_MOD
	if c.events == EventNone {
		op = unix.EPOLL_CTL_ADD
	}
	if err := m.poller.control(op, fd, c.events|ev); err != nil {
		m.logger.Err().
			Int("fd", fd).
			Stringer("event", ev).
			Err(err).
			Log("epoll_ctl failed")
		return fmt.Errorf("fiber: add event %s on fd %d: %w", ev, fd, err)
	}
	if replaced {
		m.logger.Debug().
			Int("fd", fd).
			Stringer("event", ev).
			Log("event waiter replaced")
	} else {
		m.pending.Add(1)
	}
	c.events |= ev

	ec := c.context(ev)
	*ec = eventContext{
		scheduler: CurrentScheduler(),
		fiber:     waiter,
		cb:        cb,
	}
	if ec.scheduler == nil {
		ec.scheduler = m.Scheduler
	}
	return nil
}

// update re-registers fd with the remaining interest, or deregisters it.
func (m *IOManager) update(fd int, left Event) error {
	op := unix.EPOLL_CTL_MOD
	if left == EventNone {
		op = unix.EPOLL_CTL_DEL
	}
	if err := m.poller.control(op, fd, left); err != nil {
		m.logger.Err().
			Int("fd", fd).
			Stringer("events", left).
			Err(err).
			Log("epoll_ctl failed")
		return fmt.Errorf("fiber: update fd %d: %w", fd, err)
	}
	return nil
}

// registered returns the locked context of fd if ev is registered on it.
func (m *IOManager) registered(fd int, ev Event) (*fdContext, error) {
	if err := checkEvent(ev); err != nil {
		return nil, err
	}
	c := m.lookupContext(fd)
	if c == nil {
		return nil, fmt.Errorf("%w: %s on fd %d", ErrEventNotRegistered, ev, fd)
	}
	c.mu.Lock()
	if c.events&ev == 0 {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s on fd %d", ErrEventNotRegistered, ev, fd)
	}
	return c, nil
}

// DelEvent removes interest in ev on fd, dropping its waiter without
// waking it.
func (m *IOManager) DelEvent(fd int, ev Event) error {
	c, err := m.registered(fd, ev)
	if err != nil {
		return err
	}
	defer c.mu.Unlock()
	left := c.events &^ ev
	if err := m.update(fd, left); err != nil {
		return err
	}
	m.pending.Add(-1)
	c.events = left
	*c.context(ev) = eventContext{}
	return nil
}

// CancelEvent removes interest in ev on fd and schedules its waiter, as if
// the fd had become ready.
func (m *IOManager) CancelEvent(fd int, ev Event) error {
	c, err := m.registered(fd, ev)
	if err != nil {
		return err
	}
	defer c.mu.Unlock()
	if err := m.update(fd, c.events&^ev); err != nil {
		return err
	}
	c.trigger(ev)
	m.pending.Add(-1)
	return nil
}

// CancelAll cancels every registered direction of fd.
func (m *IOManager) CancelAll(fd int) error {
	c := m.lookupContext(fd)
	if c == nil {
		return fmt.Errorf("%w: fd %d", ErrEventNotRegistered, fd)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events == EventNone {
		return fmt.Errorf("%w: fd %d", ErrEventNotRegistered, fd)
	}
	if err := m.update(fd, EventNone); err != nil {
		return err
	}
	for _, ev := range [...]Event{EventRead, EventWrite} {
		if c.events&ev != 0 {
			c.trigger(ev)
			m.pending.Add(-1)
		}
	}
	return nil
}

// ready triggers the directions of an fd that epoll reported ready.
func (m *IOManager) ready(ev unix.EpollEvent) {
	fd := int(ev.Fd)
	c := m.lookupContext(fd)
	if c == nil {
		if allowWarning(strayEventWarning{m, fd}) {
			m.logger.Warning().Int("fd", fd).Log("readiness for an fd without context")
		}
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	events := epollToEvents(ev.Events, c.events)
	if events == EventNone {
		return
	}
	// a failed update leaves a stale registration, the waiters still run
	// and observe the fd's condition on their next syscall
	_ = m.update(fd, c.events&^events)
	for _, e := range [...]Event{EventRead, EventWrite} {
		if events&e != 0 {
			c.trigger(e)
			m.pending.Add(-1)
		}
	}
}

type strayEventWarning struct {
	m  *IOManager
	fd int
}

// tickle wakes a worker blocked in epoll_wait.
func (m *IOManager) tickle() {
	m.wakeMu.RLock()
	defer m.wakeMu.RUnlock()
	if m.closed.Load() {
		return
	}
	if err := signalFD(m.wakeWrite); err != nil {
		m.logger.Err().Err(err).Log("wake pipe write failed")
	}
}

// stopping additionally requires that no timers or events are pending.
func (m *IOManager) stopping() bool {
	return !m.HasTimer() && m.pending.Load() == 0 && m.Scheduler.stopping()
}

// idle waits for readiness, bounded by the next timer deadline and the max
// poll timeout, and schedules whatever became runnable.
func (m *IOManager) idle() {
	m.logger.Debug().Str("scheduler", m.name).Log("idle")
	events := make([]unix.EpollEvent, maxPollEvents)
	tid := GetThreadID()
	for {
		next, hasTimer := m.NextTimer()
		if !hasTimer && m.stopping() {
			m.logger.Debug().Str("scheduler", m.name).Log("idle stopping")
			return
		}
		// work queued before this thread parked, whose tickle may have
		// woken a peer
		if m.hasWork(tid) {
			YieldToHold()
			continue
		}
		timeout := m.maxPollTimeout
		if hasTimer && next < timeout {
			timeout = next
		}

		n, err := m.poller.wait(events, timeout)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			fatal(m.logger, "idle", "epoll_wait: "+err.Error())
		}

		for i := 0; i < n; i++ {
			if int(events[i].Fd) == m.wakeRead {
				drainFD(m.wakeRead)
			}
		}
		for i := 0; i < n; i++ {
			if int(events[i].Fd) != m.wakeRead {
				m.ready(events[i])
			}
		}

		if cbs := m.ListExpired(); len(cbs) != 0 {
			tasks := make([]Task, len(cbs))
			for i, cb := range cbs {
				tasks[i] = Task{Func: cb}
			}
			m.ScheduleBatch(tasks...)
		}

		YieldToHold()
	}
}
