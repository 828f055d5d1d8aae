package fiber

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"golang.org/x/sync/errgroup"
)

// AnyThread is the [Task.Thread] value for tasks that may run on any worker.
const AnyThread = 0

// Task is a unit of work for a [Scheduler]: a fiber to resume, or a func to
// run on a scratch fiber. At most one of Fiber and Func may be set; a task
// with neither is ignored.
type Task struct {
	Fiber *Fiber
	Func  func()
	// Thread pins the task to the worker with this id, see GetThreadID.
	Thread int
}

// schedulerHooks are the overridable behaviours of a scheduler. A plain
// Scheduler implements them itself; an IOManager replaces them with its
// epoll based versions.
type schedulerHooks interface {
	// tickle wakes workers that may be blocked in idle.
	tickle()
	// idle is the body of each worker's idle fiber.
	idle()
	// stopping reports whether workers may exit.
	stopping() bool
}

// Scheduler runs fibers and funcs on a fixed pool of worker threads.
type Scheduler struct {
	hooks  schedulerHooks
	logger *Logger
	// cond is signalled by the base tickle, for workers parked in idle
	cond *sync.Cond
	// shared holds unpinned tasks
	shared *queue.Queue
	// pinned holds tasks pinned to a thread, by thread id
	pinned map[int]*queue.Queue
	// eg joins the spawned workers
	eg *errgroup.Group
	// rootFiber runs the dispatch loop on the caller, if useCaller
	rootFiber *Fiber
	// rootThread is the caller's thread, if useCaller
	rootThread *threadContext
	// workers are the threads spawned by Start
	workers   []*threadContext
	threadIDs []int
	// threadByID indexes the root thread and the workers
	threadByID map[int]*threadContext
	name      string
	mu        sync.Mutex
	// queued is the number of tasks across all queues
	queued      int
	activeCount atomic.Int64
	idleCount   atomic.Int64
	// stopFlag is set while not running, i.e. before Start and from Stop
	stopFlag atomic.Bool
	autoStop atomic.Bool
	started  bool
	stopped  bool
}

// NewScheduler creates a scheduler. Workers are not spawned until
// [Scheduler.Start].
//
// With [WithUseCaller] (the default) the calling goroutine becomes one of
// the workers: it gets a root fiber running the dispatch loop, which runs
// while the caller is blocked in [Scheduler.Stop].
func NewScheduler(opts ...Option) (*Scheduler, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	s := newScheduler(cfg)
	s.hooks = s
	return s, nil
}

func newScheduler(cfg *schedulerOptions) *Scheduler {
	s := &Scheduler{
		logger: cfg.logger,
		shared:     queue.New(),
		pinned:     make(map[int]*queue.Queue),
		threadByID: make(map[int]*threadContext),
		name:       cfg.name,
	}
	s.cond = sync.NewCond(&s.mu)
	s.stopFlag.Store(true)

	threads := cfg.threads
	if cfg.useCaller {
		t := currentThread()
		t.mainFiber()
		if t.scheduler != nil {
			fatal(s.logger, "NewScheduler", "calling thread already belongs to scheduler "+strconv.Quote(t.scheduler.name))
		}
		threads--
		t.scheduler = s
		if s.name != "" {
			t.name = s.name
		}
		s.rootThread = t
		s.rootFiber = NewFiber(func() { s.run(t) }, 0)
		t.schedFiber = s.rootFiber
		s.pinned[t.id] = queue.New()
		s.threadIDs = append(s.threadIDs, t.id)
		s.threadByID[t.id] = t
	}

	for i := 0; i < threads; i++ {
		var name string
		if s.name != "" {
			name = s.name + "_" + strconv.Itoa(i)
		}
		t := newThreadContext(name)
		s.workers = append(s.workers, t)
		s.pinned[t.id] = queue.New()
		s.threadIDs = append(s.threadIDs, t.id)
		s.threadByID[t.id] = t
	}
	return s
}

// Name returns the scheduler's name.
func (s *Scheduler) Name() string { return s.name }

// ThreadIDs returns the ids of the scheduler's threads, the calling thread
// first when the scheduler uses it.
func (s *Scheduler) ThreadIDs() []int {
	return append([]int(nil), s.threadIDs...)
}

// CurrentScheduler returns the scheduler the calling thread belongs to, or
// nil.
func CurrentScheduler() *Scheduler {
	if t := lookupThread(); t != nil {
		return t.scheduler
	}
	return nil
}

// SchedulerMainFiber returns the fiber running the calling thread's dispatch
// loop, or nil if the thread does not belong to a scheduler.
func SchedulerMainFiber() *Fiber {
	if t := lookupThread(); t != nil {
		return t.schedFiber
	}
	return nil
}

// Start spawns the worker threads. Calling Start on a running scheduler does
// nothing, as does calling it after Stop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.stopFlag.Store(false)
	s.eg = new(errgroup.Group)
	for _, t := range s.workers {
		s.eg.Go(func() error {
			unbind := t.bind()
			defer unbind()
			s.run(t)
			return nil
		})
	}
	s.logger.Info().
		Str("scheduler", s.name).
		Int("threads", len(s.threadIDs)).
		Log("scheduler started")
}

// Stop waits for all queued work to finish, then stops the workers.
//
// A scheduler that uses its calling thread must be stopped from that
// goroutine, which runs the dispatch loop until the scheduler is drained. A
// scheduler that does not must not be stopped from one of its own workers.
func (s *Scheduler) Stop() {
	t := lookupThread()
	if s.rootThread != nil {
		if t != s.rootThread {
			fatal(s.logger, "Stop", "scheduler "+strconv.Quote(s.name)+" must be stopped from the thread that created it")
		}
	} else if t != nil && t.scheduler == s {
		fatal(s.logger, "Stop", "scheduler "+strconv.Quote(s.name)+" stopped from one of its own threads")
	}

	s.autoStop.Store(true)
	if s.rootFiber != nil && len(s.workers) == 0 {
		if st := s.rootFiber.State(); st == StateTerm || st == StateInit {
			s.stopFlag.Store(true)
			if s.hooks.stopping() {
				s.logger.Info().Str("scheduler", s.name).Log("scheduler stopped")
				s.finishStop()
				return
			}
		}
	}

	s.stopFlag.Store(true)
	for range s.workers {
		s.hooks.tickle()
	}
	if s.rootFiber != nil {
		s.hooks.tickle()
		if !s.hooks.stopping() && s.rootFiber.State() != StateTerm {
			s.rootFiber.resumeOn(t)
		}
	}

	s.mu.Lock()
	eg := s.eg
	s.eg = nil
	s.mu.Unlock()
	if eg != nil {
		// spawn and join only, workers never return an error
		_ = eg.Wait()
	}
	s.finishStop()
	s.logger.Info().Str("scheduler", s.name).Log("scheduler stopped")
}

func (s *Scheduler) finishStop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	if t := s.rootThread; t != nil && t.scheduler == s {
		t.scheduler = nil
		t.schedFiber = nil
		t.hook = false
		if s.rootFiber.State().resettable() {
			s.rootFiber.Destroy()
		}
	}
}

// Schedule queues a task. Workers are tickled if the task's queue was empty.
func (s *Scheduler) Schedule(task Task) {
	s.mu.Lock()
	wake := s.scheduleLocked(task)
	s.mu.Unlock()
	if wake {
		s.hooks.tickle()
	}
}

// ScheduleFunc queues fn to run on any worker.
func (s *Scheduler) ScheduleFunc(fn func()) {
	s.Schedule(Task{Func: fn})
}

// ScheduleFiber queues f to be resumed on any worker.
func (s *Scheduler) ScheduleFiber(f *Fiber) {
	s.Schedule(Task{Fiber: f})
}

// ScheduleBatch queues tasks in order, taking the queue lock once.
func (s *Scheduler) ScheduleBatch(tasks ...Task) {
	var wake bool
	s.mu.Lock()
	for _, task := range tasks {
		if s.scheduleLocked(task) {
			wake = true
		}
	}
	s.mu.Unlock()
	if wake {
		s.hooks.tickle()
	}
}

// scheduleLocked queues task, reporting whether its queue was empty.
func (s *Scheduler) scheduleLocked(task Task) bool {
	if task.Fiber != nil && task.Func != nil {
		s.mu.Unlock()
		fatal(s.logger, "Schedule", "task has both a fiber and a func")
	}
	if task.Fiber == nil && task.Func == nil {
		return false
	}
	q := s.shared
	if task.Thread != AnyThread {
		q = s.pinned[task.Thread]
		if q == nil {
			if allowWarning(unknownThreadWarning{s, task.Thread}) {
				s.logger.Warning().
					Str("scheduler", s.name).
					Int("thread_id", task.Thread).
					Log("task pinned to a thread outside of the scheduler")
			}
			q = queue.New()
			s.pinned[task.Thread] = q
		}
	}
	wasEmpty := q.Length() == 0
	q.Add(task)
	s.queued++
	return wasEmpty
}

type unknownThreadWarning struct {
	s      *Scheduler
	thread int
}

// take removes the next task eligible to run on thread tid. It reports
// whether other workers should be tickled: unpinned work remains, or work is
// pinned to a parked worker whose wake-up may have been taken by tid.
func (s *Scheduler) take(tid int) (task Task, ok bool, more bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q := s.pinned[tid]; q != nil {
		task, ok = s.popLocked(q)
	}
	if !ok {
		task, ok = s.popLocked(s.shared)
	}
	if ok {
		s.activeCount.Add(1)
	}
	return task, ok, s.peerWorkLocked(tid)
}

// peerWorkLocked reports whether a thread other than tid could take queued
// work right now. Tasks pinned to threads that are not dispatching, e.g. an
// unknown id, or a use-caller root thread before Stop, do not count.
func (s *Scheduler) peerWorkLocked(tid int) bool {
	if s.shared.Length() != 0 {
		return true
	}
	for id, q := range s.pinned {
		if id == tid || q.Length() == 0 {
			continue
		}
		if t := s.threadByID[id]; t != nil && t.parked.Load() {
			return true
		}
	}
	return false
}

// popLocked removes the first task of q that can run now. A fiber that is
// still switching out (StateExec) is moved to the back of q.
func (s *Scheduler) popLocked(q *queue.Queue) (Task, bool) {
	for n := q.Length(); n > 0; n-- {
		task := q.Remove().(Task)
		if task.Fiber != nil && task.Fiber.State() == StateExec {
			q.Add(task)
			continue
		}
		s.queued--
		return task, true
	}
	return Task{}, false
}

// hasWork reports whether anything is queued that thread tid could take.
func (s *Scheduler) hasWork(tid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasWorkLocked(tid)
}

// hasWorkLocked reports whether anything is queued that thread tid could
// take.
func (s *Scheduler) hasWorkLocked(tid int) bool {
	if q := s.pinned[tid]; q != nil && q.Length() != 0 {
		return true
	}
	return s.shared.Length() != 0
}

// taskDone balances the active count incremented by take.
func (s *Scheduler) taskDone() {
	if s.activeCount.Add(-1) == 0 && s.stopFlag.Load() {
		s.hooks.tickle()
	}
}

// run is the dispatch loop of thread t.
func (s *Scheduler) run(t *threadContext) {
	s.logger.Debug().
		Str("scheduler", s.name).
		Str("thread", t.name).
		Log("dispatch loop started")
	t.hook = true
	t.scheduler = s
	if t != s.rootThread {
		t.schedFiber = t.mainFiber()
	}

	idleFiber := NewFiber(s.hooks.idle, 0)
	var cbFiber *Fiber
	for {
		task, ok, more := s.take(t.id)
		if more {
			s.hooks.tickle()
		}

		switch {
		case task.Fiber != nil && !task.Fiber.State().Terminal():
			f := task.Fiber
			st := f.resumeOn(t)
			s.taskDone()
			switch {
			case st == StateReady:
				s.Schedule(Task{Fiber: f, Thread: task.Thread})
			case st.Terminal() && f.c.scratch:
				// a func task that outlived its worker's scratch fiber
				f.Destroy()
			}

		case task.Func != nil:
			if cbFiber != nil {
				cbFiber.Reset(task.Func)
			} else {
				cbFiber = NewFiber(task.Func, 0)
				cbFiber.c.scratch = true
			}
			st := cbFiber.resumeOn(t)
			s.taskDone()
			switch {
			case st == StateReady:
				s.Schedule(Task{Fiber: cbFiber, Thread: task.Thread})
				cbFiber = nil
			case st.Terminal():
				cbFiber.Reset(nil)
			default:
				// held, whoever resumes it next takes ownership
				cbFiber = nil
			}

		case ok:
			// a fiber that already finished
			s.taskDone()

		default:
			if idleFiber.State().Terminal() {
				s.logger.Debug().
					Str("scheduler", s.name).
					Str("thread", t.name).
					Log("idle fiber finished")
				if cbFiber != nil {
					cbFiber.Destroy()
				}
				idleFiber.Destroy()
				t.hook = false
				if t != s.rootThread {
					t.scheduler = nil
					t.schedFiber = nil
				}
				return
			}
			s.idleCount.Add(1)
			t.parked.Store(true)
			idleFiber.resumeOn(t)
			t.parked.Store(false)
			s.idleCount.Add(-1)
		}
	}
}

// tickle wakes workers parked in the base idle.
func (s *Scheduler) tickle() {
	s.logger.Trace().Str("scheduler", s.name).Log("tickle")
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// stopping reports whether the scheduler was told to stop and has drained.
func (s *Scheduler) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stoppingLocked()
}

func (s *Scheduler) stoppingLocked() bool {
	return s.autoStop.Load() && s.stopFlag.Load() && s.queued == 0 && s.activeCount.Load() == 0
}

// idle parks the worker until there is work it can take, or the scheduler
// is stopping.
func (s *Scheduler) idle() {
	tid := GetThreadID()
	for !s.hooks.stopping() {
		s.mu.Lock()
		for !s.hasWorkLocked(tid) && !s.stoppingLocked() {
			s.cond.Wait()
		}
		s.mu.Unlock()
		YieldToHold()
	}
}
