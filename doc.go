// Package fiber provides stackful, cooperatively scheduled fibers, an M:N
// scheduler that multiplexes them over a bounded pool of worker threads, a
// deadline-ordered timer manager, and (on Linux) an epoll driven I/O manager
// that wakes fibers when their file descriptors become ready or their timers
// expire.
//
// # Fibers
//
// A [Fiber] owns a stack on which its callback runs. [Fiber.Resume] switches
// into the fiber, and [YieldToHold] or [YieldToReady] switch back out to
// whoever resumed it, leaving the fiber's stack intact so a later Resume
// continues immediately after the yield. A fiber that finished (state
// [StateTerm] or [StateExcept]) can be [Fiber.Reset] with a new callback,
// which reuses the same stack.
//
// Stacks are runtime coroutines (see [iter.Pull]), so a context switch is a
// direct hand-off between goroutines without a trip through the scheduler of
// the Go runtime. Fiber code must not call [runtime.LockOSThread].
//
// # Threads
//
// Each worker of a [Scheduler] is a "thread": a goroutine with a stable
// logical id ([GetThreadID]) and name ([GetThreadName]), an explicit
// execution context holding its current fiber, its main fiber, the scheduler
// it belongs to, and its hook flag. Any other goroutine that touches the
// fiber API gets a thread context lazily, the same way the calling thread of
// a use-caller scheduler does.
//
// # Scheduling
//
//	s, err := fiber.NewScheduler(fiber.WithThreads(4), fiber.WithUseCaller(false))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	s.Start()
//	s.ScheduleFunc(func() {
//	    // runs inside a fiber on one of the workers
//	    fiber.YieldToReady()
//	})
//	s.Stop()
//
// Tasks may be pinned to a worker by setting [Task.Thread]. Each affinity
// class is served in FIFO order; a worker drains work pinned to it before
// unpinned work.
//
// # Failure model
//
// A panic inside a fiber callback is contained: the fiber ends in
// [StateExcept], the panic is recorded as a [*PanicError] and logged, and the
// scheduler carries on. Violated preconditions (resuming a running fiber,
// destroying a suspended one, stopping a scheduler from the wrong thread) are
// programming errors; they are logged at critical level and panic with an
// [*InvariantError], which is not contained.
package fiber
