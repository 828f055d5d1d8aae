package fiber

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/goroutineid"
)

// threadContext is the explicit execution context of one thread: a worker
// goroutine of a [Scheduler], or any other goroutine that uses the fiber API.
//
// Only goroutines running on behalf of the thread touch its fields, and they
// run one at a time (the thread goroutine itself, or a fiber it resumed), so
// no locking is required.
type threadContext struct {
	// scheduler the thread works for, if any
	scheduler *Scheduler
	// main is the thread's stackless main fiber, created on first use
	main *Fiber
	// current is the fiber running on this thread right now
	current *Fiber
	// schedFiber is the fiber running the thread's dispatch loop
	schedFiber *Fiber
	name       string
	id         int
	hook       bool
	// parked is set while the thread runs its idle fiber
	parked atomic.Bool
}

var (
	threadIDCounter atomic.Int64

	// threads maps goroutine id to either *threadContext (thread goroutines)
	// or *fiberCtx (fiber stacks, which borrow the thread that resumed them).
	threads sync.Map
)

func newThreadContext(name string) *threadContext {
	t := &threadContext{id: int(threadIDCounter.Add(1))}
	if name == "" {
		name = "thread_" + strconv.Itoa(t.id)
	}
	t.name = name
	return t
}

// lookupThread returns the context of the calling thread, or nil if it has
// none yet.
func lookupThread() *threadContext {
	v, ok := threads.Load(getGoroutineID())
	if !ok {
		return nil
	}
	switch v := v.(type) {
	case *threadContext:
		return v
	case *fiberCtx:
		return v.thread
	default:
		return nil
	}
}

// currentThread returns the context of the calling thread, creating it if
// this is the first use of the fiber API on this goroutine.
func currentThread() *threadContext {
	if t := lookupThread(); t != nil {
		return t
	}
	t := newThreadContext("")
	threads.Store(getGoroutineID(), t)
	return t
}

// bind associates t with the calling goroutine, returning a func to undo it.
func (t *threadContext) bind() (unbind func()) {
	gid := getGoroutineID()
	threads.Store(gid, t)
	return func() {
		threads.CompareAndDelete(gid, t)
		if t.main != nil {
			t.main = nil
			totalFibers.Add(-1)
		}
		t.current = nil
	}
}

// mainFiber returns the thread's main fiber, creating it if necessary.
func (t *threadContext) mainFiber() *Fiber {
	if t.main == nil {
		t.main = newMainFiber(t)
		if t.current == nil {
			t.current = t.main
		}
	}
	return t.main
}

// getGoroutineID returns the calling goroutine's id, the key of the thread
// registry.
func getGoroutineID() int64 {
	if id := goroutineid.Fast(); id != -1 {
		return id
	}
	return goroutineid.Slow()
}

// GetThreadID returns the id of the calling thread. Ids are positive and
// unique for the lifetime of the process.
func GetThreadID() int {
	return currentThread().id
}

// GetThreadName returns the name of the calling thread. Scheduler workers
// are named after their scheduler, e.g. "io_0".
func GetThreadName() string {
	return currentThread().name
}

// HookEnabled reports whether blocking call interception is enabled on the
// calling thread. Scheduler workers enable it when their dispatch loop starts.
func HookEnabled() bool {
	t := lookupThread()
	return t != nil && t.hook
}

// SetHookEnabled toggles blocking call interception for the calling thread.
func SetHookEnabled(enabled bool) {
	currentThread().hook = enabled
}
