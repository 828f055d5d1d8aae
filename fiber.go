package fiber

import (
	"iter"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync/atomic"
)

var (
	fiberIDCounter atomic.Uint64
	totalFibers    atomic.Int64
)

// Fiber is a handle to a stackful, cooperatively scheduled unit of execution.
//
// Handles may be shared freely, e.g. between a scheduler's run queue and the
// code driving the fiber. The fiber's stack is released by [Fiber.Destroy],
// or once the last handle becomes unreachable.
type Fiber struct {
	c *fiberCtx
}

// fiberCtx is the state shared between a [Fiber] handle and its stack. The
// stack only ever references the fiberCtx, so a fiber that is parked on its
// stack does not keep its own handle alive.
type fiberCtx struct {
	cb func()
	// stack is nil for thread main fibers
	stack *stack
	// thread is the thread that most recently resumed the fiber
	thread *threadContext
	// yield switches back to the resumer, see iter.Pull
	yield func(struct{}) bool
	// err is the recovered panic of a fiber in StateExcept
	err error
	id  uint64
	// state is the published FiberState
	state atomic.Int32
	// pending is the state the fiber suspended with, published by the
	// resumer once the switch has completed
	pending FiberState
	// armed is set by construction and Reset, and consumed by each run of
	// the callback
	armed bool
	// scratch marks fibers a scheduler created to run func tasks
	scratch bool
}

// stack is the single owner of a fiber's execution stack, a runtime
// coroutine. The coroutine is parked between callbacks rather than exiting,
// which is what allows Reset to reuse it.
type stack struct {
	next     func() (struct{}, bool)
	stop     func()
	id       uint64
	size     int
	released bool
}

var stackIDCounter atomic.Uint64

func newStack(c *fiberCtx, size int) *stack {
	next, stop := iter.Pull(func(yield func(struct{}) bool) {
		c.run(yield)
	})
	return &stack{
		next: next,
		stop: stop,
		id:   stackIDCounter.Add(1),
		size: size,
	}
}

// NewFiber creates a fiber in [StateInit] that will run cb on its own stack
// the first time it is resumed. A stackSize of 0 means [DefaultStackSize].
func NewFiber(cb func(), stackSize int) *Fiber {
	if stackSize <= 0 {
		stackSize = DefaultStackSize()
	}
	c := &fiberCtx{
		id:    fiberIDCounter.Add(1),
		cb:    cb,
		armed: true,
	}
	c.stack = newStack(c, stackSize)
	f := &Fiber{c: c}
	runtime.AddCleanup(f, releaseCollected, c)
	totalFibers.Add(1)
	getLogger().Trace().
		Uint64("fiber_id", c.id).
		Int("stack_size", stackSize).
		Log("fiber created")
	return f
}

func newMainFiber(t *threadContext) *Fiber {
	c := &fiberCtx{thread: t}
	c.state.Store(int32(StateExec))
	totalFibers.Add(1)
	getLogger().Trace().
		Int("thread_id", t.id).
		Log("main fiber created")
	return &Fiber{c: c}
}

// ID returns the fiber's id. Thread main fibers have id 0.
func (f *Fiber) ID() uint64 { return f.c.id }

// State returns the fiber's current state.
func (f *Fiber) State() FiberState { return f.c.loadState() }

// StackSize returns the stack size the fiber was created with, or 0 for a
// thread main fiber.
func (f *Fiber) StackSize() int {
	if f.c.stack == nil {
		return 0
	}
	return f.c.stack.size
}

// Err returns a [*PanicError] describing why the fiber ended in
// [StateExcept], or nil.
func (f *Fiber) Err() error { return f.c.err }

func (f *Fiber) String() string {
	return "fiber#" + strconv.FormatUint(f.c.id, 10) + "(" + f.State().String() + ")"
}

func (c *fiberCtx) loadState() FiberState { return FiberState(c.state.Load()) }

// Reset replaces the callback of a fiber in StateInit, StateTerm or
// StateExcept, returning it to StateInit. The fiber keeps its stack.
func (f *Fiber) Reset(cb func()) {
	c := f.c
	if c.stack == nil {
		fatal(getLogger(), "Reset", "thread main fiber has no stack")
	}
	if c.stack.released {
		fatal(getLogger(), "Reset", f.String()+" was destroyed")
	}
	if st := c.loadState(); !st.resettable() {
		fatal(getLogger(), "Reset", f.String()+" is not INIT, TERM or EXCEPT")
	}
	c.cb = cb
	c.err = nil
	c.armed = true
	c.state.Store(int32(StateInit))
}

// Resume switches the calling thread into the fiber. It returns once the
// fiber yields or its callback finishes.
func (f *Fiber) Resume() {
	f.resumeOn(currentThread())
}

// resumeOn runs f on thread t, returning the state f suspended or finished
// with. Once f is published in that state another thread may pick it up, so
// callers must act on the returned state rather than re-reading it.
func (f *Fiber) resumeOn(t *threadContext) FiberState {
	c := f.c
	if c.stack == nil {
		fatal(getLogger(), "Resume", "thread main fiber has no stack")
	}
	if c.stack.released {
		fatal(getLogger(), "Resume", f.String()+" was destroyed")
	}
	st := c.loadState()
	switch st {
	case StateExec, StateTerm, StateExcept:
		fatal(getLogger(), "Resume", f.String()+" cannot be resumed")
	}
	if !c.state.CompareAndSwap(int32(st), int32(StateExec)) {
		fatal(getLogger(), "Resume", f.String()+" resumed concurrently")
	}

	prev := t.current
	if prev == nil {
		prev = t.mainFiber()
	}
	c.thread = t
	c.pending = StateExec
	t.current = f
	defer func() { t.current = prev }()

	if _, ok := c.stack.next(); !ok {
		fatal(getLogger(), "Resume", f.String()+" stack exited")
	}
	st = c.pending
	c.state.Store(int32(st))
	return st
}

// Destroy releases the fiber's stack. The fiber must be in StateInit,
// StateTerm or StateExcept. Destroying a thread main fiber, or a fiber that
// was already destroyed, does nothing.
func (f *Fiber) Destroy() {
	c := f.c
	if c.stack == nil || c.stack.released {
		return
	}
	if st := c.loadState(); !st.resettable() {
		fatal(getLogger(), "Destroy", f.String()+" still has a live stack")
	}
	c.release()
}

func (c *fiberCtx) release() {
	c.stack.released = true
	c.stack.stop()
	totalFibers.Add(-1)
	getLogger().Trace().
		Uint64("fiber_id", c.id).
		Log("fiber released")
}

// releaseCollected releases the stack of a fiber whose handle was garbage
// collected without being destroyed.
func releaseCollected(c *fiberCtx) {
	if c.stack.released {
		return
	}
	if st := c.loadState(); !st.resettable() {
		getLogger().Warning().
			Uint64("fiber_id", c.id).
			Stringer("state", st).
			Log("unreachable fiber still suspended, unwinding its stack")
	}
	c.release()
}

// run is the trampoline at the base of every fiber stack. It runs one
// callback per Resume following construction or Reset, parking in between.
func (c *fiberCtx) run(yield func(struct{}) bool) {
	c.yield = yield
	gid := getGoroutineID()
	threads.Store(gid, c)
	defer threads.Delete(gid)
	defer func() {
		if r := recover(); r != nil && r != errUnwind {
			panic(r)
		}
	}()
	for {
		if !c.armed {
			fatal(getLogger(), "run", "fiber#"+strconv.FormatUint(c.id, 10)+" resumed after its callback finished")
		}
		c.invoke()
		if !yield(struct{}{}) {
			return
		}
	}
}

// invoke runs the callback, converting a panic into StateExcept.
func (c *fiberCtx) invoke() {
	c.armed = false
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if r == errUnwind {
			panic(r)
		}
		if _, ok := r.(*InvariantError); ok {
			panic(r)
		}
		trace := debug.Stack()
		c.cb = nil
		c.err = &PanicError{Value: r, Stack: trace}
		c.pending = StateExcept
		getLogger().Err().
			Uint64("fiber_id", c.id).
			Any("panic", r).
			Str("stack", string(trace)).
			Log("fiber callback panicked")
	}()
	c.cb()
	c.cb = nil
	c.pending = StateTerm
}

// suspend switches back to the resumer, which publishes state.
func (c *fiberCtx) suspend(state FiberState) {
	c.pending = state
	if !c.yield(struct{}{}) {
		panic(errUnwind)
	}
}

// GetThis returns the fiber running on the calling thread. On a thread that
// is not running any fiber it returns the thread's main fiber, creating it on
// first use.
func GetThis() *Fiber {
	t := currentThread()
	if t.current == nil {
		t.mainFiber()
	}
	return t.current
}

// CurrentFiberID returns the id of the fiber running on the calling thread,
// or 0 if there is none.
func CurrentFiberID() uint64 {
	t := lookupThread()
	if t == nil || t.current == nil {
		return 0
	}
	return t.current.c.id
}

// YieldToReady suspends the running fiber in StateReady. A scheduler puts
// ready fibers back on its run queue.
func YieldToReady() { yieldCurrent("YieldToReady", StateReady) }

// YieldToHold suspends the running fiber in StateHold. Someone has to
// schedule or resume it again, e.g. an I/O event or a timer.
func YieldToHold() { yieldCurrent("YieldToHold", StateHold) }

func yieldCurrent(op string, state FiberState) {
	c := GetThis().c
	if c.stack == nil {
		fatal(getLogger(), op, "cannot yield from a thread main fiber")
	}
	c.suspend(state)
}

// TotalFibers returns the number of live fibers in the process, including
// thread main fibers.
func TotalFibers() int64 {
	return totalFibers.Load()
}
