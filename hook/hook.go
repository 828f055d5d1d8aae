//go:build linux

// Package hook provides fiber aware versions of blocking calls.
//
// When called from a fiber running on an [fiber.IOManager] worker (where the
// hook flag is enabled by the dispatch loop), a call that would block
// registers interest with the IOManager and suspends the fiber instead, so
// the worker keeps running other fibers. Everywhere else the calls behave
// like the plain syscalls.
//
// File descriptors must be non-blocking, see [Socket] and [SetNonblock].
package hook

import (
	"sync/atomic"
	"time"
	"weak"

	"github.com/joeycumines/go-fiber"
	"golang.org/x/sys/unix"
)

// Enabled reports whether calls made on the current thread are intercepted.
func Enabled() bool { return fiber.HookEnabled() }

// SetEnabled toggles interception for the current thread.
func SetEnabled(enabled bool) { fiber.SetHookEnabled(enabled) }

// active returns the IOManager to wait on, or nil if the call should not be
// intercepted.
func active() *fiber.IOManager {
	if !fiber.HookEnabled() {
		return nil
	}
	return fiber.CurrentIOManager()
}

// Sleep suspends the calling fiber for d. Without an active IOManager it
// calls [time.Sleep].
func Sleep(d time.Duration) {
	iom := active()
	if iom == nil {
		time.Sleep(d)
		return
	}
	f := fiber.GetThis()
	iom.AddTimer(d, func() {
		iom.ScheduleFiber(f)
	}, false)
	fiber.YieldToHold()
}

// waitState is shared between a suspended fiber and its timeout timer.
type waitState struct {
	timedOut atomic.Bool
	done     atomic.Bool
}

// wait suspends the calling fiber until ev is ready on fd, or timeout
// elapses (0 means no timeout), in which case it returns ETIMEDOUT.
func wait(iom *fiber.IOManager, fd int, ev fiber.Event, timeout time.Duration) error {
	state := new(waitState)
	var timer *fiber.Timer
	if timeout > 0 {
		ref := weak.Make(state)
		timer = iom.AddConditionTimer(timeout, func() {
			st := ref.Value()
			if st == nil || st.done.Load() {
				return
			}
			st.timedOut.Store(true)
			_ = iom.CancelEvent(fd, ev)
		}, fiber.WeakCondition(state), false)
	}
	if err := iom.AddEvent(fd, ev, nil); err != nil {
		if timer != nil {
			timer.Cancel()
		}
		return err
	}
	fiber.YieldToHold()
	state.done.Store(true)
	if timer != nil {
		timer.Cancel()
	}
	if state.timedOut.Load() {
		return unix.ETIMEDOUT
	}
	return nil
}

// doIO retries op until it stops failing with EINTR or EAGAIN, waiting for
// ev on fd after each EAGAIN.
func doIO(fd int, ev fiber.Event, timeout time.Duration, op func() (int, error)) (int, error) {
	for {
		n, err := op()
		for err == unix.EINTR {
			n, err = op()
		}
		if err != unix.EAGAIN {
			return n, err
		}
		iom := active()
		if iom == nil {
			return n, err
		}
		if err := wait(iom, fd, ev, timeout); err != nil {
			return -1, err
		}
	}
}

// Read reads from fd, suspending the calling fiber while no data is
// available.
func Read(fd int, p []byte) (int, error) {
	return ReadTimeout(fd, p, 0)
}

// ReadTimeout is like Read, failing with ETIMEDOUT if fd does not become
// readable within timeout.
func ReadTimeout(fd int, p []byte, timeout time.Duration) (int, error) {
	return doIO(fd, fiber.EventRead, timeout, func() (int, error) {
		return unix.Read(fd, p)
	})
}

// Write writes to fd, suspending the calling fiber while fd is not
// writable. Like [unix.Write] it may write less than len(p).
func Write(fd int, p []byte) (int, error) {
	return WriteTimeout(fd, p, 0)
}

// WriteTimeout is like Write, failing with ETIMEDOUT if fd does not become
// writable within timeout.
func WriteTimeout(fd int, p []byte, timeout time.Duration) (int, error) {
	return doIO(fd, fiber.EventWrite, timeout, func() (int, error) {
		return unix.Write(fd, p)
	})
}

// Accept accepts a connection on the listening socket fd, suspending the
// calling fiber until one arrives. The new socket is non-blocking.
func Accept(fd int) (int, unix.Sockaddr, error) {
	var sa unix.Sockaddr
	nfd, err := doIO(fd, fiber.EventRead, 0, func() (int, error) {
		var (
			n   int
			err error
		)
		n, sa, err = unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		return n, err
	})
	if err != nil {
		return -1, nil, err
	}
	return nfd, sa, nil
}

// Connect connects the non-blocking socket fd to sa, suspending the calling
// fiber until the connection completes or timeout elapses (0 means no
// timeout).
func Connect(fd int, sa unix.Sockaddr, timeout time.Duration) error {
	err := unix.Connect(fd, sa)
	if err != unix.EINPROGRESS {
		return err
	}
	iom := active()
	if iom == nil {
		return err
	}
	if err := wait(iom, fd, fiber.EventWrite, timeout); err != nil {
		return err
	}
	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soErr != 0 {
		return unix.Errno(soErr)
	}
	return nil
}

// Socket creates a non-blocking, close-on-exec socket.
func Socket(domain, typ, proto int) (int, error) {
	return unix.Socket(domain, typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, proto)
}

// SetNonblock puts fd into non-blocking mode.
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}

// Close cancels anything waiting on fd, then closes it.
func Close(fd int) error {
	if iom := active(); iom != nil {
		_ = iom.CancelAll(fd)
	}
	return unix.Close(fd)
}
