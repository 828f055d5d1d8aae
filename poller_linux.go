//go:build linux

package fiber

import (
	"time"

	"golang.org/x/sys/unix"
)

// maxPollEvents is the number of readiness events collected per wait.
const maxPollEvents = 256

// epoller is an edge triggered epoll instance.
type epoller struct {
	epfd int
}

func newEpoller() (*epoller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epoller{epfd: epfd}, nil
}

func (p *epoller) close() error {
	return closeFD(p.epfd)
}

// control applies an EPOLL_CTL_* op for fd, with interest in events.
func (p *epoller) control(op int, fd int, events Event) error {
	ev := unix.EpollEvent{
		Events: unix.EPOLLET | eventsToEpoll(events),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(p.epfd, op, fd, &ev)
}

// wait blocks for up to timeout, rounded up to the next millisecond.
func (p *epoller) wait(buf []unix.EpollEvent, timeout time.Duration) (int, error) {
	return unix.EpollWait(p.epfd, buf, int(durationToMs(timeout)))
}

// eventsToEpoll converts Event to epoll event flags.
func eventsToEpoll(events Event) uint32 {
	var epollEvents uint32
	if events&EventRead != 0 {
		epollEvents |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		epollEvents |= unix.EPOLLOUT
	}
	return epollEvents
}

// epollToEvents converts epoll event flags to the registered directions they
// make ready. An error or hangup makes every registered direction ready, so
// the waiter observes the condition on its next syscall.
func epollToEvents(epollEvents uint32, registered Event) Event {
	if epollEvents&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		epollEvents |= eventsToEpoll(registered)
	}
	var events Event
	if epollEvents&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	return events & registered
}
