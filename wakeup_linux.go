//go:build linux

package fiber

import (
	"golang.org/x/sys/unix"
)

// createWakePipe creates the non-blocking self-pipe used to interrupt
// epoll_wait (Linux). Returns the read and write ends.
func createWakePipe() (int, int, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return -1, -1, err
	}
	return p[0], p[1], nil
}
