//go:build linux

package fiber

import (
	"golang.org/x/sys/unix"
)

var wakeByte = []byte{'T'}

// closeFD closes a file descriptor on Unix systems.
func closeFD(fd int) error {
	return unix.Close(fd)
}

// drainFD reads a non-blocking fd until it would block.
func drainFD(fd int) {
	var buf [256]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil || n <= 0 {
			return
		}
	}
}

// signalFD writes a single byte to a non-blocking fd. A full pipe is not an
// error, since the reader has a wake-up pending anyway.
func signalFD(fd int) error {
	for {
		_, err := unix.Write(fd, wakeByte)
		switch err {
		case unix.EINTR:
			continue
		case nil, unix.EAGAIN:
			return nil
		default:
			return err
		}
	}
}
