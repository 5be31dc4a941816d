//go:build unix

package dialer

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// resetOnClose sets SO_LINGER with a zero timeout on the socket before it
// connects.
func resetOnClose(_, _ string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptLinger(int(fd), unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: 0})
	})
	if err != nil {
		return err
	}
	return serr
}
