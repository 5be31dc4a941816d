//go:build !unix

package dialer

import "syscall"

func resetOnClose(_, _ string, _ syscall.RawConn) error {
	return nil
}
