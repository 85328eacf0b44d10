//go:build unix

package netx

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseControl lets the probe and the responder of two sessions on one
// machine share the well-known ports, and allows sending to broadcast.
func reuseControl(_, _ string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); serr != nil {
			return
		}
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return serr
}
