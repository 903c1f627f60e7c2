//go:build unix

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// ListenConfig enables SO_REUSEADDR so restarted listeners can rebind
// while old sockets sit in TIME_WAIT.
func ListenConfig() net.ListenConfig {
	return net.ListenConfig{Control: ReuseAddr}
}

// ReuseAddr is a net.ListenConfig control hook setting SO_REUSEADDR.
func ReuseAddr(_, _ string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return serr
}
