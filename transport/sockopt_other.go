//go:build !unix

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"net"
	"syscall"
)

// ListenConfig returns a plain net.ListenConfig.
func ListenConfig() net.ListenConfig { return net.ListenConfig{} }

// ReuseAddr is a no-op outside unix platforms.
func ReuseAddr(_, _ string, _ syscall.RawConn) error { return nil }
