// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package tcp implements stream listeners and dialers. Accepted sockets are
// handed out as transport.NetConn; the caller attaches a connection and runs
// transport.Pump on it.
package tcp
