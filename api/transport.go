// File: api/transport.go
// Author: momentics <momentics@gmail.com>
//
// Defines the transport boundary seen by a connection. Addressing is handed
// to the connection at initialization; nothing else about the transport
// type leaks into the core.

package api

// Transport is a bidirectional byte transport. Write must be safe to call
// from several goroutines; implementations serialize internally or the
// connection serializes for them.
type Transport interface {
	// Write sends one encoded unit.
	Write(p []byte) (n int, err error)

	// Close releases the transport. It must be idempotent.
	Close() error
}
