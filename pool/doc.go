// Package pool
// Author: momentics <momentics@gmail.com>
//
// Reusable read buffers for transport pumps. A pump takes one buffer per
// read, hands the filled prefix to its connection and returns the buffer
// once OnDataReceived came back, so steady-state reads do not allocate.
package pool
