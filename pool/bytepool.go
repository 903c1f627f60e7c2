// File: pool/bytepool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

// DefaultBufferSize is the read buffer size used by stream and datagram pumps.
const DefaultBufferSize = 64 << 10

// BytePool hands out fixed-size read buffers.
type BytePool struct {
	items *Typed[*[]byte]
	size  int
}

// NewBytePool returns a pool of size-byte buffers; size <= 0 selects
// DefaultBufferSize.
func NewBytePool(size int) *BytePool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &BytePool{
		items: NewTyped(
			func() *[]byte {
				b := make([]byte, size)
				return &b
			},
			func(b *[]byte) bool {
				if b == nil || cap(*b) < size {
					return false
				}
				*b = (*b)[:size]
				return true
			}),
		size: size,
	}
}

// Size returns the length of buffers handed out by the pool.
func (b *BytePool) Size() int { return b.size }

// GetBuffer returns a buffer of Size bytes.
func (b *BytePool) GetBuffer() *[]byte { return b.items.Get() }

// PutBuffer returns a buffer obtained from GetBuffer. Buffers too small
// for the pool are dropped.
func (b *BytePool) PutBuffer(buf *[]byte) { b.items.Put(buf) }

// Counters reports buffer traffic, e.g. for a debug probe.
func (b *BytePool) Counters() Counters { return b.items.Counters() }
