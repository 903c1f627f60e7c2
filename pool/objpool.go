// File: pool/objpool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import (
	"sync"
	"sync/atomic"
)

// Counters reports pool traffic since creation.
type Counters struct {
	Gets    uint64 // items handed out
	Allocs  uint64 // items the pool had to create
	Dropped uint64 // items refused on Put
}

// Typed is a sync.Pool for one item type. recycle prepares an item for
// reuse and returns false when the item must not go back into the pool.
type Typed[T any] struct {
	p       sync.Pool
	recycle func(T) bool

	gets, allocs, dropped atomic.Uint64
}

// NewTyped builds a pool creating items with alloc. A nil recycle accepts
// every item unchanged.
func NewTyped[T any](alloc func() T, recycle func(T) bool) *Typed[T] {
	t := &Typed[T]{recycle: recycle}
	t.p.New = func() any {
		t.allocs.Add(1)
		return alloc()
	}
	return t
}

// Get returns a pooled or freshly allocated item.
func (t *Typed[T]) Get() T {
	t.gets.Add(1)
	return t.p.Get().(T)
}

// Put offers item back to the pool.
func (t *Typed[T]) Put(item T) {
	if t.recycle != nil && !t.recycle(item) {
		t.dropped.Add(1)
		return
	}
	t.p.Put(item)
}

// Counters returns a snapshot of the traffic counters.
func (t *Typed[T]) Counters() Counters {
	return Counters{Gets: t.gets.Load(), Allocs: t.allocs.Load(), Dropped: t.dropped.Load()}
}
