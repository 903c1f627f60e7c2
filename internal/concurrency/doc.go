// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Bookkeeping primitives shared by connections and listeners: a bounded
// counter with level-triggered zero and full waits, and a task scheduler
// that tracks tasks, correlation futures and periodic jobs so their owner
// can drain them within a bound on close.
package concurrency
