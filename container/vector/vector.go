// Copyright 2024 The Nabbit Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package vector implements a growable, append-only vector that supports a
// concurrent, lock-free TryAppend alongside a bounds-checked Get that spins
// until the requested index has been published.
//
// The vector never shrinks and never removes entries; it is meant to back
// the per-node predecessor/successor/generated-task lists in package engine,
// each of which is appended to by many goroutines but owned by a single
// node.
package vector

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// maxReserveRetries bounds the CAS loop in TryAppend, mirroring the
// concurrent_array reservation retry budget in the original C++ nabbit
// (dynamic_array.h uses the same style of bounded retry as
// concurrent_linked_list.h's insert_if_absent).
const maxReserveRetries = 1000

// Vector is a growable append-only vector of T. The zero value is not
// usable; construct one with New.
type Vector[T any] struct {
	mu sync.Mutex // guards growth; held across grow's publish spin-wait below.

	// buf is swapped out (never mutated past its published length) whenever
	// the vector grows. Readers load it once and hold onto the slice header,
	// so a concurrent grow never invalidates an in-flight Get: Go's garbage
	// collector keeps the old backing array alive for as long as any reader
	// holds a reference to it, which is the memory-safe-reclamation property
	// the original's "retired buffer" list provided by hand.
	buf atomic.Pointer[[]T]

	// reserved is the number of slots handed out by TryAppend/Append,
	// including slots whose writes haven't been published yet.
	reserved atomic.Int64

	// published is the number of slots whose values are safe to read.
	published atomic.Int64
}

// New creates a vector with the given initial capacity.
func New[T any](initialCapacity int) *Vector[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}

	v := &Vector[T]{}
	buf := make([]T, initialCapacity)
	v.buf.Store(&buf)
	return v
}

// Append adds v to the end of the vector. It is safe to call concurrently,
// but callers that want to observe failure under contention should use
// TryAppend; Append retries indefinitely, matching spec.md's guidance that
// higher layers retry a failed bounded operation until it succeeds.
func (vec *Vector[T]) Append(val T) int {
	for {
		idx, ok := vec.TryAppend(val)
		if ok {
			return idx
		}
	}
}

// TryAppend attempts to reserve a slot and publish val into it. It returns
// false if the reservation CAS exhausts its retry budget under contention;
// callers are expected to retry (each vector belongs to a single node, so
// contention is expected to be low per spec.md §4.2).
func (vec *Vector[T]) TryAppend(val T) (index int, ok bool) {
	for attempt := 0; attempt < maxReserveRetries; attempt++ {
		bufPtr := vec.buf.Load()
		cur := vec.reserved.Load()

		if int(cur) >= len(*bufPtr) {
			vec.grow(int(cur) + 1)
			continue
		}

		if !vec.reserved.CompareAndSwap(cur, cur+1) {
			if attempt > 16 {
				runtime.Gosched()
			}
			continue
		}

		// We own slot `cur`, which is guaranteed < len(*bufPtr) by the check
		// above. grow() will not swap this exact buffer out from under us
		// until every slot below its length has been published (see grow),
		// so writing into the array we loaded here is always safe.
		(*bufPtr)[cur] = val

		// Advance the published counter one slot at a time so Get(i) never
		// observes a published index whose predecessors are not yet visible.
		for !vec.published.CompareAndSwap(cur, cur+1) {
			runtime.Gosched()
		}

		return int(cur), true
	}

	return 0, false
}

// grow doubles the backing array's capacity so that it can hold at least
// needed elements, copying over everything reserved so far.
func (vec *Vector[T]) grow(needed int) {
	vec.mu.Lock()
	defer vec.mu.Unlock()

	bufPtr := vec.buf.Load()
	if needed <= len(*bufPtr) {
		// Someone else already grew the array while we waited for the lock.
		return
	}

	// Every reservation against bufPtr is for some index < len(*bufPtr),
	// and TryAppend's reserve-then-check ordering guarantees reserved can
	// never exceed len(*bufPtr) while bufPtr is still the live buffer (any
	// reservation attempt that would overflow it falls through to grow
	// instead). So once published catches up to len(*bufPtr), every write
	// anyone will ever make into this array has already landed and it is
	// safe to copy and retire it, mirroring the wait loop in the original's
	// resize_array_grow(), which spins on inserted_elements == capacity
	// before resizing for the same reason.
	target := int64(len(*bufPtr))
	for vec.published.Load() < target {
		runtime.Gosched()
	}

	newCap := len(*bufPtr) * 2
	if newCap < needed {
		newCap = needed
	}

	newBuf := make([]T, newCap)
	copy(newBuf, *bufPtr)
	vec.buf.Store(&newBuf)
}

// Get returns the value at index i, spinning until it has been published by
// a concurrent TryAppend/Append. It panics if i is negative.
func (vec *Vector[T]) Get(i int) T {
	if i < 0 {
		panic("vector: negative index")
	}

	spins := 0
	for int(vec.published.Load()) <= i {
		spins++
		if spins > 1000 {
			runtime.Gosched()
		}
	}

	return (*vec.buf.Load())[i]
}

// SizeEstimate returns a lower bound on the number of published elements.
// It never reports more entries than have become observable to the caller.
func (vec *Vector[T]) SizeEstimate() int {
	return int(vec.published.Load())
}

// Snapshot returns a copy of the currently published elements, in order.
// It is intended for diagnostics and tests, not the engine's hot path.
func (vec *Vector[T]) Snapshot() []T {
	n := vec.SizeEstimate()
	out := make([]T, n)
	for i := 0; i < n; i++ {
		out[i] = vec.Get(i)
	}
	return out
}
