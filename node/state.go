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

// Package node implements the per-node state machine shared by all four
// engine flavors: the status lattice, the join-counter dataflow protocol,
// the notify-counter cursor, and the short blocking lock used by the
// dynamic-parallel flavor to protect the {status read; successor-list
// append} critical section (spec.md §3, §4.5).
package node

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// Status is a node's position in the lifecycle
// Unvisited -> Visited -> Expanded -> Computed -> Completed. The numeric
// values are increasing so that invariant I1 ("status only ever advances")
// is a plain ">=" comparison on the underlying integer.
type Status uint32

const (
	StatusUnvisited Status = iota
	StatusVisited
	StatusExpanded
	StatusComputed
	StatusCompleted
)

func (s Status) String() string {
	switch s {
	case StatusUnvisited:
		return "UNVISITED"
	case StatusVisited:
		return "VISITED"
	case StatusExpanded:
		return "EXPANDED"
	case StatusComputed:
		return "COMPUTED"
	case StatusCompleted:
		return "COMPLETED"
	default:
		return fmt.Sprintf("Status(%d)", uint32(s))
	}
}

// Base is the embeddable state machine for a single node. It is safe for
// concurrent use by multiple goroutines, matching the synchronization
// strength the dynamic-parallel flavor needs; the serial flavors simply
// never contend on it.
type Base struct {
	Key int64

	status atomic.Uint32

	// joinCounter starts at 0. The dynamic flavors add the claimer's "self"
	// ticket with AddJoin(1); it is incremented once per discovered
	// predecessor and decremented once a predecessor completes its Compute,
	// plus once when the self-ticket is released (spec.md §4.5).
	joinCounter atomic.Int64

	// notifyCounter is a cursor into a successor list, for a
	// compute-and-notify loop that notifies in rounds. Package engine does
	// not use it: its dynamic-parallel flavor marks COMPUTED and snapshots
	// the successor list in one blocking-lock section and notifies once.
	notifyCounter atomic.Int64

	// blockingLock is the short spinlock guarding {status read; successor
	// append} in the dynamic-parallel flavor. It must never be held across a
	// spawn (spec.md §5).
	blockingLock atomic.Bool
}

// Init sets the node's key. Must be called before any other method. The
// join counter starts at zero; callers that need a "self" ticket (the
// dynamic flavors, per spec.md §4.5) add it explicitly with AddJoin(1).
func (b *Base) Init(key int64) {
	b.Key = key
}

// Status returns the node's current status. Safe to call from any thread;
// spec.md's "monotone status" property (§8.5) holds for any sequence of
// calls to this method.
func (b *Base) Status() Status {
	return Status(b.status.Load())
}

// TryMarkVisited performs the UNVISITED -> VISITED CAS. It returns true iff
// this call performed the transition, making the caller the unique
// "claimer" for this node (spec.md §4.4, §4.5).
func (b *Base) TryMarkVisited() bool {
	return b.status.CompareAndSwap(uint32(StatusUnvisited), uint32(StatusVisited))
}

// MarkExpanded performs the VISITED -> EXPANDED transition. It panics if
// the node is not currently VISITED, since that would indicate a protocol
// violation (spec.md §7's "protocol assertions").
func (b *Base) MarkExpanded() {
	if !b.status.CompareAndSwap(uint32(StatusVisited), uint32(StatusExpanded)) {
		panic(fmt.Sprintf("node %d: MarkExpanded called from status %s", b.Key, b.Status()))
	}
}

// MarkComputed performs the EXPANDED -> COMPUTED transition. It panics if
// the node is not currently EXPANDED.
func (b *Base) MarkComputed() {
	if !b.status.CompareAndSwap(uint32(StatusExpanded), uint32(StatusComputed)) {
		panic(fmt.Sprintf("node %d: MarkComputed called from status %s", b.Key, b.Status()))
	}
}

// MarkCompletedUnconditional performs the COMPUTED -> COMPLETED transition
// without taking the blocking lock. It is only valid when no other
// goroutine can complete the same node. The dynamic-parallel flavor in
// engine calls it from computeAndNotify for a node that generated no
// children, and otherwise from the unique goroutine that drives the node's
// pendingGenerated countdown to zero. The serial flavors do not call it.
func (b *Base) MarkCompletedUnconditional() {
	if !b.status.CompareAndSwap(uint32(StatusComputed), uint32(StatusCompleted)) {
		panic(fmt.Sprintf("node %d: MarkCompletedUnconditional called from status %s", b.Key, b.Status()))
	}
}

// AddJoin atomically adds delta to the join counter and returns the
// updated value. Used when a predecessor is discovered (delta=+1).
func (b *Base) AddJoin(delta int64) int64 {
	return b.joinCounter.Add(delta)
}

// JoinCounter returns the current join counter value.
func (b *Base) JoinCounter() int64 {
	return b.joinCounter.Load()
}

// NotifyCounter returns the current notify cursor.
func (b *Base) NotifyCounter() int64 {
	return b.notifyCounter.Load()
}

// SetNotifyCounter sets the notify cursor. Only the node's own
// compute-and-notify loop may call this.
func (b *Base) SetNotifyCounter(v int64) {
	b.notifyCounter.Store(v)
}

// AcquireBlockingLock spins until it acquires the blocking lock, mirroring
// nabbit_sysdep.h's lock_acquire: a bounded number of CPU-pause spins
// followed by cooperative yielding under heavier contention.
func (b *Base) AcquireBlockingLock() {
	spins := 0
	for !b.blockingLock.CompareAndSwap(false, true) {
		spins++
		if spins > 1000 {
			runtime.Gosched()
		}
	}
}

// TryAcquireBlockingLock attempts to acquire the blocking lock without
// spinning.
func (b *Base) TryAcquireBlockingLock() bool {
	return b.blockingLock.CompareAndSwap(false, true)
}

// ReleaseBlockingLock releases the blocking lock. It panics if the lock is
// not currently held, mirroring the assert in nabbit_sysdep.h's
// lock_release.
func (b *Base) ReleaseBlockingLock() {
	if !b.blockingLock.CompareAndSwap(true, false) {
		panic(fmt.Sprintf("node %d: ReleaseBlockingLock called without holding the lock", b.Key))
	}
}
