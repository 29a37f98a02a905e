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

// Package clist implements a singly-linked, append-only, lock-free list
// keyed by a 64-bit integer, optimized for InsertIfAbsent. There is no
// concurrent delete; Dead is a reserved cell status for a future delete
// extension and is never produced by this package (see DESIGN.md).
//
// This is a direct translation of original_source/include/concurrent_linked_list.h
// (jsukha/nabbit) from hand-rolled CAS macros to sync/atomic.
package clist

import (
	"sync/atomic"
)

// maxRetries bounds the CAS retry loops in Search and InsertIfAbsent,
// matching concurrent_linked_list.h's retry_count < 10.
const maxRetries = 10

// Status is the lifecycle of a single cell.
type Status int32

const (
	StatusDummy Status = iota
	StatusValid
	StatusDead // reserved; never produced by this package.
)

// OpStatus is the result of a List operation.
type OpStatus int

const (
	OpNotFound OpStatus = iota
	OpFound
	OpFailed
	OpInserted
)

type cell struct {
	key    int64
	value  any
	status Status
	next   atomic.Pointer[cell]
}

// List is a lock-free, append-only, insert-if-absent linked list.
type List struct {
	head atomic.Pointer[cell] // sentinel; head.Load() is never nil.

	// sizeEstimate is a best-effort, non-atomic-with-respect-to-inserts
	// count of inserted elements, exactly as in the original: its increment
	// races with concurrent inserts, so it is a cache, not a source of truth.
	sizeEstimate atomic.Int64
}

// New returns an empty list.
func New() *List {
	l := &List{}
	l.head.Store(&cell{status: StatusDummy})
	return l
}

// Search returns the value stored for key, if any whose status is not Dead.
func (l *List) Search(key int64) (value any, status OpStatus) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		first := l.head.Load()

		for c := first; c != nil; c = c.next.Load() {
			if c.status != StatusDummy && c.key == key && c.status != StatusDead {
				return c.value, OpFound
			}
		}

		if l.head.Load() == first {
			return nil, OpNotFound
		}
	}

	return nil, OpFailed
}

// InsertIfAbsent attempts to atomically insert (key, value). If key is
// already present (and not Dead), it returns the existing value with
// OpFound. Otherwise, it CASes a fresh cell to the front of the list and
// returns OpInserted. After maxRetries failed CAS attempts it gives up and
// returns OpFailed; callers are expected to retry (the structure is
// monotone, so unbounded retry eventually succeeds, per spec.md §5).
func (l *List) InsertIfAbsent(key int64, value any) (result any, status OpStatus) {
	var fresh *cell

	for attempt := 0; attempt < maxRetries; attempt++ {
		// Search from the same head the CAS below expects, so no cell for key
		// can be slipped in between the search and the insert.
		head := l.head.Load()
		for c := head; c != nil; c = c.next.Load() {
			if c.status != StatusDummy && c.key == key && c.status != StatusDead {
				return c.value, OpFound
			}
		}
		if fresh == nil {
			fresh = &cell{key: key, value: value, status: StatusValid}
		}
		fresh.next.Store(head)

		if l.head.CompareAndSwap(head, fresh) {
			l.sizeEstimate.Add(1)
			return value, OpInserted
		}
	}

	return nil, OpFailed
}

// Keys returns a snapshot of every non-Dead key currently in the list. It
// is intended for single-threaded use (directory rebuilds, diagnostics,
// tests), per spec.md's get_keys.
func (l *List) Keys() []int64 {
	var out []int64
	for c := l.head.Load(); c != nil; c = c.next.Load() {
		if c.status != StatusDummy && c.status != StatusDead {
			out = append(out, c.key)
		}
	}
	return out
}

// SizeEstimate returns the cached, possibly-stale element count.
func (l *List) SizeEstimate() int64 {
	return l.sizeEstimate.Load()
}
