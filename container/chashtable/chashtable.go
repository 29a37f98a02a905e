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

// Package chashtable implements a fixed-bucket concurrent hash table over
// package clist's lock-free lists. Each bucket's list is created lazily, on
// first insert, via a compare-and-swap on that bucket's slot.
//
// Translated from original_source/include/concurrent_hash_table.h.
package chashtable

import (
	"sync/atomic"

	"github.com/nabbitdag/nabbit/container/clist"
)

// Table is a fixed-size concurrent hash table keyed by int64.
type Table struct {
	buckets []atomic.Pointer[clist.List]
}

// New returns a table with numBuckets buckets. The engine picks numBuckets
// proportional to the expected node count (spec.md §4.3).
func New(numBuckets int) *Table {
	if numBuckets < 1 {
		numBuckets = 1
	}
	return &Table{buckets: make([]atomic.Pointer[clist.List], numBuckets)}
}

func (t *Table) bucketIndex(key int64) int {
	idx := key % int64(len(t.buckets))
	if idx < 0 {
		idx += int64(len(t.buckets))
	}
	return int(idx)
}

// bucketFor returns the list for key's bucket, creating it if absent.
func (t *Table) bucketFor(key int64) *clist.List {
	idx := t.bucketIndex(key)
	slot := &t.buckets[idx]

	if l := slot.Load(); l != nil {
		return l
	}

	candidate := clist.New()
	if slot.CompareAndSwap(nil, candidate) {
		return candidate
	}
	return slot.Load()
}

// Search looks up key without creating its bucket.
func (t *Table) Search(key int64) (value any, status clist.OpStatus) {
	idx := t.bucketIndex(key)
	l := t.buckets[idx].Load()
	if l == nil {
		return nil, clist.OpNotFound
	}
	return l.Search(key)
}

// InsertIfAbsent inserts (key, value) if key is not already present.
func (t *Table) InsertIfAbsent(key int64, value any) (result any, status clist.OpStatus) {
	return t.bucketFor(key).InsertIfAbsent(key, value)
}

// Keys returns a snapshot of every key currently in the table, across all
// buckets. Intended for single-threaded use (spec.md's get_keys).
func (t *Table) Keys() []int64 {
	var out []int64
	for i := range t.buckets {
		if l := t.buckets[i].Load(); l != nil {
			out = append(out, l.Keys()...)
		}
	}
	return out
}
