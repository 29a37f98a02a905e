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

// Package directory implements the content-addressable task-graph
// directory described in spec.md §4.4: a thin façade over
// container/chashtable specialized for dynamic-flavor graph nodes, which
// performs the "first-visit" CAS that claims responsibility for
// initializing a newly discovered task.
package directory

import (
	"github.com/nabbitdag/nabbit/container/chashtable"
	"github.com/nabbitdag/nabbit/container/clist"
	"github.com/nabbitdag/nabbit/node"
)

// Record is the minimal contract a dynamic-flavor node record must satisfy
// to live in the directory: something the state machine in package node
// can query and claim.
type Record interface {
	Status() node.Status
	TryMarkVisited() bool
}

// Factory allocates a new node record when a key is not yet in the
// directory. Callers that miss on the same key at the same time each call
// it; only the record that wins the insert is kept, the others are
// discarded.
type Factory[V Record] func(key int64) V

// Directory is the content-addressable task table keyed by int64.
type Directory[V Record] struct {
	table   *chashtable.Table
	factory Factory[V]

	// numBucketsHint proportions the underlying table to the expected node
	// count, per spec.md §4.3 ("the engine picks num_buckets proportional to
	// the expected node count").
	numBucketsHint int
}

// New returns a directory that allocates node records with factory.
// expectedNodes sizes the underlying hash table's bucket count.
func New[V Record](factory Factory[V], expectedNodes int) *Directory[V] {
	numBuckets := expectedNodes / 4
	if numBuckets < 16 {
		numBuckets = 16
	}

	return &Directory[V]{
		table:          chashtable.New(numBuckets),
		factory:        factory,
		numBucketsHint: numBuckets,
	}
}

// GetTask returns the node record for key if it is present and has reached
// at least node.StatusVisited. It returns the zero value and false
// otherwise (including when the key has never been observed).
func (d *Directory[V]) GetTask(key int64) (rec V, ok bool) {
	v, status := d.table.Search(key)
	for status == clist.OpFailed {
		v, status = d.table.Search(key)
	}
	if status != clist.OpFound {
		return rec, false
	}

	rec = v.(V)
	if rec.Status() < node.StatusVisited {
		return rec, false
	}
	return rec, true
}

// InsertTaskIfAbsent ensures a record exists for key and attempts to
// advance it from Unvisited to Visited. It returns the record together
// with claimed=true iff this call is the one that performed that
// transition — the caller is then the unique claimer responsible for
// calling Init and spawning predecessor discovery, per spec.md §4.4.
func (d *Directory[V]) InsertTaskIfAbsent(key int64) (rec V, claimed bool) {
	// Search before building anything, so factory only ever runs on a
	// genuine miss (search_then_insert, per
	// original_source/sample/hash_tbl.h's insert_task_if_absent).
	if v, status := d.table.Search(key); status == clist.OpFound {
		rec = v.(V)
		claimed = rec.TryMarkVisited()
		return rec, claimed
	}

	fresh := d.factory(key)

	v, status := d.table.InsertIfAbsent(key, fresh)
	for status == clist.OpFailed {
		v, status = d.table.InsertIfAbsent(key, fresh)
	}
	rec = v.(V)

	if status == clist.OpInserted {
		// We created the record. Once InsertIfAbsent has published it,
		// another caller's Search can find it and try to claim it too;
		// TryMarkVisited's CAS decides which single caller claims.
		claimed = rec.TryMarkVisited()
		return rec, claimed
	}

	// We lost the race inside the list: someone else's record was inserted
	// between our search and our insert attempt. Try to claim that one
	// instead of the fresh record we built (which is discarded).
	claimed = rec.TryMarkVisited()
	return rec, claimed
}

// Keys returns a snapshot of every key currently known to the directory.
func (d *Directory[V]) Keys() []int64 {
	return d.table.Keys()
}
