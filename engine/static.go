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

package engine

import (
	"context"
	"fmt"

	"github.com/nabbitdag/nabbit/container/vector"
	"github.com/nabbitdag/nabbit/diagnostics"
	"github.com/nabbitdag/nabbit/node"
	"github.com/rs/zerolog"
)

// StaticNode is the user contract for the static flavors (spec.md §4.1,
// §4.6, §4.7). Unlike the dynamic flavors, a static graph's edges are
// fully known before any node runs — the caller builds them directly with
// StaticTask.AddDep — so there is no Init callback and no EXPANDED phase;
// Compute is the node's only body.
type StaticNode interface {
	Compute(ctx context.Context, t *StaticTask) error
}

// StaticTask is a single node in a statically-known DAG: the DAG's
// structure (predecessors/successors) is fully known before any Compute
// runs, so the state machine folds into the join-counter protocol alone —
// there is no EXPANDED phase (spec.md §4.7).
type StaticTask struct {
	node.Base

	user         StaticNode
	predecessors *vector.Vector[*StaticTask]
	successors   *vector.Vector[*StaticTask]

	log zerolog.Logger
	rec *diagnostics.Recorder
}

// NewStaticTask creates a node with the given key and user callbacks.
// defaultDegree sizes the predecessor/successor vectors' initial capacity.
func NewStaticTask(key int64, user StaticNode, defaultDegree int) *StaticTask {
	if defaultDegree < 1 {
		defaultDegree = 5
	}

	t := &StaticTask{
		user:         user,
		predecessors: vector.New[*StaticTask](defaultDegree),
		successors:   vector.New[*StaticTask](defaultDegree),
	}
	t.Base.Init(key)
	return t
}

// WithLogging attaches a logger to t. The engine stores it on the task but
// writes no log events to it.
func (t *StaticTask) WithLogging(l zerolog.Logger) *StaticTask {
	t.log = l
	return t
}

// WithRecorder attaches an optional diagnostics recorder (spec.md §4.11).
func (t *StaticTask) WithRecorder(r *diagnostics.Recorder) *StaticTask {
	t.rec = r
	return t
}

// AddDep declares that t depends on the result of pred: an edge
// pred -> t. Both nodes must already have had InitNode-equivalent setup
// performed on their vectors (i.e. they must have come from NewStaticTask).
// Only valid to call before RunStaticSerial/RunStaticParallel begin running
// — static engines do not support predecessor additions after the graph
// starts computing (spec.md §9's open question, resolved as "forbidden").
func (t *StaticTask) AddDep(pred *StaticTask) {
	t.predecessors.Append(pred)
	pred.successors.Append(t)
	t.AddJoin(1)
}

// Predecessors returns the node's declared predecessors, in the order
// AddDep was called.
func (t *StaticTask) Predecessors() []*StaticTask {
	return t.predecessors.Snapshot()
}

// UserData returns the StaticNode supplied to NewStaticTask, so callers
// can recover their own concrete type's fields (e.g. a computed value)
// after a run completes.
func (t *StaticTask) UserData() StaticNode {
	return t.user
}

// RunStaticSerial is the deterministic oracle for the static flavor
// (spec.md §4.6): depth-first post-order from source, one Compute call
// per node, no concurrency.
func RunStaticSerial(ctx context.Context, source *StaticTask) error {
	visited := make(map[int64]bool)
	return staticSerialVisit(ctx, source, visited)
}

func staticSerialVisit(ctx context.Context, t *StaticTask, visited map[int64]bool) error {
	if visited[t.Key] {
		return nil
	}
	visited[t.Key] = true

	for _, pred := range t.Predecessors() {
		if err := staticSerialVisit(ctx, pred, visited); err != nil {
			return err
		}
	}

	return staticComputeOne(ctx, t, nil)
}

// RunStaticParallel executes every node in tasks, per spec.md §4.7:
// source_compute is called on each zero-in-degree node (one with no
// predecessors) — compute_and_notify never consults a node's
// predecessors, only its join counter, so those are the only nodes safe
// to compute without first waiting on anything. Every other node is
// reached by the cascade of notifications those source computes set off.
func RunStaticParallel(ctx context.Context, sched *Scheduler, tasks []*StaticTask) error {
	g := sched.NewGroup(ctx)
	for _, t := range tasks {
		if len(t.Predecessors()) != 0 {
			continue
		}
		t := t
		g.Spawn(func(ctx context.Context) error {
			return staticComputeAndNotify(ctx, g, t)
		})
	}
	return g.Sync()
}

func staticComputeOne(ctx context.Context, t *StaticTask, rec *diagnostics.Recorder) error {
	start := diagnostics.Now()
	workerID := WorkerIDFromContext(ctx)

	if err := t.user.Compute(ctx, t); err != nil {
		return fmt.Errorf("node %d: Compute: %w", t.Key, err)
	}

	if r := t.rec; r != nil {
		r.Record(t.Key, workerID, start, diagnostics.Now())
	} else if rec != nil {
		rec.Record(t.Key, workerID, start, diagnostics.Now())
	}

	return nil
}

// staticComputeAndNotify is the parallel flavor's compute_and_notify: run
// Compute, then decrement every successor's join counter, spawning that
// successor's own compute_and_notify exactly when the decrement drives its
// counter to zero (spec.md §4.7).
func staticComputeAndNotify(ctx context.Context, g *Group, t *StaticTask) error {
	if err := staticComputeOne(ctx, t, nil); err != nil {
		return err
	}

	successors := t.successors.Snapshot()
	for _, succ := range successors {
		if succ.JoinCounter() <= 0 {
			panic(fmt.Sprintf("node %d: successor %d has non-positive join counter %d", t.Key, succ.Key, succ.JoinCounter()))
		}

		if succ.AddJoin(-1) == 0 {
			succ := succ
			g.Spawn(func(ctx context.Context) error {
				return staticComputeAndNotify(ctx, g, succ)
			})
		}
	}

	return nil
}
