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
	"runtime"
	"sync/atomic"

	"github.com/nabbitdag/nabbit/container/vector"
	"github.com/nabbitdag/nabbit/diagnostics"
	"github.com/nabbitdag/nabbit/directory"
	"github.com/nabbitdag/nabbit/node"
	"github.com/rs/zerolog"
)

// DynamicNode is the user contract for the dynamic flavors (spec.md §4.8,
// §4.9). Init discovers this node's predecessors by key, looking them up
// in whatever domain-specific store the caller's keys address; it must not
// block on their results. Compute runs after every predecessor has
// reached COMPUTED, and may itself return further node keys to explore —
// "generated tasks" — which the engine schedules and which must all reach
// COMPLETED before this node does.
type DynamicNode interface {
	Init(ctx context.Context, t *DynamicTask) ([]int64, error)
	Compute(ctx context.Context, t *DynamicTask) ([]int64, error)
}

// DynamicNodeFactory builds the user callbacks for a node discovered by
// key, the dynamic-flavor analogue of StaticNode's fixed, pre-built graph.
type DynamicNodeFactory func(key int64) DynamicNode

// DynamicTask is a single node of a graph whose shape is discovered at
// run time: edges are found by calling Init rather than declared up
// front, so the claimer protocol (directory.Directory) decides who runs
// Init for a given key exactly once (spec.md §4.4, §4.8).
type DynamicTask struct {
	node.Base

	user DynamicNode

	// succToNotify holds the successors waiting on this node, appended
	// under blockingLock while this node's status is below COMPUTED.
	// Once COMPUTED, new successors are notified immediately instead of
	// being appended (spec.md §4.8's notify-counter protocol).
	succToNotify *vector.Vector[*DynamicTask]

	// generatedTasks records the keys this node spawned from Compute, for
	// diagnostics; pendingGenerated is the live countdown of how many of
	// them have not yet reached COMPLETED.
	generatedTasks   *vector.Vector[int64]
	pendingGenerated atomic.Int64

	log zerolog.Logger
	rec *diagnostics.Recorder
}

func newDynamicTask(key int64, user DynamicNode) *DynamicTask {
	t := &DynamicTask{
		user:           user,
		succToNotify:   vector.New[*DynamicTask](4),
		generatedTasks: vector.New[int64](0),
	}
	t.Base.Init(key)
	return t
}

// Status and TryMarkVisited are promoted from node.Base, which is enough
// to satisfy directory.Record.

// GeneratedKeys returns the keys this node's Compute generated.
func (t *DynamicTask) GeneratedKeys() []int64 {
	return t.generatedTasks.Snapshot()
}

// WithLogging attaches a logger to this node, overriding its directory's
// default. The engine stores it but writes no log events to it.
func (t *DynamicTask) WithLogging(l zerolog.Logger) *DynamicTask {
	t.log = l
	return t
}

// WithRecorder attaches a diagnostics recorder to this node, overriding
// its directory's default.
func (t *DynamicTask) WithRecorder(r *diagnostics.Recorder) *DynamicTask {
	t.rec = r
	return t
}

// DynamicDirectory is the content-addressable store of DynamicTasks for
// one run of the dynamic engine, plus the node factory and scheduler used
// to drive it. A fresh DynamicDirectory should be built per run: node
// status is monotone and never resets.
type DynamicDirectory struct {
	inner   *directory.Directory[*DynamicTask]
	factory DynamicNodeFactory
	sched   *Scheduler
	log     zerolog.Logger
	rec     *diagnostics.Recorder
}

// NewDynamicDirectory returns a directory that builds nodes on demand via
// factory. expectedNodes sizes the underlying hash table (spec.md §4.3).
func NewDynamicDirectory(factory DynamicNodeFactory, expectedNodes int, sched *Scheduler) *DynamicDirectory {
	dd := &DynamicDirectory{factory: factory, sched: sched}
	dd.inner = directory.New[*DynamicTask](func(key int64) *DynamicTask {
		t := newDynamicTask(key, dd.factory(key))
		t.log = dd.log
		t.rec = dd.rec
		return t
	}, expectedNodes)
	return dd
}

// WithLogging attaches a logger that is copied onto every task this
// directory builds afterwards. The engine writes no log events to it.
func (dd *DynamicDirectory) WithLogging(l zerolog.Logger) *DynamicDirectory {
	dd.log = l
	return dd
}

// WithRecorder attaches an optional diagnostics recorder.
func (dd *DynamicDirectory) WithRecorder(r *diagnostics.Recorder) *DynamicDirectory {
	dd.rec = r
	return dd
}

func (dd *DynamicDirectory) getOrCreate(key int64) (*DynamicTask, bool) {
	return dd.inner.InsertTaskIfAbsent(key)
}

// Lookup returns the task for key if it has been visited.
func (dd *DynamicDirectory) Lookup(key int64) (*DynamicTask, bool) {
	return dd.inner.GetTask(key)
}

// RunDynamicParallel runs the dynamic-parallel flavor (spec.md §4.8)
// starting from rootKeys, returning the first error any node's Init or
// Compute returned.
func (dd *DynamicDirectory) RunDynamicParallel(ctx context.Context, rootKeys []int64) error {
	g := dd.sched.NewGroup(ctx)
	for _, key := range rootKeys {
		task, claimed := dd.getOrCreate(key)
		if claimed {
			task := task
			g.Spawn(func(ctx context.Context) error {
				return dd.initNodeAndCompute(ctx, g, task)
			})
		}
	}
	return g.Sync()
}

// initNodeAndCompute is try_init_pred_and_compute's callee / the original
// init_node_and_compute: run Init, register with every discovered
// predecessor, then release the self-ticket. Whichever goroutine's
// decrement drives the join counter to zero — a predecessor completing
// concurrently, or this call releasing the self-ticket last — proceeds to
// compute_and_notify.
func (dd *DynamicDirectory) initNodeAndCompute(ctx context.Context, g *Group, t *DynamicTask) error {
	preds, err := t.user.Init(ctx, t)
	if err != nil {
		return fmt.Errorf("node %d: Init: %w", t.Key, err)
	}

	t.AddJoin(1) // self-ticket, held until every predecessor is registered

	for _, predKey := range preds {
		pred, claimed := dd.getOrCreate(predKey)
		t.AddJoin(1)
		dd.registerSuccessor(pred, t)

		if claimed {
			pred := pred
			g.Spawn(func(ctx context.Context) error {
				return dd.initNodeAndCompute(ctx, g, pred)
			})
		}
	}

	t.MarkExpanded()

	if t.AddJoin(-1) == 0 {
		return dd.computeAndNotify(ctx, g, t)
	}
	return nil
}

// registerSuccessor appends succ to pred's notify list, unless pred has
// already reached COMPUTED, in which case it decrements succ's join
// counter immediately. Reading pred's status and appending to its list is
// one critical section guarded by pred's blocking lock, matching
// compute_and_notify's own {mark COMPUTED; snapshot list} section so the
// two never race (spec.md §5).
func (dd *DynamicDirectory) registerSuccessor(pred, succ *DynamicTask) {
	pred.AcquireBlockingLock()
	already := pred.Status() >= node.StatusComputed
	if !already {
		pred.succToNotify.Append(succ)
	}
	pred.ReleaseBlockingLock()

	if already {
		// Safe without a zero-check here: succ is still holding its own
		// self-ticket at this point in initNodeAndCompute, so this
		// decrement cannot be the one that drives succ's counter to zero.
		succ.AddJoin(-1)
	}
}

// computeAndNotify runs Compute, publishes COMPUTED, drains the notify
// list built up while this node was below COMPUTED, and schedules any
// generated child tasks, tracking their completion before this node can
// reach COMPLETED (spec.md §4.8).
func (dd *DynamicDirectory) computeAndNotify(ctx context.Context, g *Group, t *DynamicTask) error {
	start := diagnostics.Now()
	workerID := WorkerIDFromContext(ctx)

	generated, err := t.user.Compute(ctx, t)
	if err != nil {
		return fmt.Errorf("node %d: Compute: %w", t.Key, err)
	}

	if t.rec != nil {
		t.rec.Record(t.Key, workerID, start, diagnostics.Now())
	} else if dd.rec != nil {
		dd.rec.Record(t.Key, workerID, start, diagnostics.Now())
	}

	t.AcquireBlockingLock()
	t.MarkComputed()
	successors := t.succToNotify.Snapshot()
	t.ReleaseBlockingLock()

	for _, succ := range successors {
		if succ.AddJoin(-1) == 0 {
			succ := succ
			g.Spawn(func(ctx context.Context) error {
				return dd.computeAndNotify(ctx, g, succ)
			})
		}
	}

	if len(generated) == 0 {
		t.MarkCompletedUnconditional()
		return nil
	}

	t.pendingGenerated.Store(int64(len(generated)))
	for _, childKey := range generated {
		t.generatedTasks.Append(childKey)

		child, claimed := dd.getOrCreate(childKey)
		if claimed {
			child := child
			g.Spawn(func(ctx context.Context) error {
				return dd.initNodeAndCompute(ctx, g, child)
			})
		}

		child := child
		g.Spawn(func(ctx context.Context) error {
			return dd.awaitGenerated(ctx, t, child)
		})
	}

	return nil
}

// awaitGenerated spins until child reaches COMPLETED, then counts down
// the parent's pending-generated tally, marking the parent COMPLETED once
// the last generated child finishes.
func (dd *DynamicDirectory) awaitGenerated(ctx context.Context, parent, child *DynamicTask) error {
	spins := 0
	for child.Status() != node.StatusCompleted {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		spins++
		if spins > 1000 {
			runtime.Gosched()
		}
	}

	if parent.pendingGenerated.Add(-1) == 0 {
		parent.MarkCompletedUnconditional()
	}
	return nil
}

// RunDynamicSerial is the deterministic oracle for the dynamic flavor
// (spec.md §4.9): a single goroutine discovers and computes nodes
// depth-first, including nodes generated mid-traversal, with no
// concurrency and therefore no need for the join-counter or
// blocking-lock machinery above.
func RunDynamicSerial(ctx context.Context, factory DynamicNodeFactory, rootKeys []int64) error {
	visited := make(map[int64]*DynamicTask)

	var visit func(key int64) error
	visit = func(key int64) error {
		if _, ok := visited[key]; ok {
			return nil
		}

		t := newDynamicTask(key, factory(key))
		visited[key] = t

		preds, err := t.user.Init(ctx, t)
		if err != nil {
			return fmt.Errorf("node %d: Init: %w", key, err)
		}
		for _, predKey := range preds {
			if err := visit(predKey); err != nil {
				return err
			}
		}

		generated, err := t.user.Compute(ctx, t)
		if err != nil {
			return fmt.Errorf("node %d: Compute: %w", key, err)
		}
		for _, childKey := range generated {
			t.generatedTasks.Append(childKey)
			if err := visit(childKey); err != nil {
				return err
			}
		}

		return nil
	}

	for _, key := range rootKeys {
		if err := visit(key); err != nil {
			return err
		}
	}
	return nil
}
