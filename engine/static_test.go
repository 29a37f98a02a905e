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

package engine_test

import (
	"context"
	"testing"

	"github.com/nabbitdag/nabbit/engine"

	. "github.com/jacobsa/ogletest"
)

func TestStatic(t *testing.T) { RunTests(t) }

type StaticTest struct {
}

func init() { RegisterTestSuite(&StaticTest{}) }

// sumNode computes 1 + sum(predecessor values); a source node (no
// predecessors) computes to 1. computes counts its Compute calls.
type sumNode struct {
	value    int
	computes int
}

func (n *sumNode) Compute(ctx context.Context, t *engine.StaticTask) error {
	n.computes++
	sum := 1
	for _, pred := range t.Predecessors() {
		sum += pred.UserData().(*sumNode).value
	}
	n.value = sum
	return nil
}

// buildDiamond returns the ten-node graph used throughout this module's
// tests as scenario S1:
//
//	0 <- {1, 2}
//	1 <- {3, 4, 5}
//	2 <- {3, 5}
//	3 <- 6
//	4 <- 6
//	5 <- 7
//	6 <- 9
//	7 <- 9
//
// Node 8 is an isolated node with neither predecessors nor successors.
func buildDiamond() map[int]*engine.StaticTask {
	tasks := make(map[int]*engine.StaticTask, 10)
	for key := 0; key < 10; key++ {
		tasks[key] = engine.NewStaticTask(int64(key), &sumNode{}, 5)
	}

	edges := map[int][]int{
		0: {1, 2},
		1: {3, 4, 5},
		2: {3, 5},
		3: {6},
		4: {6},
		5: {7},
		6: {9},
		7: {9},
	}
	for succ, preds := range edges {
		for _, pred := range preds {
			tasks[succ].AddDep(tasks[pred])
		}
	}
	return tasks
}

func allTasks(m map[int]*engine.StaticTask) []*engine.StaticTask {
	out := make([]*engine.StaticTask, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	return out
}

func (t *StaticTest) SerialComputesExpectedDiamondValue() {
	tasks := buildDiamond()
	err := engine.RunStaticSerial(context.Background(), tasks[0])
	AssertEq(nil, err)

	// node 9 = 1; node 6 = node 7 = 1 + 1 = 2; node 3 = node 4 = node 5 =
	// 1 + 2 = 3; node 1 = 1 + 3 + 3 + 3 = 10; node 2 = 1 + 3 + 3 = 7;
	// node 0 = 1 + 10 + 7 = 18.
	ExpectEq(18, tasks[0].UserData().(*sumNode).value)
}

func (t *StaticTest) ParallelAgreesWithSerialOracle() {
	serialTasks := buildDiamond()
	AssertEq(nil, engine.RunStaticSerial(context.Background(), serialTasks[0]))
	want := serialTasks[0].UserData().(*sumNode).value

	for trial := 0; trial < 10; trial++ {
		parallelTasks := buildDiamond()
		sched := engine.NewScheduler(4)
		err := engine.RunStaticParallel(context.Background(), sched, allTasks(parallelTasks))
		AssertEq(nil, err)
		ExpectEq(want, parallelTasks[0].UserData().(*sumNode).value)
	}
}

func (t *StaticTest) ParallelComputesEveryNodeExactlyOnce() {
	tasks := buildDiamond()
	sched := engine.NewScheduler(8)
	err := engine.RunStaticParallel(context.Background(), sched, allTasks(tasks))
	AssertEq(nil, err)

	// Every node, including the isolated node 8, must have computed exactly
	// once.
	for key, task := range tasks {
		v := task.UserData().(*sumNode).value
		ExpectTrue(v > 0, "node %d never computed", key)
		ExpectEq(1, task.UserData().(*sumNode).computes, "node %d compute count", key)
	}
}

// chainNode just counts: each node's value is 1 + its single
// predecessor's value, or 1 for the chain's head.
type chainNode struct {
	value int
}

func (n *chainNode) Compute(ctx context.Context, t *engine.StaticTask) error {
	preds := t.Predecessors()
	if len(preds) == 0 {
		n.value = 1
		return nil
	}
	n.value = preds[0].UserData().(*chainNode).value + 1
	return nil
}

func (t *StaticTest) LongChainParallelMatchesSerial() {
	const n = 1000

	build := func() []*engine.StaticTask {
		tasks := make([]*engine.StaticTask, n)
		for i := 0; i < n; i++ {
			tasks[i] = engine.NewStaticTask(int64(i), &chainNode{}, 1)
			if i > 0 {
				tasks[i].AddDep(tasks[i-1])
			}
		}
		return tasks
	}

	serial := build()
	AssertEq(nil, engine.RunStaticSerial(context.Background(), serial[n-1]))

	parallel := build()
	sched := engine.NewScheduler(16)
	AssertEq(nil, engine.RunStaticParallel(context.Background(), sched, parallel))

	ExpectEq(
		serial[n-1].UserData().(*chainNode).value,
		parallel[n-1].UserData().(*chainNode).value)
}
