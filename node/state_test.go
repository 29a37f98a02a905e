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

package node_test

import (
	"sync"
	"testing"

	"github.com/nabbitdag/nabbit/node"

	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
)

func TestState(t *testing.T) { RunTests(t) }

type StateTest struct {
	b node.Base
}

func init() { RegisterTestSuite(&StateTest{}) }

func (t *StateTest) SetUp(ti *TestInfo) {
	t.b.Init(42)
}

func (t *StateTest) StartsUnvisited() {
	ExpectEq(node.StatusUnvisited, t.b.Status())
	ExpectEq(0, t.b.JoinCounter())
}

func (t *StateTest) OnlyOneCallerClaimsVisited() {
	const numGoroutines = 64
	claims := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			if t.b.TryMarkVisited() {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	ExpectEq(1, claims)
	ExpectEq(node.StatusVisited, t.b.Status())
}

func (t *StateTest) LifecycleAdvancesMonotonically() {
	ExpectTrue(t.b.TryMarkVisited())
	ExpectEq(node.StatusVisited, t.b.Status())

	t.b.MarkExpanded()
	ExpectEq(node.StatusExpanded, t.b.Status())

	t.b.MarkComputed()
	ExpectEq(node.StatusComputed, t.b.Status())

	t.b.MarkCompletedUnconditional()
	ExpectEq(node.StatusCompleted, t.b.Status())
}

func (t *StateTest) MarkExpandedFromWrongStatusPanics() {
	f := func() { t.b.MarkExpanded() }
	ExpectThat(f, Panics(HasSubstr("UNVISITED")))
}

func (t *StateTest) MarkComputedFromWrongStatusPanics() {
	t.b.TryMarkVisited()
	f := func() { t.b.MarkComputed() }
	ExpectThat(f, Panics(HasSubstr("VISITED")))
}

func (t *StateTest) JoinCounterAddAndRead() {
	ExpectEq(1, t.b.AddJoin(1))
	ExpectEq(3, t.b.AddJoin(2))
	ExpectEq(2, t.b.AddJoin(-1))
	ExpectEq(2, t.b.JoinCounter())
}

func (t *StateTest) BlockingLockExcludesConcurrentHolders() {
	t.b.AcquireBlockingLock()
	ExpectFalse(t.b.TryAcquireBlockingLock())
	t.b.ReleaseBlockingLock()
	ExpectTrue(t.b.TryAcquireBlockingLock())
	t.b.ReleaseBlockingLock()
}

func (t *StateTest) ReleaseWithoutHoldingPanics() {
	f := func() { t.b.ReleaseBlockingLock() }
	ExpectThat(f, Panics(HasSubstr("without holding")))
}

func (t *StateTest) NotifyCounterRoundTrips() {
	ExpectEq(0, t.b.NotifyCounter())
	t.b.SetNotifyCounter(5)
	ExpectEq(5, t.b.NotifyCounter())
}
