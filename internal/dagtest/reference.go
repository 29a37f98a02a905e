// Copyright 2024 The Nabbit Authors.
// Portions Copyright 2015 Aaron Jacobs. All Rights Reserved.
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

// Package dagtest provides a reference graph traversal used only by this
// module's own tests, as an oracle independent of engine's lock-free,
// join-counter implementation: it tracks the same "unsatisfied dependency
// count" idea with a plain mutex-and-condition-variable worker pool
// instead of atomics, so a bug shared between the oracle and the engine
// under test is unlikely to be the same bug.
package dagtest

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/jacobsa/syncutil"
	"golang.org/x/sync/errgroup"
)

// Resolver finds the direct predecessors of a key.
type Resolver interface {
	FindDependencies(ctx context.Context, key int64) (deps []int64, err error)
}

// ResolverFunc adapts a plain function to Resolver.
type ResolverFunc func(ctx context.Context, key int64) ([]int64, error)

func (f ResolverFunc) FindDependencies(ctx context.Context, key int64) ([]int64, error) {
	return f(ctx, key)
}

// Visitor processes a single key, only after every one of its
// dependencies has already been visited successfully.
type Visitor interface {
	Visit(ctx context.Context, key int64) error
}

// VisitorFunc adapts a plain function to Visitor.
type VisitorFunc func(ctx context.Context, key int64) error

func (f VisitorFunc) Visit(ctx context.Context, key int64) error {
	return f(ctx, key)
}

// ReferenceVisit calls v.Visit once for each unique key in the union of
// startKeys and all of its transitive dependencies, with bounded
// parallelism on both dependency resolution and visiting.
//
// Guarantees:
//
//   - If the graph contains a cycle, ReferenceVisit returns an error.
//   - If key N depends on key M, v.Visit(N) is called only after
//     v.Visit(M) has returned successfully.
//   - For each unique key N, dr.FindDependencies(N) and v.Visit(N) are
//     each called at most once, and the latter only after the former
//     returns successfully.
func ReferenceVisit(
	ctx context.Context,
	startKeys []int64,
	dr Resolver,
	v Visitor,
	resolverParallelism int,
	visitorParallelism int) (err error) {
	eg, ctx := errgroup.WithContext(ctx)

	state := &visitState{
		dr:          dr,
		visitor:     v,
		nodes:       make(map[int64]*nodeInfo),
		unsatisfied: make(map[*nodeInfo]struct{}),
	}
	state.mu = syncutil.NewInvariantMutex(state.checkInvariants)
	state.wakeResolvers.L = &state.mu
	state.wakeVisitors.L = &state.mu

	state.mu.Lock()
	state.addNodes(startKeys)
	state.mu.Unlock()

	for i := 0; i < resolverParallelism; i++ {
		eg.Go(func() error {
			if err := state.resolveNodes(ctx); err != nil {
				return fmt.Errorf("resolveNodes: %w", err)
			}
			return nil
		})
	}

	for i := 0; i < visitorParallelism; i++ {
		eg.Go(func() error {
			if err := state.visitNodes(ctx); err != nil {
				return fmt.Errorf("visitNodes: %w", err)
			}
			return nil
		})
	}

	// Use the explicitly tracked first error rather than eg.Wait()'s return
	// value, to avoid a worker B's later "context cancelled" error racing
	// ahead of worker A's original error.
	eg.Wait()

	state.mu.Lock()
	err = state.firstErr
	state.mu.Unlock()

	if err != nil {
		return err
	}

	if len(state.unsatisfied) > 0 {
		var someKey int64
		for ni := range state.unsatisfied {
			someKey = ni.key
			break
		}
		return fmt.Errorf("graph contains a cycle causing unsatisfied key: %d", someKey)
	}

	return nil
}

type nodeState int

const (
	stateDepsUnresolved nodeState = iota
	stateDepsUnsatisfied
	stateUnvisited
	stateVisited
)

type nodeInfo struct {
	key   int64
	state nodeState

	// INVARIANT: depsUnsatisfied >= 0
	// INVARIANT: depsUnsatisfied > 0 iff state == stateDepsUnsatisfied
	depsUnsatisfied int64

	// INVARIANT: len(dependants) > 0 implies state < stateVisited
	dependants []*nodeInfo
}

func (ni *nodeInfo) checkInvariants() {
	if ni.depsUnsatisfied < 0 {
		log.Panicf("depsUnsatisfied: %d", ni.depsUnsatisfied)
	}
	if (ni.depsUnsatisfied > 0) != (ni.state == stateDepsUnsatisfied) {
		log.Panicf("depsUnsatisfied: %d, state: %v", ni.depsUnsatisfied, ni.state)
	}
	if len(ni.dependants) > 0 && !(ni.state < stateVisited) {
		log.Panicf("dependants: %d, state: %v", len(ni.dependants), ni.state)
	}
	for _, dep := range ni.dependants {
		if dep.state != stateDepsUnsatisfied {
			log.Panicf("dep.state: %v", dep.state)
		}
	}
}

type visitState struct {
	dr      Resolver
	visitor Visitor

	mu syncutil.InvariantMutex

	// GUARDED_BY(mu)
	nodes map[int64]*nodeInfo
	// GUARDED_BY(mu)
	toResolve []*nodeInfo
	// GUARDED_BY(mu)
	unsatisfied map[*nodeInfo]struct{}
	// GUARDED_BY(mu)
	toVisit []*nodeInfo
	// GUARDED_BY(mu)
	firstErr error
	// GUARDED_BY(mu)
	busyResolvers int64
	// GUARDED_BY(mu)
	busyVisitors int64

	wakeResolvers sync.Cond
	wakeVisitors  sync.Cond
}

func (s *visitState) checkInvariants() {
	for k, ni := range s.nodes {
		if ni.key != k {
			log.Panicf("key mismatch: %d vs %d", k, ni.key)
		}
		ni.checkInvariants()
	}
	if s.busyResolvers < 0 || s.busyVisitors < 0 {
		log.Panicf("negative busy counts: %d, %d", s.busyResolvers, s.busyVisitors)
	}
}

// addNodes registers keys not yet known to the state, in
// stateDepsUnresolved, queued for resolution. Must be called with mu held.
func (s *visitState) addNodes(keys []int64) {
	for _, key := range keys {
		if _, ok := s.nodes[key]; ok {
			continue
		}

		ni := &nodeInfo{key: key, state: stateDepsUnresolved}
		s.nodes[key] = ni
		s.toResolve = append(s.toResolve, ni)
	}
	s.wakeResolvers.Broadcast()
}

func (s *visitState) noMoreWork() bool {
	return len(s.toResolve) == 0 &&
		len(s.toVisit) == 0 &&
		s.busyResolvers == 0 &&
		s.busyVisitors == 0
}

func (s *visitState) resolveNodes(ctx context.Context) error {
	for {
		s.mu.Lock()
		for len(s.toResolve) == 0 && s.firstErr == nil && !s.noMoreWork() {
			s.wakeResolvers.Wait()
		}

		if s.firstErr != nil || len(s.toResolve) == 0 {
			done := s.firstErr != nil || s.noMoreWork()
			s.mu.Unlock()
			if done {
				s.wakeResolvers.Broadcast()
				s.wakeVisitors.Broadcast()
				return nil
			}
			continue
		}

		ni := s.toResolve[len(s.toResolve)-1]
		s.toResolve = s.toResolve[:len(s.toResolve)-1]
		s.busyResolvers++
		s.mu.Unlock()

		deps, err := s.dr.FindDependencies(ctx, ni.key)

		s.mu.Lock()
		s.busyResolvers--
		if err != nil {
			if s.firstErr == nil {
				s.firstErr = err
			}
			s.wakeResolvers.Broadcast()
			s.wakeVisitors.Broadcast()
			s.mu.Unlock()
			continue
		}

		s.addNodes(deps)

		remaining := int64(0)
		for _, depKey := range deps {
			dep := s.nodes[depKey]
			if dep.state == stateVisited {
				continue
			}
			dep.dependants = append(dep.dependants, ni)
			remaining++
		}

		if remaining == 0 {
			ni.state = stateUnvisited
			s.toVisit = append(s.toVisit, ni)
		} else {
			ni.state = stateDepsUnsatisfied
			ni.depsUnsatisfied = remaining
			s.unsatisfied[ni] = struct{}{}
		}

		s.wakeResolvers.Broadcast()
		s.wakeVisitors.Broadcast()
		s.mu.Unlock()
	}
}

func (s *visitState) visitNodes(ctx context.Context) error {
	for {
		s.mu.Lock()
		for len(s.toVisit) == 0 && s.firstErr == nil && !s.noMoreWork() {
			s.wakeVisitors.Wait()
		}

		if s.firstErr != nil || len(s.toVisit) == 0 {
			done := s.firstErr != nil || s.noMoreWork()
			s.mu.Unlock()
			if done {
				s.wakeResolvers.Broadcast()
				s.wakeVisitors.Broadcast()
				return nil
			}
			continue
		}

		ni := s.toVisit[len(s.toVisit)-1]
		s.toVisit = s.toVisit[:len(s.toVisit)-1]
		s.busyVisitors++
		s.mu.Unlock()

		err := s.visitor.Visit(ctx, ni.key)

		s.mu.Lock()
		s.busyVisitors--
		if err != nil {
			if s.firstErr == nil {
				s.firstErr = err
			}
			s.wakeResolvers.Broadcast()
			s.wakeVisitors.Broadcast()
			s.mu.Unlock()
			continue
		}

		ni.state = stateVisited
		delete(s.unsatisfied, ni)

		for _, dependant := range ni.dependants {
			dependant.depsUnsatisfied--
			if dependant.depsUnsatisfied == 0 {
				dependant.state = stateUnvisited
				delete(s.unsatisfied, dependant)
				s.toVisit = append(s.toVisit, dependant)
			}
		}
		ni.dependants = nil

		s.wakeResolvers.Broadcast()
		s.wakeVisitors.Broadcast()
		s.mu.Unlock()
	}
}
