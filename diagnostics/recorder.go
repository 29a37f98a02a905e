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

// Package diagnostics holds the optional, in-memory only execution
// recorder described in spec.md §4.11: a per-node log of which worker
// computed it and when, useful for visualizing a run's parallelism but
// never required for correctness. There is no wire format; Snapshot
// returns a plain Go slice for the caller to print or plot as it likes.
package diagnostics

import (
	"sort"
	"sync"
	"time"
)

// Now returns the current wall-clock time. It exists so engine code has a
// single seam to call through rather than sprinkling time.Now() directly,
// matching the one-time-source idiom the teacher applies to its clock
// dependency in cache.lruCache.
func Now() time.Time {
	return time.Now()
}

// Record is one node's compute window.
type Record struct {
	Key      int64
	WorkerID int
	Start    time.Time
	End      time.Time
}

// Recorder collects Records from concurrently-running goroutines. It is a
// plain mutex-guarded slice, deliberately not lock-free: diagnostics
// recording is opt-in and off the engine's hot path, so the simple
// implementation the teacher uses for cache.lruCache's bookkeeping is the
// right tradeoff here too.
type Recorder struct {
	mu      sync.Mutex
	records []Record
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record appends one entry.
func (r *Recorder) Record(key int64, workerID int, start, end time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, Record{Key: key, WorkerID: workerID, Start: start, End: end})
}

// Snapshot returns a copy of the recorded entries sorted by start time.
func (r *Recorder) Snapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, len(r.records))
	copy(out, r.records)

	sort.Slice(out, func(i, j int) bool {
		return out[i].Start.Before(out[j].Start)
	})

	return out
}

// Len returns the number of recorded entries.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
