// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import "sync"

// RunID is the opaque handle identifying a suspended partial run's frame in
// the session's registry.
type RunID int64

const (
	// RunNone requests an ordinary synchronous full-graph run: no registry
	// involvement.
	RunNone RunID = 0

	// RunNew requests a new partial run: a frame is created, registered
	// under a freshly allocated id, and executed up to the first yield
	// node.
	RunNew RunID = -1
)

// runRegistry maps run ids to live execution frames, enabling a graph to be
// executed in installments. It is the only engine structure mutated by
// multiple logical callers, and the lock covers only insert/lookup/erase --
// frame execution happens outside it.
//
// Ids are allocated from a counter starting at 1 and are never reused.
type runRegistry struct {
	mu     sync.Mutex
	runs   map[RunID]*ExecutionFrame
	nextID RunID
}

func newRunRegistry() *runRegistry {
	return &runRegistry{
		runs:   make(map[RunID]*ExecutionFrame),
		nextID: 1,
	}
}

func (r *runRegistry) insert(frame *ExecutionFrame) RunID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.runs[id] = frame
	return id
}

func (r *runRegistry) lookup(id RunID) (*ExecutionFrame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	frame, ok := r.runs[id]
	return frame, ok
}

func (r *runRegistry) erase(id RunID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, id)
}

func (r *runRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}
