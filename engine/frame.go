// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/seqexec/plan"
	"github.com/gomlx/seqexec/types/shapes"
	"github.com/gomlx/seqexec/types/tensors"
)

// valueSlot is one entry of the frame's value table.
//
// owned distinguishes frame-owned buffers (intermediates the frame allocated
// and must release) from externally supplied ones (caller-fed inputs,
// initializers, and outputs whose ownership was transferred out).
type valueSlot struct {
	t     *tensors.Tensor
	owned bool
	fence *valueFence
}

// ExecutionFrame is the mutable per-run state: the value table sized to the
// plan's value-id space, the feed/fetch bindings, the program counter (used
// only by partial runs) and, optionally, a memory-pattern planner.
//
// A frame is exclusive to one logical run. It is not safe for concurrent use:
// callers resuming the same partial run must serialize themselves.
type ExecutionFrame struct {
	plan  *plan.Plan
	alloc Allocator

	values   []valueSlot
	feedIDs  []plan.ValueID
	fetchIDs []plan.ValueID

	// programCounter indexes the plan's node sequence; only partial runs
	// advance it across calls.
	programCounter int

	// planner records allocations while no cached pattern exists for this
	// run's input shapes. patternKey identifies the shapes signature.
	planner    *memoryPatternPlanner
	patternKey string

	allocatedBytes map[plan.QueueID]uintptr
	closed         bool
}

// newExecutionFrame builds the frame for one run: it sizes the value table,
// creates fences for every value with a cross-queue hand-off, binds
// initializers and feeds, and validates the fetches.
//
// If cached is non-nil the frame preallocates every planned buffer up front
// (a memory-pattern cache hit); if recordPatterns is set it carries a planner
// to record this run's layout instead.
func newExecutionFrame(p *plan.Plan, alloc Allocator, feedIDs []plan.ValueID,
	feeds []*tensors.Tensor, fetchIDs []plan.ValueID,
	cached *MemoryPatternGroup, recordPatterns bool, patternKey string) (*ExecutionFrame, error) {
	f := &ExecutionFrame{
		plan:           p,
		alloc:          alloc,
		values:         make([]valueSlot, p.NumValues()),
		patternKey:     patternKey,
		allocatedBytes: make(map[plan.QueueID]uintptr),
	}

	// Fences exist only for values whose hand-off crosses device queues;
	// the plan guarantees each such value's producer signals its fence.
	for id := plan.ValueID(0); int(id) < p.NumValues(); id++ {
		if p.ValueNeedsFence(id) {
			f.ensureFence(id)
		}
	}

	// Initializers are externally owned and visible from the start.
	for id := plan.ValueID(0); int(id) < p.NumValues(); id++ {
		if init := p.Initializer(id); init != nil {
			f.values[id].t = init
			if fence := f.values[id].fence; fence != nil {
				fence.markExternallyWritten()
			}
		}
	}

	if err := f.bindFeeds(feedIDs, feeds); err != nil {
		return nil, err
	}
	if err := f.bindFetches(fetchIDs); err != nil {
		return nil, err
	}

	if cached != nil {
		if err := f.preallocateFromPattern(cached); err != nil {
			return nil, err
		}
	} else if recordPatterns {
		f.planner = newMemoryPatternPlanner()
	}
	return f, nil
}

func (f *ExecutionFrame) ensureFence(id plan.ValueID) {
	if f.values[id].fence == nil {
		f.values[id].fence = newValueFence()
	}
}

func (f *ExecutionFrame) bindFeeds(feedIDs []plan.ValueID, feeds []*tensors.Tensor) error {
	if len(feedIDs) != len(feeds) {
		return errors.Errorf("got %d feed ids for %d feed tensors", len(feedIDs), len(feeds))
	}
	for ii, id := range feedIDs {
		if id < 0 || int(id) >= f.plan.NumValues() {
			return errors.Errorf("feed #%d: value id %d out-of-range (value space has %d entries)",
				ii, id, f.plan.NumValues())
		}
		t := feeds[ii]
		if t == nil || !t.IsValid() {
			return errors.Errorf("feed %q (#%d) is nil or released", f.plan.ValueName(id), ii)
		}
		if !t.Shape().Ok() {
			return errors.Errorf("feed %q (#%d) has an invalid shape", f.plan.ValueName(id), ii)
		}
		slot := &f.values[id]
		slot.t = t
		slot.owned = false
		if slot.fence != nil {
			slot.fence.markExternallyWritten()
		}
	}
	return nil
}

func (f *ExecutionFrame) bindFetches(fetchIDs []plan.ValueID) error {
	for ii, id := range fetchIDs {
		if id < 0 || int(id) >= f.plan.NumValues() {
			return errors.Errorf("fetch #%d: value id %d out-of-range (value space has %d entries)",
				ii, id, f.plan.NumValues())
		}
	}
	f.fetchIDs = fetchIDs
	return nil
}

// preallocateFromPattern binds every planned buffer up front, skipping
// externally bound slots. Allocation planning is skipped for the whole run.
func (f *ExecutionFrame) preallocateFromPattern(cached *MemoryPatternGroup) error {
	var err error
	cached.Range(func(id plan.ValueID, layout ValueLayout) bool {
		slot := &f.values[id]
		if slot.t != nil {
			return true
		}
		var t *tensors.Tensor
		t, err = f.alloc.Allocate(layout.Shape)
		if err != nil {
			err = errors.WithMessagef(err, "preallocating value %q from cached memory pattern", f.plan.ValueName(id))
			return false
		}
		slot.t = t
		slot.owned = true
		return true
	})
	return err
}

// requireAllFeedsBound verifies every feed the plan declares has a bound
// value. Full runs check this up front; partial runs bind feeds incrementally
// across installments.
func (f *ExecutionFrame) requireAllFeedsBound() error {
	for _, id := range f.plan.Feeds() {
		if f.values[id].t == nil {
			return errors.Errorf("plan %q requires feed %q, not supplied", f.plan.Name, f.plan.ValueName(id))
		}
	}
	return nil
}

// UpdateFeedsAndFetches rebinds the frame to a resumed call's arguments.
func (f *ExecutionFrame) UpdateFeedsAndFetches(feedIDs []plan.ValueID, feeds []*tensors.Tensor, fetchIDs []plan.ValueID) error {
	if err := f.bindFeeds(feedIDs, feeds); err != nil {
		return err
	}
	return f.bindFetches(fetchIDs)
}

// value returns the tensor currently bound to the slot, or nil.
func (f *ExecutionFrame) value(id plan.ValueID) *tensors.Tensor {
	return f.values[id].t
}

// fence of the value, or nil if the value needs no fence synchronization.
func (f *ExecutionFrame) fence(id plan.ValueID) *valueFence {
	return f.values[id].fence
}

// allocateForValue binds storage of the given shape to the slot, reusing a
// preallocated (pattern) buffer when present. queue attributes the allocation
// for memory accounting.
func (f *ExecutionFrame) allocateForValue(id plan.ValueID, shape shapes.Shape, queue plan.QueueID) (*tensors.Tensor, error) {
	if id < 0 || int(id) >= len(f.values) {
		return nil, errors.Errorf("value id %d out-of-range (value space has %d entries)", id, len(f.values))
	}
	slot := &f.values[id]
	if slot.t != nil {
		if slot.t.IsValid() && slot.t.Shape().Equal(shape) {
			return slot.t, nil
		}
		// The planned shape doesn't match what the kernel produced this
		// run: drop the planned buffer and allocate fresh.
		if slot.owned {
			f.alloc.Free(slot.t)
		}
		slot.t = nil
	}
	t, err := f.alloc.Allocate(shape)
	if err != nil {
		return nil, errors.WithMessagef(err, "allocating value %q", f.plan.ValueName(id))
	}
	slot.t = t
	slot.owned = true
	if f.planner != nil {
		f.planner.record(id, shape)
	}
	f.allocatedBytes[queue] += shape.Memory()
	return t, nil
}

// ReleaseValue deallocates the slot's buffer and marks it not-live. The slot
// must not be read again before being re-bound.
func (f *ExecutionFrame) ReleaseValue(id plan.ValueID) error {
	if id < 0 || int(id) >= len(f.values) {
		return errors.Errorf("ReleaseValue: value id %d out-of-range (value space has %d entries)", id, len(f.values))
	}
	slot := &f.values[id]
	if slot.t != nil {
		if slot.owned {
			f.alloc.Free(slot.t)
		}
		slot.t = nil
		slot.owned = false
	}
	return nil
}

// IsLive reports whether the slot currently holds a readable buffer.
func (f *ExecutionFrame) IsLive(id plan.ValueID) bool {
	return int(id) < len(f.values) && f.values[id].t != nil && f.values[id].t.IsValid()
}

// GetOutputs copies or moves the currently bound fetch values into the
// returned list, in fetch order.
//
// With transferOwnership, frame-owned buffers are moved out without a copy:
// the frame no longer owns them (they survive the frame). Without it the
// frame's copy stays intact -- needed when a partial run will read the same
// fetch again later -- and the caller gets a clone.
func (f *ExecutionFrame) GetOutputs(transferOwnership bool) ([]*tensors.Tensor, error) {
	outputs := make([]*tensors.Tensor, len(f.fetchIDs))
	for ii, id := range f.fetchIDs {
		slot := &f.values[id]
		if slot.t == nil || !slot.t.IsValid() {
			return nil, errors.Errorf("fetch %q was not computed by the executed plan segment", f.plan.ValueName(id))
		}
		switch {
		case !slot.owned:
			// Externally supplied (fed, initializer or already
			// transferred): share it.
			outputs[ii] = slot.t
		case transferOwnership:
			slot.owned = false
			outputs[ii] = slot.t
		default:
			outputs[ii] = slot.t.Clone()
		}
	}
	return outputs, nil
}

// ProgramCounter returns the index into the plan's node sequence where the
// next partial-run segment resumes.
func (f *ExecutionFrame) ProgramCounter() int { return f.programCounter }

func (f *ExecutionFrame) setProgramCounter(pc int) { f.programCounter = pc }

// HasMemoryPatternPlanner reports whether this run is recording a memory
// pattern.
func (f *ExecutionFrame) HasMemoryPatternPlanner() bool { return f.planner != nil }

// GeneratePatterns snapshots the byte offsets and sizes allocated during this
// run, keyed by the run's input shapes.
func (f *ExecutionFrame) GeneratePatterns() (*MemoryPatternGroup, error) {
	if f.planner == nil {
		return nil, errors.New("execution frame has no memory-pattern planner")
	}
	return f.planner.generate(), nil
}

// AllocatedBytes returns the bytes allocated by this frame, per device queue.
func (f *ExecutionFrame) AllocatedBytes() map[plan.QueueID]uintptr { return f.allocatedBytes }

// Close releases every frame-owned buffer. The frame must not be used after.
func (f *ExecutionFrame) Close() {
	if f.closed {
		return
	}
	f.closed = true
	for id := range f.values {
		slot := &f.values[id]
		if slot.t != nil && slot.owned {
			f.alloc.Free(slot.t)
		}
		slot.t = nil
		slot.owned = false
	}
	if klog.V(2).Enabled() {
		klog.Infof("seqexec: frame for plan %q closed", f.plan.Name)
	}
}
