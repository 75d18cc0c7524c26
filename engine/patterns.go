// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"github.com/gomlx/seqexec/plan"
	"github.com/gomlx/seqexec/types/shapes"
)

// patternAlignment is the byte alignment of each value's planned offset.
const patternAlignment = 64

// ValueLayout is the planned placement of one value: byte offset into the
// run's storage and the concrete shape allocated.
type ValueLayout struct {
	Offset uintptr
	Shape  shapes.Shape
}

// MemoryPatternGroup is a recorded buffer layout: for each value allocated
// during a run, its offset and size. The session caches groups keyed by the
// fed input shapes, so a later run with identical input shapes can skip
// allocation planning and bind every planned buffer up front.
//
// Patterns are purely an optimization: execution is correct with or without
// a cached pattern.
type MemoryPatternGroup struct {
	layouts    map[plan.ValueID]ValueLayout
	totalBytes uintptr
}

// NumValues planned in the group.
func (g *MemoryPatternGroup) NumValues() int { return len(g.layouts) }

// TotalBytes of the planned layout, including alignment padding.
func (g *MemoryPatternGroup) TotalBytes() uintptr { return g.totalBytes }

// Layout returns the planned layout for the value, if any.
func (g *MemoryPatternGroup) Layout(id plan.ValueID) (ValueLayout, bool) {
	l, ok := g.layouts[id]
	return l, ok
}

// Range calls fn for every planned value.
func (g *MemoryPatternGroup) Range(fn func(id plan.ValueID, layout ValueLayout) bool) {
	for id, l := range g.layouts {
		if !fn(id, l) {
			return
		}
	}
}

// memoryPatternPlanner records, in allocation order, the byte offsets and
// sizes a frame hands out during one run. A frame carries one only while
// recording (first run for a given input-shapes signature).
type memoryPatternPlanner struct {
	layouts    map[plan.ValueID]ValueLayout
	nextOffset uintptr
}

func newMemoryPatternPlanner() *memoryPatternPlanner {
	return &memoryPatternPlanner{layouts: make(map[plan.ValueID]ValueLayout)}
}

// record the allocation of a value, bump-assigning its offset.
func (p *memoryPatternPlanner) record(id plan.ValueID, shape shapes.Shape) {
	if _, found := p.layouts[id]; found {
		return
	}
	p.layouts[id] = ValueLayout{Offset: p.nextOffset, Shape: shape.Clone()}
	size := shape.Memory()
	p.nextOffset += (size + patternAlignment - 1) / patternAlignment * patternAlignment
}

// generate snapshots the recorded layout as an immutable group.
func (p *memoryPatternPlanner) generate() *MemoryPatternGroup {
	group := &MemoryPatternGroup{
		layouts:    make(map[plan.ValueID]ValueLayout, len(p.layouts)),
		totalBytes: p.nextOffset,
	}
	for id, l := range p.layouts {
		group.layouts[id] = l
	}
	return group
}
