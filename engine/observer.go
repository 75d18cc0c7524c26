// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"time"

	"github.com/gomlx/seqexec/plan"
)

// NodeEvent describes one completed node invocation: what ran, where, for how
// long, and how many bytes moved. Byte counts split externally supplied
// inputs ("parameters": weights and feeds) from frame-owned activations.
type NodeEvent struct {
	NodeIndex int
	NodeName  string
	OpType    string
	Queue     plan.QueueID

	// FenceBefore/FenceAfter are zero for nodes without fences.
	FenceBefore time.Duration
	Compute     time.Duration
	FenceAfter  time.Duration

	ActivationBytes uintptr
	ParameterBytes  uintptr
	OutputBytes     uintptr
}

// SegmentEvent describes one executed plan segment [Start, End).
type SegmentEvent struct {
	PlanName   string
	Start, End int
	Elapsed    time.Duration
}

// NodeObserver receives instrumentation around each executed node and
// segment. Observers must not alter execution semantics: the engine behaves
// identically with or without one attached.
//
// Calls happen on the dispatch goroutine: slow observers slow the run.
type NodeObserver interface {
	NodeExecuted(ev NodeEvent)
	SegmentExecuted(ev SegmentEvent)
}
