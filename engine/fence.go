// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"sync"

	"github.com/gomlx/seqexec/plan"
	"github.com/gomlx/seqexec/types/xsync"
)

// FenceState is the per-queue view of a fenced value.
type FenceState int

const (
	// FenceNotReady: the producer's write is not yet visible to the queue.
	FenceNotReady FenceState = iota

	// FenceProducerWritten: the producing queue signaled completion; the
	// value is safe to read from this queue.
	FenceProducerWritten

	// FenceConsumerAcked: this queue finished consuming the value.
	FenceConsumerAcked
)

// Fence is the per-value synchronization primitive coordinating cross-device
// ordering. It is not a lock: it is a one-directional "has the producer's
// write become visible to this queue" signal.
//
// The executor brackets every fenced node: Before* calls precede the kernel
// invocation, After* calls follow it. Device-specific implementations may map
// these onto stream events; the in-process implementation blocks on a latch.
type Fence interface {
	BeforeUsingAsInput(queue plan.QueueID)
	BeforeUsingAsOutput(queue plan.QueueID)
	AfterUsedAsInput(queue plan.QueueID)
	AfterUsedAsOutput(queue plan.QueueID)
}

// valueFence is the in-process Fence: the producer-written signal is a Latch
// (one-directional, never un-triggers), and per-queue states are kept for
// consumers.
type valueFence struct {
	written *xsync.Latch

	mu            sync.Mutex
	hasProducer   bool
	producerQueue plan.QueueID
	perQueue      map[plan.QueueID]FenceState
}

// Compile-time check.
var _ Fence = (*valueFence)(nil)

func newValueFence() *valueFence {
	return &valueFence{
		written:  xsync.NewLatch(),
		perQueue: make(map[plan.QueueID]FenceState),
	}
}

// markExternallyWritten is used for caller-fed inputs and initializers: their
// contents are visible to every queue from the start of the run.
func (f *valueFence) markExternallyWritten() {
	f.mu.Lock()
	f.hasProducer = true
	f.producerQueue = plan.QueueCPU
	f.mu.Unlock()
	f.written.Trigger()
}

// BeforeUsingAsOutput registers the producing queue. The first registration
// wins: a value has exactly one producer.
func (f *valueFence) BeforeUsingAsOutput(queue plan.QueueID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hasProducer {
		f.hasProducer = true
		f.producerQueue = queue
	}
}

// AfterUsedAsOutput signals that the producer's write is visible: all
// consumer waits are released. The signal is permanent.
func (f *valueFence) AfterUsedAsOutput(queue plan.QueueID) {
	f.mu.Lock()
	if !f.hasProducer {
		f.hasProducer = true
		f.producerQueue = queue
	}
	f.mu.Unlock()
	f.written.Trigger()
}

// BeforeUsingAsInput blocks until the producer's write is visible to the
// given queue. Reads from the producing queue itself don't wait: plan order
// already serializes them.
func (f *valueFence) BeforeUsingAsInput(queue plan.QueueID) {
	f.mu.Lock()
	sameQueue := f.hasProducer && f.producerQueue == queue
	f.mu.Unlock()
	if !sameQueue {
		f.written.Wait()
	}
	f.mu.Lock()
	if f.perQueue[queue] < FenceProducerWritten {
		f.perQueue[queue] = FenceProducerWritten
	}
	f.mu.Unlock()
}

// AfterUsedAsInput records that the queue finished consuming the value.
func (f *valueFence) AfterUsedAsInput(queue plan.QueueID) {
	f.mu.Lock()
	f.perQueue[queue] = FenceConsumerAcked
	f.mu.Unlock()
}

// State returns the fence state as observed by the given queue.
func (f *valueFence) State(queue plan.QueueID) FenceState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok := f.perQueue[queue]; ok {
		return state
	}
	if f.written.Test() {
		return FenceProducerWritten
	}
	return FenceNotReady
}

// IsWritten reports whether the producer already signaled visibility.
func (f *valueFence) IsWritten() bool { return f.written.Test() }
