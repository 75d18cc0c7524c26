// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"time"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/seqexec/plan"
	"github.com/gomlx/seqexec/types/xsync"
)

// ErrCancelled is wrapped by the failure returned when the caller's
// termination flag is observed at a node boundary. Use errors.Is to
// distinguish cancellation from compute failures.
var ErrCancelled = errors.New("execution cancelled: terminate flag set")

// InputVerifier is an optional, injectable pre-invocation check (e.g. the
// training-only contiguous-inputs verification). It runs only for kernels
// whose KernelDef requests it. A nil verifier is a no-op.
type InputVerifier func(node *plan.Node, ctx plan.ComputeContext) error

// sequentialExecutor invokes the nodes of a plan segment in strict order over
// one frame: plan order is the engine's only concurrency-correctness
// mechanism within a run. One executor is built per Execute call.
type sequentialExecutor struct {
	plan *plan.Plan

	// terminate, when non-nil, is polled once per node boundary.
	terminate *xsync.Latch

	// nodesToExecute, when non-nil, prunes nodes not needed to reach the
	// requested fetches. Pruned nodes are skipped entirely: no invocation,
	// no fence sync, no release.
	nodesToExecute map[int]bool

	observer NodeObserver
	verifier InputVerifier
}

// Execute invokes nodes [start, end) of the plan in order, stopping at the
// first failure. Already-released values stay released on failure.
func (e *sequentialExecutor) Execute(frame *ExecutionFrame, start, end int) error {
	p := e.plan
	klog.V(1).Infof("seqexec: executing plan %q nodes [%d, %d) of %d", p.Name, start, end, len(p.Order))
	segmentStart := time.Now()

	for pc := start; pc < end; pc++ {
		entry := &p.Order[pc]
		nodeIdx := entry.NodeIndex

		if e.terminate != nil && e.terminate.Test() {
			klog.Warningf("seqexec: plan %q exiting at node #%d, terminate flag set", p.Name, nodeIdx)
			return errors.Wrapf(ErrCancelled, "at node #%d of plan %q", nodeIdx, p.Name)
		}

		if e.nodesToExecute != nil && !e.nodesToExecute[nodeIdx] {
			// Not needed to reach the requested fetches.
			continue
		}

		node := p.Node(nodeIdx)
		if node.Kernel == nil {
			return errors.Errorf("plan %q: no compiled kernel for node #%d (%q)", p.Name, nodeIdx, node.Name)
		}
		def := node.Kernel.KernelDef()
		ctx := newOpKernelContext(frame, node, def.Queue)

		var ev NodeEvent
		observing := e.observer != nil
		if observing {
			ev = NodeEvent{NodeIndex: nodeIdx, NodeName: node.Name, OpType: node.OpType(), Queue: def.Queue}
			ev.ActivationBytes, ev.ParameterBytes = ctx.inputBytes()
		}

		// Sync before compute.
		if entry.HasFence {
			fenceStart := time.Now()
			e.fenceBeforeCompute(frame, node, def)
			if observing {
				ev.FenceBefore = time.Since(fenceStart)
			}
		}

		if e.verifier != nil && def.AllocateInputsContiguously {
			if err := e.verifier(node, ctx); err != nil {
				return errors.WithMessagef(err, "input verification failed for %s node %q (node #%d)",
					node.OpType(), node.Name, nodeIdx)
			}
		}

		if klog.V(2).Enabled() {
			klog.Infof("seqexec: computing node #%d: %s %q", nodeIdx, node.OpType(), node.Name)
		}

		// Invoke the kernel. A panic must never propagate past this
		// boundary: it is converted into a failure naming the node.
		computeStart := time.Now()
		var computeErr error
		if exception := exceptions.Try(func() { computeErr = node.Kernel.Compute(ctx) }); exception != nil {
			computeErr = errors.Errorf("kernel panicked: %v", exception)
		}
		if computeErr != nil {
			return errors.WithMessagef(computeErr, "while running %s node %q (node #%d) of plan %q",
				node.OpType(), node.Name, nodeIdx, p.Name)
		}
		if observing {
			ev.Compute = time.Since(computeStart)
			ev.OutputBytes = ctx.outputBytes()
		}

		// Sync after compute.
		if entry.HasFence {
			fenceStart := time.Now()
			e.fenceAfterCompute(frame, node, def)
			if observing {
				ev.FenceAfter = time.Since(fenceStart)
			}
		}

		if observing {
			e.observer.NodeExecuted(ev)
		}

		// Free the values whose last use was this node.
		if err := e.releaseNodeValues(frame, entry); err != nil {
			return err
		}
	}

	if e.observer != nil {
		e.observer.SegmentExecuted(SegmentEvent{
			PlanName: p.Name, Start: start, End: end, Elapsed: time.Since(segmentStart),
		})
	}
	if klog.V(1).Enabled() {
		for queue, numBytes := range frame.AllocatedBytes() {
			klog.Infof("seqexec: plan %q frame allocated %d bytes on queue %d", p.Name, numBytes, queue)
		}
	}
	return nil
}

// fenceBeforeCompute waits, for every input, implicit input and output of the
// node, until the value is visible to the node's queue. Inputs the kernel
// reads from CPU memory wait with the CPU queue identity regardless of the
// node's own queue.
func (e *sequentialExecutor) fenceBeforeCompute(frame *ExecutionFrame, node *plan.Node, def plan.KernelDef) {
	for ii, id := range node.Inputs {
		fence := frame.fence(id)
		if fence == nil {
			continue
		}
		queue := def.Queue
		if def.IsCPUInput(ii) {
			queue = plan.QueueCPU
		}
		fence.BeforeUsingAsInput(queue)
	}
	for _, id := range node.ImplicitInputs {
		if fence := frame.fence(id); fence != nil {
			fence.BeforeUsingAsInput(def.Queue)
		}
	}
	for _, id := range node.Outputs {
		if fence := frame.fence(id); fence != nil {
			fence.BeforeUsingAsOutput(def.Queue)
		}
	}
}

// fenceAfterCompute signals completion on the node's queue for every value
// the node touched.
func (e *sequentialExecutor) fenceAfterCompute(frame *ExecutionFrame, node *plan.Node, def plan.KernelDef) {
	for _, id := range node.Inputs {
		if fence := frame.fence(id); fence != nil {
			fence.AfterUsedAsInput(def.Queue)
		}
	}
	for _, id := range node.ImplicitInputs {
		if fence := frame.fence(id); fence != nil {
			fence.AfterUsedAsInput(def.Queue)
		}
	}
	for _, id := range node.Outputs {
		if fence := frame.fence(id); fence != nil {
			fence.AfterUsedAsOutput(def.Queue)
		}
	}
}

// preFenceBoundary pre-issues the boundary node's fence waits after a segment
// stops before the plan's end: values produced by earlier segments must
// already be visible when the next segment (or an external consumer) reads
// them, even though the boundary node itself has not yet been invoked.
func (e *sequentialExecutor) preFenceBoundary(frame *ExecutionFrame, nodeIdx int) error {
	if e.nodesToExecute != nil && !e.nodesToExecute[nodeIdx] {
		// A pruned boundary node's producers may be pruned too and never
		// signal; there is nothing to make visible for it.
		return nil
	}
	p := e.plan
	node := p.Node(nodeIdx)
	if node.Kernel == nil {
		return errors.Errorf("plan %q: no compiled kernel for boundary node #%d (%q)", p.Name, nodeIdx, node.Name)
	}
	if !p.Order[nodeIdx].HasFence {
		return nil
	}
	e.fenceBeforeCompute(frame, node, node.Kernel.KernelDef())
	return nil
}

// releaseNodeValues frees every value in the node's free range. The executor
// assumes, and does not re-verify, that liveness analysis never double-frees.
func (e *sequentialExecutor) releaseNodeValues(frame *ExecutionFrame, entry *plan.NodeExecutionPlan) error {
	for i := entry.FreeFrom; i <= entry.FreeTo; i++ {
		id := e.plan.ToBeFreed[i]
		if klog.V(2).Enabled() {
			klog.Infof("seqexec: releasing value %q after node #%d", e.plan.ValueName(id), entry.NodeIndex)
		}
		if err := frame.ReleaseValue(id); err != nil {
			return err
		}
	}
	return nil
}
