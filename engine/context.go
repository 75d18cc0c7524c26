// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"github.com/gomlx/exceptions"

	"github.com/gomlx/seqexec/plan"
	"github.com/gomlx/seqexec/types/shapes"
	"github.com/gomlx/seqexec/types/tensors"
)

// opKernelContext implements plan.ComputeContext over a frame, bound to
// exactly one node's declared inputs, implicit inputs and outputs. One is
// built per invocation.
type opKernelContext struct {
	frame *ExecutionFrame
	node  *plan.Node
	queue plan.QueueID
}

// Compile-time check.
var _ plan.ComputeContext = (*opKernelContext)(nil)

func newOpKernelContext(frame *ExecutionFrame, node *plan.Node, queue plan.QueueID) *opKernelContext {
	return &opKernelContext{frame: frame, node: node, queue: queue}
}

func (c *opKernelContext) Node() *plan.Node { return c.node }

func (c *opKernelContext) NumInputs() int { return len(c.node.Inputs) }

func (c *opKernelContext) Input(i int) *tensors.Tensor {
	return c.liveValue(c.node.Inputs[i], "input", i)
}

func (c *opKernelContext) NumImplicitInputs() int { return len(c.node.ImplicitInputs) }

func (c *opKernelContext) ImplicitInput(i int) *tensors.Tensor {
	return c.liveValue(c.node.ImplicitInputs[i], "implicit input", i)
}

// liveValue returns the tensor bound to the slot; reading a released slot is
// a liveness-analysis bug and panics.
func (c *opKernelContext) liveValue(id plan.ValueID, kind string, i int) *tensors.Tensor {
	t := c.frame.value(id)
	if t == nil || !t.IsValid() {
		exceptions.Panicf("node %q (%s) read %s #%d (value %q) after it was released -- "+
			"the plan's liveness ranges are inconsistent",
			c.node.Name, c.node.OpType(), kind, i, c.frame.plan.ValueName(id))
	}
	return t
}

func (c *opKernelContext) NumOutputs() int { return len(c.node.Outputs) }

func (c *opKernelContext) Output(i int) *tensors.Tensor {
	return c.frame.value(c.node.Outputs[i])
}

func (c *opKernelContext) AllocateOutput(i int, shape shapes.Shape) (*tensors.Tensor, error) {
	return c.frame.allocateForValue(c.node.Outputs[i], shape, c.queue)
}

// inputBytes sums the sizes of the node's inputs and implicit inputs,
// splitting externally supplied values (weights, feeds) from frame-owned
// activations. Used for instrumentation only.
func (c *opKernelContext) inputBytes() (activations, parameters uintptr) {
	count := func(id plan.ValueID) {
		t := c.frame.value(id)
		if t == nil || !t.IsValid() {
			return
		}
		if c.frame.values[id].owned {
			activations += t.Memory()
		} else {
			parameters += t.Memory()
		}
	}
	for _, id := range c.node.Inputs {
		count(id)
	}
	for _, id := range c.node.ImplicitInputs {
		count(id)
	}
	return
}

// outputBytes sums the sizes of the node's bound outputs. Used for
// instrumentation only.
func (c *opKernelContext) outputBytes() (total uintptr) {
	for _, id := range c.node.Outputs {
		if t := c.frame.value(id); t != nil && t.IsValid() {
			total += t.Memory()
		}
	}
	return
}
