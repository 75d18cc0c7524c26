// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plan

import (
	"github.com/gomlx/seqexec/types/shapes"
	"github.com/gomlx/seqexec/types/tensors"
)

// KernelDef is the static description of a compiled operator: its name, the
// device queue it executes on and per-input placement details.
type KernelDef struct {
	// OpName is the operator type, e.g. "Add", "MatMul", "Yield".
	OpName string

	// Queue the kernel enqueues its work on. QueueCPU for pure-Go kernels.
	Queue QueueID

	// CPUInputs lists input indices the kernel reads from CPU memory
	// regardless of Queue. Fence waits for these inputs use the CPU queue
	// identity.
	CPUInputs []int

	// AllocateInputsContiguously requests that inputs be laid out
	// back-to-back; when set, an injected verifier (if any) checks the
	// layout before invocation.
	AllocateInputsContiguously bool
}

// IsCPUInput reports whether the input index is listed in CPUInputs.
func (d KernelDef) IsCPUInput(inputIdx int) bool {
	for _, idx := range d.CPUInputs {
		if idx == inputIdx {
			return true
		}
	}
	return false
}

// ComputeContext is the invocation context handed to a kernel's Compute: a
// view over the executing frame's value table restricted to the node's
// declared inputs, implicit inputs and outputs.
//
// Kernels must not retain the tensors past the Compute call unless ownership
// was explicitly transferred to them.
type ComputeContext interface {
	// Node being executed.
	Node() *Node

	NumInputs() int

	// Input returns the i-th input tensor. It panics if the value slot was
	// already released -- that would be a liveness-analysis bug, not a
	// recoverable condition.
	Input(i int) *tensors.Tensor

	NumImplicitInputs() int

	// ImplicitInput returns the i-th implicit input (values captured from
	// an enclosing scope, e.g. loop-carried state).
	ImplicitInput(i int) *tensors.Tensor

	NumOutputs() int

	// Output returns the i-th output tensor if it was already allocated
	// (e.g. by a cached memory pattern), or nil.
	Output(i int) *tensors.Tensor

	// AllocateOutput binds a newly allocated tensor of the given shape to
	// the i-th output slot and returns it. Allocation failure surfaces as
	// an ordinary error for the kernel to return from Compute.
	AllocateOutput(i int, shape shapes.Shape) (*tensors.Tensor, error)
}

// OpKernel is one compiled operator instance bound to a node.
//
// Compute must be reentrant per distinct context: the same kernel may be
// invoked concurrently by independent frames sharing the plan.
type OpKernel interface {
	KernelDef() KernelDef
	Compute(ctx ComputeContext) error
}
