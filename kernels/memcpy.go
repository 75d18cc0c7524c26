// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"github.com/pkg/errors"

	"github.com/gomlx/seqexec/plan"
)

// memcpyKernel moves one value between device queues: its output lives on the
// kernel's queue while its input is read with the CPU queue identity, so the
// engine fences both sides of the transfer.
//
// With pure-Go storage the copy itself is an ordinary buffer copy; the kernel
// exists for its queue semantics.
type memcpyKernel struct {
	kernelBase
}

// Compile-time check.
var _ plan.OpKernel = memcpyKernel{}

// NewMemcpy returns a device-transfer kernel homed on the given queue. Its
// single input is declared CPU-resident.
func NewMemcpy(queue plan.QueueID) plan.OpKernel {
	return memcpyKernel{kernelBase{def: plan.KernelDef{
		OpName:    "Memcpy",
		Queue:     queue,
		CPUInputs: []int{0},
	}}}
}

func (k memcpyKernel) Compute(ctx plan.ComputeContext) error {
	if ctx.NumInputs() != 1 || ctx.NumOutputs() != 1 {
		return errors.Errorf("Memcpy expects 1 input and 1 output, node %q has %d and %d",
			ctx.Node().Name, ctx.NumInputs(), ctx.NumOutputs())
	}
	in := ctx.Input(0)
	out, err := ctx.AllocateOutput(0, in.Shape())
	if err != nil {
		return err
	}
	return out.CopyFrom(in)
}
