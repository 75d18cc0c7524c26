// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"github.com/pkg/errors"

	"github.com/gomlx/seqexec/plan"
)

// yieldKernel marks a partial-run boundary: the engine suspends a resumable
// run after executing it. Its compute is an identity copy of each input into
// the paired output, making the yielded values fetchable mid-run.
type yieldKernel struct {
	kernelBase
}

// Compile-time check.
var _ plan.OpKernel = yieldKernel{}

// NewYield returns a partial-run boundary kernel with the default "Yield"
// operator name.
func NewYield() plan.OpKernel {
	return yieldKernel{kernelBase{def: plan.KernelDef{OpName: "Yield", Queue: plan.QueueCPU}}}
}

func (k yieldKernel) Compute(ctx plan.ComputeContext) error {
	if ctx.NumInputs() != ctx.NumOutputs() {
		return errors.Errorf("Yield node %q must pair each input with an output, has %d inputs and %d outputs",
			ctx.Node().Name, ctx.NumInputs(), ctx.NumOutputs())
	}
	for i := 0; i < ctx.NumInputs(); i++ {
		in := ctx.Input(i)
		out, err := ctx.AllocateOutput(i, in.Shape())
		if err != nil {
			return err
		}
		if err = out.CopyFrom(in); err != nil {
			return err
		}
	}
	return nil
}
