// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernels provides the reference pure-Go operator kernels: the CPU
// elementwise and matrix ops plus the structural ops (Memcpy, Yield) the
// engine's cross-queue and partial-run protocols rely on.
//
// Kernels here are deliberately straightforward loops over flat data. They
// exist to exercise the engine, not to compete with optimized backends.
package kernels

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/seqexec/plan"
	"github.com/gomlx/seqexec/types/shapes"
	"github.com/gomlx/seqexec/types/tensors"
)

// kernelBase carries the static KernelDef shared by the package's kernels.
type kernelBase struct {
	def plan.KernelDef
}

func (k kernelBase) KernelDef() plan.KernelDef { return k.def }

// binaryArgShapes validates a two-input elementwise invocation and returns
// the output shape. One side may be a scalar of the same dtype, broadcast
// over the other.
func binaryArgShapes(ctx plan.ComputeContext) (shapes.Shape, error) {
	if ctx.NumInputs() != 2 || ctx.NumOutputs() != 1 {
		return shapes.Invalid(), errors.Errorf("%s expects 2 inputs and 1 output, node %q has %d and %d",
			ctx.Node().OpType(), ctx.Node().Name, ctx.NumInputs(), ctx.NumOutputs())
	}
	lhs, rhs := ctx.Input(0).Shape(), ctx.Input(1).Shape()
	if lhs.DType != rhs.DType {
		return shapes.Invalid(), errors.Errorf("%s node %q: dtype mismatch, %s vs %s",
			ctx.Node().OpType(), ctx.Node().Name, lhs.DType, rhs.DType)
	}
	switch {
	case lhs.EqualDimensions(rhs):
		return lhs, nil
	case rhs.IsScalar():
		return lhs, nil
	case lhs.IsScalar():
		return rhs, nil
	}
	return shapes.Invalid(), errors.Errorf("%s node %q: incompatible shapes %s and %s",
		ctx.Node().OpType(), ctx.Node().Name, lhs, rhs)
}

// execBinary runs an elementwise binary op for one concrete dtype, handling
// scalar broadcast on either side.
func execBinary[T dtypes.NumberNotComplex](ctx plan.ComputeContext, outShape shapes.Shape, fn func(a, b T) T) error {
	out, err := ctx.AllocateOutput(0, outShape)
	if err != nil {
		return err
	}
	lhs := tensors.Data[T](ctx.Input(0))
	rhs := tensors.Data[T](ctx.Input(1))
	flat := tensors.Data[T](out)
	switch {
	case len(lhs) == len(rhs):
		for i := range flat {
			flat[i] = fn(lhs[i], rhs[i])
		}
	case len(rhs) == 1:
		b := rhs[0]
		for i := range flat {
			flat[i] = fn(lhs[i], b)
		}
	default:
		a := lhs[0]
		for i := range flat {
			flat[i] = fn(a, rhs[i])
		}
	}
	return nil
}

// execUnary runs an elementwise unary op for one concrete dtype.
func execUnary[T dtypes.NumberNotComplex](ctx plan.ComputeContext, fn func(a T) T) error {
	shape := ctx.Input(0).Shape()
	out, err := ctx.AllocateOutput(0, shape)
	if err != nil {
		return err
	}
	in := tensors.Data[T](ctx.Input(0))
	flat := tensors.Data[T](out)
	for i := range flat {
		flat[i] = fn(in[i])
	}
	return nil
}

func errUnsupportedDType(ctx plan.ComputeContext, dtype dtypes.DType) error {
	return errors.Errorf("%s node %q: dtype %s not supported", ctx.Node().OpType(), ctx.Node().Name, dtype)
}
