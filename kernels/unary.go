// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/seqexec/plan"
)

type unaryOp int

const (
	opNeg unaryOp = iota
	opAbs
	opExp
)

func (op unaryOp) String() string {
	switch op {
	case opNeg:
		return "Neg"
	case opAbs:
		return "Abs"
	case opExp:
		return "Exp"
	}
	return "<invalid>"
}

// unaryKernel is a one-input elementwise CPU kernel.
type unaryKernel struct {
	kernelBase
	op unaryOp
}

// Compile-time check.
var _ plan.OpKernel = unaryKernel{}

func newUnary(op unaryOp) unaryKernel {
	return unaryKernel{
		kernelBase: kernelBase{def: plan.KernelDef{OpName: op.String(), Queue: plan.QueueCPU}},
		op:         op,
	}
}

// NewNeg returns an elementwise negation kernel.
func NewNeg() plan.OpKernel { return newUnary(opNeg) }

// NewAbs returns an elementwise absolute-value kernel.
func NewAbs() plan.OpKernel { return newUnary(opAbs) }

// NewExp returns an elementwise exponential kernel (floats only).
func NewExp() plan.OpKernel { return newUnary(opExp) }

func negFn[T dtypes.NumberNotComplex](a T) T { return -a }

func absFn[T dtypes.NumberNotComplex](a T) T {
	if a < 0 {
		return -a
	}
	return a
}

func (k unaryKernel) Compute(ctx plan.ComputeContext) error {
	if ctx.NumInputs() != 1 || ctx.NumOutputs() != 1 {
		return errors.Errorf("%s expects 1 input and 1 output, node %q has %d and %d",
			k.op, ctx.Node().Name, ctx.NumInputs(), ctx.NumOutputs())
	}
	dtype := ctx.Input(0).DType()
	if k.op == opExp {
		switch dtype {
		case dtypes.Float32:
			return execUnary(ctx, func(a float32) float32 { return float32(math.Exp(float64(a))) })
		case dtypes.Float64:
			return execUnary(ctx, math.Exp)
		default:
			return errUnsupportedDType(ctx, dtype)
		}
	}
	switch dtype {
	case dtypes.Float32:
		return execUnary(ctx, pickUnaryFn[float32](k.op))
	case dtypes.Float64:
		return execUnary(ctx, pickUnaryFn[float64](k.op))
	case dtypes.Int8:
		return execUnary(ctx, pickUnaryFn[int8](k.op))
	case dtypes.Int16:
		return execUnary(ctx, pickUnaryFn[int16](k.op))
	case dtypes.Int32:
		return execUnary(ctx, pickUnaryFn[int32](k.op))
	case dtypes.Int64:
		return execUnary(ctx, pickUnaryFn[int64](k.op))
	default:
		return errUnsupportedDType(ctx, dtype)
	}
}

func pickUnaryFn[T dtypes.NumberNotComplex](op unaryOp) func(a T) T {
	if op == opAbs {
		return absFn[T]
	}
	return negFn[T]
}
