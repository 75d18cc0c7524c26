// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"github.com/gomlx/gopjrt/dtypes"
	"golang.org/x/exp/constraints"

	"github.com/gomlx/seqexec/plan"
)

type binaryOp int

const (
	opAdd binaryOp = iota
	opSub
	opMul
	opMin
	opMax
)

func (op binaryOp) String() string {
	switch op {
	case opAdd:
		return "Add"
	case opSub:
		return "Sub"
	case opMul:
		return "Mul"
	case opMin:
		return "Min"
	case opMax:
		return "Max"
	}
	return "<invalid>"
}

func binaryFn[T dtypes.NumberNotComplex](op binaryOp) func(a, b T) T {
	switch op {
	case opAdd:
		return func(a, b T) T { return a + b }
	case opSub:
		return func(a, b T) T { return a - b }
	case opMul:
		return func(a, b T) T { return a * b }
	case opMin:
		return minOf[T]
	default:
		return maxOf[T]
	}
}

func minOf[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

func maxOf[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// binaryKernel is a two-input elementwise CPU kernel. One side may be a
// scalar, broadcast over the other.
type binaryKernel struct {
	kernelBase
	op binaryOp
}

// Compile-time check.
var _ plan.OpKernel = binaryKernel{}

func newBinary(op binaryOp) binaryKernel {
	return binaryKernel{
		kernelBase: kernelBase{def: plan.KernelDef{OpName: op.String(), Queue: plan.QueueCPU}},
		op:         op,
	}
}

// NewAdd returns an elementwise addition kernel.
func NewAdd() plan.OpKernel { return newBinary(opAdd) }

// NewSub returns an elementwise subtraction kernel.
func NewSub() plan.OpKernel { return newBinary(opSub) }

// NewMul returns an elementwise multiplication kernel.
func NewMul() plan.OpKernel { return newBinary(opMul) }

// NewMin returns an elementwise minimum kernel.
func NewMin() plan.OpKernel { return newBinary(opMin) }

// NewMax returns an elementwise maximum kernel.
func NewMax() plan.OpKernel { return newBinary(opMax) }

func (k binaryKernel) Compute(ctx plan.ComputeContext) error {
	outShape, err := binaryArgShapes(ctx)
	if err != nil {
		return err
	}
	switch dtype := outShape.DType; dtype {
	case dtypes.Float32:
		return execBinary(ctx, outShape, binaryFn[float32](k.op))
	case dtypes.Float64:
		return execBinary(ctx, outShape, binaryFn[float64](k.op))
	case dtypes.Int8:
		return execBinary(ctx, outShape, binaryFn[int8](k.op))
	case dtypes.Int16:
		return execBinary(ctx, outShape, binaryFn[int16](k.op))
	case dtypes.Int32:
		return execBinary(ctx, outShape, binaryFn[int32](k.op))
	case dtypes.Int64:
		return execBinary(ctx, outShape, binaryFn[int64](k.op))
	case dtypes.Uint8:
		return execBinary(ctx, outShape, binaryFn[uint8](k.op))
	case dtypes.Uint16:
		return execBinary(ctx, outShape, binaryFn[uint16](k.op))
	case dtypes.Uint32:
		return execBinary(ctx, outShape, binaryFn[uint32](k.op))
	case dtypes.Uint64:
		return execBinary(ctx, outShape, binaryFn[uint64](k.op))
	default:
		return errUnsupportedDType(ctx, dtype)
	}
}

// queueOverride re-homes a kernel onto another device queue, keeping its
// compute. Used to model multi-queue plans with pure-Go kernels.
type queueOverride struct {
	plan.OpKernel
	queue plan.QueueID
}

func (q queueOverride) KernelDef() plan.KernelDef {
	def := q.OpKernel.KernelDef()
	def.Queue = q.queue
	return def
}

// OnQueue returns a kernel identical to k but declared to execute on the
// given queue. The engine then fences the kernel's values.
func OnQueue(k plan.OpKernel, queue plan.QueueID) plan.OpKernel {
	return queueOverride{OpKernel: k, queue: queue}
}
