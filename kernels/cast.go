// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/gomlx/seqexec/plan"
	"github.com/gomlx/seqexec/types/shapes"
	"github.com/gomlx/seqexec/types/tensors"
)

// castKernel converts a tensor elementwise to a target dtype, preserving
// dimensions. Float16 is supported on both sides.
type castKernel struct {
	kernelBase
	target dtypes.DType
}

// Compile-time check.
var _ plan.OpKernel = castKernel{}

// NewCast returns a kernel converting its input to the target dtype.
func NewCast(target dtypes.DType) plan.OpKernel {
	return castKernel{
		kernelBase: kernelBase{def: plan.KernelDef{OpName: "Cast", Queue: plan.QueueCPU}},
		target:     target,
	}
}

func (k castKernel) Compute(ctx plan.ComputeContext) error {
	if ctx.NumInputs() != 1 || ctx.NumOutputs() != 1 {
		return errors.Errorf("Cast expects 1 input and 1 output, node %q has %d and %d",
			ctx.Node().Name, ctx.NumInputs(), ctx.NumOutputs())
	}
	in := ctx.Input(0)
	outShape := shapes.Make(k.target, in.Shape().Dimensions...)
	out, err := ctx.AllocateOutput(0, outShape)
	if err != nil {
		return err
	}
	if in.DType() == k.target {
		return out.CopyFrom(in)
	}
	switch k.target {
	case dtypes.Float32:
		return castInto(tensors.Data[float32](out), in.Flat(), ctx)
	case dtypes.Float64:
		return castInto(tensors.Data[float64](out), in.Flat(), ctx)
	case dtypes.Int8:
		return castInto(tensors.Data[int8](out), in.Flat(), ctx)
	case dtypes.Int16:
		return castInto(tensors.Data[int16](out), in.Flat(), ctx)
	case dtypes.Int32:
		return castInto(tensors.Data[int32](out), in.Flat(), ctx)
	case dtypes.Int64:
		return castInto(tensors.Data[int64](out), in.Flat(), ctx)
	case dtypes.Uint8:
		return castInto(tensors.Data[uint8](out), in.Flat(), ctx)
	case dtypes.Uint16:
		return castInto(tensors.Data[uint16](out), in.Flat(), ctx)
	case dtypes.Uint32:
		return castInto(tensors.Data[uint32](out), in.Flat(), ctx)
	case dtypes.Uint64:
		return castInto(tensors.Data[uint64](out), in.Flat(), ctx)
	case dtypes.Float16:
		return castIntoF16(tensors.Data[float16.Float16](out), in.Flat(), ctx)
	default:
		return errUnsupportedDType(ctx, k.target)
	}
}

// castInto converts src (any supported flat slice) into dst elementwise.
func castInto[D dtypes.NumberNotComplex](dst []D, src any, ctx plan.ComputeContext) error {
	switch s := src.(type) {
	case []float32:
		for i, v := range s {
			dst[i] = D(v)
		}
	case []float64:
		for i, v := range s {
			dst[i] = D(v)
		}
	case []int8:
		for i, v := range s {
			dst[i] = D(v)
		}
	case []int16:
		for i, v := range s {
			dst[i] = D(v)
		}
	case []int32:
		for i, v := range s {
			dst[i] = D(v)
		}
	case []int64:
		for i, v := range s {
			dst[i] = D(v)
		}
	case []uint8:
		for i, v := range s {
			dst[i] = D(v)
		}
	case []uint16:
		for i, v := range s {
			dst[i] = D(v)
		}
	case []uint32:
		for i, v := range s {
			dst[i] = D(v)
		}
	case []uint64:
		for i, v := range s {
			dst[i] = D(v)
		}
	case []float16.Float16:
		for i, v := range s {
			dst[i] = D(v.Float32())
		}
	default:
		return errUnsupportedDType(ctx, ctx.Input(0).DType())
	}
	return nil
}

// castIntoF16 converts src into half-precision floats.
func castIntoF16(dst []float16.Float16, src any, ctx plan.ComputeContext) error {
	asF32 := make([]float32, len(dst))
	if err := castInto(asF32, src, ctx); err != nil {
		return err
	}
	for i, v := range asF32 {
		dst[i] = float16.Fromfloat32(v)
	}
	return nil
}
