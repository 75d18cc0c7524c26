// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/seqexec/internal/workerspool"
	"github.com/gomlx/seqexec/plan"
	"github.com/gomlx/seqexec/types/shapes"
	"github.com/gomlx/seqexec/types/tensors"
)

// matMulMinRowsPerWorker is the smallest row chunk worth handing to a worker.
const matMulMinRowsPerWorker = 16

// matMulKernel multiplies two rank-2 float tensors: [m, k] x [k, n] -> [m, n].
// Output rows are sharded across a workers pool.
type matMulKernel struct {
	kernelBase
	pool *workerspool.Pool
}

// Compile-time check.
var _ plan.OpKernel = matMulKernel{}

// NewMatMul returns a rank-2 matrix multiplication kernel for Float32 and
// Float64.
func NewMatMul() plan.OpKernel {
	return matMulKernel{
		kernelBase: kernelBase{def: plan.KernelDef{OpName: "MatMul", Queue: plan.QueueCPU}},
		pool:       workerspool.New(),
	}
}

func (k matMulKernel) Compute(ctx plan.ComputeContext) error {
	if ctx.NumInputs() != 2 || ctx.NumOutputs() != 1 {
		return errors.Errorf("MatMul expects 2 inputs and 1 output, node %q has %d and %d",
			ctx.Node().Name, ctx.NumInputs(), ctx.NumOutputs())
	}
	lhs, rhs := ctx.Input(0).Shape(), ctx.Input(1).Shape()
	if lhs.DType != rhs.DType {
		return errors.Errorf("MatMul node %q: dtype mismatch, %s vs %s", ctx.Node().Name, lhs.DType, rhs.DType)
	}
	if lhs.Rank() != 2 || rhs.Rank() != 2 || lhs.Dim(1) != rhs.Dim(0) {
		return errors.Errorf("MatMul node %q: incompatible shapes %s and %s", ctx.Node().Name, lhs, rhs)
	}
	outShape := shapes.Make(lhs.DType, lhs.Dim(0), rhs.Dim(1))
	switch dtype := lhs.DType; dtype {
	case dtypes.Float32:
		return execMatMul[float32](ctx, k.pool, outShape, lhs.Dim(0), lhs.Dim(1), rhs.Dim(1))
	case dtypes.Float64:
		return execMatMul[float64](ctx, k.pool, outShape, lhs.Dim(0), lhs.Dim(1), rhs.Dim(1))
	default:
		return errUnsupportedDType(ctx, dtype)
	}
}

func execMatMul[T float32 | float64](ctx plan.ComputeContext, pool *workerspool.Pool,
	outShape shapes.Shape, m, k, n int) error {
	out, err := ctx.AllocateOutput(0, outShape)
	if err != nil {
		return err
	}
	lhs := tensors.Data[T](ctx.Input(0))
	rhs := tensors.Data[T](ctx.Input(1))
	flat := tensors.Data[T](out)
	pool.Parallelize(m, matMulMinRowsPerWorker, func(rowStart, rowEnd int) {
		for i := rowStart; i < rowEnd; i++ {
			row := flat[i*n : (i+1)*n]
			for j := range row {
				row[j] = 0
			}
			for l := 0; l < k; l++ {
				a := lhs[i*k+l]
				if a == 0 {
					continue
				}
				rhsRow := rhs[l*n : (l+1)*n]
				for j, b := range rhsRow {
					row[j] += a * b
				}
			}
		}
	})
	return nil
}
