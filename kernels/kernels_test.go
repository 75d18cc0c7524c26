package kernels

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/gomlx/seqexec/engine"
	"github.com/gomlx/seqexec/plan"
	"github.com/gomlx/seqexec/types/tensors"
)

// runSingleOp compiles a one-node plan around the kernel and executes it.
func runSingleOp(t *testing.T, kernel plan.OpKernel, inputs ...*tensors.Tensor) *tensors.Tensor {
	b := plan.NewBuilder("single-op")
	feedIDs := make([]plan.ValueID, len(inputs))
	for ii := range inputs {
		feedIDs[ii] = b.AddValue("")
	}
	out := b.AddValue("out")
	b.AddNode("", kernel, feedIDs, []plan.ValueID{out})
	p, err := b.Compile(feedIDs, []plan.ValueID{out})
	require.NoError(t, err)

	sess, err := engine.NewSession(p, engine.Options{})
	require.NoError(t, err)
	outputs, err := sess.Run(feedIDs, inputs, []plan.ValueID{out}, nil)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	return outputs[0]
}

func TestBinaryKernels(t *testing.T) {
	x := tensors.FromFlatData([]float32{1, 2, 3, 4}, 2, 2)
	y := tensors.FromFlatData([]float32{10, 20, 30, 40}, 2, 2)

	got := runSingleOp(t, NewAdd(), x, y)
	assert.Equal(t, []float32{11, 22, 33, 44}, tensors.Data[float32](got))

	got = runSingleOp(t, NewSub(), y, x)
	assert.Equal(t, []float32{9, 18, 27, 36}, tensors.Data[float32](got))

	got = runSingleOp(t, NewMul(), x, y)
	assert.Equal(t, []float32{10, 40, 90, 160}, tensors.Data[float32](got))

	got = runSingleOp(t, NewMin(), x, tensors.FromFlatData([]float32{4, 3, 2, 1}, 2, 2))
	assert.Equal(t, []float32{1, 2, 2, 1}, tensors.Data[float32](got))

	got = runSingleOp(t, NewMax(), x, tensors.FromFlatData([]float32{4, 3, 2, 1}, 2, 2))
	assert.Equal(t, []float32{4, 3, 3, 4}, tensors.Data[float32](got))
}

func TestBinaryScalarBroadcast(t *testing.T) {
	x := tensors.FromFlatData([]int32{1, 2, 3}, 3)
	scalar := tensors.FromScalar[int32](10)

	got := runSingleOp(t, NewAdd(), x, scalar)
	assert.Equal(t, []int32{11, 12, 13}, tensors.Data[int32](got))
	assert.Equal(t, []int{3}, got.Shape().Dimensions)

	got = runSingleOp(t, NewSub(), scalar, x)
	assert.Equal(t, []int32{9, 8, 7}, tensors.Data[int32](got))
}

func TestBinaryShapeMismatch(t *testing.T) {
	b := plan.NewBuilder("mismatch")
	x := b.AddValue("x")
	y := b.AddValue("y")
	out := b.AddValue("out")
	b.AddNode("add", NewAdd(), []plan.ValueID{x, y}, []plan.ValueID{out})
	p, err := b.Compile([]plan.ValueID{x, y}, []plan.ValueID{out})
	require.NoError(t, err)

	sess, err := engine.NewSession(p, engine.Options{})
	require.NoError(t, err)
	_, err = sess.Run([]plan.ValueID{x, y},
		[]*tensors.Tensor{
			tensors.FromFlatData([]float32{1, 2, 3}, 3),
			tensors.FromFlatData([]float32{1, 2}, 2),
		},
		[]plan.ValueID{out}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incompatible shapes")
	assert.Contains(t, err.Error(), `node "add"`)
}

func TestComplexDTypeRejected(t *testing.T) {
	// The pure-Go kernels cover the real numeric dtypes only: complex
	// tensors must fail cleanly, not instantiate the generic loops.
	b := plan.NewBuilder("complex")
	x := b.AddValue("x")
	y := b.AddValue("y")
	out := b.AddValue("out")
	b.AddNode("add", NewAdd(), []plan.ValueID{x, y}, []plan.ValueID{out})
	p, err := b.Compile([]plan.ValueID{x, y}, []plan.ValueID{out})
	require.NoError(t, err)

	sess, err := engine.NewSession(p, engine.Options{})
	require.NoError(t, err)
	c := tensors.FromFlatData([]complex64{1 + 2i}, 1)
	_, err = sess.Run([]plan.ValueID{x, y}, []*tensors.Tensor{c, c}, []plan.ValueID{out}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")
	assert.Contains(t, err.Error(), `node "add"`)
}

func TestUnaryKernels(t *testing.T) {
	x := tensors.FromFlatData([]float64{-1, 0, 2}, 3)

	got := runSingleOp(t, NewNeg(), x)
	assert.Equal(t, []float64{1, 0, -2}, tensors.Data[float64](got))

	got = runSingleOp(t, NewAbs(), x)
	assert.Equal(t, []float64{1, 0, 2}, tensors.Data[float64](got))

	got = runSingleOp(t, NewExp(), tensors.FromFlatData([]float64{0, 1}, 2))
	assert.InDelta(t, 1.0, tensors.Data[float64](got)[0], 1e-12)
	assert.InDelta(t, 2.718281828, tensors.Data[float64](got)[1], 1e-9)
}

func TestExpRejectsInts(t *testing.T) {
	b := plan.NewBuilder("exp-int")
	x := b.AddValue("x")
	out := b.AddValue("out")
	b.AddNode("exp", NewExp(), []plan.ValueID{x}, []plan.ValueID{out})
	p, err := b.Compile([]plan.ValueID{x}, []plan.ValueID{out})
	require.NoError(t, err)

	sess, err := engine.NewSession(p, engine.Options{})
	require.NoError(t, err)
	_, err = sess.Run([]plan.ValueID{x},
		[]*tensors.Tensor{tensors.FromFlatData([]int32{1}, 1)},
		[]plan.ValueID{out}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")
}

func TestMatMul(t *testing.T) {
	// [2, 3] x [3, 2] -> [2, 2]
	x := tensors.FromFlatData([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	y := tensors.FromFlatData([]float32{7, 8, 9, 10, 11, 12}, 3, 2)
	got := runSingleOp(t, NewMatMul(), x, y)
	assert.Equal(t, []int{2, 2}, got.Shape().Dimensions)
	assert.Equal(t, []float32{58, 64, 139, 154}, tensors.Data[float32](got))

	// Identity.
	eye := tensors.FromFlatData([]float64{1, 0, 0, 1}, 2, 2)
	m := tensors.FromFlatData([]float64{1, 2, 3, 4}, 2, 2)
	got = runSingleOp(t, NewMatMul(), m, eye)
	assert.Equal(t, []float64{1, 2, 3, 4}, tensors.Data[float64](got))
}

func TestMatMulParallel(t *testing.T) {
	// Large enough to shard rows across workers: ones[m, k] x ones[k, n]
	// gives k in every output cell.
	const m, k, n = 100, 30, 7
	ones := func(size int) []float32 {
		flat := make([]float32, size)
		for i := range flat {
			flat[i] = 1
		}
		return flat
	}
	x := tensors.FromFlatData(ones(m*k), m, k)
	y := tensors.FromFlatData(ones(k*n), k, n)
	got := runSingleOp(t, NewMatMul(), x, y)
	require.Equal(t, []int{m, n}, got.Shape().Dimensions)
	for i, v := range tensors.Data[float32](got) {
		if v != k {
			t.Fatalf("output[%d] = %v, want %v", i, v, float32(k))
		}
	}
}

func TestCast(t *testing.T) {
	x := tensors.FromFlatData([]float32{1.5, -2.5, 3}, 3)

	got := runSingleOp(t, NewCast(dtypes.Int32), x)
	assert.Equal(t, dtypes.Int32, got.DType())
	assert.Equal(t, []int32{1, -2, 3}, tensors.Data[int32](got))

	got = runSingleOp(t, NewCast(dtypes.Float64), tensors.FromFlatData([]int64{1, 2}, 2))
	assert.Equal(t, []float64{1, 2}, tensors.Data[float64](got))

	// Round-trip through half precision.
	got = runSingleOp(t, NewCast(dtypes.Float16), x)
	assert.Equal(t, dtypes.Float16, got.DType())
	half := tensors.Data[float16.Float16](got)
	assert.Equal(t, float32(1.5), half[0].Float32())
	assert.Equal(t, float32(-2.5), half[1].Float32())

	back := runSingleOp(t, NewCast(dtypes.Float32), got)
	assert.Equal(t, []float32{1.5, -2.5, 3}, tensors.Data[float32](back))
}

func TestMemcpyAcrossQueues(t *testing.T) {
	const gpu plan.QueueID = 1
	b := plan.NewBuilder("transfer")
	x := b.AddValue("x")
	onDevice := b.AddValue("x_on_device")
	sum := b.AddValue("sum")
	back := b.AddValue("sum_on_cpu")
	b.AddNode("upload", NewMemcpy(gpu), []plan.ValueID{x}, []plan.ValueID{onDevice})
	b.AddNode("add", OnQueue(NewAdd(), gpu), []plan.ValueID{onDevice, onDevice}, []plan.ValueID{sum})
	b.AddNode("download", NewMemcpy(plan.QueueCPU), []plan.ValueID{sum}, []plan.ValueID{back})
	p, err := b.Compile([]plan.ValueID{x}, []plan.ValueID{back})
	require.NoError(t, err)

	sess, err := engine.NewSession(p, engine.Options{})
	require.NoError(t, err)
	outputs, err := sess.Run([]plan.ValueID{x},
		[]*tensors.Tensor{tensors.FromFlatData([]float32{1, 2, 3}, 3)},
		[]plan.ValueID{back}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 4, 6}, tensors.Data[float32](outputs[0]))
}

func TestYieldPassesValuesThrough(t *testing.T) {
	x := tensors.FromFlatData([]float32{1, 2}, 2)
	got := runSingleOp(t, NewYield(), x)
	assert.Equal(t, []float32{1, 2}, tensors.Data[float32](got))
}
