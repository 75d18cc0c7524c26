package engine_test

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/seqexec/engine"
	"github.com/gomlx/seqexec/kernels"
	"github.com/gomlx/seqexec/plan"
	"github.com/gomlx/seqexec/types/tensors"
)

// yieldPlan builds a two-segment graph:
//
//	a = Neg(x); Yield(a) -> ay; out = Add(a, g)
//
// x is fed at the start, g at resume time; a is fetchable at the yield
// boundary. Returns the plan and all value ids.
func yieldPlan(t *testing.T, yieldCount *atomic.Int32) (p *plan.Plan, x, g, a, out plan.ValueID) {
	b := plan.NewBuilder("yield-plan")
	x = b.AddValue("x")
	g = b.AddValue("g")
	a = b.AddValue("a")
	ay := b.AddValue("ay")
	out = b.AddValue("out")
	b.AddNode("neg", kernels.NewNeg(), []plan.ValueID{x}, []plan.ValueID{a})
	yield := kernels.NewYield()
	if yieldCount != nil {
		yield = counted(yield, yieldCount)
	}
	b.AddNode("yield", yield, []plan.ValueID{a}, []plan.ValueID{ay})
	b.AddNode("add", kernels.NewAdd(), []plan.ValueID{a, g}, []plan.ValueID{out})
	var err error
	p, err = b.Compile([]plan.ValueID{x, g}, []plan.ValueID{a, out})
	require.NoError(t, err)
	return
}

func TestPartialRun(t *testing.T) {
	var yieldCount atomic.Int32
	p, x, g, a, out := yieldPlan(t, &yieldCount)
	sess, err := engine.NewSession(p, engine.Options{})
	require.NoError(t, err)

	// First installment: feed x, run up to the yield boundary, fetch a.
	runID, outputs, err := sess.Execute([]plan.ValueID{x},
		[]*tensors.Tensor{tensors.FromFlatData([]float32{1, 2}, 2)},
		[]plan.ValueID{a}, engine.RunNew, nil)
	require.NoError(t, err)
	require.NotEqual(t, engine.RunNone, runID)
	require.Len(t, outputs, 1)
	assert.Equal(t, []float32{-1, -2}, tensors.Data[float32](outputs[0]))
	assert.Equal(t, 1, sess.NumPendingRuns())
	assert.Zero(t, yieldCount.Load(), "yield node ran inside the first segment")

	// Second installment: feed g, resume to the end, fetch out.
	finalID, outputs, err := sess.Execute([]plan.ValueID{g},
		[]*tensors.Tensor{tensors.FromFlatData([]float32{10, 20}, 2)},
		[]plan.ValueID{out}, runID, nil)
	require.NoError(t, err)
	assert.Equal(t, engine.RunNone, finalID)
	assert.Equal(t, []float32{9, 18}, tensors.Data[float32](outputs[0]))
	assert.Equal(t, 0, sess.NumPendingRuns())
	// Without ownership transfer the run resumes at the yield node and
	// executes it.
	assert.Equal(t, int32(1), yieldCount.Load())

	// The retired id no longer resolves.
	_, _, err = sess.Execute([]plan.ValueID{g},
		[]*tensors.Tensor{tensors.FromFlatData([]float32{1, 1}, 2)},
		[]plan.ValueID{out}, runID, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestPartialRunTransferOwnershipSkipsYield(t *testing.T) {
	var yieldCount atomic.Int32
	p, x, g, a, out := yieldPlan(t, &yieldCount)
	sess, err := engine.NewSession(p, engine.Options{TransferIntermediateOwnership: true})
	require.NoError(t, err)

	runID, outputs, err := sess.Execute([]plan.ValueID{x},
		[]*tensors.Tensor{tensors.FromFlatData([]float32{3}, 1)},
		[]plan.ValueID{a}, engine.RunNew, nil)
	require.NoError(t, err)
	yielded := outputs[0]
	assert.Equal(t, []float32{-3}, tensors.Data[float32](yielded))

	_, outputs, err = sess.Execute([]plan.ValueID{g},
		[]*tensors.Tensor{tensors.FromFlatData([]float32{10}, 1)},
		[]plan.ValueID{out}, runID, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{7}, tensors.Data[float32](outputs[0]))
	// Ownership transfer skips the yield node on resume.
	assert.Zero(t, yieldCount.Load())
	// The moved-out tensor survives the frame teardown.
	assert.True(t, yielded.IsValid())
	assert.Equal(t, 0, sess.NumPendingRuns())
}

func TestPartialRunMatchesFullRun(t *testing.T) {
	p, x, g, _, out := yieldPlan(t, nil)

	feedX := tensors.FromFlatData([]float32{1, -4, 9}, 3)
	feedG := tensors.FromFlatData([]float32{100, 100, 100}, 3)

	full, err := engine.NewSession(p, engine.Options{})
	require.NoError(t, err)
	fullOut, err := full.Run([]plan.ValueID{x, g},
		[]*tensors.Tensor{feedX, feedG}, []plan.ValueID{out}, nil)
	require.NoError(t, err)

	split, err := engine.NewSession(p, engine.Options{})
	require.NoError(t, err)
	runID, _, err := split.Execute([]plan.ValueID{x},
		[]*tensors.Tensor{feedX}, nil, engine.RunNew, nil)
	require.NoError(t, err)
	_, splitOut, err := split.Execute([]plan.ValueID{g},
		[]*tensors.Tensor{feedG}, []plan.ValueID{out}, runID, nil)
	require.NoError(t, err)

	assert.Equal(t, tensors.Data[float32](fullOut[0]), tensors.Data[float32](splitOut[0]))
}

func TestPartialRunIDsNotReused(t *testing.T) {
	p, x, _, a, _ := yieldPlan(t, nil)
	sess, err := engine.NewSession(p, engine.Options{})
	require.NoError(t, err)

	feeds := []*tensors.Tensor{tensors.FromFlatData([]float32{1}, 1)}
	id1, _, err := sess.Execute([]plan.ValueID{x}, feeds, []plan.ValueID{a}, engine.RunNew, nil)
	require.NoError(t, err)
	id2, _, err := sess.Execute([]plan.ValueID{x}, feeds, []plan.ValueID{a}, engine.RunNew, nil)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, 2, sess.NumPendingRuns())

	require.NoError(t, sess.CancelRun(id1))
	require.NoError(t, sess.CancelRun(id2))
	assert.Equal(t, 0, sess.NumPendingRuns())
	require.Error(t, sess.CancelRun(id1))
}

func TestYieldAtIndex2Of5(t *testing.T) {
	// Five-node chain with the yield at index 2: the first installment runs
	// nodes 0-1, the second runs 2-4 and retires the run.
	counts := newCounts(5)
	p, x, _, out := chainPlan(t, 5, 2, counts)
	sess, err := engine.NewSession(p, engine.Options{})
	require.NoError(t, err)

	runID, _, err := sess.Execute([]plan.ValueID{x},
		[]*tensors.Tensor{tensors.FromFlatData([]float32{7}, 1)},
		nil, engine.RunNew, nil)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		assert.Equal(t, int32(1), counts[i].Load(), "node #%d", i)
	}
	for i := 2; i < 5; i++ {
		assert.Zero(t, counts[i].Load(), "node #%d ran before its segment", i)
	}

	finalID, outputs, err := sess.Execute(nil, nil, []plan.ValueID{out}, runID, nil)
	require.NoError(t, err)
	assert.Equal(t, engine.RunNone, finalID)
	for i := 0; i < 5; i++ {
		assert.Equal(t, int32(1), counts[i].Load(), "node #%d", i)
	}
	// Four negations and one identity yield: the value round-trips.
	assert.Equal(t, []float32{7}, tensors.Data[float32](outputs[0]))
	assert.Equal(t, 0, sess.NumPendingRuns())
}

func TestPartialRunUnknownID(t *testing.T) {
	p, x, _, a, _ := yieldPlan(t, nil)
	sess, err := engine.NewSession(p, engine.Options{})
	require.NoError(t, err)
	_, _, err = sess.Execute([]plan.ValueID{x},
		[]*tensors.Tensor{tensors.FromFlatData([]float32{1}, 1)},
		[]plan.ValueID{a}, engine.RunID(12345), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run id 12345 not found")
}
