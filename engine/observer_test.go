package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/seqexec/engine"
	"github.com/gomlx/seqexec/plan"
	"github.com/gomlx/seqexec/types/tensors"
)

type recordingObserver struct {
	nodes    []engine.NodeEvent
	segments []engine.SegmentEvent
}

func (o *recordingObserver) NodeExecuted(ev engine.NodeEvent)       { o.nodes = append(o.nodes, ev) }
func (o *recordingObserver) SegmentExecuted(ev engine.SegmentEvent) { o.segments = append(o.segments, ev) }

func TestObserverReceivesEvents(t *testing.T) {
	p, x, _, out := chainPlan(t, 3, -1, nil)
	obs := &recordingObserver{}
	sess, err := engine.NewSession(p, engine.Options{Observer: obs})
	require.NoError(t, err)

	outputs, err := sess.Run([]plan.ValueID{x},
		[]*tensors.Tensor{tensors.FromFlatData([]float32{1, 2}, 2)},
		[]plan.ValueID{out}, nil)
	require.NoError(t, err)
	require.Len(t, outputs, 1)

	require.Len(t, obs.nodes, 3)
	for i, ev := range obs.nodes {
		assert.Equal(t, i, ev.NodeIndex)
		assert.Equal(t, "Neg", ev.OpType)
		assert.Equal(t, plan.QueueCPU, ev.Queue)
		assert.Equal(t, uintptr(8), ev.OutputBytes)
	}
	// The first node reads only the externally fed x.
	assert.Equal(t, uintptr(8), obs.nodes[0].ParameterBytes)
	assert.Zero(t, obs.nodes[0].ActivationBytes)
	// Later nodes read frame-owned intermediates.
	assert.Equal(t, uintptr(8), obs.nodes[1].ActivationBytes)
	assert.Zero(t, obs.nodes[1].ParameterBytes)

	require.Len(t, obs.segments, 1)
	assert.Equal(t, 0, obs.segments[0].Start)
	assert.Equal(t, 3, obs.segments[0].End)
	assert.Equal(t, "chain", obs.segments[0].PlanName)
}
