package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/seqexec/types/shapes"
	"github.com/gomlx/seqexec/types/tensors"
)

// stubKernel is a do-nothing kernel for plan-level tests.
type stubKernel struct {
	def KernelDef
}

func (k stubKernel) KernelDef() KernelDef         { return k.def }
func (k stubKernel) Compute(ComputeContext) error { return nil }

func cpuKernel(opName string) OpKernel {
	return stubKernel{def: KernelDef{OpName: opName, Queue: QueueCPU}}
}

func queueKernel(opName string, queue QueueID) OpKernel {
	return stubKernel{def: KernelDef{OpName: opName, Queue: queue}}
}

func TestBuilderFreeRanges(t *testing.T) {
	// x -> a -> b -> out: a's last use is node 1, b's is node 2. x is a feed
	// and out an output, so only a and b are ever freed.
	b := NewBuilder("liveness")
	x := b.AddValue("x")
	a := b.AddValue("a")
	bv := b.AddValue("b")
	out := b.AddValue("out")
	b.AddNode("n0", cpuKernel("Op"), []ValueID{x}, []ValueID{a})
	b.AddNode("n1", cpuKernel("Op"), []ValueID{a}, []ValueID{bv})
	b.AddNode("n2", cpuKernel("Op"), []ValueID{bv}, []ValueID{out})
	p, err := b.Compile([]ValueID{x}, []ValueID{out})
	require.NoError(t, err)

	require.Equal(t, []ValueID{a, bv}, p.ToBeFreed)
	// Node 0 frees nothing.
	assert.Greater(t, p.Order[0].FreeFrom, p.Order[0].FreeTo)
	// Node 1 frees a, node 2 frees b.
	assert.Equal(t, 0, p.Order[1].FreeFrom)
	assert.Equal(t, 0, p.Order[1].FreeTo)
	assert.Equal(t, 1, p.Order[2].FreeFrom)
	assert.Equal(t, 1, p.Order[2].FreeTo)

	// The free ranges partition the freed values: no id appears twice.
	seen := make(map[ValueID]bool)
	for _, entry := range p.Order {
		for i := entry.FreeFrom; i <= entry.FreeTo; i++ {
			require.False(t, seen[p.ToBeFreed[i]], "value %d freed twice", p.ToBeFreed[i])
			seen[p.ToBeFreed[i]] = true
		}
	}

	// All CPU: no fences.
	for _, entry := range p.Order {
		assert.False(t, entry.HasFence)
	}
}

func TestBuilderNeverConsumedValueFreedAtProducer(t *testing.T) {
	b := NewBuilder("dangling")
	x := b.AddValue("x")
	unused := b.AddValue("unused")
	out := b.AddValue("out")
	b.AddNode("n0", cpuKernel("Op"), []ValueID{x}, []ValueID{unused})
	b.AddNode("n1", cpuKernel("Op"), []ValueID{x}, []ValueID{out})
	p, err := b.Compile([]ValueID{x}, []ValueID{out})
	require.NoError(t, err)

	// unused is freed right after node 0 produces it.
	require.Equal(t, []ValueID{unused}, p.ToBeFreed)
	assert.Equal(t, 0, p.Order[0].FreeFrom)
	assert.Equal(t, 0, p.Order[0].FreeTo)
}

func TestBuilderFences(t *testing.T) {
	const gpu QueueID = 1
	// n0 (CPU) -> n1 (GPU) -> n2 (CPU): every hand-off crosses queues.
	b := NewBuilder("fences")
	x := b.AddValue("x")
	a := b.AddValue("a")
	bv := b.AddValue("b")
	out := b.AddValue("out")
	b.AddNode("n0", cpuKernel("Op"), []ValueID{x}, []ValueID{a})
	b.AddNode("n1", queueKernel("Op", gpu), []ValueID{a}, []ValueID{bv})
	b.AddNode("n2", cpuKernel("Op"), []ValueID{bv}, []ValueID{out})
	p, err := b.Compile([]ValueID{x}, []ValueID{out})
	require.NoError(t, err)

	// n0 produces for a GPU consumer, n1 is on the GPU, n2 consumes a GPU
	// value: all three need fences.
	assert.True(t, p.Order[0].HasFence)
	assert.True(t, p.Order[1].HasFence)
	assert.True(t, p.Order[2].HasFence)

	// Only the values crossing queues are fenced: a (CPU to GPU) and b (GPU
	// to CPU). x and out stay on the CPU.
	assert.False(t, p.ValueNeedsFence(x))
	assert.True(t, p.ValueNeedsFence(a))
	assert.True(t, p.ValueNeedsFence(bv))
	assert.False(t, p.ValueNeedsFence(out))
}

func TestBuilderFencedValues(t *testing.T) {
	const gpu QueueID = 1
	// w comes off the GPU, v off a plain CPU node; the Add consuming both
	// must fence only w. Fencing v would wait on a producer that never
	// signals: its node carries no fence brackets.
	b := NewBuilder("mixed-inputs")
	x := b.AddValue("x")
	y := b.AddValue("y")
	w := b.AddValue("w")
	v := b.AddValue("v")
	out := b.AddValue("out")
	b.AddNode("n0", queueKernel("Op", gpu), []ValueID{x}, []ValueID{w})
	b.AddNode("n1", cpuKernel("Op"), []ValueID{y}, []ValueID{v})
	b.AddNode("n2", cpuKernel("Op"), []ValueID{w, v}, []ValueID{out})
	p, err := b.Compile([]ValueID{x, y}, []ValueID{out})
	require.NoError(t, err)

	assert.True(t, p.Order[0].HasFence)
	assert.False(t, p.Order[1].HasFence)
	assert.True(t, p.Order[2].HasFence)

	// x is a CPU feed read by the GPU node, so it is fenced (and marked
	// written when bound); y and v never leave the CPU.
	assert.True(t, p.ValueNeedsFence(x))
	assert.False(t, p.ValueNeedsFence(y))
	assert.True(t, p.ValueNeedsFence(w))
	assert.False(t, p.ValueNeedsFence(v))
	assert.False(t, p.ValueNeedsFence(out))
}

func TestBuilderFencesDeviceOutput(t *testing.T) {
	const gpu QueueID = 1
	// A graph output produced on the GPU is read by the caller from the
	// CPU: it needs a fence even without a consuming node.
	b := NewBuilder("device-output")
	x := b.AddValue("x")
	out := b.AddValue("out")
	b.AddNode("n0", queueKernel("Op", gpu), []ValueID{x}, []ValueID{out})
	p, err := b.Compile([]ValueID{x}, []ValueID{out})
	require.NoError(t, err)
	assert.True(t, p.ValueNeedsFence(out))
}

func TestBuilderValidation(t *testing.T) {
	t.Run("consume-before-produce", func(t *testing.T) {
		b := NewBuilder("bad-order")
		x := b.AddValue("x")
		a := b.AddValue("a")
		out := b.AddValue("out")
		b.AddNode("n0", cpuKernel("Op"), []ValueID{a}, []ValueID{out}) // a produced later
		b.AddNode("n1", cpuKernel("Op"), []ValueID{x}, []ValueID{a})
		_, err := b.Compile([]ValueID{x}, []ValueID{out})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "before any node produces it")
	})

	t.Run("double-produce", func(t *testing.T) {
		b := NewBuilder("double")
		x := b.AddValue("x")
		a := b.AddValue("a")
		b.AddNode("n0", cpuKernel("Op"), []ValueID{x}, []ValueID{a})
		b.AddNode("n1", cpuKernel("Op"), []ValueID{x}, []ValueID{a})
		_, err := b.Compile([]ValueID{x}, []ValueID{a})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "produced by both")
	})

	t.Run("overwrite-feed", func(t *testing.T) {
		b := NewBuilder("overwrite")
		x := b.AddValue("x")
		b.AddNode("n0", cpuKernel("Op"), []ValueID{x}, []ValueID{x})
		_, err := b.Compile([]ValueID{x}, []ValueID{x})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "overwrites externally supplied")
	})

	t.Run("output-never-produced", func(t *testing.T) {
		b := NewBuilder("no-producer")
		x := b.AddValue("x")
		orphan := b.AddValue("orphan")
		_, err := b.Compile([]ValueID{x}, []ValueID{orphan})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "never produced")
	})

	t.Run("add-after-compile-panics", func(t *testing.T) {
		b := NewBuilder("frozen")
		x := b.AddValue("x")
		_, err := b.Compile([]ValueID{x}, nil)
		require.NoError(t, err)
		assert.Panics(t, func() { b.AddValue("y") })
	})
}

func TestPlanLookups(t *testing.T) {
	b := NewBuilder("lookups")
	x := b.AddValue("x")
	w := b.AddConstant("w", tensors.FromFlatData([]float32{1}, 1))
	out := b.AddValue("out")
	nodeIdx := b.AddNode("n0", cpuKernel("Op"), []ValueID{x, w}, []ValueID{out})
	p, err := b.Compile([]ValueID{x}, []ValueID{out})
	require.NoError(t, err)

	assert.Equal(t, 3, p.NumValues())
	assert.Equal(t, 1, p.NumNodes())
	assert.Equal(t, "x", p.ValueName(x))
	assert.Equal(t, x, p.ValueByName("x"))
	assert.Equal(t, InvalidValueID, p.ValueByName("nope"))
	assert.Equal(t, "<out-of-range>", p.ValueName(ValueID(99)))

	assert.True(t, p.IsExternalValue(x))
	assert.True(t, p.IsExternalValue(w))
	assert.False(t, p.IsExternalValue(out))
	assert.Equal(t, nodeIdx, p.ProducerOf(out))
	assert.NotNil(t, p.Initializer(w))
	assert.Nil(t, p.Initializer(x))
	assert.True(t, p.Initializer(w).Shape().Equal(shapes.Make(p.Initializer(w).DType(), 1)))
}

func TestNodesForFetches(t *testing.T) {
	// Diamond: n0 -> {n1, n2} -> n3, plus a disconnected n4.
	b := NewBuilder("reach")
	x := b.AddValue("x")
	a := b.AddValue("a")
	left := b.AddValue("left")
	right := b.AddValue("right")
	out := b.AddValue("out")
	other := b.AddValue("other")
	b.AddNode("n0", cpuKernel("Op"), []ValueID{x}, []ValueID{a})
	b.AddNode("n1", cpuKernel("Op"), []ValueID{a}, []ValueID{left})
	b.AddNode("n2", cpuKernel("Op"), []ValueID{a}, []ValueID{right})
	b.AddNode("n3", cpuKernel("Op"), []ValueID{left, right}, []ValueID{out})
	b.AddNode("n4", cpuKernel("Op"), []ValueID{x}, []ValueID{other})
	p, err := b.Compile([]ValueID{x}, []ValueID{out, other, left})
	require.NoError(t, err)

	needed := p.NodesForFetches([]ValueID{left})
	assert.Equal(t, map[int]bool{0: true, 1: true}, needed)

	needed = p.NodesForFetches([]ValueID{out})
	assert.Equal(t, map[int]bool{0: true, 1: true, 2: true, 3: true}, needed)

	// External values need no nodes.
	needed = p.NodesForFetches([]ValueID{x})
	assert.Empty(t, needed)
}
