// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plan defines the immutable execution plan consumed by the engine:
// an ordered list of node-execution records over a space of value slots, plus
// the liveness metadata ("free ranges") that tells the engine when each
// value's storage can be released.
//
// A Plan is produced once (see Builder) and is safe to share read-only across
// any number of concurrently executing frames.
package plan

import (
	"github.com/gomlx/seqexec/types/tensors"
)

// ValueID is the stable integer id of a value slot, assigned at plan-compile
// time. Ids index the frame's value table.
type ValueID int

// InvalidValueID is returned by lookups that fail.
const InvalidValueID ValueID = -1

// QueueID identifies a device execution queue: a CPU thread, a GPU stream or
// a custom accelerator queue. Queue 0 is always the CPU.
type QueueID int

// QueueCPU is the queue identity of CPU-resident execution.
const QueueCPU QueueID = 0

// Node is one operator invocation in the graph: a kernel bound to its input,
// implicit-input and output value ids.
//
// Implicit inputs are values captured from an enclosing scope (e.g.
// loop-carried state): the kernel may read them but they are not part of its
// declared input signature.
type Node struct {
	Name           string
	Kernel         OpKernel
	Inputs         []ValueID
	ImplicitInputs []ValueID
	Outputs        []ValueID
}

// OpType returns the kernel's operator name, or "<nil>" for a node without a
// compiled kernel (a plan-integrity fault caught at execution time).
func (n *Node) OpType() string {
	if n.Kernel == nil {
		return "<nil>"
	}
	return n.Kernel.KernelDef().OpName
}

// NodeExecutionPlan is one entry of the ordered dispatch sequence.
//
// FreeFrom/FreeTo is an inclusive sub-range of Plan.ToBeFreed: after this node
// executes, every value id in that sub-range becomes eligible for release.
// An empty range is encoded with FreeFrom > FreeTo.
type NodeExecutionPlan struct {
	NodeIndex int

	// HasFence marks nodes whose inputs/outputs require cross-queue fence
	// synchronization before and after invocation.
	HasFence bool

	FreeFrom, FreeTo int
}

// Plan is the full compiled execution plan. It is immutable after compilation.
type Plan struct {
	Name string

	// Nodes of the graph, indexed by node index.
	Nodes []*Node

	// Order is the topologically ordered dispatch sequence.
	Order []NodeExecutionPlan

	// ToBeFreed is the shared table of value ids indexed by the nodes'
	// free ranges. The ranges partition exactly the set of values whose
	// last use is the corresponding node: no id appears twice.
	ToBeFreed []ValueID

	valueNames   []string
	initializers map[ValueID]*tensors.Tensor
	feeds        []ValueID
	outputs      []ValueID

	// producedBy[id] is the node index producing the value, or -1 for
	// feeds and initializers.
	producedBy []int

	// fencedValues[id] marks values whose producer-to-consumer hand-off
	// crosses device queues; only those get a Fence at run time.
	fencedValues []bool
}

// NumValues is the size of the plan's value-id space.
func (p *Plan) NumValues() int { return len(p.valueNames) }

// NumNodes in the plan.
func (p *Plan) NumNodes() int { return len(p.Nodes) }

// Node returns the node at the given index.
func (p *Plan) Node(idx int) *Node { return p.Nodes[idx] }

// ValueName returns the name given to a value id at build time.
func (p *Plan) ValueName(id ValueID) string {
	if id < 0 || int(id) >= len(p.valueNames) {
		return "<out-of-range>"
	}
	return p.valueNames[id]
}

// ValueByName returns the id of the named value, or InvalidValueID.
func (p *Plan) ValueByName(name string) ValueID {
	for id, n := range p.valueNames {
		if n == name {
			return ValueID(id)
		}
	}
	return InvalidValueID
}

// Feeds returns the value ids the caller must supply.
func (p *Plan) Feeds() []ValueID { return p.feeds }

// Outputs returns the graph output value ids; fetches must be a subset.
func (p *Plan) Outputs() []ValueID { return p.outputs }

// Initializer returns the constant tensor bound to the value id at build
// time, or nil.
func (p *Plan) Initializer(id ValueID) *tensors.Tensor { return p.initializers[id] }

// ProducerOf returns the node index producing a value, or -1 for feeds and
// initializers.
func (p *Plan) ProducerOf(id ValueID) int { return p.producedBy[id] }

// ValueNeedsFence reports whether the value is read or written from more than
// one device queue and therefore needs fence synchronization. The producer of
// every fenced value is itself a fenced node, so the fence is always signaled.
func (p *Plan) ValueNeedsFence(id ValueID) bool { return p.fencedValues[id] }

// IsExternalValue reports whether the value comes from outside the dispatch
// loop: a caller-fed input or a build-time initializer.
func (p *Plan) IsExternalValue(id ValueID) bool { return p.producedBy[id] < 0 }

// NodesForFetches returns the set of node indices that must execute for the
// given fetches to be computed. Executing only these nodes, in plan order,
// yields the same fetch values as executing the full plan.
func (p *Plan) NodesForFetches(fetches []ValueID) map[int]bool {
	needed := make(map[int]bool)
	var visit func(id ValueID)
	visit = func(id ValueID) {
		nodeIdx := p.producedBy[id]
		if nodeIdx < 0 || needed[nodeIdx] {
			return
		}
		needed[nodeIdx] = true
		node := p.Nodes[nodeIdx]
		for _, input := range node.Inputs {
			visit(input)
		}
		for _, implicit := range node.ImplicitInputs {
			visit(implicit)
		}
	}
	for _, fetch := range fetches {
		visit(fetch)
	}
	return needed
}
