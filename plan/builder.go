// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plan

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/seqexec/types/tensors"
)

// Builder assembles a graph node by node and compiles it into an immutable
// Plan: it derives the per-node free ranges (last-use liveness) and the fence
// requirements the engine consumes.
//
// Nodes must be added in an order consistent with their data dependencies;
// Compile verifies this. The full graph compiler (operator selection, layout
// planning) lives outside this module -- Builder is the minimal
// interface-boundary collaborator needed to construct plans.
//
// Builder methods panic on misuse (out-of-range ids, adding after Compile):
// those are programming errors. Graph-level inconsistencies are reported as
// errors by Compile.
type Builder struct {
	name         string
	valueNames   []string
	initializers map[ValueID]*tensors.Tensor
	nodes        []*Node
	compiled     bool
}

// NewBuilder creates an empty Builder for a graph with the given name.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:         name,
		initializers: make(map[ValueID]*tensors.Tensor),
	}
}

// AddValue registers a new value slot and returns its id. If name is empty a
// name is generated from the id.
func (b *Builder) AddValue(name string) ValueID {
	b.assertBuilding()
	id := ValueID(len(b.valueNames))
	if name == "" {
		name = fmt.Sprintf("value#%d", id)
	}
	b.valueNames = append(b.valueNames, name)
	return id
}

// AddConstant registers a value slot bound to a constant tensor (an
// initializer, e.g. a weight). Constants are externally owned and never freed
// by the engine.
func (b *Builder) AddConstant(name string, t *tensors.Tensor) ValueID {
	b.assertBuilding()
	if t == nil || !t.IsValid() {
		exceptions.Panicf("plan.Builder.AddConstant(%q): tensor is nil or released", name)
	}
	id := b.AddValue(name)
	b.initializers[id] = t
	return id
}

// AddNode appends a node invoking kernel over the given input and output
// value ids, and returns the node index. Nodes execute in the order they are
// added.
func (b *Builder) AddNode(name string, kernel OpKernel, inputs, outputs []ValueID) int {
	b.assertBuilding()
	b.assertValidIDs(inputs)
	b.assertValidIDs(outputs)
	nodeIdx := len(b.nodes)
	if name == "" {
		opName := "<nil>"
		if kernel != nil {
			opName = kernel.KernelDef().OpName
		}
		name = fmt.Sprintf("%s#%d", opName, nodeIdx)
	}
	b.nodes = append(b.nodes, &Node{
		Name:    name,
		Kernel:  kernel,
		Inputs:  slices.Clone(inputs),
		Outputs: slices.Clone(outputs),
	})
	return nodeIdx
}

// SetImplicitInputs declares values captured from an enclosing scope by the
// node: they are fence-synchronized and kept live like inputs, but are not
// part of the kernel's declared input signature.
func (b *Builder) SetImplicitInputs(nodeIdx int, ids ...ValueID) {
	b.assertBuilding()
	if nodeIdx < 0 || nodeIdx >= len(b.nodes) {
		exceptions.Panicf("plan.Builder.SetImplicitInputs: node index %d out-of-range (%d nodes)", nodeIdx, len(b.nodes))
	}
	b.assertValidIDs(ids)
	b.nodes[nodeIdx].ImplicitInputs = slices.Clone(ids)
}

func (b *Builder) assertBuilding() {
	if b.compiled {
		exceptions.Panicf("plan.Builder(%q) already compiled, it can no longer be changed", b.name)
	}
}

func (b *Builder) assertValidIDs(ids []ValueID) {
	for _, id := range ids {
		if id < 0 || int(id) >= len(b.valueNames) {
			exceptions.Panicf("plan.Builder(%q): value id %d out-of-range (%d values)", b.name, id, len(b.valueNames))
		}
	}
}

// Compile freezes the graph into a Plan: it validates that the node order is
// consistent with data dependencies, computes each value's last use and
// groups the resulting free ranges per node, and marks the nodes that require
// fence synchronization.
//
// feeds are the values the caller supplies per run; outputs are the graph
// outputs (fetches must be a subset). Feeds, initializers and outputs are
// never freed by the engine.
func (b *Builder) Compile(feeds, outputs []ValueID) (*Plan, error) {
	b.assertBuilding()
	b.assertValidIDs(feeds)
	b.assertValidIDs(outputs)

	numValues := len(b.valueNames)
	producedBy := make([]int, numValues)
	for id := range producedBy {
		producedBy[id] = -1
	}

	external := make([]bool, numValues)
	for _, id := range feeds {
		if b.initializers[id] != nil {
			return nil, errors.Errorf("plan %q: value %q is both a feed and a constant", b.name, b.valueNames[id])
		}
		if external[id] {
			return nil, errors.Errorf("plan %q: value %q fed twice", b.name, b.valueNames[id])
		}
		external[id] = true
	}
	for id := range b.initializers {
		external[id] = true
	}

	// Verify order is consistent with dependencies and find each value's
	// last use. A produced value that is never consumed has its producing
	// node as last use: it is freed right after it is produced.
	lastUse := make([]int, numValues)
	for id := range lastUse {
		lastUse[id] = -1
	}
	for nodeIdx, node := range b.nodes {
		for _, id := range node.Inputs {
			if producedBy[id] < 0 && !external[id] {
				return nil, errors.Errorf("plan %q: node #%d (%s) consumes value %q before any node produces it",
					b.name, nodeIdx, node.Name, b.valueNames[id])
			}
			lastUse[id] = nodeIdx
		}
		for _, id := range node.ImplicitInputs {
			if producedBy[id] < 0 && !external[id] {
				return nil, errors.Errorf("plan %q: node #%d (%s) captures value %q before any node produces it",
					b.name, nodeIdx, node.Name, b.valueNames[id])
			}
			lastUse[id] = nodeIdx
		}
		for _, id := range node.Outputs {
			if external[id] {
				return nil, errors.Errorf("plan %q: node #%d (%s) overwrites externally supplied value %q",
					b.name, nodeIdx, node.Name, b.valueNames[id])
			}
			if producedBy[id] >= 0 {
				return nil, errors.Errorf("plan %q: value %q produced by both node #%d and node #%d",
					b.name, b.valueNames[id], producedBy[id], nodeIdx)
			}
			producedBy[id] = nodeIdx
			lastUse[id] = nodeIdx
		}
	}

	protected := make([]bool, numValues)
	for _, id := range outputs {
		if producedBy[id] < 0 && !external[id] {
			return nil, errors.Errorf("plan %q: output value %q is never produced", b.name, b.valueNames[id])
		}
		protected[id] = true
	}

	// Queue of each node, and of each value's producer (external values are
	// CPU-resident).
	nodeQueue := make([]QueueID, len(b.nodes))
	for nodeIdx, node := range b.nodes {
		if node.Kernel != nil {
			nodeQueue[nodeIdx] = node.Kernel.KernelDef().Queue
		}
	}
	queueOfValue := func(id ValueID) QueueID {
		if producedBy[id] < 0 {
			return QueueCPU
		}
		return nodeQueue[producedBy[id]]
	}

	// Group free ranges per node. The ranges partition the freed values:
	// each value id appears in exactly one node's range.
	var toBeFreed []ValueID
	order := make([]NodeExecutionPlan, len(b.nodes))
	for nodeIdx, node := range b.nodes {
		entry := NodeExecutionPlan{NodeIndex: nodeIdx, FreeFrom: len(toBeFreed)}
		for id := ValueID(0); id < ValueID(numValues); id++ {
			if lastUse[id] != nodeIdx || protected[id] || external[id] || producedBy[id] < 0 {
				continue
			}
			toBeFreed = append(toBeFreed, id)
		}
		entry.FreeTo = len(toBeFreed) - 1

		// A node needs fences when any producer-consumer hand-off around
		// it crosses device queues.
		entry.HasFence = nodeQueue[nodeIdx] != QueueCPU
		if !entry.HasFence {
			for _, id := range node.Inputs {
				if queueOfValue(id) != nodeQueue[nodeIdx] {
					entry.HasFence = true
					break
				}
			}
		}
		if !entry.HasFence {
			for _, id := range node.ImplicitInputs {
				if queueOfValue(id) != nodeQueue[nodeIdx] {
					entry.HasFence = true
					break
				}
			}
		}
		order[nodeIdx] = entry
	}
	// Second pass: a producer also needs fences when any of its consumers
	// runs on a different queue.
	for nodeIdx, node := range b.nodes {
		if order[nodeIdx].HasFence {
			continue
		}
		for _, id := range node.Outputs {
			if lastUse[id] == nodeIdx {
				continue
			}
			for laterIdx := nodeIdx + 1; laterIdx <= lastUse[id]; laterIdx++ {
				if !nodeConsumes(b.nodes[laterIdx], id) {
					continue
				}
				if nodeQueue[laterIdx] != nodeQueue[nodeIdx] {
					order[nodeIdx].HasFence = true
					break
				}
			}
			if order[nodeIdx].HasFence {
				break
			}
		}
	}

	// A value gets a fence only when its hand-off crosses queues: fencing a
	// value whose producer never signals would block the dispatch loop
	// forever. Cross-queue consumers and producers are always fenced nodes
	// (the passes above), so every fenced value is eventually signaled.
	fencedValues := make([]bool, numValues)
	for nodeIdx, node := range b.nodes {
		for _, id := range node.Inputs {
			if queueOfValue(id) != nodeQueue[nodeIdx] {
				fencedValues[id] = true
			}
		}
		for _, id := range node.ImplicitInputs {
			if queueOfValue(id) != nodeQueue[nodeIdx] {
				fencedValues[id] = true
			}
		}
	}
	// Graph outputs are read by the caller from the CPU.
	for _, id := range outputs {
		if queueOfValue(id) != QueueCPU {
			fencedValues[id] = true
		}
	}

	b.compiled = true
	return &Plan{
		Name:         b.name,
		Nodes:        b.nodes,
		Order:        order,
		ToBeFreed:    toBeFreed,
		valueNames:   b.valueNames,
		initializers: b.initializers,
		feeds:        slices.Clone(feeds),
		outputs:      slices.Clone(outputs),
		producedBy:   producedBy,
		fencedValues: fencedValues,
	}, nil
}

func nodeConsumes(node *Node, id ValueID) bool {
	return slices.Contains(node.Inputs, id) || slices.Contains(node.ImplicitInputs, id)
}
