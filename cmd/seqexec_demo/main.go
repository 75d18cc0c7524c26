// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// seqexec_demo builds a small two-layer computation plan, executes it
// repeatedly through an engine session and prints the profiler report -- a
// quick way to see the dispatch loop, memory-pattern cache and allocator
// pooling at work.
//
// Try: seqexec_demo -runs=1000 -batch=32 -partial
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"

	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/seqexec/engine"
	"github.com/gomlx/seqexec/kernels"
	"github.com/gomlx/seqexec/plan"
	"github.com/gomlx/seqexec/profiler"
	"github.com/gomlx/seqexec/types/tensors"
)

var (
	flagRuns    = flag.Int("runs", 100, "Number of times to execute the plan.")
	flagBatch   = flag.Int("batch", 16, "Batch size of the input.")
	flagFeature = flag.Int("features", 64, "Feature dimension of the input and the hidden layer.")
	flagPartial = flag.Bool("partial", false, "Execute each run in two installments split at a yield node.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	p, x, boundary, out := buildPlan(*flagFeature)
	prof := profiler.New()
	sess := must.M1(engine.NewSession(p, engine.Options{Observer: prof}))

	feed := randomInput(*flagBatch, *flagFeature)
	bar := progressbar.Default(int64(*flagRuns), "executing")
	for run := 0; run < *flagRuns; run++ {
		if *flagPartial {
			runID, _, err := sess.Execute([]plan.ValueID{x},
				[]*tensors.Tensor{feed}, []plan.ValueID{boundary}, engine.RunNew, nil)
			must.M(err)
			_, _, err = sess.Execute(nil, nil, []plan.ValueID{out}, runID, nil)
			must.M(err)
		} else {
			must.M1(sess.Run([]plan.ValueID{x}, []*tensors.Tensor{feed}, []plan.ValueID{out}, nil))
		}
		must.M(bar.Add(1))
	}
	must.M(bar.Finish())

	fmt.Println()
	fmt.Println(prof.Report())
	fmt.Printf("Memory patterns cached: %d\n", sess.NumCachedPatterns())
}

// buildPlan assembles x -> MatMul(w1) -> Add(bias) -> Yield -> MatMul(w2) ->
// Abs with random weights, returning the plan and the ids of the feed, the
// value fetchable at the yield boundary and the final output.
func buildPlan(features int) (p *plan.Plan, x, boundary, out plan.ValueID) {
	b := plan.NewBuilder("demo-mlp")
	x = b.AddValue("x")
	w1 := b.AddConstant("w1", randomInput(features, features))
	bias := b.AddConstant("bias", tensors.FromScalar[float32](0.1))
	w2 := b.AddConstant("w2", randomInput(features, 1))

	h0 := b.AddValue("h0")
	h1 := b.AddValue("h1")
	hidden := b.AddValue("hidden")
	logits := b.AddValue("logits")
	out = b.AddValue("out")

	b.AddNode("layer1/matmul", kernels.NewMatMul(), []plan.ValueID{x, w1}, []plan.ValueID{h0})
	b.AddNode("layer1/bias", kernels.NewAdd(), []plan.ValueID{h0, bias}, []plan.ValueID{h1})
	b.AddNode("boundary", kernels.NewYield(), []plan.ValueID{h1}, []plan.ValueID{hidden})
	b.AddNode("layer2/matmul", kernels.NewMatMul(), []plan.ValueID{hidden, w2}, []plan.ValueID{logits})
	b.AddNode("output/abs", kernels.NewAbs(), []plan.ValueID{logits}, []plan.ValueID{out})
	// h1 is the value readable when a partial run suspends at the yield.
	boundary = h1
	p = must.M1(b.Compile([]plan.ValueID{x}, []plan.ValueID{h1, hidden, out}))
	return
}

func randomInput(rows, cols int) *tensors.Tensor {
	flat := make([]float32, rows*cols)
	for i := range flat {
		flat[i] = rand.Float32()*2 - 1
	}
	return tensors.FromFlatData(flat, rows, cols)
}
