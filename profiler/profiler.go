// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package profiler collects per-node execution statistics from the engine and
// renders them as a human-readable report: time and bytes per operator type,
// fence overhead, and the segment totals.
package profiler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/gomlx/seqexec/engine"
)

// opStats aggregates all invocations of one operator type.
type opStats struct {
	opType      string
	invocations int
	compute     time.Duration
	fence       time.Duration
	inputBytes  uint64
	outputBytes uint64
}

// Profiler is a NodeObserver aggregating events per operator type. It is safe
// for concurrent use; attach one to engine.Options.Observer.
type Profiler struct {
	mu          sync.Mutex
	perOp       map[string]*opStats
	numNodes    int
	numSegments int
	elapsed     time.Duration
}

// Compile-time check.
var _ engine.NodeObserver = (*Profiler)(nil)

// New returns an empty profiler.
func New() *Profiler {
	return &Profiler{perOp: make(map[string]*opStats)}
}

// NodeExecuted implements engine.NodeObserver.
func (p *Profiler) NodeExecuted(ev engine.NodeEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := p.perOp[ev.OpType]
	if stats == nil {
		stats = &opStats{opType: ev.OpType}
		p.perOp[ev.OpType] = stats
	}
	stats.invocations++
	stats.compute += ev.Compute
	stats.fence += ev.FenceBefore + ev.FenceAfter
	stats.inputBytes += uint64(ev.ActivationBytes + ev.ParameterBytes)
	stats.outputBytes += uint64(ev.OutputBytes)
	p.numNodes++
}

// SegmentExecuted implements engine.NodeObserver.
func (p *Profiler) SegmentExecuted(ev engine.SegmentEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.numSegments++
	p.elapsed += ev.Elapsed
}

// Reset discards all collected statistics.
func (p *Profiler) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.perOp = make(map[string]*opStats)
	p.numNodes = 0
	p.numSegments = 0
	p.elapsed = 0
}

// NumNodesExecuted returns the total node invocations observed.
func (p *Profiler) NumNodesExecuted() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numNodes
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
)

func newReportTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col > 0 {
				s = s.Align(lipgloss.Right)
			}
			return
		})
}

// Report renders the aggregated statistics as a table, one row per operator
// type ordered by total compute time.
func (p *Profiler) Report() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	rows := make([]*opStats, 0, len(p.perOp))
	for _, stats := range p.perOp {
		rows = append(rows, stats)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].compute > rows[j].compute })

	table := newReportTable()
	table.Headers("Op", "Calls", "Compute", "Fence", "In", "Out")
	for _, stats := range rows {
		table.Row(
			stats.opType,
			fmt.Sprintf("%d", stats.invocations),
			stats.compute.Round(time.Microsecond).String(),
			stats.fence.Round(time.Microsecond).String(),
			humanize.IBytes(stats.inputBytes),
			humanize.IBytes(stats.outputBytes),
		)
	}
	summary := fmt.Sprintf("%d nodes in %d segments, %s total",
		p.numNodes, p.numSegments, p.elapsed.Round(time.Microsecond))
	return table.Render() + "\n" + summary + "\n"
}
