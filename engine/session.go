// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package engine executes compiled plans: it owns the sequential dispatch
// loop, the per-run execution frames, cross-queue fence synchronization, the
// partial-run registry and the memory-pattern cache.
package engine

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/seqexec/plan"
	"github.com/gomlx/seqexec/types/shapes"
	"github.com/gomlx/seqexec/types/tensors"
	"github.com/gomlx/seqexec/types/xsync"
)

// MemPatternEnvVar globally disables memory-pattern caching when set to
// "off", overriding Options.
const MemPatternEnvVar = "SEQEXEC_MEMPATTERN"

// DefaultYieldOp is the operator name that delimits partial-run segments when
// Options.YieldOp is left empty.
const DefaultYieldOp = "Yield"

// Options configures a Session. The zero value is usable.
type Options struct {
	// Name labels the session in logs. Defaults to the plan's name.
	Name string

	// Allocator provides value storage. Defaults to a NewPooledAllocator.
	Allocator Allocator

	// Observer, if set, receives per-node and per-segment instrumentation.
	Observer NodeObserver

	// InputVerifier, if set, runs before kernels that request input
	// verification (KernelDef.AllocateInputsContiguously).
	InputVerifier InputVerifier

	// OnlyExecutePathToFetches skips nodes not needed to compute the
	// requested fetches.
	OnlyExecutePathToFetches bool

	// TransferIntermediateOwnership moves frame-owned fetch buffers out
	// instead of cloning them, and makes partial runs resume past (not at)
	// the yield node that produced them.
	TransferIntermediateOwnership bool

	// DisableMemoryPatterns turns off allocation-layout caching.
	DisableMemoryPatterns bool

	// YieldOp overrides the operator name that ends a partial-run segment.
	YieldOp string
}

// Session executes one compiled plan any number of times. It is safe for
// concurrent use: each Execute call runs over its own frame, and the shared
// structures (registry, pattern cache) are internally synchronized.
type Session struct {
	id   string
	plan *plan.Plan
	opts Options

	alloc    Allocator
	registry *runRegistry

	// patternCache maps an input-shapes signature to the buffer layout
	// recorded the first time those shapes ran to completion.
	patternCache       xsync.SyncMap[string, *MemoryPatternGroup]
	memPatternsEnabled bool

	// reachCache memoizes NodesForFetches per sorted fetch-id set.
	muReach    sync.Mutex
	reachCache map[string]map[int]bool
}

// NewSession builds a session over a compiled plan.
func NewSession(p *plan.Plan, opts Options) (*Session, error) {
	if p == nil {
		return nil, errors.New("NewSession: plan is nil")
	}
	if opts.Name == "" {
		opts.Name = p.Name
	}
	if opts.YieldOp == "" {
		opts.YieldOp = DefaultYieldOp
	}
	alloc := opts.Allocator
	if alloc == nil {
		alloc = NewPooledAllocator()
	}
	s := &Session{
		id:                 uuid.NewString(),
		plan:               p,
		opts:               opts,
		alloc:              alloc,
		registry:           newRunRegistry(),
		memPatternsEnabled: !opts.DisableMemoryPatterns && os.Getenv(MemPatternEnvVar) != "off",
		reachCache:         make(map[string]map[int]bool),
	}
	klog.V(1).Infof("seqexec: session %s created for plan %q (%d nodes, %d values, memory patterns %v)",
		s.id, p.Name, p.NumNodes(), p.NumValues(), s.memPatternsEnabled)
	return s, nil
}

// ID returns the session's unique identifier, used in logs.
func (s *Session) ID() string { return s.id }

// Plan returns the compiled plan this session executes.
func (s *Session) Plan() *plan.Plan { return s.plan }

// NumPendingRuns returns the number of suspended partial runs whose frames
// the session still holds.
func (s *Session) NumPendingRuns() int { return s.registry.size() }

// NumCachedPatterns returns the number of memory-pattern groups cached so
// far, one per distinct input-shapes signature that ran to completion.
func (s *Session) NumCachedPatterns() int {
	count := 0
	s.patternCache.Range(func(string, *MemoryPatternGroup) bool {
		count++
		return true
	})
	return count
}

// Run executes the full plan once: feeds in, fetches out.
//
// terminate, if non-nil, cancels the run at the next node boundary once
// triggered; the returned error then wraps ErrCancelled.
func (s *Session) Run(feedIDs []plan.ValueID, feeds []*tensors.Tensor,
	fetchIDs []plan.ValueID, terminate *xsync.Latch) ([]*tensors.Tensor, error) {
	_, outputs, err := s.Execute(feedIDs, feeds, fetchIDs, RunNone, terminate)
	return outputs, err
}

// Execute runs the plan, fully or in installments.
//
// With runID == RunNone the whole plan executes synchronously and the
// returned run id is RunNone. With runID == RunNew a fresh partial run
// starts: the plan executes up to the first yield node, the currently
// computable fetches are returned, and the returned run id resumes the run in
// a later call. Passing a previously returned id resumes that run
// with the new feeds and fetches. When a partial run reaches the end of the
// plan its id is retired and RunNone is returned.
func (s *Session) Execute(feedIDs []plan.ValueID, feeds []*tensors.Tensor,
	fetchIDs []plan.ValueID, runID RunID, terminate *xsync.Latch) (RunID, []*tensors.Tensor, error) {
	if err := s.validateFetches(fetchIDs); err != nil {
		return RunNone, nil, err
	}
	exec := &sequentialExecutor{
		plan:      s.plan,
		terminate: terminate,
		observer:  s.opts.Observer,
		verifier:  s.opts.InputVerifier,
	}
	if s.opts.OnlyExecutePathToFetches {
		exec.nodesToExecute = s.nodesForFetches(fetchIDs)
	}
	if runID == RunNone {
		outputs, err := s.executeFull(exec, feedIDs, feeds, fetchIDs)
		return RunNone, outputs, err
	}
	return s.executePartial(exec, feedIDs, feeds, fetchIDs, runID)
}

// executeFull is the ordinary synchronous path: frame, all nodes, outputs,
// pattern capture, frame teardown.
func (s *Session) executeFull(exec *sequentialExecutor, feedIDs []plan.ValueID,
	feeds []*tensors.Tensor, fetchIDs []plan.ValueID) ([]*tensors.Tensor, error) {
	frame, patternKey, err := s.newFrame(feedIDs, feeds, fetchIDs)
	if err != nil {
		return nil, err
	}
	defer frame.Close()

	if err := frame.requireAllFeedsBound(); err != nil {
		return nil, err
	}
	if err := exec.Execute(frame, 0, len(s.plan.Order)); err != nil {
		return nil, errors.WithMessagef(err, "while executing plan %q", s.plan.Name)
	}
	outputs, err := frame.GetOutputs(s.opts.TransferIntermediateOwnership)
	if err != nil {
		return nil, err
	}
	s.maybeStorePatterns(frame, patternKey)
	return outputs, nil
}

// executePartial runs one segment of a resumable run: from the frame's
// program counter up to and including the next yield node (or the plan end).
func (s *Session) executePartial(exec *sequentialExecutor, feedIDs []plan.ValueID,
	feeds []*tensors.Tensor, fetchIDs []plan.ValueID, runID RunID) (RunID, []*tensors.Tensor, error) {
	var frame *ExecutionFrame
	var patternKey string
	var err error
	if runID == RunNew {
		frame, patternKey, err = s.newFrame(feedIDs, feeds, fetchIDs)
		if err != nil {
			return RunNone, nil, err
		}
		runID = s.registry.insert(frame)
		klog.V(1).Infof("seqexec: session %s started partial run %d of plan %q", s.id, runID, s.plan.Name)
	} else {
		var found bool
		frame, found = s.registry.lookup(runID)
		if !found {
			return RunNone, nil, errors.Errorf("run id %d not found in session %s (already finished, or never started?)",
				runID, s.id)
		}
		patternKey = frame.patternKey
		if err = frame.UpdateFeedsAndFetches(feedIDs, feeds, fetchIDs); err != nil {
			return runID, nil, err
		}
	}

	start := frame.ProgramCounter()
	end := s.segmentEnd(start)
	planSize := len(s.plan.Order)

	if err = exec.Execute(frame, start, end); err != nil {
		s.registry.erase(runID)
		frame.Close()
		return RunNone, nil, errors.WithMessagef(err, "while executing plan %q segment [%d, %d)",
			s.plan.Name, start, end)
	}

	if end < planSize {
		// Make earlier segments' values visible before the caller (or the
		// next segment) reads them.
		if err = exec.preFenceBoundary(frame, s.plan.Order[end].NodeIndex); err != nil {
			s.registry.erase(runID)
			frame.Close()
			return RunNone, nil, err
		}
	}

	outputs, err := frame.GetOutputs(s.opts.TransferIntermediateOwnership)
	if err != nil {
		s.registry.erase(runID)
		frame.Close()
		return RunNone, nil, err
	}

	pc := end
	if s.opts.TransferIntermediateOwnership && end < planSize {
		// The yielded values were moved out of the frame: the boundary
		// yield node has nothing left to do, skip it on resume.
		pc = end + 1
	}
	if pc >= planSize {
		s.maybeStorePatterns(frame, patternKey)
		s.registry.erase(runID)
		frame.Close()
		klog.V(1).Infof("seqexec: session %s partial run %d of plan %q completed", s.id, runID, s.plan.Name)
		return RunNone, outputs, nil
	}
	frame.setProgramCounter(pc)
	return runID, outputs, nil
}

// segmentEnd scans forward from start to the position ending the current
// segment: the index of the first yield node strictly past start, or the plan
// end. The yield node itself is not part of the segment; it executes when the
// run resumes (or is skipped entirely under ownership transfer). A segment
// always advances at least one node, so a run positioned on a yield node
// executes it rather than stopping immediately.
func (s *Session) segmentEnd(start int) int {
	planSize := len(s.plan.Order)
	end := start
	for ; end < planSize; end++ {
		node := s.plan.Node(s.plan.Order[end].NodeIndex)
		if end > start && node.OpType() == s.opts.YieldOp {
			break
		}
	}
	return end
}

// CancelRun abandons a suspended partial run, releasing its frame.
func (s *Session) CancelRun(runID RunID) error {
	frame, found := s.registry.lookup(runID)
	if !found {
		return errors.Errorf("run id %d not found in session %s", runID, s.id)
	}
	s.registry.erase(runID)
	frame.Close()
	return nil
}

// newFrame builds a frame, consulting the memory-pattern cache keyed by the
// feed shapes. Pattern capture requires every feed to have a known shape.
func (s *Session) newFrame(feedIDs []plan.ValueID, feeds []*tensors.Tensor,
	fetchIDs []plan.ValueID) (*ExecutionFrame, string, error) {
	var cached *MemoryPatternGroup
	var patternKey string
	recordPatterns := false
	if s.memPatternsEnabled {
		patternKey = s.patternKeyFor(feeds)
		if patternKey != "" {
			if group, found := s.patternCache.Load(patternKey); found {
				cached = group
				klog.V(1).Infof("seqexec: session %s reusing memory pattern for shapes %s (%d values, %d bytes)",
					s.id, patternKey, group.NumValues(), group.TotalBytes())
			} else {
				recordPatterns = true
			}
		}
	}
	frame, err := newExecutionFrame(s.plan, s.alloc, feedIDs, feeds, fetchIDs,
		cached, recordPatterns, patternKey)
	if err != nil {
		return nil, "", err
	}
	return frame, patternKey, nil
}

// patternKeyFor returns the cache key for the feed shapes, or "" when any
// feed's shape is unusable as a key.
func (s *Session) patternKeyFor(feeds []*tensors.Tensor) string {
	feedShapes := make([]shapes.Shape, len(feeds))
	for ii, t := range feeds {
		if t == nil || !t.IsValid() || !t.Shape().Ok() {
			return ""
		}
		feedShapes[ii] = t.Shape()
	}
	return shapes.Signature(feedShapes)
}

// maybeStorePatterns publishes the frame's recorded layout once the run
// reached the plan's end. Partial runs that never finish record nothing.
func (s *Session) maybeStorePatterns(frame *ExecutionFrame, patternKey string) {
	if !frame.HasMemoryPatternPlanner() || patternKey == "" {
		return
	}
	group, err := frame.GeneratePatterns()
	if err != nil {
		klog.Warningf("seqexec: session %s failed to generate memory patterns: %v", s.id, err)
		return
	}
	s.patternCache.LoadOrStore(patternKey, group)
	klog.V(1).Infof("seqexec: session %s cached memory pattern for shapes %s (%d values, %d bytes)",
		s.id, patternKey, group.NumValues(), group.TotalBytes())
}

// validateFetches requires every fetch to be a declared plan output or an
// external value (feed or initializer).
func (s *Session) validateFetches(fetchIDs []plan.ValueID) error {
	for ii, id := range fetchIDs {
		if id < 0 || int(id) >= s.plan.NumValues() {
			return errors.Errorf("fetch #%d: value id %d out-of-range (value space has %d entries)",
				ii, id, s.plan.NumValues())
		}
		if s.plan.IsExternalValue(id) {
			continue
		}
		isOutput := false
		for _, out := range s.plan.Outputs() {
			if out == id {
				isOutput = true
				break
			}
		}
		if !isOutput {
			return errors.Errorf("fetch %q (#%d) is not an output of plan %q nor an externally supplied value",
				s.plan.ValueName(id), ii, s.plan.Name)
		}
	}
	return nil
}

// nodesForFetches memoizes the plan's backward reachability per fetch set.
func (s *Session) nodesForFetches(fetchIDs []plan.ValueID) map[int]bool {
	sorted := make([]int, len(fetchIDs))
	for ii, id := range fetchIDs {
		sorted[ii] = int(id)
	}
	sort.Ints(sorted)
	var sb strings.Builder
	for _, id := range sorted {
		sb.WriteString(strconv.Itoa(id))
		sb.WriteByte(',')
	}
	key := sb.String()

	s.muReach.Lock()
	defer s.muReach.Unlock()
	if needed, found := s.reachCache[key]; found {
		return needed
	}
	needed := s.plan.NodesForFetches(fetchIDs)
	s.reachCache[key] = needed
	return needed
}
