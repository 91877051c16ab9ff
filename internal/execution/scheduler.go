package execution

import (
	"context"
	"log/slog"
	"time"

	"github.com/evalgraph/evalgraph/dag"
	"golang.org/x/sync/errgroup"
)

// Sink receives scheduler notifications. The engine implements it to
// merge results into the cache and publish subscription events.
type Sink interface {
	// AsyncResolved fires when an outstanding async task completes, once
	// per output of the node.
	AsyncResolved(port dag.OutputPort, v dag.Value)
	// PendingWarning fires once per async task that has been outstanding
	// longer than the configured threshold. Advisory only.
	PendingWarning(node dag.NodeHandle, ports []dag.OutputPort, age time.Duration)
	// RunFinished fires after a run's last wave, before its Done channel
	// closes.
	RunFinished(r *Run)
}

// Scheduler executes snapshots toward target outputs: topological wave
// dispatch over a fixed-size worker pool, with cache reuse and Pending
// propagation for outstanding async work.
type Scheduler struct {
	log       *slog.Logger
	workers   int
	cache     *Cache
	warnAfter time.Duration
	sink      Sink
	tasks     *taskRegistry
}

// NewScheduler creates a scheduler dispatching to a pool of the given
// size.
func NewScheduler(log *slog.Logger, workers int, cache *Cache, warnAfter time.Duration, sink Sink) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		log:       log,
		workers:   workers,
		cache:     cache,
		warnAfter: warnAfter,
		sink:      sink,
	}
}

func (s *Scheduler) init() {
	if s.tasks == nil {
		s.tasks = newTaskRegistry()
	}
}

// Launch starts executing the snapshot toward the targets and returns
// immediately. Target addresses must have been validated against the
// snapshot's graph by the caller.
func (s *Scheduler) Launch(snapshot *dag.Snapshot, targets []dag.OutputPort) *Run {
	s.init()
	ctx, cancel := context.WithCancel(context.Background())
	r := newRun(snapshot, targets, cancel)
	go s.execute(ctx, r)
	return r
}

// Close aborts all outstanding async tasks.
func (s *Scheduler) Close() {
	if s.tasks != nil {
		s.tasks.cancelAll()
	}
}

// nodeState is the per-run bookkeeping for one node. Each state moves
// Waiting -> Ready -> (CacheHit | Dispatched) -> (Completed | Pending |
// Errored); the terminal outputs seed the cache for the next run.
type nodeState struct {
	done     bool
	cacheHit bool
	outputs  dag.Outputs
}

func (s *Scheduler) execute(ctx context.Context, r *Run) {
	sub, err := r.snapshot.ReverseReachable(r.targets)
	if err != nil {
		r.fail(err)
		s.sink.RunFinished(r)
		close(r.done)
		return
	}

	order := r.snapshot.TopoOrder(sub)
	states := make(map[dag.NodeHandle]*nodeState, len(order))
	for _, h := range order {
		states[h] = &nodeState{}
	}

	remaining := order
	for len(remaining) > 0 {
		if ctx.Err() != nil {
			r.Cancel()
			break
		}

		var wave, next []dag.NodeHandle
		for _, h := range remaining {
			if s.ready(r.snapshot, states, h) {
				wave = append(wave, h)
			} else {
				next = append(next, h)
			}
		}
		if len(wave) == 0 {
			break
		}

		g := new(errgroup.Group)
		g.SetLimit(s.workers)
		for _, h := range wave {
			h := h
			g.Go(func() error {
				s.evalNode(ctx, r, states, h)
				return nil
			})
		}
		g.Wait()
		remaining = next
	}

	s.collect(r, states)
	s.sink.RunFinished(r)
	close(r.done)
}

// ready reports whether every producer feeding the node has terminated.
func (s *Scheduler) ready(snap *dag.Snapshot, states map[dag.NodeHandle]*nodeState, h dag.NodeHandle) bool {
	n, _ := snap.Node(h)
	for _, sources := range n.Inputs {
		for _, src := range sources {
			if st, ok := states[src.Node]; !ok || !st.done {
				return false
			}
		}
	}
	return true
}

func (s *Scheduler) collect(r *Run, states map[dag.NodeHandle]*nodeState) {
	for h, st := range states {
		if !st.done {
			continue
		}
		for name, v := range st.outputs {
			r.setOutput(dag.OutputPort{Node: h, Name: name}, v)
		}
	}
	for _, t := range r.targets {
		st := states[t.Node]
		if st == nil || !st.done {
			r.setResult(t, TargetResult{Err: ErrCancelled})
			continue
		}
		v := st.outputs[t.Name]
		r.setResult(t, TargetResult{Value: v, Err: v.Err()})
	}
}

// evalNode drives one node through a single execution: assemble inputs,
// propagate Pending/Error sentinels, consult the cache, then dispatch.
func (s *Scheduler) evalNode(ctx context.Context, r *Run, states map[dag.NodeHandle]*nodeState, h dag.NodeHandle) {
	n, _ := r.snapshot.Node(h)
	st := states[h]
	defer func() { st.done = true }()

	single := make(map[dag.PortName]dag.Value)
	variadic := make(map[dag.PortName][]dag.Value)
	fp := dag.NewFingerprinter(n.Desc.Type, n.CfgHash)

	var pending bool
	var origin error

	feed := func(name dag.PortName, slot int, src dag.OutputPort) dag.Value {
		v := states[src.Node].outputs[src.Name]
		switch {
		case v.IsError() && origin == nil:
			origin = v.Err()
		case v.IsPending():
			pending = true
		default:
			fp.Input(name, slot, v)
		}
		return v
	}

	for _, spec := range n.Desc.Inputs {
		sources := n.Inputs[spec.Name]
		switch spec.Kind {
		case dag.PortRequired:
			if len(sources) == 0 {
				s.failNode(st, n, &dag.NodeError{
					Node: h, Port: spec.Name, Err: dag.ErrRequiredInputMissing,
				})
				return
			}
			single[spec.Name] = feed(spec.Name, 0, sources[0])
		case dag.PortOptional:
			if len(sources) == 0 {
				fp.Absent(spec.Name)
				continue
			}
			single[spec.Name] = feed(spec.Name, 0, sources[0])
		case dag.PortVariadic:
			if len(sources) == 0 {
				fp.Absent(spec.Name)
				continue
			}
			for slot, src := range sources {
				variadic[spec.Name] = append(variadic[spec.Name], feed(spec.Name, slot, src))
			}
		}
	}

	if origin != nil {
		s.propagateError(st, n, origin)
		return
	}
	if pending {
		s.propagatePending(st, n, h)
		return
	}

	sum, fpOK := fp.Sum()
	if fpOK && s.tryCacheHit(st, n, h, sum) {
		s.log.Debug("cache hit", "node", h, "fingerprint", sum)
		return
	}

	inputs := dag.MakeInputs(single, variadic)
	if n.Desc.Async {
		s.evalAsync(r, states, h, inputs, sum, fpOK)
		return
	}

	out, err := n.Node.Run(ctx, n.Cfg, inputs)
	if err == nil {
		err = n.Desc.ValidateOutputs(out)
	}
	if err != nil {
		s.log.Debug("node failed", "node", h, "type", n.Desc.Type, "err", err)
		s.failNode(st, n, err)
		return
	}

	st.outputs = out
	if !fpOK {
		return
	}
	for _, spec := range n.Desc.Outputs {
		v := out[spec.Name]
		if _, hashable := v.Hash(); spec.Cacheable && hashable {
			r.addUpdate(Update{
				Key:         Key{Node: h, Port: spec.Name},
				Fingerprint: sum,
				Value:       v,
			})
		}
	}
}

// failNode records an error at every output of the failing node. A bare
// error is wrapped as a NodeError per output port; an existing NodeError
// (missing input) is recorded as-is.
func (s *Scheduler) failNode(st *nodeState, n *dag.SnapshotNode, err error) {
	st.outputs = make(dag.Outputs, len(n.Desc.Outputs))
	for _, spec := range n.Desc.Outputs {
		recorded := err
		if _, ok := err.(*dag.NodeError); !ok {
			recorded = &dag.NodeError{Node: n.Handle, Port: spec.Name, Err: err}
		}
		st.outputs[spec.Name] = dag.ErrorValue(spec.Type, recorded)
	}
}

// propagateError surfaces the originating error on every output without
// entering the node's run.
func (s *Scheduler) propagateError(st *nodeState, n *dag.SnapshotNode, origin error) {
	st.outputs = make(dag.Outputs, len(n.Desc.Outputs))
	for _, spec := range n.Desc.Outputs {
		st.outputs[spec.Name] = dag.ErrorValue(spec.Type, origin)
	}
}

// propagatePending marks every output Pending without entering the
// node's run. A previously completed value still present in the cache is
// surfaced as the stale view alongside the Pending flag.
func (s *Scheduler) propagatePending(st *nodeState, n *dag.SnapshotNode, h dag.NodeHandle) {
	st.outputs = make(dag.Outputs, len(n.Desc.Outputs))
	for _, spec := range n.Desc.Outputs {
		if rec, ok := s.cache.Peek(Key{Node: h, Port: spec.Name}); ok {
			st.outputs[spec.Name] = dag.StaleValue(rec.Value)
			continue
		}
		st.outputs[spec.Name] = dag.PendingValue(spec.Type)
	}
}

// tryCacheHit reuses cached outputs when every declared output is
// cacheable and carries a record with a matching fingerprint.
func (s *Scheduler) tryCacheHit(st *nodeState, n *dag.SnapshotNode, h dag.NodeHandle, sum dag.Fingerprint) bool {
	out := make(dag.Outputs, len(n.Desc.Outputs))
	for _, spec := range n.Desc.Outputs {
		if !spec.Cacheable {
			return false
		}
		rec, ok := s.cache.Get(Key{Node: h, Port: spec.Name})
		if !ok || rec.Fingerprint != sum {
			return false
		}
		out[spec.Name] = rec.Value
	}
	st.outputs = out
	st.cacheHit = true
	return true
}

// evalAsync consults the task registry: an outstanding task with the same
// fingerprint keeps the outputs Pending; a completed one is consumed; a
// missing or superseded one is started.
func (s *Scheduler) evalAsync(r *Run, states map[dag.NodeHandle]*nodeState, h dag.NodeHandle, inputs dag.Inputs, sum dag.Fingerprint, fpOK bool) {
	n, _ := r.snapshot.Node(h)
	st := states[h]

	warn := func(t *task) {
		age := time.Since(t.start)
		s.log.Warn("async task still outstanding", "node", h, "type", n.Desc.Type, "age", age)
		ports := make([]dag.OutputPort, 0, len(n.Desc.Outputs))
		for _, spec := range n.Desc.Outputs {
			ports = append(ports, dag.OutputPort{Node: h, Name: spec.Name})
		}
		s.sink.PendingWarning(h, ports, age)
	}

	t, state := s.tasks.acquire(h, n.Desc, sum, fpOK, s.warnAfter, warn)
	switch state {
	case taskCompleted:
		st.outputs = t.outputValues()
		return
	case taskStarted:
		if !r.addTask(t) {
			t.cancelTask()
			break
		}
		async := n.Node.(dag.AsyncNode)
		if err := async.Start(t.ctx, n.Cfg, inputs, completion{s: s, t: t}); err != nil {
			s.finishTask(t, nil, err)
		}
	}
	s.propagatePending(st, n, h)
}

// finishTask handles a completion handle being called. Results arriving
// after cancellation are discarded silently; a second call is dropped
// with a warning.
func (s *Scheduler) finishTask(t *task, out dag.Outputs, err error) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		s.log.Warn("async node completed twice, ignoring", "node", t.node, "type", t.desc.Type)
		return
	}
	t.done = true
	if t.timer != nil {
		t.timer.Stop()
	}

	if t.ctx.Err() != nil {
		t.mu.Unlock()
		s.tasks.remove(t)
		return
	}

	if err == nil {
		err = t.desc.ValidateOutputs(out)
	}
	if err != nil {
		t.err = err
	} else {
		t.outputs = out
	}
	t.mu.Unlock()

	values := t.outputValues()
	if err == nil && t.fpOK {
		updates := make([]Update, 0, len(t.desc.Outputs))
		for _, spec := range t.desc.Outputs {
			v := values[spec.Name]
			if _, hashable := v.Hash(); spec.Cacheable && hashable {
				updates = append(updates, Update{
					Key:         Key{Node: t.node, Port: spec.Name},
					Fingerprint: t.fp,
					Value:       v,
				})
			}
		}
		s.cache.Merge(updates)
	}

	for _, spec := range t.desc.Outputs {
		s.sink.AsyncResolved(dag.OutputPort{Node: t.node, Name: spec.Name}, values[spec.Name])
	}
}
