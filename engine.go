package evalgraph

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/evalgraph/evalgraph/dag"
	"github.com/evalgraph/evalgraph/internal/execution"
	"go.uber.org/multierr"
)

var (
	ErrUnknownExecution = errors.New("execution not found")
	ErrEngineClosed     = errors.New("engine is closed")

	// Re-exported graph and execution errors so callers can match
	// everything from this package.
	ErrTypeMismatch         = dag.ErrTypeMismatch
	ErrUnknownNode          = dag.ErrUnknownNode
	ErrUnknownPort          = dag.ErrUnknownPort
	ErrInputAlreadyBound    = dag.ErrInputAlreadyBound
	ErrWouldCycle           = dag.ErrWouldCycle
	ErrNotConnected         = dag.ErrNotConnected
	ErrRequiredInputMissing = dag.ErrRequiredInputMissing
	ErrInvalidConfig        = dag.ErrInvalidConfig
	ErrCancelled            = execution.ErrCancelled
)

// NodeError reports a failure originating at a node output.
type NodeError = dag.NodeError

// Engine owns one graph, its cache and its worker pool. Mutating
// operations are serialized; snapshots and execution-time reads proceed
// in parallel. There is no process-global engine state.
type Engine struct {
	log       *slog.Logger
	workers   int
	cacheCap  int
	warnAfter time.Duration

	mu     sync.Mutex
	graph  *dag.Graph
	cache  *execution.Cache
	sched  *execution.Scheduler
	hub    *hub
	runs   map[ExecutionID]*execution.Run
	closed bool
}

// New creates an engine with an empty graph.
func New(opts ...Option) *Engine {
	e := &Engine{
		log:       NullLogger(),
		workers:   runtime.NumCPU(),
		cacheCap:  1024,
		warnAfter: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.graph = dag.NewGraph()
	e.cache = execution.NewCache(e.cacheCap)
	e.hub = newHub()
	e.runs = make(map[ExecutionID]*execution.Run)
	e.sched = execution.NewScheduler(e.log, e.workers, e.cache, e.warnAfter, (*engineSink)(e))
	return e
}

// AddNode inserts a node instance and returns its handle.
func (e *Engine) AddNode(n dag.Node, cfg dag.Config) (dag.NodeHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrEngineClosed
	}
	return e.graph.AddNode(n, cfg)
}

// RemoveNode removes the node and all incident edges. Cached records of
// the node and of its transitive consumers are evicted, and Invalidated
// events fire for the removed node's outputs.
func (e *Engine) RemoveNode(h dag.NodeHandle) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	outs, err := e.graph.Outputs(h)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	downstream := e.graph.Downstream(h)
	if err := e.graph.RemoveNode(h); err != nil {
		e.mu.Unlock()
		return err
	}
	for _, d := range downstream {
		e.cache.DropNode(d)
	}
	e.mu.Unlock()

	for _, spec := range outs {
		e.hub.invalidate(dag.OutputPort{Node: h, Name: spec.Name})
	}
	return nil
}

// Connect binds an output port to an input slot. The consuming node's
// cached records are evicted; downstream invalidation is handled by
// fingerprinting at the next execution.
func (e *Engine) Connect(from dag.OutputPort, to dag.InputPort) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if err := e.graph.Connect(from, to); err != nil {
		return err
	}
	e.cache.DropNode(to.Node)
	return nil
}

// ConnectVariadic appends an output to the end of a variadic input and
// returns the bound slot.
func (e *Engine) ConnectVariadic(from dag.OutputPort, node dag.NodeHandle, name dag.PortName) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrEngineClosed
	}
	slot, err := e.graph.ConnectVariadic(from, node, name)
	if err != nil {
		return 0, err
	}
	e.cache.DropNode(node)
	return slot, nil
}

// Disconnect removes the edge bound to an input slot.
func (e *Engine) Disconnect(to dag.InputPort) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if err := e.graph.Disconnect(to); err != nil {
		return err
	}
	e.cache.DropNode(to.Node)
	return nil
}

// ReorderVariadic permutes the slots of a variadic input. The consuming
// node's cached records are evicted; invalidation does not cascade
// eagerly, fingerprints handle downstream reuse.
func (e *Engine) ReorderVariadic(node dag.NodeHandle, name dag.PortName, order []int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if err := e.graph.ReorderVariadic(node, name, order); err != nil {
		return err
	}
	e.cache.DropNode(node)
	return nil
}

// SetConfig replaces a node's configuration and evicts its cached
// outputs. Downstream invalidation is deferred to the next execution.
func (e *Engine) SetConfig(h dag.NodeHandle, cfg dag.Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if err := e.graph.SetConfig(h, cfg); err != nil {
		return err
	}
	e.cache.DropNode(h)
	return nil
}

// Edit is one step of an atomic batch.
type Edit func(g *dag.Graph) error

// AddNodeEdit inserts a node; the assigned handle is stored in out when
// the batch applies the edit, so later edits of the same batch can
// reference it by reading *out when they run. ConnectEdit and the other
// helpers copy their arguments when called, so an edit that uses the new
// handle is written as an Edit closure.
func AddNodeEdit(n dag.Node, cfg dag.Config, out *dag.NodeHandle) Edit {
	return func(g *dag.Graph) error {
		h, err := g.AddNode(n, cfg)
		if err != nil {
			return err
		}
		*out = h
		return nil
	}
}

// ConnectEdit binds an output port to an input slot.
func ConnectEdit(from dag.OutputPort, to dag.InputPort) Edit {
	return func(g *dag.Graph) error { return g.Connect(from, to) }
}

// DisconnectEdit removes the edge bound to an input slot.
func DisconnectEdit(to dag.InputPort) Edit {
	return func(g *dag.Graph) error { return g.Disconnect(to) }
}

// RemoveNodeEdit removes a node and its incident edges.
func RemoveNodeEdit(h dag.NodeHandle) Edit {
	return func(g *dag.Graph) error { return g.RemoveNode(h) }
}

// SetConfigEdit replaces a node's configuration.
func SetConfigEdit(h dag.NodeHandle, cfg dag.Config) Edit {
	return func(g *dag.Graph) error { return g.SetConfig(h, cfg) }
}

// Batch applies the edits atomically: either every edit succeeds and the
// graph advances in one step, or the combined errors are returned and
// the graph is left exactly as before. Cache eviction for removed or
// reconfigured nodes is derived from the structural diff.
func (e *Engine) Batch(edits ...Edit) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}

	staged := e.graph.Clone()
	var err error
	for _, edit := range edits {
		err = multierr.Append(err, edit(staged))
	}
	if err != nil {
		e.mu.Unlock()
		return err
	}

	var invalidated []dag.OutputPort
	for _, h := range e.graph.Handles() {
		if !staged.Has(h) {
			e.cache.DropNode(h)
			outs, _ := e.graph.Outputs(h)
			for _, spec := range outs {
				invalidated = append(invalidated, dag.OutputPort{Node: h, Name: spec.Name})
			}
			continue
		}
		oldHash, _ := e.graph.ConfigHash(h)
		newHash, _ := staged.ConfigHash(h)
		if oldHash != newHash || !inputsEqual(e.graph, staged, h) {
			e.cache.DropNode(h)
		}
	}

	e.graph = staged
	e.mu.Unlock()

	for _, port := range invalidated {
		e.hub.invalidate(port)
	}
	return nil
}

func inputsEqual(a, b *dag.Graph, h dag.NodeHandle) bool {
	ai, errA := a.Inputs(h)
	bi, errB := b.Inputs(h)
	if errA != nil || errB != nil || len(ai) != len(bi) {
		return false
	}
	for i := range ai {
		if len(ai[i].Sources) != len(bi[i].Sources) {
			return false
		}
		for j := range ai[i].Sources {
			if ai[i].Sources[j] != bi[i].Sources[j] {
				return false
			}
		}
	}
	return true
}

// ListNodes returns all node handles in ascending order.
func (e *Engine) ListNodes() []dag.NodeHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph.Handles()
}

// NodeInputs returns the node's input declarations and current bindings.
func (e *Engine) NodeInputs(h dag.NodeHandle) ([]dag.BoundInput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph.Inputs(h)
}

// NodeOutputs returns the node's output declarations.
func (e *Engine) NodeOutputs(h dag.NodeHandle) ([]dag.OutputSpec, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph.Outputs(h)
}

// Cached returns the cached value for an output address, if present.
func (e *Engine) Cached(port dag.OutputPort) (dag.Value, bool) {
	rec, ok := e.cache.Peek(execution.Key{Node: port.Node, Port: port.Name})
	if !ok {
		return dag.Value{}, false
	}
	return rec.Value, true
}

// FlushCache removes every cached record.
func (e *Engine) FlushCache() {
	e.cache.Flush()
}

// Subscribe registers an observer for one output address. Events are
// delivered in order per subscriber.
func (e *Engine) Subscribe(port dag.OutputPort, fn Observer) (Token, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Token{}, ErrEngineClosed
	}
	_, err := e.graph.Outputs(port.Node)
	if err == nil {
		desc, _ := e.graph.Descriptor(port.Node)
		if _, ok := desc.Output(port.Name); !ok {
			err = fmt.Errorf("%w: output %s", dag.ErrUnknownPort, port)
		}
	}
	e.mu.Unlock()
	if err != nil {
		return Token{}, err
	}
	return e.hub.subscribe(port, fn), nil
}

// Unsubscribe removes a subscription.
func (e *Engine) Unsubscribe(tok Token) {
	e.hub.unsubscribe(tok)
}

// Close cancels in-flight executions, aborts outstanding async tasks and
// shuts down event delivery.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	runs := make([]*execution.Run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	for _, r := range runs {
		select {
		case <-r.Done():
		default:
			r.Cancel()
		}
	}
	e.sched.Close()
	e.hub.close()
	return nil
}

// engineSink adapts the Engine to the scheduler's notification interface.
type engineSink Engine

func (s *engineSink) AsyncResolved(port dag.OutputPort, v dag.Value) {
	e := (*Engine)(s)
	e.hub.publishOutput(port, v)
}

func (s *engineSink) PendingWarning(node dag.NodeHandle, ports []dag.OutputPort, age time.Duration) {
	e := (*Engine)(s)
	e.hub.pendingWarning(ports)
}

// RunFinished merges the run's results buffer into the cache and
// publishes change events. Records whose node was removed, reconfigured
// or rewired since the snapshot are discarded: a newer edit supersedes
// the in-flight execution for that subgraph.
func (s *engineSink) RunFinished(r *execution.Run) {
	e := (*Engine)(s)

	e.mu.Lock()
	var valid []execution.Update
	for _, u := range r.Updates() {
		if e.updateStillValid(r, u) {
			valid = append(valid, u)
		}
	}
	e.cache.Merge(valid)
	e.mu.Unlock()

	if r.Cancelled() {
		return
	}
	for port, v := range r.Outputs() {
		e.hub.publishOutput(port, v)
	}
}

func (e *Engine) updateStillValid(r *execution.Run, u execution.Update) bool {
	h := u.Key.Node
	if !e.graph.Has(h) {
		return false
	}
	curHash, err := e.graph.ConfigHash(h)
	if err != nil {
		return false
	}
	snapNode, ok := r.Snapshot().Node(h)
	if !ok || curHash != snapNode.CfgHash {
		return false
	}
	bound, err := e.graph.Inputs(h)
	if err != nil {
		return false
	}
	for _, bi := range bound {
		snapSources := snapNode.Inputs[bi.Spec.Name]
		if len(snapSources) != len(bi.Sources) {
			return false
		}
		for i := range bi.Sources {
			if bi.Sources[i] != snapSources[i] {
				return false
			}
		}
	}
	return true
}
