package evalgraph

import (
	"context"
	"fmt"

	"github.com/evalgraph/evalgraph/dag"
	"github.com/google/uuid"
)

// ExecutionID identifies one execution request.
type ExecutionID uuid.UUID

func (id ExecutionID) String() string { return uuid.UUID(id).String() }

// Result is the outcome for one requested target output. A pending Value
// may still carry the previous completed result as a stale view; check
// Value.IsPending.
type Result struct {
	Value dag.Value
	Err   error
}

// Execute starts one execution of the current graph toward the target
// outputs and returns immediately. The snapshot taken here is immune to
// later edits; an in-flight execution is superseded only for outputs
// whose subgraph structurally changed, otherwise its results are still
// accepted into the cache.
//
// Address resolution errors are returned synchronously.
func (e *Engine) Execute(targets ...dag.OutputPort) (ExecutionID, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ExecutionID{}, ErrEngineClosed
	}
	for _, t := range targets {
		desc, err := e.graph.Descriptor(t.Node)
		if err != nil {
			e.mu.Unlock()
			return ExecutionID{}, err
		}
		if _, ok := desc.Output(t.Name); !ok {
			e.mu.Unlock()
			return ExecutionID{}, fmt.Errorf("%w: output %s", dag.ErrUnknownPort, t)
		}
	}
	snapshot := e.graph.Snapshot()
	id := ExecutionID(uuid.New())
	r := e.sched.Launch(snapshot, targets)
	e.runs[id] = r
	e.mu.Unlock()

	e.log.Debug("execution started", "id", id, "targets", len(targets))
	return id, nil
}

// Await blocks until the execution finishes or ctx is done, then returns
// the per-target results. Awaiting a cancelled execution returns
// ErrCancelled.
func (e *Engine) Await(ctx context.Context, id ExecutionID) (map[dag.OutputPort]Result, error) {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExecution, id)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.Done():
	}

	if r.Cancelled() {
		return nil, ErrCancelled
	}
	if err := r.Err(); err != nil {
		return nil, err
	}

	results := make(map[dag.OutputPort]Result, len(r.Targets()))
	for port, tr := range r.Results() {
		results[port] = Result{Value: tr.Value, Err: tr.Err}
	}
	return results, nil
}

// Cancel aborts an in-flight execution cooperatively. Async tasks started
// by it receive a cancel signal; results that still arrive are discarded
// silently. Sync nodes already dispatched run to completion.
func (e *Engine) Cancel(id ExecutionID) error {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExecution, id)
	}
	r.Cancel()
	return nil
}
