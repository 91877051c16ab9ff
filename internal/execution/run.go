package execution

import (
	"context"
	"errors"
	"sync"

	"github.com/evalgraph/evalgraph/dag"
	"golang.org/x/exp/maps"
)

// ErrCancelled is returned from awaiting an execution that was cancelled
// before completion.
var ErrCancelled = errors.New("execution cancelled")

// TargetResult is the outcome for one requested target output.
type TargetResult struct {
	Value dag.Value
	Err   error
}

// Run is one execution of a snapshot toward a set of target outputs.
type Run struct {
	snapshot *dag.Snapshot
	targets  []dag.OutputPort
	cancel   context.CancelFunc
	done     chan struct{}

	mu        sync.Mutex
	cancelled bool
	err       error
	results   map[dag.OutputPort]TargetResult
	outputs   map[dag.OutputPort]dag.Value
	updates   []Update
	tasks     []*task
}

func newRun(snapshot *dag.Snapshot, targets []dag.OutputPort, cancel context.CancelFunc) *Run {
	return &Run{
		snapshot: snapshot,
		targets:  targets,
		cancel:   cancel,
		done:     make(chan struct{}),
		results:  make(map[dag.OutputPort]TargetResult, len(targets)),
		outputs:  make(map[dag.OutputPort]dag.Value),
	}
}

// Snapshot returns the immutable graph view this run executes against.
func (r *Run) Snapshot() *dag.Snapshot { return r.snapshot }

// Targets returns the requested target outputs.
func (r *Run) Targets() []dag.OutputPort { return r.targets }

// Done is closed once the run has finished or was cancelled.
func (r *Run) Done() <-chan struct{} { return r.done }

// Err returns ErrCancelled for cancelled runs, or the launch error.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Cancelled reports whether the run was cancelled.
func (r *Run) Cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// Results returns a copy of the per-target outcomes.
func (r *Run) Results() map[dag.OutputPort]TargetResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.results)
}

// Outputs returns a copy of every output the run produced, including
// intermediate nodes. Used for event publication.
func (r *Run) Outputs() map[dag.OutputPort]dag.Value {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.outputs)
}

// Updates returns the staged cache writes of the run's results buffer.
func (r *Run) Updates() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Update, len(r.updates))
	copy(out, r.updates)
	return out
}

// Cancel aborts the run cooperatively. Sync nodes already dispatched are
// uncancellable; async tasks started by this run receive a cancel signal
// and their late results are discarded.
func (r *Run) Cancel() {
	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return
	}
	r.cancelled = true
	r.err = ErrCancelled
	tasks := make([]*task, len(r.tasks))
	copy(tasks, r.tasks)
	r.mu.Unlock()

	r.cancel()
	for _, t := range tasks {
		t.cancelTask()
	}
}

func (r *Run) addUpdate(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

// addTask records an async task started on behalf of this run. Returns
// false when the run was already cancelled, in which case the task must
// not be started.
func (r *Run) addTask(t *task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return false
	}
	r.tasks = append(r.tasks, t)
	return true
}

func (r *Run) setOutput(port dag.OutputPort, v dag.Value) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[port] = v
}

func (r *Run) setResult(port dag.OutputPort, res TargetResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[port] = res
}

func (r *Run) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
	}
}
