package execution

import (
	"context"
	"sync"
	"time"

	"github.com/evalgraph/evalgraph/dag"
)

// task tracks one outstanding or completed async computation, keyed by
// the node that started it. A task survives the run that started it: a
// later run with an unchanged fingerprint reuses the outstanding task
// instead of restarting the external work.
type task struct {
	node dag.NodeHandle
	desc dag.Descriptor
	fp   dag.Fingerprint
	fpOK bool
	reg  *taskRegistry

	ctx    context.Context
	cancel context.CancelFunc
	timer  *time.Timer
	start  time.Time

	mu      sync.Mutex
	done    bool
	outputs dag.Outputs
	err     error
}

func (t *task) matches(fp dag.Fingerprint, fpOK bool) bool {
	return fpOK && t.fpOK && t.fp == fp
}

func (t *task) isDone() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// abort stops the watchdog and signals cancellation without touching the
// registry. Use cancelTask unless already holding the registry lock.
func (t *task) abort() {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.cancel()
}

func (t *task) cancelTask() {
	t.abort()
	if t.reg != nil {
		t.reg.remove(t)
	}
}

// outputValues materializes the task result as one value per declared
// output port.
func (t *task) outputValues() dag.Outputs {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(dag.Outputs, len(t.desc.Outputs))
	for _, spec := range t.desc.Outputs {
		if t.err != nil {
			out[spec.Name] = dag.ErrorValue(spec.Type, &dag.NodeError{
				Node: t.node, Port: spec.Name, Err: t.err,
			})
			continue
		}
		out[spec.Name] = t.outputs[spec.Name]
	}
	return out
}

// taskRegistry holds at most one task per async node.
type taskRegistry struct {
	mu    sync.Mutex
	tasks map[dag.NodeHandle]*task
}

func newTaskRegistry() *taskRegistry {
	return &taskRegistry{tasks: make(map[dag.NodeHandle]*task)}
}

type taskState int

const (
	taskStarted taskState = iota
	taskOutstanding
	taskCompleted
)

// acquire returns the task for a node, starting bookkeeping for a new one
// when none matches the fingerprint. A non-matching outstanding task is
// superseded: cancelled and replaced. Completed matching tasks are
// consumed (removed) so non-cacheable async outputs re-run next time.
func (reg *taskRegistry) acquire(h dag.NodeHandle, desc dag.Descriptor, fp dag.Fingerprint, fpOK bool, warnAfter time.Duration, warn func(*task)) (*task, taskState) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if cur, ok := reg.tasks[h]; ok {
		if cur.matches(fp, fpOK) {
			if cur.isDone() {
				delete(reg.tasks, h)
				return cur, taskCompleted
			}
			return cur, taskOutstanding
		}
		cur.abort()
		delete(reg.tasks, h)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		node:   h,
		desc:   desc,
		fp:     fp,
		fpOK:   fpOK,
		reg:    reg,
		ctx:    ctx,
		cancel: cancel,
		start:  time.Now(),
	}
	if warnAfter > 0 {
		t.timer = time.AfterFunc(warnAfter, func() {
			if !t.isDone() {
				warn(t)
			}
		})
	}
	reg.tasks[h] = t
	return t, taskStarted
}

func (reg *taskRegistry) remove(t *task) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if cur, ok := reg.tasks[t.node]; ok && cur == t {
		delete(reg.tasks, t.node)
	}
}

// cancelAll aborts every outstanding task. Used on engine close.
func (reg *taskRegistry) cancelAll() {
	reg.mu.Lock()
	tasks := make([]*task, 0, len(reg.tasks))
	for _, t := range reg.tasks {
		tasks = append(tasks, t)
	}
	reg.tasks = make(map[dag.NodeHandle]*task)
	reg.mu.Unlock()

	for _, t := range tasks {
		t.abort()
	}
}

// completion is the handle passed to AsyncNode.Start. It must be called
// exactly once; the second call is dropped with a warning.
type completion struct {
	s *Scheduler
	t *task
}

func (c completion) Complete(out dag.Outputs) { c.s.finishTask(c.t, out, nil) }

func (c completion) Fail(err error) { c.s.finishTask(c.t, nil, err) }
