package evalgraph

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/evalgraph/evalgraph/dag"
)

// buildChain wires a -> b -> c where a emits its config, b doubles and c
// adds one.
func buildChain(t *testing.T, e *Engine, aCalls, bCalls, cCalls *atomic.Int64) (a, b, c dag.NodeHandle) {
	t.Helper()
	var err error
	a, err = e.AddNode(spyConst(aCalls), 7)
	assert.NoError(t, err)
	b, err = e.AddNode(spyMap("spy.double", bCalls, func(v int) int { return v * 2 }), nil)
	assert.NoError(t, err)
	c, err = e.AddNode(spyMap("spy.add_one", cCalls, func(v int) int { return v + 1 }), nil)
	assert.NoError(t, err)
	assert.NoError(t, e.Connect(dag.OutputPort{Node: a, Name: "out"}, dag.InputPort{Node: b, Name: "in"}))
	assert.NoError(t, e.Connect(dag.OutputPort{Node: b, Name: "out"}, dag.InputPort{Node: c, Name: "in"}))
	return a, b, c
}

func TestChainCacheReuse(t *testing.T) {
	e := New(WithWorkers(2))
	defer e.Close()

	var aCalls, bCalls, cCalls atomic.Int64
	_, _, c := buildChain(t, e, &aCalls, &bCalls, &cCalls)
	target := dag.OutputPort{Node: c, Name: "out"}

	results := runToCompletion(t, e, target)
	assert.Equal(t, 15, intResult(t, results, target))
	assert.Equal(t, int64(1), bCalls.Load())
	assert.Equal(t, int64(1), cCalls.Load())

	// Second execution with no edits reuses every record.
	results = runToCompletion(t, e, target)
	assert.Equal(t, 15, intResult(t, results, target))
	assert.Equal(t, int64(1), bCalls.Load())
	assert.Equal(t, int64(1), cCalls.Load())
}

func TestInvalidationCascadesThroughFingerprints(t *testing.T) {
	e := New()
	defer e.Close()

	var aCalls, bCalls, cCalls atomic.Int64
	a, _, c := buildChain(t, e, &aCalls, &bCalls, &cCalls)
	target := dag.OutputPort{Node: c, Name: "out"}

	assert.Equal(t, 15, intResult(t, runToCompletion(t, e, target), target))

	assert.NoError(t, e.SetConfig(a, 8))
	results := runToCompletion(t, e, target)
	assert.Equal(t, 17, intResult(t, results, target))
	assert.Equal(t, int64(2), bCalls.Load())
	assert.Equal(t, int64(2), cCalls.Load())
}

func TestCycleRejectionLeavesGraphUnchanged(t *testing.T) {
	e := New()
	defer e.Close()

	var aCalls, bCalls, cCalls, dCalls atomic.Int64
	a, b, c := buildChain(t, e, &aCalls, &bCalls, &cCalls)
	d, err := e.AddNode(spyMap("spy.add_one_more", &dCalls, func(v int) int { return v + 1 }), nil)
	assert.NoError(t, err)
	assert.NoError(t, e.Connect(dag.OutputPort{Node: c, Name: "out"}, dag.InputPort{Node: d, Name: "in"}))

	// Free b's input, then try to close the loop d -> b.
	assert.NoError(t, e.Disconnect(dag.InputPort{Node: b, Name: "in"}))
	err = e.Connect(dag.OutputPort{Node: d, Name: "out"}, dag.InputPort{Node: b, Name: "in"})
	assert.True(t, errors.Is(err, ErrWouldCycle))

	// b's input is still unbound and the graph still works once rewired.
	bound, err := e.NodeInputs(b)
	assert.NoError(t, err)
	assert.Equal(t, 0, len(bound[0].Sources))

	assert.NoError(t, e.Connect(dag.OutputPort{Node: a, Name: "out"}, dag.InputPort{Node: b, Name: "in"}))
	target := dag.OutputPort{Node: d, Name: "out"}
	assert.Equal(t, 16, intResult(t, runToCompletion(t, e, target), target))
}

func TestVariadicSumAndReorder(t *testing.T) {
	e := New()
	defer e.Close()

	var sumCalls atomic.Int64
	var constCalls atomic.Int64
	sum, err := e.AddNode(spySum(&sumCalls), nil)
	assert.NoError(t, err)
	for _, v := range []int{1, 2, 3} {
		h, err := e.AddNode(spyConst(&constCalls), v)
		assert.NoError(t, err)
		_, err = e.ConnectVariadic(dag.OutputPort{Node: h, Name: "out"}, sum, "in")
		assert.NoError(t, err)
	}
	target := dag.OutputPort{Node: sum, Name: "out"}

	assert.Equal(t, 6, intResult(t, runToCompletion(t, e, target), target))
	assert.Equal(t, int64(1), sumCalls.Load())

	// Reordering the slots changes the input ordering, so the sum
	// re-runs even though the result is the same.
	assert.NoError(t, e.ReorderVariadic(sum, "in", []int{2, 0, 1}))
	assert.Equal(t, 6, intResult(t, runToCompletion(t, e, target), target))
	assert.Equal(t, int64(2), sumCalls.Load())

	// No edit: cached again.
	assert.Equal(t, 6, intResult(t, runToCompletion(t, e, target), target))
	assert.Equal(t, int64(2), sumCalls.Load())
}

func TestAsyncPendingWithStaleView(t *testing.T) {
	e := New()
	defer e.Close()

	release := make(chan int)
	l, err := e.AddNode(asyncConst(release), 1)
	assert.NoError(t, err)
	var mCalls atomic.Int64
	m, err := e.AddNode(spyMap("spy.double", &mCalls, func(v int) int { return v * 2 }), nil)
	assert.NoError(t, err)
	lOut := dag.OutputPort{Node: l, Name: "out"}
	mOut := dag.OutputPort{Node: m, Name: "out"}
	assert.NoError(t, e.Connect(lOut, dag.InputPort{Node: m, Name: "in"}))

	lEvents, _ := eventRecorder(t, e, lOut)
	mEvents, _ := eventRecorder(t, e, mOut)

	// First execution: the async source is outstanding, nothing cached.
	results := runToCompletion(t, e, mOut)
	assert.True(t, results[mOut].Value.IsPending())
	assert.False(t, results[mOut].Value.HasValue())
	assert.Equal(t, int64(0), mCalls.Load())

	// Complete with 10 and let the cache absorb it.
	release <- 10
	ev := waitEvent(t, lEvents)
	assert.Equal(t, EventResolved, ev.Kind)

	results = runToCompletion(t, e, mOut)
	assert.Equal(t, 20, intResult(t, results, mOut))
	assert.Equal(t, int64(1), mCalls.Load())
	ev = waitEvent(t, mEvents)
	assert.Equal(t, EventResolved, ev.Kind)

	// Reconfigure the source: its work restarts, downstream serves the
	// stale value flagged pending without re-running.
	assert.NoError(t, e.SetConfig(l, 2))
	results = runToCompletion(t, e, mOut)
	assert.True(t, results[mOut].Value.IsPending())
	stale, err := dag.As[int](results[mOut].Value)
	assert.NoError(t, err)
	assert.Equal(t, 20, stale)
	assert.Equal(t, int64(1), mCalls.Load())

	// Completion with 11 resolves the chain on the next execution.
	release <- 11
	ev = waitEvent(t, lEvents)
	assert.Equal(t, EventResolved, ev.Kind)
	got, err := dag.As[int](ev.Value)
	assert.NoError(t, err)
	assert.Equal(t, 11, got)

	results = runToCompletion(t, e, mOut)
	assert.Equal(t, 22, intResult(t, results, mOut))
	assert.Equal(t, int64(2), mCalls.Load())
	ev = waitEvent(t, mEvents)
	assert.Equal(t, EventResolved, ev.Kind)
	got, err = dag.As[int](ev.Value)
	assert.NoError(t, err)
	assert.Equal(t, 22, got)
}

func TestErrorIsolation(t *testing.T) {
	e := New()
	defer e.Close()

	boom := errors.New("boom")
	bad, err := e.AddNode(failingConst("spy.failing", boom), nil)
	assert.NoError(t, err)
	var kCalls atomic.Int64
	k, err := e.AddNode(spyConst(&kCalls), 5)
	assert.NoError(t, err)

	badOut := dag.OutputPort{Node: bad, Name: "out"}
	kOut := dag.OutputPort{Node: k, Name: "out"}
	results := runToCompletion(t, e, badOut, kOut)

	assert.Error(t, results[badOut].Err)
	var nodeErr *NodeError
	assert.True(t, errors.As(results[badOut].Err, &nodeErr))
	assert.Equal(t, bad, nodeErr.Node)
	assert.True(t, strings.Contains(nodeErr.Error(), "boom"))

	assert.Equal(t, 5, intResult(t, results, kOut))
	assert.Equal(t, int64(1), kCalls.Load())
}

func TestErrorPropagatesOriginDownstream(t *testing.T) {
	e := New()
	defer e.Close()

	boom := errors.New("boom")
	bad, _ := e.AddNode(failingConst("spy.failing", boom), nil)
	var mCalls atomic.Int64
	m, _ := e.AddNode(spyMap("spy.double", &mCalls, func(v int) int { return v * 2 }), nil)
	assert.NoError(t, e.Connect(dag.OutputPort{Node: bad, Name: "out"}, dag.InputPort{Node: m, Name: "in"}))

	mOut := dag.OutputPort{Node: m, Name: "out"}
	results := runToCompletion(t, e, mOut)

	// The downstream node is not executed and surfaces the origin error.
	assert.Equal(t, int64(0), mCalls.Load())
	var nodeErr *NodeError
	assert.True(t, errors.As(results[mOut].Err, &nodeErr))
	assert.Equal(t, bad, nodeErr.Node)
}

func TestDeterministicSingleThreadedOrder(t *testing.T) {
	e := New(WithWorkers(1))
	defer e.Close()

	var mu sync.Mutex
	var order []string
	record := func(name string, f func(int) int) func(int) int {
		return func(v int) int {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return f(v)
		}
	}

	var calls atomic.Int64
	src, _ := e.AddNode(spyConst(&calls), 1)
	left, _ := e.AddNode(spyMap("spy.left", &calls, record("left", func(v int) int { return v + 1 })), nil)
	right, _ := e.AddNode(spyMap("spy.right", &calls, record("right", func(v int) int { return v * 2 })), nil)
	join, _ := e.AddNode(spySum(&calls), nil)

	srcOut := dag.OutputPort{Node: src, Name: "out"}
	assert.NoError(t, e.Connect(srcOut, dag.InputPort{Node: left, Name: "in"}))
	assert.NoError(t, e.Connect(srcOut, dag.InputPort{Node: right, Name: "in"}))
	_, err := e.ConnectVariadic(dag.OutputPort{Node: left, Name: "out"}, join, "in")
	assert.NoError(t, err)
	_, err = e.ConnectVariadic(dag.OutputPort{Node: right, Name: "out"}, join, "in")
	assert.NoError(t, err)

	target := dag.OutputPort{Node: join, Name: "out"}
	assert.Equal(t, 4, intResult(t, runToCompletion(t, e, target), target))

	// With one worker, siblings run in ascending handle order.
	assert.Equal(t, []string{"left", "right"}, order)
}

func TestBatchAtomicity(t *testing.T) {
	e := New()
	defer e.Close()

	var aCalls, bCalls, cCalls atomic.Int64
	a, b, _ := buildChain(t, e, &aCalls, &bCalls, &cCalls)

	t.Run("failing batch leaves the graph untouched", func(t *testing.T) {
		before := e.ListNodes()
		var fresh dag.NodeHandle
		err := e.Batch(
			AddNodeEdit(spyConst(&aCalls), 3, &fresh),
			// Fails: b's input is already bound.
			ConnectEdit(dag.OutputPort{Node: a, Name: "out"}, dag.InputPort{Node: b, Name: "in"}),
		)
		assert.Error(t, err)
		assert.True(t, errors.Is(err, ErrInputAlreadyBound))
		assert.Equal(t, before, e.ListNodes())
	})

	t.Run("successful batch applies every edit at once", func(t *testing.T) {
		var fresh dag.NodeHandle
		// fresh is only assigned when the batch applies AddNodeEdit, so the
		// edits that use it build their ports at apply time.
		err := e.Batch(
			AddNodeEdit(spyMap("spy.triple", &bCalls, func(v int) int { return v * 3 }), nil, &fresh),
			DisconnectEdit(dag.InputPort{Node: b, Name: "in"}),
			func(g *dag.Graph) error {
				return ConnectEdit(dag.OutputPort{Node: a, Name: "out"}, dag.InputPort{Node: fresh, Name: "in"})(g)
			},
			func(g *dag.Graph) error {
				return ConnectEdit(dag.OutputPort{Node: fresh, Name: "out"}, dag.InputPort{Node: b, Name: "in"})(g)
			},
		)
		assert.NoError(t, err)

		target := dag.OutputPort{Node: b, Name: "out"}
		// a=7 -> triple=21 -> double=42
		assert.Equal(t, 42, intResult(t, runToCompletion(t, e, target), target))
	})
}

func TestObserverLiveness(t *testing.T) {
	e := New()
	defer e.Close()

	var aCalls, bCalls, cCalls atomic.Int64
	a, _, c := buildChain(t, e, &aCalls, &bCalls, &cCalls)
	target := dag.OutputPort{Node: c, Name: "out"}

	events, _ := eventRecorder(t, e, target)

	runToCompletion(t, e, target)
	ev := waitEvent(t, events)
	assert.Equal(t, EventChanged, ev.Kind)

	// Unchanged value: the hash matches the last delivery, no event.
	runToCompletion(t, e, target)
	expectNoEvent(t, events)

	// A config change produces a new value and a new event.
	assert.NoError(t, e.SetConfig(a, 8))
	runToCompletion(t, e, target)
	ev = waitEvent(t, events)
	assert.Equal(t, EventChanged, ev.Kind)
	got, err := dag.As[int](ev.Value)
	assert.NoError(t, err)
	assert.Equal(t, 17, got)
}

func TestRemoveNodeInvalidatesSubscribers(t *testing.T) {
	e := New()
	defer e.Close()

	var aCalls, bCalls, cCalls atomic.Int64
	_, _, c := buildChain(t, e, &aCalls, &bCalls, &cCalls)
	target := dag.OutputPort{Node: c, Name: "out"}

	events, _ := eventRecorder(t, e, target)
	runToCompletion(t, e, target)
	assert.Equal(t, EventChanged, waitEvent(t, events).Kind)

	assert.NoError(t, e.RemoveNode(c))
	assert.Equal(t, EventInvalidated, waitEvent(t, events).Kind)
}

func TestRequiredInputMissingAtExecution(t *testing.T) {
	e := New()
	defer e.Close()

	var mCalls atomic.Int64
	m, _ := e.AddNode(spyMap("spy.double", &mCalls, func(v int) int { return v * 2 }), nil)
	mOut := dag.OutputPort{Node: m, Name: "out"}

	results := runToCompletion(t, e, mOut)
	assert.True(t, errors.Is(results[mOut].Err, ErrRequiredInputMissing))
	assert.Equal(t, int64(0), mCalls.Load())
}

func TestCancelDiscardsLateAsyncResult(t *testing.T) {
	e := New()
	defer e.Close()

	release := make(chan int, 1)
	l, _ := e.AddNode(asyncConst(release), 1)
	lOut := dag.OutputPort{Node: l, Name: "out"}

	id, err := e.Execute(lOut)
	assert.NoError(t, err)
	assert.NoError(t, e.Cancel(id))

	_, err = e.Await(context.Background(), id)
	assert.True(t, errors.Is(err, ErrCancelled))

	// The late result is discarded silently: nothing reaches the cache.
	release <- 5
	_, ok := e.Cached(lOut)
	assert.False(t, ok)
}

func TestConcurrentEditsDuringExecution(t *testing.T) {
	e := New(WithWorkers(4))
	defer e.Close()

	var aCalls, bCalls, cCalls atomic.Int64
	a, _, c := buildChain(t, e, &aCalls, &bCalls, &cCalls)
	target := dag.OutputPort{Node: c, Name: "out"}

	// Edits racing executions must never corrupt results: the snapshot
	// isolates each run and superseded results are discarded at merge.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			_ = e.SetConfig(a, i)
		}
	}()
	for i := 0; i < 10; i++ {
		id, err := e.Execute(target)
		assert.NoError(t, err)
		_, err = e.Await(context.Background(), id)
		assert.NoError(t, err)
	}
	<-done

	assert.NoError(t, e.SetConfig(a, 7))
	assert.Equal(t, 15, intResult(t, runToCompletion(t, e, target), target))
}
