package evalgraph

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/evalgraph/evalgraph/dag"
)

// Spy nodes for observing run invocations and execution order.

// spyMap is an int -> int map node counting its run invocations.
func spyMap(name dag.NodeTypeID, calls *atomic.Int64, f func(int) int) dag.Node {
	desc := dag.Descriptor{
		Type: name,
		Inputs: []dag.InputSpec{
			{Name: "in", Type: dag.TypeOf[int](), Kind: dag.PortRequired},
		},
		Outputs: []dag.OutputSpec{
			{Name: "out", Type: dag.TypeOf[int](), Cacheable: true},
		},
	}
	return dag.NewFunc(desc, func(_ context.Context, _ dag.Config, in dag.Inputs) (dag.Outputs, error) {
		calls.Add(1)
		v, err := dag.As[int](in.Get("in"))
		if err != nil {
			return nil, err
		}
		return dag.Outputs{"out": dag.NewValue(f(v))}, nil
	})
}

// spyConst emits its int configuration and counts runs.
func spyConst(calls *atomic.Int64) dag.Node {
	desc := dag.Descriptor{
		Type: "spy.const",
		Outputs: []dag.OutputSpec{
			{Name: "out", Type: dag.TypeOf[int](), Cacheable: true},
		},
	}
	return dag.NewFunc(desc, func(_ context.Context, cfg dag.Config, _ dag.Inputs) (dag.Outputs, error) {
		calls.Add(1)
		return dag.Outputs{"out": dag.NewValue(cfg.(int))}, nil
	})
}

// spySum sums its variadic int input and counts runs.
func spySum(calls *atomic.Int64) dag.Node {
	desc := dag.Descriptor{
		Type: "spy.sum",
		Inputs: []dag.InputSpec{
			{Name: "in", Type: dag.TypeOf[int](), Kind: dag.PortVariadic},
		},
		Outputs: []dag.OutputSpec{
			{Name: "out", Type: dag.TypeOf[int](), Cacheable: true},
		},
	}
	return dag.NewFunc(desc, func(_ context.Context, _ dag.Config, in dag.Inputs) (dag.Outputs, error) {
		calls.Add(1)
		total := 0
		for _, v := range in.Variadic("in") {
			i, err := dag.As[int](v)
			if err != nil {
				return nil, err
			}
			total += i
		}
		return dag.Outputs{"out": dag.NewValue(total)}, nil
	})
}

// failingConst always returns the given error from its run.
func failingConst(name dag.NodeTypeID, fail error) dag.Node {
	desc := dag.Descriptor{
		Type: name,
		Outputs: []dag.OutputSpec{
			{Name: "out", Type: dag.TypeOf[int](), Cacheable: true},
		},
	}
	return dag.NewFunc(desc, func(context.Context, dag.Config, dag.Inputs) (dag.Outputs, error) {
		return nil, fail
	})
}

// asyncConst is an async int source completed externally through release.
// Its configuration takes part in the fingerprint, so reconfiguring it
// forces a restart of the outstanding work.
func asyncConst(release <-chan int) dag.Node {
	desc := dag.Descriptor{
		Type: "spy.async_const",
		Outputs: []dag.OutputSpec{
			{Name: "out", Type: dag.TypeOf[int](), Cacheable: true},
		},
		Async: true,
	}
	return dag.NewAsyncFunc(desc, func(ctx context.Context, _ dag.Config, _ dag.Inputs, done dag.Completion) error {
		go func() {
			select {
			case v := <-release:
				done.Complete(dag.Outputs{"out": dag.NewValue(v)})
			case <-ctx.Done():
			}
		}()
		return nil
	})
}

// eventRecorder subscribes with a buffered channel observer.
func eventRecorder(t *testing.T, e *Engine, port dag.OutputPort) (<-chan Event, Token) {
	t.Helper()
	ch := make(chan Event, 32)
	tok, err := e.Subscribe(port, func(ev Event) { ch <- ev })
	if err != nil {
		t.Fatalf("subscribe %s: %v", port, err)
	}
	return ch, tok
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func expectNoEvent(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s on %s", ev.Kind, ev.Port)
	case <-time.After(100 * time.Millisecond):
	}
}

// runToCompletion executes the targets and waits for the results.
func runToCompletion(t *testing.T, e *Engine, targets ...dag.OutputPort) map[dag.OutputPort]Result {
	t.Helper()
	id, err := e.Execute(targets...)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	results, err := e.Await(context.Background(), id)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	return results
}

func intResult(t *testing.T, results map[dag.OutputPort]Result, port dag.OutputPort) int {
	t.Helper()
	res, ok := results[port]
	if !ok {
		t.Fatalf("no result for %s", port)
	}
	if res.Err != nil {
		t.Fatalf("result for %s: %v", port, res.Err)
	}
	v, err := dag.As[int](res.Value)
	if err != nil {
		t.Fatalf("extract %s: %v", port, err)
	}
	return v
}
