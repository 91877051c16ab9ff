// Package evalgraph is a typed, cached, dynamically editable dataflow
// engine: a DAG of small pure computations connected by strongly typed
// ports, executed on demand with memoization of intermediate results and
// incremental reuse across successive executions of a mutating graph.
//
// # Overview
//
// evalgraph was built for live-viewport style workloads where the graph
// is rebuilt or rewired every frame and only what actually changed may be
// recomputed, while independent work runs in parallel.
//
//	engine := evalgraph.New(evalgraph.WithWorkers(4))
//	defer engine.Close()
//
//	a, _ := engine.AddNode(nodes.Constant[int](), 7)
//	b, _ := engine.AddNode(nodes.Map("double", func(v int) (int, error) {
//		return v * 2, nil
//	}), nil)
//	engine.Connect(
//		dag.OutputPort{Node: a, Name: nodes.PortValue},
//		dag.InputPort{Node: b, Name: nodes.PortIn},
//	)
//
//	id, _ := engine.Execute(dag.OutputPort{Node: b, Name: nodes.PortOut})
//	results, _ := engine.Await(context.Background(), id)
//
// # Caching
//
// Every output is keyed by a structural fingerprint over the node type,
// its configuration hash and the equality-based hashes of its effective
// inputs. A matching fingerprint skips the node's run entirely. Types
// that cannot be hashed opt out of caching and re-run every execution.
//
// # Async nodes and Pending
//
// Nodes implementing dag.AsyncNode hand their work off and complete
// later through a one-shot handle. While outstanding, their outputs are
// Pending; downstream nodes propagate Pending without running, surfacing
// a previous completed value as a stale view where the cache holds one.
// Completion fires Resolved events so clients can re-execute.
//
// # Concurrency
//
// Each engine owns its graph, cache and worker pool; mutating calls are
// serialized internally and executions run against immutable snapshots,
// so edits during an execution are safe. Async nodes do not occupy a
// worker while pending.
//
// The engine renders nothing, persists nothing and defines no wire
// format; renderers, document models and node libraries are clients of
// this package.
package evalgraph
