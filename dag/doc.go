// Package dag provides the typed, dynamically editable computation graph
// underlying the evalgraph engine.
//
// # Overview
//
// A graph is a set of node instances connected by strongly typed ports.
// Node authors implement the [Node] contract (or [AsyncNode] for work that
// may suspend); the graph validates port types and acyclicity on every
// edit and hands the scheduler an immutable [Snapshot] to execute against.
//
// The package separates build-time graph construction from runtime
// execution:
//
//  1. Build phase: mutate a [Graph] through AddNode/Connect/Disconnect/
//     SetConfig. Every operation is transactional; a failed edit leaves
//     the graph unchanged.
//  2. Runtime phase: take a [Snapshot] and execute it. Snapshots are
//     immutable and safe to share across goroutines.
//
// # Type erasure
//
// Values flow between ports as type-erased [Value] carriers tagged with a
// process-stable [ValueTypeID]. Ports statically declare their expected
// type; the engine performs a single downcast at the boundary via [As],
// so node authors remain strongly typed. Two ports may be connected only
// when their ValueTypeIDs match, which is checked at connect time with
// [ErrTypeMismatch].
//
// # Pending and errors in the data plane
//
// Suspension is modelled as an explicit Pending sentinel rather than a
// coroutine: an outstanding async node produces [PendingValue] outputs,
// and downstream nodes propagate them without running. A pending carrier
// may still surface the previous completed value ([StaleValue]); errors
// propagate the same way via [ErrorValue].
//
// # Thread safety
//
// IMPORTANT: [Graph] is NOT safe for concurrent use; mutations must be
// serialized by the caller (the evalgraph Engine does this). Snapshots
// and all ID/descriptor types are immutable and freely shareable.
package dag
