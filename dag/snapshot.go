package dag

import (
	"fmt"
	"slices"
	"sort"

	"golang.org/x/exp/maps"
)

// SnapshotNode is the immutable execution-time view of one node instance.
type SnapshotNode struct {
	Handle  NodeHandle
	Desc    Descriptor
	Node    Node
	Cfg     Config
	CfgHash uint64

	// Inputs maps input port names to producers in slot order.
	Inputs map[PortName][]OutputPort
}

// Snapshot is an immutable copy of the graph structure taken when an
// execution begins. It guarantees the scheduler a stable topology even if
// the client keeps editing the graph.
type Snapshot struct {
	version uint64
	nodes   map[NodeHandle]*SnapshotNode
}

// Snapshot captures the current graph structure. Node implementations and
// configuration blobs are shared; topology is copied.
func (g *Graph) Snapshot() *Snapshot {
	s := &Snapshot{
		version: g.version,
		nodes:   make(map[NodeHandle]*SnapshotNode, len(g.nodes)),
	}
	for h, n := range g.nodes {
		sn := &SnapshotNode{
			Handle:  h,
			Desc:    n.desc,
			Node:    n.node,
			Cfg:     n.cfg,
			CfgHash: n.cfgHash,
			Inputs:  make(map[PortName][]OutputPort, len(n.inputs)),
		}
		for name, sources := range n.inputs {
			sn.Inputs[name] = slices.Clone(sources)
		}
		s.nodes[h] = sn
	}
	return s
}

// Version returns the graph version the snapshot was taken at.
func (s *Snapshot) Version() uint64 { return s.version }

// Node returns the snapshot view of a node instance.
func (s *Snapshot) Node(h NodeHandle) (*SnapshotNode, bool) {
	n, ok := s.nodes[h]
	return n, ok
}

// Handles returns all node handles in ascending order.
func (s *Snapshot) Handles() []NodeHandle {
	hs := maps.Keys(s.nodes)
	slices.Sort(hs)
	return hs
}

// ReverseReachable returns the set of nodes the targets transitively
// depend on, including the target nodes themselves. Nodes outside the set
// are skipped by the scheduler.
func (s *Snapshot) ReverseReachable(targets []OutputPort) (map[NodeHandle]bool, error) {
	reach := make(map[NodeHandle]bool)
	var visit func(NodeHandle) error
	visit = func(h NodeHandle) error {
		if reach[h] {
			return nil
		}
		n, ok := s.nodes[h]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownNode, h)
		}
		reach[h] = true
		for _, sources := range n.Inputs {
			for _, src := range sources {
				if err := visit(src.Node); err != nil {
					return err
				}
			}
		}
		return nil
	}
	for _, t := range targets {
		n, ok := s.nodes[t.Node]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNode, t.Node)
		}
		if _, ok := n.Desc.Output(t.Name); !ok {
			return nil, fmt.Errorf("%w: output %s", ErrUnknownPort, t)
		}
		if err := visit(t.Node); err != nil {
			return nil, err
		}
	}
	return reach, nil
}

// insertSorted inserts an item into a sorted slice maintaining sort order.
func insertSorted(s []NodeHandle, item NodeHandle) []NodeHandle {
	idx := sort.Search(len(s), func(i int) bool {
		return s[i] >= item
	})
	return slices.Insert(s, idx, item)
}

// TopoOrder returns the nodes of sub in topological order using Kahn's
// algorithm. Ties are broken by ascending NodeHandle so that observations
// under single-threaded execution are deterministic.
func (s *Snapshot) TopoOrder(sub map[NodeHandle]bool) []NodeHandle {
	inDegree := make(map[NodeHandle]int, len(sub))
	consumers := make(map[NodeHandle][]NodeHandle, len(sub))
	for h := range sub {
		inDegree[h] += 0
		n := s.nodes[h]
		for _, sources := range n.Inputs {
			for _, src := range sources {
				if !sub[src.Node] {
					continue
				}
				inDegree[h]++
				consumers[src.Node] = append(consumers[src.Node], h)
			}
		}
	}

	var queue []NodeHandle
	for h, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, h)
		}
	}
	slices.Sort(queue)

	order := make([]NodeHandle, 0, len(sub))
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		order = append(order, h)
		for _, c := range consumers[h] {
			inDegree[c]--
			if inDegree[c] == 0 {
				queue = insertSorted(queue, c)
			}
		}
	}
	return order
}
