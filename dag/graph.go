package dag

import (
	"fmt"
	"slices"

	"github.com/mitchellh/hashstructure/v2"
	"golang.org/x/exp/maps"
)

// graphNode is the build-time representation of a node instance.
type graphNode struct {
	handle  NodeHandle
	node    Node
	desc    Descriptor
	cfg     Config
	cfgHash uint64

	// inputs maps each input port name to its bound producers in slot
	// order. Required and optional ports hold at most one entry.
	inputs map[PortName][]OutputPort

	meta map[ValueTypeID]any
}

// Graph is the mutable DAG of node instances and edges.
//
// IMPORTANT: Graph is NOT safe for concurrent use. The Engine serializes
// all mutations; direct users must do the same. Snapshots taken with
// Snapshot are immutable and safe to share.
type Graph struct {
	nodes   map[NodeHandle]*graphNode
	next    NodeHandle
	version uint64
}

// NewGraph creates a new empty graph.
func NewGraph() *Graph {
	return &Graph{nodes: make(map[NodeHandle]*graphNode)}
}

// Version increases on every successful mutation.
func (g *Graph) Version() uint64 { return g.version }

// HashConfig computes the equality-based hash of a configuration blob.
// Returns ErrInvalidConfig when the blob cannot be hashed.
func HashConfig(cfg Config) (uint64, error) {
	if cfg == nil {
		return 0, nil
	}
	h, err := hashstructure.Hash(cfg, hashstructure.FormatV2, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return h, nil
}

// AddNode inserts a node instance with the given configuration and
// returns its handle. Fails with ErrInvalidConfig if the configuration
// cannot be hashed, ErrInvalidNodeType if the descriptor's type ID is
// invalid, and ErrInvalidDescriptor if the descriptor is otherwise
// malformed or its Async flag disagrees with the implementation.
func (g *Graph) AddNode(n Node, cfg Config) (NodeHandle, error) {
	desc := n.Describe()
	if err := desc.Validate(); err != nil {
		return 0, err
	}
	if _, isAsync := n.(AsyncNode); isAsync != desc.Async {
		return 0, fmt.Errorf("%w: %s Async flag does not match implementation",
			ErrInvalidDescriptor, desc.Type)
	}
	cfgHash, err := HashConfig(cfg)
	if err != nil {
		return 0, err
	}

	handle := g.next
	g.next++
	g.nodes[handle] = &graphNode{
		handle:  handle,
		node:    n,
		desc:    desc,
		cfg:     cfg,
		cfgHash: cfgHash,
		inputs:  make(map[PortName][]OutputPort),
	}
	g.version++
	return handle, nil
}

// RemoveNode removes the node and all incident edges.
func (g *Graph) RemoveNode(h NodeHandle) error {
	if _, ok := g.nodes[h]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, h)
	}
	delete(g.nodes, h)

	// Drop every edge fed by the removed node.
	for _, n := range g.nodes {
		for name, sources := range n.inputs {
			kept := sources[:0]
			for _, src := range sources {
				if src.Node != h {
					kept = append(kept, src)
				}
			}
			if len(kept) == 0 {
				delete(n.inputs, name)
			} else {
				n.inputs[name] = kept
			}
		}
	}
	g.version++
	return nil
}

func (g *Graph) resolveOutput(p OutputPort) (*graphNode, OutputSpec, error) {
	n, ok := g.nodes[p.Node]
	if !ok {
		return nil, OutputSpec{}, fmt.Errorf("%w: %s", ErrUnknownNode, p.Node)
	}
	spec, ok := n.desc.Output(p.Name)
	if !ok {
		return nil, OutputSpec{}, fmt.Errorf("%w: output %s", ErrUnknownPort, p)
	}
	return n, spec, nil
}

func (g *Graph) resolveInput(p InputPort) (*graphNode, InputSpec, error) {
	n, ok := g.nodes[p.Node]
	if !ok {
		return nil, InputSpec{}, fmt.Errorf("%w: %s", ErrUnknownNode, p.Node)
	}
	spec, ok := n.desc.Input(p.Name)
	if !ok {
		return nil, InputSpec{}, fmt.Errorf("%w: input %s", ErrUnknownPort, p)
	}
	return n, spec, nil
}

// Connect binds an output port to an input slot. For variadic inputs the
// slot may be any position up to the current slot count; existing slots
// shift right. Fails with ErrUnknownNode, ErrUnknownPort, ErrTypeMismatch,
// ErrInputAlreadyBound or ErrWouldCycle; the graph is unchanged on error.
func (g *Graph) Connect(from OutputPort, to InputPort) error {
	_, outSpec, err := g.resolveOutput(from)
	if err != nil {
		return err
	}
	toNode, inSpec, err := g.resolveInput(to)
	if err != nil {
		return err
	}

	if outSpec.Type != inSpec.Type {
		return fmt.Errorf("%w: %s outputs %s but %s expects %s",
			ErrTypeMismatch, from, outSpec.Type, to, inSpec.Type)
	}

	sources := toNode.inputs[to.Name]
	switch inSpec.Kind {
	case PortVariadic:
		if to.Slot < 0 || to.Slot > len(sources) {
			return fmt.Errorf("%w: slot %d out of range for %s", ErrUnknownPort, to.Slot, to)
		}
	default:
		if to.Slot != 0 {
			return fmt.Errorf("%w: %s is not variadic", ErrUnknownPort, to)
		}
		if len(sources) > 0 {
			return fmt.Errorf("%w: %s already connected to %s",
				ErrInputAlreadyBound, to, sources[0])
		}
	}

	// Reachability check before any mutation becomes visible.
	if from.Node == to.Node || g.reaches(to.Node, from.Node) {
		return fmt.Errorf("%w: %s -> %s", ErrWouldCycle, from, to)
	}

	toNode.inputs[to.Name] = slices.Insert(sources, to.Slot, from)
	g.version++
	return nil
}

// ConnectVariadic appends an output to the end of a variadic input and
// returns the slot it was bound to.
func (g *Graph) ConnectVariadic(from OutputPort, node NodeHandle, name PortName) (int, error) {
	n, inSpec, err := g.resolveInput(InputPort{Node: node, Name: name})
	if err != nil {
		return 0, err
	}
	if inSpec.Kind != PortVariadic {
		return 0, fmt.Errorf("%w: %s.%s", ErrNotVariadic, node, name)
	}
	slot := len(n.inputs[name])
	if err := g.Connect(from, InputPort{Node: node, Name: name, Slot: slot}); err != nil {
		return 0, err
	}
	return slot, nil
}

// Disconnect removes the edge bound to an input slot. Later variadic
// slots shift left. Fails with ErrNotConnected if no edge is present.
func (g *Graph) Disconnect(to InputPort) error {
	toNode, _, err := g.resolveInput(to)
	if err != nil {
		return err
	}
	sources := toNode.inputs[to.Name]
	if to.Slot < 0 || to.Slot >= len(sources) {
		return fmt.Errorf("%w: %s", ErrNotConnected, to)
	}
	sources = slices.Delete(sources, to.Slot, to.Slot+1)
	if len(sources) == 0 {
		delete(toNode.inputs, to.Name)
	} else {
		toNode.inputs[to.Name] = sources
	}
	g.version++
	return nil
}

// ReorderVariadic permutes the slots of a variadic input. order[i] names
// the old slot that moves to position i and must be a permutation of the
// current slots. Reordering is an explicit edit that invalidates the
// consuming node's cache.
func (g *Graph) ReorderVariadic(node NodeHandle, name PortName, order []int) error {
	n, inSpec, err := g.resolveInput(InputPort{Node: node, Name: name})
	if err != nil {
		return err
	}
	if inSpec.Kind != PortVariadic {
		return fmt.Errorf("%w: %s.%s", ErrNotVariadic, node, name)
	}
	sources := n.inputs[name]
	if len(order) != len(sources) {
		return fmt.Errorf("%w: order has %d entries, input has %d slots",
			ErrUnknownPort, len(order), len(sources))
	}
	seen := make([]bool, len(order))
	reordered := make([]OutputPort, len(order))
	for i, old := range order {
		if old < 0 || old >= len(sources) || seen[old] {
			return fmt.Errorf("%w: order is not a permutation of slots", ErrUnknownPort)
		}
		seen[old] = true
		reordered[i] = sources[old]
	}
	n.inputs[name] = reordered
	g.version++
	return nil
}

// SetConfig replaces the node's configuration blob. The caller is
// responsible for evicting the node's cached outputs; downstream
// invalidation is deferred to fingerprinting at the next execution.
func (g *Graph) SetConfig(h NodeHandle, cfg Config) error {
	n, ok := g.nodes[h]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, h)
	}
	cfgHash, err := HashConfig(cfg)
	if err != nil {
		return err
	}
	n.cfg = cfg
	n.cfgHash = cfgHash
	g.version++
	return nil
}

// reaches reports whether dst is reachable from src along dataflow edges.
func (g *Graph) reaches(src, dst NodeHandle) bool {
	if src == dst {
		return true
	}
	visited := make(map[NodeHandle]bool, len(g.nodes))
	var dfs func(NodeHandle) bool
	dfs = func(cur NodeHandle) bool {
		if cur == dst {
			return true
		}
		if visited[cur] {
			return false
		}
		visited[cur] = true
		for h, n := range g.nodes {
			for _, sources := range n.inputs {
				for _, from := range sources {
					if from.Node == cur && dfs(h) {
						return true
					}
				}
			}
		}
		return false
	}
	return dfs(src)
}

// Has reports whether a node with the given handle exists.
func (g *Graph) Has(h NodeHandle) bool {
	_, ok := g.nodes[h]
	return ok
}

// Handles returns all node handles in ascending order.
func (g *Graph) Handles() []NodeHandle {
	hs := maps.Keys(g.nodes)
	slices.Sort(hs)
	return hs
}

// Descriptor returns the descriptor of a node instance.
func (g *Graph) Descriptor(h NodeHandle) (Descriptor, error) {
	n, ok := g.nodes[h]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownNode, h)
	}
	return n.desc, nil
}

// Config returns the configuration blob of a node instance.
func (g *Graph) Config(h NodeHandle) (Config, error) {
	n, ok := g.nodes[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, h)
	}
	return n.cfg, nil
}

// ConfigHash returns the configuration hash of a node instance.
func (g *Graph) ConfigHash(h NodeHandle) (uint64, error) {
	n, ok := g.nodes[h]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownNode, h)
	}
	return n.cfgHash, nil
}

// BoundInput pairs an input declaration with its current connections.
type BoundInput struct {
	Spec    InputSpec
	Sources []OutputPort
}

// Inputs returns the node's input declarations and current bindings in
// declaration order.
func (g *Graph) Inputs(h NodeHandle) ([]BoundInput, error) {
	n, ok := g.nodes[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, h)
	}
	bound := make([]BoundInput, 0, len(n.desc.Inputs))
	for _, spec := range n.desc.Inputs {
		bound = append(bound, BoundInput{
			Spec:    spec,
			Sources: slices.Clone(n.inputs[spec.Name]),
		})
	}
	return bound, nil
}

// Outputs returns the node's output declarations in declaration order.
func (g *Graph) Outputs(h NodeHandle) ([]OutputSpec, error) {
	n, ok := g.nodes[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, h)
	}
	return slices.Clone(n.desc.Outputs), nil
}

// Consumers returns the handles of nodes with at least one input fed by h.
func (g *Graph) Consumers(h NodeHandle) []NodeHandle {
	var out []NodeHandle
	for handle, n := range g.nodes {
		for _, sources := range n.inputs {
			if slices.ContainsFunc(sources, func(p OutputPort) bool { return p.Node == h }) {
				out = append(out, handle)
				break
			}
		}
	}
	slices.Sort(out)
	return out
}

// Downstream returns h plus every node transitively reachable from it.
func (g *Graph) Downstream(h NodeHandle) []NodeHandle {
	visited := make(map[NodeHandle]bool)
	var dfs func(NodeHandle)
	dfs = func(cur NodeHandle) {
		if visited[cur] {
			return
		}
		visited[cur] = true
		for _, c := range g.Consumers(cur) {
			dfs(c)
		}
	}
	dfs(h)
	out := maps.Keys(visited)
	slices.Sort(out)
	return out
}

// Clone returns a structurally independent copy. Node implementations,
// configuration blobs and metadata values are shared; topology is copied.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		nodes:   make(map[NodeHandle]*graphNode, len(g.nodes)),
		next:    g.next,
		version: g.version,
	}
	for h, n := range g.nodes {
		cn := &graphNode{
			handle:  n.handle,
			node:    n.node,
			desc:    n.desc,
			cfg:     n.cfg,
			cfgHash: n.cfgHash,
			inputs:  make(map[PortName][]OutputPort, len(n.inputs)),
		}
		for name, sources := range n.inputs {
			cn.inputs[name] = slices.Clone(sources)
		}
		if n.meta != nil {
			cn.meta = maps.Clone(n.meta)
		}
		c.nodes[h] = cn
	}
	return c
}
