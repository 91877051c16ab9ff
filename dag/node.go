package dag

import (
	"context"
	"fmt"
)

// InputSpec declares one input port of a node type.
type InputSpec struct {
	Name PortName
	Type ValueTypeID
	Kind PortKind
}

// OutputSpec declares one output port of a node type. Outputs with
// Cacheable false are recomputed on every execution.
type OutputSpec struct {
	Name      PortName
	Type      ValueTypeID
	Cacheable bool
}

// Descriptor is the static metadata of a node type: its identity, port
// declarations and whether its run may suspend.
type Descriptor struct {
	Type    NodeTypeID
	Inputs  []InputSpec
	Outputs []OutputSpec
	Async   bool
}

// Validate checks structural soundness of the descriptor.
func (d Descriptor) Validate() error {
	if err := d.Type.Validate(); err != nil {
		return err
	}
	if len(d.Outputs) == 0 {
		return fmt.Errorf("%w: %s declares no outputs", ErrInvalidDescriptor, d.Type)
	}
	seen := make(map[PortName]bool, len(d.Inputs))
	for _, in := range d.Inputs {
		if in.Name == "" {
			return fmt.Errorf("%w: %s has an unnamed input", ErrInvalidDescriptor, d.Type)
		}
		if seen[in.Name] {
			return fmt.Errorf("%w: %s declares input %q twice", ErrInvalidDescriptor, d.Type, in.Name)
		}
		seen[in.Name] = true
	}
	seen = make(map[PortName]bool, len(d.Outputs))
	for _, out := range d.Outputs {
		if out.Name == "" {
			return fmt.Errorf("%w: %s has an unnamed output", ErrInvalidDescriptor, d.Type)
		}
		if seen[out.Name] {
			return fmt.Errorf("%w: %s declares output %q twice", ErrInvalidDescriptor, d.Type, out.Name)
		}
		seen[out.Name] = true
	}
	return nil
}

// Input returns the input spec with the given name.
func (d Descriptor) Input(name PortName) (InputSpec, bool) {
	for _, in := range d.Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return InputSpec{}, false
}

// Output returns the output spec with the given name.
func (d Descriptor) Output(name PortName) (OutputSpec, bool) {
	for _, out := range d.Outputs {
		if out.Name == name {
			return out, true
		}
	}
	return OutputSpec{}, false
}

// Config is a node instance's opaque configuration. It must be hashable
// and equatable (hashstructure), and is treated as immutable once set.
type Config = any

// Inputs is the read view a node receives for one execution. For each
// declared input it holds exactly one value (required), zero or one
// (optional), or an ordered sequence (variadic). Inputs are borrowed;
// modifying carried values is forbidden.
type Inputs struct {
	single   map[PortName]Value
	variadic map[PortName][]Value
}

// MakeInputs assembles an input view. Used by the executor and by tests
// that call Run directly.
func MakeInputs(single map[PortName]Value, variadic map[PortName][]Value) Inputs {
	return Inputs{single: single, variadic: variadic}
}

// Get returns the value bound to a required input.
func (in Inputs) Get(name PortName) Value {
	return in.single[name]
}

// Optional returns the value bound to an optional input, if any.
func (in Inputs) Optional(name PortName) (Value, bool) {
	v, ok := in.single[name]
	return v, ok
}

// Variadic returns the values bound to a variadic input in slot order.
func (in Inputs) Variadic(name PortName) []Value {
	return in.variadic[name]
}

// Outputs maps output port names to produced values. A run must produce
// one value per declared output port.
type Outputs map[PortName]Value

// ValidateOutputs checks that out matches the descriptor's declared
// output ports in arity and type.
func (d Descriptor) ValidateOutputs(out Outputs) error {
	if len(out) != len(d.Outputs) {
		return fmt.Errorf("%w: %s produced %d outputs, want %d",
			ErrTypeMismatch, d.Type, len(out), len(d.Outputs))
	}
	for _, spec := range d.Outputs {
		v, ok := out[spec.Name]
		if !ok {
			return fmt.Errorf("%w: %s did not produce output %q",
				ErrUnknownPort, d.Type, spec.Name)
		}
		if v.Type() != spec.Type {
			return fmt.Errorf("%w: %s output %q is %s, declared %s",
				ErrTypeMismatch, d.Type, spec.Name, v.Type(), spec.Type)
		}
	}
	return nil
}

// Node is the contract a node author implements.
//
// Run must be a deterministic function of (cfg, in): it may not read or
// mutate shared mutable state, and inputs are borrowed and must not be
// modified. Run either produces one value per declared output or returns
// an error. Sync nodes must return promptly; a blocking Run occupies one
// worker for the duration.
type Node interface {
	Describe() Descriptor
	Run(ctx context.Context, cfg Config, in Inputs) (Outputs, error)
}

// Completion is the handle an async node calls exactly once when its work
// finishes. A second call is ignored with a warning. External I/O done by
// async nodes must be idempotent across retries.
type Completion interface {
	Complete(out Outputs)
	Fail(err error)
}

// AsyncNode is implemented by nodes whose work may suspend. The executor
// calls Start instead of Run; Start must hand the work off and return
// promptly, and the node's outputs are Pending until done is called.
// Cancellation is cooperative via ctx; a result arriving after
// cancellation is discarded silently.
type AsyncNode interface {
	Node
	Start(ctx context.Context, cfg Config, in Inputs, done Completion) error
}

type funcNode struct {
	desc Descriptor
	run  func(ctx context.Context, cfg Config, in Inputs) (Outputs, error)
}

func (n *funcNode) Describe() Descriptor { return n.desc }

func (n *funcNode) Run(ctx context.Context, cfg Config, in Inputs) (Outputs, error) {
	return n.run(ctx, cfg, in)
}

// NewFunc wraps a plain function as a Node with the given descriptor.
func NewFunc(desc Descriptor, run func(ctx context.Context, cfg Config, in Inputs) (Outputs, error)) Node {
	return &funcNode{desc: desc, run: run}
}

type asyncFuncNode struct {
	funcNode
	start func(ctx context.Context, cfg Config, in Inputs, done Completion) error
}

func (n *asyncFuncNode) Start(ctx context.Context, cfg Config, in Inputs, done Completion) error {
	return n.start(ctx, cfg, in, done)
}

// NewAsyncFunc wraps a start function as an AsyncNode. The descriptor's
// Async flag must be set.
func NewAsyncFunc(desc Descriptor, start func(ctx context.Context, cfg Config, in Inputs, done Completion) error) AsyncNode {
	n := &asyncFuncNode{start: start}
	n.desc = desc
	n.run = func(context.Context, Config, Inputs) (Outputs, error) {
		return nil, fmt.Errorf("%w: async node %s must be started, not run", ErrInvalidDescriptor, desc.Type)
	}
	return n
}
