// Package nodes provides small generic utility nodes built purely on the
// public node contract. They cover the common shapes of a dataflow graph
// (constants, unary and binary maps, variadic reduction) and double as
// realistic material for tests and examples.
package nodes

import (
	"context"
	"fmt"

	"github.com/evalgraph/evalgraph/dag"
)

// Port names shared by the utility nodes.
const (
	PortValue dag.PortName = "value"
	PortIn    dag.PortName = "in"
	PortA     dag.PortName = "a"
	PortB     dag.PortName = "b"
	PortOut   dag.PortName = "out"
)

// Constant emits its configuration as its only output. The node's
// configuration must be a value of type T.
func Constant[T any]() dag.Node {
	t := dag.TypeOf[T]()
	desc := dag.Descriptor{
		Type: dag.NodeTypeID(fmt.Sprintf("nodes.constant(%s)", t)),
		Outputs: []dag.OutputSpec{
			{Name: PortValue, Type: t, Cacheable: true},
		},
	}
	return dag.NewFunc(desc, func(_ context.Context, cfg dag.Config, _ dag.Inputs) (dag.Outputs, error) {
		v, ok := cfg.(T)
		if !ok {
			return nil, fmt.Errorf("%w: constant configured with %T, want %s",
				dag.ErrInvalidConfig, cfg, t)
		}
		return dag.Outputs{PortValue: dag.NewValue(v)}, nil
	})
}

// Map applies f to the value on "in". The name must uniquely identify f:
// it is the node type ID and therefore part of the cache identity.
func Map[A, B any](name dag.NodeTypeID, f func(A) (B, error)) dag.Node {
	desc := dag.Descriptor{
		Type: name,
		Inputs: []dag.InputSpec{
			{Name: PortIn, Type: dag.TypeOf[A](), Kind: dag.PortRequired},
		},
		Outputs: []dag.OutputSpec{
			{Name: PortOut, Type: dag.TypeOf[B](), Cacheable: true},
		},
	}
	return dag.NewFunc(desc, func(_ context.Context, _ dag.Config, in dag.Inputs) (dag.Outputs, error) {
		a, err := dag.As[A](in.Get(PortIn))
		if err != nil {
			return nil, err
		}
		b, err := f(a)
		if err != nil {
			return nil, err
		}
		return dag.Outputs{PortOut: dag.NewValue(b)}, nil
	})
}

// Zip2 combines the values on "a" and "b". Like Map, the name is part of
// the cache identity and must uniquely identify f.
func Zip2[A, B, R any](name dag.NodeTypeID, f func(A, B) (R, error)) dag.Node {
	desc := dag.Descriptor{
		Type: name,
		Inputs: []dag.InputSpec{
			{Name: PortA, Type: dag.TypeOf[A](), Kind: dag.PortRequired},
			{Name: PortB, Type: dag.TypeOf[B](), Kind: dag.PortRequired},
		},
		Outputs: []dag.OutputSpec{
			{Name: PortOut, Type: dag.TypeOf[R](), Cacheable: true},
		},
	}
	return dag.NewFunc(desc, func(_ context.Context, _ dag.Config, in dag.Inputs) (dag.Outputs, error) {
		a, err := dag.As[A](in.Get(PortA))
		if err != nil {
			return nil, err
		}
		b, err := dag.As[B](in.Get(PortB))
		if err != nil {
			return nil, err
		}
		r, err := f(a, b)
		if err != nil {
			return nil, err
		}
		return dag.Outputs{PortOut: dag.NewValue(r)}, nil
	})
}

// Reduce folds the ordered values bound to its variadic "in" input,
// starting from zero. Slot order is significant: rebinding or reordering
// slots changes the fingerprint and forces a re-run.
func Reduce[T any](name dag.NodeTypeID, zero T, f func(T, T) T) dag.Node {
	desc := dag.Descriptor{
		Type: name,
		Inputs: []dag.InputSpec{
			{Name: PortIn, Type: dag.TypeOf[T](), Kind: dag.PortVariadic},
		},
		Outputs: []dag.OutputSpec{
			{Name: PortOut, Type: dag.TypeOf[T](), Cacheable: true},
		},
	}
	return dag.NewFunc(desc, func(_ context.Context, _ dag.Config, in dag.Inputs) (dag.Outputs, error) {
		acc := zero
		for _, v := range in.Variadic(PortIn) {
			t, err := dag.As[T](v)
			if err != nil {
				return nil, err
			}
			acc = f(acc, t)
		}
		return dag.Outputs{PortOut: dag.NewValue(acc)}, nil
	})
}
