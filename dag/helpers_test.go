package dag

import (
	"context"
	"fmt"
)

// Test node zoo: a constant source, an adder and a stringifier, mirroring
// the shapes real node libraries provide.

func constantNode() Node {
	desc := Descriptor{
		Type: "test.constant",
		Outputs: []OutputSpec{
			{Name: "output", Type: TypeOf[int](), Cacheable: true},
		},
	}
	return NewFunc(desc, func(_ context.Context, cfg Config, _ Inputs) (Outputs, error) {
		v, ok := cfg.(int)
		if !ok {
			return nil, fmt.Errorf("constant wants int config, got %T", cfg)
		}
		return Outputs{"output": NewValue(v)}, nil
	})
}

func additionNode() Node {
	desc := Descriptor{
		Type: "test.addition",
		Inputs: []InputSpec{
			{Name: "a", Type: TypeOf[int](), Kind: PortRequired},
			{Name: "b", Type: TypeOf[int](), Kind: PortRequired},
		},
		Outputs: []OutputSpec{
			{Name: "result", Type: TypeOf[int](), Cacheable: true},
		},
	}
	return NewFunc(desc, func(_ context.Context, _ Config, in Inputs) (Outputs, error) {
		a, err := As[int](in.Get("a"))
		if err != nil {
			return nil, err
		}
		b, err := As[int](in.Get("b"))
		if err != nil {
			return nil, err
		}
		return Outputs{"result": NewValue(a + b)}, nil
	})
}

func toStringNode() Node {
	desc := Descriptor{
		Type: "test.to_string",
		Inputs: []InputSpec{
			{Name: "input", Type: TypeOf[int](), Kind: PortRequired},
		},
		Outputs: []OutputSpec{
			{Name: "result", Type: TypeOf[string](), Cacheable: true},
		},
	}
	return NewFunc(desc, func(_ context.Context, _ Config, in Inputs) (Outputs, error) {
		v, err := As[int](in.Get("input"))
		if err != nil {
			return nil, err
		}
		return Outputs{"result": NewValue(fmt.Sprint(v))}, nil
	})
}

func sumNode() Node {
	desc := Descriptor{
		Type: "test.sum",
		Inputs: []InputSpec{
			{Name: "in", Type: TypeOf[int](), Kind: PortVariadic},
		},
		Outputs: []OutputSpec{
			{Name: "out", Type: TypeOf[int](), Cacheable: true},
		},
	}
	return NewFunc(desc, func(_ context.Context, _ Config, in Inputs) (Outputs, error) {
		total := 0
		for _, v := range in.Variadic("in") {
			i, err := As[int](v)
			if err != nil {
				return nil, err
			}
			total += i
		}
		return Outputs{"out": NewValue(total)}, nil
	})
}
