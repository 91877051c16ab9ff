package dag

import (
	"testing"

	"github.com/alecthomas/assert/v2"
)

// chainGraph builds v1 -> add.a, v2 -> add.b, add -> str.
func chainGraph(t *testing.T) (*Graph, NodeHandle, NodeHandle, NodeHandle, NodeHandle) {
	t.Helper()
	g := NewGraph()
	v1, err := g.AddNode(constantNode(), 5)
	assert.NoError(t, err)
	v2, err := g.AddNode(constantNode(), 7)
	assert.NoError(t, err)
	add, err := g.AddNode(additionNode(), nil)
	assert.NoError(t, err)
	str, err := g.AddNode(toStringNode(), nil)
	assert.NoError(t, err)
	assert.NoError(t, g.Connect(OutputPort{Node: v1, Name: "output"}, InputPort{Node: add, Name: "a"}))
	assert.NoError(t, g.Connect(OutputPort{Node: v2, Name: "output"}, InputPort{Node: add, Name: "b"}))
	assert.NoError(t, g.Connect(OutputPort{Node: add, Name: "result"}, InputPort{Node: str, Name: "input"}))
	return g, v1, v2, add, str
}

func TestSnapshotImmutability(t *testing.T) {
	g, v1, _, add, _ := chainGraph(t)
	snap := g.Snapshot()

	// Later edits do not show up in the snapshot.
	assert.NoError(t, g.Disconnect(InputPort{Node: add, Name: "a"}))
	assert.NoError(t, g.RemoveNode(v1))

	n, ok := snap.Node(add)
	assert.True(t, ok)
	assert.Equal(t, []OutputPort{{Node: v1, Name: "output"}}, n.Inputs["a"])
	_, ok = snap.Node(v1)
	assert.True(t, ok)
}

func TestReverseReachable(t *testing.T) {
	g, v1, v2, add, str := chainGraph(t)
	extra, _ := g.AddNode(constantNode(), 99)
	snap := g.Snapshot()

	t.Run("targets pull in all ancestors", func(t *testing.T) {
		sub, err := snap.ReverseReachable([]OutputPort{{Node: str, Name: "result"}})
		assert.NoError(t, err)
		assert.Equal(t, 4, len(sub))
		for _, h := range []NodeHandle{v1, v2, add, str} {
			assert.True(t, sub[h])
		}
		assert.False(t, sub[extra])
	})

	t.Run("mid-graph target skips descendants", func(t *testing.T) {
		sub, err := snap.ReverseReachable([]OutputPort{{Node: add, Name: "result"}})
		assert.NoError(t, err)
		assert.Equal(t, 3, len(sub))
		assert.False(t, sub[str])
	})

	t.Run("unknown target", func(t *testing.T) {
		_, err := snap.ReverseReachable([]OutputPort{{Node: 1000, Name: "result"}})
		assert.Error(t, err)
		_, err = snap.ReverseReachable([]OutputPort{{Node: str, Name: "nope"}})
		assert.Error(t, err)
	})
}

func TestTopoOrder(t *testing.T) {
	g, v1, v2, add, str := chainGraph(t)
	snap := g.Snapshot()

	sub, err := snap.ReverseReachable([]OutputPort{{Node: str, Name: "result"}})
	assert.NoError(t, err)
	order := snap.TopoOrder(sub)

	// Ancestors first; ties broken by ascending handle.
	assert.Equal(t, []NodeHandle{v1, v2, add, str}, order)
}

func TestTopoOrderDiamond(t *testing.T) {
	g := NewGraph()
	src, _ := g.AddNode(constantNode(), 1)
	left, _ := g.AddNode(toStringNode(), nil)
	right, _ := g.AddNode(toStringNode(), nil)
	assert.NoError(t, g.Connect(OutputPort{Node: src, Name: "output"}, InputPort{Node: left, Name: "input"}))
	assert.NoError(t, g.Connect(OutputPort{Node: src, Name: "output"}, InputPort{Node: right, Name: "input"}))

	snap := g.Snapshot()
	sub, err := snap.ReverseReachable([]OutputPort{
		{Node: left, Name: "result"},
		{Node: right, Name: "result"},
	})
	assert.NoError(t, err)
	assert.Equal(t, []NodeHandle{src, left, right}, snap.TopoOrder(sub))
}
