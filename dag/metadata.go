package dag

import "fmt"

// Node metadata is a typed bag keyed by ValueTypeID, for external layers
// (renderers, editors) to attach per-node data without the graph knowing
// the concrete types. Metadata does not participate in fingerprinting.

// SetMetadata attaches a value of type T to the node, replacing any
// previous value of the same type.
func SetMetadata[T any](g *Graph, h NodeHandle, v T) error {
	n, ok := g.nodes[h]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, h)
	}
	if n.meta == nil {
		n.meta = make(map[ValueTypeID]any, 1)
	}
	n.meta[TypeOf[T]()] = v
	return nil
}

// MetadataOf retrieves the metadata value of type T attached to the node.
func MetadataOf[T any](g *Graph, h NodeHandle) (T, bool) {
	var zero T
	n, ok := g.nodes[h]
	if !ok || n.meta == nil {
		return zero, false
	}
	v, ok := n.meta[TypeOf[T]()]
	if !ok {
		return zero, false
	}
	return v.(T), true
}

// RemoveMetadata removes the metadata value of type T from the node.
func RemoveMetadata[T any](g *Graph, h NodeHandle) {
	if n, ok := g.nodes[h]; ok && n.meta != nil {
		delete(n.meta, TypeOf[T]())
	}
}
