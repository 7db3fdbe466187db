// Package model defines the contract every domain entity shared through the
// consistency engine must implement, plus the helpers the engine uses to walk,
// merge and flatten trees of such entities.
//
// Nodes are immutable values forming trees. An absent node is a nil Node;
// implementations must always return the untyped nil for "absent", never a
// typed nil pointer.
package model

import (
	"errors"
	"fmt"
	"reflect"
)

var ErrProjectionConflict = errors.New("[rocketdata] same identity, different types, no merge override")

// Node is implemented by every model entity.
type Node interface {
	// Identity returns the globally unique id of the node, or "" for an
	// anonymous node that belongs to its nearest identified ancestor.
	Identity() string

	// IsEqual reports structural equality with another node.
	IsEqual(other Node) bool

	// ForEachChild visits the immediate children only, in order. It must
	// never pass nil to visit; absent children are simply skipped.
	ForEachChild(visit func(child Node))

	// MapChildren rebuilds the node with every immediate child replaced by
	// transform's result, preserving the concrete type. A nil result removes
	// that child. If a removed child is required, MapChildren must itself
	// return nil so the deletion cascades upward.
	MapChildren(transform func(child Node) Node) Node
}

// Merger is an optional extension for types that can reconcile with a
// different concrete type sharing their identity (a projection).
type Merger interface {
	MergeWith(other Node) Node
}

// Merge folds update into current. Types implementing Merger decide the
// outcome themselves; otherwise the update replaces the current value and the
// concrete types must match. On a type mismatch the update still wins (last
// write wins) and ErrProjectionConflict is returned so the caller can report
// the protocol violation.
func Merge(current, update Node) (Node, error) {
	if m, ok := current.(Merger); ok {
		return m.MergeWith(update), nil
	}
	if reflect.TypeOf(current) != reflect.TypeOf(update) {
		return update, fmt.Errorf("%w: %T vs %T", ErrProjectionConflict, current, update)
	}
	return update, nil
}

// Flatten walks the tree and groups every identified node by identity.
// Normally each identity maps to exactly one node; several nodes sharing an
// identity are projections of the same entity.
func Flatten(root Node) map[string][]Node {
	flat := make(map[string][]Node)
	flattenInto(root, flat)
	return flat
}

func flattenInto(n Node, flat map[string][]Node) {
	if n == nil {
		return
	}
	if id := n.Identity(); id != "" {
		flat[id] = append(flat[id], n)
	}
	n.ForEachChild(func(child Node) {
		flattenInto(child, flat)
	})
}

// Identities returns the set of identities present in the tree.
func Identities(root Node) map[string]struct{} {
	ids := make(map[string]struct{})
	collectIdentities(root, ids)
	return ids
}

func collectIdentities(n Node, ids map[string]struct{}) {
	if n == nil {
		return
	}
	if id := n.Identity(); id != "" {
		ids[id] = struct{}{}
	}
	n.ForEachChild(func(child Node) {
		collectIdentities(child, ids)
	})
}

// FindIdentity returns the first node with the given identity, depth first,
// or nil if the tree does not contain it.
func FindIdentity(root Node, id string) Node {
	if root == nil || id == "" {
		return nil
	}
	if root.Identity() == id {
		return root
	}
	var found Node
	root.ForEachChild(func(child Node) {
		if found == nil {
			found = FindIdentity(child, id)
		}
	})
	return found
}
