package rocketdata

import (
	"reflect"

	"github.com/plivesey/rocketdata/model"
)

// updateSet is one flattened submission: per-identity projections to merge
// in, plus identities to delete.
type updateSet struct {
	projections map[string][]model.Node
	deleted     map[string]struct{}
}

// applyTo recomputes one listener's model against the update set. It returns
// the new node and whether the node survived; !present means the node was
// deleted (directly or by a required-child cascade). Changed and deleted
// identities accumulate in changes; the caller normalizes.
func (cm *Manager) applyTo(current model.Node, u updateSet, changes model.Changes) (model.Node, bool) {
	id := current.Identity()
	if id != "" {
		if _, gone := u.deleted[id]; gone {
			changes.MarkDeleted(id)
			return nil, false
		}
	}

	node := current
	replaced := false
	if id != "" {
		if projections, ok := u.projections[id]; ok {
			merged := node
			for _, p := range projections {
				m, err := model.Merge(merged, p)
				if err != nil {
					cm.opts.Assert(err, "id", id)
				}
				merged = m
			}
			if !merged.IsEqual(node) {
				node = merged
				replaced = true
			}
		}
	}

	childChanged := false
	mapped := node.MapChildren(func(child model.Node) model.Node {
		// the walk always runs against what the observer holds: below a
		// replaced node, resolve each identity back to the observer's
		// existing subtree so merge overrides and change tracking see the
		// observer's value, not the submission's copy of it
		base := child
		if replaced {
			if cid := child.Identity(); cid != "" {
				if existing := model.FindIdentity(current, cid); existing != nil {
					base = existing
				}
			}
		}
		next, present := cm.applyTo(base, u, changes)
		if !present {
			childChanged = true
			return nil
		}
		if next != base {
			childChanged = true
		}
		return next
	})

	if !replaced && !childChanged {
		return current, true
	}
	if mapped == nil {
		// a required child was removed; the deletion cascades here
		if id != "" {
			changes.MarkDeleted(id)
		}
		return nil, false
	}
	if reflect.TypeOf(mapped) != reflect.TypeOf(node) {
		cm.opts.Assert(ErrWrongMappedType,
			"id", id, "want", reflectTypeName(node), "got", reflectTypeName(mapped))
		return current, true // abort this branch of the diff
	}
	if id != "" {
		changes.MarkChanged(id)
	}
	return mapped, true
}

func reflectTypeName(n model.Node) string {
	return reflect.TypeOf(n).String()
}
