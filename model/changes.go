package model

import (
	"slices"
	"strings"
)

// Changes is the changelist of one accepted submission: the identities that
// are structurally different ("changed") and the identities that were removed
// including deletion cascades ("deleted"). The two sets may transiently
// overlap while a changelist is being built; Normalize makes them disjoint
// before the changelist is exposed to observers.
type Changes struct {
	Changed map[string]struct{}
	Deleted map[string]struct{}
}

func NewChanges() Changes {
	return Changes{
		Changed: make(map[string]struct{}),
		Deleted: make(map[string]struct{}),
	}
}

func (c Changes) MarkChanged(id string) {
	c.Changed[id] = struct{}{}
}

func (c Changes) MarkDeleted(id string) {
	c.Deleted[id] = struct{}{}
}

func (c Changes) WasChanged(id string) bool {
	_, ok := c.Changed[id]
	return ok
}

func (c Changes) WasDeleted(id string) bool {
	_, ok := c.Deleted[id]
	return ok
}

// Normalize subtracts deleted from changed, restoring disjointness.
func (c Changes) Normalize() {
	for id := range c.Deleted {
		delete(c.Changed, id)
	}
}

func (c Changes) Empty() bool {
	return len(c.Changed) == 0 && len(c.Deleted) == 0
}

// Merge unions other into c. Used when coalescing deliveries for a paused
// observer.
func (c Changes) Merge(other Changes) {
	for id := range other.Changed {
		c.Changed[id] = struct{}{}
	}
	for id := range other.Deleted {
		c.Deleted[id] = struct{}{}
	}
}

// Touches reports whether any identity of ids appears in either set.
func (c Changes) Touches(ids map[string]struct{}) bool {
	for id := range ids {
		if c.WasChanged(id) || c.WasDeleted(id) {
			return true
		}
	}
	return false
}

// Intersect returns the subset of c whose identities appear in ids.
func (c Changes) Intersect(ids map[string]struct{}) Changes {
	sub := NewChanges()
	for id := range c.Changed {
		if _, ok := ids[id]; ok {
			sub.MarkChanged(id)
		}
	}
	for id := range c.Deleted {
		if _, ok := ids[id]; ok {
			sub.MarkDeleted(id)
		}
	}
	return sub
}

// ChangedList and DeletedList return sorted slices, mostly for logging and
// tests.
func (c Changes) ChangedList() []string {
	return sortedKeys(c.Changed)
}

func (c Changes) DeletedList() []string {
	return sortedKeys(c.Deleted)
}

func (c Changes) String() string {
	var b strings.Builder
	b.WriteString("changed{")
	b.WriteString(strings.Join(c.ChangedList(), ","))
	b.WriteString("} deleted{")
	b.WriteString(strings.Join(c.DeletedList(), ","))
	b.WriteString("}")
	return b.String()
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
