package rocketdata

import (
	"github.com/plivesey/rocketdata/model"
)

// BatchDelegate receives the single aggregate notification of a batch:
// the full changelist of the submission plus the members it affected.
type BatchDelegate interface {
	BatchUpdated(b *BatchListener, updated []Listener, changes model.Changes, context any)
}

// BatchListener composes a fixed list of listeners into one virtual listener,
// so the engine treats their combined models as a single subtree and issues
// one recompute for all of them. Per-member updates fan back out to only the
// affected members (in list order), followed by exactly one aggregate
// notification to the delegate.
type BatchListener struct {
	cm       *Manager
	members  []Listener
	delegate BatchDelegate
	lastTS   uint64
}

func NewBatchListener(cm *Manager, members []Listener, delegate BatchDelegate) *BatchListener {
	b := &BatchListener{cm: cm, members: members, delegate: delegate}
	AddListener(cm, b)
	return b
}

func (b *BatchListener) Members() []Listener {
	return b.members
}

func (b *BatchListener) CurrentModel() model.Node {
	slots := make([]model.Node, len(b.members))
	for i, m := range b.members {
		slots[i] = m.CurrentModel()
	}
	return &batchNode{slots: slots}
}

func (b *BatchListener) ModelUpdated(n model.Node, changes model.Changes, context any) {
	b.ModelUpdatedAt(b.cm.Clock().Last(), n, changes, context)
}

func (b *BatchListener) ModelUpdatedAt(ts uint64, n model.Node, changes model.Changes, context any) {
	bn, ok := n.(*batchNode)
	if !ok {
		return
	}
	b.lastTS = ts
	var updated []Listener
	for i, m := range b.members {
		ids := model.Identities(m.CurrentModel())
		for id := range model.Identities(bn.slots[i]) {
			ids[id] = struct{}{}
		}
		sub := changes.Intersect(ids)
		if sub.Empty() {
			continue
		}
		b.cm.deliverGated(m, bn.slots[i], sub, ts, context)
		updated = append(updated, m)
	}
	if b.delegate != nil {
		b.delegate.BatchUpdated(b, updated, changes, context)
	}
}

// batchNode is the synthetic composite the batch registers with the engine:
// an anonymous ordered list of the members' models, some possibly absent.
// Every slot is an optional child, so a member's deletion clears the slot
// without cascading into the composite.
type batchNode struct {
	slots []model.Node
}

func (b *batchNode) Identity() string { return "" }

func (b *batchNode) IsEqual(other model.Node) bool {
	o, ok := other.(*batchNode)
	if !ok || len(o.slots) != len(b.slots) {
		return false
	}
	for i, s := range b.slots {
		if (s == nil) != (o.slots[i] == nil) {
			return false
		}
		if s != nil && !s.IsEqual(o.slots[i]) {
			return false
		}
	}
	return true
}

func (b *batchNode) ForEachChild(visit func(model.Node)) {
	for _, s := range b.slots {
		if s != nil {
			visit(s)
		}
	}
}

func (b *batchNode) MapChildren(transform func(model.Node) model.Node) model.Node {
	next := &batchNode{slots: make([]model.Node, len(b.slots))}
	for i, s := range b.slots {
		if s == nil {
			continue
		}
		next.slots[i] = transform(s)
	}
	return next
}
