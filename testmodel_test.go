package rocketdata

import (
	"fmt"

	"github.com/plivesey/rocketdata/model"
	"github.com/plivesey/rocketdata/utils"
)

// child is a leaf model.
type child struct {
	id   string
	name string
}

func newChild(num int, name string) *child {
	return &child{id: fmt.Sprintf("Child:%d", num), name: name}
}

func (c *child) Identity() string { return c.id }

func (c *child) IsEqual(other model.Node) bool {
	o, ok := other.(*child)
	return ok && o.id == c.id && o.name == c.name
}

func (c *child) ForEachChild(visit func(model.Node)) {}

func (c *child) MapChildren(transform func(model.Node) model.Node) model.Node {
	return c
}

// parent holds one child, required or optional.
type parent struct {
	id       string
	child    *child
	required bool
}

func newParent(num int, c *child, required bool) *parent {
	return &parent{id: fmt.Sprintf("Parent:%d", num), child: c, required: required}
}

func (p *parent) Identity() string { return p.id }

func (p *parent) IsEqual(other model.Node) bool {
	o, ok := other.(*parent)
	if !ok || o.id != p.id || o.required != p.required {
		return false
	}
	if (o.child == nil) != (p.child == nil) {
		return false
	}
	return p.child == nil || p.child.IsEqual(o.child)
}

func (p *parent) ForEachChild(visit func(model.Node)) {
	if p.child != nil {
		visit(p.child)
	}
}

func (p *parent) MapChildren(transform func(model.Node) model.Node) model.Node {
	next := &parent{id: p.id, required: p.required}
	if p.child != nil {
		mapped := transform(p.child)
		if mapped == nil {
			if p.required {
				return nil
			}
		} else {
			next.child = mapped.(*child)
		}
	}
	return next
}

// testListener records everything it is delivered.
type testListener struct {
	model      model.Node
	deliveries []model.Changes
	models     []model.Node
	contexts   []any
}

func (l *testListener) CurrentModel() model.Node { return l.model }

func (l *testListener) ModelUpdated(n model.Node, changes model.Changes, context any) {
	l.model = n
	l.deliveries = append(l.deliveries, changes)
	l.models = append(l.models, n)
	l.contexts = append(l.contexts, context)
}

// testGlobal records global update notifications.
type testGlobal struct {
	calls []map[string]ChangeKind
}

func (g *testGlobal) GlobalModelUpdated(cm *Manager, submitted model.Node, changes map[string]ChangeKind, context any) {
	g.calls = append(g.calls, changes)
}

func newTestManager() *Manager {
	return New(Options{Log: utils.NopLogger{}, SweepInterval: -1})
}
