package rocketdata

import (
	"fmt"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/plivesey/rocketdata/model"
)

func TestUpdateModel_ChildChange(t *testing.T) {
	cm := newTestManager()
	defer cm.Close()

	a := &testListener{model: newParent(1, newChild(3, "x"), false)}
	AddListener(cm, a)
	cm.Settle()

	cm.UpdateModel(newChild(3, "y"), "ctx")
	cm.Settle()

	assert.Equal(t, 1, len(a.deliveries))
	assert.Equal(t, []string{"Child:3", "Parent:1"}, a.deliveries[0].ChangedList())
	assert.Empty(t, a.deliveries[0].DeletedList())
	assert.Equal(t, "y", a.model.(*parent).child.name)
	assert.Equal(t, "ctx", a.contexts[0])
}

func TestUpdateModel_EqualValueShortCircuits(t *testing.T) {
	cm := newTestManager()
	defer cm.Close()

	a := &testListener{model: newParent(1, newChild(3, "x"), false)}
	AddListener(cm, a)
	cm.Settle()

	cm.UpdateModel(newChild(3, "x"), nil)
	cm.Settle()

	assert.Empty(t, a.deliveries)
}

func TestUpdateModel_RootReplacement(t *testing.T) {
	cm := newTestManager()
	defer cm.Close()

	a := &testListener{model: newParent(1, newChild(3, "x"), false)}
	AddListener(cm, a)
	cm.Settle()

	cm.UpdateModel(newParent(1, newChild(3, "z"), false), nil)
	cm.Settle()

	assert.Equal(t, 1, len(a.deliveries))
	assert.Equal(t, "z", a.model.(*parent).child.name)
	// the walk descends into the replaced tree, so the child is reported too
	assert.Equal(t, []string{"Child:3", "Parent:1"}, a.deliveries[0].ChangedList())
}

func TestUpdateModel_ReplacedParentMergesChildren(t *testing.T) {
	cm := newTestManager()
	defer cm.Close()

	a := &testListener{model: &box{id: "Box:1", child: &mergingParent{id: "Note:2", note: "local"}}}
	AddListener(cm, a)
	cm.Settle()

	cm.UpdateModel(&box{id: "Box:1", child: &noteUpdate{id: "Note:2", note: "remote"}}, nil)
	cm.Settle()

	assert.Equal(t, 1, len(a.deliveries))
	assert.Equal(t, []string{"Box:1", "Note:2"}, a.deliveries[0].ChangedList())
	// the override ran against the observer's child, keeping its type
	got, ok := a.model.(*box).child.(*mergingParent)
	assert.True(t, ok)
	assert.Equal(t, "remote", got.note)
}

func TestDeleteModel_RequiredChildCascades(t *testing.T) {
	cm := newTestManager()
	defer cm.Close()

	b := &testListener{model: newParent(1, newChild(3, "x"), true)}
	AddListener(cm, b)
	cm.Settle()

	cm.DeleteModel(newChild(3, "x"), nil)
	cm.Settle()

	assert.Equal(t, 1, len(b.deliveries))
	assert.Nil(t, b.models[0])
	assert.Equal(t, []string{"Child:3", "Parent:1"}, b.deliveries[0].DeletedList())
	assert.Empty(t, b.deliveries[0].ChangedList())
}

func TestDeleteModel_OptionalChildDropped(t *testing.T) {
	cm := newTestManager()
	defer cm.Close()

	a := &testListener{model: newParent(1, newChild(3, "x"), false)}
	AddListener(cm, a)
	cm.Settle()

	cm.DeleteModel(newChild(3, "x"), nil)
	cm.Settle()

	assert.Equal(t, 1, len(a.deliveries))
	assert.Equal(t, []string{"Parent:1"}, a.deliveries[0].ChangedList())
	assert.Equal(t, []string{"Child:3"}, a.deliveries[0].DeletedList())
	assert.Nil(t, a.model.(*parent).child)
}

func TestDeleteModel_AnonymousReported(t *testing.T) {
	var reported []error
	cm := New(Options{
		SweepInterval: -1,
		Assert:        func(err error, args ...any) { reported = append(reported, err) },
	})
	defer cm.Close()

	cm.DeleteModel(&child{name: "anon"}, nil)
	cm.Settle()

	assert.Equal(t, 1, len(reported))
	assert.ErrorIs(t, reported[0], ErrDeleteAnonymous)
}

func TestConvergence_SharedIdentity(t *testing.T) {
	cm := newTestManager()
	defer cm.Close()

	a := &testListener{model: newParent(1, newChild(3, "x"), false)}
	b := &testListener{model: newParent(2, newChild(3, "x"), false)}
	AddListener(cm, a)
	AddListener(cm, b)
	cm.Settle()

	cm.UpdateModel(newChild(3, "fresh"), nil)
	cm.Settle()

	ac := a.model.(*parent).child
	bc := b.model.(*parent).child
	assert.True(t, ac.IsEqual(bc))
	assert.Equal(t, "fresh", ac.name)
}

func TestConvergence_SequentialSubmissions(t *testing.T) {
	cm := newTestManager()
	defer cm.Close()

	a := &testListener{model: newParent(1, newChild(3, "0"), false)}
	AddListener(cm, a)
	cm.Settle()

	for i := 0; i < 10; i++ {
		cm.UpdateModel(newChild(3, string(rune('a'+i))), nil)
	}
	cm.Settle()

	assert.Equal(t, 10, len(a.deliveries))
	assert.Equal(t, "j", a.model.(*parent).child.name)
}

func TestSettle_WaitsForCascadedWork(t *testing.T) {
	cm := newTestManager()
	defer cm.Close()

	a := &testListener{model: newParent(1, newChild(3, "v0"), false)}
	AddListener(cm, a)
	cm.Settle()

	// every registration hops delivery -> processing again, so a single
	// drain pass over each executor is never enough
	extras := make([]*testListener, 0, 100)
	for i := 0; i < 100; i++ {
		b := &testListener{model: newParent(100+i, newChild(3, "v0"), false)}
		extras = append(extras, b)
		AddListener(cm, b)
		cm.UpdateModel(newChild(3, fmt.Sprintf("v%d", i+1)), nil)
	}
	cm.Settle()

	assert.Equal(t, 100, len(a.deliveries))
	assert.Equal(t, "v100", a.model.(*parent).child.name)
	runtime.KeepAlive(extras)
}

func TestAddListenerTo_SubtreeOnly(t *testing.T) {
	cm := newTestManager()
	defer cm.Close()

	c := newChild(3, "x")
	a := &testListener{model: newParent(1, c, false)}
	AddListenerTo(cm, a, c)
	cm.Settle()

	// the parent identity was never registered
	cm.UpdateModel(newParent(1, newChild(3, "x"), false), nil)
	cm.Settle()
	assert.Empty(t, a.deliveries)

	cm.UpdateModel(newChild(3, "y"), nil)
	cm.Settle()
	assert.Equal(t, 1, len(a.deliveries))
}

func TestRemoveListener(t *testing.T) {
	cm := newTestManager()
	defer cm.Close()

	a := &testListener{model: newParent(1, newChild(3, "x"), false)}
	AddListener(cm, a)
	cm.Settle()

	RemoveListener(cm, a)
	cm.Settle()

	cm.UpdateModel(newChild(3, "y"), nil)
	cm.Settle()

	assert.Empty(t, a.deliveries)
}

func TestRegistersNewlyIntroducedChildren(t *testing.T) {
	cm := newTestManager()
	defer cm.Close()

	a := &testListener{model: newParent(1, nil, false)}
	AddListener(cm, a)
	cm.Settle()

	// the update introduces Child:7 into a's tree
	cm.UpdateModel(newParent(1, newChild(7, "new"), false), nil)
	cm.Settle()
	assert.Equal(t, 1, len(a.deliveries))

	// a must now be registered against Child:7 as well
	cm.UpdateModel(newChild(7, "newer"), nil)
	cm.Settle()

	assert.Equal(t, 2, len(a.deliveries))
	assert.Equal(t, "newer", a.model.(*parent).child.name)
}

func TestGlobalListener(t *testing.T) {
	cm := newTestManager()
	defer cm.Close()

	g := &testGlobal{}
	AddGlobalListener(cm, g)
	cm.Settle()

	cm.UpdateModel(newParent(1, newChild(3, "x"), false), nil)
	cm.Settle()

	assert.Equal(t, 1, len(g.calls))
	assert.Equal(t, KindChanged, g.calls[0]["Parent:1"])
	assert.Equal(t, KindChanged, g.calls[0]["Child:3"])

	cm.DeleteModel(newChild(3, "x"), nil)
	cm.Settle()

	assert.Equal(t, 2, len(g.calls))
	assert.Equal(t, KindDeleted, g.calls[1]["Child:3"])

	RemoveGlobalListener(cm, g)
	cm.Settle()
	cm.UpdateModel(newChild(3, "y"), nil)
	cm.Settle()
	assert.Equal(t, 2, len(g.calls))
}

func TestWeakRegistry_CollectedListenerIsPruned(t *testing.T) {
	cm := newTestManager()
	defer cm.Close()

	alive := &testListener{model: newParent(1, newChild(3, "x"), false)}
	AddListener(cm, alive)
	func() {
		dead := &testListener{model: newParent(2, newChild(3, "x"), false)}
		AddListener(cm, dead)
		cm.Settle()
	}()

	runtime.GC()
	cm.CleanUnusedMemory()
	cm.Settle()

	cm.UpdateModel(newChild(3, "y"), nil)
	cm.Settle()

	assert.Equal(t, 1, len(alive.deliveries))
	assert.Equal(t, "y", alive.model.(*parent).child.name)
}

func TestCancelAllTasks_NoObservableEffect(t *testing.T) {
	cm := newTestManager()
	defer cm.Close()

	a := &testListener{model: newParent(1, newChild(3, "x"), false)}
	AddListener(cm, a)
	cm.Settle()

	gate := make(chan struct{})
	cm.Dispatch(func() { <-gate })
	cm.UpdateModel(newChild(3, "y"), nil)
	cm.CancelAllTasks()
	close(gate)
	cm.Settle()

	assert.Empty(t, a.deliveries)
	assert.Equal(t, "x", a.model.(*parent).child.name)
}

func TestProjectionMerge_OverrideApplied(t *testing.T) {
	cm := newTestManager()
	defer cm.Close()

	a := &testListener{model: newParent(1, nil, false)}
	a.model = &mergingParent{id: "Parent:1", note: "old"}
	AddListener(cm, a)
	cm.Settle()

	cm.UpdateModel(&noteUpdate{id: "Parent:1", note: "new"}, nil)
	cm.Settle()

	assert.Equal(t, 1, len(a.deliveries))
	assert.Equal(t, "new", a.model.(*mergingParent).note)
}

func TestProjectionConflict_ReportedAndLastWriteWins(t *testing.T) {
	var reported []error
	cm := New(Options{
		SweepInterval: -1,
		Assert:        func(err error, args ...any) { reported = append(reported, err) },
	})
	defer cm.Close()

	a := &testListener{model: newChild(3, "x")}
	AddListener(cm, a)
	cm.Settle()

	cm.UpdateModel(&noteUpdate{id: "Child:3", note: "other type"}, nil)
	cm.Settle()

	assert.Equal(t, 1, len(reported))
	assert.ErrorIs(t, reported[0], model.ErrProjectionConflict)
	assert.IsType(t, &noteUpdate{}, a.model)
}

// box wraps a single child of any model type.
type box struct {
	id    string
	child model.Node
}

func (b *box) Identity() string { return b.id }
func (b *box) ForEachChild(visit func(model.Node)) {
	if b.child != nil {
		visit(b.child)
	}
}
func (b *box) MapChildren(tr func(model.Node) model.Node) model.Node {
	next := &box{id: b.id}
	if b.child != nil {
		next.child = tr(b.child)
	}
	return next
}
func (b *box) IsEqual(other model.Node) bool {
	o, ok := other.(*box)
	if !ok || o.id != b.id || (o.child == nil) != (b.child == nil) {
		return false
	}
	return b.child == nil || b.child.IsEqual(o.child)
}

// mergingParent reconciles with noteUpdate projections.
type mergingParent struct {
	id   string
	note string
}

func (m *mergingParent) Identity() string { return m.id }
func (m *mergingParent) ForEachChild(visit func(model.Node)) {}
func (m *mergingParent) MapChildren(tr func(model.Node) model.Node) model.Node { return m }
func (m *mergingParent) IsEqual(other model.Node) bool {
	o, ok := other.(*mergingParent)
	return ok && o.id == m.id && o.note == m.note
}
func (m *mergingParent) MergeWith(other model.Node) model.Node {
	if o, ok := other.(*noteUpdate); ok {
		return &mergingParent{id: m.id, note: o.note}
	}
	return m
}

type noteUpdate struct {
	id   string
	note string
}

func (n *noteUpdate) Identity() string { return n.id }
func (n *noteUpdate) ForEachChild(visit func(model.Node)) {}
func (n *noteUpdate) MapChildren(tr func(model.Node) model.Node) model.Node { return n }
func (n *noteUpdate) IsEqual(other model.Node) bool {
	o, ok := other.(*noteUpdate)
	return ok && o.id == n.id && o.note == n.note
}
