package rocketdata

import (
	"weak"

	"github.com/plivesey/rocketdata/model"
)

// Listener is any component registered with the engine to receive model
// updates. CurrentModel must be fast, must be safe to call from the engine's
// delivery goroutine, and must not call back into the engine. A nil newModel
// in ModelUpdated signals deletion.
type Listener interface {
	CurrentModel() model.Node
	ModelUpdated(newModel model.Node, changes model.Changes, context any)
}

// TimestampedListener is implemented by listeners that gate writes with the
// logical clock (the data-holder layer). The engine prefers ModelUpdatedAt
// when available; ts is the timestamp of the submission the delivery was
// computed from.
type TimestampedListener interface {
	Listener
	ModelUpdatedAt(ts uint64, newModel model.Node, changes model.Changes, context any)
}

// ChangeKind tells a global listener what happened to one identity.
type ChangeKind int

const (
	KindChanged ChangeKind = iota
	KindDeleted
)

// GlobalListener receives every accepted submission in the system, keyed by
// identity. Used for cross-cutting features such as materializing an entity
// the moment it first appears anywhere.
type GlobalListener interface {
	GlobalModelUpdated(cm *Manager, submitted model.Node, changes map[string]ChangeKind, context any)
}

// The registry never owns listeners: it stores weak handles and revives them
// per use. weakRef erases the concrete type the generic registration
// functions capture, so heterogeneous listeners share one registry.
type weakRef interface {
	// value returns the live *T as any, or nil once it was collected.
	value() any
}

type weakOf[T any] struct {
	p weak.Pointer[T]
}

func (w weakOf[T]) value() any {
	v := w.p.Value()
	if v == nil {
		return nil
	}
	return v
}

func makeRef[T any](ptr *T) weakRef {
	return weakOf[T]{p: weak.Make(ptr)}
}

func refListener(r weakRef) Listener {
	v := r.value()
	if v == nil {
		return nil
	}
	l, _ := v.(Listener)
	return l
}

func refGlobal(r weakRef) GlobalListener {
	v := r.value()
	if v == nil {
		return nil
	}
	g, _ := v.(GlobalListener)
	return g
}

// sameRef reports whether r still points at target. target must be the
// listener boxed as an interface, so the comparison is by pointer identity.
func sameRef(r weakRef, target any) bool {
	v := r.value()
	return v != nil && v == target
}
