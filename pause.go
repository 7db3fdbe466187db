package rocketdata

import (
	"github.com/plivesey/rocketdata/model"
)

// pausedEntry redirects engine deliveries for one paused listener. The
// changelists of captured deliveries coalesce by set union; the model and
// context always track the latest delivery. Consumed and discarded on resume.
type pausedEntry struct {
	ref      weakRef
	latest   model.Node
	latestTS uint64
	context  any
	changes  model.Changes
	captured bool
}

func (e *pausedEntry) capture(n model.Node, ch model.Changes, ts uint64, context any) {
	e.changes.Merge(ch)
	e.latest = n
	e.latestTS = ts
	e.context = context
	e.captured = true
}

// PauseListener holds back deliveries for l until ResumeListener. Pausing an
// already-paused listener is a no-op.
func PauseListener[T any, L interface {
	*T
	Listener
}](cm *Manager, l L) {
	ref := makeRef((*T)(l))
	cm.pmu.Lock()
	if cm.pausedEntryLocked(any(l)) == nil {
		cm.paused = append(cm.paused, &pausedEntry{ref: ref, changes: model.NewChanges()})
	}
	cm.pmu.Unlock()
}

// ResumeListener replays at most one reconciled delivery covering everything
// captured while paused. Deliveries that net out to no change are dropped
// entirely. Resuming a listener that is not paused is a no-op.
func (cm *Manager) ResumeListener(l Listener) {
	target := any(l)
	var entry *pausedEntry
	cm.pmu.Lock()
	for i, e := range cm.paused {
		if sameRef(e.ref, target) {
			entry = e
			cm.paused = append(cm.paused[:i], cm.paused[i+1:]...)
			break
		}
	}
	cm.pmu.Unlock()
	if entry == nil || !entry.captured {
		return
	}

	cm.deliv.Enqueue(nil, func() {
		live := l.CurrentModel()
		finalFlat := model.Flatten(entry.latest)
		liveFlat := model.Flatten(live)

		// an identity that ends up unchanged nets out of "changed"
		for id := range entry.changes.Changed {
			finals, inFinal := finalFlat[id]
			if !inFinal {
				continue
			}
			if lives, inLive := liveFlat[id]; inLive && finals[0].IsEqual(lives[0]) {
				delete(entry.changes.Changed, id)
			}
		}
		// deleted then re-added is a net no-op
		for id := range entry.changes.Deleted {
			if _, inFinal := finalFlat[id]; inFinal {
				delete(entry.changes.Deleted, id)
			}
		}
		entry.changes.Normalize()
		if entry.changes.Empty() {
			return
		}
		cm.deliver(l, entry.latest, entry.changes, entry.latestTS, entry.context)
	})
}

// IsListenerPaused reports whether deliveries for l are currently captured.
func (cm *Manager) IsListenerPaused(l Listener) bool {
	target := any(l)
	cm.pmu.Lock()
	defer cm.pmu.Unlock()
	return cm.pausedEntryLocked(target) != nil
}

// pausedEntryLocked also prunes entries whose listener was collected.
// Callers hold pmu.
func (cm *Manager) pausedEntryLocked(target any) *pausedEntry {
	live := cm.paused[:0]
	var found *pausedEntry
	for _, e := range cm.paused {
		v := e.ref.value()
		if v == nil {
			continue
		}
		if v == target {
			found = e
		}
		live = append(live, e)
	}
	cm.paused = live
	return found
}

// pausedModel returns the model the engine should treat as current for l:
// the latest captured delivery, if l is paused and already captured one.
func (cm *Manager) pausedModel(l Listener) (model.Node, bool) {
	cm.pmu.Lock()
	defer cm.pmu.Unlock()
	e := cm.pausedEntryLocked(any(l))
	if e != nil && e.captured {
		return e.latest, true
	}
	return nil, false
}

// deliverGated is the single point every engine delivery passes through:
// paused listeners capture, active listeners get notified.
func (cm *Manager) deliverGated(l Listener, n model.Node, ch model.Changes, ts uint64, context any) {
	cm.pmu.Lock()
	if e := cm.pausedEntryLocked(any(l)); e != nil {
		e.capture(n, ch, ts, context)
		cm.pmu.Unlock()
		return
	}
	cm.pmu.Unlock()
	cm.deliver(l, n, ch, ts, context)
}
