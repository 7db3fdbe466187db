// Package rocketdata is an in-process consistency engine for immutable,
// tree-shaped domain models shared by many independent observers. Every
// observer holding a copy of a model, identified by a globally unique
// identity string, eventually sees a structurally merged, up-to-date version,
// with no observer ever receiving a stale update after a newer one and at
// most one notification per observer per accepted submission.
package rocketdata

import (
	"log/slog"
	"sync"
	"time"

	"github.com/plivesey/rocketdata/model"
	"github.com/plivesey/rocketdata/utils"
)

type Options struct {
	Log utils.Logger

	// Assert receives protocol violations: wrong concrete type out of
	// MapChildren, projections without a merge override, deleting an
	// anonymous node. Non-fatal; the offending operation degrades to a
	// best-effort no-op. Defaults to logging at Error level.
	Assert func(err error, args ...any)

	// SweepInterval is how often dead registry entries are pruned in the
	// background. Zero picks the default, negative disables the sweep.
	SweepInterval time.Duration
}

const defaultSweepInterval = time.Minute

func (o *Options) SetDefaults() {
	if o.Log == nil {
		o.Log = utils.NewDefaultLogger(slog.LevelWarn)
	}
	if o.Assert == nil {
		log := o.Log
		o.Assert = func(err error, args ...any) {
			log.Error("consistency violation", append([]any{"err", err}, args...)...)
		}
	}
	if o.SweepInterval == 0 {
		o.SweepInterval = defaultSweepInterval
	}
}

// Manager is the consistency engine. All submissions are processed in FIFO
// order on a single serialized processing queue; all deliveries and all reads
// of listener state happen on a single delivery goroutine. The registry is
// touched only from the processing queue, the paused set only under its own
// small mutex, so no lock covers observer state as a whole.
type Manager struct {
	opts  Options
	clock Clock

	proc   *utils.SerialExecutor
	deliv  *utils.SerialExecutor
	io     *utils.SerialExecutor
	done   chan struct{}
	closed sync.Once

	// identity -> weak listener handles; processing queue only
	listeners map[string][]weakRef
	globals   []weakRef

	pmu    sync.Mutex
	paused []*pausedEntry

	tmu      sync.Mutex
	inflight map[*utils.Token]struct{}

	sweep *time.Ticker
}

func New(opts Options) *Manager {
	opts.SetDefaults()
	cm := &Manager{
		opts:      opts,
		proc:      utils.NewSerialExecutor(),
		deliv:     utils.NewSerialExecutor(),
		io:        utils.NewSerialExecutor(),
		done:      make(chan struct{}),
		listeners: make(map[string][]weakRef),
		inflight:  make(map[*utils.Token]struct{}),
	}
	if opts.SweepInterval > 0 {
		cm.sweep = time.NewTicker(opts.SweepInterval)
		go cm.keepSweeping()
	}
	return cm
}

// Clock exposes the engine's logical clock so data holders can stamp their
// own writes with it.
func (cm *Manager) Clock() *Clock {
	return &cm.clock
}

func (cm *Manager) Close() error {
	cm.closed.Do(func() {
		if cm.sweep != nil {
			cm.sweep.Stop()
		}
		close(cm.done)
		cm.CancelAllTasks()
		_ = cm.proc.Close()
		_ = cm.deliv.Close()
		_ = cm.io.Close()
	})
	return nil
}

// AddListener registers l against its current model's identity and every
// descendant identity. No-op if the current model is absent. The registry
// keeps only a weak handle; the application stays the sole owner of l.
func AddListener[T any, L interface {
	*T
	Listener
}](cm *Manager, l L) {
	ref := makeRef((*T)(l))
	live := Listener(l)
	cm.deliv.Enqueue(nil, func() {
		root := live.CurrentModel()
		if root == nil {
			return
		}
		ids := model.Identities(root)
		cm.proc.Enqueue(nil, func() {
			cm.register(ref, ids)
		})
	})
}

// AddListenerTo registers l against an explicit node instead of its whole
// current model. Used when only part of a model changed and re-walking the
// full tree would be wasteful.
func AddListenerTo[T any, L interface {
	*T
	Listener
}](cm *Manager, l L, root model.Node) {
	if root == nil {
		return
	}
	ref := makeRef((*T)(l))
	ids := model.Identities(root)
	cm.proc.Enqueue(nil, func() {
		cm.register(ref, ids)
	})
}

// RemoveListener drops every registration for l. The removal task holds only
// a weak handle, so a listener mid-teardown is never kept alive just to be
// removed; if it was already collected the sweep covers it.
func RemoveListener[T any, L interface {
	*T
	Listener
}](cm *Manager, l L) {
	ref := makeRef((*T)(l))
	cm.proc.Enqueue(nil, func() {
		target := ref.value()
		for id, slot := range cm.listeners {
			live := slot[:0]
			for _, r := range slot {
				v := r.value()
				if v == nil || (target != nil && v == target) {
					continue
				}
				live = append(live, r)
			}
			if len(live) == 0 {
				delete(cm.listeners, id)
			} else {
				cm.listeners[id] = live
			}
		}
	})
}

// AddGlobalListener registers g to receive every accepted changelist.
func AddGlobalListener[T any, G interface {
	*T
	GlobalListener
}](cm *Manager, g G) {
	ref := makeRef((*T)(g))
	cm.proc.Enqueue(nil, func() {
		for _, r := range cm.globals {
			if sameRef(r, any(g)) {
				return
			}
		}
		cm.globals = append(cm.globals, ref)
	})
}

func RemoveGlobalListener[T any, G interface {
	*T
	GlobalListener
}](cm *Manager, g G) {
	target := any(g)
	cm.proc.Enqueue(nil, func() {
		live := cm.globals[:0]
		for _, r := range cm.globals {
			if r.value() == nil || sameRef(r, target) {
				continue
			}
			live = append(live, r)
		}
		cm.globals = live
	})
}

// UpdateModel submits a new or changed node. Every registered listener whose
// model shares an identity with the submitted tree is recomputed by a
// structural merge and notified once, on the delivery goroutine, with the
// new model and a changelist.
func (cm *Manager) UpdateModel(n model.Node, context any) {
	if n == nil {
		cm.opts.Assert(ErrNilModel)
		return
	}
	ts := cm.clock.Next()
	tok := cm.newToken()
	if !cm.proc.Enqueue(tok, func() {
		cm.process(tok, n, nil, ts, context)
	}) {
		cm.releaseToken(tok)
		cm.opts.Assert(ErrClosed, "op", "UpdateModel")
	}
}

// DeleteModel removes the submitted node's identity everywhere. Models whose
// required children disappear are deleted too (cascading delete); optional
// children are simply dropped from the rebuilt parents.
func (cm *Manager) DeleteModel(n model.Node, context any) {
	if n == nil {
		cm.opts.Assert(ErrNilModel)
		return
	}
	id := n.Identity()
	if id == "" {
		cm.opts.Assert(ErrDeleteAnonymous, "type", typeName(n))
		return
	}
	ts := cm.clock.Next()
	tok := cm.newToken()
	if !cm.proc.Enqueue(tok, func() {
		cm.process(tok, nil, map[string]struct{}{id: {}}, ts, context)
	}) {
		cm.releaseToken(tok)
		cm.opts.Assert(ErrClosed, "op", "DeleteModel")
	}
}

// CleanUnusedMemory eagerly prunes dead weak handles from the registry.
// It runs periodically and can be invoked on low-memory signals from the
// host environment.
func (cm *Manager) CleanUnusedMemory() {
	cm.proc.Enqueue(nil, func() {
		for id, slot := range cm.listeners {
			live := slot[:0]
			for _, r := range slot {
				if r.value() != nil {
					live = append(live, r)
				}
			}
			if len(live) == 0 {
				delete(cm.listeners, id)
			} else {
				cm.listeners[id] = live
			}
		}
		live := cm.globals[:0]
		for _, r := range cm.globals {
			if r.value() != nil {
				live = append(live, r)
			}
		}
		cm.globals = live
	})
	cm.pmu.Lock()
	livePaused := cm.paused[:0]
	for _, e := range cm.paused {
		if e.ref.value() != nil {
			livePaused = append(livePaused, e)
		}
	}
	cm.paused = livePaused
	cm.pmu.Unlock()
}

// Dispatch runs fn on the delivery goroutine. Cache completions use it to
// re-home before touching observer state.
func (cm *Manager) Dispatch(fn func()) {
	cm.deliv.Enqueue(nil, fn)
}

// DispatchIO runs fn on the cache I/O worker, off both the submitting caller
// and the delivery goroutine. Data holders use it for write-through so a slow
// store never stalls deliveries.
func (cm *Manager) DispatchIO(fn func()) {
	cm.io.Enqueue(nil, fn)
}

// CancelAllTasks cancels every enqueued-but-unfinished submission. A task
// cancelled mid-flight produces no observable effect. Meant for teardown.
func (cm *Manager) CancelAllTasks() {
	cm.tmu.Lock()
	for tok := range cm.inflight {
		tok.Cancel()
	}
	cm.tmu.Unlock()
	cm.proc.CancelPending()
	cm.deliv.CancelPending()
	cm.io.CancelPending()
}

// Settle blocks until every pending submission has been fully processed,
// delivered, and written through. A drained executor may have handed work to
// the other one, so loop until a full pass leaves all of them idle. Test
// harnesses use it to drain the pipeline; production callers never wait.
func (cm *Manager) Settle() {
	for {
		cm.proc.Drain()
		cm.deliv.Drain()
		cm.io.Drain()
		if !cm.proc.Busy() && !cm.deliv.Busy() && !cm.io.Busy() {
			return
		}
	}
}

func (cm *Manager) keepSweeping() {
	for {
		select {
		case <-cm.sweep.C:
			cm.CleanUnusedMemory()
		case <-cm.done:
			return
		}
	}
}

func (cm *Manager) newToken() *utils.Token {
	tok := &utils.Token{}
	cm.tmu.Lock()
	cm.inflight[tok] = struct{}{}
	cm.tmu.Unlock()
	return tok
}

func (cm *Manager) releaseToken(tok *utils.Token) {
	cm.tmu.Lock()
	delete(cm.inflight, tok)
	cm.tmu.Unlock()
}

// register adds ref under each identity, pruning dead slots it walks.
// Processing queue only.
func (cm *Manager) register(ref weakRef, ids map[string]struct{}) {
	if ref.value() == nil {
		return
	}
	for id := range ids {
		slot := cm.listeners[id]
		exists := false
		live := make([]weakRef, 0, len(slot)+1)
		for _, r := range slot {
			if r.value() == nil {
				continue
			}
			if r == ref {
				exists = true
			}
			live = append(live, r)
		}
		if !exists {
			live = append(live, ref)
		}
		cm.listeners[id] = live
	}
}

// touchedRefs collects the distinct listeners registered against any of the
// identities, pruning dead slots it walks. Processing queue only.
func (cm *Manager) touchedRefs(ids map[string]struct{}) []weakRef {
	seen := make(map[weakRef]struct{})
	var refs []weakRef
	for id := range ids {
		slot, ok := cm.listeners[id]
		if !ok {
			continue
		}
		live := slot[:0]
		for _, r := range slot {
			if r.value() == nil {
				continue
			}
			live = append(live, r)
			if _, dup := seen[r]; !dup {
				seen[r] = struct{}{}
				refs = append(refs, r)
			}
		}
		if len(live) == 0 {
			delete(cm.listeners, id)
		} else {
			cm.listeners[id] = live
		}
	}
	return refs
}

type snapshot struct {
	ref   weakRef
	model model.Node
}

type delivery struct {
	ref      weakRef
	snapshot model.Node
	next     model.Node
	changes  model.Changes
}

// process is one submission, start to finish. It runs on the processing
// queue and deliberately blocks it while the delivery goroutine takes the
// listener snapshots: no later submission may snapshot before this one's
// deliveries are enqueued, which is what makes deliveries arrive in
// submission order.
func (cm *Manager) process(tok *utils.Token, submitted model.Node, deleted map[string]struct{}, ts uint64, context any) {
	defer cm.releaseToken(tok)

	u := updateSet{
		projections: model.Flatten(submitted),
		deleted:     deleted,
	}
	touched := make(map[string]struct{}, len(u.projections)+len(deleted))
	for id := range u.projections {
		touched[id] = struct{}{}
	}
	for id := range deleted {
		touched[id] = struct{}{}
	}
	refs := cm.touchedRefs(touched)

	snaps := cm.collectSnapshots(tok, refs)
	if tok.Cancelled() {
		return
	}

	var deliveries []delivery
	for _, s := range snaps {
		if s.model == nil {
			continue
		}
		changes := model.NewChanges()
		next, present := cm.applyTo(s.model, u, changes)
		if !present {
			next = nil
		}
		changes.Normalize()
		if changes.Empty() {
			continue
		}
		if next != nil {
			// register against identities the update introduced
			fresh := model.Identities(next)
			for id := range model.Identities(s.model) {
				delete(fresh, id)
			}
			if len(fresh) > 0 {
				cm.register(s.ref, fresh)
			}
		}
		deliveries = append(deliveries, delivery{s.ref, s.model, next, changes})
	}

	globals := make([]weakRef, len(cm.globals))
	copy(globals, cm.globals)
	perIdentity := make(map[string]ChangeKind, len(touched))
	for id := range u.projections {
		perIdentity[id] = KindChanged
	}
	for id := range deleted {
		perIdentity[id] = KindDeleted
	}

	cm.deliv.Enqueue(tok, func() {
		if tok.Cancelled() {
			return
		}
		for _, d := range deliveries {
			l := refListener(d.ref)
			if l == nil {
				continue
			}
			if staleSnapshot(l.CurrentModel(), d.snapshot) {
				cm.opts.Log.Debug("discarding delivery computed from a superseded snapshot",
					"changes", d.changes.String())
				continue
			}
			cm.deliverGated(l, d.next, d.changes, ts, context)
		}
		for _, g := range globals {
			if gl := refGlobal(g); gl != nil {
				gl.GlobalModelUpdated(cm, submitted, perIdentity, context)
			}
		}
	})
}

// collectSnapshots reads every touched listener's current model on the
// delivery goroutine and hands the result back to the processing queue.
func (cm *Manager) collectSnapshots(tok *utils.Token, refs []weakRef) []snapshot {
	ch := make(chan []snapshot, 1)
	ok := cm.deliv.Enqueue(nil, func() {
		if tok.Cancelled() {
			ch <- nil
			return
		}
		snaps := make([]snapshot, 0, len(refs))
		for _, r := range refs {
			l := refListener(r)
			if l == nil {
				continue
			}
			m := l.CurrentModel()
			// a paused listener has not applied its captured deliveries yet;
			// recompute from the record's model or the coalescing would
			// short-circuit against a stale value
			if pm, ok := cm.pausedModel(l); ok {
				m = pm
			}
			snaps = append(snaps, snapshot{ref: r, model: m})
		}
		ch <- snaps
	})
	if !ok {
		return nil
	}
	select {
	case snaps := <-ch:
		return snaps
	case <-cm.done:
		return nil
	}
}

// staleSnapshot reports whether the listener's model moved to a different
// identity between snapshot and delivery; something else updated it first,
// so this delivery must be discarded rather than applied.
func staleSnapshot(current, snap model.Node) bool {
	if (current == nil) != (snap == nil) {
		return true
	}
	return current != nil && current.Identity() != snap.Identity()
}

func (cm *Manager) deliver(l Listener, n model.Node, ch model.Changes, ts uint64, context any) {
	if tl, ok := l.(TimestampedListener); ok {
		tl.ModelUpdatedAt(ts, n, ch, context)
		return
	}
	l.ModelUpdated(n, ch, context)
}

func typeName(n model.Node) string {
	if n == nil {
		return "<nil>"
	}
	return reflectTypeName(n)
}
