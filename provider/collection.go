package provider

import (
	"context"
	"log/slog"
	"sync"

	"github.com/plivesey/rocketdata"
	"github.com/plivesey/rocketdata/cache"
	"github.com/plivesey/rocketdata/model"
	"github.com/plivesey/rocketdata/utils"
)

type CollectionChangeKind int

const (
	CollectionInsert CollectionChangeKind = iota
	CollectionUpdate
	CollectionRemove
)

// CollectionChange is one index-level delta of a collection, precise enough
// for callers to animate insertions and removals.
type CollectionChange struct {
	Kind  CollectionChangeKind
	Index int
}

// CollectionDelegate is notified when a collection changed underneath its
// owner: an engine delivery, or a sibling provider sharing the cache key.
type CollectionDelegate interface {
	CollectionUpdated(p *CollectionDataProvider, changes []CollectionChange, context any)
}

// CollectionDataProvider holds an ordered list of models under one cache key.
// Local mutations are index-based; every element is kept consistent through
// the engine, and providers sharing a cache key mirror each other's deltas
// directly, without a cache round-trip.
type CollectionDataProvider struct {
	cm     *rocketdata.Manager
	store  cache.Cache
	shared *SharedCollectionManager

	// Log receives cache write-through failures. Defaults to a warn-level
	// logger; replace it before the first write to route or silence it.
	Log utils.Logger

	Delegate CollectionDelegate

	mu          sync.Mutex
	elements    []model.Node
	lastUpdated uint64
	cacheKey    string
}

func NewCollection(cm *rocketdata.Manager, store cache.Cache, shared *SharedCollectionManager) *CollectionDataProvider {
	return &CollectionDataProvider{cm: cm, store: store, shared: shared, Log: utils.NewDefaultLogger(slog.LevelWarn)}
}

func (p *CollectionDataProvider) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.elements)
}

func (p *CollectionDataProvider) Element(i int) model.Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.elements) {
		return nil
	}
	return p.elements[i]
}

func (p *CollectionDataProvider) Elements() []model.Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.Node, len(p.elements))
	copy(out, p.elements)
	return out
}

func (p *CollectionDataProvider) LastUpdated() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastUpdated
}

func (p *CollectionDataProvider) CacheKey() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cacheKey
}

// SetData replaces the whole collection and binds it to cacheKey.
func (p *CollectionDataProvider) SetData(elements []model.Node, cacheKey string, appContext any) {
	ts := p.cm.Clock().Next()
	stored := make([]model.Node, len(elements))
	copy(stored, elements)

	p.mu.Lock()
	if p.lastUpdated >= ts {
		p.mu.Unlock()
		return
	}
	p.elements = stored
	p.lastUpdated = ts
	p.cacheKey = cacheKey
	p.mu.Unlock()

	if p.shared != nil && cacheKey != "" {
		p.shared.register(cacheKey, p)
	}
	p.writeThrough(cacheKey, stored)
	rocketdata.AddListener(p.cm, p)
	p.cm.UpdateModel(&collectionNode{elems: stored}, appContext)
}

// Insert places n at index and propagates: cache, same-key siblings, engine.
func (p *CollectionDataProvider) Insert(n model.Node, index int, appContext any) {
	ts := p.cm.Clock().Next()
	p.mu.Lock()
	if index < 0 || index > len(p.elements) || p.lastUpdated >= ts {
		p.mu.Unlock()
		return
	}
	p.elements = append(p.elements[:index], append([]model.Node{n}, p.elements[index:]...)...)
	p.lastUpdated = ts
	key := p.cacheKey
	stored := p.snapshotLocked()
	p.mu.Unlock()

	p.writeThrough(key, stored)
	if p.shared != nil && key != "" {
		p.shared.broadcast(p, key, CollectionChange{Kind: CollectionInsert, Index: index}, n, ts, appContext)
	}
	rocketdata.AddListener(p.cm, p)
	p.cm.UpdateModel(n, appContext)
}

// Update replaces the element at index.
func (p *CollectionDataProvider) Update(n model.Node, index int, appContext any) {
	ts := p.cm.Clock().Next()
	p.mu.Lock()
	if index < 0 || index >= len(p.elements) || p.lastUpdated >= ts {
		p.mu.Unlock()
		return
	}
	p.elements[index] = n
	p.lastUpdated = ts
	key := p.cacheKey
	stored := p.snapshotLocked()
	p.mu.Unlock()

	p.writeThrough(key, stored)
	if p.shared != nil && key != "" {
		p.shared.broadcast(p, key, CollectionChange{Kind: CollectionUpdate, Index: index}, n, ts, appContext)
	}
	p.cm.UpdateModel(n, appContext)
}

// Remove drops the element at index. Removal from one collection is not a
// global delete, so nothing is submitted to the engine; other holders of the
// element keep it.
func (p *CollectionDataProvider) Remove(index int, appContext any) {
	ts := p.cm.Clock().Next()
	p.mu.Lock()
	if index < 0 || index >= len(p.elements) || p.lastUpdated >= ts {
		p.mu.Unlock()
		return
	}
	p.elements = append(p.elements[:index], p.elements[index+1:]...)
	p.lastUpdated = ts
	key := p.cacheKey
	stored := p.snapshotLocked()
	p.mu.Unlock()

	p.writeThrough(key, stored)
	if p.shared != nil && key != "" {
		p.shared.broadcast(p, key, CollectionChange{Kind: CollectionRemove, Index: index}, nil, ts, appContext)
	}
}

// FetchCollection resolves the key through the cache, with the same
// initiation-time staleness rule as DataProvider.Fetch.
func (p *CollectionDataProvider) FetchCollection(ctx context.Context, key string, completion func([]model.Node, error)) {
	if p.store == nil {
		completion(nil, nil)
		return
	}
	started := p.cm.Clock().Last()
	p.store.GetCollection(ctx, key, func(values []model.Node, err error) {
		p.cm.Dispatch(func() {
			if err != nil {
				completion(nil, err)
				return
			}
			p.mu.Lock()
			if p.lastUpdated > started {
				current := p.snapshotLocked()
				p.mu.Unlock()
				completion(current, nil)
				return
			}
			if values == nil {
				p.mu.Unlock()
				completion(nil, nil)
				return
			}
			p.elements = values
			p.lastUpdated = p.cm.Clock().Next()
			p.cacheKey = key
			p.mu.Unlock()

			if p.shared != nil {
				p.shared.register(key, p)
			}
			rocketdata.AddListener(p.cm, p)
			completion(values, nil)
		})
	})
}

// CurrentModel implements rocketdata.Listener via the composite node.
func (p *CollectionDataProvider) CurrentModel() model.Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &collectionNode{elems: p.snapshotLocked()}
}

func (p *CollectionDataProvider) ModelUpdated(n model.Node, changes model.Changes, appContext any) {
	p.ModelUpdatedAt(p.cm.Clock().Last(), n, changes, appContext)
}

func (p *CollectionDataProvider) ModelUpdatedAt(ts uint64, n model.Node, changes model.Changes, appContext any) {
	cn, ok := n.(*collectionNode)
	if !ok {
		return
	}
	p.mu.Lock()
	if p.lastUpdated >= ts {
		p.mu.Unlock()
		return
	}
	deltas := diffElements(p.elements, cn.elems)
	p.elements = cn.elems
	p.lastUpdated = ts
	key := p.cacheKey
	stored := p.snapshotLocked()
	delegate := p.Delegate
	p.mu.Unlock()

	p.writeThrough(key, stored)
	if delegate != nil && len(deltas) > 0 {
		delegate.CollectionUpdated(p, deltas, appContext)
	}
}

// applySibling mirrors one delta from a provider sharing the cache key,
// gated by the same timestamp rule as every other write.
func (p *CollectionDataProvider) applySibling(change CollectionChange, n model.Node, ts uint64, appContext any) {
	p.mu.Lock()
	if p.lastUpdated >= ts {
		p.mu.Unlock()
		return
	}
	switch change.Kind {
	case CollectionInsert:
		if change.Index < 0 || change.Index > len(p.elements) {
			p.mu.Unlock()
			return
		}
		p.elements = append(p.elements[:change.Index], append([]model.Node{n}, p.elements[change.Index:]...)...)
	case CollectionUpdate:
		if change.Index < 0 || change.Index >= len(p.elements) {
			p.mu.Unlock()
			return
		}
		p.elements[change.Index] = n
	case CollectionRemove:
		if change.Index < 0 || change.Index >= len(p.elements) {
			p.mu.Unlock()
			return
		}
		p.elements = append(p.elements[:change.Index], p.elements[change.Index+1:]...)
	}
	p.lastUpdated = ts
	delegate := p.Delegate
	p.mu.Unlock()

	rocketdata.AddListener(p.cm, p)
	if delegate != nil {
		delegate.CollectionUpdated(p, []CollectionChange{change}, appContext)
	}
}

func (p *CollectionDataProvider) snapshotLocked() []model.Node {
	out := make([]model.Node, len(p.elements))
	copy(out, p.elements)
	return out
}

// writeThrough persists the snapshot on the I/O worker; mutations and engine
// deliveries never wait on the store.
func (p *CollectionDataProvider) writeThrough(key string, elements []model.Node) {
	if p.store == nil || key == "" {
		return
	}
	p.cm.DispatchIO(func() {
		if err := p.store.PutCollection(context.Background(), key, elements); err != nil {
			p.Log.Warn("cache write-through failed", "key", key, "err", err)
		}
	})
}

// diffElements aligns old and new by identity and emits index-level deltas.
// The engine only updates or removes elements, never inserts, so a simple
// two-pointer walk suffices.
func diffElements(old, next []model.Node) []CollectionChange {
	var changes []CollectionChange
	i, j := 0, 0
	for i < len(old) {
		if j < len(next) && old[i].Identity() == next[j].Identity() {
			if !old[i].IsEqual(next[j]) {
				changes = append(changes, CollectionChange{Kind: CollectionUpdate, Index: j})
			}
			i++
			j++
			continue
		}
		changes = append(changes, CollectionChange{Kind: CollectionRemove, Index: j})
		i++
	}
	return changes
}

// collectionNode is the composite the provider registers with the engine: an
// anonymous ordered list whose children are all optional, so deleting an
// element drops it from the list instead of cascading.
type collectionNode struct {
	elems []model.Node
}

func (c *collectionNode) Identity() string { return "" }

func (c *collectionNode) IsEqual(other model.Node) bool {
	o, ok := other.(*collectionNode)
	if !ok || len(o.elems) != len(c.elems) {
		return false
	}
	for i, e := range c.elems {
		if !e.IsEqual(o.elems[i]) {
			return false
		}
	}
	return true
}

func (c *collectionNode) ForEachChild(visit func(model.Node)) {
	for _, e := range c.elems {
		visit(e)
	}
}

func (c *collectionNode) MapChildren(transform func(model.Node) model.Node) model.Node {
	next := &collectionNode{}
	for _, e := range c.elems {
		if mapped := transform(e); mapped != nil {
			next.elems = append(next.elems, mapped)
		}
	}
	return next
}
