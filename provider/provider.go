// Package provider implements the per-observer data holders built on the
// consistency engine: a single-item DataProvider and an ordered
// CollectionDataProvider, both gating every externally visible write with the
// engine's logical clock so a stale write is always a silent no-op.
package provider

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/plivesey/rocketdata"
	"github.com/plivesey/rocketdata/cache"
	"github.com/plivesey/rocketdata/model"
	"github.com/plivesey/rocketdata/utils"
)

// Delegate is notified after a provider accepted an engine delivery.
type Delegate interface {
	DataUpdated(p *DataProvider, changes model.Changes, context any)
}

// DataProvider holds one observer's model together with the timestamp of its
// last accepted write. Writes older than that timestamp are rejected; that is
// the mechanism discarding engine deliveries computed from superseded
// snapshots and cache fetches that resolve too late.
type DataProvider struct {
	cm    *rocketdata.Manager
	store cache.Cache

	// Log receives cache write-through failures. Defaults to a warn-level
	// logger; replace it before the first write to route or silence it.
	Log utils.Logger

	Delegate Delegate

	mu          sync.Mutex
	data        model.Node
	lastUpdated uint64
	cacheKey    string
	fetch       uuid.UUID
}

func New(cm *rocketdata.Manager, store cache.Cache) *DataProvider {
	return &DataProvider{
		cm:    cm,
		store: store,
		Log:   utils.NewDefaultLogger(slog.LevelWarn),
	}
}

func (p *DataProvider) Data() model.Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data
}

// LastUpdated returns the timestamp of the last accepted write, or
// rocketdata.TimeNever if the provider never received data.
func (p *DataProvider) LastUpdated() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastUpdated
}

// SetData is the manual write path: it stamps the value with a fresh clock
// time, forwards it to the cache, re-registers with the engine against the
// new tree, and broadcasts the change to every other observer.
func (p *DataProvider) SetData(n model.Node, cacheKey string, appContext any) {
	ts := p.cm.Clock().Next()
	p.mu.Lock()
	if p.lastUpdated >= ts {
		p.mu.Unlock()
		return
	}
	p.data = n
	p.lastUpdated = ts
	p.cacheKey = cacheKey
	p.fetch = uuid.Nil // supersede any in-flight fetch
	p.mu.Unlock()

	if p.store != nil && cacheKey != "" {
		p.cm.DispatchIO(func() {
			if err := p.store.Put(context.Background(), cacheKey, n); err != nil {
				p.Log.Warn("cache put failed", "key", cacheKey, "err", err)
			}
		})
	}
	rocketdata.AddListener(p.cm, p)
	if n != nil {
		p.cm.UpdateModel(n, appContext)
	}
}

// Fetch resolves the key through the cache. The clock time at which the
// fetch was initiated is recorded; if the holder advances past it before the
// fetch resolves, the fetched value is discarded and the already-current
// in-memory value is returned instead. Cache errors pass through verbatim.
func (p *DataProvider) Fetch(ctx context.Context, key string, completion func(model.Node, error)) {
	if p.store == nil {
		completion(nil, nil)
		return
	}
	started := p.cm.Clock().Last()
	token := uuid.New()
	p.mu.Lock()
	p.fetch = token
	p.cacheKey = key
	p.mu.Unlock()

	p.store.Get(ctx, key, func(n model.Node, err error) {
		// completions may arrive on any goroutine; re-home first
		p.cm.Dispatch(func() {
			if err != nil {
				completion(nil, err)
				return
			}
			p.mu.Lock()
			if p.fetch != token || p.lastUpdated > started {
				current := p.data
				p.mu.Unlock()
				completion(current, nil)
				return
			}
			p.fetch = uuid.Nil
			if n == nil {
				p.mu.Unlock()
				completion(nil, nil)
				return
			}
			p.data = n
			p.lastUpdated = p.cm.Clock().Next()
			p.mu.Unlock()

			rocketdata.AddListener(p.cm, p)
			completion(n, nil)
		})
	})
}

// CurrentModel implements rocketdata.Listener.
func (p *DataProvider) CurrentModel() model.Node {
	return p.Data()
}

// ModelUpdated implements rocketdata.Listener. The engine prefers
// ModelUpdatedAt; this path exists for callers delivering by hand.
func (p *DataProvider) ModelUpdated(n model.Node, changes model.Changes, appContext any) {
	p.ModelUpdatedAt(p.cm.Clock().Last(), n, changes, appContext)
}

// ModelUpdatedAt implements rocketdata.TimestampedListener: the timestamp
// gate every engine delivery passes through.
func (p *DataProvider) ModelUpdatedAt(ts uint64, n model.Node, changes model.Changes, appContext any) {
	p.mu.Lock()
	if p.lastUpdated >= ts {
		p.mu.Unlock()
		return
	}
	p.data = n
	p.lastUpdated = ts
	key := p.cacheKey
	delegate := p.Delegate
	p.mu.Unlock()

	// write-through runs on the I/O worker; a slow store must not stall the
	// delivery goroutine
	if p.store != nil && key != "" {
		p.cm.DispatchIO(func() {
			var err error
			if n == nil {
				err = p.store.Delete(context.Background(), key)
			} else {
				err = p.store.Put(context.Background(), key, n)
			}
			if err != nil {
				p.Log.Warn("cache write-through failed", "key", key, "err", err)
			}
		})
	}
	if delegate != nil {
		delegate.DataUpdated(p, changes, appContext)
	}
}
