package provider

import (
	"sync"
	"weak"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/plivesey/rocketdata/model"
)

// SharedCollectionManager keeps collection providers that share a cache key
// mutually consistent without a full engine round-trip: a delta applied to
// one provider is replayed directly onto its same-process siblings, gated by
// each sibling's own timestamp. Providers are held weakly; dead handles are
// pruned whenever a key is walked.
type SharedCollectionManager struct {
	entries *xsync.MapOf[string, *sharedEntry]
}

type sharedEntry struct {
	mu   sync.Mutex
	refs []weak.Pointer[CollectionDataProvider]
}

func NewSharedCollectionManager() *SharedCollectionManager {
	return &SharedCollectionManager{
		entries: xsync.NewMapOf[string, *sharedEntry](),
	}
}

func (s *SharedCollectionManager) register(key string, p *CollectionDataProvider) {
	entry, _ := s.entries.LoadOrStore(key, &sharedEntry{})
	entry.mu.Lock()
	live := entry.refs[:0]
	exists := false
	for _, r := range entry.refs {
		v := r.Value()
		if v == nil {
			continue
		}
		if v == p {
			exists = true
		}
		live = append(live, r)
	}
	if !exists {
		live = append(live, weak.Make(p))
	}
	entry.refs = live
	entry.mu.Unlock()
}

// broadcast replays one delta onto every sibling registered under key.
func (s *SharedCollectionManager) broadcast(from *CollectionDataProvider, key string, change CollectionChange, n model.Node, ts uint64, appContext any) {
	entry, ok := s.entries.Load(key)
	if !ok {
		return
	}
	entry.mu.Lock()
	siblings := make([]*CollectionDataProvider, 0, len(entry.refs))
	live := entry.refs[:0]
	for _, r := range entry.refs {
		v := r.Value()
		if v == nil {
			continue
		}
		live = append(live, r)
		if v != from {
			siblings = append(siblings, v)
		}
	}
	entry.refs = live
	entry.mu.Unlock()

	for _, sib := range siblings {
		sib.applySibling(change, n, ts, appContext)
	}
}
