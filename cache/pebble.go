package cache

import (
	"context"
	"encoding/binary"

	"github.com/cespare/xxhash"
	"github.com/cockroachdb/pebble"
	"github.com/learn-decentralized-systems/toytlv"
	"github.com/pkg/errors"

	"github.com/plivesey/rocketdata/model"
)

var ErrBadRecord = errors.New("[rocketdata] malformed cache record")

// PebbleCache is a durable Cache on top of a pebble store. Values are
// codec-encoded and TLV-framed: 'S' records for single items, a run of 'E'
// records for collections. Reads run on their own goroutine, so completions
// arrive asynchronously, on an arbitrary goroutine, per the Cache contract.
type PebbleCache struct {
	db    *pebble.DB
	codec Codec
}

func OpenPebble(dir string, codec Codec) (*PebbleCache, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "opening cache store")
	}
	return &PebbleCache{db: db, codec: codec}, nil
}

func (c *PebbleCache) Close() error {
	return c.db.Close()
}

// Keys are hashed to a fixed width so arbitrary application keys cannot
// bloat the key space.
func itemKey(key string) []byte {
	var k [9]byte
	k[0] = 'S'
	binary.BigEndian.PutUint64(k[1:], xxhash.Sum64String(key))
	return k[:]
}

func collectionKey(key string) []byte {
	var k [9]byte
	k[0] = 'C'
	binary.BigEndian.PutUint64(k[1:], xxhash.Sum64String(key))
	return k[:]
}

func (c *PebbleCache) Get(ctx context.Context, key string, completion func(model.Node, error)) {
	go func() {
		value, closer, err := c.db.Get(itemKey(key))
		if err == pebble.ErrNotFound {
			completion(nil, nil)
			return
		}
		if err != nil {
			completion(nil, errors.Wrap(err, "cache get"))
			return
		}
		stored := make([]byte, len(value))
		copy(stored, value)
		_ = closer.Close()

		body, _ := toytlv.Take('S', stored)
		if body == nil {
			completion(nil, ErrBadRecord)
			return
		}
		n, err := c.codec.Decode(body)
		completion(n, err)
	}()
}

func (c *PebbleCache) Put(ctx context.Context, key string, value model.Node) error {
	enc, err := c.codec.Encode(value)
	if err != nil {
		return errors.Wrap(err, "cache encode")
	}
	return errors.Wrap(c.db.Set(itemKey(key), toytlv.Record('S', enc), pebble.Sync), "cache put")
}

func (c *PebbleCache) Delete(ctx context.Context, key string) error {
	return errors.Wrap(c.db.Delete(itemKey(key), pebble.Sync), "cache delete")
}

func (c *PebbleCache) GetCollection(ctx context.Context, key string, completion func([]model.Node, error)) {
	go func() {
		value, closer, err := c.db.Get(collectionKey(key))
		if err == pebble.ErrNotFound {
			completion(nil, nil)
			return
		}
		if err != nil {
			completion(nil, errors.Wrap(err, "cache get collection"))
			return
		}
		stored := make([]byte, len(value))
		copy(stored, value)
		_ = closer.Close()

		var values []model.Node
		rest := stored
		for len(rest) > 0 {
			var body []byte
			body, rest = toytlv.Take('E', rest)
			if body == nil {
				completion(nil, ErrBadRecord)
				return
			}
			n, err := c.codec.Decode(body)
			if err != nil {
				completion(nil, err)
				return
			}
			values = append(values, n)
		}
		completion(values, nil)
	}()
}

func (c *PebbleCache) PutCollection(ctx context.Context, key string, values []model.Node) error {
	var recs [][]byte
	for _, v := range values {
		enc, err := c.codec.Encode(v)
		if err != nil {
			return errors.Wrap(err, "cache encode")
		}
		recs = append(recs, toytlv.Record('E', enc))
	}
	return errors.Wrap(c.db.Set(collectionKey(key), toytlv.Concat(recs...), pebble.Sync), "cache put collection")
}

func (c *PebbleCache) DeleteCollection(ctx context.Context, key string) error {
	return errors.Wrap(c.db.Delete(collectionKey(key), pebble.Sync), "cache delete collection")
}
