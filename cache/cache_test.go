package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"

	"github.com/plivesey/rocketdata/model"
)

// note is a leaf model for cache tests.
type note struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

func newNote(num int, text string) *note {
	return &note{ID: fmt.Sprintf("Note:%d", num), Text: text}
}

func (n *note) Identity() string { return n.ID }

func (n *note) IsEqual(other model.Node) bool {
	o, ok := other.(*note)
	return ok && o.ID == n.ID && o.Text == n.Text
}

func (n *note) ForEachChild(visit func(model.Node)) {}

func (n *note) MapChildren(transform func(model.Node) model.Node) model.Node {
	return n
}

type noteCodec struct{}

func (noteCodec) Encode(n model.Node) ([]byte, error) {
	return json.Marshal(n)
}

func (noteCodec) Decode(data []byte) (model.Node, error) {
	n := &note{}
	if err := json.Unmarshal(data, n); err != nil {
		return nil, err
	}
	return n, nil
}

func TestMemory_ItemRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var got model.Node
	m.Get(ctx, "k", func(n model.Node, err error) {
		assert.NoError(t, err)
		got = n
	})
	assert.Nil(t, got)

	assert.NoError(t, m.Put(ctx, "k", newNote(1, "hello")))
	m.Get(ctx, "k", func(n model.Node, err error) { got = n })
	assert.True(t, got.IsEqual(newNote(1, "hello")))

	assert.NoError(t, m.Delete(ctx, "k"))
	m.Get(ctx, "k", func(n model.Node, err error) { got = n })
	assert.Nil(t, got)
}

func TestMemory_CollectionIsCopied(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	values := []model.Node{newNote(1, "a"), newNote(2, "b")}
	assert.NoError(t, m.PutCollection(ctx, "k", values))
	values[0] = newNote(1, "mutated")

	var got []model.Node
	m.GetCollection(ctx, "k", func(v []model.Node, err error) {
		assert.NoError(t, err)
		got = v
	})
	assert.Equal(t, 2, len(got))
	assert.True(t, got[0].IsEqual(newNote(1, "a")))

	// the returned slice is a copy too
	got[1] = newNote(2, "mutated")
	m.GetCollection(ctx, "k", func(v []model.Node, err error) { got = v })
	assert.True(t, got[1].IsEqual(newNote(2, "b")))
}

func TestPebble_ItemRoundTrip(t *testing.T) {
	c, err := OpenPebble(t.TempDir(), noteCodec{})
	assert.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	done := make(chan model.Node, 1)
	c.Get(ctx, "k", func(n model.Node, err error) {
		assert.NoError(t, err)
		done <- n
	})
	assert.Nil(t, <-done)

	assert.NoError(t, c.Put(ctx, "k", newNote(1, "hello")))
	c.Get(ctx, "k", func(n model.Node, err error) {
		assert.NoError(t, err)
		done <- n
	})
	assert.True(t, (<-done).IsEqual(newNote(1, "hello")))

	assert.NoError(t, c.Delete(ctx, "k"))
	c.Get(ctx, "k", func(n model.Node, err error) {
		assert.NoError(t, err)
		done <- n
	})
	assert.Nil(t, <-done)
}

func TestPebble_CollectionRoundTrip(t *testing.T) {
	c, err := OpenPebble(t.TempDir(), noteCodec{})
	assert.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	assert.NoError(t, c.PutCollection(ctx, "k", []model.Node{
		newNote(1, "a"), newNote(2, "b"), newNote(3, "c"),
	}))

	done := make(chan []model.Node, 1)
	c.GetCollection(ctx, "k", func(v []model.Node, err error) {
		assert.NoError(t, err)
		done <- v
	})
	got := <-done
	assert.Equal(t, 3, len(got))
	assert.True(t, got[0].IsEqual(newNote(1, "a")))
	assert.True(t, got[2].IsEqual(newNote(3, "c")))

	// item and collection key spaces do not collide
	itemDone := make(chan model.Node, 1)
	c.Get(ctx, "k", func(n model.Node, err error) {
		assert.NoError(t, err)
		itemDone <- n
	})
	assert.Nil(t, <-itemDone)
}

func TestPebble_BadRecordSurfaces(t *testing.T) {
	c, err := OpenPebble(t.TempDir(), noteCodec{})
	assert.NoError(t, err)
	defer c.Close()

	assert.NoError(t, c.db.Set(itemKey("k"), []byte{0xff, 0xff}, pebble.Sync))
	done := make(chan error, 1)
	c.Get(context.Background(), "k", func(n model.Node, err error) {
		assert.Nil(t, n)
		done <- err
	})
	assert.Equal(t, ErrBadRecord, <-done)
}
