package reqcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSetRoundTrip(t *testing.T) {
	t.Parallel()

	c := New(0) // <=0 uses DefaultCapacity
	now := time.Unix(0, 0)

	_, ok := c.Get("k1")
	assert.False(t, ok)

	c.Set("k1", Entry{Result: "v1", StoredAt: now, TTLMs: 1000})

	e, ok := c.Get("k1")
	require.True(t, ok)
	assert.Equal(t, "v1", e.Result)
	assert.True(t, e.Fresh(now.Add(500*time.Millisecond)))
	assert.False(t, e.Fresh(now.Add(1500*time.Millisecond)))
}

func TestEntryFreshWithNonPositiveTTLNeverExpires(t *testing.T) {
	t.Parallel()

	now := time.Unix(0, 0)
	e := Entry{StoredAt: now, TTLMs: 0}
	assert.True(t, e.Fresh(now.Add(24*time.Hour)))
}

func TestDeleteRemovesEntry(t *testing.T) {
	t.Parallel()

	c := New(4)
	c.Set("k1", Entry{Result: 1})
	c.Delete("k1")

	_, ok := c.Get("k1")
	assert.False(t, ok)
}

func TestDeleteByPrefixRemovesMatchingKeysOnly(t *testing.T) {
	t.Parallel()

	c := New(16)
	c.Set("consul:kv/app/a", Entry{Result: "a"})
	c.Set("consul:kv/app/b", Entry{Result: "b"})
	c.Set("vault:secret/app", Entry{Result: "c"})

	n := c.DeleteByPrefix("consul:kv/app/")
	assert.Equal(t, 2, n)

	_, ok := c.Get("consul:kv/app/a")
	assert.False(t, ok)
	_, ok = c.Get("vault:secret/app")
	assert.True(t, ok, "non-matching key must survive")
}

func TestEvictionKeepsIndexInSync(t *testing.T) {
	t.Parallel()

	c := New(2)
	c.Set("a", Entry{Result: 1})
	c.Set("b", Entry{Result: 2})
	c.Set("c", Entry{Result: 3}) // evicts "a" (least recently used)

	assert.Equal(t, 2, c.Len())

	n := c.DeleteByPrefix("a")
	assert.Equal(t, 0, n, "evicted key must not still be tracked in the prefix index")
}
