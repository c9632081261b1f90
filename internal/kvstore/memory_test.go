package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestMemoryStoreGetPutDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(ctx, "k", []byte("v1"), 0))
	value, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), value)

	// Put overwrites
	require.NoError(t, store.Put(ctx, "k", []byte("v2"), 0))
	value, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), value)

	require.NoError(t, store.Delete(ctx, "k"))
	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	input := []byte("abc")
	require.NoError(t, store.Put(ctx, "k", input, 0))
	input[0] = 'x'

	value, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), value)

	value[1] = 'y'
	again, _ := store.Get(ctx, "k")
	assert.Equal(t, []byte("abc"), again)
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	store := NewMemoryStoreWithClock(clock.Now)

	require.NoError(t, store.Put(ctx, "short", []byte("1"), 10*time.Second))
	require.NoError(t, store.Put(ctx, "forever", []byte("2"), 0))

	clock.Advance(9 * time.Second)
	_, err := store.Get(ctx, "short")
	assert.NoError(t, err)

	clock.Advance(time.Second)
	_, err = store.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrNotFound)

	keys, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"forever"}, keys)

	assert.Equal(t, 1, store.Sweep())
}

func TestMemoryStoreListPrefix(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for _, key := range []string{"cache:b", "cache:a", "blocklist:1.2.3.4", "cachex"} {
		require.NoError(t, store.Put(ctx, key, []byte("x"), 0))
	}

	keys, err := store.List(ctx, "cache:")
	require.NoError(t, err)
	assert.Equal(t, []string{"cache:a", "cache:b"}, keys)
}

func TestMemoryStoreHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := NewMemoryStore()
	assert.ErrorIs(t, store.Put(ctx, "k", []byte("v"), 0), context.Canceled)
	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}
