package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(ttl time.Duration) (*TTL[[]string], *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewTTL[[]string](ttl)
	c.now = clock.Now
	return c, clock
}

func TestTTL_Expiry(t *testing.T) {
	c, clock := newTestCache(time.Minute)

	_, ok := c.Get()
	assert.False(t, ok)

	c.Set([]string{"llama3:latest"})
	got, ok := c.Get()
	require.True(t, ok)
	assert.Equal(t, []string{"llama3:latest"}, got)

	clock.Advance(2 * time.Minute)
	_, ok = c.Get()
	assert.False(t, ok)
}

func TestTTL_Invalidate(t *testing.T) {
	c, _ := newTestCache(time.Hour)
	c.Set([]string{"a"})
	c.Invalidate()
	_, ok := c.Get()
	assert.False(t, ok)
}

func TestTTL_GetOrLoadCachesResult(t *testing.T) {
	c, clock := newTestCache(time.Minute)
	var calls atomic.Int32
	load := func(context.Context) ([]string, error) {
		calls.Add(1)
		return []string{"m"}, nil
	}

	for i := 0; i < 3; i++ {
		got, err := c.GetOrLoad(context.Background(), load)
		require.NoError(t, err)
		assert.Equal(t, []string{"m"}, got)
	}
	assert.EqualValues(t, 1, calls.Load())

	clock.Advance(time.Hour)
	_, err := c.GetOrLoad(context.Background(), load)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestTTL_GetOrLoadErrorNotCached(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	boom := errors.New("ollama down")

	_, err := c.GetOrLoad(context.Background(), func(context.Context) ([]string, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := c.GetOrLoad(context.Background(), func(context.Context) ([]string, error) {
		return []string{"ok"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, got)
}
