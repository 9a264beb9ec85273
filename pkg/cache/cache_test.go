package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SetGet(t *testing.T) {
	s := New[string](time.Minute)
	defer s.Stop()

	s.Set("a", "one")

	value, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, "one", value)

	_, ok = s.Get("missing")
	assert.False(t, ok)
}

func TestStore_Expiry(t *testing.T) {
	s := New[int](time.Minute)
	defer s.Stop()

	s.SetTTL("a", 1, 10*time.Millisecond)

	_, ok := s.Get("a")
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	_, ok = s.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestStore_DeletePrefix(t *testing.T) {
	s := New[int](time.Minute)
	defer s.Stop()

	s.Set("state:show-1", 1)
	s.Set("state:show-2", 2)
	s.Set("bitrate:show-1", 3)

	s.DeletePrefix("state:")

	assert.Equal(t, 1, s.Len())
	_, ok := s.Get("bitrate:show-1")
	assert.True(t, ok)
}

func TestStore_GetOrLoad(t *testing.T) {
	s := New[string](time.Minute)
	defer s.Stop()

	loads := 0
	loader := func(ctx context.Context) (string, error) {
		loads++
		return "loaded", nil
	}

	value, err := s.GetOrLoad(context.Background(), "k", loader)
	require.NoError(t, err)
	assert.Equal(t, "loaded", value)

	value, err = s.GetOrLoad(context.Background(), "k", loader)
	require.NoError(t, err)
	assert.Equal(t, "loaded", value)
	assert.Equal(t, 1, loads)
}

func TestStore_GetOrLoad_ErrorNotCached(t *testing.T) {
	s := New[string](time.Minute)
	defer s.Stop()

	boom := errors.New("load failed")
	_, err := s.GetOrLoad(context.Background(), "k", func(ctx context.Context) (string, error) {
		return "", boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, s.Len())
}

func TestStore_Stats(t *testing.T) {
	s := New[int](time.Minute)
	defer s.Stop()

	s.Set("a", 1)
	s.Get("a")
	s.Get("a")
	s.Get("b")

	stats := s.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}
