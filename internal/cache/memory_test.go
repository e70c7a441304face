package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGetSet(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	_, ok := m.Get(ctx, "missing")
	assert.False(t, ok)

	require.NoError(t, m.Set(ctx, "k", []byte("value"), 0))
	got, ok := m.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("value"), got)
}

func TestMemoryTTLExpiry(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "short", []byte("v"), 20*time.Millisecond))

	_, ok := m.Get(ctx, "short")
	assert.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, ok = m.Get(ctx, "short")
	assert.False(t, ok, "expired entry must not be served")
}

func TestMemoryDelete(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, m.Delete(ctx, "k"))

	_, ok := m.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemoryReturnsCopy(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("abc"), 0))

	got, ok := m.Get(ctx, "k")
	require.True(t, ok)
	got[0] = 'X'

	again, ok := m.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), again, "callers must not be able to mutate cached values")
}

func TestMemoryCloseIdempotent(t *testing.T) {
	m := NewMemory()
	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close())
}
