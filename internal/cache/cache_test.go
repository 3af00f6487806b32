package cache

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestKeyDeterministic(t *testing.T) {
	assert.Equal(t, Key("https://example.com/a"), Key("https://example.com/a"))
	assert.NotEqual(t, Key("https://example.com/a"), Key("https://example.com/b"))
	assert.Len(t, Key("https://example.com/a"), 64)
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	canonical := "https://example.com/page"
	image := []byte("fake-webp-bytes")

	entry, err := store.Put("https://example.com/page?x=1", canonical, image, 1200*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, Key(canonical), entry.Key)
	assert.Equal(t, int64(len(image)), entry.SizeBytes)
	assert.Equal(t, 1200*time.Millisecond, entry.Latency)

	data, got, err := store.Get(canonical)
	require.NoError(t, err)
	assert.Equal(t, image, data)
	assert.Equal(t, "https://example.com/page?x=1", got.OriginalURL)
	assert.Equal(t, canonical, got.CanonicalURL)
	assert.Equal(t, int64(1), got.AccessCount)
}

func TestGetMiss(t *testing.T) {
	store := newTestStore(t)

	_, _, err := store.Get("https://example.com/never-stored")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestGetBumpsAccessCount(t *testing.T) {
	store := newTestStore(t)
	canonical := "https://example.com/hot"

	_, err := store.Put(canonical, canonical, []byte("img"), 0)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		_, entry, err := store.Get(canonical)
		require.NoError(t, err)
		assert.Equal(t, int64(i), entry.AccessCount)
	}
}

func TestPutIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	canonical := "https://example.com/replace"

	_, err := store.Put(canonical, canonical, []byte("first version"), time.Second)
	require.NoError(t, err)
	_, err = store.Put(canonical, canonical, []byte("v2"), 2*time.Second)
	require.NoError(t, err)

	data, entry, err := store.Get(canonical)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)
	assert.Equal(t, int64(2), entry.SizeBytes)
	assert.Equal(t, 2*time.Second, entry.Latency)

	stats, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalEntries)
	assert.Equal(t, int64(2), stats.TotalSizeBytes)
}

func TestSelfHealingMiss(t *testing.T) {
	store := newTestStore(t)
	canonical := "https://example.com/vanishing"

	entry, err := store.Put(canonical, canonical, []byte("img"), 0)
	require.NoError(t, err)
	require.NoError(t, os.Remove(entry.FilePath))

	// The stale index entry is both reported as a miss and evicted.
	_, _, err = store.Get(canonical)
	assert.ErrorIs(t, err, ErrMiss)

	stats, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalEntries)
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	canonical := "https://example.com/doomed"

	entry, err := store.Put(canonical, canonical, []byte("img"), 0)
	require.NoError(t, err)

	before, err := store.Stats()
	require.NoError(t, err)

	existed, err := store.Delete(entry.Key)
	require.NoError(t, err)
	assert.True(t, existed)

	_, _, err = store.Get(canonical)
	assert.ErrorIs(t, err, ErrMiss)
	assert.NoFileExists(t, entry.FilePath)

	after, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, before.TotalEntries-1, after.TotalEntries)

	existed, err = store.Delete(entry.Key)
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestPurge(t *testing.T) {
	store := newTestStore(t)

	urls := []string{
		"https://example.com/a",
		"https://example.com/b",
		"https://other.org/c",
	}
	for _, u := range urls {
		_, err := store.Put(u, u, []byte("img-"+u), 0)
		require.NoError(t, err)
	}

	count, err := store.Purge()
	require.NoError(t, err)
	assert.Equal(t, len(urls), count)

	stats, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalEntries)
	assert.Equal(t, int64(0), stats.TotalSizeBytes)

	for _, u := range urls {
		_, _, err := store.Get(u)
		assert.ErrorIs(t, err, ErrMiss)
	}
}

func TestStats(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Put("https://example.com/a", "https://example.com/a", []byte("aaaa"), 0)
	require.NoError(t, err)
	_, err = store.Put("https://example.com/b", "https://example.com/b", []byte("bb"), 0)
	require.NoError(t, err)

	// Two hits on /a, one lookup miss.
	for i := 0; i < 2; i++ {
		_, _, err := store.Get("https://example.com/a")
		require.NoError(t, err)
	}
	_, _, _ = store.Get("https://example.com/missing")

	stats, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalEntries)
	assert.Equal(t, int64(6), stats.TotalSizeBytes)
	assert.False(t, stats.OldestCreatedAt.IsZero())
	assert.False(t, stats.NewestCreatedAt.IsZero())
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 1e-9)

	require.NotEmpty(t, stats.TopEntries)
	assert.Equal(t, Key("https://example.com/a"), stats.TopEntries[0].Key)
	assert.Equal(t, int64(2), stats.TopEntries[0].AccessCount)
}

func TestConcurrentPutsToDistinctKeys(t *testing.T) {
	store := newTestStore(t)

	urls := make([]string, 20)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://example.com/page-%d", i)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(urls))
	for i, u := range urls {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			_, errs[i] = store.Put(u, u, []byte("img-"+u), 0)
		}(i, u)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "put %d", i)
	}
	for _, u := range urls {
		data, _, err := store.Get(u)
		require.NoError(t, err)
		assert.Equal(t, []byte("img-"+u), data)
	}

	stats, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(len(urls)), stats.TotalEntries)
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	canonical := "https://example.com/durable"

	store, err := Open(dir, logger)
	require.NoError(t, err)
	_, err = store.Put(canonical, canonical, []byte("still here"), time.Second)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(dir, logger)
	require.NoError(t, err)
	defer reopened.Close()

	data, entry, err := reopened.Get(canonical)
	require.NoError(t, err)
	assert.Equal(t, []byte("still here"), data)
	assert.Equal(t, time.Second, entry.Latency)
}
