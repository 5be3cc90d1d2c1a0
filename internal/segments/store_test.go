package segments

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSegment(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestKeyFor(t *testing.T) {
	assert.Equal(t, "voice_recorder_segments_memo.aac", KeyFor("/data/recordings/memo.aac"))
	assert.Equal(t, "voice_recorder_segments_memo.aac", KeyFor("/elsewhere/memo.aac"),
		"key must depend only on the base name")
}

func TestAppendAndLoad_OrderPreserved(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	seg1 := writeSegment(t, dir, "seg1.aac", 100)
	seg2 := writeSegment(t, dir, "seg2.aac", 100)
	seg3 := writeSegment(t, dir, "seg3.aac", 100)

	key := KeyFor("/recordings/take.aac")
	require.NoError(t, store.Append(key, seg1))
	require.NoError(t, store.Append(key, seg2))
	require.NoError(t, store.Append(key, seg3))

	paths, err := store.Load(key)
	require.NoError(t, err)
	assert.Equal(t, []string{seg1, seg2, seg3}, paths)
}

func TestAppend_DeduplicatesPaths(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	seg := writeSegment(t, dir, "seg.aac", 32)
	key := KeyFor("take.aac")
	require.NoError(t, store.Append(key, seg))
	require.NoError(t, store.Append(key, seg))

	paths, err := store.Load(key)
	require.NoError(t, err)
	assert.Len(t, paths, 1)
}

func TestLoad_PrunesMissingAndEmptySegments(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	kept := writeSegment(t, dir, "kept.aac", 64)
	vanished := writeSegment(t, dir, "vanished.aac", 64)
	empty := writeSegment(t, dir, "empty.aac", 0)

	key := KeyFor("take.aac")
	require.NoError(t, store.Append(key, kept))
	require.NoError(t, store.Append(key, vanished))
	require.NoError(t, store.Append(key, empty))

	require.NoError(t, os.Remove(vanished))

	paths, err := store.Load(key)
	require.NoError(t, err)
	assert.Equal(t, []string{kept}, paths)

	// The prune must have been written back, not just filtered in memory.
	reopened, err := NewStore(dir)
	require.NoError(t, err)
	paths, err = reopened.Load(key)
	require.NoError(t, err)
	assert.Equal(t, []string{kept}, paths)
}

func TestLoad_UnknownKeyIsEmpty(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	paths, err := store.Load(KeyFor("never-recorded.aac"))
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestHas(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	key := KeyFor("take.aac")
	ok, err := store.Has(key)
	require.NoError(t, err)
	assert.False(t, ok)

	seg := writeSegment(t, dir, "seg.aac", 16)
	require.NoError(t, store.Append(key, seg))

	ok, err = store.Has(key)
	require.NoError(t, err)
	assert.True(t, ok)

	// A key whose only segment vanished reports no pending segments.
	require.NoError(t, os.Remove(seg))
	ok, err = store.Has(key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClear(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	keyA := KeyFor("a.aac")
	keyB := KeyFor("b.aac")
	segA := writeSegment(t, dir, "a1.aac", 16)
	segB := writeSegment(t, dir, "b1.aac", 16)
	require.NoError(t, store.Append(keyA, segA))
	require.NoError(t, store.Append(keyB, segB))

	require.NoError(t, store.Clear(keyA))

	paths, err := store.Load(keyA)
	require.NoError(t, err)
	assert.Empty(t, paths)

	paths, err = store.Load(keyB)
	require.NoError(t, err)
	assert.Equal(t, []string{segB}, paths, "clearing one key must not touch others")

	assert.NoError(t, store.Clear(keyA), "clearing an absent key is a no-op")
}

func TestSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	key := KeyFor("session.aac")

	seg1 := writeSegment(t, dir, "seg1.aac", 128)
	seg2 := writeSegment(t, dir, "seg2.aac", 128)

	store, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Append(key, seg1))
	require.NoError(t, store.Append(key, seg2))

	// A fresh instance over the same directory stands in for a new process.
	restarted, err := NewStore(dir)
	require.NoError(t, err)
	paths, err := restarted.Load(key)
	require.NoError(t, err)
	assert.Equal(t, []string{seg1, seg2}, paths)
}

func TestLockKey_SerializesAndTimesOut(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	key := KeyFor("take.aac")
	unlock, err := store.LockKey(context.Background(), key)
	require.NoError(t, err)

	// A contender with a short deadline must give up rather than block.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = store.LockKey(ctx, key)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// A different key is not blocked by the held lock.
	otherUnlock, err := store.LockKey(context.Background(), KeyFor("other.aac"))
	require.NoError(t, err)
	otherUnlock()

	unlock()

	unlock2, err := store.LockKey(context.Background(), key)
	require.NoError(t, err)
	unlock2()
}
