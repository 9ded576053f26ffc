package lsm

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minikv/config"
	"minikv/storage"
	"minikv/storage/wal"
)

func openTree(t *testing.T, dir string, opts config.EngineOptions) *Tree {
	t.Helper()

	tree, err := Open(log.NewNopLogger(), prometheus.NewRegistry(), dir, opts)
	require.NoError(t, err)

	return tree
}

// noAutoCompaction keeps everything in the log until Compact is called.
func noAutoCompaction() config.EngineOptions {
	opts := config.DefaultEngineOptions()
	opts.CompactionThreshold = 1 << 40
	return opts
}

func requireValue(t *testing.T, s storage.Storage, key, want string) {
	t.Helper()

	value, found, err := s.Get(key)
	require.NoError(t, err)
	require.True(t, found, "%s should be present", key)
	assert.Equal(t, want, value)
}

func requireAbsent(t *testing.T, s storage.Storage, key string) {
	t.Helper()

	_, found, err := s.Get(key)
	require.NoError(t, err)
	assert.False(t, found, "%s should be absent", key)
}

func indexSize(t *testing.T, dir string) int64 {
	t.Helper()

	stat, err := os.Stat(filepath.Join(dir, storage.IndexSegmentFileName))
	require.NoError(t, err)

	return stat.Size()
}

func TestConcreteScenario(t *testing.T) {
	dir := t.TempDir()
	tree := openTree(t, dir, config.DefaultEngineOptions())
	defer tree.Close()

	for i := 0; i < 1024; i++ {
		require.NoError(t, tree.Insert(fmt.Sprintf("key:%d", i), fmt.Sprintf("value:%d", i)))
	}

	for i := 0; i < 1024; i += 7 {
		require.NoError(t, tree.Remove(fmt.Sprintf("key:%d", i)))
	}

	requireValue(t, tree, "key:127", "value:127")
	requireAbsent(t, tree, "key:7")

	for i := 0; i < 1024; i += 3 {
		err := tree.Remove(fmt.Sprintf("key:%d", i))
		if err != nil {
			require.Equal(t, storage.ErrKeyNotFound, err)
		}
	}

	requireValue(t, tree, "key:131", "value:131")
	requireAbsent(t, tree, "key:3")
	requireAbsent(t, tree, "key:999")

	require.NoError(t, tree.Compact())
	before := indexSize(t, dir)

	for i := 0; i < 1024; i++ {
		require.NoError(t, tree.Insert("key:1", fmt.Sprintf("value:%d", i)))
	}
	require.NoError(t, tree.Compact())

	requireValue(t, tree, "key:1", "value:1023")

	// key:1 was never removed, so the only change is its value growing
	// from "value:1" to "value:1023"
	assert.Equal(t, before+3, indexSize(t, dir))

	live := 0
	for i := 0; i < 1024; i++ {
		if i%7 != 0 && i%3 != 0 {
			live++
		}
	}
	assert.Equal(t, live, tree.Stats().IndexRecords)
}

func TestMergeCorrectness(t *testing.T) {
	dir := t.TempDir()
	tree := openTree(t, dir, noAutoCompaction())
	defer tree.Close()

	require.NoError(t, tree.Insert("a", "1"))
	require.NoError(t, tree.Insert("b", "2"))
	require.NoError(t, tree.Insert("c", "3"))
	require.NoError(t, tree.Compact())

	require.NoError(t, tree.Insert("b", "20"))
	require.NoError(t, tree.Remove("a"))
	require.NoError(t, tree.Compact())

	var got []storage.IndexRecord
	it := tree.index.Iterate()
	for it.Next() {
		got = append(got, it.Record())
	}
	require.NoError(t, it.Err())

	assert.Equal(t, []storage.IndexRecord{{Key: "b", Value: "20"}, {Key: "c", Value: "3"}}, got)
	assert.Equal(t, int64(0), tree.Stats().LogSize)
}

func TestRemoveThenResetWithinLog(t *testing.T) {
	dir := t.TempDir()
	tree := openTree(t, dir, noAutoCompaction())
	defer tree.Close()

	require.NoError(t, tree.Insert("k", "old"))
	require.NoError(t, tree.Compact())

	require.NoError(t, tree.Remove("k"))
	require.NoError(t, tree.Insert("k", "new"))
	requireValue(t, tree, "k", "new")

	require.NoError(t, tree.Compact())
	requireValue(t, tree, "k", "new")

	require.NoError(t, tree.Insert("j", "1"))
	require.NoError(t, tree.Remove("j"))
	require.NoError(t, tree.Compact())
	requireAbsent(t, tree, "j")
}

func TestRemoveAbsentWritesNothing(t *testing.T) {
	tree := openTree(t, t.TempDir(), noAutoCompaction())
	defer tree.Close()

	assert.Equal(t, storage.ErrKeyNotFound, tree.Remove("nope"))
	assert.Equal(t, int64(0), tree.Stats().LogSize)

	require.NoError(t, tree.Insert("k", "v"))
	require.NoError(t, tree.Remove("k"))
	size := tree.Stats().LogSize

	assert.Equal(t, storage.ErrKeyNotFound, tree.Remove("k"))
	assert.Equal(t, size, tree.Stats().LogSize)
}

func TestCompactionIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	tree := openTree(t, dir, noAutoCompaction())
	defer tree.Close()

	for i := 0; i < 100; i++ {
		require.NoError(t, tree.Insert(fmt.Sprintf("key:%03d", i), fmt.Sprintf("value:%d", i)))
	}
	require.NoError(t, tree.Compact())

	data, err := os.ReadFile(filepath.Join(dir, storage.IndexSegmentFileName))
	require.NoError(t, err)
	meta, err := os.ReadFile(filepath.Join(dir, storage.OffsetIndexFileName))
	require.NoError(t, err)

	require.NoError(t, tree.Compact())

	again, err := os.ReadFile(filepath.Join(dir, storage.IndexSegmentFileName))
	require.NoError(t, err)
	metaAgain, err := os.ReadFile(filepath.Join(dir, storage.OffsetIndexFileName))
	require.NoError(t, err)

	assert.Equal(t, data, again)
	assert.Equal(t, meta, metaAgain)
}

func TestThresholdTriggersCompaction(t *testing.T) {
	dir := t.TempDir()
	opts := config.DefaultEngineOptions()
	opts.CompactionThreshold = 64

	registry := prometheus.NewRegistry()
	tree, err := Open(log.NewNopLogger(), registry, dir, opts)
	require.NoError(t, err)
	defer tree.Close()

	// 1 + 1+5 + 1+7 = 15 bytes per entry
	for i := 0; i < 4; i++ {
		require.NoError(t, tree.Insert(fmt.Sprintf("key:%d", i), fmt.Sprintf("value:%d", i)))
	}
	assert.Equal(t, int64(60), tree.Stats().LogSize)
	assert.Equal(t, 0.0, testutil.ToFloat64(tree.metrics.compactions))

	// crossing the threshold compacts before Insert returns
	require.NoError(t, tree.Insert("key:4", "value:4"))
	assert.Equal(t, int64(0), tree.Stats().LogSize)
	assert.Equal(t, 5, tree.Stats().IndexRecords)
	assert.Equal(t, 1.0, testutil.ToFloat64(tree.metrics.compactions))

	for i := 0; i < 5; i++ {
		requireValue(t, tree, fmt.Sprintf("key:%d", i), fmt.Sprintf("value:%d", i))
	}
}

func TestEquivalenceAcrossCompaction(t *testing.T) {
	tree := openTree(t, t.TempDir(), noAutoCompaction())
	defer tree.Close()

	model := map[string]string{}
	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("key:%d", i%37)
		switch {
		case i%5 == 0:
			err := tree.Remove(key)
			if _, ok := model[key]; ok {
				require.NoError(t, err)
				delete(model, key)
			} else {
				require.Equal(t, storage.ErrKeyNotFound, err)
			}
		default:
			value := fmt.Sprintf("value:%d", i)
			require.NoError(t, tree.Insert(key, value))
			model[key] = value
		}

		if i%97 == 0 {
			require.NoError(t, tree.Compact())
		}
	}

	check := func() {
		for i := 0; i < 37; i++ {
			key := fmt.Sprintf("key:%d", i)
			value, found, err := tree.Get(key)
			require.NoError(t, err)
			want, ok := model[key]
			require.Equal(t, ok, found, key)
			assert.Equal(t, want, value, key)
		}
	}

	check()
	require.NoError(t, tree.Compact())
	check()
}

func TestReopenKeepsState(t *testing.T) {
	dir := t.TempDir()
	tree := openTree(t, dir, noAutoCompaction())

	require.NoError(t, tree.Insert("indexed", "1"))
	require.NoError(t, tree.Insert("gone", "x"))
	require.NoError(t, tree.Compact())
	require.NoError(t, tree.Insert("logged", "2"))
	require.NoError(t, tree.Remove("gone"))
	require.NoError(t, tree.Close())

	tree = openTree(t, dir, noAutoCompaction())
	defer tree.Close()

	requireValue(t, tree, "indexed", "1")
	requireValue(t, tree, "logged", "2")
	requireAbsent(t, tree, "gone")
}

func TestClosedTree(t *testing.T) {
	tree := openTree(t, t.TempDir(), noAutoCompaction())
	require.NoError(t, tree.Close())

	assert.Equal(t, storage.ErrClosed, tree.Insert("k", "v"))
	_, _, err := tree.Get("k")
	assert.Equal(t, storage.ErrClosed, err)
	assert.Equal(t, storage.ErrClosed, tree.Compact())
	assert.Equal(t, storage.ErrClosed, tree.Close())
}

func TestCrashBetweenRemoveAndRename(t *testing.T) {
	dir := t.TempDir()
	tree := openTree(t, dir, noAutoCompaction())

	require.NoError(t, tree.Insert("old", "1"))
	require.NoError(t, tree.Compact())
	require.NoError(t, tree.Insert("recent", "2"))

	crash := errors.New("simulated crash")
	afterRemoveOld = func() error { return crash }
	defer func() { afterRemoveOld = func() error { return nil } }()

	err := tree.Compact()
	require.Equal(t, crash, errors.Cause(err))

	assert.NoFileExists(t, filepath.Join(dir, storage.IndexSegmentFileName))
	assert.FileExists(t, filepath.Join(dir, storage.StagingPath(storage.IndexSegmentFileName)))
	assert.FileExists(t, filepath.Join(dir, storage.StagingPath(storage.OffsetIndexFileName)))

	// the tree refuses work until it is reopened
	assert.Error(t, tree.Insert("k", "v"))
	require.NoError(t, tree.Close())

	tree = openTree(t, dir, noAutoCompaction())
	defer tree.Close()

	// the log was not truncated, the published index is gone
	requireValue(t, tree, "recent", "2")
	requireAbsent(t, tree, "old")

	// the next compaction overwrites the leftovers
	require.NoError(t, tree.Compact())
	requireValue(t, tree, "recent", "2")
	assert.NoFileExists(t, filepath.Join(dir, storage.StagingPath(storage.IndexSegmentFileName)))
}

func TestCorruptLogMasksLaterEntries(t *testing.T) {
	dir := t.TempDir()
	tree := openTree(t, dir, noAutoCompaction())

	require.NoError(t, tree.Insert("before", "1"))
	require.NoError(t, tree.Insert("after", "2"))
	require.NoError(t, tree.Close())

	// overwrite the op byte of the second entry
	first := int64(storage.LogEntrySize(storage.SetEntry("before", "1")))
	f, err := os.OpenFile(wal.SegmentName(dir), os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0x7f}, first)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	tree = openTree(t, dir, noAutoCompaction())
	defer tree.Close()

	// mid-file corruption looks exactly like a torn tail
	requireValue(t, tree, "before", "1")
	requireAbsent(t, tree, "after")
	assert.Equal(t, first, tree.Stats().LogSize)

	require.NoError(t, tree.Insert("later", "3"))
	requireValue(t, tree, "later", "3")
}

func TestCorruptIndexMasksLaterRecords(t *testing.T) {
	dir := t.TempDir()
	tree := openTree(t, dir, noAutoCompaction())

	for i := 0; i < 3; i++ {
		require.NoError(t, tree.Insert(fmt.Sprintf("key:%d", i), fmt.Sprintf("value:%d", i)))
	}
	require.NoError(t, tree.Compact())
	require.NoError(t, tree.Close())

	// tear the last index record
	require.NoError(t, os.Truncate(filepath.Join(dir, storage.IndexSegmentFileName), indexSize(t, dir)-1))

	opts := config.DefaultEngineOptions()
	opts.CompactionThreshold = 64
	tree = openTree(t, dir, opts)
	defer tree.Close()

	for i := 0; i < 6; i++ {
		require.NoError(t, tree.Insert(fmt.Sprintf("new:%d", i), "value"))
	}

	stats := tree.Stats()
	assert.LessOrEqual(t, stats.LogSize, opts.CompactionThreshold)
	assert.Equal(t, 7, stats.IndexRecords)

	requireValue(t, tree, "key:0", "value:0")
	requireValue(t, tree, "key:1", "value:1")
	requireAbsent(t, tree, "key:2")
	for i := 0; i < 6; i++ {
		requireValue(t, tree, fmt.Sprintf("new:%d", i), "value")
	}
}

func TestBloomFilterRejectsMisses(t *testing.T) {
	tree := openTree(t, t.TempDir(), noAutoCompaction())
	defer tree.Close()

	for i := 0; i < 200; i++ {
		require.NoError(t, tree.Insert(fmt.Sprintf("key:%d", i), "v"))
	}
	require.NoError(t, tree.Compact())

	for i := 0; i < 200; i++ {
		requireAbsent(t, tree, fmt.Sprintf("missing:%d", i))
	}

	// at a 1% false positive rate nearly all misses skip the search
	assert.Greater(t, testutil.ToFloat64(tree.metrics.bloomRejections), 150.0)
}
