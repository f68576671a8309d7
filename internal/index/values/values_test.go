package values

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strixdb/strix/pkg/config"
	apperrors "github.com/strixdb/strix/pkg/errors"
)

func testConfig(dir string) config.IndexConfig {
	return config.IndexConfig{DataDir: dir, Kind: "text", CacheSize: 64}
}

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := Open(testConfig(t.TempDir()), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })
	return ix
}

func lookupAll(t *testing.T, ix *Index, key string) []int {
	t.Helper()
	it, err := ix.Lookup([]byte(key))
	require.NoError(t, err)
	return it.All()
}

func keyOrder(t *testing.T, ix *Index) []string {
	t.Helper()
	out := make([]string, ix.Size())
	for i := range out {
		k, err := ix.keys.Key(i)
		require.NoError(t, err)
		out[i] = string(k)
	}
	return out
}

func TestEmptyIndex(t *testing.T) {
	ix := openTestIndex(t)
	assert.Equal(t, 0, ix.Size())
	assert.Empty(t, lookupAll(t, ix, "anything"))
}

func TestEndToEndScenario(t *testing.T) {
	ctx := context.Background()
	ix := openTestIndex(t)

	// bulk add on empty
	require.NoError(t, ix.Add(ctx, map[string][]int{
		"b": {10},
		"a": {5, 7},
		"c": {20},
	}))
	assert.Equal(t, 3, ix.Size())
	assert.Equal(t, []int{5, 7}, lookupAll(t, ix, "a"))
	assert.Equal(t, []int{10}, lookupAll(t, ix, "b"))
	assert.Equal(t, []int{20}, lookupAll(t, ix, "c"))
	assert.Equal(t, []string{"a", "b", "c"}, keyOrder(t, ix))

	// appending ids to existing keys
	require.NoError(t, ix.Add(ctx, map[string][]int{
		"a": {9},
		"b": {15, 30},
	}))
	assert.Equal(t, []int{5, 7, 9}, lookupAll(t, ix, "a"))
	assert.Equal(t, []int{10, 15, 30}, lookupAll(t, ix, "b"))

	// partial delete keeps the slot
	require.NoError(t, ix.Delete(ctx, map[string][]int{"a": {7}}))
	assert.Equal(t, []int{5, 9}, lookupAll(t, ix, "a"))
	assert.Equal(t, 3, ix.Size())

	// full delete removes the slot
	require.NoError(t, ix.Delete(ctx, map[string][]int{"a": {5, 9}}))
	assert.Equal(t, 2, ix.Size())
	assert.Empty(t, lookupAll(t, ix, "a"))
	assert.Equal(t, []string{"b", "c"}, keyOrder(t, ix))

	// replace moves one id between keys
	require.NoError(t, ix.Replace([]byte("b"), []byte("d"), 15))
	assert.Equal(t, []int{10, 30}, lookupAll(t, ix, "b"))
	assert.Equal(t, []int{15}, lookupAll(t, ix, "d"))
	assert.Equal(t, []string{"b", "c", "d"}, keyOrder(t, ix))

	require.NoError(t, ix.Verify(ctx))
}

func TestInsertSmallestKey(t *testing.T) {
	ctx := context.Background()
	ix := openTestIndex(t)
	require.NoError(t, ix.Add(ctx, map[string][]int{"m": {1}, "z": {2}}))
	require.NoError(t, ix.Add(ctx, map[string][]int{"a": {3}}))
	assert.Equal(t, []string{"a", "m", "z"}, keyOrder(t, ix))
	assert.Equal(t, []int{1}, lookupAll(t, ix, "m"))
	assert.Equal(t, []int{2}, lookupAll(t, ix, "z"))
	assert.Equal(t, []int{3}, lookupAll(t, ix, "a"))
}

func TestInsertLargestKey(t *testing.T) {
	ctx := context.Background()
	ix := openTestIndex(t)
	require.NoError(t, ix.Add(ctx, map[string][]int{"a": {1}, "m": {2}}))
	require.NoError(t, ix.Add(ctx, map[string][]int{"z": {3}}))
	assert.Equal(t, []string{"a", "m", "z"}, keyOrder(t, ix))
	assert.Equal(t, []int{3}, lookupAll(t, ix, "z"))
}

func TestMixedAddExistingAndNew(t *testing.T) {
	ctx := context.Background()
	ix := openTestIndex(t)
	require.NoError(t, ix.Add(ctx, map[string][]int{"b": {10}, "d": {40}}))
	require.NoError(t, ix.Add(ctx, map[string][]int{
		"a": {1},
		"b": {20},
		"c": {30},
		"e": {50},
	}))
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, keyOrder(t, ix))
	assert.Equal(t, []int{10, 20}, lookupAll(t, ix, "b"))
	assert.Equal(t, []int{40}, lookupAll(t, ix, "d"))
	require.NoError(t, ix.Verify(ctx))
}

func TestDeleteToSingleID(t *testing.T) {
	ctx := context.Background()
	ix := openTestIndex(t)
	require.NoError(t, ix.Add(ctx, map[string][]int{"k": {3, 8, 21}}))
	require.NoError(t, ix.Delete(ctx, map[string][]int{"k": {3, 21}}))
	assert.Equal(t, []int{8}, lookupAll(t, ix, "k"))
	assert.Equal(t, 1, ix.Size())
}

func TestDeleteMissingKey(t *testing.T) {
	ctx := context.Background()
	ix := openTestIndex(t)
	require.NoError(t, ix.Add(ctx, map[string][]int{"a": {1}}))
	err := ix.Delete(ctx, map[string][]int{"ghost": {1}})
	assert.ErrorIs(t, err, apperrors.ErrMissingKey)
}

func TestDeleteSeveralEmptiedSlots(t *testing.T) {
	ctx := context.Background()
	ix := openTestIndex(t)
	require.NoError(t, ix.Add(ctx, map[string][]int{
		"a": {1}, "b": {2}, "c": {3}, "d": {4}, "e": {5},
	}))
	require.NoError(t, ix.Delete(ctx, map[string][]int{
		"a": {1}, "c": {3}, "e": {5},
	}))
	assert.Equal(t, []string{"b", "d"}, keyOrder(t, ix))
	assert.Equal(t, []int{2}, lookupAll(t, ix, "b"))
	assert.Equal(t, []int{4}, lookupAll(t, ix, "d"))
	require.NoError(t, ix.Verify(ctx))
}

func TestReplaceMissingOldKey(t *testing.T) {
	ix := openTestIndex(t)
	// the delete half finds no slot; the insert still happens
	require.NoError(t, ix.Replace([]byte("ghost"), []byte("n"), 7))
	assert.Equal(t, []int{7}, lookupAll(t, ix, "n"))
}

func TestReplaceMissingID(t *testing.T) {
	ctx := context.Background()
	ix := openTestIndex(t)
	require.NoError(t, ix.Add(ctx, map[string][]int{"o": {10, 30}}))
	// id 99 is not in "o": the delete half is skipped silently
	require.NoError(t, ix.Replace([]byte("o"), []byte("n"), 99))
	assert.Equal(t, []int{10, 30}, lookupAll(t, ix, "o"))
	assert.Equal(t, []int{99}, lookupAll(t, ix, "n"))
}

func TestReplaceIntoMiddleOfExistingList(t *testing.T) {
	ctx := context.Background()
	ix := openTestIndex(t)
	require.NoError(t, ix.Add(ctx, map[string][]int{"n": {5, 20}, "o": {12}}))
	require.NoError(t, ix.Replace([]byte("o"), []byte("n"), 12))
	assert.Equal(t, []int{5, 12, 20}, lookupAll(t, ix, "n"))
	assert.Empty(t, lookupAll(t, ix, "o"))
	assert.Equal(t, 1, ix.Size())
	require.NoError(t, ix.Verify(ctx))
}

func TestReplaceBelowSmallestExistingID(t *testing.T) {
	ctx := context.Background()
	ix := openTestIndex(t)
	require.NoError(t, ix.Add(ctx, map[string][]int{"n": {10, 20}, "o": {2}}))
	require.NoError(t, ix.Replace([]byte("o"), []byte("n"), 2))
	assert.Equal(t, []int{2, 10, 20}, lookupAll(t, ix, "n"))
}

func TestLookupIdempotent(t *testing.T) {
	ctx := context.Background()
	ix := openTestIndex(t)
	require.NoError(t, ix.Add(ctx, map[string][]int{"k": {1, 4, 9}}))
	first := lookupAll(t, ix, "k")
	second := lookupAll(t, ix, "k") // served from the warmed cache
	assert.Equal(t, first, second)
	hits, _ := ix.cache.stats()
	assert.Positive(t, hits)
}

func TestClosedIndexRejectsOperations(t *testing.T) {
	ix := openTestIndex(t)
	require.NoError(t, ix.Close())
	require.NoError(t, ix.Close()) // idempotent

	ctx := context.Background()
	_, err := ix.Lookup([]byte("k"))
	assert.ErrorIs(t, err, apperrors.ErrIndexClosed)
	assert.ErrorIs(t, ix.Add(ctx, map[string][]int{"k": {1}}), apperrors.ErrIndexClosed)
	assert.ErrorIs(t, ix.Delete(ctx, map[string][]int{"k": {1}}), apperrors.ErrIndexClosed)
	assert.ErrorIs(t, ix.Replace([]byte("a"), []byte("b"), 1), apperrors.ErrIndexClosed)
	assert.ErrorIs(t, ix.Flush(), apperrors.ErrIndexClosed)
	assert.ErrorIs(t, ix.Verify(ctx), apperrors.ErrIndexClosed)
}

func TestAddCancelled(t *testing.T) {
	ix := openTestIndex(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ix.Add(ctx, map[string][]int{"k": {1}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, ix.Size())
}

func TestPersistenceAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	ix, err := Open(testConfig(dir), nil)
	require.NoError(t, err)
	require.NoError(t, ix.Add(ctx, map[string][]int{
		"x": {100, 200},
		"y": {5},
	}))
	require.NoError(t, ix.Close())

	ix2, err := Open(testConfig(dir), nil)
	require.NoError(t, err)
	defer ix2.Close()

	assert.Equal(t, 2, ix2.Size())
	assert.Equal(t, []int{100, 200}, lookupAll(t, ix2, "x"))
	assert.Equal(t, []int{5}, lookupAll(t, ix2, "y"))
	require.NoError(t, ix2.Verify(ctx))
}

func TestAddThenDeleteRestoresDirectory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	ix, err := Open(testConfig(dir), nil)
	require.NoError(t, err)
	defer ix.Close()
	require.NoError(t, ix.Add(ctx, map[string][]int{"b": {10}, "d": {40}}))
	require.NoError(t, ix.Flush())

	idxrPath := filepath.Join(dir, "txtr.basex")
	before, err := os.ReadFile(idxrPath)
	require.NoError(t, err)
	live := ix.Size() * 5
	before = before[:live]

	require.NoError(t, ix.Add(ctx, map[string][]int{"c": {7, 9}}))
	require.NoError(t, ix.Delete(ctx, map[string][]int{"c": {7, 9}}))
	require.NoError(t, ix.Flush())

	after, err := os.ReadFile(idxrPath)
	require.NoError(t, err)
	assert.Equal(t, before, after[:live])
	assert.Equal(t, 2, ix.Size())
}

func TestRebuildCompactsHeap(t *testing.T) {
	ctx := context.Background()
	ix := openTestIndex(t)

	require.NoError(t, ix.Add(ctx, map[string][]int{"a": {1}, "b": {2}, "c": {3}}))
	for i := 2; i < 30; i++ {
		require.NoError(t, ix.Add(ctx, map[string][]int{"a": {i * 10}}))
	}
	grown := ix.Stats()
	require.Positive(t, grown.DeadBytes)

	require.NoError(t, ix.Rebuild(ctx))

	compact := ix.Stats()
	assert.Less(t, compact.HeapBytes, grown.HeapBytes)
	assert.Zero(t, compact.DeadBytes)
	assert.Equal(t, 3, ix.Size())
	want := []int{1}
	for i := 2; i < 30; i++ {
		want = append(want, i*10)
	}
	assert.Equal(t, want, lookupAll(t, ix, "a"))
	assert.Equal(t, []int{2}, lookupAll(t, ix, "b"))
	assert.Equal(t, []int{3}, lookupAll(t, ix, "c"))
	require.NoError(t, ix.Verify(ctx))
}

func TestLargeBatchKeepsOrder(t *testing.T) {
	ctx := context.Background()
	ix := openTestIndex(t)

	batch := make(map[string][]int, 100)
	for i := 0; i < 100; i++ {
		key := string(rune('a'+i%26)) + string(rune('a'+(i/26)%26)) + string(rune('a'+i%7))
		batch[key] = append(batch[key], i+1)
	}
	require.NoError(t, ix.Add(ctx, batch))

	order := keyOrder(t, ix)
	assert.True(t, sort.StringsAreSorted(order))
	assert.Equal(t, len(batch), ix.Size())
	for k, ids := range batch {
		want := sortedIDs(ids)
		assert.Equal(t, want, lookupAll(t, ix, k), "key %q", k)
	}
	require.NoError(t, ix.Verify(ctx))
}

// TestRandomizedAgainstModel drives the index with seeded random batches and
// compares every key against an in-memory model after each step.
func TestRandomizedAgainstModel(t *testing.T) {
	ctx := context.Background()
	ix := openTestIndex(t)
	rng := rand.New(rand.NewSource(7))

	model := make(map[string][]int)
	nextID := 1
	keyPool := []string{"alpha", "beta", "gamma", "delta", "epsilon", "zeta", "eta", "theta"}

	checkModel := func() {
		t.Helper()
		require.Equal(t, len(model), ix.Size())
		for k, want := range model {
			assert.Equal(t, want, lookupAll(t, ix, k), "key %q", k)
		}
	}

	for step := 0; step < 150; step++ {
		switch rng.Intn(3) {
		case 0: // add a batch of fresh, larger ids
			batch := make(map[string][]int)
			for _, k := range keyPool {
				if rng.Intn(2) == 0 {
					continue
				}
				n := 1 + rng.Intn(4)
				ids := make([]int, 0, n)
				for j := 0; j < n; j++ {
					ids = append(ids, nextID)
					nextID += 1 + rng.Intn(5)
				}
				batch[k] = ids
			}
			if len(batch) == 0 {
				continue
			}
			require.NoError(t, ix.Add(ctx, batch))
			for k, ids := range batch {
				model[k] = append(model[k], ids...)
			}
		case 1: // delete a random subset of existing ids
			batch := make(map[string][]int)
			for k, ids := range model {
				if len(ids) == 0 || rng.Intn(2) == 0 {
					continue
				}
				var dels []int
				for _, id := range ids {
					if rng.Intn(3) == 0 {
						dels = append(dels, id)
					}
				}
				if len(dels) > 0 {
					batch[k] = dels
				}
			}
			if len(batch) == 0 {
				continue
			}
			require.NoError(t, ix.Delete(ctx, batch))
			for k, dels := range batch {
				drop := make(map[int]bool, len(dels))
				for _, id := range dels {
					drop[id] = true
				}
				var kept []int
				for _, id := range model[k] {
					if !drop[id] {
						kept = append(kept, id)
					}
				}
				if len(kept) == 0 {
					delete(model, k)
				} else {
					model[k] = kept
				}
			}
		case 2: // move one id between keys
			var from string
			for k, ids := range model {
				if len(ids) > 0 {
					from = k
					break
				}
			}
			if from == "" {
				continue
			}
			to := keyPool[rng.Intn(len(keyPool))]
			id := model[from][rng.Intn(len(model[from]))]
			if containsID(model[to], id) && to != from {
				continue
			}
			require.NoError(t, ix.Replace([]byte(from), []byte(to), id))
			var kept []int
			for _, v := range model[from] {
				if v != id {
					kept = append(kept, v)
				}
			}
			if len(kept) == 0 {
				delete(model, from)
			} else {
				model[from] = kept
			}
			if !containsID(model[to], id) {
				model[to] = insertSorted(model[to], id)
			}
		}
		checkModel()
	}
	require.NoError(t, ix.Verify(ctx))
}

func containsID(ids []int, id int) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func insertSorted(ids []int, id int) []int {
	out := append(append([]int(nil), ids...), id)
	sort.Ints(out)
	return out
}
