// Package values implements the updatable on-disk value index of the engine.
// It maps textual keys (text-node contents or attribute values) to sorted
// posting lists of record ids, kept across three files: the posting heap, the
// directory of 40-bit heap offsets, and the key-slot store. Point lookups run
// a binary search over the sorted key slots; bulk mutations rewrite posting
// lists append-only and keep both slot arrays sorted in place.
package values

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/strixdb/strix/internal/index/heap"
	"github.com/strixdb/strix/internal/index/num"
	"github.com/strixdb/strix/internal/index/slots"
	"github.com/strixdb/strix/pkg/config"
	apperrors "github.com/strixdb/strix/pkg/errors"
	"github.com/strixdb/strix/pkg/logger"
	"github.com/strixdb/strix/pkg/metrics"
)

// Index is an updatable value index. Mutating operations serialize on the
// index monitor; lookups do not take it and are safe against concurrent
// mutation because in-place overwrites never extend past the list they
// replace and appends only become visible through directory updates. Rebuild and Close replace or invalidate
// the file handles themselves, so those swaps happen under the files lock,
// which lookups hold for reading.
type Index struct {
	mu   sync.Mutex
	kind Kind
	dir  string

	// files guards the identity of the three handles below, not their
	// contents: in-place mutators leave it alone, Rebuild/Close write-lock it
	files sync.RWMutex
	heap  *heap.File
	idxr  *slots.Directory
	keys  *slots.Keystore

	size   atomic.Int64
	dead   atomic.Int64
	closed atomic.Bool

	cache  *lookupCache
	group  singleflight.Group
	logger *slog.Logger
	m      *metrics.Metrics
}

// Stats is a point-in-time snapshot of index counters.
type Stats struct {
	Kind          string  `json:"kind"`
	Keys          int     `json:"keys"`
	HeapBytes     int64   `json:"heap_bytes"`
	DeadBytes     int64   `json:"dead_bytes"`
	Fragmentation float64 `json:"fragmentation"`
	CacheHits     int64   `json:"cache_hits"`
	CacheMisses   int64   `json:"cache_misses"`
}

// Open opens (or creates) the value index described by cfg. The metrics
// argument may be nil.
func Open(cfg config.IndexConfig, m *metrics.Metrics) (*Index, error) {
	kind, err := ParseKind(cfg.Kind)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating index data directory: %w", err)
	}
	prefix := filepath.Join(cfg.DataDir, kind.Prefix())

	h, err := heap.Open(prefix + ".basex")
	if err != nil {
		return nil, err
	}
	d, err := slots.OpenDirectory(prefix + "r.basex")
	if err != nil {
		h.Close()
		return nil, err
	}
	ks, err := slots.OpenKeystore(prefix + "l.basex")
	if err != nil {
		h.Close()
		d.Close()
		return nil, err
	}
	size, err := h.Size()
	if err != nil {
		h.Close()
		d.Close()
		ks.Close()
		return nil, err
	}
	if ks.Count() < size {
		h.Close()
		d.Close()
		ks.Close()
		return nil, fmt.Errorf("%w: %d key slots for %d directory entries", apperrors.ErrCorrupt, ks.Count(), size)
	}
	ks.Shrink(size)

	ix := &Index{
		kind:   kind,
		dir:    cfg.DataDir,
		heap:   h,
		idxr:   d,
		keys:   ks,
		cache:  newLookupCache(cfg.CacheSize),
		logger: logger.WithComponent("value-index").With("kind", kind.String()),
		m:      m,
	}
	ix.size.Store(int64(size))
	ix.updateGauges()
	ix.logger.Info("index opened", "keys", size, "heap_bytes", h.End())
	return ix, nil
}

// Kind returns the value kind this index covers.
func (ix *Index) Kind() Kind {
	return ix.kind
}

// Size returns the number of distinct keys.
func (ix *Index) Size() int {
	return int(ix.size.Load())
}

// Stats returns current counters.
func (ix *Index) Stats() Stats {
	hits, misses := ix.cache.stats()
	heapBytes := ix.heap.End()
	dead := ix.dead.Load()
	var frag float64
	if payload := heapBytes - heap.HeaderSize; payload > 0 {
		frag = float64(dead) / float64(payload)
	}
	return Stats{
		Kind:          ix.kind.String(),
		Keys:          int(ix.size.Load()),
		HeapBytes:     heapBytes,
		DeadBytes:     dead,
		Fragmentation: frag,
		CacheHits:     hits,
		CacheMisses:   misses,
	}
}

// Lookup returns an iterator over the ids of key, in ascending order. A key
// that is not present yields an empty iterator.
func (ix *Index) Lookup(key []byte) (*Iterator, error) {
	if ix.closed.Load() {
		return nil, apperrors.ErrIndexClosed
	}
	start := time.Now()
	ids, err := ix.lookupIDs(key)
	if err != nil {
		return nil, err
	}
	if ix.m != nil {
		result := "miss"
		if len(ids) > 0 {
			result = "hit"
		}
		ix.m.LookupsTotal.WithLabelValues(result).Inc()
		ix.m.LookupDuration.Observe(time.Since(start).Seconds())
	}
	return &Iterator{ids: ids}, nil
}

// lookupIDs resolves key to absolute ids, answering from the cache when it
// can. Cold lookups for the same key are collapsed into one disk read. The
// files read-lock keeps Rebuild and Close from swapping the handles away
// mid-read.
func (ix *Index) lookupIDs(key []byte) ([]int, error) {
	ix.files.RLock()
	defer ix.files.RUnlock()
	if ix.closed.Load() {
		// Close won the race for the files lock
		return nil, apperrors.ErrIndexClosed
	}
	k := string(key)
	if count, off, ok := ix.cache.get(k); ok {
		if ix.m != nil {
			ix.m.CacheHitsTotal.Inc()
		}
		raw, _, err := ix.heap.ReadNums(off, count)
		if err != nil {
			return nil, err
		}
		return absolute(raw), nil
	}
	if ix.m != nil {
		ix.m.CacheMissesTotal.Inc()
	}
	v, err, _ := ix.group.Do(k, func() (any, error) {
		slot, err := ix.find(key, 0, int(ix.size.Load()))
		if err != nil {
			return nil, err
		}
		if slot < 0 {
			return []int(nil), nil
		}
		off, err := ix.idxr.Offset(slot)
		if err != nil {
			return nil, err
		}
		raw, _, err := ix.heap.ReadList(off)
		if err != nil {
			return nil, err
		}
		ids := absolute(raw)
		ix.cache.add(k, len(ids), off+int64(num.Len(uint32(len(ids)))))
		return ids, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]int), nil
}

// Add inserts the given ids for every key of entries. Ids of existing keys
// must all exceed that key's current ids. ctx is polled between key
// iterations only, never inside a posting-list rewrite.
func (ix *Index) Add(ctx context.Context, entries map[string][]int) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed.Load() {
		return apperrors.ErrIndexClosed
	}
	start := time.Now()
	s := int(ix.size.Load())

	// a sorted key walk lets the binary-search window shrink monotonically
	allkeys := sortedKeys(entries)
	nkeys := make([]string, 0, len(allkeys))
	p := 0
	for _, k := range allkeys {
		if err := ctx.Err(); err != nil {
			return err
		}
		pos, err := ix.find([]byte(k), p, s)
		if err != nil {
			return err
		}
		if pos < 0 {
			p = -(pos + 1)
			nkeys = append(nkeys, k)
		} else {
			if err := ix.appendIds(pos, k, diffs(entries[k])); err != nil {
				return err
			}
			p = pos + 1
		}
	}

	// insert new keys, starting from the biggest one: every source slot is
	// read once and every destination slot written once
	for j, i, pos := len(nkeys)-1, s-1, s+len(nkeys)-1; j >= 0; j-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := []byte(nkeys[j])
		r, err := ix.find(key, 0, i+1)
		if err != nil {
			return err
		}
		if r >= 0 {
			return fmt.Errorf("%w: key %q already present during add", apperrors.ErrCorrupt, nkeys[j])
		}
		in := -(r + 1)

		// shift all bigger keys to the right
		for i >= in {
			off, err := ix.idxr.Offset(i)
			if err != nil {
				return err
			}
			if err := ix.idxr.PutOffset(pos, off); err != nil {
				return err
			}
			if err := ix.keys.Move(pos, i); err != nil {
				return err
			}
			pos--
			i--
		}

		off, err := ix.heap.AppendNums(diffs(entries[nkeys[j]]))
		if err != nil {
			return err
		}
		if err := ix.idxr.PutOffset(pos, off); err != nil {
			return err
		}
		if err := ix.keys.Put(pos, key); err != nil {
			return err
		}
		// the cache warms on first lookup; new keys are not inserted here
		pos--
	}

	if err := ix.setSize(s + len(nkeys)); err != nil {
		return err
	}
	ix.observeBatch("add", start)
	ix.logger.Debug("batch add", "keys", len(allkeys), "new_keys", len(nkeys))
	return nil
}

// appendIds rewrites the posting list of an existing key with nids appended.
// nids is in absolute-then-delta form and every new id exceeds every old one,
// so only its first element needs rebasing onto the old tail.
func (ix *Index) appendIds(slot int, key string, nids []uint32) error {
	oldpos, err := ix.idxr.Offset(slot)
	if err != nil {
		return err
	}
	raw, end, err := ix.heap.ReadList(oldpos)
	if err != nil {
		return err
	}
	var last uint32
	for _, v := range raw {
		last += v
	}
	ids := make([]uint32, 0, len(raw)+len(nids))
	ids = append(ids, raw...)
	nids[0] -= last
	ids = append(ids, nids...)

	newpos, err := ix.heap.AppendNums(ids)
	if err != nil {
		return err
	}
	if err := ix.idxr.PutOffset(slot, newpos); err != nil {
		return err
	}
	ix.dead.Add(end - oldpos)
	ix.cache.add(key, len(ids), newpos+int64(num.Len(uint32(len(ids)))))
	return nil
}

// Delete removes the given ids for every key of entries. Every key must be
// present in the index. Keys whose posting list becomes empty lose their
// slot.
func (ix *Index) Delete(ctx context.Context, entries map[string][]int) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed.Load() {
		return apperrors.ErrIndexClosed
	}
	start := time.Now()
	s := int(ix.size.Load())

	allkeys := sortedKeys(entries)
	empty := make([]int, 0, len(allkeys))
	p := -1
	for _, k := range allkeys {
		if err := ctx.Err(); err != nil {
			return err
		}
		pos, err := ix.find([]byte(k), p+1, s)
		if err != nil {
			return err
		}
		if pos < 0 {
			return fmt.Errorf("%w: %q", apperrors.ErrMissingKey, k)
		}
		p = pos
		n, err := ix.deleteIds(pos, k, sortedIDs(entries[k]))
		if err != nil {
			return err
		}
		if n == 0 {
			empty = append(empty, pos)
		}
	}

	// empty is ascending because allkeys was sorted
	if len(empty) > 0 {
		if err := ix.deleteKeys(empty); err != nil {
			return err
		}
	}
	ix.observeBatch("delete", start)
	ix.logger.Debug("batch delete", "keys", len(allkeys), "emptied", len(empty))
	return nil
}

// deleteIds drops the given sorted absolute ids from the posting list at
// slot and returns the number of remaining ids. The survivors are re-encoded
// over the old region when they fit, otherwise appended. An id that is not
// present is skipped without touching its neighbours.
func (ix *Index) deleteIds(slot int, key string, dels []int) (int, error) {
	off, err := ix.idxr.Offset(slot)
	if err != nil {
		return 0, err
	}
	raw, end, err := ix.heap.ReadList(off)
	if err != nil {
		return 0, err
	}

	nids := make([]uint32, 0, len(raw))
	var cid, pid, j, dropped int
	for _, v := range raw {
		cid += int(v)
		if j < len(dels) && dels[j] == cid {
			j++
			dropped++
		} else {
			nids = append(nids, uint32(cid-pid))
			pid = cid
		}
	}

	if len(nids) == 0 {
		// the key itself will be deleted by the caller
		ix.cache.remove(key)
		ix.dead.Add(end - off)
		return 0, nil
	}
	if dropped == 0 {
		return len(nids), nil
	}

	newpos := off
	if newLen := int64(num.ListLen(nids)); newLen <= end-off {
		if err := ix.heap.WriteNums(off, nids); err != nil {
			return 0, err
		}
		ix.dead.Add(end - off - newLen)
	} else {
		// survivor deltas outgrew the old region: append and repoint
		if newpos, err = ix.heap.AppendNums(nids); err != nil {
			return 0, err
		}
		if err := ix.idxr.PutOffset(slot, newpos); err != nil {
			return 0, err
		}
		ix.dead.Add(end - off)
	}
	ix.cache.add(key, len(nids), newpos+int64(num.Len(uint32(len(nids)))))
	return len(nids), nil
}

// deleteKeys compacts both slot arrays leftward, skipping the given ascending
// slot positions, and persists the reduced size.
func (ix *Index) deleteKeys(empty []int) error {
	s := int(ix.size.Load())
	j := 1
	pos := empty[0]
	for i := pos + 1; i < s; i++ {
		if j < len(empty) && i == empty[j] {
			j++
		} else {
			off, err := ix.idxr.Offset(i)
			if err != nil {
				return err
			}
			if err := ix.idxr.PutOffset(pos, off); err != nil {
				return err
			}
			if err := ix.keys.Move(pos, i); err != nil {
				return err
			}
			pos++
		}
	}
	ix.keys.Shrink(s - len(empty))
	return ix.setSize(s - len(empty))
}

// Replace moves one id from oldKey to newKey. A missing oldKey, or an oldKey
// that does not contain id, silently skips the delete half and still inserts;
// see the package quirk note in DESIGN.md.
func (ix *Index) Replace(oldKey, newKey []byte, id int) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed.Load() {
		return apperrors.ErrIndexClosed
	}
	start := time.Now()

	pos, err := ix.find(oldKey, 0, int(ix.size.Load()))
	if err != nil {
		return err
	}
	if pos >= 0 {
		n, err := ix.deleteIds(pos, string(oldKey), []int{id})
		if err != nil {
			return err
		}
		if n == 0 {
			ix.cache.remove(string(oldKey))
			if err := ix.deleteKeys([]int{pos}); err != nil {
				return err
			}
		}
	}
	if err := ix.insertId(newKey, id); err != nil {
		return err
	}
	ix.observeBatch("replace", start)
	return nil
}

// insertId adds a single id to key, creating the key's slot if needed or
// splicing the id into the existing delta chain.
func (ix *Index) insertId(key []byte, id int) error {
	s := int(ix.size.Load())
	slot, err := ix.find(key, 0, s)
	if err != nil {
		return err
	}
	if slot < 0 {
		ins := -(slot + 1)

		// shift all entries with bigger keys to the right
		for i := s; i > ins; i-- {
			off, err := ix.idxr.Offset(i - 1)
			if err != nil {
				return err
			}
			if err := ix.idxr.PutOffset(i, off); err != nil {
				return err
			}
			if err := ix.keys.Move(i, i-1); err != nil {
				return err
			}
		}

		off, err := ix.heap.AppendNums([]uint32{uint32(id)})
		if err != nil {
			return err
		}
		if err := ix.idxr.PutOffset(ins, off); err != nil {
			return err
		}
		if err := ix.keys.Put(ins, key); err != nil {
			return err
		}
		// the cache warms on first lookup; new keys are not inserted here
		return ix.setSize(s + 1)
	}

	pos, err := ix.idxr.Offset(slot)
	if err != nil {
		return err
	}
	raw, end, err := ix.heap.ReadList(pos)
	if err != nil {
		return err
	}

	ids := make([]uint32, 0, len(raw)+1)
	notadded := true
	cid := 0
	for _, d := range raw {
		v := int(d)
		if notadded && id < cid+v {
			ids = append(ids, uint32(id-cid))
			// decrement the difference to the next id
			v -= id - cid
			cid = id
			notadded = false
		}
		ids = append(ids, uint32(v))
		cid += v
	}
	if notadded {
		ids = append(ids, uint32(id-cid))
	}

	newpos, err := ix.heap.AppendNums(ids)
	if err != nil {
		return err
	}
	if err := ix.idxr.PutOffset(slot, newpos); err != nil {
		return err
	}
	ix.dead.Add(end - pos)
	ix.cache.add(string(key), len(ids), newpos+int64(num.Len(uint32(len(ids)))))
	return nil
}

// Verify scans the whole structure and checks the index invariants: strictly
// ascending keys, non-empty strictly ascending posting lists, and agreement
// between the stored size and the slot arrays.
func (ix *Index) Verify(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed.Load() {
		return apperrors.ErrIndexClosed
	}
	s := int(ix.size.Load())
	if ix.keys.Count() != s {
		return fmt.Errorf("%w: %d key slots for %d directory entries", apperrors.ErrCorrupt, ix.keys.Count(), s)
	}
	var prev []byte
	for i := 0; i < s; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		key, err := ix.keys.Key(i)
		if err != nil {
			return err
		}
		if i > 0 && bytes.Compare(prev, key) >= 0 {
			return fmt.Errorf("%w: keys out of order at slot %d", apperrors.ErrCorrupt, i)
		}
		off, err := ix.idxr.Offset(i)
		if err != nil {
			return err
		}
		raw, _, err := ix.heap.ReadList(off)
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			return fmt.Errorf("%w: empty posting list at slot %d", apperrors.ErrCorrupt, i)
		}
		for n, d := range raw {
			if n > 0 && d == 0 {
				return fmt.Errorf("%w: non-ascending posting list at slot %d", apperrors.ErrCorrupt, i)
			}
		}
		prev = key
	}
	return nil
}

// Flush forces all three files to stable storage.
func (ix *Index) Flush() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed.Load() {
		return apperrors.ErrIndexClosed
	}
	return ix.flushLocked()
}

func (ix *Index) flushLocked() error {
	if err := ix.heap.Flush(); err != nil {
		return err
	}
	// drop the stale directory tail left behind by slot deletions
	if err := ix.idxr.Truncate(int(ix.size.Load())); err != nil {
		return err
	}
	if err := ix.idxr.Flush(); err != nil {
		return err
	}
	return ix.keys.Flush()
}

// Close flushes and closes the index. Closing twice is a no-op.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed.Swap(true) {
		return nil
	}
	ix.cache.reset()
	err := ix.flushLocked()
	// wait out in-flight lookups before invalidating the handles
	ix.files.Lock()
	if kerr := ix.keys.Close(); err == nil {
		err = kerr
	}
	if derr := ix.idxr.Close(); err == nil {
		err = derr
	}
	if herr := ix.heap.Close(); err == nil {
		err = herr
	}
	ix.files.Unlock()
	ix.logger.Info("index closed", "keys", ix.size.Load())
	return err
}

// find binary-searches key in slots [lo, hi) and returns its slot, or
// -(insertion point + 1) when absent. Comparison is unsigned byte-lex.
func (ix *Index) find(key []byte, lo, hi int) (int, error) {
	l, h := lo, hi-1
	for l <= h {
		m := int(uint(l+h) >> 1)
		k, err := ix.keys.Key(m)
		if err != nil {
			return 0, err
		}
		switch c := bytes.Compare(k, key); {
		case c == 0:
			return m, nil
		case c < 0:
			l = m + 1
		default:
			h = m - 1
		}
	}
	return -(l + 1), nil
}

// setSize persists the slot count; callers invoke it after the slot writes
// it accounts for.
func (ix *Index) setSize(n int) error {
	if err := ix.heap.SetSize(n); err != nil {
		return err
	}
	ix.size.Store(int64(n))
	ix.updateGauges()
	return nil
}

func (ix *Index) observeBatch(op string, start time.Time) {
	if ix.m == nil {
		return
	}
	ix.m.BatchOpsTotal.WithLabelValues(op).Inc()
	ix.m.BatchDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	ix.updateGauges()
}

func (ix *Index) updateGauges() {
	if ix.m == nil {
		return
	}
	kind := ix.kind.String()
	ix.m.IndexKeys.WithLabelValues(kind).Set(float64(ix.size.Load()))
	ix.m.HeapBytes.WithLabelValues(kind).Set(float64(ix.heap.End()))
	ix.m.DeadHeapBytes.WithLabelValues(kind).Set(float64(ix.dead.Load()))
}

// sortedKeys returns the map keys in unsigned byte-lex order.
func sortedKeys(entries map[string][]int) []string {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// sortedIDs returns an ascending copy of ids.
func sortedIDs(ids []int) []int {
	out := make([]int, len(ids))
	copy(out, ids)
	sort.Ints(out)
	return out
}

// diffs sorts ids and rewrites them as absolute-then-delta values.
func diffs(ids []int) []uint32 {
	a := sortedIDs(ids)
	out := make([]uint32, len(a))
	for i, v := range a {
		if i == 0 {
			out[i] = uint32(v)
		} else {
			out[i] = uint32(v - a[i-1])
		}
	}
	return out
}

// absolute converts raw delta values back into absolute ids.
func absolute(raw []uint32) []int {
	if len(raw) == 0 {
		return nil
	}
	ids := make([]int, len(raw))
	cid := 0
	for i, d := range raw {
		cid += int(d)
		ids[i] = cid
	}
	return ids
}
