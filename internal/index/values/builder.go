package values

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/strixdb/strix/internal/index/heap"
	"github.com/strixdb/strix/internal/index/slots"
	apperrors "github.com/strixdb/strix/pkg/errors"
)

// BuildEntry is one key of a bulk build: the key bytes and its ascending ids.
type BuildEntry struct {
	Key []byte
	IDs []int
}

// Build writes a fresh, compact three-file index for the given entries, which
// must be sorted by key. Files are written with a .tmp suffix and renamed
// into place on success, so a failed build leaves no partial index behind.
func Build(dataDir string, kind Kind, entries []BuildEntry) error {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating index data directory: %w", err)
	}
	prefix := filepath.Join(dataDir, kind.Prefix())
	names := [3]string{prefix + ".basex", prefix + "r.basex", prefix + "l.basex"}
	for _, name := range names {
		if err := os.RemoveAll(name + ".tmp"); err != nil {
			return fmt.Errorf("clearing stale build file: %w", err)
		}
	}

	if err := buildFiles(names, entries); err != nil {
		for _, name := range names {
			os.Remove(name + ".tmp")
		}
		return err
	}
	for _, name := range names {
		if err := os.Rename(name+".tmp", name); err != nil {
			return fmt.Errorf("renaming index file: %w", err)
		}
	}
	return nil
}

func buildFiles(names [3]string, entries []BuildEntry) error {
	h, err := heap.Open(names[0] + ".tmp")
	if err != nil {
		return err
	}
	defer h.Close()
	d, err := slots.OpenDirectory(names[1] + ".tmp")
	if err != nil {
		return err
	}
	defer d.Close()
	ks, err := slots.OpenKeystore(names[2] + ".tmp")
	if err != nil {
		return err
	}
	defer ks.Close()

	var prev []byte
	for i, e := range entries {
		if i > 0 && bytes.Compare(prev, e.Key) >= 0 {
			return fmt.Errorf("%w: build input not key-sorted at entry %d", apperrors.ErrInvalidInput, i)
		}
		if len(e.IDs) == 0 {
			return fmt.Errorf("%w: build entry %d has no ids", apperrors.ErrInvalidInput, i)
		}
		off, err := h.AppendNums(diffs(e.IDs))
		if err != nil {
			return err
		}
		if err := d.PutOffset(i, off); err != nil {
			return err
		}
		if err := ks.Put(i, e.Key); err != nil {
			return err
		}
		prev = e.Key
	}
	return h.SetSize(len(entries))
}

// Rebuild compacts the index by rewriting all live posting lists into fresh
// files and swapping them in. It reclaims the heap bytes abandoned by
// superseding appends; the enclosing engine calls it when Stats reports
// fragmentation past its threshold.
func (ix *Index) Rebuild(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed.Load() {
		return apperrors.ErrIndexClosed
	}
	s := int(ix.size.Load())
	entries := make([]BuildEntry, 0, s)
	for i := 0; i < s; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		key, err := ix.keys.Key(i)
		if err != nil {
			return err
		}
		off, err := ix.idxr.Offset(i)
		if err != nil {
			return err
		}
		raw, _, err := ix.heap.ReadList(off)
		if err != nil {
			return err
		}
		entries = append(entries, BuildEntry{
			Key: append([]byte(nil), key...),
			IDs: absolute(raw),
		})
	}

	// write the replacement first: the old files stay live (and the index
	// usable) if the build fails
	if err := Build(ix.dir, ix.kind, entries); err != nil {
		return err
	}
	prefix := filepath.Join(ix.dir, ix.kind.Prefix())
	h, err := heap.Open(prefix + ".basex")
	if err != nil {
		return err
	}
	d, err := slots.OpenDirectory(prefix + "r.basex")
	if err != nil {
		h.Close()
		return err
	}
	ks, err := slots.OpenKeystore(prefix + "l.basex")
	if err != nil {
		h.Close()
		d.Close()
		return err
	}

	// swap the handles as a unit once in-flight lookups have drained; the
	// cache is dropped inside the same critical section because its offsets
	// point into the superseded heap, and the old files are closed only
	// after no reader can still hold them
	ix.files.Lock()
	oldHeap, oldIdxr, oldKeys := ix.heap, ix.idxr, ix.keys
	ix.heap, ix.idxr, ix.keys = h, d, ks
	ix.cache.reset()
	ix.dead.Store(0)
	ix.files.Unlock()

	err = oldKeys.Close()
	if derr := oldIdxr.Close(); err == nil {
		err = derr
	}
	if herr := oldHeap.Close(); err == nil {
		err = herr
	}
	if err != nil {
		return err
	}
	if ix.m != nil {
		ix.m.RebuildsTotal.Inc()
	}
	ix.updateGauges()
	ix.logger.Info("index rebuilt", "keys", s, "heap_bytes", h.End())
	return nil
}
