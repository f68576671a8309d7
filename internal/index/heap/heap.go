// Package heap implements the append-oriented posting-list store backing a
// value index. The file starts with a 4-byte big-endian slot count; the rest
// is a sequence of length-prefixed lists of variable-length integers. Freed
// regions are never reclaimed here; a full rebuild compacts the file.
package heap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/strixdb/strix/internal/index/num"
)

// HeaderSize is the byte width of the slot-count header at offset 0.
const HeaderSize = 4

// File is a byte-addressable heap file. Appends go to the end; overwrites are
// only valid when the new encoding fits inside the old region.
type File struct {
	f    *os.File
	path string
	end  int64
}

// Open opens or creates a heap file. A new file gets a zeroed size header.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening heap file %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat heap file %s: %w", path, err)
	}
	h := &File{f: f, path: path, end: info.Size()}
	if h.end < HeaderSize {
		var hdr [HeaderSize]byte
		if _, err := f.WriteAt(hdr[:], 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("initializing heap header: %w", err)
		}
		h.end = HeaderSize
	}
	return h, nil
}

// Size reads the slot count from the header.
func (h *File) Size() (int, error) {
	var buf [HeaderSize]byte
	if _, err := h.f.ReadAt(buf[:], 0); err != nil {
		return 0, fmt.Errorf("reading heap header: %w", err)
	}
	return int(binary.BigEndian.Uint32(buf[:])), nil
}

// SetSize writes the slot count into the header.
func (h *File) SetSize(n int) error {
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint32(buf[:], uint32(n))
	if _, err := h.f.WriteAt(buf[:], 0); err != nil {
		return fmt.Errorf("writing heap header: %w", err)
	}
	return nil
}

// End returns the current append position, i.e. the file length.
func (h *File) End() int64 {
	return h.end
}

// ReadNum decodes a single value at off and returns it together with the
// offset of the following byte.
func (h *File) ReadNum(off int64) (uint32, int64, error) {
	var buf [5]byte
	n, err := h.f.ReadAt(buf[:], off)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, 0, fmt.Errorf("reading heap at %d: %w", off, err)
	}
	if n == 0 || num.LenAt(buf[:], 0) > n {
		return 0, 0, fmt.Errorf("reading heap at %d: %w", off, io.ErrUnexpectedEOF)
	}
	v, next := num.Decode(buf[:], 0)
	return v, off + int64(next), nil
}

// ReadList decodes the length-prefixed list at off. The returned values are
// raw, i.e. still delta-encoded; the second result is the offset of the first
// byte past the list.
func (h *File) ReadList(off int64) ([]uint32, int64, error) {
	count, pos, err := h.ReadNum(off)
	if err != nil {
		return nil, 0, err
	}
	return h.ReadNums(pos, int(count))
}

// ReadNums decodes count consecutive values starting at off, returning them
// together with the offset of the first byte past the last value.
func (h *File) ReadNums(off int64, count int) ([]uint32, int64, error) {
	if count == 0 {
		return nil, off, nil
	}
	buf := make([]byte, count*5)
	n, err := h.f.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, 0, fmt.Errorf("reading heap list at %d: %w", off, err)
	}
	vs := make([]uint32, count)
	p := 0
	for i := range vs {
		if p >= n || p+num.LenAt(buf, p) > n {
			return nil, 0, fmt.Errorf("reading heap list at %d: %w", off, io.ErrUnexpectedEOF)
		}
		vs[i], p = num.Decode(buf, p)
	}
	return vs, off + int64(p), nil
}

// AppendNums writes the list length followed by the values at the end of the
// file and returns the offset of the length prefix.
func (h *File) AppendNums(vs []uint32) (int64, error) {
	off := h.end
	buf := num.AppendList(make([]byte, 0, num.ListLen(vs)), vs)
	if _, err := h.f.WriteAt(buf, off); err != nil {
		return 0, fmt.Errorf("appending to heap: %w", err)
	}
	h.end = off + int64(len(buf))
	return off, nil
}

// WriteNums overwrites the list at off in place. The caller must have checked
// that the new encoding is no longer than the region it replaces.
func (h *File) WriteNums(off int64, vs []uint32) error {
	buf := num.AppendList(make([]byte, 0, num.ListLen(vs)), vs)
	if _, err := h.f.WriteAt(buf, off); err != nil {
		return fmt.Errorf("overwriting heap at %d: %w", off, err)
	}
	return nil
}

// Flush forces buffered writes to stable storage.
func (h *File) Flush() error {
	if err := h.f.Sync(); err != nil {
		return fmt.Errorf("syncing heap file: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (h *File) Close() error {
	if err := h.f.Sync(); err != nil {
		h.f.Close()
		return fmt.Errorf("syncing heap file: %w", err)
	}
	return h.f.Close()
}
