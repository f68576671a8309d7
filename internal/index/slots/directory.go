// Package slots implements the two parallel sorted arrays of a value index:
// the directory of 40-bit heap offsets and the key-slot store holding the key
// bytes for every slot.
package slots

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// offsetWidth is the packed byte width of one directory entry.
const offsetWidth = 5

// Directory is the packed array of 5-byte little-endian heap offsets. Slot i
// lives at byte i*5.
type Directory struct {
	f    *os.File
	path string
}

// OpenDirectory opens or creates a directory file.
func OpenDirectory(path string) (*Directory, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening directory file %s: %w", path, err)
	}
	return &Directory{f: f, path: path}, nil
}

// Offset returns the heap offset stored for slot.
func (d *Directory) Offset(slot int) (int64, error) {
	var buf [offsetWidth]byte
	if _, err := d.f.ReadAt(buf[:], int64(slot)*offsetWidth); err != nil {
		return 0, fmt.Errorf("reading directory slot %d: %w", slot, err)
	}
	return read5(buf[:]), nil
}

// PutOffset stores the heap offset for slot, extending the file as needed.
func (d *Directory) PutOffset(slot int, off int64) error {
	var buf [offsetWidth]byte
	write5(buf[:], off)
	if _, err := d.f.WriteAt(buf[:], int64(slot)*offsetWidth); err != nil {
		return fmt.Errorf("writing directory slot %d: %w", slot, err)
	}
	return nil
}

// Truncate drops all slots at or above n. Stale tail entries are harmless
// (the heap header's size governs), but a rebuild writes a clean file.
func (d *Directory) Truncate(n int) error {
	if err := d.f.Truncate(int64(n) * offsetWidth); err != nil {
		return fmt.Errorf("truncating directory: %w", err)
	}
	return nil
}

// Flush forces buffered writes to stable storage.
func (d *Directory) Flush() error {
	if err := d.f.Sync(); err != nil {
		return fmt.Errorf("syncing directory file: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (d *Directory) Close() error {
	if err := d.f.Sync(); err != nil {
		d.f.Close()
		return fmt.Errorf("syncing directory file: %w", err)
	}
	return d.f.Close()
}

// read5 decodes a 40-bit little-endian offset.
func read5(b []byte) int64 {
	return int64(b[0]) | int64(b[1])<<8 | int64(b[2])<<16 | int64(b[3])<<24 | int64(b[4])<<32
}

// write5 encodes a 40-bit little-endian offset.
func write5(b []byte, v int64) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
}

// errShort converts a partial read into a uniform error.
func errShort(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
