package slots

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/strixdb/strix/internal/index/num"
)

// trailerSize is the fixed footer written on flush: the 8-byte position of
// the slot table followed by the 4-byte slot count, both little-endian.
const trailerSize = 12

// ref locates one key inside the record region. The key bytes are read
// lazily and memoized; slot shifts move refs, not bytes.
type ref struct {
	off int64
	key []byte
}

// Keystore is the key-slot store: an append-only record region of
// length-prefixed keys plus a slot table mapping slot index to record offset.
// The table is held in memory while the store is open and serialized behind
// the record region on flush.
type Keystore struct {
	f       *os.File
	path    string
	dataEnd int64
	slots   []ref
}

// OpenKeystore opens or creates a key-slot file and loads its slot table.
func OpenKeystore(path string) (*Keystore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening keystore file %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat keystore file %s: %w", path, err)
	}
	k := &Keystore{f: f, path: path}
	if info.Size() < trailerSize {
		return k, nil
	}
	var trailer [trailerSize]byte
	if _, err := f.ReadAt(trailer[:], info.Size()-trailerSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("reading keystore trailer: %w", errShort(err))
	}
	tablePos := int64(binary.LittleEndian.Uint64(trailer[:8]))
	count := int(binary.LittleEndian.Uint32(trailer[8:]))
	table := make([]byte, count*offsetWidth)
	if _, err := f.ReadAt(table, tablePos); err != nil {
		f.Close()
		return nil, fmt.Errorf("reading keystore slot table: %w", errShort(err))
	}
	k.dataEnd = tablePos
	k.slots = make([]ref, count)
	for i := range k.slots {
		k.slots[i] = ref{off: read5(table[i*offsetWidth:])}
	}
	return k, nil
}

// Count returns the number of slots currently in the table.
func (k *Keystore) Count() int {
	return len(k.slots)
}

// Key returns the key bytes stored at slot. The result must not be modified.
func (k *Keystore) Key(slot int) ([]byte, error) {
	if slot < 0 || slot >= len(k.slots) {
		return nil, fmt.Errorf("keystore slot %d out of range (%d slots)", slot, len(k.slots))
	}
	r := &k.slots[slot]
	if r.key != nil {
		return r.key, nil
	}
	var pre [5]byte
	n, err := k.f.ReadAt(pre[:], r.off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading key at slot %d: %w", slot, err)
	}
	if n == 0 || num.LenAt(pre[:], 0) > n {
		return nil, fmt.Errorf("reading key at slot %d: %w", slot, io.ErrUnexpectedEOF)
	}
	klen, hdr := num.Decode(pre[:], 0)
	key := make([]byte, klen)
	if klen > 0 {
		if _, err := k.f.ReadAt(key, r.off+int64(hdr)); err != nil {
			return nil, fmt.Errorf("reading key at slot %d: %w", slot, errShort(err))
		}
	}
	r.key = key
	return key, nil
}

// Put writes key into the record region and points slot at it. Slots past
// the current count are created on demand; bulk insertion fills them from
// the highest slot downward.
func (k *Keystore) Put(slot int, key []byte) error {
	if slot < 0 {
		return fmt.Errorf("keystore slot %d out of range (%d slots)", slot, len(k.slots))
	}
	buf := num.Append(make([]byte, 0, len(key)+5), uint32(len(key)))
	buf = append(buf, key...)
	off := k.dataEnd
	if _, err := k.f.WriteAt(buf, off); err != nil {
		return fmt.Errorf("writing key at slot %d: %w", slot, err)
	}
	k.dataEnd = off + int64(len(buf))
	k.grow(slot)
	k.slots[slot] = ref{off: off, key: append([]byte(nil), key...)}
	return nil
}

// Move copies the slot entry at src to dst without touching the record
// region. Slots past the current count are created on demand.
func (k *Keystore) Move(dst, src int) error {
	if src < 0 || src >= len(k.slots) {
		return fmt.Errorf("keystore slot %d out of range (%d slots)", src, len(k.slots))
	}
	if dst < 0 {
		return fmt.Errorf("keystore slot %d out of range (%d slots)", dst, len(k.slots))
	}
	k.grow(dst)
	k.slots[dst] = k.slots[src]
	return nil
}

// grow extends the slot table so that slot is addressable.
func (k *Keystore) grow(slot int) {
	for len(k.slots) <= slot {
		k.slots = append(k.slots, ref{})
	}
}

// Shrink drops all slots at or above n.
func (k *Keystore) Shrink(n int) {
	if n < len(k.slots) {
		k.slots = k.slots[:n]
	}
}

// Flush serializes the slot table behind the record region and syncs the
// file. The table position is not advanced, so later Puts overwrite it.
func (k *Keystore) Flush() error {
	table := make([]byte, len(k.slots)*offsetWidth, len(k.slots)*offsetWidth+trailerSize)
	for i, r := range k.slots {
		write5(table[i*offsetWidth:], r.off)
	}
	var trailer [trailerSize]byte
	binary.LittleEndian.PutUint64(trailer[:8], uint64(k.dataEnd))
	binary.LittleEndian.PutUint32(trailer[8:], uint32(len(k.slots)))
	table = append(table, trailer[:]...)
	if _, err := k.f.WriteAt(table, k.dataEnd); err != nil {
		return fmt.Errorf("writing keystore slot table: %w", err)
	}
	if err := k.f.Truncate(k.dataEnd + int64(len(table))); err != nil {
		return fmt.Errorf("truncating keystore: %w", err)
	}
	if err := k.f.Sync(); err != nil {
		return fmt.Errorf("syncing keystore file: %w", err)
	}
	return nil
}

// Close flushes the slot table and closes the file.
func (k *Keystore) Close() error {
	if err := k.Flush(); err != nil {
		k.f.Close()
		return err
	}
	return k.f.Close()
}
