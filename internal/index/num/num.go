// Package num implements the variable-length integer encoding shared by all
// index files. A value occupies 1, 2, 3, or 5 bytes; the top two bits of the
// first byte carry the length class, the remaining bits hold the value
// big-endian.
package num

// Length classes, selected by value range:
//
//	00 -> 1 byte,  v < 2^6
//	01 -> 2 bytes, v < 2^14
//	10 -> 3 bytes, v < 2^22
//	11 -> 5 bytes, v < 2^32 (first byte is the bare class marker 0xC0)
const (
	max1 = 1 << 6
	max2 = 1 << 14
	max3 = 1 << 22
)

// Len returns the number of bytes Append would emit for v.
func Len(v uint32) int {
	switch {
	case v < max1:
		return 1
	case v < max2:
		return 2
	case v < max3:
		return 3
	default:
		return 5
	}
}

// Append encodes v and appends the resulting bytes to dst.
func Append(dst []byte, v uint32) []byte {
	switch {
	case v < max1:
		return append(dst, byte(v))
	case v < max2:
		return append(dst, byte(v>>8)|0x40, byte(v))
	case v < max3:
		return append(dst, byte(v>>16)|0x80, byte(v>>8), byte(v))
	default:
		return append(dst, 0xC0, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
}

// Decode reads the value starting at b[off] and returns it together with the
// offset of the next value. The caller must guarantee that a complete value
// is present.
func Decode(b []byte, off int) (uint32, int) {
	first := b[off]
	switch first >> 6 {
	case 0:
		return uint32(first), off + 1
	case 1:
		return uint32(first&0x3F)<<8 | uint32(b[off+1]), off + 2
	case 2:
		return uint32(first&0x3F)<<16 | uint32(b[off+1])<<8 | uint32(b[off+2]), off + 3
	default:
		return uint32(b[off+1])<<24 | uint32(b[off+2])<<16 |
			uint32(b[off+3])<<8 | uint32(b[off+4]), off + 5
	}
}

// LenAt returns the encoded byte width of the value starting at b[off],
// derived from its class bits alone.
func LenAt(b []byte, off int) int {
	switch b[off] >> 6 {
	case 0:
		return 1
	case 1:
		return 2
	case 2:
		return 3
	default:
		return 5
	}
}

// AppendList encodes the count of vs followed by each value.
func AppendList(dst []byte, vs []uint32) []byte {
	dst = Append(dst, uint32(len(vs)))
	for _, v := range vs {
		dst = Append(dst, v)
	}
	return dst
}

// ListLen returns the encoded byte length of a list: the count prefix plus
// every value.
func ListLen(vs []uint32) int {
	n := Len(uint32(len(vs)))
	for _, v := range vs {
		n += Len(v)
	}
	return n
}
