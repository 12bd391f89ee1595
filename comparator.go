package ordex

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"strconv"
)

// KeyComparator orders the fixed-size keys of an index. Both arguments of
// Compare are always exactly the index key size. Implementations must be
// deterministic and free of side effects.
type KeyComparator interface {
	// Compare returns a negative number if a < b, zero if a == b and a
	// positive number if a > b.
	Compare(a, b []byte) int
	// Format renders a key for diagnostics only.
	Format(key []byte) string
}

// Bytes orders keys lexicographically and formats them as hex.
type Bytes struct{}

func (Bytes) Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

func (Bytes) Format(key []byte) string {
	return hex.EncodeToString(key)
}

// String orders keys lexicographically and formats them as text with the
// trailing NUL padding removed.
type String struct{}

func (String) Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

func (String) Format(key []byte) string {
	return strconv.Quote(string(bytes.TrimRight(key, "\x00")))
}

// Uint64 orders 8-byte big-endian unsigned integers.
type Uint64 struct{}

func (Uint64) Compare(a, b []byte) int {
	x, y := binary.BigEndian.Uint64(a), binary.BigEndian.Uint64(b)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func (Uint64) Format(key []byte) string {
	return strconv.FormatUint(binary.BigEndian.Uint64(key), 10)
}

// Int64 orders 8-byte big-endian two's complement integers.
type Int64 struct{}

func (Int64) Compare(a, b []byte) int {
	x, y := int64(binary.BigEndian.Uint64(a)), int64(binary.BigEndian.Uint64(b))
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func (Int64) Format(key []byte) string {
	return strconv.FormatInt(int64(binary.BigEndian.Uint64(key)), 10)
}

// Reverse inverts the order of c.
func Reverse(c KeyComparator) KeyComparator {
	return reverse{c}
}

type reverse struct {
	KeyComparator
}

func (r reverse) Compare(a, b []byte) int {
	return r.KeyComparator.Compare(b, a)
}

// U64 encodes v as a Uint64 key.
func U64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

// I64 encodes v as an Int64 key.
func I64(v int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(v))
}
