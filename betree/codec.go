package betree

import "encoding/binary"

// Codec tells a Tree how to turn keys and values into fixed-size,
// order-preserving byte records. Every key must encode to exactly KeySize
// bytes and every value to exactly ValueSize bytes; EncodeKey must preserve
// Less under big-endian byte comparison: the nodes' binary search works on
// decoded keys, but the MessageMap orders message keys by comparing their
// raw bytes, and the split/flush paths slice those bytes directly.
type Codec[K any, V any] interface {
	KeySize() int
	ValueSize() int
	EncodeKey(k K, buf []byte)
	DecodeKey(buf []byte) K
	EncodeValue(v V, buf []byte)
	DecodeValue(buf []byte) V
	Less(a, b K) bool
}

// Uint64Codec is the default Codec for BeTree[uint64, uint64], the type
// exercised by the reference test scenarios.
type Uint64Codec struct{}

func (Uint64Codec) KeySize() int   { return 8 }
func (Uint64Codec) ValueSize() int { return 8 }

func (Uint64Codec) EncodeKey(k uint64, buf []byte) { binary.BigEndian.PutUint64(buf, k) }
func (Uint64Codec) DecodeKey(buf []byte) uint64     { return binary.BigEndian.Uint64(buf) }
func (Uint64Codec) EncodeValue(v uint64, buf []byte) { binary.BigEndian.PutUint64(buf, v) }
func (Uint64Codec) DecodeValue(buf []byte) uint64    { return binary.BigEndian.Uint64(buf) }
func (Uint64Codec) Less(a, b uint64) bool            { return a < b }
