package betree

import (
	"encoding/binary"

	"golang.org/x/exp/constraints"

	"github.com/tobiasfamos/betree/page"
	"github.com/tobiasfamos/betree/rbtree"
	"github.com/tobiasfamos/betree/search"
	"github.com/tobiasfamos/betree/util"
)

// Every page begins with a one-byte level (0 for a leaf) and a two-byte
// count of live keys, mirroring the node header the reference raw page
// layouts use, generalized from a hardcoded uint64/[10]byte pair to an
// arbitrary fixed-size Codec.
const headerSize = 3

func pageLevel(buf []byte) uint8     { return buf[0] }
func setPageLevel(buf []byte, l uint8) { buf[0] = l }
func pageCount(buf []byte) uint16    { return binary.BigEndian.Uint16(buf[1:3]) }
func setPageCount(buf []byte, c uint16) {
	binary.BigEndian.PutUint16(buf[1:3], c)
}

func shiftArrayRight(buf []byte, base, elemSize, from, to int) {
	if from == to {
		return
	}
	copy(buf[base+(from+1)*elemSize:base+(to+1)*elemSize], buf[base+from*elemSize:base+to*elemSize])
}

func shiftArrayLeft(buf []byte, base, elemSize, from, to int) {
	if from == to {
		return
	}
	copy(buf[base+(from-1)*elemSize:base+(to-1)*elemSize], buf[base+from*elemSize:base+to*elemSize])
}

// leafView overlays a leaf node's key/value arrays onto page bytes.
type leafView[K constraints.Ordered, V any] struct {
	buf      []byte
	codec    Codec[K, V]
	capacity int
}

func leafCapacity(pageSize, keySize, valSize int) int {
	return util.Max(1, (pageSize-headerSize)/(keySize+valSize))
}

func newLeafView[K constraints.Ordered, V any](buf []byte, codec Codec[K, V], capacity int) *leafView[K, V] {
	return &leafView[K, V]{buf: buf, codec: codec, capacity: capacity}
}

func (lv *leafView[K, V]) count() int    { return int(pageCount(lv.buf)) }
func (lv *leafView[K, V]) isFull() bool  { return lv.count() == lv.capacity }
func (lv *leafView[K, V]) isEmpty() bool { return lv.count() == 0 }

func (lv *leafView[K, V]) valuesBase() int { return headerSize + lv.capacity*lv.codec.KeySize() }

func (lv *leafView[K, V]) keyAt(i int) K {
	off := headerSize + i*lv.codec.KeySize()
	return lv.codec.DecodeKey(lv.buf[off : off+lv.codec.KeySize()])
}

func (lv *leafView[K, V]) setKeyAt(i int, k K) {
	off := headerSize + i*lv.codec.KeySize()
	lv.codec.EncodeKey(k, lv.buf[off:off+lv.codec.KeySize()])
}

func (lv *leafView[K, V]) valueAt(i int) V {
	off := lv.valuesBase() + i*lv.codec.ValueSize()
	return lv.codec.DecodeValue(lv.buf[off : off+lv.codec.ValueSize()])
}

func (lv *leafView[K, V]) setValueAt(i int, v V) {
	off := lv.valuesBase() + i*lv.codec.ValueSize()
	lv.codec.EncodeValue(v, lv.buf[off:off+lv.codec.ValueSize()])
}

func (lv *leafView[K, V]) decodeKeys() []K {
	n := lv.count()
	keys := make([]K, n)
	for i := 0; i < n; i++ {
		keys[i] = lv.keyAt(i)
	}
	return keys
}

// lowerBound returns the index of the first key >= k, and whether k itself
// is present.
func (lv *leafView[K, V]) lowerBound(k K) (int, bool) {
	idx, found := search.Binary(k, lv.decodeKeys())
	return int(idx), found
}

// insert places (k, v) in sorted position if the leaf has room and k is
// absent; it returns false otherwise (full, or k already present).
func (lv *leafView[K, V]) insert(k K, v V) bool {
	if lv.isFull() {
		return false
	}
	idx, found := lv.lowerBound(k)
	if found {
		return false
	}
	n := lv.count()
	shiftArrayRight(lv.buf, headerSize, lv.codec.KeySize(), idx, n)
	shiftArrayRight(lv.buf, lv.valuesBase(), lv.codec.ValueSize(), idx, n)
	lv.setKeyAt(idx, k)
	lv.setValueAt(idx, v)
	setPageCount(lv.buf, uint16(n+1))
	return true
}

// assign overwrites the value at an already-present key.
func (lv *leafView[K, V]) assign(idx int, v V) { lv.setValueAt(idx, v) }

func (lv *leafView[K, V]) erase(idx int) {
	n := lv.count()
	shiftArrayLeft(lv.buf, headerSize, lv.codec.KeySize(), idx+1, n)
	shiftArrayLeft(lv.buf, lv.valuesBase(), lv.codec.ValueSize(), idx+1, n)
	setPageCount(lv.buf, uint16(n-1))
}

// split moves the upper half of entries into other (an empty leaf) and
// returns the pivot: the last key remaining in lv.
func (lv *leafView[K, V]) split(other *leafView[K, V]) K {
	n := lv.count()
	mid := n / 2
	rightCount := n - mid
	for i := 0; i < rightCount; i++ {
		other.setKeyAt(i, lv.keyAt(mid+i))
		other.setValueAt(i, lv.valueAt(mid+i))
	}
	setPageCount(other.buf, uint16(rightCount))
	setPageCount(lv.buf, uint16(mid))
	return lv.keyAt(mid - 1)
}

// innerView overlays an inner node's pivot/child arrays and its embedded
// MessageMap onto page bytes.
type innerView[K constraints.Ordered, V any] struct {
	buf      []byte
	codec    Codec[K, V]
	capacity int // N, the number of pivots this node can hold
	epsilon  int
	msgMap   *rbtree.Map
}

// innerCapacity computes N per the (P - header - epsilon - sizeof(child_id))
// / (sizeof(K) + sizeof(child_id)) formula.
func innerCapacity(pageSize, keySize, epsilon int) int {
	const childIDSize = 8
	return util.Max(1, (pageSize-headerSize-epsilon-childIDSize)/(keySize+childIDSize))
}

func newInnerView[K constraints.Ordered, V any](buf []byte, codec Codec[K, V], capacity, epsilon int) *innerView[K, V] {
	iv := &innerView[K, V]{buf: buf, codec: codec, capacity: capacity, epsilon: epsilon}
	mapArena := buf[len(buf)-epsilon:]
	userKeySize := codec.KeySize()
	msgKeySize := messageKeySize(userKeySize)
	msgValSize := messageValueSize(codec.ValueSize())
	iv.msgMap = rbtree.New(mapArena, msgKeySize, msgValSize, lessMessageKey)
	return iv
}

func (iv *innerView[K, V]) count() int    { return int(pageCount(iv.buf)) }
func (iv *innerView[K, V]) isFull() bool  { return iv.count() == iv.capacity }
func (iv *innerView[K, V]) isEmpty() bool { return iv.count() == 0 }

func (iv *innerView[K, V]) childrenBase() int { return headerSize + iv.capacity*iv.codec.KeySize() }

func (iv *innerView[K, V]) keyAt(i int) K {
	off := headerSize + i*iv.codec.KeySize()
	return iv.codec.DecodeKey(iv.buf[off : off+iv.codec.KeySize()])
}

func (iv *innerView[K, V]) setKeyAt(i int, k K) {
	off := headerSize + i*iv.codec.KeySize()
	iv.codec.EncodeKey(k, iv.buf[off:off+iv.codec.KeySize()])
}

func (iv *innerView[K, V]) childAt(i int) page.ID {
	off := iv.childrenBase() + i*8
	return page.ID(binary.BigEndian.Uint64(iv.buf[off : off+8]))
}

func (iv *innerView[K, V]) setChildAt(i int, id page.ID) {
	off := iv.childrenBase() + i*8
	binary.BigEndian.PutUint64(iv.buf[off:off+8], uint64(id))
}

func (iv *innerView[K, V]) decodeKeys() []K {
	n := iv.count()
	keys := make([]K, n)
	for i := 0; i < n; i++ {
		keys[i] = iv.keyAt(i)
	}
	return keys
}

// lowerBoundChild returns the index of the child whose range contains keys
// >= k (i.e. the first pivot >= k, or count if k exceeds every pivot).
func (iv *innerView[K, V]) lowerBoundChild(k K) int {
	idx, _ := search.Binary(k, iv.decodeKeys())
	return int(idx)
}

// upperBoundChild returns the index of the child whose range contains keys
// > k.
func (iv *innerView[K, V]) upperBoundChild(k K) int {
	idx, found := search.Binary(k, iv.decodeKeys())
	if found {
		idx++
	}
	return int(idx)
}

// insert adds pivot as a new separator, with rightChild becoming the child
// immediately to its right.
func (iv *innerView[K, V]) insert(pivot K, rightChild page.ID) bool {
	if iv.isFull() {
		return false
	}
	idx, found := search.Binary(pivot, iv.decodeKeys())
	if found {
		return false
	}
	n := iv.count()
	shiftArrayRight(iv.buf, headerSize, iv.codec.KeySize(), int(idx), n)
	shiftArrayRight(iv.buf, iv.childrenBase(), 8, int(idx)+1, n+1)
	iv.setKeyAt(int(idx), pivot)
	iv.setChildAt(int(idx)+1, rightChild)
	setPageCount(iv.buf, uint16(n+1))
	return true
}

// childIndexForMessageKey decodes the user-key prefix of a MessageMap key
// and routes it the same way lowerBoundChild would route the decoded key.
func (iv *innerView[K, V]) childIndexForMessageKey(msgKey []byte) int {
	userKeySize := iv.codec.KeySize()
	k := iv.codec.DecodeKey(msgKey[:userKeySize])
	return iv.lowerBoundChild(k)
}

// messageKeyBoundAfter returns the smallest MessageKey strictly greater
// than every MessageKey for k, regardless of timestamp: k's encoded bytes
// incremented by one, followed by an all-zero timestamp. Used as both the
// inclusive lower bound of the range for the child just past k and the
// exclusive upper bound for the child ending at k. It returns nil when k's
// encoding is all 0xFF bytes.
func (iv *innerView[K, V]) messageKeyBoundAfter(k K) []byte {
	userBuf := make([]byte, iv.codec.KeySize())
	iv.codec.EncodeKey(k, userBuf)
	next, ok := incrementBytes(userBuf)
	if !ok {
		return nil
	}
	out := make([]byte, messageKeySize(len(userBuf)))
	encodeMessageKey(next, 0, out)
	return out
}

// childKeyRange returns the half-open MessageKey byte range [lo, hi)
// covering every message that belongs under child idx, given child idx's
// key range is (key[idx-1], key[idx]].
func (iv *innerView[K, V]) childKeyRange(idx int) (lo, hi []byte) {
	if idx > 0 {
		lo = iv.messageKeyBoundAfter(iv.keyAt(idx - 1))
	}
	if idx < iv.count() {
		hi = iv.messageKeyBoundAfter(iv.keyAt(idx))
	}
	return lo, hi
}

// split moves the upper half of pivots and children to other and returns
// the pivot pushed up into the parent (the middle key, which is removed
// from both nodes rather than copied to either): iv keeps everything
// <= pivot, other everything > pivot. It also partitions iv's MessageMap
// accordingly, so that every buffered message still lives under the node
// whose child range now actually covers its key.
func (iv *innerView[K, V]) split(other *innerView[K, V]) K {
	n := iv.count()
	mid := n / 2
	pivot := iv.keyAt(mid)
	rightCount := n - mid - 1

	for i := 0; i < rightCount; i++ {
		other.setKeyAt(i, iv.keyAt(mid+1+i))
	}
	for i := 0; i <= rightCount; i++ {
		other.setChildAt(i, iv.childAt(mid+1+i))
	}
	setPageCount(other.buf, uint16(rightCount))
	setPageCount(iv.buf, uint16(mid))

	iv.partitionMessages(other, pivot)

	return pivot
}

// partitionMessages moves every message with a user key strictly greater
// than pivot out of iv's MessageMap and into other's, per §4.5: a split
// must hand off the messages that now belong to the other side along with
// the pivots and children. other is a freshly created, empty node with the
// same epsilon budget iv had before losing half its pivots, so these moves
// cannot legitimately overflow it; a failure here means a MessageMap
// invariant (capacity tracking, or the move set itself) is broken, so it
// halts rather than silently dropping messages.
func (iv *innerView[K, V]) partitionMessages(other *innerView[K, V], pivot K) {
	lo := iv.messageKeyBoundAfter(pivot)

	var toErase [][]byte
	iv.msgMap.Range(lo, nil, func(e rbtree.Entry) bool {
		if err := other.msgMap.Insert(e.Key, e.Tag, e.Payload); err != nil {
			panic("betree: message partition overflowed a freshly split inner node's message map")
		}
		toErase = append(toErase, append([]byte(nil), e.Key...))
		return true
	})
	for _, k := range toErase {
		iv.msgMap.Erase(k)
	}
}
