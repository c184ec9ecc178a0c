// Package rbtree implements the in-page message map: a red-black tree
// packed directly into a fixed byte arena, used by the B^ε-tree's inner
// nodes to buffer pending messages under a strict per-node byte budget.
//
// Keys and values are caller-encoded, fixed-size byte slices; the map does
// not know about the B^ε-tree's Key/Value types, only about comparing and
// copying bytes. This mirrors the split in the reference C++ template
// between the RB-tree's mechanical layout and the tree engine's notion of
// what a key or message actually is.
package rbtree

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrArenaFull is returned by Insert when there is not enough free space left
// in the arena for a new node and its value payload.
var ErrArenaFull = errors.New("rbtree: arena full")

const nilIdx uint16 = 0xFFFF

// Value tags. Insert and InsertOrAssign carry a full value-sized payload;
// Upsert carries a single operator id (the update closure itself is not
// serializable, so it is looked up by id in the engine's operator registry);
// Erase carries no payload at all.
const (
	TagInsert byte = iota
	TagInsertOrAssign
	TagUpsert
	TagErase
)

const headerSize = 10

// node field offsets. The key occupies the first keySize bytes of a node
// record; every other offset is relative to the end of the key.
const (
	nodeOffKey    = 0
	nodeOffLeft   = 0
	nodeOffRight  = 2
	nodeOffParent = 4
	nodeOffColor  = 6
	nodeOffDelete = 7
	nodeOffValue  = 8 // offset into the value heap
)

const nodeFixedSize = 2 + 2 + 2 + 1 + 1 + 2 // left,right,parent,color,deleted,valueOffset

const (
	colorBlack = 0
	colorRed   = 1
)

// Map is a red-black tree packed into arena, a fixed-size byte slice
// supplied by the caller (typically a slice of an inner node's page bytes).
//
// Arena layout: a 10-byte header, then a node array growing from byte
// offset headerSize upward, then free space, then a value heap growing down
// from the end of the arena. dataStart in the header marks the low end of
// the value heap (the heap occupies [dataStart, len(arena))).
type Map struct {
	arena   []byte
	keySize int
	valSize int // encoded size of a full V value, for Insert/InsertOrAssign payloads
	less    func(a, b []byte) bool
}

func (m *Map) nodeSize() int { return m.keySize + nodeFixedSize }

// New wraps arena as a message map using keySize-byte keys and valSize-byte
// values, ordered by less. If arena has not been initialized yet (all
// zeros), it is formatted as an empty map.
func New(arena []byte, keySize, valSize int, less func(a, b []byte) bool) *Map {
	m := &Map{arena: arena, keySize: keySize, valSize: valSize, less: less}
	if m.nodeCount() == 0 && m.dataStart() == 0 {
		m.reset()
	}
	return m
}

func (m *Map) reset() {
	m.setRoot(nilIdx)
	m.setNodeCount(0)
	m.setDataStart(uint16(len(m.arena)))
	m.setDeletedCount(0)
}

// header accessors

func (m *Map) root() uint16          { return binary.LittleEndian.Uint16(m.arena[0:2]) }
func (m *Map) setRoot(v uint16)      { binary.LittleEndian.PutUint16(m.arena[0:2], v) }
func (m *Map) nodeCount() uint16     { return binary.LittleEndian.Uint16(m.arena[2:4]) }
func (m *Map) setNodeCount(v uint16) { binary.LittleEndian.PutUint16(m.arena[2:4], v) }
func (m *Map) dataStart() uint16     { return binary.LittleEndian.Uint16(m.arena[4:6]) }
func (m *Map) setDataStart(v uint16) { binary.LittleEndian.PutUint16(m.arena[4:6], v) }
func (m *Map) deletedCount() uint16  { return binary.LittleEndian.Uint16(m.arena[8:10]) }
func (m *Map) setDeletedCount(v uint16) {
	binary.LittleEndian.PutUint16(m.arena[8:10], v)
}

// node accessors, addressed by node index (position in the node array).

func (m *Map) nodeOffset(i uint16) int { return headerSize + int(i)*m.nodeSize() }

func (m *Map) key(i uint16) []byte {
	off := m.nodeOffset(i)
	return m.arena[off : off+m.keySize]
}

func (m *Map) field(i uint16, off int) uint16 {
	base := m.nodeOffset(i) + m.keySize + off
	return binary.LittleEndian.Uint16(m.arena[base : base+2])
}

func (m *Map) setField(i uint16, off int, v uint16) {
	base := m.nodeOffset(i) + m.keySize + off
	binary.LittleEndian.PutUint16(m.arena[base:base+2], v)
}

func (m *Map) left(i uint16) uint16       { return m.field(i, 0) }
func (m *Map) setLeft(i, v uint16)        { m.setField(i, 0, v) }
func (m *Map) right(i uint16) uint16      { return m.field(i, 2) }
func (m *Map) setRight(i, v uint16)       { m.setField(i, 2, v) }
func (m *Map) parent(i uint16) uint16     { return m.field(i, 4) }
func (m *Map) setParent(i, v uint16)      { m.setField(i, 4, v) }
func (m *Map) valueOffset(i uint16) uint16 { return m.field(i, 8) }
func (m *Map) setValueOffset(i, v uint16) { m.setField(i, 8, v) }

func (m *Map) colorByteOffset(i uint16) int { return m.nodeOffset(i) + m.keySize + 6 }
func (m *Map) deleteByteOffset(i uint16) int { return m.nodeOffset(i) + m.keySize + 7 }

func (m *Map) color(i uint16) byte  { return m.arena[m.colorByteOffset(i)] }
func (m *Map) setColor(i uint16, c byte) { m.arena[m.colorByteOffset(i)] = c }
func (m *Map) isRed(i uint16) bool  { return i != nilIdx && m.color(i) == colorRed }

func (m *Map) isDeleted(i uint16) bool { return m.arena[m.deleteByteOffset(i)] != 0 }
func (m *Map) setDeleted(i uint16)     { m.arena[m.deleteByteOffset(i)] = 1 }

// value record layout: [tag byte][payload...]

func payloadLen(tag byte, valSize int) int {
	switch tag {
	case TagInsert, TagInsertOrAssign:
		return valSize
	case TagUpsert:
		return 1
	case TagErase:
		return 0
	default:
		return 0
	}
}

func (m *Map) recordSize(tag byte) int { return 1 + payloadLen(tag, m.valSize) }

func (m *Map) valueAt(i uint16) (tag byte, payload []byte) {
	off := int(m.valueOffset(i))
	tag = m.arena[off]
	n := payloadLen(tag, m.valSize)
	return tag, m.arena[off+1 : off+1+n]
}

// freeBytes returns the bytes available between the end of the node array
// and the start of the value heap.
func (m *Map) freeBytes() int {
	nodesEnd := headerSize + int(m.nodeCount())*m.nodeSize()
	return int(m.dataStart()) - nodesEnd
}

// Capacity returns the total size of the arena in bytes, header included,
// for reporting against the per-node byte budget.
func (m *Map) Capacity() int { return len(m.arena) }

// UsedBytes returns the bytes currently committed to nodes and values
// (including tombstoned entries not yet reclaimed by Compress).
func (m *Map) UsedBytes() int { return len(m.arena) - m.freeBytes() }

// Size returns the number of live (non-tombstoned) entries.
func (m *Map) Size() int { return int(m.nodeCount()) - int(m.deletedCount()) }

func (m *Map) allocValue(tag byte, payload []byte) (uint16, error) {
	size := m.recordSize(tag)
	if m.freeBytes() < size {
		return 0, ErrArenaFull
	}
	start := int(m.dataStart()) - size
	m.arena[start] = tag
	copy(m.arena[start+1:start+1+len(payload)], payload)
	m.setDataStart(uint16(start))
	return uint16(start), nil
}

func (m *Map) allocNode(key []byte) (uint16, error) {
	if m.freeBytes() < m.nodeSize() {
		return 0, ErrArenaFull
	}
	idx := m.nodeCount()
	if int(idx) >= int(nilIdx) {
		return 0, ErrArenaFull
	}
	copy(m.key(idx), key)
	m.setLeft(idx, nilIdx)
	m.setRight(idx, nilIdx)
	m.setParent(idx, nilIdx)
	m.setColor(idx, colorRed)
	m.arena[m.deleteByteOffset(idx)] = 0
	m.setNodeCount(idx + 1)
	return idx, nil
}

// find returns the index of the node whose key equals key under less, and
// ok=false if absent. It ignores tombstones (a tombstoned node with a
// matching key is reported as ok=false, i.e. logically absent).
func (m *Map) find(key []byte) (idx uint16, ok bool) {
	cur := m.root()
	for cur != nilIdx {
		k := m.key(cur)
		switch {
		case m.less(key, k):
			cur = m.left(cur)
		case m.less(k, key):
			cur = m.right(cur)
		default:
			if m.isDeleted(cur) {
				return 0, false
			}
			return cur, true
		}
	}
	return 0, false
}

// Find looks up key and returns its tag and payload if present and live.
func (m *Map) Find(key []byte) (tag byte, payload []byte, ok bool) {
	idx, ok := m.find(key)
	if !ok {
		return 0, nil, false
	}
	tag, payload = m.valueAt(idx)
	return tag, payload, true
}

// Insert adds a new message under key. Keys in a message map are expected to
// be unique (the engine encodes (user key, timestamp) so repeated writes to
// the same user key never collide); Insert returns an error if key is
// already present and live.
func (m *Map) Insert(key []byte, tag byte, payload []byte) error {
	if _, ok := m.find(key); ok {
		return fmt.Errorf("rbtree: key already present")
	}

	valOff, err := m.allocValue(tag, payload)
	if err != nil {
		return err
	}
	idx, err := m.allocNode(key)
	if err != nil {
		return err
	}
	m.setValueOffset(idx, valOff)

	m.bstInsert(idx)
	m.fixupInsert(idx)
	return nil
}

// bstInsert splices a freshly allocated leaf node into the tree by plain
// BST descent, ignoring color and balance.
func (m *Map) bstInsert(idx uint16) {
	if m.root() == nilIdx {
		m.setRoot(idx)
		m.setColor(idx, colorBlack)
		return
	}

	key := m.key(idx)
	cur := m.root()
	for {
		if m.less(key, m.key(cur)) {
			if m.left(cur) == nilIdx {
				m.setLeft(cur, idx)
				m.setParent(idx, cur)
				return
			}
			cur = m.left(cur)
		} else {
			if m.right(cur) == nilIdx {
				m.setRight(cur, idx)
				m.setParent(idx, cur)
				return
			}
			cur = m.right(cur)
		}
	}
}

func (m *Map) rotateLeft(x uint16) {
	y := m.right(x)
	m.setRight(x, m.left(y))
	if m.left(y) != nilIdx {
		m.setParent(m.left(y), x)
	}
	m.setParent(y, m.parent(x))
	if m.parent(x) == nilIdx {
		m.setRoot(y)
	} else if m.left(m.parent(x)) == x {
		m.setLeft(m.parent(x), y)
	} else {
		m.setRight(m.parent(x), y)
	}
	m.setLeft(y, x)
	m.setParent(x, y)
}

func (m *Map) rotateRight(x uint16) {
	y := m.left(x)
	m.setLeft(x, m.right(y))
	if m.right(y) != nilIdx {
		m.setParent(m.right(y), x)
	}
	m.setParent(y, m.parent(x))
	if m.parent(x) == nilIdx {
		m.setRoot(y)
	} else if m.right(m.parent(x)) == x {
		m.setRight(m.parent(x), y)
	} else {
		m.setLeft(m.parent(x), y)
	}
	m.setRight(y, x)
	m.setParent(x, y)
}

// fixupInsert restores red-black invariants after a red leaf insertion,
// following the standard case analysis (uncle red / uncle black triangle /
// uncle black line).
func (m *Map) fixupInsert(z uint16) {
	for m.isRed(m.parent(z)) {
		p := m.parent(z)
		gp := m.parent(p)
		if p == m.left(gp) {
			u := m.right(gp)
			if m.isRed(u) {
				m.setColor(p, colorBlack)
				m.setColor(u, colorBlack)
				m.setColor(gp, colorRed)
				z = gp
				continue
			}
			if z == m.right(p) {
				z = p
				m.rotateLeft(z)
				p = m.parent(z)
				gp = m.parent(p)
			}
			m.setColor(p, colorBlack)
			m.setColor(gp, colorRed)
			m.rotateRight(gp)
		} else {
			u := m.left(gp)
			if m.isRed(u) {
				m.setColor(p, colorBlack)
				m.setColor(u, colorBlack)
				m.setColor(gp, colorRed)
				z = gp
				continue
			}
			if z == m.left(p) {
				z = p
				m.rotateRight(z)
				p = m.parent(z)
				gp = m.parent(p)
			}
			m.setColor(p, colorBlack)
			m.setColor(gp, colorRed)
			m.rotateLeft(gp)
		}
	}
	m.setColor(m.root(), colorBlack)
}

// Erase tombstones key. It does not touch the tree's structure or reclaim
// heap space; call Compress to reclaim space once enough entries have been
// erased.
func (m *Map) Erase(key []byte) bool {
	idx, ok := m.find(key)
	if !ok {
		return false
	}
	m.setDeleted(idx)
	m.setDeletedCount(m.deletedCount() + 1)
	return true
}

// Entry is one live message, returned by Range.
type Entry struct {
	Key     []byte
	Tag     byte
	Payload []byte
}

// Range visits every live entry with a key in [lo, hi) in ascending order,
// stopping early if visit returns false. A nil lo or hi means unbounded on
// that side.
func (m *Map) Range(lo, hi []byte, visit func(Entry) bool) {
	m.rangeNode(m.root(), lo, hi, visit)
}

func (m *Map) rangeNode(idx uint16, lo, hi []byte, visit func(Entry) bool) bool {
	if idx == nilIdx {
		return true
	}
	k := m.key(idx)
	if !m.rangeNode(m.left(idx), lo, hi, visit) {
		return false
	}
	inLo := lo == nil || !m.less(k, lo)
	inHi := hi == nil || m.less(k, hi)
	if inLo && inHi && !m.isDeleted(idx) {
		tag, payload := m.valueAt(idx)
		if !visit(Entry{Key: k, Tag: tag, Payload: payload}) {
			return false
		}
	}
	if hi != nil && !m.less(k, hi) {
		// k >= hi: nothing in the right subtree can be < hi either,
		// since it is all > k.
		return true
	}
	return m.rangeNode(m.right(idx), lo, hi, visit)
}

// Compress rebuilds the arena from scratch, keeping only live entries, to
// reclaim space occupied by tombstones and to defragment the value heap.
// It walks the tree in order and reinserts each live entry into a fresh
// arena layout; tree shape (and therefore balance) is rebuilt from scratch
// rather than preserved.
func (m *Map) Compress() {
	type kept struct {
		key     []byte
		tag     byte
		payload []byte
	}
	var entries []kept
	m.Range(nil, nil, func(e Entry) bool {
		keyCopy := append([]byte(nil), e.Key...)
		payloadCopy := append([]byte(nil), e.Payload...)
		entries = append(entries, kept{key: keyCopy, tag: e.Tag, payload: payloadCopy})
		return true
	})

	for i := range m.arena {
		m.arena[i] = 0
	}
	m.reset()

	for _, e := range entries {
		// Capacity was already sufficient for these entries before
		// compression; reinsertion into an empty arena cannot fail.
		_ = m.Insert(e.key, e.tag, e.payload)
	}
}
