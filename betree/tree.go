// Package betree implements the B^ε-tree engine: an ordered, disk-backed
// key/value index built on top of a paged buffer pool, which defers
// mutations as messages buffered in each inner node's MessageMap and
// resolves them into leaves in flush batches.
package betree

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/exp/constraints"

	"github.com/tobiasfamos/betree/buffer"
	"github.com/tobiasfamos/betree/page"
	"github.com/tobiasfamos/betree/rbtree"
)

// Tree is a B^ε-tree over one buffer-pool segment. Per the concurrency
// model, a Tree assumes a single mutator at a time; concurrent shared
// reads are safe because inner nodes are never mutated while held shared.
type Tree[K constraints.Ordered, V any] struct {
	pool     *buffer.Pool
	segment  uint16
	codec    Codec[K, V]
	pageSize int
	epsilon  int
	leafCap  int
	innerCap int
	log      logr.Logger

	mu sync.Mutex

	root     page.ID
	hasRoot  bool
	nextPage uint64

	nextTimestamp uint64
	count         uint64 // committed entries across all leaves
	leafCount     uint64
	pending       int64 // net buffered messages not yet resolved into count

	operators []func(V) V
}

// New constructs an empty tree over pool, in the given 16-bit segment, with
// epsilon bytes reserved per inner node for its MessageMap.
func New[K constraints.Ordered, V any](pool *buffer.Pool, segment uint16, codec Codec[K, V], epsilon int, log logr.Logger) *Tree[K, V] {
	pageSize := pool.PageSize()
	return &Tree[K, V]{
		pool:     pool,
		segment:  segment,
		codec:    codec,
		pageSize: pageSize,
		epsilon:  epsilon,
		leafCap:  leafCapacity(pageSize, codec.KeySize(), codec.ValueSize()),
		innerCap: innerCapacity(pageSize, codec.KeySize(), epsilon),
		log:      log,
	}
}

// Size returns the number of entries committed to leaves.
func (t *Tree[K, V]) Size() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// SizePending returns Size plus the net count of buffered messages: each
// buffered Insert, InsertOrAssign or Upsert adds one and each buffered Erase
// subtracts one until a flush resolves it against the leaves. Messages that
// turn out to be no-ops (an Insert of a present key, an Upsert or Erase of
// an absent one) are therefore counted until they are flushed.
func (t *Tree[K, V]) SizePending() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int64(t.count) + t.pending
}

// Capacity returns leaf_count * leaf capacity.
func (t *Tree[K, V]) Capacity() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.leafCount * uint64(t.leafCap)
}

// Depth returns the number of levels from the root to the leaves,
// inclusive (a tree with only a leaf root has depth 1).
func (t *Tree[K, V]) Depth() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hasRoot {
		return 0, nil
	}
	depth := 1
	id := t.root
	for {
		fix, err := t.pool.Fix(id)
		if err != nil {
			return 0, err
		}
		lvl := pageLevel(fix.Data())
		if lvl == 0 {
			fix.Unfix()
			return depth, nil
		}
		iv := newInnerView(fix.Data(), t.codec, t.innerCap, t.epsilon)
		child := iv.childAt(0)
		fix.Unfix()
		id = child
		depth++
	}
}

func (t *Tree[K, V]) allocPageID() page.ID {
	id := page.NewID(t.segment, t.nextPage)
	t.nextPage++
	return id
}

func (t *Tree[K, V]) newLeaf() (page.ID, *buffer.ExclusiveFix, *leafView[K, V], error) {
	id := t.allocPageID()
	fix, err := t.pool.FixExclusive(id)
	if err != nil {
		return 0, nil, nil, err
	}
	setPageLevel(fix.Data(), 0)
	setPageCount(fix.Data(), 0)
	fix.SetDirty()
	t.leafCount++
	return id, fix, newLeafView(fix.Data(), t.codec, t.leafCap), nil
}

func (t *Tree[K, V]) newInner(level uint8) (page.ID, *buffer.ExclusiveFix, *innerView[K, V], error) {
	id := t.allocPageID()
	fix, err := t.pool.FixExclusive(id)
	if err != nil {
		return 0, nil, nil, err
	}
	setPageLevel(fix.Data(), level)
	setPageCount(fix.Data(), 0)
	fix.SetDirty()
	return id, fix, newInnerView(fix.Data(), t.codec, t.innerCap, t.epsilon), nil
}

// rootFixExclusive returns an exclusive fix on the root, lazily allocating
// a leaf root on the tree's first use.
func (t *Tree[K, V]) rootFixExclusive() (page.ID, *buffer.ExclusiveFix, error) {
	if !t.hasRoot {
		id, fix, _, err := t.newLeaf()
		if err != nil {
			return 0, nil, err
		}
		t.root = id
		t.hasRoot = true
		return id, fix, nil
	}
	fix, err := t.pool.FixExclusive(t.root)
	return t.root, fix, err
}

// registerOperator records f under a fresh operator id so it can be
// referenced by a one-byte tag inside a MessageMap entry. Each call
// allocates a new slot; callers that issue many Upserts should be mindful
// of the 256-operator ceiling this implies.
func (t *Tree[K, V]) registerOperator(f func(V) V) uint8 {
	if len(t.operators) >= 256 {
		panic("betree: exceeded 256 registered upsert operators")
	}
	id := uint8(len(t.operators))
	t.operators = append(t.operators, f)
	return id
}

// Insert places (k, v) if k is absent; it is a no-op if k is already present.
func (t *Tree[K, V]) Insert(k K, v V) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insertVariant(k, v, tagInsert, 0)
}

// InsertOrAssign places (k, v), overwriting any existing value for k.
func (t *Tree[K, V]) InsertOrAssign(k K, v V) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insertVariant(k, v, tagInsertOrAssign, 0)
}

// Upsert applies f to the current value at k if k is present; it has no
// effect if k is absent.
func (t *Tree[K, V]) Upsert(k K, f func(V) V) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	opID := t.registerOperator(f)
	var zero V
	return t.insertVariant(k, zero, tagUpsert, opID)
}

// Erase removes k if present.
func (t *Tree[K, V]) Erase(k K) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var zero V
	return t.insertVariant(k, zero, tagErase, 0)
}

// insertVariant implements the shared shape of Insert/InsertOrAssign/
// Upsert/Erase: fix the root; if it is still a leaf, either apply directly
// or grow the tree; then buffer a message into the (now certainly inner)
// root, flushing to make room if needed.
func (t *Tree[K, V]) insertVariant(k K, v V, tag byte, opID uint8) error {
	rootID, rootFix, err := t.rootFixExclusive()
	if err != nil {
		return err
	}
	defer func() {
		if rootFix != nil {
			rootFix.Unfix()
		}
	}()

	if pageLevel(rootFix.Data()) == 0 {
		lv := newLeafView(rootFix.Data(), t.codec, t.leafCap)
		idx, found := lv.lowerBound(k)

		switch tag {
		case tagInsert:
			if found {
				return nil
			}
			if lv.insert(k, v) {
				rootFix.SetDirty()
				t.count++
				return nil
			}
		case tagInsertOrAssign:
			if found {
				lv.assign(idx, v)
				rootFix.SetDirty()
				return nil
			}
			if lv.insert(k, v) {
				rootFix.SetDirty()
				t.count++
				return nil
			}
		case tagErase:
			if found {
				lv.erase(idx)
				rootFix.SetDirty()
				t.count--
			}
			return nil
		case tagUpsert:
			if found {
				lv.assign(idx, t.operators[opID](lv.valueAt(idx)))
				rootFix.SetDirty()
			}
			return nil
		}

		// The leaf root has no room: grow a new inner root over it and its
		// freshly split sibling.
		newRootID, newRootFix, newRootIV, err := t.newInner(1)
		if err != nil {
			return err
		}
		newRootIV.setChildAt(0, rootID)

		siblingID, siblingFix, siblingLV, err := t.newLeaf()
		if err != nil {
			newRootFix.Unfix()
			return err
		}
		pivot := lv.split(siblingLV)
		newRootIV.insert(pivot, siblingID)

		rootFix.SetDirty()
		siblingFix.SetDirty()
		siblingFix.Unfix()

		t.root = newRootID
		rootFix.Unfix()
		rootFix = newRootFix
		rootID = newRootID
	}

	iv := newInnerView(rootFix.Data(), t.codec, t.innerCap, t.epsilon)
	finalFix, err := t.insertMessageInto(rootID, rootFix, iv, k, v, tag, opID)
	rootFix = finalFix
	return err
}

func (t *Tree[K, V]) messageInsert(iv *innerView[K, V], k K, v V, tag byte, opID uint8) (bool, error) {
	userKeyBuf := make([]byte, t.codec.KeySize())
	t.codec.EncodeKey(k, userKeyBuf)

	msgKeyBuf := make([]byte, messageKeySize(t.codec.KeySize()))
	encodeMessageKey(userKeyBuf, t.nextTimestamp, msgKeyBuf)

	var payload []byte
	switch tag {
	case tagInsert, tagInsertOrAssign:
		payload = make([]byte, t.codec.ValueSize())
		t.codec.EncodeValue(v, payload)
	case tagUpsert:
		payload = []byte{opID}
	}

	if err := iv.msgMap.Insert(msgKeyBuf, tag, payload); err != nil {
		if err == rbtree.ErrArenaFull {
			return false, nil
		}
		return false, err
	}
	t.nextTimestamp++
	return true, nil
}

// insertMessageInto buffers a message into the tree's root MessageMap,
// flushing (always starting from id/fix/iv, initially the root) to make
// room if the map is full. Flushing a node's own message map can cascade
// into splitting that node's pivot array (see flush/attachChild), which
// can in turn grow a new root above it; when that happens this node is no
// longer the root, so the retry re-fixes whatever t.root now is rather
// than continuing to target the now-demoted node, since every message is
// always buffered at the current root regardless of which leaf it will
// eventually resolve to. It returns whichever fix ends up holding the
// message, for the caller to unfix.
func (t *Tree[K, V]) insertMessageInto(id page.ID, fix *buffer.ExclusiveFix, iv *innerView[K, V], k K, v V, tag byte, opID uint8) (*buffer.ExclusiveFix, error) {
	for {
		ok, err := t.messageInsert(iv, k, v, tag, opID)
		if err != nil {
			return fix, err
		}
		if ok {
			fix.SetDirty()
			if tag == tagErase {
				t.pending--
			} else {
				t.pending++
			}
			return fix, nil
		}

		minBytes := messageRecordSize(tag, t.codec.ValueSize())
		if err := t.flush(nil, id, fix, iv, minBytes); err != nil {
			return fix, err
		}

		if id != t.root {
			fix.Unfix()
			id, fix, err = t.rootFixExclusive()
			if err != nil {
				return fix, err
			}
		}
		iv = newInnerView(fix.Data(), t.codec, t.innerCap, t.epsilon)
	}
}

// Find looks up k, consulting buffered messages on the path before the leaf.
func (t *Tree[K, V]) Find(k K) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero V
	if !t.hasRoot {
		return zero, false
	}

	userKeyBuf := make([]byte, t.codec.KeySize())
	t.codec.EncodeKey(k, userKeyBuf)

	var pendingInsert *V
	id := t.root
	for {
		fix, err := t.pool.Fix(id)
		if err != nil {
			return zero, false
		}
		buf := fix.Data()

		if pageLevel(buf) == 0 {
			lv := newLeafView(buf, t.codec, t.leafCap)
			idx, found := lv.lowerBound(k)
			if found {
				val := lv.valueAt(idx)
				fix.Unfix()
				return val, true
			}
			fix.Unfix()
			if pendingInsert != nil {
				return *pendingInsert, true
			}
			return zero, false
		}

		iv := newInnerView(buf, t.codec, t.innerCap, t.epsilon)
		lo, hi := userKeyRange(userKeyBuf)

		val, shortCircuit, erased := t.scanMessagesForKey(iv, lo, hi, &pendingInsert)
		if erased {
			fix.Unfix()
			return zero, false
		}
		if shortCircuit {
			fix.Unfix()
			return val, true
		}

		childIdx := iv.lowerBoundChild(k)
		childID := iv.childAt(childIdx)
		fix.Unfix()
		id = childID
	}
}

// scanMessagesForKey walks the messages targeting one user key at a single
// inner node, in ascending timestamp order. An InsertOrAssign or Erase seen
// along the way is authoritative and short-circuits the whole Find; an
// Insert updates *pendingInsert as a fallback value to use if the leaf
// ultimately has no entry for k. A pending Upsert is applied to
// *pendingInsert if one is already recorded; otherwise it is left for the
// leaf's committed value to resolve, per the documented open question on
// Upsert visibility during Find.
func (t *Tree[K, V]) scanMessagesForKey(iv *innerView[K, V], lo, hi []byte, pendingInsert **V) (val V, shortCircuit bool, erased bool) {
	iv.msgMap.Range(lo, hi, func(e rbtree.Entry) bool {
		switch e.Tag {
		case tagInsert:
			v := t.codec.DecodeValue(e.Payload)
			*pendingInsert = &v
		case tagInsertOrAssign:
			val = t.codec.DecodeValue(e.Payload)
			shortCircuit = true
			return false
		case tagUpsert:
			if *pendingInsert != nil {
				nv := t.operators[e.Payload[0]](**pendingInsert)
				*pendingInsert = &nv
			}
		case tagErase:
			*pendingInsert = nil
			erased = true
			return false
		}
		return true
	})
	return val, shortCircuit, erased
}

// ancestorFrame pins one node on the path from the root down to (but not
// including) the node a flush or attachChild call is currently operating
// on. These pins are just the Go call stack of nested flush calls made
// concrete: each flush frame keeps its own (id, fix, iv) alive on its stack
// while it recurses into a child, so passing that frame down as an
// ancestorFrame lets a split many levels below cascade back up through
// exactly the fixes already held, without re-fixing anything.
type ancestorFrame[K constraints.Ordered, V any] struct {
	id  page.ID
	fix *buffer.ExclusiveFix
	iv  *innerView[K, V]
}

func pushAncestor[K constraints.Ordered, V any](ancestors []ancestorFrame[K, V], f ancestorFrame[K, V]) []ancestorFrame[K, V] {
	out := make([]ancestorFrame[K, V], len(ancestors)+1)
	copy(out, ancestors)
	out[len(ancestors)] = f
	return out
}

// flush ensures node (id, fix, iv) has at least minBytes of free MessageMap
// capacity, draining its buffered messages into children (recursively
// making room in a child first if necessary) until it does. ancestors are
// id's own ancestors, root first, used to cascade a pivot-array split of
// id (or of a descendant reached via recursive flushing) up toward the
// root when a freshly split child needs a new pivot slot that isn't there.
func (t *Tree[K, V]) flush(ancestors []ancestorFrame[K, V], id page.ID, fix *buffer.ExclusiveFix, iv *innerView[K, V], minBytes int) error {
	for iv.msgMap.Compress(); iv.msgMap.Capacity()-iv.msgMap.UsedBytes() < minBytes; iv.msgMap.Compress() {
		childIdx, err := t.findFlush(iv)
		if err != nil {
			return err
		}

		childID := iv.childAt(childIdx)
		childFix, err := t.pool.FixExclusive(childID)
		if err != nil {
			return err
		}

		lo, hi := iv.childKeyRange(childIdx)

		if pageLevel(childFix.Data()) == 0 {
			if err := t.flushToLeaf(ancestors, id, fix, iv, childID, childFix, lo, hi); err != nil {
				childFix.Unfix()
				return err
			}
			childFix.Unfix()
			continue
		}

		childIV := newInnerView(childFix.Data(), t.codec, t.innerCap, t.epsilon)
		drained, err := t.drainInto(iv, childIV, lo, hi)
		if err != nil {
			childFix.Unfix()
			return err
		}
		if drained == 0 {
			// The child has no room either: make room in it first, then
			// retry the drain on the next iteration of this loop.
			minChildBytes := messageRecordSize(tagInsert, t.codec.ValueSize())
			childAncestors := pushAncestor(ancestors, ancestorFrame[K, V]{id: id, fix: fix, iv: iv})
			if err := t.flush(childAncestors, childID, childFix, childIV, minChildBytes); err != nil {
				childFix.Unfix()
				return err
			}
		} else {
			childFix.SetDirty()
		}
		childFix.Unfix()
		fix.SetDirty()
	}
	return nil
}

// findFlush picks the child index with the largest total pending message
// bytes.
func (t *Tree[K, V]) findFlush(iv *innerView[K, V]) (int, error) {
	totals := make([]int, iv.count()+1)
	iv.msgMap.Range(nil, nil, func(e rbtree.Entry) bool {
		idx := iv.childIndexForMessageKey(e.Key)
		totals[idx] += 1 + len(e.Payload)
		return true
	})
	best := 0
	for i := 1; i < len(totals); i++ {
		if totals[i] > totals[best] {
			best = i
		}
	}
	return best, nil
}

// drainInto moves as many messages as fit from src's MessageMap (within
// [lo, hi)) into dst's, returning how many were moved.
func (t *Tree[K, V]) drainInto(src, dst *innerView[K, V], lo, hi []byte) (int, error) {
	var toErase [][]byte
	src.msgMap.Range(lo, hi, func(e rbtree.Entry) bool {
		if err := dst.msgMap.Insert(e.Key, e.Tag, e.Payload); err != nil {
			return false
		}
		toErase = append(toErase, append([]byte(nil), e.Key...))
		return true
	})
	for _, k := range toErase {
		src.msgMap.Erase(k)
	}
	return len(toErase), nil
}

// flushToLeaf applies every message in [lo, hi) to leaf, in ascending
// MessageKey order, splitting it at most once if it overflows. A second
// overflow within the same batch is rejected with an error rather than
// chaining further splits; see DESIGN.md for why this scope was chosen.
func (t *Tree[K, V]) flushToLeaf(ancestors []ancestorFrame[K, V], parentID page.ID, parentFix *buffer.ExclusiveFix, parentIV *innerView[K, V], leafID page.ID, leafFix *buffer.ExclusiveFix, lo, hi []byte) error {
	lv := newLeafView(leafFix.Data(), t.codec, t.leafCap)

	var splitLV *leafView[K, V]
	var splitFix *buffer.ExclusiveFix
	var splitPivot K
	var splitErr error

	leafFor := func(k K) *leafView[K, V] {
		if splitLV != nil && !t.codec.Less(k, splitPivot) {
			return splitLV
		}
		return lv
	}

	ensureRoom := func(k K) *leafView[K, V] {
		target := leafFor(k)
		if !target.isFull() || splitLV != nil {
			return target
		}
		_, fix, newLV, err := t.newLeaf()
		if err != nil {
			splitErr = err
			return target
		}
		splitPivot = lv.split(newLV)
		fix.SetDirty()
		splitFix = fix
		splitLV = newLV
		return leafFor(k)
	}

	var toErase [][]byte
	parentIV.msgMap.Range(lo, hi, func(e rbtree.Entry) bool {
		userKeySize := t.codec.KeySize()
		k := t.codec.DecodeKey(e.Key[:userKeySize])

		switch e.Tag {
		case tagInsert, tagInsertOrAssign:
			target := leafFor(k)
			idx, found := target.lowerBound(k)
			v := t.codec.DecodeValue(e.Payload)
			if e.Tag == tagInsertOrAssign && found {
				target.assign(idx, v)
			} else if !found {
				target = ensureRoom(k)
				if splitErr != nil {
					return false
				}
				if !target.insert(k, v) {
					splitErr = fmt.Errorf("betree: leaf %s overflowed twice in one flush batch, which is not supported", leafID)
					return false
				}
				t.count++
			}
			t.pending--
		case tagUpsert:
			target := leafFor(k)
			if idx, found := target.lowerBound(k); found {
				target.assign(idx, t.operators[e.Payload[0]](target.valueAt(idx)))
			}
			t.pending--
		case tagErase:
			target := leafFor(k)
			if idx, found := target.lowerBound(k); found {
				target.erase(idx)
				t.count--
			}
			t.pending++
		}

		toErase = append(toErase, append([]byte(nil), e.Key...))
		return true
	})

	for _, k := range toErase {
		parentIV.msgMap.Erase(k)
	}
	leafFix.SetDirty()
	parentFix.SetDirty()

	if splitErr != nil {
		if splitFix != nil {
			splitFix.Unfix()
		}
		return splitErr
	}
	if splitLV == nil {
		return nil
	}

	splitID := splitFix.ID()
	splitFix.Unfix()
	return t.attachChild(ancestors, parentID, parentFix, parentIV, splitPivot, splitID)
}

// attachChild attaches a freshly split-off child (a leaf from flushToLeaf,
// or an inner node from a cascaded split below) to parent as a new
// pivot/child pair. If parent's own pivot array is full, parent is split in
// turn (per §4.6.4) and the attachment cascades: the newly promoted pivot
// and sibling id are attached one level further up, via ancestors, the
// chain of still-pinned nodes from the root down to parent. If parent has
// no ancestors, it is the root, and the cascade instead grows the tree by a
// level: a fresh root is allocated above parent and its new sibling.
func (t *Tree[K, V]) attachChild(ancestors []ancestorFrame[K, V], parentID page.ID, parentFix *buffer.ExclusiveFix, parentIV *innerView[K, V], pivot K, childID page.ID) error {
	if parentIV.insert(pivot, childID) {
		parentFix.SetDirty()
		return nil
	}

	level := pageLevel(parentFix.Data())
	siblingID, siblingFix, siblingIV, err := t.newInner(level)
	if err != nil {
		return err
	}

	upPivot := parentIV.split(siblingIV)

	var ok bool
	if t.codec.Less(upPivot, pivot) {
		ok = siblingIV.insert(pivot, childID)
	} else {
		ok = parentIV.insert(pivot, childID)
	}
	if !ok {
		siblingFix.Unfix()
		return fmt.Errorf("betree: inner node %s split but still has no room for pivot", parentID)
	}
	parentFix.SetDirty()
	siblingFix.SetDirty()
	siblingFix.Unfix()

	if len(ancestors) == 0 {
		rootID, rootFix, rootIV, err := t.newInner(level + 1)
		if err != nil {
			return err
		}
		rootIV.setChildAt(0, parentID)
		if !rootIV.insert(upPivot, siblingID) {
			rootFix.Unfix()
			return fmt.Errorf("betree: freshly allocated root has no room for its first pivot")
		}
		rootFix.SetDirty()
		rootFix.Unfix()
		t.root = rootID
		return nil
	}

	parentOfParent := ancestors[len(ancestors)-1]
	return t.attachChild(ancestors[:len(ancestors)-1], parentOfParent.id, parentOfParent.fix, parentOfParent.iv, upPivot, siblingID)
}

// Iterator walks committed leaf entries in key order. It holds a shared fix
// on the leaf it currently sits in; unlike a root-to-leaf pin stack, it does
// not hold pins on the ancestor inner nodes on its path, since the tree's
// single-mutator model (Tree.mu) already makes a full path pin unnecessary
// for correctness here. Next crossing a leaf boundary re-descends from the
// root at upper_bound(last key seen), exactly as spec'd. An Iterator does
// not consult buffered inner-node messages: it only ever sees committed leaf
// content, so a key with an unflushed Insert or Upsert pending against it
// will not show up until flushed. Call Close when done with an iterator that
// might not be run to exhaustion, to release its leaf pin.
type Iterator[K constraints.Ordered, V any] struct {
	t     *Tree[K, V]
	fix   *buffer.SharedFix
	lv    *leafView[K, V]
	idx   int
	valid bool
}

// Valid reports whether the iterator currently sits on an entry.
func (it *Iterator[K, V]) Valid() bool { return it.valid }

// Key returns the current entry's key. Valid must be true.
func (it *Iterator[K, V]) Key() K { return it.lv.keyAt(it.idx) }

// Value returns the current entry's value. Valid must be true.
func (it *Iterator[K, V]) Value() V { return it.lv.valueAt(it.idx) }

// Close releases the iterator's leaf pin. Safe to call multiple times, and
// safe to skip once the iterator has been advanced past its last entry.
func (it *Iterator[K, V]) Close() {
	if it.fix != nil {
		it.fix.Unfix()
		it.fix = nil
	}
}

// Next advances to the next entry in key order, re-descending from the root
// when the current leaf is exhausted.
func (it *Iterator[K, V]) Next() {
	if !it.valid {
		return
	}
	last := it.lv.keyAt(it.idx)
	it.idx++
	if it.idx < it.lv.count() {
		return
	}

	it.fix.Unfix()
	it.fix = nil

	it.t.mu.Lock()
	next := it.t.upperBoundLocked(last)
	it.t.mu.Unlock()
	*it = *next
}

// descend walks from the root to a leaf, choosing a child at each inner
// node via childSel and landing at leafIdx within that leaf.
func (t *Tree[K, V]) descend(childSel func(*innerView[K, V]) int, leafIdx func(*leafView[K, V]) int) *Iterator[K, V] {
	if !t.hasRoot {
		return &Iterator[K, V]{t: t}
	}
	id := t.root
	var bound K
	hasBound := false
	for {
		fix, err := t.pool.Fix(id)
		if err != nil {
			return &Iterator[K, V]{t: t}
		}
		if pageLevel(fix.Data()) == 0 {
			lv := newLeafView(fix.Data(), t.codec, t.leafCap)
			idx := leafIdx(lv)
			if idx >= lv.count() {
				// Nothing left in this leaf: continue after the tightest
				// pivot above it, or end without holding a pin.
				fix.Unfix()
				if hasBound {
					return t.upperBoundLocked(bound)
				}
				return &Iterator[K, V]{t: t}
			}
			it := &Iterator[K, V]{t: t, fix: fix, lv: lv, idx: idx}
			it.valid = idx < lv.count()
			return it
		}
		iv := newInnerView(fix.Data(), t.codec, t.innerCap, t.epsilon)
		c := childSel(iv)
		if c < iv.count() {
			bound, hasBound = iv.keyAt(c), true
		}
		child := iv.childAt(c)
		fix.Unfix()
		id = child
	}
}

// Begin returns an iterator at the smallest committed key.
func (t *Tree[K, V]) Begin() *Iterator[K, V] {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.descend(
		func(iv *innerView[K, V]) int { return 0 },
		func(lv *leafView[K, V]) int { return 0 },
	)
}

// LowerBound returns an iterator at the first committed key >= k.
func (t *Tree[K, V]) LowerBound(k K) *Iterator[K, V] {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.descend(
		func(iv *innerView[K, V]) int { return iv.lowerBoundChild(k) },
		func(lv *leafView[K, V]) int {
			idx, _ := lv.lowerBound(k)
			return idx
		},
	)
}

// UpperBound returns an iterator at the first committed key > k.
func (t *Tree[K, V]) UpperBound(k K) *Iterator[K, V] {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.upperBoundLocked(k)
}

func (t *Tree[K, V]) upperBoundLocked(k K) *Iterator[K, V] {
	return t.descend(
		func(iv *innerView[K, V]) int { return iv.upperBoundChild(k) },
		func(lv *leafView[K, V]) int {
			idx, found := lv.lowerBound(k)
			if found {
				idx++
			}
			return idx
		},
	)
}
