package betree

import (
	"math/rand"
	"testing"

	"github.com/go-logr/logr"
	fuzz "github.com/google/gofuzz"

	"github.com/tobiasfamos/betree/buffer"
	"github.com/tobiasfamos/betree/segment"
)

// newTestTree builds a Tree[uint64,uint64] over an in-memory RAMDisk, so
// these tests never touch the filesystem.
func newTestTree(t *testing.T, pageSize, poolSize, epsilon int) *Tree[uint64, uint64] {
	t.Helper()
	disk := segment.NewRAMDisk(pageSize)
	pool := buffer.NewPool(disk, poolSize, logr.Discard())
	return New[uint64, uint64](pool, 0, Uint64Codec{}, epsilon, logr.Discard())
}

func TestSingletonInsert(t *testing.T) {
	tr := newTestTree(t, 1024, 16, 256)

	if err := tr.Insert(12, 34); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if got := tr.SizePending(); got != 1 {
		t.Fatalf("SizePending() = %d, want 1", got)
	}
	val, ok := tr.Find(12)
	if !ok || val != 34 {
		t.Fatalf("Find(12) = (%d, %v), want (34, true)", val, ok)
	}
}

func TestLeafFillThenSplit(t *testing.T) {
	tr := newTestTree(t, 1024, 32, 256)
	l := leafCapacity(1024, 8, 8)

	for i := uint64(0); i <= uint64(l); i++ {
		if err := tr.Insert(i, i); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	depth, err := tr.Depth()
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 2 {
		t.Fatalf("Depth() = %d, want 2 after %d inserts filled one leaf and forced a split", depth, l+1)
	}

	for i := uint64(0); i <= uint64(l); i++ {
		val, ok := tr.Find(i)
		if !ok || val != i {
			t.Fatalf("Find(%d) = (%d, %v), want (%d, true)", i, val, ok, i)
		}
	}
}

func TestMassLinearInsert(t *testing.T) {
	tr := newTestTree(t, 1024, 128, 256)
	l := leafCapacity(1024, 8, 8)
	n := innerCapacity(1024, 8, 256)
	total := uint64(l) * uint64(n) * 2

	for i := uint64(0); i < total; i++ {
		if err := tr.Insert(i, i); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	if got := tr.SizePending(); got != int64(total) {
		t.Fatalf("SizePending() = %d, want %d", got, total)
	}

	it := tr.Begin()
	defer it.Close()
	var want uint64
	for it.Valid() {
		if it.Key() != want || it.Value() != want {
			t.Fatalf("iteration at position %d: key=%d value=%d, want %d", want, it.Key(), it.Value(), want)
		}
		want++
		it.Next()
	}
	if want != total {
		t.Fatalf("iteration produced %d entries, want %d", want, total)
	}

	if _, ok := tr.Find(total); ok {
		t.Fatalf("Find(%d) found a value, want not found (key was never inserted)", total)
	}
}

func TestReverseOrderInsert(t *testing.T) {
	tr := newTestTree(t, 1024, 128, 256)
	l := leafCapacity(1024, 8, 8)
	n := innerCapacity(1024, 8, 256)
	total := uint64(l) * uint64(n) * 2

	// Key 0 is deliberately skipped, matching the reference scenario.
	for i := total; i >= 1; i-- {
		if err := tr.Insert(i, i); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	it := tr.Begin()
	defer it.Close()
	want := uint64(1)
	for it.Valid() {
		if it.Key() != want {
			t.Fatalf("iteration: key=%d, want %d", it.Key(), want)
		}
		want++
		it.Next()
	}
	if want != total+1 {
		t.Fatalf("iteration produced entries up to %d, want up to %d", want-1, total)
	}

	lb := tr.LowerBound(0)
	defer lb.Close()
	if !lb.Valid() || lb.Key() != 1 {
		t.Fatalf("LowerBound(0) landed on key=%v valid=%v, want key=1 (key 0 was never inserted)", lb.Key(), lb.Valid())
	}
}

func TestRandomInsertWithRepeats(t *testing.T) {
	tr := newTestTree(t, 1024, 256, 256)

	const n = 10000
	f := fuzz.New().NilChance(0).Funcs(func(u *uint64, c fuzz.Continue) {
		*u = c.Uint64()
	})

	seen := make(map[uint64]bool, n)
	keys := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		var k uint64
		f.Fuzz(&k)
		if err := tr.Insert(k, 0); err != nil {
			t.Fatalf("Insert(%d): %v", k, err)
		}
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}

	if got, want := tr.SizePending(), int64(len(keys)); got != want {
		t.Fatalf("SizePending() = %d, want %d distinct keys (duplicates collapse on flush)", got, want)
	}
	if tr.Size() > uint64(tr.SizePending()) {
		t.Fatalf("Size() = %d exceeds SizePending() = %d", tr.Size(), tr.SizePending())
	}
	for _, k := range keys {
		if _, ok := tr.Find(k); !ok {
			t.Fatalf("Find(%d) not found after insert", k)
		}
	}
}

func TestInsertIgnoresDuplicate(t *testing.T) {
	tr := newTestTree(t, 1024, 16, 256)

	if err := tr.Insert(5, 1); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.Insert(5, 2); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	val, ok := tr.Find(5)
	if !ok || val != 1 {
		t.Fatalf("Find(5) = (%d, %v), want (1, true): second Insert must not overwrite", val, ok)
	}
	if got := tr.SizePending(); got != 1 {
		t.Fatalf("SizePending() = %d, want 1", got)
	}
}

func TestInsertOrAssignOverwrites(t *testing.T) {
	tr := newTestTree(t, 1024, 16, 256)

	if err := tr.InsertOrAssign(5, 1); err != nil {
		t.Fatalf("InsertOrAssign: %v", err)
	}
	if err := tr.InsertOrAssign(5, 2); err != nil {
		t.Fatalf("InsertOrAssign: %v", err)
	}
	val, ok := tr.Find(5)
	if !ok || val != 2 {
		t.Fatalf("Find(5) = (%d, %v), want (2, true)", val, ok)
	}
}

func TestUpsert(t *testing.T) {
	tr := newTestTree(t, 1024, 16, 256)

	if err := tr.Upsert(5, func(v uint64) uint64 { return v + 1 }); err != nil {
		t.Fatalf("Upsert on absent key: %v", err)
	}
	if _, ok := tr.Find(5); ok {
		t.Fatalf("Upsert must have no effect on an absent key")
	}

	if err := tr.Insert(5, 10); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.Upsert(5, func(v uint64) uint64 { return v * 2 }); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	val, ok := tr.Find(5)
	if !ok || val != 20 {
		t.Fatalf("Find(5) = (%d, %v), want (20, true)", val, ok)
	}
}

func TestEraseRemovesKey(t *testing.T) {
	tr := newTestTree(t, 1024, 16, 256)

	if err := tr.Insert(5, 1); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.Erase(5); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if _, ok := tr.Find(5); ok {
		t.Fatalf("Find(5) found a value after Erase")
	}
	if got := tr.SizePending(); got != 0 {
		t.Fatalf("SizePending() = %d, want 0", got)
	}
}

func TestEraseThenReinsert(t *testing.T) {
	tr := newTestTree(t, 1024, 16, 256)

	if err := tr.Insert(5, 1); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.Erase(5); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if err := tr.Insert(5, 9); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	val, ok := tr.Find(5)
	if !ok || val != 9 {
		t.Fatalf("Find(5) = (%d, %v), want (9, true) after erase and reinsert", val, ok)
	}
}

func TestEraseBufferedAcrossFlush(t *testing.T) {
	tr := newTestTree(t, 1024, 128, 256)
	l := leafCapacity(1024, 8, 8)

	// Fill past a leaf split so the keys land in committed leaves, then
	// erase every other key while messages for the rest are still
	// buffered in the (now inner) root.
	total := uint64(l) * 2
	for i := uint64(0); i < total; i++ {
		if err := tr.Insert(i, i); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	for i := uint64(0); i < total; i += 2 {
		if err := tr.Erase(i); err != nil {
			t.Fatalf("Erase(%d): %v", i, err)
		}
	}

	for i := uint64(0); i < total; i++ {
		val, ok := tr.Find(i)
		if i%2 == 0 {
			if ok {
				t.Fatalf("Find(%d) = %d, want not found after Erase", i, val)
			}
		} else if !ok || val != i {
			t.Fatalf("Find(%d) = (%d, %v), want (%d, true)", i, val, ok, i)
		}
	}
}

func TestLowerBoundUpperBound(t *testing.T) {
	tr := newTestTree(t, 1024, 64, 256)
	for _, k := range []uint64{10, 20, 30, 40} {
		if err := tr.InsertOrAssign(k, k*10); err != nil {
			t.Fatalf("InsertOrAssign(%d): %v", k, err)
		}
	}

	lb := tr.LowerBound(20)
	defer lb.Close()
	if !lb.Valid() || lb.Key() != 20 {
		t.Fatalf("LowerBound(20) = key %v valid %v, want key 20", lb.Key(), lb.Valid())
	}

	ub := tr.UpperBound(20)
	defer ub.Close()
	if !ub.Valid() || ub.Key() != 30 {
		t.Fatalf("UpperBound(20) = key %v valid %v, want key 30", ub.Key(), ub.Valid())
	}

	lbMiss := tr.LowerBound(25)
	defer lbMiss.Close()
	if !lbMiss.Valid() || lbMiss.Key() != 30 {
		t.Fatalf("LowerBound(25) = key %v valid %v, want key 30", lbMiss.Key(), lbMiss.Valid())
	}

	end := tr.UpperBound(40)
	defer end.Close()
	if end.Valid() {
		t.Fatalf("UpperBound(40) should have no successor, got key %d", end.Key())
	}
}

func TestEmptyTreeFindAndIteration(t *testing.T) {
	tr := newTestTree(t, 1024, 16, 256)

	if _, ok := tr.Find(1); ok {
		t.Fatalf("Find on empty tree should report not found")
	}
	if got := tr.Size(); got != 0 {
		t.Fatalf("Size() = %d, want 0", got)
	}
	it := tr.Begin()
	defer it.Close()
	if it.Valid() {
		t.Fatalf("Begin() on empty tree should be invalid")
	}
}

func TestCapacityTracksLeafCount(t *testing.T) {
	tr := newTestTree(t, 1024, 32, 256)
	l := leafCapacity(1024, 8, 8)

	for i := uint64(0); i <= uint64(l); i++ {
		if err := tr.Insert(i, i); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	if got, want := tr.Capacity(), uint64(2*l); got != want {
		t.Fatalf("Capacity() = %d, want %d (two leaves after the split)", got, want)
	}
}

func TestRandomMixedWorkload(t *testing.T) {
	tr := newTestTree(t, 1024, 256, 256)
	model := make(map[uint64]uint64)

	rng := rand.New(rand.NewSource(1))
	const ops = 2000
	for i := 0; i < ops; i++ {
		k := uint64(rng.Intn(500))
		switch rng.Intn(3) {
		case 0:
			v := rng.Uint64()
			if err := tr.InsertOrAssign(k, v); err != nil {
				t.Fatalf("InsertOrAssign(%d): %v", k, err)
			}
			model[k] = v
		case 1:
			if err := tr.Erase(k); err != nil {
				t.Fatalf("Erase(%d): %v", k, err)
			}
			delete(model, k)
		case 2:
			if _, present := model[k]; present {
				if err := tr.Insert(k, 0); err != nil {
					t.Fatalf("Insert(%d): %v", k, err)
				}
				// k already present: Insert must not disturb it.
			} else {
				v := rng.Uint64()
				if err := tr.Insert(k, v); err != nil {
					t.Fatalf("Insert(%d): %v", k, err)
				}
				model[k] = v
			}
		}
	}

	for k, want := range model {
		got, ok := tr.Find(k)
		if !ok || got != want {
			t.Fatalf("Find(%d) = (%d, %v), want (%d, true)", k, got, ok, want)
		}
	}
}
