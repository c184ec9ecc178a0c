package buffer

import (
	"testing"

	"github.com/go-logr/logr"

	"github.com/tobiasfamos/betree/page"
	"github.com/tobiasfamos/betree/segment"
)

func idAt(n uint64) page.ID { return page.NewID(0, n) }

func TestFixSingle(t *testing.T) {
	pool := NewPool(segment.NewRAMDisk(1024), 10, logr.Discard())

	fix, err := pool.FixExclusive(idAt(1))
	if err != nil {
		t.Fatalf("FixExclusive: %v", err)
	}
	copy(fix.Data(), []byte("hello"))
	fix.SetDirty()
	fix.Unfix()

	shared, err := pool.Fix(idAt(1))
	if err != nil {
		t.Fatalf("Fix: %v", err)
	}
	defer shared.Unfix()
	if got := string(shared.Data()[:5]); got != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestBufferFullWhenAllPinned(t *testing.T) {
	pool := NewPool(segment.NewRAMDisk(64), 10, logr.Discard())

	for i := uint64(1); i <= 10; i++ {
		fix, err := pool.Fix(idAt(i))
		if err != nil {
			t.Fatalf("fix %d: %v", i, err)
		}
		_ = fix // intentionally left fixed, matching the scenario under test
	}

	if _, err := pool.Fix(idAt(11)); err == nil {
		t.Fatalf("expected buffer full fixing an 11th page while all 10 are pinned")
	}
}

func TestMoveToLRU(t *testing.T) {
	pool := NewPool(segment.NewRAMDisk(64), 2, logr.Discard())

	f1, err := pool.Fix(idAt(1))
	if err != nil {
		t.Fatalf("fix 1: %v", err)
	}
	f2, err := pool.Fix(idAt(2))
	if err != nil {
		t.Fatalf("fix 2: %v", err)
	}

	assertIDs(t, "fifo", pool.FIFOIDs(), idAt(1), idAt(2))
	assertIDs(t, "lru", pool.LRUIDs())

	f2b, err := pool.Fix(idAt(2))
	if err != nil {
		t.Fatalf("refix 2: %v", err)
	}

	assertIDs(t, "fifo", pool.FIFOIDs(), idAt(1))
	assertIDs(t, "lru", pool.LRUIDs(), idAt(2))

	f1.Unfix()
	f2.Unfix()
	f2b.Unfix()
}

func TestLRURefresh(t *testing.T) {
	pool := NewPool(segment.NewRAMDisk(64), 2, logr.Discard())

	f1a, _ := pool.Fix(idAt(1))
	f1b, _ := pool.Fix(idAt(1))
	f2a, _ := pool.Fix(idAt(2))
	f2b, _ := pool.Fix(idAt(2))

	assertIDs(t, "lru", pool.LRUIDs(), idAt(1), idAt(2))

	f1c, err := pool.Fix(idAt(1))
	if err != nil {
		t.Fatalf("refix 1: %v", err)
	}

	assertIDs(t, "lru", pool.LRUIDs(), idAt(2), idAt(1))

	f1a.Unfix()
	f1b.Unfix()
	f1c.Unfix()
	f2a.Unfix()
	f2b.Unfix()
}

func TestPersistentRestart(t *testing.T) {
	dir := t.TempDir()

	disk, err := segment.NewFileDisk(dir, 64)
	if err != nil {
		t.Fatalf("NewFileDisk: %v", err)
	}
	pool := NewPool(disk, 16, logr.Discard())

	for segID := uint16(0); segID < 3; segID++ {
		for pg := uint64(0); pg < 10; pg++ {
			id := page.NewID(segID, pg)
			fix, err := pool.FixExclusive(id)
			if err != nil {
				t.Fatalf("fix %s: %v", id, err)
			}
			fix.Data()[0] = byte(segID)*10 + byte(pg)
			fix.SetDirty()
			fix.Unfix()
		}
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	disk2, err := segment.NewFileDisk(dir, 64)
	if err != nil {
		t.Fatalf("NewFileDisk reopen: %v", err)
	}
	pool2 := NewPool(disk2, 16, logr.Discard())
	defer pool2.Close()

	for segID := uint16(0); segID < 3; segID++ {
		for pg := uint64(0); pg < 10; pg++ {
			id := page.NewID(segID, pg)
			fix, err := pool2.Fix(id)
			if err != nil {
				t.Fatalf("refix %s: %v", id, err)
			}
			want := byte(segID)*10 + byte(pg)
			if got := fix.Data()[0]; got != want {
				t.Errorf("page %s: got %d, want %d", id, got, want)
			}
			fix.Unfix()
		}
	}
}

func assertIDs(t *testing.T, queue string, got []page.ID, want ...page.ID) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s queue: got %v, want %v", queue, got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("%s queue: got %v, want %v", queue, got, want)
		}
	}
}
