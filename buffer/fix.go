package buffer

import "github.com/tobiasfamos/betree/page"

// SharedFix is a read-only hold on a resident page. Any number of SharedFix
// handles may coexist for the same page, but none may coexist with an
// ExclusiveFix on it.
//
// A SharedFix must not be copied; treat it like the single owner of the
// underlying frame and call Unfix exactly once when done with it.
type SharedFix struct {
	pool *Pool
	fr   *frame
}

// ID returns the page id this fix is held on.
func (f *SharedFix) ID() page.ID { return f.fr.id }

// Data returns the page's bytes. Mutating the returned slice is a caller
// error; take an ExclusiveFix to write to the page.
func (f *SharedFix) Data() []byte { return f.fr.data }

// Unfix releases the fix. Calling it again is a no-op.
func (f *SharedFix) Unfix() {
	if f.fr == nil {
		return
	}
	f.pool.unfix(f.fr, false)
	f.fr = nil
}

// ExclusiveFix is a unique, read/write hold on a resident page. While held,
// no other SharedFix or ExclusiveFix on the same page can be granted.
//
// An ExclusiveFix must not be copied; treat it like the single owner of the
// underlying frame and call Unfix exactly once when done with it.
type ExclusiveFix struct {
	pool  *Pool
	fr    *frame
	dirty bool
}

// ID returns the page id this fix is held on.
func (f *ExclusiveFix) ID() page.ID { return f.fr.id }

// Data returns the page's mutable bytes.
func (f *ExclusiveFix) Data() []byte { return f.fr.data }

// SetDirty marks the page as modified, so it will be written back before
// eviction or on Close.
func (f *ExclusiveFix) SetDirty() {
	f.dirty = true
	f.pool.setDirty(f.fr)
}

// Unfix releases the fix. Calling it again is a no-op.
func (f *ExclusiveFix) Unfix() {
	if f.fr == nil {
		return
	}
	f.pool.unfix(f.fr, f.dirty)
	f.fr = nil
}
