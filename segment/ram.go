package segment

import "github.com/tobiasfamos/betree/page"

// RAMDisk is an in-memory Disk, used by tests to exercise the buffer pool
// and tree without touching the filesystem.
type RAMDisk struct {
	pageSize int
	pages    map[page.ID][]byte
}

// NewRAMDisk creates an empty in-memory disk with the given page size.
func NewRAMDisk(pageSize int) *RAMDisk {
	return &RAMDisk{
		pageSize: pageSize,
		pages:    make(map[page.ID][]byte),
	}
}

func (d *RAMDisk) PageSize() int { return d.pageSize }

func (d *RAMDisk) ReadPage(id page.ID, buf []byte) error {
	if len(buf) != d.pageSize {
		panic("segment: RAMDisk read buffer size mismatch")
	}
	if data, ok := d.pages[id]; ok {
		copy(buf, data)
		return nil
	}
	for i := range buf {
		buf[i] = 0
	}
	return nil
}

func (d *RAMDisk) WritePage(id page.ID, buf []byte) error {
	if len(buf) != d.pageSize {
		panic("segment: RAMDisk write buffer size mismatch")
	}
	data := make([]byte, d.pageSize)
	copy(data, buf)
	d.pages[id] = data
	return nil
}

func (d *RAMDisk) Close() error { return nil }
