// Package segment implements the backing store for buffered pages: one file
// per segment, extended on first touch, read and written with a retrying
// pread/pwrite loop.
package segment

import "github.com/tobiasfamos/betree/page"

// Disk is the thin storage interface the buffer pool drives. A Disk knows
// nothing about pinning, caching, or page contents beyond a fixed-size byte
// buffer; it only guarantees that a page written with WritePage can later be
// retrieved, byte for byte, with ReadPage.
type Disk interface {
	// ReadPage fills buf (which must be exactly the disk's page size) with
	// the contents of id. Pages never written to are defined to read as
	// all zero bytes.
	ReadPage(id page.ID, buf []byte) error
	// WritePage persists buf (which must be exactly the disk's page size)
	// under id, extending the backing segment file if necessary.
	WritePage(id page.ID, buf []byte) error
	// PageSize returns the fixed page size this disk was constructed with.
	PageSize() int
	// Close releases any OS resources held by the disk. It does not flush
	// buffered pages; that is the buffer pool's job.
	Close() error
}
