package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tobiasfamos/betree/page"
)

// DirectoryEnvVar is the environment variable ResolveDirectory consults for
// the directory segment files are stored under. NewFileDisk does not read
// it: it takes the directory as an argument and keeps it for the disk's
// lifetime, so a change to the variable mid-run has no effect on a disk.
const DirectoryEnvVar = "SEGMENT_DIRECTORY"

// DefaultDirectory is used when DirectoryEnvVar is unset.
const DefaultDirectory = "/tmp/"

// FileDisk persists pages to one regular file per segment id, under a
// directory resolved at construction time. Page i of segment s occupies
// bytes [i*pageSize, (i+1)*pageSize) of the file named after s.
//
// A segment file is extended with zero bytes on first write past its current
// end; reads of never-written pages return all zero bytes, matching the
// extend-on-first-touch contract of the spec.
type FileDisk struct {
	directory string
	pageSize  int

	mu    sync.Mutex
	files map[uint16]*os.File
}

// ResolveDirectory reads DirectoryEnvVar, falling back to DefaultDirectory.
func ResolveDirectory() string {
	if dir := os.Getenv(DirectoryEnvVar); dir != "" {
		return dir
	}
	return DefaultDirectory
}

// NewFileDisk opens (or prepares to open, lazily, per segment) page files
// under directory. directory is typically the result of ResolveDirectory.
func NewFileDisk(directory string, pageSize int) (*FileDisk, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("segment: page size must be positive, got %d", pageSize)
	}
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, fmt.Errorf("segment: creating directory %s: %w", directory, err)
	}
	return &FileDisk{
		directory: directory,
		pageSize:  pageSize,
		files:     make(map[uint16]*os.File),
	}, nil
}

func (d *FileDisk) PageSize() int { return d.pageSize }

func (d *FileDisk) segmentFile(segmentID uint16) (*os.File, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if f, ok := d.files[segmentID]; ok {
		return f, nil
	}

	path := filepath.Join(d.directory, fmt.Sprintf("%d", segmentID))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("segment: opening %s: %w", path, err)
	}
	d.files[segmentID] = f
	return f, nil
}

func (d *FileDisk) offset(id page.ID) int64 {
	return int64(d.pageSize) * int64(id.SegmentPage())
}

// ReadPage implements Disk. Reading past the current end of file (a page
// never written) yields all-zero bytes rather than an error.
func (d *FileDisk) ReadPage(id page.ID, buf []byte) error {
	if len(buf) != d.pageSize {
		return fmt.Errorf("segment: buffer has length %d, want page size %d", len(buf), d.pageSize)
	}

	f, err := d.segmentFile(id.Segment())
	if err != nil {
		return err
	}

	off := d.offset(id)
	n, err := prwLoop(func(p []byte, at int64) (int, error) {
		return f.ReadAt(p, at)
	}, buf, off)
	if n < len(buf) {
		// Short read past EOF: the page was never written. Treat the
		// remainder as zero, matching extend-on-first-touch semantics.
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		return nil
	}
	return err
}

// WritePage implements Disk, extending the segment file as needed.
func (d *FileDisk) WritePage(id page.ID, buf []byte) error {
	if len(buf) != d.pageSize {
		return fmt.Errorf("segment: buffer has length %d, want page size %d", len(buf), d.pageSize)
	}

	f, err := d.segmentFile(id.Segment())
	if err != nil {
		return err
	}

	off := d.offset(id)
	_, err = prwLoop(func(p []byte, at int64) (int, error) {
		return f.WriteAt(p, at)
	}, buf, off)
	return err
}

// prwLoop retries a pread/pwrite-style operation until the full buffer is
// transferred, mirroring the segment file's retrying transfer loop.
func prwLoop(op func(p []byte, at int64) (int, error), data []byte, at int64) (int, error) {
	total := 0
	for total < len(data) {
		n, err := op(data[total:], at+int64(total))
		if n == 0 && err == nil {
			// Nothing transferred and no error: most likely EOF on a
			// read. Stop to avoid spinning forever.
			return total, err
		}
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Close closes every segment file opened so far.
func (d *FileDisk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for _, f := range d.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
