package walfile

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

var (
	ErrReadOnly = errors.New("file is opened read only")
	ErrClosed   = errors.New("file is closed")
)

// FileIO abstracts reading, writing and flushing a single log file. All
// operations are synchronous; a failed write gives no guarantee about partial
// bytes and callers must treat any write error as fatal to the file.
type FileIO interface {
	Read(offset int64, buf []byte) error
	Write(offset int64, buf []byte) error

	// FlushDataOnly flushes file data, not metadata. Must be a no-op when
	// WritesAreDurable reports true.
	FlushDataOnly() error

	Rename(oldPath, newPath string) error
	Close() error

	// WritesAreDurable reports whether writes survive a power loss without a
	// FlushDataOnly call, e.g. a block device opened with synchronous
	// semantics.
	WritesAreDurable() bool
}

// OSFileIO is the default FileIO backed by an OS file descriptor.
type OSFileIO struct {
	f             *os.File
	durableWrites bool
}

var _ FileIO = &OSFileIO{}

// OpenOSFileIO opens path for file-descriptor I/O. With durableWrites set the
// file is opened with O_DSYNC, so every write returns only once its data is
// on stable storage and FlushDataOnly becomes a no-op.
func OpenOSFileIO(path string, readOnly, durableWrites bool, perm os.FileMode) (*OSFileIO, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	if durableWrites {
		flag |= unix.O_DSYNC
	}

	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %v: %w", path, err)
	}

	return &OSFileIO{f: f, durableWrites: durableWrites}, nil
}

func (o *OSFileIO) Read(offset int64, buf []byte) error {
	if o.f == nil {
		return ErrClosed
	}

	n, err := o.f.ReadAt(buf, offset)
	if err != nil {
		return fmt.Errorf("read of %v bytes at %v failed: %w", len(buf), offset, err)
	}
	if n != len(buf) {
		return fmt.Errorf("short read at %v: %v of %v bytes", offset, n, len(buf))
	}

	return nil
}

func (o *OSFileIO) Write(offset int64, buf []byte) error {
	if o.f == nil {
		return ErrClosed
	}

	n, err := o.f.WriteAt(buf, offset)
	if err != nil {
		return fmt.Errorf("write of %v bytes at %v failed: %w", len(buf), offset, err)
	}
	if n != len(buf) {
		return fmt.Errorf("short write at %v: %v of %v bytes", offset, n, len(buf))
	}

	return nil
}

func (o *OSFileIO) FlushDataOnly() error {
	if o.durableWrites {
		return nil
	}
	if o.f == nil {
		return ErrClosed
	}

	return o.f.Sync()
}

func (o *OSFileIO) Rename(oldPath, newPath string) error {
	return os.Rename(oldPath, newPath)
}

func (o *OSFileIO) Close() error {
	if o.f == nil {
		return nil
	}

	err := o.f.Close()
	o.f = nil
	return err
}

func (o *OSFileIO) WritesAreDurable() bool {
	return o.durableWrites
}
