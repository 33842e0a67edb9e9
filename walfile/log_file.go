package walfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Fixed log file names. MainFileName holds the header and checkpoint slots
// (and, in the legacy format, the data blocks); DataFileName is the pure data
// file of the physical format and carries no header.
const (
	MainFileName = "wal0"
	DataFileName = "waldata"
)

// LogFile pairs a FileIO with its path.
type LogFile struct {
	path string
	io   FileIO
}

func NewLogFile(path string) *LogFile {
	return &LogFile{path: path}
}

func (f *LogFile) Path() string { return f.path }

func (f *LogFile) IsOpened() bool { return f.io != nil }

func (f *LogFile) Open(readOnly, durableWrites bool, perm os.FileMode) error {
	io, err := OpenOSFileIO(f.path, readOnly, durableWrites, perm)
	if err != nil {
		return err
	}

	f.io = io
	return nil
}

// OpenMapped opens the file for read-only mapped access.
func (f *LogFile) OpenMapped() error {
	io, err := OpenMappedFileIO(f.path)
	if err != nil {
		return err
	}

	f.io = io
	return nil
}

func (f *LogFile) Read(offset int64, buf []byte) error  { return f.io.Read(offset, buf) }
func (f *LogFile) Write(offset int64, buf []byte) error { return f.io.Write(offset, buf) }
func (f *LogFile) FlushDataOnly() error                 { return f.io.FlushDataOnly() }
func (f *LogFile) WritesAreDurable() bool               { return f.io.WritesAreDurable() }

func (f *LogFile) Rename(newPath string) error {
	if err := f.io.Rename(f.path, newPath); err != nil {
		return err
	}

	f.path = newPath
	return nil
}

func (f *LogFile) Close() error {
	if f.io == nil {
		return nil
	}

	err := f.io.Close()
	f.io = nil
	return err
}

func (f *LogFile) Size() (int64, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

// CreateLogFile creates a zero-filled file of the given size under a unique
// temporary name and renames it into place once fully written, so a crash
// mid-create never leaves a truncated file under the final name.
func CreateLogFile(path string, size int64, durableWrites bool, perm os.FileMode) (*LogFile, error) {
	tmp := fmt.Sprintf("%v.%v.tmp", path, uuid.NewString())

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_RDWR, perm)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file %v: %w", tmp, err)
	}

	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, fmt.Errorf("failed to size log file %v: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return nil, err
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("failed to move log file into place: %w", err)
	}

	lf := NewLogFile(path)
	if err := lf.Open(false, durableWrites, perm); err != nil {
		return nil, err
	}

	return lf, nil
}

// LogFilePath composes the full path of a log file inside dir.
func LogFilePath(dir, name string) string {
	return filepath.Join(dir, name)
}

// ExistingLogFilePaths lists the log files present in dir, main file first.
func ExistingLogFilePaths(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if e.Name() == MainFileName || e.Name() == DataFileName {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}

	sort.Slice(paths, func(i, j int) bool {
		return strings.HasSuffix(paths[i], MainFileName)
	})
	return paths, nil
}

// DeleteLogFiles removes all log files and leftover temp files in dir.
func DeleteLogFiles(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, e := range entries {
		name := e.Name()
		stale := name == MainFileName || name == DataFileName ||
			(strings.HasPrefix(name, MainFileName+".") && strings.HasSuffix(name, ".tmp")) ||
			(strings.HasPrefix(name, DataFileName+".") && strings.HasSuffix(name, ".tmp"))
		if !stale {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}
