package storage

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// File is the disk adaptor for one target file. Execution units write to
// disjoint regions; the *os.File WriteAt is safe for that interleaving, the
// extra mutex only guards open/close against in-flight I/O.
type File struct {
	mu   sync.RWMutex
	path string
	file *os.File
}

// Open opens (or creates) the target file for offset writes.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("could not open target file: %w", err)
	}
	return &File{path: path, file: f}, nil
}

func (f *File) Path() string { return f.path }

// Preallocate reserves size bytes. On Linux/Unix this creates a sparse file;
// metadata is updated but blocks aren't zero-filled yet.
func (f *File) Preallocate(size int64) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.file == nil {
		return os.ErrClosed
	}
	return f.file.Truncate(size)
}

// WriteAt persists data at the given absolute offset.
func (f *File) WriteAt(data []byte, offset int64) error {
	if len(data) == 0 {
		return nil
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.file == nil {
		return os.ErrClosed
	}
	_, err := f.file.WriteAt(data, offset)
	return err
}

// ReadRange reads length bytes starting at offset. Used for post-hoc
// digesting when the rolling hash wasn't kept.
func (f *File) ReadRange(offset, length int64) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.file == nil {
		return nil, os.ErrClosed
	}

	data := make([]byte, length)
	if _, err := f.file.ReadAt(data, offset); err != nil && err != io.EOF {
		return nil, err
	}
	return data, nil
}

// Reader returns a fresh sequential reader over the whole file, for
// whole-file integrity checks.
func (f *File) Reader() (io.ReadCloser, error) {
	return os.Open(f.path)
}

// Truncate trims the file to its final size, dropping any stale tail left
// behind by an earlier, longer write.
func (f *File) Truncate(size int64) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.file == nil {
		return os.ErrClosed
	}
	return f.file.Truncate(size)
}

// Close syncs and closes the handle.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	f.file.Sync()
	err := f.file.Close()
	f.file = nil
	return err
}
