// Package filestore tracks files carried by transactions and writes the ones
// a signature asked for to disk.
package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"firestige.xyz/vigil/internal/metrics"
)

// File is one object extracted from a transaction, e.g. a message body.
type File struct {
	ID        uint32
	TxID      uint64
	Name      string
	Size      int64 // bytes seen, including bytes not buffered
	Truncated bool

	data    []byte
	closed  bool
	noStore bool
	store   bool
	stored  bool
}

// Data returns the buffered bytes.
func (f *File) Data() []byte {
	return f.data
}

// Closed reports whether all data of the file was seen.
func (f *File) Closed() bool {
	return f.closed
}

// Storing reports whether the file's data is still buffered for storing.
func (f *File) Storing() bool {
	return !f.noStore
}

// Stored reports whether the file was written out.
func (f *File) Stored() bool {
	return f.stored
}

// Container holds the files of one flow direction.
type Container struct {
	files   []*File
	maxSize int64
	nextID  uint32
}

// NewContainer creates a container buffering at most maxSize bytes per file.
// 0 means unlimited.
func NewContainer(maxSize int64) *Container {
	return &Container{maxSize: maxSize}
}

// Len returns the number of files held.
func (c *Container) Len() int {
	return len(c.files)
}

// Open starts a new file for txID.
func (c *Container) Open(txID uint64, name string) *File {
	c.nextID++
	f := &File{ID: c.nextID, TxID: txID, Name: name}
	c.files = append(c.files, f)
	return f
}

// Append adds data to an open file. Data past the size limit and data of
// files no longer stored is counted but dropped.
func (c *Container) Append(f *File, p []byte) {
	if f.closed {
		return
	}
	f.Size += int64(len(p))
	if f.noStore {
		return
	}
	if c.maxSize > 0 {
		room := c.maxSize - int64(len(f.data))
		if room <= 0 {
			f.Truncated = true
			return
		}
		if int64(len(p)) > room {
			p = p[:room]
			f.Truncated = true
		}
	}
	f.data = append(f.data, p...)
}

// Close marks f complete.
func (c *Container) Close(f *File) {
	f.closed = true
}

// Files returns the files of txID.
func (c *Container) Files(txID uint64) []*File {
	var out []*File
	for _, f := range c.files {
		if f.TxID == txID {
			out = append(out, f)
		}
	}
	return out
}

// DisableStoringForTransaction drops buffered data of txID's files and stops
// buffering more. It returns the number of files affected.
func (c *Container) DisableStoringForTransaction(txID uint64) int {
	n := 0
	for _, f := range c.files {
		if f.TxID != txID || f.noStore || f.store {
			continue
		}
		f.noStore = true
		f.data = nil
		n++
	}
	if n > 0 {
		metrics.FilesTotal.WithLabelValues("pruned").Add(float64(n))
	}
	return n
}

// RequestStore marks txID's files to be written out once closed.
func (c *Container) RequestStore(txID uint64) int {
	n := 0
	for _, f := range c.files {
		if f.TxID == txID && !f.noStore && !f.store {
			f.store = true
			n++
		}
	}
	return n
}

// Release forgets the files of txID.
func (c *Container) Release(txID uint64) {
	kept := c.files[:0]
	for _, f := range c.files {
		if f.TxID != txID {
			kept = append(kept, f)
		}
	}
	for i := len(kept); i < len(c.files); i++ {
		c.files[i] = nil
	}
	c.files = kept
}

// Store writes files into a directory, named by the SHA-256 of their data.
type Store struct {
	dir string
}

// NewStore creates the directory if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("filestore requires a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create filestore dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the target directory.
func (s *Store) Dir() string {
	return s.dir
}

// Flush writes every closed file of c that was requested and not yet
// written. It returns the paths written.
func (s *Store) Flush(c *Container) ([]string, error) {
	var written []string
	for _, f := range c.files {
		if !f.closed || !f.store || f.noStore || f.stored {
			continue
		}
		path, err := s.write(f)
		if err != nil {
			metrics.FilesTotal.WithLabelValues("error").Inc()
			return written, err
		}
		f.stored = true
		f.data = nil
		written = append(written, path)
		metrics.FilesTotal.WithLabelValues("stored").Inc()
	}
	return written, nil
}

func (s *Store) write(f *File) (string, error) {
	sum := sha256.Sum256(f.data)
	path := filepath.Join(s.dir, hex.EncodeToString(sum[:]))
	if _, err := os.Stat(path); err == nil {
		return path, nil // same content already stored
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("store file %d: %w", f.ID, err)
	}
	if _, err := tmp.Write(f.data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("store file %d: %w", f.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("store file %d: %w", f.ID, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("store file %d: %w", f.ID, err)
	}
	return path, nil
}
