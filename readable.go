package mcap

import (
	"fmt"
	"io"
	"os"
)

// ReadSeekSizer is the indexed reader's source abstraction (IReadable): it
// must report its total size and support random-access reads, since
// initialization starts at the last 28 bytes and then jumps to the summary
// section before the data section is ever touched.
type ReadSeekSizer interface {
	io.ReaderAt
	Size() (int64, error)
}

// fileReadSeekSizer adapts an *os.File to ReadSeekSizer.
type fileReadSeekSizer struct {
	f *os.File
}

// NewFileReadSeekSizer wraps f for use with NewIndexedReader.
func NewFileReadSeekSizer(f *os.File) ReadSeekSizer {
	return &fileReadSeekSizer{f: f}
}

func (r *fileReadSeekSizer) ReadAt(p []byte, off int64) (int, error) {
	return r.f.ReadAt(p, off)
}

func (r *fileReadSeekSizer) Size() (int64, error) {
	info, err := r.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat file: %w", err)
	}
	return info.Size(), nil
}

// sliceReadSeekSizer adapts an in-memory byte slice to ReadSeekSizer, handy
// for tests and for small metadata/attachment-only files.
type sliceReadSeekSizer struct {
	b []byte
}

// NewSliceReadSeekSizer wraps an in-memory buffer for use with
// NewIndexedReader.
func NewSliceReadSeekSizer(b []byte) ReadSeekSizer {
	return &sliceReadSeekSizer{b: b}
}

func (r *sliceReadSeekSizer) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(r.b)) {
		return 0, io.EOF
	}
	n := copy(p, r.b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (r *sliceReadSeekSizer) Size() (int64, error) {
	return int64(len(r.b)), nil
}
