package mcap

import (
	"hash"
	"hash/crc32"
	"io"
)

// crcWriter wraps an io.Writer, accumulating a running CRC32/IEEE checksum
// of everything written through it. Used for the data-section and
// summary-section CRCs, which span many independent record writes.
type crcWriter struct {
	w   io.Writer
	crc hash.Hash32
}

func newCRCWriter(w io.Writer) *crcWriter {
	return &crcWriter{w: w, crc: crc32.NewIEEE()}
}

func (w *crcWriter) Write(p []byte) (int, error) {
	_, _ = w.crc.Write(p)
	return w.w.Write(p)
}

func (w *crcWriter) Checksum() uint32 {
	return w.crc.Sum32()
}

func (w *crcWriter) ResetCRC() {
	w.crc = crc32.NewIEEE()
}

// writeSizer tracks the total byte count written through it, alongside the
// running CRC from the wrapped crcWriter. The writer uses Size() to record
// record offsets (chunk start offsets, attachment offsets, summary_start)
// without a separate seek/tell call, matching the append-only IWritable
// contract.
type writeSizer struct {
	w    *crcWriter
	size uint64
}

func newWriteSizer(w io.Writer) *writeSizer {
	return &writeSizer{w: newCRCWriter(w)}
}

func (w *writeSizer) Write(p []byte) (int, error) {
	w.size += uint64(len(p))
	return w.w.Write(p)
}

func (w *writeSizer) Size() uint64 {
	return w.size
}

func (w *writeSizer) Checksum() uint32 {
	return w.w.Checksum()
}

func (w *writeSizer) ResetCRC() {
	w.w.ResetCRC()
}

// checkCRC compares a computed checksum against an expected one, honoring
// the format's "zero means not computed" escape hatch.
func checkCRC(expected, actual uint32) error {
	if expected == 0 {
		return nil
	}
	if expected != actual {
		return &crcMismatchError{expected: expected, actual: actual}
	}
	return nil
}

type crcMismatchError struct {
	expected, actual uint32
}

func (e *crcMismatchError) Error() string {
	return "crc mismatch"
}

func (e *crcMismatchError) Is(target error) bool {
	return target == ErrCRCMismatch
}
