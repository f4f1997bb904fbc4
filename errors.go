package mcap

import (
	"errors"
	"fmt"
	"io"
)

// Sentinel errors a caller can compare against with errors.Is. These name the
// taxonomy kinds a conforming implementation must distinguish; wrapped
// concrete errors (ErrMalformedRecord, ErrBadMagic, ...) carry the detail.
var (
	ErrInvalidMagic         = errors.New("invalid magic bytes")
	ErrUnsupportedCompression = errors.New("unsupported compression")
	ErrCRCMismatch          = errors.New("crc mismatch")
	ErrTruncatedTail        = errors.New("file truncated before footer and trailing magic")
	ErrNotIndexed           = errors.New("file has no summary section to index from")
	ErrUsage                = errors.New("invalid API usage")

	ErrUnknownSchema   = errors.New("unknown schema")
	ErrRecordTooLarge  = errors.New("record exceeds configured maximum size")
	ErrChunkTooLarge   = errors.New("chunk exceeds configured maximum decompressed size")
	ErrNestedChunk     = errors.New("chunk contains a nested chunk record")
	ErrWriterClosed    = errors.New("writer is closed")
)

// ErrBadMagic indicates the leading or trailing magic bytes did not match.
type ErrBadMagic struct {
	Location string // "leading" or "trailing"
	Actual   []byte
}

func (e *ErrBadMagic) Error() string {
	return fmt.Sprintf("invalid magic at %s of file, found: %v", e.Location, e.Actual)
}

func (e *ErrBadMagic) Is(target error) bool {
	return target == ErrInvalidMagic
}

// ErrMalformedRecord indicates a record payload was too short for its
// defined field set, or contained an otherwise-invalid encoding.
type ErrMalformedRecord struct {
	Opcode OpCode
	Reason string
}

func (e *ErrMalformedRecord) Error() string {
	return fmt.Sprintf("malformed %s record: %s", e.Opcode, e.Reason)
}

func (e *ErrMalformedRecord) Unwrap() error {
	return io.ErrUnexpectedEOF
}

// ErrUnknownChannel indicates a Message referenced a channel ID that was
// never declared by an earlier Channel record.
type ErrUnknownChannel struct {
	ChannelID uint16
}

func (e *ErrUnknownChannel) Error() string {
	return fmt.Sprintf("message references unknown channel id %d", e.ChannelID)
}

// ErrUnknownSchemaRef indicates a Channel referenced a nonzero schema ID
// that was never declared by an earlier Schema record.
type ErrUnknownSchemaRef struct {
	SchemaID uint16
}

func (e *ErrUnknownSchemaRef) Error() string {
	return fmt.Sprintf("channel references unknown schema id %d", e.SchemaID)
}

func (e *ErrUnknownSchemaRef) Is(target error) bool {
	return target == ErrUnknownSchema
}

// ErrInconsistentRecord indicates two records shared an ID but carried
// different payloads.
type ErrInconsistentRecord struct {
	Opcode OpCode
	ID     uint16
}

func (e *ErrInconsistentRecord) Error() string {
	return fmt.Sprintf("%s id %d repeated with a different payload", e.Opcode, e.ID)
}

// IoError wraps an underlying source/sink failure. It is always fatal for
// the operation in progress, but never implicitly closes a writer.
type IoError struct {
	Err error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("io error: %s", e.Err)
}

func (e *IoError) Unwrap() error {
	return e.Err
}
