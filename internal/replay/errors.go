package replay

import (
	"errors"
	"fmt"
)

// errShort is returned by the byte reader when a read runs past its window.
// Callers convert it into the typed error of the layer they belong to.
var errShort = errors.New("short buffer")

// DecompressionError reports a recognised compression envelope whose stream
// could not be decoded (bad checksum, truncated stream, oversized output).
type DecompressionError struct {
	Format Envelope
	Cause  error
}

func (e *DecompressionError) Error() string {
	return fmt.Sprintf("decompress %s: %v", e.Format, e.Cause)
}

func (e *DecompressionError) Unwrap() error { return e.Cause }

// MalformedHeaderError reports a container header that failed the magic or
// version check, or whose declared lengths exceed the buffer.
type MalformedHeaderError struct {
	Field  string
	Offset int
	Reason string
}

func (e *MalformedHeaderError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("malformed header at %d: %s", e.Offset, e.Reason)
	}
	return fmt.Sprintf("malformed header %s at %d: %s", e.Field, e.Offset, e.Reason)
}

// TruncatedChunkError reports a chunk that could not be read to its end, or
// a chunk that would move the tick counter backwards. LastTick is the last
// tick reached before the bad chunk; everything before it is usable.
type TruncatedChunkError struct {
	Offset   int
	Kind     ChunkKind
	LastTick uint64
	Reason   string
}

func (e *TruncatedChunkError) Error() string {
	return fmt.Sprintf("truncated %s chunk at %d (last tick %d): %s", e.Kind, e.Offset, e.LastTick, e.Reason)
}
