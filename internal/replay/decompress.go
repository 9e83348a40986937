package replay

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// DefaultMaxDecompressedBytes bounds the output of a single envelope.
const DefaultMaxDecompressedBytes = 256 << 20

// Envelope names the whole-file compression wrapper around a container.
type Envelope string

const (
	EnvelopeNone Envelope = "none"
	EnvelopeGzip Envelope = "gzip"
	EnvelopeZlib Envelope = "zlib"
	EnvelopeZstd Envelope = "zstd"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// DetectEnvelope sniffs the magic bytes of raw. It never reads past the
// first four bytes.
func DetectEnvelope(raw []byte) Envelope {
	switch {
	case bytes.HasPrefix(raw, gzipMagic):
		return EnvelopeGzip
	case bytes.HasPrefix(raw, zstdMagic):
		return EnvelopeZstd
	case isZlibHeader(raw):
		return EnvelopeZlib
	}
	return EnvelopeNone
}

// RFC 1950: CM=8 in the low nibble, CINFO<=7, and the 16-bit header is a
// multiple of 31.
func isZlibHeader(raw []byte) bool {
	if len(raw) < 2 {
		return false
	}
	cmf, flg := raw[0], raw[1]
	if cmf&0x0f != 8 || cmf>>4 > 7 {
		return false
	}
	return (uint16(cmf)<<8|uint16(flg))%31 == 0
}

// Decompress returns the canonical container bytes for raw, removing one
// compression envelope if present. Input without a known signature is
// returned unchanged.
func Decompress(raw []byte) ([]byte, error) {
	out, _, err := DecompressLimit(raw, DefaultMaxDecompressedBytes)
	return out, err
}

// DecompressLimit is Decompress with an explicit output cap. It also
// reports which envelope was removed.
func DecompressLimit(raw []byte, limit int64) ([]byte, Envelope, error) {
	env := DetectEnvelope(raw)
	if env == EnvelopeNone {
		return raw, env, nil
	}
	if limit <= 0 {
		limit = DefaultMaxDecompressedBytes
	}

	var (
		rc  io.ReadCloser
		err error
	)
	switch env {
	case EnvelopeGzip:
		var zr *gzip.Reader
		zr, err = gzip.NewReader(bytes.NewReader(raw))
		if err == nil {
			rc = zr
		}
	case EnvelopeZlib:
		rc, err = zlib.NewReader(bytes.NewReader(raw))
	case EnvelopeZstd:
		var dec *zstd.Decoder
		dec, err = zstd.NewReader(bytes.NewReader(raw), zstd.WithDecoderConcurrency(1))
		if err == nil {
			rc = dec.IOReadCloser()
		}
	}
	if err != nil {
		return nil, env, &DecompressionError{Format: env, Cause: err}
	}
	defer rc.Close()

	out, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, env, &DecompressionError{Format: env, Cause: err}
	}
	if int64(len(out)) > limit {
		return nil, env, &DecompressionError{Format: env, Cause: fmt.Errorf("output exceeds %d bytes", limit)}
	}
	return out, env, nil
}
