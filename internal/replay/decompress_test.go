package replay_test

import (
	"bytes"
	"errors"
	"testing"

	"rtsreplay.ai/internal/replay"
	"rtsreplay.ai/internal/replay/replaytest"
)

func TestDecompress_Envelopes(t *testing.T) {
	raw := replaytest.New(1).Sync(1000).End().Bytes()
	cases := []struct {
		name string
		in   []byte
		env  replay.Envelope
	}{
		{"none", raw, replay.EnvelopeNone},
		{"gzip", replaytest.Gzip(raw), replay.EnvelopeGzip},
		{"zlib", replaytest.Zlib(raw), replay.EnvelopeZlib},
		{"zstd", replaytest.Zstd(raw), replay.EnvelopeZstd},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := replay.DetectEnvelope(tc.in); got != tc.env {
				t.Fatalf("detect: got %s want %s", got, tc.env)
			}
			out, env, err := replay.DecompressLimit(tc.in, 0)
			if err != nil {
				t.Fatalf("decompress: %v", err)
			}
			if env != tc.env {
				t.Fatalf("envelope: got %s want %s", env, tc.env)
			}
			if !bytes.Equal(out, raw) {
				t.Fatalf("output differs from original container")
			}
		})
	}
}

func TestDecompress_PassThroughSharesBuffer(t *testing.T) {
	raw := []byte("RTSR plain bytes")
	out, err := replay.Decompress(raw)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if &out[0] != &raw[0] {
		t.Fatalf("pass-through should return the input buffer")
	}
}

func TestDecompress_CorruptStream(t *testing.T) {
	raw := replaytest.New(1).Sync(1000).End().Bytes()
	gz := replaytest.Gzip(raw)
	truncated := gz[:len(gz)/2]

	flipped := append([]byte(nil), gz...)
	flipped[len(flipped)-6] ^= 0xff // crc32 trailer

	zs := replaytest.Zstd(raw)
	zsBad := append([]byte(nil), zs[:len(zs)-3]...)

	for name, in := range map[string][]byte{"gzip_truncated": truncated, "gzip_crc": flipped, "zstd_truncated": zsBad} {
		t.Run(name, func(t *testing.T) {
			_, err := replay.Decompress(in)
			var de *replay.DecompressionError
			if !errors.As(err, &de) {
				t.Fatalf("want DecompressionError, got %v", err)
			}
			if de.Unwrap() == nil {
				t.Fatalf("cause missing")
			}
		})
	}
}

func TestDecompress_OutputCap(t *testing.T) {
	raw := bytes.Repeat([]byte{'x'}, 4096)
	_, _, err := replay.DecompressLimit(replaytest.Gzip(raw), 1024)
	var de *replay.DecompressionError
	if !errors.As(err, &de) || de.Format != replay.EnvelopeGzip {
		t.Fatalf("want gzip DecompressionError for oversize output, got %v", err)
	}
}

func TestDetectEnvelope_ZlibHeaderCheck(t *testing.T) {
	// 0x78 0x9c is a valid zlib header, 0x78 0x9d fails the mod-31 check.
	if replay.DetectEnvelope([]byte{0x78, 0x9c, 0}) != replay.EnvelopeZlib {
		t.Fatalf("78 9c should be zlib")
	}
	if replay.DetectEnvelope([]byte{0x78, 0x9d, 0}) != replay.EnvelopeNone {
		t.Fatalf("78 9d should not be zlib")
	}
	if replay.DetectEnvelope([]byte("RTSR")) != replay.EnvelopeNone {
		t.Fatalf("container magic is not an envelope")
	}
}
