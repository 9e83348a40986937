// Package log writes episode datasets: one JSONL stream per player plus a
// metadata document per input file.
package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// JSONLWriter streams one JSON value per line into a temp file next to its
// destination. Commit renames it into place; Abort removes it. Readers never
// see a partially written file.
type JSONLWriter struct {
	path string
	tmp  string

	f   *os.File
	enc *zstd.Encoder
	w   *bufio.Writer

	lines int
	done  bool
}

// CreateJSONL opens a writer for path. When compress is set the stream is
// zstd-framed.
func CreateJSONL(path string, compress bool) (*JSONLWriter, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, err
	}
	jw := &JSONLWriter{path: path, tmp: f.Name(), f: f}
	if compress {
		enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
		if err != nil {
			_ = f.Close()
			_ = os.Remove(jw.tmp)
			return nil, err
		}
		jw.enc = enc
		jw.w = bufio.NewWriterSize(enc, 128*1024)
	} else {
		jw.w = bufio.NewWriterSize(f, 128*1024)
	}
	return jw, nil
}

func (w *JSONLWriter) Write(v any) error {
	if w.done {
		return errors.New("jsonl: write after close")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.WriteLine(b)
}

// WriteLine appends an already encoded value.
func (w *JSONLWriter) WriteLine(b []byte) error {
	if w.done {
		return errors.New("jsonl: write after close")
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	w.lines++
	return nil
}

func (w *JSONLWriter) Lines() int { return w.lines }

// Commit flushes, syncs and renames the temp file onto the destination.
func (w *JSONLWriter) Commit() error {
	if w.done {
		return errors.New("jsonl: already closed")
	}
	w.done = true
	err := w.w.Flush()
	if w.enc != nil {
		if cerr := w.enc.Close(); err == nil {
			err = cerr
		}
	}
	if err == nil {
		err = w.f.Sync()
	}
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(w.tmp, w.path)
	}
	if err != nil {
		_ = os.Remove(w.tmp)
		return fmt.Errorf("commit %s: %w", w.path, err)
	}
	return nil
}

// Abort discards everything written so far. It is a no-op after Commit.
func (w *JSONLWriter) Abort() {
	if w.done {
		return
	}
	w.done = true
	if w.enc != nil {
		_ = w.enc.Close()
	}
	_ = w.f.Close()
	_ = os.Remove(w.tmp)
}

// writeFileAtomic writes b to path through a temp file and rename.
func writeFileAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	_, err = f.Write(b)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		_ = os.Remove(tmp)
	}
	return err
}
