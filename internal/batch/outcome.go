package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"rtsreplay.ai/internal/episode"
	"rtsreplay.ai/internal/persistence/log"
	"rtsreplay.ai/internal/replay"
)

type Status string

const (
	StatusOK         Status = log.StatusOK
	StatusPartial    Status = log.StatusPartial
	StatusLowQuality Status = log.StatusLowQuality
	StatusDropped    Status = "dropped"
	StatusFailed     Status = "failed"
)

// Statuses lists every status in report order.
func Statuses() []Status {
	return []Status{StatusOK, StatusPartial, StatusLowQuality, StatusDropped, StatusFailed}
}

type Code string

const (
	CodeNone       Code = ""
	CodeDecompress Code = "E_DECOMPRESS"
	CodeHeader     Code = "E_HEADER"
	CodeTruncated  Code = "E_TRUNCATED"
	CodeQuality    Code = "E_QUALITY"
	CodeTimeout    Code = "E_TIMEOUT"
	CodeIO         Code = "E_IO"
	CodeInternal   Code = "E_INTERNAL"
)

// FileResult is the outcome of one input file.
type FileResult struct {
	Path    string
	Stem    string
	Status  Status
	Code    Code
	Message string

	Size int64
	Hash string
	// Duplicate names an earlier input with the same content, if any.
	Duplicate string

	Players  int
	Steps    int
	LastTick uint64
	Quality  episode.Quality
	Outputs  []string
	BytesOut int64
	Duration time.Duration
}

// Wrote reports whether the file left output behind.
func (f FileResult) Wrote() bool {
	switch f.Status {
	case StatusOK, StatusPartial, StatusLowQuality:
		return true
	}
	return false
}

// Failed reports whether the file counts as a failure for fail-fast.
func (f FileResult) Failed() bool {
	return f.Status == StatusFailed || f.Status == StatusPartial
}

// classify maps a processing error to its reason code. Schema rejections
// and everything unrecognised are internal errors.
func classify(err error) Code {
	var (
		de *replay.DecompressionError
		he *replay.MalformedHeaderError
		te *replay.TruncatedChunkError
	)
	switch {
	case errors.As(err, &de):
		return CodeDecompress
	case errors.As(err, &he):
		return CodeHeader
	case errors.As(err, &te):
		return CodeTruncated
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return CodeTimeout
	default:
		return CodeInternal
	}
}

type Summary struct {
	RunID    string
	Results  []FileResult
	Counts   map[Status]int
	Skipped  []string
	BytesIn  int64
	BytesOut int64
	Steps    int
	Duration time.Duration
}

// ExitCode is 0 when the input set was empty or at least one file left
// output, 1 otherwise.
func (s Summary) ExitCode() int {
	if len(s.Results) == 0 && len(s.Skipped) == 0 {
		return 0
	}
	for _, r := range s.Results {
		if r.Wrote() {
			return 0
		}
	}
	return 1
}

// Describe renders a one-line human summary.
func (s Summary) Describe() string {
	var parts []string
	for _, st := range Statuses() {
		if n := s.Counts[st]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", st, n))
		}
	}
	if len(s.Skipped) > 0 {
		parts = append(parts, fmt.Sprintf("not_started=%d", len(s.Skipped)))
	}
	if len(parts) == 0 {
		parts = append(parts, "no input")
	}
	return fmt.Sprintf("%d files (%s), %s steps, read %s, wrote %s in %s",
		len(s.Results), strings.Join(parts, " "), humanize.Comma(int64(s.Steps)),
		humanize.Bytes(uint64(s.BytesIn)), humanize.Bytes(uint64(s.BytesOut)), s.Duration.Round(time.Millisecond))
}
