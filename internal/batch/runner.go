// Package batch runs the replay pipeline over many files with a bounded
// worker pool and records per-file outcomes.
package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"rtsreplay.ai/internal/episode"
	"rtsreplay.ai/internal/persistence/indexdb"
	"rtsreplay.ai/internal/persistence/log"
	"rtsreplay.ai/internal/pipeline"
	"rtsreplay.ai/internal/progressproto"
	"rtsreplay.ai/internal/transport/progress"
)

type ProcessFunc func(ctx context.Context, raw []byte, opts pipeline.Options) (*episode.Result, error)

type Runner struct {
	Pipeline pipeline.Options
	Output   string
	// Input is recorded in the run row only.
	Input string

	Workers  int
	Timeout  time.Duration
	DropBad  bool
	FailFast bool

	Compress  bool
	Validator *episode.Validator

	// Optional collaborators; nil disables them.
	Index    *indexdb.SQLiteIndex
	Progress *progress.Hub

	Log logrus.FieldLogger

	// Process defaults to pipeline.Process.
	Process ProcessFunc
}

type job struct {
	path string
	stem string
}

// Run processes paths and returns the sorted per-file outcomes. The error
// is non-nil only when the run could not start.
func (r *Runner) Run(ctx context.Context, paths []string) (Summary, error) {
	start := time.Now()
	logger := r.Log
	if logger == nil {
		logger = logrus.New()
	}
	process := r.Process
	if process == nil {
		process = pipeline.Process
	}
	workers := r.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if r.Pipeline.Rules == nil || r.Pipeline.Spec == nil {
		return Summary{}, fmt.Errorf("batch: rules and action space are required")
	}
	if err := os.MkdirAll(r.Output, 0o755); err != nil {
		return Summary{}, fmt.Errorf("batch: output: %w", err)
	}
	if err := log.EnsureManifest(r.Output, log.Manifest{
		ActionSpace:       r.Pipeline.Spec.Version,
		ActionSpaceDigest: r.Pipeline.Spec.Digest,
		RulesVersion:      r.Pipeline.Rules.Version,
		RulesDigest:       r.Pipeline.Rules.Digest,
	}); err != nil {
		return Summary{}, err
	}

	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	stemOf := stems(sorted)

	prior, err := r.Index.Hashes(ctx)
	if err != nil {
		logger.WithError(err).Warn("index: cannot read prior hashes")
	}

	sum := Summary{RunID: uuid.NewString(), Counts: map[Status]int{}}
	run := indexdb.Run{
		ID:                sum.RunID,
		StartedAt:         start,
		Input:             r.Input,
		Output:            r.Output,
		ActionSpace:       r.Pipeline.Spec.Version,
		ActionSpaceDigest: r.Pipeline.Spec.Digest,
		RulesDigest:       r.Pipeline.Rules.Digest,
		Workers:           workers,
	}
	r.Index.StartRun(ctx, run)
	r.Progress.Start(progressproto.RunMsg{
		RunID:             sum.RunID,
		ActionSpace:       r.Pipeline.Spec.Version,
		ActionSpaceDigest: r.Pipeline.Spec.Digest,
		Workers:           workers,
		Total:             len(sorted),
	})
	logger.WithFields(logrus.Fields{
		"run":          sum.RunID,
		"files":        len(sorted),
		"workers":      workers,
		"action_space": r.Pipeline.Spec.Version,
	}).Info("batch start")

	jobs := make(chan job)
	results := make(chan FileResult, workers)
	var stop atomic.Bool

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				if r.FailFast && stop.Load() {
					continue
				}
				fr := r.file(ctx, logger, process, j)
				if r.FailFast && fr.Failed() {
					stop.Store(true)
				}
				results <- fr
			}
		}()
	}

	dispatched := make(chan int, 1)
	go func() {
		defer close(jobs)
		n := 0
		defer func() { dispatched <- n }()
		for _, p := range sorted {
			if stop.Load() || ctx.Err() != nil {
				return
			}
			select {
			case jobs <- job{path: p, stem: stemOf[p]}:
				n++
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	done, aborted := 0, false
	for fr := range results {
		done++
		if fr.Failed() && r.FailFast && !aborted {
			aborted = true
			logger.WithField("file", fr.Path).Warn("fail-fast: no further files will be started")
		}
		r.report(logger, sum.RunID, done, len(sorted), fr)
		sum.Results = append(sum.Results, fr)
	}
	n := <-dispatched

	sort.Slice(sum.Results, func(i, j int) bool { return sum.Results[i].Path < sum.Results[j].Path })
	started := make(map[string]bool, n)
	seen := map[string]string{}
	for i := range sum.Results {
		fr := &sum.Results[i]
		started[fr.Path] = true
		sum.Counts[fr.Status]++
		sum.BytesIn += fr.Size
		sum.BytesOut += fr.BytesOut
		sum.Steps += fr.Steps
		if fr.Hash == "" {
			continue
		}
		if p, ok := seen[fr.Hash]; ok {
			fr.Duplicate = p
		} else if p, ok := prior[fr.Hash]; ok && p != fr.Path {
			fr.Duplicate = p
		} else {
			seen[fr.Hash] = fr.Path
		}
		if fr.Duplicate != "" {
			logger.WithFields(logrus.Fields{"file": fr.Path, "same_as": fr.Duplicate}).Warn("duplicate input content")
		}
	}
	for _, p := range sorted {
		if !started[p] {
			sum.Skipped = append(sum.Skipped, p)
		}
	}
	sum.Duration = time.Since(start)

	run.FinishedAt = time.Now()
	run.Files = len(sum.Results)
	run.OK = sum.Counts[StatusOK]
	run.Partial = sum.Counts[StatusPartial]
	run.LowQuality = sum.Counts[StatusLowQuality]
	run.Dropped = sum.Counts[StatusDropped]
	run.Failed = sum.Counts[StatusFailed]
	run.BytesIn = sum.BytesIn
	run.DurationMs = sum.Duration.Milliseconds()
	r.Index.FinishRun(context.Background(), run)

	counts := make(map[string]int, len(sum.Counts))
	for st, c := range sum.Counts {
		counts[string(st)] = c
	}
	r.Progress.Summary(progressproto.SummaryMsg{RunID: sum.RunID, Counts: counts, BytesIn: sum.BytesIn, DurationMs: run.DurationMs})
	logger.WithField("run", sum.RunID).Info(sum.Describe())
	return sum, nil
}

func (r *Runner) report(logger logrus.FieldLogger, runID string, seq, total int, fr FileResult) {
	fields := logrus.Fields{
		"file":   fr.Path,
		"status": string(fr.Status),
		"steps":  fr.Steps,
	}
	if fr.Code != CodeNone {
		fields["code"] = string(fr.Code)
	}
	if fr.Quality.MaskViolations > 0 {
		fields["mask_violations"] = fr.Quality.MaskViolations
	}
	entry := logger.WithFields(fields)
	switch {
	case r.DropBad && !fr.Wrote():
		entry.Warnf("Skipping %s: %s", fr.Path, fr.Message)
	case fr.Status == StatusFailed:
		entry.Error(fr.Message)
	case fr.Code != CodeNone:
		entry.Warn(fr.Message)
	case fr.Quality.MaskViolations > 0:
		entry.Warnf("%d steps took actions the mask ruled out", fr.Quality.MaskViolations)
	default:
		entry.Info("done")
	}

	r.Index.RecordFile(indexdb.File{
		RunID:          runID,
		Path:           fr.Path,
		ContentHash:    fr.Hash,
		Size:           fr.Size,
		Status:         string(fr.Status),
		Code:           string(fr.Code),
		Message:        fr.Message,
		Players:        fr.Players,
		Steps:          fr.Steps,
		Commands:       fr.Quality.Commands,
		Unknown:        fr.Quality.Unknown,
		MaskViolations: fr.Quality.MaskViolations,
		LastTick:       fr.LastTick,
		DurationMs:     fr.Duration.Milliseconds(),
	})
	r.Progress.File(progressproto.FileMsg{
		RunID:      runID,
		Seq:        seq,
		Total:      total,
		Path:       fr.Path,
		Status:     string(fr.Status),
		Code:       string(fr.Code),
		Message:    fr.Message,
		Steps:      fr.Steps,
		DurationMs: fr.Duration.Milliseconds(),
	})
}

type processed struct {
	res *episode.Result
	err error
}

// file runs one input end to end. It never panics.
func (r *Runner) file(ctx context.Context, logger logrus.FieldLogger, process ProcessFunc, j job) (fr FileResult) {
	start := time.Now()
	fr = FileResult{Path: j.path, Stem: j.stem}
	defer func() { fr.Duration = time.Since(start) }()

	raw, err := os.ReadFile(j.path)
	if err != nil {
		fr.Status, fr.Code, fr.Message = StatusFailed, CodeIO, err.Error()
		return fr
	}
	fr.Size = int64(len(raw))
	fr.Hash = strconv.FormatUint(xxhash.Sum64(raw), 16)

	fctx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	// The pipeline runs on its own goroutine so a file stuck inside a chunk
	// is still abandoned at the deadline.
	out := make(chan processed, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				out <- processed{err: &panicError{value: p, stack: debug.Stack()}}
			}
		}()
		res, err := process(fctx, raw, r.Pipeline)
		out <- processed{res: res, err: err}
	}()

	var pr processed
	select {
	case pr = <-out:
	case <-fctx.Done():
		pr = processed{err: fctx.Err()}
	}

	if pe, ok := pr.err.(*panicError); ok {
		logger.WithField("file", j.path).Errorf("panic: %v\n%s", pe.value, pe.stack)
		fr.Status, fr.Code, fr.Message = StatusFailed, CodeInternal, pe.Error()
		return fr
	}
	res := pr.res
	if res == nil {
		if pr.err == nil {
			fr.Status, fr.Code, fr.Message = StatusFailed, CodeInternal, "pipeline returned no result"
			return fr
		}
		fr.Status, fr.Code, fr.Message = StatusFailed, classify(pr.err), pr.err.Error()
		return fr
	}

	fr.Players = len(res.Episodes)
	fr.Steps = res.Steps()
	fr.LastTick = res.LastTick
	fr.Quality = res.Quality

	switch {
	case res.Truncation != nil:
		fr.Code, fr.Message = CodeTruncated, res.Truncation.Error()
	case res.Quality.LowQuality:
		fr.Code, fr.Message = CodeQuality, res.Quality.Reason
	}
	if r.DropBad && fr.Code != CodeNone {
		fr.Status = StatusDropped
		fr.Steps = 0
		return fr
	}

	written, err := log.WriteEpisode(r.Output, j.stem, res, log.WriteOptions{
		Compress:  r.Compress,
		Validator: r.Validator,
		Source:    j.path,
	})
	if err != nil {
		fr.Status, fr.Code, fr.Message = StatusFailed, CodeIO, err.Error()
		var se *log.SchemaError
		if errors.As(err, &se) {
			fr.Code = CodeInternal
		}
		fr.Steps = 0
		return fr
	}
	fr.Status = Status(log.StatusOf(res))
	fr.Outputs = written.Files
	fr.BytesOut = written.Bytes
	return fr
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }
