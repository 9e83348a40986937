package log

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"rtsreplay.ai/internal/episode"
	"rtsreplay.ai/internal/replay"
	"rtsreplay.ai/internal/sim/state"
)

const (
	StatusOK         = "ok"
	StatusPartial    = "partial"
	StatusLowQuality = "low_quality"
)

type WriteOptions struct {
	Compress bool
	// Validator, when set, checks every record before it is written.
	Validator *episode.Validator
	// Source is the input path recorded in the metadata document.
	Source string
}

// Meta is the <stem>.meta.json document.
type Meta struct {
	Source            string            `json:"source,omitempty"`
	Status            string            `json:"status"`
	Envelope          replay.Envelope   `json:"envelope"`
	Container         *replay.Container `json:"container"`
	ActionSpace       string            `json:"action_space"`
	ActionSpaceDigest string            `json:"action_space_digest"`
	RulesDigest       string            `json:"rules_digest"`
	LastTick          uint64            `json:"last_tick"`
	Chunks            replay.ChunkStats `json:"chunks"`
	Truncation        string            `json:"truncation,omitempty"`
	Quality           episode.Quality   `json:"quality"`
	Players           []MetaPlayer      `json:"players"`
}

type MetaPlayer struct {
	Slot        int    `json:"slot"`
	Name        string `json:"name"`
	Steps       int    `json:"steps"`
	Violations  int    `json:"mask_violations"`
	File        string `json:"file"`
	FinalDigest string `json:"final_state_digest"`
}

// SchemaError reports a record the step schema rejected.
type SchemaError struct {
	File  string
	Step  int
	Cause error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s step %d: schema: %v", e.File, e.Step, e.Cause)
}

func (e *SchemaError) Unwrap() error { return e.Cause }

// Written lists what WriteEpisode produced.
type Written struct {
	Files []string
	Steps int
	Bytes int64
}

// StatusOf is the dataset status of a result that is being kept.
func StatusOf(res *episode.Result) string {
	switch {
	case res.Truncation != nil:
		return StatusPartial
	case res.Quality.LowQuality:
		return StatusLowQuality
	default:
		return StatusOK
	}
}

func EpisodePath(dir, stem string, slot int, compress bool) string {
	name := fmt.Sprintf("%s.p%d.jsonl", stem, slot)
	if compress {
		name += ".zst"
	}
	return filepath.Join(dir, name)
}

func MetaPath(dir, stem string) string {
	return filepath.Join(dir, stem+".meta.json")
}

// WriteEpisode writes one JSONL file per player and the metadata document.
// The metadata is written last; on error every file written so far is
// removed.
func WriteEpisode(dir, stem string, res *episode.Result, opts WriteOptions) (Written, error) {
	var out Written
	fail := func(err error) (Written, error) {
		for _, p := range out.Files {
			_ = os.Remove(p)
		}
		return Written{}, err
	}

	meta := Meta{
		Source:            opts.Source,
		Status:            StatusOf(res),
		Envelope:          res.Envelope,
		Container:         res.Container,
		ActionSpace:       res.ActionSpace,
		ActionSpaceDigest: res.ActionSpaceDigest,
		RulesDigest:       res.RulesDigest,
		LastTick:          res.LastTick,
		Chunks:            res.Chunks,
		Quality:           res.Quality,
	}
	if res.Truncation != nil {
		meta.Truncation = res.Truncation.Error()
	}

	for _, ep := range res.Episodes {
		path := EpisodePath(dir, stem, ep.Player.Slot, opts.Compress)
		if err := writeRecords(path, res.Records(ep), opts); err != nil {
			return fail(err)
		}
		out.Files = append(out.Files, path)
		out.Steps += len(ep.Steps)
		meta.Players = append(meta.Players, MetaPlayer{
			Slot:        ep.Player.Slot,
			Name:        ep.Player.Name,
			Steps:       len(ep.Steps),
			Violations:  len(ep.Violations),
			File:        filepath.Base(path),
			FinalDigest: state.Digest(ep.Final),
		})
	}

	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fail(err)
	}
	mp := MetaPath(dir, stem)
	if err := writeFileAtomic(mp, append(b, '\n')); err != nil {
		return fail(err)
	}
	out.Files = append(out.Files, mp)

	for _, p := range out.Files {
		if fi, err := os.Stat(p); err == nil {
			out.Bytes += fi.Size()
		}
	}
	return out, nil
}

func writeRecords(path string, recs []episode.Record, opts WriteOptions) error {
	w, err := CreateJSONL(path, opts.Compress)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		b, err := json.Marshal(rec)
		if err != nil {
			w.Abort()
			return err
		}
		if opts.Validator != nil {
			if err := opts.Validator.ValidateJSON(b); err != nil {
				w.Abort()
				return &SchemaError{File: filepath.Base(path), Step: rec.Step, Cause: err}
			}
		}
		if err := w.WriteLine(b); err != nil {
			w.Abort()
			return err
		}
	}
	return w.Commit()
}
