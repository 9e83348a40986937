package log

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"rtsreplay.ai/internal/episode"
	"rtsreplay.ai/internal/pipeline"
	"rtsreplay.ai/internal/replay"
	"rtsreplay.ai/internal/replay/replaytest"
	"rtsreplay.ai/internal/sim/actionspace"
	"rtsreplay.ai/internal/sim/rules"
)

func process(t *testing.T, raw []byte) *episode.Result {
	t.Helper()
	r, err := rules.Load("../../../configs/rules.yaml")
	if err != nil {
		t.Fatalf("load rules: %v", err)
	}
	sp, err := actionspace.Load(actionspace.Path("../../../configs", "v1"), r)
	if err != nil {
		t.Fatalf("load action space: %v", err)
	}
	res, err := pipeline.Process(context.Background(), raw, pipeline.Options{Rules: r, Spec: sp})
	var trunc *replay.TruncatedChunkError
	if err != nil && !errors.As(err, &trunc) {
		t.Fatalf("process: %v", err)
	}
	return res
}

func sample() *replaytest.Builder {
	return replaytest.New(2).
		Sync(1000).
		Commands(1, replaytest.Train(83, 1), replaytest.Gather(0, 2, 20, 20)).
		Sync(2000).
		Commands(2, replaytest.Build(70, 2, 70, 70), replaytest.Move(1, 10, 90))
}

func TestWriteEpisode_PlainAndZstdReadBack(t *testing.T) {
	res := process(t, sample().End().Bytes())
	v, err := episode.LoadValidator("../../../schemas/episode_step.schema.json")
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	for _, compress := range []bool{false, true} {
		dir := t.TempDir()
		w, err := WriteEpisode(dir, "match", res, WriteOptions{Compress: compress, Validator: v, Source: "in/match.rtsr"})
		if err != nil {
			t.Fatalf("compress=%v: %v", compress, err)
		}
		if len(w.Files) != 3 || w.Steps != 4 || w.Bytes <= 0 {
			t.Fatalf("compress=%v: written %+v", compress, w)
		}
		for _, ep := range res.Episodes {
			path := EpisodePath(dir, "match", ep.Player.Slot, compress)
			if compress != strings.HasSuffix(path, ".zst") {
				t.Fatalf("path %s", path)
			}
			got, err := ReadEpisode(path)
			if err != nil {
				t.Fatalf("read %s: %v", path, err)
			}
			if !reflect.DeepEqual(got, res.Records(ep)) {
				t.Fatalf("%s: read back differs", path)
			}
		}
		meta, err := ReadMeta(MetaPath(dir, "match"))
		if err != nil {
			t.Fatalf("meta: %v", err)
		}
		if meta.Status != StatusOK || meta.Source != "in/match.rtsr" || len(meta.Players) != 2 {
			t.Fatalf("meta: %+v", meta)
		}
		if meta.ActionSpace != "v1" || meta.ActionSpaceDigest != res.ActionSpaceDigest || meta.Players[1].Name != "bob" {
			t.Fatalf("meta header: %+v", meta)
		}
		assertNoTemps(t, dir)
	}
}

func TestWriteEpisode_PartialStatus(t *testing.T) {
	res := process(t, sample().Truncated(replaytest.KindSync, 4, nil).Bytes())
	if res.Truncation == nil {
		t.Fatalf("expected a truncated result")
	}
	dir := t.TempDir()
	if _, err := WriteEpisode(dir, "cut", res, WriteOptions{}); err != nil {
		t.Fatalf("write: %v", err)
	}
	meta, err := ReadMeta(MetaPath(dir, "cut"))
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if meta.Status != StatusPartial || meta.Truncation == "" || meta.LastTick != 3000 {
		t.Fatalf("meta: %+v", meta)
	}
}

func TestWriteEpisode_SchemaFailureLeavesNothing(t *testing.T) {
	res := process(t, sample().End().Bytes())
	dir := t.TempDir()
	schema := filepath.Join(dir, "strict.json")
	if err := os.WriteFile(schema, []byte(`{"type":"object","required":["nope"]}`), 0o644); err != nil {
		t.Fatalf("write schema: %v", err)
	}
	v, err := episode.LoadValidator(schema)
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	out := filepath.Join(dir, "out")
	if _, err := WriteEpisode(out, "match", res, WriteOptions{Validator: v}); err == nil {
		t.Fatalf("expected schema failure")
	}
	entries, _ := os.ReadDir(out)
	if len(entries) != 0 {
		t.Fatalf("left %d entries behind", len(entries))
	}
}

func TestJSONLWriter_AbortRemovesTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.jsonl")
	w, err := CreateJSONL(path, false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.Write(map[string]int{"a": 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Abort()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("aborted file exists")
	}
	if err := w.Write(1); err == nil {
		t.Fatalf("write after abort accepted")
	}
	assertNoTemps(t, dir)
}

func TestEnsureManifest(t *testing.T) {
	dir := t.TempDir()
	m := Manifest{ActionSpace: "v1", ActionSpaceDigest: "aaa", RulesVersion: "r1", RulesDigest: "bbb"}
	if err := EnsureManifest(dir, m); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := EnsureManifest(dir, m); err != nil {
		t.Fatalf("same manifest: %v", err)
	}
	other := m
	other.ActionSpace, other.ActionSpaceDigest = "v2", "ccc"
	var mm *ManifestMismatchError
	if err := EnsureManifest(dir, other); !errors.As(err, &mm) || !strings.Contains(err.Error(), "action space v1") {
		t.Fatalf("want mismatch, got %v", err)
	}
	other = m
	other.RulesDigest = "ddd"
	if err := EnsureManifest(dir, other); !errors.As(err, &mm) || !strings.Contains(err.Error(), "rules r1") {
		t.Fatalf("want rules mismatch, got %v", err)
	}
}

func assertNoTemps(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("temp file left: %s", e.Name())
		}
	}
}
