package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"rtsreplay.ai/internal/episode"
	"rtsreplay.ai/internal/pipeline"
	"rtsreplay.ai/internal/sim/actionspace"
	"rtsreplay.ai/internal/sim/rules"
	"rtsreplay.ai/internal/sim/state"
)

func main() {
	var (
		path      = flag.String("replay", "", "path to a replay file")
		configDir = flag.String("configs", "./configs", "config directory")
		spaceVer  = flag.String("action_space", "v1", "action space version")
		trustSave = flag.Bool("trust_embedded_state", false, "reseed state from embedded save chunks")
		embedTol  = flag.Int64("embedded_tolerance", episode.DefaultEmbeddedTolerance, "whole units a save chunk may differ from derived state")
		verify    = flag.Bool("verify", false, "process twice and compare digests and step streams")
	)
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "missing -replay")
		os.Exit(2)
	}

	r, err := rules.Load(filepath.Join(*configDir, "rules.yaml"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "load rules:", err)
		os.Exit(2)
	}
	spec, err := actionspace.Load(actionspace.Path(*configDir, *spaceVer), r)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load action space:", err)
		os.Exit(2)
	}
	raw, err := os.ReadFile(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read replay:", err)
		os.Exit(1)
	}
	opts := pipeline.Options{
		Rules:              r,
		Spec:               spec,
		Episode:            episode.Options{EmbeddedTolerance: *embedTol},
		TrustEmbeddedState: *trustSave,
	}

	res, err := pipeline.Process(context.Background(), raw, opts)
	if res == nil {
		fmt.Fprintln(os.Stderr, "process:", err)
		os.Exit(1)
	}
	c := res.Container
	fmt.Printf("replay v%d envelope=%s map=%s(%d) %dx%d players=%d pop_limit=%d game=%s\n",
		c.Version, res.Envelope, c.Map.Name, c.Map.ID, c.Map.Width, c.Map.Height,
		len(c.Players), c.Settings.PopLimit, c.Settings.GameVersion)
	fmt.Printf("chunks: command=%d sync=%d save=%d chat=%d unknown=%d last_tick=%d\n",
		res.Chunks.Command, res.Chunks.Sync, res.Chunks.Save, res.Chunks.Chat, res.Chunks.Unknown, res.LastTick)
	q := res.Quality
	fmt.Printf("commands=%d unmapped=%d unknown=%d malformed=%d mask_violations=%d inconsistencies=%d low_quality=%t %s\n",
		q.Commands, q.Unmapped, q.Unknown, q.Malformed, q.MaskViolations, q.Inconsistencies, q.LowQuality, q.Reason)
	for _, ep := range res.Episodes {
		fmt.Printf("  p%d %-12s steps=%-6d violations=%-4d digest=%s\n",
			ep.Player.Slot, ep.Player.Name, len(ep.Steps), len(ep.Violations), state.Digest(ep.Final))
	}
	if err != nil {
		fmt.Println("truncated:", err)
	}

	if !*verify {
		return
	}
	again, err2 := pipeline.Process(context.Background(), raw, opts)
	if again == nil {
		fmt.Fprintln(os.Stderr, "second pass:", err2)
		os.Exit(1)
	}
	if err := compare(res, again); err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	fmt.Printf("replay ok: steps=%d players=%d\n", res.Steps(), len(res.Episodes))
}

func compare(a, b *episode.Result) error {
	if len(a.Episodes) != len(b.Episodes) {
		return fmt.Errorf("episode count mismatch: %d vs %d", len(a.Episodes), len(b.Episodes))
	}
	for i := range a.Episodes {
		ea, eb := a.Episodes[i], b.Episodes[i]
		if da, db := state.Digest(ea.Final), state.Digest(eb.Final); da != db {
			return fmt.Errorf("p%d final digest mismatch: %s vs %s", ea.Player.Slot, da, db)
		}
		sa, err := stream(a, ea)
		if err != nil {
			return err
		}
		sb, err := stream(b, eb)
		if err != nil {
			return err
		}
		if !bytes.Equal(sa, sb) {
			return fmt.Errorf("p%d step stream differs", ea.Player.Slot)
		}
	}
	return nil
}

func stream(res *episode.Result, ep episode.Episode) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range res.Records(ep) {
		if err := enc.Encode(rec); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
