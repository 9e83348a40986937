package actionspace

import (
	"strings"
	"testing"

	"rtsreplay.ai/internal/replay/command"
	"rtsreplay.ai/internal/sim/rules"
	"rtsreplay.ai/internal/sim/state"
)

func loadV1(t *testing.T) (*Spec, *rules.Rules) {
	t.Helper()
	r, err := rules.Load("../../../configs/rules.yaml")
	if err != nil {
		t.Fatalf("load rules: %v", err)
	}
	sp, err := Load(Path("../../../configs", "v1"), r)
	if err != nil {
		t.Fatalf("load v1: %v", err)
	}
	return sp, r
}

func TestLoad_V1Layout(t *testing.T) {
	sp, _ := loadV1(t)
	if sp.Version != "v1" || sp.Len() != 64 {
		t.Fatalf("version=%s len=%d", sp.Version, sp.Len())
	}
	if sp.Actions[0].String() != "noop" {
		t.Fatalf("id 0 must be noop, got %s", sp.Actions[0])
	}
	if sp.Actions[1].String() != "train(villager)" {
		t.Fatalf("id 1: %s", sp.Actions[1])
	}
	if got := sp.Actions[32].String(); got != "move(sector=0)" {
		t.Fatalf("id 32: %s", got)
	}
	if got := sp.Actions[63].String(); got != "attack_move(sector=15)" {
		t.Fatalf("id 63: %s", got)
	}
	if len(sp.Digest) != 64 {
		t.Fatalf("digest: %q", sp.Digest)
	}
	again, _ := loadV1(t)
	if again.Digest != sp.Digest {
		t.Fatalf("digest not stable")
	}
}

func TestResolve_Rejects(t *testing.T) {
	_, r := loadV1(t)
	base := func() File {
		return File{Version: "vt", SectorGrid: 4, Actions: []ActionDef{{Verb: VerbTrain, Arg: "villager"}}, SectorVerbs: []string{VerbMove}}
	}
	cases := []struct {
		name   string
		mutate func(f *File)
		want   string
	}{
		{"duplicate", func(f *File) { f.Actions = append(f.Actions, ActionDef{Verb: VerbTrain, Arg: "villager"}) }, "duplicate action train(villager)"},
		{"unit", func(f *File) { f.Actions[0].Arg = "dragon" }, `unknown unit "dragon"`},
		{"verb", func(f *File) { f.Actions[0].Verb = "dance" }, `unknown verb "dance"`},
		{"dark_age", func(f *File) { f.Actions[0] = ActionDef{Verb: VerbAdvanceAge, Arg: "dark"} }, "not an age that can be reached"},
		{"grid", func(f *File) { f.SectorGrid = 3 }, "does not match"},
		{"sector_verb", func(f *File) { f.SectorVerbs = []string{VerbGather} }, "takes no sector"},
		{"explicit_noop", func(f *File) { f.Actions[0] = ActionDef{Verb: VerbNoop} }, "implicit"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := base()
			tc.mutate(&f)
			_, err := Resolve(f, r)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("want error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestMap_TotalAndDeterministic(t *testing.T) {
	sp, r := loadV1(t)
	var snap state.Snapshot
	m := command.Meta{Tick: 10, Player: 1}
	cases := []struct {
		cmd    command.Command
		want   string
		mapped bool
	}{
		{command.Train{Meta: m, Unit: "villager"}, "train(villager)", true},
		{command.Build{Meta: m, Building: "house", Sector: 7}, "build(house)", true},
		{command.Research{Meta: m, Tech: "loom"}, "research(loom)", true},
		{command.AgeUp{Meta: m, Age: 2}, "advance_age(castle)", true},
		{command.Gather{Meta: m, Resource: rules.Gold}, "gather(gold)", true},
		{command.Move{Meta: m, Sector: 5}, "move(sector=5)", true},
		{command.AttackMove{Meta: m, Sector: 15}, "attack_move(sector=15)", true},
		{command.Delete{Meta: m, Kind: command.DeleteUnit, Name: "villager"}, "noop", false},
		{command.Resign{Meta: m}, "noop", false},
		{command.Unknown{Meta: m, Reason: "unknown opcode"}, "noop", false},
		{command.Move{Meta: m, Sector: 99}, "noop", false},
	}
	for _, tc := range cases {
		id, mapped := sp.Map(tc.cmd, snap)
		if mapped != tc.mapped || sp.Actions[id].String() != tc.want {
			t.Fatalf("%s: got id %d (%s) mapped=%v, want %s mapped=%v", command.Name(tc.cmd), id, sp.Actions[id], mapped, tc.want, tc.mapped)
		}
		id2, _ := sp.Map(tc.cmd, snap)
		if id2 != id {
			t.Fatalf("map not deterministic")
		}
	}

	// A table without a unit leaves it unmapped.
	small, err := Resolve(File{Version: "tiny", SectorGrid: 4, Actions: []ActionDef{{Verb: VerbTrain, Arg: "militia"}}}, r)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id, mapped := small.Map(command.Train{Meta: m, Unit: "villager"}, snap); mapped || id != Unmapped {
		t.Fatalf("villager should be unmapped in tiny table")
	}
}
