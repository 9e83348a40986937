package command_test

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"rtsreplay.ai/internal/replay"
	"rtsreplay.ai/internal/replay/command"
	"rtsreplay.ai/internal/replay/replaytest"
	"rtsreplay.ai/internal/sim/rules"
)

func newDecoder(t *testing.T) *command.Decoder {
	t.Helper()
	r, err := rules.Load("../../../configs/rules.yaml")
	if err != nil {
		t.Fatalf("load rules: %v", err)
	}
	c, _, err := replay.Parse(replaytest.New(1).Bytes())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return command.NewDecoder(r, c)
}

func raw(rec replaytest.Record) replay.RawCommand {
	return replay.RawCommand{Tick: 42, Slot: 1, Opcode: rec.Opcode, Payload: rec.Payload}
}

func TestDecode_Variants(t *testing.T) {
	d := newDecoder(t)
	meta := func(op uint8) command.Meta { return command.Meta{Tick: 42, Player: 1, Opcode: op} }
	cases := []struct {
		name string
		rec  replaytest.Record
		want command.Command
	}{
		{"train", replaytest.Train(83, 2), command.Train{Meta: meta(command.OpTrain), Unit: "villager", UnitID: 83, Count: 2}},
		{"build", replaytest.Build(70, 1, 10, 10), command.Build{Meta: meta(command.OpBuild), Building: "house", BuildingID: 70, Builders: 1, Sector: 0}},
		{"research", replaytest.Research(22), command.Research{Meta: meta(command.OpResearch), Tech: "loom", TechID: 22}},
		{"age_up", replaytest.AgeUp(1), command.AgeUp{Meta: meta(command.OpAgeUp), Age: 1}},
		{"move", replaytest.Move(5, 99, 99), command.Move{Meta: meta(command.OpMove), Units: 5, Sector: 15}},
		{"attack_move", replaytest.AttackMove(3, 60, 10), command.AttackMove{Meta: meta(command.OpAttackMove), Units: 3, Sector: 2}},
		{"gather", replaytest.Gather(1, 4, 30, 60), command.Gather{Meta: meta(command.OpGather), Resource: rules.Wood, Villagers: 4, Sector: 9}},
		{"delete", replaytest.Delete(1, 70), command.Delete{Meta: meta(command.OpDelete), Kind: command.DeleteBuilding, Name: "house", TypeID: 70}},
		{"resign", replaytest.Resign(), command.Resign{Meta: meta(command.OpResign)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := d.Decode(raw(tc.rec))
			if got != tc.want {
				t.Fatalf("got %#v want %#v", got, tc.want)
			}
		})
	}
}

func TestDecode_UnknownNeverFails(t *testing.T) {
	d := newDecoder(t)
	cases := []struct {
		name   string
		rec    replaytest.Record
		reason string
	}{
		{"opcode", replaytest.Op(0xEE, []byte{1, 2, 3}), "unknown opcode"},
		{"short", replaytest.Op(command.OpTrain, []byte{83}), "short payload"},
		{"unit_id", replaytest.Train(9999, 1), "unit id 9999 not in catalog"},
		{"tech_id", replaytest.Research(1), "tech id 1 not in catalog"},
		{"age", replaytest.AgeUp(0), "age 0 out of range"},
		{"resource", replaytest.Gather(9, 1, 0, 0), "resource 9 out of range"},
		{"delete_kind", replaytest.Delete(4, 70), "delete kind 4"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := d.Decode(raw(tc.rec))
			u, ok := got.(command.Unknown)
			if !ok {
				t.Fatalf("want Unknown, got %#v", got)
			}
			if u.Reason != tc.reason || u.Opcode != tc.rec.Opcode || u.Tick != 42 {
				t.Fatalf("unknown: %+v", u)
			}
			if command.Name(got) != "unknown" {
				t.Fatalf("name: %s", command.Name(got))
			}
		})
	}
}

func TestSector_Table(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))
	cases := []struct {
		x, y float32
		want int
	}{
		{0, 0, 0},
		{24.9, 0, 0},
		{25, 0, 1},
		{99.9, 99.9, 15},
		{100, 100, 15},
		{-5, 50, 8},
		{1e30, -1e30, 3},
		{nan, 50, 0},
		{50, inf, 0},
	}
	for _, tc := range cases {
		if got := command.Sector(tc.x, tc.y, 100, 100, 4); got != tc.want {
			t.Fatalf("Sector(%v,%v) = %d want %d", tc.x, tc.y, got, tc.want)
		}
	}
	if command.Sector(50, 50, 100, 100, 1) != 0 {
		t.Fatalf("1x1 grid must map to 0")
	}
}

func TestSector_AlwaysInGrid(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("sector id lies in [0, n*n)", prop.ForAll(
		func(x, y float32, w, h, n int) bool {
			s := command.Sector(x, y, w, h, n)
			return s >= 0 && s < n*n
		},
		gen.Float32(),
		gen.Float32(),
		gen.IntRange(1, 512),
		gen.IntRange(1, 512),
		gen.IntRange(1, 16),
	))

	properties.Property("sector preserves column order along x", prop.ForAll(
		func(a, b float32, n int) bool {
			if a > b {
				a, b = b, a
			}
			return command.Sector(a, 0, 200, 200, n)%n <= command.Sector(b, 0, 200, 200, n)%n
		},
		gen.Float32Range(-50, 250),
		gen.Float32Range(-50, 250),
		gen.IntRange(1, 16),
	))

	properties.TestingRun(t)
}
