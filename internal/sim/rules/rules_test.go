package rules

import (
	"strings"
	"testing"
)

func TestLoad_RulesYAML(t *testing.T) {
	r, err := Load("../../../configs/rules.yaml")
	if err != nil {
		t.Fatalf("load rules.yaml: %v", err)
	}
	if r.TicksPerSecond != 1000 || r.SectorGrid != 4 {
		t.Fatalf("tps=%d grid=%d", r.TicksPerSecond, r.SectorGrid)
	}
	if len(r.Ages) != 4 || r.Ages[1].Name != "feudal" || r.Ages[1].Cost[Food] != 500 {
		t.Fatalf("unexpected ages: %+v", r.Ages)
	}
	if r.VillagerUnit != "villager" {
		t.Fatalf("villager unit: %q", r.VillagerUnit)
	}
	u, ok := r.UnitByID(83)
	if !ok || u.Name != "villager" || u.Cost[Food] != 50 || u.Producer != "town_center" {
		t.Fatalf("unit 83: %+v ok=%v", u, ok)
	}
	b, ok := r.Building("archery_range")
	if !ok || b.MinAge != 1 || len(b.Requires) != 1 || b.Requires[0] != "barracks" {
		t.Fatalf("archery_range: %+v", b)
	}
	if _, ok := r.TechByID(22); !ok {
		t.Fatalf("loom missing")
	}
	if r.StartPreset(0)[Food] != 200 || r.StartPreset(99)[Food] != 200 {
		t.Fatalf("preset fallback broken")
	}
	if r.StartVillagers[TaskIdle] != 3 {
		t.Fatalf("start villagers: %v", r.StartVillagers)
	}
	if r.NewVillagerTask != Task(Food) {
		t.Fatalf("new villager task: %v", r.NewVillagerTask)
	}
	if len(r.Digest) != 64 {
		t.Fatalf("digest: %q", r.Digest)
	}
}

func TestParse_DigestStable(t *testing.T) {
	raw := []byte(minimalYAML)
	a, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	b, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.Digest != b.Digest {
		t.Fatalf("digest differs: %s vs %s", a.Digest, b.Digest)
	}
	c, err := Parse([]byte(strings.Replace(minimalYAML, "max_population: 200", "max_population: 150", 1)))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Digest == a.Digest {
		t.Fatalf("digest should change with content")
	}
}

func TestParse_ValidationNamesEntry(t *testing.T) {
	cases := []struct {
		name string
		from string
		to   string
		want string
	}{
		{"producer", "producer: town_center", "producer: castle_x", `unit "villager": producer "castle_x" not a building`},
		{"resource", "cost: {food: 50}", "cost: {mana: 50}", `unknown resource "mana"`},
		{"min_age", "min_age: dark, villager", "min_age: bronze, villager", `unknown min_age "bronze"`},
		{"requires", "requires: []", "requires: [temple]", `requires unknown building "temple"`},
		{"grid", "sector_grid: 4", "sector_grid: 0", "sector_grid"},
		{"villager_task", "new_villager_task: food", "new_villager_task: fishing", `unknown task "fishing"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := strings.Replace(minimalYAML, tc.from, tc.to, 1)
			if src == minimalYAML {
				t.Fatalf("replacement %q not applied", tc.from)
			}
			_, err := Parse([]byte(src))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.HasPrefix(err.Error(), "rules.yaml: ") || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not contain %q", err, tc.want)
			}
		})
	}
}

const minimalYAML = `
version: test
ticks_per_second: 1000
sector_grid: 4
max_population: 200
new_villager_task: food
gather_rate_milli: {food: 1000}
ages:
  - name: dark
  - name: feudal
    cost: {food: 500}
    research_ticks: 1000
units:
  - {id: 1, name: villager, cost: {food: 50}, train_ticks: 1000, pop: 1, producer: town_center, min_age: dark, villager: true}
buildings:
  - {id: 10, name: town_center, cost: {wood: 275}, build_ticks: 1000, pop_provided: 5, requires: []}
techs: []
start:
  resource_presets:
    - {name: standard, amounts: {food: 200}}
  villagers: {idle: 3}
  buildings: {town_center: 1}
`
