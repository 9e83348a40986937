package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Resource int

const (
	Food Resource = iota
	Wood
	Gold
	Stone

	NumResources = 4
)

var resourceNames = [NumResources]string{"food", "wood", "gold", "stone"}

func (r Resource) String() string {
	if r < 0 || int(r) >= NumResources {
		return fmt.Sprintf("resource(%d)", int(r))
	}
	return resourceNames[r]
}

// Resources lists every resource in canonical order.
func Resources() []Resource { return []Resource{Food, Wood, Gold, Stone} }

func ParseResource(s string) (Resource, bool) {
	for i, n := range resourceNames {
		if n == s {
			return Resource(i), true
		}
	}
	return 0, false
}

// Amounts is a whole-unit quantity per resource.
type Amounts [NumResources]int64

// Task is a villager assignment: a Resource, or TaskIdle.
type Task int

const TaskIdle Task = -1

// File is the YAML document as written on disk.
type File struct {
	Version         string         `yaml:"version" json:"version"`
	TicksPerSecond  int            `yaml:"ticks_per_second" json:"ticks_per_second"`
	SectorGrid      int            `yaml:"sector_grid" json:"sector_grid"`
	MaxPopulation   int            `yaml:"max_population" json:"max_population"`
	NewVillagerTask string         `yaml:"new_villager_task" json:"new_villager_task"`
	GatherRateMilli map[string]int `yaml:"gather_rate_milli" json:"gather_rate_milli"`

	Ages      []AgeSpec      `yaml:"ages" json:"ages"`
	Units     []UnitSpec     `yaml:"units" json:"units"`
	Buildings []BuildingSpec `yaml:"buildings" json:"buildings"`
	Techs     []TechSpec     `yaml:"techs" json:"techs"`
	Start     StartSpec      `yaml:"start" json:"start"`
}

type AgeSpec struct {
	Name                string         `yaml:"name" json:"name"`
	Cost                map[string]int `yaml:"cost" json:"cost,omitempty"`
	ResearchTicks       int            `yaml:"research_ticks" json:"research_ticks,omitempty"`
	RequiredBuildings   int            `yaml:"required_buildings" json:"required_buildings,omitempty"`
	GatherBonusPermille map[string]int `yaml:"gather_bonus_permille" json:"gather_bonus_permille,omitempty"`
}

type UnitSpec struct {
	ID         uint16         `yaml:"id" json:"id"`
	Name       string         `yaml:"name" json:"name"`
	Cost       map[string]int `yaml:"cost" json:"cost"`
	TrainTicks int            `yaml:"train_ticks" json:"train_ticks"`
	Pop        int            `yaml:"pop" json:"pop"`
	Producer   string         `yaml:"producer" json:"producer"`
	MinAge     string         `yaml:"min_age" json:"min_age"`
	Villager   bool           `yaml:"villager" json:"villager,omitempty"`
	Military   bool           `yaml:"military" json:"military,omitempty"`
}

type BuildingSpec struct {
	ID          uint16         `yaml:"id" json:"id"`
	Name        string         `yaml:"name" json:"name"`
	Cost        map[string]int `yaml:"cost" json:"cost"`
	BuildTicks  int            `yaml:"build_ticks" json:"build_ticks"`
	PopProvided int            `yaml:"pop_provided" json:"pop_provided,omitempty"`
	MinAge      string         `yaml:"min_age" json:"min_age"`
	Requires    []string       `yaml:"requires" json:"requires,omitempty"`
}

type TechSpec struct {
	ID                  uint16         `yaml:"id" json:"id"`
	Name                string         `yaml:"name" json:"name"`
	Cost                map[string]int `yaml:"cost" json:"cost"`
	ResearchTicks       int            `yaml:"research_ticks" json:"research_ticks"`
	Building            string         `yaml:"building" json:"building"`
	MinAge              string         `yaml:"min_age" json:"min_age"`
	GatherBonusPermille map[string]int `yaml:"gather_bonus_permille" json:"gather_bonus_permille,omitempty"`
}

type StartSpec struct {
	ResourcePresets []PresetSpec   `yaml:"resource_presets" json:"resource_presets"`
	Villagers       map[string]int `yaml:"villagers" json:"villagers"`
	Units           map[string]int `yaml:"units" json:"units,omitempty"`
	Buildings       map[string]int `yaml:"buildings" json:"buildings,omitempty"`
}

type PresetSpec struct {
	Name    string         `yaml:"name" json:"name"`
	Amounts map[string]int `yaml:"amounts" json:"amounts"`
}

// Rules is the resolved, read-only rule set for one run.
type Rules struct {
	Version         string
	TicksPerSecond  int64
	SectorGrid      int
	MaxPopulation   int
	NewVillagerTask Task
	GatherRateMilli [NumResources]int64

	Ages      []Age
	Units     []Unit
	Buildings []Building
	Techs     []Tech

	StartPresets   []Amounts
	StartVillagers map[Task]int
	StartUnits     map[string]int
	StartBuildings map[string]int

	// VillagerUnit is the name of the unit flagged villager.
	VillagerUnit string

	Digest string

	unitByName     map[string]int
	unitByID       map[uint16]int
	buildingByName map[string]int
	buildingByID   map[uint16]int
	techByName     map[string]int
	techByID       map[uint16]int
}

type Age struct {
	Index             int
	Name              string
	Cost              Amounts
	ResearchTicks     uint64
	RequiredBuildings int
	GatherBonus       [NumResources]int64
}

type Unit struct {
	ID         uint16
	Name       string
	Cost       Amounts
	TrainTicks uint64
	Pop        int
	Producer   string
	MinAge     int
	Villager   bool
	Military   bool
}

type Building struct {
	ID          uint16
	Name        string
	Cost        Amounts
	BuildTicks  uint64
	PopProvided int
	MinAge      int
	Requires    []string
}

type Tech struct {
	ID            uint16
	Name          string
	Cost          Amounts
	ResearchTicks uint64
	Building      string
	MinAge        int
	GatherBonus   [NumResources]int64
}

func Load(path string) (*Rules, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Rules, error) {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("rules.yaml: %w", err)
	}
	r, err := Resolve(f)
	if err != nil {
		return nil, fmt.Errorf("rules.yaml: %w", err)
	}
	return r, nil
}

// Resolve validates f and builds the lookup tables.
func Resolve(f File) (*Rules, error) {
	if f.TicksPerSecond <= 0 {
		return nil, fmt.Errorf("ticks_per_second must be > 0")
	}
	if f.SectorGrid <= 0 || f.SectorGrid > 64 {
		return nil, fmt.Errorf("sector_grid must be in [1, 64]")
	}
	if f.MaxPopulation <= 0 {
		return nil, fmt.Errorf("max_population must be > 0")
	}
	r := &Rules{
		Version:        f.Version,
		TicksPerSecond: int64(f.TicksPerSecond),
		SectorGrid:     f.SectorGrid,
		MaxPopulation:  f.MaxPopulation,
		unitByName:     map[string]int{},
		unitByID:       map[uint16]int{},
		buildingByName: map[string]int{},
		buildingByID:   map[uint16]int{},
		techByName:     map[string]int{},
		techByID:       map[uint16]int{},
	}

	task, err := parseTask(f.NewVillagerTask)
	if err != nil {
		return nil, fmt.Errorf("new_villager_task: %w", err)
	}
	r.NewVillagerTask = task

	rates, err := resourceMap(f.GatherRateMilli)
	if err != nil {
		return nil, fmt.Errorf("gather_rate_milli: %w", err)
	}
	r.GatherRateMilli = rates

	if len(f.Ages) < 2 {
		return nil, fmt.Errorf("ages: need at least two ages")
	}
	ageIndex := map[string]int{}
	for i, a := range f.Ages {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			return nil, fmt.Errorf("ages[%d]: empty name", i)
		}
		if _, dup := ageIndex[name]; dup {
			return nil, fmt.Errorf("ages: duplicate age %q", name)
		}
		ageIndex[name] = i
		cost, err := resourceMap(a.Cost)
		if err != nil {
			return nil, fmt.Errorf("age %q cost: %w", name, err)
		}
		bonus, err := resourceMap(a.GatherBonusPermille)
		if err != nil {
			return nil, fmt.Errorf("age %q gather_bonus_permille: %w", name, err)
		}
		if i > 0 && a.ResearchTicks <= 0 {
			return nil, fmt.Errorf("age %q research_ticks must be > 0", name)
		}
		r.Ages = append(r.Ages, Age{
			Index:             i,
			Name:              name,
			Cost:              cost,
			ResearchTicks:     uint64(a.ResearchTicks),
			RequiredBuildings: a.RequiredBuildings,
			GatherBonus:       bonus,
		})
	}
	minAge := func(what, s string) (int, error) {
		if s == "" {
			return 0, nil
		}
		i, ok := ageIndex[s]
		if !ok {
			return 0, fmt.Errorf("%s: unknown min_age %q", what, s)
		}
		return i, nil
	}

	for _, b := range f.Buildings {
		what := fmt.Sprintf("building %q", b.Name)
		if b.Name == "" {
			return nil, fmt.Errorf("buildings: empty name (id %d)", b.ID)
		}
		if _, dup := r.buildingByName[b.Name]; dup {
			return nil, fmt.Errorf("%s: duplicate name", what)
		}
		if _, dup := r.buildingByID[b.ID]; dup {
			return nil, fmt.Errorf("%s: duplicate id %d", what, b.ID)
		}
		cost, err := resourceMap(b.Cost)
		if err != nil {
			return nil, fmt.Errorf("%s cost: %w", what, err)
		}
		age, err := minAge(what, b.MinAge)
		if err != nil {
			return nil, err
		}
		if b.BuildTicks <= 0 {
			return nil, fmt.Errorf("%s: build_ticks must be > 0", what)
		}
		r.buildingByName[b.Name] = len(r.Buildings)
		r.buildingByID[b.ID] = len(r.Buildings)
		r.Buildings = append(r.Buildings, Building{
			ID: b.ID, Name: b.Name, Cost: cost, BuildTicks: uint64(b.BuildTicks),
			PopProvided: b.PopProvided, MinAge: age, Requires: append([]string(nil), b.Requires...),
		})
	}
	for _, b := range r.Buildings {
		for _, req := range b.Requires {
			if _, ok := r.buildingByName[req]; !ok {
				return nil, fmt.Errorf("building %q: requires unknown building %q", b.Name, req)
			}
		}
	}

	for _, u := range f.Units {
		what := fmt.Sprintf("unit %q", u.Name)
		if u.Name == "" {
			return nil, fmt.Errorf("units: empty name (id %d)", u.ID)
		}
		if _, dup := r.unitByName[u.Name]; dup {
			return nil, fmt.Errorf("%s: duplicate name", what)
		}
		if _, dup := r.unitByID[u.ID]; dup {
			return nil, fmt.Errorf("%s: duplicate id %d", what, u.ID)
		}
		if _, ok := r.buildingByName[u.Producer]; !ok {
			return nil, fmt.Errorf("%s: producer %q not a building", what, u.Producer)
		}
		cost, err := resourceMap(u.Cost)
		if err != nil {
			return nil, fmt.Errorf("%s cost: %w", what, err)
		}
		age, err := minAge(what, u.MinAge)
		if err != nil {
			return nil, err
		}
		if u.TrainTicks <= 0 {
			return nil, fmt.Errorf("%s: train_ticks must be > 0", what)
		}
		if u.Pop < 0 {
			return nil, fmt.Errorf("%s: pop must be >= 0", what)
		}
		if u.Villager {
			if r.VillagerUnit != "" {
				return nil, fmt.Errorf("%s: second villager unit (first %q)", what, r.VillagerUnit)
			}
			r.VillagerUnit = u.Name
		}
		r.unitByName[u.Name] = len(r.Units)
		r.unitByID[u.ID] = len(r.Units)
		r.Units = append(r.Units, Unit{
			ID: u.ID, Name: u.Name, Cost: cost, TrainTicks: uint64(u.TrainTicks), Pop: u.Pop,
			Producer: u.Producer, MinAge: age, Villager: u.Villager, Military: u.Military,
		})
	}
	if r.VillagerUnit == "" {
		return nil, fmt.Errorf("units: no unit flagged villager")
	}

	for _, t := range f.Techs {
		what := fmt.Sprintf("tech %q", t.Name)
		if t.Name == "" {
			return nil, fmt.Errorf("techs: empty name (id %d)", t.ID)
		}
		if _, dup := r.techByName[t.Name]; dup {
			return nil, fmt.Errorf("%s: duplicate name", what)
		}
		if _, dup := r.techByID[t.ID]; dup {
			return nil, fmt.Errorf("%s: duplicate id %d", what, t.ID)
		}
		if _, ok := r.buildingByName[t.Building]; !ok {
			return nil, fmt.Errorf("%s: building %q unknown", what, t.Building)
		}
		cost, err := resourceMap(t.Cost)
		if err != nil {
			return nil, fmt.Errorf("%s cost: %w", what, err)
		}
		bonus, err := resourceMap(t.GatherBonusPermille)
		if err != nil {
			return nil, fmt.Errorf("%s gather_bonus_permille: %w", what, err)
		}
		age, err := minAge(what, t.MinAge)
		if err != nil {
			return nil, err
		}
		if t.ResearchTicks <= 0 {
			return nil, fmt.Errorf("%s: research_ticks must be > 0", what)
		}
		r.techByName[t.Name] = len(r.Techs)
		r.techByID[t.ID] = len(r.Techs)
		r.Techs = append(r.Techs, Tech{
			ID: t.ID, Name: t.Name, Cost: cost, ResearchTicks: uint64(t.ResearchTicks),
			Building: t.Building, MinAge: age, GatherBonus: bonus,
		})
	}

	if err := r.resolveStart(f.Start); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	b, _ := json.Marshal(f)
	sum := sha256.Sum256(b)
	r.Digest = hex.EncodeToString(sum[:])
	return r, nil
}

func (r *Rules) resolveStart(s StartSpec) error {
	if len(s.ResourcePresets) == 0 {
		return fmt.Errorf("resource_presets must not be empty")
	}
	for _, p := range s.ResourcePresets {
		a, err := resourceMap(p.Amounts)
		if err != nil {
			return fmt.Errorf("preset %q: %w", p.Name, err)
		}
		r.StartPresets = append(r.StartPresets, a)
	}
	r.StartVillagers = map[Task]int{}
	for k, n := range s.Villagers {
		t, err := parseTask(k)
		if err != nil {
			return fmt.Errorf("villagers: %w", err)
		}
		if n < 0 {
			return fmt.Errorf("villagers %q: negative count", k)
		}
		r.StartVillagers[t] = n
	}
	r.StartUnits = map[string]int{}
	for name, n := range s.Units {
		if _, ok := r.unitByName[name]; !ok {
			return fmt.Errorf("units: unknown unit %q", name)
		}
		if name == r.VillagerUnit {
			return fmt.Errorf("units: villagers are listed under start.villagers")
		}
		r.StartUnits[name] = n
	}
	r.StartBuildings = map[string]int{}
	for name, n := range s.Buildings {
		if _, ok := r.buildingByName[name]; !ok {
			return fmt.Errorf("buildings: unknown building %q", name)
		}
		r.StartBuildings[name] = n
	}
	return nil
}

func parseTask(s string) (Task, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "idle" {
		return TaskIdle, nil
	}
	res, ok := ParseResource(s)
	if !ok {
		return 0, fmt.Errorf("unknown task %q", s)
	}
	return Task(res), nil
}

func resourceMap(m map[string]int) (Amounts, error) {
	var out Amounts
	for k, v := range m {
		res, ok := ParseResource(k)
		if !ok {
			return out, fmt.Errorf("unknown resource %q", k)
		}
		if v < 0 {
			return out, fmt.Errorf("%s: negative amount %d", k, v)
		}
		out[res] = int64(v)
	}
	return out, nil
}

func (r *Rules) Unit(name string) (Unit, bool) {
	i, ok := r.unitByName[name]
	if !ok {
		return Unit{}, false
	}
	return r.Units[i], true
}

func (r *Rules) UnitByID(id uint16) (Unit, bool) {
	i, ok := r.unitByID[id]
	if !ok {
		return Unit{}, false
	}
	return r.Units[i], true
}

func (r *Rules) Building(name string) (Building, bool) {
	i, ok := r.buildingByName[name]
	if !ok {
		return Building{}, false
	}
	return r.Buildings[i], true
}

func (r *Rules) BuildingByID(id uint16) (Building, bool) {
	i, ok := r.buildingByID[id]
	if !ok {
		return Building{}, false
	}
	return r.Buildings[i], true
}

func (r *Rules) Tech(name string) (Tech, bool) {
	i, ok := r.techByName[name]
	if !ok {
		return Tech{}, false
	}
	return r.Techs[i], true
}

func (r *Rules) TechByID(id uint16) (Tech, bool) {
	i, ok := r.techByID[id]
	if !ok {
		return Tech{}, false
	}
	return r.Techs[i], true
}

// AgeByName returns the age index for name.
func (r *Rules) AgeByName(name string) (Age, bool) {
	for _, a := range r.Ages {
		if a.Name == name {
			return a, true
		}
	}
	return Age{}, false
}

// StartPreset picks the starting resources for a header preset index,
// falling back to the first preset.
func (r *Rules) StartPreset(i int) Amounts {
	if i < 0 || i >= len(r.StartPresets) {
		return r.StartPresets[0]
	}
	return r.StartPresets[i]
}

// CountsForAge reports whether a building counts towards the next age's
// building requirement. Pop providers (houses, town centers) do not.
func (b Building) CountsForAge() bool { return b.PopProvided == 0 }
