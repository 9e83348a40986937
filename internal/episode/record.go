package episode

import (
	"fmt"
	"sort"

	"rtsreplay.ai/internal/sim/rules"
	"rtsreplay.ai/internal/sim/state"
)

// Record is the serialized form of one step. The field set is fixed by
// schemas/episode_step.schema.json.
type Record struct {
	Step     int         `json:"step"`
	Tick     uint64      `json:"tick"`
	Player   int         `json:"player"`
	State    StateRecord `json:"state"`
	ActionID int         `json:"action_id"`
	Mapped   bool        `json:"mapped"`
	Mask     []bool      `json:"valid_action_mask"`
}

type StateRecord struct {
	Tick             uint64           `json:"tick"`
	ElapsedMs        uint64           `json:"elapsed_ms"`
	Age              string           `json:"age"`
	AgeIndex         int              `json:"age_index"`
	AgingUp          bool             `json:"aging_up"`
	Resigned         bool             `json:"resigned"`
	Resources        map[string]int64 `json:"resources"`
	Population       int              `json:"population"`
	PopulationCap    int              `json:"population_cap"`
	PopulationQueued int              `json:"population_queued"`
	PopulationLimit  int              `json:"population_limit"`
	Villagers        map[string]int   `json:"villagers"`
	Buildings        map[string]int   `json:"buildings"`
	Units            map[string]int   `json:"units"`
	Techs            []string         `json:"techs"`
	Researching      []string         `json:"researching"`
	Pending          []PendingRecord  `json:"pending"`
}

type PendingRecord struct {
	Due  uint64 `json:"due"`
	Kind string `json:"kind"`
	Name string `json:"name"`
}

// Records converts an episode's steps into their serialized form.
func (r *Result) Records(ep Episode) []Record {
	out := make([]Record, 0, len(ep.Steps))
	for _, st := range ep.Steps {
		out = append(out, Record{
			Step:     st.Index,
			Tick:     st.Tick,
			Player:   st.Player,
			State:    r.StateRecord(st.State),
			ActionID: st.ActionID,
			Mapped:   st.Mapped,
			Mask:     []bool(st.Mask),
		})
	}
	return out
}

func (r *Result) StateRecord(s state.Snapshot) StateRecord {
	age := fmt.Sprintf("age(%d)", s.Age)
	if s.Age >= 0 && s.Age < len(r.ages) {
		age = r.ages[s.Age]
	}
	rec := StateRecord{
		Tick:             s.Tick,
		ElapsedMs:        s.ElapsedMs,
		Age:              age,
		AgeIndex:         s.Age,
		AgingUp:          s.AgingUp,
		Resigned:         s.Resigned,
		Resources:        map[string]int64{},
		Population:       s.Pop,
		PopulationCap:    s.PopCap,
		PopulationQueued: s.PopQueued,
		PopulationLimit:  s.PopLimit,
		Villagers:        map[string]int{"idle": s.Idle},
		Buildings:        nonZero(s.Buildings),
		Units:            nonZero(s.Units),
		Techs:            sortedSet(s.Techs),
		Researching:      sortedSet(s.Researching),
		Pending:          make([]PendingRecord, 0, len(s.Pending)),
	}
	for _, res := range rules.Resources() {
		rec.Resources[res.String()] = s.Resource(res)
		rec.Villagers[res.String()] = s.Gatherers[res]
	}
	for _, p := range s.Pending {
		rec.Pending = append(rec.Pending, PendingRecord{Due: p.Due, Kind: p.Kind.String(), Name: p.Name})
	}
	return rec
}

func nonZero(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		if v != 0 {
			out[k] = v
		}
	}
	return out
}

func sortedSet(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		if v {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
