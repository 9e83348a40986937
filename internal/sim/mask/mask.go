// Package mask computes which action ids are legal in a snapshot.
package mask

import (
	"rtsreplay.ai/internal/sim/actionspace"
	"rtsreplay.ai/internal/sim/rules"
	"rtsreplay.ai/internal/sim/state"
)

// Mask has one entry per action id.
type Mask []bool

func (m Mask) Legal(id int) bool { return id >= 0 && id < len(m) && m[id] }

func (m Mask) Count() int {
	n := 0
	for _, v := range m {
		if v {
			n++
		}
	}
	return n
}

type predicate func(r *rules.Rules, s state.Snapshot, d actionspace.Descriptor) bool

// predicates holds one legality rule per verb.
var predicates = map[string]predicate{
	actionspace.VerbNoop:       func(*rules.Rules, state.Snapshot, actionspace.Descriptor) bool { return true },
	actionspace.VerbTrain:      canTrain,
	actionspace.VerbBuild:      canBuild,
	actionspace.VerbResearch:   canResearch,
	actionspace.VerbAdvanceAge: canAdvance,
	actionspace.VerbGather:     func(_ *rules.Rules, s state.Snapshot, _ actionspace.Descriptor) bool { return s.Villagers() > 0 },
	actionspace.VerbMove:       func(_ *rules.Rules, s state.Snapshot, _ actionspace.Descriptor) bool { return unitCount(s, nil) > 0 },
	actionspace.VerbAttackMove: canAttackMove,
}

// Compute evaluates every action in spec against s.
func Compute(spec *actionspace.Spec, r *rules.Rules, s state.Snapshot) Mask {
	m := make(Mask, spec.Len())
	for id, d := range spec.Actions {
		if p, ok := predicates[d.Verb]; ok {
			m[id] = p(r, s, d)
		}
	}
	return m
}

func affordable(s state.Snapshot, cost rules.Amounts) bool {
	for i, v := range cost {
		if s.Stock[i] < v*1000 {
			return false
		}
	}
	return true
}

func canTrain(r *rules.Rules, s state.Snapshot, d actionspace.Descriptor) bool {
	u, ok := r.Unit(d.Arg)
	if !ok {
		return false
	}
	return s.Age >= u.MinAge &&
		s.Buildings[u.Producer] > 0 &&
		affordable(s, u.Cost) &&
		s.Pop+s.PopQueued+u.Pop <= s.EffectivePopCap()
}

func canBuild(r *rules.Rules, s state.Snapshot, d actionspace.Descriptor) bool {
	b, ok := r.Building(d.Arg)
	if !ok || s.Age < b.MinAge || s.Villagers() == 0 || !affordable(s, b.Cost) {
		return false
	}
	for _, req := range b.Requires {
		if s.Buildings[req] == 0 {
			return false
		}
	}
	return true
}

func canResearch(r *rules.Rules, s state.Snapshot, d actionspace.Descriptor) bool {
	t, ok := r.Tech(d.Arg)
	if !ok {
		return false
	}
	return s.Age >= t.MinAge &&
		s.Buildings[t.Building] > 0 &&
		!s.Techs[t.Name] && !s.Researching[t.Name] &&
		affordable(s, t.Cost)
}

// canAdvance requires the previous age, enough distinct qualifying
// building types from earlier ages, and the building that trains
// villagers.
func canAdvance(r *rules.Rules, s state.Snapshot, d actionspace.Descriptor) bool {
	a, ok := r.AgeByName(d.Arg)
	if !ok || a.Index != s.Age+1 || s.AgingUp || !affordable(s, a.Cost) {
		return false
	}
	villager, _ := r.Unit(r.VillagerUnit)
	if s.Buildings[villager.Producer] == 0 {
		return false
	}
	have := 0
	for _, b := range r.Buildings {
		if b.CountsForAge() && b.MinAge < a.Index && s.Buildings[b.Name] > 0 {
			have++
		}
	}
	return have >= a.RequiredBuildings
}

func canAttackMove(r *rules.Rules, s state.Snapshot, _ actionspace.Descriptor) bool {
	return unitCount(s, func(name string) bool {
		u, ok := r.Unit(name)
		return ok && u.Military
	}) > 0
}

func unitCount(s state.Snapshot, keep func(name string) bool) int {
	n := 0
	for name, c := range s.Units {
		if c > 0 && (keep == nil || keep(name)) {
			n += c
		}
	}
	return n
}
