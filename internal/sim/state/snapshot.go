// Package state reconstructs per-player game state by folding decoded
// commands over elapsed ticks.
package state

import (
	"fmt"
	"sort"

	"rtsreplay.ai/internal/replay"
	"rtsreplay.ai/internal/sim/rules"
)

type PendingKind int

// Same-tick completions resolve in this order.
const (
	PendingAge PendingKind = iota
	PendingBuilding
	PendingTech
	PendingUnit
)

func (k PendingKind) String() string {
	switch k {
	case PendingAge:
		return "age"
	case PendingBuilding:
		return "building"
	case PendingTech:
		return "tech"
	case PendingUnit:
		return "unit"
	}
	return fmt.Sprintf("pending(%d)", int(k))
}

// Pending is an in-progress action keyed by its completion tick.
type Pending struct {
	Due  uint64
	Kind PendingKind
	Name string
	Seq  uint64
}

// Snapshot is one player's state at Tick. Resources are held in
// milli-units; Resource converts to whole units.
type Snapshot struct {
	Player    int
	Tick      uint64
	ElapsedMs uint64
	Age       int
	AgingUp   bool
	Resigned  bool

	Stock     [rules.NumResources]int64
	Pop       int
	PopCap    int
	PopQueued int
	PopLimit  int

	Idle      int
	Gatherers [rules.NumResources]int

	Buildings   map[string]int
	Units       map[string]int
	Techs       map[string]bool
	Researching map[string]bool

	// Lanes holds, per producer building, the tick each production queue
	// frees up.
	Lanes   map[string][]uint64
	Pending []Pending
	NextSeq uint64
}

// Resource returns the whole-unit amount of res.
func (s Snapshot) Resource(res rules.Resource) int64 { return s.Stock[res] / 1000 }

func (s Snapshot) Villagers() int {
	n := s.Idle
	for _, g := range s.Gatherers {
		n += g
	}
	return n
}

// EffectivePopCap is the population cap after the game's hard limit.
func (s Snapshot) EffectivePopCap() int {
	if s.PopLimit > 0 && s.PopLimit < s.PopCap {
		return s.PopLimit
	}
	return s.PopCap
}

func (s Snapshot) Clone() Snapshot {
	out := s
	out.Buildings = cloneInts(s.Buildings)
	out.Units = cloneInts(s.Units)
	out.Techs = cloneBools(s.Techs)
	out.Researching = cloneBools(s.Researching)
	out.Lanes = make(map[string][]uint64, len(s.Lanes))
	for k, v := range s.Lanes {
		out.Lanes[k] = append([]uint64(nil), v...)
	}
	out.Pending = append([]Pending(nil), s.Pending...)
	return out
}

func cloneInts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneBools(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Initial builds the starting snapshot for slot from the rules and the
// container's game settings.
func Initial(r *rules.Rules, c *replay.Container, slot int) Snapshot {
	s := Snapshot{
		Player:      slot,
		Buildings:   map[string]int{},
		Units:       map[string]int{},
		Techs:       map[string]bool{},
		Researching: map[string]bool{},
		Lanes:       map[string][]uint64{},
		PopLimit:    r.MaxPopulation,
	}
	if c.Settings.PopLimit > 0 && c.Settings.PopLimit < s.PopLimit {
		s.PopLimit = c.Settings.PopLimit
	}
	s.Age = c.Settings.StartingAge
	if s.Age < 0 || s.Age >= len(r.Ages) {
		s.Age = 0
	}
	preset := r.StartPreset(c.Settings.StartingResources)
	for i, v := range preset {
		s.Stock[i] = v * 1000
	}
	for name, n := range r.StartBuildings {
		b, _ := r.Building(name)
		s.Buildings[name] = n
		s.PopCap += b.PopProvided * n
	}
	for name, n := range r.StartUnits {
		u, _ := r.Unit(name)
		s.Units[name] = n
		s.Pop += u.Pop * n
	}
	vu, _ := r.Unit(r.VillagerUnit)
	for task, n := range r.StartVillagers {
		s.assignVillagers(task, n)
		s.Units[r.VillagerUnit] += n
		s.Pop += vu.Pop * n
	}
	return s
}

func (s *Snapshot) assignVillagers(task rules.Task, n int) {
	if task == rules.TaskIdle {
		s.Idle += n
		return
	}
	s.Gatherers[task] += n
}

// releaseOrder is the order villagers are taken from tasks when they are
// reassigned or deleted: idle first, then stone, gold, wood, food.
var releaseOrder = []rules.Task{rules.TaskIdle, rules.Task(rules.Stone), rules.Task(rules.Gold), rules.Task(rules.Wood), rules.Task(rules.Food)}

// skipNone makes takeVillagers consider every task.
const skipNone rules.Task = -2

// takeVillagers removes up to n villagers from every task except skip and
// returns how many were taken.
func (s *Snapshot) takeVillagers(n int, skip rules.Task) int {
	taken := 0
	for _, task := range releaseOrder {
		if taken == n {
			break
		}
		if task == skip {
			continue
		}
		have := &s.Idle
		if task != rules.TaskIdle {
			have = &s.Gatherers[task]
		}
		k := n - taken
		if *have < k {
			k = *have
		}
		*have -= k
		taken += k
	}
	return taken
}

func (s *Snapshot) addPending(p Pending) {
	p.Seq = s.NextSeq
	s.NextSeq++
	i := sort.Search(len(s.Pending), func(i int) bool { return pendingLess(p, s.Pending[i]) })
	s.Pending = append(s.Pending, Pending{})
	copy(s.Pending[i+1:], s.Pending[i:])
	s.Pending[i] = p
}

// trainRoom is how many of u fit under the hard population limit, counting
// units already queued.
func (s Snapshot) trainRoom(r *rules.Rules, u rules.Unit) int {
	limit := s.PopLimit
	if limit <= 0 || limit > r.MaxPopulation {
		limit = r.MaxPopulation
	}
	if u.Pop <= 0 {
		return limit
	}
	room := (limit - s.Pop - s.PopQueued) / u.Pop
	if room < 0 {
		return 0
	}
	return room
}

func pendingLess(a, b Pending) bool {
	if a.Due != b.Due {
		return a.Due < b.Due
	}
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	return a.Seq < b.Seq
}

// Inconsistency is a reconstruction anomaly: the fold met a command or
// state it cannot model exactly. It is reported, never fatal.
type Inconsistency struct {
	Tick   uint64 `json:"tick"`
	Player int    `json:"player"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

func (e Inconsistency) Error() string {
	return fmt.Sprintf("state inconsistency p%d@%d %s: %s", e.Player, e.Tick, e.Kind, e.Detail)
}

// Inconsistency kinds.
const (
	KindNegativeResource = "negative_resource"
	KindMissingProducer  = "missing_producer"
	KindMissingObject    = "missing_object"
	KindTickRegression   = "tick_regression"
	KindEmbeddedMismatch = "embedded_mismatch"
	KindQueueOverflow    = "queue_overflow"
	KindSaturated        = "saturated"
)
