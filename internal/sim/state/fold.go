package state

import (
	"fmt"
	"math"
	"math/bits"

	"rtsreplay.ai/internal/replay/command"
	"rtsreplay.ai/internal/sim/rules"
)

// Step is the reconstruction fold: advance prev by delta ticks, then apply c.
func Step(r *rules.Rules, prev Snapshot, c command.Command, delta uint64) (Snapshot, []Inconsistency) {
	s, issues := Advance(r, prev, prev.Tick+delta)
	s, more := Apply(r, s, c)
	return s, append(issues, more...)
}

// Advance accrues gathering up to tick to and resolves every pending
// completion due at or before it, in completion order.
func Advance(r *rules.Rules, prev Snapshot, to uint64) (Snapshot, []Inconsistency) {
	s := prev.Clone()
	if to < s.Tick {
		return s, []Inconsistency{{
			Tick: s.Tick, Player: s.Player, Kind: KindTickRegression,
			Detail: fmt.Sprintf("advance to %d from %d", to, s.Tick),
		}}
	}
	var issues []Inconsistency
	for len(s.Pending) > 0 && s.Pending[0].Due <= to {
		p := s.Pending[0]
		s.Pending = s.Pending[1:]
		issues = append(issues, s.accrue(r, p.Due)...)
		s.resolve(r, p)
	}
	issues = append(issues, s.accrue(r, to)...)
	if len(s.Pending) == 0 {
		s.Pending = nil
	}
	return s, issues
}

// GatherBonus is the permille bonus per resource from the current age and
// completed techs.
func GatherBonus(r *rules.Rules, s Snapshot) [rules.NumResources]int64 {
	bonus := r.Ages[s.Age].GatherBonus
	for _, t := range r.Techs {
		if !s.Techs[t.Name] {
			continue
		}
		for i, b := range t.GatherBonus {
			bonus[i] += b
		}
	}
	return bonus
}

// MaxStock caps every resource, in milli-units. Accrual past it saturates.
const MaxStock int64 = 1 << 53

// MaxElapsedMs caps the exported game clock.
const MaxElapsedMs uint64 = 1 << 53

func (s *Snapshot) accrue(r *rules.Rules, to uint64) []Inconsistency {
	if to <= s.Tick {
		return nil
	}
	var issues []Inconsistency
	saturated := func(what string) {
		issues = append(issues, Inconsistency{
			Tick: to, Player: s.Player, Kind: KindSaturated,
			Detail: fmt.Sprintf("%s saturated advancing %d ticks", what, to-s.Tick),
		})
	}
	dt := to - s.Tick
	denom := uint64(1000 * r.TicksPerSecond)
	bonus := GatherBonus(r, *s)
	for i := range s.Stock {
		n := int64(s.Gatherers[i])
		rate := n * r.GatherRateMilli[i] * (1000 + bonus[i])
		if n <= 0 || rate <= 0 {
			continue
		}
		gain, ok := mulDiv(uint64(rate), dt, denom)
		room := MaxStock - s.Stock[i]
		if !ok || room < 0 || gain > uint64(room) {
			if s.Stock[i] < MaxStock {
				s.Stock[i] = MaxStock
				saturated(rules.Resource(i).String())
			}
			continue
		}
		s.Stock[i] += int64(gain)
	}
	s.Tick = to
	ms, ok := mulDiv(to, 1000, uint64(r.TicksPerSecond))
	if !ok || ms > MaxElapsedMs {
		if s.ElapsedMs < MaxElapsedMs {
			saturated("elapsed_ms")
		}
		ms = MaxElapsedMs
	}
	s.ElapsedMs = ms
	return issues
}

// mulDiv returns a*b/d, or false when the quotient does not fit in 63 bits.
func mulDiv(a, b, d uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	if hi >= d {
		return 0, false
	}
	q, _ := bits.Div64(hi, lo, d)
	if q > math.MaxInt64 {
		return 0, false
	}
	return q, true
}

func (s *Snapshot) resolve(r *rules.Rules, p Pending) {
	switch p.Kind {
	case PendingAge:
		if a, ok := r.AgeByName(p.Name); ok && a.Index > s.Age {
			s.Age = a.Index
		}
		s.AgingUp = false
	case PendingBuilding:
		b, _ := r.Building(p.Name)
		s.Buildings[p.Name]++
		s.PopCap += b.PopProvided
	case PendingTech:
		delete(s.Researching, p.Name)
		s.Techs[p.Name] = true
	case PendingUnit:
		u, _ := r.Unit(p.Name)
		s.Units[p.Name]++
		s.PopQueued -= u.Pop
		s.Pop += u.Pop
		if u.Villager {
			s.assignVillagers(r.NewVillagerTask, 1)
		}
	}
}

// Apply returns the state after c takes effect at prev.Tick. It never
// mutates prev. Commands from a resigned player change nothing.
func Apply(r *rules.Rules, prev Snapshot, c command.Command) (Snapshot, []Inconsistency) {
	s := prev.Clone()
	if s.Resigned {
		return s, nil
	}
	var issues []Inconsistency
	report := func(kind, detail string) {
		issues = append(issues, Inconsistency{Tick: s.Tick, Player: s.Player, Kind: kind, Detail: detail})
	}

	switch c := c.(type) {
	case command.Train:
		u, ok := r.Unit(c.Unit)
		if !ok {
			report(KindMissingObject, fmt.Sprintf("unit %q not in rules", c.Unit))
			break
		}
		count := c.Count
		if count <= 0 {
			count = 1
		}
		if room := s.trainRoom(r, u); count > room {
			report(KindQueueOverflow, fmt.Sprintf("train %d %s: room for %d under population limit %d", count, u.Name, room, s.PopLimit))
			count = room
		}
		if count == 0 {
			break
		}
		var cost rules.Amounts
		for i, v := range u.Cost {
			cost[i] = v * int64(count)
		}
		s.deduct(cost, report)
		lanes := s.Buildings[u.Producer]
		if lanes == 0 {
			report(KindMissingProducer, fmt.Sprintf("train %s without %s", u.Name, u.Producer))
			lanes = 1
		}
		q := s.lanes(u.Producer, lanes)
		for k := 0; k < count; k++ {
			best := 0
			for i := range q {
				if q[i] < q[best] {
					best = i
				}
			}
			start := q[best]
			if start < s.Tick {
				start = s.Tick
			}
			q[best] = start + u.TrainTicks
			s.PopQueued += u.Pop
			s.addPending(Pending{Due: q[best], Kind: PendingUnit, Name: u.Name})
		}
	case command.Build:
		b, ok := r.Building(c.Building)
		if !ok {
			report(KindMissingObject, fmt.Sprintf("building %q not in rules", c.Building))
			break
		}
		s.deduct(b.Cost, report)
		builders := c.Builders
		if builders < 1 {
			builders = 1
		}
		ticks := b.BuildTicks * 3 / uint64(builders+2)
		s.addPending(Pending{Due: s.Tick + ticks, Kind: PendingBuilding, Name: b.Name})
	case command.Research:
		t, ok := r.Tech(c.Tech)
		if !ok {
			report(KindMissingObject, fmt.Sprintf("tech %q not in rules", c.Tech))
			break
		}
		s.deduct(t.Cost, report)
		s.Researching[t.Name] = true
		s.addPending(Pending{Due: s.Tick + t.ResearchTicks, Kind: PendingTech, Name: t.Name})
	case command.AgeUp:
		if c.Age <= 0 || c.Age >= len(r.Ages) {
			report(KindMissingObject, fmt.Sprintf("age %d not in rules", c.Age))
			break
		}
		a := r.Ages[c.Age]
		s.deduct(a.Cost, report)
		s.AgingUp = true
		s.addPending(Pending{Due: s.Tick + a.ResearchTicks, Kind: PendingAge, Name: a.Name})
	case command.Gather:
		target := rules.Task(c.Resource)
		moved := s.takeVillagers(c.Villagers, target)
		s.Gatherers[c.Resource] += moved
	case command.Delete:
		switch c.Kind {
		case command.DeleteUnit:
			if s.Units[c.Name] == 0 {
				report(KindMissingObject, fmt.Sprintf("delete unit %s: none left", c.Name))
				break
			}
			u, _ := r.Unit(c.Name)
			s.Units[c.Name]--
			s.Pop -= u.Pop
			if u.Villager {
				s.takeVillagers(1, skipNone)
			}
		case command.DeleteBuilding:
			if s.Buildings[c.Name] == 0 {
				report(KindMissingObject, fmt.Sprintf("delete building %s: none left", c.Name))
				break
			}
			b, _ := r.Building(c.Name)
			s.Buildings[c.Name]--
			s.PopCap -= b.PopProvided
		}
	case command.Resign:
		s.Resigned = true
	case command.Move, command.AttackMove, command.Unknown:
	default:
		panic(fmt.Sprintf("state: unhandled command %T", c))
	}
	return s, issues
}

// lanes returns the production queue for producer sized to n lanes.
func (s *Snapshot) lanes(producer string, n int) []uint64 {
	q := s.Lanes[producer]
	for len(q) < n {
		q = append(q, s.Tick)
	}
	if len(q) > n {
		q = q[:n]
	}
	s.Lanes[producer] = q
	return q
}

// deduct charges cost in whole units. A stock that would go negative is
// clamped to zero and reported.
func (s *Snapshot) deduct(cost rules.Amounts, report func(kind, detail string)) {
	for i, v := range cost {
		if v == 0 {
			continue
		}
		s.Stock[i] -= v * 1000
		if s.Stock[i] < 0 {
			report(KindNegativeResource, fmt.Sprintf("%s short by %d milli, clamped to 0", rules.Resource(i), -s.Stock[i]))
			s.Stock[i] = 0
		}
	}
}
