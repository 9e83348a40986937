package actionspace

import (
	"rtsreplay.ai/internal/replay/command"
	"rtsreplay.ai/internal/sim/state"
)

// Map returns the action id for c. Commands without a descriptor in the
// table map to Unmapped with mapped=false. The snapshot is the state c was
// issued in; v1 descriptors depend on the command alone.
func (s *Spec) Map(c command.Command, _ state.Snapshot) (id int, mapped bool) {
	d, ok := s.describe(c)
	if !ok {
		return Unmapped, false
	}
	id, ok = s.ID(d)
	if !ok {
		return Unmapped, false
	}
	return id, true
}

func (s *Spec) describe(c command.Command) (Descriptor, bool) {
	switch c := c.(type) {
	case command.Train:
		return Descriptor{Verb: VerbTrain, Arg: c.Unit, Sector: -1}, true
	case command.Build:
		return Descriptor{Verb: VerbBuild, Arg: c.Building, Sector: -1}, true
	case command.Research:
		return Descriptor{Verb: VerbResearch, Arg: c.Tech, Sector: -1}, true
	case command.AgeUp:
		if c.Age <= 0 || c.Age >= len(s.ages) {
			return Descriptor{}, false
		}
		return Descriptor{Verb: VerbAdvanceAge, Arg: s.ages[c.Age], Sector: -1}, true
	case command.Gather:
		return Descriptor{Verb: VerbGather, Arg: c.Resource.String(), Sector: -1}, true
	case command.Move:
		return Descriptor{Verb: VerbMove, Sector: c.Sector}, true
	case command.AttackMove:
		return Descriptor{Verb: VerbAttackMove, Sector: c.Sector}, true
	case command.Delete, command.Resign, command.Unknown:
		return Descriptor{}, false
	}
	return Descriptor{}, false
}
