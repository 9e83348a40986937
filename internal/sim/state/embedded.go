package state

import (
	"fmt"

	"rtsreplay.ai/internal/replay"
	"rtsreplay.ai/internal/sim/rules"
)

// Reseed cross-checks prev against a client state dump and adopts the
// dump's resources, population cap and age. Population and villager count
// derive from unit counts, so they are checked only. Differences larger
// than tolerance whole units come back as embedded_mismatch entries.
func Reseed(r *rules.Rules, prev Snapshot, emb replay.EmbeddedPlayer, tolerance int64) (Snapshot, []Inconsistency) {
	s := prev.Clone()
	var issues []Inconsistency
	check := func(field string, derived, dumped int64) {
		d := derived - dumped
		if d < 0 {
			d = -d
		}
		if d > tolerance {
			issues = append(issues, Inconsistency{
				Tick: s.Tick, Player: s.Player, Kind: KindEmbeddedMismatch,
				Detail: fmt.Sprintf("%s derived %d embedded %d", field, derived, dumped),
			})
		}
	}
	dumped := [rules.NumResources]int{emb.Food, emb.Wood, emb.Gold, emb.Stone}
	for i, v := range dumped {
		res := rules.Resource(i)
		check(res.String(), s.Resource(res), int64(v))
		if v < 0 {
			v = 0
		}
		s.Stock[i] = int64(v) * 1000
	}
	check("pop", int64(s.Pop), int64(emb.Pop))
	check("villagers", int64(s.Villagers()), int64(emb.Villagers))
	check("pop_cap", int64(s.PopCap), int64(emb.PopCap))
	s.PopCap = emb.PopCap
	if emb.Age != s.Age {
		issues = append(issues, Inconsistency{
			Tick: s.Tick, Player: s.Player, Kind: KindEmbeddedMismatch,
			Detail: fmt.Sprintf("age derived %d embedded %d", s.Age, emb.Age),
		})
		if emb.Age >= 0 && emb.Age < len(r.Ages) {
			s.Age = emb.Age
		}
	}
	return s, issues
}
