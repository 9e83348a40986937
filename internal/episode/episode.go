// Package episode assembles per-player (state, action, mask) timelines from
// a decoded command stream and grades their quality.
package episode

import (
	"fmt"

	"rtsreplay.ai/internal/replay"
	"rtsreplay.ai/internal/replay/command"
	"rtsreplay.ai/internal/sim/actionspace"
	"rtsreplay.ai/internal/sim/mask"
	"rtsreplay.ai/internal/sim/rules"
	"rtsreplay.ai/internal/sim/state"
)

// maxExamples bounds every example list in a quality report.
const maxExamples = 8

// Step is one decision point: the state a command was issued in, its
// action id and the legal actions at that moment.
type Step struct {
	Index    int
	Tick     uint64
	Player   int
	State    state.Snapshot
	ActionID int
	Mapped   bool
	Mask     mask.Mask
}

type Episode struct {
	Player     replay.PlayerInfo
	Steps      []Step
	Final      state.Snapshot
	Violations []MaskViolation
}

// MaskViolation records a step whose taken action the mask ruled out.
type MaskViolation struct {
	Step     int    `json:"step"`
	Player   int    `json:"player"`
	Tick     uint64 `json:"tick"`
	ActionID int    `json:"action_id"`
	Action   string `json:"action"`
}

type UnknownExample struct {
	Tick   uint64 `json:"tick"`
	Player int    `json:"player"`
	Opcode uint8  `json:"opcode"`
	Size   int    `json:"size"`
	Reason string `json:"reason"`
}

type Quality struct {
	Commands              int                   `json:"commands"`
	Steps                 int                   `json:"steps"`
	Unknown               int                   `json:"unknown"`
	Malformed             int                   `json:"malformed"`
	UnknownByOpcode       map[string]int        `json:"unknown_by_opcode,omitempty"`
	UnknownExamples       []UnknownExample      `json:"unknown_examples,omitempty"`
	Unmapped              int                   `json:"unmapped"`
	MaskViolations        int                   `json:"mask_violations"`
	ViolationExamples     []MaskViolation       `json:"violation_examples,omitempty"`
	Inconsistencies       int                   `json:"inconsistencies"`
	InconsistencyExamples []state.Inconsistency `json:"inconsistency_examples,omitempty"`
	IgnoredAfterResign    int                   `json:"ignored_after_resign"`
	Orphans               int                   `json:"orphans"`
	SkippedChunks         int                   `json:"skipped_chunks"`
	EmbeddedDiscrepancies int                   `json:"embedded_discrepancies"`
	LowQuality            bool                  `json:"low_quality"`
	Reason                string                `json:"reason,omitempty"`
}

func (q Quality) UnknownRatio() float64 {
	if q.Commands == 0 {
		return 0
	}
	return float64(q.Unknown) / float64(q.Commands)
}

func (q Quality) ViolationRatio() float64 {
	if q.Steps == 0 {
		return 0
	}
	return float64(q.MaskViolations) / float64(q.Steps)
}

type Thresholds struct {
	MaxUnknownRatio       float64
	MaxMaskViolationRatio float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{MaxUnknownRatio: 0.5, MaxMaskViolationRatio: 0.05}
}

// Grade sets the low-quality verdict on q.
func (t Thresholds) Grade(q *Quality) {
	q.LowQuality, q.Reason = false, ""
	switch {
	case q.UnknownRatio() > t.MaxUnknownRatio:
		q.LowQuality = true
		q.Reason = fmt.Sprintf("unknown opcode ratio %.3f > %.3f", q.UnknownRatio(), t.MaxUnknownRatio)
	case q.ViolationRatio() > t.MaxMaskViolationRatio:
		q.LowQuality = true
		q.Reason = fmt.Sprintf("mask violation ratio %.3f > %.3f", q.ViolationRatio(), t.MaxMaskViolationRatio)
	}
}

// Result is everything one file produced.
type Result struct {
	Container  *replay.Container
	Envelope   replay.Envelope
	Episodes   []Episode
	Quality    Quality
	Chunks     replay.ChunkStats
	LastTick   uint64
	Truncation *replay.TruncatedChunkError

	ActionSpace       string
	ActionSpaceDigest string
	RulesDigest       string

	ages []string
}

// Steps counts steps across every episode.
func (r *Result) Steps() int {
	n := 0
	for _, ep := range r.Episodes {
		n += len(ep.Steps)
	}
	return n
}

// DefaultEmbeddedTolerance absorbs the whole-unit rounding between
// milli-unit accrual and a client state dump.
const DefaultEmbeddedTolerance int64 = 1

// Options zero value grades with DefaultThresholds.
type Options struct {
	KeepUnmapped      bool
	EmbeddedTolerance int64
	Thresholds        Thresholds
}

type timeline struct {
	info  replay.PlayerInfo
	snap  state.Snapshot
	steps []Step
	viol  []MaskViolation
}

// Builder folds one file's command stream into episodes. Commands must be
// fed in stream order.
type Builder struct {
	rules *rules.Rules
	spec  *actionspace.Spec
	c     *replay.Container
	opts  Options

	players map[int]*timeline
	order   []int
	q       Quality
}

func NewBuilder(r *rules.Rules, spec *actionspace.Spec, c *replay.Container, opts Options) *Builder {
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds()
	}
	b := &Builder{
		rules:   r,
		spec:    spec,
		c:       c,
		opts:    opts,
		players: map[int]*timeline{},
	}
	for _, p := range c.Players {
		b.players[p.Slot] = &timeline{info: p, snap: state.Initial(r, c, p.Slot)}
		b.order = append(b.order, p.Slot)
	}
	return b
}

// Command folds c into its player's timeline and emits a step when c maps
// onto the action table.
func (b *Builder) Command(c command.Command) {
	b.q.Commands++
	meta := c.Info()
	if u, ok := c.(command.Unknown); ok {
		b.q.Unknown++
		if b.q.UnknownByOpcode == nil {
			b.q.UnknownByOpcode = map[string]int{}
		}
		b.q.UnknownByOpcode[fmt.Sprintf("0x%02x", meta.Opcode)]++
		if command.Known(meta.Opcode) {
			b.q.Malformed++
		}
		if len(b.q.UnknownExamples) < maxExamples {
			b.q.UnknownExamples = append(b.q.UnknownExamples, UnknownExample{
				Tick: meta.Tick, Player: meta.Player, Opcode: meta.Opcode, Size: len(u.Raw), Reason: u.Reason,
			})
		}
	}
	tl, ok := b.players[meta.Player]
	if !ok {
		b.q.Orphans++
		return
	}
	if tl.snap.Resigned {
		b.q.IgnoredAfterResign++
		return
	}

	snap, issues := state.Advance(b.rules, tl.snap, meta.Tick)
	b.inconsistent(issues)

	id, mapped := b.spec.Map(c, snap)
	if !mapped {
		b.q.Unmapped++
	}
	if mapped || b.opts.KeepUnmapped {
		m := mask.Compute(b.spec, b.rules, snap)
		st := Step{
			Index:    len(tl.steps),
			Tick:     meta.Tick,
			Player:   meta.Player,
			State:    snap,
			ActionID: id,
			Mapped:   mapped,
			Mask:     m,
		}
		if mapped && !m.Legal(id) {
			v := MaskViolation{Step: st.Index, Player: st.Player, Tick: st.Tick, ActionID: id, Action: b.spec.Actions[id].String()}
			tl.viol = append(tl.viol, v)
			b.q.MaskViolations++
			if len(b.q.ViolationExamples) < maxExamples {
				b.q.ViolationExamples = append(b.q.ViolationExamples, v)
			}
		}
		tl.steps = append(tl.steps, st)
	}

	snap, issues = state.Apply(b.rules, snap, c)
	b.inconsistent(issues)
	tl.snap = snap
}

// Embedded cross-checks and reseeds every roster player found in e.
func (b *Builder) Embedded(e *replay.EmbeddedState) {
	for _, p := range e.Players {
		tl, ok := b.players[p.Slot]
		if !ok || tl.snap.Resigned {
			continue
		}
		snap, issues := state.Advance(b.rules, tl.snap, e.Tick)
		b.inconsistent(issues)
		snap, issues = state.Reseed(b.rules, snap, p, b.opts.EmbeddedTolerance)
		b.q.EmbeddedDiscrepancies += len(issues)
		b.examples(issues)
		tl.snap = snap
	}
}

func (b *Builder) inconsistent(issues []state.Inconsistency) {
	b.q.Inconsistencies += len(issues)
	b.examples(issues)
}

func (b *Builder) examples(issues []state.Inconsistency) {
	for _, is := range issues {
		if len(b.q.InconsistencyExamples) >= maxExamples {
			break
		}
		b.q.InconsistencyExamples = append(b.q.InconsistencyExamples, is)
	}
}

// Finish closes every timeline at lastTick and grades the result.
func (b *Builder) Finish(lastTick uint64, stats replay.ChunkStats, trunc *replay.TruncatedChunkError) *Result {
	res := &Result{
		Container:         b.c,
		Chunks:            stats,
		LastTick:          lastTick,
		Truncation:        trunc,
		ActionSpace:       b.spec.Version,
		ActionSpaceDigest: b.spec.Digest,
		RulesDigest:       b.rules.Digest,
	}
	for _, a := range b.rules.Ages {
		res.ages = append(res.ages, a.Name)
	}
	for _, slot := range b.order {
		tl := b.players[slot]
		final := tl.snap
		if !final.Resigned && lastTick > final.Tick {
			var issues []state.Inconsistency
			final, issues = state.Advance(b.rules, final, lastTick)
			b.inconsistent(issues)
		}
		res.Episodes = append(res.Episodes, Episode{Player: tl.info, Steps: tl.steps, Final: final, Violations: tl.viol})
		b.q.Steps += len(tl.steps)
	}
	b.q.SkippedChunks = stats.Chat + stats.Unknown
	b.opts.Thresholds.Grade(&b.q)
	res.Quality = b.q
	return res
}
