// Package actionspace holds the versioned table of discrete actions and
// maps decoded commands onto it.
package actionspace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"rtsreplay.ai/internal/sim/rules"
)

const (
	VerbNoop       = "noop"
	VerbTrain      = "train"
	VerbBuild      = "build"
	VerbResearch   = "research"
	VerbAdvanceAge = "advance_age"
	VerbGather     = "gather"
	VerbMove       = "move"
	VerbAttackMove = "attack_move"
)

// Unmapped is the reserved id for commands outside the table.
const Unmapped = 0

// Descriptor is one abstract action. Sector is -1 for actions without a
// positional argument.
type Descriptor struct {
	Verb   string `json:"verb"`
	Arg    string `json:"arg,omitempty"`
	Sector int    `json:"sector"`
}

func (d Descriptor) String() string {
	switch {
	case d.Sector >= 0:
		return fmt.Sprintf("%s(sector=%d)", d.Verb, d.Sector)
	case d.Arg != "":
		return fmt.Sprintf("%s(%s)", d.Verb, d.Arg)
	}
	return d.Verb
}

// File is the YAML document as written on disk.
type File struct {
	Version     string      `yaml:"version"`
	SectorGrid  int         `yaml:"sector_grid"`
	Actions     []ActionDef `yaml:"actions"`
	SectorVerbs []string    `yaml:"sector_verbs"`
}

type ActionDef struct {
	Verb string `yaml:"verb"`
	Arg  string `yaml:"arg"`
}

// Spec is the resolved, read-only action table for one run.
type Spec struct {
	Version    string
	SectorGrid int
	Actions    []Descriptor
	Digest     string

	index map[string]int
	ages  []string
}

// Path resolves a version name to its file under the configs directory.
func Path(configsDir, version string) string {
	return filepath.Join(configsDir, "action_space", version+".yaml")
}

func Load(path string, r *rules.Rules) (*Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	sp, err := Resolve(f, r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return sp, nil
}

func Resolve(f File, r *rules.Rules) (*Spec, error) {
	f.Version = strings.TrimSpace(f.Version)
	if f.Version == "" {
		return nil, fmt.Errorf("missing version")
	}
	if f.SectorGrid != r.SectorGrid {
		return nil, fmt.Errorf("sector_grid %d does not match rules sector_grid %d", f.SectorGrid, r.SectorGrid)
	}
	sp := &Spec{
		Version:    f.Version,
		SectorGrid: f.SectorGrid,
		index:      map[string]int{},
	}
	for _, a := range r.Ages {
		sp.ages = append(sp.ages, a.Name)
	}
	add := func(d Descriptor) error {
		key := d.String()
		if _, dup := sp.index[key]; dup {
			return fmt.Errorf("duplicate action %s", key)
		}
		sp.index[key] = len(sp.Actions)
		sp.Actions = append(sp.Actions, d)
		return nil
	}
	_ = add(Descriptor{Verb: VerbNoop, Sector: -1})

	for i, a := range f.Actions {
		if err := checkArg(a, r); err != nil {
			return nil, fmt.Errorf("actions[%d]: %w", i, err)
		}
		if err := add(Descriptor{Verb: a.Verb, Arg: a.Arg, Sector: -1}); err != nil {
			return nil, err
		}
	}
	for _, v := range f.SectorVerbs {
		if v != VerbMove && v != VerbAttackMove {
			return nil, fmt.Errorf("sector_verbs: %q takes no sector", v)
		}
		for k := 0; k < f.SectorGrid*f.SectorGrid; k++ {
			if err := add(Descriptor{Verb: v, Sector: k}); err != nil {
				return nil, err
			}
		}
	}

	b, _ := json.Marshal(sp.Actions)
	sum := sha256.Sum256(b)
	sp.Digest = hex.EncodeToString(sum[:])
	return sp, nil
}

func checkArg(a ActionDef, r *rules.Rules) error {
	switch a.Verb {
	case VerbTrain:
		if _, ok := r.Unit(a.Arg); !ok {
			return fmt.Errorf("train: unknown unit %q", a.Arg)
		}
	case VerbBuild:
		if _, ok := r.Building(a.Arg); !ok {
			return fmt.Errorf("build: unknown building %q", a.Arg)
		}
	case VerbResearch:
		if _, ok := r.Tech(a.Arg); !ok {
			return fmt.Errorf("research: unknown tech %q", a.Arg)
		}
	case VerbAdvanceAge:
		age, ok := r.AgeByName(a.Arg)
		if !ok || age.Index == 0 {
			return fmt.Errorf("advance_age: %q is not an age that can be reached", a.Arg)
		}
	case VerbGather:
		if _, ok := rules.ParseResource(a.Arg); !ok {
			return fmt.Errorf("gather: unknown resource %q", a.Arg)
		}
	case VerbNoop:
		return fmt.Errorf("noop is implicit at id 0")
	case VerbMove, VerbAttackMove:
		return fmt.Errorf("%s is listed under sector_verbs", a.Verb)
	default:
		return fmt.Errorf("unknown verb %q", a.Verb)
	}
	return nil
}

func (s *Spec) Len() int { return len(s.Actions) }

// ID returns the id of d, if the table has it.
func (s *Spec) ID(d Descriptor) (int, bool) {
	id, ok := s.index[d.String()]
	return id, ok
}
