// Package command decodes raw replay records into a closed set of typed
// commands.
package command

import "rtsreplay.ai/internal/sim/rules"

// Opcodes understood by the decoder.
const (
	OpAttackMove uint8 = 0x00
	OpMove       uint8 = 0x03
	OpResign     uint8 = 0x0B
	OpResearch   uint8 = 0x65
	OpBuild      uint8 = 0x66
	OpDelete     uint8 = 0x6A
	OpGather     uint8 = 0x6D
	OpAgeUp      uint8 = 0x70
	OpTrain      uint8 = 0x77
)

// Meta is carried by every command.
type Meta struct {
	Tick   uint64
	Player int
	Opcode uint8
}

// Command is implemented only by the variants in this package.
type Command interface {
	Info() Meta
	sealed()
}

func (m Meta) Info() Meta { return m }
func (Meta) sealed()      {}

type Train struct {
	Meta
	Unit   string
	UnitID uint16
	Count  int
}

type Build struct {
	Meta
	Building   string
	BuildingID uint16
	Builders   int
	Sector     int
}

type Research struct {
	Meta
	Tech   string
	TechID uint16
}

// AgeUp targets an age by index into the rules' age list.
type AgeUp struct {
	Meta
	Age int
}

type Move struct {
	Meta
	Units  int
	Sector int
}

type AttackMove struct {
	Meta
	Units  int
	Sector int
}

type Gather struct {
	Meta
	Resource  rules.Resource
	Villagers int
	Sector    int
}

type DeleteKind uint8

const (
	DeleteUnit     DeleteKind = 0
	DeleteBuilding DeleteKind = 1
)

type Delete struct {
	Meta
	Kind   DeleteKind
	Name   string
	TypeID uint16
}

type Resign struct {
	Meta
}

// Unknown is a record the decoder could not interpret. It is never an error.
type Unknown struct {
	Meta
	Raw    []byte
	Reason string
}

// Name returns a short verb for logs and quality reports.
func Name(c Command) string {
	switch c.(type) {
	case Train:
		return "train"
	case Build:
		return "build"
	case Research:
		return "research"
	case AgeUp:
		return "age_up"
	case Move:
		return "move"
	case AttackMove:
		return "attack_move"
	case Gather:
		return "gather"
	case Delete:
		return "delete"
	case Resign:
		return "resign"
	case Unknown:
		return "unknown"
	}
	return "invalid"
}
