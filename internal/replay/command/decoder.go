package command

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"rtsreplay.ai/internal/replay"
	"rtsreplay.ai/internal/sim/rules"
)

// Decoder turns raw records into commands for one container. It holds no
// mutable state and is safe to share.
type Decoder struct {
	rules *rules.Rules
	mapW  int
	mapH  int
	grid  int
}

func NewDecoder(r *rules.Rules, c *replay.Container) *Decoder {
	return &Decoder{rules: r, mapW: c.Map.Width, mapH: c.Map.Height, grid: r.SectorGrid}
}

type decodeFunc func(d *Decoder, m Meta, p payload) (Command, error)

// opcodes is the closed dispatch table; anything missing decodes to Unknown.
var opcodes = map[uint8]decodeFunc{
	OpAttackMove: decodeAttackMove,
	OpMove:       decodeMove,
	OpResign:     decodeResign,
	OpResearch:   decodeResearch,
	OpBuild:      decodeBuild,
	OpDelete:     decodeDelete,
	OpGather:     decodeGather,
	OpAgeUp:      decodeAgeUp,
	OpTrain:      decodeTrain,
}

// Known reports whether op is in the opcode table.
func Known(op uint8) bool {
	_, ok := opcodes[op]
	return ok
}

// Decode never fails; records it cannot interpret come back as Unknown.
func (d *Decoder) Decode(raw replay.RawCommand) Command {
	m := Meta{Tick: raw.Tick, Player: raw.Slot, Opcode: raw.Opcode}
	fn, ok := opcodes[raw.Opcode]
	if !ok {
		return Unknown{Meta: m, Raw: raw.Payload, Reason: "unknown opcode"}
	}
	c, err := fn(d, m, payload{b: raw.Payload})
	if err != nil {
		return Unknown{Meta: m, Raw: raw.Payload, Reason: err.Error()}
	}
	return c
}

func (d *Decoder) sector(x, y float32) int {
	return Sector(x, y, d.mapW, d.mapH, d.grid)
}

func decodeAttackMove(d *Decoder, m Meta, p payload) (Command, error) {
	units, x, y := p.u16(), p.f32(), p.f32()
	if p.short {
		return nil, errShortPayload
	}
	return AttackMove{Meta: m, Units: int(units), Sector: d.sector(x, y)}, nil
}

func decodeMove(d *Decoder, m Meta, p payload) (Command, error) {
	units, x, y := p.u16(), p.f32(), p.f32()
	if p.short {
		return nil, errShortPayload
	}
	return Move{Meta: m, Units: int(units), Sector: d.sector(x, y)}, nil
}

func decodeResign(_ *Decoder, m Meta, _ payload) (Command, error) {
	return Resign{Meta: m}, nil
}

func decodeResearch(d *Decoder, m Meta, p payload) (Command, error) {
	id := p.u16()
	if p.short {
		return nil, errShortPayload
	}
	t, ok := d.rules.TechByID(id)
	if !ok {
		return nil, fmt.Errorf("tech id %d not in catalog", id)
	}
	return Research{Meta: m, Tech: t.Name, TechID: id}, nil
}

func decodeBuild(d *Decoder, m Meta, p payload) (Command, error) {
	id, builders, x, y := p.u16(), p.u16(), p.f32(), p.f32()
	if p.short {
		return nil, errShortPayload
	}
	b, ok := d.rules.BuildingByID(id)
	if !ok {
		return nil, fmt.Errorf("building id %d not in catalog", id)
	}
	return Build{Meta: m, Building: b.Name, BuildingID: id, Builders: int(builders), Sector: d.sector(x, y)}, nil
}

func decodeDelete(d *Decoder, m Meta, p payload) (Command, error) {
	kind, id := p.u8(), p.u16()
	if p.short {
		return nil, errShortPayload
	}
	switch DeleteKind(kind) {
	case DeleteUnit:
		u, ok := d.rules.UnitByID(id)
		if !ok {
			return nil, fmt.Errorf("unit id %d not in catalog", id)
		}
		return Delete{Meta: m, Kind: DeleteUnit, Name: u.Name, TypeID: id}, nil
	case DeleteBuilding:
		b, ok := d.rules.BuildingByID(id)
		if !ok {
			return nil, fmt.Errorf("building id %d not in catalog", id)
		}
		return Delete{Meta: m, Kind: DeleteBuilding, Name: b.Name, TypeID: id}, nil
	}
	return nil, fmt.Errorf("delete kind %d", kind)
}

func decodeGather(d *Decoder, m Meta, p payload) (Command, error) {
	res, n, x, y := p.u8(), p.u16(), p.f32(), p.f32()
	if p.short {
		return nil, errShortPayload
	}
	if int(res) >= rules.NumResources {
		return nil, fmt.Errorf("resource %d out of range", res)
	}
	return Gather{Meta: m, Resource: rules.Resource(res), Villagers: int(n), Sector: d.sector(x, y)}, nil
}

func decodeAgeUp(d *Decoder, m Meta, p payload) (Command, error) {
	age := p.u8()
	if p.short {
		return nil, errShortPayload
	}
	if age == 0 || int(age) >= len(d.rules.Ages) {
		return nil, fmt.Errorf("age %d out of range", age)
	}
	return AgeUp{Meta: m, Age: int(age)}, nil
}

func decodeTrain(d *Decoder, m Meta, p payload) (Command, error) {
	id, count := p.u16(), p.u16()
	if p.short {
		return nil, errShortPayload
	}
	u, ok := d.rules.UnitByID(id)
	if !ok {
		return nil, fmt.Errorf("unit id %d not in catalog", id)
	}
	return Train{Meta: m, Unit: u.Name, UnitID: id, Count: int(count)}, nil
}

var errShortPayload = errors.New("short payload")

// payload is a sticky-error little-endian reader; once short, every read
// returns zero.
type payload struct {
	b     []byte
	off   int
	short bool
}

func (p *payload) take(n int) []byte {
	if p.short || len(p.b)-p.off < n {
		p.short = true
		return nil
	}
	out := p.b[p.off : p.off+n]
	p.off += n
	return out
}

func (p *payload) u8() uint8 {
	b := p.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (p *payload) u16() uint16 {
	b := p.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (p *payload) f32() float32 {
	b := p.take(4)
	if b == nil {
		return 0
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}
