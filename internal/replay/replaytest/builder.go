// Package replaytest builds synthetic replay containers for tests.
package replaytest

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"math"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Opcodes, mirrored here so the package stays dependency free.
const (
	OpAttackMove = 0x00
	OpMove       = 0x03
	OpResign     = 0x0B
	OpResearch   = 0x65
	OpBuild      = 0x66
	OpDelete     = 0x6A
	OpGather     = 0x6D
	OpAgeUp      = 0x70
	OpTrain      = 0x77
)

const (
	KindCommand = 0x01
	KindSync    = 0x02
	KindSave    = 0x03
	KindChat    = 0x04
	KindEnd     = 0xFF
)

type Player struct {
	Slot           uint8
	Name           string
	Civ, Team, Col uint8
	StartX, StartY uint16
}

type Settings struct {
	PopLimit          uint16
	StartingAge       uint8
	StartingResources uint8
	Version           string
}

type SavePlayer struct {
	Slot                    uint8
	Food, Wood, Gold, Stone int32
	Pop, PopCap             uint16
	Age                     uint8
	Villagers               uint16
}

type str struct {
	text    string
	checked bool
	badCRC  bool
}

// Builder assembles a container. The zero header is a 100x100 map with
// players 1 and 2 and standard settings.
type Builder struct {
	Version  uint16
	MapID    uint32
	MapW     uint16
	MapH     uint16
	MapName  string
	Players  []Player
	Settings Settings

	strs   []str
	chunks bytes.Buffer
	pad    int
}

func New(version uint16) *Builder {
	return &Builder{
		Version: version,
		MapID:   9,
		MapW:    100,
		MapH:    100,
		MapName: "arabia",
		Players: []Player{
			{Slot: 1, Name: "alice", Civ: 3, Team: 1, Col: 1, StartX: 20, StartY: 20},
			{Slot: 2, Name: "bob", Civ: 7, Team: 2, Col: 2, StartX: 80, StartY: 80},
		},
		Settings: Settings{PopLimit: 200, Version: "101.102"},
	}
}

// String appends a v2 string-block entry.
func (b *Builder) String(text string, checked bool) *Builder {
	b.strs = append(b.strs, str{text: text, checked: checked})
	return b
}

// CorruptString appends an entry whose checksum does not match.
func (b *Builder) CorruptString(text string) *Builder {
	b.strs = append(b.strs, str{text: text, checked: true, badCRC: true})
	return b
}

// Pad adds trailing bytes to the header body.
func (b *Builder) Pad(n int) *Builder {
	b.pad = n
	return b
}

func (b *Builder) Sync(delta int32) *Builder {
	var body [4]byte
	binary.LittleEndian.PutUint32(body[:], uint32(delta))
	return b.Chunk(KindSync, body[:])
}

// Commands appends a command chunk owned by slot.
func (b *Builder) Commands(slot uint8, recs ...Record) *Builder {
	var body bytes.Buffer
	body.WriteByte(slot)
	for _, r := range recs {
		p := r.Payload
		if r.OwnSlot != nil {
			p = append([]byte{*r.OwnSlot}, p...)
		}
		body.WriteByte(r.Opcode)
		writeU16(&body, uint16(len(p)))
		body.Write(p)
	}
	return b.Chunk(KindCommand, body.Bytes())
}

func (b *Builder) Save(players ...SavePlayer) *Builder {
	var body bytes.Buffer
	body.WriteByte(uint8(len(players)))
	for _, p := range players {
		body.WriteByte(p.Slot)
		for _, v := range []int32{p.Food, p.Wood, p.Gold, p.Stone} {
			writeU32(&body, uint32(v))
		}
		writeU16(&body, p.Pop)
		writeU16(&body, p.PopCap)
		body.WriteByte(p.Age)
		writeU16(&body, p.Villagers)
	}
	return b.Chunk(KindSave, body.Bytes())
}

func (b *Builder) Chat(text string) *Builder { return b.Chunk(KindChat, []byte(text)) }

func (b *Builder) End() *Builder { return b.Chunk(KindEnd, nil) }

// Chunk appends a raw chunk with a correct length prefix.
func (b *Builder) Chunk(kind uint8, body []byte) *Builder {
	b.chunks.WriteByte(kind)
	writeU32(&b.chunks, uint32(len(body)))
	b.chunks.Write(body)
	return b
}

// Truncated appends a chunk header that declares more bytes than follow.
func (b *Builder) Truncated(kind uint8, declared uint32, body []byte) *Builder {
	b.chunks.WriteByte(kind)
	writeU32(&b.chunks, declared)
	b.chunks.Write(body)
	return b
}

// HeaderLen is the size of the encoded header including magic and prefix.
func (b *Builder) HeaderLen() int { return 10 + len(b.header()) }

func (b *Builder) Bytes() []byte {
	hdr := b.header()
	var out bytes.Buffer
	out.WriteString("RTSR")
	writeU16(&out, b.Version)
	writeU32(&out, uint32(len(hdr)))
	out.Write(hdr)
	out.Write(b.chunks.Bytes())
	return out.Bytes()
}

func (b *Builder) header() []byte {
	v2 := b.Version >= 2
	var h bytes.Buffer
	writeU32(&h, b.MapID)
	writeU16(&h, b.MapW)
	writeU16(&h, b.MapH)
	if v2 {
		writeStr(&h, b.MapName)
	}
	h.WriteByte(uint8(len(b.Players)))
	for _, p := range b.Players {
		h.WriteByte(p.Slot)
		writeStr(&h, p.Name)
		h.WriteByte(p.Civ)
		h.WriteByte(p.Team)
		h.WriteByte(p.Col)
		if v2 {
			writeU16(&h, p.StartX)
			writeU16(&h, p.StartY)
		}
	}
	writeU16(&h, b.Settings.PopLimit)
	h.WriteByte(b.Settings.StartingAge)
	h.WriteByte(b.Settings.StartingResources)
	writeStr(&h, b.Settings.Version)
	if v2 {
		writeU16(&h, uint16(len(b.strs)))
		for _, s := range b.strs {
			var crc uint32
			if s.checked {
				crc = crc32.ChecksumIEEE([]byte(s.text))
				if s.badCRC {
					crc ^= 0xdeadbeef
				}
			}
			writeU32(&h, crc)
			writeStr(&h, s.text)
		}
	}
	h.Write(make([]byte, b.pad))
	return h.Bytes()
}

// Record is one command record.
type Record struct {
	Opcode  uint8
	Payload []byte
	OwnSlot *uint8
}

// For marks the record with its own slot, for chunks with slot 0xFF.
func (r Record) For(slot uint8) Record {
	r.OwnSlot = &slot
	return r
}

func Op(opcode uint8, payload []byte) Record { return Record{Opcode: opcode, Payload: payload} }

func Train(unit, count uint16) Record {
	var p bytes.Buffer
	writeU16(&p, unit)
	writeU16(&p, count)
	return Op(OpTrain, p.Bytes())
}

func Build(building, builders uint16, x, y float32) Record {
	var p bytes.Buffer
	writeU16(&p, building)
	writeU16(&p, builders)
	writeF32(&p, x)
	writeF32(&p, y)
	return Op(OpBuild, p.Bytes())
}

func Research(tech uint16) Record {
	var p bytes.Buffer
	writeU16(&p, tech)
	return Op(OpResearch, p.Bytes())
}

func AgeUp(age uint8) Record { return Op(OpAgeUp, []byte{age}) }

func Move(units uint16, x, y float32) Record {
	return Op(OpMove, unitsAt(units, x, y))
}

func AttackMove(units uint16, x, y float32) Record {
	return Op(OpAttackMove, unitsAt(units, x, y))
}

func Gather(resource uint8, villagers uint16, x, y float32) Record {
	var p bytes.Buffer
	p.WriteByte(resource)
	writeU16(&p, villagers)
	writeF32(&p, x)
	writeF32(&p, y)
	return Op(OpGather, p.Bytes())
}

func Delete(kind uint8, typeID uint16) Record {
	var p bytes.Buffer
	p.WriteByte(kind)
	writeU16(&p, typeID)
	return Op(OpDelete, p.Bytes())
}

func Resign() Record { return Op(OpResign, nil) }

func unitsAt(units uint16, x, y float32) []byte {
	var p bytes.Buffer
	writeU16(&p, units)
	writeF32(&p, x)
	writeF32(&p, y)
	return p.Bytes()
}

func Gzip(raw []byte) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write(raw)
	_ = zw.Close()
	return buf.Bytes()
}

func Zlib(raw []byte) []byte {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, _ = zw.Write(raw)
	_ = zw.Close()
	return buf.Bytes()
}

func Zstd(raw []byte) []byte {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		panic(err)
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil)
}

func writeU16(b *bytes.Buffer, v uint16) {
	var x [2]byte
	binary.LittleEndian.PutUint16(x[:], v)
	b.Write(x[:])
}

func writeU32(b *bytes.Buffer, v uint32) {
	var x [4]byte
	binary.LittleEndian.PutUint32(x[:], v)
	b.Write(x[:])
}

func writeF32(b *bytes.Buffer, v float32) { writeU32(b, math.Float32bits(v)) }

func writeStr(b *bytes.Buffer, s string) {
	writeU16(b, uint16(len(s)))
	b.WriteString(s)
}
