package replay

import (
	"fmt"
	"io"
)

type ChunkKind uint8

const (
	ChunkCommand ChunkKind = 0x01
	ChunkSync    ChunkKind = 0x02
	ChunkSave    ChunkKind = 0x03
	ChunkChat    ChunkKind = 0x04
	ChunkEnd     ChunkKind = 0xFF
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkCommand:
		return "command"
	case ChunkSync:
		return "sync"
	case ChunkSave:
		return "save"
	case ChunkChat:
		return "chat"
	case ChunkEnd:
		return "end"
	}
	return fmt.Sprintf("kind(0x%02x)", uint8(k))
}

// SlotUndetermined in a command chunk header means every record carries its
// own player slot as the first payload byte.
const SlotUndetermined = 0xFF

const chunkHeaderLen = 5 // kind u8 + len u32

// RawCommand is one undecoded command record.
type RawCommand struct {
	Tick    uint64
	Slot    int
	Opcode  uint8
	Payload []byte
	Offset  int
}

// EmbeddedState is the client's own periodic state dump (save chunk).
type EmbeddedState struct {
	Tick    uint64
	Players []EmbeddedPlayer
}

type EmbeddedPlayer struct {
	Slot      int
	Food      int
	Wood      int
	Gold      int
	Stone     int
	Pop       int
	PopCap    int
	Age       int
	Villagers int
}

// Chunk is what the reader yields: command chunks, and save chunks when
// embedded state is trusted. Sync, chat and unknown chunks are consumed
// internally.
type Chunk struct {
	Kind     ChunkKind
	Offset   int
	Tick     uint64
	Commands []RawCommand
	Embedded *EmbeddedState
}

type ChunkReaderOptions struct {
	TrustEmbeddedState bool
}

type ChunkStats struct {
	Sync    int  `json:"sync"`
	Command int  `json:"command"`
	Save    int  `json:"save"`
	Chat    int  `json:"chat"`
	Unknown int  `json:"unknown"`
	Records int  `json:"records"`
	SawEnd  bool `json:"saw_end"`
}

// ChunkReader is a forward-only iterator over the chunk stream. After the
// first error it is exhausted; Tick keeps the last valid tick.
type ChunkReader struct {
	r    *reader
	opts ChunkReaderOptions

	tick  uint64
	done  bool
	err   error
	stats ChunkStats
}

func NewChunkReader(cur *Cursor, opts ChunkReaderOptions) *ChunkReader {
	return &ChunkReader{
		r:    newReader(cur.buf[cur.off:], cur.off),
		opts: opts,
	}
}

func (cr *ChunkReader) Tick() uint64      { return cr.tick }
func (cr *ChunkReader) Stats() ChunkStats { return cr.stats }

// Err returns the error that stopped the reader, if any.
func (cr *ChunkReader) Err() error { return cr.err }

// Next returns the next yielded chunk, io.EOF at the end of the stream, or a
// *TruncatedChunkError once.
func (cr *ChunkReader) Next() (Chunk, error) {
	for !cr.done {
		if cr.r.remaining() == 0 {
			cr.done = true
			break
		}
		at := cr.r.pos()
		if cr.r.remaining() < chunkHeaderLen {
			return Chunk{}, cr.fail(at, 0, fmt.Sprintf("chunk header needs %d bytes, %d left", chunkHeaderLen, cr.r.remaining()))
		}
		k, _ := cr.r.u8()
		kind := ChunkKind(k)
		n, _ := cr.r.u32()
		if int64(n) > int64(cr.r.remaining()) {
			return Chunk{}, cr.fail(at, kind, fmt.Sprintf("declares %d bytes, %d left", n, cr.r.remaining()))
		}
		bodyAt := cr.r.pos()
		b, _ := cr.r.take(int(n))
		body := newReader(b, bodyAt)

		switch kind {
		case ChunkSync:
			if err := cr.sync(at, body); err != nil {
				return Chunk{}, err
			}
		case ChunkCommand:
			ch, err := cr.commands(at, body)
			if err != nil {
				return Chunk{}, err
			}
			cr.stats.Command++
			cr.stats.Records += len(ch.Commands)
			return ch, nil
		case ChunkSave:
			cr.stats.Save++
			if !cr.opts.TrustEmbeddedState {
				continue
			}
			emb, err := cr.save(at, body)
			if err != nil {
				return Chunk{}, err
			}
			return Chunk{Kind: ChunkSave, Offset: at, Tick: cr.tick, Embedded: emb}, nil
		case ChunkChat:
			cr.stats.Chat++
		case ChunkEnd:
			cr.stats.SawEnd = true
			cr.done = true
		default:
			cr.stats.Unknown++
		}
	}
	return Chunk{}, io.EOF
}

func (cr *ChunkReader) fail(at int, kind ChunkKind, reason string) error {
	cr.done = true
	cr.err = &TruncatedChunkError{Offset: at, Kind: kind, LastTick: cr.tick, Reason: reason}
	return cr.err
}

func (cr *ChunkReader) sync(at int, body *reader) error {
	delta, err := body.i32()
	if err != nil {
		return cr.fail(at, ChunkSync, "sync body shorter than 4 bytes")
	}
	if delta < 0 {
		return cr.fail(at, ChunkSync, fmt.Sprintf("tick decrease: delta %d", delta))
	}
	cr.tick += uint64(delta)
	cr.stats.Sync++
	return nil
}

func (cr *ChunkReader) commands(at int, body *reader) (Chunk, error) {
	slot, err := body.u8()
	if err != nil {
		return Chunk{}, cr.fail(at, ChunkCommand, "missing slot byte")
	}
	ch := Chunk{Kind: ChunkCommand, Offset: at, Tick: cr.tick}
	for body.remaining() > 0 {
		recAt := body.pos()
		op, err := body.u8()
		if err != nil {
			return Chunk{}, cr.fail(at, ChunkCommand, "record header short")
		}
		size, err := body.u16()
		if err != nil {
			return Chunk{}, cr.fail(at, ChunkCommand, fmt.Sprintf("record at %d: header short", recAt))
		}
		payload, err := body.take(int(size))
		if err != nil {
			return Chunk{}, cr.fail(at, ChunkCommand, fmt.Sprintf("record at %d declares %d bytes, %d left", recAt, size, body.remaining()))
		}
		owner := int(slot)
		if slot == SlotUndetermined {
			if len(payload) == 0 {
				return Chunk{}, cr.fail(at, ChunkCommand, fmt.Sprintf("record at %d: missing own slot", recAt))
			}
			owner = int(payload[0])
			payload = payload[1:]
		}
		ch.Commands = append(ch.Commands, RawCommand{
			Tick:    cr.tick,
			Slot:    owner,
			Opcode:  op,
			Payload: payload,
			Offset:  recAt,
		})
	}
	return ch, nil
}

func (cr *ChunkReader) save(at int, body *reader) (*EmbeddedState, error) {
	n, err := body.u8()
	if err != nil {
		return nil, cr.fail(at, ChunkSave, "missing player count")
	}
	emb := &EmbeddedState{Tick: cr.tick, Players: make([]EmbeddedPlayer, 0, n)}
	for i := 0; i < int(n); i++ {
		var vals [4]int32
		slot, err := body.u8()
		for k := 0; err == nil && k < len(vals); k++ {
			vals[k], err = body.i32()
		}
		var pop, popCap, vills uint16
		var age uint8
		if err == nil {
			pop, err = body.u16()
		}
		if err == nil {
			popCap, err = body.u16()
		}
		if err == nil {
			age, err = body.u8()
		}
		if err == nil {
			vills, err = body.u16()
		}
		if err != nil {
			return nil, cr.fail(at, ChunkSave, fmt.Sprintf("player entry %d short", i))
		}
		p := EmbeddedPlayer{
			Slot: int(slot), Food: int(vals[0]), Wood: int(vals[1]), Gold: int(vals[2]), Stone: int(vals[3]),
			Pop: int(pop), PopCap: int(popCap), Age: int(age), Villagers: int(vills),
		}
		emb.Players = append(emb.Players, p)
	}
	return emb, nil
}
