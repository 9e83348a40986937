package replay

import (
	"errors"
	"fmt"
	"hash/crc32"
	"sort"
)

// Magic opens every container.
const Magic = "RTSR"

// Container is the parsed, immutable header of one replay file.
type Container struct {
	Version  uint16       `json:"version"`
	Map      MapInfo      `json:"map"`
	Players  []PlayerInfo `json:"players"`
	Settings Settings     `json:"settings"`
	Strings  []string     `json:"strings,omitempty"`
}

type MapInfo struct {
	ID     uint32 `json:"id"`
	Name   string `json:"name,omitempty"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type PlayerInfo struct {
	Slot   int    `json:"slot"`
	Name   string `json:"name"`
	Civ    int    `json:"civ"`
	Team   int    `json:"team"`
	Color  int    `json:"color"`
	StartX int    `json:"start_x,omitempty"`
	StartY int    `json:"start_y,omitempty"`
}

type Settings struct {
	PopLimit          int    `json:"pop_limit"`
	StartingAge       int    `json:"starting_age"`
	StartingResources int    `json:"starting_resources"`
	GameVersion       string `json:"game_version"`
}

// Player returns the roster entry for slot.
func (c *Container) Player(slot int) (PlayerInfo, bool) {
	for _, p := range c.Players {
		if p.Slot == slot {
			return p, true
		}
	}
	return PlayerInfo{}, false
}

// Cursor points at the first chunk after the header.
type Cursor struct {
	buf []byte
	off int
}

func (c *Cursor) Offset() int    { return c.off }
func (c *Cursor) Remaining() int { return len(c.buf) - c.off }

// headerStep decodes one section of the header body.
type headerStep struct {
	field string
	read  func(r *reader, c *Container) error
}

// headerLayouts is the only place that knows how format revisions differ.
var headerLayouts = map[uint16][]headerStep{
	1: {
		{"map", readMap(false)},
		{"players", readPlayers(false)},
		{"settings", readSettings},
	},
	2: {
		{"map", readMap(true)},
		{"players", readPlayers(true)},
		{"settings", readSettings},
		{"strings", readStringBlock},
	},
}

// SupportedVersions lists the header revisions Parse accepts.
func SupportedVersions() []uint16 {
	out := make([]uint16, 0, len(headerLayouts))
	for v := range headerLayouts {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Parse decodes the header of a decompressed container and returns a cursor
// positioned at the chunk stream.
func Parse(buf []byte) (*Container, *Cursor, error) {
	r := newReader(buf, 0)
	magic, err := r.take(len(Magic))
	if err != nil || string(magic) != Magic {
		return nil, nil, &MalformedHeaderError{Field: "magic", Offset: 0, Reason: fmt.Sprintf("want %q", Magic)}
	}
	version, err := r.u16()
	if err != nil {
		return nil, nil, &MalformedHeaderError{Field: "version", Offset: r.pos(), Reason: "missing"}
	}
	layout, ok := headerLayouts[version]
	if !ok {
		return nil, nil, &MalformedHeaderError{Field: "version", Offset: r.pos() - 2, Reason: fmt.Sprintf("unsupported version %d", version)}
	}
	hdrLen, err := r.u32()
	if err != nil {
		return nil, nil, &MalformedHeaderError{Field: "header_len", Offset: r.pos(), Reason: "missing"}
	}
	if int64(hdrLen) > int64(r.remaining()) {
		return nil, nil, &MalformedHeaderError{Field: "header_len", Offset: r.pos() - 4, Reason: fmt.Sprintf("declares %d bytes, %d available", hdrLen, r.remaining())}
	}
	bodyStart := r.pos()
	body := newReader(buf[bodyStart:bodyStart+int(hdrLen)], bodyStart)

	c := &Container{Version: version}
	for _, step := range layout {
		at := body.pos()
		if err := step.read(body, c); err != nil {
			var mh *MalformedHeaderError
			if errors.As(err, &mh) {
				return nil, nil, mh
			}
			if errors.Is(err, errShort) {
				return nil, nil, &MalformedHeaderError{Field: step.field, Offset: at, Reason: "declared length exceeds header"}
			}
			return nil, nil, &MalformedHeaderError{Field: step.field, Offset: at, Reason: err.Error()}
		}
	}
	// Bytes left in the body belong to newer minor revisions; skip them.
	return c, &Cursor{buf: buf, off: bodyStart + int(hdrLen)}, nil
}

func readMap(named bool) func(r *reader, c *Container) error {
	return func(r *reader, c *Container) error {
		id, err := r.u32()
		if err != nil {
			return err
		}
		w, err := r.u16()
		if err != nil {
			return err
		}
		h, err := r.u16()
		if err != nil {
			return err
		}
		if w == 0 || h == 0 {
			return &MalformedHeaderError{Field: "map", Offset: r.pos() - 4, Reason: fmt.Sprintf("empty map %dx%d", w, h)}
		}
		c.Map = MapInfo{ID: id, Width: int(w), Height: int(h)}
		if named {
			name, err := r.str()
			if err != nil {
				return err
			}
			c.Map.Name = name
		}
		return nil
	}
}

func readPlayers(withStart bool) func(r *reader, c *Container) error {
	return func(r *reader, c *Container) error {
		n, err := r.u8()
		if err != nil {
			return err
		}
		if n == 0 {
			return &MalformedHeaderError{Field: "players", Offset: r.pos() - 1, Reason: "empty roster"}
		}
		seen := map[int]bool{}
		players := make([]PlayerInfo, 0, n)
		for i := 0; i < int(n); i++ {
			at := r.pos()
			slot, err := r.u8()
			if err != nil {
				return err
			}
			if slot == SlotUndetermined {
				return &MalformedHeaderError{Field: "players", Offset: at, Reason: "reserved slot 255"}
			}
			if seen[int(slot)] {
				return &MalformedHeaderError{Field: "players", Offset: at, Reason: fmt.Sprintf("duplicate slot %d", slot)}
			}
			seen[int(slot)] = true
			name, err := r.str()
			if err != nil {
				return err
			}
			var attrs [3]uint8
			for k := range attrs {
				if attrs[k], err = r.u8(); err != nil {
					return err
				}
			}
			p := PlayerInfo{Slot: int(slot), Name: name, Civ: int(attrs[0]), Team: int(attrs[1]), Color: int(attrs[2])}
			if withStart {
				x, err := r.u16()
				if err != nil {
					return err
				}
				y, err := r.u16()
				if err != nil {
					return err
				}
				p.StartX, p.StartY = int(x), int(y)
			}
			players = append(players, p)
		}
		c.Players = players
		return nil
	}
}

func readSettings(r *reader, c *Container) error {
	pop, err := r.u16()
	if err != nil {
		return err
	}
	age, err := r.u8()
	if err != nil {
		return err
	}
	res, err := r.u8()
	if err != nil {
		return err
	}
	tag, err := r.str()
	if err != nil {
		return err
	}
	c.Settings = Settings{PopLimit: int(pop), StartingAge: int(age), StartingResources: int(res), GameVersion: tag}
	return nil
}

// readStringBlock validates the CRC32 of each checked string. A zero crc
// marks the entry as unchecked.
func readStringBlock(r *reader, c *Container) error {
	n, err := r.u16()
	if err != nil {
		return err
	}
	out := make([]string, 0, n)
	for i := 0; i < int(n); i++ {
		at := r.pos()
		crc, err := r.u32()
		if err != nil {
			return err
		}
		s, err := r.str()
		if err != nil {
			return err
		}
		if crc != 0 && crc32.ChecksumIEEE([]byte(s)) != crc {
			return &MalformedHeaderError{Field: "strings", Offset: at, Reason: fmt.Sprintf("checksum mismatch in entry %d", i)}
		}
		out = append(out, s)
	}
	c.Strings = out
	return nil
}
