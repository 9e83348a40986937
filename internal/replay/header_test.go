package replay_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"rtsreplay.ai/internal/replay"
	"rtsreplay.ai/internal/replay/replaytest"
)

func TestParse_V1(t *testing.T) {
	b := replaytest.New(1)
	raw := b.Sync(10).Bytes()
	c, cur, err := replay.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Version != 1 || c.Map.ID != 9 || c.Map.Width != 100 || c.Map.Name != "" {
		t.Fatalf("unexpected container: %+v", c)
	}
	if len(c.Players) != 2 || c.Players[1].Name != "bob" || c.Players[1].Civ != 7 {
		t.Fatalf("players: %+v", c.Players)
	}
	if c.Settings.PopLimit != 200 || c.Settings.GameVersion != "101.102" {
		t.Fatalf("settings: %+v", c.Settings)
	}
	if cur.Offset() != b.HeaderLen() {
		t.Fatalf("cursor at %d, want %d", cur.Offset(), b.HeaderLen())
	}
	if cur.Remaining() != 9 {
		t.Fatalf("remaining %d, want one sync chunk", cur.Remaining())
	}
}

func TestParse_V2StartPositionsAndStrings(t *testing.T) {
	raw := replaytest.New(2).String("Arabia", true).String("unchecked", false).Bytes()
	c, _, err := replay.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Map.Name != "arabia" {
		t.Fatalf("map name %q", c.Map.Name)
	}
	p, ok := c.Player(2)
	if !ok || p.StartX != 80 || p.StartY != 80 {
		t.Fatalf("player 2: %+v ok=%v", p, ok)
	}
	if len(c.Strings) != 2 || c.Strings[0] != "Arabia" {
		t.Fatalf("strings: %v", c.Strings)
	}
}

func TestParse_PaddingSkipped(t *testing.T) {
	b := replaytest.New(1).Pad(7)
	raw := b.Sync(1).Bytes()
	_, cur, err := replay.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cur.Offset() != b.HeaderLen() {
		t.Fatalf("cursor at %d, want %d after padding", cur.Offset(), b.HeaderLen())
	}
}

func TestParse_Malformed(t *testing.T) {
	good := replaytest.New(2).Bytes()
	cases := []struct {
		name  string
		raw   func() []byte
		field string
	}{
		{"magic", func() []byte { r := clone(good); r[0] = 'X'; return r }, "magic"},
		{"version", func() []byte { r := clone(good); binary.LittleEndian.PutUint16(r[4:], 9); return r }, "version"},
		{"header_len", func() []byte { r := clone(good); binary.LittleEndian.PutUint32(r[6:], 1<<20); return r }, "header_len"},
		{"short", func() []byte { return good[:8] }, "header_len"},
		{"string_len", func() []byte {
			// Shrink hdr_len so the last string runs past the body.
			r := clone(good)
			n := binary.LittleEndian.Uint32(r[6:])
			binary.LittleEndian.PutUint32(r[6:], n-3)
			return r
		}, "settings"},
		{"no_players", func() []byte {
			b := replaytest.New(1)
			b.Players = nil
			return b.Bytes()
		}, "players"},
		{"duplicate_slot", func() []byte {
			b := replaytest.New(1)
			b.Players[1].Slot = b.Players[0].Slot
			return b.Bytes()
		}, "players"},
		{"reserved_slot", func() []byte {
			b := replaytest.New(1)
			b.Players[0].Slot = 0xFF
			return b.Bytes()
		}, "players"},
		{"empty_map", func() []byte {
			b := replaytest.New(1)
			b.MapW = 0
			return b.Bytes()
		}, "map"},
		{"checksum", func() []byte { return replaytest.New(2).CorruptString("Arabia").Bytes() }, "strings"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := replay.Parse(tc.raw())
			var mh *replay.MalformedHeaderError
			if !errors.As(err, &mh) {
				t.Fatalf("want MalformedHeaderError, got %v", err)
			}
			if mh.Field != tc.field {
				t.Fatalf("field %q, want %q (%v)", mh.Field, tc.field, err)
			}
		})
	}
}

func TestSupportedVersions(t *testing.T) {
	v := replay.SupportedVersions()
	if len(v) != 2 || v[0] != 1 || v[1] != 2 {
		t.Fatalf("versions: %v", v)
	}
}

func clone(b []byte) []byte { return append([]byte(nil), b...) }
