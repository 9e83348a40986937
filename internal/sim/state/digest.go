package state

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"
)

// Digest is a sha256 over a canonical encoding of s. Maps are written in
// key order with zero entries dropped.
func Digest(s Snapshot) string {
	h := sha256.New()
	var tmp [8]byte
	w64 := func(v uint64) {
		binary.LittleEndian.PutUint64(tmp[:], v)
		h.Write(tmp[:])
	}
	w64(uint64(s.Player))
	w64(s.Tick)
	w64(s.ElapsedMs)
	w64(uint64(s.Age))
	h.Write([]byte{boolByte(s.AgingUp), boolByte(s.Resigned)})
	for _, v := range s.Stock {
		w64(uint64(v))
	}
	for _, v := range []int{s.Pop, s.PopCap, s.PopQueued, s.PopLimit, s.Idle} {
		w64(uint64(v))
	}
	for _, v := range s.Gatherers {
		w64(uint64(v))
	}
	h.Write([]byte("buildings"))
	writeSortedNonZeroIntMap(h, &tmp, s.Buildings)
	h.Write([]byte("units"))
	writeSortedNonZeroIntMap(h, &tmp, s.Units)
	h.Write([]byte("techs"))
	writeSortedSet(h, s.Techs)
	h.Write([]byte("researching"))
	writeSortedSet(h, s.Researching)

	h.Write([]byte("lanes"))
	keys := make([]string, 0, len(s.Lanes))
	for k := range s.Lanes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		w64(uint64(len(s.Lanes[k])))
		for _, t := range s.Lanes[k] {
			w64(t)
		}
	}
	h.Write([]byte("pending"))
	for _, p := range s.Pending {
		w64(p.Due)
		w64(uint64(p.Kind))
		h.Write([]byte(p.Name))
		w64(p.Seq)
	}
	w64(s.NextSeq)
	return hex.EncodeToString(h.Sum(nil))
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// writeSortedNonZeroIntMap emits a key-sorted map encoding, skipping zero
// values so absent and zero keys digest the same.
func writeSortedNonZeroIntMap(w hash.Hash, tmp *[8]byte, m map[string]int) {
	keys := make([]string, 0, len(m))
	for k, v := range m {
		if v != 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		w.Write([]byte(k))
		binary.LittleEndian.PutUint64(tmp[:], uint64(m[k]))
		w.Write(tmp[:])
	}
}

func writeSortedSet(w hash.Hash, m map[string]bool) {
	keys := make([]string, 0, len(m))
	for k, v := range m {
		if v {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		w.Write([]byte(k))
		w.Write([]byte{0})
	}
}
