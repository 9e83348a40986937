package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Extensions accepted as replay inputs.
var Extensions = []string{".rtsr", ".aoe2record", ".mgz", ".gz", ".zst"}

// Discover lists the replay files directly inside dir, sorted.
func Discover(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !hasReplayExt(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

func hasReplayExt(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// stems assigns each sorted path its output stem: the base name without
// extension, or the full base name with dots replaced when two inputs
// would collide. Remaining collisions get a numeric suffix.
func stems(paths []string) map[string]string {
	short := map[string][]string{}
	for _, p := range paths {
		base := filepath.Base(p)
		s := strings.TrimSuffix(base, filepath.Ext(base))
		short[s] = append(short[s], p)
	}
	out := make(map[string]string, len(paths))
	used := map[string]bool{}
	for _, p := range paths {
		base := filepath.Base(p)
		s := strings.TrimSuffix(base, filepath.Ext(base))
		if len(short[s]) > 1 {
			s = strings.ReplaceAll(base, ".", "_")
		}
		cand := s
		for i := 2; used[cand]; i++ {
			cand = fmt.Sprintf("%s_%d", s, i)
		}
		used[cand] = true
		out[p] = cand
	}
	return out
}
