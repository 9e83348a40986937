package log

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const ManifestName = "manifest.json"

// Manifest pins an output directory to one action table and rule set.
type Manifest struct {
	ActionSpace       string `json:"action_space"`
	ActionSpaceDigest string `json:"action_space_digest"`
	RulesVersion      string `json:"rules_version"`
	RulesDigest       string `json:"rules_digest"`
}

// ManifestMismatchError reports an output directory built with a different
// action table or rule set.
type ManifestMismatchError struct {
	Path     string
	Existing Manifest
	Want     Manifest
}

func (e *ManifestMismatchError) Error() string {
	if e.Existing.ActionSpaceDigest != e.Want.ActionSpaceDigest {
		return fmt.Sprintf("%s: action space %s (%s) does not match %s (%s)",
			e.Path, e.Existing.ActionSpace, short(e.Existing.ActionSpaceDigest), e.Want.ActionSpace, short(e.Want.ActionSpaceDigest))
	}
	return fmt.Sprintf("%s: rules %s (%s) does not match %s (%s)",
		e.Path, e.Existing.RulesVersion, short(e.Existing.RulesDigest), e.Want.RulesVersion, short(e.Want.RulesDigest))
}

func short(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

// EnsureManifest writes m into dir, or checks it against the manifest
// already there.
func EnsureManifest(dir string, m Manifest) error {
	path := filepath.Join(dir, ManifestName)
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		var have Manifest
		if err := json.Unmarshal(b, &have); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if have.ActionSpaceDigest != m.ActionSpaceDigest || have.RulesDigest != m.RulesDigest {
			return &ManifestMismatchError{Path: path, Existing: have, Want: m}
		}
		return nil
	case errors.Is(err, os.ErrNotExist):
		b, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			return err
		}
		return writeFileAtomic(path, append(b, '\n'))
	default:
		return err
	}
}
