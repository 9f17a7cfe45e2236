// Package policy captures the hash of the active policy file so runs can be
// pinned to the exact policy bytes that governed them.
package policy

import (
	"errors"
	"io/fs"
	"os"

	"github.com/requiemhq/requiem/pkg/canonical"
	"github.com/requiemhq/requiem/pkg/fault"
)

// NoPolicySentinel is hashed in place of file bytes when no policy file
// exists, so "no policy" still snapshots to a stable value.
const NoPolicySentinel = "__NO_POLICY_FILE__"

// DefaultLookup is the default policy file search order.
var DefaultLookup = []string{
	"./policy/default.policy.json",
	"./policy.json",
}

// Snapshotter resolves the active policy file from a fixed lookup list. The
// list is injected so tests and deployments control the search order.
type Snapshotter struct {
	lookup   []string
	readFile func(string) ([]byte, error)
}

// NewSnapshotter returns a snapshotter over the given lookup paths, falling
// back to DefaultLookup when none are given.
func NewSnapshotter(lookup ...string) *Snapshotter {
	if len(lookup) == 0 {
		lookup = DefaultLookup
	}
	paths := make([]string, len(lookup))
	copy(paths, lookup)
	return &Snapshotter{lookup: paths, readFile: os.ReadFile}
}

// Lookup returns the configured search order.
func (s *Snapshotter) Lookup() []string {
	out := make([]string, len(s.lookup))
	copy(out, s.lookup)
	return out
}

// Capture hashes the first existing policy file on the lookup list. When no
// file exists it returns the hash of NoPolicySentinel. Read failures other
// than absence are reported, not masked as the sentinel.
func (s *Snapshotter) Capture() (string, error) {
	for _, path := range s.lookup {
		data, err := s.readFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return "", fault.Wrap(fault.CodePermissionDenied, "read policy file "+path, err)
		}
		return canonical.HashBytes(data), nil
	}
	return canonical.HashBytes([]byte(NoPolicySentinel)), nil
}

// Active returns the path of the first existing policy file, or "" when the
// sentinel would be used.
func (s *Snapshotter) Active() string {
	for _, path := range s.lookup {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
