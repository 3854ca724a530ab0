// Package permission implements the directory controller's capability
// table: a fixed set of named capabilities, each mapped to a list of
// glob-style allow-patterns tested against a client's identity string.
package permission

import (
	"fmt"
	"path"
	"sync"
)

// Capability names a privileged directory-controller action.
type Capability string

const (
	CapSource         Capability = "source"
	CapDir            Capability = "dir"
	CapAppl           Capability = "appl"
	CapResources      Capability = "resources"
	CapApplController Capability = "appl_controller"
	CapAdmin          Capability = "admin"
	CapMonitor        Capability = "monitor"
	CapApplHost       Capability = "applhost"
	CapApplInstall    Capability = "appl_install"
)

// AllCapabilities lists every recognised capability name, used to validate
// configuration keys and to seed an empty Table.
var AllCapabilities = []Capability{
	CapSource, CapDir, CapAppl, CapResources, CapApplController,
	CapAdmin, CapMonitor, CapApplHost, CapApplInstall,
}

func isKnown(c Capability) bool {
	for _, k := range AllCapabilities {
		if k == c {
			return true
		}
	}
	return false
}

// Table maps capabilities to the allow-patterns that grant them. Patterns
// are matched with path.Match semantics against a client's identity
// string (its long-term public key, hex-encoded, by convention), so a
// pattern of "*" grants everyone and "ab12cd*" grants a key prefix.
type Table struct {
	mu       sync.RWMutex
	patterns map[Capability][]string
}

// NewTable returns an empty permission table: no capability is granted to
// anyone until patterns are added.
func NewTable() *Table {
	return &Table{patterns: make(map[Capability][]string)}
}

// Allow adds an allow-pattern for cap. Returns an error for an unknown
// capability name so a config typo fails at load time, not at the first
// access check.
func (t *Table) Allow(cap Capability, pattern string) error {
	if !isKnown(cap) {
		return fmt.Errorf("permission: unknown capability %q", cap)
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return fmt.Errorf("permission: invalid pattern %q for %s: %w", pattern, cap, err)
	}
	t.mu.Lock()
	t.patterns[cap] = append(t.patterns[cap], pattern)
	t.mu.Unlock()
	return nil
}

// Allows reports whether identity is granted cap by any configured
// pattern.
func (t *Table) Allows(cap Capability, identity string) bool {
	t.mu.RLock()
	pats := t.patterns[cap]
	t.mu.RUnlock()
	for _, p := range pats {
		if ok, err := path.Match(p, identity); err == nil && ok {
			return true
		}
	}
	return false
}

// Set is the per-dircl resolved view of a Table: which capabilities this
// one identity currently holds, computed once at connect time so the hot
// path (per-request checks) never re-walks the pattern lists.
type Set struct {
	granted map[Capability]bool
}

// Resolve evaluates every capability in t against identity and freezes the
// result into a Set.
func Resolve(t *Table, identity string) Set {
	s := Set{granted: make(map[Capability]bool, len(AllCapabilities))}
	for _, c := range AllCapabilities {
		s.granted[c] = t.Allows(c, identity)
	}
	return s
}

// Has reports whether the set grants cap.
func (s Set) Has(cap Capability) bool { return s.granted[cap] }
