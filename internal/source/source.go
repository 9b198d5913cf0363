// Package source models a package index: its location, its priority in the
// multi-index search order, and whether it is queried via the JSON API or a
// PEP 503 simple-repository link page.
package source

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

// ErrInvalidSource is returned for a malformed source descriptor.
var ErrInvalidSource = errors.New("invalid source")

// Priority controls the order sources are searched in and whether a
// dependency may be satisfied by a source it did not explicitly pin.
type Priority int

const (
	// PriorityPrimary is searched first and is implicit for any dependency
	// that does not pin a source by name.
	PriorityPrimary Priority = iota
	// PrioritySecondary sources are searched after the primary index(es),
	// and still considered for unpinned dependencies.
	PrioritySecondary
	// PrioritySupplemental sources are considered for unpinned dependencies
	// last, after every secondary source.
	PrioritySupplemental
	// PriorityExplicit sources are never considered for an unpinned
	// dependency: a dependency must name them explicitly.
	PriorityExplicit
)

func (p Priority) String() string {
	switch p {
	case PriorityPrimary:
		return "primary"
	case PrioritySecondary:
		return "secondary"
	case PrioritySupplemental:
		return "supplemental"
	case PriorityExplicit:
		return "explicit"
	default:
		return "unknown"
	}
}

// ParsePriority parses a manifest priority string. "default" is accepted as
// an alias for "primary" for compatibility with config files that predate
// the renamed priority tiers, and logs a diagnostic so the alias doesn't
// silently persist.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "primary":
		return PriorityPrimary, nil
	case "default":
		slog.Warn("source priority \"default\" is deprecated, use \"primary\"", "priority", s)

		return PriorityPrimary, nil
	case "secondary":
		return PrioritySecondary, nil
	case "supplemental":
		return PrioritySupplemental, nil
	case "explicit":
		return PriorityExplicit, nil
	default:
		return 0, fmt.Errorf("%w: unknown priority %q", ErrInvalidSource, s)
	}
}

// Kind distinguishes the two transports a source may expose.
type Kind int

const (
	// KindJSON is a PyPI-style JSON API index (GET /<pkg>/json).
	KindJSON Kind = iota
	// KindSimple is a PEP 503 "simple repository" HTML link-page index.
	KindSimple
)

// Descriptor describes one configured package index.
type Descriptor struct {
	Name     string
	URL      string
	Priority Priority
	Kind     Kind
}

// DefaultIndexName names the implicit default index. A manifest source with
// this name overrides the implicit entry rather than adding a second one.
const DefaultIndexName = "pypi"

// DefaultIndex is the implicit default index consulted after the declared
// primary sources for any package that does not pin a source by name.
func DefaultIndex() Descriptor {
	return Descriptor{Name: DefaultIndexName, Priority: PriorityPrimary, Kind: KindJSON}
}

// ConsultOrder returns the sources searched, in order, for a package that
// does not pin one by name: declared primary sources in declaration order,
// then the implicit default index (unless a declared source already carries
// its name), then secondary sources in order, then supplemental. Explicit
// sources are never consulted for unpinned packages. Ties within a tier
// preserve configuration order (sort.SliceStable).
func ConsultOrder(descs []Descriptor) []Descriptor {
	ordered := make([]Descriptor, 0, len(descs)+1)
	haveDefault := false

	for _, d := range descs {
		if d.Name == DefaultIndexName {
			haveDefault = true
		}

		switch d.Priority {
		case PriorityPrimary, PrioritySecondary, PrioritySupplemental:
			ordered = append(ordered, d)
		}
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	if haveDefault {
		return ordered
	}

	// The implicit default slots after the last primary source.
	insert := 0
	for insert < len(ordered) && ordered[insert].Priority == PriorityPrimary {
		insert++
	}

	out := make([]Descriptor, 0, len(ordered)+1)
	out = append(out, ordered[:insert]...)
	out = append(out, DefaultIndex())
	out = append(out, ordered[insert:]...)

	return out
}

// Resolve looks up the descriptor pinned by name, used when a dependency
// names an explicit source. It searches the full list, including
// supplemental and explicit sources, since those may only be reached this
// way.
func Resolve(descs []Descriptor, name string) (Descriptor, bool) {
	for _, d := range descs {
		if d.Name == name {
			return d, true
		}
	}

	return Descriptor{}, false
}
