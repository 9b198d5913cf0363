// Package dependency defines the typed representation of a dependency edge:
// a source variant (index/git/path/url/file), an optional version
// constraint, an environment marker, and the extras/options a manifest
// entry may carry.
package dependency

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/bilusteknoloji/pipg/internal/marker"
	"github.com/bilusteknoloji/pipg/internal/version"
)

// ErrInvalidDependency is returned when a dependency entry is malformed.
var ErrInvalidDependency = errors.New("invalid dependency")

// RefKind distinguishes the three ways a Git dependency may pin a revision.
type RefKind int

const (
	RefNone RefKind = iota
	RefBranch
	RefTag
	RefRev
)

// SourceKind discriminates the variant carried by Dependency.Source.
type SourceKind int

const (
	SourceIndex SourceKind = iota
	SourceGit
	SourcePath
	SourceURL
	SourceFile
)

func (k SourceKind) String() string {
	switch k {
	case SourceIndex:
		return "index"
	case SourceGit:
		return "git"
	case SourcePath:
		return "path"
	case SourceURL:
		return "url"
	case SourceFile:
		return "file"
	default:
		return "unknown"
	}
}

// Source is the tagged union of a dependency's origin. Exactly one of the
// variant-specific fields is meaningful, selected by Kind, so call sites
// dispatch by exhaustive switch rather than type assertion.
type Source struct {
	Kind SourceKind

	// SourceIndex carries no extra fields beyond the dependency's Name.

	// SourceGit fields.
	GitURL     string
	GitRef     string
	GitRefKind RefKind
	GitSubdir  string

	// SourcePath fields.
	PathDir     string
	PathFile    string
	PathDevelop bool

	// SourceURL fields.
	ArchiveURL string

	// SourceFile fields.
	LocalArchivePath string
}

// CandidateKey returns the identity direct (non-index) sources use in place
// of version enumeration: a vcs-commit, normalized path, or archive-sha.
func (s Source) CandidateKey() string {
	switch s.Kind {
	case SourceGit:
		return "git:" + s.GitURL + "@" + s.GitRef
	case SourcePath:
		p := s.PathDir
		if p == "" {
			p = s.PathFile
		}

		return "path:" + p
	case SourceURL:
		return "url:" + s.ArchiveURL
	case SourceFile:
		return "file:" + s.LocalArchivePath
	default:
		return ""
	}
}

// Dependency is a directed edge from a package (or the root) to a named
// package, carrying a source variant, an optional constraint, a marker
// (defaulting to always-true) and the manifest-level extras/options.
type Dependency struct {
	Name             string // canonical, PEP 503 normalized
	Source           Source
	Constraint       version.Constraint
	Markers          marker.Marker
	Extras           []string
	Optional         bool
	AllowPrereleases bool
	SourceName       string
}

// NormalizeName folds "_", "-", "." to a single "-" and lowercases ASCII,
// per PEP 503.
func NormalizeName(name string) string {
	name = strings.ToLower(name)

	var b strings.Builder

	prevHyphen := false

	for i := 0; i < len(name); i++ {
		switch name[i] {
		case '-', '_', '.':
			if !prevHyphen {
				b.WriteByte('-')
				prevHyphen = true
			}
		default:
			b.WriteByte(name[i])
			prevHyphen = false
		}
	}

	return b.String()
}

var extrasPattern = regexp.MustCompile(`\[([^\]]*)\]`)

// ParseString parses a PEP 508 requirement string ("flask[async]>=3.0;
// python_version<\"3.12\"") into a Dependency with an Index source,
// supporting the full marker grammar via internal/marker.
func ParseString(s string) (Dependency, error) {
	s = strings.TrimSpace(s)

	nameSpec, markerStr := splitMarker(s)

	extras := extractExtras(&nameSpec)

	nameSpec = strings.NewReplacer("(", "", ")", "").Replace(nameSpec)
	nameSpec = strings.TrimSpace(nameSpec)

	name, specStr := splitNameSpecifier(nameSpec)
	if name == "" {
		return Dependency{}, fmt.Errorf("%w: no package name in %q", ErrInvalidDependency, s)
	}

	constraint, err := version.ParseConstraint(specStr)
	if err != nil {
		return Dependency{}, fmt.Errorf("%w: %v", ErrInvalidDependency, err)
	}

	m, err := marker.Parse(markerStr)
	if err != nil {
		return Dependency{}, fmt.Errorf("%w: %v", ErrInvalidDependency, err)
	}

	return Dependency{
		Name:       NormalizeName(name),
		Source:     Source{Kind: SourceIndex},
		Constraint: constraint,
		Markers:    m,
		Extras:     extras,
	}, nil
}

func splitMarker(s string) (nameSpec, markerStr string) {
	parts := strings.SplitN(s, ";", 2)
	nameSpec = strings.TrimSpace(parts[0])

	if len(parts) > 1 {
		markerStr = strings.TrimSpace(parts[1])
	}

	return nameSpec, markerStr
}

func extractExtras(nameSpec *string) []string {
	m := extrasPattern.FindStringSubmatch(*nameSpec)
	if m == nil {
		return nil
	}

	*nameSpec = extrasPattern.ReplaceAllString(*nameSpec, "")

	var extras []string

	for _, e := range strings.Split(m[1], ",") {
		e = strings.TrimSpace(e)
		if e != "" {
			extras = append(extras, e)
		}
	}

	return extras
}

func splitNameSpecifier(nameSpec string) (name, specifier string) {
	specStart := strings.IndexAny(nameSpec, "><=!~^")

	if specStart < 0 {
		return strings.TrimSpace(nameSpec), ""
	}

	return strings.TrimSpace(nameSpec[:specStart]), strings.TrimSpace(nameSpec[specStart:])
}

// LowerPythonMarker folds a manifest-level `python = "..."` constraint
// string into a python_version marker, reusing the constraint algebra
// directly rather than re-deriving clause parsing.
func LowerPythonMarker(pythonConstraint string) (marker.Marker, error) {
	c, err := version.ParseConstraint(pythonConstraint)
	if err != nil {
		return nil, fmt.Errorf("%w: python constraint %q: %v", ErrInvalidDependency, pythonConstraint, err)
	}

	return marker.FromVersionConstraint(marker.VarPythonVersion, c), nil
}

// LowerPlatformMarker folds a manifest-level `platform = "..."` string into
// a `sys_platform == "<plat>"` marker.
func LowerPlatformMarker(platform string) marker.Marker {
	m, _ := marker.Parse(fmt.Sprintf(`sys_platform == "%s"`, strings.TrimSpace(platform)))

	return m
}
