// Package lock implements the lock artifact: a canonical TOML rendering of
// a fully resolved dependency graph, a content hash binding it to the
// manifest state it was produced from, and the marker-filtered,
// topologically ordered install plan an installer consumes.
package lock

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/pelletier/go-toml"

	"github.com/bilusteknoloji/pipg/internal/dependency"
	"github.com/bilusteknoloji/pipg/internal/marker"
	"github.com/bilusteknoloji/pipg/internal/source"
	"github.com/bilusteknoloji/pipg/internal/version"
)

// DefaultFilename is the lock file name pipg writes alongside the manifest.
const DefaultFilename = "pipg.lock"

// CurrentLockVersion is recorded in every lock this package writes, and is
// bumped whenever a later schema change is incompatible with an older
// reader.
const CurrentLockVersion = 1

// ErrInvalidLock is returned when a lock file is malformed or its install
// plan cannot be ordered (a dependency cycle).
var ErrInvalidLock = errors.New("invalid lock")

// FileHash names one distribution file and its content digest. It appears
// both per-package and, duplicated, in the lock's [metadata.files] footer
// so an installer can verify a download against either without re-querying
// the index.
type FileHash struct {
	Name string `toml:"name"`
	Hash string `toml:"hash"`
}

// Source is a package's `source { kind, url?, reference?,
// resolved_reference? }` table: kind plus whichever of a plain URL, the
// reference the manifest named (a git branch/tag/rev, a path), and its
// resolved form (the commit that reference pinned to) apply to that kind.
type Source struct {
	Kind              string `toml:"kind"`
	URL               string `toml:"url,omitempty"`
	Reference         string `toml:"reference,omitempty"`
	ResolvedReference string `toml:"resolved_reference,omitempty"`
}

// Package is one fully resolved entry in the lock.
type Package struct {
	Name           string            `toml:"name"`
	Version        string            `toml:"version"`
	Source         Source            `toml:"source"`
	Dependencies   map[string]string `toml:"dependencies,omitempty"`
	Markers        string            `toml:"markers,omitempty"`
	Extras         []string          `toml:"extras,omitempty"`
	PythonVersions string            `toml:"python-versions,omitempty"`
	Files          []FileHash        `toml:"files,omitempty"`
}

// Metadata is the lock's top-level [metadata] block.
type Metadata struct {
	PythonVersions string                `toml:"python-versions,omitempty"`
	ContentHash    string                `toml:"content-hash"`
	LockVersion    int                   `toml:"lock-version"`
	Files          map[string][]FileHash `toml:"files"`
}

// Lock is the parsed lock artifact.
type Lock struct {
	Metadata Metadata  `toml:"metadata"`
	Packages []Package `toml:"package"`
}

// NewPackage builds a lock entry from a resolved package: its declared
// dependency constraints (a flat name -> constraint-string map, both for
// InstallerPlan's install-order graph and so a reader can see exactly what
// was required without re-resolving), the union of markers that gated it,
// the python range it advertises support for, and its distribution file
// digests.
func NewPackage(name string, v version.Version, src dependency.Source, extras []string, deps map[string]string, markers marker.Marker, pythonVersions string, files []FileHash) Package {
	p := Package{
		Name:           name,
		Version:        v.String(),
		Source:         sourceOf(src, v),
		Extras:         append([]string(nil), extras...),
		Dependencies:   deps,
		PythonVersions: pythonVersions,
		Files:          append([]FileHash(nil), files...),
	}

	if markers != nil {
		p.Markers = markers.String()
	}

	sort.Strings(p.Extras)
	sort.Slice(p.Files, func(i, j int) bool { return p.Files[i].Name < p.Files[j].Name })

	return p
}

// sourceOf renders a dependency.Source into its lock table shape. A git
// source's ResolvedReference is recovered from v: metadata.DirectProvider
// encodes the exact pinned commit hash into the synthesized local version
// segment ("0+<commit>"), so stripping that prefix gives back the commit a
// branch/tag/rev reference resolved to.
func sourceOf(src dependency.Source, v version.Version) Source {
	s := Source{Kind: src.Kind.String()}

	switch src.Kind {
	case dependency.SourceGit:
		s.URL = src.GitURL
		s.Reference = src.GitRef
		s.ResolvedReference = strings.TrimPrefix(v.String(), "0+")
	case dependency.SourcePath:
		s.URL = src.PathDir
		if s.URL == "" {
			s.URL = src.PathFile
		}
	case dependency.SourceURL:
		s.URL = src.ArchiveURL
	case dependency.SourceFile:
		s.URL = src.LocalArchivePath
	}

	return s
}

// WriteLock renders packages in canonical order (by name, then version) to
// path, under a [metadata] block carrying contentHash/pythonVersions and a
// [metadata.files] footer collecting every package's file digests.
func WriteLock(path, contentHash, pythonVersions string, packages []Package) error {
	sorted := append([]Package(nil), packages...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Name != sorted[j].Name {
			return sorted[i].Name < sorted[j].Name
		}

		return sorted[i].Version < sorted[j].Version
	})

	files := make(map[string][]FileHash, len(sorted))

	for _, p := range sorted {
		if len(p.Files) > 0 {
			files[p.Name] = append([]FileHash(nil), p.Files...)
		}
	}

	l := Lock{
		Metadata: Metadata{
			PythonVersions: pythonVersions,
			ContentHash:    contentHash,
			LockVersion:    CurrentLockVersion,
			Files:          files,
		},
		Packages: sorted,
	}

	data, err := toml.Marshal(l)
	if err != nil {
		return fmt.Errorf("encoding lock: %w", err)
	}

	if err := os.WriteFile(path+".tmp", data, 0o644); err != nil {
		return fmt.Errorf("writing lock: %w", err)
	}

	if err := os.Rename(path+".tmp", path); err != nil {
		return fmt.Errorf("finalizing lock: %w", err)
	}

	return nil
}

// ReadLock parses the lock file at path.
func ReadLock(path string) (*Lock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading lock %s: %w", path, err)
	}

	var l Lock
	if err := toml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidLock, path, err)
	}

	return &l, nil
}

// ContentHash hashes the parts of a manifest that participate in resolution
// ([dependencies], [dev-dependencies], extras implied by them, and
// [sources]) so that editing unrelated manifest sections never invalidates
// a lock, and changing any of these always does.
func ContentHash(deps, devDeps []dependency.Dependency, sources []source.Descriptor) string {
	h := sha256.New()

	writeDeps := func(tag string, ds []dependency.Dependency) {
		sorted := append([]dependency.Dependency(nil), ds...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

		for _, d := range sorted {
			extras := append([]string(nil), d.Extras...)
			sort.Strings(extras)

			fmt.Fprintf(h, "%s|%s|%s|%s|%v|%s\n",
				tag, d.Name, d.Constraint.String(), d.Source.CandidateKey(), extras, d.SourceName)
		}
	}

	writeDeps("dep", deps)
	writeDeps("dev", devDeps)

	sortedSrc := append([]source.Descriptor(nil), sources...)
	sort.Slice(sortedSrc, func(i, j int) bool { return sortedSrc[i].Name < sortedSrc[j].Name })

	for _, s := range sortedSrc {
		fmt.Fprintf(h, "src|%s|%s|%s\n", s.Name, s.URL, s.Priority)
	}

	return hex.EncodeToString(h.Sum(nil))
}

// IsFresh reports whether l's content hash matches the hash the manifest's
// current dependency/source state would produce.
func IsFresh(l *Lock, deps, devDeps []dependency.Dependency, sources []source.Descriptor) bool {
	return l.Metadata.ContentHash == ContentHash(deps, devDeps, sources)
}

// InstallerPlan filters l's packages to those whose recorded marker is true
// under env and returns them topologically ordered (a package's
// dependencies install before it), the shape an installer needs to unpack
// wheels in dependency order.
func InstallerPlan(l *Lock, env marker.Environment) ([]Package, error) {
	applicable := make(map[string]Package)

	for _, p := range l.Packages {
		m, err := marker.Parse(p.Markers)
		if err != nil {
			return nil, fmt.Errorf("%w: package %s: invalid recorded marker: %v", ErrInvalidLock, p.Name, err)
		}

		ok, err := m.Eval(env)
		if err != nil {
			return nil, fmt.Errorf("%w: package %s: %v", ErrInvalidLock, p.Name, err)
		}

		if ok {
			applicable[p.Name] = p
		}
	}

	return topoSort(applicable)
}

func topoSort(applicable map[string]Package) ([]Package, error) {
	names := make([]string, 0, len(applicable))
	for n := range applicable {
		names = append(names, n)
	}

	sort.Strings(names)

	const (
		unvisited = iota
		visiting
		visited
	)

	state := make(map[string]int, len(names))
	out := make([]Package, 0, len(names))

	var visit func(name string) error

	visit = func(name string) error {
		switch state[name] {
		case visited:
			return nil
		case visiting:
			return fmt.Errorf("%w: dependency cycle involving %s", ErrInvalidLock, name)
		}

		state[name] = visiting

		pkg, ok := applicable[name]
		if !ok {
			state[name] = visited

			return nil
		}

		depNames := make([]string, 0, len(pkg.Dependencies))
		for dep := range pkg.Dependencies {
			depNames = append(depNames, dep)
		}

		sort.Strings(depNames)

		for _, dep := range depNames {
			if err := visit(dep); err != nil {
				return err
			}
		}

		state[name] = visited
		out = append(out, pkg)

		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// diffLine formats a one-line summary of a package addition, removal or
// version change for `lock --diff`.
func diffLine(kind, name, from, to string) string {
	switch kind {
	case "add":
		return fmt.Sprintf("+ %s %s", name, to)
	case "remove":
		return fmt.Sprintf("- %s %s", name, from)
	default:
		return fmt.Sprintf("~ %s %s -> %s", name, from, to)
	}
}

// Diff compares two lock snapshots and returns a sorted, human-readable
// summary of package additions, removals, and version changes.
func Diff(oldLock, newLock *Lock) []string {
	oldByName := make(map[string]Package, len(oldLock.Packages))
	for _, p := range oldLock.Packages {
		oldByName[p.Name] = p
	}

	newByName := make(map[string]Package, len(newLock.Packages))
	for _, p := range newLock.Packages {
		newByName[p.Name] = p
	}

	names := make(map[string]bool)
	for n := range oldByName {
		names[n] = true
	}

	for n := range newByName {
		names[n] = true
	}

	sortedNames := make([]string, 0, len(names))
	for n := range names {
		sortedNames = append(sortedNames, n)
	}

	sort.Strings(sortedNames)

	var lines []string

	for _, n := range sortedNames {
		oldPkg, hadOld := oldByName[n]
		newPkg, hasNew := newByName[n]

		switch {
		case !hadOld && hasNew:
			lines = append(lines, diffLine("add", n, "", newPkg.Version))
		case hadOld && !hasNew:
			lines = append(lines, diffLine("remove", n, oldPkg.Version, ""))
		case oldPkg.Version != newPkg.Version:
			lines = append(lines, diffLine("change", n, oldPkg.Version, newPkg.Version))
		}
	}

	return lines
}
