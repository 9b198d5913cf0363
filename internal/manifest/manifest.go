// Package manifest reads a project's pipg.toml: its declared dependencies,
// dev-dependencies and package sources. It is the TOML entry point into the
// typed dependency.Dependency/source.Descriptor models the resolver and
// metadata provider operate on.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/pelletier/go-toml"

	"github.com/bilusteknoloji/pipg/internal/dependency"
	"github.com/bilusteknoloji/pipg/internal/marker"
	"github.com/bilusteknoloji/pipg/internal/source"
	"github.com/bilusteknoloji/pipg/internal/version"
)

// DefaultFilename is the manifest name pipg looks for in a project root.
const DefaultFilename = "pipg.toml"

// ErrInvalidManifest is returned when pipg.toml is malformed or contradicts
// itself (e.g. a dependency entry naming both a path and a git URL).
var ErrInvalidManifest = errors.New("invalid manifest")

// Manifest is the parsed, typed form of a project's pipg.toml.
type Manifest struct {
	Name     string
	Python   string // raw python constraint, e.g. ">=3.9,<3.13"
	Platform string

	Dependencies    []dependency.Dependency
	DevDependencies []dependency.Dependency
	Sources         []source.Descriptor
}

// rawManifest is the direct TOML decoding target. The dependency tables
// decode as raw interface{} values because one entry may be a bare
// constraint string, an inline table, or a list of tables (the
// multi-constraint form); dependencyEntries dispatches on the decoded shape.
type rawManifest struct {
	Project struct {
		Name     string `toml:"name"`
		Python   string `toml:"python"`
		Platform string `toml:"platform"`
	} `toml:"project"`
	Dependencies    map[string]interface{} `toml:"dependencies"`
	DevDependencies map[string]interface{} `toml:"dev-dependencies"`
	Sources         []tomlSource           `toml:"sources"`
}

type tomlSource struct {
	Name     string `toml:"name"`
	URL      string `toml:"url"`
	Priority string `toml:"priority"`
	Simple   bool   `toml:"simple"`
}

// tomlDependency models one [dependencies] entry. dependencyEntries decodes
// a bare version string ("flask = \">=3.0\"") and an inline table
// ("flask = {version = \">=3.0\", extras = [\"async\"]}") from the generic
// TOML value into this same shape, the way a manifest entry may be "just a
// version" or a richer table of properties.
type tomlDependency struct {
	Version  string
	Extras   []string
	Optional bool

	Path    string
	Develop bool

	GitURL    string
	GitTag    string
	GitBranch string
	GitRev    string
	Subdir    string

	URL  string
	File string

	Source           string
	AllowPrereleases bool
	Markers          string
	Python           string
	Platform         string
}

func (d *tomlDependency) fromTable(t map[string]interface{}) error {
	d.Version, _ = t["version"].(string)
	d.Path, _ = t["path"].(string)
	d.Develop, _ = t["develop"].(bool)
	d.GitURL, _ = t["git"].(string)
	d.GitTag, _ = t["tag"].(string)
	d.GitBranch, _ = t["branch"].(string)
	d.GitRev, _ = t["rev"].(string)
	d.Subdir, _ = t["subdirectory"].(string)
	d.URL, _ = t["url"].(string)
	d.File, _ = t["file"].(string)
	d.Source, _ = t["source"].(string)
	d.AllowPrereleases, _ = t["allow-prereleases"].(bool)
	d.Markers, _ = t["markers"].(string)
	d.Python, _ = t["python"].(string)
	d.Platform, _ = t["platform"].(string)
	d.Optional, _ = t["optional"].(bool)

	if rawExtras, ok := t["extras"].([]interface{}); ok {
		for _, e := range rawExtras {
			if s, ok := e.(string); ok {
				d.Extras = append(d.Extras, s)
			}
		}
	}

	return nil
}

// dependencyEntries dispatches one [dependencies] value over its three
// shapes: a bare constraint string, an inline table of properties, or a list
// of tables (a multi-constraint dependency — N entries sharing the name,
// disjunctive at selection time through their markers).
func dependencyEntries(data interface{}) ([]tomlDependency, error) {
	switch v := data.(type) {
	case string:
		return []tomlDependency{{Version: v}}, nil
	case map[string]interface{}:
		var d tomlDependency
		if err := d.fromTable(v); err != nil {
			return nil, err
		}

		return []tomlDependency{d}, nil
	case []map[string]interface{}:
		entries := make([]tomlDependency, 0, len(v))

		for _, t := range v {
			var d tomlDependency
			if err := d.fromTable(t); err != nil {
				return nil, err
			}

			entries = append(entries, d)
		}

		return entries, nil
	case []interface{}:
		entries := make([]tomlDependency, 0, len(v))

		for _, item := range v {
			t, ok := item.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("%w: multi-constraint entry must be a table, got %T", ErrInvalidManifest, item)
			}

			var d tomlDependency
			if err := d.fromTable(t); err != nil {
				return nil, err
			}

			entries = append(entries, d)
		}

		return entries, nil
	default:
		return nil, fmt.Errorf("%w: dependency entry must be a string, table or list of tables, got %T", ErrInvalidManifest, data)
	}
}

// Read parses the manifest file at path.
func Read(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening manifest %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var raw rawManifest
	if err := toml.NewDecoder(f).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidManifest, path, err)
	}

	return fromRaw(raw)
}

func fromRaw(raw rawManifest) (*Manifest, error) {
	m := &Manifest{
		Name:     raw.Project.Name,
		Python:   raw.Project.Python,
		Platform: raw.Project.Platform,
	}

	var err error

	if m.Dependencies, err = toDependencies(raw.Dependencies); err != nil {
		return nil, err
	}

	if m.DevDependencies, err = toDependencies(raw.DevDependencies); err != nil {
		return nil, err
	}

	for _, s := range raw.Sources {
		d, err := toSourceDescriptor(s)
		if err != nil {
			return nil, err
		}

		m.Sources = append(m.Sources, d)
	}

	return m, nil
}

// toDependencies converts a name->raw-entry map into typed
// dependency.Dependency values, sorted by name for deterministic output. A
// multi-constraint list produces one Dependency per entry, all sharing the
// name; two entries with identical markers are rejected, since nothing
// could ever select between them.
func toDependencies(raw map[string]interface{}) ([]dependency.Dependency, error) {
	names := make([]string, 0, len(raw))
	for n := range raw {
		names = append(names, n)
	}

	sort.Strings(names)

	var deps []dependency.Dependency

	for _, name := range names {
		entries, err := dependencyEntries(raw[name])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}

		seenMarkers := make(map[string]bool)

		for _, entry := range entries {
			d, err := toDependency(name, entry)
			if err != nil {
				return nil, err
			}

			key := d.Markers.String()
			if seenMarkers[key] {
				return nil, fmt.Errorf("%w: %s: two constraint entries share the marker %q", ErrInvalidManifest, name, key)
			}

			seenMarkers[key] = true

			deps = append(deps, d)
		}
	}

	return deps, nil
}

func toDependency(name string, t tomlDependency) (dependency.Dependency, error) {
	d := dependency.Dependency{
		Name:             dependency.NormalizeName(name),
		Extras:           t.Extras,
		Optional:         t.Optional,
		AllowPrereleases: t.AllowPrereleases,
		SourceName:       t.Source,
	}

	src, err := toDependencySource(name, t)
	if err != nil {
		return dependency.Dependency{}, err
	}

	d.Source = src

	if src.Kind == dependency.SourceIndex {
		c, err := version.ParseConstraint(t.Version)
		if err != nil {
			return dependency.Dependency{}, fmt.Errorf("%w: %s: %v", ErrInvalidManifest, name, err)
		}

		d.Constraint = c
	} else {
		d.Constraint = version.Any()
	}

	m, err := marker.Parse(t.Markers)
	if err != nil {
		return dependency.Dependency{}, fmt.Errorf("%w: %s: %v", ErrInvalidManifest, name, err)
	}

	if t.Python != "" {
		pm, perr := dependency.LowerPythonMarker(t.Python)
		if perr != nil {
			return dependency.Dependency{}, fmt.Errorf("%w: %s: %v", ErrInvalidManifest, name, perr)
		}

		m = marker.Conjoin(m, pm)
	}

	if t.Platform != "" {
		m = marker.Conjoin(m, dependency.LowerPlatformMarker(t.Platform))
	}

	d.Markers = m

	return d, nil
}

// toDependencySource picks the single source variant a dependency entry
// names, rejecting entries that set more than one, the exhaustive
// pattern-matching discriminant dependency.Source requires.
func toDependencySource(name string, t tomlDependency) (dependency.Source, error) {
	set := 0

	if t.GitURL != "" {
		set++
	}

	if t.Path != "" {
		set++
	}

	if t.URL != "" {
		set++
	}

	if t.File != "" {
		set++
	}

	if set > 1 {
		return dependency.Source{}, fmt.Errorf("%w: %s: specifies more than one of git/path/url/file", ErrInvalidManifest, name)
	}

	switch {
	case t.GitURL != "":
		ref, kind := gitRef(t)

		return dependency.Source{
			Kind:       dependency.SourceGit,
			GitURL:     t.GitURL,
			GitRef:     ref,
			GitRefKind: kind,
			GitSubdir:  t.Subdir,
		}, nil
	case t.Path != "":
		return dependency.Source{Kind: dependency.SourcePath, PathDir: t.Path, PathDevelop: t.Develop}, nil
	case t.URL != "":
		return dependency.Source{Kind: dependency.SourceURL, ArchiveURL: t.URL}, nil
	case t.File != "":
		return dependency.Source{Kind: dependency.SourceFile, LocalArchivePath: t.File}, nil
	default:
		return dependency.Source{Kind: dependency.SourceIndex}, nil
	}
}

func gitRef(t tomlDependency) (ref string, kind dependency.RefKind) {
	switch {
	case t.GitTag != "":
		return t.GitTag, dependency.RefTag
	case t.GitBranch != "":
		return t.GitBranch, dependency.RefBranch
	case t.GitRev != "":
		return t.GitRev, dependency.RefRev
	default:
		return "", dependency.RefNone
	}
}

func toSourceDescriptor(s tomlSource) (source.Descriptor, error) {
	priority := s.Priority
	if priority == "" {
		priority = "secondary"
	}

	p, err := source.ParsePriority(priority)
	if err != nil {
		return source.Descriptor{}, fmt.Errorf("%w: source %s: %v", ErrInvalidManifest, s.Name, err)
	}

	kind := source.KindJSON
	if s.Simple {
		kind = source.KindSimple
	}

	return source.Descriptor{Name: s.Name, URL: s.URL, Priority: p, Kind: kind}, nil
}
