// Package metadata implements C4: resolving a package name to its available
// versions and, for a chosen version, the dependency edges it declares. It
// sits on top of internal/pypi (the JSON index transport and the PEP 503
// simple link-page transport), merging candidates across configured sources
// in priority order, with an archive-introspection fallback for
// distributions whose index metadata omits requires_dist, fanning everything
// through the multi-tier internal/cache and coalescing concurrent identical
// fetches with singleflight.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bilusteknoloji/pipg/internal/cache"
	"github.com/bilusteknoloji/pipg/internal/dependency"
	"github.com/bilusteknoloji/pipg/internal/pypi"
	"github.com/bilusteknoloji/pipg/internal/source"
	"github.com/bilusteknoloji/pipg/internal/version"
)

// ErrMissingMetadata is returned when no dependency extraction strategy
// (PKG-INFO, static pyproject.toml, lexical setup.py scan) could recover a
// distribution's requirements.
var ErrMissingMetadata = errors.New("missing metadata")

// ErrPackageNotFound is returned when no configured source has ever heard
// of the requested package name.
var ErrPackageNotFound = errors.New("package not found")

// ErrSourceUnknown is returned when a dependency pins a source name the
// configuration does not declare.
var ErrSourceUnknown = errors.New("unknown source")

// File describes one downloadable distribution of a candidate version.
type File struct {
	Filename       string `json:"filename"`
	URL            string `json:"url"`
	Size           int64  `json:"size"`
	PackageType    string `json:"package_type"` // "bdist_wheel" or "sdist"
	RequiresPython string `json:"requires_python,omitempty"`
	SHA256         string `json:"sha256,omitempty"`
}

// Candidate is one version of a package as advertised by a single source.
// RequiresPython is the version-level interpreter constraint PyPI publishes
// per file; candidates merge it from their own files so both the
// interpreter-compatibility filter and the resolver's python
// incompatibility have a single per-candidate range to consult instead of
// reaching into Files.
type Candidate struct {
	Version        version.Version
	Source         source.Descriptor
	Yanked         bool
	YankedReason   string
	RequiresPython string
	Files          []File
}

// FileDigest names one distribution file and its content hash, the
// per-package "files" entries the lock artifact records so an installer can
// verify a download without re-querying the index.
type FileDigest struct {
	Name string
	Hash string
}

// DependencyInfo is what a Provider returns for one candidate: its declared
// dependency edges, the python range it advertises support for, and the
// file digests a lock entry should carry.
type DependencyInfo struct {
	Dependencies   []dependency.Dependency
	RequiresPython version.Constraint
	Files          []FileDigest
}

// Provider is the interface C5 consumes to discover candidates and their
// declared dependencies. Implementations may be backed by a JSON index, an
// HTML link page, or (in tests) an in-memory fixture.
type Provider interface {
	Versions(ctx context.Context, pkgName string) ([]Candidate, error)
	Dependencies(ctx context.Context, pkgName string, v version.Version) (DependencyInfo, error)
}

// Option configures a MultiSourceProvider.
type Option func(*MultiSourceProvider)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *MultiSourceProvider) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithVersionListTTL overrides the default freshness window for cached
// version listings.
func WithVersionListTTL(ttl time.Duration) Option {
	return func(p *MultiSourceProvider) {
		if ttl > 0 {
			p.versionTTL = ttl
		}
	}
}

// WithJSONClient registers the JSON transport for the named source,
// replacing the one the provider would otherwise construct from the
// source's URL. Tests use this to point a source at a fixture.
func WithJSONClient(name string, c pypi.Client) Option {
	return func(p *MultiSourceProvider) {
		p.jsonClients[name] = c
	}
}

// WithSimpleClient registers the simple link-page transport for the named
// source.
func WithSimpleClient(name string, c pypi.SimpleClient) Option {
	return func(p *MultiSourceProvider) {
		p.simpleClients[name] = c
	}
}

const defaultVersionTTL = 15 * time.Minute

// MultiSourceProvider queries sources in consult order (declared primaries,
// the implicit default index, secondaries, supplementals — explicit sources
// only when pinned), merging candidates first-winning per version and
// caching the merged listing. Distribution-level dependency
// extraction falls back through PKG-INFO, static pyproject.toml and a
// restricted setup.py scan when an index doesn't carry requires_dist.
type MultiSourceProvider struct {
	client        pypi.Client // implicit default index transport
	sources       []source.Descriptor
	jsonClients   map[string]pypi.Client
	simpleClients map[string]pypi.SimpleClient
	versionTTL    time.Duration
	versionList   *cache.VersionListCache
	dependency    *cache.DependencyCache
	extractor     *Extractor
	logger        *slog.Logger

	mu   sync.Mutex
	pins map[string]string // canonical package name -> pinned source name

	group singleflight.Group
}

// New creates a MultiSourceProvider. client serves the implicit default
// index; sources is the full configured index list (internal/source.Descriptor).
func New(client pypi.Client, sources []source.Descriptor, versionList *cache.VersionListCache, depCache *cache.DependencyCache, opts ...Option) *MultiSourceProvider {
	p := &MultiSourceProvider{
		client:        client,
		sources:       sources,
		jsonClients:   make(map[string]pypi.Client),
		simpleClients: make(map[string]pypi.SimpleClient),
		versionTTL:    defaultVersionTTL,
		versionList:   versionList,
		dependency:    depCache,
		extractor:     NewExtractor(),
		logger:        slog.Default(),
		pins:          make(map[string]string),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

var _ Provider = (*MultiSourceProvider)(nil)

// Pin restricts pkgName to the named source: no other source is ever
// consulted for it, and a miss there is fatal rather than skipped. Called
// for every manifest dependency that sets source = "...".
func (p *MultiSourceProvider) Pin(pkgName, sourceName string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pins[dependency.NormalizeName(pkgName)] = sourceName
}

func (p *MultiSourceProvider) pinnedSource(pkgName string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	name, ok := p.pins[pkgName]

	return name, ok
}

// consultFor returns the sources to query for pkgName, in order, and whether
// the list is an explicit pin (in which case a miss is fatal).
func (p *MultiSourceProvider) consultFor(pkgName string) ([]source.Descriptor, bool, error) {
	if pinName, ok := p.pinnedSource(pkgName); ok {
		if pinName == source.DefaultIndexName {
			return []source.Descriptor{source.DefaultIndex()}, true, nil
		}

		desc, found := source.Resolve(p.sources, pinName)
		if !found {
			return nil, false, fmt.Errorf("%w: %s pins source %q", ErrSourceUnknown, pkgName, pinName)
		}

		return []source.Descriptor{desc}, true, nil
	}

	return source.ConsultOrder(p.sources), false, nil
}

// jsonClientFor returns the JSON transport for desc: a registered client, the
// implicit default client for the default index, or one constructed from the
// source's URL on first use.
func (p *MultiSourceProvider) jsonClientFor(desc source.Descriptor) pypi.Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.jsonClients[desc.Name]; ok {
		return c
	}

	if desc.Name == source.DefaultIndexName || desc.URL == "" {
		return p.client
	}

	c := pypi.New(pypi.WithBaseURL(desc.URL), pypi.WithLogger(p.logger))
	p.jsonClients[desc.Name] = c

	return c
}

func (p *MultiSourceProvider) simpleClientFor(desc source.Descriptor) pypi.SimpleClient {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.simpleClients[desc.Name]; ok {
		return c
	}

	c := pypi.NewSimple(desc.URL, pypi.WithSimpleLogger(p.logger))
	p.simpleClients[desc.Name] = c

	return c
}

// Versions returns every candidate for pkgName across its configured
// sources, sorted ascending by version. A package pinned to an explicit
// source is looked up only there; otherwise every source in consult order is
// queried and the results merged, the first-consulted source winning each
// version.
func (p *MultiSourceProvider) Versions(ctx context.Context, pkgName string) ([]Candidate, error) {
	v, err, _ := p.group.Do("versions:"+pkgName, func() (any, error) {
		return p.fetchVersions(ctx, pkgName)
	})
	if err != nil {
		return nil, err
	}

	return v.([]Candidate), nil
}

func (p *MultiSourceProvider) fetchVersions(ctx context.Context, pkgName string) ([]Candidate, error) {
	if entry, ok := p.versionList.Get(pkgName); ok && entry.Fresh(now()) {
		p.logger.Debug("version list cache hit", slog.String("package", pkgName))

		return decodeCandidates(entry.Payload, p.descriptorByName)
	}

	consult, pinned, err := p.consultFor(pkgName)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]Candidate)

	var lastErr error

	for _, desc := range consult {
		candidates, err := p.versionsFromSource(ctx, desc, pkgName)
		if err != nil {
			if pinned {
				return nil, fmt.Errorf("source %q (pinned by %s): %w", desc.Name, pkgName, err)
			}

			lastErr = err
			p.logger.Debug("source miss",
				slog.String("package", pkgName), slog.String("source", desc.Name), slog.String("error", err.Error()))

			continue
		}

		// First-consulted source wins each version.
		for _, c := range candidates {
			key := c.Version.String()
			if _, taken := merged[key]; !taken {
				merged[key] = c
			}
		}
	}

	if len(merged) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrPackageNotFound, pkgName, lastErr)
		}

		return nil, fmt.Errorf("%w: %s", ErrPackageNotFound, pkgName)
	}

	candidates := make([]Candidate, 0, len(merged))
	for _, c := range merged {
		candidates = append(candidates, c)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return version.Less(candidates[i].Version, candidates[j].Version)
	})

	if payload, encErr := encodeCandidates(candidates); encErr == nil {
		_ = p.versionList.Put(pkgName, cache.VersionListEntry{
			FetchedAt: now(),
			TTL:       p.versionTTL,
			Payload:   payload,
		})
	}

	return candidates, nil
}

func (p *MultiSourceProvider) versionsFromSource(ctx context.Context, desc source.Descriptor, pkgName string) ([]Candidate, error) {
	if desc.Kind == source.KindSimple {
		links, err := p.simpleClientFor(desc).GetLinks(ctx, pkgName)
		if err != nil {
			return nil, err
		}

		return candidatesFromLinks(pkgName, links, desc), nil
	}

	info, err := p.jsonClientFor(desc).GetPackage(ctx, pkgName)
	if err != nil {
		return nil, err
	}

	return candidatesFromReleases(info, desc, p.logger), nil
}

// candidatesFromReleases converts a JSON index response's releases map into
// candidates, skipping (not failing on) releases whose version string does
// not parse.
func candidatesFromReleases(info *pypi.PackageInfo, desc source.Descriptor, logger *slog.Logger) []Candidate {
	candidates := make([]Candidate, 0, len(info.Releases))

	for verStr, files := range info.Releases {
		if len(files) == 0 {
			continue
		}

		v, err := version.Parse(verStr)
		if err != nil {
			logger.Debug("skipping unparsable release", slog.String("package", info.Info.Name), slog.String("version", verStr))

			continue
		}

		c := Candidate{Version: v, Source: desc}

		for _, f := range files {
			c.Files = append(c.Files, File{
				Filename:       f.Filename,
				URL:            f.URL,
				Size:           f.Size,
				PackageType:    f.PackageType,
				RequiresPython: f.RequiresPython,
				SHA256:         f.Digests.SHA256,
			})

			if c.RequiresPython == "" {
				c.RequiresPython = f.RequiresPython
			}

			if f.Yanked {
				c.Yanked = true
				c.YankedReason = f.YankedReason
			}
		}

		candidates = append(candidates, c)
	}

	return candidates
}

func (p *MultiSourceProvider) descriptorByName(name string) source.Descriptor {
	if desc, ok := source.Resolve(p.sources, name); ok {
		return desc
	}

	return source.DefaultIndex()
}

// Dependencies returns the dependency edges declared by pkgName at version
// v, extracted from the winning source's metadata (requires_dist when the
// JSON flavor carries it, falling back through the archive-introspection
// chain otherwise), along with the advertised requires_python range and
// file digests.
func (p *MultiSourceProvider) Dependencies(ctx context.Context, pkgName string, v version.Version) (DependencyInfo, error) {
	key := fmt.Sprintf("deps:%s:%s", pkgName, v)

	result, err, _ := p.group.Do(key, func() (any, error) {
		return p.fetchDependencies(ctx, pkgName, v)
	})
	if err != nil {
		return DependencyInfo{}, err
	}

	return result.(DependencyInfo), nil
}

func (p *MultiSourceProvider) fetchDependencies(ctx context.Context, pkgName string, v version.Version) (DependencyInfo, error) {
	cand, haveCand := p.candidateFor(ctx, pkgName, v)

	if haveCand && cand.Source.Kind == source.KindSimple {
		return p.dependenciesFromFiles(ctx, pkgName, v, cand)
	}

	client := p.client
	if haveCand {
		client = p.jsonClientFor(cand.Source)
	}

	info, err := client.GetPackageVersion(ctx, pkgName, v.String())
	if err != nil {
		return DependencyInfo{}, fmt.Errorf("%w: %s %s: %v", ErrPackageNotFound, pkgName, v, err)
	}

	requiresPython := version.Any()
	if info.Info.RequiresPython != "" {
		if parsed, perr := version.ParseConstraint(info.Info.RequiresPython); perr == nil {
			requiresPython = parsed
		} else {
			p.logger.Debug("ignoring unparsable requires_python",
				slog.String("package", pkgName), slog.String("requires_python", info.Info.RequiresPython))
		}
	}

	files := fileDigestsOf(info)

	if len(info.Info.RequiresDist) > 0 {
		deps, derr := parseRequirements(info.Info.RequiresDist)
		if derr != nil {
			return DependencyInfo{}, derr
		}

		return DependencyInfo{Dependencies: deps, RequiresPython: requiresPython, Files: files}, nil
	}

	reqs, err := p.cachedExtract(ctx, contentHashOf(info), func(ctx context.Context) ([]string, error) {
		return p.extractor.Extract(ctx, info)
	})
	if err != nil {
		return DependencyInfo{}, fmt.Errorf("%w: %s %s: %v", ErrMissingMetadata, pkgName, v, err)
	}

	deps, err := parseRequirements(reqs)
	if err != nil {
		return DependencyInfo{}, err
	}

	return DependencyInfo{Dependencies: deps, RequiresPython: requiresPython, Files: files}, nil
}

// candidateFor finds the already-enumerated candidate matching v, so
// dependency extraction talks to the source that actually won that version.
func (p *MultiSourceProvider) candidateFor(ctx context.Context, pkgName string, v version.Version) (Candidate, bool) {
	candidates, err := p.Versions(ctx, pkgName)
	if err != nil {
		return Candidate{}, false
	}

	for _, c := range candidates {
		if version.Equal(c.Version, v) {
			return c, true
		}
	}

	return Candidate{}, false
}

// dependenciesFromFiles serves a simple-index candidate, whose source
// carries no structured metadata at all: the dependency list always comes
// from archive introspection of the candidate's own files.
func (p *MultiSourceProvider) dependenciesFromFiles(ctx context.Context, pkgName string, v version.Version, cand Candidate) (DependencyInfo, error) {
	requiresPython := version.Any()
	if cand.RequiresPython != "" {
		if parsed, perr := version.ParseConstraint(cand.RequiresPython); perr == nil {
			requiresPython = parsed
		}
	}

	files := make([]FileDigest, 0, len(cand.Files))

	for _, f := range cand.Files {
		if f.SHA256 != "" {
			files = append(files, FileDigest{Name: f.Filename, Hash: "sha256:" + f.SHA256})
		}
	}

	contentHash := pkgName + "@" + v.String()

	for _, f := range cand.Files {
		if f.SHA256 != "" {
			contentHash = f.SHA256

			break
		}
	}

	reqs, err := p.cachedExtract(ctx, contentHash, func(ctx context.Context) ([]string, error) {
		return p.extractor.ExtractFiles(ctx, cand.Files)
	})
	if err != nil {
		return DependencyInfo{}, fmt.Errorf("%w: %s %s: %v", ErrMissingMetadata, pkgName, v, err)
	}

	deps, err := parseRequirements(reqs)
	if err != nil {
		return DependencyInfo{}, err
	}

	return DependencyInfo{Dependencies: deps, RequiresPython: requiresPython, Files: files}, nil
}

// cachedExtract consults the content-addressed dependency cache before
// running (and then recording) an archive extraction.
func (p *MultiSourceProvider) cachedExtract(ctx context.Context, contentHash string, extract func(context.Context) ([]string, error)) ([]string, error) {
	if p.dependency != nil {
		if cached, ok := p.dependency.Get(contentHash); ok {
			return cached, nil
		}
	}

	reqs, err := extract(ctx)
	if err != nil {
		return nil, err
	}

	if p.dependency != nil {
		_ = p.dependency.Put(contentHash, reqs)
	}

	return reqs, nil
}

// fileDigestsOf collects the sha256-keyed file list recorded per locked
// package from the version-specific index response.
func fileDigestsOf(info *pypi.PackageInfo) []FileDigest {
	out := make([]FileDigest, 0, len(info.URLs))

	for _, u := range info.URLs {
		if u.Digests.SHA256 == "" {
			continue
		}

		out = append(out, FileDigest{Name: u.Filename, Hash: "sha256:" + u.Digests.SHA256})
	}

	return out
}

func parseRequirements(reqs []string) ([]dependency.Dependency, error) {
	deps := make([]dependency.Dependency, 0, len(reqs))

	for _, r := range reqs {
		d, err := dependency.ParseString(r)
		if err != nil {
			return nil, fmt.Errorf("parsing requirement %q: %w", r, err)
		}

		deps = append(deps, d)
	}

	return deps, nil
}

// contentHashOf derives a stable content-addressing key for the dependency
// cache from the distribution's primary file digest, falling back to
// name@version when no digest is present (e.g. a source lacking hashes).
func contentHashOf(info *pypi.PackageInfo) string {
	for _, u := range info.URLs {
		if u.Digests.SHA256 != "" {
			return u.Digests.SHA256
		}
	}

	return info.Info.Name + "@" + info.Info.Version
}

// now is indirected so tests can observe freshness windows deterministically
// without relying on wall-clock timing.
var now = time.Now
