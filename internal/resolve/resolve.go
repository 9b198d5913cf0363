// Package resolve implements the conflict-driven dependency resolver: given
// a set of root requirements and a metadata.Provider, it runs a
// PubGrub-family CDCL search over a PartialSolution, deriving an
// Incompatibility for every requirement edge, a rejected candidate set or an
// unsatisfied requires_python range, and resolving genuine conflicts by
// learning a new Incompatibility through unit propagation's derivation
// graph instead of discarding the whole trial branch.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bilusteknoloji/pipg/internal/dependency"
	"github.com/bilusteknoloji/pipg/internal/marker"
	"github.com/bilusteknoloji/pipg/internal/metadata"
	"github.com/bilusteknoloji/pipg/internal/version"
)

// ErrUnresolvable is returned when no assignment of versions satisfies every
// requirement reachable from the root.
var ErrUnresolvable = errors.New("no compatible set of package versions exists")

// RootPackage is the synthetic name the root project's own dependencies
// hang off of.
const RootPackage = "__root__"

// PythonPackage is the virtual package that unifies requires_python ranges
// anywhere in the graph through the ordinary incompatibility machinery
// instead of a special case: it is pre-decided to the target interpreter's
// own version before the search begins, at decision level 0, and is never
// itself a decision variable.
const PythonPackage = "__python__"

// Environment is the evaluation context threaded through the whole search:
// the marker environment (for gating optional edges) and the interpreter
// version bound to PythonPackage.
type Environment struct {
	Markers       marker.Environment
	PythonVersion version.Version
}

// ResolvedPackage is one entry of a successful resolution. GatedBy is nil
// for packages the current environment actually requires; for an
// observed-but-inert package (every edge to it carried a marker that
// evaluated false) it holds that marker, so the lock can record the entry as
// conditional metadata while the installer plan excludes it.
type ResolvedPackage struct {
	Name    string
	Version version.Version
	Extras  []string
	Source  dependency.Source
	GatedBy marker.Marker
}

// DirectResolver resolves a non-index dependency source (git, path, url or
// file) to the single candidate version it identifies and the dependency
// edges its project metadata declares. Direct dependencies bypass version
// enumeration: the source itself is the candidate, keyed by commit,
// normalized path, or archive digest, rather than one of several versions a
// Provider would enumerate.
type DirectResolver interface {
	ResolveDirect(ctx context.Context, src dependency.Source) (version.Version, []dependency.Dependency, error)
}

// Option configures a Solver.
type Option func(*Solver)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Solver) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithNoDeps disables transitive dependency discovery: only the root
// requirements themselves are resolved, each pinned to its best candidate
// without expanding what it in turn requires.
func WithNoDeps(noDeps bool) Option {
	return func(s *Solver) {
		s.noDeps = noDeps
	}
}

// WithDirectResolver supplies the resolver used for git/path/url/file
// dependency sources. Without one, a direct-source dependency fails with
// ErrUnresolvable instead of being silently treated as an index package.
func WithDirectResolver(d DirectResolver) Option {
	return func(s *Solver) {
		s.direct = d
	}
}

// WithPrefetchLimit bounds the concurrent metadata prefetch pool. Zero
// disables prefetching entirely.
func WithPrefetchLimit(n int) Option {
	return func(s *Solver) {
		s.prefetchLimit = n
	}
}

// WithSoftTimeout overrides the whole-resolve soft timeout. Exceeding it
// does not stop the search; it emits a diagnostic so a pathological
// conflict-resolution blowup is visible while it runs.
func WithSoftTimeout(d time.Duration) Option {
	return func(s *Solver) {
		if d > 0 {
			s.softTimeout = d
		}
	}
}

const (
	defaultPrefetchLimit = 10
	defaultSoftTimeout   = 10 * time.Minute
)

// Solver performs CDCL dependency resolution against a metadata.Provider.
type Solver struct {
	provider      metadata.Provider
	direct        DirectResolver
	logger        *slog.Logger
	noDeps        bool
	prefetchLimit int
	softTimeout   time.Duration
}

// New creates a Solver backed by provider.
func New(provider metadata.Provider, opts ...Option) *Solver {
	s := &Solver{
		provider:      provider,
		logger:        slog.Default(),
		prefetchLimit: defaultPrefetchLimit,
		softTimeout:   defaultSoftTimeout,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Resolve searches for a version assignment satisfying every root
// requirement and everything they transitively require.
func (s *Solver) Resolve(ctx context.Context, rootDeps []dependency.Dependency, env Environment) ([]ResolvedPackage, error) {
	ps := newPartialSolution()

	ps.assign(Assignment{
		Package:       PythonPackage,
		Range:         version.Exact(env.PythonVersion),
		Version:       env.PythonVersion,
		Kind:          kindDecision,
		DecisionLevel: 0,
	})
	ps.sources[RootPackage] = dependency.Source{Kind: dependency.SourceIndex}

	for _, d := range rootDeps {
		s.addEdge(ps, RootPackage, nil, d, env)
	}

	s.prefetch(ctx, rootDeps)

	if err := s.solveLoop(ctx, ps, env); err != nil {
		return nil, err
	}

	return append(materialize(ps), s.materializeInert(ctx, ps)...), nil
}

// materializeInert pins each observed-but-inert edge to its best candidate
// in isolation, so the lock can carry a concrete version for a dependency
// the current environment never required. Inert edges never constrained the
// search, so this lookup cannot conflict with the real solution; a package
// that was also required unconditionally is simply skipped, and lookup
// failures drop the entry rather than failing the resolve — the entry is
// conditional metadata, not a requirement.
func (s *Solver) materializeInert(ctx context.Context, ps *PartialSolution) []ResolvedPackage {
	var out []ResolvedPackage

	for _, d := range ps.inertEdges {
		if _, decided := ps.decidedVersion[d.Name]; decided {
			continue
		}

		v, ok := s.bestIsolated(ctx, d)
		if !ok {
			s.logger.Debug("dropping inert dependency with no resolvable candidate", slog.String("package", d.Name))

			continue
		}

		out = append(out, ResolvedPackage{
			Name:    d.Name,
			Version: v,
			Extras:  append([]string(nil), d.Extras...),
			Source:  d.Source,
			GatedBy: d.Markers,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// bestIsolated picks the highest candidate satisfying d's own constraint,
// stable releases preferred, without consulting the rest of the graph.
func (s *Solver) bestIsolated(ctx context.Context, d dependency.Dependency) (version.Version, bool) {
	if d.Source.Kind != dependency.SourceIndex {
		if s.direct == nil {
			return version.Version{}, false
		}

		v, _, err := s.direct.ResolveDirect(ctx, d.Source)
		if err != nil {
			return version.Version{}, false
		}

		return v, true
	}

	all, err := s.provider.Versions(ctx, d.Name)
	if err != nil {
		return version.Version{}, false
	}

	best := version.Version{}
	bestPre := version.Version{}

	for _, cand := range all {
		if cand.Yanked {
			continue
		}

		switch {
		case d.Constraint.SatisfiesStableOnly(cand.Version):
			if best.IsZero() || version.Less(best, cand.Version) {
				best = cand.Version
			}
		case d.Constraint.SatisfiesAny(cand.Version):
			if bestPre.IsZero() || version.Less(bestPre, cand.Version) {
				bestPre = cand.Version
			}
		}
	}

	// Pre-releases win only on explicit opt-in or when no stable matched.
	if (d.AllowPrereleases || best.IsZero()) && !bestPre.IsZero() {
		if best.IsZero() || version.Less(best, bestPre) {
			best = bestPre
		}
	}

	return best, !best.IsZero()
}

// prefetch warms the provider's version-list cache for the index packages
// deps name, with a bounded concurrent pool. It only populates caches —
// results and errors are discarded, so decision order is untouched; a real
// failure resurfaces on the serial path.
func (s *Solver) prefetch(ctx context.Context, deps []dependency.Dependency) {
	if s.prefetchLimit <= 0 {
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.prefetchLimit)

	for _, d := range deps {
		if d.Source.Kind != dependency.SourceIndex {
			continue
		}

		name := d.Name

		g.Go(func() error {
			_, _ = s.provider.Versions(ctx, name)

			return nil
		})
	}

	_ = g.Wait()
}

// solveLoop is the main CDCL cycle: propagate every fact unit
// propagation can derive, and whenever that surfaces a genuine conflict,
// learn a new incompatibility and backjump to the decision level it
// implicates. When propagation settles with no conflict, decide() either
// picks the next decision variable (and expands its dependencies) or
// reports the search complete.
func (s *Solver) solveLoop(ctx context.Context, ps *PartialSolution, env Environment) error {
	start := time.Now()
	warnedSlow := false

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !warnedSlow && time.Since(start) > s.softTimeout {
			warnedSlow = true

			s.logger.Warn("resolution is taking unusually long, the constraint set may be pathological",
				slog.Duration("elapsed", time.Since(start)),
				slog.Int("incompatibilities", len(ps.incompatibilities)),
				slog.Int("assignments", len(ps.assignments)))
		}

		conflict := s.unitPropagate(ps)
		if conflict != nil {
			learned, level, failed := resolveConflict(ps, conflict)
			if failed {
				return fmt.Errorf("%w: %s", ErrUnresolvable, buildExplanation(learned).Error())
			}

			ps.addIncompatibility(learned)
			ps.backtrack(level)

			continue
		}

		name, done, err := s.decide(ctx, ps, env)
		if err != nil {
			return err
		}

		if done {
			return nil
		}

		if name == "" {
			// candidatesFor found zero candidates for some package and
			// recorded the incompatibility explaining why; re-propagate so
			// that incompatibility's consequences are folded in.
			continue
		}
	}
}

// unitPropagate repeatedly scans the incompatibility set until a fixpoint,
// deriving the negation of any incompatibility's sole undecided term and
// returning the first incompatibility that becomes a genuine conflict.
func (s *Solver) unitPropagate(ps *PartialSolution) *Incompatibility {
	for {
		changed := false

		for _, inc := range ps.incompatibilities {
			status, term := ps.status(inc)

			switch status {
			case statusSatisfied:
				return inc
			case statusAlmostSatisfied:
				negated := Term{Package: term.Package, Range: version.Complement(term.Range)}
				if ps.isNewFact(negated) {
					ps.assign(Assignment{
						Package:       negated.Package,
						Range:         negated.Range,
						Kind:          kindDerivation,
						DecisionLevel: ps.decisionLevel,
						Cause:         inc,
					})

					changed = true
				}
			}
		}

		if !changed {
			return nil
		}
	}
}

// isNewFact reports whether t is not already implied by the accumulated
// knowledge about its package, the guard unitPropagate needs to avoid
// re-deriving (and re-appending) the same fact forever.
func (ps *PartialSolution) isNewFact(t Term) bool {
	return !ps.accumulatedOrAny(t.Package).Subset(t.Range)
}

// decide picks the most-constrained undecided package (fewest matching
// candidates), tie-broken by declaration order, commits to its
// highest-preference candidate at a new decision level, and expands the
// dependencies that decision introduces. Returns done=true once every
// required package has been decided.
func (s *Solver) decide(ctx context.Context, ps *PartialSolution, env Environment) (name string, done bool, err error) {
	pending := ps.undecidedPackages()
	if len(pending) == 0 {
		return "", true, nil
	}

	type option struct {
		name       string
		candidates []version.Version
	}

	best := option{candidates: nil}
	haveBest := false

	for _, pkg := range pending {
		candidates, cerr := s.candidatesFor(ctx, ps, pkg, env)
		if cerr != nil {
			return "", false, cerr
		}

		if len(candidates) == 0 {
			// candidatesFor already recorded the incompatibility explaining
			// why; signal the caller to re-propagate before deciding further.
			return "", false, nil
		}

		if !haveBest || len(candidates) < len(best.candidates) ||
			(len(candidates) == len(best.candidates) && ps.orderIndex(pkg) < ps.orderIndex(best.name)) {
			best = option{name: pkg, candidates: candidates}
			haveBest = true
		}
	}

	v := best.candidates[0]

	ps.decisionLevel++
	ps.assign(Assignment{
		Package:       best.name,
		Range:         version.Exact(v),
		Version:       v,
		Kind:          kindDecision,
		DecisionLevel: ps.decisionLevel,
	})

	if err := s.expandDecision(ctx, ps, best.name, v, env); err != nil {
		return "", false, err
	}

	return best.name, false, nil
}

// expandDecision fetches name@v's declared dependencies and folds every edge
// that currently applies (its marker is true for the extras active on name)
// into ps as a new incompatibility, including edges contributed by any
// extra explicitly requested on name. name's source was already recorded by
// addEdge when it was first required; a git/path/url/file source is read
// through s.direct instead of the index-backed metadata.Provider.
func (s *Solver) expandDecision(ctx context.Context, ps *PartialSolution, name string, v version.Version, env Environment) error {
	if s.noDeps {
		return nil
	}

	src := ps.sources[name]

	var deps []dependency.Dependency

	if src.Kind == dependency.SourceIndex {
		info, err := s.provider.Dependencies(ctx, name, v)
		if err != nil {
			return fmt.Errorf("fetching dependencies for %s %s: %w", name, v, err)
		}

		deps = info.Dependencies
	} else if s.direct != nil {
		_, d, err := s.direct.ResolveDirect(ctx, src)
		if err != nil {
			return fmt.Errorf("fetching dependencies for %s %s: %w", name, v, err)
		}

		deps = d
	} else {
		return fmt.Errorf("%w: %s is a %s dependency but no direct resolver is configured", ErrUnresolvable, name, src.Kind)
	}

	for _, d := range deps {
		s.addEdge(ps, name, &v, d, env)
	}

	s.prefetch(ctx, deps)

	return nil
}

// addEdge folds one dependency edge into ps as an Incompatibility: "from
// (at fromVersion) and d.Name outside d.Constraint cannot both hold", or,
// for a root requirement (fromVersion == nil), the unconditional "d.Name
// outside d.Constraint cannot hold". Conflicts are no longer detected here;
// they surface later through unitPropagate/resolveConflict, which is what
// lets every disjoint-constraint failure reach the shared explanation
// machinery instead of returning a bare wrapped error.
func (s *Solver) addEdge(ps *PartialSolution, from string, fromVersion *version.Version, d dependency.Dependency, env Environment) {
	ok := true

	if d.Markers != nil {
		var err error

		ok, err = d.Markers.Eval(markerEnvFor(ps, from, env))
		if err != nil {
			s.logger.Debug("skipping dependency with unevaluable marker",
				slog.String("from", from), slog.String("to", d.Name), slog.String("error", err.Error()))

			return
		}
	}

	if !ok {
		// Observed but inert: an environment-gated edge is remembered for
		// the lock's conditional metadata but never constrains the search.
		// An edge excluded by an inactive extra is a resolution-time choice,
		// not an environment condition, and is simply dropped.
		if !marker.ReferencesExtra(d.Markers) {
			ps.recordInert(d)
		}

		return
	}

	ps.registerPackage(d.Name, d.Source, from)

	if d.AllowPrereleases {
		ps.allowPrerelease[d.Name] = true
	}

	for _, extra := range d.Extras {
		ps.activateExtra(d.Name, extra)
	}

	terms := make([]Term, 0, 2)
	kind := KindRoot
	describe := fmt.Sprintf("%s requires %s%s", from, d.Name, d.Constraint)

	if fromVersion != nil {
		terms = append(terms, Term{Package: from, Range: version.Exact(*fromVersion)})
		kind = KindDependency
		describe = fmt.Sprintf("%s %s requires %s%s", from, *fromVersion, d.Name, d.Constraint)
	}

	terms = append(terms, Term{Package: d.Name, Range: version.Complement(d.Constraint)})

	ps.addIncompatibility(newIncompatibility(kind, describe, terms...))
}

func markerEnvFor(ps *PartialSolution, pkgName string, env Environment) marker.Environment {
	e := env.Markers
	e.Extras = ps.activeExtras[pkgName]

	return e
}

// candidatesFor returns versions matching name's accumulated constraint,
// preferring stable releases unless a dependency on it explicitly allowed
// pre-releases, sorted most-preferred (highest) first, additionally
// filtered against env.PythonVersion via each candidate's advertised
// requires_python. A git/path/url/file source bypasses enumeration
// entirely: it is its own single candidate, keyed by commit, normalized
// path or archive digest.
//
// When filtering empties the candidate list, an Incompatibility is recorded
// explaining why — KindUnsatisfiedPython (linking PythonPackage to the
// range every rejected candidate required) when requires_python was the
// cause, KindNoVersions otherwise — so the failure reaches the same
// explanation tree as any other conflict instead of a bare "no versions"
// dead end.
func (s *Solver) candidatesFor(ctx context.Context, ps *PartialSolution, name string, env Environment) ([]version.Version, error) {
	if src := ps.sources[name]; src.Kind != dependency.SourceIndex {
		if s.direct == nil {
			return nil, fmt.Errorf("%w: %s is a %s dependency but no direct resolver is configured", ErrUnresolvable, name, src.Kind)
		}

		v, _, err := s.direct.ResolveDirect(ctx, src)
		if err != nil {
			return nil, fmt.Errorf("resolving direct source for %s: %w", name, err)
		}

		return []version.Version{v}, nil
	}

	all, err := s.provider.Versions(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("listing versions for %s: %w", name, err)
	}

	constraint := ps.accumulatedOrAny(name)
	allowPre := ps.allowPrerelease[name]

	var out []version.Version

	pythonRejected := version.Empty()
	anyConstraintMatch := false

	filter := func(includePre bool) {
		out = out[:0]
		pythonRejected = version.Empty()
		anyConstraintMatch = false

		for _, cand := range all {
			if cand.Yanked {
				continue
			}

			if includePre {
				if !constraint.SatisfiesAny(cand.Version) {
					continue
				}
			} else if !constraint.SatisfiesStableOnly(cand.Version) {
				continue
			}

			anyConstraintMatch = true

			if cand.RequiresPython != "" {
				if reqRange, perr := version.ParseConstraint(cand.RequiresPython); perr == nil {
					if !reqRange.Satisfies(env.PythonVersion) {
						pythonRejected = version.Union(pythonRejected, reqRange)

						continue
					}
				}
			}

			out = append(out, cand.Version)
		}
	}

	filter(allowPre)

	// Pre-releases are excluded on the first pass, but when no stable
	// version matches the combined constraint at all, the search restarts
	// over the full candidate set.
	if len(out) == 0 && !allowPre {
		filter(true)
	}

	sort.Slice(out, func(i, j int) bool { return version.Less(out[j], out[i]) })

	if len(out) == 0 {
		// A {name, constraint} term is only meaningful (has a satisfier
		// resolveConflict can walk back to) when something actually
		// constrained name; an unconstrained package is trivially "in
		// range" without any backing assignment, so that term is omitted
		// rather than asserted — its absence still lets the remaining
		// term(s) carry the failure, and an incompatibility with no terms
		// at all correctly reduces to the minimal unsatisfiable core.
		terms := make([]Term, 0, 2)
		if !constraint.IsAny() {
			terms = append(terms, Term{Package: name, Range: constraint})
		}

		if anyConstraintMatch && !pythonRejected.IsEmpty() {
			terms = append(terms, Term{Package: PythonPackage, Range: version.Complement(pythonRejected)})
			ps.addIncompatibility(newIncompatibility(
				KindUnsatisfiedPython,
				fmt.Sprintf("every %s%s candidate requires python%s", name, constraint, pythonRejected),
				terms...,
			))
		} else {
			ps.addIncompatibility(newIncompatibility(
				KindNoVersions,
				fmt.Sprintf("no available version of %s satisfies %s", name, constraint),
				terms...,
			))
		}
	}

	return out, nil
}

func materialize(ps *PartialSolution) []ResolvedPackage {
	out := make([]ResolvedPackage, 0, len(ps.decidedVersion))

	for name, v := range ps.decidedVersion {
		if name == PythonPackage {
			continue
		}

		extras := make([]string, 0, len(ps.activeExtras[name]))
		for e := range ps.activeExtras[name] {
			extras = append(extras, e)
		}

		sort.Strings(extras)

		out = append(out, ResolvedPackage{
			Name:    name,
			Version: v,
			Extras:  extras,
			Source:  ps.sources[name],
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}
