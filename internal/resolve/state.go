package resolve

import (
	"github.com/bilusteknoloji/pipg/internal/dependency"
	"github.com/bilusteknoloji/pipg/internal/version"
)

// assignmentKind distinguishes a decision (a candidate version the solver
// chose to try) from a derivation (a fact unit propagation inferred from an
// Incompatibility that had exactly one undecided term left).
type assignmentKind int

const (
	kindDecision assignmentKind = iota
	kindDerivation
)

// Assignment is one entry of the partial solution's append-only log: a
// term that became true, either because the solver decided it or because
// propagation derived it, and (for derivations) the Incompatibility whose
// near-satisfaction produced it.
type Assignment struct {
	Package       string
	Range         version.Constraint
	Version       version.Version // set only when Kind == kindDecision
	Kind          assignmentKind
	DecisionLevel int
	Cause         *Incompatibility
	Seq           int
}

// PartialSolution is the CDCL solver's working state: an append-only
// assignment log, the accumulated (intersected) range known about each
// package derived from that log, and the incompatibility set accumulated so
// far. Backtracking
// truncates the log to a decision level instead of cloning the whole state
// per trial, which is what lets conflict resolution actually learn from a
// failed branch rather than discard it.
type PartialSolution struct {
	assignments   []Assignment
	decisionLevel int

	accumulated    map[string]version.Constraint
	decidedVersion map[string]version.Version

	incompatibilities []*Incompatibility

	// order records the sequence in which package names were first
	// required (declaration order), the tie-break decide() uses among
	// equally-constrained candidates.
	order   []string
	seenAt  map[string]int
	sources map[string]dependency.Source

	activeExtras    map[string]map[string]bool
	allowPrerelease map[string]bool
	requiredBy      map[string]string

	// inertEdges records dependency edges whose marker evaluated false for
	// the target environment: observed but inert, never constraining the
	// search, carried into the lock as conditional metadata only.
	inertEdges []dependency.Dependency
	inertSeen  map[string]bool
}

func newPartialSolution() *PartialSolution {
	return &PartialSolution{
		accumulated:     make(map[string]version.Constraint),
		decidedVersion:  make(map[string]version.Version),
		seenAt:          make(map[string]int),
		sources:         make(map[string]dependency.Source),
		activeExtras:    make(map[string]map[string]bool),
		allowPrerelease: make(map[string]bool),
		requiredBy:      make(map[string]string),
		inertSeen:       make(map[string]bool),
	}
}

// recordInert notes an edge whose marker excluded it from the current
// resolve, keeping the first sighting per package name.
func (ps *PartialSolution) recordInert(d dependency.Dependency) {
	if ps.inertSeen[d.Name] {
		return
	}

	ps.inertSeen[d.Name] = true
	ps.inertEdges = append(ps.inertEdges, d)
}

// accumulatedOrAny returns the cumulative range known about name, or Any()
// when nothing has constrained it yet.
func (ps *PartialSolution) accumulatedOrAny(name string) version.Constraint {
	if c, ok := ps.accumulated[name]; ok {
		return c
	}

	return version.Any()
}

// registerPackage records name's declaration order, originating source and
// requiring package the first time it is seen; later calls are no-ops, so
// this bookkeeping stays stable across backtracking even though it is never
// rolled back itself (it describes how the name entered the graph, not
// what was decided about it).
func (ps *PartialSolution) registerPackage(name string, src dependency.Source, requiredBy string) {
	if _, ok := ps.seenAt[name]; ok {
		return
	}

	ps.seenAt[name] = len(ps.order)
	ps.order = append(ps.order, name)
	ps.sources[name] = src
	ps.requiredBy[name] = requiredBy
}

func (ps *PartialSolution) activateExtra(name, extra string) {
	if ps.activeExtras[name] == nil {
		ps.activeExtras[name] = make(map[string]bool)
	}

	ps.activeExtras[name][extra] = true
}

// addIncompatibility appends inc to the incompatibility set. It does not
// touch the declaration-order bookkeeping; packages enter that only through
// registerPackage.
func (ps *PartialSolution) addIncompatibility(inc *Incompatibility) {
	ps.incompatibilities = append(ps.incompatibilities, inc)
}

// assign appends a to the log and folds its range into the accumulated
// knowledge about its package.
func (ps *PartialSolution) assign(a Assignment) {
	a.Seq = len(ps.assignments)
	ps.assignments = append(ps.assignments, a)

	ps.accumulated[a.Package] = version.Intersect(ps.accumulatedOrAny(a.Package), a.Range)

	if a.Kind == kindDecision {
		ps.decidedVersion[a.Package] = a.Version
	}
}

// backtrack discards every assignment made at a decision level above to,
// recomputing accumulated and decidedVersion from the remaining prefix.
// Declaration-order bookkeeping (order, sources, requiredBy, activeExtras,
// allowPrerelease) is intentionally left untouched: it records how names
// entered the graph, which doesn't change when a later decision about
// their versions is undone.
func (ps *PartialSolution) backtrack(to int) {
	cut := len(ps.assignments)

	for cut > 0 && ps.assignments[cut-1].DecisionLevel > to {
		cut--
	}

	kept := ps.assignments[:cut]

	ps.accumulated = make(map[string]version.Constraint, len(ps.accumulated))
	ps.decidedVersion = make(map[string]version.Version, len(ps.decidedVersion))

	for _, a := range kept {
		ps.accumulated[a.Package] = version.Intersect(ps.accumulatedOrAny(a.Package), a.Range)

		if a.Kind == kindDecision {
			ps.decidedVersion[a.Package] = a.Version
		}
	}

	ps.assignments = append([]Assignment(nil), kept...)
	ps.decisionLevel = to
}

// satisfier returns the earliest assignment (and its index in the global
// log) at which t.Package's accumulated range, considering only the
// assignment prefix up to and including that point, already implies t:
// the "most recent satisfier" conflict resolution needs to determine which
// term of a conflicting incompatibility to resolve next.
func (ps *PartialSolution) satisfier(t Term) (Assignment, int) {
	acc := version.Any()

	for i, a := range ps.assignments {
		if a.Package != t.Package {
			continue
		}

		acc = version.Intersect(acc, a.Range)

		if acc.Subset(t.Range) {
			return a, i
		}
	}

	// Reached only if relation/status reported this term satisfied without
	// a corresponding assignment actually implying it, which would be a bug
	// in status()/relationOf() rather than a real runtime condition.
	return Assignment{}, -1
}

// undecidedPackages returns every registered package name that has not yet
// been decided, excluding PythonPackage (pre-decided before the search
// begins and never a real decision variable).
func (ps *PartialSolution) undecidedPackages() []string {
	var out []string

	for _, name := range ps.order {
		if name == PythonPackage {
			continue
		}

		if _, ok := ps.decidedVersion[name]; ok {
			continue
		}

		out = append(out, name)
	}

	return out
}

func (ps *PartialSolution) orderIndex(name string) int {
	return ps.seenAt[name]
}
