package resolve

import (
	"fmt"

	"github.com/bilusteknoloji/pipg/internal/version"
)

// Term is one conjunct of an Incompatibility: an assertion that a package's
// assigned version lies within Range. Terms are always expressed
// positively — a PEP 508 "must not be in range" edge is folded through
// version.Complement at construction time — so classifying a term against
// the partial solution reduces to the plain interval Subset/DisjointFrom
// tests C1 already provides, instead of tracking explicit polarity the way
// general-purpose PubGrub implementations do. That generality buys nothing
// here: this domain has no "package absent" choice, since markers already
// filter inapplicable edges before they become graph edges.
type Term struct {
	Package string
	Range   version.Constraint
}

func (t Term) String() string {
	if t.Range.IsAny() {
		return t.Package
	}

	return t.Package + t.Range.String()
}

// IncompatKind classifies why an Incompatibility exists, the vocabulary the
// solver's derivation graph is explained in.
type IncompatKind int

const (
	// KindRoot is an unconditional requirement introduced directly by a
	// root dependency: a single term asserting what the root demands.
	KindRoot IncompatKind = iota
	// KindDependency links a decided package to one of its own
	// dependency edges: "if P is at version v, Q must be in range".
	KindDependency
	// KindNoVersions records that a package's accumulated constraint
	// matched no available candidate.
	KindNoVersions
	// KindUnsatisfiedPython links the virtual python package to the
	// requires_python range a rejected candidate advertised.
	KindUnsatisfiedPython
	// KindDerived is a learned incompatibility produced by resolving two
	// causes together during conflict resolution.
	KindDerived
)

// Incompatibility is a clause asserting that its Terms can never all hold
// simultaneously. Root/Dependency/NoVersions/UnsatisfiedPython
// incompatibilities are facts fed in from outside the solver; Derived ones
// are learned by resolveConflict, each carrying pointers to the two
// antecedents it was resolved from so the failure can be explained as a
// tree instead of a flat chain.
type Incompatibility struct {
	Kind     IncompatKind
	Terms    []Term
	Cause1   *Incompatibility
	Cause2   *Incompatibility
	Describe string
}

func newIncompatibility(kind IncompatKind, describe string, terms ...Term) *Incompatibility {
	return &Incompatibility{Kind: kind, Terms: terms, Describe: describe}
}

// describeIncompat renders a human-readable statement of what inc asserts,
// for the explanation tree. Leaf incompatibilities carry their own
// Describe text (set when they were constructed, where the original
// requirement string is still at hand); Derived nodes fall back to a
// generic closer since their Terms have already been folded through
// version.Complement and no longer read naturally.
func describeIncompat(inc *Incompatibility) string {
	if inc.Describe != "" {
		return inc.Describe
	}

	if len(inc.Terms) == 0 {
		return "no version of any package can satisfy every requirement simultaneously"
	}

	return "these requirements cannot both hold"
}

// termRelation classifies a Term against the partial solution's
// accumulated knowledge about its package.
type termRelation int

const (
	relContradicted termRelation = iota
	relSatisfied
	relInconclusive
)

func (ps *PartialSolution) relationOf(t Term) termRelation {
	acc := ps.accumulatedOrAny(t.Package)

	switch {
	case acc.Subset(t.Range):
		return relSatisfied
	case acc.DisjointFrom(t.Range):
		return relContradicted
	default:
		return relInconclusive
	}
}

// incompatStatus is the outcome of testing an Incompatibility as a whole
// against the partial solution.
type incompatStatus int

const (
	// statusNone means at least one term is already contradicted, so the
	// clause can never become a real conflict; nothing to do.
	statusNone incompatStatus = iota
	// statusSatisfied means every term holds: a genuine conflict.
	statusSatisfied
	// statusAlmostSatisfied means exactly one term is still undecided and
	// every other term holds: unit propagation can derive that term's
	// negation.
	statusAlmostSatisfied
)

// status evaluates inc against ps, returning the sole undecided term when
// the result is statusAlmostSatisfied.
func (ps *PartialSolution) status(inc *Incompatibility) (incompatStatus, Term) {
	inconclusive := 0

	var last Term

	for _, t := range inc.Terms {
		switch ps.relationOf(t) {
		case relContradicted:
			return statusNone, Term{}
		case relInconclusive:
			inconclusive++
			last = t
		}
	}

	switch inconclusive {
	case 0:
		return statusSatisfied, Term{}
	case 1:
		return statusAlmostSatisfied, last
	default:
		return statusNone, Term{}
	}
}

// combine resolves a and b on pivot, the standard CDCL resolution step
// generalized to interval terms: the pivot's two term ranges are merged by
// union (the resolvent must admit whichever range the eliminated package
// could actually have occupied when either incompatibility fired), while
// every other shared package's terms combine by intersection, since they
// are ordinary conjuncts of the new clause. A pivot term that unions to
// Any() is dropped as vacuously true.
func combine(a, b *Incompatibility, pivot string) *Incompatibility {
	terms := make(map[string]Term)

	var order []string

	add := func(t Term) {
		if existing, ok := terms[t.Package]; ok {
			terms[t.Package] = Term{Package: t.Package, Range: version.Intersect(existing.Range, t.Range)}

			return
		}

		terms[t.Package] = t
		order = append(order, t.Package)
	}

	var aPivot, bPivot Term

	haveA, haveB := false, false

	for _, t := range a.Terms {
		if t.Package == pivot {
			aPivot, haveA = t, true

			continue
		}

		add(t)
	}

	for _, t := range b.Terms {
		if t.Package == pivot {
			bPivot, haveB = t, true

			continue
		}

		add(t)
	}

	if haveA && haveB {
		merged := version.Union(aPivot.Range, bPivot.Range)
		if !merged.IsAny() {
			add(Term{Package: pivot, Range: merged})
		}
	}

	out := make([]Term, 0, len(order))
	for _, pkg := range order {
		out = append(out, terms[pkg])
	}

	return &Incompatibility{Kind: KindDerived, Terms: out, Cause1: a, Cause2: b}
}

// resolveConflict is the learning step of the search: given an
// Incompatibility the partial solution already satisfies (a real conflict),
// it walks backward through the term whose satisfying assignment is most
// recent, resolving it against that assignment's own cause until either the
// learned incompatibility can be backjumped to a strictly earlier decision
// level, or it has been reduced to the empty clause — the minimal
// unsatisfiable core, and an unconditional failure.
func resolveConflict(ps *PartialSolution, incompat *Incompatibility) (*Incompatibility, int, bool) {
	current := incompat

	for {
		if len(current.Terms) == 0 {
			return current, 0, true
		}

		type satInfo struct {
			term Term
			idx  int
			a    Assignment
		}

		sats := make([]satInfo, len(current.Terms))

		for i, t := range current.Terms {
			a, idx := ps.satisfier(t)
			sats[i] = satInfo{term: t, idx: idx, a: a}
		}

		mostRecentI := 0

		for i := 1; i < len(sats); i++ {
			if sats[i].idx > sats[mostRecentI].idx {
				mostRecentI = i
			}
		}

		mostRecent := sats[mostRecentI]

		previousLevel := 0

		for i, s := range sats {
			if i == mostRecentI {
				continue
			}

			if s.a.DecisionLevel > previousLevel {
				previousLevel = s.a.DecisionLevel
			}
		}

		if mostRecent.a.Kind == kindDecision {
			// A decision has no cause to resolve against. Decision level 0
			// is reserved for the pre-decided python baseline, which is
			// never retried, so a conflict that bottoms out there has
			// nothing left to backjump to: it is the minimal unsatisfiable
			// core in substance even though its Terms aren't literally
			// empty.
			if mostRecent.a.DecisionLevel == 0 {
				return current, 0, true
			}

			return current, previousLevel, false
		}

		if previousLevel < mostRecent.a.DecisionLevel {
			return current, previousLevel, false
		}

		current = combine(current, mostRecent.a.Cause, mostRecent.term.Package)
	}
}

// ExplanationLine is one node of the rendered derivation tree: a statement
// that may reference earlier lines by number instead of restating their
// text, so a conflict reached through a shared sub-derivation is only
// explained once.
type ExplanationLine struct {
	ID   int
	Text string
}

// Explanation is the minimal unsatisfiable core resolveConflict produced,
// rendered as a numbered derivation tree rather than a single linear
// requirement chain.
type Explanation struct {
	Lines []ExplanationLine
}

func (e *Explanation) Error() string {
	if len(e.Lines) == 0 {
		return "no compatible set of package versions exists"
	}

	msg := ""

	for i, l := range e.Lines {
		if i > 0 {
			msg += "; "
		}

		msg += fmt.Sprintf("(%d) %s", l.ID, l.Text)
	}

	return msg
}

// buildExplanation linearizes the derivation DAG rooted at core (the
// incompatibility resolveConflict returned as the minimal unsatisfiable
// core) into an Explanation, numbering each distinct Derived node the first
// time it is visited and referencing it by number thereafter.
func buildExplanation(core *Incompatibility) *Explanation {
	ids := make(map[*Incompatibility]int)

	var lines []ExplanationLine

	var walk func(inc *Incompatibility) string

	walk = func(inc *Incompatibility) string {
		if id, ok := ids[inc]; ok {
			return fmt.Sprintf("line (%d)", id)
		}

		if inc.Kind != KindDerived {
			return describeIncompat(inc)
		}

		left := walk(inc.Cause1)
		right := walk(inc.Cause2)

		id := len(lines) + 1
		ids[inc] = id

		text := fmt.Sprintf("because %s and %s: %s", left, right, describeIncompat(inc))
		lines = append(lines, ExplanationLine{ID: id, Text: text})

		return fmt.Sprintf("line (%d)", id)
	}

	walk(core)

	if len(lines) == 0 {
		// core was itself a leaf (e.g. a bare KindNoVersions): give it a
		// single explanation line so the tree is never empty.
		lines = append(lines, ExplanationLine{ID: 1, Text: describeIncompat(core)})
	}

	return &Explanation{Lines: lines}
}
