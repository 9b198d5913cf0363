package version

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidConstraint is returned when a constraint string cannot be parsed.
var ErrInvalidConstraint = errors.New("invalid constraint")

// edge is one endpoint of an interval. A nil Value means unbounded in that
// direction.
type edge struct {
	Value     *Version
	Inclusive bool
}

func unbounded() edge { return edge{} }

func inclusiveEdge(v Version) edge { return edge{Value: &v, Inclusive: true} }
func exclusiveEdge(v Version) edge { return edge{Value: &v, Inclusive: false} }

// interval is a single contiguous, possibly unbounded, range of versions.
type interval struct {
	Low, High edge
}

func (iv interval) contains(v Version) bool {
	if iv.Low.Value != nil {
		c := Compare(v, *iv.Low.Value)
		if c < 0 || (c == 0 && !iv.Low.Inclusive) {
			return false
		}
	}

	if iv.High.Value != nil {
		c := Compare(v, *iv.High.Value)
		if c > 0 || (c == 0 && !iv.High.Inclusive) {
			return false
		}
	}

	return true
}

// Constraint is a normalized union of disjoint, version-ordered intervals,
// so that emptiness is syntactic (no intervals) and intersection is a
// sweep-merge.
type Constraint struct {
	intervals []interval
}

// Any is the constraint matching every version.
func Any() Constraint {
	return Constraint{intervals: []interval{{Low: unbounded(), High: unbounded()}}}
}

// Empty is the constraint matching no version.
func Empty() Constraint {
	return Constraint{}
}

// IsAny reports whether c matches every version.
func (c Constraint) IsAny() bool {
	return len(c.intervals) == 1 && c.intervals[0].Low.Value == nil && c.intervals[0].High.Value == nil
}

// IsEmpty reports whether c matches no version.
func (c Constraint) IsEmpty() bool {
	return len(c.intervals) == 0
}

// Satisfies reports whether v lies in one of c's intervals.
func (c Constraint) Satisfies(v Version) bool {
	for _, iv := range c.intervals {
		if iv.contains(v) {
			return true
		}
	}

	return false
}

// SatisfiesStableOnly is Satisfies but rejects pre-release versions. Callers
// use this by default; the resolver opts into SatisfiesAny only once the
// stable search space is exhausted.
func (c Constraint) SatisfiesStableOnly(v Version) bool {
	if v.IsPreRelease() {
		return false
	}

	return c.Satisfies(v)
}

// SatisfiesAny is an alias for Satisfies, named to make call sites that
// intentionally allow pre-releases self-documenting.
func (c Constraint) SatisfiesAny(v Version) bool {
	return c.Satisfies(v)
}

// String renders c back to specifier form: each interval comma-joined, and
// the intervals of a union joined with " || " (a "!=" clause appears as the
// two ranges on either side of the excluded version). This is diagnostic
// output, not guaranteed to round-trip the original clause text.
func (c Constraint) String() string {
	if c.IsAny() {
		return ""
	}

	if c.IsEmpty() {
		return "<empty>"
	}

	parts := make([]string, 0, len(c.intervals))

	for _, iv := range c.intervals {
		parts = append(parts, intervalString(iv))
	}

	return strings.Join(parts, " || ")
}

func intervalString(iv interval) string {
	switch {
	case iv.Low.Value != nil && iv.High.Value != nil && Equal(*iv.Low.Value, *iv.High.Value) && iv.Low.Inclusive && iv.High.Inclusive:
		return "==" + iv.Low.Value.String()
	case iv.Low.Value == nil && iv.High.Value == nil:
		return ""
	}

	var b []string
	if iv.Low.Value != nil {
		op := ">"
		if iv.Low.Inclusive {
			op = ">="
		}

		b = append(b, op+iv.Low.Value.String())
	}

	if iv.High.Value != nil {
		op := "<"
		if iv.High.Inclusive {
			op = "<="
		}

		b = append(b, op+iv.High.Value.String())
	}

	return strings.Join(b, ",")
}

// Intersect returns the constraint matching the versions satisfying both a
// and b, normalized and with empty results collapsed to Empty().
func Intersect(a, b Constraint) Constraint {
	var out []interval

	for _, x := range a.intervals {
		for _, y := range b.intervals {
			if iv, ok := intersectIntervals(x, y); ok {
				out = append(out, iv)
			}
		}
	}

	return normalize(out)
}

func intersectIntervals(a, b interval) (interval, bool) {
	low := maxEdge(a.Low, b.Low, true)
	high := minEdge(a.High, b.High, false)

	if low.Value != nil && high.Value != nil {
		c := Compare(*low.Value, *high.Value)
		if c > 0 || (c == 0 && !(low.Inclusive && high.Inclusive)) {
			return interval{}, false
		}
	}

	return interval{Low: low, High: high}, true
}

// maxEdge picks the tighter of two lower-bound edges (the one further from
// -inf). lower selects which direction "tighter" means.
func maxEdge(a, b edge, lower bool) edge {
	if a.Value == nil {
		return b
	}

	if b.Value == nil {
		return a
	}

	c := Compare(*a.Value, *b.Value)

	switch {
	case c > 0:
		return a
	case c < 0:
		return b
	default:
		if lower {
			// Lower bound: the more exclusive one wins (tighter).
			if !a.Inclusive || !b.Inclusive {
				return edge{Value: a.Value, Inclusive: false}
			}
		}

		return a
	}
}

// minEdge picks the tighter of two upper-bound edges (the one closer to
// -inf).
func minEdge(a, b edge, lower bool) edge {
	if a.Value == nil {
		return b
	}

	if b.Value == nil {
		return a
	}

	c := Compare(*a.Value, *b.Value)

	switch {
	case c < 0:
		return a
	case c > 0:
		return b
	default:
		if !a.Inclusive || !b.Inclusive {
			return edge{Value: a.Value, Inclusive: false}
		}

		return a
	}
}

// normalize sorts intervals and merges/drops overlapping or degenerate ones.
func normalize(intervals []interval) Constraint {
	var filtered []interval

	for _, iv := range intervals {
		if iv.Low.Value != nil && iv.High.Value != nil {
			c := Compare(*iv.Low.Value, *iv.High.Value)
			if c > 0 || (c == 0 && !(iv.Low.Inclusive && iv.High.Inclusive)) {
				continue
			}
		}

		filtered = append(filtered, iv)
	}

	sort.Slice(filtered, func(i, j int) bool {
		return lowLess(filtered[i].Low, filtered[j].Low)
	})

	var merged []interval

	for _, iv := range filtered {
		if len(merged) == 0 {
			merged = append(merged, iv)

			continue
		}

		last := &merged[len(merged)-1]
		if adjacentOrOverlapping(last.High, iv.Low) {
			if highLess(last.High, iv.High) {
				last.High = iv.High
			}

			continue
		}

		merged = append(merged, iv)
	}

	return Constraint{intervals: merged}
}

func lowLess(a, b edge) bool {
	if a.Value == nil {
		return b.Value != nil
	}

	if b.Value == nil {
		return false
	}

	c := Compare(*a.Value, *b.Value)
	if c != 0 {
		return c < 0
	}

	return a.Inclusive && !b.Inclusive
}

func highLess(a, b edge) bool {
	if a.Value == nil {
		return false
	}

	if b.Value == nil {
		return true
	}

	c := Compare(*a.Value, *b.Value)
	if c != 0 {
		return c < 0
	}

	return !a.Inclusive && b.Inclusive
}

func adjacentOrOverlapping(high, low edge) bool {
	if high.Value == nil || low.Value == nil {
		return true
	}

	c := Compare(*high.Value, *low.Value)
	if c > 0 {
		return true
	}

	if c == 0 {
		return high.Inclusive || low.Inclusive
	}

	return false
}

// ParseConstraint parses a comma-joined, conjunctive constraint expression
// containing ==, !=, <, <=, >, >=, ^, ~ and wildcard (x.*) clauses.
func ParseConstraint(s string) (Constraint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Any(), nil
	}

	result := Any()

	for _, clause := range splitClauses(s) {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}

		c, err := parseClause(clause)
		if err != nil {
			return Constraint{}, err
		}

		result = Intersect(result, c)
	}

	return result, nil
}

// splitClauses splits on commas, respecting parentheses (which some
// manifest-shaped specifiers wrap the whole expression in).
func splitClauses(s string) []string {
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, ")")

	return strings.Split(s, ",")
}

var clauseOps = []string{">=", "<=", "==", "!=", "~=", "~", "^", ">", "<"}

func parseClause(clause string) (Constraint, error) {
	clause = strings.TrimSpace(clause)

	for _, op := range clauseOps {
		if strings.HasPrefix(clause, op) {
			rest := strings.TrimSpace(clause[len(op):])

			return buildClause(op, rest)
		}
	}

	// A bare version string is treated as exact equality.
	v, err := Parse(clause)
	if err != nil {
		return Constraint{}, fmt.Errorf("%w: %q", ErrInvalidConstraint, clause)
	}

	return exact(v), nil
}

func buildClause(op, rest string) (Constraint, error) {
	switch op {
	case "==":
		if strings.HasSuffix(rest, ".*") {
			return wildcard(strings.TrimSuffix(rest, ".*"))
		}

		v, err := Parse(rest)
		if err != nil {
			return Constraint{}, fmt.Errorf("%w: %q", ErrInvalidConstraint, rest)
		}

		return exact(v), nil
	case "!=":
		if strings.HasSuffix(rest, ".*") {
			w, err := wildcard(strings.TrimSuffix(rest, ".*"))
			if err != nil {
				return Constraint{}, err
			}

			return Complement(w), nil
		}

		v, err := Parse(rest)
		if err != nil {
			return Constraint{}, fmt.Errorf("%w: %q", ErrInvalidConstraint, rest)
		}

		return Constraint{intervals: []interval{
			{Low: unbounded(), High: exclusiveEdge(v)},
			{Low: exclusiveEdge(v), High: unbounded()},
		}}, nil
	case ">=", "<=", ">", "<":
		v, err := Parse(rest)
		if err != nil {
			return Constraint{}, fmt.Errorf("%w: %q", ErrInvalidConstraint, rest)
		}

		return comparison(op, v), nil
	case "^":
		return caret(rest)
	case "~":
		return tilde(rest)
	case "~=":
		return compatibleRelease(rest)
	default:
		return Constraint{}, fmt.Errorf("%w: unknown operator %q", ErrInvalidConstraint, op)
	}
}

func exact(v Version) Constraint {
	return Constraint{intervals: []interval{{Low: inclusiveEdge(v), High: inclusiveEdge(v)}}}
}

func comparison(op string, v Version) Constraint {
	switch op {
	case ">=":
		return Constraint{intervals: []interval{{Low: inclusiveEdge(v), High: unbounded()}}}
	case "<=":
		return Constraint{intervals: []interval{{Low: unbounded(), High: inclusiveEdge(v)}}}
	case ">":
		return Constraint{intervals: []interval{{Low: exclusiveEdge(v), High: unbounded()}}}
	case "<":
		return Constraint{intervals: []interval{{Low: unbounded(), High: exclusiveEdge(v)}}}
	}

	return Empty()
}

// Complement returns the constraint matching every version not matched by c,
// the negation operation the resolver's incompatibility terms need to fold a
// "must not be in range" assertion into the same positive-range
// representation as every other term (internal/resolve.Term).
func Complement(c Constraint) Constraint {
	if len(c.intervals) == 0 {
		return Any()
	}

	var out []interval

	first := c.intervals[0]
	if first.Low.Value != nil {
		out = append(out, interval{Low: unbounded(), High: edge{Value: first.Low.Value, Inclusive: !first.Low.Inclusive}})
	}

	for i := 0; i < len(c.intervals)-1; i++ {
		hi := c.intervals[i].High
		lo := c.intervals[i+1].Low

		out = append(out, interval{
			Low:  edge{Value: hi.Value, Inclusive: !hi.Inclusive},
			High: edge{Value: lo.Value, Inclusive: !lo.Inclusive},
		})
	}

	last := c.intervals[len(c.intervals)-1]
	if last.High.Value != nil {
		out = append(out, interval{Low: edge{Value: last.High.Value, Inclusive: !last.High.Inclusive}, High: unbounded()})
	}

	return normalize(out)
}

// Equal reports whether c and other match exactly the same set of versions.
// Both sides are always products of normalize, so identical canonical
// interval lists is both necessary and sufficient.
func (c Constraint) Equal(other Constraint) bool {
	if len(c.intervals) != len(other.intervals) {
		return false
	}

	for i := range c.intervals {
		if !edgeEqual(c.intervals[i].Low, other.intervals[i].Low) || !edgeEqual(c.intervals[i].High, other.intervals[i].High) {
			return false
		}
	}

	return true
}

func edgeEqual(a, b edge) bool {
	if (a.Value == nil) != (b.Value == nil) {
		return false
	}

	if a.Value == nil {
		return true
	}

	return Equal(*a.Value, *b.Value) && a.Inclusive == b.Inclusive
}

// Subset reports whether every version satisfying c also satisfies other,
// i.e. other is at least as permissive as c.
func (c Constraint) Subset(other Constraint) bool {
	return Intersect(c, other).Equal(c)
}

// DisjointFrom reports whether no version satisfies both c and other.
func (c Constraint) DisjointFrom(other Constraint) bool {
	return Intersect(c, other).IsEmpty()
}

// Exact returns the constraint matching exactly v, the term-building
// primitive the resolver's incompatibilities use to assert "this package is
// decided at this version".
func Exact(v Version) Constraint {
	return exact(v)
}

// Union returns the constraint matching every version satisfying a or b,
// the join the resolver's conflict resolution needs when eliminating a
// shared term between two incompatibilities: the resolvent must admit
// whichever of the two ranges the eliminated package could have occupied.
func Union(a, b Constraint) Constraint {
	return normalize(append(append([]interval(nil), a.intervals...), b.intervals...))
}

// wildcard desugars "1.2.*" to >=1.2.0,<1.3.0 style bounds over the given
// release prefix (without the trailing ".*").
func wildcard(prefix string) (Constraint, error) {
	epoch, release, err := releaseTuple(prefix)
	if err != nil {
		return Constraint{}, err
	}

	lowStr := formatVersion(epoch, release)

	low, err := Parse(lowStr)
	if err != nil {
		return Constraint{}, err
	}

	highRelease := bumpedAt(release, len(release)-1)

	high, err := Parse(formatVersion(epoch, highRelease))
	if err != nil {
		return Constraint{}, err
	}

	return Constraint{intervals: []interval{{Low: inclusiveEdge(low), High: exclusiveEdge(high)}}}, nil
}

// caret desugars "^v" to the compatible-with-leading-nonzero range: the
// lower bound is v; the upper bound increments the first nonzero release
// component and zeroes the rest. "^0.0.x" collapses to "==0.0.x"; "^0" is
// ">=0.0.0,<1.0.0".
func caret(raw string) (Constraint, error) {
	epoch, release, err := releaseTuple(raw)
	if err != nil {
		return Constraint{}, err
	}

	low, err := Parse(raw)
	if err != nil {
		return Constraint{}, err
	}

	firstNonzero := -1

	for i, n := range release {
		if n != 0 {
			firstNonzero = i

			break
		}
	}

	// "^0.0.x" (leading major and minor both zero) pins exactly that
	// version: there is no compatible range below 0.1.
	if firstNonzero >= 2 {
		return exact(low), nil
	}

	if firstNonzero == -1 {
		// All-zero release (e.g. "^0", "^0.0.0", "^0.0.0.0"): if it has more
		// than one significant digit position it's an exact 0.0.x pin,
		// otherwise it is the full >=0.0.0,<1.0.0 range.
		if len(release) <= 1 {
			high, herr := Parse(formatVersion(epoch, bumpedAt(append(append([]int{}, release...), 0), 0)))
			if herr != nil {
				return Constraint{}, herr
			}

			return Constraint{intervals: []interval{{Low: inclusiveEdge(low), High: exclusiveEdge(high)}}}, nil
		}

		return exact(low), nil
	}

	high, err := Parse(formatVersion(epoch, bumpedAt(release, firstNonzero)))
	if err != nil {
		return Constraint{}, err
	}

	return Constraint{intervals: []interval{{Low: inclusiveEdge(low), High: exclusiveEdge(high)}}}, nil
}

// tilde desugars "~v" to the compatible-patch/minor range: once a minor is
// given, only patch-level changes are allowed, so the minor is bumped
// regardless of how many further segments follow. ~1.2.3 is >=1.2.3,<1.3.0;
// ~1.2 is >=1.2,<1.3; ~1 is >=1,<2.
func tilde(raw string) (Constraint, error) {
	epoch, release, err := releaseTuple(raw)
	if err != nil {
		return Constraint{}, err
	}

	low, err := Parse(raw)
	if err != nil {
		return Constraint{}, err
	}

	bumpIdx := 0
	if len(release) >= 2 {
		bumpIdx = 1
	}

	high, err := Parse(formatVersion(epoch, bumpedAt(release, bumpIdx)))
	if err != nil {
		return Constraint{}, err
	}

	return Constraint{intervals: []interval{{Low: inclusiveEdge(low), High: exclusiveEdge(high)}}}, nil
}

// compatibleRelease desugars PEP 440's "~=v", which bumps the second-to-last
// written release segment: ~=1.2.3 is >=1.2.3,<1.3.0, but ~=1.2 is
// >=1.2,<2.0 — unlike tilde, dropping the patch widens the range. A single
// release segment has no compatible prefix and is rejected.
func compatibleRelease(raw string) (Constraint, error) {
	epoch, release, err := releaseTuple(raw)
	if err != nil {
		return Constraint{}, err
	}

	if len(release) < 2 {
		return Constraint{}, fmt.Errorf("%w: ~= needs at least two release segments in %q", ErrInvalidConstraint, raw)
	}

	low, err := Parse(raw)
	if err != nil {
		return Constraint{}, err
	}

	high, err := Parse(formatVersion(epoch, bumpedAt(release, len(release)-2)))
	if err != nil {
		return Constraint{}, err
	}

	return Constraint{intervals: []interval{{Low: inclusiveEdge(low), High: exclusiveEdge(high)}}}, nil
}
