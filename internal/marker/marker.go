// Package marker implements PEP 508 environment marker parsing and
// evaluation: a small expression language whose truth value selects which
// dependencies apply to a target interpreter/platform tuple.
//
// The grammar (from PEP 508, as pip itself actually implements it — the
// marker_or/marker_and productions below admit a flat chain of "or"/"and"
// terms without requiring parentheses, matching real-world requirement
// strings):
//
//	expr     := and_expr ('or' and_expr)*
//	and_expr := atom ('and' atom)*
//	atom     := '(' expr ')' | term OP term
package marker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bilusteknoloji/pipg/internal/version"
)

// ErrInvalidMarker is returned when a marker string cannot be parsed.
var ErrInvalidMarker = errors.New("invalid marker")

// ErrUnknownMarker is returned by Eval when an atom references a variable
// name outside the recognized set.
var ErrUnknownMarker = errors.New("unknown marker variable")

// Variables recognized in marker atoms.
const (
	VarPythonVersion                = "python_version"
	VarPythonFullVersion            = "python_full_version"
	VarPlatformSystem               = "platform_system"
	VarPlatformMachine              = "platform_machine"
	VarSysPlatform                  = "sys_platform"
	VarImplementationName           = "implementation_name"
	VarImplementationVersion        = "implementation_version"
	VarPlatformRelease              = "platform_release"
	VarExtra                        = "extra"
	VarOSName                       = "os_name"
	VarPlatformPythonImplementation = "platform_python_implementation"
)

var knownVariables = map[string]bool{
	VarPythonVersion:                true,
	VarPythonFullVersion:            true,
	VarPlatformSystem:               true,
	VarPlatformMachine:              true,
	VarSysPlatform:                  true,
	VarImplementationName:           true,
	VarImplementationVersion:        true,
	VarPlatformRelease:              true,
	VarExtra:                        true,
	VarOSName:                       true,
	VarPlatformPythonImplementation: true,
}

// versionVariables compare under version ordering rather than as strings.
var versionVariables = map[string]bool{
	VarPythonVersion:     true,
	VarPythonFullVersion: true,
}

// Environment is the value set used to evaluate markers: every marker
// variable plus the currently active extra set.
type Environment struct {
	PythonVersion                string
	PythonFullVersion            string
	PlatformSystem               string
	PlatformMachine              string
	SysPlatform                  string
	ImplementationName           string
	ImplementationVersion        string
	PlatformRelease              string
	OSName                       string
	PlatformPythonImplementation string

	// Extras is the set of extra names activated for the dependency whose
	// marker is being evaluated.
	Extras map[string]bool
}

func (e Environment) lookup(name string) (string, bool) {
	switch name {
	case VarPythonVersion:
		return e.PythonVersion, true
	case VarPythonFullVersion:
		return e.PythonFullVersion, true
	case VarPlatformSystem:
		return e.PlatformSystem, true
	case VarPlatformMachine:
		return e.PlatformMachine, true
	case VarSysPlatform:
		return e.SysPlatform, true
	case VarImplementationName:
		return e.ImplementationName, true
	case VarImplementationVersion:
		return e.ImplementationVersion, true
	case VarPlatformRelease:
		return e.PlatformRelease, true
	case VarOSName:
		return e.OSName, true
	case VarPlatformPythonImplementation:
		return e.PlatformPythonImplementation, true
	default:
		return "", false
	}
}

// HasExtra reports whether extra is active in e.
func (e Environment) HasExtra(extra string) bool {
	return e.Extras != nil && e.Extras[extra]
}

// Marker is a parsed PEP 508 environment marker expression.
type Marker interface {
	// Eval evaluates the marker against env. It returns ErrUnknownMarker if
	// the marker references a variable name not in the known set.
	Eval(env Environment) (bool, error)
	String() string
}

// Parse parses a PEP 508 marker expression.
func Parse(s string) (Marker, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return always{}, nil
	}

	p := &parser{input: s}

	m, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMarker, err)
	}

	p.skipSpace()

	if p.pos != len(p.input) {
		return nil, fmt.Errorf("%w: unexpected trailing input %q", ErrInvalidMarker, p.input[p.pos:])
	}

	return m, nil
}

// always is the marker that is unconditionally true; an absent or empty
// marker means the dependency applies everywhere.
type always struct{}

func (always) Eval(Environment) (bool, error) { return true, nil }
func (always) String() string                 { return "" }

// Conjoin returns the marker true exactly when both a and b are true.
func Conjoin(a, b Marker) Marker {
	if _, ok := a.(always); ok {
		return b
	}

	if _, ok := b.(always); ok {
		return a
	}

	return and{left: a, right: b}
}

// SubstituteExtra folds every `extra == "value"` atom in m to a constant,
// for resolver-time evaluation once the active extra is known.
func SubstituteExtra(m Marker, extraValue string) Marker {
	switch t := m.(type) {
	case and:
		return and{left: SubstituteExtra(t.left, extraValue), right: SubstituteExtra(t.right, extraValue)}
	case or:
		return or{left: SubstituteExtra(t.left, extraValue), right: SubstituteExtra(t.right, extraValue)}
	case cmp:
		if t.isExtraAtom() {
			matches := t.extraLiteral() == extraValue
			if t.op == opNotEqual {
				matches = !matches
			}

			return boolConst(matches)
		}

		return t
	default:
		return m
	}
}

// ReferencesExtra reports whether any atom of m tests the extra variable.
// Extra-gated edges are resolution-time choices, not environment conditions,
// so callers recording environment-conditional metadata skip them.
func ReferencesExtra(m Marker) bool {
	switch t := m.(type) {
	case and:
		return ReferencesExtra(t.left) || ReferencesExtra(t.right)
	case or:
		return ReferencesExtra(t.left) || ReferencesExtra(t.right)
	case cmp:
		return t.isExtraAtom()
	default:
		return false
	}
}

// FromVersionConstraint builds a marker that is true exactly when the named
// variable, parsed as a PEP 440 version, satisfies c. It lets manifest-level
// constraints (e.g. a project's `python = ">=3.9,<3.13"` requirement) lower
// directly to a marker atom without re-deriving constraint-clause parsing.
func FromVersionConstraint(varName string, c version.Constraint) Marker {
	return constraintTerm{varName: varName, c: c}
}

type constraintTerm struct {
	varName string
	c       version.Constraint
}

// String renders the term back into parseable marker syntax, so a lowered
// constraint recorded in a lock file round-trips through Parse: each
// interval of the constraint becomes an and-chain of comparisons, intervals
// joined by or.
func (t constraintTerm) String() string {
	s := t.c.String()
	if s == "" || s == "<empty>" {
		return ""
	}

	orParts := strings.Split(s, " || ")
	rendered := make([]string, 0, len(orParts))

	for _, part := range orParts {
		clauses := strings.Split(part, ",")
		sub := make([]string, 0, len(clauses))

		for _, cl := range clauses {
			op, bound := splitComparison(cl)
			if op == "" {
				continue
			}

			sub = append(sub, fmt.Sprintf("%s %s %q", t.varName, op, bound))
		}

		rendered = append(rendered, strings.Join(sub, " and "))
	}

	if len(rendered) == 1 {
		return rendered[0]
	}

	return "(" + strings.Join(rendered, ") or (") + ")"
}

func splitComparison(clause string) (op, bound string) {
	for _, o := range []string{">=", "<=", "==", "!=", ">", "<"} {
		if rest, ok := strings.CutPrefix(clause, o); ok {
			return o, rest
		}
	}

	return "", clause
}

func (t constraintTerm) Eval(env Environment) (bool, error) {
	val, ok := env.lookup(t.varName)
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownMarker, t.varName)
	}

	v, err := version.Parse(val)
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q is not a version: %v", ErrInvalidMarker, t.varName, val, err)
	}

	return t.c.Satisfies(v), nil
}

type boolConst bool

func (b boolConst) Eval(Environment) (bool, error) { return bool(b), nil }
func (b boolConst) String() string {
	if b {
		return "true"
	}

	return "false"
}

type and struct{ left, right Marker }

func (a and) String() string { return fmt.Sprintf("(%s and %s)", a.left, a.right) }

func (a and) Eval(env Environment) (bool, error) {
	l, err := a.left.Eval(env)
	if err != nil {
		return false, err
	}

	if !l {
		return false, nil
	}

	return a.right.Eval(env)
}

type or struct{ left, right Marker }

func (o or) String() string { return fmt.Sprintf("(%s or %s)", o.left, o.right) }

func (o or) Eval(env Environment) (bool, error) {
	l, err := o.left.Eval(env)
	if err != nil {
		return false, err
	}

	if l {
		return true, nil
	}

	return o.right.Eval(env)
}

type op byte

const (
	opEqual op = iota
	opNotEqual
	opLess
	opLessEqual
	opGreater
	opGreaterEqual
	opIn
	opNotIn
)

func (o op) String() string {
	switch o {
	case opEqual:
		return "=="
	case opNotEqual:
		return "!="
	case opLess:
		return "<"
	case opLessEqual:
		return "<="
	case opGreater:
		return ">"
	case opGreaterEqual:
		return ">="
	case opIn:
		return "in"
	case opNotIn:
		return "not in"
	default:
		return "?"
	}
}

// term is one side of a comparison: either a known variable name or a
// literal string.
type term struct {
	varName string // empty if this is a literal
	literal string
}

func (t term) String() string {
	if t.varName != "" {
		return t.varName
	}

	return fmt.Sprintf("%q", t.literal)
}

// cmp is a single `term OP term` atom.
type cmp struct {
	left, right term
	op          op
}

func (c cmp) String() string { return fmt.Sprintf("%s %s %s", c.left, c.op, c.right) }

func (c cmp) isExtraAtom() bool {
	return c.left.varName == VarExtra || c.right.varName == VarExtra
}

func (c cmp) extraLiteral() string {
	if c.left.varName == VarExtra {
		return c.right.literal
	}

	return c.left.literal
}

func (c cmp) resolve(env Environment) (left, right string, isExtra bool, err error) {
	left, err = c.resolveTerm(c.left, env)
	if err != nil {
		return "", "", false, err
	}

	right, err = c.resolveTerm(c.right, env)
	if err != nil {
		return "", "", false, err
	}

	return left, right, c.isExtraAtom(), nil
}

func (c cmp) resolveTerm(t term, env Environment) (string, error) {
	if t.varName == "" {
		return t.literal, nil
	}

	if t.varName == VarExtra {
		return "", nil
	}

	if !knownVariables[t.varName] {
		return "", fmt.Errorf("%w: %q", ErrUnknownMarker, t.varName)
	}

	v, ok := env.lookup(t.varName)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownMarker, t.varName)
	}

	return v, nil
}

func (c cmp) Eval(env Environment) (bool, error) {
	left, right, isExtra, err := c.resolve(env)
	if err != nil {
		return false, err
	}

	if isExtra {
		extraName := left
		if c.left.varName == VarExtra {
			extraName = right
		}

		has := env.HasExtra(extraName)
		if c.op == opNotEqual {
			return !has, nil
		}

		return has, nil
	}

	if versionVariables[c.left.varName] || versionVariables[c.right.varName] {
		if ok, result, verr := c.evalVersion(left, right); ok {
			return result, verr
		}
	}

	return c.evalString(left, right), nil
}

func (c cmp) evalVersion(left, right string) (handled bool, result bool, err error) {
	lv, lerr := version.Parse(left)
	rv, rerr := version.Parse(right)

	if lerr != nil || rerr != nil {
		return false, false, nil
	}

	cmpResult := version.Compare(lv, rv)

	switch c.op {
	case opEqual:
		return true, cmpResult == 0, nil
	case opNotEqual:
		return true, cmpResult != 0, nil
	case opLess:
		return true, cmpResult < 0, nil
	case opLessEqual:
		return true, cmpResult <= 0, nil
	case opGreater:
		return true, cmpResult > 0, nil
	case opGreaterEqual:
		return true, cmpResult >= 0, nil
	default:
		return false, false, nil
	}
}

func (c cmp) evalString(left, right string) bool {
	switch c.op {
	case opEqual:
		return left == right
	case opNotEqual:
		return left != right
	case opLess:
		return left < right
	case opLessEqual:
		return left <= right
	case opGreater:
		return left > right
	case opGreaterEqual:
		return left >= right
	case opIn:
		return strings.Contains(right, left)
	case opNotIn:
		return !strings.Contains(right, left)
	default:
		return false
	}
}
