package version_test

import (
	"testing"

	"github.com/bilusteknoloji/pipg/internal/version"
)

func mustConstraint(t *testing.T, s string) version.Constraint {
	t.Helper()

	c, err := version.ParseConstraint(s)
	if err != nil {
		t.Fatalf("ParseConstraint(%q): %v", s, err)
	}

	return c
}

func TestSatisfiesBasicOperators(t *testing.T) {
	tests := []struct {
		constraint string
		version    string
		want       bool
	}{
		{">=1.0,<2.0", "1.5.0", true},
		{">=1.0,<2.0", "2.0.0", false},
		{">=1.0,<=2.0", "2.0.0", true},
		{"==1.2.3", "1.2.3", true},
		{"==1.2.3", "1.2.4", false},
		{"!=1.2.3", "1.2.3", false},
		{"!=1.2.3", "1.2.4", true},
		{">1.0", "1.0.0", false},
		{">1.0", "1.0.1", true},
	}

	for _, tt := range tests {
		c := mustConstraint(t, tt.constraint)
		v := version.MustParse(tt.version)

		if got := c.Satisfies(v); got != tt.want {
			t.Errorf("%q.Satisfies(%q) = %v, want %v", tt.constraint, tt.version, got, tt.want)
		}
	}
}

func TestCaretDesugar(t *testing.T) {
	tests := []struct {
		caret   string
		inside  []string
		outside []string
	}{
		{"^1.2.3", []string{"1.2.3", "1.9.9"}, []string{"2.0.0", "1.2.2"}},
		{"^0.2.3", []string{"0.2.3", "0.2.9"}, []string{"0.3.0", "0.2.2"}},
		{"^0.0.3", []string{"0.0.3"}, []string{"0.0.4", "0.0.2"}},
		{"^0", []string{"0.0.0", "0.9.9"}, []string{"1.0.0"}},
	}

	for _, tt := range tests {
		c := mustConstraint(t, tt.caret)

		for _, in := range tt.inside {
			if !c.Satisfies(version.MustParse(in)) {
				t.Errorf("%s should satisfy %s", tt.caret, in)
			}
		}

		for _, out := range tt.outside {
			if c.Satisfies(version.MustParse(out)) {
				t.Errorf("%s should not satisfy %s", tt.caret, out)
			}
		}
	}
}

func TestTildeDesugar(t *testing.T) {
	tests := []struct {
		clause  string
		inside  []string
		outside []string
	}{
		// Tilde bumps the minor once one is given, however many segments
		// follow; with only a major it bumps the major.
		{"~1.2.3", []string{"1.2.3", "1.2.9"}, []string{"1.3.0", "1.2.2"}},
		{"~1.2", []string{"1.2.0", "1.2.9"}, []string{"1.3.0", "2.0.0"}},
		{"~1", []string{"1.0.0", "1.9.9"}, []string{"2.0.0", "0.9.0"}},
		// PEP 440 ~= bumps the second-to-last written segment instead, so
		// dropping the patch widens the range to the next major.
		{"~=1.2.3", []string{"1.2.3", "1.2.9"}, []string{"1.3.0"}},
		{"~=1.2", []string{"1.2.0", "1.9.9"}, []string{"2.0.0", "1.1.0"}},
	}

	for _, tt := range tests {
		c := mustConstraint(t, tt.clause)

		for _, in := range tt.inside {
			if !c.Satisfies(version.MustParse(in)) {
				t.Errorf("%s should satisfy %s", tt.clause, in)
			}
		}

		for _, out := range tt.outside {
			if c.Satisfies(version.MustParse(out)) {
				t.Errorf("%s should not satisfy %s", tt.clause, out)
			}
		}
	}

	if _, err := version.ParseConstraint("~=1"); err == nil {
		t.Error("~= with a single release segment should be rejected")
	}
}

func TestWildcardDesugar(t *testing.T) {
	c := mustConstraint(t, "==1.2.*")

	if !c.Satisfies(version.MustParse("1.2.99")) {
		t.Error("1.2.* should satisfy 1.2.99")
	}

	if c.Satisfies(version.MustParse("1.3.0")) {
		t.Error("1.2.* should not satisfy 1.3.0")
	}
}

func TestIntersectIdempotent(t *testing.T) {
	c := mustConstraint(t, ">=1.0,<2.0")

	if got := version.Intersect(c, version.Any()); got.String() != c.String() {
		t.Errorf("intersect with Any changed constraint: %s != %s", got, c)
	}

	if got := version.Intersect(c, c); got.String() != c.String() {
		t.Errorf("intersect with self not idempotent: %s != %s", got, c)
	}
}

func TestIntersectMatchesConjunction(t *testing.T) {
	c1 := mustConstraint(t, ">=1.0")
	c2 := mustConstraint(t, "<2.0")
	joint := version.Intersect(c1, c2)

	versions := []string{"0.5.0", "1.0.0", "1.5.0", "2.0.0", "2.5.0"}
	for _, vs := range versions {
		v := version.MustParse(vs)
		want := c1.Satisfies(v) && c2.Satisfies(v)

		if got := joint.Satisfies(v); got != want {
			t.Errorf("Intersect(%v) at %s = %v, want %v", joint, vs, got, want)
		}
	}
}

func TestIntersectEmpty(t *testing.T) {
	c1 := mustConstraint(t, ">=2.0")
	c2 := mustConstraint(t, "<1.0")

	got := version.Intersect(c1, c2)
	if !got.IsEmpty() {
		t.Errorf("expected empty intersection, got %s", got)
	}
}

func TestSatisfiesStableOnly(t *testing.T) {
	c := mustConstraint(t, ">=1.0")

	pre := version.MustParse("2.0.0a1")
	if c.SatisfiesStableOnly(pre) {
		t.Error("SatisfiesStableOnly should reject pre-releases")
	}

	if !c.SatisfiesAny(pre) {
		t.Error("SatisfiesAny should accept a pre-release matching the range")
	}
}
