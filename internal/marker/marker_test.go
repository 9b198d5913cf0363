package marker_test

import (
	"errors"
	"testing"

	"github.com/bilusteknoloji/pipg/internal/marker"
	"github.com/bilusteknoloji/pipg/internal/version"
)

func env39() marker.Environment {
	return marker.Environment{
		PythonVersion:     "3.9",
		PythonFullVersion: "3.9.1",
		SysPlatform:       "linux",
		OSName:            "posix",
	}
}

func mustParse(t *testing.T, s string) marker.Marker {
	t.Helper()

	m, err := marker.Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q): %v", s, err)
	}

	return m
}

func TestEvalEmptyIsAlwaysTrue(t *testing.T) {
	m := mustParse(t, "")

	ok, err := m.Eval(env39())
	if err != nil || !ok {
		t.Fatalf("empty marker: got (%v, %v), want (true, nil)", ok, err)
	}
}

func TestEvalSimpleComparison(t *testing.T) {
	tests := []struct {
		expr string
		want bool
	}{
		{`python_version < "3.10"`, true},
		{`python_version >= "3.10"`, false},
		{`python_version == "3.9"`, true},
		{`sys_platform == "darwin"`, false},
		{`sys_platform != "darwin"`, true},
	}

	for _, tt := range tests {
		m := mustParse(t, tt.expr)

		got, err := m.Eval(env39())
		if err != nil {
			t.Fatalf("Eval(%q): %v", tt.expr, err)
		}

		if got != tt.want {
			t.Errorf("Eval(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestFromVersionConstraintRoundTrips(t *testing.T) {
	c, err := version.ParseConstraint("^2.7")
	if err != nil {
		t.Fatalf("ParseConstraint: %v", err)
	}

	m := marker.FromVersionConstraint("python_version", c)

	// The rendered form must re-parse (it is what a lock file records) and
	// evaluate identically to the constraint it lowered from.
	reparsed := mustParse(t, m.String())

	for pyVer, want := range map[string]bool{"2.7": true, "2.9": true, "3.9": false, "2.6": false} {
		env := marker.Environment{PythonVersion: pyVer}

		direct, err := m.Eval(env)
		if err != nil {
			t.Fatalf("Eval direct at %s: %v", pyVer, err)
		}

		round, err := reparsed.Eval(env)
		if err != nil {
			t.Fatalf("Eval reparsed at %s: %v", pyVer, err)
		}

		if direct != want || round != want {
			t.Errorf("python %s: direct=%v reparsed=%v, want %v", pyVer, direct, round, want)
		}
	}
}

func TestEvalAndOr(t *testing.T) {
	m := mustParse(t, `python_version >= "3.8" and sys_platform == "linux"`)

	got, err := m.Eval(env39())
	if err != nil || !got {
		t.Fatalf("and-marker: got (%v, %v), want (true, nil)", got, err)
	}

	m2 := mustParse(t, `sys_platform == "darwin" or os_name == "posix"`)

	got2, err := m2.Eval(env39())
	if err != nil || !got2 {
		t.Fatalf("or-marker: got (%v, %v), want (true, nil)", got2, err)
	}
}

func TestEvalParentheses(t *testing.T) {
	m := mustParse(t, `(python_version < "3.0") or (sys_platform == "linux" and os_name == "posix")`)

	got, err := m.Eval(env39())
	if err != nil || !got {
		t.Fatalf("parenthesized marker: got (%v, %v), want (true, nil)", got, err)
	}
}

func TestEvalExtra(t *testing.T) {
	m := mustParse(t, `extra == "security"`)

	env := env39()
	env.Extras = map[string]bool{"security": true}

	got, err := m.Eval(env)
	if err != nil || !got {
		t.Fatalf("extra marker with active extra: got (%v, %v), want (true, nil)", got, err)
	}

	env.Extras = nil

	got2, err := m.Eval(env)
	if err != nil || got2 {
		t.Fatalf("extra marker without active extra: got (%v, %v), want (false, nil)", got2, err)
	}
}

func TestEvalUnknownVariable(t *testing.T) {
	m := mustParse(t, `platform_abi == "foo"`)

	_, err := m.Eval(env39())
	if !errors.Is(err, marker.ErrUnknownMarker) {
		t.Fatalf("expected ErrUnknownMarker, got %v", err)
	}
}

func TestConjoin(t *testing.T) {
	a := mustParse(t, `python_version >= "3.8"`)
	b := mustParse(t, `sys_platform == "linux"`)

	joined := marker.Conjoin(a, b)

	got, err := joined.Eval(env39())
	if err != nil || !got {
		t.Fatalf("Conjoin: got (%v, %v), want (true, nil)", got, err)
	}
}

func TestSubstituteExtra(t *testing.T) {
	m := mustParse(t, `extra == "security"`)

	substituted := marker.SubstituteExtra(m, "security")

	got, err := substituted.Eval(marker.Environment{})
	if err != nil || !got {
		t.Fatalf("SubstituteExtra matching: got (%v, %v), want (true, nil)", got, err)
	}

	substituted2 := marker.SubstituteExtra(m, "other")

	got2, err := substituted2.Eval(marker.Environment{})
	if err != nil || got2 {
		t.Fatalf("SubstituteExtra non-matching: got (%v, %v), want (false, nil)", got2, err)
	}
}

func TestInvalidMarker(t *testing.T) {
	if _, err := marker.Parse(`python_version <`); err == nil {
		t.Fatal("expected parse error for truncated marker")
	}
}
