package dependency_test

import (
	"testing"

	"github.com/bilusteknoloji/pipg/internal/dependency"
	"github.com/bilusteknoloji/pipg/internal/marker"
	"github.com/bilusteknoloji/pipg/internal/version"
)

func TestNormalizeName(t *testing.T) {
	tests := map[string]string{
		"Flask":        "flask",
		"oslo.utils":   "oslo-utils",
		"oslo_i18n":    "oslo-i18n",
		"A..B__C--D":   "a-b-c-d",
		"already-norm": "already-norm",
	}

	for in, want := range tests {
		if got := dependency.NormalizeName(in); got != want {
			t.Errorf("NormalizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseStringBasic(t *testing.T) {
	d, err := dependency.ParseString("Flask>=2.0,<3.0")
	if err != nil {
		t.Fatalf("ParseString: %v", err)
	}

	if d.Name != "flask" {
		t.Errorf("Name = %q, want flask", d.Name)
	}

	if d.Source.Kind != dependency.SourceIndex {
		t.Errorf("Source.Kind = %v, want SourceIndex", d.Source.Kind)
	}

	if !d.Constraint.Satisfies(version.MustParse("2.5")) {
		t.Error("constraint should satisfy 2.5")
	}

	if d.Constraint.Satisfies(version.MustParse("3.0")) {
		t.Error("constraint should not satisfy 3.0")
	}
}

func TestParseStringExtrasAndMarker(t *testing.T) {
	d, err := dependency.ParseString(`requests[security,socks]>=2.0; python_version < "3.12"`)
	if err != nil {
		t.Fatalf("ParseString: %v", err)
	}

	if len(d.Extras) != 2 || d.Extras[0] != "security" || d.Extras[1] != "socks" {
		t.Errorf("Extras = %v, want [security socks]", d.Extras)
	}

	env := marker.Environment{PythonVersion: "3.11"}

	ok, err := d.Markers.Eval(env)
	if err != nil || !ok {
		t.Fatalf("marker eval: got (%v, %v), want (true, nil)", ok, err)
	}
}

func TestParseStringNoName(t *testing.T) {
	if _, err := dependency.ParseString(">=1.0"); err == nil {
		t.Fatal("expected error for missing package name")
	}
}

func TestLowerPythonMarker(t *testing.T) {
	m, err := dependency.LowerPythonMarker(">=3.9,<3.13")
	if err != nil {
		t.Fatalf("LowerPythonMarker: %v", err)
	}

	ok, err := m.Eval(marker.Environment{PythonVersion: "3.10"})
	if err != nil || !ok {
		t.Fatalf("Eval 3.10: got (%v, %v), want (true, nil)", ok, err)
	}

	ok2, err := m.Eval(marker.Environment{PythonVersion: "3.13"})
	if err != nil || ok2 {
		t.Fatalf("Eval 3.13: got (%v, %v), want (false, nil)", ok2, err)
	}
}

func TestLowerPlatformMarker(t *testing.T) {
	m := dependency.LowerPlatformMarker("linux")

	ok, err := m.Eval(marker.Environment{SysPlatform: "linux"})
	if err != nil || !ok {
		t.Fatalf("Eval linux: got (%v, %v), want (true, nil)", ok, err)
	}

	ok2, err := m.Eval(marker.Environment{SysPlatform: "darwin"})
	if err != nil || ok2 {
		t.Fatalf("Eval darwin: got (%v, %v), want (false, nil)", ok2, err)
	}
}

func TestSourceCandidateKey(t *testing.T) {
	tests := []struct {
		name string
		src  dependency.Source
		want string
	}{
		{"git", dependency.Source{Kind: dependency.SourceGit, GitURL: "https://example.com/x.git", GitRef: "main"}, "git:https://example.com/x.git@main"},
		{"path-dir", dependency.Source{Kind: dependency.SourcePath, PathDir: "./lib"}, "path:./lib"},
		{"url", dependency.Source{Kind: dependency.SourceURL, ArchiveURL: "https://example.com/x.tar.gz"}, "url:https://example.com/x.tar.gz"},
		{"index", dependency.Source{Kind: dependency.SourceIndex}, ""},
	}

	for _, tt := range tests {
		if got := tt.src.CandidateKey(); got != tt.want {
			t.Errorf("%s: CandidateKey() = %q, want %q", tt.name, got, tt.want)
		}
	}
}
