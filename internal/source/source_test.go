package source_test

import (
	"testing"

	"github.com/bilusteknoloji/pipg/internal/source"
)

func TestParsePriority(t *testing.T) {
	tests := map[string]source.Priority{
		"primary":      source.PriorityPrimary,
		"default":      source.PriorityPrimary,
		"secondary":    source.PrioritySecondary,
		"supplemental": source.PrioritySupplemental,
		"explicit":     source.PriorityExplicit,
	}

	for in, want := range tests {
		got, err := source.ParsePriority(in)
		if err != nil {
			t.Fatalf("ParsePriority(%q): %v", in, err)
		}

		if got != want {
			t.Errorf("ParsePriority(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := source.ParsePriority("bogus"); err == nil {
		t.Fatal("expected error for unknown priority")
	}
}

func TestConsultOrder(t *testing.T) {
	descs := []source.Descriptor{
		{Name: "supp", Priority: source.PrioritySupplemental},
		{Name: "sec", Priority: source.PrioritySecondary},
		{Name: "corp", Priority: source.PriorityPrimary},
		{Name: "explicit", Priority: source.PriorityExplicit},
		{Name: "sec2", Priority: source.PrioritySecondary},
	}

	ordered := source.ConsultOrder(descs)

	want := []string{"corp", "pypi", "sec", "sec2", "supp"}
	if len(ordered) != len(want) {
		t.Fatalf("ConsultOrder returned %d entries, want %d", len(ordered), len(want))
	}

	for i, name := range want {
		if ordered[i].Name != name {
			t.Errorf("ordered[%d].Name = %q, want %q", i, ordered[i].Name, name)
		}
	}
}

func TestConsultOrderDeclaredDefaultNotDuplicated(t *testing.T) {
	descs := []source.Descriptor{
		{Name: "pypi", Priority: source.PrioritySecondary},
		{Name: "corp", Priority: source.PriorityPrimary},
	}

	ordered := source.ConsultOrder(descs)

	want := []string{"corp", "pypi"}
	if len(ordered) != len(want) {
		t.Fatalf("ConsultOrder returned %d entries, want %d", len(ordered), len(want))
	}

	for i, name := range want {
		if ordered[i].Name != name {
			t.Errorf("ordered[%d].Name = %q, want %q", i, ordered[i].Name, name)
		}
	}
}

func TestResolveFindsExplicit(t *testing.T) {
	descs := []source.Descriptor{
		{Name: "internal-mirror", Priority: source.PriorityExplicit},
	}

	d, ok := source.Resolve(descs, "internal-mirror")
	if !ok {
		t.Fatal("expected to resolve explicit source by name")
	}

	if d.Priority != source.PriorityExplicit {
		t.Errorf("Priority = %v, want PriorityExplicit", d.Priority)
	}

	if _, ok := source.Resolve(descs, "missing"); ok {
		t.Error("expected Resolve to fail for unknown name")
	}
}
