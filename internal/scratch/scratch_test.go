package scratch_test

import (
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/bilusteknoloji/pipg/internal/scratch"
)

func TestOpenCreatesDirectory(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "scratch")

	d, err := scratch.Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = d.Close() }()

	if d.Path() != root {
		t.Errorf("Path() = %q, want %q", d.Path(), root)
	}
}

func TestOpenRejectsSecondHolder(t *testing.T) {
	root := t.TempDir()

	first, err := scratch.Open(root)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	defer func() { _ = first.Close() }()

	_, err = scratch.Open(root)
	if !errors.Is(err, scratch.ErrLocked) {
		t.Fatalf("expected ErrLocked for second concurrent Open, got %v", err)
	}
}

func TestOpenAfterCloseSucceeds(t *testing.T) {
	root := t.TempDir()

	first, err := scratch.Open(root)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := scratch.Open(root)
	if err != nil {
		t.Fatalf("second Open after close: %v", err)
	}
	defer func() { _ = second.Close() }()
}

func TestWriteFileThenOpenFile(t *testing.T) {
	d, err := scratch.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = d.Close() }()

	if err := d.WriteFile("metadata.json", []byte(`{"name":"flask"}`)); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	r, err := d.OpenFile("metadata.json")
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer func() { _ = r.Close() }()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}

	if string(got) != `{"name":"flask"}` {
		t.Errorf("got %q", got)
	}
}
