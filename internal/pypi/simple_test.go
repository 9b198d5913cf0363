package pypi_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bilusteknoloji/pipg/internal/pypi"
)

const projectPage = `<!DOCTYPE html>
<html>
  <head><title>Links for flask</title></head>
  <body>
    <h1>Links for flask</h1>
    <a href="https://files.example/flask-2.3.0-py3-none-any.whl#sha256=abc123" data-requires-python="&gt;=3.8">flask-2.3.0-py3-none-any.whl</a><br/>
    <a href="https://files.example/flask-2.3.0.tar.gz#sha256=def456">flask-2.3.0.tar.gz</a><br/>
    <a href="https://files.example/flask-3.0.0-py3-none-any.whl" data-yanked="broken release">flask-3.0.0-py3-none-any.whl</a><br/>
  </body>
</html>`

func TestSimpleGetLinks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/flask/" {
			http.NotFound(w, r)

			return
		}

		_, _ = w.Write([]byte(projectPage))
	}))
	defer srv.Close()

	c := pypi.NewSimple(srv.URL)

	links, err := c.GetLinks(context.Background(), "flask")
	if err != nil {
		t.Fatalf("GetLinks: %v", err)
	}

	if len(links) != 3 {
		t.Fatalf("got %d links, want 3", len(links))
	}

	first := links[0]
	if first.Filename != "flask-2.3.0-py3-none-any.whl" {
		t.Errorf("Filename = %q", first.Filename)
	}

	if first.SHA256 != "abc123" {
		t.Errorf("SHA256 = %q, want abc123", first.SHA256)
	}

	if first.RequiresPython != ">=3.8" {
		t.Errorf("RequiresPython = %q, want >=3.8", first.RequiresPython)
	}

	if !links[2].Yanked {
		t.Error("third link should carry data-yanked")
	}
}

func TestSimpleGetLinksNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such project", http.StatusNotFound)
	}))
	defer srv.Close()

	c := pypi.NewSimple(srv.URL)

	if _, err := c.GetLinks(context.Background(), "missing"); !errors.Is(err, pypi.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSimpleFlatPageFiltersByName(t *testing.T) {
	const flatPage = `<html><body>
<a href="/whl/torch-2.1.0-cp311-cp311-linux_x86_64.whl">torch-2.1.0-cp311-cp311-linux_x86_64.whl</a>
<a href="/whl/numpy-1.26.0-cp311-cp311-linux_x86_64.whl">numpy-1.26.0-cp311-cp311-linux_x86_64.whl</a>
</body></html>`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(flatPage))
	}))
	defer srv.Close()

	c := pypi.NewSimple(srv.URL, pypi.WithFlatPage())

	links, err := c.GetLinks(context.Background(), "torch")
	if err != nil {
		t.Fatalf("GetLinks: %v", err)
	}

	if len(links) != 1 || links[0].Filename != "torch-2.1.0-cp311-cp311-linux_x86_64.whl" {
		t.Fatalf("flat page filter returned %+v, want the single torch wheel", links)
	}
}

func TestSimpleGetLinksToleratesUnclosedMarkup(t *testing.T) {
	// Real simple pages frequently aren't well-formed XML; the scan keeps
	// whatever it collected before the parse gives out.
	const sloppy = `<html><body>
<a href="/pkg/demo-1.0.0.tar.gz">demo-1.0.0.tar.gz</a>
<br>
<a href="/pkg/demo-1.1.0.tar.gz">demo-1.1.0.tar.gz</a>`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(sloppy))
	}))
	defer srv.Close()

	c := pypi.NewSimple(srv.URL)

	links, err := c.GetLinks(context.Background(), "demo")
	if err != nil {
		t.Fatalf("GetLinks: %v", err)
	}

	if len(links) != 2 {
		t.Fatalf("got %d links, want 2", len(links))
	}
}
