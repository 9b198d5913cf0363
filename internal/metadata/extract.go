package metadata

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/pelletier/go-toml"

	"github.com/bilusteknoloji/pipg/internal/pypi"
)

// Extractor recovers a distribution's dependency list when an index's JSON
// response omits requires_dist, by downloading the best available file and
// reading its metadata directly. The fallback chain is: PKG-INFO/METADATA
// (wheel or sdist) -> a static [project.dependencies] table in
// pyproject.toml -> a restricted lexical scan of setup.py's
// install_requires= literal -> ErrMissingMetadata.
type Extractor struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewExtractor creates an Extractor with a bounded-timeout HTTP client.
func NewExtractor() *Extractor {
	return &Extractor{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     slog.Default(),
	}
}

// Extract downloads the best file for info (preferring a wheel, since
// METADATA there is static and trustworthy; falling back to the sdist) and
// runs the fallback chain over its contents.
func (e *Extractor) Extract(ctx context.Context, info *pypi.PackageInfo) ([]string, error) {
	files := make([]File, 0, len(info.URLs))

	for _, u := range info.URLs {
		if u.Yanked {
			continue
		}

		files = append(files, File{
			Filename:    u.Filename,
			URL:         u.URL,
			PackageType: u.PackageType,
		})
	}

	return e.ExtractFiles(ctx, files)
}

// ExtractFiles runs the same chain over an already-enumerated file list, the
// form a simple link-page candidate carries.
func (e *Extractor) ExtractFiles(ctx context.Context, files []File) ([]string, error) {
	f, isWheel, err := bestFile(files)
	if err != nil {
		return nil, err
	}

	body, err := e.fetch(ctx, f.URL)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", f.Filename, err)
	}

	if isWheel {
		return e.fromWheel(body)
	}

	return e.fromSdist(body)
}

func bestFile(files []File) (File, bool, error) {
	var sdist *File

	for i := range files {
		f := files[i]

		if f.PackageType == "bdist_wheel" {
			return f, true, nil
		}

		if f.PackageType == "sdist" && sdist == nil {
			sdist = &files[i]
		}
	}

	if sdist != nil {
		return *sdist, false, nil
	}

	return File{}, false, fmt.Errorf("%w: no downloadable files", ErrMissingMetadata)
}

func (e *Extractor) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	return io.ReadAll(resp.Body)
}

// fromWheel reads METADATA from a wheel (a zip archive) and parses its
// Requires-Dist headers.
func (e *Extractor) fromWheel(body []byte) ([]string, error) {
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, fmt.Errorf("opening wheel: %w", err)
	}

	for _, f := range zr.File {
		if !strings.HasSuffix(f.Name, "/METADATA") && !strings.HasSuffix(f.Name, "\\METADATA") {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", f.Name, err)
		}

		reqs, err := parseMetadataHeaders(rc)

		_ = rc.Close()

		if err != nil {
			return nil, err
		}

		return reqs, nil
	}

	return nil, fmt.Errorf("%w: no METADATA entry in wheel", ErrMissingMetadata)
}

// fromSdist reads PKG-INFO if present, otherwise a static pyproject.toml
// [project] dependencies table, otherwise scans setup.py for a literal
// install_requires= list. The sdist is a .tar.gz archive.
func (e *Extractor) fromSdist(body []byte) ([]string, error) {
	gz, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("opening sdist: %w", err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)

	var pkgInfo, pyproject, setupPy []byte

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("reading sdist: %w", err)
		}

		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		base := path.Base(hdr.Name)

		switch base {
		case "PKG-INFO":
			pkgInfo, _ = io.ReadAll(tr)
		case "pyproject.toml":
			pyproject, _ = io.ReadAll(tr)
		case "setup.py":
			setupPy, _ = io.ReadAll(tr)
		}
	}

	if pkgInfo != nil {
		if reqs, err := parseMetadataHeaders(bytes.NewReader(pkgInfo)); err == nil && len(reqs) > 0 {
			return reqs, nil
		}
	}

	if pyproject != nil {
		if reqs, err := parsePyprojectDependencies(pyproject); err == nil {
			return reqs, nil
		}
	}

	if setupPy != nil {
		if reqs := scanSetupPyInstallRequires(setupPy); reqs != nil {
			return reqs, nil
		}
	}

	return nil, fmt.Errorf("%w: no extractable metadata in sdist", ErrMissingMetadata)
}

// parseMetadataHeaders reads the RFC 822-style headers used by both
// PKG-INFO and wheel METADATA files and collects every Requires-Dist value.
func parseMetadataHeaders(r io.Reader) ([]string, error) {
	var reqs []string

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break // blank line ends the header block; payload description follows
		}

		const prefix = "Requires-Dist:"
		if strings.HasPrefix(line, prefix) {
			reqs = append(reqs, strings.TrimSpace(line[len(prefix):]))
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning metadata: %w", err)
	}

	return reqs, nil
}

// pyprojectProject is the subset of PEP 621's [project] table this package
// understands: a static `dependencies` array. Dynamic dependency
// declarations (`dynamic = ["dependencies"]`) are not resolvable without
// executing build backend code, which this package never does, so they fall
// through to the setup.py scan or ErrMissingMetadata.
type pyprojectProject struct {
	Project struct {
		Dependencies []string `toml:"dependencies"`
		Dynamic      []string `toml:"dynamic"`
	} `toml:"project"`
}

func parsePyprojectDependencies(data []byte) ([]string, error) {
	var doc pyprojectProject
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing pyproject.toml: %w", err)
	}

	for _, d := range doc.Project.Dynamic {
		if d == "dependencies" {
			return nil, fmt.Errorf("%w: dependencies are dynamic", ErrMissingMetadata)
		}
	}

	if doc.Project.Dependencies == nil {
		return nil, fmt.Errorf("%w: no [project.dependencies] table", ErrMissingMetadata)
	}

	return doc.Project.Dependencies, nil
}

// scanSetupPyInstallRequires performs a restricted lexical scan for a
// top-level `install_requires=[...]` literal list of quoted strings. It
// does not execute setup.py or evaluate expressions; anything other than a
// literal list of string constants is left unrecognized.
func scanSetupPyInstallRequires(src []byte) []string {
	const marker = "install_requires"

	idx := bytes.Index(src, []byte(marker))
	if idx < 0 {
		return nil
	}

	rest := src[idx+len(marker):]

	open := bytes.IndexByte(rest, '[')
	if open < 0 {
		return nil
	}

	closeIdx := bytes.IndexByte(rest[open:], ']')
	if closeIdx < 0 {
		return nil
	}

	listBody := string(rest[open+1 : open+closeIdx])

	reqs := extractQuotedLiterals(listBody)
	if len(reqs) == 0 {
		return nil
	}

	return reqs
}

func extractQuotedLiterals(s string) []string {
	var out []string

	var quote byte

	var cur strings.Builder

	inString := false

	for i := 0; i < len(s); i++ {
		c := s[i]

		if !inString {
			if c == '\'' || c == '"' {
				inString = true
				quote = c
				cur.Reset()
			}

			continue
		}

		if c == quote {
			inString = false

			out = append(out, cur.String())

			continue
		}

		cur.WriteByte(c)
	}

	return out
}
