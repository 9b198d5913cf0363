package metadata

import (
	"sort"
	"strings"

	"github.com/bilusteknoloji/pipg/internal/pypi"
	"github.com/bilusteknoloji/pipg/internal/source"
	"github.com/bilusteknoloji/pipg/internal/version"
)

// sdistSuffixes lists the archive suffixes a source distribution may use;
// none is a suffix of another, so their order does not matter.
var sdistSuffixes = []string{".tar.gz", ".tar.bz2", ".tgz", ".zip"}

// candidatesFromLinks converts a simple-index link listing into candidates,
// grouping files by the version parsed out of each filename. Filenames whose
// version does not parse are skipped, not fatal, matching how a malformed
// release version on the JSON flavor is handled.
func candidatesFromLinks(name string, links []pypi.Link, src source.Descriptor) []Candidate {
	byVersion := make(map[string]*Candidate)

	var order []string

	for _, l := range links {
		verStr, packageType, ok := versionFromFilename(name, l.Filename)
		if !ok {
			continue
		}

		v, err := version.Parse(verStr)
		if err != nil {
			continue
		}

		key := v.String()

		c, seen := byVersion[key]
		if !seen {
			c = &Candidate{Version: v, Source: src}
			byVersion[key] = c

			order = append(order, key)
		}

		c.Files = append(c.Files, File{
			Filename:       l.Filename,
			URL:            l.URL,
			PackageType:    packageType,
			RequiresPython: l.RequiresPython,
			SHA256:         l.SHA256,
		})

		if c.RequiresPython == "" {
			c.RequiresPython = l.RequiresPython
		}

		if l.Yanked {
			c.Yanked = true
		}
	}

	out := make([]Candidate, 0, len(order))
	for _, key := range order {
		out = append(out, *byVersion[key])
	}

	sort.Slice(out, func(i, j int) bool { return version.Less(out[i].Version, out[j].Version) })

	return out
}

// versionFromFilename recovers the version segment of a distribution
// filename. Wheel names follow PEP 427 (name-version[-build]-python-abi-
// platform.whl, with the name's punctuation folded to "_"); sdists are
// name-version plus an archive suffix.
func versionFromFilename(project, filename string) (verStr, packageType string, ok bool) {
	if rest, isWheel := strings.CutSuffix(filename, ".whl"); isWheel {
		parts := strings.Split(rest, "-")
		if len(parts) < 5 {
			return "", "", false
		}

		return parts[1], "bdist_wheel", true
	}

	for _, suffix := range sdistSuffixes {
		base, found := strings.CutSuffix(filename, suffix)
		if !found {
			continue
		}

		v, ok := sdistVersion(project, base)

		return v, "sdist", ok
	}

	return "", "", false
}

// sdistVersion splits "name-version" on the separator following the project
// name, comparing under filename normalization (case plus -/_/. folding)
// since sdist filenames historically preserve whichever spelling the project
// uploaded.
func sdistVersion(project, base string) (string, bool) {
	if len(base) > len(project) && base[len(project)] == '-' &&
		foldName(base[:len(project)]) == foldName(project) {
		return base[len(project)+1:], true
	}

	// Fallback for names whose punctuation differs in length from the
	// project spelling: take everything after the last hyphen.
	if idx := strings.LastIndexByte(base, '-'); idx >= 0 {
		return base[idx+1:], true
	}

	return "", false
}

func foldName(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "_", "-")
	s = strings.ReplaceAll(s, ".", "-")

	return s
}
