// Package version implements PEP 440 version parsing and comparison, and a
// constraint algebra over versions represented as a canonical union of
// disjoint intervals.
package version

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	pep440 "github.com/aquasecurity/go-pep440-version"
)

// ErrInvalidVersion is returned when a version string does not match the
// PEP 440 grammar.
var ErrInvalidVersion = errors.New("invalid version")

// Version is an ordered PEP 440 version identifier.
type Version struct {
	raw string
	v   pep440.Version
}

// Parse parses s as a PEP 440 version. It accepts the tolerant spellings
// go-pep440-version itself accepts (leading "v", case-insensitive
// qualifiers, "-N" post releases, and so on).
func Parse(s string) (Version, error) {
	trimmed := strings.TrimSpace(s)

	v, err := pep440.Parse(trimmed)
	if err != nil {
		return Version{}, fmt.Errorf("%w: %q: %v", ErrInvalidVersion, s, err)
	}

	return Version{raw: trimmed, v: v}, nil
}

// MustParse parses s and panics on error. Intended for tests and constants.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}

	return v
}

// String renders the version in canonical form.
func (v Version) String() string {
	return v.v.String()
}

// IsZero reports whether v is the zero Version (i.e. was never parsed).
func (v Version) IsZero() bool {
	return v.raw == ""
}

// Compare returns -1, 0 or 1 according to the canonical PEP 440 total order.
func Compare(a, b Version) int {
	return a.v.Compare(b.v)
}

// Equal reports whether a and b are the same version under canonical form.
func Equal(a, b Version) bool {
	return Compare(a, b) == 0
}

// Less reports whether a orders before b.
func Less(a, b Version) bool {
	return Compare(a, b) < 0
}

// IsPreRelease reports whether v carries a pre-release or dev segment.
func (v Version) IsPreRelease() bool {
	return v.v.IsPreRelease()
}

// releasePattern captures an optional epoch ("N!") and a dotted run of
// release digits, ignoring any trailing pre/post/dev/local qualifiers. It is
// used only to desugar caret/tilde/wildcard clauses, which operate on the
// literal written release segments rather than on the full parsed Version.
var releasePattern = regexp.MustCompile(`^\s*v?(?:(\d+)!)?(\d+(?:\.\d+)*)`)

// releaseTuple extracts the epoch and release-segment integers from the
// literal text of a version/prefix string.
func releaseTuple(s string) (epoch int, release []int, err error) {
	m := releasePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, nil, fmt.Errorf("%w: no release segment in %q", ErrInvalidVersion, s)
	}

	if m[1] != "" {
		epoch, err = strconv.Atoi(m[1])
		if err != nil {
			return 0, nil, fmt.Errorf("%w: epoch in %q: %v", ErrInvalidVersion, s, err)
		}
	}

	for _, part := range strings.Split(m[2], ".") {
		n, convErr := strconv.Atoi(part)
		if convErr != nil {
			return 0, nil, fmt.Errorf("%w: release segment in %q: %v", ErrInvalidVersion, s, convErr)
		}

		release = append(release, n)
	}

	return epoch, release, nil
}

// bumpedAt returns a copy of release with the component at index i
// incremented by one and every following component zeroed. Components
// before i are left untouched, and the slice is padded with zeros up to i if
// necessary.
func bumpedAt(release []int, i int) []int {
	out := make([]int, max(i+1, len(release)))
	copy(out, release)
	out[i]++

	for j := i + 1; j < len(out); j++ {
		out[j] = 0
	}

	return out[:i+1]
}

func formatVersion(epoch int, release []int) string {
	parts := make([]string, len(release))
	for i, n := range release {
		parts[i] = strconv.Itoa(n)
	}

	s := strings.Join(parts, ".")
	if epoch != 0 {
		s = strconv.Itoa(epoch) + "!" + s
	}

	return s
}
