package metadata

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/bilusteknoloji/pipg/internal/dependency"
	"github.com/bilusteknoloji/pipg/internal/version"
)

// ErrDirectSource is returned when a git/path/url/file dependency source
// cannot be read or its project metadata cannot be extracted.
var ErrDirectSource = errors.New("direct dependency source")

// DirectProvider resolves the four non-index dependency sources: Git, Path,
// URL and File. None of them enumerate versions — the source itself
// identifies exactly one candidate — so this type implements
// resolve.DirectResolver rather than the Versions/Dependencies pair
// Provider exposes for index packages.
type DirectProvider struct {
	extractor *Extractor
}

// NewDirectProvider creates a DirectProvider. URL/file downloads reuse
// Extractor's own bounded-timeout HTTP client.
func NewDirectProvider() *DirectProvider {
	return &DirectProvider{extractor: NewExtractor()}
}

// ResolveDirect dispatches to the source-kind-specific resolution strategy
// and returns the single candidate version identifying src plus the
// dependency edges recovered from its project metadata.
func (p *DirectProvider) ResolveDirect(ctx context.Context, src dependency.Source) (version.Version, []dependency.Dependency, error) {
	switch src.Kind {
	case dependency.SourceGit:
		return p.resolveGit(ctx, src)
	case dependency.SourcePath:
		return p.resolvePath(src)
	case dependency.SourceURL:
		return p.resolveURL(ctx, src)
	case dependency.SourceFile:
		return p.resolveFile(src)
	default:
		return version.Version{}, nil, fmt.Errorf("%w: %v is not a direct source kind", ErrDirectSource, src.Kind)
	}
}

// resolveGit clones src.GitURL at its pinned branch/tag/rev with an
// in-memory worktree (no checkout ever touches disk) and reads the
// project's declared dependencies out of the resulting tree, the same
// PKG-INFO -> pyproject.toml -> setup.py fallback chain Extractor applies
// to a downloaded archive.
func (p *DirectProvider) resolveGit(ctx context.Context, src dependency.Source) (version.Version, []dependency.Dependency, error) {
	opts := &git.CloneOptions{URL: src.GitURL, Depth: 1, SingleBranch: true}

	switch src.GitRefKind {
	case dependency.RefBranch:
		opts.ReferenceName = plumbing.NewBranchReferenceName(src.GitRef)
	case dependency.RefTag:
		opts.ReferenceName = plumbing.NewTagReferenceName(src.GitRef)
	}

	repo, err := git.CloneContext(ctx, memory.NewStorage(), memfs.New(), opts)
	if err != nil {
		return version.Version{}, nil, fmt.Errorf("%w: cloning %s: %v", ErrDirectSource, src.GitURL, err)
	}

	commit, err := resolveCommit(repo, src)
	if err != nil {
		return version.Version{}, nil, err
	}

	tree, err := commit.Tree()
	if err != nil {
		return version.Version{}, nil, fmt.Errorf("%w: reading tree of %s: %v", ErrDirectSource, src.GitURL, err)
	}

	if src.GitSubdir != "" {
		tree, err = tree.Tree(src.GitSubdir)
		if err != nil {
			return version.Version{}, nil, fmt.Errorf("%w: subdirectory %q not found in %s: %v", ErrDirectSource, src.GitSubdir, src.GitURL, err)
		}
	}

	reqs, err := dependenciesFromGitTree(tree)
	if err != nil {
		return version.Version{}, nil, err
	}

	deps, err := parseRequirements(reqs)
	if err != nil {
		return version.Version{}, nil, err
	}

	return directVersion(commit.Hash.String()), deps, nil
}

// resolveCommit pins repo to the exact commit src names. A RefRev names a
// commit hash directly; RefBranch/RefTag were already checked out by
// CloneOptions.ReferenceName, so the clone's HEAD already is the right
// commit.
func resolveCommit(repo *git.Repository, src dependency.Source) (*object.Commit, error) {
	if src.GitRefKind == dependency.RefRev {
		commit, err := repo.CommitObject(plumbing.NewHash(src.GitRef))
		if err != nil {
			return nil, fmt.Errorf("%w: resolving commit %q of %s: %v", ErrDirectSource, src.GitRef, src.GitURL, err)
		}

		return commit, nil
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("%w: reading HEAD of %s: %v", ErrDirectSource, src.GitURL, err)
	}

	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("%w: reading commit %s of %s: %v", ErrDirectSource, head.Hash(), src.GitURL, err)
	}

	return commit, nil
}

// dependenciesFromGitTree applies the PKG-INFO -> pyproject.toml -> setup.py
// fallback chain against files read directly from a git tree, mirroring
// Extractor.fromSdist's archive-member variant of the same chain.
func dependenciesFromGitTree(tree *object.Tree) ([]string, error) {
	if f, err := tree.File("PKG-INFO"); err == nil {
		if data, rerr := f.Contents(); rerr == nil {
			if reqs, perr := parseMetadataHeaders(strings.NewReader(data)); perr == nil && len(reqs) > 0 {
				return reqs, nil
			}
		}
	}

	if f, err := tree.File("pyproject.toml"); err == nil {
		if data, rerr := f.Contents(); rerr == nil {
			if reqs, perr := parsePyprojectDependencies([]byte(data)); perr == nil {
				return reqs, nil
			}
		}
	}

	if f, err := tree.File("setup.py"); err == nil {
		if data, rerr := f.Contents(); rerr == nil {
			if reqs := scanSetupPyInstallRequires([]byte(data)); reqs != nil {
				return reqs, nil
			}
		}
	}

	return nil, fmt.Errorf("%w: no extractable metadata in git tree", ErrMissingMetadata)
}

// resolvePath resolves a local project directory (the common case — an
// editable/develop dependency) or, when PathFile names a pre-built archive
// instead, a local wheel/sdist, reusing the same archive logic resolveFile
// does.
func (p *DirectProvider) resolvePath(src dependency.Source) (version.Version, []dependency.Dependency, error) {
	if src.PathDir == "" {
		return p.resolveFile(dependency.Source{Kind: dependency.SourceFile, LocalArchivePath: src.PathFile})
	}

	abs, err := filepath.Abs(src.PathDir)
	if err != nil {
		return version.Version{}, nil, fmt.Errorf("%w: resolving path %q: %v", ErrDirectSource, src.PathDir, err)
	}

	reqs, err := dependenciesFromDir(abs)
	if err != nil {
		return version.Version{}, nil, err
	}

	deps, err := parseRequirements(reqs)
	if err != nil {
		return version.Version{}, nil, err
	}

	return directVersion(abs), deps, nil
}

// dependenciesFromDir reads the same three candidate files directly off
// disk, for a Path dependency that names a project checkout rather than an
// archive.
func dependenciesFromDir(dir string) ([]string, error) {
	if data, err := os.ReadFile(filepath.Join(dir, "PKG-INFO")); err == nil {
		if reqs, perr := parseMetadataHeaders(strings.NewReader(string(data))); perr == nil && len(reqs) > 0 {
			return reqs, nil
		}
	}

	if data, err := os.ReadFile(filepath.Join(dir, "pyproject.toml")); err == nil {
		if reqs, perr := parsePyprojectDependencies(data); perr == nil {
			return reqs, nil
		}
	}

	if data, err := os.ReadFile(filepath.Join(dir, "setup.py")); err == nil {
		if reqs := scanSetupPyInstallRequires(data); reqs != nil {
			return reqs, nil
		}
	}

	return nil, fmt.Errorf("%w: no extractable metadata in %s", ErrMissingMetadata, dir)
}

// resolveURL downloads src.ArchiveURL and extracts its dependencies with
// the same wheel/sdist readers Extractor uses for an index-advertised file.
func (p *DirectProvider) resolveURL(ctx context.Context, src dependency.Source) (version.Version, []dependency.Dependency, error) {
	body, err := p.extractor.fetch(ctx, src.ArchiveURL)
	if err != nil {
		return version.Version{}, nil, fmt.Errorf("%w: downloading %s: %v", ErrDirectSource, src.ArchiveURL, err)
	}

	return p.fromArchiveBytes(src.ArchiveURL, body)
}

// resolveFile reads a locally-available wheel/sdist archive from disk.
func (p *DirectProvider) resolveFile(src dependency.Source) (version.Version, []dependency.Dependency, error) {
	body, err := os.ReadFile(src.LocalArchivePath)
	if err != nil {
		return version.Version{}, nil, fmt.Errorf("%w: reading %s: %v", ErrDirectSource, src.LocalArchivePath, err)
	}

	return p.fromArchiveBytes(src.LocalArchivePath, body)
}

// fromArchiveBytes dispatches to Extractor's wheel or sdist reader by file
// extension and derives the candidate's identity from the archive's own
// content hash.
func (p *DirectProvider) fromArchiveBytes(name string, body []byte) (version.Version, []dependency.Dependency, error) {
	var (
		reqs []string
		err  error
	)

	if strings.HasSuffix(name, ".whl") {
		reqs, err = p.extractor.fromWheel(body)
	} else {
		reqs, err = p.extractor.fromSdist(body)
	}

	if err != nil {
		return version.Version{}, nil, err
	}

	deps, err := parseRequirements(reqs)
	if err != nil {
		return version.Version{}, nil, err
	}

	sum := sha256.Sum256(body)

	return directVersion(hex.EncodeToString(sum[:])), deps, nil
}

// directVersion renders a synthetic PEP 440 version whose local segment
// encodes a direct dependency's candidate key (a commit hash, an absolute
// path, or an archive digest), so the resolver can carry a direct source's
// pinned identity through the same version.Version type used for every
// index-sourced package without a parallel identity representation.
func directVersion(key string) version.Version {
	v, err := version.Parse("0+" + sanitizeLocalSegment(key))
	if err != nil {
		// sanitizeLocalSegment only emits lowercase alphanumerics and
		// single dot separators, which is always a valid PEP 440 local
		// version label.
		panic(fmt.Sprintf("metadata: direct version key %q produced an invalid local segment: %v", key, err))
	}

	return v
}

// sanitizeLocalSegment folds key to the alphanumeric-and-dot alphabet a PEP
// 440 local version label allows, collapsing any run of other characters
// into a single separating dot and never emitting a leading, trailing, or
// doubled one.
func sanitizeLocalSegment(key string) string {
	var b strings.Builder

	needSep := false

	for _, r := range key {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z':
			if needSep && b.Len() > 0 {
				b.WriteByte('.')
			}

			needSep = false

			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			if needSep && b.Len() > 0 {
				b.WriteByte('.')
			}

			needSep = false

			b.WriteRune(r - 'A' + 'a')
		default:
			needSep = true
		}
	}

	out := b.String()
	if out == "" {
		out = "0"
	}

	return out
}
