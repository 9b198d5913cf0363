package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bilusteknoloji/pipg/internal/cache"
	"github.com/bilusteknoloji/pipg/internal/dependency"
	"github.com/bilusteknoloji/pipg/internal/downloader"
	"github.com/bilusteknoloji/pipg/internal/installer"
	"github.com/bilusteknoloji/pipg/internal/lock"
	"github.com/bilusteknoloji/pipg/internal/manifest"
	"github.com/bilusteknoloji/pipg/internal/marker"
	"github.com/bilusteknoloji/pipg/internal/metadata"
	"github.com/bilusteknoloji/pipg/internal/pypi"
	"github.com/bilusteknoloji/pipg/internal/python"
	"github.com/bilusteknoloji/pipg/internal/resolve"
	"github.com/bilusteknoloji/pipg/internal/scratch"
	"github.com/bilusteknoloji/pipg/internal/source"
	"github.com/bilusteknoloji/pipg/internal/version"
)

var cliVersion = "0.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	rootCmd := &cobra.Command{
		Use:           "pipg",
		Short:         "A fast Python package installer and dependency locker",
		Long:          "pipg resolves a project's declared dependencies into a reproducible lock and materializes them into an environment.",
		Version:       cliVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	installCmd := &cobra.Command{
		Use:   "install [packages...]",
		Short: "Resolve and install Python packages",
		Args:  cobra.MinimumNArgs(0),
		RunE:  runInstall,
	}

	installCmd.Flags().StringP("requirements", "r", "", "Install from requirements file")
	installCmd.Flags().IntP("jobs", "j", 0, "Max concurrent downloads (default: GOMAXPROCS)")
	installCmd.Flags().String("python", "python3", "Python binary to use")
	installCmd.Flags().String("target", "", "Target directory (default: auto-detect site-packages)")
	installCmd.Flags().BoolP("verbose", "v", false, "Verbose output")
	installCmd.Flags().Bool("dry-run", false, "Show the plan without downloading or installing")
	installCmd.Flags().Bool("no-deps", false, "Skip dependencies, install only specified packages")
	installCmd.Flags().Bool("frozen", false, "Install exactly what pipg.lock records, failing if it is stale")
	installCmd.Flags().String("manifest", manifest.DefaultFilename, "Project manifest path")
	installCmd.Flags().String("lock-file", lock.DefaultFilename, "Lock file path")
	installCmd.Flags().Bool("allow-prereleases", false, "Allow pre-release versions for ad hoc package arguments")

	resolveCmd := &cobra.Command{
		Use:   "resolve [packages...]",
		Short: "Resolve dependencies and print the resulting package set without installing",
		Args:  cobra.MinimumNArgs(0),
		RunE:  runResolve,
	}

	resolveCmd.Flags().String("python", "python3", "Python binary to use")
	resolveCmd.Flags().BoolP("verbose", "v", false, "Verbose output")
	resolveCmd.Flags().Bool("no-deps", false, "Skip dependencies, resolve only the named packages")
	resolveCmd.Flags().String("manifest", manifest.DefaultFilename, "Project manifest path")

	lockCmd := &cobra.Command{
		Use:   "lock",
		Short: "Resolve the project manifest and write pipg.lock",
		Args:  cobra.NoArgs,
		RunE:  runLock,
	}

	lockCmd.Flags().String("python", "python3", "Python binary to use")
	lockCmd.Flags().BoolP("verbose", "v", false, "Verbose output")
	lockCmd.Flags().String("manifest", manifest.DefaultFilename, "Project manifest path")
	lockCmd.Flags().String("lock-file", lock.DefaultFilename, "Lock file path")
	lockCmd.Flags().Bool("diff", false, "Print the difference against the existing lock instead of writing it")
	lockCmd.Flags().Bool("check", false, "Exit non-zero if the existing lock is stale, without resolving or writing")

	rootCmd.AddCommand(installCmd, resolveCmd, lockCmd)

	return rootCmd.Execute()
}

// installFlags holds parsed CLI flags for the install command.
type installFlags struct {
	reqFile          string
	jobs             int
	pythonBin        string
	targetDir        string
	verbose          bool
	dryRun           bool
	noDeps           bool
	frozen           bool
	manifestPath     string
	lockPath         string
	allowPrereleases bool
}

func parseInstallFlags(cmd *cobra.Command) installFlags {
	reqFile, _ := cmd.Flags().GetString("requirements")
	jobs, _ := cmd.Flags().GetInt("jobs")
	pythonBin, _ := cmd.Flags().GetString("python")
	targetDir, _ := cmd.Flags().GetString("target")
	verbose, _ := cmd.Flags().GetBool("verbose")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	noDeps, _ := cmd.Flags().GetBool("no-deps")
	frozen, _ := cmd.Flags().GetBool("frozen")
	manifestPath, _ := cmd.Flags().GetString("manifest")
	lockPath, _ := cmd.Flags().GetString("lock-file")
	allowPre, _ := cmd.Flags().GetBool("allow-prereleases")

	return installFlags{reqFile, jobs, pythonBin, targetDir, verbose, dryRun, noDeps, frozen, manifestPath, lockPath, allowPre}
}

func runInstall(cmd *cobra.Command, args []string) error {
	start := time.Now()
	flags := parseInstallFlags(cmd)

	logger := newLogger(flags.verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	env, err := detectEnv(ctx, flags.pythonBin, flags.targetDir, logger)
	if err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	pypiClient := pypi.New(pypi.WithHTTPClient(httpClient), pypi.WithLogger(logger))

	mf, _ := manifest.Read(flags.manifestPath)

	provider, err := newProvider(pypiClient, sourcesFor(mf), logger)
	if err != nil {
		return err
	}

	if mf != nil {
		// Source pins apply to wheel selection too, not just resolution, so
		// a --frozen install still consults only the pinned source.
		pinSources(provider, append(append([]dependency.Dependency(nil), mf.Dependencies...), mf.DevDependencies...))
	}

	var plan []plannedPackage

	if flags.frozen {
		plan, err = installFromLock(flags.lockPath, mf, env, logger)
		if err != nil {
			return err
		}
	} else {
		scratchDir, err := scratch.Open(filepath.Join(cacheRoot(), "scratch"))
		if err != nil {
			return fmt.Errorf("acquiring resolution scratch directory: %w", err)
		}

		resolved, rootDeps, err := resolveForInstall(ctx, args, flags, mf, provider, env, logger)
		if err != nil {
			_ = scratchDir.Close()

			return err
		}

		if mf != nil {
			if err := writeLockFile(ctx, flags.lockPath, mf, resolved, provider, resolveEnvironment(env)); err != nil {
				logger.Warn("could not write lock file", slog.String("error", err.Error()))
			}
		}

		_ = scratchDir.Close()

		printDependencyTree(rootNames(rootDeps), resolvedMap(resolved))

		plan = toPlannedPackages(resolved, logger)
	}

	if len(plan) == 0 {
		fmt.Println("Nothing to install.")

		return nil
	}

	compatTags := buildCompatTags(env)

	plans, err := selectWheels(ctx, plan, provider, compatTags, env)
	if err != nil {
		return err
	}

	if flags.dryRun {
		printDryRun(plans)

		return nil
	}

	results, tmpDir, err := downloadPackages(ctx, plans, flags.jobs, httpClient, logger)
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	printDownloadResults(results)

	fmt.Println("\nInstalling...")

	inst := installer.New(env, installer.WithLogger(logger))
	if err := inst.Install(ctx, results); err != nil {
		return fmt.Errorf("installing packages: %w", err)
	}

	fmt.Printf("  ✓ %d packages installed\n", len(results))
	fmt.Printf("\nDone in %.1fs\n", time.Since(start).Seconds())

	return nil
}

// plannedPackage is the download unit shared by the fresh-resolve and
// --frozen install paths, carrying just what selectWheels needs.
type plannedPackage struct {
	Name    string
	Version string
}

func toPlannedPackages(resolved []resolve.ResolvedPackage, logger *slog.Logger) []plannedPackage {
	out := make([]plannedPackage, 0, len(resolved))
	for _, p := range resolved {
		if p.GatedBy != nil {
			// Present in the lock as conditional metadata only; this
			// environment's marker evaluation already excluded it.
			continue
		}

		if p.Source.Kind != dependency.SourceIndex {
			logger.Warn("skipping direct-source package, pipg does not build git/path/url/file sources into an installable artifact",
				slog.String("package", p.Name), slog.String("source", p.Source.Kind.String()))

			continue
		}

		out = append(out, plannedPackage{Name: p.Name, Version: p.Version.String()})
	}

	return out
}

// installFromLock reads lockPath, verifies it is fresh against mf (when a
// manifest is present) and returns the subset of packages applicable to env,
// in install order, without resolving anything.
func installFromLock(lockPath string, mf *manifest.Manifest, env *python.Environment, logger *slog.Logger) ([]plannedPackage, error) {
	l, err := lock.ReadLock(lockPath)
	if err != nil {
		return nil, fmt.Errorf("--frozen requires an existing lock: %w", err)
	}

	if mf != nil && !lock.IsFresh(l, mf.Dependencies, mf.DevDependencies, mf.Sources) {
		return nil, fmt.Errorf("%s is stale relative to %s; run 'pipg lock' first", lockPath, manifest.DefaultFilename)
	}

	planned, err := lock.InstallerPlan(l, buildMarkerEnv(env))
	if err != nil {
		return nil, fmt.Errorf("building install plan: %w", err)
	}

	out := make([]plannedPackage, 0, len(planned))

	for _, p := range planned {
		if p.Source.Kind != dependency.SourceIndex.String() {
			logger.Warn("skipping direct-source package, pipg does not build git/path/url/file sources into an installable artifact",
				slog.String("package", p.Name), slog.String("source", p.Source.Kind))

			continue
		}

		out = append(out, plannedPackage{Name: p.Name, Version: p.Version})
	}

	return out, nil
}

// resolveForInstall gathers root requirements (CLI args/requirements file, or
// the manifest when neither is given) and resolves them against every
// configured source.
func resolveForInstall(ctx context.Context, args []string, flags installFlags, mf *manifest.Manifest, provider *metadata.MultiSourceProvider, env *python.Environment, logger *slog.Logger) ([]resolve.ResolvedPackage, []dependency.Dependency, error) {
	rootDeps, err := rootDependencies(args, flags.reqFile, flags.allowPrereleases, mf)
	if err != nil {
		return nil, nil, err
	}

	if len(rootDeps) == 0 {
		return nil, nil, fmt.Errorf("no packages specified; use 'pipg install <pkg>', 'pipg install -r requirements.txt', or declare [dependencies] in %s", manifest.DefaultFilename)
	}

	fmt.Println("Resolving dependencies...")

	pinSources(provider, rootDeps)

	solver := resolve.New(provider, resolve.WithLogger(logger), resolve.WithNoDeps(flags.noDeps), resolve.WithDirectResolver(metadata.NewDirectProvider()))

	resolved, err := solver.Resolve(ctx, rootDeps, resolveEnvironment(env))
	if err != nil {
		return nil, nil, fmt.Errorf("resolving dependencies: %w", err)
	}

	return resolved, rootDeps, nil
}

// rootDependencies builds the root requirement set: explicit CLI packages
// and a requirements file take precedence; with neither, the manifest's own
// [dependencies] table is used.
func rootDependencies(args []string, reqFile string, allowPre bool, mf *manifest.Manifest) ([]dependency.Dependency, error) {
	specs, err := collectRequirements(args, reqFile)
	if err != nil {
		return nil, err
	}

	if len(specs) == 0 {
		if mf == nil {
			return nil, nil
		}

		return mf.Dependencies, nil
	}

	deps := make([]dependency.Dependency, 0, len(specs))

	for _, s := range specs {
		d, err := dependency.ParseString(s)
		if err != nil {
			return nil, fmt.Errorf("parsing requirement %q: %w", s, err)
		}

		d.AllowPrereleases = allowPre

		deps = append(deps, d)
	}

	return deps, nil
}

// sourcesFor returns the configured source list; the implicit default index
// is not materialized here, the provider slots it into the consult order
// itself (source.ConsultOrder).
func sourcesFor(mf *manifest.Manifest) []source.Descriptor {
	if mf == nil {
		return nil
	}

	return mf.Sources
}

// pinSources registers every dependency's explicit source = "..." choice
// with the provider, so only that source is ever consulted for it.
func pinSources(provider *metadata.MultiSourceProvider, deps []dependency.Dependency) {
	for _, d := range deps {
		if d.SourceName != "" {
			provider.Pin(d.Name, d.SourceName)
		}
	}
}

func cacheRoot() string {
	if dir := os.Getenv("PIPG_CACHE_DIR"); dir != "" {
		return dir
	}

	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "pipg")
	}

	return filepath.Join(dir, "pipg")
}

// newProvider wires a metadata.MultiSourceProvider against the persistent
// version-list and dependency caches under the user cache directory (the
// wheel-body cache tier is internal/cache.Manager, wired separately in
// newDownloader).
func newProvider(client pypi.Client, sources []source.Descriptor, logger *slog.Logger) (*metadata.MultiSourceProvider, error) {
	root := cacheRoot()

	versionList, err := cache.NewVersionListCache(filepath.Join(root, "versions"), logger)
	if err != nil {
		return nil, fmt.Errorf("opening version cache: %w", err)
	}

	depCache, err := cache.NewDependencyCache(filepath.Join(root, "deps"), logger)
	if err != nil {
		return nil, fmt.Errorf("opening dependency cache: %w", err)
	}

	return metadata.New(client, sources, versionList, depCache, metadata.WithLogger(logger)), nil
}

func writeLockFile(ctx context.Context, lockPath string, mf *manifest.Manifest, resolved []resolve.ResolvedPackage, provider metadata.Provider, env resolve.Environment) error {
	packages, err := buildLockPackages(ctx, provider, resolved, env)
	if err != nil {
		return err
	}

	contentHash := lock.ContentHash(mf.Dependencies, mf.DevDependencies, mf.Sources)

	return lock.WriteLock(lockPath, contentHash, mf.Python, packages)
}

// buildLockPackages turns a resolution into lock.Package entries, looking
// each index-sourced package's own declared dependencies, advertised
// requires_python, and distribution file hashes back up so lock.InstallerPlan's
// topological sort has real edges to order by instead of an arbitrary one,
// and an installer can verify downloads without re-querying the index.
func buildLockPackages(ctx context.Context, provider metadata.Provider, resolved []resolve.ResolvedPackage, env resolve.Environment) ([]lock.Package, error) {
	packages := make([]lock.Package, 0, len(resolved))

	for _, p := range resolved {
		deps := make(map[string]string)

		var (
			requiresPython string
			files          []lock.FileHash
		)

		if p.Source.Kind == dependency.SourceIndex && p.GatedBy == nil {
			info, err := provider.Dependencies(ctx, p.Name, p.Version)
			if err != nil {
				return nil, fmt.Errorf("looking up dependencies of %s %s for the lock: %w", p.Name, p.Version, err)
			}

			extras := make(map[string]bool, len(p.Extras))
			for _, e := range p.Extras {
				extras[e] = true
			}

			depEnv := env.Markers
			depEnv.Extras = extras

			for _, d := range info.Dependencies {
				ok, err := d.Markers.Eval(depEnv)
				if err != nil || !ok {
					continue
				}

				deps[d.Name] = d.Constraint.String()
			}

			if !info.RequiresPython.IsAny() {
				requiresPython = info.RequiresPython.String()
			}

			for _, f := range info.Files {
				files = append(files, lock.FileHash{Name: f.Name, Hash: f.Hash})
			}
		}

		packages = append(packages, lock.NewPackage(p.Name, p.Version, p.Source, p.Extras, deps, p.GatedBy, requiresPython, files))
	}

	return packages, nil
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelWarn
	if verbose {
		logLevel = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}

func detectEnv(ctx context.Context, pythonBin, targetDir string, logger *slog.Logger) (*python.Environment, error) {
	pyDetector := python.New(python.WithPythonBin(pythonBin))

	env, err := pyDetector.Detect(ctx)
	if err != nil {
		return nil, fmt.Errorf("detecting Python environment: %w", err)
	}

	if targetDir != "" {
		absTarget, err := filepath.Abs(targetDir)
		if err != nil {
			return nil, fmt.Errorf("resolving target directory: %w", err)
		}

		env.SitePackages = absTarget
	}

	logger.Debug("detected Python environment",
		slog.String("prefix", env.Prefix),
		slog.String("site-packages", env.SitePackages),
		slog.String("platform", env.PlatformTag),
		slog.String("version", env.PythonVersion),
		slog.Bool("venv", env.IsVirtualEnv),
	)

	return env, nil
}

// runResolve resolves the root requirements (CLI args or the manifest) and
// prints each root's resolved version (printDependencyTree), without touching
// the filesystem beyond reading the manifest and caches.
func runResolve(cmd *cobra.Command, args []string) error {
	pythonBin, _ := cmd.Flags().GetString("python")
	verbose, _ := cmd.Flags().GetBool("verbose")
	noDeps, _ := cmd.Flags().GetBool("no-deps")
	manifestPath, _ := cmd.Flags().GetString("manifest")

	logger := newLogger(verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	env, err := detectEnv(ctx, pythonBin, "", logger)
	if err != nil {
		return err
	}

	mf, _ := manifest.Read(manifestPath)

	httpClient := &http.Client{Timeout: 30 * time.Second}
	pypiClient := pypi.New(pypi.WithHTTPClient(httpClient), pypi.WithLogger(logger))

	provider, err := newProvider(pypiClient, sourcesFor(mf), logger)
	if err != nil {
		return err
	}

	flags := installFlags{noDeps: noDeps}

	resolved, rootDeps, err := resolveForInstall(ctx, args, flags, mf, provider, env, logger)
	if err != nil {
		return err
	}

	printDependencyTree(rootNames(rootDeps), resolvedMap(resolved))
	fmt.Printf("\n%d packages resolved\n", len(resolved))

	return nil
}

// runLock resolves the manifest's full dependency set and writes pipg.lock,
// or (with --diff/--check) compares against the existing lock without
// overwriting it.
func runLock(cmd *cobra.Command, _ []string) error {
	pythonBin, _ := cmd.Flags().GetString("python")
	verbose, _ := cmd.Flags().GetBool("verbose")
	manifestPath, _ := cmd.Flags().GetString("manifest")
	lockPath, _ := cmd.Flags().GetString("lock-file")
	diff, _ := cmd.Flags().GetBool("diff")
	check, _ := cmd.Flags().GetBool("check")

	logger := newLogger(verbose)

	mf, err := manifest.Read(manifestPath)
	if err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}

	if check {
		existing, err := lock.ReadLock(lockPath)
		if err != nil {
			return fmt.Errorf("%s is missing or unreadable: %w", lockPath, err)
		}

		if !lock.IsFresh(existing, mf.Dependencies, mf.DevDependencies, mf.Sources) {
			return fmt.Errorf("%s is stale relative to %s", lockPath, manifestPath)
		}

		fmt.Println("Lock is fresh.")

		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	env, err := detectEnv(ctx, pythonBin, "", logger)
	if err != nil {
		return err
	}

	scratchDir, err := scratch.Open(filepath.Join(cacheRoot(), "scratch"))
	if err != nil {
		return fmt.Errorf("acquiring resolution scratch directory: %w", err)
	}
	defer func() { _ = scratchDir.Close() }()

	httpClient := &http.Client{Timeout: 30 * time.Second}
	pypiClient := pypi.New(pypi.WithHTTPClient(httpClient), pypi.WithLogger(logger))

	sources := sourcesFor(mf)

	provider, err := newProvider(pypiClient, sources, logger)
	if err != nil {
		return err
	}

	solver := resolve.New(provider, resolve.WithLogger(logger), resolve.WithDirectResolver(metadata.NewDirectProvider()))

	allDeps := append(append([]dependency.Dependency(nil), mf.Dependencies...), mf.DevDependencies...)

	pinSources(provider, allDeps)

	resolveEnv := resolveEnvironment(env)

	resolved, err := solver.Resolve(ctx, allDeps, resolveEnv)
	if err != nil {
		return fmt.Errorf("resolving dependencies: %w", err)
	}

	contentHash := lock.ContentHash(mf.Dependencies, mf.DevDependencies, mf.Sources)

	packages, err := buildLockPackages(ctx, provider, resolved, resolveEnv)
	if err != nil {
		return err
	}

	if diff {
		existing, err := lock.ReadLock(lockPath)
		if err != nil {
			fmt.Println("No existing lock to diff against; would write:")

			for _, p := range packages {
				fmt.Printf("  + %s %s\n", p.Name, p.Version)
			}

			return nil
		}

		sorted := append([]lock.Package(nil), packages...)
		newLock := &lock.Lock{
			Metadata: lock.Metadata{
				PythonVersions: mf.Python,
				ContentHash:    contentHash,
				LockVersion:    lock.CurrentLockVersion,
			},
			Packages: sorted,
		}

		for _, line := range lock.Diff(existing, newLock) {
			fmt.Println(line)
		}

		return nil
	}

	if err := lock.WriteLock(lockPath, contentHash, mf.Python, packages); err != nil {
		return fmt.Errorf("writing lock: %w", err)
	}

	fmt.Printf("Wrote %s with %d packages\n", lockPath, len(packages))

	return nil
}

func rootNames(rootDeps []dependency.Dependency) []string {
	names := make([]string, 0, len(rootDeps))
	for _, d := range rootDeps {
		names = append(names, d.Name)
	}

	return names
}

func resolvedMap(resolved []resolve.ResolvedPackage) map[string]resolve.ResolvedPackage {
	m := make(map[string]resolve.ResolvedPackage, len(resolved))
	for _, p := range resolved {
		m[p.Name] = p
	}

	return m
}

// resolveEnvironment builds the resolve.Environment (marker environment plus
// the pinned python virtual package version) a Solver needs from the
// detected interpreter.
func resolveEnvironment(env *python.Environment) resolve.Environment {
	me := buildMarkerEnv(env)

	pv, err := version.Parse(me.PythonFullVersion)
	if err != nil {
		pv = version.MustParse(me.PythonVersion)
	}

	return resolve.Environment{Markers: me, PythonVersion: pv}
}

func printDryRun(plans []downloadPlan) {
	fmt.Printf("\nWould download %d packages:\n", len(plans))

	for _, p := range plans {
		fmt.Printf("  %s (%s)\n", p.wheel.Filename, formatSize(p.wheel.Size))
	}

	fmt.Println("\nDry run, no changes made.")
}

func printDownloadResults(results []downloader.Result) {
	for _, r := range results {
		suffix := ""
		if r.Cached {
			suffix = " (cached)"
		}

		fmt.Printf("  ✓ %s (%s)%s\n", filepath.Base(r.FilePath), formatSize(r.Size), suffix)
	}
}

type downloadPlan struct {
	pkg   plannedPackage
	wheel metadata.File
}

// selectWheels finds a compatible wheel for each planned package among the
// files its winning source enumerated for the resolved version.
func selectWheels(ctx context.Context, plan []plannedPackage, provider metadata.Provider, compatTags []downloader.WheelTag, env *python.Environment) ([]downloadPlan, error) {
	var plans []downloadPlan

	for _, pkg := range plan {
		files, err := candidateFiles(ctx, provider, pkg)
		if err != nil {
			return nil, fmt.Errorf("listing files for %s %s: %w", pkg.Name, pkg.Version, err)
		}

		wheel, err := downloader.SelectWheel(files, compatTags)
		if err != nil {
			return nil, fmt.Errorf("no compatible wheel for %s %s (platform: %s, python: cp%s): %w",
				pkg.Name, pkg.Version, wheelPlatform(env.PlatformTag), env.PythonVersion, err)
		}

		plans = append(plans, downloadPlan{pkg: pkg, wheel: wheel})
	}

	return plans, nil
}

// candidateFiles returns the distribution files the provider enumerated for
// pkg's resolved version.
func candidateFiles(ctx context.Context, provider metadata.Provider, pkg plannedPackage) ([]metadata.File, error) {
	v, err := version.Parse(pkg.Version)
	if err != nil {
		return nil, err
	}

	candidates, err := provider.Versions(ctx, pkg.Name)
	if err != nil {
		return nil, err
	}

	for _, c := range candidates {
		if version.Equal(c.Version, v) {
			return c.Files, nil
		}
	}

	return nil, fmt.Errorf("version %s is not advertised by any configured source", pkg.Version)
}

// downloadPackages downloads all planned packages concurrently with cache support.
// Caller is responsible for cleaning up tmpDir after installation.
func downloadPackages(ctx context.Context, plans []downloadPlan, jobs int, httpClient *http.Client, logger *slog.Logger) ([]downloader.Result, string, error) {
	tmpDir, err := os.MkdirTemp("", "pipg-downloads-*")
	if err != nil {
		return nil, "", fmt.Errorf("creating temp directory: %w", err)
	}

	requests := buildDownloadRequests(plans)

	workers := runtime.GOMAXPROCS(0)
	if jobs > 0 {
		workers = jobs
	}

	fmt.Printf("\nDownloading %d packages (%d workers)...\n", len(requests), workers)

	dlManager := newDownloader(tmpDir, jobs, httpClient, logger)

	results, err := dlManager.Download(ctx, requests)
	if err != nil {
		_ = os.RemoveAll(tmpDir)

		return nil, "", fmt.Errorf("downloading packages: %w", err)
	}

	return results, tmpDir, nil
}

func buildDownloadRequests(plans []downloadPlan) []downloader.Request {
	requests := make([]downloader.Request, len(plans))
	for i, p := range plans {
		requests[i] = downloader.Request{
			Name:     p.pkg.Name,
			Version:  p.pkg.Version,
			URL:      p.wheel.URL,
			SHA256:   p.wheel.SHA256,
			Filename: p.wheel.Filename,
		}
	}

	return requests
}

func newDownloader(tmpDir string, jobs int, httpClient *http.Client, logger *slog.Logger) *downloader.Manager {
	wheelCache, err := cache.New(cache.WithLogger(logger))
	if err != nil {
		logger.Debug("cache unavailable, continuing without cache", slog.String("error", err.Error()))
	}

	dlOpts := []downloader.Option{
		downloader.WithHTTPClient(httpClient),
		downloader.WithLogger(logger),
	}

	if wheelCache != nil {
		dlOpts = append(dlOpts, downloader.WithCache(wheelCache))
	}

	if jobs > 0 {
		dlOpts = append(dlOpts, downloader.WithMaxWorkers(jobs))
	}

	return downloader.New(tmpDir, dlOpts...)
}

// collectRequirements merges CLI args and requirements file entries.
func collectRequirements(args []string, reqFile string) ([]string, error) {
	var requirements []string

	requirements = append(requirements, args...)

	if reqFile != "" {
		fileReqs, err := parseRequirementsFile(reqFile)
		if err != nil {
			return nil, err
		}

		requirements = append(requirements, fileReqs...)
	}

	return requirements, nil
}

// parseRequirementsFile reads a pip-compatible requirements file.
// Skips comments, empty lines, and pip options (lines starting with -).
func parseRequirementsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening requirements file %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var reqs []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Strip inline comments.
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}

		// Skip empty lines and pip options (e.g., --index-url, -e, -c).
		if line == "" || strings.HasPrefix(line, "-") {
			continue
		}

		reqs = append(reqs, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading requirements file %s: %w", path, err)
	}

	return reqs, nil
}

// buildMarkerEnv creates a PEP 508 marker environment from the detected Python env.
func buildMarkerEnv(env *python.Environment) marker.Environment {
	pyVer := formatPythonVersion(env.PythonVersion)

	var sysPlatform, osName, platformSystem string

	switch {
	case strings.HasPrefix(env.PlatformTag, "macosx"):
		sysPlatform = "darwin"
		osName = "posix"
		platformSystem = "Darwin"
	case strings.HasPrefix(env.PlatformTag, "linux"):
		sysPlatform = "linux"
		osName = "posix"
		platformSystem = "Linux"
	default:
		sysPlatform = "linux"
		osName = "posix"
		platformSystem = "Linux"
	}

	return marker.Environment{
		PythonVersion:                pyVer,
		PythonFullVersion:            pyVer,
		SysPlatform:                  sysPlatform,
		OSName:                       osName,
		PlatformSystem:               platformSystem,
		ImplementationName:           "cpython",
		PlatformPythonImplementation: "CPython",
	}
}

// formatPythonVersion turns the compact "312" form python.Environment
// reports into the dotted "3.12" form marker atoms compare against.
func formatPythonVersion(compact string) string {
	if len(compact) < 2 {
		return compact
	}

	return compact[:1] + "." + compact[1:]
}

// buildCompatTags generates PEP 425 compatible wheel tags ordered by priority.
func buildCompatTags(env *python.Environment) []downloader.WheelTag {
	pyVer := env.PythonVersion                 // e.g., "312"
	platform := wheelPlatform(env.PlatformTag) // e.g., "macosx_14_0_arm64"
	cp := "cp" + pyVer                         // e.g., "cp312"
	pyMajor := "py" + pyVer[:1]                // e.g., "py3"

	var tags []downloader.WheelTag

	platforms := expandPlatform(platform)

	// Native CPython + platform.
	for _, plat := range platforms {
		tags = append(tags, downloader.WheelTag{Python: cp, ABI: cp, Platform: plat})
	}

	// Stable ABI + platform.
	for _, plat := range platforms {
		tags = append(tags, downloader.WheelTag{Python: cp, ABI: "abi3", Platform: plat})
	}

	// CPython, no ABI, specific platform.
	for _, plat := range platforms {
		tags = append(tags, downloader.WheelTag{Python: cp, ABI: "none", Platform: plat})
	}

	// Pure Python, specific platform.
	for _, plat := range platforms {
		tags = append(tags, downloader.WheelTag{Python: pyMajor, ABI: "none", Platform: plat})
	}

	// Universal (any platform).
	tags = append(tags, downloader.WheelTag{Python: cp, ABI: "none", Platform: "any"})
	tags = append(tags, downloader.WheelTag{Python: pyMajor, ABI: "none", Platform: "any"})

	return tags
}

// expandPlatform expands a platform tag into a priority-ordered list including
// manylinux variants (Linux) and lower macOS version variants.
func expandPlatform(platform string) []string {
	platforms := []string{platform}

	if strings.HasPrefix(platform, "linux_") {
		arch := strings.TrimPrefix(platform, "linux_")

		for _, ml := range []string{
			"manylinux_2_35", "manylinux_2_34", "manylinux_2_31",
			"manylinux_2_28", "manylinux_2_17", "manylinux2014",
		} {
			platforms = append(platforms, ml+"_"+arch)
		}
	}

	if strings.HasPrefix(platform, "macosx_") {
		parts := strings.SplitN(platform, "_", 4) // macosx, major, minor, arch
		if len(parts) == 4 {
			arch := parts[3]
			major, _ := strconv.Atoi(parts[1])

			// Universal2 for current version.
			platforms = append(platforms,
				fmt.Sprintf("macosx_%s_%s_universal2", parts[1], parts[2]),
			)

			// Lower macOS versions (arm64 starts at 11, x86_64 down to 10.9).
			minMajor := 10
			if arch == "arm64" {
				minMajor = 11
			}

			for v := major - 1; v >= minMajor; v-- {
				minor := "0"
				if v == 10 {
					minor = "9"
				}

				platforms = append(platforms,
					fmt.Sprintf("macosx_%d_%s_%s", v, minor, arch),
					fmt.Sprintf("macosx_%d_%s_universal2", v, minor),
				)
			}
		}
	}

	return platforms
}

// wheelPlatform converts a sysconfig platform tag to wheel format.
// "macosx-14.0-arm64" → "macosx_14_0_arm64"
func wheelPlatform(sysTag string) string {
	s := strings.ReplaceAll(sysTag, "-", "_")

	return strings.ReplaceAll(s, ".", "_")
}

// printDependencyTree prints each root package's resolved name and version,
// one per line; transitive dependencies are not listed.
func printDependencyTree(roots []string, resolved map[string]resolve.ResolvedPackage) {
	for _, root := range roots {
		pkg, ok := resolved[root]
		if !ok {
			continue
		}

		fmt.Printf("  %s %s\n", pkg.Name, pkg.Version)
	}
}

// formatSize returns a human-readable file size.
func formatSize(bytes int64) string {
	switch {
	case bytes >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(1<<20))
	case bytes >= 1<<10:
		return fmt.Sprintf("%d KB", bytes/(1<<10))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
