package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	coreapp "citystid/internal/core/app"
	"citystid/internal/core/config"
	"citystid/internal/data/catalog"
	"citystid/internal/data/manifest"
	"citystid/internal/engine/feature"
	"citystid/internal/shared/observability"

	"github.com/joho/godotenv"
)

func Run(args []string) int {
	opts, err := parseOptions(args)
	if err != nil {
		return 2
	}

	if opts.version {
		fmt.Printf("citystid v%s\n", versionString)
		return 0
	}
	if err := validateOptions(opts); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}

	_ = godotenv.Load(".env")

	cwd, err := os.Getwd()
	if err != nil {
		slog.Error("failed to detect working directory", "error", err)
		return 1
	}

	cfg, cfgPath, err := loadConfig(opts.configPath, cwd)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}
	config.ApplyEnvOverrides(cfg)
	applyFlagOverrides(opts, cfg)
	if err := config.Validate(cfg); err != nil {
		slog.Error("invalid config", "error", err, "path", cfgPath)
		return 1
	}

	paths, err := config.ResolvePaths(cfg, cwd)
	if err != nil {
		slog.Error("failed to resolve runtime paths", "error", err)
		return 1
	}

	cleanupLogs := configureLogging(opts.ui, opts.verbose, cfg.Logging, paths.StateDir)
	defer cleanupLogs()
	slog.Debug("configuration loaded", "path", cfgPath, "data_root", paths.DataRoot, "output", paths.OutputDir)

	if opts.listThemes {
		printThemes(os.Stdout, cfg)
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.queryBBox != "" {
		return runQueryBBox(os.Stdout, cfg, paths, opts)
	}

	shutdownTracing := setupTracing(ctx, cfg)
	defer shutdownTracing()

	a, err := coreapp.New(cfg, paths, coreapp.Options{Force: opts.force, Depth: opts.depth})
	if err != nil {
		slog.Error("failed to initialize app", "error", err)
		return 1
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			slog.Warn("failed to close app", "error", err)
		}
	}()

	themes, err := selectThemes(a, opts.args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}

	if cfg.Observability.Enabled {
		addr := fmt.Sprintf(":%d", cfg.Observability.Port)
		server := NewObservabilityServer(addr, coreapp.NewHealthService(a), cfg.Observability.EnableMetrics)
		if err := server.Start(ctx); err != nil {
			slog.Error("failed to start observability server", "error", err)
			return 1
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Stop(stopCtx)
		}()
	}

	if opts.ui {
		if err := runUI(ctx, a, themes, opts); err != nil {
			slog.Error("failed to run UI", "error", err)
			return 1
		}
		return 0
	}

	summaries := processThemes(ctx, a, themes, opts.parallel)
	printSummaries(os.Stdout, summaries)

	if !opts.watch {
		return exitCode(summaries)
	}

	if err := a.StartWatcher(ctx, themes); err != nil {
		slog.Error("failed to start watcher", "error", err)
		return 1
	}
	slog.Info("watching for changes", "themes", strings.Join(themes, ","))
	<-ctx.Done()
	slog.Info("shutting down")
	return 0
}

func applyFlagOverrides(opts cliOptions, cfg *config.Config) {
	if opts.dataRoot != "" {
		cfg.Input.DataRoot = opts.dataRoot
	}
	if opts.outputDir != "" {
		cfg.Output.Dir = opts.outputDir
	}
	if opts.parallel > 0 {
		cfg.Input.Parallel = opts.parallel
	}
}

// selectThemes resolves positional arguments, falling back to the themes
// selected by config. Unknown names are rejected before any work starts.
func selectThemes(a *coreapp.App, args []string) ([]string, error) {
	themes := a.Themes()
	if len(args) > 0 {
		themes = make([]string, 0, len(args))
		for _, arg := range args {
			themes = append(themes, strings.ToLower(strings.TrimSpace(arg)))
		}
	}
	for _, name := range themes {
		if _, err := a.Theme(name); err != nil {
			return nil, fmt.Errorf("theme %q: %w", name, err)
		}
	}
	return themes, nil
}

func processThemes(ctx context.Context, a *coreapp.App, themes []string, n int) []coreapp.RunSummary {
	summaries := make([]coreapp.RunSummary, 0, len(themes))
	for _, theme := range themes {
		if ctx.Err() != nil {
			break
		}
		summary, err := a.ProcessTheme(ctx, theme, "", n)
		if err != nil {
			slog.Warn("failed to process theme", "theme", theme, "error", err)
			continue
		}
		summaries = append(summaries, summary)
	}
	return summaries
}

func exitCode(summaries []coreapp.RunSummary) int {
	for _, s := range summaries {
		if s.HasFailures() {
			return 1
		}
	}
	return 0
}

func printSummaries(w io.Writer, summaries []coreapp.RunSummary) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "THEME\tSELECTED\tOK\tFAILED\tSKIPPED\tRECORDS\tELAPSED")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			s.Theme, s.Selected, s.OK, s.Failed, s.Skipped, s.Records, s.Elapsed.Round(time.Millisecond))
	}
	_ = tw.Flush()

	for _, s := range summaries {
		for _, f := range s.Files {
			if f.Err == nil || f.ErrorCode == "" {
				continue
			}
			fmt.Fprintf(w, "failed: %s [%s] %v\n", f.Name, f.ErrorCode, f.Err)
		}
	}
}

func printThemes(w io.Writer, cfg *config.Config) {
	names := feature.Names()
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		seen[name] = true
	}
	for name, tc := range cfg.Themes {
		if !seen[name] && tc.RootTag != "" {
			names = append(names, name)
			seen[name] = true
		}
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "THEME\tROOT\tRECURSIVE")
	for _, name := range names {
		theme, ok := feature.Builtin(name)
		if tc, has := cfg.Themes[name]; has {
			if !ok {
				theme = feature.Theme{Name: name}
			}
			if tc.RootTag != "" {
				theme.RootTag = tc.RootTag
			}
			if tc.Recursive != nil {
				theme.Recursive = *tc.Recursive
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\n", name, theme.RootTag, theme.Recursive)
	}
	_ = tw.Flush()
}

func runQueryBBox(w io.Writer, cfg *config.Config, paths config.ResolvedPaths, opts cliOptions) int {
	box, err := parseBBox(opts.queryBBox)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}
	if !cfg.DB.IsEnabled() {
		fmt.Fprintln(os.Stderr, "--query-bbox requires the manifest (db.enabled)")
		return 1
	}

	store, err := manifest.Open(paths.DBPath, cfg.DB.BusyTimeout)
	if err != nil {
		slog.Error("failed to open manifest", "error", err, "path", paths.DBPath)
		return 1
	}
	defer store.Close()

	theme := ""
	if len(opts.args) == 1 {
		theme = strings.ToLower(opts.args[0])
	}
	cat, err := catalog.Build(store, theme)
	if err != nil {
		slog.Error("failed to build feature catalog", "error", err)
		return 1
	}
	hits, err := cat.Query(box)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tSEQ\tID\tTHEME\tCELLS\tBOUNDS")
	for _, f := range hits {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\t%.6f,%.6f,%.6f,%.6f\n",
			f.Path, f.Seq, f.ID, f.Theme, f.Cells,
			f.Bounds.MinLat(), f.Bounds.MinLon(), f.Bounds.MaxLat(), f.Bounds.MaxLon())
	}
	_ = tw.Flush()
	slog.Debug("bbox query", "indexed", cat.Len(), "hits", len(hits))
	return 0
}

func setupTracing(ctx context.Context, cfg *config.Config) func() {
	if !cfg.Observability.EnableTracing {
		return func() {}
	}
	shutdown, err := observability.InitTracing(ctx, cfg.Observability.OTLPEndpoint, cfg.Observability.ServiceName)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
		return func() {}
	}
	return func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(stopCtx); err != nil {
			slog.Warn("failed to flush traces", "error", err)
		}
	}
}

func loadConfig(path, cwd string) (*config.Config, string, error) {
	if path != defaultConfigPath {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, "", err
		}
		return cfg, path, nil
	}

	candidates, err := discoverDefaultConfig(cwd)
	if err != nil {
		return nil, "", err
	}

	for _, candidate := range candidates {
		cfg, loadErr := config.Load(candidate)
		if loadErr == nil {
			return cfg, candidate, nil
		}
		if os.IsNotExist(loadErr) {
			continue
		}
		return nil, "", loadErr
	}

	return config.Default(), "", nil
}

func discoverDefaultConfig(cwd string) ([]string, error) {
	if strings.TrimSpace(cwd) == "" {
		return nil, fmt.Errorf("cwd must not be empty")
	}
	return []string{
		filepath.Clean(filepath.Join(cwd, "data/config", config.DefaultFileName)),
		filepath.Clean(filepath.Join(cwd, config.DefaultFileName)),
	}, nil
}

func configureLogging(uiMode, verbose bool, cfg config.Logging, stateDir string) func() {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	if verbose {
		logLevel = slog.LevelDebug
	}

	var output io.Writer = os.Stderr
	var closeFn func() = func() {}
	if uiMode {
		logPath := resolveLogPath(stateDir)
		if err := os.MkdirAll(filepath.Dir(logPath), 0o700); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to create log dir for %s: %v\n", logPath, err)
		} else {
			if fi, err := os.Lstat(logPath); err == nil && (fi.Mode()&os.ModeSymlink) != 0 {
				fmt.Fprintf(os.Stderr, "warning: refusing to write logs to symlink path %s\n", logPath)
			} else {
				f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
				if err == nil {
					output = f
					closeFn = func() { _ = f.Close() }
				} else {
					fmt.Fprintf(os.Stderr, "warning: failed to open log file %s: %v\n", logPath, err)
				}
			}
		}
	}

	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler = slog.NewTextHandler(output, handlerOpts)
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, handlerOpts)
	}
	slog.SetDefault(slog.New(handler))
	return closeFn
}

func resolveLogPath(stateDir string) string {
	if stateDir != "" {
		return filepath.Join(stateDir, "citystid.log")
	}
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "citystid", "citystid.log")
	}

	home, err := os.UserHomeDir()
	if err == nil && home != "" {
		return filepath.Join(home, ".local", "state", "citystid", "citystid.log")
	}

	return "citystid.log"
}
