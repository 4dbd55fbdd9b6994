// Package app wires discovery, parsing, output and the manifest into the
// per-theme conversion pipeline.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"citystid/internal/core/config"
	domainErrors "citystid/internal/core/errors"
	"citystid/internal/core/ports"
	"citystid/internal/core/watcher"
	"citystid/internal/data/manifest"
	"citystid/internal/data/output"
	"citystid/internal/engine/codelist"
	"citystid/internal/engine/feature"
	"citystid/internal/engine/spatialid"
	"citystid/internal/shared/util"

	"github.com/gobwas/glob"
)

// Options carries per-invocation switches that are not part of the config
// file.
type Options struct {
	// Force ignores the manifest when deciding whether a file is current.
	Force bool
	// Depth, when positive, overrides the depth of every theme.
	Depth int
	// Rasterizer replaces the default sampling rasterizer.
	Rasterizer spatialid.Rasterizer
	// Manifest replaces the SQLite store opened from config.
	Manifest ports.ManifestStore
}

type App struct {
	Config *config.Config
	Paths  config.ResolvedPaths
	Writer output.Writer

	rasterizer  spatialid.Rasterizer
	sharedCodes *codelist.SharedCache
	force       bool
	depth       int

	include     []glob.Glob
	exclude     []glob.Glob
	excludeDirs []glob.Glob
	extensions  map[string]bool

	manifest     ports.ManifestStore
	writeQueue   ports.WriteQueuePort
	workerCancel context.CancelFunc
	workerDone   chan struct{}

	progressLimits *util.LimiterRegistry

	updateMu sync.RWMutex
	onUpdate func(Update)

	activeWatcher *watcher.Watcher
}

func New(cfg *config.Config, paths config.ResolvedPaths, opts Options) (*App, error) {
	include, err := compileGlobs(cfg.Discovery.Include, "discovery include")
	if err != nil {
		return nil, err
	}
	exclude, err := compileGlobs(cfg.Discovery.Exclude, "discovery exclude")
	if err != nil {
		return nil, err
	}
	excludeDirs, err := compileGlobs(cfg.Discovery.ExcludeDirs, "discovery exclude dir")
	if err != nil {
		return nil, err
	}
	extensions := make(map[string]bool, len(cfg.Discovery.Extensions))
	for _, ext := range cfg.Discovery.Extensions {
		extensions[ext] = true
	}

	rasterizer := opts.Rasterizer
	if rasterizer == nil {
		rasterizer = spatialid.NewSamplingRasterizer()
	}

	a := &App{
		Config: cfg,
		Paths:  paths,
		Writer: output.Writer{
			Dir:       paths.OutputDir,
			ChunkSize: cfg.Output.ChunkSize,
			Suffix:    cfg.Output.Suffix,
		},
		rasterizer:     rasterizer,
		force:          opts.Force,
		depth:          opts.Depth,
		include:        include,
		exclude:        exclude,
		excludeDirs:    excludeDirs,
		extensions:     extensions,
		manifest:       opts.Manifest,
		progressLimits: util.NewLimiterRegistry(cfg.Logging.ProgressRate, 1),
	}
	if cfg.CodeLists.SharedCache {
		a.sharedCodes = codelist.NewSharedCache(nil)
	}

	if a.manifest == nil && cfg.DB.IsEnabled() {
		store, err := manifest.Open(paths.DBPath, cfg.DB.BusyTimeout)
		if err != nil {
			return nil, domainErrors.AddContext(
				domainErrors.Wrap(err, domainErrors.CodeInternal, "open manifest"),
				domainErrors.CtxPath, paths.DBPath)
		}
		a.manifest = store
	}
	if err := a.initWriteQueue(); err != nil {
		_ = a.closeManifest()
		return nil, err
	}
	return a, nil
}

func compileGlobs(patterns []string, label string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s pattern %q: %w", label, p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// Manifest returns the store backing incremental runs, or nil when the
// manifest is disabled.
func (a *App) Manifest() ports.ManifestStore {
	return a.manifest
}

// Theme resolves a theme name to its descriptor: the built-in descriptor
// with config overrides applied, or a config-only theme when it defines a
// root tag.
func (a *App) Theme(name string) (feature.Theme, error) {
	theme, ok := feature.Builtin(name)
	override, hasOverride := a.Config.Themes[name]
	if !ok {
		if !hasOverride || override.RootTag == "" {
			return feature.Theme{}, domainErrors.AddContext(
				domainErrors.New(domainErrors.CodeNotFound, "unknown theme"),
				domainErrors.CtxTheme, name)
		}
		theme = feature.Theme{Name: name}
	}

	if a.Config.Input.Depth > 0 {
		theme.Depth = uint8(a.Config.Input.Depth)
	}
	if hasOverride {
		theme = applyOverride(theme, override)
	}
	if a.depth > 0 {
		theme.Depth = uint8(a.depth)
	}

	compiled, err := theme.Compile()
	if err != nil {
		return feature.Theme{}, domainErrors.AddContext(
			domainErrors.Wrap(err, domainErrors.CodeValidationError, "invalid theme"),
			domainErrors.CtxTheme, name)
	}
	return compiled, nil
}

func applyOverride(theme feature.Theme, o config.ThemeConfig) feature.Theme {
	if o.RootTag != "" {
		theme.RootTag = o.RootTag
	}
	if o.IDAttr != "" {
		theme.IDAttr = o.IDAttr
	}
	if o.GeometryTag != "" {
		theme.GeometryTag = o.GeometryTag
	}
	if len(o.PassThrough) > 0 {
		theme.PassThrough = append([]string(nil), o.PassThrough...)
	}
	if o.Depth > 0 {
		theme.Depth = uint8(o.Depth)
	}
	if o.Recursive != nil {
		theme.Recursive = *o.Recursive
	}
	if o.PreferHighLOD != nil {
		theme.PreferHighLOD = *o.PreferHighLOD
	}
	if o.RejectUngrounded != nil {
		theme.RejectUngrounded = *o.RejectUngrounded
	}
	if o.QualifiedKeys != nil {
		theme.QualifiedKeys = *o.QualifiedKeys
	}
	return theme
}

// Themes returns the themes selected by config, defaulting to every
// built-in theme.
func (a *App) Themes() []string {
	if len(a.Config.Input.Themes) > 0 {
		return append([]string(nil), a.Config.Input.Themes...)
	}
	return feature.Names()
}

func (a *App) SetUpdateHandler(handler func(Update)) {
	a.updateMu.Lock()
	defer a.updateMu.Unlock()
	a.onUpdate = handler
}

func (a *App) emit(u Update) {
	a.updateMu.RLock()
	handler := a.onUpdate
	a.updateMu.RUnlock()
	if handler != nil {
		handler(u)
	}
}

func (a *App) closeManifest() error {
	if a.manifest == nil {
		return nil
	}
	err := a.manifest.Close()
	a.manifest = nil
	return err
}

// Close stops the watcher, drains pending manifest writes and closes the
// store.
func (a *App) Close(ctx context.Context) error {
	if a == nil {
		return nil
	}
	if a.activeWatcher != nil {
		if err := a.activeWatcher.Close(); err != nil {
			slog.Warn("failed to close watcher", "error", err)
		}
		a.activeWatcher = nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
	}
	if err := a.stopWriteWorker(ctx); err != nil {
		return err
	}
	return a.closeManifest()
}
