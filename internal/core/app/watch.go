package app

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"citystid/internal/core/watcher"
	"citystid/internal/shared/util"
)

type watchRoot struct {
	dir       string
	recursive bool
}

// StartWatcher re-processes documents of the given themes as they change.
// Removed documents are ignored; their previous output is left in place.
func (a *App) StartWatcher(ctx context.Context, themes []string) error {
	dirs := make(map[string]watchRoot, len(themes))
	roots := make([]string, 0, len(themes))
	for _, name := range themes {
		theme, err := a.Theme(name)
		if err != nil {
			return err
		}
		dir := a.Paths.ThemeDir(a.Config, theme.Name)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			slog.Warn("theme directory missing, not watched", "theme", theme.Name, "path", dir)
			continue
		}
		dirs[theme.Name] = watchRoot{dir: dir, recursive: theme.Recursive}
		roots = append(roots, dir)
	}

	w, err := watcher.NewWatcher(a.Config.Watch.Debounce, a.Config.Discovery.ExcludeDirs, func(paths []string) {
		a.handleChanges(ctx, dirs, paths)
	})
	if err != nil {
		return err
	}
	w.SetExtensions(a.Config.Discovery.Extensions)
	if err := w.Watch(roots); err != nil {
		_ = w.Close()
		return err
	}
	a.activeWatcher = w
	return nil
}

// handleChanges groups changed paths by the theme directory that contains
// them and converts each group.
func (a *App) handleChanges(ctx context.Context, dirs map[string]watchRoot, paths []string) {
	byTheme := make(map[string][]string)
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			slog.Debug("changed document no longer exists", "path", path)
			continue
		}
		theme, ok := themeFor(dirs, path)
		if !ok {
			continue
		}
		root := dirs[theme]
		if !root.recursive && filepath.Dir(path) != filepath.Clean(root.dir) {
			continue
		}
		if !a.Eligible(root.dir, path) {
			continue
		}
		byTheme[theme] = append(byTheme[theme], path)
	}

	for _, theme := range util.SortedStringKeys(byTheme) {
		if ctx.Err() != nil {
			return
		}
		files := byTheme[theme]
		sort.Strings(files)
		if _, err := a.ProcessFiles(ctx, theme, files); err != nil {
			slog.Warn("failed to process changed files", "theme", theme, "error", err)
		}
	}
}

// themeFor picks the theme whose directory is the longest prefix of path.
func themeFor(dirs map[string]watchRoot, path string) (string, bool) {
	best, bestLen := "", -1
	for theme, root := range dirs {
		if util.HasPathPrefix(filepath.ToSlash(path), filepath.ToSlash(root.dir)) && len(root.dir) > bestLen {
			best, bestLen = theme, len(root.dir)
		}
	}
	return best, bestLen >= 0
}
