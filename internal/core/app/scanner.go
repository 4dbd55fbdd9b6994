package app

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	domainErrors "citystid/internal/core/errors"
	"citystid/internal/shared/util"

	"github.com/gobwas/glob"
)

// Discover lists the input documents under baseDir in lexical order.
// Non-recursive themes only look at the top level.
func (a *App) Discover(baseDir string, recursive bool) ([]string, error) {
	info, err := os.Stat(baseDir)
	if err != nil {
		return nil, domainErrors.AddContext(
			domainErrors.Wrap(err, domainErrors.CodeNotFound, "theme directory not readable"),
			domainErrors.CtxPath, baseDir)
	}
	if !info.IsDir() {
		return nil, domainErrors.AddContext(
			domainErrors.New(domainErrors.CodeValidationError, "theme path is not a directory"),
			domainErrors.CtxPath, baseDir)
	}

	var files []string
	err = filepath.WalkDir(baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path == baseDir {
				return nil
			}
			if !recursive || a.excludedDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if a.Eligible(baseDir, path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, domainErrors.AddContext(
			domainErrors.Wrap(err, domainErrors.CodeDocumentRead, "walk theme directory"),
			domainErrors.CtxPath, baseDir)
	}

	sort.Strings(files)
	return files, nil
}

// Eligible applies the extension filter and the include/exclude patterns.
// Patterns match either the base name or the slash path relative to
// baseDir.
func (a *App) Eligible(baseDir, path string) bool {
	if !a.extensions[strings.ToLower(filepath.Ext(path))] {
		return false
	}
	base := filepath.Base(path)
	rel := util.RelativeSlashPath(baseDir, path)

	if len(a.include) > 0 && !matchAny(a.include, base, rel) {
		return false
	}
	return !matchAny(a.exclude, base, rel)
}

func (a *App) excludedDir(name string) bool {
	for _, g := range a.excludeDirs {
		if g.Match(name) {
			return true
		}
	}
	return false
}

func matchAny(globs []glob.Glob, candidates ...string) bool {
	for _, g := range globs {
		for _, c := range candidates {
			if g.Match(c) {
				return true
			}
		}
	}
	return false
}

// selectFiles applies the max_files policy: 0 caps at the parallelism
// bound, a negative value takes everything.
func selectFiles(files []string, maxFiles, n int) []string {
	limit := maxFiles
	if limit == 0 {
		limit = n
	}
	if limit < 0 || limit >= len(files) {
		return files
	}
	return files[:limit]
}
