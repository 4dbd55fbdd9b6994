package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	domainErrors "citystid/internal/core/errors"
	"citystid/internal/core/ports"
	"citystid/internal/engine/codelist"
	"citystid/internal/engine/feature"
	"citystid/internal/shared/observability"
	"citystid/internal/shared/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// FileResult is the outcome of one input file.
type FileResult struct {
	Path      string
	Name      string
	Theme     string
	Status    ports.FileStatus
	ErrorCode domainErrors.ErrorCode
	Err       error
	Records   int
	Chunks    int
	Hash      string
	Truncated bool
	Duration  time.Duration
}

// RunSummary aggregates one pass over a theme.
type RunSummary struct {
	RunID      string
	Theme      string
	Discovered int
	Selected   int
	OK         int
	Failed     int
	Skipped    int
	Records    int
	StartedAt  time.Time
	Elapsed    time.Duration
	Files      []FileResult
}

func (s RunSummary) HasFailures() bool {
	return s.Failed > 0
}

// Update reports progress to an attached view after each file.
type Update struct {
	RunID string
	Theme string
	File  FileResult
	Done  int
	Total int
}

// ProcessTheme converts the documents of one theme found under baseDir, or
// under the theme's configured directory when baseDir is empty, with at
// most n files in flight. A failed file is logged and counted; it never
// stops its siblings.
func (a *App) ProcessTheme(ctx context.Context, theme, baseDir string, n int) (RunSummary, error) {
	ctx, span := observability.Tracer.Start(ctx, "app.ProcessTheme", trace.WithAttributes(
		attribute.String("theme", theme),
	))
	defer span.End()

	desc, err := a.Theme(theme)
	if err != nil {
		span.RecordError(err)
		return RunSummary{Theme: theme}, err
	}
	if baseDir == "" {
		baseDir = a.Paths.ThemeDir(a.Config, desc.Name)
	}
	if n <= 0 {
		n = a.Config.Input.Parallel
	}

	files, err := a.Discover(baseDir, desc.Recursive)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "discovery failed")
		return RunSummary{Theme: desc.Name}, err
	}
	selected := selectFiles(files, a.Config.Discovery.MaxFiles, n)
	span.SetAttributes(
		attribute.Int("files.discovered", len(files)),
		attribute.Int("files.selected", len(selected)),
	)

	summary := a.run(ctx, desc, selected, n, len(files))
	a.finishRun(summary)
	return summary, nil
}

// ProcessFiles converts an explicit list of documents of one theme, as
// reported by the watcher.
func (a *App) ProcessFiles(ctx context.Context, theme string, paths []string) (RunSummary, error) {
	desc, err := a.Theme(theme)
	if err != nil {
		return RunSummary{Theme: theme}, err
	}
	summary := a.run(ctx, desc, paths, a.Config.Input.Parallel, len(paths))
	a.finishRun(summary)
	return summary, nil
}

func (a *App) run(ctx context.Context, theme feature.Theme, paths []string, n, discovered int) RunSummary {
	if n <= 0 {
		n = 1
	}
	summary := RunSummary{
		RunID:      uuid.NewString(),
		Theme:      theme.Name,
		Discovered: discovered,
		Selected:   len(paths),
		StartedAt:  time.Now(),
		Files:      make([]FileResult, len(paths)),
	}
	started := summary.StartedAt
	a.enqueueWrite(ctx, ports.WriteRequest{Operation: ports.WriteOperationSaveRun, Run: ports.RunRecord{
		ID:         summary.RunID,
		Theme:      theme.Name,
		StartedAt:  started.UTC(),
		Discovered: discovered,
		Selected:   len(paths),
	}})

	var resolver codelist.Resolver
	if a.sharedCodes != nil {
		resolver = a.sharedCodes
	}

	done := make(chan FileResult)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		count := 0
		for res := range done {
			count++
			a.emit(Update{RunID: summary.RunID, Theme: theme.Name, File: res, Done: count, Total: len(paths)})
		}
	}()

	g := new(errgroup.Group)
	g.SetLimit(n)
	for i, path := range paths {
		if ctx.Err() != nil {
			summary.Files[i] = FileResult{Path: path, Theme: theme.Name, Status: ports.FileStatusSkipped, Err: ctx.Err()}
			continue
		}
		g.Go(func() error {
			res := a.processFile(ctx, theme, path, summary.RunID, resolver)
			summary.Files[i] = res
			done <- res
			return nil
		})
	}
	_ = g.Wait()
	close(done)
	<-collected

	for _, res := range summary.Files {
		switch res.Status {
		case ports.FileStatusOK:
			summary.OK++
			summary.Records += res.Records
		case ports.FileStatusFailed:
			summary.Failed++
		default:
			summary.Skipped++
		}
	}
	summary.Elapsed = time.Since(started)
	return summary
}

func (a *App) finishRun(summary RunSummary) {
	slog.Info("theme processed",
		"theme", summary.Theme,
		"run_id", summary.RunID,
		"discovered", summary.Discovered,
		"selected", summary.Selected,
		"ok", summary.OK,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"records", summary.Records,
		"elapsed", summary.Elapsed.Round(time.Millisecond),
		"heap_mb", util.HeapAllocMB(),
	)
	a.enqueueWrite(context.Background(), ports.WriteRequest{Operation: ports.WriteOperationSaveRun, Run: ports.RunRecord{
		ID:         summary.RunID,
		Theme:      summary.Theme,
		StartedAt:  summary.StartedAt.UTC(),
		FinishedAt: time.Now().UTC(),
		Discovered: summary.Discovered,
		Selected:   summary.Selected,
		OK:         summary.OK,
		Failed:     summary.Failed,
		Skipped:    summary.Skipped,
		Records:    summary.Records,
	}})
}

func (a *App) processFile(ctx context.Context, theme feature.Theme, path, runID string, resolver codelist.Resolver) (res FileResult) {
	ctx, span := observability.Tracer.Start(ctx, "app.processFile", trace.WithAttributes(
		attribute.String("theme", theme.Name),
		attribute.String("path", path),
	))
	defer span.End()

	started := time.Now()
	res = FileResult{
		Path:  path,
		Name:  util.RelativeSlashPath(a.Paths.DataRoot, path),
		Theme: theme.Name,
	}
	defer func() {
		res.Duration = time.Since(started)
		observability.FileDuration.WithLabelValues(theme.Name).Observe(res.Duration.Seconds())
		observability.FilesTotal.WithLabelValues(theme.Name, string(res.Status)).Inc()
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, string(res.ErrorCode))
		}
	}()

	hash, err := util.FileHash(path)
	if err != nil {
		a.fail(ctx, &res, theme, runID, started, domainErrors.Wrap(err, domainErrors.CodeDocumentRead, "read document"))
		return res
	}
	res.Hash = hash

	if a.current(res.Name, theme, hash) {
		res.Status = ports.FileStatusSkipped
		slog.Debug("file unchanged, skipping", "path", res.Name, "theme", theme.Name)
		return res
	}

	parser, err := feature.NewParser(theme, feature.Options{
		Source:            path,
		Resolver:          resolver,
		Rasterizer:        a.rasterizer,
		CodeListAttribute: a.Config.CodeLists.Attribute,
		Logger:            slog.Default().With("path", res.Name),
	})
	if err != nil {
		a.fail(ctx, &res, theme, runID, started, err)
		return res
	}
	records, err := parser.ParseFile(ctx, path)
	if err != nil {
		a.fail(ctx, &res, theme, runID, started, err)
		return res
	}
	stats := parser.Stats()
	res.Truncated = stats.Truncated
	if stats.Truncated {
		slog.Warn("document ended inside a feature; last feature discarded", "path", res.Name, "theme", theme.Name)
	}

	written, err := a.Writer.Write(res.Name, records)
	if err != nil {
		a.fail(ctx, &res, theme, runID, started, err)
		return res
	}

	res.Status = ports.FileStatusOK
	res.Records = len(records)
	res.Chunks = len(written.Paths)
	res.Duration = time.Since(started)
	observability.FeaturesTotal.WithLabelValues(theme.Name).Add(float64(len(records)))
	span.SetAttributes(attribute.Int("records", res.Records), attribute.Int("chunks", res.Chunks))

	if a.progressLimits.Get(theme.Name).Allow(1) {
		slog.Info("converted file",
			"path", res.Name,
			"theme", theme.Name,
			"records", res.Records,
			"chunks", res.Chunks,
			"rings", stats.Footprint.Rings,
			"triangulation_failures", stats.Footprint.TriangulationFailures,
		)
	}

	features := make([]ports.FeatureBounds, 0, len(records))
	for _, rec := range records {
		features = append(features, ports.FeatureBounds{
			Path:   res.Name,
			Theme:  theme.Name,
			Seq:    rec.Seq,
			ID:     rec.ID,
			Cells:  len(rec.Footprint),
			Bounds: rec.Bounds,
		})
	}
	a.enqueueWrite(ctx, ports.WriteRequest{
		Operation: ports.WriteOperationSaveFile,
		File:      a.fileRecord(res, theme, runID),
		Features:  features,
	})
	return res
}

// fail records a failed or cancelled file. Cancellation is not a failure of
// the document and is reported as skipped.
func (a *App) fail(ctx context.Context, res *FileResult, theme feature.Theme, runID string, started time.Time, err error) {
	res.Err = err
	res.Duration = time.Since(started)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		res.Status = ports.FileStatusSkipped
		return
	}
	res.Status = ports.FileStatusFailed
	res.ErrorCode = domainErrors.CodeOf(err)
	slog.Warn("failed to process file", "path", res.Path, "code", res.ErrorCode, "error", err)

	a.enqueueWrite(ctx, ports.WriteRequest{
		Operation: ports.WriteOperationSaveFile,
		File:      a.fileRecord(*res, theme, runID),
	})
}

func (a *App) fileRecord(res FileResult, theme feature.Theme, runID string) ports.FileRecord {
	return ports.FileRecord{
		Path:      res.Name,
		Theme:     res.Theme,
		Hash:      res.Hash,
		Depth:     int(theme.Depth),
		Status:    res.Status,
		ErrorCode: string(res.ErrorCode),
		Records:   res.Records,
		Chunks:    res.Chunks,
		RunID:     runID,
		Duration:  res.Duration,
	}
}

// current reports whether the manifest already holds a successful
// conversion of identical content under the same theme and depth whose
// output is still on disk.
func (a *App) current(name string, theme feature.Theme, hash string) bool {
	if a.force || a.manifest == nil || !a.Config.DB.IncrementalEnabled() {
		return false
	}
	rec, ok, err := a.manifest.LookupFile(name)
	if err != nil {
		slog.Warn("manifest lookup failed", "path", name, "error", err)
		return false
	}
	if !ok || rec.Status != ports.FileStatusOK || rec.Hash != hash ||
		rec.Theme != theme.Name || rec.Depth != int(theme.Depth) {
		return false
	}
	return rec.Records == 0 || a.Writer.Exists(name)
}
