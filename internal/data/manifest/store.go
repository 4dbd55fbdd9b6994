// Package manifest records runs, converted files and feature bounds in
// SQLite so later runs can skip unchanged inputs and answer spatial lookups.
package manifest

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"citystid/internal/core/ports"
	"citystid/internal/engine/geometry"

	_ "modernc.org/sqlite"
)

const (
	driverName         = "sqlite"
	maxAttempts        = 5
	defaultBusyTimeout = 5 * time.Second
)

var _ ports.ManifestStore = (*Store)(nil)

type Store struct {
	path string
	db   *sql.DB
	mu   sync.Mutex
}

func Open(path string, busyTimeout time.Duration) (*Store, error) {
	cleanPath := strings.TrimSpace(path)
	if cleanPath == "" {
		return nil, fmt.Errorf("manifest path must not be empty")
	}
	if info, err := os.Stat(cleanPath); err == nil && info.IsDir() {
		return nil, fmt.Errorf("manifest path %q is a directory, expected file", cleanPath)
	}

	dir := filepath.Dir(cleanPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create manifest directory %q: %w", dir, err)
		}
	}

	if busyTimeout <= 0 {
		busyTimeout = defaultBusyTimeout
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)",
		cleanPath, busyTimeout.Milliseconds())
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite manifest %q: %w", cleanPath, err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite manifest %q: %w", cleanPath, err)
	}
	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize sqlite schema %q: %w", cleanPath, err)
	}

	return &Store{path: cleanPath, db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// LookupFile returns the manifest row for path, if any.
func (s *Store) LookupFile(path string) (ports.FileRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		rec        ports.FileRecord
		status     string
		durationMS int64
		updatedRaw string
	)
	err := s.withRetry("lookup file", func() error {
		return s.db.QueryRow(`
SELECT path, theme, content_hash, depth, status, error_code, record_count, chunk_count,
  run_id, duration_ms, updated_at_utc
FROM files WHERE path = ?`, path).Scan(
			&rec.Path, &rec.Theme, &rec.Hash, &rec.Depth, &status, &rec.ErrorCode,
			&rec.Records, &rec.Chunks, &rec.RunID, &durationMS, &updatedRaw,
		)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return ports.FileRecord{}, false, nil
	}
	if err != nil {
		return ports.FileRecord{}, false, err
	}
	rec.Status = ports.FileStatus(status)
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	if ts, err := time.Parse(time.RFC3339Nano, updatedRaw); err == nil {
		rec.UpdatedAt = ts.UTC()
	}
	return rec, true, nil
}

// ApplyBatch writes every request in one transaction.
func (s *Store) ApplyBatch(batch []ports.WriteRequest) error {
	if len(batch) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withRetry("apply manifest batch", func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		for _, req := range batch {
			switch req.Operation {
			case ports.WriteOperationSaveFile:
				if err := saveFile(tx, req.File, req.Features); err != nil {
					return err
				}
			case ports.WriteOperationSaveRun:
				if err := saveRun(tx, req.Run); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unsupported write operation %q", req.Operation)
			}
		}
		return tx.Commit()
	})
}

func saveFile(tx *sql.Tx, rec ports.FileRecord, features []ports.FeatureBounds) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	if _, err := tx.Exec(`
INSERT INTO files (
  path, theme, content_hash, depth, status, error_code, record_count, chunk_count,
  run_id, duration_ms, updated_at_utc
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(path) DO UPDATE SET
  theme=excluded.theme,
  content_hash=excluded.content_hash,
  depth=excluded.depth,
  status=excluded.status,
  error_code=excluded.error_code,
  record_count=excluded.record_count,
  chunk_count=excluded.chunk_count,
  run_id=excluded.run_id,
  duration_ms=excluded.duration_ms,
  updated_at_utc=excluded.updated_at_utc
`,
		rec.Path, rec.Theme, rec.Hash, rec.Depth, string(rec.Status), rec.ErrorCode,
		rec.Records, rec.Chunks, rec.RunID, rec.Duration.Milliseconds(),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("upsert file %q: %w", rec.Path, err)
	}

	// A failed conversion keeps the features of the last good one.
	if rec.Status != ports.FileStatusOK {
		return nil
	}
	if _, err := tx.Exec(`DELETE FROM features WHERE path = ?`, rec.Path); err != nil {
		return fmt.Errorf("clear features for %q: %w", rec.Path, err)
	}
	stmt, err := tx.Prepare(`
INSERT INTO features (
  path, seq, theme, feature_id, cell_count, min_lat, min_lon, min_alt, max_lat, max_lon, max_alt
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare feature insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range features {
		if f.Bounds.IsEmpty() {
			continue
		}
		b := f.Bounds
		if _, err := stmt.Exec(
			rec.Path, f.Seq, rec.Theme, f.ID, f.Cells,
			b.MinLat(), b.MinLon(), b.MinAlt, b.MaxLat(), b.MaxLon(), b.MaxAlt,
		); err != nil {
			return fmt.Errorf("insert feature %d of %q: %w", f.Seq, rec.Path, err)
		}
	}
	return nil
}

func saveRun(tx *sql.Tx, run ports.RunRecord) error {
	finished := ""
	if !run.FinishedAt.IsZero() {
		finished = run.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := tx.Exec(`
INSERT INTO runs (
  run_id, theme, started_at_utc, finished_at_utc, discovered, selected,
  ok_count, failed_count, skipped_count, record_count
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
  finished_at_utc=excluded.finished_at_utc,
  discovered=excluded.discovered,
  selected=excluded.selected,
  ok_count=excluded.ok_count,
  failed_count=excluded.failed_count,
  skipped_count=excluded.skipped_count,
  record_count=excluded.record_count
`,
		run.ID, run.Theme, run.StartedAt.UTC().Format(time.RFC3339Nano), finished,
		run.Discovered, run.Selected, run.OK, run.Failed, run.Skipped, run.Records,
	)
	if err != nil {
		return fmt.Errorf("upsert run %q: %w", run.ID, err)
	}
	return nil
}

// LoadFeatures returns recorded feature bounds, optionally limited to one
// theme, ordered by path and sequence.
func (s *Store) LoadFeatures(theme string) ([]ports.FeatureBounds, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
SELECT path, seq, theme, feature_id, cell_count, min_lat, min_lon, min_alt, max_lat, max_lon, max_alt
FROM features`
	args := make([]any, 0, 1)
	if theme = strings.TrimSpace(theme); theme != "" {
		query += " WHERE theme = ?"
		args = append(args, theme)
	}
	query += " ORDER BY path ASC, seq ASC"

	var rows *sql.Rows
	err := s.withRetry("load features", func() error {
		var qErr error
		rows, qErr = s.db.Query(query, args...)
		return qErr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ports.FeatureBounds, 0)
	for rows.Next() {
		var (
			f                      ports.FeatureBounds
			minLat, minLon, minAlt float64
			maxLat, maxLon, maxAlt float64
		)
		if err := rows.Scan(&f.Path, &f.Seq, &f.Theme, &f.ID, &f.Cells,
			&minLat, &minLon, &minAlt, &maxLat, &maxLon, &maxAlt); err != nil {
			return nil, fmt.Errorf("scan feature row: %w", err)
		}
		f.Bounds = geometry.NewBounds(minLat, minLon, minAlt, maxLat, maxLon, maxAlt)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feature rows: %w", err)
	}
	return out, nil
}

// LoadRuns returns the most recent runs first.
func (s *Store) LoadRuns(limit int) ([]ports.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}
	var rows *sql.Rows
	err := s.withRetry("load runs", func() error {
		var qErr error
		rows, qErr = s.db.Query(`
SELECT run_id, theme, started_at_utc, finished_at_utc, discovered, selected,
  ok_count, failed_count, skipped_count, record_count
FROM runs ORDER BY started_at_utc DESC, run_id ASC LIMIT ?`, limit)
		return qErr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ports.RunRecord, 0)
	for rows.Next() {
		var (
			run                     ports.RunRecord
			startedRaw, finishedRaw string
		)
		if err := rows.Scan(&run.ID, &run.Theme, &startedRaw, &finishedRaw, &run.Discovered, &run.Selected,
			&run.OK, &run.Failed, &run.Skipped, &run.Records); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		started, err := time.Parse(time.RFC3339Nano, startedRaw)
		if err != nil {
			return nil, fmt.Errorf("parse run timestamp %q: %w", startedRaw, err)
		}
		run.StartedAt = started.UTC()
		if finishedRaw != "" {
			finished, err := time.Parse(time.RFC3339Nano, finishedRaw)
			if err != nil {
				return nil, fmt.Errorf("parse run timestamp %q: %w", finishedRaw, err)
			}
			run.FinishedAt = finished.UTC()
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return out, nil
}

func (s *Store) withRetry(op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, sql.ErrNoRows) {
			return err
		}
		lastErr = err
		if !isLockError(err) || attempt == maxAttempts {
			break
		}
		time.Sleep(time.Duration(attempt*25) * time.Millisecond)
	}
	return fmt.Errorf("%s: %w", op, lastErr)
}

func isLockError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}
