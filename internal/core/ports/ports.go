package ports

import (
	"context"
	"time"

	"citystid/internal/engine/geometry"
)

// FileStatus is the outcome recorded for one input file.
type FileStatus string

const (
	FileStatusOK      FileStatus = "ok"
	FileStatusFailed  FileStatus = "failed"
	FileStatusSkipped FileStatus = "skipped"
)

// FileRecord is the manifest row describing the last conversion of a file.
type FileRecord struct {
	Path      string
	Theme     string
	Hash      string
	Depth     int
	Status    FileStatus
	ErrorCode string
	Records   int
	Chunks    int
	RunID     string
	Duration  time.Duration
	UpdatedAt time.Time
}

// FeatureBounds locates one converted feature for bounding-box queries.
type FeatureBounds struct {
	Path   string
	Theme  string
	Seq    int
	ID     string
	Cells  int
	Bounds geometry.Bounds
}

// RunRecord summarizes one pass over a theme.
type RunRecord struct {
	ID         string
	Theme      string
	StartedAt  time.Time
	FinishedAt time.Time
	Discovered int
	Selected   int
	OK         int
	Failed     int
	Skipped    int
	Records    int
}

type WriteOperation string

const (
	WriteOperationSaveFile WriteOperation = "save_file"
	WriteOperationSaveRun  WriteOperation = "save_run"
)

// WriteRequest is one manifest mutation. SaveFile replaces the file row and
// all of its feature rows.
type WriteRequest struct {
	Operation WriteOperation
	File      FileRecord
	Features  []FeatureBounds
	Run       RunRecord
}

type EnqueueResult string

const (
	EnqueueAccepted EnqueueResult = "accepted"
	EnqueueDropped  EnqueueResult = "dropped"
)

// WriteQueuePort buffers manifest writes between file workers and the single
// store writer.
type WriteQueuePort interface {
	Enqueue(req WriteRequest) EnqueueResult
	Put(ctx context.Context, req WriteRequest) error
	DequeueBatch(ctx context.Context, maxItems int, wait time.Duration) ([]WriteRequest, error)
	Close() error
}

// ManifestStore abstracts run and file bookkeeping for incremental runs and
// feature lookups.
type ManifestStore interface {
	LookupFile(path string) (FileRecord, bool, error)
	ApplyBatch(batch []WriteRequest) error
	LoadFeatures(theme string) ([]FeatureBounds, error)
	LoadRuns(limit int) ([]RunRecord, error)
	Close() error
}
