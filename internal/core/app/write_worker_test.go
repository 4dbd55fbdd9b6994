package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"citystid/internal/core/config"
	"citystid/internal/core/ports"
	"citystid/internal/data/manifest"
)

func newTestManifest(t *testing.T) *manifest.Store {
	t.Helper()
	store, err := manifest.Open(filepath.Join(t.TempDir(), "manifest.db"), time.Second)
	if err != nil {
		t.Fatalf("open manifest: %v", err)
	}
	return store
}

func testWriteQueueConfig(capacity, batchSize int, flushInterval time.Duration) *config.Config {
	cfg := config.Default()
	cfg.WriteQueue = config.WriteQueue{
		Capacity:      capacity,
		BatchSize:     batchSize,
		FlushInterval: flushInterval,
	}
	return cfg
}

func saveFileRequest(path string) ports.WriteRequest {
	return ports.WriteRequest{
		Operation: ports.WriteOperationSaveFile,
		File:      ports.FileRecord{Path: path, Theme: "bldg", Depth: 25, Status: ports.FileStatusOK},
	}
}

func TestWriteWorker_AppliesQueuedWrite(t *testing.T) {
	store := newTestManifest(t)
	app := &App{
		Config:   testWriteQueueConfig(8, 2, 20*time.Millisecond),
		manifest: store,
	}
	if err := app.initWriteQueue(); err != nil {
		t.Fatalf("initWriteQueue failed: %v", err)
	}
	defer func() {
		_ = app.stopWriteWorker(context.Background())
		_ = store.Close()
	}()

	app.enqueueWrite(context.Background(), saveFileRequest("bldg/a.gml"))

	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok, err := store.LookupFile("bldg/a.gml"); err == nil && ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timed out waiting for queued write to reach the manifest")
}

func TestWriteWorker_StopDrainsPendingWrites(t *testing.T) {
	store := newTestManifest(t)
	app := &App{
		Config:   testWriteQueueConfig(8, 8, 5*time.Second),
		manifest: store,
	}
	if err := app.initWriteQueue(); err != nil {
		t.Fatalf("initWriteQueue failed: %v", err)
	}
	defer store.Close()

	for _, p := range []string{"bldg/a.gml", "bldg/b.gml", "bldg/c.gml"} {
		app.enqueueWrite(context.Background(), saveFileRequest(p))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := app.stopWriteWorker(ctx); err != nil {
		t.Fatalf("stopWriteWorker failed: %v", err)
	}

	for _, p := range []string{"bldg/a.gml", "bldg/b.gml", "bldg/c.gml"} {
		if _, ok, err := store.LookupFile(p); err != nil || !ok {
			t.Fatalf("expected %s to be drained before worker stop, ok=%v err=%v", p, ok, err)
		}
	}
}

func TestWriteWorker_FullQueueAppliesBackpressure(t *testing.T) {
	store := newTestManifest(t)
	app := &App{
		Config:   testWriteQueueConfig(1, 1, time.Millisecond),
		manifest: store,
	}
	if err := app.initWriteQueue(); err != nil {
		t.Fatalf("initWriteQueue failed: %v", err)
	}
	defer store.Close()

	for i := 0; i < 20; i++ {
		app.enqueueWrite(context.Background(), saveFileRequest(filepath.ToSlash(filepath.Join("bldg", string(rune('a'+i))+".gml"))))
	}
	if err := app.stopWriteWorker(context.Background()); err != nil {
		t.Fatalf("stopWriteWorker failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		p := filepath.ToSlash(filepath.Join("bldg", string(rune('a'+i))+".gml"))
		if _, ok, _ := store.LookupFile(p); !ok {
			t.Fatalf("expected %s to be persisted despite a full queue", p)
		}
	}
}

func TestEnqueueWrite_AfterStopFallsBackToSyncWrite(t *testing.T) {
	store := newTestManifest(t)
	app := &App{
		Config:   testWriteQueueConfig(4, 2, 10*time.Millisecond),
		manifest: store,
	}
	if err := app.initWriteQueue(); err != nil {
		t.Fatalf("initWriteQueue failed: %v", err)
	}
	defer store.Close()
	if err := app.stopWriteWorker(context.Background()); err != nil {
		t.Fatalf("stopWriteWorker failed: %v", err)
	}

	app.enqueueWrite(context.Background(), saveFileRequest("late.gml"))
	if _, ok, _ := store.LookupFile("late.gml"); !ok {
		t.Fatal("expected late write to be applied synchronously")
	}
}
