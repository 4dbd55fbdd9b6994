package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolvePaths_DefaultLayout(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "go.mod"), []byte("module example.com/test\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{}
	applyDefaults(cfg)

	got, err := ResolvePaths(cfg, root)
	if err != nil {
		t.Fatal(err)
	}
	if got.ProjectRoot != filepath.Clean(root) {
		t.Fatalf("expected project root %q, got %q", root, got.ProjectRoot)
	}
	if got.DBPath != filepath.Join(root, "data/database", "manifest.db") {
		t.Fatalf("unexpected db path: %q", got.DBPath)
	}
	if got.OutputDir != filepath.Join(root, "stid_json") {
		t.Fatalf("unexpected output dir: %q", got.OutputDir)
	}
	if got.DataRoot != filepath.Join(root, "CityData") {
		t.Fatalf("unexpected data root: %q", got.DataRoot)
	}
}

func TestResolvePaths_AbsoluteOverrides(t *testing.T) {
	root := t.TempDir()
	dbPath := filepath.Join(root, "custom", "manifest.db")
	dataRoot := filepath.Join(root, "udx")
	cfg := &Config{
		Paths: Paths{
			ProjectRoot: root,
			DatabaseDir: filepath.Join(root, "db"),
		},
		Input: Input{DataRoot: dataRoot},
		DB:    Database{Path: dbPath},
	}
	applyDefaults(cfg)

	got, err := ResolvePaths(cfg, root)
	if err != nil {
		t.Fatal(err)
	}
	if got.DatabaseDir != filepath.Join(root, "db") {
		t.Fatalf("unexpected database dir: %q", got.DatabaseDir)
	}
	if got.DBPath != dbPath {
		t.Fatalf("unexpected db path: %q", got.DBPath)
	}
	if got.DataRoot != dataRoot {
		t.Fatalf("unexpected data root: %q", got.DataRoot)
	}
}

func TestResolvedPaths_ThemeDir(t *testing.T) {
	root := t.TempDir()
	cfg := &Config{
		Paths: Paths{ProjectRoot: root},
		Themes: map[string]ThemeConfig{
			"fld": {Dir: "fld/pref"},
		},
	}
	applyDefaults(cfg)

	got, err := ResolvePaths(cfg, root)
	if err != nil {
		t.Fatal(err)
	}
	if dir := got.ThemeDir(cfg, "bldg"); dir != filepath.Join(root, "CityData", "bldg") {
		t.Fatalf("unexpected bldg dir: %q", dir)
	}
	if dir := got.ThemeDir(cfg, "fld"); dir != filepath.Join(root, "CityData", "fld", "pref") {
		t.Fatalf("unexpected fld dir: %q", dir)
	}
}

func TestDetectProjectRoot_WalksUpToConfigMarker(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "data", "config"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "data", "config", "citystid.toml"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(root, "CityData", "bldg")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := DetectProjectRoot([]string{nested})
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Clean(root) {
		t.Fatalf("expected %q, got %q", root, got)
	}
}
