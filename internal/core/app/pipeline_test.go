package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"citystid/internal/core/config"
	domainErrors "citystid/internal/core/errors"
	"citystid/internal/core/ports"
	"citystid/internal/data/manifest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goodRing = "35.68 139.76 10 35.68 139.761 10 35.681 139.761 10 35.68 139.76 10"

func building(id, posList string) string {
	return `<bldg:Building gml:id="` + id + `">
      <bldg:measuredHeight uom="m">12.5</bldg:measuredHeight>
      <bldg:lod0RoofEdge><gml:MultiSurface><gml:surfaceMember><gml:Polygon><gml:exterior><gml:LinearRing>
        <gml:posList>` + posList + `</gml:posList>
      </gml:LinearRing></gml:exterior></gml:Polygon></gml:surfaceMember></gml:MultiSurface></bldg:lod0RoofEdge>
    </bldg:Building>`
}

func document(buildings ...string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<core:CityModel xmlns:core="http://www.opengis.net/citygml/2.0" xmlns:gml="http://www.opengis.net/gml"
  xmlns:bldg="http://www.opengis.net/citygml/building/2.0">
`)
	for _, m := range buildings {
		b.WriteString("  <core:cityObjectMember>\n    ")
		b.WriteString(m)
		b.WriteString("\n  </core:cityObjectMember>\n")
	}
	b.WriteString("</core:CityModel>\n")
	return b.String()
}

type project struct {
	root  string
	paths config.ResolvedPaths
	cfg   *config.Config
}

func newProject(t *testing.T) *project {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Input.Depth = 16
	cfg.Input.Parallel = 2
	cfg.Discovery.MaxFiles = -1
	return &project{
		root: root,
		cfg:  cfg,
		paths: config.ResolvedPaths{
			ProjectRoot: root,
			DataRoot:    filepath.Join(root, "CityData"),
			OutputDir:   filepath.Join(root, "stid_json"),
			DBPath:      filepath.Join(root, "data", "database", "manifest.db"),
		},
	}
}

func (p *project) write(t *testing.T, rel, content string) string {
	t.Helper()
	path := filepath.Join(p.paths.DataRoot, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (p *project) open(t *testing.T, opts Options) *App {
	t.Helper()
	a, err := New(p.cfg, p.paths, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func resultFor(t *testing.T, s RunSummary, name string) FileResult {
	t.Helper()
	for _, f := range s.Files {
		if f.Name == name {
			return f
		}
	}
	t.Fatalf("no result for %s in %+v", name, s.Files)
	return FileResult{}
}

func TestProcessTheme_IsolatesFailures(t *testing.T) {
	p := newProject(t)
	p.write(t, "bldg/a.gml", document(building("bldg_a1", goodRing), building("bldg_a2", goodRing)))
	p.write(t, "bldg/b.gml", document(building("bldg_b1", "1 2 3 4 5 6 7 8 9 10")))
	p.write(t, "bldg/c.gml", document(building("bldg_c1", goodRing)))

	a := p.open(t, Options{})
	summary, err := a.ProcessTheme(context.Background(), "bldg", "", 4)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Discovered)
	assert.Equal(t, 3, summary.Selected)
	assert.Equal(t, 2, summary.OK)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 3, summary.Records)
	assert.True(t, summary.HasFailures())
	assert.NotEmpty(t, summary.RunID)

	failed := resultFor(t, summary, "bldg/b.gml")
	assert.Equal(t, ports.FileStatusFailed, failed.Status)
	assert.Equal(t, domainErrors.CodeGeometryFormat, failed.ErrorCode)
	assert.False(t, a.Writer.Exists("bldg/b.gml"), "a geometry error must not produce output")

	ok := resultFor(t, summary, "bldg/a.gml")
	assert.Equal(t, 2, ok.Records)
	assert.Equal(t, 1, ok.Chunks)
	assert.FileExists(t, a.Writer.ChunkPath("bldg/a.gml", 1))
	assert.FileExists(t, a.Writer.ChunkPath("bldg/c.gml", 1))
}

func TestProcessTheme_GeometryErrorKeepsPriorArtifact(t *testing.T) {
	p := newProject(t)
	path := p.write(t, "bldg/a.gml", document(building("bldg_a1", goodRing)))

	a := p.open(t, Options{})
	_, err := a.ProcessTheme(context.Background(), "bldg", "", 1)
	require.NoError(t, err)
	chunk := a.Writer.ChunkPath("bldg/a.gml", 1)
	before, err := os.ReadFile(chunk)
	require.NoError(t, err)
	require.Contains(t, string(before), "bldg_a1")

	require.NoError(t, os.WriteFile(path, []byte(document(building("bldg_a1", "1 2 3 4 5 6 7 8 9 10"))), 0o644))
	summary, err := a.ProcessTheme(context.Background(), "bldg", "", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	after, err := os.ReadFile(chunk)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestProcessTheme_IncrementalSkip(t *testing.T) {
	p := newProject(t)
	p.write(t, "bldg/a.gml", document(building("bldg_a1", goodRing)))

	first, err := New(p.cfg, p.paths, Options{})
	require.NoError(t, err)
	summary, err := first.ProcessTheme(context.Background(), "bldg", "", 1)
	require.NoError(t, err)
	require.Equal(t, 1, summary.OK)
	require.NoError(t, first.Close(context.Background()))

	second := p.open(t, Options{})
	summary, err = second.ProcessTheme(context.Background(), "bldg", "", 1)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.OK)
	assert.Equal(t, 1, summary.Skipped)

	rec, ok, err := second.Manifest().LookupFile("bldg/a.gml")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ports.FileStatusOK, rec.Status)
	assert.Equal(t, 16, rec.Depth)

	require.NoError(t, os.Remove(second.Writer.ChunkPath("bldg/a.gml", 1)))
	summary, err = second.ProcessTheme(context.Background(), "bldg", "", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.OK, "missing output forces reconversion")
}

func TestProcessTheme_ForceAndDepthChangeReconvert(t *testing.T) {
	p := newProject(t)
	p.write(t, "bldg/a.gml", document(building("bldg_a1", goodRing)))

	first, err := New(p.cfg, p.paths, Options{})
	require.NoError(t, err)
	_, err = first.ProcessTheme(context.Background(), "bldg", "", 1)
	require.NoError(t, err)
	require.NoError(t, first.Close(context.Background()))

	forced := p.open(t, Options{Force: true})
	summary, err := forced.ProcessTheme(context.Background(), "bldg", "", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.OK)

	deeper := p.open(t, Options{Depth: 18})
	summary, err = deeper.ProcessTheme(context.Background(), "bldg", "", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.OK)
}

func TestProcessTheme_MaxFilesDefaultsToParallelism(t *testing.T) {
	p := newProject(t)
	p.cfg.Discovery.MaxFiles = 0
	for _, name := range []string{"c", "a", "b"} {
		p.write(t, "bldg/"+name+".gml", document(building("bldg_"+name, goodRing)))
	}

	a := p.open(t, Options{})
	summary, err := a.ProcessTheme(context.Background(), "bldg", "", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Discovered)
	assert.Equal(t, 2, summary.Selected)
	resultFor(t, summary, "bldg/a.gml")
	resultFor(t, summary, "bldg/b.gml")
}

func TestProcessTheme_Errors(t *testing.T) {
	p := newProject(t)
	a := p.open(t, Options{})

	_, err := a.ProcessTheme(context.Background(), "nope", "", 1)
	assert.True(t, domainErrors.IsCode(err, domainErrors.CodeNotFound), "got %v", err)

	_, err = a.ProcessTheme(context.Background(), "bldg", filepath.Join(p.root, "missing"), 1)
	assert.True(t, domainErrors.IsCode(err, domainErrors.CodeNotFound), "got %v", err)
}

func TestProcessTheme_CancelledBeforeDispatch(t *testing.T) {
	p := newProject(t)
	p.write(t, "bldg/a.gml", document(building("bldg_a1", goodRing)))
	a := p.open(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := a.ProcessTheme(ctx, "bldg", "", 1)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.OK)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 1, summary.Skipped)
	assert.False(t, a.Writer.Exists("bldg/a.gml"))
}

func TestProcessFiles_EmitsUpdates(t *testing.T) {
	p := newProject(t)
	a1 := p.write(t, "bldg/a.gml", document(building("bldg_a1", goodRing)))
	b1 := p.write(t, "bldg/b.gml", document(building("bldg_b1", goodRing)))
	a := p.open(t, Options{})

	var (
		mu      sync.Mutex
		updates []Update
	)
	a.SetUpdateHandler(func(u Update) {
		mu.Lock()
		updates = append(updates, u)
		mu.Unlock()
	})

	summary, err := a.ProcessFiles(context.Background(), "bldg", []string{a1, b1})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.OK)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, updates, 2)
	assert.Equal(t, 2, updates[1].Done)
	assert.Equal(t, 2, updates[1].Total)
	assert.Equal(t, summary.RunID, updates[0].RunID)
}

func TestProcessTheme_RecordsManifest(t *testing.T) {
	p := newProject(t)
	p.write(t, "bldg/a.gml", document(building("bldg_a1", goodRing), building("bldg_a2", goodRing)))
	p.write(t, "bldg/b.gml", document(building("bldg_b1", "1 2 3 4 5 6 7 8 9 10")))

	a, err := New(p.cfg, p.paths, Options{})
	require.NoError(t, err)
	summary, err := a.ProcessTheme(context.Background(), "bldg", "", 2)
	require.NoError(t, err)
	require.NoError(t, a.Close(context.Background()))

	store, err := manifest.Open(p.paths.DBPath, 0)
	require.NoError(t, err)
	defer store.Close()

	features, err := store.LoadFeatures("bldg")
	require.NoError(t, err)
	require.Len(t, features, 2)
	assert.Equal(t, "bldg_a1", features[0].ID)
	assert.InDelta(t, 35.68, features[0].Bounds.MinLat(), 1e-9)
	assert.InDelta(t, 10, features[0].Bounds.MaxAlt, 1e-9)

	failed, ok, err := store.LookupFile("bldg/b.gml")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ports.FileStatusFailed, failed.Status)
	assert.Equal(t, string(domainErrors.CodeGeometryFormat), failed.ErrorCode)

	runs, err := store.LoadRuns(5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, summary.RunID, runs[0].ID)
	assert.Equal(t, 1, runs[0].OK)
	assert.Equal(t, 1, runs[0].Failed)
	assert.False(t, runs[0].FinishedAt.IsZero())
}

func TestProcessTheme_WithoutManifest(t *testing.T) {
	p := newProject(t)
	disabled := false
	p.cfg.DB.Enabled = &disabled
	p.cfg.CodeLists.SharedCache = true
	p.write(t, "bldg/a.gml", document(building("bldg_a1", goodRing)))

	a := p.open(t, Options{})
	assert.Nil(t, a.Manifest())
	summary, err := a.ProcessTheme(context.Background(), "bldg", "", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.OK)
	assert.NoFileExists(t, p.paths.DBPath)

	health := NewHealthService(a).Check(context.Background())
	assert.Equal(t, "up", health.Status)
	assert.Contains(t, health.Components["codelists"], "ok")
}
