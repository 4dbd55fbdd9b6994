package config

import (
	"time"
)

type Config struct {
	Version       int                    `toml:"version"`
	Paths         Paths                  `toml:"paths"`
	Input         Input                  `toml:"input"`
	Themes        map[string]ThemeConfig `toml:"themes"`
	Discovery     Discovery              `toml:"discovery"`
	Output        Output                 `toml:"output"`
	CodeLists     CodeLists              `toml:"codelists"`
	DB            Database               `toml:"db"`
	WriteQueue    WriteQueue             `toml:"write_queue"`
	Watch         Watch                  `toml:"watch"`
	Observability Observability          `toml:"observability"`
	Logging       Logging                `toml:"logging"`
}

type Paths struct {
	ProjectRoot string `toml:"project_root"`
	StateDir    string `toml:"state_dir"`
	DatabaseDir string `toml:"database_dir"`
}

// Input selects what gets converted. Theme files live under DataRoot/<theme>
// unless a theme overrides its directory.
type Input struct {
	DataRoot string   `toml:"data_root"`
	Themes   []string `toml:"themes"`
	Parallel int      `toml:"parallel"`
	Depth    int      `toml:"depth"`
}

// ThemeConfig overrides fields of a built-in theme descriptor, or defines a
// new theme when RootTag is set for an unknown name.
type ThemeConfig struct {
	Dir              string   `toml:"dir"`
	RootTag          string   `toml:"root_tag"`
	IDAttr           string   `toml:"id_attr"`
	GeometryTag      string   `toml:"geometry_tag"`
	PassThrough      []string `toml:"pass_through"`
	Depth            int      `toml:"depth"`
	Recursive        *bool    `toml:"recursive"`
	PreferHighLOD    *bool    `toml:"prefer_high_lod"`
	RejectUngrounded *bool    `toml:"reject_ungrounded"`
	QualifiedKeys    *bool    `toml:"qualified_keys"`
}

type Discovery struct {
	Extensions  []string `toml:"extensions"`
	Include     []string `toml:"include"`
	Exclude     []string `toml:"exclude"`
	ExcludeDirs []string `toml:"exclude_dirs"`
	// MaxFiles caps the files taken per theme: 0 means the parallelism
	// bound, a negative value means no cap.
	MaxFiles int `toml:"max_files"`
}

type Output struct {
	Dir       string `toml:"dir"`
	ChunkSize int    `toml:"chunk_size"`
	Suffix    string `toml:"suffix"`
}

type CodeLists struct {
	Attribute   string `toml:"attribute"`
	SharedCache bool   `toml:"shared_cache"`
}

type Database struct {
	Enabled     *bool         `toml:"enabled"`
	Path        string        `toml:"path"`
	BusyTimeout time.Duration `toml:"busy_timeout"`
	Incremental *bool         `toml:"incremental"`
}

func (d Database) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

func (d Database) IncrementalEnabled() bool {
	return d.IsEnabled() && (d.Incremental == nil || *d.Incremental)
}

type WriteQueue struct {
	Capacity      int           `toml:"capacity"`
	BatchSize     int           `toml:"batch_size"`
	FlushInterval time.Duration `toml:"flush_interval"`
}

type Watch struct {
	Debounce time.Duration `toml:"debounce"`
}

type Observability struct {
	Enabled       bool   `toml:"enabled"`
	Port          int    `toml:"port"`
	OTLPEndpoint  string `toml:"otlp_endpoint"`
	ServiceName   string `toml:"service_name"`
	EnableTracing bool   `toml:"enable_tracing"`
	EnableMetrics bool   `toml:"enable_metrics"`
}

type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	// ProgressRate bounds per-feature progress lines per second.
	ProgressRate float64 `toml:"progress_rate"`
}
