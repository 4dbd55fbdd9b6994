package config

import (
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const DefaultFileName = "citystid.toml"

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, err
	}
	return finish(&cfg)
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	cfg, _ := finish(&Config{})
	return cfg
}

func finish(cfg *Config) (*Config, error) {
	applyDefaults(cfg)
	normalize(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks a loaded configuration, typically again after env
// overrides have been applied.
func Validate(cfg *Config) error {
	if err := validateVersion(cfg); err != nil {
		return err
	}
	if err := validateInput(cfg); err != nil {
		return err
	}
	if err := validateThemes(cfg); err != nil {
		return err
	}
	if err := validateDiscovery(cfg); err != nil {
		return err
	}
	if err := validateOutput(cfg); err != nil {
		return err
	}
	if err := validateDatabase(cfg); err != nil {
		return err
	}
	if err := validateObservability(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}

	if strings.TrimSpace(cfg.Paths.StateDir) == "" {
		cfg.Paths.StateDir = "data/state"
	}
	if strings.TrimSpace(cfg.Paths.DatabaseDir) == "" {
		cfg.Paths.DatabaseDir = "data/database"
	}

	if strings.TrimSpace(cfg.Input.DataRoot) == "" {
		cfg.Input.DataRoot = "CityData"
	}
	if cfg.Input.Parallel <= 0 {
		cfg.Input.Parallel = runtime.NumCPU()
	}
	if cfg.Input.Depth == 0 {
		cfg.Input.Depth = 25
	}

	if len(cfg.Discovery.Extensions) == 0 {
		cfg.Discovery.Extensions = []string{".gml"}
	}
	if len(cfg.Discovery.ExcludeDirs) == 0 {
		cfg.Discovery.ExcludeDirs = []string{".git", "codelists"}
	}

	if strings.TrimSpace(cfg.Output.Dir) == "" {
		cfg.Output.Dir = "stid_json"
	}
	if cfg.Output.ChunkSize == 0 {
		cfg.Output.ChunkSize = 50
	}
	if cfg.Output.Suffix == "" {
		cfg.Output.Suffix = "_stid"
	}

	if strings.TrimSpace(cfg.CodeLists.Attribute) == "" {
		cfg.CodeLists.Attribute = "codeSpace"
	}

	if strings.TrimSpace(cfg.DB.Path) == "" {
		cfg.DB.Path = "manifest.db"
	}
	if cfg.DB.BusyTimeout <= 0 {
		cfg.DB.BusyTimeout = 5 * time.Second
	}

	if cfg.WriteQueue.Capacity <= 0 {
		cfg.WriteQueue.Capacity = 256
	}
	if cfg.WriteQueue.BatchSize <= 0 {
		cfg.WriteQueue.BatchSize = 32
	}
	if cfg.WriteQueue.FlushInterval <= 0 {
		cfg.WriteQueue.FlushInterval = 100 * time.Millisecond
	}

	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = 500 * time.Millisecond
	}

	if cfg.Observability.Port == 0 {
		cfg.Observability.Port = 9464
	}
	if strings.TrimSpace(cfg.Observability.ServiceName) == "" {
		cfg.Observability.ServiceName = "citystid"
	}

	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	if strings.TrimSpace(cfg.Logging.Format) == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.ProgressRate <= 0 {
		cfg.Logging.ProgressRate = 1
	}
}

func normalize(cfg *Config) {
	cfg.Input.DataRoot = strings.TrimSpace(cfg.Input.DataRoot)
	cfg.Input.Themes = normalizeList(cfg.Input.Themes, strings.ToLower)

	cfg.Discovery.Extensions = normalizeList(cfg.Discovery.Extensions, func(ext string) string {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		return ext
	})
	cfg.Discovery.Include = normalizeList(cfg.Discovery.Include, nil)
	cfg.Discovery.Exclude = normalizeList(cfg.Discovery.Exclude, nil)
	cfg.Discovery.ExcludeDirs = normalizeList(cfg.Discovery.ExcludeDirs, nil)

	if len(cfg.Themes) > 0 {
		themes := make(map[string]ThemeConfig, len(cfg.Themes))
		for name, theme := range cfg.Themes {
			theme.Dir = strings.TrimSpace(theme.Dir)
			theme.RootTag = strings.TrimSpace(theme.RootTag)
			theme.IDAttr = strings.TrimSpace(theme.IDAttr)
			theme.GeometryTag = strings.TrimSpace(theme.GeometryTag)
			theme.PassThrough = normalizeList(theme.PassThrough, nil)
			themes[strings.ToLower(strings.TrimSpace(name))] = theme
		}
		cfg.Themes = themes
	}

	cfg.Output.Dir = strings.TrimSpace(cfg.Output.Dir)
	cfg.DB.Path = strings.TrimSpace(cfg.DB.Path)
	cfg.Observability.OTLPEndpoint = strings.TrimSpace(cfg.Observability.OTLPEndpoint)
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.Format = strings.ToLower(strings.TrimSpace(cfg.Logging.Format))
}

func normalizeList(values []string, fn func(string) string) []string {
	if len(values) == 0 {
		return values
	}
	out := make([]string, 0, len(values))
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if fn != nil {
			v = fn(v)
		}
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
