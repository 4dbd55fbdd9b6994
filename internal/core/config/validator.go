package config

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

func validateVersion(cfg *Config) error {
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version %d; supported version is 1", cfg.Version)
	}
	return nil
}

func validateInput(cfg *Config) error {
	if cfg.Input.DataRoot == "" {
		return fmt.Errorf("input.data_root must not be empty")
	}
	if cfg.Input.Parallel < 1 {
		return fmt.Errorf("input.parallel must be >= 1, got %d", cfg.Input.Parallel)
	}
	if err := validateDepth("input.depth", cfg.Input.Depth); err != nil {
		return err
	}
	return nil
}

func validateDepth(field string, depth int) error {
	if depth < 0 || depth > 30 {
		return fmt.Errorf("%s must be between 0 and 30, got %d", field, depth)
	}
	return nil
}

func validateThemes(cfg *Config) error {
	for name, theme := range cfg.Themes {
		ref := fmt.Sprintf("themes.%s", name)
		if name == "" {
			return fmt.Errorf("theme name must not be empty")
		}
		if theme.Depth != 0 {
			if err := validateDepth(ref+".depth", theme.Depth); err != nil {
				return err
			}
		}
		if theme.RootTag != "" && strings.Count(theme.RootTag, ":") > 1 {
			return fmt.Errorf("%s.root_tag %q must be local or prefix:local", ref, theme.RootTag)
		}
		for _, pattern := range theme.PassThrough {
			if _, err := glob.Compile(pattern); err != nil {
				return fmt.Errorf("%s.pass_through pattern %q: %w", ref, pattern, err)
			}
		}
	}
	return nil
}

func validateDiscovery(cfg *Config) error {
	for _, group := range []struct {
		field    string
		patterns []string
	}{
		{"discovery.include", cfg.Discovery.Include},
		{"discovery.exclude", cfg.Discovery.Exclude},
		{"discovery.exclude_dirs", cfg.Discovery.ExcludeDirs},
	} {
		for _, pattern := range group.patterns {
			if _, err := glob.Compile(pattern); err != nil {
				return fmt.Errorf("%s pattern %q: %w", group.field, pattern, err)
			}
		}
	}
	return nil
}

func validateOutput(cfg *Config) error {
	if cfg.Output.Dir == "" {
		return fmt.Errorf("output.dir must not be empty")
	}
	if cfg.Output.ChunkSize < 1 {
		return fmt.Errorf("output.chunk_size must be >= 1, got %d", cfg.Output.ChunkSize)
	}
	if strings.ContainsAny(cfg.Output.Suffix, `/\`) {
		return fmt.Errorf("output.suffix must not contain path separators")
	}
	return nil
}

func validateDatabase(cfg *Config) error {
	if !cfg.DB.IsEnabled() {
		return nil
	}
	if cfg.DB.Path == "" {
		return fmt.Errorf("db.path must not be empty")
	}
	if cfg.WriteQueue.BatchSize > cfg.WriteQueue.Capacity {
		return fmt.Errorf("write_queue.batch_size (%d) must not exceed write_queue.capacity (%d)", cfg.WriteQueue.BatchSize, cfg.WriteQueue.Capacity)
	}
	return nil
}

func validateObservability(cfg *Config) error {
	if cfg.Observability.Port < 1 || cfg.Observability.Port > 65535 {
		return fmt.Errorf("observability.port must be between 1 and 65535, got %d", cfg.Observability.Port)
	}
	if cfg.Observability.EnableTracing && cfg.Observability.OTLPEndpoint == "" {
		return fmt.Errorf("observability.otlp_endpoint is required when enable_tracing is true")
	}
	return nil
}

func validateLogging(cfg *Config) error {
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be one of: text, json")
	}
	return nil
}
