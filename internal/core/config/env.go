package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Pattern: CITYSTID_[SECTION]_[KEY] (e.g., CITYSTID_OUTPUT_CHUNK_SIZE).
// LOG_LEVEL and LOG_FORMAT are honoured as shorter aliases.
func ApplyEnvOverrides(cfg *Config) {
	// Paths
	setEnvString(&cfg.Paths.ProjectRoot, "CITYSTID_PATHS_PROJECT_ROOT")
	setEnvString(&cfg.Paths.StateDir, "CITYSTID_PATHS_STATE_DIR")
	setEnvString(&cfg.Paths.DatabaseDir, "CITYSTID_PATHS_DATABASE_DIR")

	// Input
	setEnvString(&cfg.Input.DataRoot, "CITYSTID_INPUT_DATA_ROOT")
	setEnvList(&cfg.Input.Themes, "CITYSTID_INPUT_THEMES")
	setEnvInt(&cfg.Input.Parallel, "CITYSTID_INPUT_PARALLEL")
	setEnvInt(&cfg.Input.Depth, "CITYSTID_INPUT_DEPTH")

	// Discovery
	setEnvInt(&cfg.Discovery.MaxFiles, "CITYSTID_DISCOVERY_MAX_FILES")

	// Output
	setEnvString(&cfg.Output.Dir, "CITYSTID_OUTPUT_DIR")
	setEnvInt(&cfg.Output.ChunkSize, "CITYSTID_OUTPUT_CHUNK_SIZE")

	// Code lists
	setEnvBool(&cfg.CodeLists.SharedCache, "CITYSTID_CODELISTS_SHARED_CACHE")

	// Database
	setEnvBoolPtr(&cfg.DB.Enabled, "CITYSTID_DB_ENABLED")
	setEnvString(&cfg.DB.Path, "CITYSTID_DB_PATH")
	setEnvDuration(&cfg.DB.BusyTimeout, "CITYSTID_DB_BUSY_TIMEOUT")
	setEnvBoolPtr(&cfg.DB.Incremental, "CITYSTID_DB_INCREMENTAL")

	// Watch
	setEnvDuration(&cfg.Watch.Debounce, "CITYSTID_WATCH_DEBOUNCE")

	// Observability
	setEnvBool(&cfg.Observability.Enabled, "CITYSTID_OBSERVABILITY_ENABLED")
	setEnvInt(&cfg.Observability.Port, "CITYSTID_OBSERVABILITY_PORT")
	setEnvString(&cfg.Observability.OTLPEndpoint, "CITYSTID_OBSERVABILITY_OTLP_ENDPOINT")
	setEnvBool(&cfg.Observability.EnableTracing, "CITYSTID_OBSERVABILITY_ENABLE_TRACING")
	setEnvBool(&cfg.Observability.EnableMetrics, "CITYSTID_OBSERVABILITY_ENABLE_METRICS")

	// Logging
	setEnvString(&cfg.Logging.Level, "LOG_LEVEL")
	setEnvString(&cfg.Logging.Format, "LOG_FORMAT")
	setEnvString(&cfg.Logging.Level, "CITYSTID_LOGGING_LEVEL")
	setEnvString(&cfg.Logging.Format, "CITYSTID_LOGGING_FORMAT")

	normalize(cfg)
}

func setEnvString(target *string, key string) {
	if val, ok := os.LookupEnv(key); ok {
		log.Printf("Applying env override: %s=%s", key, val)
		*target = val
	}
}

func setEnvList(target *[]string, key string) {
	if val, ok := os.LookupEnv(key); ok {
		log.Printf("Applying env override: %s=%s", key, val)
		*target = strings.Split(val, ",")
	}
}

func setEnvInt(target *int, key string) {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			log.Printf("Applying env override: %s=%s", key, val)
			*target = i
		}
	}
}

func setEnvBool(target *bool, key string) {
	if val, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(strings.ToLower(val))
		if err == nil {
			log.Printf("Applying env override: %s=%s", key, val)
			*target = b
		}
	}
}

func setEnvBoolPtr(target **bool, key string) {
	if val, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(strings.ToLower(val))
		if err == nil {
			log.Printf("Applying env override: %s=%s", key, val)
			*target = &b
		}
	}
}

func setEnvDuration(target *time.Duration, key string) {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			log.Printf("Applying env override: %s=%s", key, val)
			*target = d
		}
	}
}
