package cfg

import (
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
)

// DatabaseConfiguration controls per-connection engine knobs: cache
// size, journal table layout, durability, and memory-mapped I/O.
type DatabaseConfiguration struct {
	CacheSizeKB       int    `toml:"cache_size_kb"`
	MaxJournalSize    int    `toml:"max_journal_size"`
	MinJournalTables  int    `toml:"min_journal_tables"`
	Synchronous       string `toml:"synchronous"` // "", "OFF", "NORMAL", "FULL", "EXTRA"
	MmapSizeGB        int    `toml:"mmap_size_gb"`
	PageLoggingEnabled bool  `toml:"page_logging_enabled"`
	QueryCacheEntries int    `toml:"query_cache_entries"`
}

// CheckpointConfiguration controls the process-wide checkpoint
// coordinator thresholds.
type CheckpointConfiguration struct {
	PassiveCheckpointPageMin int  `toml:"passive_checkpoint_page_min"`
	FullCheckpointPageMin    int  `toml:"full_checkpoint_page_min"`
	EnableTrace              bool `toml:"enable_trace"`
}

// LoggingConfiguration controls logging behavior.
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration controls the /metrics HTTP surface.
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Configuration is the process-wide configuration structure.
type Configuration struct {
	DataDir string `toml:"data_dir"`

	Database   DatabaseConfiguration   `toml:"database"`
	Checkpoint CheckpointConfiguration `toml:"checkpoint"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag             = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag                = flag.String("data-dir", "", "Data directory (overrides config)")
	FullCheckpointPageMinFlag  = flag.Int("full-checkpoint-page-min", 0, "Full checkpoint WAL page threshold (overrides config)")
	PrometheusPortFlag         = flag.Int("prometheus-port", 0, "Prometheus port (overrides config)")
)

// Config is the process-wide configuration, seeded with the teacher's
// historical defaults translated to this wrapper's knobs.
var Config = &Configuration{
	DataDir: "./concord-data",

	Database: DatabaseConfiguration{
		CacheSizeKB:        -2000,
		MaxJournalSize:     1000,
		MinJournalTables:   3,
		Synchronous:        "",
		MmapSizeGB:         0,
		PageLoggingEnabled: false,
		QueryCacheEntries:  2000,
	},

	Checkpoint: CheckpointConfiguration{
		PassiveCheckpointPageMin: 2500,
		FullCheckpointPageMin:    25000,
		EnableTrace:              false,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    9090,
	},
}

// Load loads configuration from file and applies CLI overrides.
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *FullCheckpointPageMinFlag != 0 {
		Config.Checkpoint.FullCheckpointPageMin = *FullCheckpointPageMinFlag
	}
	if *PrometheusPortFlag != 0 {
		Config.Prometheus.Port = *PrometheusPortFlag
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// Validate checks configuration for errors.
func Validate() error {
	if Config.Database.MinJournalTables < 0 {
		return fmt.Errorf("min journal tables must be >= 0")
	}
	if Config.Database.MaxJournalSize < 1 {
		return fmt.Errorf("max journal size must be >= 1")
	}
	if Config.Database.QueryCacheEntries < 1 {
		return fmt.Errorf("query cache entries must be >= 1")
	}

	switch Config.Database.Synchronous {
	case "", "OFF", "NORMAL", "FULL", "EXTRA":
	default:
		return fmt.Errorf("invalid synchronous mode: %s", Config.Database.Synchronous)
	}

	if Config.Checkpoint.PassiveCheckpointPageMin < 1 {
		return fmt.Errorf("passive checkpoint page min must be >= 1")
	}
	if Config.Checkpoint.FullCheckpointPageMin <= Config.Checkpoint.PassiveCheckpointPageMin {
		return fmt.Errorf("full checkpoint page min (%d) must be greater than passive checkpoint page min (%d)",
			Config.Checkpoint.FullCheckpointPageMin, Config.Checkpoint.PassiveCheckpointPageMin)
	}

	if Config.Prometheus.Enabled && (Config.Prometheus.Port < 1 || Config.Prometheus.Port > 65535) {
		return fmt.Errorf("invalid prometheus port: %d", Config.Prometheus.Port)
	}

	return nil
}
