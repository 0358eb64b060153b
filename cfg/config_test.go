package cfg

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidate_ValidConfig(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = &Configuration{
		DataDir: "./test-data",
		Database: DatabaseConfiguration{
			MinJournalTables:  3,
			MaxJournalSize:    1000,
			QueryCacheEntries: 2000,
			Synchronous:       "NORMAL",
		},
		Checkpoint: CheckpointConfiguration{
			PassiveCheckpointPageMin: 2500,
			FullCheckpointPageMin:    25000,
		},
		Prometheus: PrometheusConfiguration{
			Enabled: true,
			Port:    9090,
		},
	}

	if err := Validate(); err != nil {
		t.Errorf("expected no error for valid config, got: %v", err)
	}
}

func TestValidate_InvalidPrometheusPort(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	for _, port := range []int{-1, 0, 70000} {
		Config = &Configuration{
			Database: DatabaseConfiguration{
				MinJournalTables:  3,
				MaxJournalSize:    1000,
				QueryCacheEntries: 2000,
			},
			Checkpoint: CheckpointConfiguration{
				PassiveCheckpointPageMin: 2500,
				FullCheckpointPageMin:    25000,
			},
			Prometheus: PrometheusConfiguration{Enabled: true, Port: port},
		}
		if err := Validate(); err == nil {
			t.Errorf("expected error for invalid prometheus port %d", port)
		}
	}
}

func TestValidate_InvalidSynchronous(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = &Configuration{
		Database: DatabaseConfiguration{
			MinJournalTables:  3,
			MaxJournalSize:    1000,
			QueryCacheEntries: 2000,
			Synchronous:       "BOGUS",
		},
		Checkpoint: CheckpointConfiguration{
			PassiveCheckpointPageMin: 2500,
			FullCheckpointPageMin:    25000,
		},
	}
	if err := Validate(); err == nil {
		t.Error("expected error for invalid synchronous mode")
	}
}

func TestValidate_CheckpointThresholdOrdering(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = &Configuration{
		Database: DatabaseConfiguration{
			MinJournalTables:  3,
			MaxJournalSize:    1000,
			QueryCacheEntries: 2000,
		},
		Checkpoint: CheckpointConfiguration{
			PassiveCheckpointPageMin: 25000,
			FullCheckpointPageMin:    2500,
		},
	}
	if err := Validate(); err == nil {
		t.Error("expected error when full_checkpoint_page_min <= passive_checkpoint_page_min")
	}
}

func TestLoad_NonExistentFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := filepath.Join(os.TempDir(), "concord-test-load")
	defer os.RemoveAll(tempDir)

	Config = &Configuration{DataDir: tempDir}

	if err := Load("non-existent-file.toml"); err != nil {
		t.Errorf("expected no error for non-existent file, got: %v", err)
	}
}

func TestLoad_CreateDataDir(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := filepath.Join(os.TempDir(), "concord-test-data")
	defer os.RemoveAll(tempDir)

	Config = &Configuration{DataDir: tempDir}

	if err := Load(""); err != nil {
		t.Errorf("expected no error, got: %v", err)
	}

	if _, err := os.Stat(tempDir); os.IsNotExist(err) {
		t.Error("data directory was not created")
	}
}

func TestLoad_TOMLOverride(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := filepath.Join(os.TempDir(), "concord-test-toml")
	defer os.RemoveAll(tempDir)

	configFile := filepath.Join(os.TempDir(), "concord-test-config.toml")
	defer os.Remove(configFile)

	toml := "[checkpoint]\nfull_checkpoint_page_min = 50000\n"
	if err := os.WriteFile(configFile, []byte(toml), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	Config = &Configuration{
		DataDir: tempDir,
		Checkpoint: CheckpointConfiguration{
			PassiveCheckpointPageMin: 2500,
			FullCheckpointPageMin:    25000,
		},
	}

	if err := Load(configFile); err != nil {
		t.Errorf("expected no error, got: %v", err)
	}
	if Config.Checkpoint.FullCheckpointPageMin != 50000 {
		t.Errorf("expected full_checkpoint_page_min=50000, got %d", Config.Checkpoint.FullCheckpointPageMin)
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := filepath.Join(os.TempDir(), "concord-test-override")
	defer os.RemoveAll(tempDir)

	*DataDirFlag = tempDir
	*FullCheckpointPageMinFlag = 99999
	defer func() {
		*DataDirFlag = ""
		*FullCheckpointPageMinFlag = 0
	}()

	Config = &Configuration{
		DataDir: "./default-data",
		Checkpoint: CheckpointConfiguration{
			PassiveCheckpointPageMin: 2500,
			FullCheckpointPageMin:    25000,
		},
	}

	if err := Load(""); err != nil {
		t.Errorf("expected no error, got: %v", err)
	}
	if Config.DataDir != tempDir {
		t.Errorf("expected data dir %s, got %s", tempDir, Config.DataDir)
	}
	if Config.Checkpoint.FullCheckpointPageMin != 99999 {
		t.Errorf("expected full_checkpoint_page_min 99999, got %d", Config.Checkpoint.FullCheckpointPageMin)
	}
}

func BenchmarkValidate(b *testing.B) {
	original := Config
	defer func() { Config = original }()

	Config = &Configuration{
		Database: DatabaseConfiguration{
			MinJournalTables:  3,
			MaxJournalSize:    1000,
			QueryCacheEntries: 2000,
		},
		Checkpoint: CheckpointConfiguration{
			PassiveCheckpointPageMin: 2500,
			FullCheckpointPageMin:    25000,
		},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Validate()
	}
}
