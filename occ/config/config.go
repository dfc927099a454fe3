package config

import (
	"fmt"
	"os"
)

type Config struct {
	LogLevel       string `toml:"log-level"`
	Workers        int    `toml:"workers"`          // Number of execution workers.
	MaxRetries     int    `toml:"max-retries"`      // Re-executions allowed per transaction before the batch is rejected.
	Eager          bool   `toml:"eager"`            // Start transactions before their predecessors commit.
	MaxDeclaredOps int    `toml:"max-declared-ops"` // Cap on declared operations per transaction, 0 for unbounded.
	MaxProcs       int    `toml:"max-procs"`        // Max CPU cores to use, set 0 to use all CPU cores in the machine.
	Engine         Engine `toml:"engine"`           // Engine options.
}

type Engine struct {
	DBPath           string `toml:"db-path"`             // Directory to store the data in. Should exist and be writable.
	ValueThreshold   int    `toml:"value-threshold"`     // If value size >= this threshold, only store value offsets in tree.
	MaxTableSize     int64  `toml:"max-table-size"`      // Each table is at most this size.
	NumMemTables     int    `toml:"num-mem-tables"`      // Maximum number of tables to keep in memory, before stalling.
	NumL0Tables      int    `toml:"num-L0-tables"`       // Maximum number of Level 0 tables before we start compacting.
	NumL0TablesStall int    `toml:"num-L0-tables-stall"` // Maximum number of Level 0 tables before stalling.
	VlogFileSize     int64  `toml:"vlog-file-size"`      // Value log file size.

	// Sync all writes to disk. Setting this to true would slow down data loading significantly.
	SyncWrite     bool `toml:"sync-write"`
	NumCompactors int  `toml:"num-compactors"`
}

const MB = 1024 * 1024

var DefaultConf = Config{
	LogLevel:       "info",
	Workers:        4,
	MaxRetries:     16,
	Eager:          true,
	MaxDeclaredOps: 4096,
	MaxProcs:       0,
	Engine: Engine{
		DBPath:           "/tmp/badger",
		ValueThreshold:   256,
		MaxTableSize:     64 * MB,
		NumMemTables:     3,
		NumL0Tables:      4,
		NumL0TablesStall: 8,
		VlogFileSize:     256 * MB,
		SyncWrite:        true,
		NumCompactors:    1,
	},
}

func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be greater than 0")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max-retries must be greater than 0")
	}
	if c.MaxDeclaredOps < 0 {
		return fmt.Errorf("max-declared-ops must not be negative")
	}
	return nil
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

// NewTestConfig keeps everything in memory friendly ranges and reads the log
// level from the environment, so tests can be turned noisy without edits.
func NewTestConfig() *Config {
	c := DefaultConf
	c.LogLevel = getLogLevel()
	c.Engine.SyncWrite = false
	return &c
}
