package wal

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tailscale/hujson"

	"github.com/Felmond13/raftwal/storage"
)

// fileConfig is the JSON(C)-shaped mirror of Options, for on-disk
// configuration. Durations and the memory-management enum are spelled
// as strings so the config file stays human-editable.
type fileConfig struct {
	ChunkSize        int    `json:"chunk_size"`
	ConcurrencyLevel int    `json:"concurrency_level"`
	FlushPolicy      string `json:"flush_policy"`
	FlushEvery       string `json:"flush_every"`
	MemoryManagement string `json:"memory_management"`
}

// LoadOptions reads a JSONC (JSON-with-comments) configuration file at
// path and returns the corresponding Options, starting from
// DefaultOptions for any field the file omits.
func LoadOptions(path string) (Options, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("wal: reading config %q: %w", path, err)
	}
	standard, err := hujson.Standardize(raw)
	if err != nil {
		return Options{}, fmt.Errorf("wal: parsing config %q: %w", path, err)
	}

	var fc fileConfig
	if err := json.Unmarshal(standard, &fc); err != nil {
		return Options{}, fmt.Errorf("wal: decoding config %q: %w", path, err)
	}

	opts := DefaultOptions()
	if fc.ChunkSize > 0 {
		opts.ChunkSize = fc.ChunkSize
	}
	if fc.ConcurrencyLevel > 0 {
		opts.ConcurrencyLevel = fc.ConcurrencyLevel
	}
	if fc.FlushEvery != "" {
		d, err := time.ParseDuration(fc.FlushEvery)
		if err != nil {
			return Options{}, fmt.Errorf("wal: config %q: invalid flush_every %q: %w", path, fc.FlushEvery, err)
		}
		opts.FlushEvery = d
	}
	switch fc.FlushPolicy {
	case "", "on_commit":
		opts.FlushPolicy = FlushOnCommit
	case "never":
		opts.FlushPolicy = FlushNever
	case "interval":
		opts.FlushPolicy = FlushInterval
	default:
		return Options{}, fmt.Errorf("wal: config %q: unknown flush_policy %q", path, fc.FlushPolicy)
	}
	switch fc.MemoryManagement {
	case "", "shared_memory":
		opts.MemoryManagement = storage.SharedMemory
	case "private_memory":
		opts.MemoryManagement = storage.PrivateMemory
	default:
		return Options{}, fmt.Errorf("wal: config %q: unknown memory_management %q", path, fc.MemoryManagement)
	}
	return opts, nil
}
