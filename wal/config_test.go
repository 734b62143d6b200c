package wal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Felmond13/raftwal/storage"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "raftwal.jsonc")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadOptionsDefaultsOnEmptyFields(t *testing.T) {
	path := writeConfig(t, `{
		// chunk size left at the platform default
		"flush_policy": "interval",
		"flush_every": "250ms",
	}`)

	got, err := LoadOptions(path)
	if err != nil {
		t.Fatalf("LoadOptions: %v", err)
	}
	want := DefaultOptions()
	want.FlushPolicy = FlushInterval
	want.FlushEvery = 250 * time.Millisecond

	got.Clock = nil
	want.Clock = nil
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("LoadOptions mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadOptionsMemoryManagement(t *testing.T) {
	path := writeConfig(t, `{"memory_management": "private_memory"}`)
	got, err := LoadOptions(path)
	if err != nil {
		t.Fatalf("LoadOptions: %v", err)
	}
	if got.MemoryManagement != storage.PrivateMemory {
		t.Fatalf("MemoryManagement = %v, want PrivateMemory", got.MemoryManagement)
	}
}

func TestLoadOptionsRejectsUnknownFlushPolicy(t *testing.T) {
	path := writeConfig(t, `{"flush_policy": "sometimes"}`)
	if _, err := LoadOptions(path); err == nil {
		t.Fatal("expected error for unknown flush_policy")
	}
}

func TestLoadOptionsRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `{"flush_every": "not-a-duration"}`)
	if _, err := LoadOptions(path); err == nil {
		t.Fatal("expected error for malformed flush_every")
	}
}
