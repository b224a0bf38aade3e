package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileConfig_FilterLoadsScriptFromDisk(t *testing.T) {
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "filter.js")
	if err := os.WriteFile(scriptPath, []byte(`function blocked(name) { return name === "danger"; }`), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}

	cfg := &FileConfig{ToolFilter: ToolFilterConfig{Globs: []string{"admin.*"}, ScriptPath: scriptPath}}
	f, err := cfg.Filter()
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if !f.Blocked("admin.delete") {
		t.Fatal("expected glob-blocked tool to be blocked")
	}
	if !f.Blocked("danger") {
		t.Fatal("expected script-blocked tool to be blocked")
	}
	if f.Blocked("safe") {
		t.Fatal("expected unrelated tool to pass through")
	}
}

func TestTokenStoreConfig_OpenGeneratesIdentityOnFirstRun(t *testing.T) {
	dir := t.TempDir()
	cfg := TokenStoreConfig{Dir: dir, Encrypt: true}

	store, err := cfg.Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = store

	if _, err := os.Stat(filepath.Join(dir, "identity.age")); err != nil {
		t.Fatalf("expected identity file to be generated: %v", err)
	}
}

func TestFileConfig_ProbeIntervalDefaultsTo30s(t *testing.T) {
	cfg := &FileConfig{}
	if got := cfg.ProbeInterval(); got.Seconds() != 30 {
		t.Fatalf("expected default 30s probe interval, got %v", got)
	}
}
