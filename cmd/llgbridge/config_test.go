package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`vocab: /models/llama.llgv
buffer_log_level: 3
backtrack: false
temperature: 0.2
seed: 7
server_address: 0.0.0.0:9000
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadConfigFile(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Vocab != "/models/llama.llgv" || cfg.ServerAddress != "0.0.0.0:9000" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.BufferLogLevel == nil || *cfg.BufferLogLevel != 3 {
		t.Fatalf("buffer_log_level: got %v", cfg.BufferLogLevel)
	}
	if cfg.Backtrack == nil || *cfg.Backtrack {
		t.Fatalf("backtrack: got %v", cfg.Backtrack)
	}
	if cfg.FFTokens != nil || cfg.ConsoleLogLevel != nil {
		t.Fatalf("unset fields should stay nil: %+v", cfg)
	}
	if cfg.Temperature == nil || *cfg.Temperature != 0.2 || cfg.Seed == nil || *cfg.Seed != 7 {
		t.Fatalf("sampling defaults: %+v", cfg)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Setenv("LLGBRIDGE_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	cfg := LoadConfig()
	if cfg.Vocab != "" || cfg.Seed != nil {
		t.Fatalf("expected zero config, got %+v", cfg)
	}
}

func TestResolvePackOut(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(envPackOutDir, dir)

	tokenizerJSONPath, tiktokenEncoding, vocabPath = "", "cl100k_base", ""
	t.Cleanup(func() { tiktokenEncoding = "" })

	out, err := resolvePackOut("")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if want := filepath.Join(dir, "cl100k_base.llgv"); out != want {
		t.Fatalf("got %q want %q", out, want)
	}

	explicit := filepath.Join(dir, "nested", "v.llgv")
	out, err = resolvePackOut(explicit)
	if err != nil {
		t.Fatalf("resolve explicit: %v", err)
	}
	if out != explicit {
		t.Fatalf("got %q want %q", out, explicit)
	}
	if _, err := os.Stat(filepath.Dir(explicit)); err != nil {
		t.Fatalf("expected output directory: %v", err)
	}
}
