package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mvbarbosa/zaprelay/internal/config"
	"gopkg.in/yaml.v3"
)

func TestRunInit_CreatesConfig(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer

	if err := runInit(&out, dir); err != nil {
		t.Fatalf("runInit() error = %v", err)
	}

	path := filepath.Join(dir, "zaprelay.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if !strings.Contains(string(data), "gateway:") {
		t.Errorf("config missing gateway section:\n%s", data)
	}
}

func TestRunInit_NeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zaprelay.yaml")

	custom := []byte("log_level: debug\n")
	if err := os.WriteFile(path, custom, 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := runInit(&out, dir); err != nil {
		t.Fatalf("runInit() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(custom) {
		t.Errorf("existing config was overwritten:\n%s", data)
	}
}

func TestRunInit_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "workspace")
	var out bytes.Buffer

	if err := runInit(&out, dir); err != nil {
		t.Fatalf("runInit() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "zaprelay.yaml")); err != nil {
		t.Errorf("config not created in new directory: %v", err)
	}
}

// The starter config must decode cleanly and agree with the compiled-in
// defaults, so init + serve works with no edits.
func TestDefaultConfigYAML_MatchesDefaults(t *testing.T) {
	cfg := config.Default()
	if err := yaml.Unmarshal([]byte(defaultConfigYAML), cfg); err != nil {
		t.Fatalf("starter config did not parse: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("starter config failed validation: %v", err)
	}

	want := config.Default()
	if cfg.Gateway.URL != want.Gateway.URL {
		t.Errorf("gateway url = %q, want %q", cfg.Gateway.URL, want.Gateway.URL)
	}
	if cfg.Auth.DefaultModel != want.Auth.DefaultModel {
		t.Errorf("default model = %q, want %q", cfg.Auth.DefaultModel, want.Auth.DefaultModel)
	}
	if cfg.Window.Limit != want.Window.Limit {
		t.Errorf("window limit = %d, want %d", cfg.Window.Limit, want.Window.Limit)
	}
}
