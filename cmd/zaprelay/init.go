package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// defaultConfigYAML is the starter configuration written by init. The
// values mirror [config.Default].
const defaultConfigYAML = `# zaprelay configuration

gateway:
  url: ws://127.0.0.1:8466/ws
  # How group conversation ids are recognized: suffix or contains.
  group_match: suffix
  group_domain: "@g.us"
  # Messages per sender per minute. 0 disables the limit.
  rate_limit: 0

ollama:
  url: http://127.0.0.1:11434
  timeout_sec: 300

transcribe:
  enabled: false
  url: http://127.0.0.1:5000
  timeout_sec: 60

auth:
  # enroll: prompt on the terminal for unknown conversations
  # allowlist: only conversations already in the store may chat
  # open: everyone may chat
  policy: enroll
  store_path: authorized.json
  default_model: llama3.1
  flush_interval_sec: 60

window:
  # Conversation turns kept as inference context.
  limit: 6

archive:
  enabled: false
  path: transcripts.db

mqtt:
  enabled: false
  broker: mqtt://127.0.0.1:1883
  username: ""
  password: ""
  topic: zaprelay
  publish_interval_sec: 60

log_level: info
`

// runInit initializes a zaprelay working directory with a starter
// config. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing zaprelay workspace in %s\n", dir)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	configPath := filepath.Join(dir, "zaprelay.yaml")
	if err := writeIfMissing(configPath, []byte(defaultConfigYAML)); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit zaprelay.yaml, then start the relay with: zaprelay serve")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist, so init never overwrites user customizations.
func writeIfMissing(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil // already exists, skip
	}
	return os.WriteFile(path, content, 0o644)
}
