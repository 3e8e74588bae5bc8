package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/warfeedhq/ingest/pkg/types"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", `
sources_file: /etc/ingestd/sources.yaml
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Unexpected logging defaults: %+v", cfg.Logging)
	}
	if cfg.Pool.MaxSessions != DefaultMaxSessions {
		t.Errorf("Expected default max sessions %d, got %d", DefaultMaxSessions, cfg.Pool.MaxSessions)
	}
	if cfg.Poll.Interval.Std() != DefaultPollInterval {
		t.Errorf("Expected default poll interval %v, got %v", DefaultPollInterval, cfg.Poll.Interval)
	}
	if cfg.Poll.DegradedAfter != DefaultDegradedAfter {
		t.Errorf("Expected default degraded threshold %d, got %d", DefaultDegradedAfter, cfg.Poll.DegradedAfter)
	}
	if cfg.Cursor.Dir != DefaultCursorDir {
		t.Errorf("Expected default cursor dir, got %s", cfg.Cursor.Dir)
	}
	if len(cfg.Consumers) != 1 || cfg.Consumers[0].Type != "stdout" {
		t.Errorf("Expected stdout consumer by default, got %+v", cfg.Consumers)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("INGEST_SOURCES", "/etc/ingestd/sources.yaml")

	path := writeFile(t, "config.yaml", `
sources_file: ${INGEST_SOURCES}
logging:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.SourcesFile != "/etc/ingestd/sources.yaml" {
		t.Errorf("Expected env expansion, got %s", cfg.SourcesFile)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected debug level, got %s", cfg.Logging.Level)
	}
}

func TestLoadRejectsMissingSourcesFile(t *testing.T) {
	path := writeFile(t, "config.yaml", `
logging:
  level: info
`)
	if _, err := Load(path); err == nil {
		t.Error("Expected error for missing sources_file")
	}
}

func TestLoadRejectsBadConsumer(t *testing.T) {
	path := writeFile(t, "config.yaml", `
sources_file: /etc/ingestd/sources.yaml
consumers:
  - type: kafka
`)
	if _, err := Load(path); err == nil {
		t.Error("Expected error for kafka consumer without brokers")
	}
}

func TestLoadSources(t *testing.T) {
	t.Setenv("SRV1_PASSWORD", "hunter2")

	path := writeFile(t, "sources.yaml", `
sources:
  - id: srv-1
    host: game.example.com
    username: steam
    password: ${SRV1_PASSWORD}
    path: /srv/deathlogs/srv-1.csv
    tenants: [tenant-a]
  - id: srv-2
    host: game2.example.com
    port: 2022
    username: steam
    key_file: /etc/ingestd/keys/srv-2
    path: /srv/logs/Deadside.log
    format: server-log
    tenants: [tenant-a, tenant-b]
`)

	sources, err := LoadSources(path)
	if err != nil {
		t.Fatalf("LoadSources failed: %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("Expected 2 sources, got %d", len(sources))
	}

	if sources[0].Password != "hunter2" {
		t.Errorf("Expected credential expansion, got %q", sources[0].Password)
	}
	if sources[0].Port != 22 {
		t.Errorf("Expected default port 22, got %d", sources[0].Port)
	}
	if sources[0].Format != types.FormatKillfeedCSV {
		t.Errorf("Expected default format, got %s", sources[0].Format)
	}
	if sources[1].Port != 2022 {
		t.Errorf("Expected port 2022, got %d", sources[1].Port)
	}
	if sources[1].Format != types.FormatServerLog {
		t.Errorf("Expected server-log format, got %s", sources[1].Format)
	}
}

func TestLoadSourcesValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing id", `
sources:
  - host: h
    username: u
    password: p
    path: /log
    tenants: [t]
`},
		{"missing auth", `
sources:
  - id: s
    host: h
    username: u
    path: /log
    tenants: [t]
`},
		{"no tenants", `
sources:
  - id: s
    host: h
    username: u
    password: p
    path: /log
    tenants: []
`},
		{"bad format", `
sources:
  - id: s
    host: h
    username: u
    password: p
    path: /log
    format: xml
    tenants: [t]
`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, "sources.yaml", tc.yaml)
			if _, err := LoadSources(path); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestValidateSource(t *testing.T) {
	s := &types.Source{
		ID:       "srv-1",
		Host:     "h",
		Port:     22,
		Username: "u",
		Password: "p",
		Path:     "/log",
		Format:   types.FormatKillfeedCSV,
		Tenants:  []string{"t"},
	}
	if err := ValidateSource(s); err != nil {
		t.Errorf("Expected valid source, got %v", err)
	}
}

func TestDurationsParse(t *testing.T) {
	path := writeFile(t, "config.yaml", `
sources_file: /etc/ingestd/sources.yaml
poll:
  interval: 15s
  degraded_interval: 10m
pool:
  acquire_timeout: 5s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Poll.Interval.Std() != 15*time.Second {
		t.Errorf("Expected 15s interval, got %v", cfg.Poll.Interval)
	}
	if cfg.Poll.DegradedInterval.Std() != 10*time.Minute {
		t.Errorf("Expected 10m degraded interval, got %v", cfg.Poll.DegradedInterval)
	}
	if cfg.Pool.AcquireTimeout.Std() != 5*time.Second {
		t.Errorf("Expected 5s acquire timeout, got %v", cfg.Pool.AcquireTimeout)
	}
}
