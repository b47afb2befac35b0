package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Database.Driver != "sqlite" || !cfg.Images.RequireReady || cfg.Server.BasePath != "/v0" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("images:\n  require_ready: false\n  blob:\n    driver: fs\nlog:\n  format: json\n"))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Images.RequireReady {
		t.Fatalf("require_ready not overridden")
	}
	if cfg.Images.Blob.FSRoot != ".astrodb/blobs" {
		t.Fatalf("fs_root default lost: %q", cfg.Images.Blob.FSRoot)
	}
	if cfg.Log.Format != "json" || cfg.Log.Level != "info" {
		t.Fatalf("log overlay wrong: %+v", cfg.Log)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"driver":   "database:\n  driver: mysql\n",
		"dsn":      "database:\n  driver: postgres\n",
		"bucket":   "images:\n  blob:\n    driver: s3\n",
		"blob":     "images:\n  blob:\n    driver: gcs\n",
		"level":    "log:\n  level: loud\n",
		"basepath": "server:\n  base_path: v0\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	if _, err := FromYAML([]byte("database: [")); err == nil || !strings.Contains(err.Error(), "invalid config yaml") {
		t.Fatalf("expected yaml error, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if cfg.Database.Path != ".astrodb/astrodb.db" {
		t.Fatalf("expected defaults, got %+v", cfg.Database)
	}
	if err := os.WriteFile(Path(dir), []byte("server:\n  addr: 0.0.0.0:9000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != "0.0.0.0:9000" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
}

func TestResolve(t *testing.T) {
	if got := Resolve("/ws", ".astrodb/blobs"); got != filepath.Join("/ws", ".astrodb/blobs") {
		t.Fatalf("resolve = %q", got)
	}
	if got := Resolve("/ws", "/abs/db"); got != "/abs/db" {
		t.Fatalf("absolute path rewritten: %q", got)
	}
}
