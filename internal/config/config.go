package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models astrodb.yml.
type Config struct {
	Database struct {
		Driver        string `yaml:"driver"`
		Path          string `yaml:"path"`
		DSN           string `yaml:"dsn"`
		BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
	} `yaml:"database"`
	Images struct {
		RequireReady bool `yaml:"require_ready"`
		Blob         struct {
			Driver string `yaml:"driver"`
			FSRoot string `yaml:"fs_root"`
			S3     struct {
				Bucket    string `yaml:"bucket"`
				Region    string `yaml:"region"`
				Endpoint  string `yaml:"endpoint"`
				PathStyle bool   `yaml:"path_style"`
			} `yaml:"s3"`
		} `yaml:"blob"`
	} `yaml:"images"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

// Load reads astrodb.yml from the workspace. A missing file yields the defaults.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML overlays raw YAML on the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("config.database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("config.database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config.database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.BusyTimeoutMS < 0 {
		return fmt.Errorf("config.database.busy_timeout_ms must not be negative")
	}
	switch c.Images.Blob.Driver {
	case "", "none", "memory":
	case "fs":
		if c.Images.Blob.FSRoot == "" {
			return fmt.Errorf("config.images.blob.fs_root is required for the fs driver")
		}
	case "s3":
		if c.Images.Blob.S3.Bucket == "" {
			return fmt.Errorf("config.images.blob.s3.bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("config.images.blob.driver must be none, fs, memory or s3, got %q", c.Images.Blob.Driver)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be debug, info, warn or error")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "astrodb.yml")
}

// Resolve makes a workspace-relative path absolute against workspace.
func Resolve(workspace, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, path)
}

const defaultTemplate = `database:
  driver: sqlite
  path: .astrodb/astrodb.db
  dsn: ""
  busy_timeout_ms: 5000

images:
  # Refuse StoreImage until the proposal is Ready. GetImages is always gated.
  require_ready: true
  blob:
    driver: none      # none | fs | memory | s3
    fs_root: .astrodb/blobs
    s3:
      bucket: ""
      region: us-east-1
      endpoint: ""
      path_style: false

log:
  level: info
  format: text

server:
  addr: 127.0.0.1:8080
  base_path: /v0
`
