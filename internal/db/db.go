package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	_ "modernc.org/sqlite"
)

const (
	defaultDBName      = "astrodb.db"
	defaultBusyTimeout = 5000
)

type Config struct {
	Driver        string
	Workspace     string
	Path          string
	DSN           string
	BusyTimeoutMS int
}

func dbPath(cfg Config) string {
	if cfg.Path != "" {
		return cfg.Path
	}
	workspace := cfg.Workspace
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".astrodb", defaultDBName)
}

// EnsureWorkspace creates the workspace state directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, ".astrodb")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the configured database and returns it with its dialect.
// SQLite connections run in WAL mode with foreign keys on; write transactions
// take the database lock up front so concurrent writers queue on busy_timeout
// instead of failing mid-transaction.
func Open(ctx context.Context, cfg Config) (*sql.DB, Dialect, error) {
	switch cfg.Driver {
	case "", SQLite:
		return openSQLite(ctx, cfg)
	case Postgres:
		return openPostgres(ctx, cfg)
	default:
		return nil, Dialect{}, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func openSQLite(ctx context.Context, cfg Config) (*sql.DB, Dialect, error) {
	path := dbPath(cfg)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, Dialect{}, fmt.Errorf("create db dir: %w", err)
	}
	busy := cfg.BusyTimeoutMS
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(%d)&_txlock=immediate", path, busy)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, Dialect{}, err
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, Dialect{}, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	return conn, Dialect{Name: SQLite}, nil
}

func openPostgres(ctx context.Context, cfg Config) (*sql.DB, Dialect, error) {
	if cfg.DSN == "" {
		return nil, Dialect{}, fmt.Errorf("postgres driver requires a dsn")
	}
	conn, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, Dialect{}, fmt.Errorf("open postgres: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, Dialect{}, fmt.Errorf("ping postgres: %w", err)
	}
	return conn, Dialect{Name: Postgres}, nil
}

// Path returns the sqlite file path the config resolves to.
func Path(cfg Config) string {
	return dbPath(cfg)
}
