// Package store is the proposal lifecycle store. It owns proposal, target and
// image state, allocates identities, enforces the status progression, and runs
// every operation in exactly one database transaction.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"astrodb/internal/blob"
	"astrodb/internal/db"
	"astrodb/internal/events"
	"astrodb/internal/logging"
	"astrodb/internal/metrics"
	"astrodb/internal/migrate"
	"astrodb/internal/repo"
)

const (
	seqProposal = "proposal"
	seqImage    = "image"
)

type Options struct {
	Logger  *slog.Logger
	Metrics metrics.Recorder
	// Blobs, when set, receives image payloads; the database keeps a blob:// reference.
	Blobs blob.Store
	// AllowImagesBeforeReady disables the write-side Ready gate on StoreImage.
	// Reads stay gated.
	AllowImagesBeforeReady bool
	Now                    func() time.Time
}

// Store is safe for concurrent use.
type Store struct {
	db           *sql.DB
	dialect      db.Dialect
	repo         repo.Repo
	events       events.Writer
	blobs        blob.Store
	log          *slog.Logger
	metrics      metrics.Recorder
	requireReady bool
	now          func() time.Time
}

// Open connects to the configured database, applies migrations and returns
// a ready store. Close releases the connection pool.
func Open(ctx context.Context, cfg db.Config, opts Options) (*Store, error) {
	conn, dialect, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, storageErr("open", err)
	}
	if err := migrate.Migrate(ctx, conn, dialect); err != nil {
		conn.Close()
		return nil, storageErr("migrate", err)
	}
	return New(conn, dialect, opts), nil
}

// New wraps an already migrated database.
func New(conn *sql.DB, dialect db.Dialect, opts Options) *Store {
	s := &Store{
		db:           conn,
		dialect:      dialect,
		repo:         repo.Repo{DB: conn, Dialect: dialect},
		blobs:        opts.Blobs,
		log:          opts.Logger,
		metrics:      opts.Metrics,
		requireReady: !opts.AllowImagesBeforeReady,
		now:          opts.Now,
	}
	if s.log == nil {
		s.log = logging.Discard()
	}
	if s.metrics == nil {
		s.metrics = metrics.Nop{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.events = events.Writer{Dialect: dialect, Now: s.now}
	return s
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return storageErr("ping", s.db.PingContext(ctx))
}

// Dialect reports the database flavour behind the store.
func (s *Store) Dialect() string {
	return s.dialect.Name
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func (s *Store) beginWrite(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin", err)
	}
	return tx, nil
}

func (s *Store) beginRead(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, s.dialect.ReadTxOptions())
	if err != nil {
		return nil, storageErr("begin read", err)
	}
	return tx, nil
}

func (s *Store) commit(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

func (s *Store) observe(op string, start time.Time, err error) {
	outcome := Outcome(err)
	s.metrics.Observe(op, outcome, time.Since(start))
	if errors.Is(err, ErrStorage) {
		s.log.Error("store operation failed", "op", op, "error", err)
	}
}

// deleteBlobs removes offloaded payloads after their rows are gone.
// Failures leave orphaned objects and are only logged.
func (s *Store) deleteBlobs(ctx context.Context, keys []string) {
	if s.blobs == nil {
		return
	}
	for _, key := range keys {
		if _, err := s.blobs.Delete(ctx, key); err != nil {
			s.log.Warn("blob cleanup failed", "key", key, "error", err)
		}
	}
}

func (s *Store) mapRowErr(op string, err error, what string) error {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return notFound("%s", what)
	case s.dialect.IsUniqueViolation(err):
		return conflict("%s already exists", what)
	case s.dialect.IsForeignKeyViolation(err):
		return notFound("%s", what)
	}
	return storageErr(op, fmt.Errorf("%s: %w", what, err))
}
