package webhookstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adrg/xdg"
	_ "modernc.org/sqlite" // SQLite driver
)

// dbFileName is the SQLite file created inside the store directory.
const dbFileName = "solutions.db"

// Store provides SQLite-based storage for solver callback solutions.
// It is safe for concurrent use by the webhook receiver and the claiming
// side of the pipeline.
type Store struct {
	// db is the underlying SQL database connection.
	db *sql.DB

	// dbPath is the path to the SQLite database file.
	dbPath string

	retention     time.Duration
	purgeInterval time.Duration

	// Purge loop lifecycle. stopCh is nil until StartPurge runs.
	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Options configures Store behavior.
type Options struct {
	// CreateIfNotExists creates the database file if it doesn't exist.
	CreateIfNotExists bool

	// EnableWAL enables Write-Ahead Logging so the receiver can write while
	// the pipeline reads. Recommended for most use cases.
	EnableWAL bool

	// Retention is how long stored solutions survive before the purge loop
	// removes them. Solutions expire upstream after about two minutes, so
	// anything older is dead weight.
	Retention time.Duration

	// PurgeInterval is how often the background purge runs.
	PurgeInterval time.Duration
}

// DefaultOptions returns the default store options.
func DefaultOptions() Options {
	return Options{
		CreateIfNotExists: true,
		EnableWAL:         true,
		Retention:         time.Hour,
		PurgeInterval:     time.Hour,
	}
}

// DefaultDir returns the default directory for the solution database,
// following the XDG base directory specification.
func DefaultDir() string {
	return filepath.Join(xdg.DataHome, "fetchguard")
}

// Open opens or creates a Store in the specified directory.
// If CreateIfNotExists is true, the directory and database file are created.
// If CreateIfNotExists is false and the database doesn't exist, an error is
// returned.
func Open(dbDir string, opts Options) (*Store, error) {
	dbPath := filepath.Join(dbDir, dbFileName)

	if !opts.CreateIfNotExists {
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("solution database not found at %s (use CreateIfNotExists option to create)", dbPath)
		} else if err != nil {
			return nil, fmt.Errorf("failed to check database path: %w", err)
		}
	} else {
		if err := os.MkdirAll(dbDir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// mode=rw prevents the driver from creating new files when the caller
	// asked for an existing database.
	var dsn string
	if opts.CreateIfNotExists {
		dsn = dbPath + "?mode=rwc"
	} else {
		dsn = dbPath + "?mode=rw"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer; a single pooled connection avoids
	// SQLITE_BUSY between the receiver and the claiming side.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if opts.Retention <= 0 {
		opts.Retention = DefaultOptions().Retention
	}
	if opts.PurgeInterval <= 0 {
		opts.PurgeInterval = DefaultOptions().PurgeInterval
	}

	s := &Store{
		db:            db,
		dbPath:        dbPath,
		retention:     opts.Retention,
		purgeInterval: opts.PurgeInterval,
	}

	if opts.EnableWAL {
		if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return s, nil
}

// Close stops the purge loop, if running, and closes the database.
func (s *Store) Close() error {
	s.StopPurge()
	return s.db.Close()
}

// createTables creates the database schema if it doesn't exist.
func (s *Store) createTables() error {
	schema := `
	-- One row per solver callback delivery, keyed by the provider task ID.
	CREATE TABLE IF NOT EXISTS captcha_solutions (
		captcha_id TEXT PRIMARY KEY,
		solution TEXT NOT NULL,
		received_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		used BOOLEAN DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_solutions_received ON captcha_solutions(received_at);
	`

	_, err := s.db.ExecContext(context.Background(), schema)
	return err
}

// Save stores a delivered solution. A redelivery for the same task replaces
// the previous row and resets the consumed flag.
func (s *Store) Save(ctx context.Context, taskID, solution string) error {
	query := `
	INSERT OR REPLACE INTO captcha_solutions (captcha_id, solution, received_at, used)
	VALUES (?, ?, CURRENT_TIMESTAMP, FALSE)
	`

	if _, err := s.db.ExecContext(ctx, query, taskID, solution); err != nil {
		return fmt.Errorf("failed to save solution: %w", err)
	}
	return nil
}

// Claim atomically consumes the solution for taskID. It returns ok=false
// when no unconsumed solution exists. A solution is handed out at most once:
// of two concurrent claims for the same task, exactly one succeeds.
func (s *Store) Claim(ctx context.Context, taskID string) (string, bool, error) {
	query := `
	UPDATE captcha_solutions
	SET used = TRUE
	WHERE captcha_id = ? AND used = FALSE
	RETURNING solution
	`

	var solution string
	err := s.db.QueryRowContext(ctx, query, taskID).Scan(&solution)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to claim solution: %w", err)
	}
	return solution, true, nil
}

// Count reports the number of stored solutions, consumed or not.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM captcha_solutions").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count solutions: %w", err)
	}
	return count, nil
}

// PurgeOnce removes solutions older than the retention window and returns
// how many rows were deleted.
func (s *Store) PurgeOnce(ctx context.Context) (int64, error) {
	query := `
	DELETE FROM captcha_solutions
	WHERE received_at < datetime('now', ?)
	`

	// SQLite datetime modifier format
	modifier := fmt.Sprintf("-%d seconds", int(s.retention.Seconds()))

	result, err := s.db.ExecContext(ctx, query, modifier)
	if err != nil {
		return 0, fmt.Errorf("failed to purge solutions: %w", err)
	}
	return result.RowsAffected()
}
