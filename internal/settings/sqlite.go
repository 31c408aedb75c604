package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/coffersTech/nanolog-export/internal/engine"
	"github.com/coffersTech/nanolog-export/internal/export"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Load before any options were saved.
var ErrNotFound = errors.New("no export options stored")

var _ export.Settings = (*SQLiteStore)(nil)

// SQLiteStore persists export options in a SQLite database.
type SQLiteStore struct {
	conn *sql.DB
}

// Open opens/creates the settings database at path.
// Pass ":memory:" for an in-memory database.
func Open(path string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open settings database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{conn: conn}
	if err := s.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS export_options (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		time_range TEXT NOT NULL,
		min_level TEXT NOT NULL,
		format TEXT NOT NULL,
		query TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	);
	`
	_, err := s.conn.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Load returns the saved options.
func (s *SQLiteStore) Load(ctx context.Context) (export.Options, error) {
	var timeRange, level, format, query string
	err := s.conn.QueryRowContext(ctx,
		`SELECT time_range, min_level, format, query FROM export_options WHERE id = 1`,
	).Scan(&timeRange, &level, &format, &query)
	if errors.Is(err, sql.ErrNoRows) {
		return export.Options{}, ErrNotFound
	}
	if err != nil {
		return export.Options{}, fmt.Errorf("failed to load export options: %w", err)
	}

	opts := export.Options{Query: query}
	if opts.TimeRange, err = export.ParseTimeRange(timeRange); err != nil {
		return export.Options{}, err
	}
	if opts.MinLevel, err = engine.ParseLevel(level); err != nil {
		return export.Options{}, err
	}
	if opts.Format, err = export.ParseFormat(format); err != nil {
		return export.Options{}, err
	}
	return opts, nil
}

// Save replaces the stored options.
func (s *SQLiteStore) Save(ctx context.Context, opts export.Options) error {
	query := `
		INSERT INTO export_options (id, time_range, min_level, format, query, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			time_range = excluded.time_range,
			min_level = excluded.min_level,
			format = excluded.format,
			query = excluded.query,
			updated_at = excluded.updated_at
	`
	_, err := s.conn.ExecContext(ctx, query,
		string(opts.TimeRange),
		opts.MinLevel.String(),
		string(opts.Format),
		opts.Query,
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save export options: %w", err)
	}
	return nil
}
