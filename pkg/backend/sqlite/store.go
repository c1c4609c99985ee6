// Package sqlite is a reference implementation of the backend interfaces
// over a SQLite database, so subscriptions can run end to end without an
// external server. Entities are plain tables whose first column is an
// INTEGER ts ordering key; a catalog table maps entity ids to tables and
// groups them into named multi-entity targets.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/querytail/querytail/pkg/watermark"
)

// schema backs the entity catalog. Data tables are created per entity from
// their group's column definition.
const schema = `
CREATE TABLE IF NOT EXISTS qt_groups (
	name       TEXT PRIMARY KEY,
	columns    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS qt_entities (
	entity_id  INTEGER PRIMARY KEY,
	group_name TEXT,
	table_name TEXT NOT NULL UNIQUE,
	tags       TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_qt_entities_group ON qt_entities(group_name);
`

// Store implements backend.Session, backend.Engine, backend.Catalog and
// backend.Registry over one SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu     sync.Mutex
	active map[uuid.UUID]*Query
	closed bool
}

// storeConfig holds internal configuration for the SQLite store.
type storeConfig struct {
	// dsn is the data source name (file path or ":memory:" for in-memory)
	dsn string

	// maxOpenConns sets the maximum number of open connections
	maxOpenConns int

	// maxIdleConns sets the maximum number of idle connections
	maxIdleConns int

	// autoMigrate automatically creates the catalog tables on startup
	autoMigrate bool

	// logger is the structured logger
	logger *slog.Logger
}

// defaultStoreConfig returns sensible defaults.
func defaultStoreConfig() storeConfig {
	return storeConfig{
		dsn:          "querytail.db",
		maxOpenConns: 25,
		maxIdleConns: 5,
		autoMigrate:  true,
	}
}

// Option is a function that configures a Store.
type Option func(*storeConfig)

// WithDSN sets the data source name (file path or ":memory:" for in-memory).
func WithDSN(dsn string) Option {
	return func(c *storeConfig) {
		c.dsn = dsn
	}
}

// WithMemoryDatabase sets the database to an in-memory database.
func WithMemoryDatabase() Option {
	return func(c *storeConfig) {
		c.dsn = ":memory:"
	}
}

// WithMaxOpenConns sets the maximum number of open connections to the database.
func WithMaxOpenConns(n int) Option {
	return func(c *storeConfig) {
		c.maxOpenConns = n
	}
}

// WithMaxIdleConns sets the maximum number of idle connections in the pool.
func WithMaxIdleConns(n int) Option {
	return func(c *storeConfig) {
		c.maxIdleConns = n
	}
}

// WithAutoMigrate enables automatic creation of the catalog tables on
// startup.
func WithAutoMigrate(enabled bool) Option {
	return func(c *storeConfig) {
		c.autoMigrate = enabled
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *storeConfig) {
		c.logger = l
	}
}

// NewStore opens a SQLite-backed store with the given options.
//
// Example usage:
//
//	// In-memory database for testing
//	store, err := sqlite.NewStore(sqlite.WithMemoryDatabase())
//
//	// File database with a larger pool
//	store, err := sqlite.NewStore(
//	    sqlite.WithDSN("/var/lib/querytail/data.db"),
//	    sqlite.WithMaxOpenConns(50),
//	)
func NewStore(opts ...Option) (*Store, error) {
	config := defaultStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.logger == nil {
		config.logger = slog.Default()
	}

	db, err := sql.Open("sqlite", config.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// For :memory: databases we need a single connection, otherwise each
	// connection gets its own isolated in-memory database.
	if config.dsn == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(config.maxOpenConns)
		db.SetMaxIdleConns(config.maxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{
		db:     db,
		logger: config.logger,
		active: make(map[uuid.UUID]*Query),
	}

	if config.autoMigrate {
		if _, err := db.Exec(schema); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate catalog schema: %w", err)
		}
	}

	return s, nil
}

// DB returns the underlying database handle, for inserting data and for
// tests.
func (s *Store) DB() *sql.DB { return s.db }

// Alive reports whether the store can still serve queries.
func (s *Store) Alive() bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false
	}
	return s.db.Ping() == nil
}

// Close releases the database handle. In-flight submissions fail.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}

// CreateGroup registers a named multi-entity target. columns is the data
// column definition that member tables are created with, after the leading
// ts INTEGER key column, e.g. "site TEXT, watts REAL".
func (s *Store) CreateGroup(ctx context.Context, name, columns string) error {
	if err := validateIdent(name); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO qt_groups (name, columns, created_at) VALUES (?, ?, ?)`,
		name, columns, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create group %q: %w", name, err)
	}
	s.logger.Debug("group created", "group", name)
	return nil
}

// AddEntity adds a member table to a group and creates the table from the
// group's column definition. The entity id is the stable identifier
// watermarks are tracked under.
func (s *Store) AddEntity(ctx context.Context, group string, id watermark.EntityID, table string, tags map[string]string) error {
	if err := validateIdent(table); err != nil {
		return err
	}

	var columns string
	err := s.db.QueryRowContext(ctx, `SELECT columns FROM qt_groups WHERE name = ?`, group).Scan(&columns)
	if err == sql.ErrNoRows {
		return fmt.Errorf("unknown group %q", group)
	}
	if err != nil {
		return fmt.Errorf("failed to look up group %q: %w", group, err)
	}

	if err := s.createDataTable(ctx, table, columns); err != nil {
		return err
	}
	if err := s.insertEntity(ctx, id, &group, table, tags); err != nil {
		return err
	}
	s.logger.Debug("entity added", "group", group, "table", table, "entity", id)
	return nil
}

// RegisterTable registers a standalone concrete table (no group) and
// creates it. Queries against it are single-entity.
func (s *Store) RegisterTable(ctx context.Context, id watermark.EntityID, table, columns string, tags map[string]string) error {
	if err := validateIdent(table); err != nil {
		return err
	}
	if err := s.createDataTable(ctx, table, columns); err != nil {
		return err
	}
	if err := s.insertEntity(ctx, id, nil, table, tags); err != nil {
		return err
	}
	s.logger.Debug("table registered", "table", table, "entity", id)
	return nil
}

// RemoveEntity drops an entity from the catalog. The data table is left in
// place; reconciliation stops tracking the entity on its next run.
func (s *Store) RemoveEntity(ctx context.Context, id watermark.EntityID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM qt_entities WHERE entity_id = ?`, int64(id))
	if err != nil {
		return fmt.Errorf("failed to remove entity %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unknown entity %d", id)
	}
	s.logger.Debug("entity removed", "entity", id)
	return nil
}

func (s *Store) createDataTable(ctx context.Context, table, columns string) error {
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (ts INTEGER NOT NULL", table)
	if columns != "" {
		ddl += ", " + columns
	}
	ddl += ")"
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table %q: %w", table, err)
	}
	return nil
}

func (s *Store) insertEntity(ctx context.Context, id watermark.EntityID, group *string, table string, tags map[string]string) error {
	if tags == nil {
		tags = map[string]string{}
	}
	encoded, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO qt_entities (entity_id, group_name, table_name, tags, created_at) VALUES (?, ?, ?, ?, ?)`,
		int64(id), group, table, string(encoded), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to register entity %d: %w", id, err)
	}
	return nil
}

// validateIdent rejects names that cannot be spliced into DDL safely.
func validateIdent(name string) error {
	if name == "" {
		return fmt.Errorf("empty identifier")
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return fmt.Errorf("invalid identifier %q", name)
			}
		default:
			return fmt.Errorf("invalid identifier %q", name)
		}
	}
	return nil
}
