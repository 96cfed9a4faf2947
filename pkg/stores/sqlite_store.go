package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	path string
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: sees its own database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:  cfg,
		path: cfg.Path,
	}, nil
}

// Init opens the database and enables WAL mode for file databases.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.path
	if s.path != MemoryPath {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Open creates, initializes and migrates a store in one step.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Times are stored as unix milliseconds.
func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// RecordCommand appends a command record. A missing ID is generated and a
// zero StartedAt is set to now.
func (s *SQLiteStore) RecordCommand(ctx context.Context, cmd *Command) error {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.StartedAt.IsZero() {
		cmd.StartedAt = time.Now()
	}

	query := `
		INSERT INTO commands (id, command, status, msg, error_code, error_msg, error_kind,
		                      exec_time_ms, session_id, topology, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		cmd.ID,
		cmd.Command,
		cmd.Status,
		cmd.Message,
		cmd.ErrorCode,
		cmd.ErrorMsg,
		cmd.ErrorKind,
		cmd.ExecTimeMs,
		cmd.SessionID,
		cmd.Topology,
		toMillis(cmd.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record command: %w", err)
	}

	return nil
}

const commandColumns = `id, command, status, msg, error_code, error_msg, error_kind,
	exec_time_ms, session_id, topology, started_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanCommand(row scanner) (*Command, error) {
	cmd := &Command{}
	var started int64
	err := row.Scan(
		&cmd.ID,
		&cmd.Command,
		&cmd.Status,
		&cmd.Message,
		&cmd.ErrorCode,
		&cmd.ErrorMsg,
		&cmd.ErrorKind,
		&cmd.ExecTimeMs,
		&cmd.SessionID,
		&cmd.Topology,
		&started,
	)
	if err != nil {
		return nil, err
	}
	cmd.StartedAt = fromMillis(started)
	return cmd, nil
}

// GetCommand retrieves a command record by ID
func (s *SQLiteStore) GetCommand(ctx context.Context, id string) (*Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands WHERE id = ?`

	cmd, err := scanCommand(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("command %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get command: %w", err)
	}

	return cmd, nil
}

// ListCommands returns command records, newest first.
func (s *SQLiteStore) ListCommands(ctx context.Context, filter CommandFilter) ([]*Command, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var command, status any
	if filter.Command != "" {
		command = filter.Command
	}
	if filter.Status != "" {
		status = string(filter.Status)
	}

	query := `SELECT ` + commandColumns + `
		FROM commands
		WHERE (? IS NULL OR command = ?)
		  AND (? IS NULL OR status = ?)
		ORDER BY started_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, command, command, status, status, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list commands: %w", err)
	}
	defer rows.Close()

	cmds := []*Command{}
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		cmds = append(cmds, cmd)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating commands: %w", err)
	}

	return cmds, nil
}

// PruneCommands deletes all but the newest keep records and returns how
// many were removed. keep <= 0 removes nothing.
func (s *SQLiteStore) PruneCommands(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}

	query := `
		DELETE FROM commands
		WHERE rowid NOT IN (
			SELECT rowid FROM commands ORDER BY started_at DESC, rowid DESC LIMIT ?
		)
	`

	result, err := s.db.ExecContext(ctx, query, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune commands: %w", err)
	}

	return result.RowsAffected()
}

// RecordSessionCreated stores the start of a provisioning episode.
func (s *SQLiteStore) RecordSessionCreated(ctx context.Context, id, topology string, at time.Time) error {
	query := `
		INSERT INTO sessions (id, topology, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET topology = excluded.topology
	`

	if _, err := s.db.ExecContext(ctx, query, id, topology, toMillis(at)); err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}
	return nil
}

// RecordSessionDestroyed marks an episode as torn down.
func (s *SQLiteStore) RecordSessionDestroyed(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE sessions SET destroyed_at = ? WHERE id = ? AND destroyed_at IS NULL`

	result, err := s.db.ExecContext(ctx, query, toMillis(at), id)
	if err != nil {
		return fmt.Errorf("failed to record session teardown: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("active session %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanSession(row scanner) (*Session, error) {
	sess := &Session{}
	var created int64
	var destroyed sql.NullInt64
	if err := row.Scan(&sess.ID, &sess.Topology, &created, &destroyed); err != nil {
		return nil, err
	}
	sess.CreatedAt = fromMillis(created)
	if destroyed.Valid {
		t := fromMillis(destroyed.Int64)
		sess.DestroyedAt = &t
	}
	return sess, nil
}

// GetSession retrieves a session record by ID
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `SELECT id, topology, created_at, destroyed_at FROM sessions WHERE id = ?`

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns session records, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit, offset int) ([]*Session, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, topology, created_at, destroyed_at
		FROM sessions
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

var _ Store = (*SQLiteStore)(nil)
