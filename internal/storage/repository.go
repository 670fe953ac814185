package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a write collides with a unique column
var ErrDuplicate = errors.New("already exists")

// Repository handles all database operations
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository with SQLite
func NewRepository(dbPath string) (*Repository, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := "file:" + dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serialises writers; SQLite allows a single writer anyway
	db.SetMaxOpenConns(1)

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	repo := &Repository{db: db}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// migrate creates the database schema
func (r *Repository) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS servers (
			id TEXT PRIMARY KEY,
			address TEXT UNIQUE NOT NULL,
			polling_enabled INTEGER NOT NULL DEFAULT 1,
			last_ping_at INTEGER,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS players (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT UNIQUE NOT NULL,
			name TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS player_sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			server_id TEXT NOT NULL,
			player_id INTEGER NOT NULL,
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL,
			FOREIGN KEY (server_id) REFERENCES servers(id) ON DELETE CASCADE,
			FOREIGN KEY (player_id) REFERENCES players(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS chat_watchers (
			chat_id TEXT PRIMARY KEY,
			is_group INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS live_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id TEXT NOT NULL,
			server_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			added_by TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (chat_id) REFERENCES chat_watchers(chat_id) ON DELETE CASCADE,
			FOREIGN KEY (server_id) REFERENCES servers(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_heartbeat ON player_sessions(server_id, player_id, end_time)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_server_end ON player_sessions(server_id, end_time)`,
		`CREATE INDEX IF NOT EXISTS idx_live_messages_server_chat ON live_messages(server_id, chat_id)`,
	}

	for _, migration := range migrations {
		if _, err := r.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Timestamps are stored as unix milliseconds so range predicates compare numerically

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func nullableMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return fromMillis(v.Int64)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Server operations

const serverColumns = `id, address, polling_enabled, last_ping_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (*Server, error) {
	s := &Server{}
	var enabled int
	var lastPing sql.NullInt64
	var created int64
	if err := row.Scan(&s.ID, &s.Address, &enabled, &lastPing, &created); err != nil {
		return nil, err
	}
	s.PollingEnabled = enabled != 0
	s.LastPingAt = nullableMillis(lastPing)
	s.CreatedAt = fromMillis(created)
	return s, nil
}

// CreateServer inserts a new server with polling enabled
func (r *Repository) CreateServer(ctx context.Context, address string, now time.Time) (*Server, error) {
	s := &Server{
		ID:             uuid.NewString(),
		Address:        address,
		PollingEnabled: true,
		CreatedAt:      fromMillis(toMillis(now)),
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO servers (id, address, polling_enabled, created_at) VALUES (?, ?, 1, ?)`,
		s.ID, s.Address, toMillis(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert server %s: %w", address, err)
	}
	return s, nil
}

// GetServer finds a server by ID
func (r *Repository) GetServer(ctx context.Context, id string) (*Server, error) {
	s, err := scanServer(r.db.QueryRowContext(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// GetServerByAddress finds a server by its address
func (r *Repository) GetServerByAddress(ctx context.Context, address string) (*Server, error) {
	s, err := scanServer(r.db.QueryRowContext(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE address = ?`, address,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// ListPollableServers returns servers with polling enabled
func (r *Repository) ListPollableServers(ctx context.Context) ([]*Server, error) {
	return r.queryServers(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE polling_enabled = 1 ORDER BY created_at`,
	)
}

// ListServers returns all servers, newest first
func (r *Repository) ListServers(ctx context.Context) ([]*Server, error) {
	return r.queryServers(ctx,
		`SELECT `+serverColumns+` FROM servers ORDER BY created_at DESC`,
	)
}

func (r *Repository) queryServers(ctx context.Context, query string, args ...any) ([]*Server, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var servers []*Server
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, s)
	}

	return servers, rows.Err()
}

// ListServerActivity returns all servers with their latest session heartbeat
func (r *Repository) ListServerActivity(ctx context.Context) ([]*ServerActivity, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT s.id, s.address, s.polling_enabled, s.last_ping_at, s.created_at,
		        (SELECT MAX(ps.end_time) FROM player_sessions ps WHERE ps.server_id = s.id)
		 FROM servers s
		 ORDER BY s.created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ServerActivity
	for rows.Next() {
		s := &Server{}
		var enabled int
		var lastPing, lastActive sql.NullInt64
		var created int64
		if err := rows.Scan(&s.ID, &s.Address, &enabled, &lastPing, &created, &lastActive); err != nil {
			return nil, err
		}
		s.PollingEnabled = enabled != 0
		s.LastPingAt = nullableMillis(lastPing)
		s.CreatedAt = fromMillis(created)
		result = append(result, &ServerActivity{Server: s, LastActive: nullableMillis(lastActive)})
	}

	return result, rows.Err()
}

// SetPollingEnabled toggles whether a server is included in poll cycles
func (r *Repository) SetPollingEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE servers SET polling_enabled = ? WHERE id = ?`,
		boolToInt(enabled), id,
	)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// RecordPing stores the time of the latest successful ping
func (r *Repository) RecordPing(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE servers SET last_ping_at = ? WHERE id = ?`,
		toMillis(at), id,
	)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// UpdateServerAddress points an existing server at a new address. Its
// sessions and live messages stay attached.
func (r *Repository) UpdateServerAddress(ctx context.Context, id, address string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE servers SET address = ? WHERE id = ?`,
		address, id,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("server address %s: %w", address, ErrDuplicate)
		}
		return err
	}
	return expectAffected(res)
}

// DeleteServer removes a server together with its sessions and live messages
func (r *Repository) DeleteServer(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func expectAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
