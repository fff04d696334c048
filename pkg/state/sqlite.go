package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type sqliteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the conversation database at path. States
// are stored as JSON so the file can be inspected with the sqlite3 shell.
func OpenSQLite(path string) (Store, error) {
	b, err := openSQLiteBackend(path)
	if err != nil {
		return nil, err
	}
	return newCodecStore(b, JSONCodec{}), nil
}

func openSQLiteBackend(path string) (*sqliteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One shared connection avoids SQLITE_BUSY between writer goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	b := &sqliteBackend{db: db}
	if err := b.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *sqliteBackend) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		// An acknowledged Update must survive power loss, which WAL only
		// guarantees with FULL.
		`PRAGMA synchronous=FULL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS conversations (
			dialogue_key TEXT PRIMARY KEY,
			mode TEXT NOT NULL,
			state_json TEXT NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := b.db.Exec(stmt); err != nil {
			return fmt.Errorf("init state db: %w", err)
		}
	}
	return nil
}

func (b *sqliteBackend) load(ctx context.Context, key string) ([]byte, bool, error) {
	row := b.db.QueryRowContext(ctx, `SELECT state_json FROM conversations WHERE dialogue_key = ?`, key)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("select conversation: %w", err)
	}
	return []byte(raw), true, nil
}

func (b *sqliteBackend) save(ctx context.Context, key string, mode Mode, data []byte) error {
	_, err := b.db.ExecContext(ctx, `
INSERT INTO conversations(dialogue_key, mode, state_json, updated_at_ms)
VALUES(?, ?, ?, ?)
ON CONFLICT(dialogue_key) DO UPDATE SET
	mode = excluded.mode,
	state_json = excluded.state_json,
	updated_at_ms = excluded.updated_at_ms`,
		key, string(mode), string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

func (b *sqliteBackend) close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
