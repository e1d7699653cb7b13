package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const schema = `CREATE TABLE IF NOT EXISTS videos (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	file_size INTEGER NOT NULL DEFAULT 0 CHECK (file_size >= 0),
	downloaded_size INTEGER NOT NULL DEFAULT 0 CHECK (downloaded_size >= 0),
	status TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'downloading', 'completed', 'failed', 'canceled')),
	view_count INTEGER NOT NULL DEFAULT 0,
	message TEXT NOT NULL DEFAULT '',
	file_path BLOB NOT NULL DEFAULT x'',
	source_url TEXT NOT NULL DEFAULT '',
	sha256 TEXT NOT NULL DEFAULT '',
	failure_kind TEXT NOT NULL DEFAULT '',
	locked_by TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	CHECK (file_size = 0 OR downloaded_size <= file_size),
	CHECK (status <> 'completed' OR downloaded_size = file_size)
)`

// InitDB opens the SQLite database at path and creates the videos table if it doesn't exist.
// The database runs in WAL mode so readers never wait for the single writer.
func InitDB(path string, busyTimeout time.Duration) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d",
		path, busyTimeout.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create videos table: %w", err)
	}

	return db, nil
}
