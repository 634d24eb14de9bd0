package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DB persists what the synchronization core itself never remembers: which
// servers this client has talked to and which groups it joined, so a restart
// can offer a quick rejoin.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// JoinRecord is one group-membership episode.
type JoinRecord struct {
	ServerURL string     `json:"ServerUrl"`
	GroupID   string     `json:"GroupId"`
	GroupName string     `json:"GroupName"`
	JoinedAt  time.Time  `json:"JoinedAt"`
	LeftAt    *time.Time `json:"LeftAt,omitempty"`
}

// Open opens or creates the SQLite database at the given path.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for better concurrency between the control API and the
	// session callbacks.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS servers (
			url        TEXT PRIMARY KEY,
			device_id  TEXT NOT NULL,
			last_seen  DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create servers table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS group_history (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			server_url  TEXT NOT NULL,
			group_id    TEXT NOT NULL,
			group_name  TEXT DEFAULT '',
			joined_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			left_at     DATETIME
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create group history table: %w", err)
	}

	return &DB{db: db, path: path}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// RememberServer upserts a server this client talked to.
func (d *DB) RememberServer(url, deviceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		INSERT INTO servers (url, device_id, last_seen)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(url) DO UPDATE SET
			device_id = excluded.device_id,
			last_seen = CURRENT_TIMESTAMP
	`, url, deviceID)
	return err
}

// RecordJoin opens a membership episode for the group.
func (d *DB) RecordJoin(serverURL, groupID, groupName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		INSERT INTO group_history (server_url, group_id, group_name)
		VALUES (?, ?, ?)
	`, serverURL, groupID, groupName)
	return err
}

// RecordLeave closes the newest open episode for the group. Leaving a group
// that was never recorded is not an error.
func (d *DB) RecordLeave(serverURL, groupID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		UPDATE group_history SET left_at = CURRENT_TIMESTAMP
		WHERE id = (
			SELECT id FROM group_history
			WHERE server_url = ? AND group_id = ? AND left_at IS NULL
			ORDER BY id DESC LIMIT 1
		)
	`, serverURL, groupID)
	return err
}

// LastGroup returns the most recently joined group on the server, for rejoin
// after a restart. ok is false when the history is empty.
func (d *DB) LastGroup(serverURL string) (JoinRecord, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var rec JoinRecord
	var left sql.NullTime
	err := d.db.QueryRow(`
		SELECT server_url, group_id, group_name, joined_at, left_at
		FROM group_history
		WHERE server_url = ?
		ORDER BY id DESC LIMIT 1
	`, serverURL).Scan(&rec.ServerURL, &rec.GroupID, &rec.GroupName, &rec.JoinedAt, &left)
	if err == sql.ErrNoRows {
		return JoinRecord{}, false, nil
	}
	if err != nil {
		return JoinRecord{}, false, err
	}
	if left.Valid {
		rec.LeftAt = &left.Time
	}
	return rec, true, nil
}

// History returns the newest membership episodes for the server, newest
// first, capped at limit.
func (d *DB) History(serverURL string, limit int) ([]JoinRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	rows, err := d.db.Query(`
		SELECT server_url, group_id, group_name, joined_at, left_at
		FROM group_history
		WHERE server_url = ?
		ORDER BY id DESC LIMIT ?
	`, serverURL, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JoinRecord
	for rows.Next() {
		var rec JoinRecord
		var left sql.NullTime
		if err := rows.Scan(&rec.ServerURL, &rec.GroupID, &rec.GroupName, &rec.JoinedAt, &left); err != nil {
			return nil, err
		}
		if left.Valid {
			rec.LeftAt = &left.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
