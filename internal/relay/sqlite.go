package relay

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"hailmesh/internal/proto"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	slot       TEXT PRIMARY KEY,
	id         TEXT NOT NULL,
	pubkey     TEXT NOT NULL,
	kind       TEXT NOT NULL,
	d          TEXT NOT NULL,
	cell       TEXT NOT NULL,
	recipient  TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expiry     INTEGER NOT NULL,
	raw        BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_kind_cell ON records(kind, cell);
CREATE INDEX IF NOT EXISTS idx_records_recipient ON records(recipient);
CREATE INDEX IF NOT EXISTS idx_records_expiry ON records(expiry);
`

// SQLiteStore is the durable store for long-running relays. SQLite only
// supports one writer at a time, so the pool is capped at a single
// connection and Put is additionally serialized.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Put(rec *proto.Record) (bool, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	slot := slotKey(rec)

	s.mu.Lock()
	defer s.mu.Unlock()
	var storedAt int64
	err = s.db.QueryRow("SELECT created_at FROM records WHERE slot = ?", slot).Scan(&storedAt)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return false, err
	case storedAt >= rec.CreatedAt:
		return false, nil
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO records
		(slot, id, pubkey, kind, d, cell, recipient, created_at, expiry, raw)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		slot, rec.ID, rec.Pubkey, rec.Kind, rec.DTag(), rec.Cell(), rec.Recipient(),
		rec.CreatedAt, rec.Expiry(), raw)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) Query(f proto.Filter, now int64) ([]proto.Record, error) {
	where := []string{"expiry > ?"}
	args := []any{now}
	if len(f.Kinds) > 0 {
		where = append(where, "kind IN ("+placeholders(len(f.Kinds))+")")
		for _, k := range f.Kinds {
			args = append(args, k)
		}
	}
	if len(f.Authors) > 0 {
		where = append(where, "pubkey IN ("+placeholders(len(f.Authors))+")")
		for _, a := range f.Authors {
			args = append(args, a)
		}
	}
	if f.Cell != "" {
		where = append(where, "cell = ?")
		args = append(args, f.Cell)
	}
	if f.D != "" {
		where = append(where, "d = ?")
		args = append(args, f.D)
	}
	if f.Recipient != "" {
		where = append(where, "recipient = ?")
		args = append(args, f.Recipient)
	}
	query := "SELECT raw FROM records WHERE " + strings.Join(where, " AND ") + " ORDER BY created_at ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []proto.Record
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec proto.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PruneExpired(now int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec("DELETE FROM records WHERE expiry <= ?", now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
