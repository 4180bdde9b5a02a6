// Package store: sqlite session journal. Records handshakes and closes, never payloads.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"dev.c0redev.ddmq/internal/capability"
	"dev.c0redev.ddmq/internal/session"
)

// DB wraps sqlite.
type DB struct {
	*sql.DB
}

// Open opens db at path, runs migrations. ":memory:" works for tests.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// ":memory:" databases are per connection
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			client_name TEXT,
			remote_addr TEXT,
			compression TEXT NOT NULL,
			hashing TEXT NOT NULL,
			encryption TEXT NOT NULL,
			opened_at TEXT NOT NULL,
			closed_at TEXT,
			close_reason TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_session_id ON sessions(session_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_open ON sessions(closed_at);
	`)
	return err
}

var _ session.Journal = (*DB)(nil)

// Session is one journal row. ClosedAt is zero while the session is live.
type Session struct {
	ID           int64
	SessionID    uuid.UUID
	Role         string
	ClientName   string
	RemoteAddr   string
	Capabilities capability.Set
	OpenedAt     time.Time
	ClosedAt     time.Time
	CloseReason  string
}

// RecordOpen inserts a row for a freshly registered session.
func (db *DB) RecordOpen(ctx context.Context, info session.Info) error {
	opened := info.OpenedAt
	if opened.IsZero() {
		opened = time.Now()
	}
	_, err := db.ExecContext(ctx, `INSERT INTO sessions
		(session_id, role, client_name, remote_addr, compression, hashing, encryption, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		info.ID.String(), info.Role.String(), info.Name, info.RemoteAddr,
		string(info.Capabilities.Compression), string(info.Capabilities.Hash), string(info.Capabilities.Encryption),
		formatTime(opened))
	return err
}

// RecordClose closes the newest open row for id. No row is not an error.
func (db *DB) RecordClose(ctx context.Context, id uuid.UUID, at time.Time, reason string) error {
	_, err := db.ExecContext(ctx, `UPDATE sessions SET closed_at = ?, close_reason = ?
		WHERE id = (SELECT MAX(id) FROM sessions WHERE session_id = ? AND closed_at IS NULL)`,
		formatTime(at), reason, id.String())
	return err
}

const sessionCols = `id, session_id, role, client_name, remote_addr, compression, hashing, encryption, opened_at, closed_at, close_reason`

// Sessions returns the newest rows first; limit <= 0 means 100.
func (db *DB) Sessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	return db.query(ctx, "SELECT "+sessionCols+" FROM sessions ORDER BY id DESC LIMIT ?", limit)
}

// OpenSessions returns rows without a close record, oldest first.
func (db *DB) OpenSessions(ctx context.Context) ([]Session, error) {
	return db.query(ctx, "SELECT "+sessionCols+" FROM sessions WHERE closed_at IS NULL ORDER BY id")
}

// SessionsByID returns every row recorded for id, oldest first.
func (db *DB) SessionsByID(ctx context.Context, id uuid.UUID) ([]Session, error) {
	return db.query(ctx, "SELECT "+sessionCols+" FROM sessions WHERE session_id = ? ORDER BY id", id.String())
}

// CloseDangling marks rows left open by a previous process (crash, kill) as closed.
func (db *DB) CloseDangling(ctx context.Context, at time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, "UPDATE sessions SET closed_at = ?, close_reason = ? WHERE closed_at IS NULL",
		formatTime(at), "server restarted")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (db *DB) query(ctx context.Context, q string, args ...any) ([]Session, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Session
	for rows.Next() {
		var (
			s                    Session
			sid, comp, hash, enc string
			opened               string
			name, remote         sql.NullString
			closed, reason       sql.NullString
		)
		if err := rows.Scan(&s.ID, &sid, &s.Role, &name, &remote, &comp, &hash, &enc, &opened, &closed, &reason); err != nil {
			return nil, err
		}
		s.SessionID, _ = uuid.Parse(sid)
		s.ClientName, s.RemoteAddr = name.String, remote.String
		s.Capabilities = capability.Set{
			Compression: capability.CompressionTag(comp),
			Hash:        capability.HashTag(hash),
			Encryption:  capability.EncryptionTag(enc),
		}
		s.OpenedAt, _ = time.Parse(time.RFC3339Nano, opened)
		if closed.Valid {
			s.ClosedAt, _ = time.Parse(time.RFC3339Nano, closed.String)
		}
		s.CloseReason = reason.String
		list = append(list, s)
	}
	return list, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
