package snapshotstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/floegence/redeven-stream/internal/message"
)

// Store is a local SQLite-backed archive of finished message aggregates.
//
// Notes:
// - Rows are keyed by message_id; saving again replaces the row.
// - WAL is enabled so a CLI can read history while a stream is being written.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Summary is one row of a session listing.
type Summary struct {
	MessageID       string `json:"message_id"`
	SessionID       string `json:"session_id"`
	IsComplete      bool   `json:"is_complete"`
	ErrorKind       string `json:"error_kind,omitempty"`
	LastSequence    int64  `json:"last_sequence"`
	TextPreview     string `json:"text_preview"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64  `json:"updated_at_unix_ms"`
}

func (s *Store) SaveMessage(ctx context.Context, agg message.Aggregate) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	agg.MessageID = strings.TrimSpace(agg.MessageID)
	agg.SessionID = strings.TrimSpace(agg.SessionID)
	if agg.MessageID == "" || agg.SessionID == "" {
		return errors.New("invalid message")
	}

	b, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	now := time.Now().UnixMilli()
	createdAt := unixMs(agg.CreatedAt, now)
	updatedAt := unixMs(agg.UpdatedAt, createdAt)
	errKind := ""
	if agg.Error != nil {
		errKind = string(agg.Error.Kind)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO stream_messages(
  message_id, session_id, is_complete, error_kind, last_sequence,
  text_preview, message_json, created_at_unix_ms, updated_at_unix_ms
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(message_id) DO UPDATE SET
  session_id = excluded.session_id,
  is_complete = excluded.is_complete,
  error_kind = excluded.error_kind,
  last_sequence = excluded.last_sequence,
  text_preview = excluded.text_preview,
  message_json = excluded.message_json,
  updated_at_unix_ms = excluded.updated_at_unix_ms
`,
		agg.MessageID,
		agg.SessionID,
		boolToInt(agg.IsComplete),
		errKind,
		agg.LastSequence,
		buildPreview(agg.Text()),
		string(b),
		createdAt,
		updatedAt,
	)
	return err
}

// GetMessage returns nil when the message is not stored.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*message.Aggregate, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return nil, errors.New("invalid request")
	}

	var raw string
	err := s.db.QueryRowContext(ctx, `
SELECT message_json
FROM stream_messages
WHERE message_id = ?
`, messageID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var agg message.Aggregate
	if err := json.Unmarshal([]byte(raw), &agg); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", messageID, err)
	}
	if agg.PendingTasks == nil {
		agg.PendingTasks = map[string]message.Task{}
	}
	return &agg, nil
}

// ListSessionMessages returns the newest messages of a session first.
func (s *Store) ListSessionMessages(ctx context.Context, sessionID string, limit int) ([]Summary, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("invalid request")
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT message_id, session_id, is_complete, error_kind, last_sequence,
  text_preview, created_at_unix_ms, updated_at_unix_ms
FROM stream_messages
WHERE session_id = ?
ORDER BY updated_at_unix_ms DESC, message_id DESC
LIMIT ?
`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Summary, 0, limit)
	for rows.Next() {
		var (
			sm       Summary
			complete int
		)
		if err := rows.Scan(
			&sm.MessageID,
			&sm.SessionID,
			&complete,
			&sm.ErrorKind,
			&sm.LastSequence,
			&sm.TextPreview,
			&sm.CreatedAtUnixMs,
			&sm.UpdatedAtUnixMs,
		); err != nil {
			return nil, err
		}
		sm.IsComplete = complete != 0
		out = append(out, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) DeleteMessage(ctx context.Context, messageID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return errors.New("invalid request")
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM stream_messages WHERE message_id = ?`, messageID)
	return err
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	const targetVersion = 2

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS stream_messages (
  message_id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  is_complete INTEGER NOT NULL DEFAULT 0,
  last_sequence INTEGER NOT NULL DEFAULT 0,
  text_preview TEXT NOT NULL DEFAULT '',
  message_json TEXT NOT NULL,
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stream_messages_session_updated ON stream_messages(session_id, updated_at_unix_ms DESC, message_id DESC);
`); err != nil {
		return err
	}

	// v2: error kind, so failed replies can be listed without decoding the JSON.
	if has, err := columnExists(tx, "stream_messages", "error_kind"); err != nil {
		return err
	} else if !has {
		if _, err := tx.Exec(`ALTER TABLE stream_messages ADD COLUMN error_kind TEXT NOT NULL DEFAULT ''`); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func columnExists(tx *sql.Tx, tableName string, colName string) (bool, error) {
	tableName = strings.TrimSpace(tableName)
	colName = strings.TrimSpace(colName)
	if tableName == "" || colName == "" {
		return false, errors.New("invalid table/column")
	}

	rows, err := tx.Query(`PRAGMA table_info(` + tableName + `)`)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid          int
			name         string
			ctype        string
			notNull      int
			defaultValue sql.NullString
			primaryKey   int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &defaultValue, &primaryKey); err != nil {
			return false, err
		}
		if strings.EqualFold(strings.TrimSpace(name), colName) {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return false, nil
}

func unixMs(t time.Time, fallback int64) int64 {
	if t.IsZero() {
		return fallback
	}
	return t.UnixMilli()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func buildPreview(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	// Single-line preview, capped.
	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.ReplaceAll(text, "\r", " ")
	return truncateRunes(strings.TrimSpace(text), 160)
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n >= limit {
			return strings.TrimSpace(s[:i])
		}
		n++
	}
	return strings.TrimSpace(s)
}
