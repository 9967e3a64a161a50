package chatstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-go-golems/chatwidget/pkg/webchat"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type SQLiteTranscriptStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ TranscriptStore = &SQLiteTranscriptStore{}

func NewSQLiteTranscriptStore(dsn string) (*SQLiteTranscriptStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite transcript store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteTranscriptStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile builds a WAL-mode DSN for path.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite transcript store: empty path")
	}
	// busy_timeout avoids transient SQLITE_BUSY between the writer and readers
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLiteTranscriptStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteTranscriptStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transcript_sessions (
		  session_id TEXT PRIMARY KEY,
		  conversation_id TEXT NOT NULL DEFAULT '',
		  created_at_ms INTEGER NOT NULL,
		  last_activity_ms INTEGER NOT NULL,
		  version INTEGER NOT NULL,
		  response_count INTEGER NOT NULL DEFAULT 0,
		  state_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS transcript_sessions_by_last_activity
		  ON transcript_sessions(last_activity_ms DESC, session_id ASC);`,
		`CREATE TABLE IF NOT EXISTS transcript_conversations (
		  session_id TEXT NOT NULL,
		  conversation_id TEXT NOT NULL,
		  first_seen_ms INTEGER NOT NULL,
		  first_seen_version INTEGER NOT NULL,
		  PRIMARY KEY (session_id, conversation_id)
		);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite transcript store: migrate")
		}
	}
	return nil
}

func (s *SQLiteTranscriptStore) Append(ctx context.Context, snap TranscriptSnapshot) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite transcript store: db is nil")
	}
	snap, err := validateSnapshot(snap)
	if err != nil {
		return errors.Wrap(err, "sqlite transcript store")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	version, err := uint64ToInt64(snap.Version)
	if err != nil {
		return errors.Wrap(err, "sqlite transcript store: version overflow")
	}
	stateJSON, err := json.Marshal(snap.State)
	if err != nil {
		return errors.Wrap(err, "sqlite transcript store: marshal state")
	}
	now := s.now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transcript_sessions (
			session_id, conversation_id, created_at_ms, last_activity_ms,
			version, response_count, state_json
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			last_activity_ms = excluded.last_activity_ms,
			version = excluded.version,
			response_count = excluded.response_count,
			state_json = excluded.state_json
		WHERE excluded.version > transcript_sessions.version
	`, snap.SessionID, snap.ConversationID, now, now, version, len(snap.State), string(stateJSON)); err != nil {
		return errors.Wrap(err, "sqlite transcript store: upsert session")
	}

	if snap.ConversationID != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transcript_conversations (session_id, conversation_id, first_seen_ms, first_seen_version)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(session_id, conversation_id) DO NOTHING
		`, snap.SessionID, snap.ConversationID, now, version); err != nil {
			return errors.Wrap(err, "sqlite transcript store: record conversation id")
		}
	}

	return tx.Commit()
}

func (s *SQLiteTranscriptStore) GetSnapshot(ctx context.Context, sessionID string) (TranscriptSnapshot, bool, error) {
	if s == nil || s.db == nil {
		return TranscriptSnapshot{}, false, errors.New("sqlite transcript store: db is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return TranscriptSnapshot{}, false, errors.New("sqlite transcript store: sessionID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		snap    TranscriptSnapshot
		version int64
		raw     string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, conversation_id, last_activity_ms, version, state_json
		FROM transcript_sessions
		WHERE session_id = ?
	`, sessionID).Scan(&snap.SessionID, &snap.ConversationID, &snap.UpdatedAtMs, &version, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return TranscriptSnapshot{}, false, nil
	}
	if err != nil {
		return TranscriptSnapshot{}, false, errors.Wrap(err, "sqlite transcript store: get snapshot")
	}
	if snap.Version, err = int64ToUint64(version); err != nil {
		return TranscriptSnapshot{}, false, errors.Wrap(err, "sqlite transcript store: invalid version")
	}
	snap.State = webchat.State{}
	if err := json.Unmarshal([]byte(raw), &snap.State); err != nil {
		return TranscriptSnapshot{}, false, errors.Wrap(err, "sqlite transcript store: unmarshal state")
	}
	return snap, true, nil
}

func (s *SQLiteTranscriptStore) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite transcript store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, conversation_id, created_at_ms, last_activity_ms, version, response_count
		FROM transcript_sessions
		ORDER BY last_activity_ms DESC, session_id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: list sessions")
	}
	defer func() { _ = rows.Close() }()

	records := make([]SessionRecord, 0, limit)
	for rows.Next() {
		var (
			rec     SessionRecord
			version int64
		)
		if err := rows.Scan(&rec.SessionID, &rec.ConversationID, &rec.CreatedAtMs, &rec.LastActivityMs, &version, &rec.Responses); err != nil {
			return nil, errors.Wrap(err, "sqlite transcript store: scan session")
		}
		if rec.Version, err = int64ToUint64(version); err != nil {
			return nil, errors.Wrap(err, "sqlite transcript store: invalid version")
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: iterate sessions")
	}
	return records, nil
}

func (s *SQLiteTranscriptStore) ListConversationIDs(ctx context.Context, sessionID string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite transcript store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id
		FROM transcript_conversations
		WHERE session_id = ?
		ORDER BY first_seen_version ASC
	`, strings.TrimSpace(sessionID))
	if err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: list conversation ids")
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
