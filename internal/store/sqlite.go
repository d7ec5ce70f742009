package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/farmreg/internal/domain"
	"github.com/ashureev/farmreg/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	busyRetries   = 3
	busyBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements SessionStore using SQLite. Sessions are stored as
// one row each; every turn is also appended to an audit table.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite creates a new SQLite-backed session store.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode lets the sweeper read while a turn is being written.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		subject_id TEXT NOT NULL,
		status TEXT NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		off_topic_count INTEGER NOT NULL DEFAULT 0,
		urgency_detected INTEGER NOT NULL DEFAULT 0,
		language TEXT NOT NULL DEFAULT '',
		fields_json TEXT NOT NULL,
		confidence_json TEXT NOT NULL,
		pending_json TEXT NOT NULL DEFAULT '{}',
		history_json TEXT NOT NULL,
		turn_seq INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_subject ON sessions(subject_id, status);
	CREATE INDEX IF NOT EXISTS idx_sessions_idle ON sessions(status, updated_at);

	CREATE TABLE IF NOT EXISTS turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		text TEXT NOT NULL,
		ts INTEGER NOT NULL,
		delta_json TEXT,
		UNIQUE(session_id, seq)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &domain.StorageError{Op: "ping", Err: err}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// ActiveSessionID returns the most recently updated open session for a subject.
func (s *SQLiteStore) ActiveSessionID(ctx context.Context, subjectID string) (string, error) {
	query := `
		SELECT session_id FROM sessions
		WHERE subject_id = ? AND status IN (?, ?)
		ORDER BY updated_at DESC LIMIT 1`

	var id string
	err := s.db.QueryRowContext(ctx, query, subjectID, domain.StatusActive, domain.StatusUrgent).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", &domain.StorageError{Op: "active session", Err: err}
	}
	return id, nil
}

// GetOrCreate loads a session or returns a new unsaved one.
func (s *SQLiteStore) GetOrCreate(ctx context.Context, sessionID, subjectID string) (*domain.Session, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		session = domain.NewSession(sessionID, subjectID, s.now())
	}
	return session, nil
}

// Get loads a session by id. It returns nil, nil if the session does not exist.
func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `
		SELECT session_id, subject_id, status, message_count, off_topic_count,
		       urgency_detected, language, fields_json, confidence_json, pending_json,
		       history_json, turn_seq, created_at, updated_at
		FROM sessions WHERE session_id = ?`

	var (
		session                    domain.Session
		status                     string
		fieldsJSON, confidenceJSON string
		pendingJSON, historyJSON   string
		createdAt, updatedAt       int64
	)
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&session.SessionID, &session.SubjectID, &status, &session.MessageCount, &session.OffTopicCount,
		&session.UrgencyDetected, &session.Language, &fieldsJSON, &confidenceJSON, &pendingJSON,
		&historyJSON, &session.TurnSeq, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.StorageError{Op: "get session", Err: err}
	}

	session.Status = domain.Status(status)
	session.CreatedAt = time.UnixMilli(createdAt)
	session.UpdatedAt = time.UnixMilli(updatedAt)
	if err := json.Unmarshal([]byte(fieldsJSON), &session.Fields); err != nil {
		return nil, fmt.Errorf("decode fields for %s: %w", sessionID, err)
	}
	if err := json.Unmarshal([]byte(confidenceJSON), &session.Confidence); err != nil {
		return nil, fmt.Errorf("decode confidence for %s: %w", sessionID, err)
	}
	if err := json.Unmarshal([]byte(pendingJSON), &session.Pending); err != nil {
		return nil, fmt.Errorf("decode pending for %s: %w", sessionID, err)
	}
	if len(session.Pending) == 0 {
		session.Pending = nil
	}
	if err := json.Unmarshal([]byte(historyJSON), &session.History); err != nil {
		return nil, fmt.Errorf("decode history for %s: %w", sessionID, err)
	}
	if session.Fields == nil {
		session.Fields = make(map[domain.Field]string)
	}
	if session.Confidence == nil {
		session.Confidence = make(map[domain.Field]float64)
	}
	return &session, nil
}

// Save upserts the session row and appends turns not yet in the audit log.
// The upsert never moves message_count backwards.
func (s *SQLiteStore) Save(ctx context.Context, session *domain.Session) error {
	fieldsJSON, err := json.Marshal(session.Fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	confidenceJSON, err := json.Marshal(session.Confidence)
	if err != nil {
		return fmt.Errorf("encode confidence: %w", err)
	}
	pendingJSON, err := json.Marshal(session.Pending)
	if err != nil {
		return fmt.Errorf("encode pending: %w", err)
	}
	history := session.History
	if history == nil {
		history = []domain.Turn{}
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	err = shared.RetryOnConflict(ctx, "save session", busyRetries, busyBaseDelay, func() error {
		return s.saveOnce(ctx, session, sessionJSON{
			fields:     string(fieldsJSON),
			confidence: string(confidenceJSON),
			pending:    string(pendingJSON),
			history:    string(historyJSON),
		})
	})
	if err != nil {
		return &domain.StorageError{Op: "save session", Err: err}
	}
	return nil
}

// sessionJSON carries the encoded map and slice columns of a session row.
type sessionJSON struct {
	fields, confidence, pending, history string
}

func (s *SQLiteStore) saveOnce(ctx context.Context, session *domain.Session, enc sessionJSON) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	upsert := `
		INSERT INTO sessions (
			session_id, subject_id, status, message_count, off_topic_count,
			urgency_detected, language, fields_json, confidence_json, pending_json,
			history_json, turn_seq, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			status = excluded.status,
			message_count = excluded.message_count,
			off_topic_count = excluded.off_topic_count,
			urgency_detected = MAX(sessions.urgency_detected, excluded.urgency_detected),
			language = excluded.language,
			fields_json = excluded.fields_json,
			confidence_json = excluded.confidence_json,
			pending_json = excluded.pending_json,
			history_json = excluded.history_json,
			turn_seq = excluded.turn_seq,
			updated_at = excluded.updated_at
		WHERE excluded.message_count >= sessions.message_count`

	if _, err := tx.ExecContext(ctx, upsert,
		session.SessionID, session.SubjectID, string(session.Status), session.MessageCount, session.OffTopicCount,
		session.UrgencyDetected, session.Language, enc.fields, enc.confidence, enc.pending,
		enc.history, session.TurnSeq, session.CreatedAt.UnixMilli(), session.UpdatedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	insertTurn := `
		INSERT OR IGNORE INTO turns (session_id, seq, role, text, ts, delta_json)
		VALUES (?, ?, ?, ?, ?, ?)`
	for _, t := range session.History {
		var delta any
		if len(t.ExtractionDelta) > 0 {
			b, err := json.Marshal(t.ExtractionDelta)
			if err != nil {
				return fmt.Errorf("encode turn delta: %w", err)
			}
			delta = string(b)
		}
		if _, err := tx.ExecContext(ctx, insertTurn,
			session.SessionID, t.Seq, string(t.Role), t.Text, t.Timestamp.UnixMilli(), delta,
		); err != nil {
			return fmt.Errorf("append turn %d: %w", t.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Turns returns the full audit log for a session, oldest first.
func (s *SQLiteStore) Turns(ctx context.Context, sessionID string) ([]domain.Turn, error) {
	query := `SELECT seq, role, text, ts, delta_json FROM turns WHERE session_id = ? ORDER BY seq`
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, &domain.StorageError{Op: "list turns", Err: err}
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close turn rows", "error", closeErr)
		}
	}()

	var turns []domain.Turn
	for rows.Next() {
		var (
			t     domain.Turn
			role  string
			ts    int64
			delta sql.NullString
		)
		if err := rows.Scan(&t.Seq, &role, &t.Text, &ts, &delta); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		t.Role = domain.Role(role)
		t.Timestamp = time.UnixMilli(ts)
		if delta.Valid {
			if err := json.Unmarshal([]byte(delta.String), &t.ExtractionDelta); err != nil {
				return nil, fmt.Errorf("decode turn delta: %w", err)
			}
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}

// MarkAbandoned moves idle ACTIVE sessions to ABANDONED.
func (s *SQLiteStore) MarkAbandoned(ctx context.Context, idleSince time.Time) (int64, error) {
	query := `UPDATE sessions SET status = ?, updated_at = ? WHERE status = ? AND updated_at < ?`
	var n int64
	err := shared.RetryOnConflict(ctx, "mark abandoned", busyRetries, busyBaseDelay, func() error {
		res, err := s.db.ExecContext(ctx, query,
			domain.StatusAbandoned, s.now().UnixMilli(), domain.StatusActive, idleSince.UnixMilli())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, &domain.StorageError{Op: "mark abandoned", Err: err}
	}
	return n, nil
}
