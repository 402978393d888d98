package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/clm-relay/internal/domain"
	_ "modernc.org/sqlite"
)

// MemoryDSN keeps the log inside the process; it is gone after a restart.
const MemoryDSN = ":memory:"

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewMemory creates a process-local interaction log.
func NewMemory() (Repository, error) {
	return NewSQLite(MemoryDSN)
}

// NewSQLite creates a new SQLite-backed repository. dbPath may be
// MemoryDSN.
func NewSQLite(dbPath string) (Repository, error) {
	dsn := dbPath
	if dbPath != MemoryDSN {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to :memory: is a separate database, so pin to one.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS interactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		llm_provider TEXT NOT NULL,
		stage TEXT NOT NULL,
		transcript TEXT NOT NULL,
		response TEXT NOT NULL,
		emotions_json TEXT NOT NULL,
		latency_ms REAL,
		recorded_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_interactions_session ON interactions(session_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AppendInteraction records a completed turn.
func (s *SQLiteStore) AppendInteraction(ctx context.Context, rec domain.InteractionRecord) error {
	emotions := rec.Emotions
	if emotions == nil {
		emotions = []domain.EmotionSignal{}
	}
	emotionsJSON, err := json.Marshal(emotions)
	if err != nil {
		return fmt.Errorf("encode emotions: %w", err)
	}

	var latency interface{}
	if rec.LatencyMs != nil {
		latency = *rec.LatencyMs
	}

	query := `
	INSERT INTO interactions (
		session_id, llm_provider, stage, transcript, response,
		emotions_json, latency_ms, recorded_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	return withConflictRetry(ctx, "append interaction", func() error {
		_, err := s.db.ExecContext(ctx, query,
			rec.SessionID, rec.Provider, string(rec.Stage), rec.Transcript, rec.Response,
			string(emotionsJSON), latency, rec.Timestamp.UnixNano(),
		)
		return err
	})
}

// ListInteractions returns every recorded turn in completion order.
func (s *SQLiteStore) ListInteractions(ctx context.Context) ([]domain.InteractionRecord, error) {
	query := `
		SELECT session_id, llm_provider, stage, transcript, response,
		       emotions_json, latency_ms, recorded_at
		FROM interactions ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query interactions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close interaction rows", "error", closeErr)
		}
	}()

	records := []domain.InteractionRecord{}
	for rows.Next() {
		var rec domain.InteractionRecord
		var stage, emotionsJSON string
		var latency sql.NullFloat64
		var recordedAt int64

		if err := rows.Scan(
			&rec.SessionID, &rec.Provider, &stage, &rec.Transcript, &rec.Response,
			&emotionsJSON, &latency, &recordedAt,
		); err != nil {
			return nil, fmt.Errorf("scan interaction row: %w", err)
		}

		rec.Stage = domain.Stage(stage)
		rec.Timestamp = time.Unix(0, recordedAt).UTC()
		if latency.Valid {
			v := latency.Float64
			rec.LatencyMs = &v
		}
		rec.Emotions = []domain.EmotionSignal{}
		if err := json.Unmarshal([]byte(emotionsJSON), &rec.Emotions); err != nil {
			return nil, fmt.Errorf("decode emotions: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate interactions: %w", err)
	}

	return records, nil
}

// ClearInteractions removes every recorded turn.
func (s *SQLiteStore) ClearInteractions(ctx context.Context) (int64, error) {
	var deleted int64
	err := withConflictRetry(ctx, "clear interactions", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM interactions`)
		if err != nil {
			return err
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// isConflict reports SQLITE_BUSY and "database is locked" errors, the two
// forms of lock contention that are worth retrying.
func isConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withConflictRetry runs op up to three times with exponential backoff
// (100ms, 200ms) while it fails with a lock conflict.
func withConflictRetry(ctx context.Context, what string, op func() error) error {
	const maxRetries = 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		if err = op(); err == nil {
			return nil
		}
		if !isConflict(err) || i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("SQLite conflict, retrying", "op", what, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", what, ctx.Err())
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}
