package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bkyoung/llmflow/internal/store"
	_ "github.com/mattn/go-sqlite3"
)

// Store implements the store.Store interface using SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates a new SQLite store at the given path.
// Use ":memory:" for an in-memory database (useful for testing).
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.createSchema(); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return s, nil
}

// createSchema creates all tables and indexes if they don't exist.
func (s *Store) createSchema() error {
	schema := `
	-- Summary of each batch run
	CREATE TABLE IF NOT EXISTS batches (
		batch_id TEXT PRIMARY KEY,
		model TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER NOT NULL,
		total_requests INTEGER NOT NULL,
		successful INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		total_tokens INTEGER NOT NULL,
		total_cost REAL DEFAULT 0.0,
		peak_tpm INTEGER DEFAULT 0,
		concurrent_peak INTEGER DEFAULT 0,
		retry_count INTEGER DEFAULT 0
	);

	-- Individual request outcomes
	CREATE TABLE IF NOT EXISTS outcomes (
		id TEXT NOT NULL,
		batch_id TEXT NOT NULL,
		start_timestamp TEXT NOT NULL,
		success INTEGER NOT NULL,
		input_tokens INTEGER DEFAULT 0,
		output_tokens INTEGER DEFAULT 0,
		cached_tokens INTEGER DEFAULT 0,
		total_tokens INTEGER DEFAULT 0,
		cost REAL DEFAULT 0.0,
		error TEXT,
		error_type TEXT,
		api_response_time REAL DEFAULT 0.0,
		attempts INTEGER DEFAULT 1,
		PRIMARY KEY (batch_id, id),
		FOREIGN KEY (batch_id) REFERENCES batches(batch_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_outcomes_batch ON outcomes(batch_id);
	CREATE INDEX IF NOT EXISTS idx_batches_started ON batches(started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveBatch inserts or replaces a batch summary.
func (s *Store) SaveBatch(ctx context.Context, b store.BatchRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO batches
		(batch_id, model, started_at, ended_at, total_requests, successful, failed,
		 total_tokens, total_cost, peak_tpm, concurrent_peak, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.BatchID, b.Model, b.StartedAt.Unix(), b.EndedAt.Unix(),
		b.TotalRequests, b.Successful, b.Failed,
		b.TotalTokens, b.TotalCost, b.PeakTPM, b.ConcurrentPeak, b.RetryCount)
	if err != nil {
		return fmt.Errorf("failed to save batch: %w", err)
	}
	return nil
}

// GetBatch retrieves a batch summary by id.
func (s *Store) GetBatch(ctx context.Context, batchID string) (store.BatchRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT batch_id, model, started_at, ended_at, total_requests, successful, failed,
		       total_tokens, total_cost, peak_tpm, concurrent_peak, retry_count
		FROM batches WHERE batch_id = ?`, batchID)
	return scanBatch(row)
}

// ListBatches returns the most recent batches, newest first.
func (s *Store) ListBatches(ctx context.Context, limit int) ([]store.BatchRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT batch_id, model, started_at, ended_at, total_requests, successful, failed,
		       total_tokens, total_cost, peak_tpm, concurrent_peak, retry_count
		FROM batches ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var batches []store.BatchRecord
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// SaveOutcomes persists a set of request outcomes in one transaction.
func (s *Store) SaveOutcomes(ctx context.Context, outcomes []store.OutcomeRecord) error {
	if len(outcomes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO outcomes
		(id, batch_id, start_timestamp, success, input_tokens, output_tokens,
		 cached_tokens, total_tokens, cost, error, error_type, api_response_time, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, o := range outcomes {
		success := 0
		if o.Success {
			success = 1
		}
		if _, err := stmt.ExecContext(ctx,
			o.ID, o.BatchID, o.StartTimestamp, success,
			o.InputTokens, o.OutputTokens, o.CachedTokens, o.TotalTokens,
			o.Cost, o.Error, o.ErrorType, o.APIResponseTime, o.Attempts); err != nil {
			return fmt.Errorf("failed to save outcome %s: %w", o.ID, err)
		}
	}

	return tx.Commit()
}

// GetOutcomesByBatch retrieves all outcomes for a batch.
func (s *Store) GetOutcomesByBatch(ctx context.Context, batchID string) ([]store.OutcomeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, start_timestamp, success, input_tokens, output_tokens,
		       cached_tokens, total_tokens, cost, error, error_type, api_response_time, attempts
		FROM outcomes WHERE batch_id = ?`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []store.OutcomeRecord
	for rows.Next() {
		var o store.OutcomeRecord
		var success int
		var errMsg, errType sql.NullString
		if err := rows.Scan(&o.ID, &o.BatchID, &o.StartTimestamp, &success,
			&o.InputTokens, &o.OutputTokens, &o.CachedTokens, &o.TotalTokens,
			&o.Cost, &errMsg, &errType, &o.APIResponseTime, &o.Attempts); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		o.Success = success == 1
		o.Error = errMsg.String
		o.ErrorType = errType.String
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (store.BatchRecord, error) {
	var b store.BatchRecord
	var started, ended int64
	if err := row.Scan(&b.BatchID, &b.Model, &started, &ended,
		&b.TotalRequests, &b.Successful, &b.Failed,
		&b.TotalTokens, &b.TotalCost, &b.PeakTPM, &b.ConcurrentPeak, &b.RetryCount); err != nil {
		if err == sql.ErrNoRows {
			return store.BatchRecord{}, fmt.Errorf("batch not found")
		}
		return store.BatchRecord{}, fmt.Errorf("failed to scan batch: %w", err)
	}
	b.StartedAt = time.Unix(started, 0)
	b.EndedAt = time.Unix(ended, 0)
	return b, nil
}
