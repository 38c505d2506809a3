package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ProgressStore persists the per-record state machine:
//
//	pending -> done                      (terminal)
//	pending -> failed -> failed ...      (attempts += 1 each time)
//	failed  -> dead letter               (attempts > maxRetries, terminal)
//
// Every write is one transaction keyed by record index, so concurrent workers
// never lose each other's updates.
type ProgressStore struct {
	db         *sql.DB
	maxRetries int
}

// MaxRetries returns the failure budget before a record is dead-lettered.
func (p *ProgressStore) MaxRetries() int {
	return p.maxRetries
}

// IsDone reports whether the record finished successfully
func (p *ProgressStore) IsDone(ctx context.Context, index int) (bool, error) {
	var status string
	err := p.db.QueryRowContext(ctx, `SELECT status FROM progress WHERE record_index = ?`, index).Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read progress for %d: %w", index, err)
	}
	return status == StatusDone, nil
}

// Get returns the progress row for index, or nil when the record is pending
// or dead-lettered.
func (p *ProgressStore) Get(ctx context.Context, index int) (*ProgressRecord, error) {
	var (
		rec      ProgressRecord
		metadata sql.NullString
		lastErr  sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT record_index, status, attempts, metadata, last_error, updated_at
		FROM progress
		WHERE record_index = ?
	`, index).Scan(&rec.Index, &rec.Status, &rec.Attempts, &metadata, &lastErr, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get progress for %d: %w", index, err)
	}
	rec.Metadata = decodeMetadata(metadata.String)
	rec.LastError = lastErr.String
	return &rec, nil
}

// MarkDone records a terminal success for index
func (p *ProgressStore) MarkDone(ctx context.Context, index int, metadata map[string]string) error {
	meta, err := encodeMetadata(metadata)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO progress (record_index, status, attempts, metadata, last_error, updated_at)
		VALUES (?, ?, 0, ?, NULL, ?)
		ON CONFLICT(record_index) DO UPDATE SET
			status = EXCLUDED.status,
			metadata = EXCLUDED.metadata,
			last_error = NULL,
			updated_at = EXCLUDED.updated_at
	`, index, StatusDone, meta, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark %d done: %w", index, err)
	}
	return nil
}

// MarkFailed increments the attempt counter for index. Once attempts exceed
// the retry budget the row moves to the dead-letter table and deadLettered is
// true.
func (p *ProgressStore) MarkFailed(ctx context.Context, index int, errMsg string, metadata map[string]string) (deadLettered bool, err error) {
	meta, err := encodeMetadata(metadata)
	if err != nil {
		return false, err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	var attempts int
	err = tx.QueryRowContext(ctx, `
		INSERT INTO progress (record_index, status, attempts, metadata, last_error, updated_at)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT(record_index) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = progress.attempts + 1,
			metadata = EXCLUDED.metadata,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at
		RETURNING attempts
	`, index, StatusFailed, meta, errMsg, now).Scan(&attempts)
	if err != nil {
		return false, fmt.Errorf("failed to mark %d failed: %w", index, err)
	}

	if attempts > p.maxRetries {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO dead_letters (record_index, metadata, error, attempts, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, index, meta, errMsg, attempts, now); err != nil {
			return false, fmt.Errorf("failed to dead-letter %d: %w", index, err)
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM progress WHERE record_index = ?`, index); err != nil {
			return false, fmt.Errorf("failed to remove dead-lettered %d: %w", index, err)
		}
		deadLettered = true
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit failure for %d: %w", index, err)
	}
	return deadLettered, nil
}

// DoneIndices returns every record index in the done state
func (p *ProgressStore) DoneIndices(ctx context.Context) (map[int]struct{}, error) {
	return p.indexSet(ctx, `SELECT record_index FROM progress WHERE status = ?`, StatusDone)
}

// DeadLetteredIndices returns every record index parked in the dead-letter table
func (p *ProgressStore) DeadLetteredIndices(ctx context.Context) (map[int]struct{}, error) {
	return p.indexSet(ctx, `SELECT DISTINCT record_index FROM dead_letters`)
}

// DeadLetterCandidates returns failed indices that still have retry budget,
// in index order.
func (p *ProgressStore) DeadLetterCandidates(ctx context.Context) ([]int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT record_index
		FROM progress
		WHERE status = ? AND attempts < ?
		ORDER BY record_index ASC
	`, StatusFailed, p.maxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to load dead-letter candidates: %w", err)
	}
	defer rows.Close()

	var indices []int
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, fmt.Errorf("failed to scan index: %w", err)
		}
		indices = append(indices, idx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candidates: %w", err)
	}
	return indices, nil
}

// DeadLetters returns the dead-letter table, oldest first
func (p *ProgressStore) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, record_index, metadata, error, attempts, created_at
		FROM dead_letters
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load dead letters: %w", err)
	}
	defer rows.Close()

	var letters []DeadLetter
	for rows.Next() {
		var (
			dl       DeadLetter
			metadata sql.NullString
			errMsg   sql.NullString
		)
		if err := rows.Scan(&dl.ID, &dl.Index, &metadata, &errMsg, &dl.Attempts, &dl.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		dl.Metadata = decodeMetadata(metadata.String)
		dl.Error = errMsg.String
		letters = append(letters, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}
	return letters, nil
}

// Counts summarizes both tables
func (p *ProgressStore) Counts(ctx context.Context) (ProgressCounts, error) {
	var c ProgressCounts
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			(SELECT COUNT(*) FROM dead_letters)
		FROM progress
	`, StatusDone, StatusFailed).Scan(&c.Done, &c.Failed, &c.DeadLetters)
	if err != nil {
		return ProgressCounts{}, fmt.Errorf("failed to count progress: %w", err)
	}
	return c, nil
}

// Reset clears all progress and dead-letter state
func (p *ProgressStore) Reset(ctx context.Context) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM progress`); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to clear progress: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letters`); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to clear dead letters: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reset: %w", err)
	}
	return nil
}

func (p *ProgressStore) indexSet(ctx context.Context, query string, args ...any) (map[int]struct{}, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load indices: %w", err)
	}
	defer rows.Close()

	set := make(map[int]struct{})
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, fmt.Errorf("failed to scan index: %w", err)
		}
		set[idx] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating indices: %w", err)
	}
	return set, nil
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(s string) map[string]string {
	m := make(map[string]string)
	if s == "" {
		return m
	}
	_ = json.Unmarshal([]byte(s), &m)
	return m
}
