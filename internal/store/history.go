package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/engramdev/engram/internal/errs"
	"github.com/engramdev/engram/internal/model"
)

// AppendHistory writes one change record. History is append-only; nothing
// ever updates a row in place.
func (s *Store) AppendHistory(ctx context.Context, e model.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	before, after, err := encodeSnapshots(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO history (memory_id, version, change_kind, ts, before_state, after_state)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.MemoryID, e.Version, string(e.Kind), formatTime(e.Timestamp), before, after)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// HistoryOf returns all entries for a memory ordered by version then time.
func (s *Store) HistoryOf(ctx context.Context, memoryID string) ([]model.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT memory_id, version, change_kind, ts, before_state, after_state
		FROM history
		WHERE memory_id = ?
		ORDER BY version ASC, ts ASC
	`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("history of %s: %w", memoryID, err)
	}
	defer rows.Close()
	return scanHistory(rows)
}

// SnapshotAtVersion reconstructs the memory as of the given version from its
// history, or NotFound if no snapshot at that version exists.
func (s *Store) SnapshotAtVersion(ctx context.Context, memoryID string, version int) (*model.Memory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT after_state FROM history
		WHERE memory_id = ? AND version = ? AND after_state IS NOT NULL
		ORDER BY ts DESC
		LIMIT 1
	`, memoryID, version)

	var after sql.NullString
	err := row.Scan(&after)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !after.Valid) {
		return nil, errs.Newf(errs.KindNotFound, "memory %s has no version %d", memoryID, version)
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot at version: %w", err)
	}
	var m model.Memory
	if err := json.Unmarshal([]byte(after.String), &m); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &m, nil
}

// LastAccessEntry returns the timestamp of the newest Accessed entry for the
// memory, or zero time if none exists.
func (s *Store) LastAccessEntry(ctx context.Context, memoryID string) (time.Time, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT ts FROM history
		WHERE memory_id = ? AND change_kind = ?
		ORDER BY ts DESC
		LIMIT 1
	`, memoryID, string(model.ChangeAccessed))

	var ts string
	err := row.Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("last access entry: %w", err)
	}
	return parseTime(ts)
}

// PruneAccessedBefore removes Accessed entries older than the cutoff. Other
// change kinds are retained forever.
func (s *Store) PruneAccessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM history WHERE change_kind = ? AND ts < ?
	`, string(model.ChangeAccessed), formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}

// CountHistory returns the total number of history rows.
func (s *Store) CountHistory(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM history`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return n, nil
}

func scanHistory(rows *sql.Rows) ([]model.HistoryEntry, error) {
	out := make([]model.HistoryEntry, 0)
	for rows.Next() {
		var (
			e             model.HistoryEntry
			kind, ts      string
			before, after sql.NullString
		)
		if err := rows.Scan(&e.MemoryID, &e.Version, &kind, &ts, &before, &after); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.Kind = model.HistoryChangeKind(kind)
		t, err := parseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("parse history ts: %w", err)
		}
		e.Timestamp = t
		if before.Valid && before.String != "" {
			var m model.Memory
			if err := json.Unmarshal([]byte(before.String), &m); err != nil {
				return nil, fmt.Errorf("decode before state: %w", err)
			}
			e.Before = &m
		}
		if after.Valid && after.String != "" {
			var m model.Memory
			if err := json.Unmarshal([]byte(after.String), &m); err != nil {
				return nil, fmt.Errorf("decode after state: %w", err)
			}
			e.After = &m
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

func encodeSnapshots(e model.HistoryEntry) (before, after sql.NullString, err error) {
	if e.Before != nil {
		b, err2 := json.Marshal(e.Before)
		if err2 != nil {
			return before, after, fmt.Errorf("encode before state: %w", err2)
		}
		before = sql.NullString{String: string(b), Valid: true}
	}
	if e.After != nil {
		b, err2 := json.Marshal(e.After)
		if err2 != nil {
			return before, after, fmt.Errorf("encode after state: %w", err2)
		}
		after = sql.NullString{String: string(b), Valid: true}
	}
	return before, after, nil
}
