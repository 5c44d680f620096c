package store

import (
	"context"
	"fmt"
	"time"

	"github.com/engramdev/engram/internal/model"
)

// Stats summarizes the active memory population.
type Stats struct {
	TotalActive       int                            `json:"total_active"`
	TotalRetired      int                            `json:"total_retired"`
	ByType            map[model.MemoryType]int       `json:"by_type"`
	ByLevel           map[model.Level]int            `json:"by_level"`
	ByScopeKind       map[model.ScopeKind]int        `json:"by_scope_kind"`
	ByImportance      map[model.ImportanceLevel]int  `json:"by_importance"`
	AverageImportance float64                        `json:"average_importance"`
	HistoryEntries    int                            `json:"history_entries"`
}

// Stats aggregates counts over the whole database. Level and importance
// buckets are derived in Go because both depend on the current instant.
func (s *Store) Stats(ctx context.Context, now time.Time) (*Stats, error) {
	st := &Stats{
		ByType:       make(map[model.MemoryType]int),
		ByLevel:      make(map[model.Level]int),
		ByScopeKind:  make(map[model.ScopeKind]int),
		ByImportance: make(map[model.ImportanceLevel]int),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT memory_type, scope_kind, importance, access_count, created_at
		FROM memories WHERE state = 'active'
	`)
	if err != nil {
		return nil, fmt.Errorf("stats query: %w", err)
	}
	defer rows.Close()

	var sum float64
	for rows.Next() {
		var (
			typ, scopeKind, createdAt string
			importance                float64
			accessCount               int
		)
		if err := rows.Scan(&typ, &scopeKind, &importance, &accessCount, &createdAt); err != nil {
			return nil, fmt.Errorf("stats scan: %w", err)
		}
		created, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("stats parse created_at: %w", err)
		}

		m := model.Memory{Importance: importance, AccessCount: accessCount, CreatedAt: created}
		st.TotalActive++
		st.ByType[model.MemoryType(typ)]++
		st.ByScopeKind[model.ScopeKind(scopeKind)]++
		st.ByLevel[m.CurrentLevel(now)]++
		st.ByImportance[model.BucketImportance(m.EffectiveImportance(now))]++
		sum += importance
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stats iterate: %w", err)
	}
	if st.TotalActive > 0 {
		st.AverageImportance = sum / float64(st.TotalActive)
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE state != 'active'`).Scan(&st.TotalRetired); err != nil {
		return nil, fmt.Errorf("stats retired count: %w", err)
	}
	if st.HistoryEntries, err = s.CountHistory(ctx); err != nil {
		return nil, err
	}
	return st, nil
}
