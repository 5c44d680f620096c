// Package store is the SQLite-backed durable layer: memory rows, FTS5
// lexical search, and the append-only history log.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/engramdev/engram/internal/errs"
	"github.com/engramdev/engram/internal/model"
	_ "modernc.org/sqlite"
)

// Store wraps a single SQLite database. Writes are serialized through mu the
// way SQLite prefers; reads go straight to the pool.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens the database at dbPath and ensures the schema.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			scope_kind TEXT NOT NULL,
			scope_key TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			memory_type TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT 'active',
			content TEXT NOT NULL,
			embedding TEXT,
			importance REAL NOT NULL DEFAULT 0.5,
			access_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			last_accessed TEXT NOT NULL,
			expires_at TEXT,
			version INTEGER NOT NULL DEFAULT 1,
			hash TEXT NOT NULL,
			metadata TEXT,
			entities TEXT,
			relations TEXT,
			redirect_id TEXT NOT NULL DEFAULT '',
			semantic_hash TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_memories_scope_hash
			ON memories(scope_key, hash) WHERE state = 'active'`,
		`CREATE INDEX IF NOT EXISTS idx_memories_scope ON memories(scope_key, state)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_state ON memories(state, last_accessed)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_expires ON memories(expires_at) WHERE expires_at IS NOT NULL`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			content,
			content='memories',
			content_rowid='rowid',
			tokenize='unicode61'
		)`,
		`CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
			INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content) VALUES('delete', old.rowid, old.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE OF content ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content) VALUES('delete', old.rowid, old.content);
			INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,
		`CREATE TABLE IF NOT EXISTS history (
			memory_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			change_kind TEXT NOT NULL,
			ts TEXT NOT NULL,
			before_state TEXT,
			after_state TEXT,
			PRIMARY KEY (memory_id, version, change_kind, ts)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_memory ON history(memory_id, version)`,
		`CREATE INDEX IF NOT EXISTS idx_history_kind ON history(change_kind, ts)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Create inserts a new memory row. A second active memory with the same
// hash in the same scope trips the unique index and comes back as a
// Conflict carrying no new state; callers resolve it via FindByHash.
func (s *Store) Create(ctx context.Context, m *model.Memory) error {
	if err := m.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	embedding, metadata, entities, relations, err := encodeAux(m)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (
			id, scope_kind, scope_key, agent_id, user_id, session_id,
			memory_type, state, content, embedding, importance, access_count,
			created_at, last_accessed, expires_at, version, hash,
			metadata, entities, relations, redirect_id, semantic_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID, string(m.Scope.Kind), m.Scope.Key(), m.Scope.AgentID, m.Scope.UserID, m.Scope.SessionID,
		string(m.Type), string(m.State), m.Content, embedding, m.Importance, m.AccessCount,
		formatTime(m.CreatedAt), formatTime(m.LastAccessedAt), formatTimePtr(m.ExpiresAt), m.Version, m.Hash,
		metadata, entities, relations, m.RedirectID, m.SemanticHash,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.Wrap(errs.KindConflict, "duplicate content hash in scope", err)
		}
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

// Get returns a memory by id regardless of state; retired memories still
// resolve so redirects can be followed.
func (s *Store) Get(ctx context.Context, id string) (*model.Memory, error) {
	row := s.db.QueryRowContext(ctx, selectMemory+` WHERE id = ?`, id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Newf(errs.KindNotFound, "memory %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	return m, nil
}

// FindByHash returns the active memory with the given hash in the scope, or
// NotFound.
func (s *Store) FindByHash(ctx context.Context, scope model.Scope, hash string) (*model.Memory, error) {
	row := s.db.QueryRowContext(ctx,
		selectMemory+` WHERE scope_key = ? AND hash = ? AND state = 'active'`,
		scope.Key(), hash)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Newf(errs.KindNotFound, "no active memory with hash in scope %s", scope.Key())
	}
	if err != nil {
		return nil, fmt.Errorf("find by hash: %w", err)
	}
	return m, nil
}

// Update writes the full row back, guarded by compare-and-swap on version:
// the row must still be at expectedVersion or the write fails with
// StaleWrite. On success the stored version is m.Version (caller bumps it).
func (s *Store) Update(ctx context.Context, m *model.Memory, expectedVersion int) error {
	if err := m.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	embedding, metadata, entities, relations, err := encodeAux(m)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET
			state = ?, content = ?, embedding = ?, importance = ?,
			access_count = ?, last_accessed = ?, expires_at = ?, version = ?,
			hash = ?, metadata = ?, entities = ?, relations = ?,
			redirect_id = ?, semantic_hash = ?
		WHERE id = ? AND version = ?
	`,
		string(m.State), m.Content, embedding, m.Importance,
		m.AccessCount, formatTime(m.LastAccessedAt), formatTimePtr(m.ExpiresAt), m.Version,
		m.Hash, metadata, entities, relations,
		m.RedirectID, m.SemanticHash,
		m.ID, expectedVersion,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.Wrap(errs.KindConflict, "duplicate content hash in scope", err)
		}
		return fmt.Errorf("update memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update memory rows: %w", err)
	}
	if n == 0 {
		if _, getErr := s.getLocked(ctx, m.ID); errs.IsKind(getErr, errs.KindNotFound) {
			return getErr
		}
		return errs.Newf(errs.KindStaleWrite, "memory %s moved past version %d", m.ID, expectedVersion)
	}
	return nil
}

// Touch bumps access bookkeeping without a version bump; retrieval hits are
// not edits.
func (s *Store) Touch(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE memories
		SET access_count = access_count + 1, last_accessed = ?
		WHERE id = ?
	`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("touch memory: %w", err)
	}
	return nil
}

// Delete removes the row and its history outright.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.Newf(errs.KindNotFound, "memory %s", id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM history WHERE memory_id = ?`, id); err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	return tx.Commit()
}

// ListVisible returns active memories any of the caller's ancestry scopes
// own, ordered by ascending id.
func (s *Store) ListVisible(ctx context.Context, caller model.Scope, limit int) ([]*model.Memory, error) {
	keys := scopeKeys(caller)
	q := selectMemory + ` WHERE state = 'active' AND scope_key IN (` + placeholders(len(keys)) + `) ORDER BY id ASC`
	args := make([]any, 0, len(keys)+1)
	for _, k := range keys {
		args = append(args, k)
	}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list visible: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// ListByState returns memories in the given state, oldest access first.
func (s *Store) ListByState(ctx context.Context, state model.State, limit int) ([]*model.Memory, error) {
	q := selectMemory + ` WHERE state = ? ORDER BY last_accessed ASC, id ASC`
	args := []any{string(state)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list by state: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// ListExpired returns active memories whose expiry has passed at the given
// instant.
func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]*model.Memory, error) {
	rows, err := s.db.QueryContext(ctx,
		selectMemory+` WHERE state = 'active' AND expires_at IS NOT NULL AND expires_at <= ? ORDER BY id ASC`,
		formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// SearchFTS runs an FTS5 match over active memories in the caller's visible
// scopes, best bm25 first.
func (s *Store) SearchFTS(ctx context.Context, caller model.Scope, query string, limit int) ([]*model.Memory, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	keys := scopeKeys(caller)
	args := []any{ftsQuote(query)}
	for _, k := range keys {
		args = append(args, k)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memoryColumns("m.")+`
		FROM memories m
		JOIN memories_fts f ON m.rowid = f.rowid
		WHERE memories_fts MATCH ?
		  AND m.state = 'active'
		  AND m.scope_key IN (`+placeholders(len(keys))+`)
		ORDER BY bm25(memories_fts), m.id ASC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("search fts: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// BatchStatus reports the outcome of one item in a batch create.
type BatchStatus struct {
	ID  string
	Err error
}

// CreateBatch inserts each memory independently and reports per-item
// outcomes; one bad item never blocks the rest.
func (s *Store) CreateBatch(ctx context.Context, batch []*model.Memory) []BatchStatus {
	out := make([]BatchStatus, len(batch))
	for i, m := range batch {
		out[i] = BatchStatus{ID: m.ID, Err: s.Create(ctx, m)}
		if out[i].Err != nil {
			log.Printf("[store] batch item %s: %v", m.ID, out[i].Err)
		}
	}
	return out
}

// Reset wipes all memories and history. The schema stays in place.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM history`); err != nil {
		return fmt.Errorf("reset history: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memories`); err != nil {
		return fmt.Errorf("reset memories: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	log.Printf("[store] reset: all memories and history removed")
	return nil
}

// CountActive returns the number of active memories across all scopes.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE state = 'active'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active: %w", err)
	}
	return n, nil
}

func (s *Store) getLocked(ctx context.Context, id string) (*model.Memory, error) {
	row := s.db.QueryRowContext(ctx, selectMemory+` WHERE id = ?`, id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Newf(errs.KindNotFound, "memory %s", id)
	}
	return m, err
}

const selectMemoryCols = `id, scope_kind, scope_key, agent_id, user_id, session_id,
	memory_type, state, content, embedding, importance, access_count,
	created_at, last_accessed, expires_at, version, hash,
	metadata, entities, relations, redirect_id, semantic_hash`

var selectMemory = `SELECT ` + selectMemoryCols + ` FROM memories`

func memoryColumns(prefix string) string {
	cols := strings.Split(selectMemoryCols, ",")
	for i, c := range cols {
		cols[i] = prefix + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*model.Memory, error) {
	var (
		m                                      model.Memory
		scopeKind, scopeKey                    string
		createdAt, lastAccessed                string
		expiresAt                              sql.NullString
		embedding, metadata, entities, relList sql.NullString
	)
	err := row.Scan(
		&m.ID, &scopeKind, &scopeKey, &m.Scope.AgentID, &m.Scope.UserID, &m.Scope.SessionID,
		&m.Type, &m.State, &m.Content, &embedding, &m.Importance, &m.AccessCount,
		&createdAt, &lastAccessed, &expiresAt, &m.Version, &m.Hash,
		&metadata, &entities, &relList, &m.RedirectID, &m.SemanticHash,
	)
	if err != nil {
		return nil, err
	}
	m.Scope.Kind = model.ScopeKind(scopeKind)
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if m.LastAccessedAt, err = parseTime(lastAccessed); err != nil {
		return nil, fmt.Errorf("parse last_accessed: %w", err)
	}
	if expiresAt.Valid {
		t, err := parseTime(expiresAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse expires_at: %w", err)
		}
		m.ExpiresAt = &t
	}
	if embedding.Valid && embedding.String != "" {
		if err := json.Unmarshal([]byte(embedding.String), &m.Embedding); err != nil {
			return nil, fmt.Errorf("decode embedding: %w", err)
		}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if entities.Valid && entities.String != "" {
		if err := json.Unmarshal([]byte(entities.String), &m.Entities); err != nil {
			return nil, fmt.Errorf("decode entities: %w", err)
		}
	}
	if relList.Valid && relList.String != "" {
		if err := json.Unmarshal([]byte(relList.String), &m.Relations); err != nil {
			return nil, fmt.Errorf("decode relations: %w", err)
		}
	}
	return &m, nil
}

func scanMemories(rows *sql.Rows) ([]*model.Memory, error) {
	result := make([]*model.Memory, 0)
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}
	return result, nil
}

func encodeAux(m *model.Memory) (embedding, metadata, entities, relations sql.NullString, err error) {
	enc := func(v any) (sql.NullString, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return sql.NullString{}, fmt.Errorf("encode memory field: %w", err)
		}
		return sql.NullString{String: string(b), Valid: true}, nil
	}
	if len(m.Embedding) > 0 {
		if embedding, err = enc(m.Embedding); err != nil {
			return
		}
	}
	if len(m.Metadata) > 0 {
		if metadata, err = enc(m.Metadata); err != nil {
			return
		}
	}
	if len(m.Entities) > 0 {
		if entities, err = enc(m.Entities); err != nil {
			return
		}
	}
	if len(m.Relations) > 0 {
		relations, err = enc(m.Relations)
	}
	return
}

func scopeKeys(caller model.Scope) []string {
	chain := caller.Ancestry()
	keys := make([]string, len(chain))
	for i, sc := range chain {
		keys[i] = sc.Key()
	}
	return keys
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ftsQuote wraps each token in double quotes so user text cannot inject FTS5
// query syntax.
func ftsQuote(query string) string {
	fields := strings.Fields(query)
	for i, f := range fields {
		fields[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
	}
	return strings.Join(fields, " ")
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = "?"
	}
	return strings.Join(parts, ",")
}
