package chunkstream

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteCache persists chunk sequences so they survive restarts.
type SQLiteCache struct {
	db *sql.DB

	mu            sync.Mutex
	ttl           time.Duration
	evictInterval time.Duration
	evictRunning  bool
}

var _ Cache = &SQLiteCache{}

// SQLiteCacheDSNForFile builds a DSN with WAL and a busy timeout for path.
func SQLiteCacheDSNForFile(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("sqlite cache: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func NewSQLiteCache(dsn string) (*SQLiteCache, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite cache: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &SQLiteCache{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteCache) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteCache) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite cache: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chunk_sequences (
			job_id TEXT PRIMARY KEY,
			chunks TEXT NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS chunk_sequences_by_update ON chunk_sequences(updated_at_ms);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite cache: migrate")
		}
	}
	return nil
}

func (s *SQLiteCache) Get(ctx context.Context, key string) ([]string, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, errors.New("sqlite cache: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT chunks FROM chunk_sequences WHERE job_id = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "sqlite cache: select")
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, false, errors.Wrap(err, "sqlite cache: decode")
	}
	if out == nil {
		out = []string{}
	}
	return out, true, nil
}

func (s *SQLiteCache) Set(ctx context.Context, key string, value []string) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite cache: db is nil")
	}
	if strings.TrimSpace(key) == "" {
		return errors.New("sqlite cache: key is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if value == nil {
		value = []string{}
	}
	b, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "sqlite cache: encode")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chunk_sequences(job_id, chunks, updated_at_ms)
		VALUES(?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET chunks = excluded.chunks, updated_at_ms = excluded.updated_at_ms
	`, key, string(b), time.Now().UnixMilli())
	if err != nil {
		return errors.Wrap(err, "sqlite cache: upsert")
	}
	return nil
}

func (s *SQLiteCache) Delete(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite cache: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunk_sequences WHERE job_id = ?`, key); err != nil {
		return errors.Wrap(err, "sqlite cache: delete")
	}
	return nil
}

// DeleteOlderThan removes sequences last written before cutoff.
func (s *SQLiteCache) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("sqlite cache: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM chunk_sequences WHERE updated_at_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "sqlite cache: prune")
	}
	return res.RowsAffected()
}
