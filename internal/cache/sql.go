package cache

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

	"deepresearch/internal/logging"
	"deepresearch/internal/types"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const cacheSchema = `CREATE TABLE IF NOT EXISTS research_cache (
	cache_key  TEXT PRIMARY KEY,
	query      TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	expires_at BIGINT NOT NULL
)`

const cacheIndex = `CREATE INDEX IF NOT EXISTS idx_research_cache_expires ON research_cache(expires_at)`

// SQLStore is a Store backed by SQLite or Postgres. Timestamps are stored as
// unix milliseconds so both dialects share one schema.
type SQLStore struct {
	db      *sql.DB
	builder sq.StatementBuilderType
	dialect string
	now     func() time.Time
}

// OpenSQLite opens (or creates) a SQLite cache at dsn. A bare path is
// accepted as well as a file: URI.
func OpenSQLite(ctx context.Context, dsn string) (*SQLStore, error) {
	timer := logging.StartTimer(logging.CategoryCache, "OpenSQLite")
	defer timer.Stop()

	if dsn == "" {
		return nil, fmt.Errorf("sqlite cache: dsn required")
	}
	if path := strings.TrimPrefix(dsn, "file:"); !strings.HasPrefix(path, ":memory:") {
		if i := strings.IndexByte(path, '?'); i >= 0 {
			path = path[:i]
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			logging.CacheDebug("%s failed: %v", pragma, err)
		}
	}

	return newSQLStore(ctx, db, "sqlite", sq.StatementBuilder.PlaceholderFormat(sq.Question))
}

// OpenPostgres connects to a Postgres cache at dsn.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres cache: dsn required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return newSQLStore(ctx, db, "postgres", sq.StatementBuilder.PlaceholderFormat(sq.Dollar))
}

func newSQLStore(ctx context.Context, db *sql.DB, dialect string, builder sq.StatementBuilderType) (*SQLStore, error) {
	for _, stmt := range []string{cacheSchema, cacheIndex} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	logging.CacheDebug("%s cache schema ready", dialect)
	return &SQLStore{db: db, builder: builder, dialect: dialect, now: time.Now}, nil
}

func (s *SQLStore) Get(ctx context.Context, key string) (*types.CachedResult, error) {
	query, args, err := s.builder.
		Select("payload").
		From("research_cache").
		Where(sq.Eq{"cache_key": key}).
		Where(sq.Gt{"expires_at": s.now().UnixMilli()}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var payload string
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("query cache: %w", err)
	}

	var res types.CachedResult
	if err := json.Unmarshal([]byte(payload), &res); err != nil {
		return nil, fmt.Errorf("decode cached result: %w", err)
	}
	return &res, nil
}

func (s *SQLStore) Put(ctx context.Context, key string, result *types.CachedResult, ttl time.Duration) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	now := s.now()

	query, args, err := s.builder.
		Insert("research_cache").
		Columns("cache_key", "query", "payload", "created_at", "expires_at").
		Values(key, result.Query, string(payload), now.UnixMilli(), now.Add(ttl).UnixMilli()).
		Suffix(`ON CONFLICT (cache_key) DO UPDATE SET
			query = excluded.query,
			payload = excluded.payload,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert cache: %w", err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	query, args, err := s.builder.Delete("research_cache").Where(sq.Eq{"cache_key": key}).ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *SQLStore) Purge(ctx context.Context) (int, error) {
	query, args, err := s.builder.
		Delete("research_cache").
		Where(sq.LtOrEq{"expires_at": s.now().UnixMilli()}).
		ToSql()
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("purge cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLStore) Len(ctx context.Context) (int, error) {
	query, args, err := s.builder.Select("COUNT(*)").From("research_cache").ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
