package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_buckets (
	name TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS cache_entries (
	bucket TEXT NOT NULL,
	key TEXT NOT NULL,
	url TEXT NOT NULL,
	status INTEGER NOT NULL,
	header TEXT NOT NULL,
	body BLOB NOT NULL,
	encoding TEXT NOT NULL DEFAULT '',
	digest TEXT NOT NULL,
	size INTEGER NOT NULL,
	stored_at INTEGER NOT NULL,
	PRIMARY KEY (bucket, key)
);
`

// SQLiteStorage 将所有桶保存在单个 SQLite 文件中，适合只读根文件系统或需要单文件备份的部署。
type SQLiteStorage struct {
	sqlDB    *sql.DB
	compress bool
}

type sqliteBucket struct {
	storage *SQLiteStorage
	name    string
}

var (
	_ Storage = (*SQLiteStorage)(nil)
	_ Bucket  = (*sqliteBucket)(nil)
)

// OpenSQLite 打开（或创建）path 指向的数据库并初始化表结构。
func OpenSQLite(path string, compress bool) (*SQLiteStorage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	dsn := cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStorage{sqlDB: sqlDB, compress: compress}, nil
}

// Close releases the SQLite connection.
func (s *SQLiteStorage) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := validateBucketName(name); err != nil {
		return nil, err
	}
	if err := s.ensureBucket(ctx, name); err != nil {
		return nil, err
	}
	return &sqliteBucket{storage: s, name: name}, nil
}

func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	var count int
	err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(1) FROM cache_buckets WHERE name = ?`, name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("lookup bucket %s: %w", name, err)
	}
	return count > 0, nil
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE bucket = ?`, name); err != nil {
		return false, fmt.Errorf("delete entries of %s: %w", name, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM cache_buckets WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete bucket %s: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLiteStorage) Names(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT name FROM cache_buckets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStorage) ensureBucket(ctx context.Context, name string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO cache_buckets (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create bucket %s: %w", name, err)
	}
	return nil
}

func (b *sqliteBucket) Name() string {
	return b.name
}

func (b *sqliteBucket) Match(ctx context.Context, key string) (*Response, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	var (
		record    entryRecord
		header    string
		digestRaw string
		storedAt  int64
		payload   []byte
	)
	err := b.storage.sqlDB.QueryRowContext(ctx, `
SELECT url, status, header, body, encoding, digest, size, stored_at
FROM cache_entries WHERE bucket = ? AND key = ?`, b.name, key).
		Scan(&record.URL, &record.Status, &header, &payload, &record.Encoding, &digestRaw, &record.Size, &storedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("match %s: %w", key, err)
	}
	record.Key = key
	record.Digest = digest.Digest(digestRaw)
	record.StoredAt = time.UnixMilli(storedAt).UTC()
	record.Header = http.Header{}
	if err := json.Unmarshal([]byte(header), &record.Header); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	return record.toResponse(payload)
}

func (b *sqliteBucket) Put(ctx context.Context, key string, resp *Response) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if resp == nil {
		return errors.New("nil response")
	}
	record, payload, err := newRecord(key, resp, b.storage.compress)
	if err != nil {
		return err
	}
	header, err := json.Marshal(record.Header)
	if err != nil {
		return err
	}
	if payload == nil {
		payload = []byte{}
	}
	// 桶行已被删除时不插入任何记录，旧句柄不会让桶复活。
	res, err := b.storage.sqlDB.ExecContext(ctx, `
INSERT INTO cache_entries (bucket, key, url, status, header, body, encoding, digest, size, stored_at)
SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
WHERE EXISTS (SELECT 1 FROM cache_buckets WHERE name = ?)
ON CONFLICT(bucket, key) DO UPDATE SET
	url = excluded.url,
	status = excluded.status,
	header = excluded.header,
	body = excluded.body,
	encoding = excluded.encoding,
	digest = excluded.digest,
	size = excluded.size,
	stored_at = excluded.stored_at`,
		b.name, key, record.URL, record.Status, string(header), payload,
		record.Encoding, record.Digest.String(), record.Size, record.StoredAt.UTC().UnixMilli(),
		b.name,
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrBucketDeleted, b.name)
	}
	return nil
}

func (b *sqliteBucket) Delete(ctx context.Context, key string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	res, err := b.storage.sqlDB.ExecContext(ctx, `DELETE FROM cache_entries WHERE bucket = ? AND key = ?`, b.name, key)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (b *sqliteBucket) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	rows, err := b.storage.sqlDB.QueryContext(ctx, `SELECT key FROM cache_entries WHERE bucket = ? ORDER BY rowid`, b.name)
	if err != nil {
		return nil, fmt.Errorf("list keys of %s: %w", b.name, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
