package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// DiskCache persists entries in a single-file SQLite database. It shares the
// binary codec with the Redis backend; soft-expired rows are reaped lazily on
// read.
type DiskCache struct {
	db    *sql.DB
	clock func() time.Time
}

func NewDiskCache(path string) (*DiskCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", path, err)
	}
	if _, err := db.Exec("CREATE TABLE IF NOT EXISTS relay_cache (key TEXT PRIMARY KEY, expires INTEGER, bytes BLOB)"); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: create table: %w", err)
	}
	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS relay_cache_expires ON relay_cache (expires)"); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: create index: %w", err)
	}
	return &DiskCache{db: db, clock: time.Now}, nil
}

func (d *DiskCache) Get(ctx context.Context, key string) (*Entry, bool, error) {
	var expires int64
	var blob []byte
	err := d.db.QueryRowContext(ctx, "SELECT expires, bytes FROM relay_cache WHERE key = ?", key).Scan(&expires, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: sqlite get: %v", ErrUnavailable, err)
	}
	if d.clock().After(time.Unix(0, expires)) {
		_ = d.Delete(ctx, key)
		return nil, false, nil
	}
	entry, err := Decode(blob)
	if err != nil {
		_ = d.Delete(ctx, key)
		return nil, false, nil
	}
	return entry, true, nil
}

func (d *DiskCache) Put(ctx context.Context, key string, entry *Entry, softExpiry time.Duration) error {
	expires := d.clock().Add(softExpiry).UnixNano()
	_, err := d.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO relay_cache (key, expires, bytes) VALUES (?, ?, ?)",
		key, expires, Encode(entry))
	if err != nil {
		return fmt.Errorf("%w: sqlite put: %v", ErrUnavailable, err)
	}
	return nil
}

func (d *DiskCache) Delete(ctx context.Context, key string) error {
	if _, err := d.db.ExecContext(ctx, "DELETE FROM relay_cache WHERE key = ?", key); err != nil {
		return fmt.Errorf("%w: sqlite delete: %v", ErrUnavailable, err)
	}
	return nil
}

func (d *DiskCache) Purge(ctx context.Context, pattern string) error {
	if _, err := d.db.ExecContext(ctx, "DELETE FROM relay_cache WHERE key GLOB ?", pattern); err != nil {
		return fmt.Errorf("%w: sqlite purge: %v", ErrUnavailable, err)
	}
	return nil
}

func (d *DiskCache) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(LENGTH(bytes)), 0) FROM relay_cache").Scan(&stats.Items, &stats.Bytes)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: sqlite stats: %v", ErrUnavailable, err)
	}
	return stats, nil
}

func (d *DiskCache) Close() error {
	return d.db.Close()
}
