// Package cache stores captured images on disk, addressed by the SHA-256
// digest of their canonical URL. Image bytes live one file per key under the
// image directory, sharded by digest prefix; a sqlite index is the single
// source of truth for which images exist and carries each entry's metadata.
package cache

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/wajeht/shotcache/assets"
)

// ErrMiss is returned by Get when no usable entry exists for the URL.
var ErrMiss = errors.New("cache miss")

// Entry is one index record. LastAccessed and AccessCount mutate on every
// hit; everything else is fixed at Put time.
type Entry struct {
	Key          string
	OriginalURL  string
	CanonicalURL string
	FilePath     string
	SizeBytes    int64
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int64
	Latency      time.Duration
}

// Stats summarizes the cache. HitRate is a running ratio of hits to lookups
// since process start, not windowed.
type Stats struct {
	TotalEntries    int64     `json:"total_entries"`
	TotalSizeBytes  int64     `json:"total_size_bytes"`
	OldestCreatedAt time.Time `json:"oldest_created_at"`
	NewestCreatedAt time.Time `json:"newest_created_at"`
	HitRate         float64   `json:"hit_rate"`
	TopEntries      []Entry   `json:"top_entries"`
}

const (
	imageDirName = "images"
	topEntries   = 10

	maxOpenConns    = 25
	maxIdleConns    = 5
	connMaxLifetime = 5 * time.Minute
)

// Key derives the cache key for a canonical URL: the hex SHA-256 digest.
// Two URLs share a key iff they normalize identically.
func Key(canonicalURL string) string {
	digest := sha256.Sum256([]byte(canonicalURL))
	return hex.EncodeToString(digest[:])
}

// Store owns the index database and the image directory.
type Store struct {
	db     *sql.DB
	dir    string
	logger *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// Open prepares the data directory, opens the sqlite index, and runs the
// embedded migrations.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, imageDirName), 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	// _busy_timeout makes overlapping writers queue instead of failing
	// with SQLITE_BUSY.
	dbPath := filepath.Join(dir, "index.sqlite") + "?cache=shared&mode=rwc&_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging index: %w", err)
	}

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying pragmas: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating index: %w", err)
	}

	return &Store{db: db, dir: dir, logger: logger}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=10000",
		"PRAGMA temp_store=MEMORY",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("setting %s: %w", pragma, err)
		}
	}
	return nil
}

func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(assets.EmbeddedFiles)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// imagePath shards image files by the first two digest characters so no
// single directory accumulates every entry.
func (s *Store) imagePath(key string) string {
	return filepath.Join(s.dir, imageDirName, key[:2], key+".webp")
}

// Get returns the cached bytes for a canonical URL and bumps the entry's
// last-access metadata. A missing index row is a plain miss. An index row
// whose backing file has vanished is evicted and reported as a miss, so the
// index heals itself. Other read failures degrade to a miss rather than
// failing the request.
func (s *Store) Get(canonicalURL string) ([]byte, *Entry, error) {
	key := Key(canonicalURL)

	entry, err := s.lookup(key)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Error("cache index lookup failed", slog.String("key", key), slog.String("error", err.Error()))
		}
		s.misses.Add(1)
		return nil, nil, ErrMiss
	}

	data, err := os.ReadFile(entry.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn("evicting index entry with missing image file", slog.String("key", key))
			if _, derr := s.db.Exec(`DELETE FROM cache_entries WHERE cache_key = ?`, key); derr != nil {
				s.logger.Error("evicting stale entry failed", slog.String("key", key), slog.String("error", derr.Error()))
			}
		} else {
			s.logger.Error("reading cached image failed", slog.String("key", key), slog.String("error", err.Error()))
		}
		s.misses.Add(1)
		return nil, nil, ErrMiss
	}

	now := time.Now()
	if _, err := s.db.Exec(
		`UPDATE cache_entries SET last_accessed = ?, access_count = access_count + 1 WHERE cache_key = ?`,
		now.Unix(), key,
	); err != nil {
		s.logger.Error("updating access metadata failed", slog.String("key", key), slog.String("error", err.Error()))
	}
	entry.LastAccessed = now
	entry.AccessCount++

	s.hits.Add(1)
	return data, entry, nil
}

// Put persists the image bytes and replaces the index record. Re-putting a
// key overwrites both file and metadata; nothing accumulates.
func (s *Store) Put(originalURL, canonicalURL string, data []byte, latency time.Duration) (*Entry, error) {
	key := Key(canonicalURL)
	path := s.imagePath(key)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating shard directory: %w", err)
	}

	// Write-then-rename so a concurrent Get never observes a torn file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, fmt.Errorf("writing image: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("publishing image: %w", err)
	}

	now := time.Now()
	entry := &Entry{
		Key:          key,
		OriginalURL:  originalURL,
		CanonicalURL: canonicalURL,
		FilePath:     path,
		SizeBytes:    int64(len(data)),
		CreatedAt:    now,
		LastAccessed: now,
		AccessCount:  0,
		Latency:      latency,
	}

	if _, err := s.db.Exec(
		`INSERT OR REPLACE INTO cache_entries
			(cache_key, original_url, canonical_url, file_path, size_bytes, created_at, last_accessed, access_count, latency_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		key, originalURL, canonicalURL, path, entry.SizeBytes, now.Unix(), now.Unix(), latency.Milliseconds(),
	); err != nil {
		return nil, fmt.Errorf("writing index entry: %w", err)
	}

	return entry, nil
}

// Delete removes both the image file and the index record. It reports
// whether an index entry existed.
func (s *Store) Delete(key string) (bool, error) {
	entry, err := s.lookup(key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("looking up entry: %w", err)
	}

	if err := os.Remove(entry.FilePath); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("removing image: %w", err)
	}

	if _, err := s.db.Exec(`DELETE FROM cache_entries WHERE cache_key = ?`, key); err != nil {
		return false, fmt.Errorf("removing index entry: %w", err)
	}

	return true, nil
}

// Purge deletes every entry and returns how many were removed. File removal
// failures are collected; the index rows are dropped regardless so the index
// stays authoritative.
func (s *Store) Purge() (int, error) {
	rows, err := s.db.Query(`SELECT cache_key, file_path FROM cache_entries`)
	if err != nil {
		return 0, fmt.Errorf("listing entries: %w", err)
	}
	defer rows.Close()

	var errs *multierror.Error
	count := 0
	for rows.Next() {
		var key, path string
		if err := rows.Scan(&key, &path); err != nil {
			return count, fmt.Errorf("scanning entry: %w", err)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = multierror.Append(errs, fmt.Errorf("removing %s: %w", key, err))
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return count, fmt.Errorf("iterating entries: %w", err)
	}

	if _, err := s.db.Exec(`DELETE FROM cache_entries`); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("clearing index: %w", err))
	}

	return count, errs.ErrorOrNil()
}

// Stats reports totals, creation bounds, the running hit rate, and the most
// accessed entries.
func (s *Store) Stats() (*Stats, error) {
	stats := &Stats{}

	var oldest, newest sql.NullInt64
	err := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(size_bytes), 0), MIN(created_at), MAX(created_at) FROM cache_entries`,
	).Scan(&stats.TotalEntries, &stats.TotalSizeBytes, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("aggregating entries: %w", err)
	}
	if oldest.Valid {
		stats.OldestCreatedAt = time.Unix(oldest.Int64, 0)
	}
	if newest.Valid {
		stats.NewestCreatedAt = time.Unix(newest.Int64, 0)
	}

	hits, misses := s.hits.Load(), s.misses.Load()
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}

	rows, err := s.db.Query(selectEntry + ` ORDER BY access_count DESC, cache_key LIMIT ?`, topEntries)
	if err != nil {
		return nil, fmt.Errorf("listing top entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning top entry: %w", err)
		}
		stats.TopEntries = append(stats.TopEntries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating top entries: %w", err)
	}

	return stats, nil
}

// Ping reports whether the index database is reachable.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Close releases the index database.
func (s *Store) Close() error {
	return s.db.Close()
}

const selectEntry = `SELECT cache_key, original_url, canonical_url, file_path, size_bytes, created_at, last_accessed, access_count, latency_ms FROM cache_entries`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) lookup(key string) (*Entry, error) {
	row := s.db.QueryRow(selectEntry+` WHERE cache_key = ?`, key)
	return scanEntry(row)
}

func scanEntry(row rowScanner) (*Entry, error) {
	var entry Entry
	var createdAt, lastAccessed, latencyMS int64

	if err := row.Scan(
		&entry.Key, &entry.OriginalURL, &entry.CanonicalURL, &entry.FilePath,
		&entry.SizeBytes, &createdAt, &lastAccessed, &entry.AccessCount, &latencyMS,
	); err != nil {
		return nil, err
	}

	entry.CreatedAt = time.Unix(createdAt, 0)
	entry.LastAccessed = time.Unix(lastAccessed, 0)
	entry.Latency = time.Duration(latencyMS) * time.Millisecond

	return &entry, nil
}
