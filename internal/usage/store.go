// Package usage persists per-entry launch counters, the secondary
// ranking key when usage frequency is enabled.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/davawen/keal/internal/log"
	"github.com/davawen/keal/internal/storage"
)

type key struct {
	source string
	name   string
}

// Store is an sqlite-backed launch counter keyed by (plugin, entry
// name). Counts are loaded once at open and served from memory;
// increments update the cache synchronously and are flushed to disk
// by a single writer goroutine so dispatch never blocks on I/O and
// concurrent launches cannot lose updates.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu     sync.Mutex
	counts map[key]int
	dirty  map[key]struct{}

	notify chan struct{}
	quit   chan struct{}
	done   chan struct{}
}

// Open loads the usage database at path, creating it when missing. A
// database that cannot be read is deleted and recreated empty rather
// than failing the launcher; losing counters is cheaper than losing
// the launcher.
func Open(ctx context.Context, path string) (*Store, error) {
	logger := log.WithComponent("usage")

	db, counts, err := openAndLoad(ctx, path)
	if err != nil {
		logger.Warn("usage database unreadable, recreating empty", "path", path, "error", err)
		for _, suffix := range []string{"", "-wal", "-shm"} {
			_ = os.Remove(path + suffix)
		}
		db, counts, err = openAndLoad(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("recreate usage database: %w", err)
		}
	}

	s := &Store{
		db:     db,
		logger: logger,
		counts: counts,
		dirty:  make(map[key]struct{}),
		notify: make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.writer()
	return s, nil
}

func openAndLoad(ctx context.Context, path string) (*sql.DB, map[key]int, error) {
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, nil, err
	}

	rows, err := db.QueryContext(ctx, "SELECT source, name, count FROM usage_counts;")
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("load usage counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[key]int)
	for rows.Next() {
		var k key
		var n int
		if err := rows.Scan(&k.source, &k.name, &n); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("scan usage count: %w", err)
		}
		counts[k] = n
	}
	if err := rows.Err(); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("iterate usage counts: %w", err)
	}
	return db, counts, nil
}

// Count returns the launch count for one entry.
func (s *Store) Count(source, name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[key{source, name}]
}

// Increment bumps an entry's counter. The in-memory count is updated
// immediately so the very next ranking pass sees it; persistence
// happens on the writer goroutine.
func (s *Store) Increment(source, name string) {
	k := key{source, name}
	s.mu.Lock()
	s.counts[k]++
	s.dirty[k] = struct{}{}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Reset clears every counter, in memory and on disk.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.counts = make(map[key]int)
	s.dirty = make(map[key]struct{})
	s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM usage_counts;"); err != nil {
		return fmt.Errorf("reset usage counts: %w", err)
	}
	return nil
}

// Close flushes pending increments and closes the database.
func (s *Store) Close() error {
	close(s.quit)
	<-s.done
	return s.db.Close()
}

// writer is the single flusher: it drains the dirty set and upserts
// each changed counter.
func (s *Store) writer() {
	defer close(s.done)
	for {
		select {
		case <-s.notify:
			s.flush()
		case <-s.quit:
			s.flush()
			return
		}
	}
}

func (s *Store) flush() {
	s.mu.Lock()
	pending := make(map[key]int, len(s.dirty))
	for k := range s.dirty {
		pending[k] = s.counts[k]
	}
	s.dirty = make(map[key]struct{})
	s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for k, n := range pending {
		_, err := s.db.Exec(`
INSERT INTO usage_counts(source, name, count, updated_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(source, name) DO UPDATE SET
  count = excluded.count,
  updated_at = excluded.updated_at;
`, k.source, k.name, n, now)
		if err != nil {
			s.logger.Error("failed to persist usage count", "source", k.source, "name", k.name, "error", err)
		}
	}
}
