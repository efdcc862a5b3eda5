package blob

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

const sqliteSchemaVersion = 1

// changeRetention bounds the change journal. Rows this far behind the
// newest are pruned on drain; a subscriber that misses pruned rows only
// loses a wake-up hint, never data, because the engine re-scans state
// on every sync.
const changeRetention = 4096

// debounce window for file-change notifications. WAL checkpointing
// produces bursts of fsnotify events per commit; collapsing them keeps
// drains cheap.
const watchDebounce = 50 * time.Millisecond

// SQLiteStore is a Store backed by one SQLite file, usable by several
// OS processes at once (each peer opens the same path). Mutations are
// journaled in a changes table; Subscribe watches the database file
// with fsnotify and drains the journal, which is how a peer process
// learns about writes committed by its neighbors.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	budget int // total budget in estimated bytes, 0 = unlimited

	mu      sync.Mutex
	subs    []func([]Change)
	cursor  int64
	watcher *fsnotify.Watcher
	stop    chan struct{}
	wg      sync.WaitGroup
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithSQLiteBudget caps the store's total estimated size in bytes.
func WithSQLiteBudget(budget int) SQLiteOption {
	return func(s *SQLiteStore) { s.budget = budget }
}

// OpenSQLite creates or opens the store file at path.
//
// The database is configured with WAL mode for concurrent readers,
// NORMAL synchronous mode, a 5-second busy timeout for cross-process
// lock contention, and foreign key enforcement. Safe to call from
// multiple processes concurrently.
func OpenSQLite(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect store: %w", err)
	}

	// One writer connection avoids SQLITE_BUSY between goroutines;
	// cross-process contention is handled by the busy timeout.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set schema version: %w", err)
	}

	s := &SQLiteStore{db: db, path: path, stop: make(chan struct{})}
	for _, opt := range opts {
		opt(s)
	}

	// Subscribers only want changes committed after they attached.
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(id), 0) FROM changes`).Scan(&s.cursor); err != nil {
		db.Close()
		return nil, fmt.Errorf("read change cursor: %w", err)
	}

	return s, nil
}

// Close stops the watcher and closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	w := s.watcher
	s.watcher = nil
	s.mu.Unlock()

	if w != nil {
		w.Close()
	}
	s.wg.Wait()
	return s.db.Close()
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM entries WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return []byte(value), true, nil
}

// Set implements Store. The batch commits in one transaction together
// with its journal rows, so other processes observe it atomically.
func (s *SQLiteStore) Set(ctx context.Context, entries map[string][]byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set: begin tx: %w", err)
	}
	defer tx.Rollback()

	if s.budget > 0 {
		var current int
		err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(2 * LENGTH(CAST(value AS BLOB))), 0) FROM entries`).Scan(&current)
		if err != nil {
			return fmt.Errorf("set: read usage: %w", err)
		}
		next := current
		for k, v := range entries {
			var old int
			err := tx.QueryRowContext(ctx, `SELECT 2 * LENGTH(CAST(value AS BLOB)) FROM entries WHERE key = ?`, k).Scan(&old)
			if err != nil && err != sql.ErrNoRows {
				return fmt.Errorf("set: read entry size: %w", err)
			}
			next += cost(v) - old
		}
		if next > s.budget {
			return fmt.Errorf("set %d keys: %w", len(entries), ErrQuotaExceeded)
		}
	}

	for k, v := range entries {
		var old sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT value FROM entries WHERE key = ?`, k).Scan(&old)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("set %s: read old: %w", k, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entries (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, k, string(v)); err != nil {
			return fmt.Errorf("set %s: %w", k, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO changes (key, old, new) VALUES (?, ?, ?)`,
			k, old, string(v)); err != nil {
			return fmt.Errorf("set %s: journal: %w", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("set: commit: %w", err)
	}

	// Deliver to in-process subscribers without waiting for fsnotify.
	s.drain(ctx)
	return nil
}

// Remove implements Store.
func (s *SQLiteStore) Remove(ctx context.Context, keys []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("remove: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, k := range keys {
		var old string
		err := tx.QueryRowContext(ctx, `SELECT value FROM entries WHERE key = ?`, k).Scan(&old)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return fmt.Errorf("remove %s: read old: %w", k, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, k); err != nil {
			return fmt.Errorf("remove %s: %w", k, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO changes (key, old, new) VALUES (?, ?, NULL)`, k, old); err != nil {
			return fmt.Errorf("remove %s: journal: %w", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("remove: commit: %w", err)
	}

	s.drain(ctx)
	return nil
}

// Scan implements Store. The match runs client-side; the entries table
// is small by construction (per-key budget times total budget).
func (s *SQLiteStore) Scan(ctx context.Context, pattern *regexp.Regexp) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM entries`)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if pattern.MatchString(k) {
			out[k] = []byte(v)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return out, nil
}

// Subscribe implements Store. The first subscriber starts an fsnotify
// watcher on the database file; writes committed by other processes
// surface as journal drains.
func (s *SQLiteStore) Subscribe(fn func(batch []Change)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	needWatch := s.watcher == nil
	s.mu.Unlock()

	if !needWatch {
		return
	}
	if err := s.startWatcher(); err != nil {
		// Cross-process wake-ups degrade to nothing; in-process
		// writes still drain after every commit.
		slog.Warn("store file watch unavailable", "path", s.path, "error", err)
	}
}

// UnsubscribeAll implements Store.
func (s *SQLiteStore) UnsubscribeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = nil
}

func (s *SQLiteStore) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Watch the WAL as well: under WAL mode most commits touch only
	// the -wal file until a checkpoint.
	if err := watcher.Add(s.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", s.path, err)
	}
	_ = watcher.Add(s.path + "-wal") // may not exist yet

	s.mu.Lock()
	if s.stop == nil {
		s.mu.Unlock()
		watcher.Close()
		return fmt.Errorf("store closed")
	}
	s.watcher = watcher
	stop := s.stop
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-stop:
				return
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				if timer == nil {
					timer = time.NewTimer(watchDebounce)
					fire = timer.C
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("store file watch error", "path", s.path, "error", err)
			case <-fire:
				timer = nil
				fire = nil
				s.drain(context.Background())
			}
		}
	}()
	return nil
}

// drain reads journal rows past the cursor and delivers them as one
// batch, then prunes rows far behind the newest.
func (s *SQLiteStore) drain(ctx context.Context) {
	s.mu.Lock()
	cursor := s.cursor
	subs := make([]func([]Change), len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key, old, new FROM changes WHERE id > ? ORDER BY id
	`, cursor)
	if err != nil {
		slog.Warn("drain change journal", "error", err)
		return
	}
	defer rows.Close()

	var batch []Change
	last := cursor
	for rows.Next() {
		var (
			id     int64
			key    string
			oldVal sql.NullString
			newVal sql.NullString
		)
		if err := rows.Scan(&id, &key, &oldVal, &newVal); err != nil {
			slog.Warn("drain change journal", "error", err)
			return
		}
		c := Change{Key: key}
		if oldVal.Valid {
			c.Old = []byte(oldVal.String)
		}
		if newVal.Valid {
			c.New = []byte(newVal.String)
		}
		batch = append(batch, c)
		last = id
	}
	if err := rows.Err(); err != nil {
		slog.Warn("drain change journal", "error", err)
		return
	}
	if last == cursor {
		return
	}

	s.mu.Lock()
	if last > s.cursor {
		s.cursor = last
	}
	s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM changes WHERE id <= ?`, last-changeRetention); err != nil {
		slog.Warn("prune change journal", "error", err)
	}

	if len(batch) == 0 {
		return
	}
	for _, fn := range subs {
		fn(batch)
	}
}
