// Package aotcache persists class-initialization results across compiler
// runs in a SQLite database: which classes initialized cleanly, which
// aborted and why. A later run can skip classes already known erroneous.
package aotcache

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound indicates the requested class has no cached entry.
var ErrNotFound = errors.New("class not cached")

// Entry is one cached class-initialization result.
type Entry struct {
	Class        string
	Status       string
	AbortMessage string
	Strict       bool
	Duration     time.Duration
	UpdatedAt    time.Time
}

// Cache is a SQLite-backed store of initialization results.
type Cache struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if needed) a cache database at path.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS class_init (
		class TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		abort_message TEXT NOT NULL DEFAULT '',
		strict INTEGER NOT NULL DEFAULT 0,
		duration_ns INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &Cache{db: db}, nil
}

// Close closes the database connection.
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Put records one class's initialization result, replacing any earlier one.
func (c *Cache) Put(e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	strict := 0
	if e.Strict {
		strict = 1
	}
	updated := e.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err := c.db.Exec(
		`INSERT OR REPLACE INTO class_init (class, status, abort_message, strict, duration_ns, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.Class, e.Status, e.AbortMessage, strict, e.Duration.Nanoseconds(), updated.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving entry for %s: %w", e.Class, err)
	}
	return nil
}

// Get returns the cached result for a class, ErrNotFound if absent.
func (c *Cache) Get(class string) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	row := c.db.QueryRow(
		`SELECT class, status, abort_message, strict, duration_ns, updated_at
		 FROM class_init WHERE class = ?`, class)
	return scanEntry(row)
}

// List returns every cached entry, ordered by class name.
func (c *Cache) List() ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.Query(
		`SELECT class, status, abort_message, strict, duration_ns, updated_at
		 FROM class_init ORDER BY class`)
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune removes entries older than the cutoff, returning the count removed.
func (c *Cache) Prune(olderThan time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.Exec(
		`DELETE FROM class_init WHERE updated_at < ?`,
		olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("pruning entries: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var strict int
	var durationNS int64
	var updated string
	err := row.Scan(&e.Class, &e.Status, &e.AbortMessage, &strict, &durationNS, &updated)
	if err == sql.ErrNoRows {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("scanning entry: %w", err)
	}
	e.Strict = strict != 0
	e.Duration = time.Duration(durationNS)
	if t, perr := time.Parse(time.RFC3339Nano, updated); perr == nil {
		e.UpdatedAt = t
	}
	return e, nil
}
