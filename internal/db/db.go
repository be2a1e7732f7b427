// Package db opens the workspace SQLite store under .nightlobster/.
package db

import (
	"database/sql"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

// StateDir is the workspace-relative directory holding the database.
const StateDir = ".nightlobster"

const (
	fileName    = "nightlobster.db"
	defaultBusy = 5 * time.Second
)

type Config struct {
	Workspace string
	// BusyTimeout bounds how long a writer waits on the sqlite write lock.
	BusyTimeout time.Duration
}

func (c Config) root() string {
	if c.Workspace == "" {
		return "."
	}
	return c.Workspace
}

// Path is the database file for the configured workspace.
func (c Config) Path() string {
	return filepath.Join(c.root(), StateDir, fileName)
}

func (c Config) dsn() string {
	busy := c.BusyTimeout
	if busy <= 0 {
		busy = defaultBusy
	}
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout("+strconv.FormatInt(busy.Milliseconds(), 10)+")")
	return "file:" + c.Path() + "?" + q.Encode()
}

// EnsureWorkspace creates the state directory and returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(Config{Workspace: workspace}.root(), StateDir)
	return dir, os.MkdirAll(dir, 0o755)
}

// Open creates the state directory when needed and opens the database.
// Concurrent writers queue on the busy timeout instead of failing.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	return sql.Open("sqlite", cfg.dsn())
}
