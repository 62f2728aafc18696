package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Open opens (or creates) a sqlite database at path, ensuring its parent
// directory exists. The pool is pinned to a single connection: the
// scheduler is the only component that touches the downloads table, and a
// busy_timeout makes a statement that meets a lock held by another
// connection to the same file wait instead of failing with SQLITE_BUSY.
func Open(path string, log *logrus.Logger) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if log != nil {
		log.WithField("path", path).Info("database opened")
	}
	return db, nil
}
