// Package devserver is a small message server speaking the REST and
// websocket API the sync core consumes. It backs local runs and tests.
package devserver

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the server's SQLite database.
type DB struct {
	*sql.DB

	// insertMu makes timestamp order match commit order, so a reader whose
	// cursor passed a message never misses one committed after it.
	insertMu sync.Mutex
	lastTS   int64
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db}, nil
}
