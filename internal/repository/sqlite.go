package repository

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// sqliteMemory opens a private in-memory database.
const sqliteMemory = ":memory:"

// sqliteDSN builds a modernc.org/sqlite DSN. File databases run in WAL mode;
// every database waits up to 5s on a locked write and enforces foreign keys.
func sqliteDSN(path string) string {
	path = cmpOr(path, "./kestrel.db")

	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(ON)")
	if path != sqliteMemory {
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "synchronous(NORMAL)")
	}
	return "file:" + path + "?" + q.Encode()
}

// ensureSQLiteDir creates the parent directory of a database file.
func ensureSQLiteDir(path string) error {
	if path == "" || path == sqliteMemory {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	return nil
}
