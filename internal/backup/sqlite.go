package backup

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"

	_ "github.com/mattn/go-sqlite3"
)

var sqliteHeader = []byte("SQLite format 3\x00")

func isSQLite(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	head := make([]byte, len(sqliteHeader))
	if _, err := io.ReadFull(f, head); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return false, nil
		}
		return false, err
	}
	return bytes.Equal(head, sqliteHeader), nil
}

// exportSQLite writes a transactionally consistent copy of the database at
// src to dst, including anything still in its WAL.
func exportSQLite(ctx context.Context, src, dst string) error {
	db, err := sql.Open("sqlite3", src+"?_busy_timeout=5000")
	if err != nil {
		return err
	}
	defer db.Close()

	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return err
	}
	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", dst); err != nil {
		return fmt.Errorf("vacuum into: %w", err)
	}
	return nil
}
