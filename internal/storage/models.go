package storage

import (
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when inserting a record whose id is already taken.
var ErrConflict = errors.New("already exists")

// ErrAppendOnly is returned when something tries to rewrite a log record.
var ErrAppendOnly = errors.New("collection is append-only")

// Filter selects documents from one collection. Where and OrderBy are SQL
// fragments over the generated index columns; values go in Args.
type Filter struct {
	Where   string
	Args    []any
	OrderBy string
	Limit   int
}

func (f Filter) clause() string {
	var b strings.Builder
	if f.Where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(f.Where)
	}
	if f.OrderBy != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(f.OrderBy)
	}
	if f.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", f.Limit)
	}
	return b.String()
}

var tables = map[string]bool{"entries": true, "jobs": true, "logs": true}

func checkTable(name string) error {
	if !tables[name] {
		return fmt.Errorf("unknown collection %q", name)
	}
	return nil
}

// translateError maps SQLite constraint failures onto the package sentinels.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case sqlite3.SQLITE_CONSTRAINT_TRIGGER:
			return fmt.Errorf("%w: %v", ErrAppendOnly, err)
		}
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case strings.Contains(msg, "append-only"):
		return fmt.Errorf("%w: %v", ErrAppendOnly, err)
	}
	return err
}
