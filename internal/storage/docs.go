package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lifelog-app/lifelog/internal/schema"
)

// Insert validates doc and stores it under id, stamped with the collection's
// current version. A taken id yields ErrConflict.
func Insert[T any](ctx context.Context, s *Store, c schema.Collection, id string, doc T) error {
	if err := checkTable(c.Name); err != nil {
		return err
	}
	if err := schema.Validate(c.Name, doc); err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding %s document: %w", c.Name, err)
	}
	_, err = s.Conn(ctx).ExecContext(ctx,
		"INSERT INTO "+c.Name+" (id, schema_version, doc) VALUES (?, ?, ?)",
		id, c.Version, string(raw))
	if err != nil {
		return fmt.Errorf("inserting %s %s: %w", c.Name, id, translateError(err))
	}
	return nil
}

// Get loads one document, migrating it if it was written by an older version.
func Get[T any](ctx context.Context, s *Store, c schema.Collection, id string) (T, error) {
	var zero T
	if err := checkTable(c.Name); err != nil {
		return zero, err
	}
	var version int
	var raw string
	err := s.Conn(ctx).QueryRowContext(ctx,
		"SELECT schema_version, doc FROM "+c.Name+" WHERE id = ?", id,
	).Scan(&version, &raw)
	if err == sql.ErrNoRows {
		return zero, ErrNotFound
	}
	if err != nil {
		return zero, fmt.Errorf("loading %s %s: %w", c.Name, id, err)
	}
	return schema.Decode[T](c, version, []byte(raw))
}

// Exists reports whether a document with id is stored.
func (s *Store) Exists(ctx context.Context, collection, id string) (bool, error) {
	if err := checkTable(collection); err != nil {
		return false, err
	}
	var n int
	err := s.Conn(ctx).QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+collection+" WHERE id = ?", id,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking %s %s: %w", collection, id, err)
	}
	return n > 0, nil
}

// Patch applies an RFC 7396 merge patch to one document in a single UPDATE.
// Fields the patch does not mention keep whatever value is stored at the time
// of the write, so concurrent patches to different fields do not clobber one
// another. A null value removes the field. The merged document is validated
// before the change is kept.
func Patch[T any](ctx context.Context, s *Store, c schema.Collection, id string, patch any) (T, error) {
	out, ok, err := PatchIf[T](ctx, s, c, id, "", nil, patch)
	if err != nil {
		return out, err
	}
	if !ok {
		return out, ErrNotFound
	}
	return out, nil
}

// PatchIf is Patch guarded by an extra SQL condition over the index columns.
// It returns false, with no error, when the document exists but the
// condition did not hold. A missing document is ErrNotFound.
func PatchIf[T any](ctx context.Context, s *Store, c schema.Collection, id, cond string, condArgs []any, patch any) (T, bool, error) {
	var out T
	if err := checkTable(c.Name); err != nil {
		return out, false, err
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return out, false, fmt.Errorf("encoding %s patch: %w", c.Name, err)
	}

	query := "UPDATE " + c.Name + " SET doc = json_patch(doc, ?) WHERE id = ?"
	args := []any{string(raw), id}
	if cond != "" {
		query += " AND (" + cond + ")"
		args = append(args, condArgs...)
	}
	query += " RETURNING schema_version, doc"

	matched := false
	err = s.WithTx(ctx, func(ctx context.Context) error {
		var version int
		var merged string
		err := s.Conn(ctx).QueryRowContext(ctx, query, args...).Scan(&version, &merged)
		if errors.Is(err, sql.ErrNoRows) {
			found, err := s.Exists(ctx, c.Name, id)
			if err != nil {
				return err
			}
			if !found {
				return ErrNotFound
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("patching %s %s: %w", c.Name, id, translateError(err))
		}
		doc, err := schema.Decode[T](c, version, []byte(merged))
		if err != nil {
			return err
		}
		if err := schema.Validate(c.Name, doc); err != nil {
			return err
		}
		out, matched = doc, true
		return nil
	})
	if err != nil {
		var zero T
		return zero, false, err
	}
	return out, matched, nil
}

// Replace overwrites a whole document. Prefer Patch; Replace is for callers
// that already hold the merged document inside the same transaction.
func Replace[T any](ctx context.Context, s *Store, c schema.Collection, id string, doc T) error {
	if err := checkTable(c.Name); err != nil {
		return err
	}
	if err := schema.Validate(c.Name, doc); err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding %s document: %w", c.Name, err)
	}
	res, err := s.Conn(ctx).ExecContext(ctx,
		"UPDATE "+c.Name+" SET schema_version = ?, doc = ? WHERE id = ?",
		c.Version, string(raw), id)
	if err != nil {
		return fmt.Errorf("replacing %s %s: %w", c.Name, id, translateError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Find returns the documents matching f.
func Find[T any](ctx context.Context, s *Store, c schema.Collection, f Filter) ([]T, error) {
	if err := checkTable(c.Name); err != nil {
		return nil, err
	}
	rows, err := s.Conn(ctx).QueryContext(ctx,
		"SELECT schema_version, doc FROM "+c.Name+f.clause(), f.Args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", c.Name, err)
	}
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		var version int
		var raw string
		if err := rows.Scan(&version, &raw); err != nil {
			return nil, err
		}
		doc, err := schema.Decode[T](c, version, []byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// FindIDs is Find returning only ids.
func (s *Store) FindIDs(ctx context.Context, collection string, f Filter) ([]string, error) {
	if err := checkTable(collection); err != nil {
		return nil, err
	}
	rows, err := s.Conn(ctx).QueryContext(ctx, "SELECT id FROM "+collection+f.clause(), f.Args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s ids: %w", collection, err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Count returns how many documents match where (empty for all).
func (s *Store) Count(ctx context.Context, collection, where string, args ...any) (int, error) {
	if err := checkTable(collection); err != nil {
		return 0, err
	}
	q := "SELECT COUNT(*) FROM " + collection
	if where != "" {
		q += " WHERE " + where
	}
	var n int
	if err := s.Conn(ctx).QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", collection, err)
	}
	return n, nil
}

// DeleteWhere removes at most limit documents matching where and returns
// how many went.
func (s *Store) DeleteWhere(ctx context.Context, collection, where string, limit int, args ...any) (int64, error) {
	if err := checkTable(collection); err != nil {
		return 0, err
	}
	if where == "" {
		return 0, errors.New("refusing to delete without a condition")
	}
	q := "DELETE FROM " + collection + " WHERE id IN (SELECT id FROM " + collection + " WHERE " + where
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	q += ")"
	res, err := s.Conn(ctx).ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("deleting from %s: %w", collection, err)
	}
	return res.RowsAffected()
}

// UpgradeDocuments rewrites every document older than c.Version in place and
// returns how many were migrated.
func (s *Store) UpgradeDocuments(ctx context.Context, c schema.Collection) (int, error) {
	if err := checkTable(c.Name); err != nil {
		return 0, err
	}
	type stale struct {
		id      string
		version int
		raw     string
	}

	n := 0
	err := s.WithTx(ctx, func(ctx context.Context) error {
		rows, err := s.Conn(ctx).QueryContext(ctx,
			"SELECT id, schema_version, doc FROM "+c.Name+" WHERE schema_version < ?", c.Version)
		if err != nil {
			return fmt.Errorf("finding stale %s: %w", c.Name, err)
		}
		var todo []stale
		for rows.Next() {
			var st stale
			if err := rows.Scan(&st.id, &st.version, &st.raw); err != nil {
				rows.Close()
				return err
			}
			todo = append(todo, st)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, st := range todo {
			var doc map[string]any
			if err := json.Unmarshal([]byte(st.raw), &doc); err != nil {
				return fmt.Errorf("decoding %s %s: %w", c.Name, st.id, err)
			}
			doc, err := c.Upgrade(st.version, doc)
			if err != nil {
				return fmt.Errorf("%s %s: %w", c.Name, st.id, err)
			}
			raw, err := json.Marshal(doc)
			if err != nil {
				return err
			}
			if _, err := s.Conn(ctx).ExecContext(ctx,
				"UPDATE "+c.Name+" SET schema_version = ?, doc = ? WHERE id = ?",
				c.Version, string(raw), st.id); err != nil {
				return fmt.Errorf("rewriting %s %s: %w", c.Name, st.id, translateError(err))
			}
			n++
		}
		return nil
	})
	return n, err
}
