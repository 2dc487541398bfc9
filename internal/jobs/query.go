package jobs

import (
	"context"
	"fmt"
	"strings"

	"github.com/lifelog-app/lifelog/internal/schema"
	"github.com/lifelog-app/lifelog/internal/storage"
)

// ListFilter narrows List. Zero fields match everything; Limit <= 0 means 50.
type ListFilter struct {
	Status  schema.JobStatus
	EntryID string
	Limit   int
}

// List returns jobs newest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]schema.Job, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.EntryID != "" {
		where = append(where, "entry_id = ?")
		args = append(args, f.EntryID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	out, err := storage.Find[schema.Job](ctx, s.db, schema.Jobs, storage.Filter{
		Where:   strings.Join(where, " AND "),
		Args:    args,
		OrderBy: "created_at DESC, id DESC",
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return out, nil
}

// CountByStatus returns the number of jobs in each status. Statuses with no
// jobs are present with a zero count.
func (s *Store) CountByStatus(ctx context.Context) (map[schema.JobStatus]int, error) {
	counts := map[schema.JobStatus]int{
		schema.JobPending:   0,
		schema.JobRunning:   0,
		schema.JobCompleted: 0,
		schema.JobFailed:    0,
	}
	rows, err := s.db.Conn(ctx).QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("counting jobs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[schema.JobStatus(status)] = n
	}
	return counts, rows.Err()
}
