package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentmesh/agentmesh/internal/port/timeline"
)

// TimelineStore implements timeline.Store on a pgx pool.
type TimelineStore struct {
	pool *pgxpool.Pool
}

// NewTimelineStore wraps an existing pool.
func NewTimelineStore(pool *pgxpool.Pool) *TimelineStore {
	return &TimelineStore{pool: pool}
}

// Append records one status entry for a project.
func (s *TimelineStore) Append(ctx context.Context, project, status, detail string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO project_timeline (project, status, detail) VALUES ($1, $2, $3)`,
		project, status, detail)
	if err != nil {
		return fmt.Errorf("append timeline entry for %s: %w", project, err)
	}
	return nil
}

// List returns a project's entries oldest first.
func (s *TimelineStore) List(ctx context.Context, project string) ([]timeline.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, project, status, detail, created_at
		 FROM project_timeline WHERE project = $1 ORDER BY id`,
		project)
	if err != nil {
		return nil, fmt.Errorf("list timeline for %s: %w", project, err)
	}
	defer rows.Close()

	var entries []timeline.Entry
	for rows.Next() {
		var e timeline.Entry
		if err := rows.Scan(&e.ID, &e.Project, &e.Status, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan timeline entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timeline for %s: %w", project, err)
	}
	return entries, nil
}

// Close releases the underlying pool.
func (s *TimelineStore) Close() {
	s.pool.Close()
}
