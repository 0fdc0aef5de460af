// Package timeline defines the port for the durable project status timeline.
package timeline

import (
	"context"
	"time"
)

// Entry is one status line in a project's history.
type Entry struct {
	ID        int64     `json:"id"`
	Project   string    `json:"project"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists project status entries in order of occurrence.
type Store interface {
	Append(ctx context.Context, project, status, detail string) error
	List(ctx context.Context, project string) ([]Entry, error)
	Close()
}
