// Package filestore defines the port for the external file-storage service.
package filestore

import "context"

// Store is the narrow boundary to the HTTP file service. The service itself
// is an external collaborator; the core only reads and writes whole files.
type Store interface {
	// Read returns the content at path, or domain.ErrNotFound.
	Read(ctx context.Context, path string) (string, error)

	// Write creates or overwrites the file at path.
	Write(ctx context.Context, path, content string) error
}
