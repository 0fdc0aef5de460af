// Package gitclient defines the port for the external git service.
package gitclient

import "context"

// Client provides repository lifecycle operations on the git service.
type Client interface {
	// Init creates the repository if it does not already exist.
	Init(ctx context.Context, repoName string) error

	// Commit records fileChanges (path -> content) in the repository and
	// returns the resulting commit identifier.
	Commit(ctx context.Context, repoName, message string, fileChanges map[string]string) (string, error)
}
