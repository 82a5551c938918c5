// Package storage realizes the storage collaborator (§6): an opaque HTTP
// proxy for experiment files, backed here by S3 (github.com/aws/aws-sdk-go-v2).
package storage

import (
	"context"
)

// Entry is one file or folder returned by ListFiles.
type Entry struct {
	Name     string
	IsFolder bool
	Size     int64
}

// Client is the minimum interface the core consumes from the storage
// collaborator (§6). token is an opaque bearer credential forwarded
// verbatim — the core never interprets it.
type Client interface {
	// CloneExperiment downloads every file belonging to experimentID
	// into destDir, skipping any path matched by excludeGlobs (shell-glob
	// semantics; entries ending in "/" are directory-prefix rules).
	CloneExperiment(ctx context.Context, token, experimentID, destDir string, excludeGlobs []string) error
	PutFile(ctx context.Context, token, experimentID, name string, data []byte, contentType string) error
	GetFile(ctx context.Context, token, experimentID, name string, byName bool) ([]byte, error)
	ListFiles(ctx context.Context, token, experimentID string, includeFolders bool) ([]Entry, error)
}
