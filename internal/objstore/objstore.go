// Package objstore defines the blob storage contract for media attachments.
// Production deployments point it at a managed object store; FS implements
// it on the local filesystem for development and tests.
package objstore

import "context"

// Store uploads raw media bytes under a path and serves them back by URL.
type Store interface {
	Upload(ctx context.Context, path string, data []byte) (url string, err error)
	Download(ctx context.Context, url string) ([]byte, error)
}
