package upload

import "context"

// Uploader copies an exported run summary to remote storage.
type Uploader interface {
	// Preflight writes a small marker object so a misconfigured bucket
	// fails before any run is submitted.
	Preflight(ctx context.Context) error

	// Upload copies every file of a summary directory. The directory
	// basename becomes a sub-prefix under the configured prefix.
	Upload(ctx context.Context, summaryDir string) (int, error)
}
