// Package fetchers retrieves scan export files from local paths and S3.
package fetchers

import (
	"context"
	"strings"
)

// File is one retrieved export file. Name is the base filename, which
// carries the report run date.
type File struct {
	Name string
	Data []byte
}

// FetchOptions constrains what a fetch will accept.
type FetchOptions struct {
	// Extensions filters files by extension (e.g. []string{".json", ".csv", ".gz"}).
	Extensions []string

	// MaxFileSize limits individual file size (0 = no limit).
	MaxFileSize int64

	// MaxFiles limits the number of files returned (0 = no limit).
	MaxFiles int
}

// Fetcher retrieves export files from a source location.
type Fetcher interface {
	// Fetch retrieves all matching files at the given location. The
	// location may point at a single file or a directory/prefix.
	Fetch(ctx context.Context, location string, opts FetchOptions) ([]File, error)
}

// IsS3Location reports whether the location refers to object storage.
func IsS3Location(location string) bool {
	return strings.HasPrefix(location, "s3://")
}

func matchesExtension(name string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	lower := strings.ToLower(name)
	for _, ext := range extensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}
