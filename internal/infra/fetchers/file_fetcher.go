package fetchers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// FileFetcher retrieves export files from the local filesystem.
type FileFetcher struct{}

// NewFileFetcher creates a new local filesystem fetcher.
func NewFileFetcher() *FileFetcher {
	return &FileFetcher{}
}

// Fetch reads the file at location, or every matching file when location is
// a directory. Subdirectories are not descended into; export drops are flat.
func (f *FileFetcher) Fetch(ctx context.Context, location string, opts FetchOptions) ([]File, error) {
	info, err := os.Stat(location)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", location, err)
	}

	if !info.IsDir() {
		file, err := readOne(location, info.Size(), opts)
		if err != nil {
			return nil, err
		}
		return []File{file}, nil
	}

	entries, err := os.ReadDir(location)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", location, err)
	}

	var files []File
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !matchesExtension(entry.Name(), opts.Extensions) {
			continue
		}
		if opts.MaxFiles > 0 && len(files) >= opts.MaxFiles {
			return nil, fmt.Errorf("too many files in %s (limit %d)", location, opts.MaxFiles)
		}

		entryInfo, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", entry.Name(), err)
		}

		file, err := readOne(filepath.Join(location, entry.Name()), entryInfo.Size(), opts)
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func readOne(path string, size int64, opts FetchOptions) (File, error) {
	if opts.MaxFileSize > 0 && size > opts.MaxFileSize {
		return File{}, fmt.Errorf("file %s exceeds size limit (%d > %d)", path, size, opts.MaxFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	return File{Name: filepath.Base(path), Data: data}, nil
}
