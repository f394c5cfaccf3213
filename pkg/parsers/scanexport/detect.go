package scanexport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Detection and parsing errors.
var (
	ErrUnsupportedExtension = errors.New("unsupported file extension")
	ErrMalformed            = errors.New("malformed export file")
	ErrSchemaMismatch       = errors.New("export file does not match expected schema")
)

// Source parses raw export bytes of one format into raw finding records.
type Source interface {
	// Format returns the format this source handles.
	Format() Format

	// Parse decodes the file content. Any structural failure rejects the
	// whole file; there is no partial recovery.
	Parse(data []byte) ([]RawFinding, error)
}

// gzipMagic is the two-byte gzip stream header.
var gzipMagic = []byte{0x1f, 0x8b}

// Detect selects the Source for a filename by extension. A trailing ".gz"
// is ignored; compressed content is handled by Decode.
func Detect(filename string) (Source, error) {
	name := strings.TrimSuffix(filename, ".gz")
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return &JSONSource{}, nil
	case ".csv":
		return &CSVSource{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedExtension, filepath.Ext(name))
	}
}

// Decode detects the format for filename, transparently decompresses
// gzipped content, and parses the file.
func Decode(filename string, data []byte) ([]RawFinding, Format, error) {
	src, err := Detect(filename)
	if err != nil {
		return nil, "", err
	}

	if bytes.HasPrefix(data, gzipMagic) {
		data, err = gunzip(data)
		if err != nil {
			return nil, src.Format(), fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	raws, err := src.Parse(data)
	if err != nil {
		return nil, src.Format(), err
	}
	return raws, src.Format(), nil
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
