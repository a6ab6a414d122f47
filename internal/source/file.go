package source

import (
	"context"
	"fmt"
	"image"
	"os"
)

// File reads a still image from disk on every fetch, so an external process
// may keep overwriting it.
type File struct {
	path string
}

// NewFile creates a file source.
func NewFile(path string) *File {
	return &File{path: path}
}

// Fetch decodes the file.
func (f *File) Fetch(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fh, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("open frame: %w", err)
	}
	defer fh.Close()

	img, _, err := image.Decode(fh)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.path, err)
	}
	return img, nil
}

// Close is a no-op.
func (f *File) Close() error { return nil }
