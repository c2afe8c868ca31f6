package datapoint

import (
	"context"
	"fmt"
	"os"
)

// FileSource reads a forecast document from a local file. It implements
// pipeline.Source and is used for fixtures and offline imports.
type FileSource struct {
	path string
}

// NewFileSource creates a source for the document at path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Name identifies the source in logs.
func (f *FileSource) Name() string {
	return "file:" + f.path
}

// Fetch reads the whole file.
func (f *FileSource) Fetch(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	return data, nil
}
