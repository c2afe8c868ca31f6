package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const memoryPath = ":memory:"

// buildDSN turns store options into a go-sqlite3 DSN. Writable file-backed
// stores get WAL journaling and have their parent directory created; a
// read-only store touches nothing on disk and fails if the file is missing.
func buildDSN(opts Options) (string, error) {
	path := opts.Path
	if path == "" {
		return "", fmt.Errorf("empty store path")
	}

	params := []string{
		fmt.Sprintf("_busy_timeout=%d", opts.BusyTimeout.Milliseconds()),
	}

	if path == memoryPath {
		return "file::memory:?" + strings.Join(params, "&"), nil
	}

	if opts.ReadOnly {
		params = append(params, "mode=ro")
	} else {
		params = append(params, "_journal_mode=WAL")
	}

	// "file:" URIs are passed through with our params appended.
	if strings.HasPrefix(path, "file:") {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + strings.Join(params, "&"), nil
	}

	if dir := filepath.Dir(path); dir != "." && !opts.ReadOnly {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	return fmt.Sprintf("file:%s?%s", path, strings.Join(params, "&")), nil
}
