package transcriptlog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
)

// Compile-time interface check.
var _ Store = (*FileStore)(nil)

// maxLineSize bounds a single JSON line read back by [FileStore.List].
const maxLineSize = 1 << 20

// FileStore persists entries as append-only JSON lines in a local file.
// Thread-safe for concurrent use.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a FileStore that writes to the given path.
// The file is created on the first append.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Append implements [Store]. All entries are written with a single write.
func (s *FileStore) Append(_ context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	var data []byte
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("transcriptlog: marshal: %w", err)
		}
		data = append(data, line...)
		data = append(data, '\n')
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("transcriptlog: open file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("transcriptlog: write: %w", err)
	}
	return nil
}

// List implements [Store]. It reads the whole file; a missing file yields no
// entries and malformed lines are skipped.
func (s *FileStore) List(_ context.Context, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("transcriptlog: open file: %w", err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			slog.Warn("transcriptlog: skipping malformed line", "path", s.path, "line", line, "err", err)
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("transcriptlog: read: %w", err)
	}
	return tail(entries, limit), nil
}

// Close implements [Store]. The file is opened per call, so there is nothing
// to release.
func (s *FileStore) Close() error { return nil }
