package observability

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileSink appends JSON lines to a file. When the file grows past maxSize it
// is moved to <path>.old and a fresh file is started.
type FileSink struct {
	mu      sync.Mutex
	path    string
	maxSize int64
}

func NewFileSink(path string, maxSize int64) *FileSink {
	if maxSize <= 0 {
		maxSize = 10 * 1024 * 1024 // 10MB
	}
	return &FileSink{path: path, maxSize: maxSize}
}

func (s *FileSink) Path() string { return s.path }

// Write marshals v and appends it as one line.
func (s *FileSink) Write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal fallback record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	if info, err := os.Stat(s.path); err == nil && info.Size()+int64(len(data)) > s.maxSize {
		s.rotate()
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write log file: %w", err)
	}
	return nil
}

func (s *FileSink) rotate() {
	// Simple rotation: keep one .old file
	oldPath := s.path + ".old"
	_ = os.Remove(oldPath)
	_ = os.Rename(s.path, oldPath)
}
