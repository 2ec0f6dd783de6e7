package logging

import (
	"fmt"
	"os"
	"sync"
)

// FileLogger is an append-only log file sink. It is safe for concurrent use
// and is normally handed to NewLogger as the output writer.
type FileLogger struct {
	file   *os.File
	mu     sync.Mutex
	closed bool
}

// NewFileLogger opens path for appending, creating it if needed.
func NewFileLogger(path string) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &FileLogger{
		file: file,
	}, nil
}

// Write implements io.Writer. Writes after Close are discarded.
func (l *FileLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return len(p), nil
	}
	return l.file.Write(p)
}

// Close closes the log file.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	l.closed = true
	return l.file.Close()
}
