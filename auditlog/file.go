package auditlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ruteri/authority-rotation/interfaces"
)

// ErrUnavailable is returned when the audit store cannot be read or written.
var ErrUnavailable = errors.New("audit log unavailable")

// FileLog is a JSON lines audit log.
type FileLog struct {
	mu   sync.Mutex
	path string
	log  *slog.Logger
}

// NewFileLog opens path for appending, creating it and its directory if needed.
func NewFileLog(path string, log *slog.Logger) (*FileLog, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrUnavailable)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return &FileLog{path: path, log: log}, nil
}

// Append writes record as one line and fsyncs the file before returning.
func (l *FileLog) Append(ctx context.Context, record interfaces.RotationRecord) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode rotation record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("%w: write: %v", ErrUnavailable, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrUnavailable, err)
	}
	return nil
}

// All reads every record. A final line without a newline is the remnant of an
// interrupted append and is skipped; any other undecodable line is an error.
func (l *FileLog) All(ctx context.Context) ([]interfaces.RotationRecord, error) {
	l.mu.Lock()
	data, err := os.ReadFile(l.path)
	l.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: audit file missing: %v", ErrUnavailable, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	complete := data
	if i := bytes.LastIndexByte(data, '\n'); i != len(data)-1 {
		complete = data[:i+1]
		if len(bytes.TrimSpace(data[i+1:])) > 0 {
			l.log.Warn("Ignoring torn trailing audit record", slog.String("path", l.path))
		}
	}

	var records []interfaces.RotationRecord
	scanner := bufio.NewScanner(bytes.NewReader(complete))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var record interfaces.RotationRecord
		if err := json.Unmarshal(line, &record); err != nil {
			return nil, fmt.Errorf("corrupt audit record at line %d: %w", lineNo, err)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
	return records, nil
}
