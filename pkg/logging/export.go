// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileExporter appends entries to a file as JSON lines, one object per
// entry, for log collectors that tail files.
//
// Thread Safety: safe for concurrent use.
type FileExporter struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// exportedEntry is the on-disk form of a LogEntry.
type exportedEntry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Service string         `json:"service,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// NewFileExporter opens path for appending, creating parent directories.
// A leading ~ is expanded.
func NewFileExporter(path string) (*FileExporter, error) {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("open export file: %w", err)
	}
	return &FileExporter{file: file, enc: json.NewEncoder(file)}, nil
}

// Export writes one line. Attribute values that cannot be encoded are
// written in their fmt form.
func (e *FileExporter) Export(ctx context.Context, entry LogEntry) error {
	out := exportedEntry{
		Time:    entry.Timestamp,
		Level:   entry.Level.String(),
		Message: entry.Message,
		Service: entry.Service,
		Attrs:   entry.Attrs,
	}
	if _, err := json.Marshal(out.Attrs); err != nil {
		out.Attrs = stringify(entry.Attrs)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.file == nil {
		return os.ErrClosed
	}
	return e.enc.Encode(out)
}

// Flush syncs the file to disk.
func (e *FileExporter) Flush(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.file == nil {
		return nil
	}
	return e.file.Sync()
}

// Close closes the file. Later exports fail with os.ErrClosed.
func (e *FileExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.file == nil {
		return nil
	}
	err := e.file.Close()
	e.file = nil
	return err
}

func stringify(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if _, err := json.Marshal(v); err != nil {
			out[k] = fmt.Sprint(v)
			continue
		}
		out[k] = v
	}
	return out
}

var _ LogExporter = (*FileExporter)(nil)
