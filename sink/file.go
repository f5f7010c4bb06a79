package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileSink appends one JSON-encoded record per line to
// <root>/<topic>.ndjson, matching the telemetry/*.ndjson layout of spec
// §4.L.
type FileSink struct {
	mu   sync.Mutex
	root string
}

// NewFileSink returns a FileSink rooted at dir.
func NewFileSink(dir string) *FileSink {
	return &FileSink{root: dir}
}

func (f *FileSink) Emit(_ context.Context, topic string, record any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(f.root, 0o755); err != nil {
		return fmt.Errorf("sink: ensure dir: %w", err)
	}

	data, err := marshalRecord(topic, record)
	if err != nil {
		return fmt.Errorf("sink: marshal record: %w", err)
	}

	path := filepath.Join(f.root, topic+".ndjson")
	fh, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("sink: open %s: %w", path, err)
	}
	defer fh.Close()

	if _, err := fh.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("sink: write record: %w", err)
	}
	return nil
}

func (f *FileSink) Close() error { return nil }

var _ Sink = (*FileSink)(nil)
