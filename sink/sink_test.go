package sink

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileSinkAppendsNDJSON(t *testing.T) {
	dir := t.TempDir()
	s := NewFileSink(dir)
	if err := s.Emit(context.Background(), "audit", map[string]any{"lane": "Lane A"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "audit.ndjson"))
	if err != nil {
		t.Fatalf("expected audit.ndjson: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected non-empty record")
	}
}

func TestMemorySinkByTopic(t *testing.T) {
	m := NewMemorySink()
	_ = m.Emit(context.Background(), "audit", "a")
	_ = m.Emit(context.Background(), "telemetry", "b")
	_ = m.Emit(context.Background(), "audit", "c")

	audit := m.ByTopic("audit")
	if len(audit) != 2 {
		t.Fatalf("expected 2 audit records, got %d", len(audit))
	}
}

type errSink struct{ err error }

func (e errSink) Emit(context.Context, string, any) error { return e.err }
func (e errSink) Close() error                             { return e.err }

func TestMultiSinkFansOutAndCollectsFirstError(t *testing.T) {
	m1 := NewMemorySink()
	boom := errors.New("boom")
	multi := NewMultiSink(m1, errSink{err: boom})

	err := multi.Emit(context.Background(), "audit", "x")
	if !errors.Is(err, boom) {
		t.Fatalf("expected the failing sink's error, got %v", err)
	}
	if len(m1.Records) != 1 {
		t.Fatalf("expected the working sink to still receive the record")
	}
}

func TestNopSinkDiscards(t *testing.T) {
	if err := (NopSink{}).Emit(context.Background(), "audit", "x"); err != nil {
		t.Fatalf("NopSink.Emit: %v", err)
	}
}
