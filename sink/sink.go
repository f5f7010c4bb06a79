// Package sink implements the Sink Port (spec §4.K): typed, non-blocking
// event emission for audit and telemetry topics. Every Emit error is
// non-fatal by construction — callers that need fail-open behavior simply
// ignore the returned error, as spec §7 requires for audit emission. The
// package itself logs nothing when an Emit fails.
package sink

import (
	"context"
	"encoding/json"
	"sync"
)

// Sink appends a JSON record to a named topic (e.g. "audit", "telemetry",
// "recovery").
type Sink interface {
	Emit(ctx context.Context, topic string, record any) error
	Close() error
}

// MultiSink fans a single Emit out to every underlying sink, collecting
// (not short-circuiting on) individual failures. Grounded on the teacher's
// policy.Sink / lode.InstrumentedSink composition idiom: wrap, don't
// reimplement, the underlying sink's behavior.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink returns a Sink that fans out to every given sink.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Emit calls every underlying sink and returns the first error, if any,
// after every sink has had a chance to run.
func (m *MultiSink) Emit(ctx context.Context, topic string, record any) error {
	var first error
	for _, s := range m.sinks {
		if err := s.Emit(ctx, topic, record); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close closes every underlying sink, returning the first error encountered.
func (m *MultiSink) Close() error {
	var first error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var _ Sink = (*MultiSink)(nil)

// NopSink discards every record. Used where a Sink is required but no
// audit/telemetry destination has been configured.
type NopSink struct{}

func (NopSink) Emit(context.Context, string, any) error { return nil }
func (NopSink) Close() error                             { return nil }

var _ Sink = NopSink{}

// MemorySink buffers records for test assertions, grounded on the teacher's
// policy.StubSink.
type MemorySink struct {
	mu      sync.Mutex
	Records []MemoryRecord
}

// MemoryRecord is one buffered Emit call.
type MemoryRecord struct {
	Topic  string
	Record any
}

// NewMemorySink returns an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Emit(_ context.Context, topic string, record any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Records = append(m.Records, MemoryRecord{Topic: topic, Record: record})
	return nil
}

func (m *MemorySink) Close() error { return nil }

// ByTopic returns a copy of the records emitted under topic, for assertions.
func (m *MemorySink) ByTopic(topic string) []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []any
	for _, r := range m.Records {
		if r.Topic == topic {
			out = append(out, r.Record)
		}
	}
	return out
}

var _ Sink = (*MemorySink)(nil)

// marshalRecord serializes a record to JSON for backends that need bytes
// rather than a Go value (file append, HTTP body, Redis payload).
func marshalRecord(topic string, record any) ([]byte, error) {
	envelope := map[string]any{"topic": topic, "record": record}
	return json.Marshal(envelope)
}
