package monitoring

import (
	"fmt"
	"sync"
	"time"
)

// Record is one diagnostic emitted by a stage, e.g.
// {Stage: "detect drifting", Key: "no_drift_features", Value: []string{...}}.
type Record struct {
	Stage string
	Key   string
	Value interface{}
	At    time.Time
}

// Sink receives diagnostic records. Implementations must not panic and must
// not report failure to the caller: diagnostics never change control flow.
type Sink interface {
	Record(r Record)
}

// NopSink discards every record.
type NopSink struct{}

func (NopSink) Record(Record) {}

// LogSink writes each record through Logf.
type LogSink struct{}

func (LogSink) Record(r Record) {
	Logf("[%s] %s = %s", r.Stage, r.Key, formatValue(r.Value))
}

func formatValue(v interface{}) string {
	s := fmt.Sprintf("%v", v)
	const maxLen = 240
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}

// MemorySink keeps records in memory. It is safe for concurrent use.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Record(r Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
}

// Records returns a copy of everything recorded so far.
func (m *MemorySink) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// Stage returns the records emitted by one stage, in order.
func (m *MemorySink) Stage(stage string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if r.Stage == stage {
			out = append(out, r)
		}
	}
	return out
}

// Lookup returns the last value recorded for stage/key.
func (m *MemorySink) Lookup(stage, key string) (interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].Stage == stage && m.records[i].Key == key {
			return m.records[i].Value, true
		}
	}
	return nil, false
}

// MultiSink fans a record out to several sinks. Nil entries are skipped.
type MultiSink []Sink

func (ms MultiSink) Record(r Record) {
	for _, s := range ms {
		if s == nil {
			continue
		}
		s.Record(r)
	}
}

// Emit stamps the record time if unset and hands it to sink. A panicking sink
// is logged and otherwise ignored.
func Emit(sink Sink, stage, key string, value interface{}) {
	if sink == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			Logf("[monitoring] sink panicked on %s/%s: %v", stage, key, p)
		}
	}()
	sink.Record(Record{Stage: stage, Key: key, Value: value, At: time.Now()})
}
