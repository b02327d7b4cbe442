// Package audit is the append-only decision trail: one structured JSON
// record per signal, gate rejection, sizing decision, and emitted or rejected
// intent. Records are buffered and flushed on shutdown; nothing is ever
// rewritten.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record event types.
const (
	EventSignal        = "signal"
	EventNoSignal      = "no_signal"
	EventGateRejected  = "gate_rejected"
	EventRiskRejected  = "risk_rejected"
	EventIntentEmitted = "intent_emitted"
	EventIntentFailed  = "intent_failed"
	EventCircuitBreach = "circuit_breach"
	EventSessionReset  = "session_reset"
)

// Record is one audit line. Details carries the stage-specific payload
// (signal metadata, gate evidence, intent fields).
type Record struct {
	Time       time.Time      `json:"time"`
	Event      string         `json:"event"`
	Instrument string         `json:"instrument,omitempty"`
	SnapshotTS time.Time      `json:"snapshot_ts,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Sink receives audit records. The live loop and the replay engine both
// write through this interface; replay runs may use Discard.
type Sink interface {
	Append(rec Record) error
	Flush() error
}

// Log is a buffered JSONL file sink.
type Log struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// Open creates or appends to the audit file, creating parent directories as
// needed.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	return &Log{f: f, w: bufio.NewWriter(f)}, nil
}

// Append writes one record to the buffer.
func (l *Log) Append(rec Record) error {
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: marshal: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("audit: write: %w", err)
	}
	return nil
}

// Flush forces buffered records to disk.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.f.Sync()
}

// Close flushes and releases the file.
func (l *Log) Close() error {
	if err := l.Flush(); err != nil {
		return err
	}
	return l.f.Close()
}

// Discard drops all records. Used by replay runs that only need the trade
// log and by tests.
type Discard struct{}

func (Discard) Append(Record) error { return nil }
func (Discard) Flush() error        { return nil }
