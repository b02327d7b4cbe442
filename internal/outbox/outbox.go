// Package outbox is the append-only JSONL record of everything handed to an
// execution collaborator: accepted paper orders and, in replay, simulated
// fills. One entry per event, never mutated after write.
package outbox

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Order is one accepted order, derived from an OrderIntent.
type Order struct {
	ID         string    `json:"id"`
	IntentID   string    `json:"intent_id"`
	Instrument string    `json:"instrument"`
	Direction  string    `json:"direction"`
	Contracts  int       `json:"contracts"`
	LimitHint  float64   `json:"limit_hint"`
	Timestamp  time.Time `json:"timestamp"`
	Status     string    `json:"status"`
}

// Fill is one simulated round trip produced by the replay engine.
type Fill struct {
	Instrument string    `json:"instrument"`
	Direction  string    `json:"direction"`
	Contracts  int       `json:"contracts"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	PnL        float64   `json:"pnl"`
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
}

type entry struct {
	Type string    `json:"type"`
	Data any       `json:"data"`
	At   time.Time `json:"at"`
}

// Outbox appends entries to a JSONL file.
type Outbox struct {
	mu   sync.Mutex
	path string
}

func New(path string) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &Outbox{path: path}, nil
}

func (o *Outbox) WriteOrder(order Order) error {
	return o.append(entry{Type: "order", Data: order, At: time.Now().UTC()})
}

func (o *Outbox) WriteFill(fill Fill) error {
	return o.append(entry{Type: "fill", Data: fill, At: time.Now().UTC()})
}

func (o *Outbox) append(e entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}
