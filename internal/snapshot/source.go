package snapshot

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// Source supplies snapshots to the live loop. The contract is: return a
// well-formed Context, or fail with a *FetchError. The pipeline never
// inspects how a snapshot was obtained.
type Source interface {
	Next(ctx context.Context) (Context, error)
}

// FetchError is the typed failure a Source reports. The loop treats it as a
// non-fatal, logged collaborator failure and moves on to the next cycle.
type FetchError struct {
	Op  string
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("snapshot fetch %s: %v", e.Op, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// ErrExhausted signals a finite source has delivered its last snapshot.
var ErrExhausted = fmt.Errorf("snapshot source exhausted")

// FileSource reads snapshots from a JSONL file, one Context per line, in file
// order. It backs the live loop in dry runs and serves as the simplest
// archival format for the replay engine.
type FileSource struct {
	path string

	mu      sync.Mutex
	f       *os.File
	scanner *bufio.Scanner
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Next returns the next snapshot in the file, ErrExhausted at EOF.
func (s *FileSource) Next(ctx context.Context) (Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Context{}, err
	}
	if s.scanner == nil {
		f, err := os.Open(s.path)
		if err != nil {
			return Context{}, &FetchError{Op: "open", Err: err}
		}
		s.f = f
		s.scanner = bufio.NewScanner(f)
		s.scanner.Buffer(make([]byte, 0, 1<<20), 16<<20)
	}

	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var snap Context
		if err := json.Unmarshal(line, &snap); err != nil {
			return Context{}, &FetchError{Op: "decode", Err: err}
		}
		if err := snap.Validate(); err != nil {
			return Context{}, &FetchError{Op: "validate", Err: err}
		}
		return snap, nil
	}
	if err := s.scanner.Err(); err != nil {
		return Context{}, &FetchError{Op: "read", Err: err}
	}
	return Context{}, ErrExhausted
}

// Close releases the underlying file.
func (s *FileSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f, s.scanner = nil, nil
	return err
}

// ReadAll drains a source into an in-memory slice. Intended for tests and for
// small replay inputs; the replay engine streams via Next for anything large.
func ReadAll(ctx context.Context, src Source) ([]Context, error) {
	var out []Context
	for {
		snap, err := src.Next(ctx)
		if err == ErrExhausted {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
}

// WriteJSONL appends snapshots to w, one per line, in the FileSource format.
func WriteJSONL(w io.Writer, snaps []Context) error {
	enc := json.NewEncoder(w)
	for _, s := range snaps {
		if err := enc.Encode(s); err != nil {
			return err
		}
	}
	return nil
}
