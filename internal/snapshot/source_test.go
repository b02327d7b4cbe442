package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeSnapshotFile(t *testing.T, snaps []Context) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapshots.jsonl")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := WriteJSONL(f, snaps); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFileSource_RoundTrip(t *testing.T) {
	snaps := []Context{
		{Timestamp: t0, Instruments: map[string]InstrumentView{"AAPL": {}}},
		{Timestamp: t0.Add(time.Minute), Instruments: map[string]InstrumentView{"TSLA": {}}},
	}
	src := NewFileSource(writeSnapshotFile(t, snaps))
	defer src.Close()

	got, err := ReadAll(context.Background(), src)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 snapshots, got %d", len(got))
	}
	if !got[0].Timestamp.Equal(t0) || !got[1].Timestamp.Equal(t0.Add(time.Minute)) {
		t.Fatalf("snapshots out of file order: %v, %v", got[0].Timestamp, got[1].Timestamp)
	}
	if _, ok := got[1].Instruments["TSLA"]; !ok {
		t.Fatal("second snapshot lost its instrument")
	}
}

func TestFileSource_ExhaustedAtEOF(t *testing.T) {
	src := NewFileSource(writeSnapshotFile(t, nil))
	defer src.Close()
	if _, err := src.Next(context.Background()); !errors.Is(err, ErrExhausted) {
		t.Fatalf("want ErrExhausted, got %v", err)
	}
}

func TestFileSource_MalformedLineIsFetchError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.jsonl")
	if err := os.WriteFile(path, []byte("{not json\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	src := NewFileSource(path)
	defer src.Close()

	_, err := src.Next(context.Background())
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("want *FetchError, got %v", err)
	}
}

func TestFileSource_InvalidSnapshotIsFetchError(t *testing.T) {
	// Well-formed JSON but a structurally invalid snapshot (zero timestamp).
	path := filepath.Join(t.TempDir(), "invalid.jsonl")
	if err := os.WriteFile(path, []byte(`{"instruments":{"AAPL":{}}}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	src := NewFileSource(path)
	defer src.Close()

	_, err := src.Next(context.Background())
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("want *FetchError for invalid snapshot, got %v", err)
	}
}

func TestFileSource_MissingFileIsFetchError(t *testing.T) {
	src := NewFileSource(filepath.Join(t.TempDir(), "absent.jsonl"))
	_, err := src.Next(context.Background())
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("want *FetchError, got %v", err)
	}
}
