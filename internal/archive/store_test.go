package archive

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"optionpilot/internal/snapshot"
)

var archTS = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func archSnap(ts time.Time, sym string) snapshot.Context {
	return snapshot.Context{
		Timestamp: ts,
		Instruments: map[string]snapshot.InstrumentView{
			sym: {
				UnderlyingBars: []snapshot.Bar{
					{Time: ts.Add(-time.Minute), Close: 100},
					{Time: ts, Close: 100.5},
				},
			},
		},
	}
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "snapshots.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SaveAndStreamAscending(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	// Save deliberately out of order; the read path must still be ascending.
	require.NoError(t, s.Save(ctx, archSnap(archTS.Add(2*time.Minute), "AAPL")))
	require.NoError(t, s.Save(ctx, archSnap(archTS, "AAPL")))
	require.NoError(t, s.Save(ctx, archSnap(archTS.Add(time.Minute), "AAPL")))

	snaps, err := snapshot.ReadAll(ctx, s.Source(time.Time{}, time.Time{}))
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	for i := 1; i < len(snaps); i++ {
		require.True(t, snaps[i].Timestamp.After(snaps[i-1].Timestamp),
			"snapshots must stream in ascending order")
	}
	require.Contains(t, snaps[0].Instruments, "AAPL")
	require.Len(t, snaps[0].Instruments["AAPL"].UnderlyingBars, 2)
}

func TestStore_SaveIsIdempotent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, archSnap(archTS, "AAPL")))
	require.NoError(t, s.Save(ctx, archSnap(archTS, "AAPL")))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestStore_RejectsMalformedSnapshot(t *testing.T) {
	s := openStore(t)
	err := s.Save(context.Background(), snapshot.Context{})
	require.Error(t, err, "zero-timestamp snapshot must not be archived")
}

func TestStore_BoundedSource(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Save(ctx, archSnap(archTS.Add(time.Duration(i)*time.Minute), "AAPL")))
	}

	lo := archTS.Add(time.Minute)
	hi := archTS.Add(3 * time.Minute)
	snaps, err := snapshot.ReadAll(ctx, s.Source(lo, hi))
	require.NoError(t, err)
	require.Len(t, snaps, 3, "bounds are inclusive on both ends")
	require.Equal(t, lo, snaps[0].Timestamp.UTC())
	require.Equal(t, hi, snaps[2].Timestamp.UTC())
}

func TestSource_ExhaustedAfterDrain(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, archSnap(archTS, "AAPL")))

	src := s.Source(time.Time{}, time.Time{})
	_, err := src.Next(ctx)
	require.NoError(t, err)
	_, err = src.Next(ctx)
	require.True(t, errors.Is(err, snapshot.ErrExhausted))
	// Stays exhausted.
	_, err = src.Next(ctx)
	require.True(t, errors.Is(err, snapshot.ErrExhausted))
}
