package batchfile

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(Config{Path: t.TempDir()})
	require.NoError(t, err)
	return s
}

func TestCreateTruncates(t *testing.T) {
	s := newTestStore(t)

	w, err := s.Create(1)
	require.NoError(t, err)
	_, err = io.WriteString(w, "{\"custom_id\":\"stale\"}\n")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// A second Create starts over.
	w, err = s.Create(1)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	size, err := s.Size(1)
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestAppendAndStream(t *testing.T) {
	s := newTestStore(t)

	lines := []string{
		`{"custom_id":"r1","method":"POST"}`,
		`{"custom_id":"r2","method":"POST"}`,
		`{"custom_id":"r3","method":"POST"}`,
	}
	for _, l := range lines {
		require.NoError(t, s.AppendLine(42, []byte(l)))
	}

	var got []string
	err := s.StreamLines(42, func(line []byte) error {
		got = append(got, string(line))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, lines, got)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AppendLine(7, []byte(`{}`)))
	require.NoError(t, s.Delete(7))
	require.NoError(t, s.Delete(7))

	_, err := os.Stat(s.Path(7))
	require.True(t, os.IsNotExist(err))
}

func TestFreeSpace(t *testing.T) {
	s := newTestStore(t)

	free, err := s.FreeSpace()
	require.NoError(t, err)
	require.Greater(t, free, uint64(0))
}
