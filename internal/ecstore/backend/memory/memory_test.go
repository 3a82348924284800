// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package memory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/asch/ecstore/internal/ecstore/backend"
)

var _ backend.Backend = (*Memory)(nil)

func TestRecords(t *testing.T) {
	m := New()

	_, ok, err := m.Fetch(1)
	require.NoError(t, err)
	require.False(t, ok)

	record := []byte{1, 2, 3}
	require.NoError(t, m.Store(1, record))
	record[0] = 9

	got, ok, err := m.Fetch(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3}, got)

	exists, err := m.Exists(1)
	require.NoError(t, err)
	require.True(t, exists)

	m.Delete(1)
	exists, err = m.Exists(1)
	require.NoError(t, err)
	require.False(t, exists)

	fetches, stores, existsCalls := m.Counts()
	require.Equal(t, 2, fetches)
	require.Equal(t, 1, stores)
	require.Equal(t, 2, existsCalls)
}

func TestMetadata(t *testing.T) {
	m := New()

	require.NoError(t, m.SetFileMetadata("/b", backend.FileMetadata{Size: 2}))
	require.NoError(t, m.SetFileMetadata("/a", backend.FileMetadata{Size: 1, BlockKeys: []int64{4, 5}}))

	md, ok, err := m.GetFileMetadata("/a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []int64{4, 5}, md.BlockKeys)

	_, ok, err = m.GetFileMetadata("/c")
	require.NoError(t, err)
	require.False(t, ok)

	paths, err := m.GetAllFilePaths()
	require.NoError(t, err)
	require.Equal(t, []string{"/a", "/b"}, paths)
}

func TestFailures(t *testing.T) {
	m := New()
	boom := errors.New("boom")

	m.SetError(boom)
	_, _, err := m.Fetch(1)
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, m.Store(1, nil), boom)

	m.SetError(nil)
	require.NoError(t, m.Store(1, nil))

	require.NoError(t, m.Disconnect())
	_, err = m.Exists(1)
	require.ErrorIs(t, err, backend.ErrDisconnected)
}
