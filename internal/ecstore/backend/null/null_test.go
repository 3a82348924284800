// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package null

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/asch/ecstore/internal/ecstore/backend"
)

func TestNullForgetsEverything(t *testing.T) {
	var b backend.Backend = NewNull()

	require.NoError(t, b.Store(3, []byte("record")))

	_, ok, err := b.Fetch(3)
	require.NoError(t, err)
	require.False(t, ok)

	exists, err := b.Exists(3)
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, b.SetFileMetadata("/f", backend.FileMetadata{Size: 1}))
	_, ok, err = b.GetFileMetadata("/f")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, b.Disconnect())
}
