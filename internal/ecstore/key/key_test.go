// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package key

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewStartsAtPositionGroup(t *testing.T) {
	c := New(4, 10)

	for p := 0; p < 4; p++ {
		require.Equal(t, int64(p*10), c.Current(p))
		require.Equal(t, int64(p), c.Group(p))
	}
}

func TestNextIsDense(t *testing.T) {
	c := New(3, 5)

	for i := int64(0); i < 4; i++ {
		require.Equal(t, 5+i, c.Next(1))
	}
	require.Equal(t, int64(9), c.Current(1))

	// Other positions are untouched.
	require.Equal(t, int64(0), c.Current(0))
	require.Equal(t, int64(10), c.Current(2))
}

func TestAdvanceSkipsOtherPositions(t *testing.T) {
	c := New(4, 10)

	c.Next(2)
	c.Next(2)
	require.Equal(t, int64(2), c.Advance(2))
	require.Equal(t, int64(60), c.Current(2))
	require.Equal(t, int64(6), c.Group(2))

	// Advancing from the very first key of a group closes that group too.
	require.Equal(t, int64(6), c.Advance(2))
	require.Equal(t, int64(100), c.Current(2))
}
