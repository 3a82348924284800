// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package storeproxy

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/asch/ecstore/internal/ecstore"
	"github.com/asch/ecstore/internal/ecstore/backend/memory"
	"github.com/asch/ecstore/internal/ecstore/blocks"
)

func newProxy(t *testing.T, totalSize, fuseReadSize int) *StoreProxy {
	t.Helper()

	codec, err := blocks.NewCodec(blocks.CompressionZstd)
	require.NoError(t, err)

	s := ecstore.New(memory.New(), codec, ecstore.Options{FuseReadSize: fuseReadSize})
	require.NoError(t, s.Initialize(totalSize))

	p := New(s)
	t.Cleanup(func() {
		p.Close()
		s.Disconnect()
	})

	return p
}

func TestConcurrentWritersPerPosition(t *testing.T) {
	const totalSize, perWriter = 4, 50
	p := newProxy(t, totalSize, 4*8)

	keys := make([][]int64, totalSize)

	var wg sync.WaitGroup
	for pos := 0; pos < totalSize; pos++ {
		wg.Add(1)
		go func(pos int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				k, err := p.StoreBlock(int32(pos*perWriter+i), pos)
				require.NoError(t, err)
				keys[pos] = append(keys[pos], k)
			}
		}(pos)
	}
	wg.Wait()

	require.NoError(t, p.FlushAll())

	for pos := 0; pos < totalSize; pos++ {
		for i, k := range keys[pos] {
			if i > 0 {
				require.Greater(t, k, keys[pos][i-1])
			}

			v, ok, err := p.RetrieveBlock(k)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, int32(pos*perWriter+i), v)

			ok, err = p.IsBlockAvailable(k)
			require.NoError(t, err)
			require.True(t, ok)
		}
	}
}

func TestConcurrentWritersSharedPosition(t *testing.T) {
	const writers, perWriter = 8, 25
	p := newProxy(t, 2, 2*10)

	var mutex sync.Mutex
	var keys []int64

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				k, err := p.StoreBlock(1, 0)
				require.NoError(t, err)

				mutex.Lock()
				keys = append(keys, k)
				mutex.Unlock()
			}
		}()
	}
	wg.Wait()

	// Serialized writers never get the same key and every group of the
	// position is used densely. Groups of position 0 are 0, 2, 4, ...
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	require.Len(t, keys, writers*perWriter)
	for i, k := range keys {
		require.Equal(t, int64(i/10*20+i%10), k)
	}
}

func TestClearCachesAndClose(t *testing.T) {
	p := newProxy(t, 2, 4)

	k, err := p.StoreBlock(42, 1)
	require.NoError(t, err)
	require.NoError(t, p.FlushAll())

	p.ClearCaches()

	v, ok, err := p.RetrieveBlock(k)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int32(42), v)

	p.Close()
	p.Close()

	_, err = p.StoreBlock(1, 0)
	require.ErrorIs(t, err, ErrClosed)
	_, _, err = p.RetrieveBlock(k)
	require.ErrorIs(t, err, ErrClosed)
	_, err = p.IsBlockAvailable(k)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, p.FlushAll(), ErrClosed)
	require.NotPanics(t, p.ClearCaches)
}
